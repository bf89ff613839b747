package idempotency

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// mockDynamoDB is a small in-memory stand-in for the DynamoDB client. It
// evaluates the store's conditional put semantically (exists / TTL passed /
// lease lapsed) instead of parsing the expression, which is enough to exercise
// every branch the real table would.
type mockDynamoDB struct {
	mu          sync.Mutex
	table       map[string]map[string]types.AttributeValue
	nowFunc     func() time.Time
	putCalls    int
	getCalls    int
	updateCalls int
	deleteCalls int
	failWith    error // when set, every call fails
}

func newMockDynamoDB() *mockDynamoDB {
	return &mockDynamoDB{
		table:   map[string]map[string]types.AttributeValue{},
		nowFunc: time.Now,
	}
}

func itemString(item map[string]types.AttributeValue, attr string) string {
	if v, ok := item[attr].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func itemNumber(item map[string]types.AttributeValue, attr string) int64 {
	if v, ok := item[attr].(*types.AttributeValueMemberN); ok {
		n, _ := strconv.ParseInt(v.Value, 10, 64)
		return n
	}
	return 0
}

func (m *mockDynamoDB) liveRecordBlocks(item map[string]types.AttributeValue) bool {
	now := m.nowFunc()
	if expiry := itemNumber(item, attrExpiry); expiry != 0 && expiry < now.Unix() {
		return false
	}
	if itemString(item, attrStatus) == StatusInProgress {
		if lease, ok := item[attrInProgressExpiry]; ok {
			n, _ := strconv.ParseInt(lease.(*types.AttributeValueMemberN).Value, 10, 64)
			if n < now.UnixMilli() {
				return false
			}
		}
	}
	return true
}

func (m *mockDynamoDB) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	if m.failWith != nil {
		return nil, m.failWith
	}

	key := itemString(params.Item, attrKey)
	if key == "" {
		return nil, errors.New("missing idempotency_key attribute")
	}
	if params.ConditionExpression != nil {
		if existing, ok := m.table[key]; ok && m.liveRecordBlocks(existing) {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.table[key] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamoDB) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.failWith != nil {
		return nil, m.failWith
	}

	key := itemString(params.Key, attrKey)
	item, ok := m.table[key]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *mockDynamoDB) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.failWith != nil {
		return nil, m.failWith
	}

	key := itemString(params.Key, attrKey)
	item, ok := m.table[key]
	if !ok {
		item = map[string]types.AttributeValue{
			attrKey: &types.AttributeValueMemberS{Value: key},
		}
	}
	if v, ok := params.ExpressionAttributeValues[":status"]; ok {
		item[attrStatus] = v
	}
	if v, ok := params.ExpressionAttributeValues[":response_data"]; ok {
		item[attrResponseData] = v
	}
	if v, ok := params.ExpressionAttributeValues[":expiry"]; ok {
		item[attrExpiry] = v
	}
	if v, ok := params.ExpressionAttributeValues[":validation"]; ok {
		item[attrValidation] = v
	}
	m.table[key] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

func (m *mockDynamoDB) DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls++
	if m.failWith != nil {
		return nil, m.failWith
	}

	delete(m.table, itemString(params.Key, attrKey))
	return &dyn.DeleteItemOutput{}, nil
}
