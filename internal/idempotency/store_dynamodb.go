package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	internalaws "github.com/imrishuroy/go-idempotency/internal/aws"
)

// DynamoDB item attribute names. expiration doubles as the table's TTL
// attribute so DynamoDB eventually deletes stale records on its own.
const (
	attrKey              = "idempotency_key"
	attrStatus           = "status"
	attrExpiry           = "expiration"
	attrInProgressExpiry = "in_progress_expiration"
	attrResponseData     = "response_data"
	attrValidation       = "validation"
)

// DynamoDBStore implements Store on a DynamoDB table keyed by
// idempotency_key. The conditional put gives the strong variant of the
// exactly-once guarantee: the existence/expiry check and the write are one
// atomic operation on the server.
type DynamoDBStore struct {
	client    internalaws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewDynamoDBStore returns a Store bound to the given idempotency table.
func NewDynamoDBStore(client internalaws.DynamoDBAPI, tableName string) *DynamoDBStore {
	return &DynamoDBStore{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

type dynamoRecord struct {
	IdempotencyKey            string `dynamodbav:"idempotency_key"`
	Status                    string `dynamodbav:"status"`
	ExpiryTimestamp           int64  `dynamodbav:"expiration"`
	InProgressExpiryTimestamp int64  `dynamodbav:"in_progress_expiration,omitempty"`
	ResponseData              string `dynamodbav:"response_data,omitempty"`
	PayloadHash               string `dynamodbav:"validation,omitempty"`
}

// PutRecord writes the INPROGRESS record with a condition allowing the write
// only when the key is absent, the existing record's TTL has passed, or an
// existing INPROGRESS record's lease has lapsed.
func (s *DynamoDBStore) PutRecord(ctx context.Context, record *Record) error {
	item, err := attributevalue.MarshalMap(dynamoRecord{
		IdempotencyKey:            record.IdempotencyKey,
		Status:                    record.Status,
		ExpiryTimestamp:           record.ExpiryTimestamp,
		InProgressExpiryTimestamp: record.InProgressExpiryTimestamp,
		PayloadHash:               record.PayloadHash,
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	now := s.nowFunc()
	condition := "attribute_not_exists(#key) OR #expiry < :now OR " +
		"(#status = :inprogress AND attribute_exists(#in_progress_expiry) AND #in_progress_expiry < :now_ms)"

	input := &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: &condition,
		ExpressionAttributeNames: map[string]string{
			"#key":                attrKey,
			"#status":             attrStatus,
			"#expiry":             attrExpiry,
			"#in_progress_expiry": attrInProgressExpiry,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":        &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			":now_ms":     &types.AttributeValueMemberN{Value: strconv.FormatInt(now.UnixMilli(), 10)},
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
		},
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException" {
			return ErrItemAlreadyExists
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// GetRecord reads the record with a consistent read so a just-written record
// from a concurrent invocation is visible.
func (s *DynamoDBStore) GetRecord(ctx context.Context, idempotencyKey string) (*Record, error) {
	consistent := true
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			attrKey: &types.AttributeValueMemberS{Value: idempotencyKey},
		},
		ConsistentRead: &consistent,
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrItemNotFound
	}

	var rec dynamoRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &Record{
		IdempotencyKey:            rec.IdempotencyKey,
		Status:                    rec.Status,
		ExpiryTimestamp:           rec.ExpiryTimestamp,
		InProgressExpiryTimestamp: rec.InProgressExpiryTimestamp,
		ResponseData:              rec.ResponseData,
		PayloadHash:               rec.PayloadHash,
	}, nil
}

// UpdateRecord transitions the record to its new status and attaches the
// response data, refreshing the TTL.
func (s *DynamoDBStore) UpdateRecord(ctx context.Context, record *Record) error {
	updateExpr := "SET #status = :status, #response_data = :response_data, #expiry = :expiry"
	names := map[string]string{
		"#status":        attrStatus,
		"#response_data": attrResponseData,
		"#expiry":        attrExpiry,
	}
	values := map[string]types.AttributeValue{
		":status":        &types.AttributeValueMemberS{Value: record.Status},
		":response_data": &types.AttributeValueMemberS{Value: record.ResponseData},
		":expiry":        &types.AttributeValueMemberN{Value: strconv.FormatInt(record.ExpiryTimestamp, 10)},
	}
	if record.PayloadHash != "" {
		updateExpr += ", #validation = :validation"
		names["#validation"] = attrValidation
		values[":validation"] = &types.AttributeValueMemberS{Value: record.PayloadHash}
	}

	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			attrKey: &types.AttributeValueMemberS{Value: record.IdempotencyKey},
		},
		UpdateExpression:          &updateExpr,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// DeleteRecord removes the item, releasing the key.
func (s *DynamoDBStore) DeleteRecord(ctx context.Context, idempotencyKey string) error {
	input := &dyn.DeleteItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			attrKey: &types.AttributeValueMemberS{Value: idempotencyKey},
		},
	}
	if _, err := s.client.DeleteItem(ctx, input); err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}
