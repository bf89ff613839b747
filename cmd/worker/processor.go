package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"

	internalaws "github.com/imrishuroy/go-idempotency/internal/aws"
	"github.com/imrishuroy/go-idempotency/internal/idempotency"
	"github.com/imrishuroy/go-idempotency/internal/metrics"
	"github.com/imrishuroy/go-idempotency/internal/orders"
)

// Processor consumes SQS order messages and performs order lifecycle
// transitions. Each message runs through its own idempotency wrapper keyed on
// the order id, so a redelivered message returns the recorded outcome instead
// of transitioning the order twice.
type Processor struct {
	orderStore *orders.Store
	process    idempotency.Func
	emitter    *metrics.Emitter
}

// NewProcessor wires the worker against the orders table and an idempotency
// backend.
func NewProcessor(dynamo internalaws.DynamoDBAPI, store idempotency.Store, ordersTable string, emitter *metrics.Emitter) (*Processor, error) {
	p := &Processor{
		orderStore: orders.NewStore(dynamo, ordersTable),
		emitter:    emitter,
	}

	layer, err := idempotency.NewPersistenceLayer(store, &idempotency.Config{
		EventKeyJMESPath:        "order_id",
		RaiseOnNoIdempotencyKey: true,
		FunctionName:            "orders-worker",
		ResponseHook: func(response any, record *idempotency.Record) any {
			emitter.Count(context.Background(), metrics.MetricIdempotentHit, 1,
				map[string]string{"Function": "orders-worker"})
			return response
		},
	})
	if err != nil {
		return nil, fmt.Errorf("init idempotency layer: %w", err)
	}
	p.process = idempotency.MakeIdempotent(p.processOrder, layer)
	return p, nil
}

// Handle receives an SQS batch event and processes each message.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) error {
	for _, rec := range ev.Records {
		if err := p.handleMessage(ctx, rec); err != nil {
			// Return error: Lambda will retry. If failed too many times, message goes to DLQ.
			log.Printf("worker error: %v", err)
			return err
		}
	}
	return nil
}

func (p *Processor) handleMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg WorkerMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}

	log.Printf("[worker] received order=%s corr=%s", msg.OrderID, msg.CorrelationID)

	event := map[string]any{"order_id": msg.OrderID}
	if _, err := p.process(ctx, event); err != nil {
		// A concurrent worker holding the key is a duplicate delivery, not a
		// failure; swallow it and let that worker finish.
		var inProgress *idempotency.AlreadyInProgressError
		if errors.As(err, &inProgress) {
			log.Printf("[worker] duplicate in-flight delivery for order=%s", msg.OrderID)
			return nil
		}
		return err
	}
	return nil
}

// processOrder is the business function wrapped by the idempotency layer.
func (p *Processor) processOrder(ctx context.Context, event map[string]any) (any, error) {
	orderID, _ := event["order_id"].(string)

	order, err := p.orderStore.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order: %w", err)
	}
	if order == nil {
		// Should never happen; DLQ if it does.
		return nil, fmt.Errorf("order not found: %s", orderID)
	}

	if err := p.orderStore.IncrementAttempts(ctx, orderID); err != nil {
		return nil, fmt.Errorf("failed to count attempt: %w", err)
	}

	// PENDING -> PROCESSING
	err = p.orderStore.UpdateStatus(ctx, orderID, orders.StatusPending, orders.StatusProcessing)
	if err == orders.ErrStatusMismatch {
		current, getErr := p.orderStore.Get(ctx, orderID)
		if getErr != nil || current == nil {
			return nil, fmt.Errorf("failed to re-read order %s after status conflict", orderID)
		}
		switch current.Status {
		case orders.StatusCompleted:
			log.Printf("[worker] already completed order=%s", orderID)
			return map[string]any{"order_id": orderID, "status": orders.StatusCompleted}, nil
		case orders.StatusFailed:
			return nil, fmt.Errorf("order=%s is already FAILED", orderID)
		default:
			return nil, fmt.Errorf("unexpected status for order=%s: %s", orderID, current.Status)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update status to PROCESSING: %w", err)
	}

	// PROCESSING -> COMPLETED
	if err := p.orderStore.UpdateStatus(ctx, orderID, orders.StatusProcessing, orders.StatusCompleted); err != nil {
		return nil, fmt.Errorf("failed to update status to COMPLETED: %w", err)
	}

	p.emitter.Count(ctx, "OrdersCompleted", 1, nil)
	log.Printf("[worker] completed order=%s", orderID)
	return map[string]any{"order_id": orderID, "status": orders.StatusCompleted}, nil
}
