package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	internalaws "github.com/imrishuroy/go-idempotency/internal/aws"
	"github.com/imrishuroy/go-idempotency/internal/idempotency"
	"github.com/imrishuroy/go-idempotency/internal/metrics"
)

func main() {
	ctx := context.Background()

	clients, err := internalaws.NewAWSClients(ctx)
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	store := idempotency.NewDynamoDBStore(clients.DynamoDB, os.Getenv("IDEMPOTENCY_TABLE"))
	emitter := metrics.NewEmitter(clients.CloudWatch, "OrdersWorker")

	processor, err := NewProcessor(clients.DynamoDB, store, os.Getenv("ORDERS_TABLE"), emitter)
	if err != nil {
		log.Fatalf("failed to init processor: %v", err)
	}

	// If RUN_LOCAL=true, simulate a single SQS event for local testing.
	if os.Getenv("RUN_LOCAL") == "true" {
		testBody := os.Getenv("LOCAL_SQS_BODY")
		if testBody == "" {
			testBody = `{"order_id":"local-order-1"}`
		}
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{Body: testBody},
			},
		}
		if err := processor.Handle(ctx, event); err != nil {
			log.Fatalf("local handler error: %v", err)
		}
		return
	}

	lambda.Start(processor.Handle)
}
