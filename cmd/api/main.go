package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	internalaws "github.com/imrishuroy/go-idempotency/internal/aws"
	"github.com/imrishuroy/go-idempotency/internal/handlers"
	"github.com/imrishuroy/go-idempotency/internal/idempotency"
	"github.com/imrishuroy/go-idempotency/internal/metrics"
)

func setupRouter(cfg handlers.HandlerConfig) (*gin.Engine, error) {
	r := gin.New()
	r.Use(gin.Recovery())

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if err := handlers.RegisterOrdersRoutes(r, cfg); err != nil {
		return nil, err
	}
	return r, nil
}

// newIdempotencyStore selects the backend from IDEMPOTENCY_BACKEND:
// "dynamodb" (default), "redis", or "memory" for local experiments.
func newIdempotencyStore(clients *internalaws.AWSClients) idempotency.Store {
	switch os.Getenv("IDEMPOTENCY_BACKEND") {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDR")})
		return idempotency.NewRedisStore(client, os.Getenv("IDEMPOTENCY_KEY_PREFIX"))
	case "memory":
		return idempotency.NewMemoryStore()
	default:
		return idempotency.NewDynamoDBStore(clients.DynamoDB, os.Getenv("IDEMPOTENCY_TABLE"))
	}
}

func main() {
	clients, err := internalaws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	cfg := handlers.HandlerConfig{
		DynamoDBClient:   clients.DynamoDB,
		SQSClient:        clients.SQS,
		IdempotencyStore: newIdempotencyStore(clients),
		OrdersTable:      os.Getenv("ORDERS_TABLE"),
		QueueURL:         os.Getenv("ORDERS_QUEUE_URL"),
		Metrics:          metrics.NewEmitter(clients.CloudWatch, "OrdersAPI"),
	}

	r, err := setupRouter(cfg)
	if err != nil {
		log.Fatalf("failed to set up router: %v", err)
	}

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if os.Getenv("RUN_LOCAL") == "true" {
		addr := ":8080"
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
