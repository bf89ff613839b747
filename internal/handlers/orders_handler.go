package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	internalaws "github.com/imrishuroy/go-idempotency/internal/aws"
	"github.com/imrishuroy/go-idempotency/internal/idempotency"
	"github.com/imrishuroy/go-idempotency/internal/metrics"
	"github.com/imrishuroy/go-idempotency/internal/orders"
	"github.com/imrishuroy/go-idempotency/internal/validation"
)

// HandlerConfig groups dependencies for the orders handler.
type HandlerConfig struct {
	DynamoDBClient   internalaws.DynamoDBAPI
	SQSClient        internalaws.SQSAPI
	IdempotencyStore idempotency.Store
	OrdersTable      string
	QueueURL         string
	Metrics          *metrics.Emitter
	// FunctionName namespaces idempotency keys; defaults to "orders-api".
	FunctionName string
}

// RegisterOrdersRoutes registers routes for the order API. Order creation is
// wrapped by the idempotency layer: the Idempotency-Key header drives the key,
// the order body is hashed for payload validation, so a duplicate POST returns
// the stored response and a reused key with a different body is rejected.
func RegisterOrdersRoutes(r *gin.Engine, cfg HandlerConfig) error {
	if cfg.FunctionName == "" {
		cfg.FunctionName = "orders-api"
	}

	v := validation.New()
	ordersStore := orders.NewStore(cfg.DynamoDBClient, cfg.OrdersTable)
	publisher := internalaws.NewPublisher(cfg.SQSClient, cfg.QueueURL)

	layer, err := idempotency.NewPersistenceLayer(cfg.IdempotencyStore, &idempotency.Config{
		EventKeyJMESPath:          "idempotency_key",
		PayloadValidationJMESPath: "order",
		RaiseOnNoIdempotencyKey:   true,
		UseLocalCache:             true,
		FunctionName:              cfg.FunctionName,
		ResponseHook: func(response any, record *idempotency.Record) any {
			cfg.Metrics.Count(context.Background(), metrics.MetricIdempotentHit, 1,
				map[string]string{"Function": cfg.FunctionName})
			return response
		},
	})
	if err != nil {
		return fmt.Errorf("init idempotency layer: %w", err)
	}

	createOrder := func(ctx context.Context, event map[string]any) (any, error) {
		var req validation.CreateOrderRequest
		if err := decodeEventOrder(event, &req); err != nil {
			return nil, err
		}

		orderID := uuid.NewString()
		order := orders.Order{
			OrderID:    orderID,
			CustomerID: req.CustomerID,
			Status:     orders.StatusPending,
			Amount:     req.Amount,
			Metadata:   req.Metadata,
		}
		items := make([]map[string]interface{}, 0, len(req.Items))
		for _, it := range req.Items {
			items = append(items, map[string]interface{}{
				"sku":      it.SKU,
				"quantity": it.Quantity,
				"price":    it.Price,
			})
		}
		order.Items = items

		if err := ordersStore.Create(ctx, order); err != nil {
			return nil, err
		}

		msg, _ := json.Marshal(map[string]string{"order_id": orderID})
		if err := publisher.SendMessage(ctx, string(msg), map[string]string{"order_id": orderID}); err != nil {
			return nil, fmt.Errorf("enqueue order: %w", err)
		}

		return map[string]any{"order_id": orderID, "status": orders.StatusPending}, nil
	}

	createOrderIdempotent := idempotency.MakeIdempotent(createOrder, layer)

	r.POST("/orders", func(c *gin.Context) {
		var req validation.CreateOrderRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		idempKey := c.GetHeader("Idempotency-Key")
		if idempKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
			return
		}

		orderPayload, err := toEventPayload(req)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_request_failed"})
			return
		}
		event := map[string]any{
			"idempotency_key": idempKey,
			"order":           orderPayload,
		}

		resp, err := createOrderIdempotent(c.Request.Context(), event)
		if err != nil {
			writeIdempotencyError(c, cfg, err)
			return
		}
		c.JSON(http.StatusCreated, resp)
	})

	return nil
}

func writeIdempotencyError(c *gin.Context, cfg HandlerConfig, err error) {
	var inProgress *idempotency.AlreadyInProgressError
	if errors.As(err, &inProgress) {
		cfg.Metrics.Count(c.Request.Context(), metrics.MetricAlreadyInFlight, 1, nil)
		c.JSON(http.StatusConflict, gin.H{"error": "request_in_progress"})
		return
	}
	var mismatch *idempotency.ValidationError
	if errors.As(err, &mismatch) {
		cfg.Metrics.Count(c.Request.Context(), metrics.MetricPayloadMismatch, 1, nil)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "idempotency_payload_mismatch"})
		return
	}
	var persistence *idempotency.PersistenceError
	if errors.As(err, &persistence) {
		cfg.Metrics.Count(c.Request.Context(), metrics.MetricPersistenceError, 1, nil)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "idempotency_store_unavailable"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "order_creation_failed", "detail": err.Error()})
}

// toEventPayload converts the typed request into the generic map shape the
// idempotency layer hashes, via a JSON round trip so the hash matches what a
// retried request would produce.
func toEventPayload(req validation.CreateOrderRequest) (map[string]any, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeEventOrder(event map[string]any, out *validation.CreateOrderRequest) error {
	raw, err := json.Marshal(event["order"])
	if err != nil {
		return fmt.Errorf("encode order payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode order payload: %w", err)
	}
	return nil
}
