package metrics

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	internalaws "github.com/imrishuroy/go-idempotency/internal/aws"
)

// Metric names emitted around the idempotency protocol.
const (
	MetricIdempotentHit    = "IdempotentHit"
	MetricRecordCreated    = "RecordCreated"
	MetricRecordDeleted    = "RecordDeleted"
	MetricAlreadyInFlight  = "AlreadyInFlight"
	MetricPayloadMismatch  = "PayloadMismatch"
	MetricPersistenceError = "PersistenceError"
)

// Emitter publishes count metrics to CloudWatch. Emission is best-effort:
// failures are logged, never surfaced, so metrics can never fail a request.
type Emitter struct {
	client    internalaws.CloudWatchAPI
	namespace string
	nowFunc   func() time.Time
}

// NewEmitter returns an Emitter publishing under the given namespace.
func NewEmitter(client internalaws.CloudWatchAPI, namespace string) *Emitter {
	return &Emitter{
		client:    client,
		namespace: namespace,
		nowFunc:   time.Now,
	}
}

// Count publishes a single count datum with optional dimensions.
func (e *Emitter) Count(ctx context.Context, name string, value float64, dimensions map[string]string) {
	if e == nil || e.client == nil {
		return
	}

	datum := cwtypes.MetricDatum{
		MetricName: &name,
		Value:      &value,
		Unit:       cwtypes.StandardUnitCount,
	}
	ts := e.nowFunc()
	datum.Timestamp = &ts
	for k, v := range dimensions {
		k, v := k, v
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{Name: &k, Value: &v})
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  &e.namespace,
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := e.client.PutMetricData(ctx, input); err != nil {
		log.Printf("metrics: put metric data failed: %v", err)
	}
}
