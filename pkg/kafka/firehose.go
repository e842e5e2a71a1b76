package kafka

import (
	"context"
	"encoding/json"

	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

// UsageTopic carries every persisted usage record for downstream analytics.
const UsageTopic = "llm.usage_records"

// UsageFirehose publishes usage records to Kafka. Delivery is best-effort;
// a broker outage never fails the originating request.
type UsageFirehose struct {
	producer *Producer
	logger   logging.Logger
}

func NewUsageFirehose(producer *Producer, logger logging.Logger) *UsageFirehose {
	return &UsageFirehose{producer: producer, logger: logger}
}

// PublishUsageRecord emits one record keyed by tenant so per-tenant ordering
// survives partitioning.
func (f *UsageFirehose) PublishUsageRecord(ctx context.Context, record *models.UsageRecord) {
	value, err := json.Marshal(record)
	if err != nil {
		f.logger.WithError(err).WithField("record_id", record.ID).
			Error("Failed to marshal usage record for firehose")
		return
	}

	headers := map[string]string{
		"tenant_id":   record.TenantID,
		"provider_id": record.ProviderID,
		"model":       record.Model,
	}
	if err := f.producer.Produce(ctx, UsageTopic, []byte(record.TenantID), value, headers); err != nil {
		f.logger.WithError(err).WithFields(logging.Fields{
			"record_id": record.ID,
			"tenant_id": record.TenantID,
		}).Warn("Failed to publish usage record to firehose")
	}
}
