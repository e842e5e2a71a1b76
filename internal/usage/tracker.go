package usage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

// costScale is the fixed precision for monetary amounts.
const costScale = 8

// AlertNotifier dispatches a created alert to its channels. Implementations
// must be best-effort; the tracker never fails a usage write on a
// notification error.
type AlertNotifier interface {
	DispatchUsageAlert(ctx context.Context, alert *models.UsageAlert, severity models.AdminAlertSeverity)
}

// RecordPublisher receives every persisted usage record, e.g. for the Kafka
// firehose. Optional.
type RecordPublisher interface {
	PublishUsageRecord(ctx context.Context, record *models.UsageRecord)
}

// EventSink mirrors alert activity onto the realtime bus for tenant-scoped
// fan-out. Optional, best-effort.
type EventSink interface {
	PublishAlert(tenantID, alertType string, severity models.AdminAlertSeverity, title, message string)
	PublishUsageSuspension(tenantID, reason string)
}

// WriteRequest describes one completion attempt to account for.
type WriteRequest struct {
	TenantID     string
	AgentID      *string
	ProviderID   string
	Model        string
	RequestType  string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	Success      bool
	ErrorMessage string
	Channel      *string
	GroupID      *string
	SessionID    *string
}

// Tracker writes append-only usage records and drives the alert engine.
type Tracker struct {
	db         *sql.DB
	logger     logging.Logger
	thresholds []float64
	now        func() time.Time

	notifier  AlertNotifier
	publisher RecordPublisher
	events    EventSink

	wg sync.WaitGroup
}

func NewTracker(db *sql.DB, logger logging.Logger, thresholds []float64) *Tracker {
	return &Tracker{
		db:         db,
		logger:     logger,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// SetNotifier wires the notification pipeline.
func (t *Tracker) SetNotifier(n AlertNotifier) { t.notifier = n }

// SetPublisher wires the usage firehose.
func (t *Tracker) SetPublisher(p RecordPublisher) { t.publisher = p }

// SetEventSink wires the realtime event bus.
func (t *Tracker) SetEventSink(s EventSink) { t.events = s }

// WriteUsage computes cost from the provider's rates, persists the record,
// and kicks off the alert check asynchronously.
func (t *Tracker) WriteUsage(ctx context.Context, req WriteRequest) (*models.UsageRecord, error) {
	var inCost, outCost string
	err := t.db.QueryRowContext(ctx, `
		SELECT input_cost_per_token, output_cost_per_token FROM llm_providers WHERE id = $1
	`, req.ProviderID).Scan(&inCost, &outCost)
	if err != nil {
		return nil, fmt.Errorf("load provider rates: %w", err)
	}
	inputRate, err := decimal.NewFromString(inCost)
	if err != nil {
		return nil, fmt.Errorf("parse input rate: %w", err)
	}
	outputRate, err := decimal.NewFromString(outCost)
	if err != nil {
		return nil, fmt.Errorf("parse output rate: %w", err)
	}

	record := &models.UsageRecord{
		ID:           uuid.New().String(),
		TenantID:     req.TenantID,
		AgentID:      req.AgentID,
		ProviderID:   req.ProviderID,
		Model:        req.Model,
		RequestType:  req.RequestType,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		TotalTokens:  req.InputTokens + req.OutputTokens,
		Cost:         ComputeCost(req.InputTokens, req.OutputTokens, inputRate, outputRate),
		LatencyMs:    req.LatencyMs,
		Success:      req.Success,
		Channel:      req.Channel,
		GroupID:      req.GroupID,
		SessionID:    req.SessionID,
		CreatedAt:    t.now().UTC(),
	}
	if req.ErrorMessage != "" {
		msg := req.ErrorMessage
		record.ErrorMessage = &msg
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO llm_usage_records
			(id, tenant_id, agent_id, provider_id, model, request_type,
			 input_tokens, output_tokens, total_tokens, cost, latency_ms,
			 success, error_message, channel, group_id, session_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, record.ID, record.TenantID, record.AgentID, record.ProviderID, record.Model,
		record.RequestType, record.InputTokens, record.OutputTokens, record.TotalTokens,
		record.Cost.StringFixed(costScale), record.LatencyMs, record.Success,
		record.ErrorMessage, record.Channel, record.GroupID, record.SessionID, record.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert usage record: %w", err)
	}

	if t.publisher != nil {
		t.publisher.PublishUsageRecord(ctx, record)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.WithField("panic", r).Error("Alert check panicked")
			}
		}()
		checkCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := t.CheckAndCreateAlerts(checkCtx, req.TenantID); err != nil {
			t.logger.WithError(err).WithField("tenant_id", req.TenantID).
				Error("Alert check failed")
		}
	}()

	return record, nil
}

// Flush waits for in-flight async alert checks. Used on shutdown.
func (t *Tracker) Flush() { t.wg.Wait() }

// ComputeCost multiplies token counts by per-token rates, rounded to 8
// fractional digits.
func ComputeCost(inputTokens, outputTokens int, inputRate, outputRate decimal.Decimal) decimal.Decimal {
	in := decimal.NewFromInt(int64(inputTokens)).Mul(inputRate)
	out := decimal.NewFromInt(int64(outputTokens)).Mul(outputRate)
	return in.Add(out).Round(costScale)
}
