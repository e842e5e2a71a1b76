package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UsageRecord is the append-only accounting record for a single completion
// attempt. TotalTokens is always input + output; Cost is rounded to 8
// fractional digits.
type UsageRecord struct {
	ID         string  `json:"id" db:"id"`
	TenantID   string  `json:"tenant_id" db:"tenant_id"`
	AgentID    *string `json:"agent_id,omitempty" db:"agent_id"`
	ProviderID string  `json:"provider_id" db:"provider_id"`
	Model      string  `json:"model" db:"model"`

	RequestType  string          `json:"request_type" db:"request_type"`
	InputTokens  int             `json:"input_tokens" db:"input_tokens"`
	OutputTokens int             `json:"output_tokens" db:"output_tokens"`
	TotalTokens  int             `json:"total_tokens" db:"total_tokens"`
	Cost         decimal.Decimal `json:"cost" db:"cost"`
	LatencyMs    int64           `json:"latency_ms" db:"latency_ms"`

	Success      bool    `json:"success" db:"success"`
	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	Channel   *string `json:"channel,omitempty" db:"channel"`
	GroupID   *string `json:"group_id,omitempty" db:"group_id"`
	SessionID *string `json:"session_id,omitempty" db:"session_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RateLimitEntry is the persisted per-key minute-window counter. At most one
// entry exists per key; the window is reset in place when it rolls over.
type RateLimitEntry struct {
	Key          string    `json:"key" db:"key"`
	WindowStart  time.Time `json:"window_start" db:"window_start"`
	WindowEnd    time.Time `json:"window_end" db:"window_end"`
	RequestCount int       `json:"request_count" db:"request_count"`
	TokenCount   int       `json:"token_count" db:"token_count"`
	Blocked      bool      `json:"blocked" db:"blocked"`
}

// AlertType enumerates budget alert kinds.
type AlertType string

const (
	AlertBudgetWarning  AlertType = "budget-warning"
	AlertBudgetCritical AlertType = "budget-critical"
	AlertBudgetExceeded AlertType = "budget-exceeded"
	AlertDailyWarning   AlertType = "daily-warning"
	AlertDailyExceeded  AlertType = "daily-exceeded"
)

// UsageAlert is a persisted budget threshold crossing. At most one
// unacknowledged alert exists per (tenant, type, threshold, period).
type UsageAlert struct {
	ID       string    `json:"id" db:"id"`
	TenantID string    `json:"tenant_id" db:"tenant_id"`
	Type     AlertType `json:"type" db:"type"`

	Threshold    float64         `json:"threshold" db:"threshold"`
	Message      string          `json:"message" db:"message"`
	CurrentUsage decimal.Decimal `json:"current_usage" db:"current_usage"`
	Limit        decimal.Decimal `json:"limit" db:"limit_amount"`
	PercentUsed  float64         `json:"percent_used" db:"percent_used"`

	// Period identifies the budget window the alert belongs to
	// ("2026-08" for monthly, "2026-08-24" for daily).
	Period string `json:"period" db:"period"`

	Acknowledged   bool       `json:"acknowledged" db:"acknowledged"`
	AcknowledgedBy *string    `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`

	EmailSent    bool `json:"email_sent" db:"email_sent"`
	WhatsAppSent bool `json:"whatsapp_sent" db:"whatsapp_sent"`
	WebhookSent  bool `json:"webhook_sent" db:"webhook_sent"`

	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

// AdminAlertSeverity enumerates operational alert severities.
type AdminAlertSeverity string

const (
	SeverityInfo     AdminAlertSeverity = "INFO"
	SeverityWarning  AdminAlertSeverity = "WARNING"
	SeverityError    AdminAlertSeverity = "ERROR"
	SeverityCritical AdminAlertSeverity = "CRITICAL"
)

// AdminAlert is an operational incident raised by the supervisor or the
// credential pool (BOT_DOWN, BOT_SLOW, BOT_RECOVERED, emergency-activation).
type AdminAlert struct {
	ID           string             `json:"id" db:"id"`
	AdminAgentID string             `json:"admin_agent_id" db:"admin_agent_id"`
	TenantID     string             `json:"tenant_id" db:"tenant_id"`
	BotID        *string            `json:"bot_id,omitempty" db:"bot_id"`
	Type         string             `json:"type" db:"type"`
	Severity     AdminAlertSeverity `json:"severity" db:"severity"`
	Title        string             `json:"title" db:"title"`
	Message      string             `json:"message" db:"message"`
	Metadata     JSONB              `json:"metadata" db:"metadata"`
	CreatedAt    time.Time          `json:"created_at" db:"created_at"`
}
