package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tenant represents the full tenant record. A tenant owns its bots, admin
// agent, credentials, usage records and alerts.
type Tenant struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`

	// Budget enforcement
	MonthlyBudget *decimal.Decimal `json:"monthly_budget,omitempty" db:"monthly_budget"`
	DailyLimit    *decimal.Decimal `json:"daily_limit,omitempty" db:"daily_limit"`
	LLMSuspended  bool             `json:"llm_suspended" db:"llm_suspended"`

	// Provider routing. Empty list means all providers are allowed.
	AllowedProviders StringList `json:"allowed_providers,omitempty" db:"allowed_providers"`

	// Alert thresholds as fractions-remaining, sorted descending.
	AlertThresholds FloatList `json:"alert_thresholds,omitempty" db:"alert_thresholds"`

	Settings JSONB `json:"settings" db:"settings"`

	IsActive  bool       `json:"is_active" db:"is_active"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Bot represents a tenant-owned bot instance.
type Bot struct {
	ID        string     `json:"id" db:"id"`
	TenantID  string     `json:"tenant_id" db:"tenant_id"`
	Name      string     `json:"name" db:"name"`
	Enabled   bool       `json:"enabled" db:"enabled"`
	Channel   string     `json:"channel" db:"channel"`
	Metadata  JSONB      `json:"metadata" db:"metadata"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// AdminAgentStatus enumerates admin agent lifecycle states.
type AdminAgentStatus string

const (
	AdminAgentActive   AdminAgentStatus = "ACTIVE"
	AdminAgentPaused   AdminAgentStatus = "PAUSED"
	AdminAgentDisabled AdminAgentStatus = "DISABLED"
)

// AdminAgent carries the per-tenant supervision configuration.
type AdminAgent struct {
	ID       string           `json:"id" db:"id"`
	TenantID string           `json:"tenant_id" db:"tenant_id"`
	Status   AdminAgentStatus `json:"status" db:"status"`

	// Health check configuration
	HealthCheckEnabled  bool          `json:"health_check_enabled" db:"health_check_enabled"`
	HealthCheckInterval time.Duration `json:"health_check_interval" db:"health_check_interval"`
	HealthCheckTimeout  time.Duration `json:"health_check_timeout" db:"health_check_timeout"`
	MaxRestartAttempts  int           `json:"max_restart_attempts" db:"max_restart_attempts"`

	// Alerting thresholds
	LatencyAlertMs     int     `json:"latency_alert_ms" db:"latency_alert_ms"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" db:"error_rate_threshold"`

	// Healing policy
	AutoRestartEnabled  bool `json:"auto_restart_enabled" db:"auto_restart_enabled"`
	AutoRollbackEnabled bool `json:"auto_rollback_enabled" db:"auto_rollback_enabled"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// BotHealthStatus is the four-way bot health classification.
type BotHealthStatus string

const (
	BotHealthy   BotHealthStatus = "HEALTHY"
	BotDegraded  BotHealthStatus = "DEGRADED"
	BotUnhealthy BotHealthStatus = "UNHEALTHY"
	BotDead      BotHealthStatus = "DEAD"
)

// BotHealthLog is an append-only record of a single health probe.
type BotHealthLog struct {
	ID           string          `json:"id" db:"id"`
	BotID        string          `json:"bot_id" db:"bot_id"`
	AdminAgentID string          `json:"admin_agent_id" db:"admin_agent_id"`
	Status       BotHealthStatus `json:"status" db:"status"`
	LatencyMs    int64           `json:"latency_ms" db:"latency_ms"`
	Error        *string         `json:"error,omitempty" db:"error"`
	ActionTaken  *string         `json:"action_taken,omitempty" db:"action_taken"`
	ActionResult *string         `json:"action_result,omitempty" db:"action_result"`
	CheckedAt    time.Time       `json:"checked_at" db:"checked_at"`
}

// AuditLog is an append-only record of an admin mutation.
type AuditLog struct {
	ID        string    `json:"id" db:"id"`
	TenantID  *string   `json:"tenant_id,omitempty" db:"tenant_id"`
	ActorID   string    `json:"actor_id" db:"actor_id"`
	Action    string    `json:"action" db:"action"`
	TargetID  string    `json:"target_id" db:"target_id"`
	Details   JSONB     `json:"details" db:"details"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
