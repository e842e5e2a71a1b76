package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProviderType tags how a provider is dispatched.
type ProviderType string

const (
	ProviderVendorAPI           ProviderType = "vendor-api"
	ProviderSubscriptionSession ProviderType = "subscription-session"
	ProviderOther               ProviderType = "other"
)

// ProviderStatus enumerates provider availability states. Status is mutated
// only by the circuit breaker or explicit admin override.
type ProviderStatus string

const (
	ProviderActive      ProviderStatus = "ACTIVE"
	ProviderDegraded    ProviderStatus = "DEGRADED"
	ProviderCircuitOpen ProviderStatus = "CIRCUIT_OPEN"
	ProviderDisabled    ProviderStatus = "DISABLED"
)

// Provider represents a backing LLM endpoint.
type Provider struct {
	ID     string         `json:"id" db:"id"`
	Name   string         `json:"name" db:"name"`
	Type   ProviderType   `json:"type" db:"type"`
	Model  string         `json:"model" db:"model"`
	Status ProviderStatus `json:"status" db:"status"`

	// Lower priority is preferred by the router.
	Priority    int `json:"priority" db:"priority"`
	RateLimit   int `json:"rate_limit" db:"rate_limit"`
	Concurrency int `json:"concurrency" db:"concurrency"`

	// Cost per token, 8 fractional digits.
	InputCostPerToken  decimal.Decimal `json:"input_cost_per_token" db:"input_cost_per_token"`
	OutputCostPerToken decimal.Decimal `json:"output_cost_per_token" db:"output_cost_per_token"`

	// Dispatch endpoint configuration
	BaseURL string `json:"base_url" db:"base_url"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ProviderStatusHistory is an append-only log of provider status changes.
type ProviderStatusHistory struct {
	ID         string         `json:"id" db:"id"`
	ProviderID string         `json:"provider_id" db:"provider_id"`
	FromStatus ProviderStatus `json:"from_status" db:"from_status"`
	ToStatus   ProviderStatus `json:"to_status" db:"to_status"`
	Reason     string         `json:"reason" db:"reason"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// CredentialStatus enumerates credential lifecycle states.
type CredentialStatus string

const (
	CredentialActive    CredentialStatus = "active"
	CredentialExhausted CredentialStatus = "exhausted"
	CredentialExpired   CredentialStatus = "expired"
	CredentialRevoked   CredentialStatus = "revoked"
	CredentialEmergency CredentialStatus = "emergency"
)

// CredentialType tags the authentication mechanism.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api-key"
	CredentialOAuth  CredentialType = "oauth"
)

// Credential is an API key or OAuth token used for outbound provider calls.
type Credential struct {
	ID       string           `json:"id" db:"id"`
	TenantID string           `json:"tenant_id" db:"tenant_id"`
	Type     CredentialType   `json:"type" db:"type"`
	Provider string           `json:"provider" db:"provider"`
	Name     string           `json:"name" db:"name"`
	Status   CredentialStatus `json:"status" db:"status"`
	Priority int              `json:"priority" db:"priority"`

	// Secret is the API key or OAuth access token. Never serialized.
	Secret string `json:"-" db:"secret"`

	// Quota tracking. QuotaLimit nil means unlimited.
	QuotaLimit *int64 `json:"quota_limit,omitempty" db:"quota_limit"`
	QuotaUsed  int64  `json:"quota_used" db:"quota_used"`

	LastUsedAt  *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	LastError   *string    `json:"last_error,omitempty" db:"last_error"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty" db:"last_error_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsEmergency reports whether the credential is reserved for emergency use,
// by naming convention.
func (c *Credential) IsEmergency() bool {
	return c.Status == CredentialEmergency || strings.Contains(strings.ToLower(c.Name), "emergency")
}

// QuotaRemaining returns remaining credits, or -1 when unlimited.
func (c *Credential) QuotaRemaining() int64 {
	if c.QuotaLimit == nil {
		return -1
	}
	remaining := *c.QuotaLimit - c.QuotaUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// QuotaPercentUsed returns the used fraction, or 0 when unlimited.
func (c *Credential) QuotaPercentUsed() float64 {
	if c.QuotaLimit == nil || *c.QuotaLimit == 0 {
		return 0
	}
	return float64(c.QuotaUsed) / float64(*c.QuotaLimit)
}
