package config

import (
	"strconv"
	"strings"
	"time"
)

// Limits holds the gateway-wide rate-limit defaults. Tenants may override
// the per-tenant values through their settings bag.
type Limits struct {
	TenantRequestsPerMinute int
	TenantTokensPerMinute   int
	TenantRequestsPerDay    int

	AgentRequestsPerMinute int
	AgentTokensPerMinute   int

	ProviderMaxConcurrency    int
	ProviderRequestsPerMinute int
}

// LoadLimits reads rate-limit defaults from the environment.
func LoadLimits() Limits {
	return Limits{
		TenantRequestsPerMinute:   GetEnvInt("LLM_TENANT_REQUESTS_PER_MINUTE", 100),
		TenantTokensPerMinute:     GetEnvInt("LLM_TENANT_TOKENS_PER_MINUTE", 100000),
		TenantRequestsPerDay:      GetEnvInt("LLM_TENANT_REQUESTS_PER_DAY", 5000),
		AgentRequestsPerMinute:    GetEnvInt("LLM_AGENT_REQUESTS_PER_MINUTE", 20),
		AgentTokensPerMinute:      GetEnvInt("LLM_AGENT_TOKENS_PER_MINUTE", 50000),
		ProviderMaxConcurrency:    GetEnvInt("LLM_PROVIDER_MAX_CONCURRENCY", 5),
		ProviderRequestsPerMinute: GetEnvInt("LLM_PROVIDER_REQUESTS_PER_MINUTE", 60),
	}
}

// Breaker holds the circuit breaker configuration.
type Breaker struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	HalfOpenTimeout  time.Duration
}

// LoadBreaker reads circuit breaker settings from the environment.
func LoadBreaker() Breaker {
	return Breaker{
		FailureThreshold: GetEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		SuccessThreshold: GetEnvInt("BREAKER_SUCCESS_THRESHOLD", 3),
		OpenTimeout:      GetEnvDuration("BREAKER_OPEN_TIMEOUT", 60*time.Second),
		HalfOpenTimeout:  GetEnvDuration("BREAKER_HALF_OPEN_TIMEOUT", 30*time.Second),
	}
}

// Supervisor holds the supervisor loop configuration.
type Supervisor struct {
	Schedule string
	Timezone string
}

// LoadSupervisor reads supervisor settings from the environment.
func LoadSupervisor() Supervisor {
	return Supervisor{
		Schedule: GetEnv("SUPERVISOR_SCHEDULE", "*/5 * * * *"),
		Timezone: GetEnv("SUPERVISOR_TIMEZONE", "UTC"),
	}
}

// Notification holds the notification pipeline configuration.
type Notification struct {
	ThrottleWindow time.Duration
	ExceptCritical bool
}

// LoadNotification reads notification settings from the environment.
func LoadNotification() Notification {
	return Notification{
		ThrottleWindow: GetEnvDuration("NOTIFICATION_THROTTLE_WINDOW", 5*time.Minute),
		ExceptCritical: GetEnvBool("NOTIFICATION_EXCEPT_CRITICAL", true),
	}
}

// DefaultAlertThresholds is the default list of fractions-remaining that
// trigger budget alerts.
var DefaultAlertThresholds = []float64{0.20, 0.10, 0.05, 0.01}

// LoadAlertThresholds reads the alert threshold list from the environment
// as a comma-separated list of fractions (e.g. "0.20,0.10,0.05,0.01").
func LoadAlertThresholds() []float64 {
	raw := GetEnv("ALERT_THRESHOLDS", "")
	if raw == "" {
		return append([]float64(nil), DefaultAlertThresholds...)
	}
	var out []float64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if v, err := strconv.ParseFloat(part, 64); err == nil && v > 0 && v < 1 {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return append([]float64(nil), DefaultAlertThresholds...)
	}
	return out
}
