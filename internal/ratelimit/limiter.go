package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/decomontenegro/baas-platform-sub000/pkg/config"
	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

// Deny reasons returned by Check.
const (
	ReasonTenantNotFound  = "tenant-not-found"
	ReasonSuspended       = "tenant-suspended"
	ReasonDailyExceeded   = "daily-budget-exceeded"
	ReasonMonthlyExceeded = "monthly-budget-exceeded"
	ReasonRateLimited     = "rate-limit-exceeded"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Remaining         int    `json:"remaining,omitempty"`
}

// QuotaWindow reports budget consumption over one period.
type QuotaWindow struct {
	Used      decimal.Decimal  `json:"used"`
	Limit     *decimal.Decimal `json:"limit,omitempty"`
	Remaining *decimal.Decimal `json:"remaining,omitempty"`
	Percent   float64          `json:"percent"`
}

// MinuteWindow reports the current 60-second window counters.
type MinuteWindow struct {
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	RequestCount int       `json:"request_count"`
	TokenCount   int       `json:"token_count"`
}

// Quota is the full per-tenant quota picture.
type Quota struct {
	Daily   QuotaWindow  `json:"daily"`
	Monthly QuotaWindow  `json:"monthly"`
	Minute  MinuteWindow `json:"minute"`
}

// Limiter enforces per-tenant and per-agent minute windows, day/month budget
// caps, and per-provider concurrency. Window counters are persisted; the
// active-request counters are process-local.
type Limiter struct {
	db     *sql.DB
	logger logging.Logger
	limits config.Limits
	now    func() time.Time

	mu     sync.Mutex
	active map[string]int
}

func NewLimiter(db *sql.DB, logger logging.Logger, limits config.Limits) *Limiter {
	return &Limiter{
		db:     db,
		logger: logger,
		limits: limits,
		now:    time.Now,
		active: make(map[string]int),
	}
}

type tenantLimits struct {
	id            string
	suspended     bool
	monthlyBudget *decimal.Decimal
	dailyLimit    *decimal.Decimal
	settings      models.JSONB
}

func (l *Limiter) loadTenant(ctx context.Context, tenantID string) (*tenantLimits, error) {
	var t tenantLimits
	var monthly, daily sql.NullString
	err := l.db.QueryRowContext(ctx, `
		SELECT id, llm_suspended, monthly_budget, daily_limit, settings
		FROM tenants
		WHERE id = $1 AND deleted_at IS NULL
	`, tenantID).Scan(&t.id, &t.suspended, &monthly, &daily, &t.settings)
	if err != nil {
		return nil, err
	}
	if monthly.Valid {
		v, err := decimal.NewFromString(monthly.String)
		if err != nil {
			return nil, fmt.Errorf("parse monthly budget: %w", err)
		}
		t.monthlyBudget = &v
	}
	if daily.Valid {
		v, err := decimal.NewFromString(daily.String)
		if err != nil {
			return nil, fmt.Errorf("parse daily limit: %w", err)
		}
		t.dailyLimit = &v
	}
	return &t, nil
}

// Check evaluates suspension, budget caps, and minute windows for a tenant
// and optional agent. It is read-mostly: window entries are created or reset
// but counters are not incremented here.
func (l *Limiter) Check(ctx context.Context, tenantID string, agentID *string) (*Decision, error) {
	now := l.now().UTC()

	tenant, err := l.loadTenant(ctx, tenantID)
	if err == sql.ErrNoRows {
		return &Decision{Allowed: false, Reason: ReasonTenantNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}

	if tenant.suspended {
		return &Decision{
			Allowed:           false,
			Reason:            ReasonSuspended,
			RetryAfterSeconds: secondsToMidnight(now),
		}, nil
	}

	if tenant.dailyLimit != nil {
		used, err := l.costSince(ctx, tenantID, dayStart(now))
		if err != nil {
			return nil, fmt.Errorf("aggregate daily cost: %w", err)
		}
		if used.GreaterThanOrEqual(*tenant.dailyLimit) {
			return &Decision{
				Allowed:           false,
				Reason:            ReasonDailyExceeded,
				RetryAfterSeconds: secondsToMidnight(now),
			}, nil
		}
	}

	if tenant.monthlyBudget != nil {
		used, err := l.costSince(ctx, tenantID, monthStart(now))
		if err != nil {
			return nil, fmt.Errorf("aggregate monthly cost: %w", err)
		}
		if used.GreaterThanOrEqual(*tenant.monthlyBudget) {
			return &Decision{
				Allowed:           false,
				Reason:            ReasonMonthlyExceeded,
				RetryAfterSeconds: secondsToNextMonth(now),
			}, nil
		}
	}

	requestsPerDay := l.settingOrDefault(tenant.settings, "requestsPerDay", l.limits.TenantRequestsPerDay)
	if requestsPerDay > 0 {
		count, err := l.requestsSince(ctx, tenantID, dayStart(now))
		if err != nil {
			return nil, fmt.Errorf("count daily requests: %w", err)
		}
		if count >= requestsPerDay {
			return &Decision{
				Allowed:           false,
				Reason:            ReasonRateLimited,
				RetryAfterSeconds: secondsToMidnight(now),
			}, nil
		}
	}

	type keyLimit struct {
		key       string
		reqLimit  int
		tokLimit  int
	}
	checks := []keyLimit{{
		key:      TenantKey(tenantID),
		reqLimit: l.settingOrDefault(tenant.settings, "requestsPerMinute", l.limits.TenantRequestsPerMinute),
		tokLimit: l.settingOrDefault(tenant.settings, "tokensPerMinute", l.limits.TenantTokensPerMinute),
	}}
	if agentID != nil && *agentID != "" {
		checks = append(checks, keyLimit{
			key:      AgentKey(*agentID),
			reqLimit: l.limits.AgentRequestsPerMinute,
			tokLimit: l.limits.AgentTokensPerMinute,
		})
	}

	remaining := -1
	for _, check := range checks {
		requests, tokens, err := l.currentWindow(ctx, check.key, now)
		if err != nil {
			return nil, fmt.Errorf("load window %s: %w", check.key, err)
		}
		if requests >= check.reqLimit || tokens >= check.tokLimit {
			return &Decision{
				Allowed:           false,
				Reason:            ReasonRateLimited,
				RetryAfterSeconds: 60,
			}, nil
		}
		if r := check.reqLimit - requests - 1; remaining < 0 || r < remaining {
			remaining = r
		}
	}

	return &Decision{Allowed: true, Remaining: remaining}, nil
}

// RecordUsage increments the request and token counters in the current
// window for the tenant key and, when given, the agent key.
func (l *Limiter) RecordUsage(ctx context.Context, tenantID string, agentID *string, tokens int) error {
	now := l.now().UTC()
	if err := l.incrementWindow(ctx, TenantKey(tenantID), now, 1, tokens); err != nil {
		return fmt.Errorf("record tenant usage: %w", err)
	}
	if agentID != nil && *agentID != "" {
		if err := l.incrementWindow(ctx, AgentKey(*agentID), now, 1, tokens); err != nil {
			return fmt.Errorf("record agent usage: %w", err)
		}
	}
	return nil
}

// IncrementProvider bumps the provider's request counter on dispatch.
func (l *Limiter) IncrementProvider(ctx context.Context, providerID string) error {
	if err := l.incrementWindow(ctx, ProviderKey(providerID), l.now().UTC(), 1, 0); err != nil {
		return fmt.Errorf("increment provider window: %w", err)
	}
	return nil
}

// GetQuota reports daily and monthly budget consumption plus the current
// minute window for a tenant.
func (l *Limiter) GetQuota(ctx context.Context, tenantID string) (*Quota, error) {
	now := l.now().UTC()

	tenant, err := l.loadTenant(ctx, tenantID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tenant %s not found", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}

	dailyUsed, err := l.costSince(ctx, tenantID, dayStart(now))
	if err != nil {
		return nil, fmt.Errorf("aggregate daily cost: %w", err)
	}
	monthlyUsed, err := l.costSince(ctx, tenantID, monthStart(now))
	if err != nil {
		return nil, fmt.Errorf("aggregate monthly cost: %w", err)
	}

	quota := &Quota{
		Daily:   buildQuotaWindow(dailyUsed, tenant.dailyLimit),
		Monthly: buildQuotaWindow(monthlyUsed, tenant.monthlyBudget),
	}

	start := windowStart(now)
	quota.Minute = MinuteWindow{WindowStart: start, WindowEnd: start.Add(time.Minute)}
	var requests, tokens int
	var wStart time.Time
	err = l.db.QueryRowContext(ctx, `
		SELECT window_start, request_count, token_count
		FROM llm_rate_limits
		WHERE key = $1
	`, TenantKey(tenantID)).Scan(&wStart, &requests, &tokens)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("load window: %w", err)
	}
	if err == nil && wStart.Equal(start) {
		quota.Minute.RequestCount = requests
		quota.Minute.TokenCount = tokens
	}

	return quota, nil
}

// CleanupExpired deletes window entries that ended more than 5 minutes ago.
func (l *Limiter) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM llm_rate_limits WHERE window_end < $1
	`, l.now().UTC().Add(-5*time.Minute))
	if err != nil {
		return 0, fmt.Errorf("cleanup rate limits: %w", err)
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		l.logger.WithField("deleted", deleted).Debug("Cleaned up expired rate-limit windows")
	}
	return deleted, nil
}

// ResetTenant deletes the tenant's window entries (including its agents')
// and clears the suspension flag. Idempotent.
func (l *Limiter) ResetTenant(ctx context.Context, tenantID string) error {
	_, err := l.db.ExecContext(ctx, `
		DELETE FROM llm_rate_limits
		WHERE key = $1
		   OR key IN (SELECT 'agent:' || id FROM bots WHERE tenant_id = $2)
	`, TenantKey(tenantID), tenantID)
	if err != nil {
		return fmt.Errorf("delete rate-limit entries: %w", err)
	}
	_, err = l.db.ExecContext(ctx, `
		UPDATE tenants SET llm_suspended = false, updated_at = NOW() WHERE id = $1
	`, tenantID)
	if err != nil {
		return fmt.Errorf("clear suspension: %w", err)
	}
	l.logger.WithField("tenant_id", tenantID).Info("Rate limits reset")
	return nil
}

// AcquireProvider increments the in-process active-request counter for a
// provider and returns the new count. Callers must pair it with
// ReleaseProvider in a deferred call.
func (l *Limiter) AcquireProvider(providerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active[providerID]++
	return l.active[providerID]
}

// ReleaseProvider decrements the active-request counter.
func (l *Limiter) ReleaseProvider(providerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[providerID] > 0 {
		l.active[providerID]--
	}
}

// ActiveRequests returns the current in-process counter for a provider.
func (l *Limiter) ActiveRequests(providerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[providerID]
}

// ProviderAtCapacity reports whether a provider should not receive another
// request, with a short machine-readable reason. The last-30s usage count
// acts as a soft overload proxy.
func (l *Limiter) ProviderAtCapacity(ctx context.Context, provider *models.Provider) (bool, string, error) {
	concurrency := provider.Concurrency
	if concurrency <= 0 {
		concurrency = l.limits.ProviderMaxConcurrency
	}
	rateLimit := provider.RateLimit
	if rateLimit <= 0 {
		rateLimit = l.limits.ProviderRequestsPerMinute
	}

	if l.ActiveRequests(provider.ID) >= concurrency {
		return true, "capacity", nil
	}

	now := l.now().UTC()
	var requests int
	var wStart time.Time
	err := l.db.QueryRowContext(ctx, `
		SELECT window_start, request_count FROM llm_rate_limits WHERE key = $1
	`, ProviderKey(provider.ID)).Scan(&wStart, &requests)
	if err != nil && err != sql.ErrNoRows {
		return false, "", fmt.Errorf("load provider window: %w", err)
	}
	if err == nil && wStart.Equal(windowStart(now)) && requests >= rateLimit {
		return true, "rate-limit", nil
	}

	var recent int
	err = l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM llm_usage_records WHERE provider_id = $1 AND created_at >= $2
	`, provider.ID, now.Add(-30*time.Second)).Scan(&recent)
	if err != nil {
		return false, "", fmt.Errorf("count recent usage: %w", err)
	}
	if recent >= 2*concurrency {
		return true, "overloaded", nil
	}

	return false, "", nil
}

// currentWindow fetches the counters for the aligned window, atomically
// creating or resetting the entry when the stored window differs.
func (l *Limiter) currentWindow(ctx context.Context, key string, now time.Time) (int, int, error) {
	start := windowStart(now)
	var requests, tokens int
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO llm_rate_limits (key, window_start, window_end, request_count, token_count)
		VALUES ($1, $2, $3, 0, 0)
		ON CONFLICT (key) DO UPDATE SET
			request_count = CASE WHEN llm_rate_limits.window_start = EXCLUDED.window_start
				THEN llm_rate_limits.request_count ELSE 0 END,
			token_count = CASE WHEN llm_rate_limits.window_start = EXCLUDED.window_start
				THEN llm_rate_limits.token_count ELSE 0 END,
			window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end
		RETURNING request_count, token_count
	`, key, start, start.Add(time.Minute)).Scan(&requests, &tokens)
	if err != nil {
		return 0, 0, err
	}
	return requests, tokens, nil
}

// incrementWindow applies an idempotent "reset window if changed, else
// increment" upsert.
func (l *Limiter) incrementWindow(ctx context.Context, key string, now time.Time, requests, tokens int) error {
	start := windowStart(now)
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO llm_rate_limits (key, window_start, window_end, request_count, token_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			request_count = CASE WHEN llm_rate_limits.window_start = EXCLUDED.window_start
				THEN llm_rate_limits.request_count + EXCLUDED.request_count
				ELSE EXCLUDED.request_count END,
			token_count = CASE WHEN llm_rate_limits.window_start = EXCLUDED.window_start
				THEN llm_rate_limits.token_count + EXCLUDED.token_count
				ELSE EXCLUDED.token_count END,
			window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end
	`, key, start, start.Add(time.Minute), requests, tokens)
	return err
}

func (l *Limiter) costSince(ctx context.Context, tenantID string, since time.Time) (decimal.Decimal, error) {
	var raw string
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost), 0) FROM llm_usage_records
		WHERE tenant_id = $1 AND created_at >= $2
	`, tenantID, since).Scan(&raw)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}

func (l *Limiter) requestsSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM llm_usage_records
		WHERE tenant_id = $1 AND created_at >= $2
	`, tenantID, since).Scan(&count)
	return count, err
}

func (l *Limiter) settingOrDefault(settings models.JSONB, key string, fallback int) int {
	if v, ok := settings.GetInt(key); ok && v > 0 {
		return v
	}
	return fallback
}

func buildQuotaWindow(used decimal.Decimal, limit *decimal.Decimal) QuotaWindow {
	window := QuotaWindow{Used: used}
	if limit == nil {
		return window
	}
	window.Limit = limit
	remaining := limit.Sub(used)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	window.Remaining = &remaining
	if limit.IsPositive() {
		percent, _ := used.Div(*limit).Float64()
		window.Percent = percent
	}
	return window
}

// TenantKey builds the rate-limit key for a tenant.
func TenantKey(tenantID string) string { return "tenant:" + tenantID }

// AgentKey builds the rate-limit key for an agent.
func AgentKey(agentID string) string { return "agent:" + agentID }

// ProviderKey builds the rate-limit key for a provider.
func ProviderKey(providerID string) string { return "provider:" + providerID }

func windowStart(now time.Time) time.Time {
	return now.Truncate(time.Minute)
}

func dayStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func secondsToMidnight(now time.Time) int {
	midnight := dayStart(now).Add(24 * time.Hour)
	return int(midnight.Sub(now).Seconds())
}

func secondsToNextMonth(now time.Time) int {
	next := monthStart(now).AddDate(0, 1, 0)
	return int(next.Sub(now).Seconds())
}
