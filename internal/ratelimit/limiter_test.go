package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/decomontenegro/baas-platform-sub000/pkg/config"
	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

func testLimits() config.Limits {
	return config.Limits{
		TenantRequestsPerMinute:   100,
		TenantTokensPerMinute:     100000,
		TenantRequestsPerDay:      5000,
		AgentRequestsPerMinute:    20,
		AgentTokensPerMinute:      50000,
		ProviderMaxConcurrency:    5,
		ProviderRequestsPerMinute: 60,
	}
}

func newTestLimiter(t *testing.T) (*Limiter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	limiter := NewLimiter(db, logging.NewLogger(), testLimits())
	limiter.now = func() time.Time {
		return time.Date(2026, time.August, 24, 12, 30, 15, 0, time.UTC)
	}
	return limiter, mock
}

func tenantRow(suspended bool, monthly, daily interface{}) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "llm_suspended", "monthly_budget", "daily_limit", "settings"}).
		AddRow("tenant-1", suspended, monthly, daily, []byte(`{}`))
}

func TestCheckAllowsWithinLimits(t *testing.T) {
	limiter, mock := newTestLimiter(t)

	mock.ExpectQuery("SELECT id, llm_suspended").
		WithArgs("tenant-1").
		WillReturnRows(tenantRow(false, nil, nil))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM llm_usage_records").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectQuery("INSERT INTO llm_rate_limits").
		WillReturnRows(sqlmock.NewRows([]string{"request_count", "token_count"}).AddRow(3, 500))

	decision, err := limiter.Check(context.Background(), "tenant-1", nil)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allowed, got denied with reason %q", decision.Reason)
	}
	if decision.Remaining != 96 {
		t.Fatalf("expected remaining 96, got %d", decision.Remaining)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCheckDeniesUnknownTenant(t *testing.T) {
	limiter, mock := newTestLimiter(t)

	mock.ExpectQuery("SELECT id, llm_suspended").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	decision, err := limiter.Check(context.Background(), "ghost", nil)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonTenantNotFound {
		t.Fatalf("expected tenant-not-found, got %+v", decision)
	}
}

func TestCheckDeniesSuspendedTenant(t *testing.T) {
	limiter, mock := newTestLimiter(t)

	mock.ExpectQuery("SELECT id, llm_suspended").
		WithArgs("tenant-1").
		WillReturnRows(tenantRow(true, nil, nil))

	decision, err := limiter.Check(context.Background(), "tenant-1", nil)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonSuspended {
		t.Fatalf("expected suspended denial, got %+v", decision)
	}
	// 12:30:15 UTC leaves 11h29m45s until midnight.
	if decision.RetryAfterSeconds != 41385 {
		t.Fatalf("expected retry after 41385s, got %d", decision.RetryAfterSeconds)
	}
}

func TestCheckDeniesWhenDailyBudgetReached(t *testing.T) {
	limiter, mock := newTestLimiter(t)

	mock.ExpectQuery("SELECT id, llm_suspended").
		WithArgs("tenant-1").
		WillReturnRows(tenantRow(false, nil, "10.00"))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(cost\\), 0\\)").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("10.50000000"))

	decision, err := limiter.Check(context.Background(), "tenant-1", nil)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonDailyExceeded {
		t.Fatalf("expected daily-budget-exceeded, got %+v", decision)
	}
}

func TestCheckDeniesWhenMinuteWindowFull(t *testing.T) {
	limiter, mock := newTestLimiter(t)

	mock.ExpectQuery("SELECT id, llm_suspended").
		WithArgs("tenant-1").
		WillReturnRows(tenantRow(false, nil, nil))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM llm_usage_records").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectQuery("INSERT INTO llm_rate_limits").
		WillReturnRows(sqlmock.NewRows([]string{"request_count", "token_count"}).AddRow(100, 500))

	decision, err := limiter.Check(context.Background(), "tenant-1", nil)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonRateLimited {
		t.Fatalf("expected rate-limit denial, got %+v", decision)
	}
	if decision.RetryAfterSeconds != 60 {
		t.Fatalf("expected retry after 60s, got %d", decision.RetryAfterSeconds)
	}
}

func TestCheckEvaluatesAgentWindow(t *testing.T) {
	limiter, mock := newTestLimiter(t)
	agent := "agent-1"

	mock.ExpectQuery("SELECT id, llm_suspended").
		WithArgs("tenant-1").
		WillReturnRows(tenantRow(false, nil, nil))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM llm_usage_records").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectQuery("INSERT INTO llm_rate_limits").
		WillReturnRows(sqlmock.NewRows([]string{"request_count", "token_count"}).AddRow(1, 100))
	mock.ExpectQuery("INSERT INTO llm_rate_limits").
		WillReturnRows(sqlmock.NewRows([]string{"request_count", "token_count"}).AddRow(20, 100))

	decision, err := limiter.Check(context.Background(), "tenant-1", &agent)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if decision.Allowed || decision.Reason != ReasonRateLimited {
		t.Fatalf("expected agent window denial, got %+v", decision)
	}
}

func TestRecordUsageIncrementsBothKeys(t *testing.T) {
	limiter, mock := newTestLimiter(t)
	agent := "agent-1"

	mock.ExpectExec("INSERT INTO llm_rate_limits").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO llm_rate_limits").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := limiter.RecordUsage(context.Background(), "tenant-1", &agent, 1234); err != nil {
		t.Fatalf("RecordUsage returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResetTenantIsIdempotent(t *testing.T) {
	limiter, mock := newTestLimiter(t)

	for i := 0; i < 2; i++ {
		mock.ExpectExec("DELETE FROM llm_rate_limits").
			WithArgs(TenantKey("tenant-1"), "tenant-1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE tenants SET llm_suspended = false").
			WithArgs("tenant-1").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	if err := limiter.ResetTenant(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("first reset: %v", err)
	}
	if err := limiter.ResetTenant(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestProviderActiveCounterPairsAcquireRelease(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	if n := limiter.AcquireProvider("p1"); n != 1 {
		t.Fatalf("expected 1 active, got %d", n)
	}
	if n := limiter.AcquireProvider("p1"); n != 2 {
		t.Fatalf("expected 2 active, got %d", n)
	}
	limiter.ReleaseProvider("p1")
	limiter.ReleaseProvider("p1")
	limiter.ReleaseProvider("p1") // extra release must not go negative
	if n := limiter.ActiveRequests("p1"); n != 0 {
		t.Fatalf("expected 0 active, got %d", n)
	}
}

func TestProviderAtCapacityByActiveCount(t *testing.T) {
	limiter, _ := newTestLimiter(t)

	provider := &models.Provider{ID: "p1", Concurrency: 2}
	limiter.AcquireProvider("p1")
	limiter.AcquireProvider("p1")

	full, reason, err := limiter.ProviderAtCapacity(context.Background(), provider)
	if err != nil {
		t.Fatalf("ProviderAtCapacity returned error: %v", err)
	}
	if !full || reason != "capacity" {
		t.Fatalf("expected capacity, got full=%v reason=%q", full, reason)
	}
}

func TestProviderAtCapacityByWindow(t *testing.T) {
	limiter, mock := newTestLimiter(t)
	provider := &models.Provider{ID: "p1", Concurrency: 5, RateLimit: 60}

	start := time.Date(2026, time.August, 24, 12, 30, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT window_start, request_count FROM llm_rate_limits").
		WithArgs(ProviderKey("p1")).
		WillReturnRows(sqlmock.NewRows([]string{"window_start", "request_count"}).AddRow(start, 60))

	full, reason, err := limiter.ProviderAtCapacity(context.Background(), provider)
	if err != nil {
		t.Fatalf("ProviderAtCapacity returned error: %v", err)
	}
	if !full || reason != "rate-limit" {
		t.Fatalf("expected rate-limit, got full=%v reason=%q", full, reason)
	}
}

func TestCleanupExpiredDeletesOldWindows(t *testing.T) {
	limiter, mock := newTestLimiter(t)

	mock.ExpectExec("DELETE FROM llm_rate_limits WHERE window_end").
		WillReturnResult(sqlmock.NewResult(0, 7))

	deleted, err := limiter.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("CleanupExpired returned error: %v", err)
	}
	if deleted != 7 {
		t.Fatalf("expected 7 deleted, got %d", deleted)
	}
}
