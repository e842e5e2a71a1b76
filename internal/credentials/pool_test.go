package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

func newTestPool(t *testing.T) (*Pool, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pool := NewPool(db, logging.NewLogger())
	pool.now = func() time.Time {
		return time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)
	}
	return pool, mock
}

func credentialColumns() []string {
	return []string{"id", "tenant_id", "type", "provider", "name", "status",
		"priority", "secret", "quota_limit", "quota_used", "last_used_at", "created_at"}
}

func TestGetPoolOrdersEmergencyLast(t *testing.T) {
	pool, mock := newTestPool(t)
	created := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, tenant_id, type").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows(credentialColumns()).
			AddRow("c-emergency", "tenant-1", "api-key", "anthropic", "emergency-backup", "active", 1, "sk-test", nil, int64(0), nil, created).
			AddRow("c-oauth", "tenant-1", "oauth", "anthropic", "oauth-main", "active", 1, "sk-test", nil, int64(0), nil, created.Add(time.Hour)).
			AddRow("c-regular", "tenant-1", "api-key", "anthropic", "primary", "active", 1, "sk-test", nil, int64(0), nil, created.Add(2*time.Hour)))

	creds, err := pool.GetPool(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("GetPool returned error: %v", err)
	}
	if len(creds) != 3 {
		t.Fatalf("expected 3 credentials, got %d", len(creds))
	}
	if creds[0].ID != "c-regular" || creds[1].ID != "c-oauth" || creds[2].ID != "c-emergency" {
		t.Fatalf("unexpected order: %s, %s, %s", creds[0].ID, creds[1].ID, creds[2].ID)
	}
}

func TestSelectBestPrefersMostRemainingCredits(t *testing.T) {
	pool, mock := newTestPool(t)
	created := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, tenant_id, type").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows(credentialColumns()).
			AddRow("c-low", "tenant-1", "api-key", "anthropic", "low", "active", 1, "sk-test", int64(1000), int64(900), nil, created).
			AddRow("c-high", "tenant-1", "api-key", "anthropic", "high", "active", 2, "sk-test", int64(1000), int64(100), nil, created))

	best, err := pool.SelectBest(context.Background(), "tenant-1", SelectOptions{})
	if err != nil {
		t.Fatalf("SelectBest returned error: %v", err)
	}
	if best.ID != "c-high" {
		t.Fatalf("expected c-high, got %s", best.ID)
	}
}

func TestSelectBestSkipsEmergencyByDefault(t *testing.T) {
	pool, mock := newTestPool(t)
	created := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, tenant_id, type").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows(credentialColumns()).
			AddRow("c-emergency", "tenant-1", "api-key", "anthropic", "emergency-backup", "active", 1, "sk-test", nil, int64(0), nil, created))

	_, err := pool.SelectBest(context.Background(), "tenant-1", SelectOptions{})
	if err != ErrNoCredentials {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestSelectBestActivatesEmergencyWhenAllowed(t *testing.T) {
	pool, mock := newTestPool(t)
	created := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, tenant_id, type").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows(credentialColumns()).
			AddRow("c-e1", "tenant-1", "api-key", "anthropic", "emergency-a", "emergency", 1, "sk-test", int64(1000), int64(500), nil, created).
			AddRow("c-e2", "tenant-1", "api-key", "anthropic", "emergency-b", "emergency", 1, "sk-test", int64(1000), int64(100), nil, created))
	mock.ExpectExec("INSERT INTO admin_alerts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	best, err := pool.SelectBest(context.Background(), "tenant-1", SelectOptions{IncludeEmergency: true})
	if err != nil {
		t.Fatalf("SelectBest returned error: %v", err)
	}
	if best.ID != "c-e2" {
		t.Fatalf("expected least-used emergency c-e2, got %s", best.ID)
	}
	if best.Status != models.CredentialActive {
		t.Fatalf("expected activated status, got %s", best.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateUsageClassifiesQuotaErrors(t *testing.T) {
	pool, mock := newTestPool(t)
	created := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE llm_credentials").
		WithArgs("c-1", "exhausted", "quota exceeded for this key").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.UpdateUsage(context.Background(), "c-1", 500, false, "quota exceeded for this key")

	// The cached status must hide the credential from subsequent selection.
	mock.ExpectQuery("SELECT id, tenant_id, type").
		WithArgs("tenant-1").
		WillReturnRows(sqlmock.NewRows(credentialColumns()).
			AddRow("c-1", "tenant-1", "api-key", "anthropic", "primary", "active", 1, "sk-test", int64(1000), int64(0), nil, created))

	_, err := pool.SelectBest(context.Background(), "tenant-1", SelectOptions{})
	if err != ErrNoCredentials {
		t.Fatalf("expected exhausted credential to be skipped, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateUsageClassifiesAuthErrors(t *testing.T) {
	pool, mock := newTestPool(t)

	mock.ExpectExec("UPDATE llm_credentials").
		WithArgs("c-1", "revoked", "401 invalid api key").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.UpdateUsage(context.Background(), "c-1", 0, false, "401 invalid api key")

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResetQuotaReactivatesExhausted(t *testing.T) {
	pool, mock := newTestPool(t)

	mock.ExpectExec("UPDATE llm_credentials").
		WithArgs("c-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	pool.UpdateUsage(context.Background(), "c-1", 500, true, "")
	if err := pool.ResetQuota(context.Background(), "c-1"); err != nil {
		t.Fatalf("ResetQuota returned error: %v", err)
	}

	pool.mu.Lock()
	entry := pool.cache["c-1"]
	pool.mu.Unlock()
	if entry.quotaUsed != 0 {
		t.Fatalf("expected cached quotaUsed 0, got %d", entry.quotaUsed)
	}
}
