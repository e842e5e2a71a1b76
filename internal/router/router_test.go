package router

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

type stubCircuit struct {
	open map[string]bool
}

func (s *stubCircuit) CanRequest(_ context.Context, providerID string) bool {
	return !s.open[providerID]
}

type stubCapacity struct {
	full map[string]string
}

func (s *stubCapacity) ProviderAtCapacity(_ context.Context, p *models.Provider) (bool, string, error) {
	if reason, ok := s.full[p.ID]; ok {
		return true, reason, nil
	}
	return false, "", nil
}

func providerColumns() []string {
	return []string{"id", "name", "type", "model", "status", "priority",
		"rate_limit", "concurrency", "input_cost_per_token", "output_cost_per_token", "base_url"}
}

func newTestRouter(t *testing.T, circuit *stubCircuit, capacity *stubCapacity) (*Router, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRouter(db, logging.NewLogger(), circuit, capacity), mock
}

func expectAllowlist(mock sqlmock.Sqlmock, tenantID string, allowlist interface{}) {
	mock.ExpectQuery("SELECT allowed_providers FROM tenants").
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"allowed_providers"}).AddRow(allowlist))
}

func TestSelectFallsBackPastOpenCircuit(t *testing.T) {
	circuit := &stubCircuit{open: map[string]bool{"id-p1": true}}
	capacity := &stubCapacity{}
	r, mock := newTestRouter(t, circuit, capacity)

	expectAllowlist(mock, "tenant-1", nil)
	mock.ExpectQuery("SELECT id, name, type").
		WillReturnRows(sqlmock.NewRows(providerColumns()).
			AddRow("id-p1", "p1", "vendor-api", "claude-3", "DEGRADED", 1, 60, 5, "0.00000300", "0.00001500", "").
			AddRow("id-p2", "p2", "vendor-api", "claude-3", "ACTIVE", 2, 60, 5, "0.00000300", "0.00001500", ""))

	selection, err := r.Select(context.Background(), "tenant-1", Options{})
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if selection.Provider.ID != "id-p2" {
		t.Fatalf("expected p2, got %s", selection.Provider.Name)
	}
	if !strings.Contains(selection.Reason, "p2") || !strings.Contains(selection.Reason, "priority 2") {
		t.Fatalf("reason missing provider details: %q", selection.Reason)
	}
	if len(selection.Skipped) != 1 || !strings.Contains(selection.Skipped[0], "p1: circuit-open") {
		t.Fatalf("expected p1's circuit-open skip alongside the selection, got %v", selection.Skipped)
	}
}

func TestSelectAggregatesRejectReasons(t *testing.T) {
	circuit := &stubCircuit{open: map[string]bool{"id-p1": true}}
	capacity := &stubCapacity{full: map[string]string{"id-p2": "rate-limit", "id-p3": "capacity"}}
	r, mock := newTestRouter(t, circuit, capacity)

	expectAllowlist(mock, "tenant-1", nil)
	mock.ExpectQuery("SELECT id, name, type").
		WillReturnRows(sqlmock.NewRows(providerColumns()).
			AddRow("id-p1", "p1", "vendor-api", "claude-3", "ACTIVE", 1, 60, 5, "0", "0", "").
			AddRow("id-p2", "p2", "vendor-api", "claude-3", "ACTIVE", 2, 60, 5, "0", "0", "").
			AddRow("id-p3", "p3", "vendor-api", "claude-3", "ACTIVE", 3, 60, 5, "0", "0", ""))

	_, err := r.Select(context.Background(), "tenant-1", Options{})
	selErr, ok := err.(*SelectionError)
	if !ok {
		t.Fatalf("expected SelectionError, got %v", err)
	}
	msg := selErr.Error()
	for _, want := range []string{"p1: circuit-open", "p2: rate-limit", "p3: capacity"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestSelectHonorsTenantAllowlist(t *testing.T) {
	r, mock := newTestRouter(t, &stubCircuit{}, &stubCapacity{})

	expectAllowlist(mock, "tenant-1", []byte(`["id-p2"]`))
	mock.ExpectQuery("SELECT id, name, type").
		WillReturnRows(sqlmock.NewRows(providerColumns()).
			AddRow("id-p1", "p1", "vendor-api", "claude-3", "ACTIVE", 1, 60, 5, "0", "0", "").
			AddRow("id-p2", "p2", "vendor-api", "claude-3", "ACTIVE", 2, 60, 5, "0", "0", ""))

	selection, err := r.Select(context.Background(), "tenant-1", Options{})
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if selection.Provider.ID != "id-p2" {
		t.Fatalf("expected allowlisted p2, got %s", selection.Provider.Name)
	}
}

func TestSelectPrefersRequestedProvider(t *testing.T) {
	r, mock := newTestRouter(t, &stubCircuit{}, &stubCapacity{})

	expectAllowlist(mock, "tenant-1", nil)
	mock.ExpectQuery("SELECT id, name, type").
		WillReturnRows(sqlmock.NewRows(providerColumns()).
			AddRow("id-p1", "p1", "vendor-api", "claude-3", "ACTIVE", 1, 60, 5, "0", "0", "").
			AddRow("id-p2", "p2", "vendor-api", "claude-3", "ACTIVE", 2, 60, 5, "0", "0", ""))

	selection, err := r.Select(context.Background(), "tenant-1", Options{PreferProvider: "p2"})
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if selection.Provider.ID != "id-p2" {
		t.Fatalf("expected preferred p2, got %s", selection.Provider.Name)
	}
	if !strings.Contains(selection.Reason, "preferred") {
		t.Fatalf("expected preferred note in reason %q", selection.Reason)
	}
}

func TestSelectFiltersByModel(t *testing.T) {
	r, mock := newTestRouter(t, &stubCircuit{}, &stubCapacity{})

	expectAllowlist(mock, "tenant-1", nil)
	mock.ExpectQuery("SELECT id, name, type").
		WithArgs("gpt-4o").
		WillReturnRows(sqlmock.NewRows(providerColumns()).
			AddRow("id-p2", "p2", "vendor-api", "gpt-4o", "ACTIVE", 2, 60, 5, "0", "0", ""))

	selection, err := r.Select(context.Background(), "tenant-1", Options{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Select returned error: %v", err)
	}
	if selection.Provider.Model != "gpt-4o" {
		t.Fatalf("expected model filter, got %s", selection.Provider.Model)
	}
}
