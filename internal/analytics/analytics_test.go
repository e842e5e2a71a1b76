package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
)

func newTestAggregator(t *testing.T) (*Aggregator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	agg := NewAggregator(db, logging.NewLogger())
	// 2026-08-24 is day 24 of a 31-day month.
	agg.now = func() time.Time {
		return time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)
	}
	return agg, mock
}

func totalsRows(cost string, tokens, requests, successes int64, latency float64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"cost", "tokens", "requests", "successes", "latency"}).
		AddRow(cost, tokens, requests, successes, latency)
}

func groupRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"key", "requests", "tokens", "cost", "latency"})
}

func TestSummaryMonthProjectsToMonthEnd(t *testing.T) {
	agg, mock := newTestAggregator(t)

	mock.ExpectQuery(`SELECT\s+COALESCE\(SUM\(cost\), 0\)`).
		WithArgs("t1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(totalsRows("48.00000000", 120000, 400, 392, 812.5))
	mock.ExpectQuery("GROUP BY 1").
		WillReturnRows(groupRows().AddRow("agent-1", 300, 90000, "36.00000000", 800.0))
	mock.ExpectQuery("GROUP BY 1").
		WillReturnRows(groupRows().
			AddRow("claude-3", 250, 80000, "40.00000000", 790.0).
			AddRow("gpt-4o", 150, 40000, "8.00000000", 850.0))

	s, err := agg.Summary(context.Background(), "t1", "month")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.TotalRequests != 400 || s.TotalTokens != 120000 {
		t.Fatalf("totals wrong: %+v", s)
	}
	if s.SuccessRate != 0.98 {
		t.Fatalf("success rate = %v, want 0.98", s.SuccessRate)
	}
	// 48 spent in 24 days projects to 62 over 31 days.
	if s.ProjectedMonthEnd == nil || s.ProjectedMonthEnd.StringFixed(8) != "62.00000000" {
		t.Fatalf("projection = %v, want 62.00000000", s.ProjectedMonthEnd)
	}
	if len(s.TopModels) != 2 || s.TopModels[0].Key != "claude-3" {
		t.Fatalf("top models wrong: %+v", s.TopModels)
	}
	// 40 of 48 total model cost.
	if share := s.TopModels[0].CostShare; share < 0.83 || share > 0.84 {
		t.Fatalf("cost share = %v, want ~0.8333", share)
	}
}

func TestSummaryDayHasNoProjection(t *testing.T) {
	agg, mock := newTestAggregator(t)

	mock.ExpectQuery(`SELECT\s+COALESCE\(SUM\(cost\), 0\)`).
		WithArgs("t1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(totalsRows("0", 0, 0, 0, 0))
	mock.ExpectQuery("GROUP BY 1").WillReturnRows(groupRows())
	mock.ExpectQuery("GROUP BY 1").WillReturnRows(groupRows())

	s, err := agg.Summary(context.Background(), "t1", "day")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.ProjectedMonthEnd != nil {
		t.Fatalf("day summary must not project")
	}
	if s.SuccessRate != 0 || s.AvgLatencyMs != 0 {
		t.Fatalf("empty period must zero out rates: %+v", s)
	}
}

func TestSummaryRejectsUnknownPeriod(t *testing.T) {
	agg, _ := newTestAggregator(t)
	if _, err := agg.Summary(context.Background(), "t1", "fortnight"); err == nil {
		t.Fatalf("unknown period must error")
	}
}

func TestPeriodBounds(t *testing.T) {
	agg, _ := newTestAggregator(t)

	from, to, err := agg.periodBounds("day")
	if err != nil {
		t.Fatalf("day bounds: %v", err)
	}
	if from != time.Date(2026, time.August, 24, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("day start = %s", from)
	}
	if to != time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC) {
		t.Fatalf("day end = %s", to)
	}

	from, _, _ = agg.periodBounds("week")
	if from != time.Date(2026, time.August, 17, 12, 0, 0, 0, time.UTC) {
		t.Fatalf("week start = %s", from)
	}

	from, _, _ = agg.periodBounds("month")
	if from != time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC) {
		t.Fatalf("month start = %s", from)
	}
}

func TestByProviderFillsCostShares(t *testing.T) {
	agg, mock := newTestAggregator(t)

	mock.ExpectQuery("GROUP BY 1").
		WithArgs("t1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(groupRows().
			AddRow("p1", 90, 50000, "7.50000000", 700.0).
			AddRow("p2", 10, 5000, "2.50000000", 1200.0))

	rows, err := agg.ByProvider(context.Background(), "t1", "week")
	if err != nil {
		t.Fatalf("by provider: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %+v", rows)
	}
	if rows[0].CostShare != 0.75 || rows[1].CostShare != 0.25 {
		t.Fatalf("shares = %v, %v; want 0.75, 0.25", rows[0].CostShare, rows[1].CostShare)
	}
}

func TestRealTimeWindow(t *testing.T) {
	agg, mock := newTestAggregator(t)

	mock.ExpectQuery(`SELECT\s+COUNT\(\*\)`).
		WithArgs("t1", time.Date(2026, time.August, 24, 11, 55, 0, 0, time.UTC)).
		WillReturnRows(sqlmock.NewRows([]string{"requests", "tokens", "cost", "successes", "latency"}).
			AddRow(12, 4800, "0.14400000", 11, 640.0))

	stats, err := agg.RealTime(context.Background(), "t1")
	if err != nil {
		t.Fatalf("realtime: %v", err)
	}
	if stats.Requests != 12 || stats.Tokens != 4800 {
		t.Fatalf("stats wrong: %+v", stats)
	}
	if stats.SuccessRate < 0.91 || stats.SuccessRate > 0.92 {
		t.Fatalf("success rate = %v", stats.SuccessRate)
	}
}

func TestProjectMonthEnd(t *testing.T) {
	now := time.Date(2026, time.February, 10, 8, 0, 0, 0, time.UTC)
	got := projectMonthEnd(decimal.RequireFromString("50"), now)
	// 50 over 10 days of a 28-day February projects to 140.
	if got.StringFixed(8) != "140.00000000" {
		t.Fatalf("projection = %s", got.StringFixed(8))
	}
}
