package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
)

// topN bounds the agent and model leaderboards in a summary.
const topN = 5

// Summary is the headline rollup for one tenant and period.
type Summary struct {
	TenantID string `json:"tenant_id"`
	Period   string `json:"period"`
	From     string `json:"from"`
	To       string `json:"to"`

	TotalCost     decimal.Decimal `json:"total_cost"`
	TotalTokens   int64           `json:"total_tokens"`
	TotalRequests int64           `json:"total_requests"`
	AvgLatencyMs  float64         `json:"avg_latency_ms"`
	SuccessRate   float64         `json:"success_rate"`

	TopAgents []GroupRow `json:"top_agents"`
	TopModels []GroupRow `json:"top_models"`

	// ProjectedMonthEnd extrapolates month-to-date spend linearly over the
	// days elapsed. Only set for the month period.
	ProjectedMonthEnd *decimal.Decimal `json:"projected_month_end,omitempty"`
}

// GroupRow is one grouped aggregate with its share of the total cost.
type GroupRow struct {
	Key          string          `json:"key"`
	Requests     int64           `json:"requests"`
	Tokens       int64           `json:"tokens"`
	Cost         decimal.Decimal `json:"cost"`
	CostShare    float64         `json:"cost_share"`
	AvgLatencyMs float64         `json:"avg_latency_ms"`
}

// RealTimeStats is the rolling last-5-minute rollup.
type RealTimeStats struct {
	Requests     int64           `json:"requests"`
	Tokens       int64           `json:"tokens"`
	Cost         decimal.Decimal `json:"cost"`
	AvgLatencyMs float64         `json:"avg_latency_ms"`
	SuccessRate  float64         `json:"success_rate"`
	WindowStart  time.Time       `json:"window_start"`
}

// Aggregator answers read-only questions over the usage record store.
type Aggregator struct {
	db     *sql.DB
	logger logging.Logger
	now    func() time.Time
}

func NewAggregator(db *sql.DB, logger logging.Logger) *Aggregator {
	return &Aggregator{db: db, logger: logger, now: time.Now}
}

// periodBounds resolves a named period to [from, to). Day starts at UTC
// midnight, week reaches 7 days back, month starts on the 1st at 00:00 UTC.
func (a *Aggregator) periodBounds(period string) (time.Time, time.Time, error) {
	now := a.now().UTC()
	switch period {
	case "day", "":
		from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return from, now, nil
	case "week":
		return now.AddDate(0, 0, -7), now, nil
	case "month":
		from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		return from, now, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown period %q", period)
	}
}

// Summary computes the headline rollup plus top agents and models.
func (a *Aggregator) Summary(ctx context.Context, tenantID, period string) (*Summary, error) {
	from, to, err := a.periodBounds(period)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		TenantID: tenantID,
		Period:   period,
		From:     from.Format(time.RFC3339),
		To:       to.Format(time.RFC3339),
	}

	var totalCost string
	var successCount int64
	var avgLatency sql.NullFloat64
	err = a.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(cost), 0),
			COALESCE(SUM(total_tokens), 0),
			COUNT(*),
			COUNT(*) FILTER (WHERE success),
			AVG(latency_ms)
		FROM llm_usage_records
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
	`, tenantID, from, to).Scan(&totalCost, &s.TotalTokens, &s.TotalRequests, &successCount, &avgLatency)
	if err != nil {
		return nil, fmt.Errorf("summary totals: %w", err)
	}
	s.TotalCost, err = decimal.NewFromString(totalCost)
	if err != nil {
		return nil, fmt.Errorf("summary cost: %w", err)
	}
	if avgLatency.Valid {
		s.AvgLatencyMs = avgLatency.Float64
	}
	if s.TotalRequests > 0 {
		s.SuccessRate = float64(successCount) / float64(s.TotalRequests)
	}

	if s.TopAgents, err = a.groupBy(ctx, tenantID, "agent_id", from, to, topN); err != nil {
		return nil, err
	}
	if s.TopModels, err = a.groupBy(ctx, tenantID, "model", from, to, topN); err != nil {
		return nil, err
	}

	if period == "month" {
		projected := projectMonthEnd(s.TotalCost, a.now().UTC())
		s.ProjectedMonthEnd = &projected
	}
	return s, nil
}

// projectMonthEnd extrapolates month-to-date spend over the elapsed days.
func projectMonthEnd(monthUsed decimal.Decimal, now time.Time) decimal.Decimal {
	daysElapsed := now.Day()
	daysInMonth := time.Date(now.Year(), now.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	return monthUsed.
		Div(decimal.NewFromInt(int64(daysElapsed))).
		Mul(decimal.NewFromInt(int64(daysInMonth))).
		Round(8)
}

// ByAgent groups the period's usage per admin agent.
func (a *Aggregator) ByAgent(ctx context.Context, tenantID, period string) ([]GroupRow, error) {
	return a.groupedPeriod(ctx, tenantID, "agent_id", period)
}

// ByModel groups the period's usage per model.
func (a *Aggregator) ByModel(ctx context.Context, tenantID, period string) ([]GroupRow, error) {
	return a.groupedPeriod(ctx, tenantID, "model", period)
}

// ByProvider groups the period's usage per provider.
func (a *Aggregator) ByProvider(ctx context.Context, tenantID, period string) ([]GroupRow, error) {
	return a.groupedPeriod(ctx, tenantID, "provider_id", period)
}

func (a *Aggregator) groupedPeriod(ctx context.Context, tenantID, column, period string) ([]GroupRow, error) {
	from, to, err := a.periodBounds(period)
	if err != nil {
		return nil, err
	}
	return a.groupBy(ctx, tenantID, column, from, to, 0)
}

// groupBy runs one grouped aggregate and fills per-row cost shares.
// column is always one of the fixed grouping columns, never user input.
func (a *Aggregator) groupBy(ctx context.Context, tenantID, column string, from, to time.Time, limit int) ([]GroupRow, error) {
	query := fmt.Sprintf(`
		SELECT
			COALESCE(%s::text, 'unknown'),
			COUNT(*),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM llm_usage_records
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY 1
		ORDER BY 4 DESC
	`, column)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := a.db.QueryContext(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("group by %s: %w", column, err)
	}
	defer rows.Close()

	var out []GroupRow
	total := decimal.Zero
	for rows.Next() {
		var row GroupRow
		var cost string
		if err := rows.Scan(&row.Key, &row.Requests, &row.Tokens, &cost, &row.AvgLatencyMs); err != nil {
			return nil, err
		}
		if row.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("group cost: %w", err)
		}
		total = total.Add(row.Cost)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if total.IsPositive() {
		for i := range out {
			out[i].CostShare, _ = out[i].Cost.Div(total).Round(6).Float64()
		}
	}
	return out, nil
}

// ByDay buckets the period's usage per UTC day.
func (a *Aggregator) ByDay(ctx context.Context, tenantID, period string) ([]GroupRow, error) {
	from, to, err := a.periodBounds(period)
	if err != nil {
		return nil, err
	}
	return a.bucketed(ctx, tenantID, "to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD')", from, to)
}

// HourlyToday buckets today's usage per UTC hour.
func (a *Aggregator) HourlyToday(ctx context.Context, tenantID string) ([]GroupRow, error) {
	from, to, err := a.periodBounds("day")
	if err != nil {
		return nil, err
	}
	return a.bucketed(ctx, tenantID, "to_char(created_at AT TIME ZONE 'UTC', 'HH24:00')", from, to)
}

func (a *Aggregator) bucketed(ctx context.Context, tenantID, bucket string, from, to time.Time) ([]GroupRow, error) {
	query := fmt.Sprintf(`
		SELECT
			%s,
			COUNT(*),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM llm_usage_records
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		GROUP BY 1
		ORDER BY 1
	`, bucket)

	rows, err := a.db.QueryContext(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("bucketed usage: %w", err)
	}
	defer rows.Close()

	var out []GroupRow
	total := decimal.Zero
	for rows.Next() {
		var row GroupRow
		var cost string
		if err := rows.Scan(&row.Key, &row.Requests, &row.Tokens, &cost, &row.AvgLatencyMs); err != nil {
			return nil, err
		}
		if row.Cost, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("bucket cost: %w", err)
		}
		total = total.Add(row.Cost)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if total.IsPositive() {
		for i := range out {
			out[i].CostShare, _ = out[i].Cost.Div(total).Round(6).Float64()
		}
	}
	return out, nil
}

// RealTime reports the last five minutes of activity.
func (a *Aggregator) RealTime(ctx context.Context, tenantID string) (*RealTimeStats, error) {
	now := a.now().UTC()
	from := now.Add(-5 * time.Minute)

	var cost string
	var successCount int64
	var avgLatency sql.NullFloat64
	stats := &RealTimeStats{WindowStart: from}
	err := a.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(total_tokens), 0),
			COALESCE(SUM(cost), 0),
			COUNT(*) FILTER (WHERE success),
			AVG(latency_ms)
		FROM llm_usage_records
		WHERE tenant_id = $1 AND created_at >= $2
	`, tenantID, from).Scan(&stats.Requests, &stats.Tokens, &cost, &successCount, &avgLatency)
	if err != nil {
		return nil, fmt.Errorf("realtime rollup: %w", err)
	}
	if stats.Cost, err = decimal.NewFromString(cost); err != nil {
		return nil, fmt.Errorf("realtime cost: %w", err)
	}
	if avgLatency.Valid {
		stats.AvgLatencyMs = avgLatency.Float64
	}
	if stats.Requests > 0 {
		stats.SuccessRate = float64(successCount) / float64(stats.Requests)
	}
	return stats, nil
}
