package usage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

type budgetScope struct {
	limit        decimal.Decimal
	used         decimal.Decimal
	period       string
	warningType  models.AlertType
	exceededType models.AlertType
	scopeName    string
}

// CheckAndCreateAlerts aggregates the tenant's spend against its daily and
// monthly budgets and creates at most one alert per scope: the most severe
// triggered threshold, or the exceeded alert.
func (t *Tracker) CheckAndCreateAlerts(ctx context.Context, tenantID string) error {
	now := t.now().UTC()

	var monthly, daily sql.NullString
	var thresholds models.FloatList
	var settings models.JSONB
	err := t.db.QueryRowContext(ctx, `
		SELECT monthly_budget, daily_limit, alert_thresholds, settings
		FROM tenants WHERE id = $1 AND deleted_at IS NULL
	`, tenantID).Scan(&monthly, &daily, &thresholds, &settings)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load tenant budgets: %w", err)
	}

	effective := []float64(thresholds)
	if len(effective) == 0 {
		effective = t.thresholds
	}

	var scopes []budgetScope
	if monthly.Valid {
		limit, err := decimal.NewFromString(monthly.String)
		if err != nil {
			return fmt.Errorf("parse monthly budget: %w", err)
		}
		if limit.IsPositive() {
			used, err := t.costSince(ctx, tenantID, monthStart(now))
			if err != nil {
				return err
			}
			scopes = append(scopes, budgetScope{
				limit:        limit,
				used:         used,
				period:       now.Format("2006-01"),
				warningType:  models.AlertBudgetWarning,
				exceededType: models.AlertBudgetExceeded,
				scopeName:    "monthly budget",
			})
		}
	}
	if daily.Valid {
		limit, err := decimal.NewFromString(daily.String)
		if err != nil {
			return fmt.Errorf("parse daily limit: %w", err)
		}
		if limit.IsPositive() {
			used, err := t.costSince(ctx, tenantID, dayStart(now))
			if err != nil {
				return err
			}
			scopes = append(scopes, budgetScope{
				limit:        limit,
				used:         used,
				period:       now.Format("2006-01-02"),
				warningType:  models.AlertDailyWarning,
				exceededType: models.AlertDailyExceeded,
				scopeName:    "daily limit",
			})
		}
	}

	for _, scope := range scopes {
		if err := t.evaluateScope(ctx, tenantID, scope, effective, settings); err != nil {
			t.logger.WithError(err).WithFields(logging.Fields{
				"tenant_id": tenantID,
				"scope":     scope.scopeName,
			}).Error("Budget scope evaluation failed")
		}
	}
	return nil
}

func (t *Tracker) evaluateScope(ctx context.Context, tenantID string, scope budgetScope, thresholds []float64, settings models.JSONB) error {
	usedFraction, _ := scope.used.Div(scope.limit).Float64()

	if scope.used.GreaterThanOrEqual(scope.limit) {
		created, err := t.createAlertIfAbsent(ctx, &models.UsageAlert{
			ID:           uuid.New().String(),
			TenantID:     tenantID,
			Type:         scope.exceededType,
			Threshold:    0,
			Message:      fmt.Sprintf("The %s has been exceeded: %s used of %s", scope.scopeName, scope.used.StringFixed(2), scope.limit.StringFixed(2)),
			CurrentUsage: scope.used,
			Limit:        scope.limit,
			PercentUsed:  usedFraction,
			Period:       scope.period,
		})
		if err != nil {
			return err
		}
		if created != nil {
			t.dispatch(ctx, created, models.SeverityCritical)
			if settings.GetBool("suspendOnExceed") && scope.warningType == models.AlertBudgetWarning {
				if err := t.suspendTenant(ctx, tenantID); err != nil {
					t.logger.WithError(err).WithField("tenant_id", tenantID).
						Error("Failed to suspend tenant on budget exceed")
				}
			}
		}
		return nil
	}

	remaining := 1 - usedFraction

	// Ascending order makes the first triggered threshold the most severe.
	sorted := append([]float64(nil), thresholds...)
	sort.Float64s(sorted)
	for _, threshold := range sorted {
		if remaining > threshold {
			continue
		}
		remainingAmount := scope.limit.Sub(scope.used)
		created, err := t.createAlertIfAbsent(ctx, &models.UsageAlert{
			ID:           uuid.New().String(),
			TenantID:     tenantID,
			Type:         scope.warningType,
			Threshold:    threshold,
			Message:      fmt.Sprintf("Only %g%% of the %s remains (%s of %s left)", threshold*100, scope.scopeName, remainingAmount.StringFixed(4), scope.limit.StringFixed(2)),
			CurrentUsage: scope.used,
			Limit:        scope.limit,
			PercentUsed:  usedFraction,
			Period:       scope.period,
		})
		if err != nil {
			return err
		}
		if created != nil {
			t.dispatch(ctx, created, severityForThreshold(threshold))
		}
		return nil
	}
	return nil
}

// createAlertIfAbsent inserts the alert unless one with the same (tenant,
// type, threshold, period) already exists. Returns nil when deduplicated.
func (t *Tracker) createAlertIfAbsent(ctx context.Context, alert *models.UsageAlert) (*models.UsageAlert, error) {
	var exists bool
	err := t.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM llm_usage_alerts
			WHERE tenant_id = $1 AND type = $2 AND threshold = $3 AND period = $4
		)
	`, alert.TenantID, alert.Type, alert.Threshold, alert.Period).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check existing alert: %w", err)
	}
	if exists {
		return nil, nil
	}

	alert.CreatedAt = t.now().UTC()
	_, err = t.db.ExecContext(ctx, `
		INSERT INTO llm_usage_alerts
			(id, tenant_id, type, threshold, message, current_usage, limit_amount,
			 percent_used, period, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, alert.ID, alert.TenantID, alert.Type, alert.Threshold, alert.Message,
		alert.CurrentUsage.StringFixed(costScale), alert.Limit.StringFixed(costScale),
		alert.PercentUsed, alert.Period, alert.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}

	t.logger.WithFields(logging.Fields{
		"tenant_id": alert.TenantID,
		"type":      alert.Type,
		"threshold": alert.Threshold,
		"period":    alert.Period,
	}).Warn("Budget alert created")
	return alert, nil
}

func (t *Tracker) dispatch(ctx context.Context, alert *models.UsageAlert, severity models.AdminAlertSeverity) {
	if t.notifier != nil {
		t.notifier.DispatchUsageAlert(ctx, alert, severity)
	}
	if t.events != nil {
		t.events.PublishAlert(alert.TenantID, string(alert.Type), severity,
			"Budget alert: "+string(alert.Type), alert.Message)
	}
}

func (t *Tracker) suspendTenant(ctx context.Context, tenantID string) error {
	_, err := t.db.ExecContext(ctx, `
		UPDATE tenants SET llm_suspended = true, updated_at = NOW()
		WHERE id = $1 AND llm_suspended = false
	`, tenantID)
	if err != nil {
		return err
	}
	t.logger.WithField("tenant_id", tenantID).Warn("Tenant suspended on budget exceed")
	if t.events != nil {
		t.events.PublishUsageSuspension(tenantID, "budget exceeded")
	}
	return nil
}

// AcknowledgeAlert marks an alert acknowledged. Idempotent: a second call
// leaves the original acknowledger and timestamp untouched.
func (t *Tracker) AcknowledgeAlert(ctx context.Context, alertID, userID string) error {
	res, err := t.db.ExecContext(ctx, `
		UPDATE llm_usage_alerts
		SET acknowledged = true, acknowledged_by = $2, acknowledged_at = NOW()
		WHERE id = $1 AND acknowledged = false
	`, alertID, userID)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		var exists bool
		if err := t.db.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM llm_usage_alerts WHERE id = $1)
		`, alertID).Scan(&exists); err != nil {
			return fmt.Errorf("check alert: %w", err)
		}
		if !exists {
			return fmt.Errorf("alert %s not found", alertID)
		}
	}
	return nil
}

// AcknowledgeAlerts bulk-acknowledges; already-acknowledged ids are skipped.
func (t *Tracker) AcknowledgeAlerts(ctx context.Context, alertIDs []string, userID string) (int64, error) {
	if len(alertIDs) == 0 {
		return 0, nil
	}
	res, err := t.db.ExecContext(ctx, `
		UPDATE llm_usage_alerts
		SET acknowledged = true, acknowledged_by = $2, acknowledged_at = NOW()
		WHERE id = ANY($1) AND acknowledged = false
	`, pq.Array(alertIDs), userID)
	if err != nil {
		return 0, fmt.Errorf("bulk acknowledge: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected, nil
}

// ActiveAlerts lists the tenant's unacknowledged alerts, newest first.
func (t *Tracker) ActiveAlerts(ctx context.Context, tenantID string) ([]models.UsageAlert, error) {
	rows, err := t.db.QueryContext(ctx, `
		SELECT id, tenant_id, type, threshold, message, current_usage, limit_amount,
		       percent_used, period, email_sent, whatsapp_sent, webhook_sent, created_at
		FROM llm_usage_alerts
		WHERE tenant_id = $1 AND acknowledged = false
		ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.UsageAlert
	for rows.Next() {
		var a models.UsageAlert
		var current, limit string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Type, &a.Threshold, &a.Message,
			&current, &limit, &a.PercentUsed, &a.Period,
			&a.EmailSent, &a.WhatsAppSent, &a.WebhookSent, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		if a.CurrentUsage, err = decimal.NewFromString(current); err != nil {
			return nil, err
		}
		if a.Limit, err = decimal.NewFromString(limit); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (t *Tracker) costSince(ctx context.Context, tenantID string, since time.Time) (decimal.Decimal, error) {
	var raw string
	err := t.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost), 0) FROM llm_usage_records
		WHERE tenant_id = $1 AND created_at >= $2
	`, tenantID, since).Scan(&raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("aggregate cost: %w", err)
	}
	return decimal.NewFromString(raw)
}

// severityForThreshold maps a fraction-remaining threshold to a notification
// severity.
func severityForThreshold(threshold float64) models.AdminAlertSeverity {
	if threshold <= 0.05 {
		return models.SeverityCritical
	}
	return models.SeverityWarning
}

func dayStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
