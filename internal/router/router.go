package router

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

// CircuitGate is the circuit-breaker view the router needs.
type CircuitGate interface {
	CanRequest(ctx context.Context, providerID string) bool
}

// CapacityGate is the rate-limiter view the router needs.
type CapacityGate interface {
	ProviderAtCapacity(ctx context.Context, provider *models.Provider) (bool, string, error)
}

// SelectionError aggregates the per-provider rejection reasons when no
// provider can take a request.
type SelectionError struct {
	Reasons []string
}

func (e *SelectionError) Error() string {
	if len(e.Reasons) == 0 {
		return "no-providers-available"
	}
	return "no-providers-available: " + strings.Join(e.Reasons, "; ")
}

// Options narrows a selection.
type Options struct {
	Model          string
	PreferProvider string
}

// Selection is a successful routing decision. Skipped lists the
// higher-priority providers passed over, with the reason for each.
type Selection struct {
	Provider *models.Provider
	Reason   string
	Skipped  []string
}

// Router picks a healthy provider for a tenant, ordered by priority and
// filtered by the tenant allowlist, the circuit breaker, and capacity.
// Selection is read-only; it reserves nothing.
type Router struct {
	db       *sql.DB
	logger   logging.Logger
	circuit  CircuitGate
	capacity CapacityGate
}

func NewRouter(db *sql.DB, logger logging.Logger, circuit CircuitGate, capacity CapacityGate) *Router {
	return &Router{db: db, logger: logger, circuit: circuit, capacity: capacity}
}

// Select returns the first available provider in priority order, or a
// SelectionError naming every rejection.
func (r *Router) Select(ctx context.Context, tenantID string, opts Options) (*Selection, error) {
	allowlist, err := r.loadAllowlist(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	providers, err := r.loadCandidates(ctx, opts.Model)
	if err != nil {
		return nil, err
	}

	if len(allowlist) > 0 {
		allowed := make(map[string]bool, len(allowlist))
		for _, id := range allowlist {
			allowed[id] = true
		}
		filtered := providers[:0]
		for _, p := range providers {
			if allowed[p.ID] {
				filtered = append(filtered, p)
			}
		}
		providers = filtered
	}

	if len(providers) == 0 {
		return nil, &SelectionError{Reasons: []string{"no providers configured for tenant"}}
	}

	var reasons []string

	if opts.PreferProvider != "" {
		for i := range providers {
			if providers[i].ID != opts.PreferProvider && providers[i].Name != opts.PreferProvider {
				continue
			}
			if reason, ok := r.available(ctx, &providers[i]); ok {
				return r.selected(&providers[i], "preferred", reasons), nil
			} else {
				reasons = append(reasons, fmt.Sprintf("%s: %s", providers[i].Name, reason))
			}
			break
		}
	}

	for i := range providers {
		if providers[i].ID == opts.PreferProvider || providers[i].Name == opts.PreferProvider {
			continue // already evaluated
		}
		if reason, ok := r.available(ctx, &providers[i]); ok {
			return r.selected(&providers[i], "", reasons), nil
		} else {
			reasons = append(reasons, fmt.Sprintf("%s: %s", providers[i].Name, reason))
		}
	}

	r.logger.WithFields(logging.Fields{
		"tenant_id": tenantID,
		"reasons":   strings.Join(reasons, "; "),
	}).Warn("No provider available")
	return nil, &SelectionError{Reasons: reasons}
}

func (r *Router) selected(p *models.Provider, note string, skipped []string) *Selection {
	reason := fmt.Sprintf("selected %s (priority %d, status %s)", p.Name, p.Priority, p.Status)
	if note != "" {
		reason += ", " + note
	}
	return &Selection{Provider: p, Reason: reason, Skipped: skipped}
}

// available evaluates circuit and capacity gates. Returns the rejection
// reason when the provider cannot take a request.
func (r *Router) available(ctx context.Context, p *models.Provider) (string, bool) {
	if !r.circuit.CanRequest(ctx, p.ID) {
		return "circuit-open", false
	}
	full, reason, err := r.capacity.ProviderAtCapacity(ctx, p)
	if err != nil {
		r.logger.WithError(err).WithField("provider_id", p.ID).Error("Capacity check failed")
		return "capacity-check-failed", false
	}
	if full {
		return reason, false
	}
	return "", true
}

func (r *Router) loadAllowlist(ctx context.Context, tenantID string) (models.StringList, error) {
	var allowlist models.StringList
	err := r.db.QueryRowContext(ctx, `
		SELECT allowed_providers FROM tenants WHERE id = $1 AND deleted_at IS NULL
	`, tenantID).Scan(&allowlist)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tenant %s not found", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant allowlist: %w", err)
	}
	return allowlist, nil
}

func (r *Router) loadCandidates(ctx context.Context, model string) ([]models.Provider, error) {
	query := `
		SELECT id, name, type, model, status, priority, rate_limit, concurrency,
		       input_cost_per_token, output_cost_per_token, base_url
		FROM llm_providers
		WHERE status IN ('ACTIVE', 'DEGRADED')`
	args := []interface{}{}
	if model != "" {
		query += ` AND model = $1`
		args = append(args, model)
	}
	query += ` ORDER BY priority ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	defer rows.Close()

	var providers []models.Provider
	for rows.Next() {
		var p models.Provider
		var inCost, outCost string
		var baseURL sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &p.Type, &p.Model, &p.Status, &p.Priority,
			&p.RateLimit, &p.Concurrency, &inCost, &outCost, &baseURL); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		if p.InputCostPerToken, err = parseDecimal(inCost); err != nil {
			return nil, err
		}
		if p.OutputCostPerToken, err = parseDecimal(outCost); err != nil {
			return nil, err
		}
		p.BaseURL = baseURL.String
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", raw, err)
	}
	return v, nil
}
