package breaker

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/decomontenegro/baas-platform-sub000/pkg/config"
	"github.com/decomontenegro/baas-platform-sub000/pkg/llm"
	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

// State is a circuit state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// providerStatusFor maps circuit states onto persisted provider statuses.
func providerStatusFor(state State) models.ProviderStatus {
	switch state {
	case StateOpen:
		return models.ProviderCircuitOpen
	case StateHalfOpen:
		return models.ProviderDegraded
	default:
		return models.ProviderActive
	}
}

type circuit struct {
	state         State
	failures      int
	successes     int
	lastFailureAt time.Time
	openedAt      time.Time
	halfOpenedAt  time.Time
}

// Snapshot is a read-only view of one circuit.
type Snapshot struct {
	ProviderID    string    `json:"provider_id"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
}

// Breaker holds one three-state circuit per provider. State lives in-process
// and is mirrored onto the provider row plus an append-only status history,
// so it survives restarts via Rehydrate.
type Breaker struct {
	db     *sql.DB
	logger logging.Logger
	cfg    config.Breaker
	now    func() time.Time

	// OnStateChange, when set, is invoked after every state transition,
	// outside the breaker lock.
	OnStateChange func(providerID string, from, to State, reason string)

	mu       sync.Mutex
	circuits map[string]*circuit
}

func NewBreaker(db *sql.DB, logger logging.Logger, cfg config.Breaker) *Breaker {
	return &Breaker{
		db:       db,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

// Rehydrate restores circuit state from persisted provider statuses after a
// process restart.
func (b *Breaker) Rehydrate(ctx context.Context) error {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, status FROM llm_providers WHERE status IN ('CIRCUIT_OPEN', 'DEGRADED')
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for rows.Next() {
		var id string
		var status models.ProviderStatus
		if err := rows.Scan(&id, &status); err != nil {
			return err
		}
		c := &circuit{}
		switch status {
		case models.ProviderCircuitOpen:
			c.state = StateOpen
			c.openedAt = now
		case models.ProviderDegraded:
			c.state = StateHalfOpen
			c.halfOpenedAt = now
		}
		b.circuits[id] = c
		b.logger.WithFields(logging.Fields{
			"provider_id": id,
			"state":       c.state,
		}).Info("Rehydrated circuit state")
	}
	return rows.Err()
}

// CanRequest reports whether the provider may receive a request, performing
// the lazy OPEN to HALF_OPEN transition when the open timeout has elapsed.
func (b *Breaker) CanRequest(ctx context.Context, providerID string) bool {
	now := b.now()

	b.mu.Lock()
	c := b.get(providerID)
	var transition *stateChange
	switch c.state {
	case StateOpen:
		if now.Sub(c.openedAt) >= b.cfg.OpenTimeout {
			transition = b.transitionLocked(providerID, c, StateHalfOpen, "open-timeout-elapsed", now)
		}
	case StateHalfOpen:
		// A probe window that saw no successes for too long goes back to OPEN.
		if c.successes == 0 && now.Sub(c.halfOpenedAt) >= b.cfg.OpenTimeout+b.cfg.HalfOpenTimeout {
			transition = b.transitionLocked(providerID, c, StateOpen, "half-open-timeout", now)
		}
	}
	allowed := c.state != StateOpen
	b.mu.Unlock()

	if transition != nil {
		b.persist(ctx, *transition)
	}
	return allowed
}

// RecordSuccess ingests a successful dispatch.
func (b *Breaker) RecordSuccess(ctx context.Context, providerID string) {
	now := b.now()

	b.mu.Lock()
	c := b.get(providerID)
	var transition *stateChange
	switch c.state {
	case StateClosed:
		c.successes++
		c.failures = 0
	case StateHalfOpen:
		c.successes++
		if c.successes >= b.cfg.SuccessThreshold {
			transition = b.transitionLocked(providerID, c, StateClosed, "success-threshold-reached", now)
		}
	case StateOpen:
		// A success while OPEN means a request raced the transition; treat
		// it as a probe success.
		transition = b.transitionLocked(providerID, c, StateHalfOpen, "success-while-open", now)
		c.successes = 1
	}
	b.mu.Unlock()

	if transition != nil {
		b.persist(ctx, *transition)
	}
}

// RecordFailure ingests a failed dispatch. Client errors (4xx other than
// 429) never trip the breaker.
func (b *Breaker) RecordFailure(ctx context.Context, providerID string, err error) {
	if !llm.IsTransient(err) {
		return
	}
	now := b.now()

	b.mu.Lock()
	c := b.get(providerID)
	c.lastFailureAt = now
	var transition *stateChange
	switch c.state {
	case StateClosed:
		c.failures++
		c.successes = 0
		if c.failures >= b.cfg.FailureThreshold {
			transition = b.transitionLocked(providerID, c, StateOpen, "failure-threshold-reached", now)
		}
	case StateHalfOpen:
		transition = b.transitionLocked(providerID, c, StateOpen, "probe-failed", now)
	case StateOpen:
		c.failures++
	}
	b.mu.Unlock()

	if transition != nil {
		b.persist(ctx, *transition)
	}
}

// Reset forces a circuit to CLOSED and marks the provider ACTIVE.
func (b *Breaker) Reset(ctx context.Context, providerID string) {
	now := b.now()

	b.mu.Lock()
	c := b.get(providerID)
	transition := b.transitionLocked(providerID, c, StateClosed, "manual-reset", now)
	b.mu.Unlock()

	b.persist(ctx, *transition)
}

// State returns a snapshot of one circuit.
func (b *Breaker) State(providerID string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(providerID)
	return Snapshot{
		ProviderID:    providerID,
		State:         c.state,
		Failures:      c.failures,
		Successes:     c.successes,
		LastFailureAt: c.lastFailureAt,
		OpenedAt:      c.openedAt,
	}
}

// Snapshots returns the state of every known circuit.
func (b *Breaker) Snapshots() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Snapshot, 0, len(b.circuits))
	for id, c := range b.circuits {
		out = append(out, Snapshot{
			ProviderID:    id,
			State:         c.state,
			Failures:      c.failures,
			Successes:     c.successes,
			LastFailureAt: c.lastFailureAt,
			OpenedAt:      c.openedAt,
		})
	}
	return out
}

func (b *Breaker) get(providerID string) *circuit {
	c, ok := b.circuits[providerID]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[providerID] = c
	}
	return c
}

type stateChange struct {
	providerID string
	from       State
	to         State
	reason     string
}

// transitionLocked applies a state change. Caller holds the lock.
func (b *Breaker) transitionLocked(providerID string, c *circuit, to State, reason string, now time.Time) *stateChange {
	from := c.state
	c.state = to
	switch to {
	case StateOpen:
		c.openedAt = now
		c.failures = 0
		c.successes = 0
	case StateHalfOpen:
		c.halfOpenedAt = now
		c.successes = 0
	case StateClosed:
		c.openedAt = time.Time{}
		c.halfOpenedAt = time.Time{}
		c.failures = 0
		c.successes = 0
	}
	return &stateChange{providerID: providerID, from: from, to: to, reason: reason}
}

// persist mirrors a transition onto the provider row and the status history
// log. Best-effort: failures are logged, never propagated.
func (b *Breaker) persist(ctx context.Context, change stateChange) {
	b.logger.WithFields(logging.Fields{
		"provider_id": change.providerID,
		"from":        change.from,
		"to":          change.to,
		"reason":      change.reason,
	}).Info("Circuit state changed")

	status := providerStatusFor(change.to)
	_, err := b.db.ExecContext(ctx, `
		UPDATE llm_providers SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status <> 'DISABLED'
	`, change.providerID, status)
	if err != nil {
		b.logger.WithError(err).WithField("provider_id", change.providerID).
			Error("Failed to persist provider status")
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO provider_status_history (provider_id, from_status, to_status, reason, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, change.providerID, providerStatusFor(change.from), status, change.reason)
	if err != nil {
		b.logger.WithError(err).WithField("provider_id", change.providerID).
			Error("Failed to append provider status history")
	}

	if b.OnStateChange != nil {
		b.OnStateChange(change.providerID, change.from, change.to, change.reason)
	}
}
