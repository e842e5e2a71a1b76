package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

// ErrNoCredentials is returned when no credential can serve a request.
var ErrNoCredentials = errors.New("no-credentials-available")

// Priority bands used when ordering a tenant's pool.
const (
	priorityOAuth     = 100
	priorityEmergency = 999
)

// recentErrorWindow is how long a credential error counts as "recent" for
// selection ordering.
const recentErrorWindow = 5 * time.Minute

type cacheEntry struct {
	quotaUsed   int64
	lastUsedAt  time.Time
	lastError   string
	lastErrorAt time.Time
	status      models.CredentialStatus
}

// Pool selects outbound credentials per tenant. Quota counters live in an
// in-process cache that is authoritative until the next quota reset; status
// transitions are persisted.
type Pool struct {
	db     *sql.DB
	logger logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

func NewPool(db *sql.DB, logger logging.Logger) *Pool {
	return &Pool{
		db:     db,
		logger: logger,
		now:    time.Now,
		cache:  make(map[string]*cacheEntry),
	}
}

// SelectOptions narrows SelectBest.
type SelectOptions struct {
	Provider         string
	IncludeEmergency bool
	ExcludeIDs       []string
}

// GetPool returns the tenant's credentials ordered by effective priority:
// regular keys first (insertion order), then OAuth, then emergency.
func (p *Pool) GetPool(ctx context.Context, tenantID string) ([]models.Credential, error) {
	creds, err := p.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(creds, func(i, j int) bool {
		return effectivePriority(&creds[i]) < effectivePriority(&creds[j])
	})
	return creds, nil
}

// SelectBest picks the credential with the most remaining credits, breaking
// ties by usage percentage, recent-error absence, then priority. When the
// regular pool is empty and emergency credentials are allowed, the
// least-used emergency credential is activated.
func (p *Pool) SelectBest(ctx context.Context, tenantID string, opts SelectOptions) (*models.Credential, error) {
	creds, err := p.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(opts.ExcludeIDs))
	for _, id := range opts.ExcludeIDs {
		excluded[id] = true
	}

	var candidates []models.Credential
	for _, c := range creds {
		if c.Status != models.CredentialActive {
			continue
		}
		if c.IsEmergency() {
			continue
		}
		if excluded[c.ID] {
			continue
		}
		if opts.Provider != "" && c.Provider != opts.Provider {
			continue
		}
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		if !opts.IncludeEmergency {
			return nil, ErrNoCredentials
		}
		return p.activateEmergency(ctx, tenantID, opts.Provider, creds, excluded)
	}

	now := p.now()
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]
		ra, rb := selectionRemaining(a), selectionRemaining(b)
		if ra != rb {
			return ra > rb
		}
		pa, pb := a.QuotaPercentUsed(), b.QuotaPercentUsed()
		if pa != pb {
			return pa < pb
		}
		ea, eb := p.hasRecentError(a.ID, now), p.hasRecentError(b.ID, now)
		if ea != eb {
			return !ea
		}
		return a.Priority < b.Priority
	})

	best := candidates[0]
	return &best, nil
}

// UpdateUsage records a credential use in the cache. Failures are classified
// by error text: quota and rate-limit errors exhaust the credential,
// authorization errors revoke it.
func (p *Pool) UpdateUsage(ctx context.Context, credentialID string, tokens int64, success bool, errMsg string) {
	now := p.now()

	p.mu.Lock()
	entry := p.entry(credentialID)
	entry.quotaUsed += tokens
	entry.lastUsedAt = now

	var newStatus models.CredentialStatus
	if !success && errMsg != "" {
		entry.lastError = errMsg
		entry.lastErrorAt = now
		newStatus = classifyError(errMsg)
		if newStatus != "" {
			entry.status = newStatus
		}
	}
	p.mu.Unlock()

	if newStatus != "" {
		p.persistStatus(ctx, credentialID, newStatus, errMsg)
	}
}

// ResetQuota clears the cached counters and reactivates an exhausted
// credential.
func (p *Pool) ResetQuota(ctx context.Context, credentialID string) error {
	p.mu.Lock()
	entry := p.entry(credentialID)
	entry.quotaUsed = 0
	entry.lastError = ""
	entry.lastErrorAt = time.Time{}
	if entry.status == models.CredentialExhausted {
		entry.status = models.CredentialActive
	}
	p.mu.Unlock()

	_, err := p.db.ExecContext(ctx, `
		UPDATE llm_credentials
		SET quota_used = 0,
		    status = CASE WHEN status = 'exhausted' THEN 'active' ELSE status END,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, credentialID)
	if err != nil {
		return fmt.Errorf("reset credential quota: %w", err)
	}
	p.logger.WithField("credential_id", credentialID).Info("Credential quota reset")
	return nil
}

// Revoke marks a credential revoked in both cache and persistence.
func (p *Pool) Revoke(ctx context.Context, credentialID string) error {
	p.mu.Lock()
	p.entry(credentialID).status = models.CredentialRevoked
	p.mu.Unlock()

	_, err := p.db.ExecContext(ctx, `
		UPDATE llm_credentials SET status = 'revoked', updated_at = NOW() WHERE id = $1
	`, credentialID)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	p.logger.WithField("credential_id", credentialID).Warn("Credential revoked")
	return nil
}

// ActivateEmergency is the admin entry point for flipping an emergency
// credential to active.
func (p *Pool) ActivateEmergency(ctx context.Context, tenantID, provider string) (*models.Credential, error) {
	creds, err := p.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return p.activateEmergency(ctx, tenantID, provider, creds, nil)
}

func (p *Pool) activateEmergency(ctx context.Context, tenantID, provider string, creds []models.Credential, excluded map[string]bool) (*models.Credential, error) {
	var emergencies []models.Credential
	for _, c := range creds {
		if !c.IsEmergency() || excluded[c.ID] {
			continue
		}
		if c.Status == models.CredentialRevoked || c.Status == models.CredentialExpired {
			continue
		}
		if provider != "" && c.Provider != provider {
			continue
		}
		emergencies = append(emergencies, c)
	}

	if len(emergencies) == 0 {
		p.recordAdminAlert(ctx, tenantID, models.SeverityCritical,
			"Emergency credential activation failed",
			"No emergency credential is available for this tenant")
		return nil, ErrNoCredentials
	}

	sort.SliceStable(emergencies, func(i, j int) bool {
		return emergencies[i].QuotaUsed < emergencies[j].QuotaUsed
	})
	chosen := emergencies[0]

	p.mu.Lock()
	p.entry(chosen.ID).status = models.CredentialActive
	p.mu.Unlock()
	chosen.Status = models.CredentialActive

	p.recordAdminAlert(ctx, tenantID, models.SeverityInfo,
		"Emergency credential activated",
		fmt.Sprintf("Credential %s was activated as a fallback", chosen.Name))

	p.logger.WithFields(logging.Fields{
		"tenant_id":     tenantID,
		"credential_id": chosen.ID,
	}).Warn("Emergency credential activated")

	return &chosen, nil
}

func (p *Pool) load(ctx context.Context, tenantID string) ([]models.Credential, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, tenant_id, type, provider, name, status, priority, secret,
		       quota_limit, quota_used, last_used_at, created_at
		FROM llm_credentials
		WHERE tenant_id = $1
		ORDER BY created_at ASC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		var c models.Credential
		var quotaLimit sql.NullInt64
		var lastUsed sql.NullTime
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Type, &c.Provider, &c.Name,
			&c.Status, &c.Priority, &c.Secret, &quotaLimit, &c.QuotaUsed, &lastUsed, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		if quotaLimit.Valid {
			v := quotaLimit.Int64
			c.QuotaLimit = &v
		}
		if lastUsed.Valid {
			t := lastUsed.Time
			c.LastUsedAt = &t
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The cache is authoritative for counters and status overrides.
	p.mu.Lock()
	for i := range creds {
		if entry, ok := p.cache[creds[i].ID]; ok {
			creds[i].QuotaUsed += entry.quotaUsed
			if !entry.lastUsedAt.IsZero() {
				t := entry.lastUsedAt
				creds[i].LastUsedAt = &t
			}
			if entry.lastError != "" {
				e := entry.lastError
				creds[i].LastError = &e
				at := entry.lastErrorAt
				creds[i].LastErrorAt = &at
			}
			if entry.status != "" {
				creds[i].Status = entry.status
			}
		}
	}
	p.mu.Unlock()

	return creds, nil
}

func (p *Pool) entry(credentialID string) *cacheEntry {
	entry, ok := p.cache[credentialID]
	if !ok {
		entry = &cacheEntry{}
		p.cache[credentialID] = entry
	}
	return entry
}

func (p *Pool) hasRecentError(credentialID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.cache[credentialID]
	if !ok || entry.lastErrorAt.IsZero() {
		return false
	}
	return now.Sub(entry.lastErrorAt) < recentErrorWindow
}

func (p *Pool) persistStatus(ctx context.Context, credentialID string, status models.CredentialStatus, errMsg string) {
	_, err := p.db.ExecContext(ctx, `
		UPDATE llm_credentials
		SET status = $2, last_error = $3, last_error_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, credentialID, status, errMsg)
	if err != nil {
		p.logger.WithError(err).WithField("credential_id", credentialID).
			Error("Failed to persist credential status")
		return
	}
	p.logger.WithFields(logging.Fields{
		"credential_id": credentialID,
		"status":        status,
	}).Warn("Credential status changed")
}

// recordAdminAlert is best-effort; failures are logged and buried.
func (p *Pool) recordAdminAlert(ctx context.Context, tenantID string, severity models.AdminAlertSeverity, title, message string) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO admin_alerts (id, admin_agent_id, tenant_id, type, severity, title, message, created_at)
		SELECT $1, COALESCE((SELECT id FROM admin_agents WHERE tenant_id = $2), 'system'), $2, 'emergency-activation', $3, $4, $5, NOW()
	`, uuid.New().String(), tenantID, severity, title, message)
	if err != nil {
		p.logger.WithError(err).WithField("tenant_id", tenantID).
			Error("Failed to record emergency-activation alert")
	}
}

// classifyError maps an upstream error string to a credential status
// transition, or "" when the status should not change.
func classifyError(errMsg string) models.CredentialStatus {
	lower := strings.ToLower(errMsg)
	switch {
	case strings.Contains(lower, "quota"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "429"):
		return models.CredentialExhausted
	case strings.Contains(lower, "invalid"),
		strings.Contains(lower, "revoked"),
		strings.Contains(lower, "401"):
		return models.CredentialRevoked
	default:
		return ""
	}
}

func effectivePriority(c *models.Credential) int {
	if c.IsEmergency() {
		return priorityEmergency
	}
	if c.Type == models.CredentialOAuth {
		return priorityOAuth
	}
	return c.Priority
}

// selectionRemaining orders unlimited credentials ahead of any metered one.
func selectionRemaining(c *models.Credential) int64 {
	remaining := c.QuotaRemaining()
	if remaining < 0 {
		return int64(^uint64(0) >> 1)
	}
	return remaining
}
