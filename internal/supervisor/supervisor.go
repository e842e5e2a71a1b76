package supervisor

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/decomontenegro/baas-platform-sub000/internal/bots"
	"github.com/decomontenegro/baas-platform-sub000/internal/notify"
	"github.com/decomontenegro/baas-platform-sub000/pkg/config"
	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

// tenantConcurrency bounds the fan-out across tenants within one tick.
// Per-tenant bot cycles stay sequential.
const tenantConcurrency = 4

// HealthChecker classifies one bot.
type HealthChecker interface {
	CheckBotHealth(ctx context.Context, botID string) *bots.Result
}

// Notifier routes supervisor alerts to channels.
type Notifier interface {
	Dispatch(ctx context.Context, n notify.Notification) []notify.ChannelResult
}

// RestartFunc performs one restart attempt against a bot's channel. The
// default implementation only touches the bot row; deployments replace it
// with a real channel restart call.
type RestartFunc func(ctx context.Context, bot *supervisedBot) error

// Action is one auto-heal attempt taken during a tick.
type Action struct {
	BotID  string `json:"bot_id"`
	Action string `json:"action"`
	Result string `json:"result"`
}

// TickResult aggregates one tenant's health cycle.
type TickResult struct {
	TenantID   string   `json:"tenant_id"`
	Healthy    int      `json:"healthy"`
	Degraded   int      `json:"degraded"`
	Unhealthy  int      `json:"unhealthy"`
	Dead       int      `json:"dead"`
	Actions    []Action `json:"actions"`
	DurationMs int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

// Status is the in-process view of the loop for admin inspection.
type Status struct {
	Running     bool         `json:"running"`
	TickActive  bool         `json:"tick_active"`
	Interval    string       `json:"interval"`
	LastTickAt  *time.Time   `json:"last_tick_at,omitempty"`
	LastResults []TickResult `json:"last_results,omitempty"`
}

type supervisedBot struct {
	ID       string
	TenantID string
	Name     string
}

type supervisedAgent struct {
	models.AdminAgent
	TenantName string
}

// Supervisor runs the periodic health fan-out: enumerate active admin
// agents, probe every bot, auto-heal, and alert on transitions. Ticks never
// overlap; a tick arriving while one runs is skipped and logged.
type Supervisor struct {
	db       *sql.DB
	logger   logging.Logger
	checker  HealthChecker
	notifier Notifier
	restart  RestartFunc
	interval time.Duration
	now      func() time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	tickMu  sync.Mutex
	running bool

	mu          sync.Mutex
	tickActive  bool
	lastTickAt  *time.Time
	lastResults []TickResult
}

func New(db *sql.DB, logger logging.Logger, cfg config.Supervisor, checker HealthChecker, notifier Notifier) *Supervisor {
	interval, err := parseSchedule(cfg.Schedule)
	if err != nil {
		logger.WithError(err).Warn("Falling back to default supervisor interval")
	}
	s := &Supervisor{
		db:       db,
		logger:   logger,
		checker:  checker,
		notifier: notifier,
		interval: interval,
		now:      time.Now,
	}
	s.restart = s.defaultRestart
	return s
}

// SetRestart replaces the restart action.
func (s *Supervisor) SetRestart(fn RestartFunc) { s.restart = fn }

// Start launches the loop. Idempotent while running.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.WithField("interval", s.interval.String()).Info("Supervisor started")
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Trigger(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info("Supervisor stopped")
}

// Trigger runs one tick immediately. Returns false when a tick is already
// in flight.
func (s *Supervisor) Trigger(ctx context.Context) bool {
	if !s.tickMu.TryLock() {
		s.logger.Warn("Supervisor tick skipped, previous tick still running")
		return false
	}
	defer s.tickMu.Unlock()

	s.mu.Lock()
	s.tickActive = true
	s.mu.Unlock()

	results := s.tick(ctx)

	at := s.now()
	s.mu.Lock()
	s.tickActive = false
	s.lastTickAt = &at
	s.lastResults = results
	s.mu.Unlock()
	return true
}

// Status reports the loop state and the last tick's results.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]TickResult, len(s.lastResults))
	copy(results, s.lastResults)
	return Status{
		Running:     s.running,
		TickActive:  s.tickActive,
		Interval:    s.interval.String(),
		LastTickAt:  s.lastTickAt,
		LastResults: results,
	}
}

func (s *Supervisor) tick(ctx context.Context) []TickResult {
	agents, err := s.loadAgents(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Supervisor tick failed to enumerate agents")
		return []TickResult{{Error: err.Error()}}
	}

	results := make([]TickResult, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(tenantConcurrency)
	for i, agent := range agents {
		i, agent := i, agent
		g.Go(func() error {
			results[i] = s.superviseTenant(gctx, agent)
			return nil
		})
	}
	g.Wait()

	for _, r := range results {
		s.logger.WithFields(logging.Fields{
			"tenant_id": r.TenantID,
			"healthy":   r.Healthy,
			"degraded":  r.Degraded,
			"unhealthy": r.Unhealthy,
			"dead":      r.Dead,
			"actions":   len(r.Actions),
			"ms":        r.DurationMs,
		}).Info("Supervisor tenant cycle")
	}
	return results
}

// superviseTenant runs the per-tenant bot cycle sequentially so health-log
// writes and alert emissions for one bot never interleave.
func (s *Supervisor) superviseTenant(ctx context.Context, agent supervisedAgent) TickResult {
	started := s.now()
	result := TickResult{TenantID: agent.TenantID}

	tenantBots, err := s.loadBots(ctx, agent.TenantID)
	if err != nil {
		result.Error = err.Error()
		result.DurationMs = s.now().Sub(started).Milliseconds()
		return result
	}

	for _, bot := range tenantBots {
		s.superviseBot(ctx, agent, bot, &result)
	}
	result.DurationMs = s.now().Sub(started).Milliseconds()
	return result
}

func (s *Supervisor) superviseBot(ctx context.Context, agent supervisedAgent, bot supervisedBot, result *TickResult) {
	health := s.checker.CheckBotHealth(ctx, bot.ID)
	prior, priorErr := s.priorStatus(ctx, bot.ID)
	if priorErr != nil {
		s.logger.WithError(priorErr).WithField("bot_id", bot.ID).
			Warn("Failed to load prior health log")
	}

	switch health.Status {
	case models.BotHealthy:
		result.Healthy++
	case models.BotDegraded:
		result.Degraded++
	case models.BotUnhealthy:
		result.Unhealthy++
	case models.BotDead:
		result.Dead++
	}

	var actionTaken, actionResult *string
	failing := health.Status == models.BotDead || health.Status == models.BotUnhealthy
	if failing && agent.AutoRestartEnabled {
		action, outcome := s.attemptRestart(ctx, agent, bot)
		actionTaken, actionResult = &action, &outcome
		result.Actions = append(result.Actions, Action{BotID: bot.ID, Action: action, Result: outcome})
	}

	if err := s.writeHealthLog(ctx, agent.ID, bot.ID, health, actionTaken, actionResult); err != nil {
		s.logger.WithError(err).WithField("bot_id", bot.ID).Error("Failed to write health log")
	}

	s.emitTransitionAlerts(ctx, agent, bot, health, prior)
}

// attemptRestart runs one bounded restart. Attempts are counted as restart
// actions recorded since the bot last logged HEALTHY.
func (s *Supervisor) attemptRestart(ctx context.Context, agent supervisedAgent, bot supervisedBot) (string, string) {
	attempts, err := s.restartsSinceHealthy(ctx, bot.ID)
	if err != nil {
		s.logger.WithError(err).WithField("bot_id", bot.ID).Warn("Failed to count restart attempts")
	}
	if agent.MaxRestartAttempts > 0 && attempts >= agent.MaxRestartAttempts {
		return "restart-skipped", "max-attempts-reached"
	}
	if err := s.restart(ctx, &bot); err != nil {
		return "restart", fmt.Sprintf("failed: %v", err)
	}
	return "restart", "attempted"
}

func (s *Supervisor) emitTransitionAlerts(ctx context.Context, agent supervisedAgent, bot supervisedBot, health *bots.Result, prior models.BotHealthStatus) {
	switch {
	case health.Status == models.BotDead || health.Status == models.BotUnhealthy:
		s.emitAlert(ctx, agent, bot, "BOT_DOWN", models.SeverityCritical,
			fmt.Sprintf("Bot %s is down", bot.Name),
			fmt.Sprintf("Health check classified bot %s as %s: %s", bot.Name, health.Status, health.Error))

	case health.Status == models.BotHealthy &&
		(prior == models.BotDead || prior == models.BotUnhealthy):
		s.emitAlert(ctx, agent, bot, "BOT_RECOVERED", models.SeverityInfo,
			fmt.Sprintf("Bot %s recovered", bot.Name),
			fmt.Sprintf("Bot %s answered the probe in %dms after being %s", bot.Name, health.LatencyMs, prior))

	case health.Status == models.BotDegraded && prior != models.BotDegraded:
		s.emitAlert(ctx, agent, bot, "BOT_SLOW", models.SeverityWarning,
			fmt.Sprintf("Bot %s is slow", bot.Name),
			fmt.Sprintf("Probe latency %dms is above the degraded threshold", health.LatencyMs))
	}
}

func (s *Supervisor) emitAlert(ctx context.Context, agent supervisedAgent, bot supervisedBot, alertType string, severity models.AdminAlertSeverity, title, message string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_alerts (id, admin_agent_id, tenant_id, bot_id, type, severity, title, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, uuid.New().String(), agent.ID, agent.TenantID, bot.ID, alertType, severity, title, message)
	if err != nil {
		s.logger.WithError(err).WithFields(logging.Fields{
			"bot_id": bot.ID,
			"type":   alertType,
		}).Error("Failed to persist admin alert")
	}

	if s.notifier == nil {
		return
	}
	botID := bot.ID
	s.notifier.Dispatch(ctx, notify.Notification{
		AdminAgentID: agent.ID,
		TenantID:     agent.TenantID,
		BotID:        &botID,
		Type:         alertType,
		Severity:     severity,
		Title:        title,
		Message:      message,
		Metadata:     map[string]interface{}{"tenant_name": agent.TenantName},
	})
}

func (s *Supervisor) loadAgents(ctx context.Context) ([]supervisedAgent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.tenant_id, a.max_restart_attempts, a.auto_restart_enabled, t.name
		FROM admin_agents a
		JOIN tenants t ON t.id = a.tenant_id
		WHERE a.status = 'ACTIVE'
		  AND a.health_check_enabled = true
		  AND t.status = 'ACTIVE'
		  AND t.deleted_at IS NULL
		ORDER BY a.tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load admin agents: %w", err)
	}
	defer rows.Close()

	var agents []supervisedAgent
	for rows.Next() {
		var a supervisedAgent
		if err := rows.Scan(&a.ID, &a.TenantID, &a.MaxRestartAttempts, &a.AutoRestartEnabled, &a.TenantName); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Supervisor) loadBots(ctx context.Context, tenantID string) ([]supervisedBot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name
		FROM bots
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load bots: %w", err)
	}
	defer rows.Close()

	var out []supervisedBot
	for rows.Next() {
		var b supervisedBot
		if err := rows.Scan(&b.ID, &b.TenantID, &b.Name); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Supervisor) priorStatus(ctx context.Context, botID string) (models.BotHealthStatus, error) {
	var status models.BotHealthStatus
	err := s.db.QueryRowContext(ctx, `
		SELECT status FROM bot_health_logs
		WHERE bot_id = $1
		ORDER BY checked_at DESC
		LIMIT 1
	`, botID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return status, err
}

func (s *Supervisor) restartsSinceHealthy(ctx context.Context, botID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bot_health_logs
		WHERE bot_id = $1
		  AND action_taken = 'restart'
		  AND checked_at > COALESCE(
			(SELECT MAX(checked_at) FROM bot_health_logs WHERE bot_id = $1 AND status = 'HEALTHY'),
			'epoch'::timestamptz)
	`, botID).Scan(&count)
	return count, err
}

func (s *Supervisor) writeHealthLog(ctx context.Context, agentID, botID string, health *bots.Result, actionTaken, actionResult *string) error {
	var probeErr *string
	if health.Error != "" {
		probeErr = &health.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_health_logs (id, bot_id, admin_agent_id, status, latency_ms, error, action_taken, action_result, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`, uuid.New().String(), botID, agentID, health.Status, health.LatencyMs, probeErr, actionTaken, actionResult)
	return err
}

// defaultRestart only touches the bot row so the attempt is visible.
// Channel-level restarts are deployment-specific.
func (s *Supervisor) defaultRestart(ctx context.Context, bot *supervisedBot) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bots SET updated_at = NOW() WHERE id = $1`, bot.ID)
	return err
}
