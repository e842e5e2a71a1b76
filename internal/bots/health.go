package bots

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

// degradedLatency is the probe latency above which a live bot counts as
// DEGRADED.
const degradedLatency = 5000 * time.Millisecond

// Probe performs the liveness call against a bot's channel. The default
// probe is a record-store round-trip; deployments replace it with a real
// channel ping.
type Probe func(ctx context.Context, bot *models.Bot) error

// Result is one health classification with its measured latency.
type Result struct {
	BotID     string                 `json:"bot_id"`
	Status    models.BotHealthStatus `json:"status"`
	LatencyMs int64                  `json:"latency_ms"`
	Error     string                 `json:"error,omitempty"`
}

// Checker classifies bot health into the four-way scheme.
type Checker struct {
	db     *sql.DB
	logger logging.Logger
	probe  Probe
	now    func() time.Time
}

func NewChecker(db *sql.DB, logger logging.Logger) *Checker {
	c := &Checker{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
	c.probe = c.defaultProbe
	return c
}

// SetProbe replaces the liveness probe.
func (c *Checker) SetProbe(p Probe) { c.probe = p }

// CheckBotHealth probes one bot. Latency is captured on every path,
// including the not-found and disabled ones.
func (c *Checker) CheckBotHealth(ctx context.Context, botID string) *Result {
	started := c.now()
	elapsed := func() int64 { return c.now().Sub(started).Milliseconds() }

	bot, err := c.loadBot(ctx, botID)
	if err == sql.ErrNoRows {
		return &Result{BotID: botID, Status: models.BotDead, LatencyMs: elapsed(), Error: "bot-not-found"}
	}
	if err != nil {
		return &Result{BotID: botID, Status: models.BotUnhealthy, LatencyMs: elapsed(), Error: err.Error()}
	}

	if !bot.Enabled {
		return &Result{BotID: botID, Status: models.BotDead, LatencyMs: elapsed(), Error: "bot-disabled"}
	}

	if err := c.probe(ctx, bot); err != nil {
		return &Result{BotID: botID, Status: models.BotUnhealthy, LatencyMs: elapsed(), Error: err.Error()}
	}

	latency := elapsed()
	if latency > degradedLatency.Milliseconds() {
		return &Result{BotID: botID, Status: models.BotDegraded, LatencyMs: latency}
	}
	return &Result{BotID: botID, Status: models.BotHealthy, LatencyMs: latency}
}

func (c *Checker) loadBot(ctx context.Context, botID string) (*models.Bot, error) {
	var bot models.Bot
	err := c.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, enabled, channel, metadata
		FROM bots WHERE id = $1 AND deleted_at IS NULL
	`, botID).Scan(&bot.ID, &bot.TenantID, &bot.Name, &bot.Enabled, &bot.Channel, &bot.Metadata)
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// defaultProbe is a minimal record-store round-trip.
func (c *Checker) defaultProbe(ctx context.Context, bot *models.Bot) error {
	var one int
	if err := c.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("probe round-trip: %w", err)
	}
	return nil
}
