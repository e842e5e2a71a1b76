package events

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
	"github.com/decomontenegro/baas-platform-sub000/pkg/redis"
)

// Channel naming: tenant-scoped events go to llm.events.<tenantId>,
// provider state changes to the shared llm.events.providers channel.
const (
	providerChannel     = "llm.events.providers"
	tenantChannelPrefix = "llm.events."
)

// Event is the fan-out envelope for gateway happenings. Not durable;
// dashboards and operator tools subscribe for live updates.
type Event struct {
	Type       string                 `json:"type"`
	TenantID   string                 `json:"tenant_id,omitempty"`
	ProviderID string                 `json:"provider_id,omitempty"`
	BotID      string                 `json:"bot_id,omitempty"`
	Severity   string                 `json:"severity,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Bus publishes gateway events over Redis pub/sub. All publishes are
// best-effort with a short deadline.
type Bus struct {
	pubsub *redis.TypedPubSub[Event]
	logger logging.Logger
	now    func() time.Time
}

func NewBus(client goredis.UniversalClient, logger logging.Logger) *Bus {
	return &Bus{
		pubsub: redis.NewTypedPubSub[Event](client),
		logger: logger,
		now:    time.Now,
	}
}

// PublishProviderState mirrors a circuit transition onto the bus.
func (b *Bus) PublishProviderState(providerID, from, to, reason string) {
	b.publish(providerChannel, Event{
		Type:       "provider.state_changed",
		ProviderID: providerID,
		Message:    reason,
		Data: map[string]interface{}{
			"from": from,
			"to":   to,
		},
		Timestamp: b.now().UTC(),
	})
}

// PublishAlert mirrors an emitted alert onto the tenant's channel.
func (b *Bus) PublishAlert(tenantID, alertType string, severity models.AdminAlertSeverity, title, message string) {
	b.publish(tenantChannelPrefix+tenantID, Event{
		Type:      "alert." + alertType,
		TenantID:  tenantID,
		Severity:  string(severity),
		Title:     title,
		Message:   message,
		Timestamp: b.now().UTC(),
	})
}

// PublishUsageSuspension announces a tenant suspension after a budget
// exceedance.
func (b *Bus) PublishUsageSuspension(tenantID, reason string) {
	b.publish(tenantChannelPrefix+tenantID, Event{
		Type:      "tenant.suspended",
		TenantID:  tenantID,
		Severity:  string(models.SeverityCritical),
		Message:   reason,
		Timestamp: b.now().UTC(),
	})
}

// Subscribe consumes events for one tenant until the context is cancelled.
// A tenantID of "*" follows every tenant channel.
func (b *Bus) Subscribe(ctx context.Context, tenantID string, handler func(Event)) error {
	return b.pubsub.Subscribe(ctx, tenantChannelPrefix+tenantID, handler)
}

func (b *Bus) publish(channel string, event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.pubsub.Publish(ctx, channel, event); err != nil {
		b.logger.WithError(err).WithField("channel", channel).
			Debug("Failed to publish gateway event")
	}
}
