package notify

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/decomontenegro/baas-platform-sub000/pkg/config"
	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

// Notification is one alert to route.
type Notification struct {
	AdminAgentID string
	TenantID     string
	BotID        *string
	Type         string
	Severity     models.AdminAlertSeverity
	Title        string
	Message      string
	Metadata     map[string]interface{}
}

// ChannelResult is the per-channel outcome of a dispatch.
type ChannelResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TenantChannels is the per-tenant delivery configuration, read from the
// tenant settings bag.
type TenantChannels struct {
	Email          string            `json:"notify_email"`
	WhatsApp       string            `json:"notify_whatsapp"`
	WebhookURL     string            `json:"webhook_url"`
	WebhookHeaders map[string]string `json:"webhook_headers"`
	Hours          HoursConfig       `json:"notification_hours"`
}

// Pipeline routes alerts to channels by severity, throttles duplicates, and
// respects tenant delivery windows.
//
// Severity routing: INFO logs only; WARNING emails; ERROR emails and posts
// the webhook; CRITICAL adds WhatsApp.
type Pipeline struct {
	db       *sql.DB
	logger   logging.Logger
	cfg      config.Notification
	throttle *Throttle
	now      func() time.Time

	email    EmailChannel
	whatsapp WhatsAppChannel
	webhook  WebhookChannel
}

func NewPipeline(db *sql.DB, logger logging.Logger, cfg config.Notification, emailCh EmailChannel, whatsappCh WhatsAppChannel, webhookCh WebhookChannel) *Pipeline {
	return &Pipeline{
		db:       db,
		logger:   logger,
		cfg:      cfg,
		throttle: NewThrottle(cfg.ThrottleWindow),
		now:      time.Now,
		email:    emailCh,
		whatsapp: whatsappCh,
		webhook:  webhookCh,
	}
}

// Dispatch routes one notification. Returns per-channel results; a
// throttled dispatch returns a single successful "throttled" result without
// touching any channel.
func (p *Pipeline) Dispatch(ctx context.Context, n Notification) []ChannelResult {
	fingerprint := Fingerprint(n.AdminAgentID, n.Type, string(n.Severity), n.BotID, n.Title)
	if p.throttle.ShouldThrottle(fingerprint) {
		p.logger.WithFields(logging.Fields{
			"tenant_id": n.TenantID,
			"type":      n.Type,
		}).Debug("Notification throttled")
		return []ChannelResult{{Channel: "throttled", Success: true}}
	}

	channels, err := p.loadTenantChannels(ctx, n.TenantID)
	if err != nil {
		p.logger.WithError(err).WithField("tenant_id", n.TenantID).
			Error("Failed to load notification channels")
		channels = &TenantChannels{}
	}

	isCritical := n.Severity == models.SeverityCritical
	hours := channels.Hours
	if !hours.ExceptCritical {
		hours.ExceptCritical = p.cfg.ExceptCritical
	}
	if !ShouldNotifyNow(hours, isCritical, p.now()) {
		next := NextNotificationWindow(hours, p.now())
		p.logger.WithFields(logging.Fields{
			"tenant_id": n.TenantID,
			"deferred":  next.Format(time.RFC3339),
		}).Info("Notification deferred outside delivery window")
		return []ChannelResult{{Channel: "deferred", Success: true, Error: "next window " + next.Format(time.RFC3339)}}
	}

	p.logger.WithFields(logging.Fields{
		"tenant_id": n.TenantID,
		"severity":  n.Severity,
		"type":      n.Type,
		"title":     n.Title,
	}).Info("Alert notification")

	if n.Severity == models.SeverityInfo {
		return []ChannelResult{{Channel: "log", Success: true}}
	}

	type task struct {
		channel string
		run     func(context.Context) error
	}
	var tasks []task

	tasks = append(tasks, task{"email", func(ctx context.Context) error {
		return p.sendEmail(ctx, channels.Email, n)
	}})
	if n.Severity == models.SeverityError || n.Severity == models.SeverityCritical {
		tasks = append(tasks, task{"webhook", func(ctx context.Context) error {
			return p.webhook.Send(ctx, channels.WebhookURL, channels.WebhookHeaders, WebhookPayload{
				Timestamp: p.now().UTC(),
				Alert: WebhookAlert{
					Type:     n.Type,
					Severity: string(n.Severity),
					Title:    n.Title,
					Message:  n.Message,
				},
				Metadata: n.Metadata,
				Source:   "llm-gateway",
			})
		}})
	}
	if n.Severity == models.SeverityCritical {
		tasks = append(tasks, task{"whatsapp", func(ctx context.Context) error {
			return p.whatsapp.Send(ctx, channels.WhatsApp, "*"+n.Title+"*\n\n"+n.Message)
		}})
	}

	results := make([]ChannelResult, len(tasks))
	var wg sync.WaitGroup
	for i, tk := range tasks {
		wg.Add(1)
		go func(i int, tk task) {
			defer wg.Done()
			result := ChannelResult{Channel: tk.channel, Success: true}
			if err := tk.run(ctx); err != nil {
				result.Success = false
				result.Error = err.Error()
				p.logger.WithError(err).WithFields(logging.Fields{
					"tenant_id": n.TenantID,
					"channel":   tk.channel,
				}).Warn("Notification channel failed")
			}
			results[i] = result
		}(i, tk)
	}
	wg.Wait()

	for _, result := range results {
		if result.Success {
			p.throttle.MarkSent(fingerprint)
			break
		}
	}
	return results
}

// DispatchUsageAlert adapts a budget alert into the pipeline and records the
// per-channel sent flags on the alert row. Best-effort.
func (p *Pipeline) DispatchUsageAlert(ctx context.Context, alert *models.UsageAlert, severity models.AdminAlertSeverity) {
	results := p.Dispatch(ctx, Notification{
		AdminAgentID: "system",
		TenantID:     alert.TenantID,
		Type:         string(alert.Type),
		Severity:     severity,
		Title:        "Budget alert: " + string(alert.Type),
		Message:      alert.Message,
	})

	var emailSent, whatsappSent, webhookSent bool
	for _, r := range results {
		if !r.Success {
			continue
		}
		switch r.Channel {
		case "email":
			emailSent = true
		case "whatsapp":
			whatsappSent = true
		case "webhook":
			webhookSent = true
		}
	}
	if !emailSent && !whatsappSent && !webhookSent {
		return
	}

	_, err := p.db.ExecContext(ctx, `
		UPDATE llm_usage_alerts
		SET email_sent = email_sent OR $2,
		    whatsapp_sent = whatsapp_sent OR $3,
		    webhook_sent = webhook_sent OR $4
		WHERE id = $1
	`, alert.ID, emailSent, whatsappSent, webhookSent)
	if err != nil {
		p.logger.WithError(err).WithField("alert_id", alert.ID).
			Error("Failed to record alert channel flags")
	}
}

func (p *Pipeline) sendEmail(ctx context.Context, to string, n Notification) error {
	templateName := TemplateWarningAlert
	if n.Severity == models.SeverityCritical || n.Severity == models.SeverityError {
		templateName = TemplateCriticalAlert
	}
	tmpl, _ := GetTemplate(templateName)

	vars := map[string]interface{}{
		"title":     n.Title,
		"message":   n.Message,
		"timestamp": p.now().UTC().Format(time.RFC3339),
	}
	if n.BotID != nil {
		vars["botName"] = *n.BotID
	}
	if name, ok := n.Metadata["tenant_name"].(string); ok {
		vars["tenantName"] = name
	}

	subject := Render(tmpl.Subject, vars)
	body := Render(tmpl.HTML, vars)
	return p.email.Send(ctx, to, subject, body)
}

func (p *Pipeline) loadTenantChannels(ctx context.Context, tenantID string) (*TenantChannels, error) {
	var settings models.JSONB
	err := p.db.QueryRowContext(ctx, `
		SELECT settings FROM tenants WHERE id = $1 AND deleted_at IS NULL
	`, tenantID).Scan(&settings)
	if err == sql.ErrNoRows {
		return &TenantChannels{}, nil
	}
	if err != nil {
		return nil, err
	}

	channels := &TenantChannels{
		Email:      settings.GetString("notifyEmail"),
		WhatsApp:   settings.GetString("notifyWhatsApp"),
		WebhookURL: settings.GetString("webhookUrl"),
	}
	if raw, ok := settings["webhookHeaders"].(map[string]interface{}); ok {
		channels.WebhookHeaders = make(map[string]string, len(raw))
		for key, value := range raw {
			if s, ok := value.(string); ok {
				channels.WebhookHeaders[key] = s
			}
		}
	}
	if raw, ok := settings["notificationHours"].(map[string]interface{}); ok {
		channels.Hours = hoursFromSettings(raw)
	}
	return channels, nil
}

func hoursFromSettings(raw map[string]interface{}) HoursConfig {
	getString := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}
	getBool := func(key string) bool {
		b, _ := raw[key].(bool)
		return b
	}
	cfg := HoursConfig{
		Timezone:             getString("timezone"),
		BusinessHoursEnabled: getBool("businessHoursEnabled"),
		BusinessStart:        getString("businessStart"),
		BusinessEnd:          getString("businessEnd"),
		QuietHoursEnabled:    getBool("quietHoursEnabled"),
		QuietStart:           getString("quietStart"),
		QuietEnd:             getString("quietEnd"),
		QuietWeekendAllDay:   getBool("quietWeekendAllDay"),
		ExceptCritical:       getBool("exceptCritical"),
	}
	if days, ok := raw["businessDays"].([]interface{}); ok {
		for _, d := range days {
			if f, ok := d.(float64); ok {
				cfg.BusinessDays = append(cfg.BusinessDays, int(f))
			}
		}
	}
	return cfg
}
