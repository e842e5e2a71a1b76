package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/decomontenegro/baas-platform-sub000/internal/bots"
	"github.com/decomontenegro/baas-platform-sub000/internal/notify"
	"github.com/decomontenegro/baas-platform-sub000/pkg/config"
	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

type scriptedChecker struct {
	results map[string][]*bots.Result
	calls   map[string]int
}

func (c *scriptedChecker) CheckBotHealth(_ context.Context, botID string) *bots.Result {
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	script := c.results[botID]
	i := c.calls[botID]
	c.calls[botID]++
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i]
}

type recordingNotifier struct {
	notifications []notify.Notification
}

func (r *recordingNotifier) Dispatch(_ context.Context, n notify.Notification) []notify.ChannelResult {
	r.notifications = append(r.notifications, n)
	return []notify.ChannelResult{{Channel: "log", Success: true}}
}

func newTestSupervisor(t *testing.T, checker HealthChecker) (*Supervisor, sqlmock.Sqlmock, *recordingNotifier) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	notifier := &recordingNotifier{}
	s := New(db, logging.NewLogger(), config.Supervisor{Schedule: "*/5 * * * *"}, checker, notifier)
	s.now = func() time.Time {
		return time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)
	}
	s.SetRestart(func(context.Context, *supervisedBot) error { return nil })
	return s, mock, notifier
}

func expectAgents(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery("SELECT a.id, a.tenant_id").WillReturnRows(rows)
}

func agentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "tenant_id", "max_restart_attempts", "auto_restart_enabled", "name"})
}

func expectBots(mock sqlmock.Sqlmock, tenantID string, rows *sqlmock.Rows) {
	mock.ExpectQuery("SELECT id, tenant_id, name").WithArgs(tenantID).WillReturnRows(rows)
}

func botRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "tenant_id", "name"})
}

func expectPriorStatus(mock sqlmock.Sqlmock, botID string, status string) {
	rows := sqlmock.NewRows([]string{"status"})
	if status != "" {
		rows.AddRow(status)
	}
	mock.ExpectQuery("SELECT status FROM bot_health_logs").WithArgs(botID).WillReturnRows(rows)
}

func expectRestartCount(mock sqlmock.Sqlmock, botID string, count int) {
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM bot_health_logs`).WithArgs(botID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(count))
}

func expectHealthLog(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO bot_health_logs").WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectAdminAlert(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO admin_alerts").WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestTickHealsDeadBotAcrossTwoTicks(t *testing.T) {
	checker := &scriptedChecker{results: map[string][]*bots.Result{
		"b1": {
			{BotID: "b1", Status: models.BotUnhealthy, LatencyMs: 12, Error: "probe refused"},
			{BotID: "b1", Status: models.BotHealthy, LatencyMs: 40},
		},
	}}
	s, mock, notifier := newTestSupervisor(t, checker)

	// Tick 1: bot is unhealthy, restart attempted, BOT_DOWN emitted.
	expectAgents(mock, agentRows().AddRow("agent-1", "t3", 3, true, "Tenant Three"))
	expectBots(mock, "t3", botRows().AddRow("b1", "t3", "support-bot"))
	expectPriorStatus(mock, "b1", "")
	expectRestartCount(mock, "b1", 0)
	expectHealthLog(mock)
	expectAdminAlert(mock)

	if ok := s.Trigger(context.Background()); !ok {
		t.Fatalf("tick 1 should run")
	}
	status := s.Status()
	if len(status.LastResults) != 1 {
		t.Fatalf("expected one tenant result, got %+v", status.LastResults)
	}
	r := status.LastResults[0]
	if r.Unhealthy != 1 || r.Healthy != 0 {
		t.Fatalf("tick 1 counts wrong: %+v", r)
	}
	if len(r.Actions) != 1 || r.Actions[0].Action != "restart" || r.Actions[0].Result != "attempted" {
		t.Fatalf("tick 1 should record an attempted restart, got %+v", r.Actions)
	}
	if len(notifier.notifications) != 1 {
		t.Fatalf("tick 1 should emit one alert, got %d", len(notifier.notifications))
	}
	down := notifier.notifications[0]
	if down.Type != "BOT_DOWN" || down.Severity != models.SeverityCritical {
		t.Fatalf("expected CRITICAL BOT_DOWN, got %s %s", down.Type, down.Severity)
	}

	// Tick 2: probe succeeds, BOT_RECOVERED emitted on the transition.
	expectAgents(mock, agentRows().AddRow("agent-1", "t3", 3, true, "Tenant Three"))
	expectBots(mock, "t3", botRows().AddRow("b1", "t3", "support-bot"))
	expectPriorStatus(mock, "b1", "UNHEALTHY")
	expectHealthLog(mock)
	expectAdminAlert(mock)

	if ok := s.Trigger(context.Background()); !ok {
		t.Fatalf("tick 2 should run")
	}
	r = s.Status().LastResults[0]
	if r.Healthy != 1 || r.Unhealthy != 0 || len(r.Actions) != 0 {
		t.Fatalf("tick 2 counts wrong: %+v", r)
	}
	recovered := notifier.notifications[1]
	if recovered.Type != "BOT_RECOVERED" || recovered.Severity != models.SeverityInfo {
		t.Fatalf("expected INFO BOT_RECOVERED, got %s %s", recovered.Type, recovered.Severity)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTickEmitsBotSlowOnFirstDegradedTransition(t *testing.T) {
	checker := &scriptedChecker{results: map[string][]*bots.Result{
		"b1": {{BotID: "b1", Status: models.BotDegraded, LatencyMs: 6200}},
	}}
	s, mock, notifier := newTestSupervisor(t, checker)

	expectAgents(mock, agentRows().AddRow("agent-1", "t1", 3, true, "Tenant One"))
	expectBots(mock, "t1", botRows().AddRow("b1", "t1", "support-bot"))
	expectPriorStatus(mock, "b1", "HEALTHY")
	expectHealthLog(mock)
	expectAdminAlert(mock)

	s.Trigger(context.Background())
	if len(notifier.notifications) != 1 {
		t.Fatalf("expected one alert, got %d", len(notifier.notifications))
	}
	slow := notifier.notifications[0]
	if slow.Type != "BOT_SLOW" || slow.Severity != models.SeverityWarning {
		t.Fatalf("expected WARNING BOT_SLOW, got %s %s", slow.Type, slow.Severity)
	}
}

func TestTickDoesNotRepeatBotSlowWhileDegraded(t *testing.T) {
	checker := &scriptedChecker{results: map[string][]*bots.Result{
		"b1": {{BotID: "b1", Status: models.BotDegraded, LatencyMs: 6200}},
	}}
	s, mock, notifier := newTestSupervisor(t, checker)

	expectAgents(mock, agentRows().AddRow("agent-1", "t1", 3, true, "Tenant One"))
	expectBots(mock, "t1", botRows().AddRow("b1", "t1", "support-bot"))
	expectPriorStatus(mock, "b1", "DEGRADED")
	expectHealthLog(mock)

	s.Trigger(context.Background())
	if len(notifier.notifications) != 0 {
		t.Fatalf("repeat DEGRADED must not alert, got %+v", notifier.notifications)
	}
}

func TestRestartBoundedByMaxAttempts(t *testing.T) {
	checker := &scriptedChecker{results: map[string][]*bots.Result{
		"b1": {{BotID: "b1", Status: models.BotDead, LatencyMs: 3, Error: "bot-not-found"}},
	}}
	s, mock, _ := newTestSupervisor(t, checker)
	restarts := 0
	s.SetRestart(func(context.Context, *supervisedBot) error {
		restarts++
		return nil
	})

	expectAgents(mock, agentRows().AddRow("agent-1", "t1", 3, true, "Tenant One"))
	expectBots(mock, "t1", botRows().AddRow("b1", "t1", "support-bot"))
	expectPriorStatus(mock, "b1", "DEAD")
	expectRestartCount(mock, "b1", 3)
	expectHealthLog(mock)
	expectAdminAlert(mock)

	s.Trigger(context.Background())
	if restarts != 0 {
		t.Fatalf("restart must be skipped at the attempt cap")
	}
	r := s.Status().LastResults[0]
	if len(r.Actions) != 1 || r.Actions[0].Action != "restart-skipped" || r.Actions[0].Result != "max-attempts-reached" {
		t.Fatalf("expected a skipped restart action, got %+v", r.Actions)
	}
}

func TestTickSkippedWhileRunning(t *testing.T) {
	blocked := make(chan struct{})
	release := make(chan struct{})
	checker := &blockingChecker{blocked: blocked, release: release}
	s, mock, _ := newTestSupervisor(t, checker)

	expectAgents(mock, agentRows().AddRow("agent-1", "t1", 3, false, "Tenant One"))
	expectBots(mock, "t1", botRows().AddRow("b1", "t1", "support-bot"))
	expectPriorStatus(mock, "b1", "HEALTHY")
	expectHealthLog(mock)

	done := make(chan bool)
	go func() { done <- s.Trigger(context.Background()) }()
	<-blocked

	if s.Trigger(context.Background()) {
		t.Fatalf("overlapping tick must be skipped")
	}
	close(release)
	if !<-done {
		t.Fatalf("first tick should complete")
	}
}

type blockingChecker struct {
	blocked chan struct{}
	release chan struct{}
}

func (c *blockingChecker) CheckBotHealth(_ context.Context, botID string) *bots.Result {
	close(c.blocked)
	<-c.release
	return &bots.Result{BotID: botID, Status: models.BotHealthy, LatencyMs: 1}
}

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		expr string
		want time.Duration
		ok   bool
	}{
		{"*/5 * * * *", 5 * time.Minute, true},
		{"*/1 * * * *", time.Minute, true},
		{"* * * * *", time.Minute, true},
		{"0 * * * *", time.Hour, true},
		{"0 */6 * * *", 6 * time.Hour, true},
		{"garbage", defaultInterval, false},
		{"*/0 * * * *", defaultInterval, false},
	}
	for _, tc := range cases {
		got, err := parseSchedule(tc.expr)
		if got != tc.want {
			t.Fatalf("parseSchedule(%q) = %v, want %v", tc.expr, got, tc.want)
		}
		if tc.ok && err != nil {
			t.Fatalf("parseSchedule(%q) unexpected error: %v", tc.expr, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("parseSchedule(%q) should error", tc.expr)
		}
	}
}

func TestConcurrentStartStopLeavesLoopStopped(t *testing.T) {
	s, _, _ := newTestSupervisor(t, &scriptedChecker{})

	// Admin start/stop requests can race; the cancel handoff must stay
	// consistent under contention.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			s.Stop()
		}()
	}
	wg.Wait()

	s.Stop()
	if status := s.Status(); status.Running {
		t.Fatalf("expected stopped loop, got %+v", status)
	}

	s.Start(context.Background())
	if status := s.Status(); !status.Running {
		t.Fatal("expected loop to restart after stop")
	}
	s.Stop()
	if status := s.Status(); status.Running {
		t.Fatal("expected loop stopped after final Stop")
	}
}
