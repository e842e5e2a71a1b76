package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/decomontenegro/baas-platform-sub000/internal/credentials"
	"github.com/decomontenegro/baas-platform-sub000/internal/ratelimit"
	"github.com/decomontenegro/baas-platform-sub000/internal/router"
	"github.com/decomontenegro/baas-platform-sub000/internal/usage"
	"github.com/decomontenegro/baas-platform-sub000/pkg/llm"
	"github.com/decomontenegro/baas-platform-sub000/pkg/logging"
	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

type stubLimiter struct {
	decisions    []*ratelimit.Decision
	checkCalls   int
	recorded     []int
	acquired     int
	released     int
	providerIncs int
}

func (s *stubLimiter) Check(_ context.Context, _ string, _ *string) (*ratelimit.Decision, error) {
	d := s.decisions[s.checkCalls]
	s.checkCalls++
	return d, nil
}

func (s *stubLimiter) RecordUsage(_ context.Context, _ string, _ *string, tokens int) error {
	s.recorded = append(s.recorded, tokens)
	return nil
}

func (s *stubLimiter) IncrementProvider(_ context.Context, _ string) error {
	s.providerIncs++
	return nil
}

func (s *stubLimiter) AcquireProvider(_ string) int { s.acquired++; return s.acquired }
func (s *stubLimiter) ReleaseProvider(_ string)     { s.released++ }

type stubRouter struct {
	selection   *router.Selection
	err         error
	selectCalls int
}

func (s *stubRouter) Select(_ context.Context, _ string, _ router.Options) (*router.Selection, error) {
	s.selectCalls++
	if s.err != nil {
		return nil, s.err
	}
	return s.selection, nil
}

type stubCircuit struct {
	successes []string
	failures  []string
}

func (s *stubCircuit) RecordSuccess(_ context.Context, providerID string) {
	s.successes = append(s.successes, providerID)
}

func (s *stubCircuit) RecordFailure(_ context.Context, providerID string, _ error) {
	s.failures = append(s.failures, providerID)
}

type stubTracker struct {
	writes []usage.WriteRequest
}

func (s *stubTracker) WriteUsage(_ context.Context, req usage.WriteRequest) (*models.UsageRecord, error) {
	s.writes = append(s.writes, req)
	return &models.UsageRecord{
		ID:   "rec-1",
		Cost: decimal.RequireFromString("0.01050000"),
	}, nil
}

type stubCreds struct {
	credential *models.Credential
	updates    []bool
}

func (s *stubCreds) SelectBest(_ context.Context, _ string, _ credentials.SelectOptions) (*models.Credential, error) {
	if s.credential == nil {
		return nil, credentials.ErrNoCredentials
	}
	return s.credential, nil
}

func (s *stubCreds) UpdateUsage(_ context.Context, _ string, _ int64, success bool, _ string) {
	s.updates = append(s.updates, success)
}

type stubDispatcher struct {
	resp *llm.Response
	err  error
}

func (s *stubDispatcher) Dispatch(_ context.Context, _ *models.Provider, _ *models.Credential, _ llm.Request) (*llm.Response, error) {
	return s.resp, s.err
}

func testProvider() *models.Provider {
	return &models.Provider{
		ID:          "id-p1",
		Name:        "p1",
		Type:        models.ProviderVendorAPI,
		Model:       "claude-3",
		Status:      models.ProviderActive,
		Priority:    1,
		Concurrency: 5,
	}
}

func allow() *ratelimit.Decision { return &ratelimit.Decision{Allowed: true, Remaining: 10} }

func newTestGateway(limiter *stubLimiter, rt *stubRouter, circuit *stubCircuit, tracker *stubTracker, creds *stubCreds, dispatcher Dispatcher) *Gateway {
	g := NewGateway(logging.NewLogger(), limiter, rt, circuit, tracker, creds)
	g.SetDispatcher(dispatcher)
	return g
}

func TestCompleteSuccessAccountsEverything(t *testing.T) {
	limiter := &stubLimiter{decisions: []*ratelimit.Decision{allow()}}
	rt := &stubRouter{selection: &router.Selection{
		Provider: testProvider(),
		Reason:   "selected p1",
		Skipped:  []string{"p0: circuit-open"},
	}}
	circuit := &stubCircuit{}
	tracker := &stubTracker{}
	creds := &stubCreds{credential: &models.Credential{ID: "c-1", Secret: "sk-test"}}
	dispatcher := &stubDispatcher{resp: &llm.Response{
		ID:      "msg-1",
		Model:   "claude-3",
		Content: "hello there",
		Usage:   llm.Usage{InputTokens: 100, OutputTokens: 50},
	}}

	g := newTestGateway(limiter, rt, circuit, tracker, creds, dispatcher)
	resp, err := g.Complete(context.Background(), CompleteRequest{
		TenantID: "tenant-1",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}

	if resp.Provider != "p1" || resp.Usage.TotalTokens != 150 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got := resp.Usage.Cost.StringFixed(8); got != "0.01050000" {
		t.Fatalf("expected cost from usage record, got %s", got)
	}
	if len(circuit.successes) != 1 || len(circuit.failures) != 0 {
		t.Fatalf("expected one breaker success, got %+v", circuit)
	}
	if len(tracker.writes) != 1 || !tracker.writes[0].Success {
		t.Fatalf("expected one successful usage write, got %+v", tracker.writes)
	}
	if limiter.acquired != 1 || limiter.released != 1 {
		t.Fatalf("expected paired acquire/release, got %d/%d", limiter.acquired, limiter.released)
	}
	if len(limiter.recorded) != 1 || limiter.recorded[0] != 150 {
		t.Fatalf("expected 150 tokens recorded, got %v", limiter.recorded)
	}
	if len(resp.SkippedProviders) != 1 || resp.SkippedProviders[0] != "p0: circuit-open" {
		t.Fatalf("expected skipped provider reasons in response, got %v", resp.SkippedProviders)
	}
}

func TestRateLimitPrecedesSelection(t *testing.T) {
	limiter := &stubLimiter{decisions: []*ratelimit.Decision{
		allow(), allow(),
		{Allowed: false, Reason: ratelimit.ReasonRateLimited, RetryAfterSeconds: 60},
	}}
	rt := &stubRouter{selection: &router.Selection{Provider: testProvider()}}
	dispatcher := &stubDispatcher{resp: &llm.Response{Content: "ok"}}
	g := newTestGateway(limiter, rt, &stubCircuit{}, &stubTracker{}, &stubCreds{credential: &models.Credential{ID: "c-1"}}, dispatcher)

	req := CompleteRequest{
		TenantID: "T2",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}
	for i := 0; i < 2; i++ {
		if _, err := g.Complete(context.Background(), req); err != nil {
			t.Fatalf("call %d failed: %v", i+1, err)
		}
	}

	_, err := g.Complete(context.Background(), req)
	gwErr, ok := err.(*Error)
	if !ok || gwErr.Code != CodeRateLimitExceeded {
		t.Fatalf("expected rate-limit-exceeded, got %v", err)
	}
	if gwErr.RetryAfterSeconds != 60 {
		t.Fatalf("expected retryAfter 60, got %d", gwErr.RetryAfterSeconds)
	}
	if rt.selectCalls != 2 {
		t.Fatalf("expected selection skipped on denied call, got %d selects", rt.selectCalls)
	}
}

func TestSuspendedTenantGetsTypedError(t *testing.T) {
	limiter := &stubLimiter{decisions: []*ratelimit.Decision{
		{Allowed: false, Reason: ratelimit.ReasonSuspended, RetryAfterSeconds: 3600},
	}}
	g := newTestGateway(limiter, &stubRouter{}, &stubCircuit{}, &stubTracker{}, &stubCreds{}, &stubDispatcher{})

	_, err := g.Complete(context.Background(), CompleteRequest{
		TenantID: "tenant-1",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	gwErr, ok := err.(*Error)
	if !ok || gwErr.Code != CodeTenantSuspended {
		t.Fatalf("expected tenant-suspended, got %v", err)
	}
}

func TestProviderUnavailableCarriesReasons(t *testing.T) {
	limiter := &stubLimiter{decisions: []*ratelimit.Decision{allow()}}
	rt := &stubRouter{err: &router.SelectionError{Reasons: []string{"p1: circuit-open", "p2: capacity"}}}
	g := newTestGateway(limiter, rt, &stubCircuit{}, &stubTracker{}, &stubCreds{}, &stubDispatcher{})

	_, err := g.Complete(context.Background(), CompleteRequest{
		TenantID: "tenant-1",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	gwErr, ok := err.(*Error)
	if !ok || gwErr.Code != CodeProviderUnavailable {
		t.Fatalf("expected provider-unavailable, got %v", err)
	}
	if len(gwErr.Reasons) != 2 {
		t.Fatalf("expected per-provider reasons, got %v", gwErr.Reasons)
	}
}

func TestDispatchFailureStillWritesUsage(t *testing.T) {
	limiter := &stubLimiter{decisions: []*ratelimit.Decision{allow()}}
	rt := &stubRouter{selection: &router.Selection{Provider: testProvider()}}
	circuit := &stubCircuit{}
	tracker := &stubTracker{}
	creds := &stubCreds{credential: &models.Credential{ID: "c-1"}}
	dispatcher := &stubDispatcher{err: errors.New("connection reset")}

	g := newTestGateway(limiter, rt, circuit, tracker, creds, dispatcher)
	_, err := g.Complete(context.Background(), CompleteRequest{
		TenantID: "tenant-1",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hello world"}},
	})
	gwErr, ok := err.(*Error)
	if !ok || gwErr.Code != CodeUpstreamError {
		t.Fatalf("expected upstream-error, got %v", err)
	}

	if len(circuit.failures) != 1 {
		t.Fatalf("expected breaker failure recorded, got %+v", circuit)
	}
	if len(tracker.writes) != 1 {
		t.Fatalf("expected one usage write, got %d", len(tracker.writes))
	}
	write := tracker.writes[0]
	if write.Success || write.OutputTokens != 0 || write.ErrorMessage == "" {
		t.Fatalf("expected failed usage record, got %+v", write)
	}
	if limiter.released != 1 {
		t.Fatalf("expected provider slot released, got %d", limiter.released)
	}
}

func TestCancelledDispatchRecordsCancelledUsage(t *testing.T) {
	limiter := &stubLimiter{decisions: []*ratelimit.Decision{allow()}}
	rt := &stubRouter{selection: &router.Selection{Provider: testProvider()}}
	tracker := &stubTracker{}
	dispatcher := &stubDispatcher{err: context.DeadlineExceeded}

	g := newTestGateway(limiter, rt, &stubCircuit{}, tracker, &stubCreds{credential: &models.Credential{ID: "c-1"}}, dispatcher)
	_, err := g.Complete(context.Background(), CompleteRequest{
		TenantID: "tenant-1",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Timeout:  50 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(tracker.writes) != 1 || tracker.writes[0].ErrorMessage != "cancelled" {
		t.Fatalf("expected cancelled usage record, got %+v", tracker.writes)
	}
	if limiter.released != 1 {
		t.Fatalf("expected provider slot released, got %d", limiter.released)
	}
}

func TestEmptyMessagesRejected(t *testing.T) {
	g := newTestGateway(&stubLimiter{}, &stubRouter{}, &stubCircuit{}, &stubTracker{}, &stubCreds{}, &stubDispatcher{})
	_, err := g.Complete(context.Background(), CompleteRequest{TenantID: "tenant-1"})
	gwErr, ok := err.(*Error)
	if !ok || gwErr.Code != CodeInvalidRequest {
		t.Fatalf("expected invalid-request, got %v", err)
	}
}
