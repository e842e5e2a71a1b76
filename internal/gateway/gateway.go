package gateway

import (
	"context"
	"errors"
	"fmt"
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

// DefaultTimeout bounds one outbound dispatch.
const DefaultTimeout = 30 * time.Second

// RateLimiter is the quota engine surface the gateway drives.
type RateLimiter interface {
	Check(ctx context.Context, tenantID string, agentID *string) (*ratelimit.Decision, error)
	RecordUsage(ctx context.Context, tenantID string, agentID *string, tokens int) error
	IncrementProvider(ctx context.Context, providerID string) error
	AcquireProvider(providerID string) int
	ReleaseProvider(providerID string)
}

// ProviderRouter selects a provider for a tenant.
type ProviderRouter interface {
	Select(ctx context.Context, tenantID string, opts router.Options) (*router.Selection, error)
}

// Circuit ingests dispatch outcomes.
type Circuit interface {
	RecordSuccess(ctx context.Context, providerID string)
	RecordFailure(ctx context.Context, providerID string, err error)
}

// UsageWriter persists usage records.
type UsageWriter interface {
	WriteUsage(ctx context.Context, req usage.WriteRequest) (*models.UsageRecord, error)
}

// CredentialSource selects and updates outbound credentials.
type CredentialSource interface {
	SelectBest(ctx context.Context, tenantID string, opts credentials.SelectOptions) (*models.Credential, error)
	UpdateUsage(ctx context.Context, credentialID string, tokens int64, success bool, errMsg string)
}

// CompleteRequest is the caller-facing completion request.
type CompleteRequest struct {
	TenantID       string                 `json:"tenant_id"`
	AgentID        *string                `json:"agent_id,omitempty"`
	Messages       []llm.Message          `json:"messages"`
	Model          string                 `json:"model,omitempty"`
	MaxTokens      int                    `json:"max_tokens,omitempty"`
	Temperature    *float64               `json:"temperature,omitempty"`
	PreferProvider string                 `json:"prefer_provider,omitempty"`
	Channel        *string                `json:"channel,omitempty"`
	GroupID        *string                `json:"group_id,omitempty"`
	SessionID      *string                `json:"session_id,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Timeout        time.Duration          `json:"-"`
}

// CompleteUsage is the token and cost accounting of one completion.
type CompleteUsage struct {
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	TotalTokens  int             `json:"total_tokens"`
	Cost         decimal.Decimal `json:"cost"`
}

// CompleteResponse is the success envelope. SkippedProviders names the
// higher-priority providers routing passed over and why.
type CompleteResponse struct {
	ID               string        `json:"id"`
	Model            string        `json:"model"`
	Provider         string        `json:"provider"`
	Content          string        `json:"content"`
	Usage            CompleteUsage `json:"usage"`
	LatencyMs        int64         `json:"latency_ms"`
	SkippedProviders []string      `json:"skipped_providers,omitempty"`
}

// Gateway orchestrates a completion end to end: rate limit, route, dispatch,
// account. It is re-entrant; per-provider concurrency is bounded by the
// limiter's active-request counters.
type Gateway struct {
	logger     logging.Logger
	limiter    RateLimiter
	router     ProviderRouter
	circuit    Circuit
	tracker    UsageWriter
	creds      CredentialSource
	dispatcher Dispatcher
	timeout    time.Duration
	now        func() time.Time
}

func NewGateway(logger logging.Logger, limiter RateLimiter, providerRouter ProviderRouter, circuit Circuit, tracker UsageWriter, creds CredentialSource) *Gateway {
	return &Gateway{
		logger:     logger,
		limiter:    limiter,
		router:     providerRouter,
		circuit:    circuit,
		tracker:    tracker,
		creds:      creds,
		dispatcher: newClientDispatcher(),
		timeout:    DefaultTimeout,
		now:        time.Now,
	}
}

// SetDispatcher overrides the outbound dispatcher.
func (g *Gateway) SetDispatcher(d Dispatcher) { g.dispatcher = d }

// Complete runs one completion call. All failures after dispatch still write
// a usage record and release the provider slot.
func (g *Gateway) Complete(ctx context.Context, req CompleteRequest) (*CompleteResponse, error) {
	if req.TenantID == "" {
		return nil, &Error{Code: CodeInvalidRequest, Message: "tenant_id is required"}
	}
	if len(req.Messages) == 0 {
		return nil, &Error{Code: CodeInvalidRequest, Message: "messages must not be empty"}
	}

	decision, err := g.limiter.Check(ctx, req.TenantID, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("rate-limit check: %w", err)
	}
	if !decision.Allowed {
		return nil, denialError(decision)
	}

	selection, err := g.router.Select(ctx, req.TenantID, router.Options{
		Model:          req.Model,
		PreferProvider: req.PreferProvider,
	})
	if err != nil {
		var selErr *router.SelectionError
		if errors.As(err, &selErr) {
			return nil, &Error{
				Code:    CodeProviderUnavailable,
				Message: "no provider can take this request",
				Reasons: selErr.Reasons,
			}
		}
		return nil, fmt.Errorf("provider selection: %w", err)
	}
	provider := selection.Provider

	var credential *models.Credential
	if provider.Type == models.ProviderVendorAPI {
		credential, err = g.creds.SelectBest(ctx, req.TenantID, credentials.SelectOptions{
			Provider:         provider.Name,
			IncludeEmergency: true,
		})
		if err != nil {
			if errors.Is(err, credentials.ErrNoCredentials) {
				return nil, &Error{Code: CodeNoCredentials, Message: "no active credential for provider " + provider.Name}
			}
			return nil, fmt.Errorf("credential selection: %w", err)
		}
	}

	g.limiter.AcquireProvider(provider.ID)
	defer g.limiter.ReleaseProvider(provider.ID)

	if err := g.limiter.IncrementProvider(ctx, provider.ID); err != nil {
		g.logger.WithError(err).WithField("provider_id", provider.ID).
			Warn("Failed to increment provider window")
	}

	model := req.Model
	if model == "" {
		model = provider.Model
	}
	llmReq := llm.Request{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	inputEstimate := llm.EstimateMessageTokens(req.Messages)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := g.now()
	resp, dispatchErr := g.dispatcher.Dispatch(dispatchCtx, provider, credential, llmReq)
	latency := g.now().Sub(started).Milliseconds()

	if dispatchErr != nil {
		return nil, g.handleFailure(ctx, req, provider, credential, inputEstimate, latency, dispatchErr)
	}

	inputTokens := resp.Usage.InputTokens
	if inputTokens == 0 {
		inputTokens = inputEstimate
	}
	outputTokens := resp.Usage.OutputTokens
	if outputTokens == 0 {
		outputTokens = llm.EstimateTokens(resp.Content)
	}
	totalTokens := inputTokens + outputTokens

	// Breaker before usage write, so the next caller observes the state.
	g.circuit.RecordSuccess(ctx, provider.ID)
	if credential != nil {
		g.creds.UpdateUsage(ctx, credential.ID, int64(totalTokens), true, "")
	}

	record, err := g.tracker.WriteUsage(ctx, usage.WriteRequest{
		TenantID:     req.TenantID,
		AgentID:      req.AgentID,
		ProviderID:   provider.ID,
		Model:        model,
		RequestType:  "completion",
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		LatencyMs:    latency,
		Success:      true,
		Channel:      req.Channel,
		GroupID:      req.GroupID,
		SessionID:    req.SessionID,
	})
	if err != nil {
		g.logger.WithError(err).WithField("tenant_id", req.TenantID).
			Error("Failed to write usage record")
	}

	if err := g.limiter.RecordUsage(ctx, req.TenantID, req.AgentID, totalTokens); err != nil {
		g.logger.WithError(err).WithField("tenant_id", req.TenantID).
			Warn("Failed to record window usage")
	}

	cost := decimal.Zero
	if record != nil {
		cost = record.Cost
	}
	responseID := resp.ID
	if responseID == "" && record != nil {
		responseID = record.ID
	}

	return &CompleteResponse{
		ID:       responseID,
		Model:    resp.Model,
		Provider: provider.Name,
		Content:  resp.Content,
		Usage: CompleteUsage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			TotalTokens:  totalTokens,
			Cost:         cost,
		},
		LatencyMs:        latency,
		SkippedProviders: selection.Skipped,
	}, nil
}

// handleFailure accounts for a failed or cancelled dispatch. Accounting uses
// a fresh context so a caller cancellation cannot skip it.
func (g *Gateway) handleFailure(ctx context.Context, req CompleteRequest, provider *models.Provider, credential *models.Credential, inputEstimate int, latency int64, dispatchErr error) error {
	errMsg := dispatchErr.Error()
	if ctx.Err() != nil || errors.Is(dispatchErr, context.Canceled) || errors.Is(dispatchErr, context.DeadlineExceeded) {
		errMsg = "cancelled"
	}

	accountCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g.circuit.RecordFailure(accountCtx, provider.ID, dispatchErr)
	if credential != nil {
		g.creds.UpdateUsage(accountCtx, credential.ID, int64(inputEstimate), false, dispatchErr.Error())
	}

	if _, err := g.tracker.WriteUsage(accountCtx, usage.WriteRequest{
		TenantID:     req.TenantID,
		AgentID:      req.AgentID,
		ProviderID:   provider.ID,
		Model:        provider.Model,
		RequestType:  "completion",
		InputTokens:  inputEstimate,
		OutputTokens: 0,
		LatencyMs:    latency,
		Success:      false,
		ErrorMessage: errMsg,
		Channel:      req.Channel,
		GroupID:      req.GroupID,
		SessionID:    req.SessionID,
	}); err != nil {
		g.logger.WithError(err).WithField("tenant_id", req.TenantID).
			Error("Failed to write failed usage record")
	}
	if err := g.limiter.RecordUsage(accountCtx, req.TenantID, req.AgentID, inputEstimate); err != nil {
		g.logger.WithError(err).WithField("tenant_id", req.TenantID).
			Warn("Failed to record window usage")
	}

	g.logger.WithError(dispatchErr).WithFields(logging.Fields{
		"tenant_id":   req.TenantID,
		"provider_id": provider.ID,
	}).Warn("Dispatch failed")

	return &Error{
		Code:    CodeUpstreamError,
		Message: fmt.Sprintf("provider %s: %s", provider.Name, errMsg),
	}
}

func denialError(decision *ratelimit.Decision) *Error {
	switch decision.Reason {
	case ratelimit.ReasonTenantNotFound:
		return &Error{Code: CodeInvalidRequest, Message: "tenant not found"}
	case ratelimit.ReasonSuspended:
		return &Error{
			Code:              CodeTenantSuspended,
			Message:           "tenant is suspended",
			RetryAfterSeconds: decision.RetryAfterSeconds,
		}
	default:
		return &Error{
			Code:              CodeRateLimitExceeded,
			Message:           "rate limit exceeded: " + decision.Reason,
			RetryAfterSeconds: decision.RetryAfterSeconds,
		}
	}
}
