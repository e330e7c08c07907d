// Package proxy contains the gateway core: admission control,
// dispatch, the SSE relay and the HTTP surface.
package proxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/relaygate/llm-gateway/internal/apierr"
	"github.com/relaygate/llm-gateway/internal/audit"
	"github.com/relaygate/llm-gateway/internal/ledger"
	"github.com/relaygate/llm-gateway/internal/policy"
	"github.com/relaygate/llm-gateway/internal/provider"
	"github.com/relaygate/llm-gateway/internal/route"
	"github.com/relaygate/llm-gateway/internal/telemetry"
	"github.com/relaygate/llm-gateway/internal/tokens"
	"github.com/relaygate/llm-gateway/internal/trace"
	"github.com/relaygate/llm-gateway/pkg/ratelimit"
)

// ChatRequest is the inbound chat-completion body.
type ChatRequest struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
	Tenant      string             `json:"tenant,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

// Deps wires the dispatcher. Audit and Limiter are optional; nil
// disables them.
type Deps struct {
	Routes   *route.Table
	Policies *policy.Store
	Ledger   *ledger.Ledger
	Adapters map[string]provider.Adapter // keyed by route model
	Traces   *trace.Store
	Tracer   oteltrace.Tracer
	Metrics  *telemetry.Metrics
	Audit    *audit.Recorder
	Limiter  *ratelimit.Limiter
}

// Dispatcher validates, routes, meters and relays every request.
type Dispatcher struct {
	routes   *route.Table
	policies *policy.Store
	ledger   *ledger.Ledger
	adapters map[string]provider.Adapter
	breakers map[string]*gobreaker.CircuitBreaker
	traces   *trace.Store
	tracer   oteltrace.Tracer
	metrics  *telemetry.Metrics
	audit    *audit.Recorder
	limiter  *ratelimit.Limiter
}

func NewDispatcher(d Deps) *Dispatcher {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(d.Adapters))
	for model := range d.Adapters {
		settings := gobreaker.Settings{
			Name:        model,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[model] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Dispatcher{
		routes:   d.Routes,
		policies: d.Policies,
		ledger:   d.Ledger,
		adapters: d.Adapters,
		breakers: breakers,
		traces:   d.Traces,
		tracer:   d.Tracer,
		metrics:  d.Metrics,
		audit:    d.Audit,
		limiter:  d.Limiter,
	}
}

// admission carries everything resolved during pre-flight.
type admission struct {
	match          route.Match
	pol            *policy.TenantPolicy
	maxTokens      int
	promptEstimate int
	estimatedCost  float64
}

// admit runs the pre-flight pipeline. Rejections here never reach the
// upstream and never mutate the ledger. The budget check is
// optimistic: it reads current spend without reserving, so concurrent
// requests may transiently overshoot the budget by at most the sum of
// their estimates.
func (d *Dispatcher) admit(ctx context.Context, req *ChatRequest) (*admission, *apierr.Error) {
	if len(req.Messages) == 0 {
		return nil, apierr.Validation("empty_messages", "messages must be non-empty")
	}

	match, ok := d.routes.Resolve(req.Model)
	if !ok {
		return nil, apierr.Validation("unknown_model", "no route for model: "+req.Model)
	}

	pol, aerr := d.policies.Resolve(req.Tenant)
	if aerr != nil {
		return nil, aerr
	}

	if !pol.Allows(match.Route.Model) && !pol.Allows(req.Model) {
		return nil, apierr.Policy("model_not_allowed", "model not allowed for tenant: "+req.Model)
	}

	maxTokens := pol.EffectiveMaxTokens(req.MaxTokens)
	promptEstimate := tokens.CountMessages(req.Messages)
	estimated := match.Route.Cost(promptEstimate, maxTokens)

	if pol.MaxRequestUsd > 0 && estimated > pol.MaxRequestUsd {
		return nil, apierr.Policy("budget_exceeded", "estimated request cost exceeds per-request limit")
	}
	if pol.BudgetUsd > 0 {
		tenant, _ := d.ledger.Tenant(pol.TenantID)
		if tenant.SpendUsd+estimated > pol.BudgetUsd {
			return nil, apierr.Policy("budget_exceeded", "tenant budget exhausted")
		}
	}

	allowed, err := d.limiter.Allow(ctx, pol.TenantID, promptEstimate+maxTokens)
	if err != nil || !allowed {
		return nil, apierr.RateLimited("token rate limit exceeded")
	}

	return &admission{
		match:          match,
		pol:            pol,
		maxTokens:      maxTokens,
		promptEstimate: promptEstimate,
		estimatedCost:  estimated,
	}, nil
}

// reject records a rejected request: a finalized trace, a metric, no
// ledger mutation.
func (d *Dispatcher) reject(req *ChatRequest, aerr *apierr.Error) *apierr.Error {
	tr := d.traces.Begin(req.Tenant, req.Model)
	span := tr.StartSpan("gateway.dispatch")
	span.SetAttr("code", aerr.Code)
	span.Fail(aerr.Code)
	tr.Finalize()

	if aerr.Kind == apierr.KindPolicy {
		d.metrics.PolicyViolations.WithLabelValues(aerr.Code).Inc()
	}
	d.metrics.RequestsTotal.WithLabelValues(req.Tenant, req.Model, "rejected").Inc()
	return aerr
}

// Result is a finished buffered dispatch.
type Result struct {
	TraceID  string
	Response *provider.Response
	CostUsd  float64
}

func (d *Dispatcher) Complete(ctx context.Context, req *ChatRequest) (*Result, *apierr.Error) {
	start := time.Now()

	adm, aerr := d.admit(ctx, req)
	if aerr != nil {
		return nil, d.reject(req, aerr)
	}
	tenantID := adm.pol.TenantID

	tr := d.traces.Begin(tenantID, req.Model)
	ctx, outer := d.tracer.Start(ctx, "gateway.dispatch",
		oteltrace.WithAttributes(
			attribute.String("tenant", tenantID),
			attribute.String("model", req.Model),
			attribute.String("gateway.trace_id", tr.ID),
		))
	defer outer.End()
	outerRec := tr.StartSpan("gateway.dispatch")
	outerRec.SetAttr("tenant", tenantID)
	outerRec.SetAttr("model", req.Model)

	adapter, ok := d.adapters[adm.match.Route.Model]
	if !ok {
		outerRec.Fail("route_misconfigured")
		tr.Finalize()
		return nil, apierr.From(errors.New("no adapter for route: " + adm.match.Route.Model))
	}

	provReq := &provider.Request{
		Model:       adm.match.UpstreamModel,
		Messages:    req.Messages,
		MaxTokens:   adm.maxTokens,
		Temperature: req.Temperature,
	}

	spanName := "genai.provider." + adapter.Name()
	callCtx, callSpan := d.tracer.Start(ctx, spanName)
	callRec := tr.StartSpan(spanName)
	callRec.SetAttr("model", adm.match.UpstreamModel)
	callRec.SetAttr("tenant", tenantID)

	cb := d.breakers[adm.match.Route.Model]
	raw, err := cb.Execute(func() (interface{}, error) {
		return adapter.Complete(callCtx, provReq)
	})
	latency := time.Since(start)

	if err != nil {
		uerr := mapDispatchError(ctx, err, adapter.Name())
		callRec.Fail(uerr.Code)
		callSpan.SetStatus(codes.Error, uerr.Code)
		callSpan.End()

		status := ledger.StatusFailed
		if ctx.Err() != nil {
			status = ledger.StatusCancelled
		}
		d.settle(tr, outerRec, tenantID, req.Model, adapter.Name(), provider.Usage{}, 0, status, latency)
		d.metrics.ProviderErrors.WithLabelValues(adapter.Name(), uerr.Code).Inc()
		return nil, uerr
	}
	resp := raw.(*provider.Response)

	callRec.SetAttr("promptTokens", strconv.Itoa(resp.Usage.PromptTokens))
	callRec.SetAttr("completionTokens", strconv.Itoa(resp.Usage.CompletionTokens))
	callRec.End()
	callSpan.SetAttributes(
		attribute.Int("promptTokens", resp.Usage.PromptTokens),
		attribute.Int("completionTokens", resp.Usage.CompletionTokens),
	)
	callSpan.End()

	// Actual cost from returned usage, never the estimate.
	cost := adm.match.Route.Cost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	d.settle(tr, outerRec, tenantID, req.Model, adapter.Name(), resp.Usage, cost, ledger.StatusCompleted, latency)
	d.metrics.RequestDuration.WithLabelValues(req.Model).Observe(latency.Seconds())

	return &Result{TraceID: tr.ID, Response: resp, CostUsd: cost}, nil
}

// CompleteStream dispatches a streaming request and relays it onto w.
// A non-nil return means nothing was written yet and the caller should
// render the JSON error envelope; once headers are out, failures only
// terminate the stream.
func (d *Dispatcher) CompleteStream(ctx context.Context, w http.ResponseWriter, req *ChatRequest) *apierr.Error {
	start := time.Now()

	adm, aerr := d.admit(ctx, req)
	if aerr != nil {
		return d.reject(req, aerr)
	}
	tenantID := adm.pol.TenantID

	tr := d.traces.Begin(tenantID, req.Model)
	ctx, outer := d.tracer.Start(ctx, "gateway.dispatch",
		oteltrace.WithAttributes(
			attribute.String("tenant", tenantID),
			attribute.String("model", req.Model),
			attribute.String("gateway.trace_id", tr.ID),
			attribute.Bool("stream", true),
		))
	defer outer.End()
	outerRec := tr.StartSpan("gateway.dispatch")
	outerRec.SetAttr("tenant", tenantID)
	outerRec.SetAttr("model", req.Model)
	outerRec.SetAttr("stream", "true")

	adapter, ok := d.adapters[adm.match.Route.Model]
	if !ok {
		outerRec.Fail("route_misconfigured")
		tr.Finalize()
		return apierr.From(errors.New("no adapter for route: " + adm.match.Route.Model))
	}

	cb := d.breakers[adm.match.Route.Model]
	if cb.State() == gobreaker.StateOpen {
		uerr := providerUnavailable(adapter.Name())
		outerRec.Fail(uerr.Code)
		tr.Finalize()
		d.metrics.RequestsTotal.WithLabelValues(tenantID, req.Model, "rejected").Inc()
		return uerr
	}

	provReq := &provider.Request{
		Model:       adm.match.UpstreamModel,
		Messages:    req.Messages,
		MaxTokens:   adm.maxTokens,
		Temperature: req.Temperature,
	}

	spanName := "genai.provider." + adapter.Name()
	callCtx, callSpan := d.tracer.Start(ctx, spanName)
	callRec := tr.StartSpan(spanName)
	callRec.SetAttr("model", adm.match.UpstreamModel)
	callRec.SetAttr("tenant", tenantID)

	ch, err := adapter.CompleteStream(callCtx, provReq)
	if err != nil {
		d.recordBreakerFailure(cb, err)
		uerr := mapDispatchError(ctx, err, adapter.Name())
		callRec.Fail(uerr.Code)
		callSpan.SetStatus(codes.Error, uerr.Code)
		callSpan.End()
		d.settle(tr, outerRec, tenantID, req.Model, adapter.Name(), provider.Usage{}, 0, ledger.StatusFailed, time.Since(start))
		d.metrics.ProviderErrors.WithLabelValues(adapter.Name(), uerr.Code).Inc()
		return uerr
	}

	d.metrics.StreamsActive.Inc()
	out := relayStream(ctx, w, ch)
	d.metrics.StreamsActive.Dec()
	latency := time.Since(start)

	if out.state == stateDone {
		usage := out.usage
		if !out.usageObserved {
			// Explicit fallback, not silently dropped accounting: the
			// upstream never reported usage, so substitute the
			// pre-flight prompt estimate and a count of the forwarded
			// content.
			usage = provider.Usage{
				PromptTokens:     adm.promptEstimate,
				CompletionTokens: tokens.Count(out.content),
			}
			outerRec.SetAttr("usage_estimated", "true")
			log.Warn().
				Str("trace", tr.ID).
				Str("tenant", tenantID).
				Msg("stream ended without usage, substituting estimate")
		}
		callRec.SetAttr("promptTokens", strconv.Itoa(usage.PromptTokens))
		callRec.SetAttr("completionTokens", strconv.Itoa(usage.CompletionTokens))
		callRec.End()
		callSpan.SetAttributes(
			attribute.Int("promptTokens", usage.PromptTokens),
			attribute.Int("completionTokens", usage.CompletionTokens),
		)
		callSpan.End()

		cost := adm.match.Route.Cost(usage.PromptTokens, usage.CompletionTokens)
		d.settle(tr, outerRec, tenantID, req.Model, adapter.Name(), usage, cost, ledger.StatusCompleted, latency)
		d.metrics.RequestDuration.WithLabelValues(req.Model).Observe(latency.Seconds())
		d.recordBreakerSuccess(cb)
		return nil
	}

	// Terminal ERROR: stop forwarding, record with partial usage at
	// zero cost.
	uerr := mapDispatchError(ctx, out.err, adapter.Name())
	status := ledger.StatusFailed
	if out.cancelled {
		status = ledger.StatusCancelled
	}
	callRec.Fail(uerr.Code)
	callSpan.SetStatus(codes.Error, uerr.Code)
	callSpan.End()
	d.settle(tr, outerRec, tenantID, req.Model, adapter.Name(), out.usage, 0, status, latency)
	d.metrics.ProviderErrors.WithLabelValues(adapter.Name(), uerr.Code).Inc()
	d.recordBreakerFailure(cb, out.err)

	if out.headersSent {
		// Headers are gone; terminating the stream is the only signal
		// left for the client.
		return nil
	}
	return uerr
}

// settle reconciles one finished request into the ledger and closes
// out trace, metrics and audit.
func (d *Dispatcher) settle(tr *trace.Trace, outerRec *trace.Span, tenantID, model, providerName string, usage provider.Usage, cost float64, status ledger.Status, latency time.Duration) {
	rec := ledger.Record{
		Timestamp:        time.Now(),
		TraceID:          tr.ID,
		Model:            model,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUsd:          cost,
		Status:           status,
	}
	prev, next := d.ledger.Reconcile(tenantID, cost, usage.PromptTokens, usage.CompletionTokens, rec)

	if status == ledger.StatusCompleted {
		outerRec.End()
	} else {
		outerRec.Fail(string(status))
	}
	tr.Finalize()

	d.metrics.RequestsTotal.WithLabelValues(tenantID, model, string(status)).Inc()
	d.metrics.TokensInput.WithLabelValues(tenantID, model).Add(float64(usage.PromptTokens))
	d.metrics.TokensOutput.WithLabelValues(tenantID, model).Add(float64(usage.CompletionTokens))
	d.metrics.CostUSD.WithLabelValues(tenantID, model).Add(cost)

	d.audit.Enqueue(&audit.Event{
		Time:             rec.Timestamp,
		TraceID:          tr.ID,
		Tenant:           tenantID,
		Model:            model,
		Provider:         providerName,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          cost,
		Status:           string(status),
		LatencyMs:        latency.Milliseconds(),
	})

	log.Debug().
		Str("trace", tr.ID).
		Str("tenant", tenantID).
		Str("model", model).
		Str("status", string(status)).
		Float64("cost_usd", cost).
		Float64("spend_before", prev).
		Float64("spend_after", next).
		Msg("request settled")
}

func providerUnavailable(name string) *apierr.Error {
	return &apierr.Error{
		Kind:      apierr.KindUpstream,
		Code:      "provider_unavailable",
		Message:   "provider temporarily unavailable",
		Status:    http.StatusServiceUnavailable,
		Provider:  name,
		Retryable: true,
	}
}

// mapDispatchError folds circuit-breaker and cancellation errors into
// the gateway taxonomy.
func mapDispatchError(ctx context.Context, err error, providerName string) *apierr.Error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return providerUnavailable(providerName)
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		return &apierr.Error{
			Kind:     apierr.KindUpstream,
			Code:     "request_cancelled",
			Message:  "request cancelled by client",
			Status:   499, // client closed request
			Provider: providerName,
		}
	default:
		return apierr.From(err)
	}
}

func (d *Dispatcher) recordBreakerSuccess(cb *gobreaker.CircuitBreaker) {
	_, _ = cb.Execute(func() (interface{}, error) { return nil, nil })
}

func (d *Dispatcher) recordBreakerFailure(cb *gobreaker.CircuitBreaker, err error) {
	_, _ = cb.Execute(func() (interface{}, error) { return nil, err })
}
