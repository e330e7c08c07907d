package proxy

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/relaygate/llm-gateway/internal/apierr"
	"github.com/relaygate/llm-gateway/internal/auth"
	"github.com/relaygate/llm-gateway/internal/ledger"
	"github.com/relaygate/llm-gateway/internal/policy"
	"github.com/relaygate/llm-gateway/internal/route"
	"github.com/relaygate/llm-gateway/internal/trace"
)

// Handler is the HTTP surface over the dispatcher and the read-side
// stores.
type Handler struct {
	dispatcher *Dispatcher
	routes     *route.Table
	policies   *policy.Store
	ledger     *ledger.Ledger
	traces     *trace.Store
}

func NewHandler(d *Dispatcher, routes *route.Table, policies *policy.Store, l *ledger.Ledger, traces *trace.Store) *Handler {
	return &Handler{
		dispatcher: d,
		routes:     routes,
		policies:   policies,
		ledger:     l,
		traces:     traces,
	}
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "llm-gateway",
		"time":    time.Now().UTC(),
	})
}

// chatMessage mirrors the OpenAI response message shape.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

// HandleChatCompletions serves both buffered and streaming chat
// completions; the stream flag in the body selects the mode. An
// authenticated tenant from the API key always wins over the tenant
// field in the body.
func (h *Handler) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteJSON(w, apierr.Validation("invalid_body", "malformed request body: "+err.Error()))
		return
	}
	if tenant := auth.GetTenantID(r.Context()); tenant != "" {
		req.Tenant = tenant
	}

	if req.Stream {
		if aerr := h.dispatcher.CompleteStream(r.Context(), w, &req); aerr != nil {
			apierr.WriteJSON(w, aerr)
		}
		return
	}

	res, aerr := h.dispatcher.Complete(r.Context(), &req)
	if aerr != nil {
		apierr.WriteJSON(w, aerr)
		return
	}

	w.Header().Set("X-Trace-Id", res.TraceID)
	writeJSON(w, http.StatusOK, chatResponse{
		ID:      res.Response.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   res.Response.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: res.Response.Content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     res.Response.Usage.PromptTokens,
			CompletionTokens: res.Response.Usage.CompletionTokens,
			TotalTokens:      res.Response.Usage.PromptTokens + res.Response.Usage.CompletionTokens,
		},
	})
}

type tenantView struct {
	ID        string  `json:"id"`
	BudgetUsd float64 `json:"budget_usd"`
	SpendUsd  float64 `json:"spend_usd"`
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
}

func (h *Handler) HandleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants := h.ledger.List()
	out := make([]tenantView, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, tenantView{
			ID:        t.ID,
			BudgetUsd: t.BudgetUsd,
			SpendUsd:  t.SpendUsd,
			TokensIn:  t.TokensIn,
			TokensOut: t.TokensOut,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": out})
}

type recordView struct {
	Timestamp        time.Time `json:"ts"`
	TraceID          string    `json:"trace"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUsd          float64   `json:"cost_usd"`
	Status           string    `json:"status"`
}

func (h *Handler) HandleTenantRecords(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, ok := h.ledger.Records(id)
	if !ok {
		apierr.WriteJSON(w, apierr.NotFound("unknown_tenant", "no such tenant: "+id))
		return
	}
	out := make([]recordView, 0, len(records))
	for _, rec := range records {
		out = append(out, recordView{
			Timestamp:        rec.Timestamp,
			TraceID:          rec.TraceID,
			Model:            rec.Model,
			PromptTokens:     rec.PromptTokens,
			CompletionTokens: rec.CompletionTokens,
			CostUsd:          rec.CostUsd,
			Status:           string(rec.Status),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant": id, "records": out})
}

func (h *Handler) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			apierr.WriteJSON(w, apierr.Validation("invalid_limit", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": h.traces.Recent(limit)})
}

type spanView struct {
	Name       string            `json:"name"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time"`
	DurationMs int64             `json:"duration_ms"`
	Attrs      map[string]string `json:"attrs,omitempty"`
	Status     string            `json:"status"`
}

func (h *Handler) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tr, ok := h.traces.Get(id)
	if !ok {
		apierr.WriteJSON(w, apierr.NotFound("unknown_trace", "no such trace: "+id))
		return
	}

	spans := tr.Spans()
	out := make([]spanView, 0, len(spans))
	for _, s := range spans {
		out = append(out, spanView{
			Name:       s.Name,
			StartTime:  s.StartTime,
			EndTime:    s.EndTime,
			DurationMs: s.EndTime.Sub(s.StartTime).Milliseconds(),
			Attrs:      s.Attrs,
			Status:     s.Status,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trace_id":  tr.ID,
		"timestamp": tr.Timestamp,
		"tenant":    tr.Tenant,
		"model":     tr.Model,
		"spans":     out,
	})
}

type routeView struct {
	Model           string   `json:"model"`
	Provider        string   `json:"provider"`
	UpstreamModels  []string `json:"upstream_models,omitempty"`
	CostPer1kInput  float64  `json:"cost_per_1k_input"`
	CostPer1kOutput float64  `json:"cost_per_1k_output"`
}

type policyView struct {
	TenantID        string   `json:"tenant_id"`
	AllowModels     []string `json:"allow_models,omitempty"`
	MaxRequestUsd   float64  `json:"max_request_usd,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
	BudgetUsd       float64  `json:"budget_usd,omitempty"`
}

// HandleConfig exposes the effective routing and policy configuration.
// API keys are never included.
func (h *Handler) HandleConfig(w http.ResponseWriter, r *http.Request) {
	routes := h.routes.Routes()
	rv := make([]routeView, 0, len(routes))
	for _, rt := range routes {
		rv = append(rv, routeView{
			Model:           rt.Model,
			Provider:        string(rt.Provider),
			UpstreamModels:  rt.Models,
			CostPer1kInput:  rt.CostPer1kInput,
			CostPer1kOutput: rt.CostPer1kOutput,
		})
	}

	policies := h.policies.Policies()
	pv := make([]policyView, 0, len(policies))
	for _, p := range policies {
		pv = append(pv, policyView{
			TenantID:        p.TenantID,
			AllowModels:     p.AllowModels,
			MaxRequestUsd:   p.MaxRequestUsd,
			MaxOutputTokens: p.MaxOutputTokens,
			BudgetUsd:       p.BudgetUsd,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"routes":         rv,
		"tenants":        pv,
		"default_tenant": h.policies.DefaultTenant(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
