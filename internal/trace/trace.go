// Package trace records one queryable trace per inbound request. Traces
// are append-only while the request runs and immutable once finalized.
// OTel spans are emitted separately by the dispatcher; this store is
// what the introspection API serves.
package trace

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

type Span struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Attrs     map[string]string
	Status    string
}

type Trace struct {
	ID        string
	Timestamp time.Time
	Tenant    string
	Model     string

	mu        sync.Mutex
	spans     []*Span
	finalized bool
}

// NewID returns a fresh 128-bit trace id rendered as 32 lowercase hex
// characters.
func NewID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// StartSpan appends a running span. Returns nil after finalization;
// Span methods tolerate a nil receiver so callers need no guards.
func (t *Trace) StartSpan(name string) *Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalized {
		return nil
	}
	s := &Span{
		Name:      name,
		StartTime: time.Now(),
		Attrs:     make(map[string]string),
		Status:    StatusOK,
	}
	t.spans = append(t.spans, s)
	return s
}

func (s *Span) SetAttr(key, value string) {
	if s == nil {
		return
	}
	s.Attrs[key] = value
}

func (s *Span) End() {
	s.finish(StatusOK, "")
}

// Fail closes the span with ERROR status and the failure reason.
func (s *Span) Fail(reason string) {
	s.finish(StatusError, reason)
}

func (s *Span) finish(status, reason string) {
	if s == nil {
		return
	}
	s.EndTime = time.Now()
	s.Status = status
	if reason != "" {
		s.Attrs["error"] = reason
	}
}

// Finalize seals the trace; later StartSpan calls are ignored.
func (t *Trace) Finalize() {
	t.mu.Lock()
	t.finalized = true
	t.mu.Unlock()
}

// Spans returns a snapshot copy of the recorded spans in order.
func (t *Trace) Spans() []Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Span, 0, len(t.spans))
	for _, s := range t.spans {
		cp := *s
		cp.Attrs = make(map[string]string, len(s.Attrs))
		for k, v := range s.Attrs {
			cp.Attrs[k] = v
		}
		out = append(out, cp)
	}
	return out
}

type Summary struct {
	TraceID   string    `json:"trace_id"`
	Timestamp time.Time `json:"timestamp"`
	Tenant    string    `json:"tenant"`
	Model     string    `json:"model"`
}

const DefaultStoreSize = 512

// Store keeps a bounded FIFO of recent traces keyed by id.
type Store struct {
	mu     sync.RWMutex
	traces map[string]*Trace
	order  []string
	limit  int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultStoreSize
	}
	return &Store{
		traces: make(map[string]*Trace, limit),
		order:  make([]string, 0, limit),
		limit:  limit,
	}
}

// Begin creates and registers the trace for one inbound request,
// evicting the oldest stored trace at capacity.
func (s *Store) Begin(tenant, model string) *Trace {
	t := &Trace{
		ID:        NewID(),
		Timestamp: time.Now(),
		Tenant:    tenant,
		Model:     model,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == s.limit {
		delete(s.traces, s.order[0])
		s.order = s.order[1:]
	}
	s.traces[t.ID] = t
	s.order = append(s.order, t.ID)
	return t
}

func (s *Store) Get(id string) (*Trace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[id]
	return t, ok
}

// Recent lists trace summaries newest first, up to limit.
func (s *Store) Recent(limit int) []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]Summary, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		t := s.traces[s.order[i]]
		out = append(out, Summary{
			TraceID:   t.ID,
			Timestamp: t.Timestamp,
			Tenant:    t.Tenant,
			Model:     t.Model,
		})
	}
	return out
}
