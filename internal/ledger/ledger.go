// Package ledger owns all mutable per-tenant accounting state. It is
// the single writer of spend and token counters; reconciliation is
// serialized per tenant behind a per-entry lock so concurrent
// completions for the same tenant cannot lose updates.
package ledger

import (
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Record is one finished (or failed) request as the tenant history
// sees it.
type Record struct {
	Timestamp        time.Time
	TraceID          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUsd          float64
	Status           Status
}

// Tenant is a snapshot of one tenant's accumulated accounting state.
type Tenant struct {
	ID        string
	BudgetUsd float64
	SpendUsd  float64
	TokensIn  int64
	TokensOut int64
}

const DefaultRingSize = 50

type entry struct {
	mu      sync.Mutex
	tenant  Tenant
	ring    []Record
	next    int // write position
	wrapped bool
}

type Ledger struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	ringSize int
}

func New(ringSize int) *Ledger {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &Ledger{
		entries:  make(map[string]*entry),
		ringSize: ringSize,
	}
}

// Register seeds a tenant entry at startup. Re-registering an existing
// tenant only updates the budget, never the accumulated spend.
func (l *Ledger) Register(id string, budgetUsd float64) {
	e := l.get(id)
	e.mu.Lock()
	e.tenant.BudgetUsd = budgetUsd
	e.mu.Unlock()
}

func (l *Ledger) get(id string) *entry {
	l.mu.RLock()
	e, ok := l.entries[id]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[id]; ok {
		return e
	}
	e = &entry{
		tenant: Tenant{ID: id},
		ring:   make([]Record, l.ringSize),
	}
	l.entries[id] = e
	return e
}

// Reconcile applies one finished request to a tenant: spend and token
// counters are incremented and the record is pushed onto the ring
// buffer, evicting the oldest when full. The whole update is
// indivisible with respect to concurrent callers for the same tenant.
func (l *Ledger) Reconcile(tenantID string, costUsd float64, promptTokens, completionTokens int, rec Record) (prevSpend, newSpend float64) {
	e := l.get(tenantID)

	e.mu.Lock()
	defer e.mu.Unlock()

	prevSpend = e.tenant.SpendUsd
	e.tenant.SpendUsd += costUsd
	e.tenant.TokensIn += int64(promptTokens)
	e.tenant.TokensOut += int64(completionTokens)

	e.ring[e.next] = rec
	e.next++
	if e.next == len(e.ring) {
		e.next = 0
		e.wrapped = true
	}

	return prevSpend, e.tenant.SpendUsd
}

// Tenant returns a consistent snapshot of one tenant.
func (l *Ledger) Tenant(id string) (Tenant, bool) {
	l.mu.RLock()
	e, ok := l.entries[id]
	l.mu.RUnlock()
	if !ok {
		return Tenant{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tenant, true
}

// Records returns the tenant's request history, oldest first.
func (l *Ledger) Records(id string) ([]Record, bool) {
	l.mu.RLock()
	e, ok := l.entries[id]
	l.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.wrapped {
		out := make([]Record, e.next)
		copy(out, e.ring[:e.next])
		return out, true
	}
	out := make([]Record, 0, len(e.ring))
	out = append(out, e.ring[e.next:]...)
	out = append(out, e.ring[:e.next]...)
	return out, true
}

// List returns snapshots of all tenants sorted by id.
func (l *Ledger) List() []Tenant {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]Tenant, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.tenant)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
