// Package audit persists accounting events outside the in-process
// ledger. Events flow through a bounded async queue so auditing never
// backpressures dispatch; overflow drops with a warning.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event is one accounting record, written once per finished request.
type Event struct {
	Time             time.Time
	TraceID          string
	Tenant           string
	Model            string
	Provider         string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Status           string
	LatencyMs        int64
}

type Store interface {
	Record(ctx context.Context, ev *Event) error
	Close() error
}

const defaultQueueSize = 256

// Recorder drains events into a Store from a single worker goroutine.
type Recorder struct {
	store Store
	ch    chan *Event
	wg    sync.WaitGroup
}

func NewRecorder(store Store, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Recorder{
		store: store,
		ch:    make(chan *Event, queueSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for ev := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.Record(ctx, ev); err != nil {
			log.Warn().Err(err).Str("trace", ev.TraceID).Msg("audit write failed")
		}
		cancel()
	}
}

// Enqueue hands an event to the worker without blocking. A nil
// Recorder discards events.
func (r *Recorder) Enqueue(ev *Event) {
	if r == nil {
		return
	}
	select {
	case r.ch <- ev:
	default:
		log.Warn().Str("trace", ev.TraceID).Msg("audit queue full, dropping event")
	}
}

// Close drains the queue and closes the underlying store.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	close(r.ch)
	r.wg.Wait()
	return r.store.Close()
}
