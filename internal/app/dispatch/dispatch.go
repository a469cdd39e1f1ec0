// Package dispatch fans session events out to subscribers without ever
// blocking the transition paths that emit them. Events are queued into a
// bounded buffer and delivered by a small worker pool; when the buffer is
// full the event is dropped and counted rather than stalling a guarded
// write inside the engine.
package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dalali-network/dalali/internal/domain"
)

// Handler consumes delivered session events. Handlers run on dispatcher
// workers; a slow handler delays later events but never the emitters.
type Handler interface {
	Handle(ctx context.Context, ev domain.SessionEvent)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev domain.SessionEvent)

func (f HandlerFunc) Handle(ctx context.Context, ev domain.SessionEvent) { f(ctx, ev) }

// Config controls dispatcher behavior.
type Config struct {
	Buffer  int // queued events before drops start (default: 256)
	Workers int // concurrent delivery goroutines (default: 2)
}

// DefaultConfig returns safe dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Buffer:  256,
		Workers: 2,
	}
}

// Dispatcher is a non-blocking domain.EventSink with subscriber fan-out.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler

	queue   chan domain.SessionEvent
	workers int
	logger  *slog.Logger
	wg      sync.WaitGroup

	statsMu   sync.Mutex
	delivered int64
	dropped   int64
}

// New creates a dispatcher. Call Start before emitting.
func New(cfg Config) *Dispatcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultConfig().Buffer
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Dispatcher{
		queue:   make(chan domain.SessionEvent, cfg.Buffer),
		workers: cfg.Workers,
		logger:  slog.With("component", "dispatch"),
	}
}

// Subscribe registers a handler for every future event.
func (d *Dispatcher) Subscribe(h Handler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Emit enqueues the event, dropping it when the buffer is full.
func (d *Dispatcher) Emit(_ context.Context, ev domain.SessionEvent) {
	select {
	case d.queue <- ev:
	default:
		d.statsMu.Lock()
		d.dropped++
		d.statsMu.Unlock()
		d.logger.Warn("event dropped, buffer full",
			"kind", ev.Kind, "session_id", ev.SessionID)
	}
}

// Start launches the worker pool. Workers drain the queue until ctx is
// cancelled, then finish whatever is already buffered.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Drain what is buffered, then exit.
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ctx, ev)
				default:
					return
				}
			}
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) deliver(ctx context.Context, ev domain.SessionEvent) {
	d.mu.RLock()
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	for _, h := range handlers {
		h.Handle(ctx, ev)
	}

	d.statsMu.Lock()
	d.delivered++
	d.statsMu.Unlock()
}

// Stats reports dispatcher throughput counters.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Queued    int   `json:"queued"`
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return Stats{
		Delivered: d.delivered,
		Dropped:   d.dropped,
		Queued:    len(d.queue),
	}
}
