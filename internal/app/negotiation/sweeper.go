package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dalali-network/dalali/internal/domain"
	"github.com/dalali-network/dalali/internal/infra/observability"
)

// Sweeper is the periodic process that expires past-deadline sessions. It
// holds no privileged path into the state machine: every timeout attempt is
// the same guarded write external callers use, so any number of sweepers can
// run concurrently — at most one wins per session and the rest skip it.
type Sweeper struct {
	sessions   domain.SessionStore
	quotes     domain.QuoteStore
	settlement *Settlement
	events     domain.EventSink
	logger     *slog.Logger
	interval   time.Duration
	warnWithin time.Duration
	now        func() time.Time
}

// SweeperOption customizes a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperEvents wires the structured event sink.
func WithSweeperEvents(sink domain.EventSink) SweeperOption {
	return func(sw *Sweeper) { sw.events = sink }
}

// WithSweeperClock overrides the time source for tests.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(sw *Sweeper) { sw.now = now }
}

// WithSettlementRetry lets the sweep pass also retry due commissions.
func WithSettlementRetry(st *Settlement) SweeperOption {
	return func(sw *Sweeper) { sw.settlement = st }
}

// NewSweeper creates a sweeper that runs every interval and emits expiry
// warnings for sessions within warnWithin of their deadline.
func NewSweeper(sessions domain.SessionStore, quotes domain.QuoteStore, interval, warnWithin time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	sw := &Sweeper{
		sessions:   sessions,
		quotes:     quotes,
		logger:     slog.With("component", "sweeper"),
		interval:   interval,
		warnWithin: warnWithin,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Run loops until ctx is cancelled, sweeping on every tick.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("sweeper started", "interval", sw.interval)
	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := sw.SweepNow(ctx); err != nil {
				sw.logger.Error("sweep pass", "error", err)
			}
		}
	}
}

// SweepNow runs one pass at the sweeper's current clock reading.
func (sw *Sweeper) SweepNow(ctx context.Context) ([]string, error) {
	return sw.Sweep(ctx, sw.now().UTC())
}

// Sweep runs one pass at the given instant: time out every active session
// whose deadline has passed, expire its stale quotes, and warn on sessions
// nearing their deadline. Returns the ids of sessions it transitioned.
// Already-terminal sessions are silently skipped, so the pass is idempotent
// and safe to run from multiple workers.
func (sw *Sweeper) Sweep(ctx context.Context, now time.Time) ([]string, error) {
	start := time.Now()
	defer func() {
		observability.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	expired, err := sw.sessions.ListExpiredSessions(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list expired: %w", err)
	}

	var transitioned []string
	for i := range expired {
		sess := &expired[i]
		ok, err := sw.sessions.TimeoutSession(ctx, sess.ID, now)
		if err != nil {
			sw.logger.Error("timeout transition", "session_id", sess.ID, "error", err)
			continue
		}
		if !ok {
			// Lost the race to a select/cancel/another sweeper. Fine.
			observability.StateConflicts.WithLabelValues("sweep").Inc()
			continue
		}

		transitioned = append(transitioned, sess.ID)
		observability.SweepTimeouts.Inc()
		observability.SessionTransitions.WithLabelValues(string(domain.SessionTimeout)).Inc()

		if _, err := sw.quotes.ExpireQuotes(ctx, sess.ID, now); err != nil {
			sw.logger.Error("expire quotes", "session_id", sess.ID, "error", err)
		}
		sw.emit(ctx, domain.SessionEvent{
			Kind:      domain.EventSessionTimeout,
			SessionID: sess.ID,
			Status:    domain.SessionTimeout,
			At:        now,
		})
	}

	if sw.warnWithin > 0 {
		expiring, err := sw.sessions.ListExpiringSessions(ctx, now, sw.warnWithin)
		if err != nil {
			return transitioned, fmt.Errorf("list expiring: %w", err)
		}
		for i := range expiring {
			sw.emit(ctx, domain.SessionEvent{
				Kind:      domain.EventSessionExpiring,
				SessionID: expiring[i].ID,
				Status:    expiring[i].Status,
				Detail:    fmt.Sprintf("deadline at %s", expiring[i].DeadlineAt.Format(time.RFC3339)),
				At:        now,
			})
		}
	}

	if sw.settlement != nil {
		if _, err := sw.settlement.Retry(ctx, 100); err != nil {
			sw.logger.Error("settlement retry", "error", err)
		}
	}

	if active, err := sw.sessions.CountActiveSessions(ctx); err == nil {
		observability.SessionsActive.Set(float64(active))
	}

	if len(transitioned) > 0 {
		sw.logger.Info("sweep pass", "timed_out", len(transitioned))
	}
	return transitioned, nil
}

func (sw *Sweeper) emit(ctx context.Context, ev domain.SessionEvent) {
	if sw.events != nil {
		sw.events.Emit(ctx, ev)
	}
}
