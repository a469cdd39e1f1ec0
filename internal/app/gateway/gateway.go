// Package gateway implements the idempotency gateway fronting every
// externally triggered mutation. A client-supplied key gets at-most-one
// effective execution: the first caller runs the operation and stores its
// result; concurrent callers with the same key join the in-flight execution
// and receive the stored result; later callers replay it until the TTL.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dalali-network/dalali/internal/domain"
	"github.com/dalali-network/dalali/internal/infra/observability"
)

const (
	minKeyLen = 16
	maxKeyLen = 255

	// DefaultPendingTTL bounds how long a pending record can block retries:
	// past it, a crashed execution is resolved to a synthetic timeout.
	DefaultPendingTTL = 60 * time.Second

	// DefaultSuccessTTL is how long a finalized result is replayed.
	DefaultSuccessTTL = 24 * time.Hour
)

// Result is the stored outcome of a guarded operation — an HTTP-shaped
// status plus body, success or error alike.
type Result struct {
	Status int
	Body   []byte
}

// Gateway deduplicates keyed mutations. Safe for concurrent use.
type Gateway struct {
	store  domain.IdempotencyStore
	logger *slog.Logger

	pendingTTL   time.Duration
	successTTL   time.Duration
	pollInterval time.Duration
	now          func() time.Time

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithTTLs overrides the pending and success TTLs.
func WithTTLs(pending, success time.Duration) Option {
	return func(g *Gateway) {
		g.pendingTTL = pending
		g.successTTL = success
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a Gateway backed by the given record store.
func New(store domain.IdempotencyStore, opts ...Option) *Gateway {
	g := &Gateway{
		store:        store,
		logger:       slog.With("component", "idempotency"),
		pendingTTL:   DefaultPendingTTL,
		successTTL:   DefaultSuccessTTL,
		pollInterval: 250 * time.Millisecond,
		now:          time.Now,
		inflight:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ValidateKey checks the client-supplied key length (16–255 characters).
func ValidateKey(key string) error {
	if len(key) < minKeyLen || len(key) > maxKeyLen {
		return fmt.Errorf("idempotency key must be %d-%d characters, got %d: %w",
			minKeyLen, maxKeyLen, len(key), domain.ErrValidation)
	}
	return nil
}

// HashRequest fingerprints a request payload so key reuse with a different
// payload can be rejected instead of silently replaying the wrong result.
func HashRequest(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Do executes fn at most once for the key and returns its result. replayed
// is true when the result came from a stored record rather than this call's
// own execution.
func (g *Gateway) Do(ctx context.Context, key, requestHash string, fn func(context.Context) Result) (Result, bool, error) {
	if err := ValidateKey(key); err != nil {
		return Result{}, false, err
	}

	for {
		reserved, existing, err := g.store.ReserveIdempotencyKey(ctx, key, requestHash, g.now())
		if err != nil {
			return Result{}, false, err
		}

		if reserved {
			return g.execute(ctx, key, fn), false, nil
		}

		if existing.RequestHash != requestHash {
			return Result{}, false, fmt.Errorf("key %s: %w", key, domain.ErrIdempotencyMismatch)
		}

		switch existing.Status {
		case domain.IdempotencyCompleted:
			if existing.ExpiresAt != nil && !g.now().Before(*existing.ExpiresAt) {
				// Stale result: drop the record and run fresh. The delete
				// only removes a still-expired completed record, so a
				// pending record another caller reserved after its own
				// delete survives; the next loop iteration then joins that
				// execution instead of starting a second one.
				if _, err := g.store.DeleteExpiredIdempotencyKey(ctx, key, g.now()); err != nil {
					return Result{}, false, err
				}
				continue
			}
			observability.IdempotentReplays.Inc()
			return Result{Status: existing.ResponseStatus, Body: existing.ResponseBody}, true, nil

		case domain.IdempotencyPending:
			res, err := g.join(ctx, key, existing)
			if err != nil {
				return Result{}, false, err
			}
			observability.IdempotentReplays.Inc()
			return res, true, nil

		default:
			return Result{}, false, fmt.Errorf("idempotency record %s in unknown status %q", key, existing.Status)
		}
	}
}

// execute runs fn as the winning caller and stores its result.
func (g *Gateway) execute(ctx context.Context, key string, fn func(context.Context) Result) Result {
	done := make(chan struct{})
	g.mu.Lock()
	g.inflight[key] = done
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.inflight, key)
		g.mu.Unlock()
		close(done)
	}()

	res := fn(ctx)

	expiry := g.now().Add(g.successTTL)
	if err := g.store.FinalizeIdempotencyKey(ctx, key, res.Status, res.Body, expiry); err != nil {
		// The operation already ran; the caller still gets its result.
		// A retry with the same key may re-execute, which the underlying
		// guarded transitions tolerate.
		g.logger.Error("finalize idempotency record", "key", key, "error", err)
	}
	return res
}

// join blocks until the in-flight execution for key resolves, then returns
// the stored result. A pending record older than the pending TTL is resolved
// to a synthetic timeout so a crashed execution cannot wedge retries forever.
func (g *Gateway) join(ctx context.Context, key string, rec *domain.IdempotencyRecord) (Result, error) {
	deadline := rec.CreatedAt.Add(g.pendingTTL)

	g.mu.Lock()
	done, local := g.inflight[key]
	g.mu.Unlock()

	if local {
		select {
		case <-done:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(time.Until(deadline)):
		}
		return g.resolve(ctx, key, deadline)
	}

	// No local execution (crashed process or another instance): poll.
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		res, ok, err := g.tryResolve(ctx, key, deadline)
		if err != nil || ok {
			return res, err
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// resolve reads the record after waiting, writing the synthetic timeout if
// the execution never finalized.
func (g *Gateway) resolve(ctx context.Context, key string, deadline time.Time) (Result, error) {
	res, ok, err := g.tryResolve(ctx, key, deadline)
	if err != nil {
		return Result{}, err
	}
	if ok {
		return res, nil
	}
	// Still pending but inside the TTL — the winning execution is taking
	// long; keep polling until it resolves or times out.
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
		res, ok, err = g.tryResolve(ctx, key, deadline)
		if err != nil || ok {
			return res, err
		}
	}
}

// tryResolve returns the stored result when the record is finalized, or
// finalizes it with a synthetic timeout once past deadline.
func (g *Gateway) tryResolve(ctx context.Context, key string, deadline time.Time) (Result, bool, error) {
	rec, err := g.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return Result{}, false, err
	}
	if rec.Status == domain.IdempotencyCompleted {
		return Result{Status: rec.ResponseStatus, Body: rec.ResponseBody}, true, nil
	}
	if g.now().Before(deadline) {
		return Result{}, false, nil
	}

	// Pending past its TTL: resolve to a synthetic timeout. The guarded
	// finalize keeps a real result that lands first.
	observability.IdempotentTimeouts.Inc()
	g.logger.Warn("pending idempotency record timed out", "key", key)
	body := []byte(`{"error":{"message":"operation timed out","type":"idempotency_timeout"}}`)
	if err := g.store.FinalizeIdempotencyKey(ctx, key, 504, body, g.now().Add(g.successTTL)); err != nil {
		return Result{}, false, err
	}
	rec, err = g.store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return Result{}, false, err
	}
	return Result{Status: rec.ResponseStatus, Body: rec.ResponseBody}, true, nil
}

// Purge drops finalized records past their TTL. Run periodically.
func (g *Gateway) Purge(ctx context.Context) (int64, error) {
	return g.store.PurgeIdempotencyKeys(ctx, g.now())
}
