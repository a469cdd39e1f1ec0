package domain

import (
	"context"
	"time"
)

// ─── Store Interfaces ───────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the application layer depends on them.
//
// Every transition method is a single guarded write (compare-and-swap on the
// session's status/deadline/extension columns). A guard miss surfaces as
// ErrStateConflict when the row exists, ErrNotFound when it does not.

// SessionStore abstracts persistent session state.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)

	// MarkNegotiating moves searching → negotiating on the first quote.
	// Returns false without error when the session already left searching.
	MarkNegotiating(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkPresenting moves negotiating → presenting when ranked quotes are
	// shown to the requester.
	MarkPresenting(ctx context.Context, id string) error

	CompleteSession(ctx context.Context, id, quoteID string, now time.Time) error
	CancelSession(ctx context.Context, id, reason string, now time.Time) error
	FailSession(ctx context.Context, id, message string, now time.Time) error

	// TimeoutSession attempts active → timeout; returns false when the
	// session is already terminal (idempotent sweep semantics).
	TimeoutSession(ctx context.Context, id string, now time.Time) (bool, error)

	// ExtendSession bumps deadline_at by increment and extensions_count by
	// one, guarded by extensions_count < max_extensions and active status.
	ExtendSession(ctx context.Context, id string, increment time.Duration, now time.Time) (*Session, error)

	// FindActiveSession returns the requester's outstanding session for a
	// flow, if any. At most one exists at a time.
	FindActiveSession(ctx context.Context, requesterID string, flow FlowType) (*Session, error)

	ListExpiredSessions(ctx context.Context, now time.Time) ([]Session, error)
	ListExpiringSessions(ctx context.Context, now time.Time, within time.Duration) ([]Session, error)
	CountActiveSessions(ctx context.Context) (int64, error)
}

// QuoteStore abstracts vendor offer storage for sessions.
type QuoteStore interface {
	// UpsertQuote enforces one quote per (session, vendor contact): a second
	// submission from the same contact updates the existing row as a
	// counter-offer. The write is guarded on the session still being active
	// at now, so a quote can never land on a session a concurrent sweep just
	// timed out. Returns the stored quote and whether it was created.
	UpsertQuote(ctx context.Context, q *Quote, now time.Time) (*Quote, bool, error)

	GetQuote(ctx context.Context, id string) (*Quote, error)

	// ListQuotes returns the session's quotes ordered by ranking_score
	// descending (nulls last), ties broken by earliest responded_at.
	ListQuotes(ctx context.Context, sessionID string) ([]Quote, error)

	// AcceptQuote marks the winning quote accepted; the losers keep their
	// current status for the audit trail.
	AcceptQuote(ctx context.Context, id string, now time.Time) error

	// ExpireQuotes transitions the session's pending/received quotes with
	// expires_at ≤ cutoff to expired, returning how many changed.
	ExpireQuotes(ctx context.Context, sessionID string, cutoff time.Time) (int64, error)
}

// LedgerStore abstracts the token ledger.
type LedgerStore interface {
	// ApplyDelta atomically adjusts a profile's balance and appends one
	// ledger entry when delta ≠ 0. A debit past zero fails with
	// ErrInsufficientBalance and writes nothing.
	ApplyDelta(ctx context.Context, profileID string, delta int64, txType TransactionType, metadata Payload) (int64, int64, error)

	// Transfer debits from and credits to inside one atomic unit. Either
	// both legs happen or neither does.
	Transfer(ctx context.Context, from, to string, amount int64, reason TransactionType, metadata Payload) (*TransferResult, error)

	GetAccount(ctx context.Context, profileID string) (*LedgerAccount, error)
	ListEntries(ctx context.Context, profileID string, limit int) ([]LedgerEntry, error)
}

// CommissionStore abstracts settlement bookkeeping.
type CommissionStore interface {
	CreateCommission(ctx context.Context, rec *CommissionRecord) error
	// MarkCommissionPaid flips due → paid exactly once.
	MarkCommissionPaid(ctx context.Context, id int64, now time.Time) error
	ListDueCommissions(ctx context.Context, limit int) ([]CommissionRecord, error)
}

// EventSink receives structured session events. Implementations must be safe
// for concurrent use and must not block transition paths.
type EventSink interface {
	Emit(ctx context.Context, ev SessionEvent)
}

// ─── Idempotency Record ─────────────────────────────────────────────────────

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord stores the outcome of one keyed mutation so replays
// return the original result instead of re-executing.
type IdempotencyRecord struct {
	Key            string            `json:"key"`
	RequestHash    string            `json:"request_hash"`
	Status         IdempotencyStatus `json:"status"`
	ResponseStatus int               `json:"response_status"`
	ResponseBody   []byte            `json:"response_body,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
}

// IdempotencyStore abstracts persistence for idempotency records.
type IdempotencyStore interface {
	// ReserveIdempotencyKey inserts a pending record for key. When the key
	// already exists the current record is returned with reserved=false.
	ReserveIdempotencyKey(ctx context.Context, key, requestHash string, now time.Time) (bool, *IdempotencyRecord, error)

	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)

	// FinalizeIdempotencyKey stores the response and stamps the success TTL.
	FinalizeIdempotencyKey(ctx context.Context, key string, status int, body []byte, expiresAt time.Time) error

	// DeleteExpiredIdempotencyKey drops a finalized record past its TTL so
	// the key can be reserved again. Guarded on completed status: a pending
	// record a concurrent caller just reserved is never removed. Reports
	// whether a row was deleted.
	DeleteExpiredIdempotencyKey(ctx context.Context, key string, now time.Time) (bool, error)

	// PurgeIdempotencyKeys removes finalized records past their TTL.
	PurgeIdempotencyKeys(ctx context.Context, now time.Time) (int64, error)
}
