package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. Callers classify
// with errors.Is; layers add context with fmt.Errorf("...: %w", err).

var (
	// Input errors
	ErrValidation = errors.New("invalid input")
	ErrNotFound   = errors.New("not found")

	// Session errors
	ErrSessionNotActive   = errors.New("session is no longer active")
	ErrStateConflict      = errors.New("state changed concurrently")
	ErrQuoteNotSelectable = errors.New("quote can no longer be selected")

	// Ledger errors
	ErrInsufficientBalance = errors.New("insufficient balance")

	// Idempotency errors
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different payload")
)
