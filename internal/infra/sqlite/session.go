package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dalali-network/dalali/internal/domain"
)

// Session persistence. Every transition is a single guarded UPDATE: the
// precondition is re-checked inside the WHERE clause, so two racing writers
// produce exactly one effective transition — the loser sees zero rows and
// gets ErrStateConflict (or ErrNotFound when the row never existed).

const sessionColumns = `id, requester_id, flow_type, agent_type, status, request_json,
	started_at, deadline_at, extensions_count, max_extensions,
	selected_quote_id, broker_profile_id, cancellation_reason, error_message, completed_at`

// CreateSession inserts a new session row.
func (d *DB) CreateSession(ctx context.Context, s *domain.Session) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.RequesterID, string(s.Flow), s.AgentType, string(s.Status), []byte(s.RequestData),
		nanos(s.StartedAt), nanos(s.DeadlineAt), s.ExtensionsCount, s.MaxExtensions,
		nullStr(s.SelectedQuoteID), nullStr(s.BrokerProfileID),
		nullStr(s.CancellationReason), nullStr(s.ErrorMessage), nullTime(s.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (d *DB) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// FindActiveSession returns the requester's outstanding session for a flow.
func (d *DB) FindActiveSession(ctx context.Context, requesterID string, flow domain.FlowType) (*domain.Session, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE requester_id = ? AND flow_type = ? AND status IN `+activeStatusesIn()+`
		ORDER BY started_at DESC LIMIT 1`,
		requesterID, string(flow))
	return scanSession(row)
}

// MarkNegotiating moves searching → negotiating, guarded by the deadline.
func (d *DB) MarkNegotiating(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?
		WHERE id = ? AND status = ? AND deadline_at > ?`,
		string(domain.SessionNegotiating), id, string(domain.SessionSearching), nanos(now))
	if err != nil {
		return false, fmt.Errorf("mark negotiating: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Already negotiating (or beyond) is not an error for this
		// transition — the first quote simply lost the race.
		if _, err := d.GetSession(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// MarkPresenting moves negotiating → presenting.
func (d *DB) MarkPresenting(ctx context.Context, id string) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?
		WHERE id = ? AND status = ?`,
		string(domain.SessionPresenting), id, string(domain.SessionNegotiating))
	if err != nil {
		return fmt.Errorf("mark presenting: %w", err)
	}
	return d.explainGuardMiss(ctx, res, id)
}

// CompleteSession sets the winning quote and moves the session to completed.
// Guarded on active status and an unset selected_quote_id; deliberately not on
// the deadline — a selection racing the sweeper is settled by whichever guard
// passes first, and a not-yet-swept session is still selectable.
func (d *DB) CompleteSession(ctx context.Context, id, quoteID string, now time.Time) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, selected_quote_id = ?, completed_at = ?
		WHERE id = ? AND status IN `+activeStatusesIn()+` AND selected_quote_id IS NULL`,
		string(domain.SessionCompleted), quoteID, nanos(now), id)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	return d.explainGuardMiss(ctx, res, id)
}

// CancelSession moves an active session to cancelled.
func (d *DB) CancelSession(ctx context.Context, id, reason string, now time.Time) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, cancellation_reason = ?, completed_at = ?
		WHERE id = ? AND status IN `+activeStatusesIn(),
		string(domain.SessionCancelled), nullStr(reason), nanos(now), id)
	if err != nil {
		return fmt.Errorf("cancel session: %w", err)
	}
	return d.explainGuardMiss(ctx, res, id)
}

// FailSession moves any active session to error with a message. Used when an
// unrecoverable fault would otherwise leave the session stuck with no
// deadline progress.
func (d *DB) FailSession(ctx context.Context, id, message string, now time.Time) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status IN `+activeStatusesIn(),
		string(domain.SessionError), nullStr(message), nanos(now), id)
	if err != nil {
		return fmt.Errorf("fail session: %w", err)
	}
	return d.explainGuardMiss(ctx, res, id)
}

// TimeoutSession attempts active → timeout once the deadline has passed.
// Already-terminal sessions report false without error so concurrent
// sweepers stay idempotent.
func (d *DB) TimeoutSession(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, completed_at = ?
		WHERE id = ? AND status IN `+activeStatusesIn()+` AND deadline_at <= ?`,
		string(domain.SessionTimeout), nanos(now), id, nanos(now))
	if err != nil {
		return false, fmt.Errorf("timeout session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExtendSession pushes the deadline forward by increment, guarded by the
// extension cap and active status. The count bump and deadline bump land in
// the same write, so a racing sweep either sees the new deadline or wins.
func (d *DB) ExtendSession(ctx context.Context, id string, increment time.Duration, now time.Time) (*domain.Session, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE sessions
		SET deadline_at = deadline_at + ?, extensions_count = extensions_count + 1
		WHERE id = ? AND status IN `+activeStatusesIn()+`
		  AND extensions_count < max_extensions AND deadline_at > ?`,
		increment.Nanoseconds(), id, nanos(now))
	if err != nil {
		return nil, fmt.Errorf("extend session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		s, err := d.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Status.Terminal() || s.Expired(now) || s.ExtensionsCount >= s.MaxExtensions {
			return nil, fmt.Errorf("extend session %s: %w", id, domain.ErrSessionNotActive)
		}
		return nil, fmt.Errorf("extend session %s: %w", id, domain.ErrStateConflict)
	}
	return d.GetSession(ctx, id)
}

// ListExpiredSessions returns active sessions whose deadline has passed.
func (d *DB) ListExpiredSessions(ctx context.Context, now time.Time) ([]domain.Session, error) {
	return d.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN `+activeStatusesIn()+` AND deadline_at <= ?
		ORDER BY deadline_at`, nanos(now))
}

// ListExpiringSessions returns active sessions nearing their deadline,
// exclusive of ones already past it.
func (d *DB) ListExpiringSessions(ctx context.Context, now time.Time, within time.Duration) ([]domain.Session, error) {
	return d.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN `+activeStatusesIn()+` AND deadline_at > ? AND deadline_at <= ?
		ORDER BY deadline_at`, nanos(now), nanos(now.Add(within)))
}

// CountActiveSessions reports how many sessions are currently non-terminal.
func (d *DB) CountActiveSessions(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status IN `+activeStatusesIn()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active sessions: %w", err)
	}
	return n, nil
}

// ─── internal ───────────────────────────────────────────────────────────────

// explainGuardMiss distinguishes "row missing" from "guard failed" after a
// zero-row conditional update.
func (d *DB) explainGuardMiss(ctx context.Context, res sql.Result, id string) error {
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}
	s, err := d.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return fmt.Errorf("session %s is %s: %w", id, s.Status, domain.ErrSessionNotActive)
	}
	return fmt.Errorf("session %s: %w", id, domain.ErrStateConflict)
}

func (d *DB) querySessions(ctx context.Context, query string, args ...any) ([]domain.Session, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row *sql.Row) (*domain.Session, error) {
	s, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", domain.ErrNotFound)
	}
	return s, err
}

func scanSessionRow(r rowScanner) (*domain.Session, error) {
	var (
		s                      domain.Session
		flow, status           string
		requestJSON            []byte
		startedAt, deadlineAt  int64
		selectedQuote, broker  sql.NullString
		cancelReason, errorMsg sql.NullString
		completedAt            sql.NullInt64
	)
	err := r.Scan(&s.ID, &s.RequesterID, &flow, &s.AgentType, &status, &requestJSON,
		&startedAt, &deadlineAt, &s.ExtensionsCount, &s.MaxExtensions,
		&selectedQuote, &broker, &cancelReason, &errorMsg, &completedAt)
	if err != nil {
		return nil, err
	}
	s.Flow = domain.FlowType(flow)
	s.Status = domain.SessionStatus(status)
	s.RequestData = domain.Payload(requestJSON)
	s.StartedAt = fromNanos(startedAt)
	s.DeadlineAt = fromNanos(deadlineAt)
	s.SelectedQuoteID = scanStr(selectedQuote)
	s.BrokerProfileID = scanStr(broker)
	s.CancellationReason = scanStr(cancelReason)
	s.ErrorMessage = scanStr(errorMsg)
	s.CompletedAt = scanTime(completedAt)
	return &s, nil
}
