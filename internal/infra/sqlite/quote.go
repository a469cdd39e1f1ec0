package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dalali-network/dalali/internal/domain"
)

// Quote persistence. The UNIQUE(session_id, vendor_contact) constraint backs
// the one-quote-per-vendor invariant; a resubmission lands as an upsert that
// supersedes the earlier offer (counter-offer semantics) instead of failing.

const quoteColumns = `id, session_id, vendor_profile_id, vendor_contact, vendor_type, vendor_name,
	offer_json, status, responded_at, expires_at, ranking_score`

// UpsertQuote inserts the quote, or updates the vendor's existing quote for
// the session when one exists. The session's status is re-checked inside the
// same transaction, so a sweep timing the session out between the caller's
// read and this write leaves no orphaned quote behind. Returns the stored
// quote and whether a new row was created.
func (d *DB) UpsertQuote(ctx context.Context, q *domain.Quote, now time.Time) (*domain.Quote, bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var status string
	var deadlineAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT status, deadline_at FROM sessions WHERE id = ?`, q.SessionID).
		Scan(&status, &deadlineAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("session %s: %w", q.SessionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("read session: %w", err)
	}
	if !domain.SessionStatus(status).Active() || !fromNanos(deadlineAt).After(now) {
		return nil, false, fmt.Errorf("session %s is %s: %w",
			q.SessionID, status, domain.ErrSessionNotActive)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quotes (`+quoteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, vendor_contact) DO UPDATE SET
			offer_json        = excluded.offer_json,
			status            = ?,
			responded_at      = excluded.responded_at,
			expires_at        = excluded.expires_at,
			ranking_score     = excluded.ranking_score,
			vendor_name       = excluded.vendor_name,
			vendor_type       = excluded.vendor_type,
			vendor_profile_id = excluded.vendor_profile_id`,
		q.ID, q.SessionID, nullStr(q.VendorProfileID), q.VendorContact, q.VendorType, q.VendorName,
		[]byte(q.OfferData), string(q.Status), nanos(q.RespondedAt), nullTime(q.ExpiresAt), q.RankingScore,
		string(domain.QuoteCounterOffered),
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert quote: %w", err)
	}

	// Re-read by the natural key; the stored id tells us which branch ran.
	row := tx.QueryRowContext(ctx, `
		SELECT `+quoteColumns+` FROM quotes
		WHERE session_id = ? AND vendor_contact = ?`,
		q.SessionID, q.VendorContact)
	stored, err := scanQuoteRow(row)
	if err != nil {
		return nil, false, fmt.Errorf("read back quote: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return stored, stored.ID == q.ID, nil
}

// GetQuote loads a quote by id.
func (d *DB) GetQuote(ctx context.Context, id string) (*domain.Quote, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+quoteColumns+` FROM quotes WHERE id = ?`, id)
	q, err := scanQuoteRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("quote: %w", domain.ErrNotFound)
	}
	return q, err
}

// ListQuotes returns the session's quotes ranked best-first: ranking_score
// descending with NULL scores last, ties broken by earliest responded_at.
func (d *DB) ListQuotes(ctx context.Context, sessionID string) ([]domain.Quote, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+quoteColumns+` FROM quotes
		WHERE session_id = ?
		ORDER BY ranking_score IS NULL, ranking_score DESC, responded_at ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list quotes: %w", err)
	}
	defer rows.Close()

	var out []domain.Quote
	for rows.Next() {
		q, err := scanQuoteRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// AcceptQuote marks the winning quote accepted, guarded on a selectable
// current status.
func (d *DB) AcceptQuote(ctx context.Context, id string, now time.Time) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE quotes SET status = ?, responded_at = ?
		WHERE id = ? AND status IN ('pending', 'received', 'counter_offered')`,
		string(domain.QuoteAccepted), nanos(now), id)
	if err != nil {
		return fmt.Errorf("accept quote: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := d.GetQuote(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("quote %s: %w", id, domain.ErrQuoteNotSelectable)
	}
	return nil
}

// ExpireQuotes transitions the session's still-open quotes with
// expires_at ≤ cutoff to expired.
func (d *DB) ExpireQuotes(ctx context.Context, sessionID string, cutoff time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE quotes SET status = ?
		WHERE session_id = ? AND status IN ('pending', 'received', 'counter_offered')
		  AND expires_at IS NOT NULL AND expires_at <= ?`,
		string(domain.QuoteExpired), sessionID, nanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("expire quotes: %w", err)
	}
	return res.RowsAffected()
}

func scanQuoteRow(r rowScanner) (*domain.Quote, error) {
	var (
		q             domain.Quote
		vendorProfile sql.NullString
		offerJSON     []byte
		status        string
		respondedAt   int64
		expiresAt     sql.NullInt64
		score         sql.NullFloat64
	)
	err := r.Scan(&q.ID, &q.SessionID, &vendorProfile, &q.VendorContact, &q.VendorType, &q.VendorName,
		&offerJSON, &status, &respondedAt, &expiresAt, &score)
	if err != nil {
		return nil, err
	}
	q.VendorProfileID = scanStr(vendorProfile)
	q.OfferData = domain.Payload(offerJSON)
	q.Status = domain.QuoteStatus(status)
	q.RespondedAt = fromNanos(respondedAt)
	q.ExpiresAt = scanTime(expiresAt)
	if score.Valid {
		q.RankingScore = &score.Float64
	}
	return &q, nil
}
