package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dalali-network/dalali/internal/domain"
)

// Idempotency record persistence. The primary key on `key` makes the pending
// reservation a first-writer-wins race: the second caller's INSERT conflicts
// and it joins the in-flight execution instead of starting its own.

// ReserveIdempotencyKey inserts a pending record for key. When the key is
// already present, the existing record is returned with reserved=false.
func (d *DB) ReserveIdempotencyKey(ctx context.Context, key, requestHash string, now time.Time) (bool, *domain.IdempotencyRecord, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, status, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, requestHash, string(domain.IdempotencyPending), nanos(now))
	if err != nil {
		return false, nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil, nil
	}
	rec, err := d.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return false, nil, err
	}
	return false, rec, nil
}

// GetIdempotencyRecord loads a record by key.
func (d *DB) GetIdempotencyRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var (
		rec       domain.IdempotencyRecord
		status    string
		createdAt int64
		expiresAt sql.NullInt64
		body      []byte
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT key, request_hash, status, response_status, response_body, created_at, expires_at
		FROM idempotency_keys WHERE key = ?`, key).
		Scan(&rec.Key, &rec.RequestHash, &status, &rec.ResponseStatus, &body, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("idempotency key: %w", domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	rec.Status = domain.IdempotencyStatus(status)
	rec.ResponseBody = body
	rec.CreatedAt = fromNanos(createdAt)
	rec.ExpiresAt = scanTime(expiresAt)
	return &rec, nil
}

// FinalizeIdempotencyKey stores the response for key and stamps its TTL.
// Finalizing an already-finalized key is a no-op so a synthetic timeout
// written by a joining caller cannot clobber the real result.
func (d *DB) FinalizeIdempotencyKey(ctx context.Context, key string, status int, body []byte, expiresAt time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = ?, response_status = ?, response_body = ?, expires_at = ?
		WHERE key = ? AND status = ?`,
		string(domain.IdempotencyCompleted), status, body, nanos(expiresAt),
		key, string(domain.IdempotencyPending))
	if err != nil {
		return fmt.Errorf("finalize idempotency key: %w", err)
	}
	return nil
}

// DeleteExpiredIdempotencyKey drops a finalized record once past its TTL so
// the key can be reused. The status guard keeps the delete from racing a
// caller that already removed the stale record and reserved the key afresh:
// their pending record survives. Reports whether a row was deleted.
func (d *DB) DeleteExpiredIdempotencyKey(ctx context.Context, key string, now time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key = ? AND status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		key, string(domain.IdempotencyCompleted), nanos(now))
	if err != nil {
		return false, fmt.Errorf("delete idempotency key: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PurgeIdempotencyKeys removes finalized records past their TTL.
func (d *DB) PurgeIdempotencyKeys(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?`,
		string(domain.IdempotencyCompleted), nanos(now))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
