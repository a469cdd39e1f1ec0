package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dalali-network/dalali/internal/domain"
)

// Commission record persistence. Records are created due at settlement time
// and flipped to paid exactly once — the status guard in the UPDATE makes a
// second MarkCommissionPaid a no-op conflict rather than a double payment.

// CreateCommission inserts a due commission record and fills in its id.
func (d *DB) CreateCommission(ctx context.Context, rec *domain.CommissionRecord) error {
	if rec.Status == "" {
		rec.Status = domain.CommissionDue
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO commission_records
			(session_id, quote_id, vendor_profile_id, broker_profile_id, amount, status, created_at, paid_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.QuoteID, rec.VendorProfileID, rec.BrokerProfileID,
		rec.Amount, string(rec.Status), nanos(rec.CreatedAt), nullTime(rec.PaidAt))
	if err != nil {
		return fmt.Errorf("insert commission: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("commission id: %w", err)
	}
	rec.ID = id
	return nil
}

// MarkCommissionPaid flips due → paid, exactly once.
func (d *DB) MarkCommissionPaid(ctx context.Context, id int64, now time.Time) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE commission_records SET status = ?, paid_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.CommissionPaid), nanos(now), id, string(domain.CommissionDue))
	if err != nil {
		return fmt.Errorf("mark commission paid: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("commission %d: %w", id, domain.ErrStateConflict)
	}
	return nil
}

// ListDueCommissions returns unresolved commissions, oldest first, for
// out-of-band settlement retry.
func (d *DB) ListDueCommissions(ctx context.Context, limit int) ([]domain.CommissionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, session_id, quote_id, vendor_profile_id, broker_profile_id,
		       amount, status, created_at, paid_at
		FROM commission_records WHERE status = ?
		ORDER BY created_at LIMIT ?`,
		string(domain.CommissionDue), limit)
	if err != nil {
		return nil, fmt.Errorf("list due commissions: %w", err)
	}
	defer rows.Close()

	var out []domain.CommissionRecord
	for rows.Next() {
		rec, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanCommission(r rowScanner) (*domain.CommissionRecord, error) {
	var (
		rec       domain.CommissionRecord
		status    string
		createdAt int64
		paidAt    sql.NullInt64
	)
	err := r.Scan(&rec.ID, &rec.SessionID, &rec.QuoteID, &rec.VendorProfileID,
		&rec.BrokerProfileID, &rec.Amount, &status, &createdAt, &paidAt)
	if err != nil {
		return nil, err
	}
	rec.Status = domain.CommissionStatus(status)
	rec.CreatedAt = fromNanos(createdAt)
	rec.PaidAt = scanTime(paidAt)
	return &rec, nil
}
