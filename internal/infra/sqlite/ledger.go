package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dalali-network/dalali/internal/domain"
)

// Token ledger persistence. An account row is created lazily on first touch.
// Every balance change goes through applyDeltaTx inside a transaction: the
// balance check, the balance write and the ledger entry append commit as one
// unit or not at all. Transfers run both legs in a single transaction, so no
// partial transfer is ever observable.

// ApplyDelta adjusts a profile's balance and appends one immutable ledger
// entry when delta ≠ 0. Returns the new balance and the entry id (0 for a
// zero delta, which is not recorded).
func (d *DB) ApplyDelta(ctx context.Context, profileID string, delta int64, txType domain.TransactionType, metadata domain.Payload) (int64, int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	balance, entryID, err := d.applyDeltaTx(ctx, tx, profileID, delta, txType, metadata, time.Now())
	if err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return balance, entryID, nil
}

// Transfer debits from and credits to within one transaction. If the credit
// leg fails after the debit succeeded the whole transfer rolls back.
func (d *DB) Transfer(ctx context.Context, from, to string, amount int64, reason domain.TransactionType, metadata domain.Payload) (*domain.TransferResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive: %w", domain.ErrValidation)
	}
	if from == to {
		return nil, fmt.Errorf("transfer to self: %w", domain.ErrValidation)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	fromBalance, entryFrom, err := d.applyDeltaTx(ctx, tx, from, -amount, reason, metadata, now)
	if err != nil {
		return nil, fmt.Errorf("debit %s: %w", from, err)
	}
	toBalance, entryTo, err := d.applyDeltaTx(ctx, tx, to, amount, reason, metadata, now)
	if err != nil {
		return nil, fmt.Errorf("credit %s: %w", to, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &domain.TransferResult{
		FromBalance: fromBalance,
		ToBalance:   toBalance,
		EntryFrom:   entryFrom,
		EntryTo:     entryTo,
	}, nil
}

// GetAccount loads an account, creating it with a zero balance when absent.
func (d *DB) GetAccount(ctx context.Context, profileID string) (*domain.LedgerAccount, error) {
	if err := d.ensureAccount(ctx, d.db, profileID, time.Now()); err != nil {
		return nil, err
	}
	var (
		a                    domain.LedgerAccount
		createdAt, updatedAt int64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT profile_id, balance, pending, created_at, updated_at
		FROM ledger_accounts WHERE profile_id = ?`, profileID).
		Scan(&a.ProfileID, &a.Balance, &a.Pending, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	return &a, nil
}

// ListEntries returns the profile's most recent ledger entries.
func (d *DB) ListEntries(ctx context.Context, profileID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, profile_id, delta, type, metadata, balance, created_at
		FROM ledger_entries WHERE profile_id = ?
		ORDER BY id DESC LIMIT ?`, profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var (
			e         domain.LedgerEntry
			txType    string
			metadata  []byte
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.ProfileID, &e.Delta, &txType, &metadata, &e.Balance, &createdAt); err != nil {
			return nil, err
		}
		e.Type = domain.TransactionType(txType)
		e.Metadata = domain.Payload(metadata)
		e.CreatedAt = fromNanos(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── internal ───────────────────────────────────────────────────────────────

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *DB) ensureAccount(ctx context.Context, q execQuerier, profileID string, now time.Time) error {
	if profileID == "" {
		return fmt.Errorf("empty profile id: %w", domain.ErrValidation)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_accounts (profile_id, balance, pending, created_at, updated_at)
		VALUES (?, 0, 0, ?, ?)
		ON CONFLICT(profile_id) DO NOTHING`,
		profileID, nanos(now), nanos(now))
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

func (d *DB) applyDeltaTx(ctx context.Context, tx *sql.Tx, profileID string, delta int64, txType domain.TransactionType, metadata domain.Payload, now time.Time) (int64, int64, error) {
	if err := d.ensureAccount(ctx, tx, profileID, now); err != nil {
		return 0, 0, err
	}

	var balance int64
	err := tx.QueryRowContext(ctx,
		`SELECT balance FROM ledger_accounts WHERE profile_id = ?`, profileID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, fmt.Errorf("account %s: %w", profileID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("read balance: %w", err)
	}

	newBalance := balance + delta
	if newBalance < 0 {
		return 0, 0, fmt.Errorf("balance %d, delta %d: %w", balance, delta, domain.ErrInsufficientBalance)
	}
	if delta == 0 {
		// Zero deltas are never recorded.
		return balance, 0, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ledger_accounts SET balance = ?, updated_at = ? WHERE profile_id = ?`,
		newBalance, nanos(now), profileID)
	if err != nil {
		return 0, 0, fmt.Errorf("write balance: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (profile_id, delta, type, metadata, balance, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		profileID, delta, string(txType), []byte(metadata), newBalance, nanos(now))
	if err != nil {
		return 0, 0, fmt.Errorf("append entry: %w", err)
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("entry id: %w", err)
	}
	return newBalance, entryID, nil
}
