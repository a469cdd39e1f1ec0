package domain

import "time"

// ─── Token Ledger Types ─────────────────────────────────────────────────────
// Balances are integer token units. No fractional tokens; a negative balance
// is never persisted. Accounts are mutated only through the delta-application
// primitive — never by direct field writes.

// TransactionType is the business reason for a ledger delta.
type TransactionType string

const (
	TxTopUp      TransactionType = "TOPUP"
	TxSpend      TransactionType = "SPEND"
	TxCommission TransactionType = "COMMISSION"
	TxRefund     TransactionType = "REFUND"
	TxAdjustment TransactionType = "ADJUSTMENT"
)

// LedgerAccount is the token balance for one profile.
type LedgerAccount struct {
	ProfileID string    `json:"profile_id"`
	Balance   int64     `json:"balance"`
	Pending   int64     `json:"pending"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is one immutable row in the append-only ledger trail.
// Exactly one entry exists per applied non-zero delta.
type LedgerEntry struct {
	ID        int64           `json:"id"`
	ProfileID string          `json:"profile_id"`
	Delta     int64           `json:"delta"`
	Type      TransactionType `json:"type"`
	Metadata  Payload         `json:"metadata,omitempty"`
	Balance   int64           `json:"balance"` // balance after applying Delta
	CreatedAt time.Time       `json:"created_at"`
}

// TransferResult reports both legs of a completed paired transfer.
type TransferResult struct {
	FromBalance int64 `json:"from_balance"`
	ToBalance   int64 `json:"to_balance"`
	EntryFrom   int64 `json:"entry_from"`
	EntryTo     int64 `json:"entry_to"`
}

// ─── Commission Types ───────────────────────────────────────────────────────

// CommissionStatus tracks whether a commission has been collected.
type CommissionStatus string

const (
	CommissionDue  CommissionStatus = "due"
	CommissionPaid CommissionStatus = "paid"
)

// CommissionRecord links a vendor, a broker and an amount owed at settlement.
// Created when a brokered session completes; marked paid exactly once.
type CommissionRecord struct {
	ID              int64            `json:"id"`
	SessionID       string           `json:"session_id"`
	QuoteID         string           `json:"quote_id"`
	VendorProfileID string           `json:"vendor_profile_id"`
	BrokerProfileID string           `json:"broker_profile_id"`
	Amount          int64            `json:"amount"`
	Status          CommissionStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	PaidAt          *time.Time       `json:"paid_at,omitempty"`
}
