package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dalali-network/dalali/internal/domain"
)

// ─── ApplyDelta ─────────────────────────────────────────────────────────────

func TestLedger_ApplyDelta_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	balance, entry1, err := db.ApplyDelta(ctx, "p1", 100, domain.TxTopUp, nil)
	if err != nil {
		t.Fatalf("credit error: %v", err)
	}
	if balance != 100 {
		t.Errorf("balance = %d, want 100", balance)
	}
	if entry1 == 0 {
		t.Error("expected a ledger entry id for a non-zero delta")
	}

	balance, entry2, err := db.ApplyDelta(ctx, "p1", -100, domain.TxSpend, nil)
	if err != nil {
		t.Fatalf("debit error: %v", err)
	}
	if balance != 0 {
		t.Errorf("balance after round trip = %d, want 0", balance)
	}
	if entry2 == entry1 {
		t.Error("the two deltas must produce distinct entries")
	}

	entries, err := db.ListEntries(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("ListEntries() error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want exactly 2", len(entries))
	}
}

func TestLedger_ApplyDelta_InsufficientBalance(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	db.ApplyDelta(ctx, "p1", 40, domain.TxTopUp, nil)

	_, _, err := db.ApplyDelta(ctx, "p1", -100, domain.TxSpend, nil)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}

	acc, _ := db.GetAccount(ctx, "p1")
	if acc.Balance != 40 {
		t.Errorf("balance = %d, want 40 (unchanged)", acc.Balance)
	}
	entries, _ := db.ListEntries(ctx, "p1", 10)
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1 (failed debit writes nothing)", len(entries))
	}
}

func TestLedger_ApplyDelta_ZeroNotRecorded(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	balance, entryID, err := db.ApplyDelta(ctx, "p1", 0, domain.TxAdjustment, nil)
	if err != nil {
		t.Fatalf("zero delta error: %v", err)
	}
	if balance != 0 || entryID != 0 {
		t.Errorf("got (%d, %d), want (0, 0)", balance, entryID)
	}
	entries, _ := db.ListEntries(ctx, "p1", 10)
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

// ─── Transfer ───────────────────────────────────────────────────────────────

func TestLedger_Transfer(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.ApplyDelta(ctx, "vendor", 50, domain.TxTopUp, nil)

	res, err := db.Transfer(ctx, "vendor", "broker", 20, domain.TxCommission, domain.Payload(`{"session":"s1"}`))
	if err != nil {
		t.Fatalf("Transfer() error: %v", err)
	}
	if res.FromBalance != 30 {
		t.Errorf("from balance = %d, want 30", res.FromBalance)
	}
	if res.ToBalance != 20 {
		t.Errorf("to balance = %d, want 20", res.ToBalance)
	}
	if res.EntryFrom == 0 || res.EntryTo == 0 || res.EntryFrom == res.EntryTo {
		t.Errorf("bad entry ids: %d, %d", res.EntryFrom, res.EntryTo)
	}
}

func TestLedger_Transfer_InsufficientRollsBack(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.ApplyDelta(ctx, "vendor", 10, domain.TxTopUp, nil)

	_, err := db.Transfer(ctx, "vendor", "broker", 25, domain.TxCommission, nil)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}

	vendor, _ := db.GetAccount(ctx, "vendor")
	if vendor.Balance != 10 {
		t.Errorf("vendor balance = %d, want 10", vendor.Balance)
	}
	broker, _ := db.GetAccount(ctx, "broker")
	if broker.Balance != 0 {
		t.Errorf("broker balance = %d, want 0 (no partial transfer)", broker.Balance)
	}
}

func TestLedger_Transfer_Validation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if _, err := db.Transfer(ctx, "a", "a", 10, domain.TxCommission, nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("self transfer error = %v, want ErrValidation", err)
	}
	if _, err := db.Transfer(ctx, "a", "b", 0, domain.TxCommission, nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("zero transfer error = %v, want ErrValidation", err)
	}
	if _, err := db.Transfer(ctx, "a", "b", -5, domain.TxCommission, nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("negative transfer error = %v, want ErrValidation", err)
	}
}

// Concurrent transfers over the same account must serialize without losing
// updates: the final balances always sum to the minted total.
func TestLedger_ConcurrentTransfers(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	db.ApplyDelta(ctx, "hub", 1000, domain.TxTopUp, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				db.Transfer(ctx, "hub", "spoke", 1, domain.TxSpend, nil)
			}
		}()
	}
	wg.Wait()

	hub, _ := db.GetAccount(ctx, "hub")
	spoke, _ := db.GetAccount(ctx, "spoke")
	if hub.Balance+spoke.Balance != 1000 {
		t.Errorf("total = %d, want 1000", hub.Balance+spoke.Balance)
	}
	if spoke.Balance != 50 {
		t.Errorf("spoke balance = %d, want 50", spoke.Balance)
	}
}

// ─── Commissions ────────────────────────────────────────────────────────────

func TestCommission_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	rec := &domain.CommissionRecord{
		SessionID:       "s1",
		QuoteID:         "q1",
		VendorProfileID: "vendor",
		BrokerProfileID: "broker",
		Amount:          5,
	}
	if err := db.CreateCommission(ctx, rec); err != nil {
		t.Fatalf("CreateCommission() error: %v", err)
	}
	if rec.ID == 0 {
		t.Fatal("expected id to be assigned")
	}

	due, err := db.ListDueCommissions(ctx, 10)
	if err != nil {
		t.Fatalf("ListDueCommissions() error: %v", err)
	}
	if len(due) != 1 || due[0].ID != rec.ID {
		t.Fatalf("due = %+v, want the created record", due)
	}

	if err := db.MarkCommissionPaid(ctx, rec.ID, time.Now()); err != nil {
		t.Fatalf("MarkCommissionPaid() error: %v", err)
	}
	// Exactly once: a second attempt is a conflict.
	if err := db.MarkCommissionPaid(ctx, rec.ID, time.Now()); !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("second mark error = %v, want ErrStateConflict", err)
	}

	due, _ = db.ListDueCommissions(ctx, 10)
	if len(due) != 0 {
		t.Errorf("due after payment = %d, want 0", len(due))
	}
}
