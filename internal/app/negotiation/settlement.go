package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dalali-network/dalali/internal/domain"
	"github.com/dalali-network/dalali/internal/infra/observability"
)

// Settlement executes the ledger transfer and commission bookkeeping
// triggered by session completion. A commission applies when the session
// carries a broker relationship and the winning quote has a vendor profile
// (anonymous vendors cannot be charged).
//
// Settlement is deliberately decoupled from the completion transition: an
// InsufficientBalance here leaves the CommissionRecord due for out-of-band
// retry and never rolls the session back.
type Settlement struct {
	ledger      domain.LedgerStore
	commissions domain.CommissionStore
	events      domain.EventSink
	logger      *slog.Logger
	amount      int64
	now         func() time.Time
}

// NewSettlement creates the settlement engine. amount is the flat commission
// in token units charged vendor → broker.
func NewSettlement(ledger domain.LedgerStore, commissions domain.CommissionStore, amount int64) *Settlement {
	return &Settlement{
		ledger:      ledger,
		commissions: commissions,
		logger:      slog.With("component", "settlement"),
		amount:      amount,
		now:         time.Now,
	}
}

// SetEvents wires the structured event sink.
func (st *Settlement) SetEvents(sink domain.EventSink) { st.events = sink }

// SetClock overrides the time source for tests.
func (st *Settlement) SetClock(now func() time.Time) { st.now = now }

// Settle records and, balance permitting, collects the commission for a
// completed session. Errors are absorbed here: the session is already
// completed and failures are reported to the operational channel (log +
// metric), not the requester.
func (st *Settlement) Settle(ctx context.Context, sess *domain.Session, quote *domain.Quote) {
	if sess.BrokerProfileID == "" || quote.VendorProfileID == "" || st.amount <= 0 {
		return
	}

	rec := &domain.CommissionRecord{
		SessionID:       sess.ID,
		QuoteID:         quote.ID,
		VendorProfileID: quote.VendorProfileID,
		BrokerProfileID: sess.BrokerProfileID,
		Amount:          st.amount,
		Status:          domain.CommissionDue,
		CreatedAt:       st.now().UTC(),
	}
	if err := st.commissions.CreateCommission(ctx, rec); err != nil {
		observability.Settlements.WithLabelValues("error").Inc()
		st.logger.Error("record commission",
			"session_id", sess.ID, "quote_id", quote.ID, "error", err)
		return
	}

	st.collect(ctx, rec)
}

// Retry re-attempts collection of unresolved commissions. Invoked
// out-of-band (sweeper pass or operator tooling).
func (st *Settlement) Retry(ctx context.Context, limit int) (int, error) {
	due, err := st.commissions.ListDueCommissions(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list due commissions: %w", err)
	}
	collected := 0
	for i := range due {
		if st.collect(ctx, &due[i]) {
			collected++
		}
	}
	return collected, nil
}

func (st *Settlement) collect(ctx context.Context, rec *domain.CommissionRecord) bool {
	meta := domain.Payload(fmt.Sprintf(`{"session_id":%q,"quote_id":%q,"commission_id":%d}`,
		rec.SessionID, rec.QuoteID, rec.ID))

	res, err := st.ledger.Transfer(ctx, rec.VendorProfileID, rec.BrokerProfileID, rec.Amount, domain.TxCommission, meta)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			observability.Settlements.WithLabelValues("due").Inc()
			st.logger.Warn("commission left due: vendor balance too low",
				"commission_id", rec.ID, "vendor", rec.VendorProfileID, "amount", rec.Amount)
			st.emit(ctx, domain.SessionEvent{
				Kind:      domain.EventSettlementDue,
				SessionID: rec.SessionID,
				QuoteID:   rec.QuoteID,
				Detail:    fmt.Sprintf("commission %d due, amount %d", rec.ID, rec.Amount),
				At:        st.now().UTC(),
			})
		} else {
			observability.Settlements.WithLabelValues("error").Inc()
			st.logger.Error("commission transfer",
				"commission_id", rec.ID, "error", err)
		}
		return false
	}

	if err := st.commissions.MarkCommissionPaid(ctx, rec.ID, st.now()); err != nil {
		// Paid twice would be worse than a stale record; the transfer
		// went through, so only log the bookkeeping miss.
		observability.Settlements.WithLabelValues("error").Inc()
		st.logger.Error("mark commission paid",
			"commission_id", rec.ID, "error", err)
		return false
	}

	observability.Settlements.WithLabelValues("paid").Inc()
	observability.LedgerEntries.WithLabelValues(string(domain.TxCommission)).Add(2)
	st.logger.Info("commission collected",
		"commission_id", rec.ID, "vendor", rec.VendorProfileID,
		"broker", rec.BrokerProfileID, "amount", rec.Amount,
		"vendor_balance", res.FromBalance)
	st.emit(ctx, domain.SessionEvent{
		Kind:      domain.EventSettlementDone,
		SessionID: rec.SessionID,
		QuoteID:   rec.QuoteID,
		Detail:    fmt.Sprintf("commission %d collected", rec.ID),
		At:        st.now().UTC(),
	})
	return true
}

func (st *Settlement) emit(ctx context.Context, ev domain.SessionEvent) {
	if st.events != nil {
		st.events.Emit(ctx, ev)
	}
}
