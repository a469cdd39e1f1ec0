package negotiation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalali-network/dalali/internal/domain"
	"github.com/dalali-network/dalali/internal/infra/sqlite"
)

// fakeClock is a mutable time source shared by the service and sweeper.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// captureSink records emitted events for assertions.
type captureSink struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (c *captureSink) Emit(_ context.Context, ev domain.SessionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) kinds() []domain.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.EventKind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

type fixture struct {
	db    *sqlite.DB
	svc   *Service
	st    *Settlement
	sink  *captureSink
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := newFakeClock()
	sink := &captureSink{}
	st := NewSettlement(db, db, 5)
	st.SetClock(clock.Now)
	st.SetEvents(sink)
	svc := NewService(db, db, st, DefaultConfig(),
		WithClock(clock.Now), WithEvents(sink))
	return &fixture{db: db, svc: svc, st: st, sink: sink, clock: clock}
}

func (f *fixture) createSession(t *testing.T, req CreateRequest) *domain.Session {
	t.Helper()
	if req.RequesterID == "" {
		req.RequesterID = "req-1"
	}
	if req.Flow == "" {
		req.Flow = domain.FlowRide
	}
	sess, err := f.svc.CreateSession(context.Background(), req)
	require.NoError(t, err)
	return sess
}

func (f *fixture) submitQuote(t *testing.T, sessionID, contact string, meta domain.VendorMeta) *domain.Quote {
	t.Helper()
	q, err := f.svc.SubmitQuote(context.Background(), sessionID, contact, meta,
		domain.Payload(`{"price":1500}`), nil)
	require.NoError(t, err)
	return q
}

// ─── CreateSession ──────────────────────────────────────────────────────────

func TestCreateSession_Defaults(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, CreateRequest{})

	assert.Equal(t, domain.SessionSearching, sess.Status)
	assert.Equal(t, 2, sess.MaxExtensions)
	assert.Equal(t, 10*time.Minute, sess.DeadlineAt.Sub(sess.StartedAt))
	assert.Contains(t, f.sink.kinds(), domain.EventSessionCreated)
}

func TestCreateSession_CustomSLA(t *testing.T) {
	f := newFixture(t)
	sess := f.createSession(t, CreateRequest{SLAMinutes: 5})
	assert.Equal(t, 5*time.Minute, sess.DeadlineAt.Sub(sess.StartedAt))
}

func TestCreateSession_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateSession(ctx, CreateRequest{Flow: domain.FlowRide})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.CreateSession(ctx, CreateRequest{RequesterID: "r"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.CreateSession(ctx, CreateRequest{
		RequesterID: "r", Flow: domain.FlowRide, SLAMinutes: 10_000,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateSession_OneActivePerFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createSession(t, CreateRequest{})

	_, err := f.svc.CreateSession(ctx, CreateRequest{RequesterID: "req-1", Flow: domain.FlowRide})
	assert.ErrorIs(t, err, domain.ErrStateConflict)

	// A different flow is an independent slot.
	_, err = f.svc.CreateSession(ctx, CreateRequest{RequesterID: "req-1", Flow: domain.FlowPharmacy})
	assert.NoError(t, err)
}

// ─── SubmitQuote ────────────────────────────────────────────────────────────

func TestSubmitQuote_FirstMovesToNegotiating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, CreateRequest{})

	f.submitQuote(t, sess.ID, "+254700000001", domain.VendorMeta{Name: "Juma"})

	got, _, err := f.svc.Detail(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionNegotiating, got.Status)

	// A second vendor keeps the session negotiating.
	f.submitQuote(t, sess.ID, "+254700000002", domain.VendorMeta{Name: "Amina"})
	got, quotes, err := f.svc.Detail(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionNegotiating, got.Status)
	assert.Len(t, quotes, 2)
}

func TestSubmitQuote_ResubmissionSupersedes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, CreateRequest{})

	first := f.submitQuote(t, sess.ID, "+254700000001", domain.VendorMeta{})
	second, err := f.svc.SubmitQuote(ctx, sess.ID, "+254700000001", domain.VendorMeta{},
		domain.Payload(`{"price":1200}`), nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "resubmission must keep the original quote id")
	assert.Equal(t, domain.QuoteCounterOffered, second.Status)

	_, quotes, _ := f.svc.Detail(ctx, sess.ID)
	assert.Len(t, quotes, 1)
}

func TestSubmitQuote_AfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, CreateRequest{SLAMinutes: 1})

	f.clock.Advance(61 * time.Second)

	_, err := f.svc.SubmitQuote(ctx, sess.ID, "+254700000001", domain.VendorMeta{}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)
}

// ─── SelectQuote ────────────────────────────────────────────────────────────

func TestSelectQuote_Scenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, CreateRequest{SLAMinutes: 5})

	f.submitQuote(t, sess.ID, "v1", domain.VendorMeta{})
	winner := f.submitQuote(t, sess.ID, "v2", domain.VendorMeta{})
	f.submitQuote(t, sess.ID, "v3", domain.VendorMeta{})

	got, err := f.svc.SelectQuote(ctx, sess.ID, winner.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, got.Status)
	assert.Equal(t, winner.ID, got.SelectedQuoteID)

	_, quotes, _ := f.svc.Detail(ctx, sess.ID)
	require.Len(t, quotes, 3)
	for _, q := range quotes {
		if q.ID == winner.ID {
			assert.Equal(t, domain.QuoteAccepted, q.Status)
		} else {
			// The losers keep their pre-selection status.
			assert.Equal(t, domain.QuoteReceived, q.Status)
		}
	}
}

func TestSelectQuote_WrongSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createSession(t, CreateRequest{})
	b := f.createSession(t, CreateRequest{RequesterID: "req-2"})
	q := f.submitQuote(t, a.ID, "v1", domain.VendorMeta{})

	_, err := f.svc.SelectQuote(ctx, b.ID, q.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSelectQuote_TwiceFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, CreateRequest{})
	q1 := f.submitQuote(t, sess.ID, "v1", domain.VendorMeta{})
	q2 := f.submitQuote(t, sess.ID, "v2", domain.VendorMeta{})

	_, err := f.svc.SelectQuote(ctx, sess.ID, q1.ID)
	require.NoError(t, err)

	_, err = f.svc.SelectQuote(ctx, sess.ID, q2.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)
}

// ─── ExtendDeadline ─────────────────────────────────────────────────────────

func TestExtendDeadline_Scenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, CreateRequest{})
	base := sess.DeadlineAt

	first, err := f.svc.ExtendDeadline(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ExtensionsCount)
	assert.Equal(t, base.Add(2*time.Minute), first.DeadlineAt)

	second, err := f.svc.ExtendDeadline(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, second.ExtensionsCount)
	assert.Equal(t, base.Add(4*time.Minute), second.DeadlineAt)

	_, err = f.svc.ExtendDeadline(ctx, sess.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)

	got, _, _ := f.svc.Detail(ctx, sess.ID)
	assert.Equal(t, second.DeadlineAt, got.DeadlineAt, "failed extension must not move the deadline")
}

// ─── Cancel / Present / Fail ────────────────────────────────────────────────

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, CreateRequest{})

	got, err := f.svc.Cancel(ctx, sess.ID, "requester changed plans")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCancelled, got.Status)
	assert.Equal(t, "requester changed plans", got.CancellationReason)

	// Cancelling a terminal session reports "no longer active".
	_, err = f.svc.Cancel(ctx, sess.ID, "again")
	assert.ErrorIs(t, err, domain.ErrSessionNotActive)
}

func TestPresent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, CreateRequest{})
	f.submitQuote(t, sess.ID, "v1", domain.VendorMeta{})

	got, err := f.svc.Present(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPresenting, got.Status)

	// Presenting is still active: selection works from it.
	_, quotes, _ := f.svc.Detail(ctx, sess.ID)
	_, err = f.svc.SelectQuote(ctx, sess.ID, quotes[0].ID)
	assert.NoError(t, err)
}

func TestFail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.createSession(t, CreateRequest{})

	require.NoError(t, f.svc.Fail(ctx, sess.ID, "matcher backend unreachable"))
	got, _, _ := f.svc.Detail(ctx, sess.ID)
	assert.Equal(t, domain.SessionError, got.Status)
	assert.Equal(t, "matcher backend unreachable", got.ErrorMessage)
}

// ─── Settlement ─────────────────────────────────────────────────────────────

func TestSettlement_CommissionPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.db.ApplyDelta(ctx, "vendor-7", 50, domain.TxTopUp, nil)
	require.NoError(t, err)

	sess := f.createSession(t, CreateRequest{BrokerProfileID: "broker-1"})
	q := f.submitQuote(t, sess.ID, "+254700000007", domain.VendorMeta{ProfileID: "vendor-7"})

	_, err = f.svc.SelectQuote(ctx, sess.ID, q.ID)
	require.NoError(t, err)

	vendor, err := f.db.GetAccount(ctx, "vendor-7")
	require.NoError(t, err)
	assert.Equal(t, int64(45), vendor.Balance)
	broker, _ := f.db.GetAccount(ctx, "broker-1")
	assert.Equal(t, int64(5), broker.Balance)

	due, _ := f.db.ListDueCommissions(ctx, 10)
	assert.Empty(t, due)
	assert.Contains(t, f.sink.kinds(), domain.EventSettlementDone)
}

func TestSettlement_InsufficientLeavesDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.createSession(t, CreateRequest{BrokerProfileID: "broker-1"})
	q := f.submitQuote(t, sess.ID, "+254700000007", domain.VendorMeta{ProfileID: "vendor-broke"})

	got, err := f.svc.SelectQuote(ctx, sess.ID, q.ID)
	require.NoError(t, err, "settlement failure must not fail the completion")
	assert.Equal(t, domain.SessionCompleted, got.Status)

	due, _ := f.db.ListDueCommissions(ctx, 10)
	require.Len(t, due, 1)
	assert.Equal(t, int64(5), due[0].Amount)
	assert.Contains(t, f.sink.kinds(), domain.EventSettlementDue)
}

func TestSettlement_RetryCollectsAfterTopUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.createSession(t, CreateRequest{BrokerProfileID: "broker-1"})
	q := f.submitQuote(t, sess.ID, "v", domain.VendorMeta{ProfileID: "vendor-late"})
	_, err := f.svc.SelectQuote(ctx, sess.ID, q.ID)
	require.NoError(t, err)

	// Vendor tops up afterwards; the out-of-band retry collects.
	_, _, err = f.db.ApplyDelta(ctx, "vendor-late", 100, domain.TxTopUp, nil)
	require.NoError(t, err)

	collected, err := f.st.Retry(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, collected)

	due, _ := f.db.ListDueCommissions(ctx, 10)
	assert.Empty(t, due)
}

func TestSettlement_NoBrokerNoCommission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := f.createSession(t, CreateRequest{})
	q := f.submitQuote(t, sess.ID, "v", domain.VendorMeta{ProfileID: "vendor-7"})
	_, err := f.svc.SelectQuote(ctx, sess.ID, q.ID)
	require.NoError(t, err)

	due, _ := f.db.ListDueCommissions(ctx, 10)
	assert.Empty(t, due)
}

// ─── Select vs Sweep Race ───────────────────────────────────────────────────

// Launching SelectQuote and a sweep at the same deadline-passage instant
// must end the session in exactly one of {completed, timeout}.
func TestSelectQuote_RacesSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sw := NewSweeper(f.db, f.db, time.Second, 0, WithSweeperClock(f.clock.Now))

	for i := 0; i < 10; i++ {
		sess := f.createSession(t, CreateRequest{RequesterID: "req-race", SLAMinutes: 1})
		q := f.submitQuote(t, sess.ID, "v1", domain.VendorMeta{})

		f.clock.Advance(61 * time.Second)
		at := f.clock.Now()

		var wg sync.WaitGroup
		var selectErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, selectErr = f.svc.SelectQuote(ctx, sess.ID, q.ID)
		}()
		go func() {
			defer wg.Done()
			_, _ = sw.Sweep(ctx, at)
		}()
		wg.Wait()

		got, _, err := f.svc.Detail(ctx, sess.ID)
		require.NoError(t, err)
		switch got.Status {
		case domain.SessionCompleted:
			require.NoError(t, selectErr)
			assert.Equal(t, q.ID, got.SelectedQuoteID)
		case domain.SessionTimeout:
			require.Error(t, selectErr, "timeout and completion cannot both win")
			assert.Empty(t, got.SelectedQuoteID)
		default:
			t.Fatalf("session left in %q", got.Status)
		}
	}
}
