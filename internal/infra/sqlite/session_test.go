package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dalali-network/dalali/internal/domain"
)

// ─── Session CRUD ───────────────────────────────────────────────────────────

func TestSession_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := newTestSession(t, db, 5*time.Minute)

	got, err := db.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if got.Status != domain.SessionSearching {
		t.Errorf("status = %q, want %q", got.Status, domain.SessionSearching)
	}
	if got.RequesterID != "req-1" {
		t.Errorf("requester = %q, want req-1", got.RequesterID)
	}
	if !got.DeadlineAt.After(got.StartedAt) {
		t.Error("deadline_at must be after started_at")
	}
	if string(got.RequestData) != `{"pickup":"cbd"}` {
		t.Errorf("request data = %s", got.RequestData)
	}
}

func TestSession_GetMissing(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetSession(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestSession_FindActive(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := newTestSession(t, db, 5*time.Minute)

	found, err := db.FindActiveSession(ctx, "req-1", domain.FlowRide)
	if err != nil {
		t.Fatalf("FindActiveSession() error: %v", err)
	}
	if found.ID != s.ID {
		t.Errorf("found %q, want %q", found.ID, s.ID)
	}

	if err := db.CancelSession(ctx, s.ID, "changed my mind", time.Now()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := db.FindActiveSession(ctx, "req-1", domain.FlowRide); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("after cancel, error = %v, want ErrNotFound", err)
	}
}

// ─── Transitions ────────────────────────────────────────────────────────────

func TestSession_MarkNegotiating(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := newTestSession(t, db, 5*time.Minute)

	changed, err := db.MarkNegotiating(ctx, s.ID, time.Now())
	if err != nil {
		t.Fatalf("MarkNegotiating() error: %v", err)
	}
	if !changed {
		t.Fatal("expected transition to happen")
	}

	// Second call is a lost race, not an error.
	changed, err = db.MarkNegotiating(ctx, s.ID, time.Now())
	if err != nil {
		t.Fatalf("second MarkNegotiating() error: %v", err)
	}
	if changed {
		t.Error("expected no-op on second call")
	}
}

func TestSession_Complete_GuardsSelectedQuote(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := newTestSession(t, db, 5*time.Minute)

	if err := db.CompleteSession(ctx, s.ID, "quote-1", time.Now()); err != nil {
		t.Fatalf("CompleteSession() error: %v", err)
	}
	got, _ := db.GetSession(ctx, s.ID)
	if got.Status != domain.SessionCompleted {
		t.Errorf("status = %q, want completed", got.Status)
	}
	if got.SelectedQuoteID != "quote-1" {
		t.Errorf("selected_quote_id = %q, want quote-1", got.SelectedQuoteID)
	}

	err := db.CompleteSession(ctx, s.ID, "quote-2", time.Now())
	if !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("second complete error = %v, want ErrSessionNotActive", err)
	}
	got, _ = db.GetSession(ctx, s.ID)
	if got.SelectedQuoteID != "quote-1" {
		t.Error("selected quote must not change after completion")
	}
}

func TestSession_Timeout_Idempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := newTestSession(t, db, time.Minute)
	past := time.Now().Add(2 * time.Minute)

	ok, err := db.TimeoutSession(ctx, s.ID, past)
	if err != nil || !ok {
		t.Fatalf("TimeoutSession() = %v, %v; want true, nil", ok, err)
	}
	ok, err = db.TimeoutSession(ctx, s.ID, past)
	if err != nil {
		t.Fatalf("second TimeoutSession() error: %v", err)
	}
	if ok {
		t.Error("second timeout must be a silent no-op")
	}
}

func TestSession_Timeout_BeforeDeadline(t *testing.T) {
	db := newTestDB(t)
	s := newTestSession(t, db, 10*time.Minute)

	ok, err := db.TimeoutSession(context.Background(), s.ID, time.Now())
	if err != nil {
		t.Fatalf("TimeoutSession() error: %v", err)
	}
	if ok {
		t.Error("session before deadline must not time out")
	}
}

func TestSession_Extend_CapEnforced(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := newTestSession(t, db, 5*time.Minute)
	now := time.Now()

	first, err := db.ExtendSession(ctx, s.ID, 2*time.Minute, now)
	if err != nil {
		t.Fatalf("first extend: %v", err)
	}
	if first.ExtensionsCount != 1 {
		t.Errorf("extensions_count = %d, want 1", first.ExtensionsCount)
	}
	wantDeadline := s.DeadlineAt.Add(2 * time.Minute)
	if !first.DeadlineAt.Equal(wantDeadline) {
		t.Errorf("deadline = %v, want %v", first.DeadlineAt, wantDeadline)
	}

	second, err := db.ExtendSession(ctx, s.ID, 2*time.Minute, now)
	if err != nil {
		t.Fatalf("second extend: %v", err)
	}
	if second.ExtensionsCount != 2 {
		t.Errorf("extensions_count = %d, want 2", second.ExtensionsCount)
	}

	_, err = db.ExtendSession(ctx, s.ID, 2*time.Minute, now)
	if !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("third extend error = %v, want ErrSessionNotActive", err)
	}
	got, _ := db.GetSession(ctx, s.ID)
	if !got.DeadlineAt.Equal(second.DeadlineAt) {
		t.Error("failed extension must leave deadline unchanged")
	}
}

func TestSession_Extend_TerminalFails(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	s := newTestSession(t, db, 5*time.Minute)
	db.CancelSession(ctx, s.ID, "done", time.Now())

	_, err := db.ExtendSession(ctx, s.ID, 2*time.Minute, time.Now())
	if !errors.Is(err, domain.ErrSessionNotActive) {
		t.Fatalf("error = %v, want ErrSessionNotActive", err)
	}
}

// ─── Concurrency ────────────────────────────────────────────────────────────

// A select and a timeout racing on the same session must produce exactly one
// winner: the session ends either completed or timeout, never both.
func TestSession_SelectVsTimeoutRace(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		s := newTestSession(t, db, time.Minute)
		at := time.Now().Add(2 * time.Minute) // past the deadline for both

		var wg sync.WaitGroup
		var completeErr error
		var timedOut bool
		wg.Add(2)
		go func() {
			defer wg.Done()
			completeErr = db.CompleteSession(ctx, s.ID, "quote-x", at)
		}()
		go func() {
			defer wg.Done()
			timedOut, _ = db.TimeoutSession(ctx, s.ID, at)
		}()
		wg.Wait()

		got, err := db.GetSession(ctx, s.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		switch got.Status {
		case domain.SessionCompleted:
			if completeErr != nil {
				t.Fatalf("completed but CompleteSession errored: %v", completeErr)
			}
			if timedOut {
				t.Fatal("both transitions claim success")
			}
		case domain.SessionTimeout:
			if !timedOut {
				t.Fatal("timeout status without a successful TimeoutSession")
			}
			if completeErr == nil {
				t.Fatal("both transitions claim success")
			}
		default:
			t.Fatalf("unexpected terminal status %q", got.Status)
		}
	}
}

// ─── Sweep Queries ──────────────────────────────────────────────────────────

func TestSession_ListExpiredAndExpiring(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	expired := newTestSession(t, db, time.Minute)
	expiring := newTestSession(t, db, 3*time.Minute)
	healthy := newTestSession(t, db, time.Hour)

	at := time.Now().Add(2 * time.Minute)

	past, err := db.ListExpiredSessions(ctx, at)
	if err != nil {
		t.Fatalf("ListExpiredSessions() error: %v", err)
	}
	if len(past) != 1 || past[0].ID != expired.ID {
		t.Errorf("expired = %v, want [%s]", ids(past), expired.ID)
	}

	soon, err := db.ListExpiringSessions(ctx, at, 5*time.Minute)
	if err != nil {
		t.Fatalf("ListExpiringSessions() error: %v", err)
	}
	if len(soon) != 1 || soon[0].ID != expiring.ID {
		t.Errorf("expiring = %v, want [%s]", ids(soon), expiring.ID)
	}

	n, err := db.CountActiveSessions(ctx)
	if err != nil {
		t.Fatalf("CountActiveSessions() error: %v", err)
	}
	if n != 3 {
		t.Errorf("active = %d, want 3", n)
	}
	_ = healthy
}

func ids(ss []domain.Session) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.ID
	}
	return out
}
