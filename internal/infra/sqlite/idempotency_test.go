package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dalali-network/dalali/internal/domain"
)

func TestIdempotency_ReserveFirstWriterWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	reserved, _, err := db.ReserveIdempotencyKey(ctx, "key-0123456789abcdef", "h1", now)
	if err != nil {
		t.Fatalf("reserve error: %v", err)
	}
	if !reserved {
		t.Fatal("first reserve must win")
	}

	reserved, existing, err := db.ReserveIdempotencyKey(ctx, "key-0123456789abcdef", "h1", now)
	if err != nil {
		t.Fatalf("second reserve error: %v", err)
	}
	if reserved {
		t.Fatal("second reserve must lose")
	}
	if existing == nil || existing.Status != domain.IdempotencyPending {
		t.Fatalf("existing = %+v, want pending record", existing)
	}
}

func TestIdempotency_FinalizeOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ttl := now.Add(24 * time.Hour)

	db.ReserveIdempotencyKey(ctx, "key-0123456789abcdef", "h1", now)
	if err := db.FinalizeIdempotencyKey(ctx, "key-0123456789abcdef", 201, []byte(`{"ok":true}`), ttl); err != nil {
		t.Fatalf("finalize error: %v", err)
	}

	rec, err := db.GetIdempotencyRecord(ctx, "key-0123456789abcdef")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if rec.Status != domain.IdempotencyCompleted || rec.ResponseStatus != 201 {
		t.Fatalf("record = %+v, want completed/201", rec)
	}

	// A late finalize (e.g. a synthetic timeout racing the real result)
	// must not clobber the stored response.
	if err := db.FinalizeIdempotencyKey(ctx, "key-0123456789abcdef", 504, []byte(`{"timeout":true}`), ttl); err != nil {
		t.Fatalf("second finalize error: %v", err)
	}
	rec, _ = db.GetIdempotencyRecord(ctx, "key-0123456789abcdef")
	if rec.ResponseStatus != 201 {
		t.Errorf("response status = %d, want the original 201", rec.ResponseStatus)
	}
}

// The expiry delete must only ever remove a completed record past its TTL.
// A pending record — possibly just reserved by a caller that already cleared
// the stale one — has to survive, or two callers could both execute.
func TestIdempotency_DeleteExpiredGuard(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	db.ReserveIdempotencyKey(ctx, "key-pending-0123456", "h1", now)
	removed, err := db.DeleteExpiredIdempotencyKey(ctx, "key-pending-0123456", now)
	if err != nil {
		t.Fatalf("delete error: %v", err)
	}
	if removed {
		t.Fatal("a pending record must never be removed")
	}
	if _, err := db.GetIdempotencyRecord(ctx, "key-pending-0123456"); err != nil {
		t.Fatalf("pending record must survive: %v", err)
	}

	db.ReserveIdempotencyKey(ctx, "key-fresh-01234567a", "h2", now)
	db.FinalizeIdempotencyKey(ctx, "key-fresh-01234567a", 200, nil, now.Add(24*time.Hour))
	removed, err = db.DeleteExpiredIdempotencyKey(ctx, "key-fresh-01234567a", now)
	if err != nil || removed {
		t.Fatalf("unexpired delete = %v, %v; want false, nil", removed, err)
	}

	db.ReserveIdempotencyKey(ctx, "key-expired-0123456", "h3", now.Add(-48*time.Hour))
	db.FinalizeIdempotencyKey(ctx, "key-expired-0123456", 200, nil, now.Add(-24*time.Hour))
	removed, err = db.DeleteExpiredIdempotencyKey(ctx, "key-expired-0123456", now)
	if err != nil || !removed {
		t.Fatalf("expired delete = %v, %v; want true, nil", removed, err)
	}
	if _, err := db.GetIdempotencyRecord(ctx, "key-expired-0123456"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expired record error = %v, want ErrNotFound", err)
	}
}

func TestIdempotency_Purge(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	db.ReserveIdempotencyKey(ctx, "key-expired-0123456", "h1", now.Add(-48*time.Hour))
	db.FinalizeIdempotencyKey(ctx, "key-expired-0123456", 200, nil, now.Add(-24*time.Hour))

	db.ReserveIdempotencyKey(ctx, "key-fresh-01234567a", "h2", now)
	db.FinalizeIdempotencyKey(ctx, "key-fresh-01234567a", 200, nil, now.Add(24*time.Hour))

	db.ReserveIdempotencyKey(ctx, "key-pending-0123456", "h3", now)

	purged, err := db.PurgeIdempotencyKeys(ctx, now)
	if err != nil {
		t.Fatalf("purge error: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}

	if _, err := db.GetIdempotencyRecord(ctx, "key-fresh-01234567a"); err != nil {
		t.Errorf("fresh record must survive: %v", err)
	}
	if _, err := db.GetIdempotencyRecord(ctx, "key-pending-0123456"); err != nil {
		t.Errorf("pending record must survive: %v", err)
	}
}
