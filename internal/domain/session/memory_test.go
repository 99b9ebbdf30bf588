package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ehr/intake/internal/domain/delivery"
	"github.com/ehr/intake/internal/domain/record"
)

// fakeClock is an adjustable clock for expiry tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
}

func testRecords() ([]*record.Normalized, []record.Issue, map[string]bool) {
	recs := []*record.Normalized{
		{ID: "MRN12345", FirstName: "Maria", LastName: "Lopez", DOB: "19900412", Sex: "F"},
	}
	return recs, nil, map[string]bool{"MRN12345": true}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(30*time.Minute, clock.now)
	ctx := context.Background()

	recs, issues, eligible := testRecords()
	sess, err := store.Create(ctx, recs, issues, eligible)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Token == "" {
		t.Error("expected a token")
	}
	if sess.Status != StatusOpen {
		t.Errorf("expected open status, got %s", sess.Status)
	}
	if !sess.ExpiresAt.Equal(clock.t.Add(30 * time.Minute)) {
		t.Errorf("unexpected expiry %v", sess.ExpiresAt)
	}

	got, err := store.Get(ctx, sess.Token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Records[0].ID != "MRN12345" {
		t.Errorf("unexpected record snapshot: %+v", got.Records)
	}
}

func TestMemoryStore_GetUnknownToken(t *testing.T) {
	store := NewMemoryStore(0, nil)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(30*time.Minute, clock.now)
	ctx := context.Background()

	recs, issues, eligible := testRecords()
	sess, _ := store.Create(ctx, recs, issues, eligible)

	clock.advance(31 * time.Minute)

	if _, err := store.Get(ctx, sess.Token); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired on get, got %v", err)
	}
	if _, _, err := store.Confirm(ctx, sess.Token); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired on confirm, got %v", err)
	}
}

func TestMemoryStore_ConfirmOnce(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(30*time.Minute, clock.now)
	ctx := context.Background()

	recs, issues, eligible := testRecords()
	sess, _ := store.Create(ctx, recs, issues, eligible)

	_, won, err := store.Confirm(ctx, sess.Token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !won {
		t.Fatal("first confirm should win the transition")
	}

	// A second confirm before the result is cached races the in-flight one.
	if _, _, err := store.Confirm(ctx, sess.Token); !errors.Is(err, ErrConfirmInFlight) {
		t.Fatalf("expected ErrConfirmInFlight, got %v", err)
	}

	result := &delivery.OperationResult{OperationID: "op-1", Status: delivery.OperationSuccess}
	if err := store.SaveResult(ctx, sess.Token, result); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	replayed, won, err := store.Confirm(ctx, sess.Token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if won {
		t.Error("replay must not win the transition")
	}
	if replayed.Result == nil || replayed.Result.OperationID != "op-1" {
		t.Errorf("expected cached result, got %+v", replayed.Result)
	}
}

func TestMemoryStore_ConfirmedSessionSurvivesTTL(t *testing.T) {
	// Expiry applies to the open window, not to result replay.
	clock := newFakeClock()
	store := NewMemoryStore(30*time.Minute, clock.now)
	ctx := context.Background()

	recs, issues, eligible := testRecords()
	sess, _ := store.Create(ctx, recs, issues, eligible)

	if _, _, err := store.Confirm(ctx, sess.Token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	store.SaveResult(ctx, sess.Token, &delivery.OperationResult{OperationID: "op-1"})

	clock.advance(31 * time.Minute)

	replayed, won, err := store.Confirm(ctx, sess.Token)
	if err != nil {
		t.Fatalf("expected replay on confirmed session, got %v", err)
	}
	if won || replayed.Result == nil {
		t.Errorf("expected cached replay, won=%v result=%+v", won, replayed.Result)
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(30*time.Minute, clock.now)
	ctx := context.Background()

	recs, issues, eligible := testRecords()
	old, _ := store.Create(ctx, recs, issues, eligible)

	clock.advance(20 * time.Minute)
	fresh, _ := store.Create(ctx, recs, issues, eligible)

	clock.advance(15 * time.Minute) // old is 35m, fresh is 15m

	n, err := store.Sweep(ctx, clock.now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 session swept, got %d", n)
	}
	if _, err := store.Get(ctx, old.Token); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected swept session to be gone, got %v", err)
	}
	if _, err := store.Get(ctx, fresh.Token); err != nil {
		t.Errorf("expected fresh session to survive, got %v", err)
	}
}
