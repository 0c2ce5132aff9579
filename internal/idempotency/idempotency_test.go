package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisIndex(t *testing.T) (*RedisIndex, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		cache.Close()
		mr.Close()
	}
	return NewRedisIndex(cache, time.Minute), cleanup
}

func testScope() Scope {
	return Scope{AccountID: "acct-1", Operation: "transfer", Key: "key-1"}
}

func runIndexLifecycle(t *testing.T, idx Index) {
	t.Helper()
	ctx := context.Background()
	scope := testScope()
	fp := Fingerprint(map[string]any{"amount": 100})

	replay, err := idx.Begin(ctx, scope, fp)
	if err != nil || replay != nil {
		t.Fatalf("expected fresh begin, got replay=%v err=%v", replay, err)
	}

	// Same key while in flight conflicts.
	if _, err := idx.Begin(ctx, scope, fp); !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected in-progress error, got %v", err)
	}

	payload, _ := json.Marshal(map[string]any{"transaction_id": "tx-1"})
	if err := idx.Complete(ctx, scope, Result{Fingerprint: fp, Status: StatusSucceeded, Payload: payload}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	replay, err = idx.Begin(ctx, scope, fp)
	if err != nil {
		t.Fatalf("replay begin: %v", err)
	}
	if replay == nil || replay.Status != StatusSucceeded {
		t.Fatalf("expected stored replay, got %+v", replay)
	}
	if string(replay.Payload) != string(payload) {
		t.Fatalf("replay payload mismatch: %s", replay.Payload)
	}

	// Same key, different payload is a client error.
	if _, err := idx.Begin(ctx, scope, Fingerprint(map[string]any{"amount": 999})); !errors.Is(err, ErrKeyConflict) {
		t.Fatalf("expected key conflict, got %v", err)
	}
}

func TestRedisIndexLifecycle(t *testing.T) {
	idx, cleanup := setupRedisIndex(t)
	defer cleanup()
	runIndexLifecycle(t, idx)
}

func TestMemoryIndexLifecycle(t *testing.T) {
	runIndexLifecycle(t, NewMemoryIndex())
}

func TestAbandonReleasesReservation(t *testing.T) {
	idx, cleanup := setupRedisIndex(t)
	defer cleanup()
	ctx := context.Background()
	scope := testScope()
	fp := Fingerprint("payload")

	if _, err := idx.Begin(ctx, scope, fp); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := idx.Abandon(ctx, scope); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if replay, err := idx.Begin(ctx, scope, fp); err != nil || replay != nil {
		t.Fatalf("expected fresh begin after abandon, got replay=%v err=%v", replay, err)
	}
}

func TestFailedOutcomeReplays(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	scope := testScope()
	fp := Fingerprint("payload")

	if _, err := idx.Begin(ctx, scope, fp); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := idx.Complete(ctx, scope, Result{Fingerprint: fp, Status: StatusFailed, ErrorKind: "insufficient_funds"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	replay, err := idx.Begin(ctx, scope, fp)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay == nil || replay.Status != StatusFailed || replay.ErrorKind != "insufficient_funds" {
		t.Fatalf("expected stored failure, got %+v", replay)
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint(map[string]any{"amount": int64(100), "to": "u2"})
	b := Fingerprint(map[string]any{"amount": int64(100), "to": "u2"})
	if a != b {
		t.Fatal("fingerprint not stable for identical payloads")
	}
	if a == Fingerprint(map[string]any{"amount": int64(101), "to": "u2"}) {
		t.Fatal("fingerprint collision for distinct payloads")
	}
}
