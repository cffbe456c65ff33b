package lockout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTracker(t *testing.T, cfg Config) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, cfg), mr
}

func TestLocksAtThreshold(t *testing.T) {
	tracker, _ := newTracker(t, Config{Threshold: 5, Window: time.Minute})
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		count, err := tracker.RecordFailure(ctx, "email:bob@example.com")
		if err != nil {
			t.Fatal(err)
		}
		if count != int64(i) {
			t.Fatalf("failure %d: counter = %d", i, count)
		}
		locked, err := tracker.IsLocked(ctx, "email:bob@example.com")
		if err != nil {
			t.Fatal(err)
		}
		if locked {
			t.Fatalf("locked after only %d failures", i)
		}
	}

	if _, err := tracker.RecordFailure(ctx, "email:bob@example.com"); err != nil {
		t.Fatal(err)
	}
	locked, err := tracker.IsLocked(ctx, "email:bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !locked {
		t.Fatal("must lock at the fifth failure")
	}
}

func TestWindowExpiryUnlocks(t *testing.T) {
	tracker, mr := newTracker(t, Config{Threshold: 2, Window: time.Minute})
	ctx := context.Background()

	tracker.RecordFailure(ctx, "email:bob@example.com")
	tracker.RecordFailure(ctx, "email:bob@example.com")
	if locked, _ := tracker.IsLocked(ctx, "email:bob@example.com"); !locked {
		t.Fatal("expected lock")
	}

	mr.FastForward(61 * time.Second)

	locked, err := tracker.IsLocked(ctx, "email:bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Fatal("lock must clear after the window elapses")
	}
	count, err := tracker.Failures(ctx, "email:bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("counter must expire with the window, got %d", count)
	}
}

func TestEachFailureSlidesTheWindow(t *testing.T) {
	tracker, mr := newTracker(t, Config{Threshold: 5, Window: time.Minute})
	ctx := context.Background()

	tracker.RecordFailure(ctx, "email:bob@example.com")
	mr.FastForward(45 * time.Second)
	tracker.RecordFailure(ctx, "email:bob@example.com")
	mr.FastForward(45 * time.Second)

	// 90s after the first failure the counter is still alive because the
	// second failure refreshed the TTL.
	count, err := tracker.Failures(ctx, "email:bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("counter = %d, want 2", count)
	}
}

func TestResetClearsCounters(t *testing.T) {
	tracker, _ := newTracker(t, Config{Threshold: 2, Window: time.Minute})
	ctx := context.Background()

	tracker.RecordFailure(ctx, "email:bob@example.com")
	tracker.RecordFailure(ctx, "origin:10.0.0.1")

	if err := tracker.Reset(ctx, "email:bob@example.com", "origin:10.0.0.1", ""); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"email:bob@example.com", "origin:10.0.0.1"} {
		count, err := tracker.Failures(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if count != 0 {
			t.Fatalf("%s: counter = %d after reset", id, count)
		}
	}
}

func TestAnyLocked(t *testing.T) {
	tracker, _ := newTracker(t, Config{Threshold: 1, Window: time.Minute})
	ctx := context.Background()

	tracker.RecordFailure(ctx, "origin:10.0.0.1")

	locked, err := tracker.AnyLocked(ctx, "email:alice@example.com", "origin:10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if !locked {
		t.Fatal("a locked origin must lock the whole attempt")
	}

	locked, err = tracker.AnyLocked(ctx, "email:alice@example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Fatal("unknown identifiers must not read as locked")
	}
}

func TestSeparateIdentifiersDoNotInterfere(t *testing.T) {
	tracker, _ := newTracker(t, Config{Threshold: 2, Window: time.Minute})
	ctx := context.Background()

	tracker.RecordFailure(ctx, "email:bob@example.com")
	tracker.RecordFailure(ctx, "email:bob@example.com")

	locked, err := tracker.IsLocked(ctx, "email:alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if locked {
		t.Fatal("another email must not inherit the lock")
	}
}
