package session

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nugget/parley/internal/llm"
)

func TestSweeper_Sweep(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	store.Append("idle", llm.UserText("hi"))
	store.Append("running", llm.UserText("hi"))

	locker := NewLocker(time.Second)
	release, _ := locker.Acquire(context.Background(), "running")
	defer release()

	sw := NewSweeper(store, time.Hour, time.Minute, locker.Held, slog.Default())
	sw.now = func() time.Time { return base.Add(30 * time.Minute) }
	if n := sw.Sweep(); n != 0 {
		t.Errorf("Sweep() before TTL = %d, want 0", n)
	}

	sw.now = func() time.Time { return base.Add(2 * time.Hour) }
	if n := sw.Sweep(); n != 1 {
		t.Errorf("Sweep() after TTL = %d, want 1", n)
	}
	if _, ok := store.Get("running"); !ok {
		t.Error("session with an active turn was evicted")
	}
}

func TestSweeper_Disabled(t *testing.T) {
	defer goleak.VerifyNone(t)

	sw := NewSweeper(NewMemoryStore(), 0, 0, nil, nil)
	if sw.Enabled() {
		t.Fatal("zero TTL sweeper should be disabled")
	}

	done := make(chan struct{})
	go func() {
		sw.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled Run() did not return")
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := NewMemoryStore()
	store.now = func() time.Time { return time.Now().Add(-time.Hour) }
	store.Append("stale", llm.UserText("hi"))

	sw := NewSweeper(store, time.Minute, 5*time.Millisecond, nil, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sw.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		if _, ok := store.Get("stale"); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sweeper never evicted the stale session")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
