package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/webinar-backend/internal/store"
)

func startWatcher(t *testing.T, mem *store.Memory, cooldown time.Duration) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWatcher(mem, log, cooldown)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		w.Wait()
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcherSettlesExpiredConnection(t *testing.T) {
	mem := store.NewMemory(0)
	t.Cleanup(mem.Close)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(mem, log)
	ctx := context.Background()

	if err := svc.Login(ctx, store.Participants, "u1"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	startWatcher(t, mem, 100*time.Millisecond)

	mem.ExpireConn(store.Participants, "u1")

	waitFor(t, "counter to reach 0", func() bool {
		n, _ := mem.GetCount(ctx, store.Participants)
		return n == 0
	})
	rec, err := mem.GetRecord(ctx, store.Participants, "u1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.State != store.StateOffline || rec.StateSource != store.SourceDisconnection {
		t.Fatalf("record = %+v, want offline/disconnection", rec)
	}
}

func TestClientReportedDisconnectSettlesOnce(t *testing.T) {
	mem := store.NewMemory(0)
	t.Cleanup(mem.Close)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(mem, log)
	ctx := context.Background()

	for _, id := range []string{"u1", "u2"} {
		if err := svc.Login(ctx, store.Participants, id); err != nil {
			t.Fatalf("Login %s: %v", id, err)
		}
	}
	startWatcher(t, mem, 100*time.Millisecond)

	// A client reporting its own disconnect through the request path is
	// decremented there; the watcher must not settle the same write again.
	if err := svc.UpdateState(ctx, store.Participants, "u1", store.StateOffline, store.SourceConnection); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	rec, err := mem.GetRecord(ctx, store.Participants, "u1")
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if rec.State != store.StateOffline || rec.StateSource != store.SourceDisconnection {
		t.Fatalf("record = %+v, want offline/disconnection", rec)
	}
	// Give the watcher a chance to mishandle the write.
	time.Sleep(50 * time.Millisecond)
	if n, _ := mem.GetCount(ctx, store.Participants); n != 1 {
		t.Fatalf("count = %d, want 1 (u2 still connected)", n)
	}
}

func TestWatcherDeduplicatesOfflineEvents(t *testing.T) {
	mem := store.NewMemory(0)
	t.Cleanup(mem.Close)
	ctx := context.Background()

	mem.SetCount(ctx, store.Participants, 5)
	startWatcher(t, mem, 500*time.Millisecond)

	// The same externally-triggered disconnect delivered three times.
	rec := store.Record{State: store.StateOffline, StateSource: store.SourceConnection}
	for i := 0; i < 3; i++ {
		mem.PutRecord(ctx, store.Participants, "u1", rec)
	}

	waitFor(t, "one decrement", func() bool {
		n, _ := mem.GetCount(ctx, store.Participants)
		return n == 4
	})
	// Give redundant deliveries a chance to be mishandled.
	time.Sleep(50 * time.Millisecond)
	if n, _ := mem.GetCount(ctx, store.Participants); n != 4 {
		t.Fatalf("count = %d, want 4 (single decrement)", n)
	}
}

func TestWatcherAbortsWhenUserReconnected(t *testing.T) {
	mem := store.NewMemory(0)
	t.Cleanup(mem.Close)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(mem, log)
	ctx := context.Background()

	w := NewWatcher(mem, log, 100*time.Millisecond)

	if err := svc.Login(ctx, store.Participants, "u1"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	// Expiry fires, but the user reconnects before the watcher settles it.
	w.handleExpiry(ctx, store.Participants, "u1")
	if err := svc.Heartbeat(ctx, store.Participants, "u1"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	n, _ := mem.GetCount(ctx, store.Participants)

	w.handleOffline(ctx, store.Participants, "u1")
	if after, _ := mem.GetCount(ctx, store.Participants); after != n {
		t.Fatalf("count changed from %d to %d despite reconnect", n, after)
	}
	rec, _ := mem.GetRecord(ctx, store.Participants, "u1")
	if rec.State != store.StateActive {
		t.Fatalf("state = %s, want active", rec.State)
	}
}

func TestHandleExpiryLeavesOfflineRecordsAlone(t *testing.T) {
	mem := store.NewMemory(0)
	t.Cleanup(mem.Close)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWatcher(mem, log, 100*time.Millisecond)
	ctx := context.Background()

	// Already taken offline by a beacon: the expiry must not rewrite the
	// source and provoke a second decrement.
	mem.PutRecord(ctx, store.Participants, "u1", store.Record{
		State: store.StateOffline, StateSource: store.SourceBeacon,
	})
	w.handleExpiry(ctx, store.Participants, "u1")

	rec, _ := mem.GetRecord(ctx, store.Participants, "u1")
	if rec.StateSource != store.SourceBeacon {
		t.Fatalf("source = %s, want beacon untouched", rec.StateSource)
	}

	// No record at all: nothing may be fabricated.
	w.handleExpiry(ctx, store.Participants, "ghost")
	if _, err := mem.GetRecord(ctx, store.Participants, "ghost"); err != store.ErrNotFound {
		t.Fatalf("expiry fabricated a record, err = %v", err)
	}
}
