package presence

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/webinar-backend/internal/config"
	"github.com/example/webinar-backend/internal/store"
)

func testSweeper(t *testing.T, gate func() bool) (*Sweeper, *Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory(0)
	t.Cleanup(mem.Close)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(mem, log)
	cfg := config.SweepConfig{
		ClosingInterval:    time.Minute,
		ClosingGrace:       3 * time.Minute,
		BackgroundInterval: 30 * time.Minute,
		BackgroundGrace:    30 * time.Minute,
		ReconcileInterval:  5 * time.Minute,
		BatchSize:          100,
		BatchDelay:         time.Millisecond,
	}
	return NewSweeper(svc, mem, cfg, log, gate), svc, mem
}

func staleRecord(state store.State, age time.Duration) store.Record {
	ts := time.Now().Add(-age).UnixMilli()
	return store.Record{State: state, StateUpdatedAt: ts, StateSource: store.SourceVisibility, LastSeen: ts}
}

func TestSweepClosingReapsStaleRecords(t *testing.T) {
	sw, _, mem := testSweeper(t, nil)
	ctx := context.Background()

	mem.PutRecord(ctx, store.Participants, "stale", staleRecord(store.StateClosing, 10*time.Minute))
	mem.PutRecord(ctx, store.Participants, "fresh", staleRecord(store.StateClosing, 30*time.Second))
	mem.PutRecord(ctx, store.Hosts, "staleHost", staleRecord(store.StateClosing, 10*time.Minute))
	mem.SetCount(ctx, store.Participants, 2)
	mem.SetCount(ctx, store.Hosts, 1)

	sw.SweepClosing(ctx)

	rec, _ := mem.GetRecord(ctx, store.Participants, "stale")
	if rec.State != store.StateOffline || rec.StateSource != store.SourceCleanupJob {
		t.Fatalf("stale record = %+v, want offline/cleanup_job", rec)
	}
	rec, _ = mem.GetRecord(ctx, store.Participants, "fresh")
	if rec.State != store.StateClosing {
		t.Fatalf("fresh record swept early: %+v", rec)
	}
	rec, _ = mem.GetRecord(ctx, store.Hosts, "staleHost")
	if rec.State != store.StateOffline {
		t.Fatalf("stale host not swept: %+v", rec)
	}
	if n, _ := mem.GetCount(ctx, store.Participants); n != 1 {
		t.Fatalf("participant count = %d, want 1", n)
	}
	if n, _ := mem.GetCount(ctx, store.Hosts); n != 0 {
		t.Fatalf("host count = %d, want 0", n)
	}
}

func TestSweepClosingIsIdempotent(t *testing.T) {
	sw, _, mem := testSweeper(t, nil)
	ctx := context.Background()

	mem.PutRecord(ctx, store.Participants, "stale", staleRecord(store.StateClosing, 10*time.Minute))
	mem.SetCount(ctx, store.Participants, 1)

	sw.SweepClosing(ctx)
	sw.SweepClosing(ctx)

	if n, _ := mem.GetCount(ctx, store.Participants); n != 0 {
		t.Fatalf("count = %d, want 0 after repeated sweeps", n)
	}
}

func TestSweepBackgroundIgnoresHosts(t *testing.T) {
	sw, _, mem := testSweeper(t, nil)
	ctx := context.Background()

	mem.PutRecord(ctx, store.Participants, "lingering", staleRecord(store.StateBackground, 2*time.Hour))
	mem.PutRecord(ctx, store.Hosts, "h1", staleRecord(store.StateBackground, 2*time.Hour))
	mem.SetCount(ctx, store.Participants, 1)
	mem.SetCount(ctx, store.Hosts, 1)

	sw.SweepBackground(ctx)

	rec, _ := mem.GetRecord(ctx, store.Participants, "lingering")
	if rec.State != store.StateOffline {
		t.Fatalf("lingering participant not swept: %+v", rec)
	}
	rec, _ = mem.GetRecord(ctx, store.Hosts, "h1")
	if rec.State != store.StateBackground {
		t.Fatalf("host swept by background sweep: %+v", rec)
	}
	if n, _ := mem.GetCount(ctx, store.Hosts); n != 1 {
		t.Fatalf("host count = %d, want 1", n)
	}
}

func TestSweepDoesNotTouchActiveRecords(t *testing.T) {
	sw, svc, mem := testSweeper(t, nil)
	ctx := context.Background()

	svc.Login(ctx, store.Participants, "u1")
	sw.SweepClosing(ctx)
	sw.SweepBackground(ctx)

	rec, _ := mem.GetRecord(ctx, store.Participants, "u1")
	if rec.State != store.StateActive {
		t.Fatalf("active record touched by sweep: %+v", rec)
	}
	if n, _ := mem.GetCount(ctx, store.Participants); n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}

func TestReconcileHealsDrift(t *testing.T) {
	sw, svc, mem := testSweeper(t, nil)
	ctx := context.Background()

	svc.Login(ctx, store.Participants, "u1")
	svc.Login(ctx, store.Participants, "u2")
	mem.PutRecord(ctx, store.Participants, "gone", store.Record{
		State: store.StateOffline, StateSource: store.SourceBeacon,
	})
	mem.SetCount(ctx, store.Participants, 7)

	sw.Reconcile(ctx)

	if n, _ := mem.GetCount(ctx, store.Participants); n != 2 {
		t.Fatalf("count = %d, want 2 after reconcile", n)
	}

	// No drift means no write.
	sw.Reconcile(ctx)
	if n, _ := mem.GetCount(ctx, store.Participants); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
}
