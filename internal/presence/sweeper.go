package presence

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/webinar-backend/internal/config"
	"github.com/example/webinar-backend/internal/store"
)

// Sweeper reaps records stuck in transient states and periodically heals
// counter drift. All reaping goes through Service.UpdateState so the
// counter discipline holds even for forced transitions.
//
// gate reports whether this instance should run sweeps; with several
// replicas only the lease holder sweeps, so a record is reaped once.
type Sweeper struct {
	svc   *Service
	store store.Store
	cfg   config.SweepConfig
	log   *slog.Logger
	gate  func() bool

	sweptCounter metric.Int64Counter
	driftCounter metric.Int64Counter
}

func NewSweeper(svc *Service, st store.Store, cfg config.SweepConfig, log *slog.Logger, gate func() bool) *Sweeper {
	if gate == nil {
		gate = func() bool { return true }
	}
	meter := otel.Meter("presence")
	sweptCounter, _ := meter.Int64Counter("presence_swept_total",
		metric.WithDescription("Records force-transitioned to offline by sweeps"))
	driftCounter, _ := meter.Int64Counter("presence_counter_drift_total",
		metric.WithDescription("Counter corrections applied by the reconciliation job"))
	return &Sweeper{
		svc:          svc,
		store:        st,
		cfg:          cfg,
		log:          log,
		gate:         gate,
		sweptCounter: sweptCounter,
		driftCounter: driftCounter,
	}
}

// Run ticks the three jobs until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	closing := time.NewTicker(s.cfg.ClosingInterval)
	background := time.NewTicker(s.cfg.BackgroundInterval)
	reconcile := time.NewTicker(s.cfg.ReconcileInterval)
	defer closing.Stop()
	defer background.Stop()
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closing.C:
			if s.gate() {
				s.SweepClosing(ctx)
			}
		case <-background.C:
			if s.gate() {
				s.SweepBackground(ctx)
			}
		case <-reconcile.C:
			if s.gate() {
				s.Reconcile(ctx)
			}
		}
	}
}

// SweepClosing reaps records of both types stuck in Closing past the grace
// window. A tab that fired its unload warning but never delivered the beacon
// ends up here.
func (s *Sweeper) SweepClosing(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.ClosingGrace).UnixMilli()
	for _, ut := range store.UserTypes {
		s.sweepState(ctx, ut, store.StateClosing, cutoff)
	}
}

// SweepBackground reaps participants idling in Background past the longer
// grace window. Hosts are left alone: a host minimizing the tab for an hour
// must not lose the session.
func (s *Sweeper) SweepBackground(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.BackgroundGrace).UnixMilli()
	s.sweepState(ctx, store.Participants, store.StateBackground, cutoff)
}

func (s *Sweeper) sweepState(ctx context.Context, ut store.UserType, state store.State, cutoff int64) {
	recs, err := s.store.ListRecords(ctx, ut)
	if err != nil {
		s.log.ErrorContext(ctx, "sweep scan failed", "userType", ut, "state", state, "error", err)
		return
	}

	var stale []string
	for id, rec := range recs {
		if rec.State == state && rec.StateUpdatedAt < cutoff {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return
	}
	s.log.InfoContext(ctx, "sweeping stale records",
		"userType", ut, "state", state, "count", len(stale))

	swept := 0
	for i, id := range stale {
		// Batches with a pause in between keep one sweep from saturating
		// the store.
		if i > 0 && s.cfg.BatchSize > 0 && i%s.cfg.BatchSize == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.BatchDelay):
			}
		}
		if err := s.svc.UpdateState(ctx, ut, id, store.StateOffline, store.SourceCleanupJob); err != nil {
			s.log.ErrorContext(ctx, "failed to reap record", "userType", ut, "userId", id, "error", err)
			continue
		}
		swept++
	}
	s.sweptCounter.Add(ctx, int64(swept), metric.WithAttributes(
		attribute.String("user_type", string(ut)),
		attribute.String("state", string(state))))
}

// Reconcile recomputes each counter from a full scan of connected records
// and overwrites it if it drifted. This bounds the damage of any missed
// increment or decrement.
func (s *Sweeper) Reconcile(ctx context.Context) {
	for _, ut := range store.UserTypes {
		recs, err := s.store.ListRecords(ctx, ut)
		if err != nil {
			s.log.ErrorContext(ctx, "reconcile scan failed", "userType", ut, "error", err)
			continue
		}
		var actual int64
		for _, rec := range recs {
			if Connected(rec.State) {
				actual++
			}
		}

		stored, err := s.store.GetCount(ctx, ut)
		if err != nil {
			s.log.ErrorContext(ctx, "reconcile count read failed", "userType", ut, "error", err)
			continue
		}
		if stored == actual {
			continue
		}
		if err := s.store.SetCount(ctx, ut, actual); err != nil {
			s.log.ErrorContext(ctx, "reconcile count write failed", "userType", ut, "error", err)
			continue
		}
		s.driftCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("user_type", string(ut))))
		s.log.WarnContext(ctx, "counter drift corrected",
			"userType", ut, "stored", stored, "actual", actual)
	}
}
