package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/webinar-backend/internal/store"
)

// Watcher reconciles the aggregate counter after disconnects that the
// request path never saw. Two loops run per user type: one turns liveness
// key expirations into Offline record writes, one notices those writes and
// performs the counter decrement exactly once.
type Watcher struct {
	store    store.Store
	log      *slog.Logger
	cooldown time.Duration

	mu       sync.Mutex
	inflight map[string]time.Time
	wg       sync.WaitGroup

	expirationCounter metric.Int64Counter
	reconcileCounter  metric.Int64Counter
}

func NewWatcher(st store.Store, log *slog.Logger, cooldown time.Duration) *Watcher {
	meter := otel.Meter("presence")
	expirationCounter, _ := meter.Int64Counter("presence_conn_expirations_total",
		metric.WithDescription("Connection key expirations observed"))
	reconcileCounter, _ := meter.Int64Counter("presence_disconnect_reconciles_total",
		metric.WithDescription("Counter decrements applied by the disconnect watcher"))
	return &Watcher{
		store:             st,
		log:               log,
		cooldown:          cooldown,
		inflight:          map[string]time.Time{},
		expirationCounter: expirationCounter,
		reconcileCounter:  reconcileCounter,
	}
}

// Start establishes the expiry watch and both record watches before
// returning, so a disconnect firing right after startup cannot slip past an
// unregistered subscription. The drain loops run until ctx is cancelled;
// a watch dropped mid-run is re-established with a short backoff.
func (w *Watcher) Start(ctx context.Context) error {
	expiryCh, expiryCancel, err := w.store.WatchConnExpiry(ctx)
	if err != nil {
		return fmt.Errorf("watch connection expiry: %w", err)
	}

	type recordWatch struct {
		ut     store.UserType
		ch     <-chan store.RecordEvent
		cancel func()
	}
	watches := make([]recordWatch, 0, len(store.UserTypes))
	for _, ut := range store.UserTypes {
		ch, cancel, err := w.store.WatchRecords(ctx, ut)
		if err != nil {
			expiryCancel()
			for _, rw := range watches {
				rw.cancel()
			}
			return fmt.Errorf("watch %s records: %w", ut, err)
		}
		watches = append(watches, recordWatch{ut: ut, ch: ch, cancel: cancel})
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runExpiryLoop(ctx, expiryCh, expiryCancel)
	}()
	for _, rw := range watches {
		w.wg.Add(1)
		go func(rw recordWatch) {
			defer w.wg.Done()
			w.runRecordLoop(ctx, rw.ut, rw.ch, rw.cancel)
		}(rw)
	}
	return nil
}

// Wait blocks until every watch loop has exited.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

// runExpiryLoop marks users Offline when their liveness key lapses. The
// write bypasses the counter on purpose: the record loop owns the decrement.
func (w *Watcher) runExpiryLoop(ctx context.Context, ch <-chan store.ConnExpiry, cancel func()) {
	for {
		w.drainExpiry(ctx, ch)
		cancel()
		for {
			if ctx.Err() != nil {
				return
			}
			var err error
			ch, cancel, err = w.store.WatchConnExpiry(ctx)
			if err == nil {
				break
			}
			w.log.ErrorContext(ctx, "failed to re-watch connection expiry", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (w *Watcher) drainExpiry(ctx context.Context, ch <-chan store.ConnExpiry) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			w.handleExpiry(ctx, ev.UserType, ev.UserID)
		}
	}
}

func (w *Watcher) handleExpiry(ctx context.Context, ut store.UserType, userID string) {
	w.expirationCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("user_type", string(ut))))

	_, err := w.store.UpdateRecord(ctx, ut, userID, func(current *store.Record) (*store.Record, error) {
		if current == nil || !Connected(current.State) {
			return nil, store.ErrAbort
		}
		rec := *current
		rec.State = store.StateOffline
		rec.StateSource = store.SourceConnection
		rec.StateUpdatedAt = time.Now().UnixMilli()
		return &rec, nil
	})
	if errors.Is(err, store.ErrAbort) {
		return
	}
	if err != nil {
		w.log.ErrorContext(ctx, "failed to mark expired connection offline",
			"userType", ut, "userId", userID, "error", err)
		return
	}
	w.log.InfoContext(ctx, "connection expired", "userType", ut, "userId", userID)
}

// runRecordLoop watches one partition for Offline/Connection writes and
// settles the counter for each.
func (w *Watcher) runRecordLoop(ctx context.Context, ut store.UserType, ch <-chan store.RecordEvent, cancel func()) {
	for {
		w.drainRecords(ctx, ut, ch)
		cancel()
		for {
			if ctx.Err() != nil {
				return
			}
			var err error
			ch, cancel, err = w.store.WatchRecords(ctx, ut)
			if err == nil {
				break
			}
			w.log.ErrorContext(ctx, "failed to re-watch records", "userType", ut, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (w *Watcher) drainRecords(ctx context.Context, ut store.UserType, ch <-chan store.RecordEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Record.State == store.StateOffline && ev.Record.StateSource == store.SourceConnection {
				w.handleOffline(ctx, ut, ev.UserID)
			}
		}
	}
}

// handleOffline decrements the counter for an externally-triggered
// disconnect. Duplicate deliveries are cheap to get and must not each
// decrement, so two guards apply: a short-lived in-memory marker, and a
// source rewrite so only the writer that wins the record update settles
// the counter.
func (w *Watcher) handleOffline(ctx context.Context, ut store.UserType, userID string) {
	key := string(ut) + "/" + userID
	now := time.Now()

	w.mu.Lock()
	if t, ok := w.inflight[key]; ok && now.Sub(t) < w.cooldown {
		w.mu.Unlock()
		return
	}
	w.inflight[key] = now
	w.mu.Unlock()

	time.AfterFunc(w.cooldown, func() {
		w.mu.Lock()
		if t, ok := w.inflight[key]; ok && t.Equal(now) {
			delete(w.inflight, key)
		}
		w.mu.Unlock()
	})

	_, err := w.store.UpdateRecord(ctx, ut, userID, func(current *store.Record) (*store.Record, error) {
		if current == nil || current.State != store.StateOffline || current.StateSource != store.SourceConnection {
			// Reconnected, or another writer already settled this disconnect.
			return nil, store.ErrAbort
		}
		rec := *current
		rec.StateSource = store.SourceDisconnection
		rec.StateUpdatedAt = time.Now().UnixMilli()
		return &rec, nil
	})
	if errors.Is(err, store.ErrAbort) || errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		w.log.ErrorContext(ctx, "failed to settle disconnect",
			"userType", ut, "userId", userID, "error", err)
		return
	}

	n, err := w.store.AdjustCount(ctx, ut, -1)
	if err != nil {
		w.log.ErrorContext(ctx, "failed to decrement counter after disconnect",
			"userType", ut, "userId", userID, "error", err)
		return
	}
	w.reconcileCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("user_type", string(ut))))
	w.log.InfoContext(ctx, "disconnect settled", "userType", ut, "userId", userID, "count", n)
}
