package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/webinar-backend/internal/store"
)

// Service owns every counter mutation in the system. The watcher and the
// sweepers go through the same transition path, so there is exactly one
// place where the aggregate can move.
type Service struct {
	store store.Store
	log   *slog.Logger

	transitionCounter metric.Int64Counter
	invalidCounter    metric.Int64Counter
	loginCounter      metric.Int64Counter
}

func NewService(st store.Store, log *slog.Logger) *Service {
	meter := otel.Meter("presence")
	transitionCounter, _ := meter.Int64Counter("presence_transitions_total",
		metric.WithDescription("Total state transitions applied"))
	invalidCounter, _ := meter.Int64Counter("presence_invalid_source_total",
		metric.WithDescription("Transitions whose source was not allowed to move the counter"))
	loginCounter, _ := meter.Int64Counter("presence_logins_total",
		metric.WithDescription("Total logins"))
	return &Service{
		store:             st,
		log:               log,
		transitionCounter: transitionCounter,
		invalidCounter:    invalidCounter,
		loginCounter:      loginCounter,
	}
}

// Login creates the user's record as Active and counts them in. A host
// logging in also clears the session-ended flag so participants can join
// again after a restart.
func (s *Service) Login(ctx context.Context, ut store.UserType, userID string) error {
	var decision Decision
	_, err := s.store.UpdateRecord(ctx, ut, userID, func(current *store.Record) (*store.Record, error) {
		decision = Decide(current, store.StateActive, store.SourceLogin)
		now := time.Now().UnixMilli()
		return &store.Record{
			State:          store.StateActive,
			StateUpdatedAt: now,
			StateSource:    store.SourceLogin,
			LastSeen:       now,
		}, nil
	})
	if err != nil {
		return fmt.Errorf("login %s/%s: %w", ut, userID, err)
	}
	if err := s.applyDelta(ctx, ut, userID, decision); err != nil {
		return err
	}
	if err := s.store.TouchConn(ctx, ut, userID); err != nil {
		s.log.WarnContext(ctx, "failed to arm connection key", "userType", ut, "userId", userID, "error", err)
	}
	if ut == store.Hosts {
		if err := s.store.SetSessionEnded(ctx, false); err != nil {
			s.log.WarnContext(ctx, "failed to clear sessionEnded", "error", err)
		}
	}
	s.loginCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("user_type", string(ut))))
	s.log.InfoContext(ctx, "user logged in", "userType", ut, "userId", userID)
	return nil
}

// UpdateState applies one transition through the engine. If the user has no
// record the call is a no-op: state updates never fabricate records.
func (s *Service) UpdateState(ctx context.Context, ut store.UserType, userID string, newState store.State, source store.Source) error {
	if !newState.Valid() {
		return fmt.Errorf("invalid state %q", newState)
	}
	if !source.Valid() {
		return fmt.Errorf("invalid source %q", source)
	}

	var decision Decision
	_, err := s.store.UpdateRecord(ctx, ut, userID, func(current *store.Record) (*store.Record, error) {
		if current == nil {
			return nil, store.ErrAbort
		}
		// Decided fresh on every retry so the delta always reflects the
		// record the winning write actually replaced.
		decision = Decide(current, newState, source)
		stored := source
		if newState == store.StateOffline && source == store.SourceConnection {
			// Offline/Connection is the watcher's settlement trigger. This
			// write already went through the engine, so it is stored settled
			// or the watcher would decrement a second time.
			stored = store.SourceDisconnection
		}
		now := time.Now().UnixMilli()
		return &store.Record{
			State:          newState,
			StateUpdatedAt: now,
			StateSource:    stored,
			LastSeen:       now,
		}, nil
	})
	if errors.Is(err, store.ErrAbort) || errors.Is(err, store.ErrNotFound) {
		s.log.DebugContext(ctx, "state update for absent record ignored",
			"userType", ut, "userId", userID, "newState", newState, "source", source)
		return nil
	}
	if err != nil {
		return fmt.Errorf("update state %s/%s: %w", ut, userID, err)
	}
	return s.applyDelta(ctx, ut, userID, decision)
}

// UpdateStateByUserID resolves the user type by probing both partitions.
// At most one record exists for a given id.
func (s *Service) UpdateStateByUserID(ctx context.Context, userID string, newState store.State, source store.Source) error {
	for _, ut := range store.UserTypes {
		_, err := s.store.GetRecord(ctx, ut, userID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("resolve user type for %s: %w", userID, err)
		}
		return s.UpdateState(ctx, ut, userID, newState, source)
	}
	s.log.DebugContext(ctx, "state update for unknown user ignored", "userId", userID, "newState", newState)
	return nil
}

// Heartbeat keeps the liveness key alive and refreshes LastSeen. The state
// the client reported through visibility stays as it is; only a record that
// lapsed out of the connected set is counted back in, as Active via the
// Connection source.
func (s *Service) Heartbeat(ctx context.Context, ut store.UserType, userID string) error {
	if err := s.store.TouchConn(ctx, ut, userID); err != nil {
		return fmt.Errorf("touch connection %s/%s: %w", ut, userID, err)
	}
	var revive bool
	_, err := s.store.UpdateRecord(ctx, ut, userID, func(current *store.Record) (*store.Record, error) {
		revive = false
		if current == nil {
			return nil, store.ErrAbort
		}
		if !Connected(current.State) {
			revive = true
			return nil, store.ErrAbort
		}
		rec := *current
		rec.LastSeen = time.Now().UnixMilli()
		return &rec, nil
	})
	if err != nil && !errors.Is(err, store.ErrAbort) && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("heartbeat %s/%s: %w", ut, userID, err)
	}
	if revive {
		return s.UpdateState(ctx, ut, userID, store.StateActive, store.SourceConnection)
	}
	return nil
}

// Touch refreshes presence on a successful session verification.
func (s *Service) Touch(ctx context.Context, ut store.UserType, userID string) error {
	if err := s.store.TouchConn(ctx, ut, userID); err != nil {
		s.log.WarnContext(ctx, "failed to refresh connection key", "userType", ut, "userId", userID, "error", err)
	}
	return s.UpdateState(ctx, ut, userID, store.StateActive, store.SourceVerifySession)
}

// Logout takes the user offline and removes their record.
func (s *Service) Logout(ctx context.Context, ut store.UserType, userID string) error {
	if err := s.UpdateState(ctx, ut, userID, store.StateOffline, store.SourceDisconnection); err != nil {
		return err
	}
	if err := s.store.DeleteRecord(ctx, ut, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete record %s/%s: %w", ut, userID, err)
	}
	if err := s.store.DeleteConn(ctx, ut, userID); err != nil {
		s.log.WarnContext(ctx, "failed to remove connection key", "userType", ut, "userId", userID, "error", err)
	}
	s.log.InfoContext(ctx, "user logged out", "userType", ut, "userId", userID)
	return nil
}

// EndSession marks the webinar over and wipes all presence. This is the only
// path allowed to set counters to an absolute value.
func (s *Service) EndSession(ctx context.Context) error {
	if err := s.store.SetSessionEnded(ctx, true); err != nil {
		return fmt.Errorf("set sessionEnded: %w", err)
	}
	for _, ut := range store.UserTypes {
		if err := s.store.DeleteAllRecords(ctx, ut); err != nil {
			return fmt.Errorf("clear %s records: %w", ut, err)
		}
		if err := s.store.SetCount(ctx, ut, 0); err != nil {
			return fmt.Errorf("reset %s counter: %w", ut, err)
		}
	}
	s.log.InfoContext(ctx, "session ended, presence cleared")
	return nil
}

// ActiveCount returns the maintained aggregate. It never scans records.
func (s *Service) ActiveCount(ctx context.Context, ut store.UserType) (int64, error) {
	return s.store.GetCount(ctx, ut)
}

func (s *Service) HasActiveHost(ctx context.Context) (bool, error) {
	n, err := s.store.GetCount(ctx, store.Hosts)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Service) SessionEnded(ctx context.Context) (bool, error) {
	return s.store.SessionEnded(ctx)
}

// IsConnected reports whether the user currently has a connected record.
func (s *Service) IsConnected(ctx context.Context, ut store.UserType, userID string) (bool, error) {
	rec, err := s.store.GetRecord(ctx, ut, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return Connected(rec.State), nil
}

// ConnectedUsers lists the ids of currently connected users of one type.
func (s *Service) ConnectedUsers(ctx context.Context, ut store.UserType) ([]string, error) {
	recs, err := s.store.ListRecords(ctx, ut)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for id, rec := range recs {
		if Connected(rec.State) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Service) applyDelta(ctx context.Context, ut store.UserType, userID string, d Decision) error {
	attrs := metric.WithAttributes(
		attribute.String("user_type", string(ut)),
		attribute.String("reason", string(d.Reason)))
	s.transitionCounter.Add(ctx, 1, attrs)

	switch d.Reason {
	case ReasonInvalidSourceConnect, ReasonInvalidSourceDisconnect:
		s.invalidCounter.Add(ctx, 1, attrs)
		s.log.WarnContext(ctx, "transition from untrusted source, counter unchanged",
			"userType", ut, "userId", userID, "reason", d.Reason)
		return nil
	}
	if d.Delta == 0 {
		return nil
	}
	n, err := s.store.AdjustCount(ctx, ut, d.Delta)
	if err != nil {
		return fmt.Errorf("adjust %s counter: %w", ut, err)
	}
	s.log.DebugContext(ctx, "counter adjusted", "userType", ut, "delta", d.Delta, "count", n)
	return nil
}
