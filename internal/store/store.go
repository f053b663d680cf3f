// Package store is the presence state tree: per-user presence records,
// per-type aggregate counters, the session-ended flag, and the
// connection-liveness bucket. The backing store must provide atomic
// read-modify-write on a single key; NATS JetStream KV (CAS by revision) is
// the production implementation, Memory backs tests and local development.
package store

import (
	"context"
	"errors"
)

// UserType partitions the presence tree.
type UserType string

const (
	Hosts        UserType = "hosts"
	Participants UserType = "participants"
)

// UserTypes lists all partitions, in sweep order.
var UserTypes = []UserType{Hosts, Participants}

// State is a user's recorded presence state.
type State string

const (
	StateActive     State = "active"
	StateIdle       State = "idle"
	StateBackground State = "background"
	StateClosing    State = "closing"
	StateOffline    State = "offline"
)

// Valid reports whether s is one of the five presence states.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateIdle, StateBackground, StateClosing, StateOffline:
		return true
	}
	return false
}

// Source is the provenance of a state transition. Counter eligibility is
// gated on it: not every channel that may write a state is trusted to move
// the aggregate counter.
type Source string

const (
	SourceLogin         Source = "login"
	SourceConnection    Source = "connection"
	SourceVerifySession Source = "verify_session"
	SourceVisibility    Source = "visibility"
	SourceBeacon        Source = "beacon"
	SourceCleanupJob    Source = "cleanup_job"
	SourceDisconnection Source = "disconnection"
)

// Valid reports whether s is a known transition source.
func (s Source) Valid() bool {
	switch s {
	case SourceLogin, SourceConnection, SourceVerifySession, SourceVisibility,
		SourceBeacon, SourceCleanupJob, SourceDisconnection:
		return true
	}
	return false
}

// Record is the stored presence record for one user. Timestamps are unix
// milliseconds, matching the wire format clients see.
type Record struct {
	State          State  `json:"state"`
	StateUpdatedAt int64  `json:"stateUpdatedAt"`
	StateSource    Source `json:"stateSource"`
	LastSeen       int64  `json:"lastSeen"`
}

// RecordEvent is one change observed on a watched record subtree.
type RecordEvent struct {
	UserType UserType
	UserID   string
	Record   Record
}

// ConnExpiry signals that a user's connection-liveness key expired or was
// removed: the server no longer hears from that client.
type ConnExpiry struct {
	UserType UserType
	UserID   string
}

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrAbort may be returned from an UpdateFn to leave the record
	// untouched. UpdateRecord propagates it without writing.
	ErrAbort = errors.New("store: update aborted")
)

// UpdateFn transforms the observed record into the record to write. The
// current record is nil when none exists; returning a record then creates it.
// The function may be invoked multiple times for one logical update (CAS
// retries), so it must be pure: derive everything from the record it is
// handed, never from state captured outside.
type UpdateFn func(current *Record) (*Record, error)

// Store is the transactional presence tree.
type Store interface {
	// GetRecord returns the record, or ErrNotFound.
	GetRecord(ctx context.Context, ut UserType, id string) (*Record, error)
	// UpdateRecord runs fn under a CAS loop on the user's record and writes
	// the result. Returns the written record, or fn's error unwritten.
	UpdateRecord(ctx context.Context, ut UserType, id string, fn UpdateFn) (*Record, error)
	// PutRecord writes unconditionally, bypassing the CAS loop. Production
	// paths go through UpdateRecord; this exists to seed records in tests.
	PutRecord(ctx context.Context, ut UserType, id string, rec Record) error
	DeleteRecord(ctx context.Context, ut UserType, id string) error
	// ListRecords returns a snapshot of all records of one type.
	ListRecords(ctx context.Context, ut UserType) (map[string]Record, error)
	// DeleteAllRecords clears a whole partition (endSession only).
	DeleteAllRecords(ctx context.Context, ut UserType) error

	GetCount(ctx context.Context, ut UserType) (int64, error)
	// AdjustCount atomically adds delta to the counter, clamping at zero.
	// Returns the resulting value.
	AdjustCount(ctx context.Context, ut UserType, delta int64) (int64, error)
	// SetCount overwrites the counter. Reserved for endSession and the
	// reconciliation sweep; every other mutation goes through AdjustCount.
	SetCount(ctx context.Context, ut UserType, n int64) error

	SessionEnded(ctx context.Context) (bool, error)
	SetSessionEnded(ctx context.Context, ended bool) error

	// WatchRecords streams changes to one partition's records, starting with
	// the current contents. The returned cancel func tears the stream down;
	// the channel is closed afterwards.
	WatchRecords(ctx context.Context, ut UserType) (<-chan RecordEvent, func(), error)

	// TouchConn re-arms the connection-liveness key for a user.
	TouchConn(ctx context.Context, ut UserType, id string) error
	DeleteConn(ctx context.Context, ut UserType, id string) error
	// WatchConnExpiry streams liveness-key expirations.
	WatchConnExpiry(ctx context.Context) (<-chan ConnExpiry, func(), error)
}
