package presence

import "github.com/example/webinar-backend/internal/store"

// Decision is the outcome of evaluating a state transition. The record is
// always rewritten; Delta says how the aggregate counter moves, and Reason
// classifies the transition for logging.
type Decision struct {
	Delta  int64
	Reason Reason
}

type Reason string

const (
	ReasonConnect                 Reason = "connect"
	ReasonDisconnect              Reason = "disconnect"
	ReasonNoChange                Reason = "no_change"
	ReasonInvalidSourceConnect    Reason = "invalid_source_connect"
	ReasonInvalidSourceDisconnect Reason = "invalid_source_disconnect"
)

// connectSources are the sources trusted to represent a genuine new
// connection. A replayed sweep or beacon must not be able to re-increment.
var connectSources = map[store.Source]bool{
	store.SourceLogin:         true,
	store.SourceConnection:    true,
	store.SourceVerifySession: true,
	store.SourceVisibility:    true,
}

// disconnectSources are the sources trusted to take a user offline.
// Visibility is deliberately absent: a hidden tab is Background, not gone.
var disconnectSources = map[store.Source]bool{
	store.SourceCleanupJob:    true,
	store.SourceBeacon:        true,
	store.SourceDisconnection: true,
	store.SourceConnection:    true,
}

// Connected reports whether s counts toward the aggregate. Idle is
// client-side activity metadata and never enters the counter logic.
func Connected(s store.State) bool {
	switch s {
	case store.StateActive, store.StateBackground, store.StateClosing:
		return true
	}
	return false
}

// Decide evaluates a transition from the current record (nil when the user
// has none) to newState arriving via source. It never rejects the write;
// an untrusted source only suppresses the counter delta.
func Decide(current *store.Record, newState store.State, source store.Source) Decision {
	wasConnected := current != nil && Connected(current.State)
	isNowConnected := Connected(newState)

	switch {
	case !wasConnected && isNowConnected:
		if connectSources[source] {
			return Decision{Delta: +1, Reason: ReasonConnect}
		}
		return Decision{Delta: 0, Reason: ReasonInvalidSourceConnect}
	case wasConnected && !isNowConnected:
		if disconnectSources[source] {
			return Decision{Delta: -1, Reason: ReasonDisconnect}
		}
		return Decision{Delta: 0, Reason: ReasonInvalidSourceDisconnect}
	default:
		return Decision{Delta: 0, Reason: ReasonNoChange}
	}
}
