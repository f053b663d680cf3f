package presence

import (
	"testing"

	"github.com/example/webinar-backend/internal/store"
)

func rec(s store.State) *store.Record {
	return &store.Record{State: s, StateUpdatedAt: 1000, StateSource: store.SourceLogin, LastSeen: 1000}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		current    *store.Record
		newState   store.State
		source     store.Source
		wantDelta  int64
		wantReason Reason
	}{
		{"fresh login", nil, store.StateActive, store.SourceLogin, +1, ReasonConnect},
		{"reconnect heartbeat from offline", rec(store.StateOffline), store.StateActive, store.SourceConnection, +1, ReasonConnect},
		{"verify revives offline record", rec(store.StateOffline), store.StateActive, store.SourceVerifySession, +1, ReasonConnect},
		{"tab visible again after offline", rec(store.StateOffline), store.StateActive, store.SourceVisibility, +1, ReasonConnect},
		{"sweeper cannot connect", rec(store.StateOffline), store.StateActive, store.SourceCleanupJob, 0, ReasonInvalidSourceConnect},
		{"beacon cannot connect", nil, store.StateActive, store.SourceBeacon, 0, ReasonInvalidSourceConnect},

		{"beacon disconnect", rec(store.StateActive), store.StateOffline, store.SourceBeacon, -1, ReasonDisconnect},
		{"sweeper reaps stale closing", rec(store.StateClosing), store.StateOffline, store.SourceCleanupJob, -1, ReasonDisconnect},
		{"disconnect trigger", rec(store.StateBackground), store.StateOffline, store.SourceDisconnection, -1, ReasonDisconnect},
		{"conn expiry disconnect", rec(store.StateActive), store.StateOffline, store.SourceConnection, -1, ReasonDisconnect},
		{"visibility cannot disconnect", rec(store.StateActive), store.StateOffline, store.SourceVisibility, 0, ReasonInvalidSourceDisconnect},
		{"login cannot disconnect", rec(store.StateActive), store.StateOffline, store.SourceLogin, 0, ReasonInvalidSourceDisconnect},

		{"connected to connected", rec(store.StateActive), store.StateBackground, store.SourceVisibility, 0, ReasonNoChange},
		{"closing back to active", rec(store.StateClosing), store.StateActive, store.SourceVisibility, 0, ReasonNoChange},
		{"offline to offline", rec(store.StateOffline), store.StateOffline, store.SourceBeacon, 0, ReasonNoChange},
		{"no record, offline target", nil, store.StateOffline, store.SourceDisconnection, 0, ReasonNoChange},
		{"idle does not connect", rec(store.StateOffline), store.StateIdle, store.SourceVisibility, 0, ReasonNoChange},
		{"active to idle via visibility leaves counter alone", rec(store.StateActive), store.StateIdle, store.SourceVisibility, 0, ReasonInvalidSourceDisconnect},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.current, tt.newState, tt.source)
			if d.Delta != tt.wantDelta {
				t.Errorf("delta = %d, want %d", d.Delta, tt.wantDelta)
			}
			if d.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", d.Reason, tt.wantReason)
			}
		})
	}
}

func TestConnected(t *testing.T) {
	connected := map[store.State]bool{
		store.StateActive:     true,
		store.StateBackground: true,
		store.StateClosing:    true,
		store.StateIdle:       false,
		store.StateOffline:    false,
	}
	for s, want := range connected {
		if got := Connected(s); got != want {
			t.Errorf("Connected(%s) = %v, want %v", s, got, want)
		}
	}
}
