package store

import (
	"context"
	"maps"
	"sync"
	"time"
)

// Memory is an in-process Store with the same semantics as the KV
// implementation: per-record linearized updates, clamped counters, change
// streams, and TTL-based connection expiry. It backs the test suite and
// local development without a NATS server.
type Memory struct {
	mu       sync.Mutex
	records  map[UserType]map[string]Record
	counts   map[UserType]int64
	ended    bool
	connTTL  time.Duration
	connDl   map[string]time.Time // connKey -> deadline
	recSubs  map[UserType][]*memSub[RecordEvent]
	connSubs []*memSub[ConnExpiry]
	stopCh   chan struct{}
	stopOnce sync.Once
}

type memSub[T any] struct {
	ch     chan T
	closed bool
}

// NewMemory returns a Memory store whose liveness keys expire after connTTL.
// A connTTL of zero disables the janitor; tests then drive expiry through
// ExpireConn.
func NewMemory(connTTL time.Duration) *Memory {
	m := &Memory{
		records: map[UserType]map[string]Record{
			Hosts:        {},
			Participants: {},
		},
		counts:  map[UserType]int64{},
		connTTL: connTTL,
		connDl:  map[string]time.Time{},
		recSubs: map[UserType][]*memSub[RecordEvent]{},
		stopCh:  make(chan struct{}),
	}
	if connTTL > 0 {
		go m.janitor()
	}
	return m
}

// Close stops the expiry janitor.
func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for key, dl := range m.connDl {
				if now.After(dl) {
					delete(m.connDl, key)
					m.notifyConnExpiryLocked(key)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) GetRecord(ctx context.Context, ut UserType, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[ut][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *Memory) UpdateRecord(ctx context.Context, ut UserType, id string, fn UpdateFn) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current *Record
	if rec, ok := m.records[ut][id]; ok {
		c := rec
		current = &c
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	m.records[ut][id] = *next
	m.notifyRecordLocked(ut, id, *next)
	out := *next
	return &out, nil
}

func (m *Memory) PutRecord(ctx context.Context, ut UserType, id string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[ut][id] = rec
	m.notifyRecordLocked(ut, id, rec)
	return nil
}

func (m *Memory) DeleteRecord(ctx context.Context, ut UserType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[ut], id)
	return nil
}

func (m *Memory) ListRecords(ctx context.Context, ut UserType) (map[string]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.records[ut]), nil
}

func (m *Memory) DeleteAllRecords(ctx context.Context, ut UserType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[ut] = map[string]Record{}
	for key := range m.connDl {
		if ut2, _, ok := splitConnKey(key); ok && ut2 == ut {
			delete(m.connDl, key)
		}
	}
	return nil
}

func (m *Memory) GetCount(ctx context.Context, ut UserType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[ut], nil
}

func (m *Memory) AdjustCount(ctx context.Context, ut UserType, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := max(m.counts[ut]+delta, 0)
	m.counts[ut] = n
	return n, nil
}

func (m *Memory) SetCount(ctx context.Context, ut UserType, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[ut] = n
	return nil
}

func (m *Memory) SessionEnded(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended, nil
}

func (m *Memory) SetSessionEnded(ctx context.Context, ended bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = ended
	return nil
}

func (m *Memory) WatchRecords(ctx context.Context, ut UserType) (<-chan RecordEvent, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &memSub[RecordEvent]{ch: make(chan RecordEvent, 256)}
	// Initial snapshot first, mirroring the KV watcher.
	for id, rec := range m.records[ut] {
		sub.ch <- RecordEvent{UserType: ut, UserID: id, Record: rec}
	}
	m.recSubs[ut] = append(m.recSubs[ut], sub)

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	return sub.ch, cancel, nil
}

func (m *Memory) TouchConn(ctx context.Context, ut UserType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connTTL > 0 {
		m.connDl[connKey(ut, id)] = time.Now().Add(m.connTTL)
	} else {
		m.connDl[connKey(ut, id)] = time.Time{}
	}
	return nil
}

func (m *Memory) DeleteConn(ctx context.Context, ut UserType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := connKey(ut, id)
	if _, ok := m.connDl[key]; ok {
		delete(m.connDl, key)
		m.notifyConnExpiryLocked(key)
	}
	return nil
}

func (m *Memory) WatchConnExpiry(ctx context.Context) (<-chan ConnExpiry, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &memSub[ConnExpiry]{ch: make(chan ConnExpiry, 256)}
	m.connSubs = append(m.connSubs, sub)

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	return sub.ch, cancel, nil
}

// ExpireConn force-expires a liveness key, standing in for a TTL lapse.
func (m *Memory) ExpireConn(ut UserType, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := connKey(ut, id)
	delete(m.connDl, key)
	m.notifyConnExpiryLocked(key)
}

func (m *Memory) notifyRecordLocked(ut UserType, id string, rec Record) {
	for _, sub := range m.recSubs[ut] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- RecordEvent{UserType: ut, UserID: id, Record: rec}:
		default: // slow consumer, drop
		}
	}
}

func (m *Memory) notifyConnExpiryLocked(key string) {
	ut, id, ok := splitConnKey(key)
	if !ok {
		return
	}
	for _, sub := range m.connSubs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ConnExpiry{UserType: ut, UserID: id}:
		default:
		}
	}
}

func splitConnKey(key string) (UserType, string, bool) {
	for _, ut := range UserTypes {
		prefix := string(ut) + "."
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			return ut, key[len(prefix):], true
		}
	}
	return "", "", false
}
