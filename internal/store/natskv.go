package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	presenceBucket = "WEBINAR_PRESENCE"
	connBucket     = "WEBINAR_CONN"

	recordPrefix    = "users."
	countPrefix     = "counts."
	sessionEndedKey = "sessionEnded"
)

// KV is the JetStream-backed Store. Records, counters and the session flag
// live in one bucket; connection liveness lives in a separate TTL bucket
// whose expirations drive disconnect detection.
type KV struct {
	kv   jetstream.KeyValue
	conn jetstream.KeyValue
}

// NewKV creates (or binds to) the presence buckets. connTTL bounds how long a
// client may go silent before its liveness key expires.
func NewKV(ctx context.Context, js jetstream.JetStream, connTTL time.Duration) (*KV, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  presenceBucket,
		History: 1,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", presenceBucket, err)
	}
	conn, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  connBucket,
		History: 1,
		TTL:     connTTL,
		Storage: jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", connBucket, err)
	}
	return &KV{kv: kv, conn: conn}, nil
}

func recordKey(ut UserType, id string) string {
	return recordPrefix + string(ut) + "." + id
}

func countKey(ut UserType) string {
	return countPrefix + string(ut)
}

func connKey(ut UserType, id string) string {
	return string(ut) + "." + id
}

// isCASConflict reports whether err means another writer won the revision
// race and the CAS loop should re-read and retry.
func isCASConflict(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "wrong last sequence") ||
		strings.Contains(err.Error(), "key exists")
}

func (s *KV) GetRecord(ctx context.Context, ut UserType, id string) (*Record, error) {
	entry, err := s.kv.Get(ctx, recordKey(ut, id))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get record %s/%s: %w", ut, id, err)
	}
	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("decode record %s/%s: %w", ut, id, err)
	}
	return &rec, nil
}

func (s *KV) UpdateRecord(ctx context.Context, ut UserType, id string, fn UpdateFn) (*Record, error) {
	key := recordKey(ut, id)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var current *Record
		var rev uint64
		entry, err := s.kv.Get(ctx, key)
		switch {
		case errors.Is(err, jetstream.ErrKeyNotFound):
			// fn decides whether a missing record may be created
		case err != nil:
			return nil, fmt.Errorf("get record %s/%s: %w", ut, id, err)
		default:
			var rec Record
			if err := json.Unmarshal(entry.Value(), &rec); err != nil {
				return nil, fmt.Errorf("decode record %s/%s: %w", ut, id, err)
			}
			current = &rec
			rev = entry.Revision()
		}

		next, err := fn(current)
		if err != nil {
			return nil, err
		}

		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode record %s/%s: %w", ut, id, err)
		}

		if current == nil {
			_, err = s.kv.Create(ctx, key, data)
		} else {
			_, err = s.kv.Update(ctx, key, data, rev)
		}
		if err == nil {
			return next, nil
		}
		if isCASConflict(err) {
			slog.Debug("Record CAS conflict, retrying", "type", ut, "user", id)
			continue
		}
		return nil, fmt.Errorf("write record %s/%s: %w", ut, id, err)
	}
}

func (s *KV) PutRecord(ctx context.Context, ut UserType, id string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s/%s: %w", ut, id, err)
	}
	if _, err := s.kv.Put(ctx, recordKey(ut, id), data); err != nil {
		return fmt.Errorf("put record %s/%s: %w", ut, id, err)
	}
	return nil
}

func (s *KV) DeleteRecord(ctx context.Context, ut UserType, id string) error {
	err := s.kv.Purge(ctx, recordKey(ut, id))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete record %s/%s: %w", ut, id, err)
	}
	return nil
}

// ListRecords drains a one-shot watcher over the partition's keys. KV has no
// secondary index, so state filtering is the caller's job over this snapshot.
func (s *KV) ListRecords(ctx context.Context, ut UserType) (map[string]Record, error) {
	watcher, err := s.kv.Watch(ctx, recordPrefix+string(ut)+".>", jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("list records %s: %w", ut, err)
	}
	defer watcher.Stop()

	records := make(map[string]Record)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry := <-watcher.Updates():
			if entry == nil {
				return records, nil // end of initial values
			}
			id := strings.TrimPrefix(entry.Key(), recordPrefix+string(ut)+".")
			var rec Record
			if err := json.Unmarshal(entry.Value(), &rec); err != nil {
				slog.Warn("Skipping undecodable record", "key", entry.Key(), "error", err)
				continue
			}
			records[id] = rec
		}
	}
}

func (s *KV) DeleteAllRecords(ctx context.Context, ut UserType) error {
	records, err := s.ListRecords(ctx, ut)
	if err != nil {
		return err
	}
	for id := range records {
		if err := s.DeleteRecord(ctx, ut, id); err != nil {
			return err
		}
		s.DeleteConn(ctx, ut, id)
	}
	return nil
}

func (s *KV) GetCount(ctx context.Context, ut UserType) (int64, error) {
	entry, err := s.kv.Get(ctx, countKey(ut))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get count %s: %w", ut, err)
	}
	n, err := strconv.ParseInt(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode count %s: %w", ut, err)
	}
	return n, nil
}

func (s *KV) AdjustCount(ctx context.Context, ut UserType, delta int64) (int64, error) {
	key := countKey(ut)
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		entry, err := s.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			n := max(delta, 0)
			if _, err := s.kv.Create(ctx, key, []byte(strconv.FormatInt(n, 10))); err != nil {
				if isCASConflict(err) {
					continue
				}
				return 0, fmt.Errorf("create count %s: %w", ut, err)
			}
			return n, nil
		}
		if err != nil {
			return 0, fmt.Errorf("get count %s: %w", ut, err)
		}

		cur, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("decode count %s: %w", ut, err)
		}
		n := max(cur+delta, 0)
		if _, err := s.kv.Update(ctx, key, []byte(strconv.FormatInt(n, 10)), entry.Revision()); err != nil {
			if isCASConflict(err) {
				slog.Debug("Count CAS conflict, retrying", "type", ut)
				continue
			}
			return 0, fmt.Errorf("update count %s: %w", ut, err)
		}
		return n, nil
	}
}

func (s *KV) SetCount(ctx context.Context, ut UserType, n int64) error {
	if _, err := s.kv.Put(ctx, countKey(ut), []byte(strconv.FormatInt(n, 10))); err != nil {
		return fmt.Errorf("set count %s: %w", ut, err)
	}
	return nil
}

func (s *KV) SessionEnded(ctx context.Context) (bool, error) {
	entry, err := s.kv.Get(ctx, sessionEndedKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("get sessionEnded: %w", err)
	}
	return string(entry.Value()) == "true", nil
}

func (s *KV) SetSessionEnded(ctx context.Context, ended bool) error {
	if _, err := s.kv.Put(ctx, sessionEndedKey, []byte(strconv.FormatBool(ended))); err != nil {
		return fmt.Errorf("set sessionEnded: %w", err)
	}
	return nil
}

func (s *KV) WatchRecords(ctx context.Context, ut UserType) (<-chan RecordEvent, func(), error) {
	prefix := recordPrefix + string(ut) + "."
	watcher, err := s.kv.Watch(ctx, prefix+">", jetstream.IgnoreDeletes())
	if err != nil {
		return nil, nil, fmt.Errorf("watch records %s: %w", ut, err)
	}

	out := make(chan RecordEvent, 64)
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer watcher.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue // end-of-initial-values marker
				}
				var rec Record
				if err := json.Unmarshal(entry.Value(), &rec); err != nil {
					slog.Warn("Skipping undecodable record event", "key", entry.Key(), "error", err)
					continue
				}
				evt := RecordEvent{
					UserType: ut,
					UserID:   strings.TrimPrefix(entry.Key(), prefix),
					Record:   rec,
				}
				select {
				case out <- evt:
				case <-watchCtx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

func (s *KV) TouchConn(ctx context.Context, ut UserType, id string) error {
	if _, err := s.conn.Put(ctx, connKey(ut, id), []byte(`{}`)); err != nil {
		return fmt.Errorf("touch conn %s/%s: %w", ut, id, err)
	}
	return nil
}

func (s *KV) DeleteConn(ctx context.Context, ut UserType, id string) error {
	err := s.conn.Purge(ctx, connKey(ut, id))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete conn %s/%s: %w", ut, id, err)
	}
	return nil
}

// WatchConnExpiry emits an event whenever a liveness key is deleted or
// purged, which is how a TTL lapse surfaces on the bucket.
func (s *KV) WatchConnExpiry(ctx context.Context) (<-chan ConnExpiry, func(), error) {
	watcher, err := s.conn.WatchAll(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("watch conn expiry: %w", err)
	}

	out := make(chan ConnExpiry, 64)
	watchCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(out)
		defer watcher.Stop()
		for {
			select {
			case <-watchCtx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				if op := entry.Operation(); op != jetstream.KeyValueDelete && op != jetstream.KeyValuePurge {
					continue
				}
				utRaw, id, ok := strings.Cut(entry.Key(), ".")
				if !ok {
					continue
				}
				evt := ConnExpiry{UserType: UserType(utRaw), UserID: id}
				select {
				case out <- evt:
				case <-watchCtx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}
