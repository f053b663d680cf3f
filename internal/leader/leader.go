// Package leader elects a single sweep runner through a TTL lease in a
// JetStream KV bucket. Whoever holds the lease keeps renewing it; everyone
// else retries until it lapses.
package leader

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

type Election struct {
	kv    jetstream.KeyValue
	log   *slog.Logger
	key   string
	id    string
	every time.Duration

	leading atomic.Bool
}

// New creates the lease bucket. The lease expires after ttl unless renewed,
// so renewEvery must be well under ttl.
func New(ctx context.Context, js jetstream.JetStream, log *slog.Logger, bucket, key string, ttl, renewEvery time.Duration) (*Election, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("create leader bucket: %w", err)
	}

	buf := make([]byte, 4)
	rand.Read(buf)

	return &Election{
		kv:    kv,
		log:   log,
		key:   key,
		id:    hex.EncodeToString(buf),
		every: renewEvery,
	}, nil
}

func (e *Election) ID() string {
	return e.id
}

func (e *Election) IsLeader() bool {
	return e.leading.Load()
}

// Run contends for the lease until ctx is cancelled, then releases it.
func (e *Election) Run(ctx context.Context) {
	ticker := time.NewTicker(e.every)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.release()
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick acquires when out of power and renews when in it. Renewal goes
// through Update under the observed revision, so a lease taken over between
// Get and Update is lost cleanly rather than overwritten.
func (e *Election) tick(ctx context.Context) {
	if !e.leading.Load() {
		if _, err := e.kv.Create(ctx, e.key, []byte(e.id)); err == nil {
			e.leading.Store(true)
			e.log.InfoContext(ctx, "acquired sweep lease", "instanceId", e.id)
		}
		return
	}

	entry, err := e.kv.Get(ctx, e.key)
	if err != nil || string(entry.Value()) != e.id {
		e.leading.Store(false)
		e.log.WarnContext(ctx, "sweep lease lost", "instanceId", e.id)
		return
	}
	if _, err := e.kv.Update(ctx, e.key, []byte(e.id), entry.Revision()); err != nil {
		e.leading.Store(false)
		e.log.WarnContext(ctx, "failed to renew sweep lease", "instanceId", e.id, "error", err)
	}
}

func (e *Election) release() {
	if !e.leading.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if entry, err := e.kv.Get(ctx, e.key); err == nil && string(entry.Value()) == e.id {
		e.kv.Delete(ctx, e.key)
	}
	e.log.Info("released sweep lease", "instanceId", e.id)
}
