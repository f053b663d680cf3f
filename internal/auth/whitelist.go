package auth

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// Whitelist loads the participant whitelist from PostgreSQL into memory and
// refreshes periodically so new entries apply without a restart.
type Whitelist struct {
	db      *sql.DB
	mu      sync.RWMutex
	entries map[string]string // normalized phone -> display name
	stopCh  chan struct{}
}

// NewWhitelist loads the initial whitelist and starts the background refresh.
func NewWhitelist(db *sql.DB, refreshInterval time.Duration) (*Whitelist, error) {
	w := &Whitelist{
		db:      db,
		entries: make(map[string]string),
		stopCh:  make(chan struct{}),
	}
	if err := w.refresh(); err != nil {
		return nil, err
	}
	go w.refreshLoop(refreshInterval)
	return w, nil
}

func (w *Whitelist) refresh() error {
	rows, err := w.db.Query("SELECT phone, name FROM whitelist")
	if err != nil {
		return err
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var phone, name string
		if err := rows.Scan(&phone, &name); err != nil {
			return err
		}
		if normalized, err := NormalizePhone(phone); err == nil {
			entries[normalized] = name
		} else {
			slog.Warn("Skipping malformed whitelist entry", "phone", phone)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	w.mu.Lock()
	w.entries = entries
	w.mu.Unlock()

	slog.Info("Whitelist cache refreshed", "count", len(entries))
	return nil
}

func (w *Whitelist) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.refresh(); err != nil {
				slog.Error("Failed to refresh whitelist", "error", err)
			}
		case <-w.stopCh:
			return
		}
	}
}

// Lookup returns the display name for a normalized phone number.
func (w *Whitelist) Lookup(phone string) (string, bool) {
	w.mu.RLock()
	name, ok := w.entries[phone]
	w.mu.RUnlock()
	return name, ok
}

// Close stops the background refresh goroutine.
func (w *Whitelist) Close() {
	close(w.stopCh)
}
