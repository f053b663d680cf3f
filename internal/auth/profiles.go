package auth

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Profile is the display record kept per user, separate from presence.
type Profile struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Profiles persists user display records in PostgreSQL. Rows are upserted at
// login and joined against the presence roster; stale rows for disconnected
// users are harmless.
type Profiles struct {
	db *sql.DB
}

func NewProfiles(db *sql.DB) *Profiles {
	return &Profiles{db: db}
}

func (p *Profiles) Upsert(ctx context.Context, profile Profile) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (id, name, role) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role`,
		profile.ID, profile.Name, profile.Role)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", profile.ID, err)
	}
	return nil
}

// List returns the profiles for the given ids. Missing ids are omitted.
func (p *Profiles) List(ctx context.Context, ids []string) (map[string]Profile, error) {
	if len(ids) == 0 {
		return map[string]Profile{}, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, role FROM users WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Profile, len(ids))
	for rows.Next() {
		var prof Profile
		if err := rows.Scan(&prof.ID, &prof.Name, &prof.Role); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out[prof.ID] = prof
	}
	return out, rows.Err()
}
