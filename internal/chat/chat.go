// Package chat relays webinar messages: append to Postgres, publish over
// NATS for live delivery, and serve history with cursor pagination.
package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/example/webinar-backend/internal/auth"
	"github.com/example/webinar-backend/pkg/otelhelper"
)

const (
	// RecipientAll addresses a message to everyone in the webinar.
	RecipientAll = "all"

	maxMessageLength = 500
	pageSize         = 50

	// SubjectMessages carries live chat messages to connected relays.
	SubjectMessages = "webinar.chat.messages"
)

// Message is one chat message as stored and as published.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"` // "role:name", for display
	FromID    string `json:"fromId"`
	To        string `json:"to"` // "all" or a user id
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // unix millis
}

// HistoryPage is one page of messages, newest first.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"hasMore"`
}

type Service struct {
	db  *sql.DB
	nc  *nats.Conn
	log *slog.Logger

	insertStmt       *sql.Stmt
	latestStmt       *sql.Stmt
	latestCursorStmt *sql.Stmt
}

func NewService(db *sql.DB, nc *nats.Conn, log *slog.Logger) (*Service, error) {
	insertStmt, err := db.Prepare(
		`INSERT INTO messages (id, sender, sender_id, recipient, text, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}

	// Visibility: everything addressed to all, plus messages the requester
	// sent or received. Hosts see the whole stream.
	// Fetch pageSize+1 rows to detect hasMore without a COUNT query.
	latestStmt, err := db.Prepare(
		`SELECT id, sender, sender_id, recipient, text, timestamp
		 FROM messages
		 WHERE $1 OR recipient = 'all' OR recipient = $2 OR sender_id = $2
		 ORDER BY timestamp DESC LIMIT $3`)
	if err != nil {
		return nil, fmt.Errorf("prepare latest query: %w", err)
	}

	latestCursorStmt, err := db.Prepare(
		`SELECT id, sender, sender_id, recipient, text, timestamp
		 FROM messages
		 WHERE ($1 OR recipient = 'all' OR recipient = $2 OR sender_id = $2)
		   AND timestamp < $3
		 ORDER BY timestamp DESC LIMIT $4`)
	if err != nil {
		return nil, fmt.Errorf("prepare cursor query: %w", err)
	}

	return &Service{
		db:               db,
		nc:               nc,
		log:              log,
		insertStmt:       insertStmt,
		latestStmt:       latestStmt,
		latestCursorStmt: latestCursorStmt,
	}, nil
}

func (s *Service) Close() {
	s.insertStmt.Close()
	s.latestStmt.Close()
	s.latestCursorStmt.Close()
}

// sanitizeText trims and strips angle brackets. Rendering is the client's
// problem, but there is no reason to store markup delimiters.
func sanitizeText(text string) string {
	return strings.Map(func(r rune) rune {
		if r == '<' || r == '>' {
			return -1
		}
		return r
	}, strings.TrimSpace(text))
}

// Send validates, stores and publishes one message from p.
func (s *Service) Send(ctx context.Context, p auth.Principal, text, to string, now int64) (*Message, error) {
	text = sanitizeText(text)
	if text == "" {
		return nil, fmt.Errorf("message cannot be empty")
	}
	if len(text) > maxMessageLength {
		return nil, fmt.Errorf("message cannot exceed %d characters", maxMessageLength)
	}
	if to == "" {
		to = RecipientAll
	}

	msg := Message{
		ID:        uuid.NewString(),
		From:      p.Role + ":" + p.Name,
		FromID:    p.User,
		To:        to,
		Text:      text,
		Timestamp: now,
	}

	if _, err := s.insertStmt.ExecContext(ctx,
		msg.ID, msg.From, msg.FromID, msg.To, msg.Text, msg.Timestamp); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if err := otelhelper.TracedPublish(ctx, s.nc, SubjectMessages, data); err != nil {
		// Stored but not relayed; receivers catch up through history.
		s.log.WarnContext(ctx, "failed to publish chat message", "id", msg.ID, "error", err)
	}

	s.log.InfoContext(ctx, "message sent", "from", msg.From, "to", msg.To)
	return &msg, nil
}

// History returns messages visible to p, newest first. A non-zero before
// timestamp continues a previous page.
func (s *Service) History(ctx context.Context, p auth.Principal, before int64) (*HistoryPage, error) {
	var rows *sql.Rows
	var err error
	if before > 0 {
		rows, err = s.latestCursorStmt.QueryContext(ctx, p.IsHost(), p.User, before, pageSize+1)
	} else {
		rows, err = s.latestStmt.QueryContext(ctx, p.IsHost(), p.User, pageSize+1)
	}
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	page := &HistoryPage{Messages: []Message{}}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.From, &m.FromID, &m.To, &m.Text, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		page.Messages = append(page.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	if len(page.Messages) > pageSize {
		page.Messages = page.Messages[:pageSize]
		page.HasMore = true
	}
	return page, nil
}
