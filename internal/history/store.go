package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stouffer-labs/topside/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	started_at TIMESTAMP NOT NULL,
	window_owner TEXT,
	window_title TEXT,
	media_type TEXT,
	messages TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	saved_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at DESC);
`

// Store persists finished sessions to SQLite.
type Store struct {
	db *sql.DB
}

// Open creates the database file and schema if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes one immutable session record.
func (s *Store) Save(ctx context.Context, record domain.SessionRecord) error {
	messages, err := json.Marshal(record.Messages)
	if err != nil {
		return fmt.Errorf("encode session messages: %w", err)
	}

	var owner, title string
	if record.Window != nil {
		owner = record.Window.Owner
		title = record.Window.Title
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, window_owner, window_title, media_type, messages, input_tokens, output_tokens, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.StartedAt.UTC(),
		owner,
		title,
		record.MediaType,
		string(messages),
		record.Usage.InputTokens,
		record.Usage.OutputTokens,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Recent lists the most recent sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, window_owner, window_title, media_type, messages, input_tokens, output_tokens
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var records []domain.SessionRecord
	for rows.Next() {
		var (
			record   domain.SessionRecord
			owner    sql.NullString
			title    sql.NullString
			media    sql.NullString
			messages string
		)
		if err := rows.Scan(&record.ID, &record.StartedAt, &owner, &title, &media, &messages, &record.Usage.InputTokens, &record.Usage.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(messages), &record.Messages); err != nil {
			return nil, fmt.Errorf("decode session messages: %w", err)
		}
		if owner.String != "" || title.String != "" {
			record.Window = &domain.WindowInfo{Owner: owner.String, Title: title.String}
		}
		record.MediaType = media.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}
