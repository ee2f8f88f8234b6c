package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"localthreads/internal/domain"
)

const collectionKey = "threads"

// SQLiteThreadStore persists the whole thread collection as a single JSON
// document, mirroring how the client saves: wholesale after every mutation.
// One row keeps the save atomic without row-level diffing.
type SQLiteThreadStore struct {
	db *sql.DB
}

// NewSQLiteThreadStore opens (or creates) a SQLite database at dbPath and
// runs the schema migration.
func NewSQLiteThreadStore(dbPath string) (*SQLiteThreadStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open thread db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	// The store is a single-document writer; one connection avoids
	// SQLITE_BUSY between concurrent saves.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate thread db: %w", err)
	}
	return &SQLiteThreadStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS collections (
			key        TEXT PRIMARY KEY,
			payload    TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteThreadStore) Close() error {
	return s.db.Close()
}

// Load returns the saved thread collection, newest retained order as saved.
// An empty database yields an empty collection, not an error.
func (s *SQLiteThreadStore) Load(ctx context.Context) ([]domain.Thread, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM collections WHERE key = ?", collectionKey,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load threads: %v", domain.ErrStoreFailed, err)
	}

	threads, err := decodeThreads([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: decode threads: %v", domain.ErrStoreFailed, err)
	}
	return threads, nil
}

// Save replaces the whole collection.
func (s *SQLiteThreadStore) Save(ctx context.Context, threads []domain.Thread) error {
	if threads == nil {
		threads = []domain.Thread{}
	}
	payload, err := json.Marshal(threads)
	if err != nil {
		return fmt.Errorf("%w: encode threads: %v", domain.ErrStoreFailed, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO collections (key, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		collectionKey, string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: save threads: %v", domain.ErrStoreFailed, err)
	}
	return nil
}

// Collections written by older builds carried epoch-millisecond timestamps.
// decodeThreads accepts both that and the canonical RFC 3339 form; the next
// Save rewrites everything canonically.
type threadRecord struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	CreatedAt json.RawMessage `json:"createdAt"`
	UpdatedAt json.RawMessage `json:"updatedAt"`
	Messages  []messageRecord `json:"messages"`
}

type messageRecord struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	CreatedAt json.RawMessage `json:"createdAt"`
	Feedback  string          `json:"feedback,omitempty"`
}

func decodeThreads(payload []byte) ([]domain.Thread, error) {
	var records []threadRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, err
	}

	threads := make([]domain.Thread, 0, len(records))
	for i, rec := range records {
		created, err := parseTimestamp(rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("thread %d createdAt: %w", i, err)
		}
		updated, err := parseTimestamp(rec.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("thread %d updatedAt: %w", i, err)
		}
		t := domain.Thread{
			ID:        rec.ID,
			Title:     rec.Title,
			CreatedAt: created,
			UpdatedAt: updated,
		}
		for j, m := range rec.Messages {
			mCreated, err := parseTimestamp(m.CreatedAt)
			if err != nil {
				return nil, fmt.Errorf("thread %d message %d createdAt: %w", i, j, err)
			}
			t.Messages = append(t.Messages, domain.Message{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.Content,
				CreatedAt: mCreated,
				Feedback:  m.Feedback,
			})
		}
		threads = append(threads, t)
	}
	return threads, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse %q: %w", s, err)
		}
		return t, nil
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %s is neither RFC 3339 nor epoch milliseconds", raw)
	}
	return time.UnixMilli(ms).UTC(), nil
}
