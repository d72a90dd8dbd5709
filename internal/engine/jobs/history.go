package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// History records finished transcription flows in a local SQLite table so past
// runs survive restarts and can be listed without the backend.
type History struct {
	db *sql.DB
}

// HistoryEntry is one recorded flow.
type HistoryEntry struct {
	ID          int64  `json:"id"`
	RequestID   string `json:"requestId"`
	JobID       string `json:"jobId,omitempty"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Status      Stage  `json:"status"`
	Cached      bool   `json:"cached,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   string `json:"created_at"`
	CompletedAt string `json:"completed_at"`
}

// OpenHistory opens (or creates) the history database.
// An empty path defaults to ~/.lectoscribe/history.db.
func OpenHistory(path string) (*History, error) {
	if path == "" {
		dir := filepath.Join(os.Getenv("HOME"), ".lectoscribe")
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("history: mkdir %s: %w", dir, err)
		}
		path = filepath.Join(dir, "history.db")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open db: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: single writer
	if err := initHistorySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return &History{db: db}, nil
}

func initHistorySchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS transcriptions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id   TEXT NOT NULL,
		job_id       TEXT,
		media_url    TEXT,
		fingerprint  TEXT,
		status       TEXT NOT NULL,
		cached       INTEGER NOT NULL DEFAULT 0,
		error        TEXT,
		created_at   TEXT NOT NULL,
		completed_at TEXT NOT NULL
	)`)
	return err
}

// Close releases the underlying database.
func (h *History) Close() error { return h.db.Close() }

// Record stores one finished flow.
func (h *History) Record(ctx context.Context, e HistoryEntry) error {
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	if e.CompletedAt == "" {
		e.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO transcriptions (request_id, job_id, media_url, fingerprint, status, cached, error, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.JobID, e.MediaURL, e.Fingerprint, string(e.Status), boolToInt(e.Cached), e.Error, e.CreatedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// List returns recorded flows, newest first, optionally filtered by status.
func (h *History) List(ctx context.Context, status Stage, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `SELECT id, request_id, job_id, media_url, fingerprint, status, cached, error, created_at, completed_at
	          FROM transcriptions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var cached int
		var statusStr string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.JobID, &e.MediaURL, &e.Fingerprint,
			&statusStr, &cached, &e.Error, &e.CreatedAt, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.Status = Stage(statusStr)
		e.Cached = cached != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
