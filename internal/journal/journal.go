// Package journal keeps a SQLite history of document delivery attempts.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Delivery outcomes.
const (
	StatusSent               = "sent"
	StatusNotReady           = "not_ready"
	StatusInvalidDestination = "invalid_destination"
	StatusFileNotFound       = "file_not_found"
	StatusTransportError     = "transport_error"
	StatusError              = "error"
)

// Entry is one delivery attempt.
type Entry struct {
	ID          string        `json:"id"`
	Destination string        `json:"destination"`
	FileName    string        `json:"fileName"`
	Caption     string        `json:"caption,omitempty"`
	Status      string        `json:"status"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Journal is the delivery history database.
type Journal struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open creates or opens the journal at path.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, dbPath: path}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.dbPath
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT PRIMARY KEY,
		destination TEXT NOT NULL,
		file_name TEXT NOT NULL,
		caption TEXT,
		status TEXT NOT NULL,
		error TEXT,
		created_at INTEGER NOT NULL,
		elapsed_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_deliveries_created ON deliveries(created_at);
	CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record stores one delivery attempt.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, destination, file_name, caption, status, error, created_at, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Destination, e.FileName, e.Caption, e.Status, e.Error,
		e.CreatedAt.UnixMilli(), e.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("record delivery %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT id, destination, file_name, COALESCE(caption, ''), status, COALESCE(error, ''), created_at, elapsed_ms
		FROM deliveries
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			createdMs int64
			elapsedMs int64
		)
		if err := rows.Scan(&e.ID, &e.Destination, &e.FileName, &e.Caption, &e.Status, &e.Error, &createdMs, &elapsedMs); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdMs)
		e.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByStatus returns the number of attempts per outcome.
func (j *Journal) CountByStatus(ctx context.Context) (map[string]int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM deliveries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
