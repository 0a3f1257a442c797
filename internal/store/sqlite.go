package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists LLM usage records to a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

// UsageRecord is one routed request as stored in the usage table
type UsageRecord struct {
	ID        string        `json:"id"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	Task      string        `json:"task"`
	Tokens    int           `json:"tokens"`
	Latency   time.Duration `json:"latency"`
	Cached    bool          `json:"cached"`
	ErrorKind string        `json:"error_kind,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// ProviderSummary aggregates usage rows for one provider
type ProviderSummary struct {
	Provider     string
	Requests     int
	Tokens       int
	CacheHits    int
	Errors       int
	AvgLatencyMS float64
}

// NewSQLiteStore creates a new SQLite store at the given path
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent write performance
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS usage (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			task TEXT NOT NULL DEFAULT '',
			tokens INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			cached INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	// Add error_kind column if not exists (migration)
	_, _ = db.Exec(`ALTER TABLE usage ADD COLUMN error_kind TEXT NOT NULL DEFAULT ''`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_usage_created ON usage(created_at)`)

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveUsage inserts a usage record. ID and CreatedAt are filled in when empty.
func (s *SQLiteStore) SaveUsage(r *UsageRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO usage (id, provider, model, task, tokens, latency_ms, cached, error_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Provider, r.Model, r.Task, r.Tokens, r.Latency.Milliseconds(), boolToInt(r.Cached), r.ErrorKind, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save usage: %w", err)
	}
	return nil
}

// RecentUsage returns the newest records first, at most limit rows
func (s *SQLiteStore) RecentUsage(limit int) ([]*UsageRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, provider, model, task, tokens, latency_ms, cached, error_kind, created_at
		FROM usage
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		var latencyMS, createdUnix int64
		var cached int
		if err := rows.Scan(&r.ID, &r.Provider, &r.Model, &r.Task, &r.Tokens, &latencyMS, &cached, &r.ErrorKind, &createdUnix); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		r.Latency = time.Duration(latencyMS) * time.Millisecond
		r.Cached = cached != 0
		r.CreatedAt = time.Unix(createdUnix, 0)
		records = append(records, &r)
	}
	return records, rows.Err()
}

// Summary aggregates usage per provider for records created at or after since
func (s *SQLiteStore) Summary(since time.Time) ([]ProviderSummary, error) {
	rows, err := s.db.Query(`
		SELECT provider,
			SUM(CASE WHEN cached = 0 AND error_kind = '' THEN 1 ELSE 0 END),
			SUM(tokens),
			SUM(cached),
			SUM(CASE WHEN error_kind != '' THEN 1 ELSE 0 END),
			COALESCE(AVG(CASE WHEN cached = 0 AND error_kind = '' THEN latency_ms END), 0)
		FROM usage
		WHERE created_at >= ?
		GROUP BY provider
		ORDER BY provider
	`, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to summarize usage: %w", err)
	}
	defer rows.Close()

	var result []ProviderSummary
	for rows.Next() {
		var p ProviderSummary
		if err := rows.Scan(&p.Provider, &p.Requests, &p.Tokens, &p.CacheHits, &p.Errors, &p.AvgLatencyMS); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// CleanOldUsage removes records older than maxAge
func (s *SQLiteStore) CleanOldUsage(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	result, err := s.db.Exec(`DELETE FROM usage WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DefaultDBPath returns the default database path
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".qitops", "usage.db")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
