// Package usage provides persistent per-request accounting for chat
// requests: token counts, round counts, tool calls, and mutations.
// Records are append-only and indexed by timestamp and thread for
// aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record represents one completed chat request.
type Record struct {
	ID           string
	Timestamp    time.Time
	RequestID    string
	ThreadID     string
	Model        string
	Status       string // terminal state: "final", "clarification", "error"
	Rounds       int
	ToolCalls    int
	Mutations    int
	InputTokens  int
	OutputTokens int
	ElapsedMS    int64
}

// Summary holds aggregated totals.
type Summary struct {
	TotalRecords      int
	TotalRounds       int64
	TotalToolCalls    int64
	TotalMutations    int64
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// Store is an append-only SQLite store for request records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The schema
// is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// NewStoreDB wraps an already-open database. Used by tests that open
// the database with a different driver.
func NewStoreDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS request_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		request_id    TEXT NOT NULL,
		thread_id     TEXT,
		model         TEXT NOT NULL,
		status        TEXT NOT NULL,
		rounds        INTEGER NOT NULL,
		tool_calls    INTEGER NOT NULL,
		mutations     INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		elapsed_ms    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_request_timestamp ON request_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_request_thread ON request_records(thread_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a request record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_records
			(id, timestamp, request_id, thread_id, model, status,
			 rounds, tool_calls, mutations, input_tokens, output_tokens, elapsed_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.ThreadID,
		rec.Model,
		rec.Status,
		rec.Rounds,
		rec.ToolCalls,
		rec.Mutations,
		rec.InputTokens,
		rec.OutputTokens,
		rec.ElapsedMS,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(rounds), 0),
		        COALESCE(SUM(tool_calls), 0),
		        COALESCE(SUM(mutations), 0),
		        COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0)
		 FROM request_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalRounds, &sum.TotalToolCalls,
		&sum.TotalMutations, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model aggregated totals for records
// within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByStatus returns per-terminal-state aggregated totals for
// records within [start, end).
func (s *Store) SummaryByStatus(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("status", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods,
	// never user input, so embedding it directly is safe.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*),
		        COALESCE(SUM(rounds), 0),
		        COALESCE(SUM(tool_calls), 0),
		        COALESCE(SUM(mutations), 0),
		        COALESCE(SUM(input_tokens), 0),
		        COALESCE(SUM(output_tokens), 0)
		 FROM request_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY COUNT(*) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalRounds, &sum.TotalToolCalls,
			&sum.TotalMutations, &sum.TotalInputTokens, &sum.TotalOutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
