package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store persists usage counters so consumption survives restarts within a
// period. Only committed usage is stored; reservations are in-memory state.
type Store struct {
	db *sql.DB
}

// CounterRecord is one persisted usage counter row.
type CounterRecord struct {
	AgentID     string
	PeriodStart time.Time
	Consumed    int64
}

// OpenStore opens (and if needed creates) the usage database at path.
// Use ":memory:" for an ephemeral store in tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}

	// The store is written from per-agent goroutines; a single connection
	// serializes writes, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS usage_counters (
			agent_id     TEXT PRIMARY KEY,
			period_start TIMESTAMP NOT NULL,
			consumed     INTEGER NOT NULL DEFAULT 0,
			updated_at   TIMESTAMP NOT NULL
		)
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create usage schema: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveCounter upserts the counter row for an agent.
func (s *Store) SaveCounter(agentID string, periodStart time.Time, consumed int64) error {
	query := `
		INSERT INTO usage_counters (agent_id, period_start, consumed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			period_start = excluded.period_start,
			consumed     = excluded.consumed,
			updated_at   = excluded.updated_at
	`
	_, err := s.db.Exec(query, agentID, periodStart.UTC(), consumed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save counter for %s: %w", agentID, err)
	}
	return nil
}

// LoadCounter returns the persisted counter for an agent, or nil if none.
func (s *Store) LoadCounter(agentID string) (*CounterRecord, error) {
	query := `SELECT period_start, consumed FROM usage_counters WHERE agent_id = ?`

	rec := CounterRecord{AgentID: agentID}
	err := s.db.QueryRow(query, agentID).Scan(&rec.PeriodStart, &rec.Consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load counter for %s: %w", agentID, err)
	}
	rec.PeriodStart = rec.PeriodStart.UTC()
	return &rec, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close usage database: %w", err)
	}
	return nil
}
