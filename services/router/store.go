package router

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/corefold/relay/pkg/database"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// EventStore persists the router's audit trail: emitted events and routing
// decisions. Implementations must be safe for concurrent use.
type EventStore interface {
	RecordEvent(ctx context.Context, e Event) error
	RecordDecision(ctx context.Context, d *RouteDecision) error
	RecentEvents(ctx context.Context, limit int) ([]Event, error)
	RecentDecisions(ctx context.Context, limit int) ([]RouteDecision, error)
}

// memoryStoreCap bounds the in-memory audit buffers.
const memoryStoreCap = 1024

// MemoryStore is an in-process EventStore holding the most recent records.
// It backs single-node deployments and tests.
type MemoryStore struct {
	mu        sync.Mutex
	events    []Event
	decisions []RouteDecision
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// RecordEvent implements EventStore.
func (s *MemoryStore) RecordEvent(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	if len(s.events) > memoryStoreCap {
		s.events = s.events[len(s.events)-memoryStoreCap:]
	}
	return nil
}

// RecordDecision implements EventStore.
func (s *MemoryStore) RecordDecision(ctx context.Context, d *RouteDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, *d)
	if len(s.decisions) > memoryStoreCap {
		s.decisions = s.decisions[len(s.decisions)-memoryStoreCap:]
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *MemoryStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lastReversed(s.events, limit), nil
}

// RecentDecisions returns up to limit decisions, newest first.
func (s *MemoryStore) RecentDecisions(ctx context.Context, limit int) ([]RouteDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lastReversed(s.decisions, limit), nil
}

func lastReversed[T any](in []T, limit int) []T {
	if limit <= 0 || limit > len(in) {
		limit = len(in)
	}
	out := make([]T, 0, limit)
	for i := len(in) - 1; i >= len(in)-limit; i-- {
		out = append(out, in[i])
	}
	return out
}

// PostgresStore is an EventStore backed by PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a store over an open connection.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the audit schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrator := database.NewMigrator(s.db, "router")
	if err := migrator.LoadMigrations(migrationFiles, "migrations"); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	return migrator.Up(ctx)
}

// RecordEvent implements EventStore.
func (s *PostgresStore) RecordEvent(ctx context.Context, e Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO router_events (kind, provider, request_id, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
	`, string(e.Kind), e.Provider, e.RequestID, e.Detail, e.At)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecordDecision implements EventStore.
func (s *PostgresStore) RecordDecision(ctx context.Context, d *RouteDecision) error {
	attempts, err := json.Marshal(d.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	candidates, err := json.Marshal(d.Candidates)
	if err != nil {
		return fmt.Errorf("marshal candidates: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO router_decisions (request_id, strategy, candidates, attempts, selected, elapsed_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO UPDATE SET
			candidates = EXCLUDED.candidates,
			attempts = EXCLUDED.attempts,
			selected = EXCLUDED.selected,
			elapsed_ms = EXCLUDED.elapsed_ms
	`, d.ID, d.Strategy.String(), candidates, attempts, d.Selected, d.Elapsed.Milliseconds(), time.Now())
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *PostgresStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, provider, request_id, detail, occurred_at
		FROM router_events
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var kind string
		if err := rows.Scan(&kind, &e.Provider, &e.RequestID, &e.Detail, &e.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = EventKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecentDecisions returns up to limit decisions, newest first.
func (s *PostgresStore) RecentDecisions(ctx context.Context, limit int) ([]RouteDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, strategy, candidates, attempts, selected, elapsed_ms
		FROM router_decisions
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []RouteDecision
	for rows.Next() {
		var d RouteDecision
		var strategy string
		var candidates, attempts []byte
		var elapsedMS int64
		if err := rows.Scan(&d.ID, &strategy, &candidates, &attempts, &d.Selected, &elapsedMS); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if d.Strategy, err = ParseStrategy(strategy); err != nil {
			d.Strategy = StrategyPriority
		}
		if err := json.Unmarshal(candidates, &d.Candidates); err != nil {
			return nil, fmt.Errorf("unmarshal candidates: %w", err)
		}
		if err := json.Unmarshal(attempts, &d.Attempts); err != nil {
			return nil, fmt.Errorf("unmarshal attempts: %w", err)
		}
		d.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		out = append(out, d)
	}
	return out, rows.Err()
}
