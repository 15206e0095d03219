// Package sqlite provides a SQLite-backed battle event log.
package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"database/sql"

	sqlitemigrate "github.com/jamlabs/aircraft/internal/platform/storage/sqlitemigrate"
	"github.com/jamlabs/aircraft/internal/services/lobby/storage"
	"github.com/jamlabs/aircraft/internal/services/lobby/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists battle handshake events in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite battle log store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// AppendBattleEvent records one handshake outcome.
func (s *Store) AppendBattleEvent(ctx context.Context, event storage.BattleEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	kind := strings.TrimSpace(event.Kind)
	if kind == "" {
		return fmt.Errorf("event kind is required")
	}
	if strings.TrimSpace(event.ChallengerID) == "" {
		return fmt.Errorf("challenger id is required")
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO battle_events (kind, challenger_id, challenger_name, opponent_id, opponent_name, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		kind,
		event.ChallengerID,
		event.ChallengerName,
		event.OpponentID,
		event.OpponentName,
		toMillis(occurredAt),
	)
	if err != nil {
		return fmt.Errorf("insert battle event: %w", err)
	}
	return nil
}

// ListBattleEvents returns the most recent events, newest first.
func (s *Store) ListBattleEvents(ctx context.Context, limit int) ([]storage.BattleEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT kind, challenger_id, challenger_name, opponent_id, opponent_name, occurred_at
		 FROM battle_events
		 ORDER BY id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query battle events: %w", err)
	}
	defer rows.Close()

	var events []storage.BattleEvent
	for rows.Next() {
		var event storage.BattleEvent
		var occurredAt int64
		if err := rows.Scan(
			&event.Kind,
			&event.ChallengerID,
			&event.ChallengerName,
			&event.OpponentID,
			&event.OpponentName,
			&occurredAt,
		); err != nil {
			return nil, fmt.Errorf("scan battle event: %w", err)
		}
		event.OccurredAt = fromMillis(occurredAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate battle events: %w", err)
	}
	return events, nil
}
