package activity

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	createActivityTable = `
		CREATE TABLE IF NOT EXISTS project_activities (
			activity_id    TEXT PRIMARY KEY,
			project_id     TEXT NOT NULL,
			user_id        TEXT NOT NULL,
			type           TEXT NOT NULL,
			payload        JSONB NOT NULL,
			occurred_at_us BIGINT NOT NULL
		)`
	createActivityIndex = `
		CREATE INDEX IF NOT EXISTS idx_activity_project_time
			ON project_activities (project_id, occurred_at_us DESC)`
	insertActivity = `
		INSERT INTO project_activities (activity_id, project_id, user_id, type, payload, occurred_at_us)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)`
	selectRecentActivity = `
		SELECT activity_id, project_id, user_id, type, payload::text, occurred_at_us
		FROM project_activities
		WHERE project_id = $1
		ORDER BY occurred_at_us DESC, activity_id DESC
		LIMIT $2`
)

// PostgresStore keeps activity records in a dedicated Postgres database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgresStore connects to Postgres, verifies connectivity and ensures the schema exists.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("activity: postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the activity table and its read index when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createActivityTable); err != nil {
		return fmt.Errorf("create activity table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, createActivityIndex); err != nil {
		return fmt.Errorf("create activity index: %w", err)
	}
	return nil
}

// Insert stores a new record.
func (s *PostgresStore) Insert(ctx context.Context, record Record) error {
	_, err := s.pool.Exec(ctx, insertActivity,
		record.ID,
		record.ProjectID,
		record.UserID,
		string(record.Type),
		record.PayloadJSON,
		record.OccurredAtMicros,
	)
	return err
}

// ListRecent returns up to limit records for the project, newest first.
func (s *PostgresStore) ListRecent(ctx context.Context, projectID string, limit int) ([]Record, error) {
	rows, err := s.pool.Query(ctx, selectRecentActivity, projectID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var record Record
		var activityType string
		err := row.Scan(
			&record.ID,
			&record.ProjectID,
			&record.UserID,
			&activityType,
			&record.PayloadJSON,
			&record.OccurredAtMicros,
		)
		record.Type = Type(activityType)
		return record, err
	})
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
