// File: internal/store/postgres.go

// Package store holds the script repositories: a PostgreSQL store for shared
// deployments and a plain JSON file store for single-machine use.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/uipilot/api/schemas"
)

// DBPool abstracts the pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore provides a PostgreSQL implementation of the Repository
// interface.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.Repository = (*PostgresStore)(nil)

// NewPostgres creates a new store instance and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Save upserts the script keyed by its ID.
func (s *PostgresStore) Save(ctx context.Context, script *schemas.Script) error {
	stepsJSON, err := json.Marshal(script.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	outputsJSON, err := json.Marshal(script.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	query := `
        INSERT INTO scripts (id, name, goal, version, steps, outputs, success_count, fail_count, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (id) DO UPDATE SET
            name = EXCLUDED.name,
            goal = EXCLUDED.goal,
            version = EXCLUDED.version,
            steps = EXCLUDED.steps,
            outputs = EXCLUDED.outputs,
            success_count = EXCLUDED.success_count,
            fail_count = EXCLUDED.fail_count,
            updated_at = EXCLUDED.updated_at;
    `
	_, err = s.pool.Exec(ctx, query,
		script.ID, script.Name, script.Goal, script.Version,
		stepsJSON, outputsJSON,
		script.SuccessCount, script.FailCount,
		script.CreatedAt.UTC(), script.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert script %s: %w", script.ID, err)
	}
	return nil
}

// Load fetches one script by ID.
func (s *PostgresStore) Load(ctx context.Context, id string) (*schemas.Script, error) {
	query := `
        SELECT id, name, goal, version, steps, outputs, success_count, fail_count, created_at, updated_at
        FROM scripts
        WHERE id = $1;
    `
	script, err := scanScript(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: script %s", schemas.ErrCodeScriptNotFound, id)
		}
		return nil, fmt.Errorf("failed to load script %s: %w", id, err)
	}
	return script, nil
}

// List returns all stored scripts, most recently updated first.
func (s *PostgresStore) List(ctx context.Context) ([]*schemas.Script, error) {
	query := `
        SELECT id, name, goal, version, steps, outputs, success_count, fail_count, created_at, updated_at
        FROM scripts
        ORDER BY updated_at DESC;
    `
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query scripts: %w", err)
	}
	defer rows.Close()

	var scripts []*schemas.Script
	for rows.Next() {
		script, err := scanScript(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan script row: %w", err)
		}
		scripts = append(scripts, script)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return scripts, nil
}

// Delete removes one script by ID.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scripts WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete script %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: script %s", schemas.ErrCodeScriptNotFound, id)
	}
	return nil
}

func scanScript(row pgx.Row) (*schemas.Script, error) {
	var script schemas.Script
	var stepsJSON, outputsJSON []byte

	err := row.Scan(
		&script.ID, &script.Name, &script.Goal, &script.Version,
		&stepsJSON, &outputsJSON,
		&script.SuccessCount, &script.FailCount,
		&script.CreatedAt, &script.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stepsJSON, &script.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	if len(outputsJSON) > 0 {
		if err := json.Unmarshal(outputsJSON, &script.Outputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outputs: %w", err)
		}
	}
	return &script, nil
}
