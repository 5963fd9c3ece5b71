package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/fractal/internal/runstate"
)

// PostgresStore keeps every snapshot version in the run_checkpoints table.
type PostgresStore struct {
	DB *sql.DB
}

// OpenPostgres connects with the lib/pq driver and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{DB: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func (s *PostgresStore) Save(ctx context.Context, state *runstate.State) (Ref, error) {
	if state == nil || state.RunID == "" {
		return Ref{}, fmt.Errorf("save checkpoint: run id is required")
	}
	payload, err := state.Marshal()
	if err != nil {
		return Ref{}, fmt.Errorf("save checkpoint: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO run_checkpoints (run_id, version, phase, state, created_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (run_id, version) DO UPDATE SET
  phase = EXCLUDED.phase,
  state = EXCLUDED.state;
`, state.RunID, state.Version, string(state.Phase), payload)
	if err != nil {
		return Ref{}, fmt.Errorf("save checkpoint %s@%d: %w", state.RunID, state.Version, err)
	}
	return Ref{RunID: state.RunID, Version: state.Version}, nil
}

func (s *PostgresStore) Load(ctx context.Context, ref Ref) (*runstate.State, error) {
	var payload []byte
	row := s.DB.QueryRowContext(ctx, `
SELECT state
FROM run_checkpoints
WHERE run_id=$1 AND version=$2`, ref.RunID, ref.Version)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", ref, err)
	}
	return runstate.Unmarshal(payload)
}

func (s *PostgresStore) Latest(ctx context.Context, runID string) (*runstate.State, bool, error) {
	var payload []byte
	row := s.DB.QueryRowContext(ctx, `
SELECT state
FROM run_checkpoints
WHERE run_id=$1
ORDER BY version DESC
LIMIT 1`, runID)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("latest checkpoint %s: %w", runID, err)
	}
	st, err := runstate.Unmarshal(payload)
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// Suspended lists runs whose latest snapshot is not terminal.
func (s *PostgresStore) Suspended(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT ON (run_id) run_id, phase
FROM run_checkpoints
ORDER BY run_id, version DESC`)
	if err != nil {
		return nil, fmt.Errorf("list suspended runs: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id, phase string
		if err := rows.Scan(&id, &phase); err != nil {
			return nil, err
		}
		if !runstate.Phase(phase).Terminal() {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

var (
	_ Store  = (*PostgresStore)(nil)
	_ Lister = (*PostgresStore)(nil)
)
