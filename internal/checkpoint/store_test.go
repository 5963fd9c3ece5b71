package checkpoint

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/fractal/internal/knowledge"
	"github.com/mohammad-safakhou/fractal/internal/runstate"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

func sampleState(t *testing.T, runID string) *runstate.State {
	t.Helper()
	st, err := runstate.New(runID, "what changed in solar", runstate.DefaultConfig(), 0)
	require.NoError(t, err)
	_, err = st.ApplyPlan(task.RootID, task.Proposal{
		Decision: task.DecisionDecompose,
		Children: []task.ChildSpec{{Objective: "prices", Role: task.RoleGatherer}},
	}, false)
	require.NoError(t, err)
	require.NoError(t, st.Dispatch("root.1"))
	require.NoError(t, st.ApplyResult(runstate.Outcome{
		NodeID:  "root.1",
		Text:    "prices fell",
		Nuggets: []knowledge.Nugget{{SourceTaskID: "root.1", Text: "Prices fell 10%.", Embedding: []float32{0.1, 0.2}}},
	}, false))
	st.Version = 1
	return st
}

func assertSameState(t *testing.T, want, got *runstate.State) {
	t.Helper()
	a, err := want.Marshal()
	require.NoError(t, err)
	b, err := got.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(b))
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	st := sampleState(t, "run-a")

	ref, err := s.Save(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, Ref{RunID: "run-a", Version: 1}, ref)

	st.Version = 2
	st.Finish(runstate.PhaseCompleted, "")
	_, err = s.Save(ctx, st)
	require.NoError(t, err)

	v1, err := s.Load(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, runstate.PhaseRunning, v1.Phase)

	latest, ok, err := s.Latest(ctx, "run-a")
	require.NoError(t, err)
	require.True(t, ok)
	assertSameState(t, st, latest)

	_, ok, err = s.Latest(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Load(ctx, Ref{RunID: "run-a", Version: 9})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.Save(ctx, &runstate.State{})
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)

	open := sampleState(t, "run-b")
	_, err := s.Save(context.Background(), open)
	require.NoError(t, err)
	ids, err := s.Suspended(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"run-b"}, ids)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, WithPrefix("test:cp"))
	exerciseStore(t, s)

	assert.True(t, mr.Exists("test:cp:run-a:v:1"))
	assert.True(t, mr.Exists("test:cp:run-a:v:2"))
	latest, err := mr.Get("test:cp:run-a:latest")
	require.NoError(t, err)
	assert.Equal(t, "2", latest)

	_, err = s.Save(context.Background(), sampleState(t, "run-b"))
	require.NoError(t, err)
	ids, err := s.Suspended(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"run-b"}, ids)
}

func TestRedisStoreTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, WithTTL(time.Hour))
	_, err := s.Save(context.Background(), sampleState(t, "run-ttl"))
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL(DefaultRedisPrefix+":run-ttl:v:1"))
	assert.Equal(t, time.Hour, mr.TTL(DefaultRedisPrefix+":run-ttl:latest"))
}

func TestPostgresStoreSave(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	s := &PostgresStore{DB: db}
	st := sampleState(t, "run-pg")
	payload, err := st.Marshal()
	require.NoError(t, err)

	query := regexp.QuoteMeta(`
INSERT INTO run_checkpoints (run_id, version, phase, state, created_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (run_id, version) DO UPDATE SET
  phase = EXCLUDED.phase,
  state = EXCLUDED.state;
`)
	mock.ExpectExec(query).
		WithArgs("run-pg", 1, "running", payload).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ref, err := s.Save(context.Background(), st)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ref.Version != 1 {
		t.Fatalf("expected version 1, got %d", ref.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	s := &PostgresStore{DB: db}
	st := sampleState(t, "run-pg")
	payload, err := st.Marshal()
	require.NoError(t, err)

	query := regexp.QuoteMeta(`
SELECT state
FROM run_checkpoints
WHERE run_id=$1
ORDER BY version DESC
LIMIT 1`)
	mock.ExpectQuery(query).
		WithArgs("run-pg").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(payload))
	mock.ExpectQuery(query).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))

	got, ok, err := s.Latest(context.Background(), "run-pg")
	if err != nil || !ok {
		t.Fatalf("Latest: ok=%v err=%v", ok, err)
	}
	assertSameState(t, st, got)

	_, ok, err = s.Latest(context.Background(), "missing")
	if err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresStoreLoadNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	query := regexp.QuoteMeta(`
SELECT state
FROM run_checkpoints
WHERE run_id=$1 AND version=$2`)
	mock.ExpectQuery(query).WithArgs("run-x", 3).WillReturnRows(sqlmock.NewRows([]string{"state"}))

	_, err = (&PostgresStore{DB: db}).Load(context.Background(), Ref{RunID: "run-x", Version: 3})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStoreSuspended(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	query := regexp.QuoteMeta(`
SELECT DISTINCT ON (run_id) run_id, phase
FROM run_checkpoints
ORDER BY run_id, version DESC`)
	mock.ExpectQuery(query).WillReturnRows(sqlmock.NewRows([]string{"run_id", "phase"}).
		AddRow("a", "awaiting_approval").
		AddRow("b", "completed").
		AddRow("c", "running"))

	ids, err := (&PostgresStore{DB: db}).Suspended(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids)
}
