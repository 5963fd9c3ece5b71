package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mohammad-safakhou/fractal/internal/runstate"
)

// Ref identifies one persisted snapshot.
type Ref struct {
	RunID   string `json:"run_id"`
	Version int    `json:"version"`
}

func (r Ref) String() string { return fmt.Sprintf("%s@%d", r.RunID, r.Version) }

// ErrNotFound is returned when a referenced snapshot does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists run snapshots. Save writes the state at its current Version;
// callers bump the version before saving.
type Store interface {
	Save(ctx context.Context, state *runstate.State) (Ref, error)
	Load(ctx context.Context, ref Ref) (*runstate.State, error)
	Latest(ctx context.Context, runID string) (*runstate.State, bool, error)
}

// Lister is implemented by stores that can enumerate runs with unfinished
// snapshots, used to resume runs after a restart.
type Lister interface {
	Suspended(ctx context.Context) ([]string, error)
}

// MemoryStore keeps encoded snapshots in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]map[int][]byte
	latest map[string]int
	phases map[string]runstate.Phase
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   map[string]map[int][]byte{},
		latest: map[string]int{},
		phases: map[string]runstate.Phase{},
	}
}

func (m *MemoryStore) Save(_ context.Context, state *runstate.State) (Ref, error) {
	if state == nil || state.RunID == "" {
		return Ref{}, fmt.Errorf("save checkpoint: run id is required")
	}
	payload, err := state.Marshal()
	if err != nil {
		return Ref{}, fmt.Errorf("save checkpoint: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	versions, ok := m.data[state.RunID]
	if !ok {
		versions = map[int][]byte{}
		m.data[state.RunID] = versions
	}
	versions[state.Version] = payload
	if state.Version >= m.latest[state.RunID] {
		m.latest[state.RunID] = state.Version
		m.phases[state.RunID] = state.Phase
	}
	return Ref{RunID: state.RunID, Version: state.Version}, nil
}

func (m *MemoryStore) Load(_ context.Context, ref Ref) (*runstate.State, error) {
	m.mu.RLock()
	payload, ok := m.data[ref.RunID][ref.Version]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return runstate.Unmarshal(payload)
}

func (m *MemoryStore) Latest(ctx context.Context, runID string) (*runstate.State, bool, error) {
	m.mu.RLock()
	v, ok := m.latest[runID]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	st, err := m.Load(ctx, Ref{RunID: runID, Version: v})
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

// Suspended lists runs whose latest snapshot is not terminal.
func (m *MemoryStore) Suspended(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, phase := range m.phases {
		if !phase.Terminal() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Lister = (*MemoryStore)(nil)
)
