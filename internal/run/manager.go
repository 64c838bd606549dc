package run

import (
	"fmt"
	"sync"
)

// Manager registers live runs and enforces the exclusive storage-state lock
// per (platform, tenant).
type Manager struct {
	mu    sync.Mutex
	root  string
	limit int
	runs  map[string]*Run
	locks map[string]string // platform_tenant -> run_id holding the lock
}

// NewManager roots run state under dir. warnLimit feeds each run's risk
// computation.
func NewManager(dir string, warnLimit int) *Manager {
	return &Manager{
		root:  dir,
		limit: warnLimit,
		runs:  make(map[string]*Run),
		locks: make(map[string]string),
	}
}

func stateKey(platformKey, tenantID string) string {
	return platformKey + "_" + tenantID
}

// Start creates and registers a run, taking the storage-state lock.
func (m *Manager) Start(platformKey, tenantID string, allowedDomains []string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stateKey(platformKey, tenantID)
	if holder, held := m.locks[key]; held {
		return nil, fmt.Errorf("storage state for %s is locked by run %s", key, holder)
	}
	r := New(m.root, platformKey, tenantID, allowedDomains, m.limit)
	m.runs[r.RunID] = r
	m.locks[key] = r.RunID
	return r, nil
}

// Get looks up a live run.
func (m *Manager) Get(runID string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	return r, ok
}

// Close transitions the run to CLOSED and releases its storage-state lock.
func (m *Manager) Close(runID string) error {
	m.mu.Lock()
	r, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("run not found: %s", runID)
	}
	if err := r.Transition(StateClosed); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.locks, stateKey(r.PlatformKey, r.TenantID))
	m.mu.Unlock()
	return nil
}

// List returns snapshots of all registered runs.
func (m *Manager) List() []Status {
	m.mu.Lock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.Snapshot())
	}
	return out
}
