package castle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// RunStore keeps an audit record of finished runs. The scheduler never
// reads it back.
type RunStore interface {
	// Save persists a run record, replacing any record with the same id.
	Save(ctx context.Context, rec RunRecord) error

	// Load retrieves a run record by id.
	Load(ctx context.Context, runID string) (*RunRecord, error)

	// List returns the ids of every stored run, sorted.
	List(ctx context.Context) ([]string, error)
}

// MemoryRunStore provides an in-memory implementation of RunStore for
// testing.
type MemoryRunStore struct {
	records map[string]RunRecord
	mu      sync.RWMutex
}

// NewMemoryRunStore creates a new in-memory store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{records: make(map[string]RunRecord)}
}

func (m *MemoryRunStore) Save(_ context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Units = slices.Clone(rec.Units)
	m.records[rec.RunID] = rec
	return nil
}

func (m *MemoryRunStore) Load(_ context.Context, runID string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[runID]
	if !ok {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	rec.Units = slices.Clone(rec.Units)
	return &rec, nil
}

func (m *MemoryRunStore) List(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// FileRunStore persists run records as JSON files in a directory.
type FileRunStore struct {
	basePath string
	mu       sync.Mutex
}

// NewFileRunStore creates a store saving records under basePath.
func NewFileRunStore(basePath string) (*FileRunStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	return &FileRunStore{basePath: basePath}, nil
}

func (f *FileRunStore) Save(_ context.Context, rec RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}
	if err := os.WriteFile(f.filename(rec.RunID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	return nil
}

func (f *FileRunStore) Load(_ context.Context, runID string) (*RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.filename(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, fmt.Errorf("failed to read run record: %w", err)
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run record: %w", err)
	}
	return &rec, nil
}

func (f *FileRunStore) List(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if id, ok := strings.CutSuffix(e.Name(), ".json"); ok && !e.IsDir() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (f *FileRunStore) filename(runID string) string {
	return filepath.Join(f.basePath, runID+".json")
}
