package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// memoryStore is a process-local Store. It backs tests and the "memory"
// driver; contents are lost on restart.
type memoryStore struct {
	mu   sync.Mutex
	apps map[string]AppRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{apps: map[string]AppRecord{}}
}

func (m *memoryStore) LoadApps(ctx context.Context) ([]AppRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AppRecord, 0, len(m.apps))
	for _, rec := range m.apps {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Label) < strings.ToLower(out[j].Label)
	})
	return out, nil
}

func (m *memoryStore) UpsertApp(ctx context.Context, rec AppRecord) error {
	if rec.Package == "" {
		return errors.New("package is required")
	}
	m.mu.Lock()
	m.apps[rec.Package] = cloneRecord(rec)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) SetEnabled(ctx context.Context, pkg string, enabled *bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.apps[pkg]
	if !ok {
		return nil
	}
	if enabled == nil {
		rec.Enabled = nil
	} else {
		v := *enabled
		rec.Enabled = &v
	}
	m.apps[pkg] = rec
	return nil
}

func (m *memoryStore) ClearOverrides(ctx context.Context, pkg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.apps[pkg]
	if !ok {
		return nil
	}
	rec.Overrides = nil
	rec.Substitutions = nil
	m.apps[pkg] = rec
	return nil
}

func (m *memoryStore) RemoveApp(ctx context.Context, pkg string) error {
	m.mu.Lock()
	delete(m.apps, pkg)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Close() error { return nil }

func cloneRecord(rec AppRecord) AppRecord {
	cp := rec
	if rec.Enabled != nil {
		v := *rec.Enabled
		cp.Enabled = &v
	}
	cp.Overrides = append(cp.Overrides[:0:0], rec.Overrides...)
	cp.Substitutions = append(cp.Substitutions[:0:0], rec.Substitutions...)
	return cp
}
