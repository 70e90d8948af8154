package testutil

import (
	"sort"
	"sync"

	"github.com/user/go-argo-reconciler/internal/interfaces"
)

// MemoryStorage is a DataStorage kept in a map.
type MemoryStorage struct {
	mu      sync.Mutex
	records map[string]interfaces.ApplicationRecord
	saves   int
	onSave  func(interfaces.ApplicationRecord)
}

var _ interfaces.DataStorage = (*MemoryStorage)(nil)

// NewMemoryStorage returns a MemoryStorage holding records.
func NewMemoryStorage(records ...interfaces.ApplicationRecord) *MemoryStorage {
	s := &MemoryStorage{records: make(map[string]interfaces.ApplicationRecord)}
	for _, rec := range records {
		s.records[rec.Application.Name] = rec
	}
	return s
}

// OnSave runs fn at the start of every later SaveApplication, before the
// record is stored.
func (s *MemoryStorage) OnSave(fn func(interfaces.ApplicationRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSave = fn
}

func (s *MemoryStorage) SaveApplication(rec interfaces.ApplicationRecord) error {
	s.mu.Lock()
	hook := s.onSave
	s.mu.Unlock()
	if hook != nil {
		hook(rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Application.Name] = rec
	s.saves++
	return nil
}

func (s *MemoryStorage) LoadApplications() ([]interfaces.ApplicationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interfaces.ApplicationRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Application.Name < out[j].Application.Name })
	return out, nil
}

func (s *MemoryStorage) DeleteApplication(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, name)
	return nil
}

// Record returns the stored record called name.
func (s *MemoryStorage) Record(name string) (interfaces.ApplicationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	return rec, ok
}

// Saves returns how many times SaveApplication was called.
func (s *MemoryStorage) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
