// Package status keeps the last known sync result of every managed
// application.
package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/user/go-argo-reconciler/internal/resource"
	"github.com/user/go-argo-reconciler/internal/syncerr"
)

// Outcome summarizes a SyncResult.
type Outcome string

const (
	OutcomeSucceeded   Outcome = "Succeeded"
	OutcomeFailed      Outcome = "Failed"
	OutcomeOutOfSync   Outcome = "OutOfSync"
	OutcomeProgressing Outcome = "Progressing"
)

// Phase is a state of the per-application reconciliation state machine.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseSyncing   Phase = "Syncing"
	PhaseSucceeded Phase = "Succeeded"
	PhaseDegraded  Phase = "Degraded"
	PhaseSuspended Phase = "Suspended"
)

// ResourceError is a failure attributed to one resource. Key is zero for
// failures that are not tied to a resource (source errors).
type ResourceError struct {
	Key    resource.Key `json:"key"`
	Action string       `json:"action,omitempty"`
	Error  string       `json:"error"`
	Err    error        `json:"-"`
}

// SyncResult is the record of one reconciliation pass.
type SyncResult struct {
	RunID     string          `json:"runID"`
	Revision  string          `json:"revision"`
	Timestamp time.Time       `json:"timestamp"`
	Outcome   Outcome         `json:"outcome"`
	Phase     Phase           `json:"phase"`
	Trigger   string          `json:"trigger,omitempty"`
	Errors    []ResourceError `json:"errors,omitempty"`
	// Operations is the number of create, update and delete calls that succeeded.
	Operations int `json:"operations"`
	// Pending is the number of resources left unreconciled.
	Pending   int    `json:"pending"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Message   string `json:"message,omitempty"`
}

// FirstError returns the first recorded error, or nil.
func (r SyncResult) FirstError() *ResourceError {
	if len(r.Errors) == 0 {
		return nil
	}
	return &r.Errors[0]
}

// Store is a last-write-wins map from application name to SyncResult.
// Each key is only ever written by its own application loop.
type Store struct {
	mu      sync.RWMutex
	results map[string]SyncResult
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{results: make(map[string]SyncResult)}
}

// Record replaces the result stored for appID.
func (s *Store) Record(appID string, result SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[appID] = result
}

// Get returns the last result recorded for appID.
func (s *Store) Get(appID string) (SyncResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[appID]
	if !ok {
		return SyncResult{}, fmt.Errorf("no sync result for application %q: %w", appID, syncerr.ErrNotFound)
	}
	return result, nil
}

// Forget drops the result of a deregistered application.
func (s *Store) Forget(appID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, appID)
}
