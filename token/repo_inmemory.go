package token

import (
	"fmt"
	"sync"
)

var _ Repo = (*InMemoryRepo)(nil)

// InMemoryRepo keeps user token records for the life of the process.
type InMemoryRepo struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		records: make(map[string]Record),
	}
}

// Upsert creates or overwrites the record for sessionID
func (r *InMemoryRepo) Upsert(sessionID string, record Record) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[sessionID] = record
	return nil
}

// Get returns a copy of the record for sessionID
func (r *InMemoryRepo) Get(sessionID string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[sessionID]
	return record, ok
}

// Replace swaps in record if the stored one still carries expectRefresh.
// It reports false when the record was deleted or rotated meanwhile.
func (r *InMemoryRepo) Replace(sessionID, expectRefresh string, record Record) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.records[sessionID]
	if !ok || current.RefreshToken != expectRefresh {
		return false
	}
	r.records[sessionID] = record
	return true
}

// Delete removes the record, a missing record is not an error
func (r *InMemoryRepo) Delete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, sessionID)
}

func (r *InMemoryRepo) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
