package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var _ PendingRepo = (*InMemoryPendingRepo)(nil)

// InMemoryPendingRepo keeps pending authorizations in memory. Entries older
// than the TTL are treated as absent on lookup and swept in the background.
type InMemoryPendingRepo struct {
	mu      sync.Mutex
	states  map[string]PendingAuthorization
	ttl     time.Duration
	nowFunc func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewInMemoryPendingRepo creates the store and starts its cleanup loop. Call
// Stop to end the loop.
func NewInMemoryPendingRepo(ttl time.Duration, now func() time.Time) *InMemoryPendingRepo {
	if now == nil {
		now = time.Now
	}
	r := &InMemoryPendingRepo{
		states:      make(map[string]PendingAuthorization),
		ttl:         ttl,
		nowFunc:     now,
		stopCleanup: make(chan struct{}),
	}
	go r.cleanupLoop(time.Minute)
	return r
}

func (r *InMemoryPendingRepo) Put(state string, pending PendingAuthorization) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state] = pending
	return nil
}

// Pop removes and returns the entry for state if it exists and has not
// outlived the TTL.
func (r *InMemoryPendingRepo) Pop(state string) (PendingAuthorization, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, ok := r.states[state]
	if !ok {
		return PendingAuthorization{}, false
	}
	delete(r.states, state)
	if r.expired(pending) {
		return PendingAuthorization{}, false
	}
	return pending, true
}

func (r *InMemoryPendingRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *InMemoryPendingRepo) Stop() {
	r.stopOnce.Do(func() { close(r.stopCleanup) })
}

func (r *InMemoryPendingRepo) expired(p PendingAuthorization) bool {
	return r.nowFunc().Sub(p.CreatedAt) > r.ttl
}

func (r *InMemoryPendingRepo) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.cleanup()
		case <-r.stopCleanup:
			return
		}
	}
}

func (r *InMemoryPendingRepo) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for state, pending := range r.states {
		if r.expired(pending) {
			delete(r.states, state)
			count++
		}
	}
	if count > 0 {
		log.Debug().Int("count", count).Msg("cleaned up expired pending authorizations")
	}
}
