// Package activeset implements the single cross-task mutable data structure
// shared between the EmailSource and every SiteWorker: the set of stories
// currently in flight.
package activeset

import (
	"sync"

	"forge.stoat.dev/fanfic/fetcher/internal/story"
)

// Set is a thread-safe set of story identities. The zero value is usable.
type Set struct {
	mu      sync.Mutex
	members map[story.Key]struct{}
}

// New returns an empty, ready-to-use Set.
func New() *Set {
	return &Set{members: make(map[story.Key]struct{})}
}

// TryInsert inserts s's identity key if absent. inserted reports whether the
// insertion happened; alreadyPresent is its negation, named separately to
// match the contract's two-outcome shape at call sites.
func (a *Set) TryInsert(s story.Story) (inserted bool, alreadyPresent bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.members == nil {
		a.members = make(map[story.Key]struct{})
	}
	k := s.Key()
	if _, ok := a.members[k]; ok {
		return false, true
	}
	a.members[k] = struct{}{}
	return true, false
}

// Contains reports whether s's identity key is currently held.
func (a *Set) Contains(s story.Story) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.members[s.Key()]
	return ok
}

// Remove releases s's identity key. Removing an absent key is a no-op.
func (a *Set) Remove(s story.Story) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.members, s.Key())
}

// Len returns the current member count. Intended for metrics/diagnostics,
// not for control flow.
func (a *Set) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.members)
}
