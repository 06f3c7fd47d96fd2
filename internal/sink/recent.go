package sink

import (
	"fmt"
	"sync"
)

// RecentSet suppresses re-delivery of a (serial, frame) pair already sent.
// The set is bounded by a hard capacity: when full it is cleared outright
// rather than evicted entry-by-entry, accepting a short window of possible
// re-delivery right after the reset in exchange for an O(1) memory ceiling.
// This reset-on-overflow behavior is policy, not a shortcut.
type RecentSet struct {
	mu   sync.Mutex
	cap  int
	seen map[string]struct{}
}

// NewRecentSet creates a set that clears itself past capacity.
func NewRecentSet(capacity int) *RecentSet {
	if capacity <= 0 {
		capacity = 5000
	}
	return &RecentSet{
		cap:  capacity,
		seen: make(map[string]struct{}),
	}
}

// Seen reports whether the pair was already recorded, recording it if not.
func (r *RecentSet) Seen(serial string, frame int64) bool {
	key := fmt.Sprintf("%s/%d", serial, frame)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[key]; ok {
		return true
	}
	r.seen[key] = struct{}{}
	if len(r.seen) > r.cap {
		r.seen = make(map[string]struct{})
	}
	return false
}

// Len returns the current number of recorded pairs.
func (r *RecentSet) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
