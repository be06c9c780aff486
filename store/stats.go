package store

import "sync/atomic"

// Stats tracks how often GetRecordFromStoreKey serves a record already
// resident in the cache versus having to kick off a fetch, the same
// hit/miss counters the teacher's PlanCache keeps for plan reuse.
type Stats struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (st *Stats) recordHit() {
	if st != nil {
		st.hits.Add(1)
	}
}

func (st *Stats) recordMiss() {
	if st != nil {
		st.misses.Add(1)
	}
}

// Snapshot returns the current hit/miss counts.
func (st *Stats) Snapshot() (hits, misses int64) {
	if st == nil {
		return 0, 0
	}
	return st.hits.Load(), st.misses.Load()
}

// Reset zeroes the counters.
func (st *Stats) Reset() {
	if st == nil {
		return
	}
	st.hits.Store(0)
	st.misses.Store(0)
}

// Stats returns the Store's cache-reuse counters, creating them on first
// use.
func (s *Store) Stats() *Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if s.stats == nil {
		s.stats = &Stats{}
	}
	return s.stats
}
