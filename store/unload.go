package store

import (
	"sort"
	"sync"

	"github.com/dgraph-io/ristretto"
)

// evictor tracks which storeKeys the memory manager (an external
// collaborator — spec §4.2 "Unload (eviction)") should prefer to evict
// first. It layers a ristretto.Cache on top of Store.lastAccess: every
// touch bumps the key's hit count in ristretto, and keys ristretto itself
// has already evicted under cost pressure are treated as cold — the
// surest sign nothing has touched them in a while — and are preferred
// candidates once the caller's own mayUnloadRecord check passes.
type evictor struct {
	store *Store
	cache *ristretto.Cache

	mu      sync.Mutex
	evicted map[StoreKey]bool

	observers map[StoreKey]int
}

func newEvictor(s *Store) *evictor {
	e := &evictor{
		store:     s,
		evicted:   make(map[StoreKey]bool),
		observers: make(map[StoreKey]int),
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 20,
		BufferItems: 64,
		OnEvict: func(item *ristretto.Item) {
			e.mu.Lock()
			e.evicted[StoreKey(item.Key)] = true
			e.mu.Unlock()
		},
	})
	if err == nil {
		e.cache = cache
	}
	return e
}

func (e *evictor) touch(sk StoreKey) {
	if e.cache == nil {
		return
	}
	e.cache.Set(uint64(sk), struct{}{}, 1)
	e.mu.Lock()
	delete(e.evicted, sk)
	e.mu.Unlock()
}

func (e *evictor) isCold(sk StoreKey) bool {
	if e.cache == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.evicted[sk]
}

// Observe increments sk's observer refcount (a UI binding, or a query
// holding onto the materialised Record). mayUnloadRecord refuses to evict
// an observed record.
func (s *Store) Observe(sk StoreKey) {
	s.evictor.mu.Lock()
	s.evictor.observers[sk]++
	s.evictor.mu.Unlock()
}

// Unobserve decrements sk's observer refcount.
func (s *Store) Unobserve(sk StoreKey) {
	s.evictor.mu.Lock()
	if s.evictor.observers[sk] > 0 {
		s.evictor.observers[sk]--
	}
	s.evictor.mu.Unlock()
}

func (s *Store) observed(sk StoreKey) bool {
	s.evictor.mu.Lock()
	defer s.evictor.mu.Unlock()
	return s.evictor.observers[sk] > 0
}

// MayUnloadRecord reports whether sk is currently eligible for eviction:
// it must have no COMMITTING/NEW/DIRTY bit set and no observed
// materialised record (spec §4.2).
func (s *Store) MayUnloadRecord(sk StoreKey) bool {
	st := s.getStatus(sk)
	if st.Is(Committing | StatusNew | Dirty) {
		return false
	}
	return !s.observed(sk)
}

// UnloadRecord drops sk's record/data/status/rollback/lastAccess but
// keeps the id<->storeKey mapping (held by the interner) so late
// references resolve without minting a fresh storeKey.
func (s *Store) UnloadRecord(sk StoreKey) {
	s.unloadRecord(sk)
}

func (s *Store) unloadRecord(sk StoreKey) {
	s.tables.mu.Lock()
	snapshot := s.tables.committed[sk]
	if snapshot == nil {
		snapshot = s.tables.data[sk]
	}
	snapshot = cloneData(snapshot)
	delete(s.tables.data, sk)
	delete(s.tables.changed, sk)
	delete(s.tables.committed, sk)
	delete(s.tables.rollback, sk)
	delete(s.tables.record, sk)
	delete(s.tables.lastAccess, sk)
	s.tables.status[sk] = Empty
	s.tables.mu.Unlock()

	s.archiveSnapshot(sk, snapshot)
}

// EvictionCandidates returns up to budget storeKeys of typ in account
// that MayUnloadRecord allows, ordered least-recently-accessed first,
// preferring keys ristretto has already marked cold. The memory manager
// calls this, then UnloadRecord on the result, until its per-type budget
// is satisfied (spec §4.2).
func (s *Store) EvictionCandidates(account AccountID, typ TypeName, budget int) []StoreKey {
	account = s.resolveAccount(typ, account)
	s.tables.mu.RLock()
	type cand struct {
		sk   StoreKey
		last int64
		cold bool
	}
	var cands []cand
	for sk, t := range s.tables.typ {
		if t != typ || s.tables.accountID[sk] != account {
			continue
		}
		cands = append(cands, cand{sk, s.tables.lastAccess[sk], s.evictor.isCold(sk)})
	}
	s.tables.mu.RUnlock()

	sort.Slice(cands, func(i, j int) bool {
		if cands[i].cold != cands[j].cold {
			return cands[i].cold
		}
		return cands[i].last < cands[j].last
	})

	out := make([]StoreKey, 0, budget)
	for _, c := range cands {
		if len(out) >= budget {
			break
		}
		if s.MayUnloadRecord(c.sk) {
			out = append(out, c.sk)
		}
	}
	return out
}
