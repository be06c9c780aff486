package query

import (
	"sort"
	"sync"

	"github.com/wbrown/reactivestore/store"
)

// Predicate filters a storeKey for inclusion in a LocalQuery's result.
type Predicate func(store.StoreKey) bool

// Less orders two storeKeys for a LocalQuery's result.
type Less func(a, b store.StoreKey) bool

// LocalQuery is a live, in-process filter+sort over a store's already
// loaded records of one type (spec §4.4). It registers itself as a type
// observer; any change to the type — including a bulk source fetch —
// flips the result OBSOLETE, and the next Fetch recomputes from scratch
// rather than maintaining the array incrementally.
type LocalQuery struct {
	*base
	account store.AccountID
	where   Predicate
	less    Less

	resultMu sync.RWMutex
	result   []store.StoreKey
	obsolete bool
}

// NewLocal constructs and registers a LocalQuery against s for typ in
// account, filtered by where (nil admits everything) and ordered by less
// (nil leaves store iteration order).
func NewLocal(s *store.Store, account store.AccountID, typ store.TypeName, where Predicate, less Less) *LocalQuery {
	q := &LocalQuery{
		base:     newBase(s, typ),
		account:  account,
		where:    where,
		less:     less,
		obsolete: true,
	}
	q.subscribe(store.TypeTopic(typ), func(store.Event) { q.MarkObsolete() })
	s.AddQuery(q)
	return q
}

// MarkObsolete flags the cached result for recomputation on the next
// Fetch call.
func (q *LocalQuery) MarkObsolete() {
	q.resultMu.Lock()
	q.obsolete = true
	q.resultMu.Unlock()
}

// Fetch returns the query's current result, recomputing it first if force
// is true or the cached result is OBSOLETE (spec §4.4 "fetch(force)").
func (q *LocalQuery) Fetch(force bool) []store.StoreKey {
	q.resultMu.RLock()
	if !force && !q.obsolete && q.result != nil {
		out := append([]store.StoreKey(nil), q.result...)
		q.resultMu.RUnlock()
		return out
	}
	q.resultMu.RUnlock()

	all := q.store.GetAll(q.account, q.typ)
	out := make([]store.StoreKey, 0, len(all))
	for _, sk := range all {
		if q.where == nil || q.where(sk) {
			out = append(out, sk)
		}
	}
	if q.less != nil {
		sort.Slice(out, func(i, j int) bool { return q.less(out[i], out[j]) })
	}

	q.resultMu.Lock()
	q.result = out
	q.obsolete = false
	q.resultMu.Unlock()

	return append([]store.StoreKey(nil), out...)
}

// Len returns the length of Fetch(false), for callers that only need the
// count. It goes through Fetch, so it allocates the same result copy.
func (q *LocalQuery) Len() int {
	return len(q.Fetch(false))
}

// Destroy deregisters the query and releases its type subscription (spec
// §4.4 "destroy() — deregisters and releases references").
func (q *LocalQuery) Destroy() {
	q.destroyBase()
	q.store.RemoveQuery(q)
}
