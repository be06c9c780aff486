// Package query implements the two live query kinds a Store exposes to
// application code: LocalQuery (in-process filter+sort over loaded
// records) and WindowedQuery (paginated remote query with delta
// reconciliation and preemptive-update composition).
package query

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wbrown/reactivestore/store"
)

var querySeq atomic.Uint64

// base is the shared lifecycle LocalQuery and WindowedQuery embed: an id,
// a destroy-once guard, and subscription bookkeeping. Grounded on the
// teacher's planner.PlanCache, which similarly gives every cached plan a
// stable key and a single invalidation path.
type base struct {
	id    string
	store *store.Store
	typ   store.TypeName

	mu        sync.RWMutex
	destroyed bool
	unsub     []func()
}

func newBase(s *store.Store, typ store.TypeName) *base {
	n := querySeq.Add(1)
	return &base{
		id:    fmt.Sprintf("q%d", n),
		store: s,
		typ:   typ,
	}
}

// ID satisfies store.Query.
func (b *base) ID() string { return b.id }

func (b *base) subscribe(topic string, fn store.Handler) {
	unsub := b.store.Bus().Subscribe(topic, fn)
	b.mu.Lock()
	b.unsub = append(b.unsub, unsub)
	b.mu.Unlock()
}

// destroyBase unsubscribes everything exactly once. Embedders call this
// from their own Destroy before calling store.RemoveQuery.
func (b *base) destroyBase() {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}
	b.destroyed = true
	subs := b.unsub
	b.unsub = nil
	b.mu.Unlock()
	for _, u := range subs {
		u()
	}
}

func (b *base) isDestroyed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.destroyed
}
