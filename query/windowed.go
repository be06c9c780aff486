package query

import (
	"sync"

	"github.com/wbrown/reactivestore/runloop"
	"github.com/wbrown/reactivestore/store"
)

// windowBit is one bit of a window's state (spec §4.5 "Window state
// machine"): EMPTY -> REQUESTED -> LOADING -> READY, with an orthogonal
// RECORDS_* sub-track layered on top.
type windowBit uint8

const (
	wRequested windowBit = 1 << iota
	wLoading
	wReady
	wRecordsRequested
	wRecordsLoading
	wRecordsReady
)

// WindowedQueryOptions configures a WindowedQuery. The zero value is the
// spec's defaults: a 30-record window, no prefetch slack, fetch
// optimisation and delta-update awareness both off.
type WindowedQueryOptions struct {
	WindowSize         int
	Prefetch           int
	OptimiseFetching   bool
	CanGetDeltaUpdates bool
}

func (o WindowedQueryOptions) windowSize() int {
	if o.WindowSize <= 0 {
		return 30
	}
	return o.WindowSize
}

// AddedKey is one in-memory addition: a storeKey inserted at index.
type AddedKey struct {
	Index int
	Key   store.StoreKey
}

// AddedID is the wire form of AddedKey, before ids are translated to
// storeKeys.
type AddedID struct {
	Index int
	ID    store.RecordID
}

// PreemptiveUpdate is an optimistic client-side edit to a WindowedQuery's
// list, applied immediately and reconciled once the server responds
// (spec §4.5 "preemptiveUpdates").
type PreemptiveUpdate struct {
	Removed []store.StoreKey
	Added   []AddedKey
}

// IDPacket is the payload of a sourceDidFetchIds callback.
type IDPacket struct {
	QueryState string
	Position   int
	IDs        []store.RecordID
	Total      int
}

// DeltaUpdate is the payload of a sourceDidFetchUpdate callback.
type DeltaUpdate struct {
	OldQueryState string
	NewQueryState string
	Removed       []store.RecordID
	Added         []AddedID
	UpToID        store.RecordID
	Total         int
}

type rangeObserver struct {
	start, end int
}

type indexLookup struct {
	sk store.StoreKey
	cb func(int)
}

type rangeRequest struct {
	start, end int
	cb         func([]store.StoreKey)
}

// WindowedQuery represents a potentially very long, server-ordered list
// divided into fixed-size windows (spec §4.5). Clients address it by
// index; it fetches ids (then records) in the neighbourhood of any
// requested index and reconciles server delta updates against any
// outstanding preemptive client-side edits.
type WindowedQuery struct {
	*base
	account store.AccountID
	opts    WindowedQueryOptions

	mu         sync.Mutex
	confirmed  []store.StoreKey // last list reconciled against a server response
	storeKeys  []store.StoreKey // confirmed with preemptives re-applied: what callers see
	windows    []windowBit
	length     int
	queryState string

	preemptives []normalizedUpdate
	waiting     []IDPacket
	indexOf     []indexLookup
	rangeWaits  []rangeRequest
	observers   []rangeObserver

	dirty    bool
	obsolete bool
}

// NewWindowed constructs and registers a WindowedQuery against s for typ
// in account.
func NewWindowed(s *store.Store, account store.AccountID, typ store.TypeName, opts WindowedQueryOptions) *WindowedQuery {
	q := &WindowedQuery{
		base:    newBase(s, typ),
		account: account,
		opts:    opts,
	}
	q.subscribe(store.ServerTopic(typ, account), func(store.Event) { q.markObsolete() })
	s.AddQuery(q)
	return q
}

func (q *WindowedQuery) markObsolete() {
	q.mu.Lock()
	q.obsolete = true
	q.mu.Unlock()
}

// Length returns the query's current known length.
func (q *WindowedQuery) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// WindowCount returns the number of windows needed to cover Length().
func (q *WindowedQuery) WindowCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.windowCountLocked()
}

// IsObsolete reports whether the server has indicated (via ServerTopic or
// a still-outstanding preemptive) that the current result may not match
// what a fresh fetch would return.
func (q *WindowedQuery) IsObsolete() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.obsolete
}

// IsDirty reports whether any preemptive edit is still unreconciled
// against the server.
func (q *WindowedQuery) IsDirty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.preemptives) > 0
}

// QueryState returns the opaque server token for the current result.
func (q *WindowedQuery) QueryState() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queryState
}

func (q *WindowedQuery) windowCountLocked() int {
	if q.length == 0 {
		return 0
	}
	ws := q.opts.windowSize()
	return (q.length + ws - 1) / ws
}

func (q *WindowedQuery) windowIndexFor(pos int) int {
	return pos / q.opts.windowSize()
}

func (q *WindowedQuery) windowRange(widx int) (start, end int) {
	ws := q.opts.windowSize()
	return widx * ws, widx*ws + ws
}

func (q *WindowedQuery) ensureCapacityLocked(n int) {
	for len(q.storeKeys) < n {
		q.storeKeys = append(q.storeKeys, store.StoreKey(0))
	}
	wc := q.windowCountLocked()
	for len(q.windows) < wc {
		q.windows = append(q.windows, 0)
	}
}

// Observe registers a range observer; WillFetch's OptimiseFetching path
// uses the union of observed ranges (padded by Prefetch windows) to decide
// which REQUESTED windows to keep. The returned func deregisters it.
func (q *WindowedQuery) Observe(start, end int) func() {
	q.mu.Lock()
	q.observers = append(q.observers, rangeObserver{start, end})
	idx := len(q.observers) - 1
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		if idx < len(q.observers) {
			q.observers[idx] = rangeObserver{-1, -1}
		}
		q.mu.Unlock()
	}
}

// GetStoreKeysForObjectsInRange clamps [start, end) to the current length
// and delivers the storeKeys once every intersecting window is READY,
// requesting any that are not (spec §4.5).
func (q *WindowedQuery) GetStoreKeysForObjectsInRange(start, end int, callback func([]store.StoreKey)) {
	q.mu.Lock()
	if end > q.length {
		end = q.length
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		q.mu.Unlock()
		callback(nil)
		return
	}

	ready := true
	for widx := q.windowIndexFor(start); widx <= q.windowIndexFor(end-1); widx++ {
		q.ensureCapacityLocked((widx + 1) * q.opts.windowSize())
		if q.windows[widx]&wReady == 0 {
			ready = false
			q.windows[widx] |= wRequested
		}
	}

	if ready {
		out := append([]store.StoreKey(nil), q.storeKeys[start:end]...)
		q.mu.Unlock()
		callback(out)
		return
	}

	q.rangeWaits = append(q.rangeWaits, rangeRequest{start, end, callback})
	q.mu.Unlock()
	q.scheduleFetch()
}

// scheduleFetch asks the store to ask the Source for this query's next
// batch of REQUESTED windows, coalescing repeated calls within one run
// loop turn into a single FetchQuery (mirrors commitChanges' coalescing).
func (q *WindowedQuery) scheduleFetch() {
	q.store.Loop().EnqueueOnce(runloop.Middle, "fetchquery:"+q.id, func() {
		q.store.FetchQuery(q)
	})
}

// IndexOfStoreKey returns sk's current index if known; otherwise it
// requests every unready window and invokes callback(-1) immediately if
// all ids are already loaded, or once resolved otherwise (spec §4.5
// "indexOfStoreKey").
func (q *WindowedQuery) IndexOfStoreKey(sk store.StoreKey, from int, callback func(int)) {
	q.mu.Lock()
	for i := from; i < len(q.storeKeys); i++ {
		if q.storeKeys[i] == sk {
			q.mu.Unlock()
			callback(i)
			return
		}
	}
	if q.allIDsLoadedLocked() {
		q.mu.Unlock()
		callback(-1)
		return
	}
	q.indexOf = append(q.indexOf, indexLookup{sk: sk, cb: callback})
	for i := range q.windows {
		if q.windows[i]&wReady == 0 {
			q.windows[i] |= wRequested
		}
	}
	q.mu.Unlock()
	q.scheduleFetch()
}

func (q *WindowedQuery) allIDsLoadedLocked() bool {
	if q.length == 0 {
		return true
	}
	for _, w := range q.windows {
		if w&wReady == 0 {
			return false
		}
	}
	return true
}

// drainReadyWaitersLocked resolves any range/index lookups now satisfied
// by the current list, returning the callbacks to invoke after the lock is
// released (never call back while holding mu).
func (q *WindowedQuery) drainReadyWaitersLocked() (rangeCbs, idxCbs []func()) {
	var remaining []rangeRequest
	for _, rw := range q.rangeWaits {
		ready := true
		hi := rw.end - 1
		if hi < rw.start {
			hi = rw.start
		}
		for widx := q.windowIndexFor(rw.start); widx <= q.windowIndexFor(hi); widx++ {
			if widx >= len(q.windows) || q.windows[widx]&wReady == 0 {
				ready = false
				break
			}
		}
		if ready {
			out := append([]store.StoreKey(nil), q.storeKeys[rw.start:rw.end]...)
			cb := rw.cb
			rangeCbs = append(rangeCbs, func() { cb(out) })
		} else {
			remaining = append(remaining, rw)
		}
	}
	q.rangeWaits = remaining

	var remainingIdx []indexLookup
	for _, lk := range q.indexOf {
		found := -1
		for i, sk := range q.storeKeys {
			if sk == lk.sk {
				found = i
				break
			}
		}
		if found >= 0 || q.allIDsLoadedLocked() {
			idx, cb := found, lk.cb
			idxCbs = append(idxCbs, func() { cb(idx) })
		} else {
			remainingIdx = append(remainingIdx, lk)
		}
	}
	q.indexOf = remainingIdx
	return rangeCbs, idxCbs
}

// ClientDidGenerateUpdate registers and immediately applies a preemptive
// edit (spec §4.5 "clientDidGenerateUpdate"): removes of storeKeys not
// currently in the list are silently ignored.
func (q *WindowedQuery) ClientDidGenerateUpdate(update PreemptiveUpdate) {
	q.mu.Lock()
	norm := q.normalizePreemptiveLocked(update)
	q.applyNormalizedLocked(norm)
	q.preemptives = append(q.preemptives, norm)
	q.dirty = true
	q.obsolete = true
	rangeCbs, idxCbs := q.drainReadyWaitersLocked()
	q.mu.Unlock()

	for _, cb := range rangeCbs {
		cb()
	}
	for _, cb := range idxCbs {
		cb()
	}
}

// Destroy deregisters the query.
func (q *WindowedQuery) Destroy() {
	q.destroyBase()
	q.store.RemoveQuery(q)
}
