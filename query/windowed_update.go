package query

import "github.com/wbrown/reactivestore/store"

// normalizePreemptiveLocked turns a caller-supplied PreemptiveUpdate into
// a normalizedUpdate relative to the current storeKeys: removed storeKeys
// not present in the list are silently dropped (spec §4.5
// "clientDidGenerateUpdate — unknown removes are ignored").
func (q *WindowedQuery) normalizePreemptiveLocked(update PreemptiveUpdate) normalizedUpdate {
	var n normalizedUpdate
	for _, sk := range update.Removed {
		if idx := indexOfKey(q.storeKeys, sk); idx >= 0 {
			n.removed = append(n.removed, IndexedKey{Index: idx, Key: sk})
		}
	}
	n.added = append(n.added, update.Added...)
	return n
}

func indexOfKey(list []store.StoreKey, sk store.StoreKey) int {
	for i, k := range list {
		if k == sk {
			return i
		}
	}
	return -1
}

// applyNormalizedLocked applies n directly to storeKeys (used for
// preemptive edits, which are shown immediately), updates length, and
// recomputes window READY bits from the lowest touched index onward
// (spec §4.5 apply-update steps 2, 4-6 — never re-marks RECORDS_READY,
// since the records behind an id rearrangement are unaffected by it).
func (q *WindowedQuery) applyNormalizedLocked(n normalizedUpdate) {
	if n.isEmpty() {
		return
	}
	firstChange := len(q.storeKeys)
	for _, r := range n.removed {
		if r.Index < firstChange {
			firstChange = r.Index
		}
	}
	for _, a := range n.added {
		if a.Index < firstChange {
			firstChange = a.Index
		}
	}
	q.storeKeys = applyToList(q.storeKeys, n)
	q.length = len(q.storeKeys)
	q.recomputeWindowsFromLocked(firstChange)
}

// recomputeWindowsFromLocked clears the READY bit of every window at or
// after the window containing index firstChange: the ids in those
// windows may no longer correspond to what was last fetched, so they must
// be re-requested before being trusted again.
func (q *WindowedQuery) recomputeWindowsFromLocked(firstChange int) {
	if firstChange < 0 {
		firstChange = 0
	}
	wc := q.windowCountLocked()
	for len(q.windows) < wc {
		q.windows = append(q.windows, 0)
	}
	from := q.windowIndexFor(firstChange)
	for i := from; i < len(q.windows); i++ {
		q.windows[i] &^= wReady
	}
}

// FetchedIDs handles a sourceDidFetchIds callback (spec §4.5): a stale
// queryState is enqueued for replay once the list catches up; a fresh
// queryState with canGetDeltaUpdates false resets the query entirely;
// otherwise the ids are spliced into both confirmed and storeKeys at
// Position, adjusted for any outstanding preemptive edits.
func (q *WindowedQuery) FetchedIDs(packet IDPacket) {
	q.mu.Lock()

	if q.queryState != "" && packet.QueryState != q.queryState {
		if !q.opts.CanGetDeltaUpdates {
			q.resetLocked(packet)
			rangeCbs, idxCbs := q.drainReadyWaitersLocked()
			q.mu.Unlock()
			fireAll(rangeCbs, idxCbs)
			return
		}
		q.waiting = append(q.waiting, packet)
		for i := range q.windows {
			q.windows[i] |= wLoading
		}
		q.mu.Unlock()
		return
	}

	q.spliceIDsLocked(packet)
	rangeCbs, idxCbs := q.drainReadyWaitersLocked()
	q.mu.Unlock()
	fireAll(rangeCbs, idxCbs)
}

func (q *WindowedQuery) resetLocked(packet IDPacket) {
	q.confirmed = nil
	q.storeKeys = nil
	q.preemptives = nil
	q.windows = nil
	q.length = 0
	q.queryState = packet.QueryState
	q.spliceIDsLocked(packet)
}

// spliceIDsLocked inserts packet's ids (translated to storeKeys) at
// Position into confirmed, then replays outstanding preemptives on top to
// rebuild storeKeys; marks the covered windows READY.
func (q *WindowedQuery) spliceIDsLocked(packet IDPacket) {
	q.queryState = packet.QueryState
	if packet.Total > len(q.confirmed) {
		for len(q.confirmed) < packet.Total {
			q.confirmed = append(q.confirmed, store.StoreKey(0))
		}
	}
	pos := q.adjustPositionForPreemptivesLocked(packet.Position)
	for i, id := range packet.IDs {
		at := pos + i
		if at < 0 || at >= len(q.confirmed) {
			continue
		}
		q.confirmed[at] = q.store.GetStoreKey(q.account, q.typ, id)
	}

	q.recomputeStoreKeysLocked()

	ws := q.opts.windowSize()
	startW := pos / ws
	endW := (pos + len(packet.IDs) - 1) / ws
	for len(q.windows) <= endW {
		q.windows = append(q.windows, 0)
	}
	for w := startW; w <= endW && w >= 0; w++ {
		q.windows[w] = (q.windows[w] &^ (wRequested | wLoading)) | wReady
	}

	q.drainWaitingLocked()
}

// adjustPositionForPreemptivesLocked offsets an id packet's server-relative
// position by the net length change any still-outstanding preemptives
// have introduced before that position, so ids meant for "confirmed
// position P" land at the matching spot in storeKeys bookkeeping. This is
// an approximation when preemptives insert/remove near the boundary of
// the packet itself; exact reconciliation happens once the matching
// server update arrives.
func (q *WindowedQuery) adjustPositionForPreemptivesLocked(pos int) int {
	if len(q.preemptives) == 0 {
		return pos
	}
	offset := 0
	for _, p := range q.preemptives {
		for _, r := range p.removed {
			if r.Index < pos {
				offset--
			}
		}
		for _, a := range p.added {
			if a.Index < pos {
				offset++
			}
		}
	}
	adjusted := pos + offset
	if adjusted < 0 {
		adjusted = 0
	}
	return adjusted
}

func (q *WindowedQuery) drainWaitingLocked() {
	if len(q.waiting) == 0 {
		return
	}
	pending := q.waiting
	q.waiting = nil
	for _, p := range pending {
		if p.QueryState != q.queryState {
			continue
		}
		q.spliceIDsLocked(p)
	}
}

// FetchedUpdate handles a sourceDidFetchUpdate callback (spec §4.5), a
// three-case dispatch on how delta's state tokens relate to queryState:
//
//  1. delta.NewQueryState == queryState: the server hasn't moved past
//     where we already are. Any outstanding preemptives are folded into
//     confirmed — the server's silence on them is read as confirmation —
//     and nothing else changes.
//  2. queryState is set and delta.OldQueryState != queryState: this delta
//     doesn't chain from our current state. Applying it would splice
//     inconsistent data into confirmed, so it is dropped and OBSOLETE is
//     set instead (spec §7 "query packet out-of-order").
//  3. Otherwise: the delta chains cleanly. upToId truncates confirmed (or
//     resets outright if not found) before the delta is normalised against
//     it; then, with no outstanding preemptives, the server delta is
//     applied to confirmed directly. With preemptives outstanding, the
//     longest matching cumulative-preemptive prefix is found and dropped
//     (its effect is exactly what the server already did), with any
//     unmatched remainder replayed on top of the new confirmed list; no
//     match at all means the preemptives contradicted the server outright
//     and are discarded in full. total is then applied as the query's
//     length regardless of which sub-path ran.
func (q *WindowedQuery) FetchedUpdate(delta DeltaUpdate) {
	q.mu.Lock()

	if delta.NewQueryState != "" && delta.NewQueryState == q.queryState {
		if len(q.preemptives) > 0 {
			q.confirmed = applyPreemptivesFrom(q.confirmed, q.preemptives, len(q.preemptives))
			q.preemptives = nil
			q.recomputeStoreKeysLocked()
			q.dirty = false
			q.obsolete = false
		}
		rangeCbs, idxCbs := q.drainReadyWaitersLocked()
		q.mu.Unlock()
		fireAll(rangeCbs, idxCbs)
		return
	}

	if q.queryState != "" && delta.OldQueryState != q.queryState {
		q.obsolete = true
		q.mu.Unlock()
		return
	}

	if q.truncateUpToLocked(delta.UpToID) {
		q.queryState = delta.NewQueryState
		q.dirty = false
		q.obsolete = false
		q.applyTotalLocked(delta.Total)
		q.drainWaitingLocked()
		rangeCbs, idxCbs := q.drainReadyWaitersLocked()
		q.mu.Unlock()
		fireAll(rangeCbs, idxCbs)
		return
	}

	serverNorm := q.normalizeServerLocked(delta)

	if len(q.preemptives) == 0 {
		q.confirmed = applyToList(q.confirmed, serverNorm)
		q.recomputeStoreKeysLocked()
		q.queryState = delta.NewQueryState
		q.obsolete = false
		q.dirty = false
		q.recomputeWindowsFromLocked(firstTouchedIndex(serverNorm))
		q.applyTotalLocked(delta.Total)
		q.drainWaitingLocked()
		rangeCbs, idxCbs := q.drainReadyWaitersLocked()
		q.mu.Unlock()
		fireAll(rangeCbs, idxCbs)
		return
	}

	matchedK := -1
	for k := len(q.preemptives); k >= 1; k-- {
		cumList := applyPreemptivesFrom(q.confirmed, q.preemptives, k)
		cum := diffList(q.confirmed, cumList)
		if normalizedEqual(cum, serverNorm) {
			matchedK = k
			break
		}
	}

	newConfirmed := applyToList(q.confirmed, serverNorm)
	q.confirmed = newConfirmed
	if matchedK >= 0 {
		q.preemptives = append([]normalizedUpdate(nil), q.preemptives[matchedK:]...)
	} else {
		q.preemptives = nil
	}
	q.recomputeStoreKeysLocked()
	q.queryState = delta.NewQueryState
	q.dirty = len(q.preemptives) > 0
	q.obsolete = q.dirty
	q.recomputeWindowsFromLocked(firstTouchedIndex(serverNorm))
	q.applyTotalLocked(delta.Total)
	q.drainWaitingLocked()
	rangeCbs, idxCbs := q.drainReadyWaitersLocked()
	q.mu.Unlock()
	fireAll(rangeCbs, idxCbs)
}

// truncateUpToLocked implements apply-update step 1: if upToID is set,
// confirmed is truncated to lastIndexOf(upToID)+1 before the server delta
// is normalised against it. If upToID isn't found at all, the list is
// reset outright rather than guessing — the window has moved too far for
// a partial truncation to mean anything. Returns true on reset, in which
// case the caller skips normalisation entirely.
func (q *WindowedQuery) truncateUpToLocked(upToID store.RecordID) bool {
	if upToID == "" {
		return false
	}
	sk := q.store.GetStoreKey(q.account, q.typ, upToID)
	idx := lastIndexOfKey(q.confirmed, sk)
	if idx < 0 {
		q.confirmed = nil
		q.storeKeys = nil
		q.preemptives = nil
		q.windows = nil
		q.length = 0
		return true
	}
	q.confirmed = append([]store.StoreKey(nil), q.confirmed[:idx+1]...)
	return false
}

func lastIndexOfKey(list []store.StoreKey, sk store.StoreKey) int {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i] == sk {
			return i
		}
	}
	return -1
}

// applyTotalLocked implements apply-update step 6 ("set length := total"):
// confirmed is padded out to total entries with not-yet-fetched sentinels
// (mirrors spliceIDsLocked's own padding), and length is set directly from
// total — not derived from storeKeys — so it tracks the server's reported
// total even while outstanding preemptives make the visible storeKeys
// shorter or longer than that.
func (q *WindowedQuery) applyTotalLocked(total int) {
	if total <= 0 {
		return
	}
	for len(q.confirmed) < total {
		q.confirmed = append(q.confirmed, store.StoreKey(0))
	}
	q.recomputeStoreKeysLocked()
	q.length = total
}

// normalizeServerLocked translates a wire DeltaUpdate (RecordIDs) into a
// normalizedUpdate relative to confirmed (StoreKeys): removed ids confirmed
// no longer holds are ignored. upToId truncation (apply-update step 1) has
// already run against confirmed by the time this is called (spec §4.5).
func (q *WindowedQuery) normalizeServerLocked(delta DeltaUpdate) normalizedUpdate {
	var n normalizedUpdate
	for _, id := range delta.Removed {
		sk := q.store.GetStoreKey(q.account, q.typ, id)
		if idx := indexOfKey(q.confirmed, sk); idx >= 0 {
			n.removed = append(n.removed, IndexedKey{Index: idx, Key: sk})
		}
	}
	for _, a := range delta.Added {
		sk := q.store.GetStoreKey(q.account, q.typ, a.ID)
		n.added = append(n.added, AddedKey{Index: a.Index, Key: sk})
	}
	return n
}

func firstTouchedIndex(n normalizedUpdate) int {
	first := -1
	for _, r := range n.removed {
		if first == -1 || r.Index < first {
			first = r.Index
		}
	}
	for _, a := range n.added {
		if first == -1 || a.Index < first {
			first = a.Index
		}
	}
	if first == -1 {
		return 0
	}
	return first
}

func fireAll(rangeCbs, idxCbs []func()) {
	for _, cb := range rangeCbs {
		cb()
	}
	for _, cb := range idxCbs {
		cb()
	}
}
