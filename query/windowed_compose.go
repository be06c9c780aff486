package query

import (
	"sort"

	"github.com/wbrown/reactivestore/store"
)

// IndexedKey is a removal: the storeKey that was at Index in the list the
// removal is relative to.
type IndexedKey struct {
	Index int
	Key   store.StoreKey
}

// normalizedUpdate is a self-contained list edit: remove the keys in
// Removed (indices relative to the "before" list, applied high-to-low),
// then insert Added (indices relative to the list that remains after
// those removals, applied low-to-high). Two lists related only by
// insertions and deletions — never reorderings of the keys they share —
// always have exactly one normalizedUpdate taking one to the other; this
// is the representation ClientDidGenerateUpdate, FetchedUpdate and the
// preemptive-reconciliation machinery below all share (spec §4.5,
// §9 "compose / invert / adjustIndexes").
type normalizedUpdate struct {
	removed []IndexedKey
	added   []AddedKey
}

func (n normalizedUpdate) isEmpty() bool {
	return len(n.removed) == 0 && len(n.added) == 0
}

// diffList derives the normalizedUpdate that turns before into after.
// Both lists are assumed duplicate-free and order-preserving for any key
// present in both — true of every list this package produces, since
// records are never reordered in place, only removed and (re)inserted.
func diffList(before, after []store.StoreKey) normalizedUpdate {
	afterPos := make(map[store.StoreKey]int, len(after))
	for i, k := range after {
		afterPos[k] = i
	}
	beforeSet := make(map[store.StoreKey]bool, len(before))

	var n normalizedUpdate
	for i, k := range before {
		beforeSet[k] = true
		if _, ok := afterPos[k]; !ok {
			n.removed = append(n.removed, IndexedKey{Index: i, Key: k})
		}
	}
	for i, k := range after {
		if !beforeSet[k] {
			n.added = append(n.added, AddedKey{Index: i, Key: k})
		}
	}
	return n
}

// applyToList returns the result of applying n to list: every removal is
// performed high-to-low against list, then every addition is inserted
// low-to-high against the shrunk result (spec §4.5 apply-update steps
// 2 and 4).
func applyToList(list []store.StoreKey, n normalizedUpdate) []store.StoreKey {
	out := append([]store.StoreKey(nil), list...)
	removed := append([]IndexedKey(nil), n.removed...)
	sort.Slice(removed, func(i, j int) bool { return removed[i].Index > removed[j].Index })
	for _, r := range removed {
		idx := r.Index
		if idx < 0 || idx >= len(out) {
			continue
		}
		out = append(out[:idx], out[idx+1:]...)
	}
	added := append([]AddedKey(nil), n.added...)
	sort.SliceStable(added, func(i, j int) bool { return added[i].Index < added[j].Index })
	for _, a := range added {
		idx := a.Index
		if idx < 0 {
			idx = 0
		}
		if idx > len(out) {
			idx = len(out)
		}
		out = append(out, store.StoreKey(0))
		copy(out[idx+1:], out[idx:])
		out[idx] = a.Key
	}
	return out
}

// normalizedEqual reports whether a and b describe the same edit: the
// same keys removed and the same keys added at the same resulting
// positions, irrespective of slice ordering.
func normalizedEqual(a, b normalizedUpdate) bool {
	if len(a.removed) != len(b.removed) || len(a.added) != len(b.added) {
		return false
	}
	ar := make(map[store.StoreKey]int, len(a.removed))
	for _, r := range a.removed {
		ar[r.Key] = r.Index
	}
	for _, r := range b.removed {
		if idx, ok := ar[r.Key]; !ok || idx != r.Index {
			return false
		}
	}
	aa := make(map[store.StoreKey]int, len(a.added))
	for _, ad := range a.added {
		aa[ad.Key] = ad.Index
	}
	for _, ad := range b.added {
		if idx, ok := aa[ad.Key]; !ok || idx != ad.Index {
			return false
		}
	}
	return true
}

// applyPreemptivesFrom folds preemptives[0:k] onto base in order. Each
// preemptive was recorded relative to the list state immediately
// preceding it, so replaying them in order against base reconstructs
// exactly what storeKeys looked like after the k-th was applied.
func applyPreemptivesFrom(base []store.StoreKey, preemptives []normalizedUpdate, k int) []store.StoreKey {
	list := base
	for i := 0; i < k && i < len(preemptives); i++ {
		list = applyToList(list, preemptives[i])
	}
	return list
}

// recomputeStoreKeysLocked rebuilds storeKeys as confirmed with every
// outstanding preemptive replayed on top.
func (q *WindowedQuery) recomputeStoreKeysLocked() {
	q.storeKeys = applyPreemptivesFrom(q.confirmed, q.preemptives, len(q.preemptives))
	q.length = len(q.storeKeys)
}
