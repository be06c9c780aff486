package query

import "github.com/wbrown/reactivestore/store"

// WillFetch satisfies store.FetchableQuery: it plans the next fetch by
// coalescing contiguous REQUESTED windows into ranges (spec §4.5
// "sourceWillFetchQuery"), optionally dropping ranges with no live
// observer, and marking every window it plans to fetch LOADING so a
// concurrent call does not double-request it.
func (q *WindowedQuery) WillFetch() (store.FetchRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idRanges := q.coalesceLocked(wRequested, wLoading)
	recordRanges := q.coalesceLocked(wRecordsRequested, wRecordsLoading)

	if q.opts.OptimiseFetching {
		idRanges = q.dropUnobservedWindowsLocked(idRanges)
		recordRanges = q.dropUnobservedWindowsLocked(recordRanges)
	}

	var indexOf []store.StoreKey
	for _, lk := range q.indexOf {
		indexOf = append(indexOf, lk.sk)
	}

	if len(idRanges) == 0 && len(recordRanges) == 0 {
		return store.FetchRequest{}, false
	}

	req := store.FetchRequest{
		Type:       q.typ,
		Account:    q.account,
		IDs:        idRanges,
		Records:    recordRanges,
		IndexOf:    indexOf,
		QueryState: q.queryState,
		Done: func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			for _, r := range idRanges {
				q.clearLoadingRangeLocked(r)
			}
			for _, r := range recordRanges {
				q.clearLoadingRangeLocked(r)
			}
		},
	}
	return req, true
}

// coalesceLocked finds every maximal run of windows with requestBit set,
// clears requestBit and sets loadingBit on them, and returns each run as a
// window-position Range.
func (q *WindowedQuery) coalesceLocked(requestBit, loadingBit windowBit) []store.Range {
	var ranges []store.Range
	ws := q.opts.windowSize()
	i := 0
	for i < len(q.windows) {
		if q.windows[i]&requestBit == 0 {
			i++
			continue
		}
		start := i
		for i < len(q.windows) && q.windows[i]&requestBit != 0 {
			q.windows[i] = (q.windows[i] &^ requestBit) | loadingBit
			i++
		}
		ranges = append(ranges, store.Range{Start: start * ws, Count: (i - start) * ws})
	}
	return ranges
}

// dropUnobservedWindowsLocked keeps, whole, every range that overlaps a
// live Observe() registration widened by Prefetch windows on each side,
// and drops (clearing their LOADING bits) the ranges that overlap none
// (spec §4.5 "optimiseFetching"). Kept ranges are not trimmed. With no
// observers registered at all, every range is kept.
func (q *WindowedQuery) dropUnobservedWindowsLocked(ranges []store.Range) []store.Range {
	if len(q.observers) == 0 {
		return ranges
	}
	ws := q.opts.windowSize()
	pad := q.opts.Prefetch * ws

	var out []store.Range
	for _, r := range ranges {
		loStart, hiEnd := r.Start, r.Start+r.Count
		observed := false
		for _, o := range q.observers {
			if o.start < 0 {
				continue
			}
			lo, hi := o.start-pad, o.end+pad
			if hi <= loStart || lo >= hiEnd {
				continue
			}
			observed = true
		}
		if observed {
			out = append(out, r)
		} else {
			q.clearLoadingRangeLocked(r)
		}
	}
	return out
}

func (q *WindowedQuery) clearLoadingRangeLocked(r store.Range) {
	ws := q.opts.windowSize()
	start := r.Start / ws
	end := (r.Start + r.Count - 1) / ws
	for w := start; w <= end && w >= 0 && w < len(q.windows); w++ {
		q.windows[w] &^= wLoading | wRecordsLoading
	}
}
