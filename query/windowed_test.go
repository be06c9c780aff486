package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbrown/reactivestore/store"
)

func sk(n uint64) store.StoreKey { return store.StoreKey(n) }

func TestDiffListRoundTrips(t *testing.T) {
	before := []store.StoreKey{sk(1), sk(2), sk(3)}
	after := []store.StoreKey{sk(1), sk(3), sk(4)}

	n := diffList(before, after)
	require.Len(t, n.removed, 1)
	assert.Equal(t, IndexedKey{Index: 1, Key: sk(2)}, n.removed[0])
	require.Len(t, n.added, 1)
	assert.Equal(t, AddedKey{Index: 2, Key: sk(4)}, n.added[0])

	assert.Equal(t, after, applyToList(before, n))
}

func TestNormalizedEqualIgnoresOrdering(t *testing.T) {
	a := normalizedUpdate{
		removed: []IndexedKey{{Index: 1, Key: sk(2)}, {Index: 3, Key: sk(4)}},
		added:   []AddedKey{{Index: 0, Key: sk(9)}},
	}
	b := normalizedUpdate{
		removed: []IndexedKey{{Index: 3, Key: sk(4)}, {Index: 1, Key: sk(2)}},
		added:   []AddedKey{{Index: 0, Key: sk(9)}},
	}
	assert.True(t, normalizedEqual(a, b))

	c := normalizedUpdate{removed: a.removed, added: []AddedKey{{Index: 1, Key: sk(9)}}}
	assert.False(t, normalizedEqual(a, c))
}

// newTestWindowed builds a WindowedQuery with confirmed pre-seeded to
// [sk1, sk2, sk3] without going through a fetch, for reconciliation tests
// that only exercise ClientDidGenerateUpdate/FetchedUpdate.
func newTestWindowed(t *testing.T) (*store.Store, *WindowedQuery) {
	t.Helper()
	s, _ := newTestStore(t)
	q := NewWindowed(s, testAccount, testType, WindowedQueryOptions{WindowSize: 10, CanGetDeltaUpdates: true})
	q.confirmed = []store.StoreKey{sk(1), sk(2), sk(3)}
	q.storeKeys = append([]store.StoreKey(nil), q.confirmed...)
	q.length = len(q.confirmed)
	q.queryState = "v1"
	return s, q
}

// Scenario: a matching preemptive. The client optimistically removes
// sk(2); the server's delta update reports exactly that removal. The
// preemptive is fully consumed and the list is left exactly as the
// preemptive already made it.
func TestFetchedUpdateMatchingPreemptive(t *testing.T) {
	_, q := newTestWindowed(t)

	q.ClientDidGenerateUpdate(PreemptiveUpdate{Removed: []store.StoreKey{sk(2)}})
	assert.Equal(t, []store.StoreKey{sk(1), sk(3)}, q.storeKeys)

	q.FetchedUpdate(DeltaUpdate{
		OldQueryState: "v1",
		NewQueryState: "v2",
		Removed:       []store.RecordID{idFor(t, q, sk(2))},
	})

	assert.Equal(t, []store.StoreKey{sk(1), sk(3)}, q.storeKeys)
	assert.Empty(t, q.preemptives)
	assert.False(t, q.IsDirty())
}

// Scenario: a contradicting preemptive. The client optimistically removes
// sk(2), but the server reports a delta that removes sk(3) and adds
// sk(4) instead — no relation to the client's edit. The preemptive is
// discarded outright and the server's version wins.
func TestFetchedUpdateContradictingPreemptive(t *testing.T) {
	s, q := newTestWindowed(t)

	q.ClientDidGenerateUpdate(PreemptiveUpdate{Removed: []store.StoreKey{sk(2)}})
	assert.Equal(t, []store.StoreKey{sk(1), sk(3)}, q.storeKeys)

	removedID := idFor(t, q, sk(3))
	addedID := store.RecordID("rid-new")
	addedKey := s.GetStoreKey(testAccount, testType, addedID)

	q.FetchedUpdate(DeltaUpdate{
		OldQueryState: "v1",
		NewQueryState: "v2",
		Removed:       []store.RecordID{removedID},
		Added:         []AddedID{{Index: 2, ID: addedID}},
	})

	assert.Equal(t, []store.StoreKey{sk(1), sk(2), addedKey}, q.storeKeys)
	assert.Empty(t, q.preemptives)
}

// idFor mints (or reuses) a storeKey-to-id mapping in q's store so tests
// can speak in RecordIDs the way a real DeltaUpdate would, without going
// through a Source.
func idFor(t *testing.T, q *WindowedQuery, want store.StoreKey) store.RecordID {
	t.Helper()
	id := store.RecordID("rid-" + string(rune('0'+uint64(want))))
	got := q.store.GetStoreKey(q.account, q.typ, id)
	// Force got to alias want by overwriting storeKeys/confirmed with the
	// real minted key wherever the test placed the placeholder, since the
	// interner — not the test — owns storeKey assignment.
	for i, k := range q.confirmed {
		if k == want {
			q.confirmed[i] = got
		}
	}
	for i, k := range q.storeKeys {
		if k == want {
			q.storeKeys[i] = got
		}
	}
	for i := range q.preemptives {
		for j, r := range q.preemptives[i].removed {
			if r.Key == want {
				q.preemptives[i].removed[j].Key = got
			}
		}
		for j, a := range q.preemptives[i].added {
			if a.Key == want {
				q.preemptives[i].added[j].Key = got
			}
		}
	}
	return id
}

// An update whose oldQueryState doesn't match our current queryState
// can't be applied without splicing inconsistent data into confirmed; it
// must be dropped and OBSOLETE set instead (spec §7 "query packet
// out-of-order").
func TestFetchedUpdateOutOfOrderSetsObsolete(t *testing.T) {
	_, q := newTestWindowed(t)

	q.FetchedUpdate(DeltaUpdate{OldQueryState: "stale", NewQueryState: "v2"})

	assert.True(t, q.IsObsolete())
	assert.Equal(t, "v1", q.QueryState(), "an out-of-order delta must not advance queryState")
	assert.Equal(t, []store.StoreKey{sk(1), sk(2), sk(3)}, q.storeKeys, "an out-of-order delta must not be applied")
}

// When the server's newQueryState matches where we already are, any
// preemptive still pending is folded into confirmed rather than
// reconciled against a delta — there is no delta, the server's silence on
// it is the confirmation.
func TestFetchedUpdateConfirmsPendingPreemptiveOnMatchingState(t *testing.T) {
	_, q := newTestWindowed(t)

	q.ClientDidGenerateUpdate(PreemptiveUpdate{Removed: []store.StoreKey{sk(2)}})
	require.True(t, q.IsDirty())

	q.FetchedUpdate(DeltaUpdate{OldQueryState: "v1", NewQueryState: "v1"})

	assert.False(t, q.IsDirty())
	assert.False(t, q.IsObsolete())
	assert.Equal(t, []store.StoreKey{sk(1), sk(3)}, q.storeKeys)
	assert.Empty(t, q.preemptives)
}

// total is applied as the query's length even when fewer ids are actually
// known, per the apply-update algorithm's "length := total" step.
func TestFetchedUpdateAppliesTotalAsLength(t *testing.T) {
	_, q := newTestWindowed(t)

	q.FetchedUpdate(DeltaUpdate{
		OldQueryState: "v1",
		NewQueryState: "v2",
		Total:         5,
	})

	assert.Equal(t, 5, q.Length(), "length tracks total even though only 3 ids are actually known")
	assert.Equal(t, []store.StoreKey{sk(1), sk(2), sk(3), 0, 0}, q.storeKeys)
}

// upToId truncates confirmed to lastIndexOf(upToId)+1 before the delta is
// normalised against it.
func TestFetchedUpdateTruncatesUpToID(t *testing.T) {
	_, q := newTestWindowed(t)

	id2 := idFor(t, q, sk(2))
	key2 := q.store.GetStoreKey(q.account, q.typ, id2)

	q.FetchedUpdate(DeltaUpdate{
		OldQueryState: "v1",
		NewQueryState: "v2",
		UpToID:        id2,
		Total:         2,
	})

	assert.Equal(t, []store.StoreKey{sk(1), key2}, q.storeKeys)
	assert.Equal(t, 2, q.Length())
}

// An upToId the list doesn't contain at all means the window has moved
// too far for a partial truncation to mean anything, so the list resets
// outright.
func TestFetchedUpdateResetsWhenUpToIDNotFound(t *testing.T) {
	_, q := newTestWindowed(t)

	q.FetchedUpdate(DeltaUpdate{
		OldQueryState: "v1",
		NewQueryState: "v2",
		UpToID:        "nowhere",
		Total:         4,
	})

	assert.Empty(t, q.preemptives)
	assert.Equal(t, 4, q.Length())
	assert.Equal(t, "v2", q.QueryState())
	assert.False(t, q.IsDirty())
}

func TestFetchedIDsSplicesAndMarksWindowReady(t *testing.T) {
	s, _ := newTestStore(t)
	q := NewWindowed(s, testAccount, testType, WindowedQueryOptions{WindowSize: 10})

	q.FetchedIDs(IDPacket{
		QueryState: "v1",
		Position:   0,
		IDs:        []store.RecordID{"a", "b", "c"},
		Total:      3,
	})

	require.Equal(t, 3, q.Length())
	assert.True(t, q.windows[0]&wReady != 0)
}

// A packet whose queryState doesn't match, with delta updates disabled,
// triggers a full reset rather than an enqueue-and-wait.
func TestFetchedIDsResetsOnStaleQueryStateWithoutDeltas(t *testing.T) {
	s, _ := newTestStore(t)
	q := NewWindowed(s, testAccount, testType, WindowedQueryOptions{WindowSize: 10, CanGetDeltaUpdates: false})

	q.FetchedIDs(IDPacket{QueryState: "v1", IDs: []store.RecordID{"a"}, Total: 1})
	q.FetchedIDs(IDPacket{QueryState: "v2", IDs: []store.RecordID{"z"}, Total: 1})

	assert.Equal(t, "v2", q.queryState)
	assert.Equal(t, 1, q.Length())
}

// A stale packet with delta updates enabled is enqueued rather than
// applied immediately, and is replayed once a matching-queryState update
// lands.
func TestFetchedIDsEnqueuesStalePacketForReplay(t *testing.T) {
	s, _ := newTestStore(t)
	q := NewWindowed(s, testAccount, testType, WindowedQueryOptions{WindowSize: 10, CanGetDeltaUpdates: true})

	q.FetchedIDs(IDPacket{QueryState: "v1", IDs: []store.RecordID{"a", "b"}, Total: 2})
	require.Equal(t, 2, q.Length())

	q.FetchedIDs(IDPacket{QueryState: "v2", Position: 0, IDs: []store.RecordID{"c", "d"}, Total: 2})
	require.Len(t, q.waiting, 1, "a stale packet is queued, not applied")
	assert.Equal(t, "v1", q.queryState)

	q.FetchedUpdate(DeltaUpdate{OldQueryState: "v1", NewQueryState: "v2"})
	assert.Empty(t, q.waiting, "the waiting packet is replayed once queryState advances")
}
