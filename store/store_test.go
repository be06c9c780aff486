package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbrown/reactivestore/runloop"
)

const testAccount AccountID = "acct-1"
const testType TypeName = "widget"

// stubSource is a minimal, synchronous Source good enough to drive the
// commit/fetch callback contract from tests without any goroutines.
type stubSource struct {
	s *Store

	nextID int

	failNextCreate    bool
	failCreatePermanent bool

	findable   map[RecordID]map[string]any
	allRecords map[RecordID]map[string]any
	allState   string
}

func newStubSource(s *Store) *stubSource {
	return &stubSource{s: s, findable: make(map[RecordID]map[string]any)}
}

func (f *stubSource) FetchRecord(account AccountID, typ TypeName, id RecordID, done DoneFunc) {
	if data, ok := f.findable[id]; ok {
		f.s.SourceDidFetchRecords(account, typ, []FetchedRecord{{ID: id, Data: data}}, "", false)
	} else {
		f.s.SourceCouldNotFindRecords(account, typ, []RecordID{id})
	}
	done(nil)
}

func (f *stubSource) RefreshRecord(account AccountID, typ TypeName, id RecordID, done DoneFunc) {
	f.FetchRecord(account, typ, id, done)
}

// allRecords, when non-nil, is delivered as the authoritative isAll result
// the next time FetchAllRecords is called, so tests can exercise the
// missing-record destroy detection deterministically.
func (f *stubSource) FetchAllRecords(account AccountID, typ TypeName, sinceState string, done DoneFunc) {
	if f.allRecords != nil {
		var recs []FetchedRecord
		for id, data := range f.allRecords {
			recs = append(recs, FetchedRecord{ID: id, Data: data})
		}
		f.s.SourceDidFetchRecords(account, typ, recs, f.allState, true)
	}
	done(nil)
}

func (f *stubSource) FetchQuery(q FetchableQuery) {}

func (f *stubSource) CommitChanges(changes map[AccountType]*ChangeEntry, done func()) {
	for at, entry := range changes {
		if entry.Create != nil {
			for _, sk := range entry.Create.StoreKeys {
				if f.failNextCreate {
					f.failNextCreate = false
					f.s.SourceDidNotCreate(at.Account, at.Type, sk, []error{assertErr("boom")}, f.failCreatePermanent)
					continue
				}
				f.nextID++
				id := RecordID(fmt.Sprintf("w%d", f.nextID))
				f.s.SourceDidCommitCreate(at.Account, at.Type, sk, id, map[string]any{"serverOnly": true})
			}
		}
		if entry.Update != nil {
			for _, sk := range entry.Update.StoreKeys {
				f.s.SourceDidCommitUpdate(at.Account, at.Type, sk, nil)
			}
		}
		if entry.Destroy != nil {
			for _, sk := range entry.Destroy.StoreKeys {
				f.s.SourceDidCommitDestroy(at.Account, at.Type, sk)
			}
		}
	}
	done()
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(s string) error { return simpleErr(s) }

func newTestStore() (*Store, *stubSource, *runloop.RunLoop) {
	loop := runloop.New()
	s := New(loop, Options{})
	s.RegisterType(NewType(testType, []Attribute{
		{Key: "name"},
		{Key: "qty", Default: 0},
	}))
	s.SetPrimaryAccount(testType, testAccount)
	src := newStubSource(s)
	s.SetSource(src)
	return s, src, loop
}

// S1: create -> commit -> server assigns an id -> record settles READY.
func TestCreateCommitRoundTrip(t *testing.T) {
	s, _, loop := newTestStore()

	rec := NewRecord(testType, testAccount, map[string]any{"name": "bolt"})
	require.NoError(t, rec.SaveToStore(s))
	assert.True(t, rec.Is(StatusNew|Dirty|Ready))

	loop.Flush()

	assert.False(t, rec.Is(StatusNew|Dirty))
	assert.True(t, rec.Is(Ready))
	assert.Equal(t, "bolt", rec.Get("name"))
	assert.Equal(t, true, rec.Get("serverOnly"))
	assert.NotEmpty(t, s.GetIdFromStoreKey(rec.StoreKey()))
}

// S2: a server patch arrives for a record with local, uncommitted edits.
// With RebaseConflicts on, the client's changed keys survive; untouched
// keys take the server's value.
func TestRebasePreservesLocalEdits(t *testing.T) {
	loop := runloop.New()
	s := New(loop, Options{RebaseConflicts: true})
	s.RegisterType(NewType(testType, []Attribute{{Key: "name"}, {Key: "qty"}}))
	s.SetPrimaryAccount(testType, testAccount)
	src := newStubSource(s)
	s.SetSource(src)

	rec := NewRecord(testType, testAccount, map[string]any{"name": "bolt", "qty": 1})
	require.NoError(t, rec.SaveToStore(s))
	loop.Flush()

	require.NoError(t, rec.Set("name", "bolt-local"))

	s.SourceDidFetchPartialRecords(testAccount, testType, []PartialUpdate{
		{ID: s.GetIdFromStoreKey(rec.StoreKey()), Data: map[string]any{"name": "bolt-server", "qty": 5}},
	})

	assert.Equal(t, "bolt-local", rec.Get("name"), "locally changed key keeps the client's value")
	assert.Equal(t, 5, rec.Get("qty"), "untouched key takes the server's value")
	assert.True(t, rec.Is(Dirty))
}

// S3: a fetch for an id the source has no record of marks it NON_EXISTENT.
func TestFetchNotFound(t *testing.T) {
	s, _, loop := newTestStore()
	rec := s.GetRecord(testAccount, testType, "missing")
	loop.Flush()
	assert.True(t, rec.Is(NonExistent))
}

func TestDestroyNewRecordUnloadsWithoutCommit(t *testing.T) {
	s, _, loop := newTestStore()
	rec := NewRecord(testType, testAccount, map[string]any{"name": "scrap"})
	require.NoError(t, rec.SaveToStore(s))
	sk := rec.StoreKey()

	rec.Destroy()
	assert.Equal(t, Empty, s.GetStatus(sk))

	loop.Flush()
	assert.False(t, s.HasChangesForType(testAccount, testType))
}

func TestCommitErrorRevertOnPermanentFailure(t *testing.T) {
	s, src, loop := newTestStore()
	src.failNextCreate = true
	src.failCreatePermanent = true

	rec := NewRecord(testType, testAccount, map[string]any{"name": "doomed"})
	require.NoError(t, rec.SaveToStore(s))
	sk := rec.StoreKey()
	loop.Flush()

	assert.Equal(t, Empty, s.GetStatus(sk), "permanent create failure unloads the record")
}

func TestStatsCountsHitsAndMisses(t *testing.T) {
	s, _, loop := newTestStore()

	rec := NewRecord(testType, testAccount, map[string]any{"name": "bolt"})
	require.NoError(t, rec.SaveToStore(s))
	loop.Flush()

	s.GetRecordFromStoreKey(rec.StoreKey())
	hits, misses := s.Stats().Snapshot()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(0), misses)

	s.GetRecord(testAccount, testType, "missing")
	_, misses = s.Stats().Snapshot()
	assert.Equal(t, int64(1), misses)
}

// isAll fetch responses are authoritative for (account, typ): a
// previously READY record absent from the response is destroyed. A
// record with the same type but a different account must survive a
// mixed-account fetch untouched (spec §9 Open Question).
func TestFetchAllDestroysMissingRecordsScopedToAccount(t *testing.T) {
	s, src, loop := newTestStore()

	src.findable["a"] = map[string]any{"name": "alpha"}
	src.findable["b"] = map[string]any{"name": "bravo"}
	recA := s.GetRecord(testAccount, testType, "a")
	recB := s.GetRecord(testAccount, testType, "b")
	loop.Flush()
	require.True(t, recA.Is(Ready))
	require.True(t, recB.Is(Ready))

	const otherAccount AccountID = "acct-2"
	src.findable["c"] = map[string]any{"name": "charlie"}
	recC := s.GetRecord(otherAccount, testType, "c")
	loop.Flush()
	require.True(t, recC.Is(Ready))

	s.SourceDidFetchRecords(testAccount, testType, []FetchedRecord{
		{ID: "a", Data: map[string]any{"name": "alpha"}},
	}, "v2", true)

	assert.True(t, recA.Is(Ready))
	assert.True(t, recB.Is(Destroyed), "b was READY under testAccount and absent from the isAll response")
	assert.True(t, recC.Is(Ready), "a different account's record must survive a mixed-account fetch")
	assert.Equal(t, "v2", s.GetTypeState(testAccount, testType))
}

func TestWriteToUnreadyRecordIsNoOp(t *testing.T) {
	s, _, _ := newTestStore()
	sk := s.GetStoreKey(testAccount, testType, "never-fetched")
	err := s.updateData(sk, map[string]any{"name": "x"}, true)
	assert.ErrorIs(t, err, errWriteUnready)
}
