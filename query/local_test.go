package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wbrown/reactivestore/runloop"
	"github.com/wbrown/reactivestore/store"
)

const testAccount store.AccountID = "acct-1"
const testType store.TypeName = "widget"

type noopSource struct{}

func (noopSource) FetchRecord(store.AccountID, store.TypeName, store.RecordID, store.DoneFunc) {}
func (noopSource) RefreshRecord(store.AccountID, store.TypeName, store.RecordID, store.DoneFunc) {}
func (noopSource) FetchAllRecords(store.AccountID, store.TypeName, string, store.DoneFunc)       {}
func (noopSource) FetchQuery(store.FetchableQuery)                                               {}
func (noopSource) CommitChanges(map[store.AccountType]*store.ChangeEntry, func())                {}

func newTestStore(t *testing.T) (*store.Store, *runloop.RunLoop) {
	t.Helper()
	loop := runloop.New()
	s := store.New(loop, store.Options{})
	s.RegisterType(store.NewType(testType, []store.Attribute{{Key: "name"}}))
	s.SetPrimaryAccount(testType, testAccount)
	s.SetSource(noopSource{})
	return s, loop
}

func TestLocalQueryFiltersAndSorts(t *testing.T) {
	s, loop := newTestStore(t)

	for _, name := range []string{"banana", "apple", "cherry"} {
		rec := store.NewRecord(testType, testAccount, map[string]any{"name": name})
		require.NoError(t, rec.SaveToStore(s))
	}
	loop.Flush()

	lq := NewLocal(s, testAccount, testType, func(sk store.StoreKey) bool {
		return s.GetRecordFromStoreKey(sk).Get("name") != "cherry"
	}, func(a, b store.StoreKey) bool {
		return s.GetRecordFromStoreKey(a).Get("name").(string) < s.GetRecordFromStoreKey(b).Get("name").(string)
	})

	result := lq.Fetch(false)
	require.Len(t, result, 2)
	assert.Equal(t, "apple", s.GetRecordFromStoreKey(result[0]).Get("name"))
	assert.Equal(t, "banana", s.GetRecordFromStoreKey(result[1]).Get("name"))
}

func TestLocalQueryGoesObsoleteOnTypeChange(t *testing.T) {
	s, loop := newTestStore(t)
	lq := NewLocal(s, testAccount, testType, nil, nil)

	first := lq.Fetch(false)
	assert.Empty(t, first)

	rec := store.NewRecord(testType, testAccount, map[string]any{"name": "new"})
	require.NoError(t, rec.SaveToStore(s))
	loop.Flush()

	second := lq.Fetch(false)
	assert.Len(t, second, 1, "a fresh Fetch after a type change must recompute")
}

func TestLocalQueryDestroyDeregistersFromStore(t *testing.T) {
	s, loop := newTestStore(t)
	lq := NewLocal(s, testAccount, testType, nil, nil)
	lq.Destroy()

	rec := store.NewRecord(testType, testAccount, map[string]any{"name": "new"})
	require.NoError(t, rec.SaveToStore(s))
	loop.Flush()

	_, ok := s.GetQuery(lq.ID())
	assert.False(t, ok)
}
