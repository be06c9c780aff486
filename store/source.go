package store

// AccountType is the (account, type) key that partitions change entries,
// type-level status, and client/server state tokens (spec §3.3).
type AccountType struct {
	Account AccountID
	Type    TypeName
}

// DoneFunc is invoked by a Source implementation once an asynchronous
// fetch completes. A non-nil err is treated as a transient failure for
// fetches (the caller may retry); commits use the richer sourceDid*
// callback set instead of a single err.
type DoneFunc func(err error)

// FetchableQuery is the subset of WindowedQuery a Source needs in order to
// serve fetchQuery. Defined here (rather than imported from package
// query) to avoid a store<->query import cycle: query.WindowedQuery
// implements this interface structurally.
type FetchableQuery interface {
	// WillFetch returns the next request to issue, or ok=false if there
	// is nothing to fetch right now.
	WillFetch() (FetchRequest, bool)
}

// FetchRequest is the payload sourceWillFetchQuery builds (spec §4.5).
type FetchRequest struct {
	Type      TypeName
	Account   AccountID
	IDs       []Range // windows whose ids are REQUESTED
	Records   []Range // windows whose records are RECORDS_REQUESTED
	IndexOf   []StoreKey
	QueryState string
	Refresh    bool
	// Done is called by the Source once this request's ids/records have
	// been delivered via the query's FetchedIDs/FetchedUpdate methods, so
	// the query can clear its LOADING bits.
	Done func()
}

// Range is a contiguous [Start, Start+Count) window-position range.
type Range struct {
	Start int
	Count int
}

// Source is the external collaborator that performs I/O (spec §6.1). A
// Source must eventually invoke the matching Store callback
// (sourceDidCommitCreate, sourceDidFetchRecords, ...) for every request it
// accepts — the Store never polls it.
type Source interface {
	FetchRecord(account AccountID, typ TypeName, id RecordID, done DoneFunc)
	RefreshRecord(account AccountID, typ TypeName, id RecordID, done DoneFunc)
	FetchAllRecords(account AccountID, typ TypeName, sinceState string, done DoneFunc)
	FetchQuery(q FetchableQuery)
	CommitChanges(changes map[AccountType]*ChangeEntry, done func())
}

// ChangeEntry is the per-(type,account) bundle submitted to the Source in
// a single commit (spec §4.2).
type ChangeEntry struct {
	Create          *CreateBatch
	Update          *UpdateBatch
	MoveFromAccount map[AccountID]*MoveBatch
	Destroy         *DestroyBatch
	State           string // clientState at the time of this commit
}

// CreateBatch lists records being created for the first time.
type CreateBatch struct {
	StoreKeys []StoreKey
	Records   map[StoreKey]map[string]any // client-settable attributes only, foreign refs translated to ids
}

// UpdateBatch lists records with local changes to commit.
type UpdateBatch struct {
	StoreKeys []StoreKey
	Records   map[StoreKey]map[string]any   // full current data, foreign refs translated to ids
	Committed map[StoreKey]map[string]any   // snapshot moved into rollback
	Changes   map[StoreKey]map[string]bool  // dirty keys, filtered by NoSync
}

// MoveBatch lists records created in this account as the result of a move
// from another account.
type MoveBatch struct {
	CopyFromIDs map[StoreKey]RecordID          // originating id in the source account
	StoreKeys   []StoreKey
	Records     map[StoreKey]map[string]any
	Changes     map[StoreKey]map[string]any // diff against the original record
}

// DestroyBatch lists records being destroyed.
type DestroyBatch struct {
	StoreKeys []StoreKey
	IDs       []RecordID
}

// FetchedRecord is one record in a sourceDidFetchRecords payload.
type FetchedRecord struct {
	ID   RecordID
	Data map[string]any // wire data, foreign refs still as ids
}

// PartialUpdate is one record's patch in a sourceDidFetchPartialRecords
// payload.
type PartialUpdate struct {
	ID   RecordID
	Data map[string]any
}

// UpdatesDelta is the payload of sourceDidFetchUpdates (spec §4.2 table).
type UpdatesDelta struct {
	Changed   []RecordID
	Destroyed []RecordID
	OldState  string
	NewState  string
}
