package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/wbrown/reactivestore/runloop"
)

// Options configures a Store. Zero-value Options yields the spec's
// defaults.
type Options struct {
	// AutoCommit is not read by the store. Autocommit (a commit scheduled
	// on the run loop's middle queue after every mutating call) is on
	// unless DisableAutoCommit is set.
	AutoCommit bool
	// RebaseConflicts controls the partial-update rebase policy (spec §4.2
	// "Rebase policy"). Defaults to false.
	RebaseConflicts bool
	// DisableAutoCommit, if true, overrides AutoCommit regardless of its
	// value — present so the zero Options still means "autocommit on".
	DisableAutoCommit bool
}

func (o Options) autoCommit() bool {
	if o.DisableAutoCommit {
		return false
	}
	return true
}

// Store is the in-memory owner of all record identities, data, and status
// (spec §4.2).
type Store struct {
	tables   *tables
	interner *interner
	types    map[TypeName]*Type
	bus      *Bus
	loop     *runloop.RunLoop
	source   Source
	diag     *Diagnostics

	opts Options

	// Primary account inference: the distinguished account to assume when
	// a caller omits accountId for typ (spec §3.1).
	primaryAccount map[TypeName]AccountID

	commitMu   sync.Mutex
	committing map[AccountType]bool

	// Pending local mutations not yet committed, partitioned exactly as
	// commitChanges needs them (spec §4.2).
	pendingMu      sync.Mutex
	pendingCreate  map[AccountType]map[StoreKey]bool
	pendingUpdate  map[AccountType]map[StoreKey]bool
	pendingDestroy map[AccountType]map[StoreKey]bool

	queriesMu sync.Mutex
	queries   map[string]Query

	waitersMu sync.Mutex
	waiters   map[StoreKey][]waiter

	evictor *evictor

	statsMu sync.Mutex
	stats   *Stats

	now func() int64 // overridable clock for tests
}

// Query is the minimal interface Store needs to manage registered
// queries (spec §6.2 addQuery/removeQuery/getQuery/getAllQueries).
// query.LocalQuery and query.WindowedQuery both implement it.
type Query interface {
	ID() string
	Destroy()
}

type waiter struct {
	opts ResultOptions
	ch   chan Status
}

// New creates an empty Store.
func New(loop *runloop.RunLoop, opts Options) *Store {
	s := &Store{
		tables:         newTables(),
		interner:       newInterner(),
		types:          make(map[TypeName]*Type),
		bus:            newBus(),
		loop:           loop,
		opts:           opts,
		primaryAccount: make(map[TypeName]AccountID),
		committing:     make(map[AccountType]bool),
		pendingCreate:  make(map[AccountType]map[StoreKey]bool),
		pendingUpdate:  make(map[AccountType]map[StoreKey]bool),
		pendingDestroy: make(map[AccountType]map[StoreKey]bool),
		queries:        make(map[string]Query),
		waiters:        make(map[StoreKey][]waiter),
		now:            func() int64 { return time.Now().UnixMilli() },
	}
	s.evictor = newEvictor(s)
	return s
}

// RegisterType declares a schema the Store will recognise.
func (s *Store) RegisterType(t *Type) {
	s.types[t.Name] = t
}

// SetSource installs the Source used for fetches and commits.
func (s *Store) SetSource(src Source) {
	s.source = src
}

// FetchQuery forwards q to the installed Source's FetchQuery, a no-op if
// no Source is installed. query.WindowedQuery calls this (via the run
// loop, coalesced like a commit) whenever it has windows worth asking
// for.
func (s *Store) FetchQuery(q FetchableQuery) {
	if s.source == nil {
		return
	}
	s.source.FetchQuery(q)
}

// SetPrimaryAccount declares the account inferred for typ when a caller
// omits accountId (spec §3.1).
func (s *Store) SetPrimaryAccount(typ TypeName, account AccountID) {
	s.primaryAccount[typ] = account
}

// SetDiagnostics overrides the diagnostic channel used for programming
// errors.
func (s *Store) SetDiagnostics(d *Diagnostics) { s.diag = d }

// Bus exposes the event bus so callers and queries can subscribe.
func (s *Store) Bus() *Bus { return s.bus }

// Loop exposes the run loop this store schedules work on.
func (s *Store) Loop() *runloop.RunLoop { return s.loop }

func (s *Store) resolveAccount(typ TypeName, account AccountID) AccountID {
	if account != "" {
		return account
	}
	return s.primaryAccount[typ]
}

// ---- Identity/lookup (spec §6.2) ----

// GetStoreKey returns the storeKey for (account, typ, id), minting one if
// this is the first time the triple has been seen. The storeKey starts
// EMPTY.
func (s *Store) GetStoreKey(account AccountID, typ TypeName, id RecordID) StoreKey {
	account = s.resolveAccount(typ, account)
	sk := s.interner.keyForID(account, typ, id)
	s.tables.mu.Lock()
	if _, known := s.tables.status[sk]; !known {
		s.tables.typ[sk] = typ
		s.tables.accountID[sk] = account
		s.tables.status[sk] = Empty
	}
	s.tables.mu.Unlock()
	return sk
}

// GetIdFromStoreKey returns the id bound to sk, or "" if sk has no id yet
// (it is NEW, or was never associated with one).
func (s *Store) GetIdFromStoreKey(sk StoreKey) RecordID {
	id, _ := s.interner.lookupID(sk)
	return id
}

// GetAccountIdFromStoreKey returns the account sk belongs to.
func (s *Store) GetAccountIdFromStoreKey(sk StoreKey) AccountID {
	return s.getAccountIdFromStoreKey(sk)
}

func (s *Store) getAccountIdFromStoreKey(sk StoreKey) AccountID {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	return s.tables.accountID[sk]
}

func (s *Store) getDoppelganger(from *Store, sk StoreKey) StoreKey {
	if from == s {
		return sk
	}
	typ := from.getType(sk)
	id, ok := from.interner.lookupID(sk)
	if !ok {
		// No id yet (a NEW record) — no doppelganger can exist.
		return invalidStoreKey
	}
	return s.GetStoreKey(from.getAccountIdFromStoreKey(sk), typ, id)
}

func (s *Store) getType(sk StoreKey) TypeName {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	return s.tables.typ[sk]
}

// GetRecord returns the materialised Record for (account, typ, id),
// fetching it from the Source if not already loaded. If account is "",
// the inferred primary account for typ is used.
func (s *Store) GetRecord(account AccountID, typ TypeName, id RecordID) *Record {
	sk := s.GetStoreKey(account, typ, id)
	return s.GetRecordFromStoreKey(sk)
}

// GetRecordFromStoreKey returns (materialising if necessary) the Record
// facade for sk, triggering a fetch if the storeKey is EMPTY.
func (s *Store) GetRecordFromStoreKey(sk StoreKey) *Record {
	s.tables.mu.Lock()
	rec, ok := s.tables.record[sk]
	if !ok {
		rec = &Record{store: s, sk: sk, typ: s.tables.typ[sk]}
		s.tables.record[sk] = rec
	}
	st := s.tables.status[sk]
	s.touch(sk)
	s.tables.mu.Unlock()

	if st.Core() == Empty {
		s.Stats().recordMiss()
		s.fetchRecord(sk)
	} else {
		s.Stats().recordHit()
	}
	return rec
}

func (s *Store) touch(sk StoreKey) {
	s.tables.lastAccess[sk] = s.now()
	s.evictor.touch(sk)
}

// GetOne returns the first storeKey of typ in account for which pred
// returns true among currently READY records, or invalidStoreKey if none
// match.
func (s *Store) GetOne(account AccountID, typ TypeName, pred func(sk StoreKey) bool) StoreKey {
	for _, sk := range s.GetAll(account, typ) {
		if pred == nil || pred(sk) {
			return sk
		}
	}
	return invalidStoreKey
}

// GetAll returns every currently READY storeKey of typ in account.
func (s *Store) GetAll(account AccountID, typ TypeName) []StoreKey {
	account = s.resolveAccount(typ, account)
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	var out []StoreKey
	for sk, t := range s.tables.typ {
		if t != typ {
			continue
		}
		if s.tables.accountID[sk] != account {
			continue
		}
		if !s.tables.status[sk].Is(Ready) {
			continue
		}
		out = append(out, sk)
	}
	return out
}

// FindAll triggers fetchAllRecords for typ in account unless it is already
// loaded or in flight, and returns the LocalQuery-equivalent snapshot of
// what is currently known (GetAll). Callers that need a live view should
// use query.NewLocal instead.
func (s *Store) FindAll(account AccountID, typ TypeName) []StoreKey {
	account = s.resolveAccount(typ, account)
	at := AccountType{account, typ}
	s.tables.mu.Lock()
	st := s.tables.typeStatus[at]
	s.tables.mu.Unlock()
	if !st.Is(Loading | Ready) {
		s.fetchAll(account, typ, "")
	}
	return s.GetAll(account, typ)
}

// FindOne is FindAll filtered by pred.
func (s *Store) FindOne(account AccountID, typ TypeName, pred func(sk StoreKey) bool) StoreKey {
	for _, sk := range s.FindAll(account, typ) {
		if pred == nil || pred(sk) {
			return sk
		}
	}
	return invalidStoreKey
}

// ---- Status (spec §6.2) ----

func (s *Store) getStatus(sk StoreKey) Status {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	return s.tables.status[sk]
}

// GetStatus returns sk's current status.
func (s *Store) GetStatus(sk StoreKey) Status { return s.getStatus(sk) }

// SetStatus force-sets sk's status. Intended for tests and Source
// implementations bootstrapping state outside the normal callback flow.
func (s *Store) SetStatus(sk StoreKey, st Status) {
	s.tables.mu.Lock()
	s.tables.status[sk] = st
	s.tables.mu.Unlock()
	s.settleWaiters(sk, st)
}

// GetTypeStatus returns the type-level aggregate status (LOADING/
// COMMITTING/READY) for (account, typ).
func (s *Store) GetTypeStatus(account AccountID, typ TypeName) Status {
	account = s.resolveAccount(typ, account)
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	return s.tables.typeStatus[AccountType{account, typ}]
}

// GetTypeState returns the clientState token last assimilated for
// (account, typ).
func (s *Store) GetTypeState(account AccountID, typ TypeName) string {
	account = s.resolveAccount(typ, account)
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	return s.tables.clientState[AccountType{account, typ}]
}

// WhenTypeReady calls fn once (account, typ) is no longer LOADING. If it
// is already settled, fn is invoked synchronously.
func (s *Store) WhenTypeReady(account AccountID, typ TypeName, fn func()) {
	account = s.resolveAccount(typ, account)
	at := AccountType{account, typ}
	s.tables.mu.RLock()
	loading := s.tables.typeStatus[at].Is(Loading)
	s.tables.mu.RUnlock()
	if !loading {
		fn()
		return
	}
	var unsub func()
	unsub = s.bus.Subscribe(TypeTopic(typ), func(Event) {
		s.tables.mu.RLock()
		stillLoading := s.tables.typeStatus[at].Is(Loading)
		s.tables.mu.RUnlock()
		if !stillLoading {
			unsub()
			fn()
		}
	})
}

// CheckForChanges reports whether sk has uncommitted local edits.
func (s *Store) CheckForChanges(sk StoreKey) bool {
	return s.getStatus(sk).Is(Dirty)
}

// HasChangesForType reports whether any storeKey of typ in account has
// pending (uncommitted) create/update/destroy work.
func (s *Store) HasChangesForType(account AccountID, typ TypeName) bool {
	account = s.resolveAccount(typ, account)
	at := AccountType{account, typ}
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pendingCreate[at]) > 0 || len(s.pendingUpdate[at]) > 0 || len(s.pendingDestroy[at]) > 0
}

// ---- Queries (spec §6.2) ----

// AddQuery registers q so GetQuery/GetAllQueries can find it again.
func (s *Store) AddQuery(q Query) {
	s.queriesMu.Lock()
	s.queries[q.ID()] = q
	s.queriesMu.Unlock()
}

// RemoveQuery deregisters q.
func (s *Store) RemoveQuery(q Query) {
	s.queriesMu.Lock()
	delete(s.queries, q.ID())
	s.queriesMu.Unlock()
}

// GetQuery looks up a previously registered query by id.
func (s *Store) GetQuery(id string) (Query, bool) {
	s.queriesMu.Lock()
	defer s.queriesMu.Unlock()
	q, ok := s.queries[id]
	return q, ok
}

// GetAllQueries returns every currently registered query.
func (s *Store) GetAllQueries() []Query {
	s.queriesMu.Lock()
	defer s.queriesMu.Unlock()
	out := make([]Query, 0, len(s.queries))
	for _, q := range s.queries {
		out = append(out, q)
	}
	return out
}

// ---- internal data accessors used by Record ----

func (s *Store) getData(sk StoreKey) map[string]any {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	return s.tables.data[sk]
}

func (s *Store) getChanged(sk StoreKey) map[string]bool {
	s.tables.mu.RLock()
	defer s.tables.mu.RUnlock()
	return s.tables.changed[sk]
}

func (s *Store) fail(kind string, sk StoreKey) {
	s.diagnostics().report(kind, sk)
}

func (s *Store) emitTypeChange(sk StoreKey) {
	typ := s.getType(sk)
	if typ == "" {
		return
	}
	s.loop.EnqueueOnce(runloop.Middle, "typechange:"+string(typ), func() {
		s.bus.Emit(TypeTopic(typ), typ)
	})
}

func fmtSK(sk StoreKey) string { return fmt.Sprintf("sk:%d", uint64(sk)) }
