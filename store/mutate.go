package store

import "github.com/wbrown/reactivestore/runloop"

// createRecord mints a storeKey for a freshly constructed record and puts
// it in READY|NEW|DIRTY, queued for the next commit.
func (s *Store) createRecord(typ TypeName, account AccountID, data map[string]any) StoreKey {
	account = s.resolveAccount(typ, account)
	sk := s.interner.newKey(account, typ)

	s.tables.mu.Lock()
	s.tables.typ[sk] = typ
	s.tables.accountID[sk] = account
	s.tables.status[sk] = Ready | StatusNew | Dirty
	s.tables.data[sk] = cloneData(data)
	s.tables.lastAccess[sk] = s.now()
	s.tables.mu.Unlock()

	s.markPending(s.pendingCreate, AccountType{account, typ}, sk)
	s.emitTypeChange(sk)
	s.maybeAutoCommit()
	return sk
}

// updateData applies patch to sk's in-memory data. If dirty, the affected
// keys are marked changed and a commit is scheduled (spec §4.2).
func (s *Store) updateData(sk StoreKey, patch map[string]any, dirty bool) error {
	s.tables.mu.Lock()
	st := s.tables.status[sk]
	if !st.Editable() {
		s.tables.mu.Unlock()
		s.fail("write to unready", sk)
		return errWriteUnready
	}

	if dirty && st.Is(Ready) && !st.Is(Dirty) {
		// First local edit since the last commit: snapshot committed data
		// before mutating (invariant 2).
		s.tables.committed[sk] = cloneData(s.tables.data[sk])
	}

	data := s.tables.data[sk]
	if data == nil {
		data = make(map[string]any)
	}
	for k, v := range patch {
		data[k] = v
	}
	s.tables.data[sk] = data

	if dirty {
		changed := s.tables.changed[sk]
		if changed == nil {
			changed = make(map[string]bool)
		}
		for k := range patch {
			changed[k] = true
		}
		s.tables.changed[sk] = changed
		s.tables.status[sk] = st.Set(Dirty)
	}
	s.tables.lastAccess[sk] = s.now()
	typ, account := s.tables.typ[sk], s.tables.accountID[sk]
	s.tables.mu.Unlock()

	if dirty && !st.Is(StatusNew) {
		s.markPending(s.pendingUpdate, AccountType{account, typ}, sk)
	}
	s.emitTypeChange(sk)
	s.bus.Emit(TopicRecordUserUpdate, sk)
	s.maybeAutoCommit()
	return nil
}

// destroyRecord marks sk destroyed. A NEW record that has not yet been
// committed is unloaded immediately with no commit attempt (invariant 4);
// otherwise it is queued for the next destroy commit.
func (s *Store) destroyRecord(sk StoreKey) {
	s.tables.mu.Lock()
	st := s.tables.status[sk]
	typ, account := s.tables.typ[sk], s.tables.accountID[sk]
	at := AccountType{account, typ}

	if st.Is(StatusNew) && !st.Is(Committing) {
		s.tables.mu.Unlock()
		s.unpend(s.pendingCreate, at, sk)
		s.unpend(s.pendingUpdate, at, sk)
		s.unloadRecord(sk)
		s.emitTypeChange(sk)
		return
	}

	s.tables.status[sk] = st.WithCore(Destroyed)
	s.tables.mu.Unlock()

	s.unpend(s.pendingUpdate, at, sk)
	s.markPending(s.pendingDestroy, at, sk)
	s.emitTypeChange(sk)
	s.maybeAutoCommit()
}

// undestroyRecord reverses a pending local destroy, returning the record
// to READY|DIRTY so it can be recommitted as an update.
func (s *Store) undestroyRecord(sk StoreKey) {
	s.tables.mu.Lock()
	st := s.tables.status[sk]
	if !st.Is(Destroyed) {
		s.tables.mu.Unlock()
		return
	}
	typ, account := s.tables.typ[sk], s.tables.accountID[sk]
	at := AccountType{account, typ}
	s.tables.status[sk] = st.WithCore(Ready).Set(Dirty)
	s.tables.mu.Unlock()

	s.unpend(s.pendingDestroy, at, sk)
	s.markPending(s.pendingUpdate, at, sk)
	s.emitTypeChange(sk)
	s.maybeAutoCommit()
}

// moveRecord models a cross-account move as a new storeKey in toAccount
// plus a destroy of the original (Design Notes: "Cross-account moves").
// The commit pipeline detects the correspondence via createdFrom/
// destroyedTo and submits it as a MoveBatch rather than a plain
// create+destroy pair.
func (s *Store) moveRecord(sk StoreKey, toAccount AccountID) StoreKey {
	s.tables.mu.Lock()
	typ := s.tables.typ[sk]
	data := cloneData(s.tables.data[sk])
	s.tables.mu.Unlock()

	newSK := s.interner.newKey(toAccount, typ)
	s.tables.mu.Lock()
	s.tables.typ[newSK] = typ
	s.tables.accountID[newSK] = toAccount
	s.tables.status[newSK] = Ready | StatusNew | Dirty
	s.tables.data[newSK] = data
	s.tables.lastAccess[newSK] = s.now()
	s.tables.createdFrom[newSK] = sk
	s.tables.destroyedTo[sk] = newSK
	s.tables.mu.Unlock()

	s.markPending(s.pendingCreate, AccountType{toAccount, typ}, newSK)
	s.emitTypeChange(newSK)

	s.destroyRecord(sk)
	return newSK
}

// discardChanges reverts local edits. READY|NEW|DIRTY records have no
// server copy to fall back to, so they are destroyed outright; otherwise
// data is reverted to the committed snapshot (spec §4.1).
func (s *Store) discardChanges(sk StoreKey) {
	s.tables.mu.Lock()
	st := s.tables.status[sk]
	if st.Is(StatusNew) {
		s.tables.mu.Unlock()
		s.destroyRecord(sk)
		return
	}
	if !st.Is(Dirty) {
		s.tables.mu.Unlock()
		return
	}
	committed := s.tables.committed[sk]
	s.tables.data[sk] = cloneData(committed)
	delete(s.tables.committed, sk)
	delete(s.tables.changed, sk)
	s.tables.status[sk] = st.Clear(Dirty)
	typ, account := s.tables.typ[sk], s.tables.accountID[sk]
	s.tables.mu.Unlock()

	s.unpend(s.pendingUpdate, AccountType{account, typ}, sk)
	s.emitTypeChange(sk)
}

func (s *Store) maybeAutoCommit() {
	if !s.opts.autoCommit() {
		return
	}
	s.loop.EnqueueOnce(runloop.Middle, "commitChanges", func() {
		s.CommitChanges(nil)
	})
}

func (s *Store) markPending(set map[AccountType]map[StoreKey]bool, at AccountType, sk StoreKey) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	m := set[at]
	if m == nil {
		m = make(map[StoreKey]bool)
		set[at] = m
	}
	m[sk] = true
}

func (s *Store) unpend(set map[AccountType]map[StoreKey]bool, at AccountType, sk StoreKey) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	delete(set[at], sk)
}

// ---- fetch plumbing ----

func (s *Store) fetchRecord(sk StoreKey) {
	if s.source == nil {
		return
	}
	s.tables.mu.Lock()
	st := s.tables.status[sk]
	if st.Is(Loading) {
		s.tables.mu.Unlock()
		return
	}
	s.tables.status[sk] = st.Set(Loading)
	typ, account := s.tables.typ[sk], s.tables.accountID[sk]
	s.tables.mu.Unlock()

	id, _ := s.interner.lookupID(sk)
	s.source.FetchRecord(account, typ, id, func(err error) {
		s.loop.Dispatch(func() {
			s.tables.mu.Lock()
			cur := s.tables.status[sk]
			s.tables.status[sk] = cur.Clear(Loading)
			s.tables.mu.Unlock()
			s.settleWaiters(sk, s.getStatus(sk))
		})
	})
}

func (s *Store) fetchAll(account AccountID, typ TypeName, sinceState string) {
	if s.source == nil {
		return
	}
	at := AccountType{account, typ}
	s.tables.mu.Lock()
	s.tables.typeStatus[at] = s.tables.typeStatus[at].Set(Loading)
	s.tables.mu.Unlock()

	s.source.FetchAllRecords(account, typ, sinceState, func(err error) {
		s.loop.Dispatch(func() {
			s.checkServerState(account, typ)
		})
	})
}

func (s *Store) awaitSettled(sk StoreKey, opts ResultOptions, ch chan Status) {
	st := s.getStatus(sk)
	if !st.Is(Loading | Committing) {
		ch <- st
		return
	}
	s.waitersMu.Lock()
	s.waiters[sk] = append(s.waiters[sk], waiter{opts: opts, ch: ch})
	s.waitersMu.Unlock()
}

func (s *Store) settleWaiters(sk StoreKey, st Status) {
	if st.Is(Loading | Committing) {
		return
	}
	s.waitersMu.Lock()
	ws := s.waiters[sk]
	delete(s.waiters, sk)
	s.waitersMu.Unlock()
	for _, w := range ws {
		w.ch <- st
	}
}
