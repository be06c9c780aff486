package store

// The SourceDid*/SourceCouldNot* family is the other half of the Source
// contract (spec §4.2's callback table): a Source calls these once it has
// an answer for a request the Store issued. Every one of them runs on
// whatever goroutine the Source calls from and must therefore go through
// s.loop.Dispatch before touching tables — callers are expected to wrap
// these in Dispatch themselves (mirrors fetchRecord/fetchAll's own done
// callbacks).

// SourceDidCommitCreate binds the id the source assigned to sk, merges any
// server-computed fields back in, and clears NEW|DIRTY|COMMITTING.
func (s *Store) SourceDidCommitCreate(account AccountID, typ TypeName, sk StoreKey, id RecordID, serverData map[string]any) {
	s.interner.assignID(sk, account, typ, id)

	s.tables.mu.Lock()
	st := s.tables.status[sk]
	s.tables.status[sk] = st.Clear(StatusNew | Dirty | Committing)
	data := s.tables.data[sk]
	if data == nil {
		data = make(map[string]any)
	}
	for k, v := range serverData {
		data[k] = v
	}
	s.tables.data[sk] = data
	delete(s.tables.committed, sk)
	delete(s.tables.changed, sk)
	s.tables.mu.Unlock()

	s.settleWaiters(sk, s.getStatus(sk))
	s.emitTypeChange(sk)
}

// SourceDidNotCreate reports a create failure. A transient failure simply
// re-queues sk for the next commit; a permanent one discards the record
// outright (there was never a server copy to fall back to) unless the
// caller calls CommitError.PreventDefault from a record:commit:error
// handler (spec §7).
func (s *Store) SourceDidNotCreate(account AccountID, typ TypeName, sk StoreKey, errs []error, permanent bool) {
	s.tables.mu.Lock()
	s.tables.status[sk] = s.tables.status[sk].Clear(Committing)
	s.tables.mu.Unlock()

	ce := &CommitError{StoreKey: sk, Operation: "create", Permanent: permanent, Errors: errs}
	s.bus.Emit(TopicRecordCommitError, ce)

	if !permanent {
		s.markPending(s.pendingCreate, AccountType{account, typ}, sk)
		return
	}
	if ce.prevented {
		return
	}
	s.unpend(s.pendingCreate, AccountType{account, typ}, sk)
	s.unloadRecord(sk)
	s.emitTypeChange(sk)
}

// SourceDidCommitUpdate merges any server-computed fields back in and
// clears COMMITTING, dropping the rollback snapshot now that the commit
// has settled.
func (s *Store) SourceDidCommitUpdate(account AccountID, typ TypeName, sk StoreKey, serverData map[string]any) {
	s.tables.mu.Lock()
	st := s.tables.status[sk]
	s.tables.status[sk] = st.Clear(Committing)
	data := s.tables.data[sk]
	if data == nil {
		data = make(map[string]any)
	}
	for k, v := range serverData {
		data[k] = v
	}
	s.tables.data[sk] = data
	delete(s.tables.rollback, sk)
	s.tables.mu.Unlock()

	s.settleWaiters(sk, s.getStatus(sk))
	s.emitTypeChange(sk)
}

// SourceDidNotUpdate reports an update failure. Transient failures (and
// permanent ones a handler prevents the default for) restore the pending
// edit so it can be retried; an unprevented permanent failure reverts the
// record to its rollback snapshot (spec §7 "revert on permanent error").
func (s *Store) SourceDidNotUpdate(account AccountID, typ TypeName, sk StoreKey, errs []error, permanent bool) {
	s.tables.mu.Lock()
	st := s.tables.status[sk].Clear(Committing)
	rollback := s.tables.rollback[sk]
	s.tables.mu.Unlock()

	ce := &CommitError{StoreKey: sk, Operation: "update", Permanent: permanent, Errors: errs}
	s.bus.Emit(TopicRecordCommitError, ce)

	if !permanent || ce.prevented {
		s.tables.mu.Lock()
		s.tables.status[sk] = st.Set(Dirty)
		s.tables.committed[sk] = rollback
		delete(s.tables.rollback, sk)
		s.tables.mu.Unlock()
		if !permanent {
			s.markPending(s.pendingUpdate, AccountType{account, typ}, sk)
		}
		return
	}

	s.tables.mu.Lock()
	s.tables.data[sk] = cloneData(rollback)
	delete(s.tables.committed, sk)
	delete(s.tables.changed, sk)
	delete(s.tables.rollback, sk)
	s.tables.status[sk] = st.Clear(Dirty)
	s.tables.mu.Unlock()
	s.emitTypeChange(sk)
}

// SourceDidCommitDestroy clears the record's in-memory footprint once the
// source confirms the destroy, leaving only its DESTROYED core status (the
// id<->storeKey mapping stays intact in the interner so a stray reference
// still resolves rather than minting a fresh token).
func (s *Store) SourceDidCommitDestroy(account AccountID, typ TypeName, sk StoreKey) {
	s.tables.mu.Lock()
	st := s.tables.status[sk]
	s.tables.status[sk] = st.Clear(Committing)
	delete(s.tables.data, sk)
	delete(s.tables.changed, sk)
	delete(s.tables.committed, sk)
	delete(s.tables.rollback, sk)
	s.tables.mu.Unlock()

	s.settleWaiters(sk, s.getStatus(sk))
	s.emitTypeChange(sk)
}

// SourceDidNotDestroy reports a destroy failure. Transient failures (and
// prevented permanent ones) re-queue the destroy; an unprevented permanent
// failure restores the record to READY so the caller can decide what to
// do next.
func (s *Store) SourceDidNotDestroy(account AccountID, typ TypeName, sk StoreKey, errs []error, permanent bool) {
	s.tables.mu.Lock()
	st := s.tables.status[sk].Clear(Committing)
	s.tables.mu.Unlock()

	ce := &CommitError{StoreKey: sk, Operation: "destroy", Permanent: permanent, Errors: errs}
	s.bus.Emit(TopicRecordCommitError, ce)

	if !permanent || ce.prevented {
		s.tables.mu.Lock()
		s.tables.status[sk] = st
		s.tables.mu.Unlock()
		if !permanent {
			s.markPending(s.pendingDestroy, AccountType{account, typ}, sk)
		}
		return
	}

	s.tables.mu.Lock()
	s.tables.status[sk] = st.WithCore(Ready)
	s.tables.mu.Unlock()
	s.emitTypeChange(sk)
}

// SourceDidFetchRecords delivers the result of FetchRecord/FetchAllRecords/
// RefreshRecord: each record is stored, marked READY, and any waiters on
// it are settled (spec §4.2 table). When isAll is true, records is the
// complete result of a FetchAllRecords for (account, typ): any storeKey
// previously READY under that exact account and absent from records is
// now known to have been destroyed remotely. The check is scoped to
// account, not just typ — a mixed-account fetch must never destroy
// records belonging to a different account of the same type (spec §9
// Open Question). state, if non-empty, is then merged into
// clientState/serverState the same way checkServerState reconciles them,
// and clears the type-level LOADING bit fetchAll set.
func (s *Store) SourceDidFetchRecords(account AccountID, typ TypeName, records []FetchedRecord, state string, isAll bool) {
	seen := make(map[RecordID]bool, len(records))
	for _, r := range records {
		seen[r.ID] = true
		sk := s.GetStoreKey(account, typ, r.ID)
		s.tables.mu.Lock()
		st := s.tables.status[sk]
		s.tables.status[sk] = st.WithCore(Ready).Clear(Loading | Obsolete)
		s.tables.data[sk] = cloneData(r.Data)
		s.tables.lastAccess[sk] = s.now()
		s.tables.mu.Unlock()
		s.settleWaiters(sk, s.getStatus(sk))
	}

	if isAll {
		s.destroyMissingAfterFullFetch(account, typ, seen)
	}

	at := AccountType{account, typ}
	s.tables.mu.Lock()
	if isAll {
		s.tables.typeStatus[at] = s.tables.typeStatus[at].WithCore(Ready).Clear(Loading)
	}
	if state != "" {
		s.tables.clientState[at] = state
		s.tables.serverState[at] = state
	}
	s.tables.mu.Unlock()

	if state != "" {
		s.bus.Emit(ServerTopic(typ, account), state)
	}
	s.emitTypeChangeFor(typ)
}

// destroyMissingAfterFullFetch scans every storeKey minted for (account,
// typ) and destroys whichever are still READY but were not present in the
// response just upserted by SourceDidFetchRecords(isAll=true).
func (s *Store) destroyMissingAfterFullFetch(account AccountID, typ TypeName, seen map[RecordID]bool) {
	s.tables.mu.RLock()
	var missing []RecordID
	for sk, t := range s.tables.typ {
		if t != typ || s.tables.accountID[sk] != account {
			continue
		}
		if !s.tables.status[sk].Is(Ready) {
			continue
		}
		id, ok := s.interner.lookupID(sk)
		if !ok || seen[id] {
			continue
		}
		missing = append(missing, id)
	}
	s.tables.mu.RUnlock()

	if len(missing) > 0 {
		s.SourceDidDestroyRecords(account, typ, missing)
	}
}

// SourceCouldNotFindRecords marks requested ids NON_EXISTENT (spec §7
// scenario S3): the id was requested but the source has no record of it.
func (s *Store) SourceCouldNotFindRecords(account AccountID, typ TypeName, ids []RecordID) {
	for _, id := range ids {
		sk := s.GetStoreKey(account, typ, id)
		s.tables.mu.Lock()
		st := s.tables.status[sk]
		s.tables.status[sk] = st.WithCore(NonExistent).Clear(Loading)
		s.tables.mu.Unlock()
		s.settleWaiters(sk, s.getStatus(sk))
	}
	s.emitTypeChangeFor(typ)
}

// SourceDidDestroyRecords marks ids DESTROYED in response to a server-side
// (not locally initiated) destroy, typically reached via
// SourceDidFetchUpdates's delta.Destroyed list.
func (s *Store) SourceDidDestroyRecords(account AccountID, typ TypeName, ids []RecordID) {
	at := AccountType{account, typ}
	for _, id := range ids {
		sk := s.GetStoreKey(account, typ, id)
		s.tables.mu.Lock()
		delete(s.tables.data, sk)
		delete(s.tables.changed, sk)
		delete(s.tables.committed, sk)
		delete(s.tables.rollback, sk)
		s.tables.status[sk] = Destroyed
		s.tables.mu.Unlock()

		s.unpend(s.pendingUpdate, at, sk)
		s.unpend(s.pendingDestroy, at, sk)
		s.settleWaiters(sk, Destroyed)
		s.emitTypeChange(sk)
	}
}
