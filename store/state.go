package store

// sourceStateDidChange records the latest state token the server has
// reported for (account, typ). If the type is currently LOADING or
// COMMITTING, the check is deferred to checkServerState, invoked once
// that clears (spec §4.3).
func (s *Store) SourceStateDidChange(account AccountID, typ TypeName, newState string) {
	at := AccountType{account, typ}
	s.tables.mu.Lock()
	s.tables.serverState[at] = newState
	busy := s.tables.typeStatus[at].Is(Loading | Committing)
	s.tables.mu.Unlock()

	if busy {
		return
	}
	s.checkServerState(account, typ)
}

// SourceCommitDidChangeState sets both clientState and serverState to
// newState after a successful commit that included a server-issued state
// token, and fires the per-type server event. It issues no fetch.
func (s *Store) SourceCommitDidChangeState(account AccountID, typ TypeName, newState string) {
	at := AccountType{account, typ}
	s.tables.mu.Lock()
	s.tables.clientState[at] = newState
	s.tables.serverState[at] = newState
	s.tables.mu.Unlock()
	s.bus.Emit(ServerTopic(typ, account), newState)
}

// checkServerState compares clientState and serverState for (account,
// typ); if they differ and the type is neither LOADING nor COMMITTING, it
// issues a fetchAll with clientState as sinceState and fires the per-type
// server event so remote queries know to refresh (spec §4.3). There is no
// switch for suppressing updates.
func (s *Store) checkServerState(account AccountID, typ TypeName) {
	at := AccountType{account, typ}
	s.tables.mu.RLock()
	client := s.tables.clientState[at]
	server := s.tables.serverState[at]
	busy := s.tables.typeStatus[at].Is(Loading | Committing)
	s.tables.mu.RUnlock()

	if busy || client == server {
		return
	}
	s.fetchAll(account, typ, client)
	s.bus.Emit(ServerTopic(typ, account), server)
}

// SourceDidFetchUpdates applies a delta (changed ids, destroyed ids) for
// (account, typ) when oldState matches our clientState; otherwise it
// defers to SourceStateDidChange (spec §4.2 table).
func (s *Store) SourceDidFetchUpdates(account AccountID, typ TypeName, delta UpdatesDelta) {
	at := AccountType{account, typ}
	s.tables.mu.RLock()
	client := s.tables.clientState[at]
	s.tables.mu.RUnlock()

	if delta.OldState != client {
		s.SourceStateDidChange(account, typ, delta.NewState)
		return
	}

	for _, id := range delta.Changed {
		sk := s.GetStoreKey(account, typ, id)
		s.tables.mu.Lock()
		s.tables.status[sk] = s.tables.status[sk].Set(Obsolete)
		s.tables.mu.Unlock()
	}
	ids := delta.Destroyed
	if len(ids) > 0 {
		s.SourceDidDestroyRecords(account, typ, ids)
	}

	s.tables.mu.Lock()
	s.tables.clientState[at] = delta.NewState
	s.tables.serverState[at] = delta.NewState
	s.tables.mu.Unlock()
	s.emitTypeChangeFor(typ)
}

func (s *Store) emitTypeChangeFor(typ TypeName) {
	s.bus.Emit(TypeTopic(typ), typ)
}
