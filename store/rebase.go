package store

import "reflect"

// SourceDidFetchPartialRecords merges per-record patches. A record that is
// COMMITTING is marked for re-fetch once its commit settles rather than
// mutated now (its rollback snapshot is in flight and must not be
// disturbed); a DIRTY record goes through the rebase policy; anything
// else takes the patch directly (spec §4.2 table).
func (s *Store) SourceDidFetchPartialRecords(account AccountID, typ TypeName, updates []PartialUpdate) {
	for _, u := range updates {
		sk := s.GetStoreKey(account, typ, u.ID)
		s.applyPartialUpdate(sk, u.Data)
	}
}

func (s *Store) applyPartialUpdate(sk StoreKey, incoming map[string]any) {
	s.tables.mu.Lock()
	st := s.tables.status[sk]

	if st.Is(Committing) {
		s.tables.status[sk] = st.Set(Obsolete)
		s.tables.mu.Unlock()
		return
	}

	if st.Is(Dirty) {
		if s.opts.RebaseConflicts {
			s.rebaseLocked(sk, st, incoming)
		} else {
			s.overwriteLocked(sk, st, incoming)
		}
		s.tables.mu.Unlock()
		s.emitTypeChange(sk)
		return
	}

	data := cloneData(s.tables.data[sk])
	if data == nil {
		data = make(map[string]any)
	}
	for k, v := range incoming {
		data[k] = v
	}
	s.tables.data[sk] = data
	s.tables.mu.Unlock()
	s.emitTypeChange(sk)
}

// rebaseLocked implements spec §4.2 "Rebase policy" (caller holds
// tables.mu). Keys the client changed keep their local value, but their
// dirty marker is recomputed against the new committed baseline; keys the
// client did not touch take the server value outright.
func (s *Store) rebaseLocked(sk StoreKey, st Status, incoming map[string]any) {
	committed := s.tables.committed[sk]
	if committed == nil {
		committed = cloneData(s.tables.data[sk])
	}
	newCommitted := cloneData(committed)
	for k, v := range incoming {
		newCommitted[k] = v
	}

	changed := s.tables.changed[sk]
	data := cloneData(s.tables.data[sk])
	if data == nil {
		data = make(map[string]any)
	}

	newChanged := make(map[string]bool)
	for k := range changed {
		if !valuesEqual(data[k], newCommitted[k]) {
			newChanged[k] = true
		}
	}
	for k, v := range incoming {
		if !changed[k] {
			data[k] = v
		}
	}

	s.tables.data[sk] = data
	if len(newChanged) == 0 {
		delete(s.tables.committed, sk)
		delete(s.tables.changed, sk)
		s.tables.status[sk] = st.Clear(Dirty)
		return
	}
	s.tables.committed[sk] = newCommitted
	s.tables.changed[sk] = newChanged
	s.tables.status[sk] = st.Set(Dirty)
}

// overwriteLocked implements the rebaseConflicts=false half of the
// rebase policy: the server's patch wins outright and the local dirty
// state is discarded (caller holds tables.mu).
func (s *Store) overwriteLocked(sk StoreKey, st Status, incoming map[string]any) {
	data := cloneData(s.tables.data[sk])
	if data == nil {
		data = make(map[string]any)
	}
	for k, v := range incoming {
		data[k] = v
	}
	s.tables.data[sk] = data
	delete(s.tables.committed, sk)
	delete(s.tables.changed, sk)
	s.tables.status[sk] = st.Clear(Dirty)
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
