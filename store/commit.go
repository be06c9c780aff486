package store

// CommitChanges partitions pending local mutations into per-(type,account)
// change entries and hands them to the Source (spec §4.2). A nil only
// commits every (type,account) pair with pending work; passing specific
// AccountType values restricts the commit to those pairs. A (type,
// account) pair already COMMITTING is left for the next call — at most
// one commit per storeKey (and, transitively, per type-account pair) is
// ever in flight (invariant 5).
func (s *Store) CommitChanges(only []AccountType) {
	s.bus.Emit(TopicWillCommit, nil)

	targets := s.pendingAccountTypes(only)
	if len(targets) == 0 {
		return
	}

	entries := make(map[AccountType]*ChangeEntry, len(targets))
	for _, at := range targets {
		if entry := s.buildChangeEntry(at); entry != nil {
			entries[at] = entry
		}
	}
	if len(entries) == 0 {
		return
	}

	s.commitMu.Lock()
	for at := range entries {
		s.committing[at] = true
	}
	s.commitMu.Unlock()

	s.tables.mu.Lock()
	for at := range entries {
		s.tables.typeStatus[at] = s.tables.typeStatus[at].Set(Committing)
	}
	s.tables.mu.Unlock()

	if s.source == nil {
		// Nothing to hand the commit to — undo the in-flight marker so a
		// later SetSource + CommitChanges can retry.
		s.commitMu.Lock()
		for at := range entries {
			delete(s.committing, at)
		}
		s.commitMu.Unlock()
		return
	}

	s.source.CommitChanges(entries, func() {
		s.loop.Dispatch(func() { s.finishCommit(entries) })
	})
}

func (s *Store) finishCommit(entries map[AccountType]*ChangeEntry) {
	s.commitMu.Lock()
	for at := range entries {
		delete(s.committing, at)
	}
	s.commitMu.Unlock()

	s.tables.mu.Lock()
	for at := range entries {
		s.tables.typeStatus[at] = s.tables.typeStatus[at].Clear(Committing)
	}
	s.tables.mu.Unlock()

	s.bus.Emit(TopicDidCommit, nil)
	for at := range entries {
		s.checkServerState(at.Account, at.Type)
	}

	if s.opts.autoCommit() && s.hasPendingAnywhere() {
		s.CommitChanges(nil)
	}
}

func (s *Store) hasPendingAnywhere() bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pendingCreate) > 0 || len(s.pendingUpdate) > 0 || len(s.pendingDestroy) > 0
}

func (s *Store) pendingAccountTypes(only []AccountType) []AccountType {
	s.pendingMu.Lock()
	seen := make(map[AccountType]bool)
	for at := range s.pendingCreate {
		seen[at] = true
	}
	for at := range s.pendingUpdate {
		seen[at] = true
	}
	for at := range s.pendingDestroy {
		seen[at] = true
	}
	s.pendingMu.Unlock()

	var allow map[AccountType]bool
	if only != nil {
		allow = make(map[AccountType]bool, len(only))
		for _, at := range only {
			allow[at] = true
		}
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	var out []AccountType
	for at := range seen {
		if allow != nil && !allow[at] {
			continue
		}
		if s.committing[at] {
			continue
		}
		out = append(out, at)
	}
	return out
}

// buildChangeEntry drains the pending sets for at and builds the
// ChangeEntry the Source will receive, or nil if nothing survives
// filtering (e.g. every pending update turned out to have no syncable
// changes).
func (s *Store) buildChangeEntry(at AccountType) *ChangeEntry {
	s.pendingMu.Lock()
	createSKs := takeKeys(s.pendingCreate, at)
	updateSKs := takeKeys(s.pendingUpdate, at)
	destroySKs := takeKeys(s.pendingDestroy, at)
	s.pendingMu.Unlock()

	t := s.types[at.Type]
	entry := &ChangeEntry{State: s.GetTypeState(at.Account, at.Type)}

	create, moves := s.partitionCreates(t, createSKs)
	if len(create.StoreKeys) > 0 {
		entry.Create = create
	}
	if len(moves) > 0 {
		entry.MoveFromAccount = moves
	}

	if update := s.partitionUpdates(t, updateSKs); len(update.StoreKeys) > 0 {
		entry.Update = update
	}

	if destroy := s.partitionDestroys(destroySKs); len(destroy.StoreKeys) > 0 {
		entry.Destroy = destroy
	}

	if entry.Create == nil && entry.Update == nil && entry.MoveFromAccount == nil && entry.Destroy == nil {
		return nil
	}
	return entry
}

func (s *Store) partitionCreates(t *Type, sks []StoreKey) (*CreateBatch, map[AccountID]*MoveBatch) {
	create := &CreateBatch{Records: map[StoreKey]map[string]any{}}
	moves := map[AccountID]*MoveBatch{}

	for _, sk := range sks {
		s.tables.mu.Lock()
		origin, isMove := s.tables.createdFrom[sk]
		data := cloneData(s.tables.data[sk])
		s.tables.status[sk] = s.tables.status[sk].Set(Committing)
		s.tables.mu.Unlock()

		egress := s.translateRefsToIDs(t, data)

		if isMove {
			fromAccount := s.getAccountIdFromStoreKey(origin)
			mb := moves[fromAccount]
			if mb == nil {
				mb = &MoveBatch{
					CopyFromIDs: map[StoreKey]RecordID{},
					Records:     map[StoreKey]map[string]any{},
					Changes:     map[StoreKey]map[string]any{},
				}
				moves[fromAccount] = mb
			}
			mb.StoreKeys = append(mb.StoreKeys, sk)
			mb.Records[sk] = egress
			if id, ok := s.interner.lookupID(origin); ok {
				mb.CopyFromIDs[sk] = id
			}
			mb.Changes[sk] = diffData(s.getData(origin), egress)
			continue
		}

		filtered := egress
		if t != nil {
			filtered = filterKeys(egress, t.ClientSettable())
		}
		create.StoreKeys = append(create.StoreKeys, sk)
		create.Records[sk] = filtered
	}
	return create, moves
}

func (s *Store) partitionUpdates(t *Type, sks []StoreKey) *UpdateBatch {
	batch := &UpdateBatch{
		Records:   map[StoreKey]map[string]any{},
		Committed: map[StoreKey]map[string]any{},
		Changes:   map[StoreKey]map[string]bool{},
	}

	for _, sk := range sks {
		s.tables.mu.Lock()
		changed := filterNoSync(t, s.tables.changed[sk])
		if len(changed) == 0 {
			delete(s.tables.changed, sk)
			s.tables.status[sk] = s.tables.status[sk].Clear(Dirty)
			s.tables.mu.Unlock()
			continue
		}

		data := cloneData(s.tables.data[sk])
		committed := s.tables.committed[sk]
		s.tables.rollback[sk] = committed
		delete(s.tables.committed, sk)
		s.tables.status[sk] = s.tables.status[sk].Set(Committing).Clear(Dirty)
		s.tables.mu.Unlock()

		egress := s.translateRefsToIDs(t, data)
		batch.StoreKeys = append(batch.StoreKeys, sk)
		batch.Records[sk] = egress
		batch.Committed[sk] = committed
		batch.Changes[sk] = changed
	}
	return batch
}

func (s *Store) partitionDestroys(sks []StoreKey) *DestroyBatch {
	batch := &DestroyBatch{}
	for _, sk := range sks {
		s.tables.mu.Lock()
		if target, ok := s.tables.destroyedTo[sk]; ok {
			if origin, ok2 := s.tables.createdFrom[target]; ok2 && origin == sk {
				// Already accounted for via moveRecord's MoveBatch.
				s.tables.mu.Unlock()
				continue
			}
		}
		s.tables.status[sk] = s.tables.status[sk].Set(Committing)
		s.tables.mu.Unlock()

		batch.StoreKeys = append(batch.StoreKeys, sk)
		if id, ok := s.interner.lookupID(sk); ok {
			batch.IDs = append(batch.IDs, id)
		}
	}
	return batch
}

// translateRefsToIDs converts a to-one/to-many attribute's storeKey
// value(s) to ids at the source boundary (Design Notes: "Foreign-key
// translation"). Attributes whose referenced record has no id yet
// (itself still NEW) are omitted — the Source cannot represent a
// reference to a record that doesn't exist on the wire yet.
func (s *Store) translateRefsToIDs(t *Type, data map[string]any) map[string]any {
	if t == nil || len(t.References()) == 0 {
		return data
	}
	out := cloneData(data)
	for _, ref := range t.References() {
		key := ref.propertyKey()
		switch ref.Kind {
		case KindToOne:
			if sk, ok := out[key].(StoreKey); ok {
				if id, ok := s.interner.lookupID(sk); ok {
					out[key] = id
				} else {
					delete(out, key)
				}
			}
		case KindToManyList, KindToManySet:
			if sks, ok := out[key].([]StoreKey); ok {
				ids := make([]RecordID, 0, len(sks))
				for _, sk := range sks {
					if id, ok := s.interner.lookupID(sk); ok {
						ids = append(ids, id)
					}
				}
				out[key] = ids
			}
		}
	}
	return out
}

func takeKeys(set map[AccountType]map[StoreKey]bool, at AccountType) []StoreKey {
	m := set[at]
	delete(set, at)
	out := make([]StoreKey, 0, len(m))
	for sk := range m {
		out = append(out, sk)
	}
	return out
}

func filterKeys(data map[string]any, allow []string) map[string]any {
	allowed := make(map[string]bool, len(allow))
	for _, k := range allow {
		allowed[k] = true
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if allowed[k] {
			out[k] = v
		}
	}
	return out
}

func filterNoSync(t *Type, changed map[string]bool) map[string]bool {
	if len(changed) == 0 {
		return nil
	}
	if t == nil {
		return cloneChanged(changed)
	}
	out := make(map[string]bool, len(changed))
	for k := range changed {
		if a, ok := t.Attribute(k); ok && a.NoSync {
			continue
		}
		out[k] = true
	}
	return out
}

func diffData(a, b map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range b {
		if !valuesEqual(a[k], v) {
			out[k] = v
		}
	}
	return out
}
