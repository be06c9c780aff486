package store

import "fmt"

// Record is a thin polymorphic facade bound to (store, storeKey). Reads
// proxy to store.getData(sk)[attr]; writes go via store.updateData. A
// pre-commit Record (no storeKey yet) holds its own data buffer until
// SaveToStore migrates it into the store (spec §4.1).
type Record struct {
	store *Store
	sk    StoreKey
	typ   TypeName

	// Pre-commit buffer. Only populated while sk == invalidStoreKey.
	account AccountID
	pending map[string]any

	errors map[string]*ValidationError
}

// NewRecord constructs an unsaved Record of typ in account, seeded with
// data. Call SaveToStore to migrate it into the store.
func NewRecord(typ TypeName, account AccountID, data map[string]any) *Record {
	return &Record{
		typ:     typ,
		account: account,
		pending: cloneData(data),
	}
}

// Is tests any bit in the record's current status.
func (r *Record) Is(mask Status) bool {
	return r.Status().Is(mask)
}

// Status returns the record's current status. A pre-commit record is
// always EMPTY.
func (r *Record) Status() Status {
	if r.sk == invalidStoreKey {
		return Empty
	}
	return r.store.getStatus(r.sk)
}

// StoreKey returns the record's storeKey, or invalidStoreKey if it has
// not yet been saved.
func (r *Record) StoreKey() StoreKey { return r.sk }

// Get reads an attribute's current value.
func (r *Record) Get(key string) any {
	if r.sk == invalidStoreKey {
		return r.pending[key]
	}
	return r.store.getData(r.sk)[key]
}

// Set writes an attribute's value, marking it dirty (spec §4.1: "writes
// go via store.updateData(sk, {attr:v}, true)").
func (r *Record) Set(key string, value any) error {
	if a, ok := r.typeDescriptor(); ok {
		if attr, ok := a.Attribute(key); ok && attr.Validate != nil {
			if verr := attr.Validate(value, key, r); verr != nil {
				if r.errors == nil {
					r.errors = make(map[string]*ValidationError)
				}
				r.errors[key] = verr
			} else if r.errors != nil {
				delete(r.errors, key)
			}
		}
	}
	if r.sk == invalidStoreKey {
		if r.pending == nil {
			r.pending = make(map[string]any)
		}
		r.pending[key] = value
		return nil
	}
	return r.store.updateData(r.sk, map[string]any{key: value}, true)
}

func (r *Record) typeDescriptor() (*Type, bool) {
	if r.store == nil {
		return nil, false
	}
	t, ok := r.store.types[r.typ]
	return t, ok
}

// ErrorForAttribute returns the last validation error recorded for key,
// or nil if the attribute is currently valid.
func (r *Record) ErrorForAttribute(key string) *ValidationError {
	if r.errors == nil {
		return nil
	}
	return r.errors[key]
}

// IsValid reports whether every attribute currently passes validation.
func (r *Record) IsValid() bool {
	return len(r.errors) == 0
}

// SaveToStore migrates a pre-commit record into store, filling in
// defaults for any attribute missing from its pending buffer, and
// transitions it to READY|NEW|DIRTY. It fails if the record already has a
// storeKey.
func (r *Record) SaveToStore(s *Store) error {
	if r.sk != invalidStoreKey {
		s.diagnostics().report("create existing", r.sk)
		return fmt.Errorf("record already saved: %v", r.sk)
	}
	data := r.pending
	if t, ok := s.types[r.typ]; ok {
		defaults := t.Defaults()
		for k, v := range data {
			defaults[k] = v
		}
		data = defaults
	}
	sk := s.createRecord(r.typ, r.account, data)
	r.sk = sk
	r.pending = nil
	r.store = s
	s.tables.mu.Lock()
	s.tables.record[sk] = r
	s.tables.mu.Unlock()
	s.bus.Emit(TopicRecordUserCreate, sk)
	return nil
}

// DiscardChanges reverts local edits. If the record is READY|NEW|DIRTY it
// is destroyed outright (there is no server copy to revert to); otherwise
// its data is reverted to the last committed snapshot.
func (r *Record) DiscardChanges() {
	if r.sk == invalidStoreKey {
		r.pending = nil
		return
	}
	r.store.discardChanges(r.sk)
}

// Fetch requests a (re)fetch of this record. No-op on NEW, DESTROYED, or
// NON_EXISTENT records.
func (r *Record) Fetch() {
	if r.sk == invalidStoreKey {
		return
	}
	st := r.Status()
	if st.Is(StatusNew | Destroyed | NonExistent) {
		return
	}
	r.store.fetchRecord(r.sk)
}

// Destroy delegates to Store.DestroyRecord if the record is editable.
func (r *Record) Destroy() {
	if r.sk == invalidStoreKey || !r.Status().Editable() {
		return
	}
	r.store.bus.Emit(TopicRecordUserDestroy, r.sk)
	r.store.destroyRecord(r.sk)
}

// Clone deep-copies this record's syncable attributes into a new record in
// target, translating cross-store references via target's doppelganger
// lookup (spec §4.1).
func (r *Record) Clone(target *Store) *Record {
	data := cloneData(r.store.getData(r.sk))
	t, ok := r.store.types[r.typ]
	if ok {
		for _, a := range t.Attributes {
			if a.NoSync {
				delete(data, a.propertyKey())
			}
		}
		for _, ref := range t.References() {
			key := ref.propertyKey()
			switch v := data[key].(type) {
			case StoreKey:
				data[key] = target.getDoppelganger(r.store, v)
			case []StoreKey:
				out := make([]StoreKey, len(v))
				for i, sk := range v {
					out[i] = target.getDoppelganger(r.store, sk)
				}
				data[key] = out
			}
		}
	}
	return NewRecord(r.typ, r.store.getAccountIdFromStoreKey(r.sk), data)
}

// Result is the future returned by GetResult/IfSuccess/IfLoaded. It
// resolves on the next decisive (non-LOADING/non-COMMITTING) status
// transition.
type Result struct {
	ch chan Status
}

// Wait blocks until the result resolves and returns the resolved status.
func (res *Result) Wait() Status {
	return <-res.ch
}

// ResultOptions configures GetResult/IfSuccess/IfLoaded.
type ResultOptions struct {
	// HandledErrorTypes lists permanent-commit-error kinds the caller will
	// handle itself. The store does not read this field: the default
	// commit-error handling runs whatever it contains.
	HandledErrorTypes []string
}

// GetResult returns a Result that resolves the next time this record's
// status leaves LOADING/COMMITTING.
func (r *Record) GetResult(opts ResultOptions) *Result {
	res := &Result{ch: make(chan Status, 1)}
	if r.sk == invalidStoreKey {
		res.ch <- r.Status()
		return res
	}
	r.store.awaitSettled(r.sk, opts, res.ch)
	return res
}

// IfSuccess resolves exactly like GetResult: it delivers the settled
// status unfiltered, DESTROYED and NON_EXISTENT included.
func (r *Record) IfSuccess(opts ResultOptions) *Result {
	return r.GetResult(opts)
}

// IfLoaded resolves exactly like GetResult: it delivers the settled
// status whether or not it includes READY.
func (r *Record) IfLoaded(opts ResultOptions) *Result {
	return r.GetResult(opts)
}
