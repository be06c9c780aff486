package store

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// tripleKey is the (account, type, id) tuple a storeKey is minted for.
type tripleKey struct {
	account AccountID
	typ     TypeName
	id      RecordID
}

// interner mints and remembers StoreKey tokens. Like the teacher's
// IdentityIntern, it uses sync.Map for lock-free reads on the hot path
// (looking up an already-minted triple or storeKey) and only takes a lock
// when minting a genuinely new token.
type interner struct {
	mu       sync.Mutex
	byTriple sync.Map // tripleKey -> StoreKey
	byKey    sync.Map // StoreKey -> tripleKey (id may be "" for NEW records)
	seq      atomic.Uint64
}

func newInterner() *interner {
	return &interner{}
}

// keyForID returns the storeKey for a known (account, type, id), minting
// one if this is the first time the triple has been seen.
func (in *interner) keyForID(account AccountID, typ TypeName, id RecordID) StoreKey {
	tk := tripleKey{account, typ, id}
	if v, ok := in.byTriple.Load(tk); ok {
		return v.(StoreKey)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	// Re-check under lock: another goroutine may have minted it first.
	if v, ok := in.byTriple.Load(tk); ok {
		return v.(StoreKey)
	}

	base := xxhash.Sum64String(string(account)+"\x00"+string(typ)+"\x00"+string(id)) >> 1
	sk := StoreKey(base)
	for sk == invalidStoreKey || in.collides(sk, tk) {
		sk = StoreKey(base) + StoreKey(in.seq.Add(1))
	}

	in.byTriple.Store(tk, sk)
	in.byKey.Store(sk, tk)
	return sk
}

// collides reports whether sk is already bound to a different triple.
func (in *interner) collides(sk StoreKey, tk tripleKey) bool {
	v, ok := in.byKey.Load(sk)
	if !ok {
		return false
	}
	return v.(tripleKey) != tk
}

// newKey mints a fresh storeKey for a record that has no id yet (freshly
// constructed, or NEW): the high bit plus a process-wide sequence number.
// Id-derived tokens keep the high bit clear, so the two schemes never
// collide.
func (in *interner) newKey(account AccountID, typ TypeName) StoreKey {
	const newKeyBit = StoreKey(1) << 63
	n := in.seq.Add(1)
	sk := newKeyBit | StoreKey(n)
	in.byKey.Store(sk, tripleKey{account: account, typ: typ})
	return sk
}

// assignID binds an id to a storeKey that was minted without one (the
// server has just confirmed creation). It leaves the storeKey's numeric
// value unchanged: per invariant 1 a storeKey's (type, account) never
// changes, and assigning an id on creation is not a move.
func (in *interner) assignID(sk StoreKey, account AccountID, typ TypeName, id RecordID) {
	tk := tripleKey{account, typ, id}
	in.byKey.Store(sk, tk)
	in.byTriple.Store(tk, sk)
}

// lookup returns the triple a storeKey was minted for, if any.
func (in *interner) lookup(sk StoreKey) (tripleKey, bool) {
	v, ok := in.byKey.Load(sk)
	if !ok {
		return tripleKey{}, false
	}
	return v.(tripleKey), true
}

// lookupID returns the id currently bound to sk, if the id↔sk mapping is
// still intact (it survives unload — see store/unload.go).
func (in *interner) lookupID(sk StoreKey) (RecordID, bool) {
	tk, ok := in.lookup(sk)
	if !ok || tk.id == "" {
		return "", false
	}
	return tk.id, true
}

// forget removes the (account,type,id) -> storeKey entry only, leaving the
// storeKey -> triple mapping in place. Nothing in the store calls it;
// SourceDidDestroyRecords keeps both mappings.
func (in *interner) forget(tk tripleKey) {
	in.byTriple.Delete(tk)
}
