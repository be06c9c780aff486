package store

// StoreKey is an opaque, process-unique token minted for every (account,
// type, id) tuple the store has ever seen. It is stable for the life of
// the process. Records not yet persisted have a storeKey but no id.
type StoreKey uint64

// AccountID partitions records. Every record belongs to exactly one
// account.
type AccountID string

// RecordID is the source-assigned primary key. It is absent (empty) while
// a record is NEW.
type RecordID string

// TypeName names a record class (schema). It doubles as the map key for
// Store's per-type tables.
type TypeName string

// invalidStoreKey is never minted; zero-value StoreKey means "no key".
const invalidStoreKey StoreKey = 0
