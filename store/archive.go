package store

import (
	"encoding/json"

	"github.com/golang/snappy"
)

// archiveSnapshot preserves data as a snappy-compressed JSON blob, keyed by
// sk, so the data a storeKey held just before UnloadRecord survives for
// diagnostics. Grounded on the teacher's reliance on snappy (transitively,
// via badger's value log) to keep retained historical values cheap.
func (s *Store) archiveSnapshot(sk StoreKey, data map[string]any) {
	if len(data) == 0 {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	compressed := snappy.Encode(nil, raw)
	s.tables.mu.Lock()
	s.tables.archived[sk] = compressed
	s.tables.mu.Unlock()
}

// LastKnownGood decompresses and returns sk's most recently archived
// snapshot, or nil if sk was never unloaded (and so never archived).
func (s *Store) LastKnownGood(sk StoreKey) map[string]any {
	s.tables.mu.RLock()
	blob := s.tables.archived[sk]
	s.tables.mu.RUnlock()
	if len(blob) == 0 {
		return nil
	}
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil
	}
	return data
}
