package store

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeRecordData marshals a record's data map into the protobuf wire
// format via the well-known Struct type, the representation a concrete
// Source implementation (out of this module's scope, per spec §6.1) would
// put on the wire instead of reflection-driven JSON on the hot commit path
// — mirrors bringyour.com/protocol's practice of defining wire messages
// separately from in-memory types.
func EncodeRecordData(data map[string]any) ([]byte, error) {
	st, err := structpb.NewStruct(data)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

// DecodeRecordData reverses EncodeRecordData.
func DecodeRecordData(raw []byte) (map[string]any, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(raw, st); err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}

// EncodeChangeEntry renders a ChangeEntry's create/update payload as a
// list of wire-encoded record blobs, keyed by storeKey, leaving
// MoveFromAccount/Destroy (which carry no free-form data map) untouched.
func EncodeChangeEntry(entry *ChangeEntry) (map[StoreKey][]byte, error) {
	out := make(map[StoreKey][]byte)
	if entry.Create != nil {
		for sk, data := range entry.Create.Records {
			raw, err := EncodeRecordData(data)
			if err != nil {
				return nil, err
			}
			out[sk] = raw
		}
	}
	if entry.Update != nil {
		for sk, data := range entry.Update.Records {
			raw, err := EncodeRecordData(data)
			if err != nil {
				return nil, err
			}
			out[sk] = raw
		}
	}
	return out, nil
}
