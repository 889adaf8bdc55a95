package node

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// codecName is the gRPC content subtype for replication messages. Messages
// are plain structs encoded in protobuf wire format by hand, so the service
// needs no generated code.
const codecName = "kvwire"

func init() {
	encoding.RegisterCodec(wireCodec{})
}

type wireMessage interface {
	appendWire(b []byte) []byte
	consumeWire(b []byte) error
}

type wireCodec struct{}

func (wireCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("kvwire: cannot marshal %T", v)
	}
	return m.appendWire(nil), nil
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("kvwire: cannot unmarshal into %T", v)
	}
	return m.consumeWire(data)
}

func (wireCodec) Name() string {
	return codecName
}

// ReplicateRequest carries one write intent from the leader to a follower.
type ReplicateRequest struct {
	Key       string
	Value     string
	Seq       uint64
	RequestID string
	LeaderID  string
}

// ReplicateResponse reports whether the follower applied the intent.
type ReplicateResponse struct {
	Applied bool
}

// SnapshotRequest asks a follower for its full store.
type SnapshotRequest struct{}

// SnapshotEntry is one key of a snapshot.
type SnapshotEntry struct {
	Key   string
	Value string
	Seq   uint64
}

// SnapshotResponse lists every entry sorted by key.
type SnapshotResponse struct {
	Entries []SnapshotEntry
}

// HealthRequest probes a node.
type HealthRequest struct{}

// HealthResponse describes a node. Incarnation changes on every restart.
type HealthResponse struct {
	NodeID      string
	Role        string
	Incarnation uint64
	LastSeq     uint64
	Keys        uint64
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// consumeFields walks every field in b. fn returns the number of bytes it
// consumed, or 0 to skip a field it does not know.
func consumeFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

var errWireType = errors.New("unexpected wire type")

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func (m *ReplicateRequest) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.Key)
	b = appendString(b, 2, m.Value)
	b = appendVarint(b, 3, m.Seq)
	b = appendString(b, 4, m.RequestID)
	b = appendString(b, 5, m.LeaderID)
	return b
}

func (m *ReplicateRequest) consumeWire(b []byte) error {
	*m = ReplicateRequest{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Key)
		case 2:
			return consumeString(typ, b, &m.Value)
		case 3:
			return consumeVarint(typ, b, &m.Seq)
		case 4:
			return consumeString(typ, b, &m.RequestID)
		case 5:
			return consumeString(typ, b, &m.LeaderID)
		}
		return 0, nil
	})
}

func (m *ReplicateResponse) appendWire(b []byte) []byte {
	return appendVarint(b, 1, protowire.EncodeBool(m.Applied))
}

func (m *ReplicateResponse) consumeWire(b []byte) error {
	*m = ReplicateResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			var v uint64
			n, err := consumeVarint(typ, b, &v)
			m.Applied = protowire.DecodeBool(v)
			return n, err
		}
		return 0, nil
	})
}

func (m *SnapshotRequest) appendWire(b []byte) []byte { return b }

func (m *SnapshotRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

func (e *SnapshotEntry) appendWire(b []byte) []byte {
	b = appendString(b, 1, e.Key)
	b = appendString(b, 2, e.Value)
	b = appendVarint(b, 3, e.Seq)
	return b
}

func (e *SnapshotEntry) consumeWire(b []byte) error {
	*e = SnapshotEntry{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &e.Key)
		case 2:
			return consumeString(typ, b, &e.Value)
		case 3:
			return consumeVarint(typ, b, &e.Seq)
		}
		return 0, nil
	})
}

func (m *SnapshotResponse) appendWire(b []byte) []byte {
	for i := range m.Entries {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Entries[i].appendWire(nil))
	}
	return b
}

func (m *SnapshotResponse) consumeWire(b []byte) error {
	*m = SnapshotResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		if typ != protowire.BytesType {
			return 0, errWireType
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		var e SnapshotEntry
		if err := e.consumeWire(raw); err != nil {
			return 0, err
		}
		m.Entries = append(m.Entries, e)
		return n, nil
	})
}

func (m *HealthRequest) appendWire(b []byte) []byte { return b }

func (m *HealthRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

func (m *HealthResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.NodeID)
	b = appendString(b, 2, m.Role)
	b = appendVarint(b, 3, m.Incarnation)
	b = appendVarint(b, 4, m.LastSeq)
	b = appendVarint(b, 5, m.Keys)
	return b
}

func (m *HealthResponse) consumeWire(b []byte) error {
	*m = HealthResponse{}
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.NodeID)
		case 2:
			return consumeString(typ, b, &m.Role)
		case 3:
			return consumeVarint(typ, b, &m.Incarnation)
		case 4:
			return consumeVarint(typ, b, &m.LastSeq)
		case 5:
			return consumeVarint(typ, b, &m.Keys)
		}
		return 0, nil
	})
}
