// Package wire defines the records exchanged between blockraft nodes and their protobuf wire encoding.
//
// The messages are plain Go structs encoded field by field with protowire, so the gRPC service can be declared
// without generated code while staying wire compatible with an equivalent .proto definition.
package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"blockraft/internal/chain"
)

// Message is implemented by every record carried by the Consensus service.
type Message interface {
	MarshalWire() ([]byte, error)
	UnmarshalWire(data []byte) error
}

// ReplicateReason explains the outcome of a ReplicateEntry call.
type ReplicateReason uint64

const (
	// ReasonAccepted means the entry was appended or was already present
	ReasonAccepted ReplicateReason = iota
	// ReasonStaleTerm means the leader's term is lower than the responder's
	ReasonStaleTerm
	// ReasonMismatch means the responder has no entry at the previous index with the previous term
	ReasonMismatch
	// ReasonConflict means the responder already holds a different entry at that index
	ReasonConflict
	// ReasonInvalidEntry means the entry does not link to the responder's chain or its hash is broken
	ReasonInvalidEntry
)

func (r ReplicateReason) String() string {
	switch r {
	case ReasonAccepted:
		return "Accepted"
	case ReasonStaleTerm:
		return "StaleTerm"
	case ReasonMismatch:
		return "Mismatch"
	case ReasonConflict:
		return "Conflict"
	case ReasonInvalidEntry:
		return "InvalidEntry"
	default:
		return "Unknown"
	}
}

// HeartbeatRequest is broadcast by the leader on every tick.
type HeartbeatRequest struct {
	LeaderID string
	Term     uint64
}

// HeartbeatResponse reports the responder's term and how far its log reaches, so the leader can spot lagging
// followers.
type HeartbeatResponse struct {
	Term      uint64
	Status    string
	LastIndex uint64
}

// RequestVoteRequest is sent by a candidate to every peer.
type RequestVoteRequest struct {
	CandidateID string
	Term        uint64
}

// RequestVoteResponse carries the vote and the responder's term.
type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

// ClientAppendRequest asks a node to add data to the chain.
type ClientAppendRequest struct {
	Data []byte
}

// ClientAppendResponse reports what happened to a client append. Index is set when a block was appended.
type ClientAppendResponse struct {
	Status string
	Index  uint64
}

// LeaderAppendRequest is a client payload forwarded by a follower to the leader.
type LeaderAppendRequest struct {
	Data      []byte
	OriginID  string
	RequestID string
}

// LeaderAppendResponse reports the block appended by the leader.
type LeaderAppendResponse struct {
	Status string
	Index  uint64
}

// ReplicateEntryRequest ships a single block from the leader to a follower together with the coordinates of the
// block that must precede it.
type ReplicateEntryRequest struct {
	Term               uint64
	LeaderID           string
	PreviousEntryIndex uint64
	PreviousEntryTerm  uint64
	Entry              *chain.Block
}

// ReplicateEntryResponse reports whether the follower holds the entry afterwards.
type ReplicateEntryResponse struct {
	Term      uint64
	Success   bool
	Reason    ReplicateReason
	LastIndex uint64
}

// ReadLogRequest has no fields.
type ReadLogRequest struct{}

// ReadLogResponse carries the full chain of the responder.
type ReadLogResponse struct {
	Blocks []*chain.Block
}

// MarshalWire implements Message.
func (m *HeartbeatRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.LeaderID)
	b = appendVarint(b, 2, m.Term)
	return b, nil
}

// UnmarshalWire implements Message.
func (m *HeartbeatRequest) UnmarshalWire(data []byte) error {
	*m = HeartbeatRequest{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(data, &m.LeaderID)
		case num == 2 && typ == protowire.VarintType:
			return consumeVarint(data, &m.Term)
		}
		return skip
	})
}

// MarshalWire implements Message.
func (m *HeartbeatResponse) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, m.Term)
	b = appendString(b, 2, m.Status)
	b = appendVarint(b, 3, m.LastIndex)
	return b, nil
}

// UnmarshalWire implements Message.
func (m *HeartbeatResponse) UnmarshalWire(data []byte) error {
	*m = HeartbeatResponse{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeVarint(data, &m.Term)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(data, &m.Status)
		case num == 3 && typ == protowire.VarintType:
			return consumeVarint(data, &m.LastIndex)
		}
		return skip
	})
}

// MarshalWire implements Message.
func (m *RequestVoteRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.CandidateID)
	b = appendVarint(b, 2, m.Term)
	return b, nil
}

// UnmarshalWire implements Message.
func (m *RequestVoteRequest) UnmarshalWire(data []byte) error {
	*m = RequestVoteRequest{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(data, &m.CandidateID)
		case num == 2 && typ == protowire.VarintType:
			return consumeVarint(data, &m.Term)
		}
		return skip
	})
}

// MarshalWire implements Message.
func (m *RequestVoteResponse) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, m.Term)
	b = appendBool(b, 2, m.VoteGranted)
	return b, nil
}

// UnmarshalWire implements Message.
func (m *RequestVoteResponse) UnmarshalWire(data []byte) error {
	*m = RequestVoteResponse{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeVarint(data, &m.Term)
		case num == 2 && typ == protowire.VarintType:
			return consumeBool(data, &m.VoteGranted)
		}
		return skip
	})
}

// MarshalWire implements Message.
func (m *ClientAppendRequest) MarshalWire() ([]byte, error) {
	return appendBytes(nil, 1, m.Data), nil
}

// UnmarshalWire implements Message.
func (m *ClientAppendRequest) UnmarshalWire(data []byte) error {
	*m = ClientAppendRequest{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		if num == 1 && typ == protowire.BytesType {
			return consumeBytes(data, &m.Data)
		}
		return skip
	})
}

// MarshalWire implements Message.
func (m *ClientAppendResponse) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Status)
	b = appendVarint(b, 2, m.Index)
	return b, nil
}

// UnmarshalWire implements Message.
func (m *ClientAppendResponse) UnmarshalWire(data []byte) error {
	*m = ClientAppendResponse{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(data, &m.Status)
		case num == 2 && typ == protowire.VarintType:
			return consumeVarint(data, &m.Index)
		}
		return skip
	})
}

// MarshalWire implements Message.
func (m *LeaderAppendRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, m.Data)
	b = appendString(b, 2, m.OriginID)
	b = appendString(b, 3, m.RequestID)
	return b, nil
}

// UnmarshalWire implements Message.
func (m *LeaderAppendRequest) UnmarshalWire(data []byte) error {
	*m = LeaderAppendRequest{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeBytes(data, &m.Data)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(data, &m.OriginID)
		case num == 3 && typ == protowire.BytesType:
			return consumeString(data, &m.RequestID)
		}
		return skip
	})
}

// MarshalWire implements Message.
func (m *LeaderAppendResponse) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, m.Status)
	b = appendVarint(b, 2, m.Index)
	return b, nil
}

// UnmarshalWire implements Message.
func (m *LeaderAppendResponse) UnmarshalWire(data []byte) error {
	*m = LeaderAppendResponse{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(data, &m.Status)
		case num == 2 && typ == protowire.VarintType:
			return consumeVarint(data, &m.Index)
		}
		return skip
	})
}

// MarshalWire implements Message.
func (m *ReplicateEntryRequest) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, m.Term)
	b = appendString(b, 2, m.LeaderID)
	b = appendVarint(b, 3, m.PreviousEntryIndex)
	b = appendVarint(b, 4, m.PreviousEntryTerm)
	if m.Entry != nil {
		b = appendBytes(b, 5, m.Entry.AppendWire(nil))
	}
	return b, nil
}

// UnmarshalWire implements Message.
func (m *ReplicateEntryRequest) UnmarshalWire(data []byte) error {
	*m = ReplicateEntryRequest{}
	var entryErr error
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeVarint(data, &m.Term)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(data, &m.LeaderID)
		case num == 3 && typ == protowire.VarintType:
			return consumeVarint(data, &m.PreviousEntryIndex)
		case num == 4 && typ == protowire.VarintType:
			return consumeVarint(data, &m.PreviousEntryTerm)
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return n
			}
			m.Entry = &chain.Block{}
			entryErr = m.Entry.UnmarshalWire(v)
			return n
		}
		return skip
	})
	if err != nil {
		return err
	}
	return entryErr
}

// MarshalWire implements Message.
func (m *ReplicateEntryResponse) MarshalWire() ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, m.Term)
	b = appendBool(b, 2, m.Success)
	b = appendVarint(b, 3, uint64(m.Reason))
	b = appendVarint(b, 4, m.LastIndex)
	return b, nil
}

// UnmarshalWire implements Message.
func (m *ReplicateEntryResponse) UnmarshalWire(data []byte) error {
	*m = ReplicateEntryResponse{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeVarint(data, &m.Term)
		case num == 2 && typ == protowire.VarintType:
			return consumeBool(data, &m.Success)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			n := consumeVarint(data, &v)
			m.Reason = ReplicateReason(v)
			return n
		case num == 4 && typ == protowire.VarintType:
			return consumeVarint(data, &m.LastIndex)
		}
		return skip
	})
}

// MarshalWire implements Message.
func (m *ReadLogRequest) MarshalWire() ([]byte, error) {
	return nil, nil
}

// UnmarshalWire implements Message.
func (m *ReadLogRequest) UnmarshalWire(data []byte) error {
	return decodeFields(data, func(protowire.Number, protowire.Type, []byte) int { return skip })
}

// MarshalWire implements Message.
func (m *ReadLogResponse) MarshalWire() ([]byte, error) {
	var b []byte
	for _, block := range m.Blocks {
		b = appendBytes(b, 1, block.AppendWire(nil))
	}
	return b, nil
}

// UnmarshalWire implements Message.
func (m *ReadLogResponse) UnmarshalWire(data []byte) error {
	*m = ReadLogResponse{}
	var blockErr error
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, data []byte) int {
		if num != 1 || typ != protowire.BytesType {
			return skip
		}
		v, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return n
		}
		block := &chain.Block{}
		if err := block.UnmarshalWire(v); err != nil && blockErr == nil {
			blockErr = err
		}
		m.Blocks = append(m.Blocks, block)
		return n
	})
	if err != nil {
		return err
	}
	return blockErr
}

// skip is returned by a field decoder for fields it does not know. It lies outside the range of protowire error codes.
const skip = math.MinInt32

// decodeFields walks the fields of an encoded message. field returns the number of bytes consumed for a known
// field, skip for an unknown one, or a negative protowire error code.
func decodeFields(data []byte, field func(num protowire.Number, typ protowire.Type, data []byte) int) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		n = field(num, typ, data)
		if n == skip {
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func consumeVarint(data []byte, dst *uint64) int {
	v, n := protowire.ConsumeVarint(data)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeBool(data []byte, dst *bool) int {
	v, n := protowire.ConsumeVarint(data)
	if n >= 0 {
		*dst = protowire.DecodeBool(v)
	}
	return n
}

func consumeString(data []byte, dst *string) int {
	v, n := protowire.ConsumeString(data)
	if n >= 0 {
		*dst = v
	}
	return n
}

func consumeBytes(data []byte, dst *[]byte) int {
	v, n := protowire.ConsumeBytes(data)
	if n >= 0 {
		*dst = append([]byte(nil), v...)
	}
	return n
}
