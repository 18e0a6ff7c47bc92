package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// GenesisData is the payload of the fixed first block of every chain.
	GenesisData = "Genesis Block"
	// GenesisPreviousHash is the sentinel previous hash carried by the genesis block.
	GenesisPreviousHash = "0"
)

// Block is a single entry of the replicated log. A block is immutable once it has been appended to a Log: its Hash
// commits to every other field, and the next block commits to its Hash through PreviousHash.
type Block struct {
	// Index is 0 for genesis and grows by exactly one for each following block
	Index uint64
	// Timestamp is the creation time in Unix milliseconds
	Timestamp int64
	// ProposerID is the node that authored the block
	ProposerID string
	// Term is the leadership term in effect when the leader appended the block
	Term uint64
	// Data is the opaque client payload
	Data []byte
	// PreviousHash links the block to its predecessor. GenesisPreviousHash for genesis.
	PreviousHash string
	// Hash is the hex encoded SHA-256 digest over all the fields above
	Hash string
}

// Field numbers of the protobuf wire encoding of a Block. The digest is computed over fields 1-6 and the full
// encoding (used on the wire and in the archive) adds the hash as field 7.
const (
	fieldIndex protowire.Number = iota + 1
	fieldTimestamp
	fieldProposerID
	fieldTerm
	fieldData
	fieldPreviousHash
	fieldHash
)

// Genesis returns the fixed genesis block. Every node builds the same genesis, so genesis hashes agree across the
// cluster and the first replicated block links on every node.
func Genesis() *Block {
	return NewBlock(0, 0, "", 0, []byte(GenesisData), GenesisPreviousHash)
}

// NewBlock builds a block and seals it with its digest.
func NewBlock(index uint64, timestamp int64, proposerID string, term uint64, data []byte, previousHash string) *Block {
	b := &Block{
		Index:        index,
		Timestamp:    timestamp,
		ProposerID:   proposerID,
		Term:         term,
		Data:         data,
		PreviousHash: previousHash,
	}
	b.Hash = b.ComputeHash()
	return b
}

// Next builds the successor of b.
func (b *Block) Next(timestamp int64, proposerID string, term uint64, data []byte) *Block {
	return NewBlock(b.Index+1, timestamp, proposerID, term, data, b.Hash)
}

// ComputeHash recomputes the digest of the block from its fields, ignoring the stored Hash.
func (b *Block) ComputeHash() string {
	sum := sha256.Sum256(b.appendFields(nil))
	return hex.EncodeToString(sum[:])
}

// Verify checks that the stored Hash matches the fields of the block.
func (b *Block) Verify() error {
	if got := b.ComputeHash(); got != b.Hash {
		return fmt.Errorf("%w: block %d hash %s does not match digest %s", ErrInvariantViolation, b.Index, b.Hash, got)
	}
	return nil
}

// Follows checks that b is a valid successor of prev: consecutive index, previous hash link and an intact digest.
func (b *Block) Follows(prev *Block) error {
	if b.Index != prev.Index+1 {
		return fmt.Errorf("%w: block index %d does not follow %d", ErrInvariantViolation, b.Index, prev.Index)
	}
	if b.PreviousHash != prev.Hash {
		return fmt.Errorf("%w: block %d previous hash %s does not link to %s", ErrInvariantViolation, b.Index,
			b.PreviousHash, prev.Hash)
	}
	return b.Verify()
}

// Clone returns a deep copy of the block.
func (b *Block) Clone() *Block {
	c := *b
	if b.Data != nil {
		c.Data = append([]byte(nil), b.Data...)
	}
	return &c
}

// appendFields writes fields 1-6 in a fixed order. Zero values are written too, so the digest input never depends
// on which fields happen to be empty.
func (b *Block) appendFields(buf []byte) []byte {
	buf = protowire.AppendTag(buf, fieldIndex, protowire.VarintType)
	buf = protowire.AppendVarint(buf, b.Index)
	buf = protowire.AppendTag(buf, fieldTimestamp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(b.Timestamp))
	buf = protowire.AppendTag(buf, fieldProposerID, protowire.BytesType)
	buf = protowire.AppendString(buf, b.ProposerID)
	buf = protowire.AppendTag(buf, fieldTerm, protowire.VarintType)
	buf = protowire.AppendVarint(buf, b.Term)
	buf = protowire.AppendTag(buf, fieldData, protowire.BytesType)
	buf = protowire.AppendBytes(buf, b.Data)
	buf = protowire.AppendTag(buf, fieldPreviousHash, protowire.BytesType)
	buf = protowire.AppendString(buf, b.PreviousHash)
	return buf
}

// AppendWire appends the protobuf wire encoding of the block, hash included.
func (b *Block) AppendWire(buf []byte) []byte {
	buf = b.appendFields(buf)
	buf = protowire.AppendTag(buf, fieldHash, protowire.BytesType)
	return protowire.AppendString(buf, b.Hash)
}

// MarshalWire returns the protobuf wire encoding of the block.
func (b *Block) MarshalWire() ([]byte, error) {
	return b.AppendWire(nil), nil
}

// UnmarshalWire decodes a block previously encoded with MarshalWire. Unknown fields are skipped.
func (b *Block) UnmarshalWire(data []byte) error {
	*b = Block{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("decode block tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldIndex && typ == protowire.VarintType:
			b.Index, n = protowire.ConsumeVarint(data)
		case num == fieldTimestamp && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			b.Timestamp = int64(v)
		case num == fieldProposerID && typ == protowire.BytesType:
			b.ProposerID, n = protowire.ConsumeString(data)
		case num == fieldTerm && typ == protowire.VarintType:
			b.Term, n = protowire.ConsumeVarint(data)
		case num == fieldData && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(data)
			b.Data = append([]byte(nil), v...)
		case num == fieldPreviousHash && typ == protowire.BytesType:
			b.PreviousHash, n = protowire.ConsumeString(data)
		case num == fieldHash && typ == protowire.BytesType:
			b.Hash, n = protowire.ConsumeString(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("decode block field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return nil
}
