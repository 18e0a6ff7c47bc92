package chain

import (
	"errors"
	"fmt"
)

// ErrInvariantViolation is returned when a block would break the hash chain: wrong index, a previous hash that does
// not link to the current tip, or a stored hash that does not match the block's fields.
var ErrInvariantViolation = errors.New("chain invariant violation")

// Log is the ordered, hash-linked, append-only sequence of blocks owned by a single node. It always starts with the
// genesis block and entries are never removed.
//
// Log is not safe for concurrent use. The owning node serializes every access under its own lock.
type Log struct {
	blocks []*Block
}

// NewLog returns a log holding only the genesis block.
func NewLog() *Log {
	return &Log{blocks: []*Block{Genesis()}}
}

// Len returns the number of blocks including genesis.
func (l *Log) Len() int {
	return len(l.blocks)
}

// Last returns the tip of the chain.
func (l *Log) Last() *Block {
	return l.blocks[len(l.blocks)-1]
}

// LastIndex returns the index of the tip.
func (l *Log) LastIndex() uint64 {
	return l.Last().Index
}

// Get returns the block at index, or false when the log does not reach that far.
func (l *Log) Get(index uint64) (*Block, bool) {
	if index >= uint64(len(l.blocks)) {
		return nil, false
	}
	return l.blocks[index], true
}

// HasEntry is the log-matching check: the log holds a block at index and that block was appended in term.
func (l *Log) HasEntry(index, term uint64) bool {
	b, ok := l.Get(index)
	return ok && b.Term == term
}

// Append validates b against the tip and appends it.
func (l *Log) Append(b *Block) error {
	if err := b.Follows(l.Last()); err != nil {
		return err
	}
	l.blocks = append(l.blocks, b)
	return nil
}

// Propose builds the successor of the tip and appends it.
func (l *Log) Propose(timestamp int64, proposerID string, term uint64, data []byte) *Block {
	b := l.Last().Next(timestamp, proposerID, term, data)
	// Next always links to the tip, so Append cannot fail here
	l.blocks = append(l.blocks, b)
	return b
}

// Blocks returns deep copies of every block in order.
func (l *Log) Blocks() []*Block {
	out := make([]*Block, len(l.blocks))
	for i, b := range l.blocks {
		out[i] = b.Clone()
	}
	return out
}

// VerifyChain checks a full sequence of blocks: genesis first, every digest intact and every block linked to its
// predecessor.
func VerifyChain(blocks []*Block) error {
	if len(blocks) == 0 {
		return fmt.Errorf("%w: empty chain", ErrInvariantViolation)
	}
	genesis := Genesis()
	if blocks[0].Hash != genesis.Hash {
		return fmt.Errorf("%w: first block is not genesis", ErrInvariantViolation)
	}
	if err := blocks[0].Verify(); err != nil {
		return err
	}
	for i := 1; i < len(blocks); i++ {
		if err := blocks[i].Follows(blocks[i-1]); err != nil {
			return fmt.Errorf("block at position %d: %w", i, err)
		}
	}
	return nil
}
