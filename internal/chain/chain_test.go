package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenesis(t *testing.T) {
	t.Run("is identical on every call", func(t *testing.T) {
		assert.Equal(t, Genesis(), Genesis())
	})

	t.Run("carries the sentinel fields", func(t *testing.T) {
		g := Genesis()
		assert.Equal(t, uint64(0), g.Index)
		assert.Equal(t, uint64(0), g.Term)
		assert.Equal(t, GenesisPreviousHash, g.PreviousHash)
		assert.Equal(t, []byte(GenesisData), g.Data)
		assert.NoError(t, g.Verify())
	})
}

func TestBlock_ComputeHash(t *testing.T) {
	base := NewBlock(1, 1700000000000, "node-1", 1, []byte("tx1"), Genesis().Hash)

	t.Run("is deterministic", func(t *testing.T) {
		again := NewBlock(1, 1700000000000, "node-1", 1, []byte("tx1"), Genesis().Hash)
		assert.Equal(t, base.Hash, again.Hash)
		assert.Len(t, base.Hash, 64)
	})

	t.Run("changes with every field", func(t *testing.T) {
		variants := []*Block{
			NewBlock(2, 1700000000000, "node-1", 1, []byte("tx1"), Genesis().Hash),
			NewBlock(1, 1700000000001, "node-1", 1, []byte("tx1"), Genesis().Hash),
			NewBlock(1, 1700000000000, "node-2", 1, []byte("tx1"), Genesis().Hash),
			NewBlock(1, 1700000000000, "node-1", 2, []byte("tx1"), Genesis().Hash),
			NewBlock(1, 1700000000000, "node-1", 1, []byte("tx2"), Genesis().Hash),
			NewBlock(1, 1700000000000, "node-1", 1, []byte("tx1"), "other"),
		}
		for _, v := range variants {
			assert.NotEqual(t, base.Hash, v.Hash)
		}
	})

	t.Run("field boundaries are unambiguous", func(t *testing.T) {
		a := NewBlock(1, 0, "ab", 1, []byte("c"), "0")
		b := NewBlock(1, 0, "a", 1, []byte("bc"), "0")
		assert.NotEqual(t, a.Hash, b.Hash)
	})
}

func TestBlock_Verify(t *testing.T) {
	b := Genesis().Next(1700000000000, "node-1", 1, []byte("tx1"))
	require.NoError(t, b.Verify())

	b.Data = []byte("tampered")
	assert.ErrorIs(t, b.Verify(), ErrInvariantViolation)
}

func TestBlock_Follows(t *testing.T) {
	genesis := Genesis()

	t.Run("accepts the successor", func(t *testing.T) {
		assert.NoError(t, genesis.Next(1, "n1", 1, []byte("x")).Follows(genesis))
	})

	t.Run("rejects an index gap", func(t *testing.T) {
		b := NewBlock(2, 1, "n1", 1, []byte("x"), genesis.Hash)
		assert.ErrorIs(t, b.Follows(genesis), ErrInvariantViolation)
	})

	t.Run("rejects a broken link", func(t *testing.T) {
		b := NewBlock(1, 1, "n1", 1, []byte("x"), "deadbeef")
		assert.ErrorIs(t, b.Follows(genesis), ErrInvariantViolation)
	})

	t.Run("rejects a forged hash", func(t *testing.T) {
		b := genesis.Next(1, "n1", 1, []byte("x"))
		b.Hash = genesis.Hash
		assert.ErrorIs(t, b.Follows(genesis), ErrInvariantViolation)
	})
}

func TestBlock_Wire(t *testing.T) {
	b := Genesis().Next(1700000000000, "node-1", 3, []byte("payload"))

	data, err := b.MarshalWire()
	require.NoError(t, err)

	var decoded Block
	require.NoError(t, decoded.UnmarshalWire(data))
	assert.Equal(t, *b, decoded)
	assert.NoError(t, decoded.Verify())

	t.Run("rejects truncated input", func(t *testing.T) {
		var broken Block
		assert.Error(t, broken.UnmarshalWire(data[:len(data)-3]))
	})
}

func TestLog(t *testing.T) {
	t.Run("starts with genesis", func(t *testing.T) {
		l := NewLog()
		assert.Equal(t, 1, l.Len())
		assert.Equal(t, Genesis().Hash, l.Last().Hash)
		assert.Equal(t, uint64(0), l.LastIndex())
	})

	t.Run("propose links to the tip", func(t *testing.T) {
		l := NewLog()
		b1 := l.Propose(10, "n1", 1, []byte("tx1"))
		b2 := l.Propose(11, "n1", 1, []byte("tx2"))

		assert.Equal(t, uint64(1), b1.Index)
		assert.Equal(t, Genesis().Hash, b1.PreviousHash)
		assert.Equal(t, b1.Hash, b2.PreviousHash)
		assert.NoError(t, VerifyChain(l.Blocks()))
	})

	t.Run("append validates the block", func(t *testing.T) {
		l := NewLog()
		assert.NoError(t, l.Append(Genesis().Next(1, "n1", 1, []byte("ok"))))
		assert.ErrorIs(t, l.Append(Genesis().Next(1, "n1", 1, []byte("again"))), ErrInvariantViolation)
		assert.Equal(t, 2, l.Len())
	})

	t.Run("log matching check", func(t *testing.T) {
		l := NewLog()
		l.Propose(10, "n1", 2, []byte("tx1"))

		assert.True(t, l.HasEntry(0, 0))
		assert.True(t, l.HasEntry(1, 2))
		assert.False(t, l.HasEntry(1, 1))
		assert.False(t, l.HasEntry(2, 2))
	})

	t.Run("blocks returns copies", func(t *testing.T) {
		l := NewLog()
		l.Propose(10, "n1", 1, []byte("tx1"))

		blocks := l.Blocks()
		blocks[1].Data[0] = 'X'
		b, _ := l.Get(1)
		assert.Equal(t, []byte("tx1"), b.Data)
	})
}

func TestVerifyChain(t *testing.T) {
	l := NewLog()
	for i := 0; i < 5; i++ {
		l.Propose(int64(i), "n1", 1, []byte{byte(i + 1)})
	}

	t.Run("accepts an intact chain", func(t *testing.T) {
		assert.NoError(t, VerifyChain(l.Blocks()))
	})

	t.Run("rejects an empty chain", func(t *testing.T) {
		assert.ErrorIs(t, VerifyChain(nil), ErrInvariantViolation)
	})

	t.Run("rejects a missing genesis", func(t *testing.T) {
		assert.ErrorIs(t, VerifyChain(l.Blocks()[1:]), ErrInvariantViolation)
	})

	t.Run("rejects a tampered block", func(t *testing.T) {
		blocks := l.Blocks()
		blocks[3].Data = []byte("evil")
		assert.ErrorIs(t, VerifyChain(blocks), ErrInvariantViolation)
	})
}
