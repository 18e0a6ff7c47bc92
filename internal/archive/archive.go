// Package archive exports a node's chain to a bbolt file and verifies archived chains offline.
//
// An archive is a snapshot taken by an operator. Nodes never read it back: consensus state lives in memory only.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"blockraft/internal/chain"
)

var (
	// Bucket names
	blocksBucket   = []byte("blocks")
	metadataBucket = []byte("metadata")

	// Metadata keys
	sourceKey     = []byte("source")
	exportedAtKey = []byte("exportedAt")
)

// ErrDiverged is returned when a chain being stored disagrees with a block already in the archive.
var ErrDiverged = errors.New("chain diverges from archive")

// Info describes what an archive holds.
type Info struct {
	Source     string
	ExportedAt time.Time
	Blocks     int
	LastIndex  uint64
	LastHash   string
}

type Archive struct {
	conn *bbolt.DB
}

// Open opens or creates the archive at path.
func Open(path string) (*Archive, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blocksBucket); err != nil {
			return fmt.Errorf("failed to create blocks bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Archive{conn: db}, nil
}

// Store writes blocks read from source into the archive. A later export of the same chain only adds the new tail;
// a block that differs from one already archived at the same index aborts the whole write with ErrDiverged.
func (a *Archive) Store(source string, blocks []*chain.Block) error {
	if err := chain.VerifyChain(blocks); err != nil {
		return fmt.Errorf("refusing to archive an invalid chain: %w", err)
	}
	return a.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(blocksBucket)
		for _, b := range blocks {
			key := uint64ToBytes(b.Index)
			if existing := bucket.Get(key); existing != nil {
				var archived chain.Block
				if err := archived.UnmarshalWire(existing); err != nil {
					return fmt.Errorf("failed to decode archived block %d: %w", b.Index, err)
				}
				if archived.Hash != b.Hash {
					return fmt.Errorf("%w: block %d is %s in the archive, %s in the export", ErrDiverged, b.Index,
						archived.Hash, b.Hash)
				}
				continue
			}

			data, err := b.MarshalWire()
			if err != nil {
				return fmt.Errorf("failed to encode block %d: %w", b.Index, err)
			}
			if err := bucket.Put(key, data); err != nil {
				return err
			}
		}

		meta := tx.Bucket(metadataBucket)
		if err := meta.Put(sourceKey, []byte(source)); err != nil {
			return err
		}
		return meta.Put(exportedAtKey, uint64ToBytes(uint64(time.Now().UnixMilli())))
	})
}

// Blocks returns every archived block in index order.
func (a *Archive) Blocks() ([]*chain.Block, error) {
	var blocks []*chain.Block
	err := a.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(blocksBucket).ForEach(func(k, v []byte) error {
			b := &chain.Block{}
			if err := b.UnmarshalWire(v); err != nil {
				return fmt.Errorf("failed to decode archived block %d: %w", bytesToUint64(k), err)
			}
			blocks = append(blocks, b)
			return nil
		})
	})
	return blocks, err
}

// Get returns the archived block at index.
func (a *Archive) Get(index uint64) (*chain.Block, error) {
	var b *chain.Block
	err := a.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(blocksBucket).Get(uint64ToBytes(index))
		if data == nil {
			return fmt.Errorf("block at index %d not found", index)
		}
		b = &chain.Block{}
		return b.UnmarshalWire(data)
	})
	return b, err
}

// Verify re-checks the archived chain: genesis first, contiguous indexes, intact digests and hash links.
func (a *Archive) Verify() error {
	blocks, err := a.Blocks()
	if err != nil {
		return err
	}
	for i, b := range blocks {
		if b.Index != uint64(i) {
			return fmt.Errorf("%w: archive has a gap before index %d", chain.ErrInvariantViolation, b.Index)
		}
	}
	return chain.VerifyChain(blocks)
}

// Info summarizes the archive.
func (a *Archive) Info() (Info, error) {
	var info Info
	err := a.conn.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metadataBucket)
		info.Source = string(meta.Get(sourceKey))
		if v := meta.Get(exportedAtKey); v != nil {
			info.ExportedAt = time.UnixMilli(int64(bytesToUint64(v)))
		}

		bucket := tx.Bucket(blocksBucket)
		info.Blocks = bucket.Stats().KeyN
		k, v := bucket.Cursor().Last()
		if k == nil {
			return nil
		}
		var last chain.Block
		if err := last.UnmarshalWire(v); err != nil {
			return fmt.Errorf("failed to decode archived block %d: %w", bytesToUint64(k), err)
		}
		info.LastIndex = last.Index
		info.LastHash = last.Hash
		return nil
	})
	return info, err
}

// Close closes the underlying database
func (a *Archive) Close() error {
	return a.conn.Close()
}

// uint64ToBytes encodes keys big-endian so bbolt's byte order matches index order
func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
