package store

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/fxamacker/cbor/v2"
)

var (
	bucketSuper   = []byte("super")
	bucketInodes  = []byte("inodes")
	bucketBlocks  = []byte("blocks")
	bucketDirents = []byte("dirents")

	keySuperblock = []byte("sb")
)

// BoltBackend keeps a volume in a single bolt database file. Inode records,
// directory entries and the superblock are CBOR encoded; data blocks are
// stored raw under an (inode, index) key.
type BoltBackend struct {
	db *bolt.DB
}

var _ Backend = (*BoltBackend)(nil)

// OpenBolt opens or creates the image file at path.
func OpenBolt(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSuper, bucketInodes, bucketBlocks, bucketDirents} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltBackend{db: db}, nil
}

func inoKey(ino Ino) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(ino))
	return k
}

func blockKeyBytes(ino Ino, idx uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k, uint64(ino))
	binary.BigEndian.PutUint64(k[8:], idx)
	return k
}

func direntKey(dir Ino, name string) []byte {
	return append(inoKey(dir), name...)
}

// deletePrefix removes every key in b starting at seek that shares prefix.
func deletePrefix(b *bolt.Bucket, prefix, seek []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(seek); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltBackend) LoadSuperblock() (sb Superblock, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSuper).Get(keySuperblock)
		if v == nil {
			return ErrNotFormatted
		}
		return cbor.Unmarshal(v, &sb)
	})
	return sb, err
}

func (b *BoltBackend) SaveSuperblock(sb Superblock) error {
	v, err := cbor.Marshal(sb)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuper).Put(keySuperblock, v)
	})
}

func (b *BoltBackend) LoadInode(ino Ino) (rec Record, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketInodes).Get(inoKey(ino))
		if v == nil {
			return ErrNoInode
		}
		return cbor.Unmarshal(v, &rec)
	})
	return rec, err
}

func (b *BoltBackend) SaveInode(rec Record) error {
	v, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInodes).Put(inoKey(rec.Ino), v)
	})
}

func (b *BoltBackend) DeleteInode(ino Ino) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketInodes).Delete(inoKey(ino)); err != nil {
			return err
		}
		prefix := inoKey(ino)
		if err := deletePrefix(tx.Bucket(bucketBlocks), prefix, prefix); err != nil {
			return err
		}
		return deletePrefix(tx.Bucket(bucketDirents), prefix, prefix)
	})
}

func (b *BoltBackend) ReadBlock(ino Ino, idx uint64) (data []byte, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		// values are only valid for the life of the transaction
		data = bytes.Clone(tx.Bucket(bucketBlocks).Get(blockKeyBytes(ino, idx)))
		return nil
	})
	return data, err
}

func (b *BoltBackend) WriteBlock(ino Ino, idx uint64, data []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).Put(blockKeyBytes(ino, idx), bytes.Clone(data))
	})
}

func (b *BoltBackend) TruncateBlocks(ino Ino, from uint64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return deletePrefix(tx.Bucket(bucketBlocks), inoKey(ino), blockKeyBytes(ino, from))
	})
}

func (b *BoltBackend) LoadEntries(dir Ino) (entries []Entry, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		prefix := inoKey(dir)
		c := tx.Bucket(bucketDirents).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e Entry
			if err := cbor.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("dirent %d/%q: %w", dir, k[8:], err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

func (b *BoltBackend) PutEntry(dir Ino, e Entry) error {
	v, err := cbor.Marshal(e)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirents).Put(direntKey(dir, e.Name), v)
	})
}

func (b *BoltBackend) DeleteEntry(dir Ino, name string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDirents).Delete(direntKey(dir, name))
	})
}

func (b *BoltBackend) Close() error {
	return b.db.Close()
}
