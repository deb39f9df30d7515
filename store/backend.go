package store

import (
	"io/fs"
	"maps"
	"slices"
	"sync"
)

// Record is the persisted form of an inode.
type Record struct {
	Ino   Ino         `cbor:"ino"`
	Type  FileType    `cbor:"type"`
	Perm  fs.FileMode `cbor:"perm"`
	Size  int64       `cbor:"size"`
	Links int         `cbor:"links"`
	MTime int64       `cbor:"mtime"`
	CTime int64       `cbor:"ctime"`
	DTime int64       `cbor:"dtime"`
}

// Backend persists a volume. Implementations must be safe for concurrent
// use. Blocks are fixed size and addressed by inode and block index; a
// missing block is a hole.
type Backend interface {
	LoadSuperblock() (Superblock, error)
	SaveSuperblock(sb Superblock) error

	LoadInode(ino Ino) (Record, error)
	SaveInode(rec Record) error
	// DeleteInode removes the record together with its blocks and entries.
	DeleteInode(ino Ino) error

	ReadBlock(ino Ino, idx uint64) ([]byte, error)
	WriteBlock(ino Ino, idx uint64, data []byte) error
	// TruncateBlocks drops every block with index >= from.
	TruncateBlocks(ino Ino, from uint64) error

	LoadEntries(dir Ino) ([]Entry, error)
	PutEntry(dir Ino, e Entry) error
	DeleteEntry(dir Ino, name string) error

	Close() error
}

type blockKey struct {
	ino Ino
	idx uint64
}

// MemBackend keeps a volume in memory. It is used for tests and scratch
// volumes.
type MemBackend struct {
	mu      sync.Mutex
	sb      *Superblock
	inodes  map[Ino]Record
	blocks  map[blockKey][]byte
	entries map[Ino]map[string]Entry
}

var _ Backend = (*MemBackend)(nil)

func NewMemBackend() *MemBackend {
	return &MemBackend{
		inodes:  make(map[Ino]Record),
		blocks:  make(map[blockKey][]byte),
		entries: make(map[Ino]map[string]Entry),
	}
}

func (b *MemBackend) LoadSuperblock() (Superblock, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sb == nil {
		return Superblock{}, ErrNotFormatted
	}
	return *b.sb, nil
}

func (b *MemBackend) SaveSuperblock(sb Superblock) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sb = &sb
	return nil
}

func (b *MemBackend) LoadInode(ino Ino) (Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.inodes[ino]
	if !ok {
		return Record{}, ErrNoInode
	}
	return rec, nil
}

func (b *MemBackend) SaveInode(rec Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inodes[rec.Ino] = rec
	return nil
}

func (b *MemBackend) DeleteInode(ino Ino) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inodes, ino)
	delete(b.entries, ino)
	for k := range b.blocks {
		if k.ino == ino {
			delete(b.blocks, k)
		}
	}
	return nil
}

func (b *MemBackend) ReadBlock(ino Ino, idx uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.blocks[blockKey{ino, idx}]), nil
}

func (b *MemBackend) WriteBlock(ino Ino, idx uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks[blockKey{ino, idx}] = slices.Clone(data)
	return nil
}

func (b *MemBackend) TruncateBlocks(ino Ino, from uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.blocks {
		if k.ino == ino && k.idx >= from {
			delete(b.blocks, k)
		}
	}
	return nil
}

func (b *MemBackend) LoadEntries(dir Ino) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Collect(maps.Values(b.entries[dir])), nil
}

func (b *MemBackend) PutEntry(dir Ino, e Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.entries[dir]
	if !ok {
		m = make(map[string]Entry)
		b.entries[dir] = m
	}
	m[e.Name] = e
	return nil
}

func (b *MemBackend) DeleteEntry(dir Ino, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries[dir], name)
	return nil
}

func (b *MemBackend) Close() error {
	return nil
}

// BlockCount reports how many data blocks are allocated to ino.
func (b *MemBackend) BlockCount(ino Ino) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for k := range b.blocks {
		if k.ino == ino {
			n++
		}
	}
	return n
}
