// Package store is the block/inode layer beneath a session. It owns the
// table of live inodes, inode byte I/O, directory entries and the
// superblock of a volume. Volumes live in a Backend; MemBackend keeps
// everything in memory and BoltBackend keeps it in a single image file.
package store

import (
	"errors"
	"io/fs"
	"iter"
	"time"
)

// Ino identifies an inode within a volume.
type Ino uint64

const (
	// NoIno is never allocated and marks a missing inode.
	NoIno Ino = 0
	// RootIno is the root directory of every volume.
	RootIno Ino = 2
	// FirstIno is the first inode number handed out by CreateInode.
	// Everything below it is reserved.
	FirstIno Ino = 11
)

type FileType uint8

const (
	TypeUnknown FileType = iota
	TypeRegular
	TypeDir
)

func (t FileType) String() string {
	switch t {
	case TypeRegular:
		return "file"
	case TypeDir:
		return "dir"
	default:
		return "unknown"
	}
}

// Mode returns the io/fs type bits for t.
func (t FileType) Mode() fs.FileMode {
	if t == TypeDir {
		return fs.ModeDir
	}
	return 0
}

// Entry is a single directory entry.
type Entry struct {
	Name string
	Ino  Ino
	Type FileType
}

var (
	ErrNotFound           = errors.New("entry not found")
	ErrExist              = errors.New("entry already exists")
	ErrNotEmpty           = errors.New("directory not empty")
	ErrInvalidName        = errors.New("invalid entry name")
	ErrNoInode            = errors.New("no such inode")
	ErrRefcount           = errors.New("inode reference count underflow")
	ErrNoSpace            = errors.New("no free inodes")
	ErrNotFormatted       = errors.New("volume is not formatted")
	ErrBadMagic           = errors.New("bad superblock magic")
	ErrRevision           = errors.New("unsupported revision level")
	ErrUnsupportedFeature = errors.New("unsupported filesystem feature")
	ErrClosed             = errors.New("store is closed")
)

// Inode is an open handle to an inode. Handles are obtained from
// Store.OpenInode or Store.CreateInode and stay valid until the matching
// Store.ForgetInode.
type Inode interface {
	Ino() Ino
	Type() FileType

	// ReadData returns up to length bytes starting at offset. It returns
	// io.EOF when offset is at or past the end of the data.
	ReadData(length int, offset int64) ([]byte, error)
	// WriteData writes p at offset, growing the inode as needed. Gaps
	// left by writing past the end read back as zeros.
	WriteData(p []byte, offset int64) (int, error)

	Size() int64
	SetSize(size int64) error
	ModTime() time.Time
	SetModTime(t time.Time)
	Perm() fs.FileMode
	SetPerm(perm fs.FileMode)
	LinksCount() int
	SetLinksCount(n int)

	// Sync persists the inode metadata.
	Sync() error
	// Delete marks the inode deleted. Its storage is reclaimed once the
	// last open reference is forgotten.
	Delete() error
}

// Dir is an open directory inode.
type Dir interface {
	Inode

	Lookup(name string) (Entry, error)
	// AddLink adds an entry for child and increments its link count.
	AddLink(child Inode, name string) error
	AddEntry(e Entry) error
	RemoveEntry(name string) error
	// SetEntry points an existing entry at a different inode.
	SetEntry(name string, ino Ino) error
	// UnlinkDir removes the entry for the empty directory child and
	// accounts for its "." and ".." links.
	UnlinkDir(child Dir, name string) error
	// UnlinkOther removes the entry for child and drops one link,
	// deleting child when no links remain.
	UnlinkOther(child Inode, name string) error
	// AddDotLinks populates "." and ".." for a new directory.
	AddDotLinks(parent Dir) error

	// Entries yields a single pass over the directory, in name order.
	Entries() iter.Seq[Entry]
	IsEmpty() bool
	DirLock() *DirLock
}

// Store is the collaborator a session is built on.
type Store interface {
	OpenInode(ino Ino) (Inode, error)
	ForgetInode(ino Ino, n int) error
	// CreateInode allocates a new inode and returns it opened once.
	CreateInode(t FileType, perm fs.FileMode) (Inode, error)
	Superblock() Superblock
	Stats() Stats
	Close() error
}

// Stats summarizes a mounted volume.
type Stats struct {
	VolumeName  string
	UUID        string
	BlockSize   int
	InodesCount uint64
	FreeInodes  uint64
	LiveInodes  int
	MountCount  int
	MountTime   time.Time
	State       string
}

func validName(name string) bool {
	if name == "" || len(name) > MaxNameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] == '/' || name[i] == 0 {
			return false
		}
	}
	return true
}

// MaxNameLen is the longest entry name a directory accepts.
const MaxNameLen = 255
