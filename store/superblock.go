package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	Magic = 0xEF53

	RevGoodOld = 0
	RevDynamic = 1

	StateValid uint16 = 0x0001
	StateError uint16 = 0x0002

	DefaultBlockSize     = 1024
	DefaultInodesCount   = 65536
	DefaultMaxMountCount = 20

	lastMountedName = "inodefs"
)

// Feature bits, using the ext2 assignments.
const (
	FeatureCompatDirPrealloc  uint32 = 0x0001
	FeatureCompatExtAttr      uint32 = 0x0008
	FeatureCompatResizeInode  uint32 = 0x0010
	FeatureCompatDirIndex     uint32 = 0x0020
	FeatureIncompatCompress   uint32 = 0x0001
	FeatureIncompatFiletype   uint32 = 0x0002
	FeatureIncompatRecover    uint32 = 0x0004
	FeatureIncompatJournalDev uint32 = 0x0008
	FeatureIncompatMetaBG     uint32 = 0x0010
	FeatureROCompatSparse     uint32 = 0x0001
	FeatureROCompatLargeFile  uint32 = 0x0002
	FeatureROCompatBtreeDir   uint32 = 0x0004

	supportedIncompat = FeatureIncompatFiletype
	supportedROCompat = FeatureROCompatSparse | FeatureROCompatLargeFile
)

// Superblock is the volume header.
type Superblock struct {
	Magic           uint16    `cbor:"magic"`
	RevLevel        uint32    `cbor:"rev"`
	FeatureCompat   uint32    `cbor:"compat"`
	FeatureIncompat uint32    `cbor:"incompat"`
	FeatureROCompat uint32    `cbor:"rocompat"`
	State           uint16    `cbor:"state"`
	MountCount      uint16    `cbor:"mnt_count"`
	MaxMountCount   uint16    `cbor:"max_mnt_count"`
	MountTime       int64     `cbor:"mtime"`
	WriteTime       int64     `cbor:"wtime"`
	LastMounted     string    `cbor:"last_mounted"`
	UUID            uuid.UUID `cbor:"uuid"`
	VolumeName      string    `cbor:"volume_name"`
	BlockSize       uint32    `cbor:"block_size"`
	InodesCount     uint64    `cbor:"inodes_count"`
	FreeInodes      uint64    `cbor:"free_inodes"`
	NextIno         Ino       `cbor:"next_ino"`
}

// FormatOptions controls Format. Zero values select defaults.
type FormatOptions struct {
	VolumeName  string
	BlockSize   int
	InodesCount uint64
}

func newSuperblock(opts FormatOptions) Superblock {
	if opts.BlockSize == 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.InodesCount == 0 {
		opts.InodesCount = DefaultInodesCount
	}
	now := time.Now().Unix()
	return Superblock{
		Magic:           Magic,
		RevLevel:        RevDynamic,
		FeatureIncompat: FeatureIncompatFiletype,
		FeatureROCompat: FeatureROCompatLargeFile,
		State:           StateValid,
		MaxMountCount:   DefaultMaxMountCount,
		WriteTime:       now,
		UUID:            uuid.New(),
		VolumeName:      opts.VolumeName,
		BlockSize:       uint32(opts.BlockSize),
		InodesCount:     opts.InodesCount,
		// the root directory is the only inode in use
		FreeInodes: opts.InodesCount - 1,
		NextIno:    FirstIno,
	}
}

// check returns an error for anything that makes the volume unmountable.
func (sb Superblock) check() error {
	if sb.Magic != Magic {
		return fmt.Errorf("%w: %#x", ErrBadMagic, sb.Magic)
	}
	if sb.RevLevel > RevDynamic {
		return fmt.Errorf("%w: %d", ErrRevision, sb.RevLevel)
	}
	if f := sb.FeatureIncompat &^ supportedIncompat; f != 0 {
		return fmt.Errorf("%w: incompat %#x", ErrUnsupportedFeature, f)
	}
	if f := sb.FeatureROCompat &^ supportedROCompat; f != 0 {
		return fmt.Errorf("%w: ro_compat %#x", ErrUnsupportedFeature, f)
	}
	if sb.BlockSize == 0 || sb.BlockSize&(sb.BlockSize-1) != 0 {
		return fmt.Errorf("invalid block size %d", sb.BlockSize)
	}
	return nil
}

func (sb Superblock) stateString() string {
	switch {
	case sb.State&StateError != 0:
		return "error"
	case sb.State&StateValid != 0:
		return "clean"
	default:
		return "not clean"
	}
}
