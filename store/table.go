package store

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/google/btree"
)

// Options configures Open.
type Options struct {
	Logger *slog.Logger
	// ReadOnly skips writing mount bookkeeping to the superblock.
	ReadOnly bool
}

// Table is a mounted volume. It owns the table of live inodes: an inode is
// live from its first OpenInode until its reference count returns to zero
// through ForgetInode.
type Table struct {
	backend Backend
	log     *slog.Logger
	opts    Options

	bs int

	mu     sync.Mutex
	sb     Superblock
	live   map[Ino]*inode
	closed bool
}

var _ Store = (*Table)(nil)

// Format writes an empty volume to b.
func Format(b Backend, opts FormatOptions) error {
	sb := newSuperblock(opts)
	if err := sb.check(); err != nil {
		return err
	}
	now := time.Now().UnixNano()
	root := Record{
		Ino:   RootIno,
		Type:  TypeDir,
		Perm:  0755,
		Links: 2,
		MTime: now,
		CTime: now,
	}
	if err := b.SaveInode(root); err != nil {
		return err
	}
	for _, name := range []string{".", ".."} {
		if err := b.PutEntry(RootIno, Entry{Name: name, Ino: RootIno, Type: TypeDir}); err != nil {
			return err
		}
	}
	return b.SaveSuperblock(sb)
}

// Open mounts the volume in b. Volumes with a bad magic number, a newer
// revision or feature bits this package does not implement are refused.
func Open(b Backend, opts *Options) (*Table, error) {
	if opts == nil {
		opts = &Options{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	sb, err := b.LoadSuperblock()
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	if err := sb.check(); err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	if _, err := b.LoadInode(RootIno); err != nil {
		return nil, fmt.Errorf("mount: root inode: %w", err)
	}

	if sb.State&StateValid == 0 {
		log.Warn("mounting unchecked volume", "volume", sb.VolumeName)
	} else if sb.State&StateError != 0 {
		log.Warn("mounting volume with errors", "volume", sb.VolumeName)
	}
	if sb.MaxMountCount == 0 {
		sb.MaxMountCount = DefaultMaxMountCount
	}
	if sb.MountCount >= sb.MaxMountCount {
		log.Warn("maximal mount count reached, running a check is recommended",
			"mounts", sb.MountCount, "max", sb.MaxMountCount)
	}

	if !opts.ReadOnly {
		sb.MountCount++
		sb.MountTime = time.Now().Unix()
		sb.LastMounted = lastMountedName
		sb.State &^= StateValid
		if err := b.SaveSuperblock(sb); err != nil {
			return nil, fmt.Errorf("mount: %w", err)
		}
	}

	log.Info("mounted", "volume", sb.VolumeName, "uuid", sb.UUID, "mounts", sb.MountCount)
	return &Table{
		backend: b,
		log:     log,
		opts:    *opts,
		bs:      int(sb.BlockSize),
		sb:      sb,
		live:    make(map[Ino]*inode),
	}, nil
}

func (t *Table) SetLogger(l *slog.Logger) {
	t.log = l
}

func (t *Table) blockSize() int {
	return t.bs
}

// OpenInode returns a handle to ino and takes one reference on it.
func (t *Table) OpenInode(ino Ino) (Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	n, ok := t.live[ino]
	if !ok {
		rec, err := t.backend.LoadInode(ino)
		if err != nil {
			return nil, fmt.Errorf("inode %d: %w", ino, err)
		}
		n, err = t.load(rec)
		if err != nil {
			return nil, err
		}
		t.live[ino] = n
	}
	n.refs++
	return n.handle(), nil
}

func (t *Table) load(rec Record) (*inode, error) {
	n := &inode{t: t, rec: rec}
	if rec.Type != TypeDir {
		return n, nil
	}
	entries, err := t.backend.LoadEntries(rec.Ino)
	if err != nil {
		return nil, fmt.Errorf("inode %d entries: %w", rec.Ino, err)
	}
	n.entries = btree.NewG(16, entryLess)
	for _, e := range entries {
		n.entries.ReplaceOrInsert(e)
	}
	n.lock = &DirLock{}
	return n, nil
}

// ForgetInode drops n references to ino. When the last reference goes the
// inode leaves the table; a deleted inode is reclaimed at that point.
func (t *Table) ForgetInode(ino Ino, n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.live[ino]
	if !ok {
		t.log.Error("forget of inode that is not live", "ino", ino, "n", n)
		return fmt.Errorf("inode %d: %w", ino, ErrRefcount)
	}
	node.refs -= n
	if node.refs > 0 {
		return nil
	}
	delete(t.live, ino)
	if node.refs < 0 {
		t.log.Error("inode forgotten more times than opened", "ino", ino, "refs", node.refs)
		return fmt.Errorf("inode %d: %w", ino, ErrRefcount)
	}
	return t.evict(node)
}

func (t *Table) evict(n *inode) error {
	n.mu.RLock()
	rec := n.rec
	n.mu.RUnlock()
	if rec.DTime == 0 {
		return t.backend.SaveInode(rec)
	}
	if err := t.backend.DeleteInode(rec.Ino); err != nil {
		return fmt.Errorf("reclaim inode %d: %w", rec.Ino, err)
	}
	t.sb.FreeInodes++
	t.log.Debug("reclaimed inode", "ino", rec.Ino)
	return t.backend.SaveSuperblock(t.sb)
}

// CreateInode allocates a fresh inode with no links and returns it opened
// once.
func (t *Table) CreateInode(ft FileType, perm fs.FileMode) (Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.sb.FreeInodes == 0 {
		return nil, ErrNoSpace
	}
	ino := t.sb.NextIno
	t.sb.NextIno++
	t.sb.FreeInodes--
	if err := t.backend.SaveSuperblock(t.sb); err != nil {
		return nil, err
	}

	now := time.Now().UnixNano()
	rec := Record{
		Ino:   ino,
		Type:  ft,
		Perm:  perm.Perm(),
		MTime: now,
		CTime: now,
	}
	if err := t.backend.SaveInode(rec); err != nil {
		return nil, err
	}
	n := &inode{t: t, rec: rec, refs: 1}
	if ft == TypeDir {
		n.entries = btree.NewG(16, entryLess)
		n.lock = &DirLock{}
	}
	t.live[ino] = n
	t.log.Debug("created inode", "ino", ino, "type", ft)
	return n.handle(), nil
}

func (t *Table) Superblock() Superblock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sb
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		VolumeName:  t.sb.VolumeName,
		UUID:        t.sb.UUID.String(),
		BlockSize:   int(t.sb.BlockSize),
		InodesCount: t.sb.InodesCount,
		FreeInodes:  t.sb.FreeInodes,
		LiveInodes:  len(t.live),
		MountCount:  int(t.sb.MountCount),
		MountTime:   time.Unix(t.sb.MountTime, 0),
		State:       t.sb.stateString(),
	}
}

// LiveRefs reports the reference count held on ino, zero if it is not live.
func (t *Table) LiveRefs(ino Ino) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.live[ino]; ok {
		return n.refs
	}
	return 0
}

// Close writes back live inodes and marks the volume clean.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if len(t.live) > 0 {
		t.log.Warn("unmounting with live inodes", "count", len(t.live))
	}
	for _, n := range t.live {
		n.mu.RLock()
		rec := n.rec
		n.mu.RUnlock()
		if err := t.backend.SaveInode(rec); err != nil {
			t.log.Error("write back inode", "ino", rec.Ino, "err", err)
		}
	}
	if !t.opts.ReadOnly {
		t.sb.State |= StateValid
		t.sb.WriteTime = time.Now().Unix()
		if err := t.backend.SaveSuperblock(t.sb); err != nil {
			t.backend.Close()
			return err
		}
	}
	t.log.Info("unmounted", "volume", t.sb.VolumeName)
	return t.backend.Close()
}
