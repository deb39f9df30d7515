package store

import (
	"fmt"
	"io"
	"io/fs"
	"iter"
	"sync"
	"time"

	"github.com/google/btree"
)

func entryLess(a, b Entry) bool {
	return a.Name < b.Name
}

// inode is the live, in-memory form of an inode. Exactly one exists per
// live inode number; every handle returned for that number shares it.
type inode struct {
	t *Table

	// refs is guarded by t.mu.
	refs int

	mu  sync.RWMutex
	rec Record

	// directories only
	entries *btree.BTreeG[Entry]
	lock    *DirLock
}

var (
	_ Inode = (*inode)(nil)
	_ Dir   = dirInode{}
)

func (n *inode) handle() Inode {
	if n.entries != nil {
		return dirInode{n}
	}
	return n
}

func (n *inode) Ino() Ino {
	return n.rec.Ino
}

func (n *inode) Type() FileType {
	return n.rec.Type
}

func (n *inode) ReadData(length int, offset int64) ([]byte, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if offset < 0 {
		return nil, fmt.Errorf("read inode %d: negative offset", n.rec.Ino)
	}
	if offset >= n.rec.Size {
		return nil, io.EOF
	}
	if rem := n.rec.Size - offset; int64(length) > rem {
		length = int(rem)
	}

	bs := int64(n.t.blockSize())
	out := make([]byte, 0, length)
	for len(out) < length {
		pos := offset + int64(len(out))
		idx := uint64(pos / bs)
		off := int(pos % bs)
		chunk := min(int(bs)-off, length-len(out))
		blk, err := n.t.backend.ReadBlock(n.rec.Ino, idx)
		if err != nil {
			return out, fmt.Errorf("read inode %d block %d: %w", n.rec.Ino, idx, err)
		}
		// short or missing blocks are holes
		part := make([]byte, chunk)
		if off < len(blk) {
			copy(part, blk[off:])
		}
		out = append(out, part...)
	}
	return out, nil
}

func (n *inode) WriteData(p []byte, offset int64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if offset < 0 {
		return 0, fmt.Errorf("write inode %d: negative offset", n.rec.Ino)
	}

	bs := int64(n.t.blockSize())
	written := 0
	for written < len(p) {
		pos := offset + int64(written)
		idx := uint64(pos / bs)
		off := int(pos % bs)
		chunk := min(int(bs)-off, len(p)-written)

		var blk []byte
		if off != 0 || chunk != int(bs) {
			old, err := n.t.backend.ReadBlock(n.rec.Ino, idx)
			if err != nil {
				return written, fmt.Errorf("write inode %d block %d: %w", n.rec.Ino, idx, err)
			}
			blk = make([]byte, bs)
			copy(blk, old)
		} else {
			blk = make([]byte, bs)
		}
		copy(blk[off:], p[written:written+chunk])
		if err := n.t.backend.WriteBlock(n.rec.Ino, idx, blk); err != nil {
			return written, fmt.Errorf("write inode %d block %d: %w", n.rec.Ino, idx, err)
		}
		written += chunk
		if end := pos + int64(chunk); end > n.rec.Size {
			n.rec.Size = end
		}
	}
	return written, nil
}

func (n *inode) Size() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rec.Size
}

func (n *inode) SetSize(size int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if size < 0 {
		return fmt.Errorf("truncate inode %d: negative size", n.rec.Ino)
	}
	if size < n.rec.Size {
		bs := int64(n.t.blockSize())
		keep := uint64((size + bs - 1) / bs)
		if err := n.t.backend.TruncateBlocks(n.rec.Ino, keep); err != nil {
			return fmt.Errorf("truncate inode %d: %w", n.rec.Ino, err)
		}
		// zero the tail of the last kept block so a later extension
		// reads back zeros
		if off := size % bs; off != 0 {
			idx := uint64(size / bs)
			blk, err := n.t.backend.ReadBlock(n.rec.Ino, idx)
			if err != nil {
				return fmt.Errorf("truncate inode %d: %w", n.rec.Ino, err)
			}
			if int64(len(blk)) > off {
				clear(blk[off:])
				if err := n.t.backend.WriteBlock(n.rec.Ino, idx, blk); err != nil {
					return fmt.Errorf("truncate inode %d: %w", n.rec.Ino, err)
				}
			}
		}
	}
	n.rec.Size = size
	return nil
}

func (n *inode) ModTime() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return time.Unix(0, n.rec.MTime)
}

func (n *inode) SetModTime(t time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rec.MTime = t.UnixNano()
}

func (n *inode) Perm() fs.FileMode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rec.Perm
}

func (n *inode) SetPerm(perm fs.FileMode) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rec.Perm = perm.Perm()
}

func (n *inode) LinksCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.rec.Links
}

func (n *inode) SetLinksCount(c int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rec.Links = max(c, 0)
}

func (n *inode) Sync() error {
	n.mu.RLock()
	rec := n.rec
	n.mu.RUnlock()
	if err := n.t.backend.SaveInode(rec); err != nil {
		return fmt.Errorf("sync inode %d: %w", rec.Ino, err)
	}
	return nil
}

func (n *inode) Delete() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.rec.Ino == RootIno {
		return fmt.Errorf("delete inode %d: %w", n.rec.Ino, fs.ErrPermission)
	}
	n.rec.Links = 0
	n.rec.DTime = time.Now().UnixNano()
	return nil
}

type dirInode struct {
	*inode
}

func (d dirInode) Lookup(name string) (Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries.Get(Entry{Name: name})
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e, nil
}

func (d dirInode) AddLink(child Inode, name string) error {
	if err := d.AddEntry(Entry{Name: name, Ino: child.Ino(), Type: child.Type()}); err != nil {
		return err
	}
	child.SetLinksCount(child.LinksCount() + 1)
	return nil
}

func (d dirInode) AddEntry(e Entry) error {
	if !validName(e.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, e.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries.Has(e) {
		return fmt.Errorf("%w: %q", ErrExist, e.Name)
	}
	if err := d.t.backend.PutEntry(d.rec.Ino, e); err != nil {
		return fmt.Errorf("add entry %q: %w", e.Name, err)
	}
	d.entries.ReplaceOrInsert(e)
	d.rec.MTime = time.Now().UnixNano()
	return nil
}

func (d dirInode) RemoveEntry(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.entries.Has(Entry{Name: name}) {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err := d.t.backend.DeleteEntry(d.rec.Ino, name); err != nil {
		return fmt.Errorf("remove entry %q: %w", name, err)
	}
	d.entries.Delete(Entry{Name: name})
	d.rec.MTime = time.Now().UnixNano()
	return nil
}

func (d dirInode) SetEntry(name string, ino Ino) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries.Get(Entry{Name: name})
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	e.Ino = ino
	if err := d.t.backend.PutEntry(d.rec.Ino, e); err != nil {
		return fmt.Errorf("set entry %q: %w", name, err)
	}
	d.entries.ReplaceOrInsert(e)
	return nil
}

func (d dirInode) UnlinkDir(child Dir, name string) error {
	if !child.IsEmpty() {
		return fmt.Errorf("%w: %q", ErrNotEmpty, name)
	}
	if err := d.RemoveEntry(name); err != nil {
		return err
	}
	// the entry in d and the child's own "." both go away
	child.SetLinksCount(0)
	if err := child.Delete(); err != nil {
		return err
	}
	// the child's ".." no longer refers to d
	d.SetLinksCount(d.LinksCount() - 1)
	return nil
}

func (d dirInode) UnlinkOther(child Inode, name string) error {
	if err := d.RemoveEntry(name); err != nil {
		return err
	}
	links := child.LinksCount() - 1
	child.SetLinksCount(links)
	if links <= 0 {
		return child.Delete()
	}
	return nil
}

func (d dirInode) AddDotLinks(parent Dir) error {
	if err := d.AddLink(d, "."); err != nil {
		return err
	}
	return d.AddLink(parent, "..")
}

func (d dirInode) Entries() iter.Seq[Entry] {
	d.mu.RLock()
	snapshot := make([]Entry, 0, d.entries.Len())
	d.entries.Ascend(func(e Entry) bool {
		snapshot = append(snapshot, e)
		return true
	})
	d.mu.RUnlock()
	return func(yield func(Entry) bool) {
		for _, e := range snapshot {
			if !yield(e) {
				return
			}
		}
	}
}

func (d dirInode) IsEmpty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	empty := true
	d.entries.Ascend(func(e Entry) bool {
		if e.Name == "." || e.Name == ".." {
			return true
		}
		empty = false
		return false
	})
	return empty
}

func (d dirInode) DirLock() *DirLock {
	return d.lock
}
