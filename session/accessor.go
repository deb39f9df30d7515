package session

import (
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"tractor.dev/inodefs/store"
)

// OpenOptions select how Accessor opens a file.
type OpenOptions uint8

const (
	OpenRead OpenOptions = 1 << iota
	OpenWrite
	OpenAppend
	OpenCreate
	OpenCreateNew
	OpenTruncate
)

func (o OpenOptions) writable() bool {
	return o&(OpenWrite|OpenAppend) != 0
}

func (o OpenOptions) String() string {
	names := []string{"read", "write", "append", "create", "create_new", "truncate"}
	var s string
	for i, name := range names {
		if o&(1<<i) == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	if s == "" {
		return "none"
	}
	return s
}

type accessorState int32

const (
	stateOpen accessorState = iota
	stateClosing
	stateClosed
)

func (st accessorState) String() string {
	switch st {
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Accessor is one open file. It owns a cursor and a reference count: the
// underlying inode stays open until every Duplicate has been matched by a
// Close. Cursor updates are serialized by the accessor's own lock.
type Accessor struct {
	sess   *Session
	inode  store.Inode
	parent store.Ino
	pid    int
	path   string
	opts   OpenOptions
	// release balances the open of inode
	release func()

	refs  atomic.Int32
	state atomic.Int32

	mu  sync.Mutex
	pos int64
}

func newAccessor(s *Session, in store.Inode, release func(), parent store.Ino, pid int, p string, opts OpenOptions) *Accessor {
	a := &Accessor{
		sess:    s,
		inode:   in,
		parent:  parent,
		pid:     pid,
		path:    p,
		opts:    opts,
		release: release,
	}
	a.refs.Store(1)
	return a
}

func (a *Accessor) Ino() store.Ino    { return a.inode.Ino() }
func (a *Accessor) Parent() store.Ino { return a.parent }
func (a *Accessor) Pid() int          { return a.pid }
func (a *Accessor) Path() string      { return a.path }

func (a *Accessor) isOpen() bool {
	return accessorState(a.state.Load()) == stateOpen
}

// Read reads up to len(p) bytes at the cursor and advances it by the amount
// read. It returns io.EOF at the end of the file.
func (a *Accessor) Read(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isOpen() {
		return 0, opErr("read", a.path, ErrClosedAccessor)
	}
	if len(p) == 0 {
		return 0, nil
	}
	data, err := a.inode.ReadData(len(p), a.pos)
	n := copy(p, data)
	a.pos += int64(n)
	if err == io.EOF {
		return n, io.EOF
	}
	return n, opErr("read", a.path, translateIO(err))
}

// ReadAt reads at off without moving the cursor.
func (a *Accessor) ReadAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isOpen() {
		return 0, opErr("read", a.path, ErrClosedAccessor)
	}
	data, err := a.inode.ReadData(len(p), off)
	n := copy(p, data)
	if err == io.EOF || (err == nil && n < len(p)) {
		return n, io.EOF
	}
	return n, opErr("read", a.path, translateIO(err))
}

// Write writes p at the cursor, or at the end of the file for accessors
// opened with OpenAppend, and advances the cursor. The inode's metadata is
// persisted before Write returns.
func (a *Accessor) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isOpen() {
		return 0, opErr("write", a.path, ErrClosedAccessor)
	}
	if !a.opts.writable() {
		return 0, opErr("write", a.path, ErrNotWritable)
	}
	if a.opts&OpenAppend != 0 {
		a.pos = a.inode.Size()
	}
	n, err := a.write(p, a.pos)
	a.pos += int64(n)
	return n, err
}

// WriteAt writes at off without moving the cursor.
func (a *Accessor) WriteAt(p []byte, off int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isOpen() {
		return 0, opErr("write", a.path, ErrClosedAccessor)
	}
	if !a.opts.writable() {
		return 0, opErr("write", a.path, ErrNotWritable)
	}
	return a.write(p, off)
}

func (a *Accessor) write(p []byte, off int64) (int, error) {
	n, err := a.inode.WriteData(p, off)
	if err != nil {
		return n, opErr("write", a.path, translateIO(err))
	}
	a.inode.SetModTime(time.Now())
	if err := a.inode.Sync(); err != nil {
		return n, opErr("write", a.path, translateIO(err))
	}
	return n, nil
}

// Seek sets the cursor. Positions past the end of the file are allowed; a
// write there extends the file.
func (a *Accessor) Seek(offset int64, whence int) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isOpen() {
		return 0, opErr("seek", a.path, ErrClosedAccessor)
	}
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += a.pos
	case io.SeekEnd:
		offset += a.inode.Size()
	default:
		return 0, opErr("seek", a.path, ErrInvalidPath)
	}
	if offset < 0 {
		return 0, opErr("seek", a.path, ErrInvalidPath)
	}
	a.pos = offset
	return offset, nil
}

// Skip moves the cursor by delta and reports delta as skipped. It does
// not clamp to the file length.
func (a *Accessor) Skip(delta int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isOpen() {
		return 0, opErr("skip", a.path, ErrClosedAccessor)
	}
	if a.pos+delta < 0 {
		return 0, opErr("skip", a.path, ErrInvalidPath)
	}
	a.pos += delta
	return delta, nil
}

// Available reports how many bytes remain after the cursor.
func (a *Accessor) Available() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isOpen() {
		return 0, opErr("available", a.path, ErrClosedAccessor)
	}
	n := a.inode.Size() - a.pos
	return int(min(max(n, 0), math.MaxInt32)), nil
}

func (a *Accessor) Position() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isOpen() {
		return 0, opErr("position", a.path, ErrClosedAccessor)
	}
	return a.pos, nil
}

func (a *Accessor) Length() (int64, error) {
	if !a.isOpen() {
		return 0, opErr("length", a.path, ErrClosedAccessor)
	}
	return a.inode.Size(), nil
}

// SetLength truncates or extends the file. The cursor is left alone.
func (a *Accessor) SetLength(n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isOpen() {
		return opErr("truncate", a.path, ErrClosedAccessor)
	}
	if !a.opts.writable() {
		return opErr("truncate", a.path, ErrNotWritable)
	}
	if n < 0 {
		return opErr("truncate", a.path, ErrInvalidPath)
	}
	if err := a.inode.SetSize(n); err != nil {
		return opErr("truncate", a.path, translateIO(err))
	}
	a.inode.SetModTime(time.Now())
	return opErr("truncate", a.path, translateIO(a.inode.Sync()))
}

func (a *Accessor) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.isOpen() {
		return opErr("sync", a.path, ErrClosedAccessor)
	}
	return opErr("sync", a.path, translateIO(a.inode.Sync()))
}

// Duplicate takes another reference on the accessor. Each reference is
// dropped by one Close.
func (a *Accessor) Duplicate() error {
	for {
		n := a.refs.Load()
		if n <= 0 {
			return opErr("duplicate", a.path, ErrClosedAccessor)
		}
		if a.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Close drops one reference. The last Close releases the inode and
// removes the accessor from its registry. Closing a closed accessor does
// nothing.
func (a *Accessor) Close() error {
	for {
		n := a.refs.Load()
		if n <= 0 {
			return nil
		}
		if a.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				a.finalize()
			}
			return nil
		}
	}
}

// forceClose drops every reference at once.
func (a *Accessor) forceClose() {
	if a.refs.Swap(0) > 0 {
		a.finalize()
	}
}

func (a *Accessor) finalize() {
	a.state.Store(int32(stateClosing))
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.inode.Sync(); err != nil {
		a.sess.log.Error("sync on close", "path", a.path, "ino", a.inode.Ino(), "err", err)
	}
	a.release()
	a.sess.registry.remove(a)
	a.state.Store(int32(stateClosed))
	a.sess.log.Debug("closed accessor", "pid", a.pid, "path", a.path)
}

// OpenFile is a point-in-time view of an accessor.
type OpenFile struct {
	Pid      int
	Path     string
	Ino      store.Ino
	Parent   store.Ino
	Options  OpenOptions
	Position int64
	Refs     int
	State    string
}

func (a *Accessor) Stat() OpenFile {
	a.mu.Lock()
	pos := a.pos
	a.mu.Unlock()
	return OpenFile{
		Pid:      a.pid,
		Path:     a.path,
		Ino:      a.inode.Ino(),
		Parent:   a.parent,
		Options:  a.opts,
		Position: pos,
		Refs:     int(a.refs.Load()),
		State:    accessorState(a.state.Load()).String(),
	}
}

// Handle returns a token that can reopen the same file.
func (a *Accessor) Handle() FileHandle {
	return FileHandle{Path: a.path, Ino: a.inode.Ino()}
}

func translateIO(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	return translate(err)
}
