// Package p9kit serves a session over 9P2000.L. Every connection is one
// caller: the files it opens are accessors registered under a process id
// the server assigns, and they are all closed when the connection ends.
package p9kit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path"
	"sync/atomic"
	"time"

	"github.com/hugelgupf/p9/fsimpl/templatefs"
	"github.com/hugelgupf/p9/linux"
	"github.com/hugelgupf/p9/p9"
	"github.com/u-root/uio/ulog"
	"tractor.dev/inodefs/session"
	"tractor.dev/inodefs/store"
)

// DefaultFirstPid is the Linux pid limit, so connection ids never match
// a process reaching the session through FUSE.
const DefaultFirstPid = 1 << 22

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithDebug traces every 9P message through ulog.
func WithDebug(debug bool) Option {
	return func(s *Server) { s.debug = debug }
}

// WithFirstPid sets the process id given to the first connection.
func WithFirstPid(pid int) Option {
	return func(s *Server) { s.nextPid.Store(int64(pid) - 1) }
}

type Server struct {
	sess    *session.Session
	log     *slog.Logger
	debug   bool
	nextPid atomic.Int64
}

func NewServer(sess *session.Session, opts ...Option) *Server {
	s := &Server{
		sess: sess,
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	s.nextPid.Store(DefaultFirstPid - 1)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections on l until ctx is done or l fails.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	s.log.Info("serving 9p", "addr", l.Addr().String(), "namespace", s.sess.URI())
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if err := s.ServeConn(conn); err != nil {
				s.log.Debug("9p connection ended", "remote", conn.RemoteAddr().String(), "err", err)
			}
		}()
	}
}

// ServeConn speaks 9P on conn until it closes, then releases every
// accessor the connection left open.
func (s *Server) ServeConn(conn net.Conn) error {
	pid := int(s.nextPid.Add(1))
	var opts []p9.ServerOpt
	if s.debug {
		opts = append(opts, p9.WithServerLogger(ulog.Log))
	}
	srv := p9.NewServer(&attacher{sess: s.sess, pid: pid, log: s.log}, opts...)
	s.log.Debug("9p connection", "pid", pid, "remote", conn.RemoteAddr().String())

	err := srv.Handle(conn, conn)
	if n := s.sess.CloseAll(pid); n > 0 {
		s.log.Debug("closed accessors left by connection", "pid", pid, "count", n)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Attacher returns a p9.Attacher whose files open accessors for pid.
func Attacher(sess *session.Session, pid int) p9.Attacher {
	return &attacher{sess: sess, pid: pid, log: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

type attacher struct {
	sess *session.Session
	pid  int
	log  *slog.Logger
}

var _ p9.Attacher = &attacher{}

// Attach implements p9.Attacher.Attach.
func (a *attacher) Attach() (p9.File, error) {
	return &p9file{a: a, path: "/"}, nil
}

type p9file struct {
	templatefs.NotImplementedFile

	a    *attacher
	path string
	acc  *session.Accessor
}

var _ p9.File = &p9file{}

func (l *p9file) info() (p9.QID, *session.FileInfo, error) {
	fi, err := l.a.sess.Attributes(l.path)
	if err != nil {
		return p9.QID{}, nil, toErrno(err)
	}
	return qidOf(fi), fi, nil
}

// The inode number is the QID path, so two names for one file agree.
func qidOf(fi *session.FileInfo) p9.QID {
	return p9.QID{
		Type: p9.ModeFromOS(fi.Mode()).QIDType(),
		Path: uint64(fi.Ino()),
	}
}

// Walk implements p9.File.Walk.
func (l *p9file) Walk(names []string) ([]p9.QID, p9.File, error) {
	last := &p9file{a: l.a, path: l.path}
	if len(names) == 0 {
		return nil, last, nil
	}
	var qids []p9.QID
	for _, name := range names {
		c := &p9file{a: l.a, path: path.Join(last.path, name)}
		qid, _, err := c.info()
		if err != nil {
			return nil, nil, err
		}
		qids = append(qids, qid)
		last = c
	}
	return qids, last, nil
}

// GetAttr implements p9.File.GetAttr.
func (l *p9file) GetAttr(req p9.AttrMask) (p9.QID, p9.AttrMask, p9.Attr, error) {
	qid, fi, err := l.info()
	if err != nil {
		return qid, p9.AttrMask{}, p9.Attr{}, err
	}
	bs := uint64(l.a.sess.Stats().BlockSize)
	mtime := fi.ModTime()
	attr := p9.Attr{
		Mode:             p9.ModeFromOS(fi.Mode()),
		NLink:            p9.NLink(fi.Links()),
		Size:             uint64(fi.Size()),
		BlockSize:        bs,
		Blocks:           (uint64(fi.Size()) + 511) / 512,
		ATimeSeconds:     uint64(mtime.Unix()),
		ATimeNanoSeconds: uint64(mtime.Nanosecond()),
		MTimeSeconds:     uint64(mtime.Unix()),
		MTimeNanoSeconds: uint64(mtime.Nanosecond()),
		CTimeSeconds:     uint64(mtime.Unix()),
		CTimeNanoSeconds: uint64(mtime.Nanosecond()),
	}
	return qid, req, attr, nil
}

// SetAttr implements p9.File.SetAttr. Ownership is not stored.
func (l *p9file) SetAttr(valid p9.SetAttrMask, attr p9.SetAttr) error {
	supported := p9.SetAttrMask{
		Size:               true,
		MTime:              true,
		CTime:              true,
		ATime:              true,
		MTimeNotSystemTime: true,
		ATimeNotSystemTime: true,
		Permissions:        true,
	}
	if !valid.IsSubsetOf(supported) {
		l.a.log.Debug("unsupported setattr", "path", l.path, "mask", valid)
		return linux.ENOSYS
	}

	var set session.SetAttr
	if valid.Size {
		size := int64(attr.Size)
		set.Size = &size
	}
	if valid.MTime {
		mtime := time.Now()
		if valid.MTimeNotSystemTime {
			mtime = time.Unix(int64(attr.MTimeSeconds), int64(attr.MTimeNanoSeconds))
		}
		set.ModTime = &mtime
	}
	if valid.Permissions {
		perm := p9.FileMode(attr.Permissions).OSMode().Perm()
		set.Perm = &perm
	}
	return toErrno(l.a.sess.SetAttributes(l.path, set))
}

// Open implements p9.File.Open. Directories are opened for listing only.
func (l *p9file) Open(mode p9.OpenFlags) (p9.QID, uint32, error) {
	qid, fi, err := l.info()
	if err != nil {
		return qid, 0, err
	}
	if fi.IsDir() {
		if mode&p9.OpenFlagsModeMask != p9.ReadOnly {
			return qid, 0, linux.EISDIR
		}
		return qid, 0, nil
	}
	acc, err := l.a.sess.Accessor(l.a.pid, l.path, openOptions(mode))
	if err != nil {
		return qid, 0, toErrno(err)
	}
	l.acc = acc
	return qid, 0, nil
}

// ReadAt implements p9.File.ReadAt.
func (l *p9file) ReadAt(p []byte, offset int64) (int, error) {
	if l.acc == nil {
		return 0, linux.EBADF
	}
	n, err := l.acc.ReadAt(p, offset)
	if err == io.EOF {
		return n, nil
	}
	return n, toErrno(err)
}

// WriteAt implements p9.File.WriteAt.
func (l *p9file) WriteAt(p []byte, offset int64) (int, error) {
	if l.acc == nil {
		return 0, linux.EBADF
	}
	n, err := l.acc.WriteAt(p, offset)
	return n, toErrno(err)
}

// FSync implements p9.File.FSync.
func (l *p9file) FSync() error {
	if l.acc == nil {
		return nil
	}
	return toErrno(l.acc.Sync())
}

// Close implements p9.File.Close. The server calls it once, on clunk.
func (l *p9file) Close() error {
	if l.acc != nil {
		return toErrno(l.acc.Close())
	}
	return nil
}

// Create implements p9.File.Create.
func (l *p9file) Create(name string, mode p9.OpenFlags, permissions p9.FileMode, _ p9.UID, _ p9.GID) (p9.File, p9.QID, uint32, error) {
	p := path.Join(l.path, name)
	acc, err := l.a.sess.Accessor(l.a.pid, p, openOptions(mode)|session.OpenCreateNew)
	if err != nil {
		return nil, p9.QID{}, 0, toErrno(err)
	}
	nf := &p9file{a: l.a, path: p, acc: acc}
	if err := l.a.setPerm(p, permissions); err != nil {
		nf.Close()
		return nil, p9.QID{}, 0, err
	}
	qid, _, err := nf.info()
	if err != nil {
		nf.Close()
		return nil, p9.QID{}, 0, err
	}
	return nf, qid, 0, nil
}

// setPerm applies the permission bits a client asked for at creation.
func (a *attacher) setPerm(p string, permissions p9.FileMode) error {
	perm := permissions.OSMode().Perm()
	if perm == 0 {
		return nil
	}
	if err := a.sess.SetAttributes(p, session.SetAttr{Perm: &perm}); err != nil {
		a.log.Debug("set permissions", "path", p, "err", err)
		return toErrno(err)
	}
	return nil
}

// Mkdir implements p9.File.Mkdir.
func (l *p9file) Mkdir(name string, permissions p9.FileMode, _ p9.UID, _ p9.GID) (p9.QID, error) {
	p := path.Join(l.path, name)
	ok, err := l.a.sess.CreateDirectory(p)
	if err != nil {
		return p9.QID{}, toErrno(err)
	}
	if !ok {
		return p9.QID{}, linux.ENOENT
	}
	if err := l.a.setPerm(p, permissions); err != nil {
		return p9.QID{}, err
	}
	nf := &p9file{a: l.a, path: p}
	qid, _, err := nf.info()
	return qid, err
}

// RenameAt implements p9.File.RenameAt.
func (l *p9file) RenameAt(oldName string, newDir p9.File, newName string) error {
	nd, ok := newDir.(*p9file)
	if !ok {
		return linux.EXDEV
	}
	oldPath := path.Join(l.path, oldName)
	newPath := path.Join(nd.path, newName)
	if err := l.a.sess.Move(oldPath, newPath); err != nil {
		l.a.log.Debug("rename", "from", oldPath, "to", newPath, "err", err)
		return toErrno(err)
	}
	return nil
}

// Renamed implements p9.File.Renamed.
func (l *p9file) Renamed(parent p9.File, newName string) {
	l.path = path.Join(parent.(*p9file).path, newName)
}

const atRemoveDir = 0x200

// UnlinkAt implements p9.File.UnlinkAt.
func (l *p9file) UnlinkAt(name string, flags uint32) error {
	p := path.Join(l.path, name)
	fi, err := l.a.sess.Attributes(p)
	if err != nil {
		return toErrno(err)
	}
	switch {
	case flags&atRemoveDir != 0 && !fi.IsDir():
		return linux.ENOTDIR
	case flags&atRemoveDir == 0 && fi.IsDir():
		return linux.EISDIR
	}
	return toErrno(l.a.sess.Delete(p))
}

// Readdir implements p9.File.Readdir. Offsets are positions in the
// listing, so a client pages by passing the last entry's Offset.
func (l *p9file) Readdir(offset uint64, count uint32) (p9.Dirents, error) {
	infos, err := l.a.sess.ListEntries(l.path)
	if err != nil {
		return nil, toErrno(err)
	}
	var ents p9.Dirents
	for i := offset; i < uint64(len(infos)) && len(ents) < int(count); i++ {
		fi := infos[i]
		qid := qidOf(fi)
		ents = append(ents, p9.Dirent{
			QID:    qid,
			Type:   qid.Type,
			Name:   fi.Name(),
			Offset: i + 1,
		})
	}
	return ents, nil
}

// StatFS implements p9.File.StatFS.
func (l *p9file) StatFS() (p9.FSStat, error) {
	st := l.a.sess.Stats()
	return p9.FSStat{
		Type:       uint32(store.Magic),
		BlockSize:  uint32(st.BlockSize),
		Files:      st.InodesCount,
		FilesFree:  st.FreeInodes,
		NameLength: store.MaxNameLen,
	}, nil
}

// Lock implements p9.File.Lock. Advisory locks are granted and not
// tracked.
func (l *p9file) Lock(pid int, locktype p9.LockType, flags p9.LockFlags, start, length uint64, client string) (p9.LockStatus, error) {
	return p9.LockStatusOK, nil
}
