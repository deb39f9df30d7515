// Package api serves a session over toolkit-go duplex RPC. Each
// connection is one caller: it gets its own process id and descriptor
// table, and its accessors are closed when it goes away.
//
// Path calls take their arguments as a list of strings. Descriptor calls
// take an ioArgs; Open, OpenHandle and Duplicate return a descriptor.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/net/netutil"
	"tractor.dev/inodefs/session"
	"tractor.dev/toolkit-go/duplex/codec"
	"tractor.dev/toolkit-go/duplex/mux"
	"tractor.dev/toolkit-go/duplex/rpc"
	"tractor.dev/toolkit-go/duplex/talk"
)

// DefaultFirstPid is above the Linux pid limit and the range 9P
// connections use, so RPC callers never share an id with another caller.
const DefaultFirstPid = 1 << 23

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

func WithFirstPid(pid int) Option {
	return func(s *Server) { s.nextPid.Store(int64(pid - 1)) }
}

// WithMaxConns caps the connections Serve handles at once. Zero means no
// limit.
func WithMaxConns(n int) Option {
	return func(s *Server) { s.maxConns = n }
}

type Server struct {
	sess     *session.Session
	log      *slog.Logger
	maxConns int
	nextPid  atomic.Int64
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[io.Closer]struct{}
}

func NewServer(sess *session.Session, opts ...Option) *Server {
	s := &Server{
		sess:  sess,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		conns: make(map[io.Closer]struct{}),
	}
	s.nextPid.Store(DefaultFirstPid - 1)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve accepts connections on l until ctx is done or l fails. When ctx
// is done it closes l and hangs up every connection, and returns once
// they have finished.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	if s.maxConns > 0 {
		l = netutil.LimitListener(l, s.maxConns)
	}
	stop := context.AfterFunc(ctx, func() {
		l.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
	defer stop()
	defer s.wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.ServeConn(conn); err != nil {
				s.log.Warn("rpc connection", "remote", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

// ServeConn answers calls on conn until the peer hangs up.
func (s *Server) ServeConn(conn io.ReadWriteCloser) error {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	sess, err := mux.DialIO(conn, conn)
	if err != nil {
		return err
	}
	pid := int(s.nextPid.Add(1))
	sc := &syscaller{
		sess: s.sess,
		log:  s.log.With("pid", pid),
		pid:  pid,
		fds:  make(map[int]*session.Accessor),
	}
	s.log.Debug("rpc attach", "pid", pid)

	peer := talk.NewPeer(sess, codec.CBORCodec{})
	sc.register(peer)
	peer.Respond()
	peer.Close()

	if n := s.sess.CloseAll(pid); n > 0 {
		s.log.Debug("rpc detach closed accessors", "pid", pid, "count", n)
	}
	return nil
}

// syscaller holds the state of one connection.
type syscaller struct {
	sess *session.Session
	log  *slog.Logger
	pid  int

	mu     sync.Mutex
	fds    map[int]*session.Accessor
	nextFd int
}

func (sc *syscaller) register(peer *talk.Peer) {
	handle := func(name string, fn func(rpc.Responder, *rpc.Call)) {
		peer.Handle(name, rpc.HandlerFunc(fn))
	}
	handle("Open", sc.open)
	handle("OpenHandle", sc.openHandle)
	handle("Duplicate", sc.duplicate)
	handle("Close", sc.close)
	handle("Read", sc.read)
	handle("Write", sc.write)
	handle("ReadAt", sc.readAt)
	handle("WriteAt", sc.writeAt)
	handle("Seek", sc.seek)
	handle("Skip", sc.skip)
	handle("Available", sc.available)
	handle("Position", sc.position)
	handle("Length", sc.length)
	handle("SetLength", sc.setLength)
	handle("Sync", sc.sync)
	handle("OpenFiles", sc.openFiles)

	handle("Stat", sc.stat)
	handle("Exists", sc.exists)
	handle("List", sc.list)
	handle("ReadDir", sc.readDir)
	handle("Key", sc.key)
	handle("Handle", sc.handle)
	handle("SetAttr", sc.setAttr)
	handle("Create", sc.create)
	handle("Mkdir", sc.mkdir)
	handle("MkdirAll", sc.mkdirAll)
	handle("Delete", sc.delete)
	handle("RemoveAll", sc.removeAll)
	handle("Copy", sc.copy)
	handle("Move", sc.move)
	handle("Rename", sc.rename)
	handle("StatFS", sc.statFS)
}

func (sc *syscaller) addFd(acc *session.Accessor) int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.nextFd++
	sc.fds[sc.nextFd] = acc
	return sc.nextFd
}

func (sc *syscaller) fd(fd int) (*session.Accessor, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	acc, ok := sc.fds[fd]
	return acc, ok
}

func (sc *syscaller) dropFd(fd int) (*session.Accessor, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	acc, ok := sc.fds[fd]
	delete(sc.fds, fd)
	return acc, ok
}
