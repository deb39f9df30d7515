// Package session serves path-addressed requests against a mounted
// volume. It resolves paths to inodes, keeps every inode reference it
// takes balanced, serializes directory mutation and hands out file
// accessors with their own cursors.
package session

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"tractor.dev/inodefs/store"
)

type Option func(*Session)

// WithName sets the namespace name used in URI.
func WithName(name string) Option {
	return func(s *Session) { s.name = name }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// Session is a filesystem session over one Store. It is safe for
// concurrent use.
type Session struct {
	name     string
	store    store.Store
	root     store.Dir
	registry *Registry
	log      *slog.Logger
	closed   atomic.Bool

	// renameMu serializes renames between different directories, the
	// only operation that changes a directory's ancestry.
	renameMu sync.Mutex
}

// New starts a session. The root directory stays open for the life of the
// session.
func New(st store.Store, opts ...Option) (*Session, error) {
	s := &Session{
		name:     "inodefs",
		store:    st,
		registry: NewRegistry(),
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	in, err := st.OpenInode(store.RootIno)
	if err != nil {
		return nil, fmt.Errorf("open root: %w", err)
	}
	root, ok := in.(store.Dir)
	if !ok {
		st.ForgetInode(store.RootIno, 1)
		return nil, fmt.Errorf("open root: %w", ErrNotDirectory)
	}
	s.root = root
	return s, nil
}

func (s *Session) SetLogger(l *slog.Logger) {
	s.log = l
}

func (s *Session) Name() string {
	return s.name
}

// URI identifies the namespace this session serves.
func (s *Session) URI() string {
	return "inodefs://" + s.name
}

func (s *Session) Registry() *Registry {
	return s.registry
}

type Stats struct {
	store.Stats
	OpenFiles int
}

func (s *Session) Stats() Stats {
	return Stats{
		Stats:     s.store.Stats(),
		OpenFiles: s.registry.Count(),
	}
}

// Close force-closes every accessor and releases the root. It does not
// close the Store.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	for _, pid := range s.registry.Pids() {
		s.CloseAll(pid)
	}
	return s.store.ForgetInode(store.RootIno, 1)
}
