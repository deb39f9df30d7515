package session

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tractor.dev/inodefs/store"
)

var errInjected = errors.New("injected i/o error")

// faultyBackend fails directory entry writes chosen by the test.
type faultyBackend struct {
	store.Backend

	mu       sync.Mutex
	putEntry func(dir store.Ino, e store.Entry) bool
	delEntry func(dir store.Ino, name string) bool
}

func (b *faultyBackend) failPut(fn func(dir store.Ino, e store.Entry) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.putEntry = fn
}

func (b *faultyBackend) failDelete(fn func(dir store.Ino, name string) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delEntry = fn
}

func (b *faultyBackend) PutEntry(dir store.Ino, e store.Entry) error {
	b.mu.Lock()
	fail := b.putEntry
	b.mu.Unlock()
	if fail != nil && fail(dir, e) {
		return errInjected
	}
	return b.Backend.PutEntry(dir, e)
}

func (b *faultyBackend) DeleteEntry(dir store.Ino, name string) error {
	b.mu.Lock()
	fail := b.delEntry
	b.mu.Unlock()
	if fail != nil && fail(dir, name) {
		return errInjected
	}
	return b.Backend.DeleteEntry(dir, name)
}

func newFaultySession(t *testing.T) (*Session, *countingStore, *faultyBackend) {
	t.Helper()
	fb := &faultyBackend{Backend: store.NewMemBackend()}
	cs := newCountingStoreOn(t, fb)
	s, err := New(cs, WithName("faulty"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, cs, fb
}

func childPath(dir, name string) string {
	return strings.TrimSuffix(dir, "/") + "/" + name
}

// checkTree walks the tree from the root. Every directory's ".." must
// name its parent and its link count must be two plus its subdirectories;
// every file's link count must equal the entries naming it. It returns the
// number of directories reached.
func checkTree(t *testing.T, s *Session) int {
	t.Helper()
	refs := make(map[store.Ino]int)
	links := make(map[store.Ino]int)
	dirs := 0
	var walk func(p string, parent store.Ino)
	walk = func(p string, parent store.Ino) {
		dirs++
		fi, err := s.Attributes(p)
		if err != nil {
			t.Fatalf("Attributes(%q): %v", p, err)
		}
		dotdot, err := s.Resolve(childPath(p, ".."))
		if err != nil || dotdot.Ino != parent {
			t.Errorf("%s/.. = %d, %v; want %d", p, dotdot.Ino, err, parent)
		}
		entries, err := s.ListEntries(p)
		if err != nil {
			t.Fatalf("ListEntries(%q): %v", p, err)
		}
		subdirs := 0
		for _, e := range entries {
			if e.IsDir() {
				subdirs++
				walk(childPath(p, e.Name()), fi.Ino())
				continue
			}
			refs[e.Ino()]++
			links[e.Ino()] = e.Links()
		}
		if want := 2 + subdirs; fi.Links() != want {
			t.Errorf("%s links = %d, want %d", p, fi.Links(), want)
		}
	}
	walk("/", store.RootIno)
	for ino, n := range refs {
		if links[ino] != n {
			t.Errorf("inode %d has %d links but %d entries", ino, links[ino], n)
		}
	}
	return dirs
}

func TestCreateInRemovedDirectory(t *testing.T) {
	s, cs := newTestSession(t)
	free := s.Stats().FreeInodes
	mustMkdir(t, s, "/d")
	d := mustKey(t, s, "/d")

	// /d goes away after CreateFile resolved it but before it locks it
	var fired atomic.Bool
	var delErr error
	cs.onOpen = func(ino store.Ino) {
		if ino == d && fired.CompareAndSwap(false, true) {
			delErr = s.Delete("/d")
		}
	}
	ok, err := s.CreateFile("/d/f")
	cs.onOpen = nil
	if delErr != nil {
		t.Fatalf("Delete: %v", delErr)
	}
	if err != nil || ok {
		t.Fatalf("CreateFile in removed directory = %v, %v; want false, nil", ok, err)
	}
	if ok, _ := s.Exists("/d"); ok {
		t.Fatal("/d still exists")
	}
	if got := s.Stats().FreeInodes; got != free {
		t.Errorf("free inodes = %d, want %d", got, free)
	}
	checkTree(t, s)
	assertBalanced(t, cs)
}

func TestRenameIntoRemovedDirectory(t *testing.T) {
	s, cs := newTestSession(t)
	writeFile(t, s, "/f", "kept")
	free := s.Stats().FreeInodes
	mustMkdir(t, s, "/d")
	d := mustKey(t, s, "/d")

	var fired atomic.Bool
	var delErr error
	cs.onOpen = func(ino store.Ino) {
		if ino == d && fired.CompareAndSwap(false, true) {
			delErr = s.Delete("/d")
		}
	}
	err := s.Move("/f", "/d/f")
	cs.onOpen = nil
	if delErr != nil {
		t.Fatalf("Delete: %v", delErr)
	}
	if !errors.Is(err, ErrNoSuchFile) {
		t.Fatalf("Move into removed directory: got %v, want ErrNoSuchFile", err)
	}
	if got := readFile(t, s, "/f"); got != "kept" {
		t.Errorf("/f = %q", got)
	}
	if got := s.Stats().FreeInodes; got != free {
		t.Errorf("free inodes = %d, want %d", got, free)
	}
	checkTree(t, s)
	assertBalanced(t, cs)
}

func TestRenameIntoOwnSubtree(t *testing.T) {
	s, cs := newTestSession(t)
	mustMkdir(t, s, "/a")
	mustMkdir(t, s, "/a/b")
	mustMkdir(t, s, "/a/b/c")
	a, c := mustKey(t, s, "/a"), mustKey(t, s, "/a/b/c")

	if err := s.Rename(store.RootIno, "a", c, "a"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("rename below itself: got %v, want ErrInvalidPath", err)
	}
	if err := s.Rename(store.RootIno, "a", a, "self"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("rename into itself: got %v, want ErrInvalidPath", err)
	}
	if names, _ := s.List("/"); len(names) != 1 || names[0] != "a" {
		t.Fatalf("root lists %v", names)
	}
	if n := checkTree(t, s); n != 4 {
		t.Errorf("reached %d directories, want 4", n)
	}
	assertBalanced(t, cs)
}

func TestCrossingMoves(t *testing.T) {
	s, cs := newTestSession(t)
	mustMkdir(t, s, "/a")
	mustMkdir(t, s, "/b")
	a, b := mustKey(t, s, "/a"), mustKey(t, s, "/b")

	// The outer move of /a into /b holds /b open while the opposite move
	// of /b into /a gets past its own path checks.
	reached := make(chan struct{})
	inner := make(chan error, 1)
	var startedOuter, startedInner atomic.Bool
	cs.onOpen = func(ino store.Ino) {
		switch {
		case ino == b && startedOuter.CompareAndSwap(false, true):
			go func() { inner <- s.Move("/b", "/a/y") }()
			select {
			case <-reached:
			case <-time.After(5 * time.Second):
			}
		case ino == a && startedInner.CompareAndSwap(false, true):
			close(reached)
		}
	}
	outerErr := s.Move("/a", "/b/x")
	innerErr := <-inner
	cs.onOpen = nil

	failed := 0
	for _, err := range []error{outerErr, innerErr} {
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("crossing move failed with %v, want ErrInvalidPath", err)
		}
		failed++
	}
	if failed != 1 {
		t.Fatalf("outer %v, inner %v: want exactly one to fail", outerErr, innerErr)
	}
	if names, _ := s.List("/"); len(names) != 1 {
		t.Fatalf("root lists %v, want one directory", names)
	}
	if n := checkTree(t, s); n != 3 {
		t.Errorf("reached %d directories, want 3", n)
	}
	assertBalanced(t, cs)
}

func TestRenameStoreFault(t *testing.T) {
	tests := []struct {
		name    string
		replace bool
		fault   func(fb *faultyBackend, a, b, x store.Ino)
	}{
		{
			name: "destination entry",
			fault: func(fb *faultyBackend, a, b, x store.Ino) {
				fb.failPut(func(dir store.Ino, e store.Entry) bool { return dir == b })
			},
		},
		{
			name: "source removal",
			fault: func(fb *faultyBackend, a, b, x store.Ino) {
				fb.failDelete(func(dir store.Ino, name string) bool { return dir == a })
			},
		},
		{
			name: "dot-dot rewrite",
			fault: func(fb *faultyBackend, a, b, x store.Ino) {
				fb.failPut(func(dir store.Ino, e store.Entry) bool { return dir == x && e.Name == ".." })
			},
		},
		{
			name:    "dot-dot rewrite over empty directory",
			replace: true,
			fault: func(fb *faultyBackend, a, b, x store.Ino) {
				fb.failPut(func(dir store.Ino, e store.Entry) bool { return dir == x && e.Name == ".." })
			},
		},
		{
			name:    "source removal over empty directory",
			replace: true,
			fault: func(fb *faultyBackend, a, b, x store.Ino) {
				fb.failDelete(func(dir store.Ino, name string) bool { return dir == a })
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, cs, fb := newFaultySession(t)
			mustMkdir(t, s, "/a")
			mustMkdir(t, s, "/a/x")
			mustMkdir(t, s, "/b")
			writeFile(t, s, "/a/x/f", "payload")
			if tt.replace {
				mustMkdir(t, s, "/b/x")
			}
			a, b, x := mustKey(t, s, "/a"), mustKey(t, s, "/b"), mustKey(t, s, "/a/x")
			free := s.Stats().FreeInodes

			tt.fault(fb, a, b, x)
			err := s.Move("/a/x", "/b/x")
			fb.failPut(nil)
			fb.failDelete(nil)
			if !errors.Is(err, ErrStoreFailure) {
				t.Fatalf("Move: got %v, want ErrStoreFailure", err)
			}

			if got := mustKey(t, s, "/a/x"); got != x {
				t.Fatalf("/a/x is inode %d, want %d", got, x)
			}
			if ok, _ := s.Exists("/b/x"); ok != tt.replace {
				t.Fatalf("/b/x exists = %v, want %v", ok, tt.replace)
			}
			if tt.replace && mustKey(t, s, "/b/x") == x {
				t.Fatal("/b/x was replaced")
			}
			if got := readFile(t, s, "/a/x/f"); got != "payload" {
				t.Errorf("/a/x/f = %q", got)
			}
			if got := s.Stats().FreeInodes; got != free {
				t.Errorf("free inodes = %d, want %d", got, free)
			}
			checkTree(t, s)
			assertBalanced(t, cs)

			// the volume keeps working once the fault clears
			if err := s.Move("/a/x", "/b/x"); err != nil {
				t.Fatalf("Move after fault: %v", err)
			}
			if got := readFile(t, s, "/b/x/f"); got != "payload" {
				t.Errorf("/b/x/f = %q", got)
			}
			checkTree(t, s)
			assertBalanced(t, cs)
		})
	}
}

func TestReplaceFileStoreFault(t *testing.T) {
	s, cs, fb := newFaultySession(t)
	mustMkdir(t, s, "/a")
	mustMkdir(t, s, "/b")
	writeFile(t, s, "/a/x", "new")
	writeFile(t, s, "/b/x", "old")
	a := mustKey(t, s, "/a")
	free := s.Stats().FreeInodes

	fb.failDelete(func(dir store.Ino, name string) bool { return dir == a })
	err := s.Move("/a/x", "/b/x")
	fb.failDelete(nil)
	if !errors.Is(err, ErrStoreFailure) {
		t.Fatalf("Move: got %v, want ErrStoreFailure", err)
	}
	if got := readFile(t, s, "/b/x"); got != "old" {
		t.Errorf("/b/x = %q, want the replaced file intact", got)
	}
	if got := readFile(t, s, "/a/x"); got != "new" {
		t.Errorf("/a/x = %q", got)
	}
	if got := s.Stats().FreeInodes; got != free {
		t.Errorf("free inodes = %d, want %d", got, free)
	}
	checkTree(t, s)
	assertBalanced(t, cs)
}

func TestCreateStoreFault(t *testing.T) {
	tests := []struct {
		name  string
		dir   bool
		fault func(d store.Ino) func(dir store.Ino, e store.Entry) bool
	}{
		{
			name: "file entry",
			fault: func(d store.Ino) func(store.Ino, store.Entry) bool {
				return func(dir store.Ino, e store.Entry) bool { return dir == d }
			},
		},
		{
			name: "directory entry",
			dir:  true,
			fault: func(d store.Ino) func(store.Ino, store.Entry) bool {
				return func(dir store.Ino, e store.Entry) bool { return dir == d }
			},
		},
		{
			name: "directory dot-dot",
			dir:  true,
			fault: func(d store.Ino) func(store.Ino, store.Entry) bool {
				return func(dir store.Ino, e store.Entry) bool { return e.Name == ".." }
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, cs, fb := newFaultySession(t)
			mustMkdir(t, s, "/d")
			d := mustKey(t, s, "/d")
			free := s.Stats().FreeInodes

			fb.failPut(tt.fault(d))
			create := s.CreateFile
			if tt.dir {
				create = s.CreateDirectory
			}
			ok, err := create("/d/n")
			fb.failPut(nil)
			if ok || !errors.Is(err, ErrStoreFailure) {
				t.Fatalf("create = %v, %v; want false, ErrStoreFailure", ok, err)
			}
			if names, _ := s.List("/d"); len(names) != 0 {
				t.Errorf("/d lists %v", names)
			}
			if got := s.Stats().FreeInodes; got != free {
				t.Errorf("free inodes = %d, want %d", got, free)
			}
			checkTree(t, s)
			assertBalanced(t, cs)

			ok, err = create("/d/n")
			if !ok || err != nil {
				t.Fatalf("create after fault = %v, %v", ok, err)
			}
			checkTree(t, s)
		})
	}
}

func TestDeleteStoreFault(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		s, cs, fb := newFaultySession(t)
		mustMkdir(t, s, "/d")
		writeFile(t, s, "/d/f", "still here")
		d := mustKey(t, s, "/d")
		free := s.Stats().FreeInodes

		fb.failDelete(func(dir store.Ino, name string) bool { return dir == d })
		err := s.Delete("/d/f")
		fb.failDelete(nil)
		if !errors.Is(err, ErrStoreFailure) {
			t.Fatalf("Delete: got %v, want ErrStoreFailure", err)
		}
		if got := readFile(t, s, "/d/f"); got != "still here" {
			t.Errorf("/d/f = %q", got)
		}
		if got := s.Stats().FreeInodes; got != free {
			t.Errorf("free inodes = %d, want %d", got, free)
		}
		checkTree(t, s)
		assertBalanced(t, cs)
	})

	t.Run("directory", func(t *testing.T) {
		s, cs, fb := newFaultySession(t)
		mustMkdir(t, s, "/d")
		free := s.Stats().FreeInodes

		fb.failDelete(func(dir store.Ino, name string) bool { return dir == store.RootIno })
		err := s.Delete("/d")
		fb.failDelete(nil)
		if !errors.Is(err, ErrStoreFailure) {
			t.Fatalf("Delete: got %v, want ErrStoreFailure", err)
		}
		if ok, _ := s.Exists("/d"); !ok {
			t.Fatal("/d is gone")
		}
		if got := s.Stats().FreeInodes; got != free {
			t.Errorf("free inodes = %d, want %d", got, free)
		}
		checkTree(t, s)
		assertBalanced(t, cs)

		if err := s.Delete("/d"); err != nil {
			t.Fatalf("Delete after fault: %v", err)
		}
		checkTree(t, s)
	})
}

func TestLockInvariantReported(t *testing.T) {
	s, cs := newTestSession(t)
	var logs bytes.Buffer
	s.SetLogger(slog.New(slog.NewTextHandler(&logs, nil)))
	mustMkdir(t, s, "/d")
	d := mustKey(t, s, "/d")

	err := s.withDir(d, func(dir store.Dir) error {
		unlock := s.lockDirs(dir, s.root)
		// released out from under the holder
		dir.DirLock().Unlock()
		return unlock()
	})
	if !errors.Is(err, ErrLockInvariant) {
		t.Fatalf("got %v, want ErrLockInvariant", err)
	}
	out := logs.String()
	if !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "hold count not zero") {
		t.Errorf("log = %q, want an error about the hold count", out)
	}

	// both locks are usable afterwards
	mustCreateFile(t, s, "/d/f")
	mustCreateFile(t, s, "/g")
	assertBalanced(t, cs)
}
