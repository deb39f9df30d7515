package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"tractor.dev/inodefs/store"
)

func TestMoveDirectory(t *testing.T) {
	s, cs := newTestSession(t)
	mustMkdir(t, s, "/a")
	mustMkdir(t, s, "/a/b")
	mustMkdir(t, s, "/c")
	writeFile(t, s, "/a/b/f", "payload")
	bino := mustKey(t, s, "/a/b")

	if err := s.Move("/a/b", "/c/b"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if ok, _ := s.Exists("/a/b"); ok {
		t.Fatal("/a/b still exists")
	}
	if got := mustKey(t, s, "/c/b"); got != bino {
		t.Fatalf("/c/b is inode %d, want %d", got, bino)
	}
	if got := readFile(t, s, "/c/b/f"); got != "payload" {
		t.Fatalf("/c/b/f = %q", got)
	}
	dotdot, err := s.Resolve("/c/b/..")
	if err != nil || dotdot.Ino != mustKey(t, s, "/c") {
		t.Fatalf("/c/b/.. = %+v, %v", dotdot, err)
	}
	for p, want := range map[string]int{"/a": 2, "/c": 3, "/c/b": 2, "/": 4} {
		fi, err := s.Attributes(p)
		if err != nil {
			t.Fatal(err)
		}
		if fi.Links() != want {
			t.Errorf("%s links = %d, want %d", p, fi.Links(), want)
		}
	}
	assertBalanced(t, cs)
}

func TestMoveReplaces(t *testing.T) {
	t.Run("file over file", func(t *testing.T) {
		s, cs := newTestSession(t)
		writeFile(t, s, "/a", "A")
		writeFile(t, s, "/b", "B")
		free := s.Stats().FreeInodes

		if err := s.Move("/a", "/b"); err != nil {
			t.Fatalf("Move: %v", err)
		}
		if got := readFile(t, s, "/b"); got != "A" {
			t.Fatalf("/b = %q", got)
		}
		if ok, _ := s.Exists("/a"); ok {
			t.Fatal("/a still exists")
		}
		if got := s.Stats().FreeInodes; got != free+1 {
			t.Errorf("FreeInodes = %d, want %d", got, free+1)
		}
		assertBalanced(t, cs)
	})

	t.Run("dir over empty dir", func(t *testing.T) {
		s, cs := newTestSession(t)
		mustMkdir(t, s, "/p")
		mustMkdir(t, s, "/q")
		mustCreateFile(t, s, "/p/f")

		if err := s.Move("/p", "/q"); err != nil {
			t.Fatalf("Move: %v", err)
		}
		if names, _ := s.List("/q"); !slices.Equal(names, []string{"f"}) {
			t.Fatalf("List(/q) = %v", names)
		}
		if root, _ := s.Attributes("/"); root.Links() != 3 {
			t.Errorf("root links = %d, want 3", root.Links())
		}
		assertBalanced(t, cs)
	})

	t.Run("dir over non-empty dir", func(t *testing.T) {
		s, cs := newTestSession(t)
		mustMkdir(t, s, "/p")
		mustMkdir(t, s, "/q")
		mustCreateFile(t, s, "/q/f")
		if err := s.Move("/p", "/q"); !errors.Is(err, ErrDirNotEmpty) {
			t.Fatalf("got %v, want ErrDirNotEmpty", err)
		}
		if ok, _ := s.Exists("/p"); !ok {
			t.Fatal("source removed by failed move")
		}
		assertBalanced(t, cs)
	})

	t.Run("type mismatch", func(t *testing.T) {
		s, _ := newTestSession(t)
		mustMkdir(t, s, "/d")
		mustCreateFile(t, s, "/f")
		if err := s.Move("/f", "/d"); !errors.Is(err, ErrIsDirectory) {
			t.Errorf("file over dir: got %v", err)
		}
		if err := s.Move("/d", "/f"); !errors.Is(err, ErrNotDirectory) {
			t.Errorf("dir over file: got %v", err)
		}
	})
}

func TestMoveInvalid(t *testing.T) {
	s, cs := newTestSession(t)
	mustMkdir(t, s, "/a")
	mustMkdir(t, s, "/a/b")

	tests := []struct {
		src, dst string
		want     error
	}{
		{"/a", "/a/b/c", ErrInvalidPath},
		{"/a", "/a/c", ErrInvalidPath},
		{"/", "/x", ErrInvalidPath},
		{"/a", "/", ErrInvalidPath},
		{"/missing", "/x", ErrNoSuchFile},
		{"/a", "/nodir/x", ErrNoSuchFile},
		{"a", "/x", ErrInvalidPath},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s to %s", tt.src, tt.dst), func(t *testing.T) {
			if err := s.Move(tt.src, tt.dst); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
	if err := s.Move("/a", "/a"); err != nil {
		t.Errorf("move onto itself: %v", err)
	}
	assertBalanced(t, cs)
}

func TestRenameByInode(t *testing.T) {
	s, cs := newTestSession(t)
	mustMkdir(t, s, "/x")
	mustMkdir(t, s, "/y")
	writeFile(t, s, "/x/f", "hi")

	if err := s.Rename(mustKey(t, s, "/x"), "f", mustKey(t, s, "/y"), "g"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if got := readFile(t, s, "/y/g"); got != "hi" {
		t.Fatalf("/y/g = %q", got)
	}
	if err := s.Rename(mustKey(t, s, "/x"), "missing", store.RootIno, "z"); !errors.Is(err, ErrNoSuchFile) {
		t.Fatalf("rename missing: got %v", err)
	}
	if err := s.Rename(store.RootIno, "..", store.RootIno, "z"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("rename dot-dot: got %v", err)
	}
	assertBalanced(t, cs)
}

func TestRenameOppositeDirections(t *testing.T) {
	s, cs := newTestSession(t)
	mustMkdir(t, s, "/x")
	mustMkdir(t, s, "/y")
	mustCreateFile(t, s, "/x/f")
	mustCreateFile(t, s, "/y/g")
	x, y := mustKey(t, s, "/x"), mustKey(t, s, "/y")

	const rounds = 200
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range rounds {
				s.Rename(x, "f", y, "f")
				s.Rename(y, "f", x, "f")
			}
		}()
		go func() {
			defer wg.Done()
			for range rounds {
				s.Rename(y, "g", x, "g")
				s.Rename(x, "g", y, "g")
			}
		}()
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("renames in opposite directions deadlocked")
	}
	if ok, _ := s.Exists("/x/f"); !ok {
		t.Error("/x/f missing after round trips")
	}
	if ok, _ := s.Exists("/y/g"); !ok {
		t.Error("/y/g missing after round trips")
	}
	assertBalanced(t, cs)
}

func TestRenameVisibility(t *testing.T) {
	s, _ := newTestSession(t)
	mustMkdir(t, s, "/d")
	mustCreateFile(t, s, "/d/a")
	d := mustKey(t, s, "/d")

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		names := []string{"a", "b"}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := s.Rename(d, names[i%2], d, names[(i+1)%2]); err != nil {
				t.Errorf("Rename: %v", err)
				return
			}
		}
	}()

	for range 500 {
		names, err := s.List("/d")
		if err != nil {
			t.Fatal(err)
		}
		if len(names) != 1 {
			t.Fatalf("listing saw %v during rename", names)
		}
	}
	close(stop)
	wg.Wait()
}

func TestCopy(t *testing.T) {
	s, cs := newTestSession(t)
	mustMkdir(t, s, "/src")
	mustMkdir(t, s, "/src/sub")
	writeFile(t, s, "/src/f", "top")
	writeFile(t, s, "/src/sub/g", "nested")

	if err := s.Copy("/src", "/dst"); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if got := readFile(t, s, "/dst/f"); got != "top" {
		t.Errorf("/dst/f = %q", got)
	}
	if got := readFile(t, s, "/dst/sub/g"); got != "nested" {
		t.Errorf("/dst/sub/g = %q", got)
	}
	if mustKey(t, s, "/dst/f") == mustKey(t, s, "/src/f") {
		t.Error("copy shares an inode with its source")
	}
	src, _ := s.Attributes("/src/f")
	dst, _ := s.Attributes("/dst/f")
	if !src.ModTime().Equal(dst.ModTime()) {
		t.Errorf("mtime not preserved: %v vs %v", src.ModTime(), dst.ModTime())
	}

	if err := s.Copy("/src", "/dst"); !errors.Is(err, ErrFileExists) {
		t.Errorf("copy onto existing: got %v", err)
	}
	if err := s.Copy("/src", "/src/sub/again"); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("copy into itself: got %v", err)
	}
	if n := s.Registry().Count(); n != 0 {
		t.Errorf("%d accessors left open by copy", n)
	}
	assertBalanced(t, cs)
}

func TestMoveToOtherSession(t *testing.T) {
	a, acs := newTestSession(t)
	b, bcs := newTestSession(t)
	mustMkdir(t, a, "/tree")
	writeFile(t, a, "/tree/f", "across")

	if err := a.MoveTo("/tree", b, "/moved"); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	if ok, _ := a.Exists("/tree"); ok {
		t.Error("source still exists")
	}
	if got := readFile(t, b, "/moved/f"); got != "across" {
		t.Errorf("/moved/f = %q", got)
	}
	if err := a.MoveTo("/missing", b, "/x"); !errors.Is(err, ErrNoSuchFile) {
		t.Errorf("move missing: got %v", err)
	}
	assertBalanced(t, acs)
	assertBalanced(t, bcs)
}

func TestRemoveAll(t *testing.T) {
	s, cs := newTestSession(t)
	if err := s.CreateDirectories("/r/a/b"); err != nil {
		t.Fatal(err)
	}
	writeFile(t, s, "/r/a/f", "x")
	writeFile(t, s, "/r/a/b/g", "y")

	if err := s.RemoveAll("/r"); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if ok, _ := s.Exists("/r"); ok {
		t.Fatal("/r still exists")
	}
	if free := s.Stats().FreeInodes; free != store.DefaultInodesCount-1 {
		t.Errorf("FreeInodes = %d, want every inode reclaimed", free)
	}
	if err := s.RemoveAll("/r"); err != nil {
		t.Errorf("RemoveAll missing: %v", err)
	}
	assertBalanced(t, cs)
}
