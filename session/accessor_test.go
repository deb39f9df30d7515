package session

import (
	"bytes"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
)

func TestAccessorRoundTrip(t *testing.T) {
	s, cs := newTestSession(t)

	a, err := s.Accessor(1, "/f", OpenRead|OpenWrite|OpenCreate)
	if err != nil {
		t.Fatalf("Accessor: %v", err)
	}
	payload := bytes.Repeat([]byte("abcdefghij"), 20)

	if _, err := a.Seek(17, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	n, err := a.Write(payload)
	if err != nil || n != len(payload) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if pos, _ := a.Position(); pos != 17+int64(len(payload)) {
		t.Fatalf("Position = %d", pos)
	}
	if _, err := a.Seek(17, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(a, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read back %q", got)
	}
	if _, err := a.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("read at end: got %v, want EOF", err)
	}

	// the region before the first write reads back as zeros
	a.Seek(0, io.SeekStart)
	head := make([]byte, 17)
	io.ReadFull(a, head)
	if !bytes.Equal(head, make([]byte, 17)) {
		t.Errorf("hole = %v", head)
	}

	if l, _ := a.Length(); l != 17+int64(len(payload)) {
		t.Errorf("Length = %d", l)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	assertBalanced(t, cs)
}

func TestAccessorSequentialReads(t *testing.T) {
	s, _ := newTestSession(t)
	writeFile(t, s, "/f", "0123456789")

	a, err := s.Accessor(1, "/f", OpenRead)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	var chunks []string
	buf := make([]byte, 4)
	for {
		n, err := a.Read(buf)
		if n > 0 {
			chunks = append(chunks, string(buf[:n]))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if got := len(chunks); got != 3 || chunks[0] != "0123" || chunks[1] != "4567" || chunks[2] != "89" {
		t.Fatalf("chunks = %q", chunks)
	}
}

func TestAccessorSkipAndAvailable(t *testing.T) {
	s, _ := newTestSession(t)
	writeFile(t, s, "/f", "0123456789")

	a, err := s.Accessor(1, "/f", OpenRead)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if n, _ := a.Available(); n != 10 {
		t.Errorf("Available = %d, want 10", n)
	}
	if d, err := a.Skip(4); err != nil || d != 4 {
		t.Fatalf("Skip = %d, %v", d, err)
	}
	buf := make([]byte, 2)
	a.Read(buf)
	if string(buf) != "45" {
		t.Errorf("read after skip = %q", buf)
	}
	// skipping past the end is reported in full
	if d, _ := a.Skip(100); d != 100 {
		t.Errorf("Skip past end = %d, want 100", d)
	}
	if n, _ := a.Available(); n != 0 {
		t.Errorf("Available past end = %d, want 0", n)
	}
	if _, err := a.Skip(-1000); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("Skip before start: got %v", err)
	}
	if _, err := a.Seek(math.MaxInt64/2, io.SeekStart); err != nil {
		t.Errorf("Seek far past end: %v", err)
	}
}

func TestAccessorModes(t *testing.T) {
	s, cs := newTestSession(t)
	writeFile(t, s, "/f", "hello")
	mustMkdir(t, s, "/d")

	t.Run("read only", func(t *testing.T) {
		a, err := s.Accessor(1, "/f", OpenRead)
		if err != nil {
			t.Fatal(err)
		}
		defer a.Close()
		if _, err := a.Write([]byte("x")); !errors.Is(err, ErrNotWritable) {
			t.Fatalf("write on read-only: got %v", err)
		}
		if err := a.SetLength(0); !errors.Is(err, ErrNotWritable) {
			t.Fatalf("SetLength on read-only: got %v", err)
		}
	})

	t.Run("append", func(t *testing.T) {
		a, err := s.Accessor(1, "/f", OpenAppend)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(a, " world")
		a.Close()
		if got := readFile(t, s, "/f"); got != "hello world" {
			t.Fatalf("after append = %q", got)
		}
	})

	t.Run("truncate", func(t *testing.T) {
		a, err := s.Accessor(1, "/f", OpenWrite|OpenTruncate)
		if err != nil {
			t.Fatal(err)
		}
		a.Close()
		if got := readFile(t, s, "/f"); got != "" {
			t.Fatalf("after truncate = %q", got)
		}
	})

	t.Run("create new", func(t *testing.T) {
		if _, err := s.Accessor(1, "/f", OpenWrite|OpenCreateNew); !errors.Is(err, ErrFileExists) {
			t.Fatalf("CreateNew on existing: got %v", err)
		}
		a, err := s.Accessor(1, "/g", OpenWrite|OpenCreateNew)
		if err != nil {
			t.Fatalf("CreateNew: %v", err)
		}
		a.Close()
	})

	t.Run("missing", func(t *testing.T) {
		if _, err := s.Accessor(1, "/nope", OpenRead); !errors.Is(err, ErrNoSuchFile) {
			t.Fatalf("open missing: got %v", err)
		}
		if _, err := s.Accessor(1, "/nodir/f", OpenWrite|OpenCreate); !errors.Is(err, ErrNoSuchFile) {
			t.Fatalf("create under missing dir: got %v", err)
		}
	})

	t.Run("directory", func(t *testing.T) {
		if _, err := s.Accessor(1, "/d", OpenRead); !errors.Is(err, ErrIsDirectory) {
			t.Fatalf("open dir: got %v", err)
		}
	})

	if n := s.Registry().Count(); n != 0 {
		t.Errorf("%d accessors still registered", n)
	}
	assertBalanced(t, cs)
}

func TestAccessorDuplicateClose(t *testing.T) {
	s, cs := newTestSession(t)
	writeFile(t, s, "/f", "data")

	a, err := s.Accessor(42, "/f", OpenRead)
	if err != nil {
		t.Fatal(err)
	}
	const dups = 3
	for range dups {
		if err := a.Duplicate(); err != nil {
			t.Fatal(err)
		}
	}
	for i := range dups {
		a.Close()
		if len(s.OpenFiles(42)) != 1 {
			t.Fatalf("accessor deregistered after %d of %d closes", i+1, dups+1)
		}
		if _, err := a.Read(make([]byte, 1)); err != nil && err != io.EOF {
			t.Fatalf("read while still referenced: %v", err)
		}
	}
	a.Close()
	if files := s.OpenFiles(42); len(files) != 0 {
		t.Fatalf("OpenFiles after final close = %v", files)
	}
	if _, err := a.Read(make([]byte, 1)); !errors.Is(err, ErrClosedAccessor) {
		t.Fatalf("read after close: got %v", err)
	}
	if _, err := a.Write([]byte("x")); !errors.Is(err, ErrClosedAccessor) {
		t.Fatalf("write after close: got %v", err)
	}
	if _, err := a.Seek(0, io.SeekStart); !errors.Is(err, ErrClosedAccessor) {
		t.Fatalf("seek after close: got %v", err)
	}
	if err := a.Duplicate(); !errors.Is(err, ErrClosedAccessor) {
		t.Fatalf("duplicate after close: got %v", err)
	}
	// extra closes are ignored
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if st := a.Stat(); st.State != "closed" || st.Refs != 0 {
		t.Errorf("Stat = %+v", st)
	}
	assertBalanced(t, cs)
}

func TestAccessorConcurrentDuplicateClose(t *testing.T) {
	s, cs := newTestSession(t)
	writeFile(t, s, "/f", "data")
	a, err := s.Accessor(1, "/f", OpenRead)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Duplicate(); err != nil {
				t.Error(err)
				return
			}
			a.Close()
		}()
	}
	wg.Wait()
	if st := a.Stat(); st.Refs != 1 || st.State != "open" {
		t.Fatalf("after balanced duplicate/close: %+v", st)
	}
	a.Close()
	assertBalanced(t, cs)
}

func TestAccessorConcurrentWrites(t *testing.T) {
	s, _ := newTestSession(t)
	a, err := s.Accessor(1, "/f", OpenWrite|OpenCreate)
	if err != nil {
		t.Fatal(err)
	}
	const writers, chunk = 8, 10
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Write(bytes.Repeat([]byte{byte('a' + i)}, chunk))
		}()
	}
	wg.Wait()
	a.Close()

	data := readFile(t, s, "/f")
	if len(data) != writers*chunk {
		t.Fatalf("length = %d, want %d", len(data), writers*chunk)
	}
	// every chunk landed whole, never interleaved
	for off := 0; off < len(data); off += chunk {
		c := data[off : off+chunk]
		if c != string(bytes.Repeat([]byte{c[0]}, chunk)) {
			t.Fatalf("interleaved chunk at %d: %q", off, c)
		}
	}
}

func TestCloseAll(t *testing.T) {
	s, cs := newTestSession(t)
	writeFile(t, s, "/a", "a")
	writeFile(t, s, "/b", "b")

	a1, _ := s.Accessor(5, "/a", OpenRead)
	a1.Duplicate()
	s.Accessor(5, "/b", OpenRead)
	other, _ := s.Accessor(6, "/a", OpenRead)

	files := s.OpenFiles(5)
	if len(files) != 2 || files[0].Path != "/a" || files[1].Path != "/b" {
		t.Fatalf("OpenFiles(5) = %+v", files)
	}
	if n := s.CloseAll(5); n != 2 {
		t.Fatalf("CloseAll = %d, want 2", n)
	}
	if len(s.OpenFiles(5)) != 0 {
		t.Fatalf("pid 5 still has open files")
	}
	if _, err := a1.Read(make([]byte, 1)); !errors.Is(err, ErrClosedAccessor) {
		t.Fatalf("read after CloseAll: got %v", err)
	}
	if len(s.OpenFiles(6)) != 1 {
		t.Fatalf("CloseAll touched another pid")
	}
	other.Close()
	assertBalanced(t, cs)
}

func TestHandles(t *testing.T) {
	s, _ := newTestSession(t)
	writeFile(t, s, "/f", "x")
	h, err := s.Handle("/f")
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.OpenHandle(1, h, OpenRead)
	if err != nil {
		t.Fatalf("OpenHandle: %v", err)
	}
	if a.Handle() != h {
		t.Errorf("Handle = %+v, want %+v", a.Handle(), h)
	}
	a.Close()

	s.Delete("/f")
	writeFile(t, s, "/f", "y")
	if _, err := s.OpenHandle(1, h, OpenRead); !errors.Is(err, ErrNoSuchFile) {
		t.Fatalf("stale handle: got %v", err)
	}
}
