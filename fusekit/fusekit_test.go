package fusekit

import (
	"context"
	"fmt"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
	"tractor.dev/inodefs/session"
	"tractor.dev/inodefs/store"
)

func newSession(t *testing.T) *session.Session {
	t.Helper()
	b := store.NewMemBackend()
	if err := store.Format(b, store.FormatOptions{VolumeName: "fuse"}); err != nil {
		t.Fatalf("Format: %v", err)
	}
	tbl, err := store.Open(b, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	sess, err := session.New(tbl)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() {
		sess.Close()
		tbl.Close()
	})
	return sess
}

func TestOpenOptions(t *testing.T) {
	tests := []struct {
		flags uint32
		want  session.OpenOptions
	}{
		{unix.O_RDONLY, session.OpenRead},
		{unix.O_WRONLY, session.OpenWrite},
		{unix.O_RDWR, session.OpenRead | session.OpenWrite},
		{unix.O_WRONLY | unix.O_TRUNC, session.OpenWrite | session.OpenTruncate},
		{unix.O_WRONLY | unix.O_APPEND, session.OpenWrite | session.OpenAppend},
		{unix.O_RDWR | unix.O_CREAT | unix.O_EXCL, session.OpenRead | session.OpenWrite | session.OpenCreateNew},
		{unix.O_RDONLY | unix.O_EXCL, session.OpenRead},
	}
	for _, tt := range tests {
		if got := openOptions(tt.flags); got != tt.want {
			t.Errorf("openOptions(%#o) = %v, want %v", tt.flags, got, tt.want)
		}
	}
}

func TestSysErrno(t *testing.T) {
	tests := []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{session.ErrNoSuchFile, unix.ENOENT},
		{fmt.Errorf("wrapped: %w", session.ErrDirNotEmpty), unix.ENOTEMPTY},
		{session.ErrFileExists, unix.EEXIST},
		{session.ErrNotDirectory, unix.ENOTDIR},
		{session.ErrIsDirectory, unix.EISDIR},
		{session.ErrNotWritable, unix.EBADF},
		{session.ErrInvalidPath, unix.EINVAL},
		{session.ErrRootDelete, unix.EBUSY},
		{fmt.Errorf("%w: %w", session.ErrStoreFailure, store.ErrNoSpace), unix.ENOSPC},
		{session.ErrStoreFailure, unix.EIO},
		{unix.EXDEV, unix.EXDEV},
	}
	for _, tt := range tests {
		if got := sysErrno(tt.err); got != tt.want {
			t.Errorf("sysErrno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFillAttr(t *testing.T) {
	sess := newSession(t)
	if _, err := sess.CreateDirectory("/d"); err != nil {
		t.Fatal(err)
	}
	fi, err := sess.Attributes("/d")
	if err != nil {
		t.Fatal(err)
	}
	var attr fuse.Attr
	fillAttr(&attr, fi, 1024)
	if attr.Mode&unix.S_IFMT != unix.S_IFDIR {
		t.Errorf("mode %#o is not a directory", attr.Mode)
	}
	if attr.Nlink != 2 {
		t.Errorf("nlink = %d, want 2", attr.Nlink)
	}
	if attr.Ino != uint64(fi.Ino()) || attr.Blksize != 1024 {
		t.Errorf("ino %d blksize %d", attr.Ino, attr.Blksize)
	}
	if attr.Mtime != uint64(fi.ModTime().Unix()) {
		t.Errorf("mtime = %d", attr.Mtime)
	}
}

func TestHandle(t *testing.T) {
	sess := newSession(t)
	ctx := context.Background()
	acc, err := sess.Accessor(42, "/f", session.OpenRead|session.OpenWrite|session.OpenCreate)
	if err != nil {
		t.Fatal(err)
	}
	h := newHandle(acc, unix.O_RDWR)

	if n, errno := h.Write(ctx, []byte("hello world"), 0); errno != 0 || n != 11 {
		t.Fatalf("Write = %d, %v", n, errno)
	}
	if _, errno := h.Write(ctx, []byte("W"), 6); errno != 0 {
		t.Fatalf("Write at 6: %v", errno)
	}

	buf := make([]byte, 32)
	res, errno := h.Read(ctx, buf, 0)
	if errno != 0 {
		t.Fatalf("Read: %v", errno)
	}
	data, _ := res.Bytes(nil)
	if string(data) != "hello World" {
		t.Errorf("Read = %q", data)
	}

	res, errno = h.Read(ctx, buf, 100)
	if errno != 0 {
		t.Fatalf("Read past end: %v", errno)
	}
	if data, _ := res.Bytes(nil); len(data) != 0 {
		t.Errorf("Read past end = %q", data)
	}

	var out fuse.AttrOut
	if errno := h.Getattr(ctx, &out); errno != 0 || out.Size != 11 {
		t.Errorf("Getattr = size %d, %v", out.Size, errno)
	}

	if errno := h.Flush(ctx); errno != 0 {
		t.Fatal(errno)
	}
	if open := sess.OpenFiles(42); len(open) != 1 {
		t.Fatalf("flush closed the accessor: %+v", open)
	}
	if errno := h.Release(ctx); errno != 0 {
		t.Fatal(errno)
	}
	if open := sess.OpenFiles(42); len(open) != 0 {
		t.Fatalf("accessor left after release: %+v", open)
	}
}

func TestHandleAppend(t *testing.T) {
	sess := newSession(t)
	ctx := context.Background()
	acc, err := sess.Accessor(1, "/log", session.OpenWrite|session.OpenAppend|session.OpenCreate)
	if err != nil {
		t.Fatal(err)
	}
	h := newHandle(acc, unix.O_WRONLY|unix.O_APPEND)
	defer h.Release(ctx)

	// offsets from the kernel are ignored in append mode
	h.Write(ctx, []byte("one "), 0)
	h.Write(ctx, []byte("two"), 0)

	fi, err := sess.Attributes("/log")
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 7 {
		t.Errorf("size = %d, want 7", fi.Size())
	}
}
