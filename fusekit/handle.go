package fusekit

import (
	"context"
	"errors"
	"io"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
	"tractor.dev/inodefs/session"
)

// handle is an open file. It owns one accessor, which Release closes.
type handle struct {
	acc    *session.Accessor
	append bool
}

func newHandle(acc *session.Accessor, flags uint32) *handle {
	return &handle{acc: acc, append: flags&unix.O_APPEND != 0}
}

var _ = (gofuse.FileReader)((*handle)(nil))

func (h *handle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.acc.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, sysErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

var _ = (gofuse.FileWriter)((*handle)(nil))

func (h *handle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	var n int
	var err error
	if h.append {
		n, err = h.acc.Write(data)
	} else {
		n, err = h.acc.WriteAt(data, off)
	}
	if err != nil {
		return uint32(n), sysErrno(err)
	}
	return uint32(n), 0
}

var _ = (gofuse.FileFlusher)((*handle)(nil))

// Flush runs on every close(2) of a descriptor, including dups, so it
// leaves the accessor open.
func (h *handle) Flush(ctx context.Context) syscall.Errno {
	return 0
}

var _ = (gofuse.FileReleaser)((*handle)(nil))

func (h *handle) Release(ctx context.Context) syscall.Errno {
	return sysErrno(h.acc.Close())
}

var _ = (gofuse.FileFsyncer)((*handle)(nil))

func (h *handle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return sysErrno(h.acc.Sync())
}

var _ = (gofuse.FileGetattrer)((*handle)(nil))

func (h *handle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	size, err := h.acc.Length()
	if err != nil {
		return sysErrno(err)
	}
	out.Ino = uint64(h.acc.Ino())
	out.Size = uint64(size)
	out.Blocks = (out.Size + 511) / 512
	out.Mode = unix.S_IFREG | 0o644
	return 0
}
