package fusekit

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
	"tractor.dev/inodefs/session"
	"tractor.dev/inodefs/store"
)

func sysErrno(err error) syscall.Errno {
	var errno syscall.Errno
	switch {
	case err == nil:
		return 0
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, session.ErrNoSuchFile):
		return unix.ENOENT
	case errors.Is(err, session.ErrDirNotEmpty):
		return unix.ENOTEMPTY
	case errors.Is(err, session.ErrFileExists):
		return unix.EEXIST
	case errors.Is(err, session.ErrNotDirectory):
		return unix.ENOTDIR
	case errors.Is(err, session.ErrIsDirectory):
		return unix.EISDIR
	case errors.Is(err, session.ErrClosedAccessor), errors.Is(err, session.ErrNotWritable):
		return unix.EBADF
	case errors.Is(err, session.ErrInvalidPath):
		return unix.EINVAL
	case errors.Is(err, session.ErrRootDelete):
		return unix.EBUSY
	case errors.Is(err, store.ErrNoSpace):
		return unix.ENOSPC
	default:
		return unix.EIO
	}
}

func openOptions(flags uint32) session.OpenOptions {
	var opts session.OpenOptions
	switch flags & unix.O_ACCMODE {
	case unix.O_WRONLY:
		opts = session.OpenWrite
	case unix.O_RDWR:
		opts = session.OpenRead | session.OpenWrite
	default:
		opts = session.OpenRead
	}
	if flags&unix.O_APPEND != 0 {
		opts |= session.OpenAppend
	}
	if flags&unix.O_TRUNC != 0 {
		opts |= session.OpenTruncate
	}
	if flags&unix.O_EXCL != 0 && flags&unix.O_CREAT != 0 {
		opts |= session.OpenCreateNew
	}
	return opts
}
