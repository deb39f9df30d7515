package p9kit

import (
	"errors"

	"github.com/hugelgupf/p9/linux"
	"github.com/hugelgupf/p9/p9"
	"tractor.dev/inodefs/session"
	"tractor.dev/inodefs/store"
)

// Linux open(2) bits as 9P2000.L carries them, whatever the host.
const (
	openTrunc  = 0o1000
	openAppend = 0o2000
)

// openOptions maps 9P open flags to accessor options.
func openOptions(mode p9.OpenFlags) session.OpenOptions {
	var opts session.OpenOptions
	switch mode & p9.OpenFlagsModeMask {
	case p9.WriteOnly:
		opts = session.OpenWrite
	case p9.ReadWrite:
		opts = session.OpenRead | session.OpenWrite
	default:
		opts = session.OpenRead
	}
	flags := int(mode)
	if flags&openAppend != 0 {
		opts |= session.OpenAppend
	}
	if flags&openTrunc != 0 {
		opts |= session.OpenTruncate
	}
	return opts
}

// toErrno turns a session error into the errno a 9P client sees.
func toErrno(err error) error {
	var errno linux.Errno
	switch {
	case err == nil:
		return nil
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, session.ErrNoSuchFile):
		return linux.ENOENT
	case errors.Is(err, session.ErrDirNotEmpty):
		return linux.ENOTEMPTY
	case errors.Is(err, session.ErrFileExists):
		return linux.EEXIST
	case errors.Is(err, session.ErrNotDirectory):
		return linux.ENOTDIR
	case errors.Is(err, session.ErrIsDirectory):
		return linux.EISDIR
	case errors.Is(err, session.ErrClosedAccessor), errors.Is(err, session.ErrNotWritable):
		return linux.EBADF
	case errors.Is(err, session.ErrInvalidPath):
		return linux.EINVAL
	case errors.Is(err, store.ErrNoSpace):
		return linux.ENOSPC
	default:
		return linux.EIO
	}
}
