package session

import (
	"errors"
	"fmt"
	"io/fs"

	"tractor.dev/inodefs/store"
)

type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

var (
	ErrNoSuchFile     error = &kindError{"no such file or directory", fs.ErrNotExist}
	ErrFileExists     error = &kindError{"file already exists", fs.ErrExist}
	ErrDirNotEmpty    error = &kindError{"directory not empty", fs.ErrExist}
	ErrNotDirectory   error = &kindError{"not a directory", fs.ErrInvalid}
	ErrIsDirectory    error = &kindError{"is a directory", fs.ErrInvalid}
	ErrClosedAccessor error = &kindError{"accessor is closed", fs.ErrClosed}
	ErrNotWritable    error = &kindError{"accessor not open for writing", fs.ErrPermission}
	ErrInvalidPath    error = &kindError{"invalid argument", fs.ErrInvalid}
	ErrStoreFailure         = errors.New("store failure")

	// ErrLockInvariant and ErrRootDelete signal broken internal
	// invariants rather than client mistakes.
	ErrLockInvariant = errors.New("directory lock hold count not zero after release")
	ErrRootDelete    = errors.New("refusing to delete the root directory")
)

func opErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var perr *fs.PathError
	if errors.As(err, &perr) {
		return err
	}
	return &fs.PathError{Op: op, Path: path, Err: err}
}

// translate maps a store error onto the session taxonomy. Anything the
// session has no name for is a store failure.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case isSessionError(err):
		return err
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrNoInode):
		return ErrNoSuchFile
	case errors.Is(err, store.ErrExist):
		return ErrFileExists
	case errors.Is(err, store.ErrNotEmpty):
		return ErrDirNotEmpty
	case errors.Is(err, store.ErrInvalidName):
		return ErrInvalidPath
	default:
		return fmt.Errorf("%w: %w", ErrStoreFailure, err)
	}
}

func isSessionError(err error) bool {
	var k *kindError
	return errors.As(err, &k) ||
		errors.Is(err, ErrStoreFailure) ||
		errors.Is(err, ErrLockInvariant) ||
		errors.Is(err, ErrRootDelete)
}
