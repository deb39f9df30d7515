package api

import (
	"context"
	"io"
	"io/fs"
	"strings"
	"time"

	"tractor.dev/inodefs/session"
	"tractor.dev/inodefs/store"
	"tractor.dev/toolkit-go/duplex/codec"
	"tractor.dev/toolkit-go/duplex/mux"
	"tractor.dev/toolkit-go/duplex/talk"
)

// Client calls a Server over one connection.
type Client struct {
	peer *talk.Peer
}

// Dial starts a client on conn. Closing the client closes conn.
func Dial(conn io.ReadWriteCloser) (*Client, error) {
	sess, err := mux.DialIO(conn, conn)
	if err != nil {
		return nil, err
	}
	return &Client{peer: talk.NewPeer(sess, codec.CBORCodec{})}, nil
}

func (c *Client) Close() error {
	return c.peer.Close()
}

// call runs one remote call and turns a remote error back into the
// session error it was made from, when there is one.
func (c *Client) call(op, path, selector string, args, reply any) error {
	_, err := c.peer.Call(context.Background(), selector, args, reply)
	return remoteError(op, path, err)
}

var remoteErrors = []error{
	session.ErrNoSuchFile,
	session.ErrFileExists,
	session.ErrDirNotEmpty,
	session.ErrNotDirectory,
	session.ErrIsDirectory,
	session.ErrClosedAccessor,
	session.ErrNotWritable,
	session.ErrInvalidPath,
	session.ErrRootDelete,
	errBadFd,
}

func remoteError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, e := range remoteErrors {
		if strings.HasSuffix(msg, e.Error()) {
			return &fs.PathError{Op: op, Path: path, Err: e}
		}
	}
	return &fs.PathError{Op: op, Path: path, Err: err}
}

func (c *Client) Open(name string, opts session.OpenOptions) (*File, error) {
	var fd int
	if err := c.call("open", name, "Open", openArgs{Path: name, Options: opts}, &fd); err != nil {
		return nil, err
	}
	return &File{c: c, fd: fd, name: name}, nil
}

func (c *Client) OpenHandle(h session.FileHandle, opts session.OpenOptions) (*File, error) {
	var fd int
	if err := c.call("open", h.Path, "OpenHandle", handleArgs{Handle: h, Options: opts}, &fd); err != nil {
		return nil, err
	}
	return &File{c: c, fd: fd, name: h.Path}, nil
}

func (c *Client) Stat(name string) (FileInfo, error) {
	var fi FileInfo
	err := c.call("stat", name, "Stat", []string{name}, &fi)
	return fi, err
}

func (c *Client) Exists(name string) (bool, error) {
	var ok bool
	err := c.call("exists", name, "Exists", []string{name}, &ok)
	return ok, err
}

func (c *Client) List(name string) ([]string, error) {
	var names []string
	err := c.call("list", name, "List", []string{name}, &names)
	return names, err
}

func (c *Client) ReadDir(name string) ([]FileInfo, error) {
	var entries []FileInfo
	err := c.call("readdir", name, "ReadDir", []string{name}, &entries)
	return entries, err
}

func (c *Client) Key(name string) (store.Ino, error) {
	var ino uint64
	err := c.call("key", name, "Key", []string{name}, &ino)
	return store.Ino(ino), err
}

func (c *Client) Handle(name string) (session.FileHandle, error) {
	var h session.FileHandle
	err := c.call("handle", name, "Handle", []string{name}, &h)
	return h, err
}

func (c *Client) Truncate(name string, size int64) error {
	return c.call("truncate", name, "SetAttr", setAttrArgs{Path: name, Size: &size}, nil)
}

func (c *Client) Chtimes(name string, mtime time.Time) error {
	ns := mtime.UnixNano()
	return c.call("chtimes", name, "SetAttr", setAttrArgs{Path: name, ModTime: &ns}, nil)
}

func (c *Client) Chmod(name string, mode fs.FileMode) error {
	perm := uint32(mode.Perm())
	return c.call("chmod", name, "SetAttr", setAttrArgs{Path: name, Perm: &perm}, nil)
}

// Create creates an empty file. It reports false when the parent is
// missing or not a directory.
func (c *Client) Create(name string) (bool, error) {
	var ok bool
	err := c.call("create", name, "Create", []string{name}, &ok)
	return ok, err
}

func (c *Client) Mkdir(name string) (bool, error) {
	var ok bool
	err := c.call("mkdir", name, "Mkdir", []string{name}, &ok)
	return ok, err
}

func (c *Client) MkdirAll(name string) error {
	return c.call("mkdir", name, "MkdirAll", []string{name}, nil)
}

func (c *Client) Delete(name string) error {
	return c.call("delete", name, "Delete", []string{name}, nil)
}

func (c *Client) RemoveAll(name string) error {
	return c.call("removeall", name, "RemoveAll", []string{name}, nil)
}

func (c *Client) Copy(src, dst string) error {
	return c.call("copy", src, "Copy", []string{src, dst}, nil)
}

func (c *Client) Move(src, dst string) error {
	return c.call("move", src, "Move", []string{src, dst}, nil)
}

// Rename moves name in the directory with key parent to newName in the
// directory with key newParent.
func (c *Client) Rename(parent store.Ino, name string, newParent store.Ino, newName string) error {
	args := renameArgs{Parent: uint64(parent), Name: name, NewParent: uint64(newParent), NewName: newName}
	return c.call("rename", name, "Rename", args, nil)
}

// OpenFiles lists the accessors this connection holds.
func (c *Client) OpenFiles() ([]session.OpenFile, error) {
	var files []session.OpenFile
	err := c.call("openfiles", "", "OpenFiles", nil, &files)
	return files, err
}

func (c *Client) StatFS() (StatFS, error) {
	var st StatFS
	err := c.call("statfs", "/", "StatFS", nil, &st)
	return st, err
}

// File is a remote descriptor.
type File struct {
	c    *Client
	fd   int
	name string
}

func (f *File) Name() string { return f.name }

func (f *File) do(op, selector string, args ioArgs, reply any) error {
	args.FD = f.fd
	return f.c.call(op, f.name, selector, args, reply)
}

func (f *File) Read(p []byte) (int, error) {
	var res readResult
	if err := f.do("read", "Read", ioArgs{Count: len(p)}, &res); err != nil {
		return 0, err
	}
	n := copy(p, res.Data)
	if n == 0 && res.EOF && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	var res readResult
	if err := f.do("read", "ReadAt", ioArgs{Count: len(p), Offset: off}, &res); err != nil {
		return 0, err
	}
	n := copy(p, res.Data)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) Write(p []byte) (int, error) {
	var n int
	err := f.do("write", "Write", ioArgs{Data: p}, &n)
	return n, err
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	var n int
	err := f.do("write", "WriteAt", ioArgs{Data: p, Offset: off}, &n)
	return n, err
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	err := f.do("seek", "Seek", ioArgs{Offset: offset, Whence: whence}, &pos)
	return pos, err
}

func (f *File) Skip(delta int64) (int64, error) {
	var n int64
	err := f.do("skip", "Skip", ioArgs{Offset: delta}, &n)
	return n, err
}

func (f *File) Available() (int, error) {
	var n int
	err := f.do("available", "Available", ioArgs{}, &n)
	return n, err
}

func (f *File) Position() (int64, error) {
	var pos int64
	err := f.do("position", "Position", ioArgs{}, &pos)
	return pos, err
}

func (f *File) Length() (int64, error) {
	var n int64
	err := f.do("length", "Length", ioArgs{}, &n)
	return n, err
}

func (f *File) SetLength(n int64) error {
	return f.do("truncate", "SetLength", ioArgs{Offset: n}, nil)
}

func (f *File) Sync() error {
	return f.do("sync", "Sync", ioArgs{}, nil)
}

// Duplicate returns a second descriptor for the same accessor. The
// accessor stays open until both are closed.
func (f *File) Duplicate() (*File, error) {
	var fd int
	if err := f.do("duplicate", "Duplicate", ioArgs{}, &fd); err != nil {
		return nil, err
	}
	return &File{c: f.c, fd: fd, name: f.name}, nil
}

func (f *File) Close() error {
	return f.do("close", "Close", ioArgs{}, nil)
}
