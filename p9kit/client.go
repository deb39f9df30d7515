package p9kit

import (
	"errors"
	"io"
	"io/fs"
	"net"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/hugelgupf/p9/linux"
	"github.com/hugelgupf/p9/p9"
)

// ClientFS attaches to a 9P server on conn and presents it as an fs.FS.
// Names follow io/fs rules: unrooted, slash-separated, "." for the root.
func ClientFS(conn net.Conn, aname string, o ...p9.ClientOpt) (*FS, error) {
	client, err := p9.NewClient(conn, o...)
	if err != nil {
		return nil, err
	}
	root, err := client.Attach(aname)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &FS{client: client, root: root}, nil
}

type FS struct {
	client *p9.Client
	root   p9.File
}

var (
	_ fs.StatFS    = (*FS)(nil)
	_ fs.ReadDirFS = (*FS)(nil)
)

func (fsys *FS) Close() error {
	fsys.root.Close()
	return fsys.client.Close()
}

func walkParts(name string) []string {
	name = path.Clean(name)
	if name == "." {
		return nil
	}
	return strings.Split(name, "/")
}

func (fsys *FS) walk(op, name string) (p9.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	_, f, err := fsys.root.Walk(walkParts(name))
	if err != nil {
		return nil, translateError(op, name, err)
	}
	return f, nil
}

// Open opens name read-only.
func (fsys *FS) Open(name string) (fs.File, error) {
	f, err := fsys.OpenFile(name, p9.ReadOnly)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// OpenFile opens name with 9P open flags.
func (fsys *FS) OpenFile(name string, mode p9.OpenFlags) (*File, error) {
	f, err := fsys.walk("open", name)
	if err != nil {
		return nil, err
	}
	if _, _, err := f.Open(mode); err != nil {
		f.Close()
		return nil, translateError("open", name, err)
	}
	return &File{file: f, root: fsys.root, name: path.Base(name), path: walkParts(name)}, nil
}

// Create creates name, which must not exist, and opens it read-write.
func (fsys *FS) Create(name string) (*File, error) {
	if name == "." {
		return nil, &fs.PathError{Op: "create", Path: name, Err: fs.ErrInvalid}
	}
	d, err := fsys.walk("create", path.Dir(name))
	if err != nil {
		return nil, err
	}
	// the client reuses the directory fid for the created file
	f, _, _, err := d.Create(path.Base(name), p9.ReadWrite, p9.FileMode(0644), 0, 0)
	if err != nil {
		d.Close()
		return nil, translateError("create", name, err)
	}
	if f != d {
		d.Close()
	}
	return &File{file: f, root: fsys.root, name: path.Base(name), path: walkParts(name)}, nil
}

func (fsys *FS) Stat(name string) (fs.FileInfo, error) {
	f, err := fsys.walk("stat", name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := fileInfo(f, path.Base(name))
	if err != nil {
		return nil, translateError("stat", name, err)
	}
	return fi, nil
}

func (fsys *FS) Mkdir(name string, perm fs.FileMode) error {
	if name == "." {
		return &fs.PathError{Op: "mkdir", Path: name, Err: fs.ErrInvalid}
	}
	d, err := fsys.walk("mkdir", path.Dir(name))
	if err != nil {
		return err
	}
	defer d.Close()
	_, err = d.Mkdir(path.Base(name), p9.FileMode(perm), 0, 0)
	return translateError("mkdir", name, err)
}

func (fsys *FS) Remove(name string) error {
	info, err := fsys.Stat(name)
	if err != nil {
		return err
	}
	d, err := fsys.walk("remove", path.Dir(name))
	if err != nil {
		return err
	}
	defer d.Close()
	var flags uint32
	if info.IsDir() {
		flags = atRemoveDir
	}
	return translateError("remove", name, d.UnlinkAt(path.Base(name), flags))
}

func (fsys *FS) Rename(oldpath, newpath string) error {
	oldDir, err := fsys.walk("rename", path.Dir(oldpath))
	if err != nil {
		return err
	}
	defer oldDir.Close()
	newDir, err := fsys.walk("rename", path.Dir(newpath))
	if err != nil {
		return err
	}
	defer newDir.Close()
	err = oldDir.RenameAt(path.Base(oldpath), newDir, path.Base(newpath))
	return translateError("rename", oldpath, err)
}

func (fsys *FS) Truncate(name string, size int64) error {
	f, err := fsys.walk("truncate", name)
	if err != nil {
		return err
	}
	defer f.Close()
	err = f.SetAttr(p9.SetAttrMask{Size: true}, p9.SetAttr{Size: uint64(size)})
	return translateError("truncate", name, err)
}

func (fsys *FS) Chtimes(name string, mtime time.Time) error {
	f, err := fsys.walk("chtimes", name)
	if err != nil {
		return err
	}
	defer f.Close()
	mask := p9.SetAttrMask{MTime: true, MTimeNotSystemTime: true}
	attr := p9.SetAttr{
		MTimeSeconds:     uint64(mtime.Unix()),
		MTimeNanoSeconds: uint64(mtime.Nanosecond()),
	}
	return translateError("chtimes", name, f.SetAttr(mask, attr))
}

// StatFS returns the server's filesystem statistics.
func (fsys *FS) StatFS() (p9.FSStat, error) {
	return fsys.root.StatFS()
}

func (fsys *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	f, err := fsys.OpenFile(name, p9.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.ReadDir(-1)
}

// File is an open remote file with its own offset.
type File struct {
	name    string
	file    p9.File
	root    p9.File
	path    []string
	offset  int64
	entries []fs.DirEntry
	listed  bool
}

func (f *File) Read(p []byte) (int, error) {
	n, err := f.file.ReadAt(p, f.offset)
	f.offset += int64(n)
	if err != nil && err != io.EOF {
		return n, translateError("read", f.name, err)
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f *File) Write(p []byte) (int, error) {
	n, err := f.file.WriteAt(p, f.offset)
	f.offset += int64(n)
	return n, translateError("write", f.name, err)
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.file.ReadAt(p, off)
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return f.file.WriteAt(p, off)
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.offset
	case io.SeekEnd:
		fi, err := f.Stat()
		if err != nil {
			return 0, err
		}
		offset += fi.Size()
	default:
		return 0, &fs.PathError{Op: "seek", Path: f.name, Err: fs.ErrInvalid}
	}
	if offset < 0 {
		return 0, &fs.PathError{Op: "seek", Path: f.name, Err: fs.ErrInvalid}
	}
	f.offset = offset
	return offset, nil
}

func (f *File) Sync() error {
	return translateError("sync", f.name, f.file.FSync())
}

func (f *File) Close() error {
	return f.file.Close()
}

func (f *File) Stat() (fs.FileInfo, error) {
	fi, err := fileInfo(f.file, f.name)
	if err != nil {
		return nil, translateError("stat", f.name, err)
	}
	return fi, nil
}

// ReadDir pages through the directory with Treaddir and hands out the
// entries n at a time, as fs.ReadDirFile specifies. An open fid cannot be
// walked, so entries are stat'ed by walking from the root.
func (f *File) ReadDir(n int) ([]fs.DirEntry, error) {
	if !f.listed {
		var off uint64
		for {
			dirents, err := f.file.Readdir(off, 256)
			if err != nil {
				return nil, translateError("readdir", f.name, err)
			}
			if len(dirents) == 0 {
				break
			}
			for _, d := range dirents {
				_, child, err := f.root.Walk(append(slices.Clone(f.path), d.Name))
				if err != nil {
					continue
				}
				fi, err := fileInfo(child, d.Name)
				child.Close()
				if err == nil {
					f.entries = append(f.entries, fi)
				}
			}
			off = dirents[len(dirents)-1].Offset
		}
		slices.SortFunc(f.entries, func(a, b fs.DirEntry) int {
			return strings.Compare(a.Name(), b.Name())
		})
		f.listed = true
	}
	if n <= 0 {
		ents := f.entries
		f.entries = nil
		return ents, nil
	}
	if len(f.entries) == 0 {
		return nil, io.EOF
	}
	n = min(n, len(f.entries))
	ents := f.entries[:n]
	f.entries = f.entries[n:]
	return ents, nil
}

type remoteInfo struct {
	name    string
	mode    fs.FileMode
	size    int64
	modTime time.Time
	ino     uint64
	links   uint64
}

func (fi *remoteInfo) Name() string               { return fi.name }
func (fi *remoteInfo) Size() int64                { return fi.size }
func (fi *remoteInfo) Mode() fs.FileMode          { return fi.mode }
func (fi *remoteInfo) ModTime() time.Time         { return fi.modTime }
func (fi *remoteInfo) IsDir() bool                { return fi.mode.IsDir() }
func (fi *remoteInfo) Sys() any                   { return nil }
func (fi *remoteInfo) Type() fs.FileMode          { return fi.mode.Type() }
func (fi *remoteInfo) Info() (fs.FileInfo, error) { return fi, nil }

// Ino is the QID path the server reported.
func (fi *remoteInfo) Ino() uint64   { return fi.ino }
func (fi *remoteInfo) Links() uint64 { return fi.links }

func fileInfo(f p9.File, name string) (*remoteInfo, error) {
	qid, _, attr, err := f.GetAttr(p9.AttrMask{
		Mode:  true,
		NLink: true,
		MTime: true,
		Size:  true,
	})
	if err != nil {
		return nil, err
	}
	return &remoteInfo{
		name:    name,
		mode:    attr.Mode.OSMode(),
		size:    int64(attr.Size),
		modTime: time.Unix(int64(attr.MTimeSeconds), int64(attr.MTimeNanoSeconds)),
		ino:     qid.Path,
		links:   uint64(attr.NLink),
	}, nil
}

// translateError converts 9P errnos back to io/fs errors.
func translateError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var errno linux.Errno
	if errors.As(err, &errno) {
		switch errno {
		case linux.ENOENT:
			err = fs.ErrNotExist
		case linux.EEXIST:
			err = fs.ErrExist
		case linux.EACCES, linux.EPERM, linux.EBADF:
			err = fs.ErrPermission
		case linux.EINVAL:
			err = fs.ErrInvalid
		}
	}
	return &fs.PathError{Op: op, Path: path, Err: err}
}
