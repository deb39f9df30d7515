package session

import (
	"cmp"
	"errors"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"tractor.dev/inodefs/store"
)

// FileInfo describes one inode. It implements fs.FileInfo.
type FileInfo struct {
	name    string
	ino     store.Ino
	typ     store.FileType
	perm    fs.FileMode
	size    int64
	modTime time.Time
	links   int
}

var _ fs.FileInfo = (*FileInfo)(nil)

func newFileInfo(name string, in store.Inode) *FileInfo {
	return &FileInfo{
		name:    name,
		ino:     in.Ino(),
		typ:     in.Type(),
		perm:    in.Perm(),
		size:    in.Size(),
		modTime: in.ModTime(),
		links:   in.LinksCount(),
	}
}

func (fi *FileInfo) Name() string         { return fi.name }
func (fi *FileInfo) Size() int64          { return fi.size }
func (fi *FileInfo) Mode() fs.FileMode    { return fi.typ.Mode() | fi.perm }
func (fi *FileInfo) ModTime() time.Time   { return fi.modTime }
func (fi *FileInfo) IsDir() bool          { return fi.typ == store.TypeDir }
func (fi *FileInfo) Sys() any             { return nil }
func (fi *FileInfo) Ino() store.Ino       { return fi.ino }
func (fi *FileInfo) Type() store.FileType { return fi.typ }
func (fi *FileInfo) Links() int           { return fi.links }

// lookup resolves p and fails with ErrNoSuchFile when it does not exist.
func (s *Session) lookup(op, p string) (string, LookupResult, error) {
	cp, err := cleanPath(p)
	if err != nil {
		return p, LookupResult{}, opErr(op, p, err)
	}
	r, err := s.Resolve(cp)
	if err != nil {
		return cp, r, err
	}
	if !r.Found() {
		return cp, r, opErr(op, cp, ErrNoSuchFile)
	}
	return cp, r, nil
}

func (s *Session) Attributes(p string) (*FileInfo, error) {
	p, r, err := s.lookup("stat", p)
	if err != nil {
		return nil, err
	}
	var fi *FileInfo
	err = s.withInode(r.Ino, func(in store.Inode) error {
		fi = newFileInfo(r.Name, in)
		return nil
	})
	return fi, opErr("stat", p, err)
}

func (s *Session) Exists(p string) (bool, error) {
	cp, err := cleanPath(p)
	if err != nil {
		return false, opErr("exists", p, err)
	}
	r, err := s.Resolve(cp)
	if err != nil {
		return false, err
	}
	return r.Found(), nil
}

// SetAttr selects the attributes SetAttributes changes.
type SetAttr struct {
	Size    *int64
	ModTime *time.Time
	Perm    *fs.FileMode
}

func (s *Session) SetAttributes(p string, attr SetAttr) error {
	p, r, err := s.lookup("setattr", p)
	if err != nil {
		return err
	}
	err = s.withInode(r.Ino, func(in store.Inode) error {
		if attr.Size != nil {
			if in.Type() == store.TypeDir {
				return ErrIsDirectory
			}
			if *attr.Size < 0 {
				return ErrInvalidPath
			}
			if err := in.SetSize(*attr.Size); err != nil {
				return translate(err)
			}
			in.SetModTime(time.Now())
		}
		if attr.ModTime != nil {
			in.SetModTime(*attr.ModTime)
		}
		if attr.Perm != nil {
			in.SetPerm(*attr.Perm)
		}
		return translate(in.Sync())
	})
	return opErr("setattr", p, err)
}

// List returns the names in directory p, without "." and "..".
func (s *Session) List(p string) ([]string, error) {
	var names []string
	err := s.readDir("list", p, func(e store.Entry) error {
		names = append(names, e.Name)
		return nil
	})
	return names, err
}

// ListEntries returns the attributes of everything in directory p,
// without "." and "..".
func (s *Session) ListEntries(p string) ([]*FileInfo, error) {
	var infos []*FileInfo
	err := s.readDir("list", p, func(e store.Entry) error {
		return s.withInode(e.Ino, func(in store.Inode) error {
			infos = append(infos, newFileInfo(e.Name, in))
			return nil
		})
	})
	return infos, err
}

// readDir calls fn for each entry of p while holding p's read lock.
func (s *Session) readDir(op, p string, fn func(store.Entry) error) error {
	p, r, err := s.lookup(op, p)
	if err != nil {
		return err
	}
	err = s.withInode(r.Ino, func(in store.Inode) error {
		d, ok := in.(store.Dir)
		if !ok {
			return ErrNotDirectory
		}
		lock := d.DirLock()
		lock.RLock()
		defer lock.RUnlock()
		for e := range d.Entries() {
			if e.Name == "." || e.Name == ".." {
				continue
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
	return opErr(op, p, err)
}

// Key returns the inode number p resolves to.
func (s *Session) Key(p string) (store.Ino, error) {
	_, r, err := s.lookup("key", p)
	return r.Ino, err
}

// FileHandle names a file by path and inode. It stays usable only while
// the path still refers to the same inode.
type FileHandle struct {
	Path string
	Ino  store.Ino
}

func (s *Session) Handle(p string) (FileHandle, error) {
	p, r, err := s.lookup("handle", p)
	if err != nil {
		return FileHandle{}, err
	}
	return FileHandle{Path: p, Ino: r.Ino}, nil
}

// OpenHandle opens an accessor on the file h names. A handle whose path no
// longer refers to its inode is stale and fails with ErrNoSuchFile.
func (s *Session) OpenHandle(pid int, h FileHandle, opts OpenOptions) (*Accessor, error) {
	r, err := s.Resolve(h.Path)
	if err != nil {
		return nil, err
	}
	if r.Ino != h.Ino {
		return nil, opErr("open", h.Path, ErrNoSuchFile)
	}
	return s.Accessor(pid, h.Path, opts&^(OpenCreate|OpenCreateNew))
}

// Accessor opens p for caller pid and registers the new accessor under
// that pid.
func (s *Session) Accessor(pid int, p string, opts OpenOptions) (*Accessor, error) {
	cp, err := cleanPath(p)
	if err != nil {
		return nil, opErr("open", p, err)
	}
	p = cp
	if opts&(OpenRead|OpenWrite|OpenAppend) == 0 {
		opts |= OpenRead
	}

	r, err := s.Resolve(p)
	if err != nil {
		return nil, err
	}
	switch {
	case !r.Found() && opts&(OpenCreate|OpenCreateNew) == 0:
		return nil, opErr("open", p, ErrNoSuchFile)
	case !r.Found():
		ok, err := s.CreateFile(p)
		if errors.Is(err, ErrFileExists) && opts&OpenCreateNew == 0 {
			err = nil
			ok = true
		}
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, opErr("open", p, ErrNoSuchFile)
		}
		if r, err = s.Resolve(p); err != nil {
			return nil, err
		}
		if !r.Found() {
			return nil, opErr("open", p, ErrNoSuchFile)
		}
	case opts&OpenCreateNew != 0:
		return nil, opErr("open", p, ErrFileExists)
	}

	in, release, err := s.acquire(r.Ino)
	if err != nil {
		return nil, opErr("open", p, err)
	}
	if in.Type() == store.TypeDir {
		release()
		return nil, opErr("open", p, ErrIsDirectory)
	}
	if opts&OpenTruncate != 0 && opts.writable() && in.Size() > 0 {
		err := in.SetSize(0)
		if err == nil {
			in.SetModTime(time.Now())
			err = in.Sync()
		}
		if err != nil {
			release()
			return nil, opErr("open", p, translate(err))
		}
	}

	parent := store.RootIno
	if p != "/" {
		pr, _, err := s.resolveParent(p)
		if err == nil && pr.Found() {
			parent = pr.Ino
		}
	}
	a := newAccessor(s, in, release, parent, pid, p, opts)
	s.registry.add(a)
	s.log.Debug("open", "pid", pid, "path", p, "ino", r.Ino, "opts", opts)
	return a, nil
}

// OpenFiles describes the accessors pid currently holds.
func (s *Session) OpenFiles(pid int) []OpenFile {
	return s.registry.Snapshot(pid)
}

// CloseAll force-closes every accessor held by pid and reports how many
// there were. Transports call it when a caller goes away.
func (s *Session) CloseAll(pid int) int {
	accs := s.registry.Accessors(pid)
	for _, a := range accs {
		a.forceClose()
	}
	if len(accs) > 0 {
		s.log.Debug("closed all accessors", "pid", pid, "count", len(accs))
	}
	return len(accs)
}

// internalPid owns the accessors copy and move open for themselves.
const internalPid = -1

// Copy copies the file or directory tree at src to dst, which must not
// exist.
func (s *Session) Copy(src, dst string) error {
	csrc, err1 := cleanPath(src)
	cdst, err2 := cleanPath(dst)
	if err := cmp.Or(err1, err2); err != nil {
		return opErr("copy", src, err)
	}
	if strings.HasPrefix(cdst, strings.TrimSuffix(csrc, "/")+"/") {
		return opErr("copy", dst, ErrInvalidPath)
	}
	return copyTree(s, csrc, s, cdst)
}

func copyTree(from *Session, src string, to *Session, dst string) error {
	fi, err := from.Attributes(src)
	if err != nil {
		return err
	}
	exists, err := to.Exists(dst)
	if err != nil {
		return err
	}
	if exists {
		return opErr("copy", dst, ErrFileExists)
	}
	if fi.IsDir() {
		ok, err := to.CreateDirectory(dst)
		if err != nil {
			return err
		}
		if !ok {
			return opErr("copy", dst, ErrNoSuchFile)
		}
		names, err := from.List(src)
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := copyTree(from, path.Join(src, name), to, path.Join(dst, name)); err != nil {
				return err
			}
		}
		return nil
	}
	return copyFile(from, src, to, dst, fi.ModTime())
}

func copyFile(from *Session, src string, to *Session, dst string, modTime time.Time) error {
	r, err := from.Accessor(internalPid, src, OpenRead)
	if err != nil {
		return err
	}
	defer r.Close()
	w, err := to.Accessor(internalPid, dst, OpenWrite|OpenCreateNew)
	if err != nil {
		return err
	}
	defer w.Close()
	if _, err := io.Copy(w, r); err != nil {
		return opErr("copy", dst, err)
	}
	return to.SetAttributes(dst, SetAttr{ModTime: &modTime})
}

// Move renames src to dst within this session. Moving a directory below
// itself fails with ErrInvalidPath.
func (s *Session) Move(src, dst string) error {
	src, sr, err := s.lookup("move", src)
	if err != nil {
		return err
	}
	cdst, err := cleanPath(dst)
	if err != nil {
		return opErr("move", dst, err)
	}
	dst = cdst
	if src == dst {
		return nil
	}
	if sr.Ino == store.RootIno || dst == "/" || strings.HasPrefix(dst, src+"/") {
		return opErr("move", src, ErrInvalidPath)
	}

	spr, sname, err := s.resolveParent(src)
	if err != nil {
		return err
	}
	dpr, dname, err := s.resolveParent(dst)
	if err != nil {
		return err
	}
	if !dpr.Found() {
		return opErr("move", dst, ErrNoSuchFile)
	}
	if err := s.Rename(spr.Ino, sname, dpr.Ino, dname); err != nil {
		return opErr("move", src, unwrapPath(err))
	}
	return nil
}

// MoveTo moves src in s to dst in another session. Sessions do not share
// inodes, so this copies and then deletes the source. It is not atomic:
// a failure part way can leave a partial copy at dst, and the source is
// only removed after the copy completes.
func (s *Session) MoveTo(src string, other *Session, dst string) error {
	if other == s {
		return s.Move(src, dst)
	}
	if err := copyTree(s, src, other, dst); err != nil {
		return err
	}
	return s.RemoveAll(src)
}

func unwrapPath(err error) error {
	var perr *fs.PathError
	if errors.As(err, &perr) {
		return perr.Err
	}
	return err
}
