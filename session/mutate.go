package session

import (
	"errors"
	"io/fs"
	"strings"

	"tractor.dev/inodefs/store"
)

const (
	filePerm fs.FileMode = 0644
	dirPerm  fs.FileMode = 0755
)

// CreateFile creates an empty regular file. It reports false, with no
// error, when the parent does not exist or is not a directory.
func (s *Session) CreateFile(p string) (bool, error) {
	return s.create("create", p, store.TypeRegular)
}

// CreateDirectory creates an empty directory. It reports false, with no
// error, when the parent does not exist or is not a directory.
func (s *Session) CreateDirectory(p string) (bool, error) {
	return s.create("mkdir", p, store.TypeDir)
}

func (s *Session) create(op, p string, t store.FileType) (bool, error) {
	p, err := cleanPath(p)
	if err != nil {
		return false, opErr(op, p, err)
	}
	if p == "/" {
		return false, opErr(op, p, ErrFileExists)
	}
	pr, name, err := s.resolveParent(p)
	if err != nil {
		return false, err
	}
	if !pr.Found() {
		return false, nil
	}
	err = s.withDir(pr.Ino, func(parent store.Dir) error {
		lock := parent.DirLock()
		lock.Lock()
		defer lock.Unlock()
		return s.createIn(parent, name, t)
	})
	if errors.Is(err, ErrNotDirectory) || errors.Is(err, ErrNoSuchFile) {
		return false, nil
	}
	if err != nil {
		return false, opErr(op, p, err)
	}
	s.log.Debug(op, "path", p)
	return true, nil
}

// createIn links a new inode into parent. parent's lock must be held.
func (s *Session) createIn(parent store.Dir, name string, t store.FileType) error {
	if parent.LinksCount() == 0 {
		// removed after it was resolved
		return ErrNoSuchFile
	}
	if _, err := parent.Lookup(name); err == nil {
		return ErrFileExists
	}
	perm := filePerm
	if t == store.TypeDir {
		perm = dirPerm
	}
	in, err := s.store.CreateInode(t, perm)
	if err != nil {
		return translate(err)
	}
	linked := false
	defer func() {
		if !linked {
			// nothing refers to the new inode; reclaim it on forget
			in.Delete()
		}
		if err := s.store.ForgetInode(in.Ino(), 1); err != nil {
			s.log.Error("forget inode", "ino", in.Ino(), "err", err)
		}
	}()

	// A directory gets "." and ".." before it becomes visible in parent.
	dotted := false
	if t == store.TypeDir {
		if err := in.(store.Dir).AddDotLinks(parent); err != nil {
			if _, lerr := in.(store.Dir).Lookup(".."); lerr == nil {
				parent.SetLinksCount(parent.LinksCount() - 1)
			}
			return translate(err)
		}
		dotted = true
	}
	if err := parent.AddLink(in, name); err != nil {
		if dotted {
			parent.SetLinksCount(parent.LinksCount() - 1)
		}
		return translate(err)
	}
	linked = true
	return translate(errors.Join(in.Sync(), parent.Sync()))
}

// CreateDirectories creates p and any missing parents.
func (s *Session) CreateDirectories(p string) error {
	p, err := cleanPath(p)
	if err != nil {
		return opErr("mkdir", p, err)
	}
	cur := ""
	for _, part := range strings.Split(strings.TrimPrefix(p, "/"), "/") {
		if part == "" {
			continue
		}
		cur += "/" + part
		fi, err := s.Attributes(cur)
		if err == nil {
			if !fi.IsDir() {
				return opErr("mkdir", cur, ErrNotDirectory)
			}
			continue
		}
		if !errors.Is(err, ErrNoSuchFile) {
			return err
		}
		ok, err := s.CreateDirectory(cur)
		if errors.Is(err, ErrFileExists) {
			// created concurrently
			continue
		}
		if err != nil {
			return err
		}
		if !ok {
			return opErr("mkdir", cur, ErrNoSuchFile)
		}
	}
	return nil
}

// Delete removes a file or an empty directory.
func (s *Session) Delete(p string) error {
	p, err := cleanPath(p)
	if err != nil {
		return opErr("delete", p, err)
	}
	r, err := s.Resolve(p)
	if err != nil {
		return err
	}
	if !r.Found() {
		return opErr("delete", p, ErrNoSuchFile)
	}
	if r.Ino == store.RootIno {
		s.log.Error("delete of root directory requested", "path", p)
		return opErr("delete", p, ErrRootDelete)
	}
	pr, name, err := s.resolveParent(p)
	if err != nil {
		return err
	}
	err = s.withDir(pr.Ino, func(parent store.Dir) error {
		return s.withInode(r.Ino, func(target store.Inode) error {
			return s.unlink(parent, name, target)
		})
	})
	if err != nil {
		return opErr("delete", p, err)
	}
	s.log.Debug("delete", "path", p, "ino", r.Ino)
	return nil
}

func (s *Session) unlink(parent store.Dir, name string, target store.Inode) (err error) {
	dir, isDir := target.(store.Dir)
	if isDir {
		unlock := s.lockDirs(parent, dir)
		defer func() {
			if uerr := unlock(); uerr != nil && err == nil {
				err = uerr
			}
		}()
	} else {
		lock := parent.DirLock()
		lock.Lock()
		defer lock.Unlock()
	}

	// the entry may have changed between resolving and locking
	e, err := parent.Lookup(name)
	if err != nil || e.Ino != target.Ino() {
		return ErrNoSuchFile
	}
	if isDir {
		if !dir.IsEmpty() {
			return ErrDirNotEmpty
		}
		err = parent.UnlinkDir(dir, name)
	} else {
		err = parent.UnlinkOther(target, name)
	}
	if err != nil {
		return translate(err)
	}
	if err := target.Sync(); err != nil {
		return translate(err)
	}
	return translate(parent.Sync())
}

// RemoveAll deletes p and everything below it. A missing p is not an
// error.
func (s *Session) RemoveAll(p string) error {
	fi, err := s.Attributes(p)
	if errors.Is(err, ErrNoSuchFile) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		names, err := s.List(p)
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := s.RemoveAll(strings.TrimSuffix(p, "/") + "/" + name); err != nil {
				return err
			}
		}
	}
	return s.Delete(p)
}
