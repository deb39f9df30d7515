package session

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"tractor.dev/inodefs/store"
)

// lockDirs write-locks each distinct directory once, in ascending inode
// order, so any two callers locking overlapping sets agree on the order.
// The returned unlock releases in reverse order and reports
// ErrLockInvariant if any lock was still held afterwards.
func (s *Session) lockDirs(dirs ...store.Dir) func() error {
	ordered := slices.Clone(dirs)
	slices.SortFunc(ordered, func(a, b store.Dir) int {
		return cmp.Compare(a.Ino(), b.Ino())
	})
	ordered = slices.CompactFunc(ordered, func(a, b store.Dir) bool {
		return a.Ino() == b.Ino()
	})
	for _, d := range ordered {
		d.DirLock().Lock()
	}
	return func() error {
		var err error
		for i := len(ordered) - 1; i >= 0; i-- {
			if n := ordered[i].DirLock().Unlock(); n != 0 {
				s.log.Error("directory lock hold count not zero after release",
					"ino", ordered[i].Ino(), "holds", n)
				err = ErrLockInvariant
			}
		}
		return err
	}
}

// Rename moves the entry name in directory parent to newName in directory
// newParent, replacing whatever newName referred to. Both directories are
// locked for the whole exchange, so the entry is never visible in both or
// neither.
func (s *Session) Rename(parent store.Ino, name string, newParent store.Ino, newName string) error {
	if name == "." || name == ".." || newName == "." || newName == ".." {
		return opErr("rename", name, ErrInvalidPath)
	}
	src, releaseSrc, err := s.acquireDir(parent)
	if err != nil {
		return opErr("rename", name, err)
	}
	defer releaseSrc()
	dst, releaseDst, err := s.acquireDir(newParent)
	if err != nil {
		return opErr("rename", name, err)
	}
	defer releaseDst()

	if parent != newParent {
		s.renameMu.Lock()
		defer s.renameMu.Unlock()
	}
	for {
		retry, err := s.renameOnce(src, name, dst, newName)
		if retry {
			continue
		}
		if err != nil {
			return opErr("rename", name, err)
		}
		s.log.Debug("rename", "parent", parent, "name", name, "newParent", newParent, "newName", newName)
		return nil
	}
}

// renameOnce performs one locked attempt. It asks for a retry when the
// destination entry changed between the unlocked peek and taking the locks.
func (s *Session) renameOnce(src store.Dir, name string, dst store.Dir, newName string) (retry bool, err error) {
	// A directory being replaced is locked too, so nothing can be
	// created in it while it is unlinked.
	var victim store.Entry
	dirs := []store.Dir{src, dst}
	if e, err := dst.Lookup(newName); err == nil && e.Type == store.TypeDir {
		d, release, err := s.acquireDir(e.Ino)
		if err == nil {
			defer release()
			victim = e
			dirs = append(dirs, d)
		}
	}

	unlock := s.lockDirs(dirs...)
	err = s.renameLocked(src, name, dst, newName, victim.Ino)
	if uerr := unlock(); uerr != nil {
		return false, uerr
	}
	if errors.Is(err, errVictimChanged) {
		return true, nil
	}
	return false, err
}

var errVictimChanged = errors.New("rename destination changed")

func (s *Session) renameLocked(src store.Dir, name string, dst store.Dir, newName string, lockedVictim store.Ino) error {
	if dst.LinksCount() == 0 {
		// removed after it was resolved
		return ErrNoSuchFile
	}
	e, err := src.Lookup(name)
	if err != nil {
		return translate(err)
	}
	if src.Ino() == dst.Ino() && name == newName {
		return nil
	}
	if e.Type == store.TypeDir && src.Ino() != dst.Ino() {
		below, err := s.within(dst, e.Ino)
		if err != nil {
			return err
		}
		if below {
			return ErrInvalidPath
		}
	}

	existing, err := dst.Lookup(newName)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if lockedVictim != store.NoIno {
			return errVictimChanged
		}
		return s.relink(src, name, e, dst, newName, nil, store.NoIno)
	case err != nil:
		return translate(err)
	case existing.Type == store.TypeDir && existing.Ino != lockedVictim:
		return errVictimChanged
	case existing.Ino == e.Ino:
		// both names already refer to the same inode
		return translate(src.RemoveEntry(name))
	}
	return s.withInode(existing.Ino, func(victim store.Inode) error {
		if err := checkReplace(victim, e.Type); err != nil {
			return err
		}
		return s.relink(src, name, e, dst, newName, victim, existing.Ino)
	})
}

// within reports whether dir is the directory ino or lies below it, by
// following ".." up to the root. The caller holds renameMu.
func (s *Session) within(dir store.Dir, ino store.Ino) (bool, error) {
	seen := make(map[store.Ino]bool)
	for cur := dir.Ino(); cur != store.RootIno; {
		if cur == ino {
			return true, nil
		}
		if seen[cur] {
			return false, fmt.Errorf("%w: directory cycle at inode %d", ErrStoreFailure, cur)
		}
		seen[cur] = true
		err := s.withDir(cur, func(d store.Dir) error {
			e, err := d.Lookup("..")
			if err != nil {
				return err
			}
			cur = e.Ino
			return nil
		})
		if err != nil {
			return false, translate(err)
		}
	}
	return false, nil
}

// checkReplace reports whether an entry of type moving may replace victim.
func checkReplace(victim store.Inode, moving store.FileType) error {
	if victim.Type() != store.TypeDir {
		if moving == store.TypeDir {
			return ErrNotDirectory
		}
		return nil
	}
	if moving != store.TypeDir {
		return ErrIsDirectory
	}
	d, ok := victim.(store.Dir)
	if !ok {
		return ErrNotDirectory
	}
	if !d.IsEmpty() {
		return ErrDirNotEmpty
	}
	return nil
}

// relink points newName in dst at e and removes name from src. When a
// store step fails, the steps already taken are undone in reverse, so the
// entry stays linked exactly once. A replaced inode gives up its link only
// after the new entry is in place.
func (s *Session) relink(src store.Dir, name string, e store.Entry, dst store.Dir, newName string, victim store.Inode, victimIno store.Ino) error {
	var undo []func() error
	fail := func(err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				s.log.Error("undo rename step", "name", name, "newName", newName, "err", uerr)
			}
		}
		return translate(err)
	}

	if victim != nil {
		if err := dst.SetEntry(newName, e.Ino); err != nil {
			return fail(err)
		}
		undo = append(undo, func() error { return dst.SetEntry(newName, victimIno) })
	} else {
		if err := dst.AddEntry(store.Entry{Name: newName, Ino: e.Ino, Type: e.Type}); err != nil {
			return fail(err)
		}
		undo = append(undo, func() error { return dst.RemoveEntry(newName) })
	}
	if err := src.RemoveEntry(name); err != nil {
		return fail(err)
	}
	undo = append(undo, func() error { return src.AddEntry(e) })

	if e.Type == store.TypeDir && src.Ino() != dst.Ino() {
		err := s.withDir(e.Ino, func(moved store.Dir) error {
			return moved.SetEntry("..", dst.Ino())
		})
		if err != nil {
			return fail(err)
		}
		dst.SetLinksCount(dst.LinksCount() + 1)
		src.SetLinksCount(src.LinksCount() - 1)
	}

	var errs []error
	if victim != nil {
		errs = append(errs, dropLink(dst, victim), victim.Sync())
	}
	errs = append(errs, dst.Sync())
	if src.Ino() != dst.Ino() {
		errs = append(errs, src.Sync())
	}
	return translate(errors.Join(errs...))
}

// dropLink accounts for the entry in dst that no longer refers to victim.
// A replaced directory also takes its ".." link on dst with it.
func dropLink(dst store.Dir, victim store.Inode) error {
	if victim.Type() == store.TypeDir {
		victim.SetLinksCount(0)
		dst.SetLinksCount(dst.LinksCount() - 1)
		return victim.Delete()
	}
	links := victim.LinksCount() - 1
	victim.SetLinksCount(links)
	if links <= 0 {
		return victim.Delete()
	}
	return nil
}
