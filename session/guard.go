package session

import (
	"tractor.dev/inodefs/store"
)

// acquire opens ino and returns it with the release that balances the
// open. The pinned root costs nothing to acquire.
func (s *Session) acquire(ino store.Ino) (store.Inode, func(), error) {
	if ino == store.RootIno {
		return s.root, func() {}, nil
	}
	in, err := s.store.OpenInode(ino)
	if err != nil {
		return nil, nil, translate(err)
	}
	return in, func() {
		if err := s.store.ForgetInode(ino, 1); err != nil {
			s.log.Error("forget inode", "ino", ino, "err", err)
		}
	}, nil
}

func (s *Session) acquireDir(ino store.Ino) (store.Dir, func(), error) {
	in, release, err := s.acquire(ino)
	if err != nil {
		return nil, nil, err
	}
	d, ok := in.(store.Dir)
	if !ok {
		release()
		return nil, nil, ErrNotDirectory
	}
	return d, release, nil
}

// withInode runs fn with ino open and always releases it afterwards.
func (s *Session) withInode(ino store.Ino, fn func(store.Inode) error) error {
	in, release, err := s.acquire(ino)
	if err != nil {
		return err
	}
	defer release()
	return fn(in)
}

func (s *Session) withDir(ino store.Ino, fn func(store.Dir) error) error {
	d, release, err := s.acquireDir(ino)
	if err != nil {
		return err
	}
	defer release()
	return fn(d)
}
