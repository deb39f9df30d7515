package session

import (
	"errors"
	"path"
	"strings"

	"tractor.dev/inodefs/store"
)

// LookupResult is the outcome of resolving a path. Ino is store.NoIno when
// the path does not exist.
type LookupResult struct {
	Name string
	Ino  store.Ino
}

func (r LookupResult) Found() bool {
	return r.Ino != store.NoIno
}

func cleanPath(p string) (string, error) {
	if p == "" {
		return "/", nil
	}
	if p[0] != '/' {
		return p, ErrInvalidPath
	}
	return path.Clean(p), nil
}

// Resolve walks p one component at a time from the root. Missing entries
// and walking through a regular file yield a result with no inode, not an
// error.
func (s *Session) Resolve(p string) (LookupResult, error) {
	if p != "" && p[0] != '/' {
		return LookupResult{}, opErr("resolve", p, ErrInvalidPath)
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return LookupResult{Name: "/", Ino: store.RootIno}, nil
	}

	var parts []string
	for _, part := range strings.Split(p[1:], "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}

	cur := store.RootIno
	for i, name := range parts {
		var (
			entry store.Entry
			found bool
		)
		err := s.withDir(cur, func(d store.Dir) error {
			e, err := d.Lookup(name)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			entry, found = e, true
			return nil
		})
		if err != nil {
			return LookupResult{}, opErr("resolve", p, translate(err))
		}
		if !found {
			return LookupResult{Name: name}, nil
		}
		if i == len(parts)-1 {
			return LookupResult{Name: name, Ino: entry.Ino}, nil
		}
		if entry.Type != store.TypeDir {
			return LookupResult{Name: name}, nil
		}
		cur = entry.Ino
	}
	// unreachable: parts is never empty here
	return LookupResult{}, nil
}

// resolveParent resolves the directory that holds p and returns it with
// the final component of p.
func (s *Session) resolveParent(p string) (LookupResult, string, error) {
	dir, name := path.Split(p)
	r, err := s.Resolve(dir)
	return r, name, err
}
