package session

import (
	"cmp"
	"slices"
	"sync"
)

// Registry tracks the live accessors of each caller process.
type Registry struct {
	mu    sync.Mutex
	byPid map[int]map[*Accessor]struct{}
}

func NewRegistry() *Registry {
	return &Registry{byPid: make(map[int]map[*Accessor]struct{})}
}

func (r *Registry) add(a *Accessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byPid[a.pid]
	if !ok {
		set = make(map[*Accessor]struct{})
		r.byPid[a.pid] = set
	}
	set[a] = struct{}{}
}

func (r *Registry) remove(a *Accessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byPid[a.pid]
	delete(set, a)
	if len(set) == 0 {
		delete(r.byPid, a.pid)
	}
}

// Accessors returns the live accessors of pid.
func (r *Registry) Accessors(pid int) []*Accessor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Accessor, 0, len(r.byPid[pid]))
	for a := range r.byPid[pid] {
		out = append(out, a)
	}
	return out
}

// Snapshot describes the live accessors of pid.
func (r *Registry) Snapshot(pid int) []OpenFile {
	accs := r.Accessors(pid)
	files := make([]OpenFile, 0, len(accs))
	for _, a := range accs {
		files = append(files, a.Stat())
	}
	slices.SortFunc(files, func(a, b OpenFile) int {
		return cmp.Or(cmp.Compare(a.Path, b.Path), cmp.Compare(a.Ino, b.Ino))
	})
	return files
}

func (r *Registry) Pids() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]int, 0, len(r.byPid))
	for pid := range r.byPid {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	return pids
}

// Count reports the number of live accessors across all callers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.byPid {
		n += len(set)
	}
	return n
}
