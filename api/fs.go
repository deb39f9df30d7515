package api

import (
	"io/fs"
	"time"

	"tractor.dev/inodefs/session"
	"tractor.dev/inodefs/store"
	"tractor.dev/toolkit-go/duplex/rpc"
)

// FileInfo is the wire form of session.FileInfo.
type FileInfo struct {
	Name    string
	Ino     uint64
	IsDir   bool
	Size    int64
	Mode    uint32
	ModTime int64 // unix nanoseconds
	Links   int
}

func fileInfo(fi *session.FileInfo) FileInfo {
	return FileInfo{
		Name:    fi.Name(),
		Ino:     uint64(fi.Ino()),
		IsDir:   fi.IsDir(),
		Size:    fi.Size(),
		Mode:    uint32(fi.Mode()),
		ModTime: fi.ModTime().UnixNano(),
		Links:   fi.Links(),
	}
}

// pathArgs receives the string arguments of a path call and checks there
// are n of them.
func pathArgs(r rpc.Responder, c *rpc.Call, n int) ([]string, bool) {
	var args []string
	if err := c.Receive(&args); err != nil {
		r.Return(err)
		return nil, false
	}
	if len(args) != n {
		r.Return(session.ErrInvalidPath)
		return nil, false
	}
	return args, true
}

func (sc *syscaller) stat(r rpc.Responder, c *rpc.Call) {
	args, ok := pathArgs(r, c, 1)
	if !ok {
		return
	}
	fi, err := sc.sess.Attributes(args[0])
	if err != nil {
		r.Return(err)
		return
	}
	r.Return(fileInfo(fi))
}

func (sc *syscaller) exists(r rpc.Responder, c *rpc.Call) {
	args, ok := pathArgs(r, c, 1)
	if !ok {
		return
	}
	found, err := sc.sess.Exists(args[0])
	if err != nil {
		r.Return(err)
		return
	}
	r.Return(found)
}

func (sc *syscaller) list(r rpc.Responder, c *rpc.Call) {
	args, ok := pathArgs(r, c, 1)
	if !ok {
		return
	}
	names, err := sc.sess.List(args[0])
	if err != nil {
		r.Return(err)
		return
	}
	r.Return(names)
}

func (sc *syscaller) readDir(r rpc.Responder, c *rpc.Call) {
	args, ok := pathArgs(r, c, 1)
	if !ok {
		return
	}
	infos, err := sc.sess.ListEntries(args[0])
	if err != nil {
		r.Return(err)
		return
	}
	entries := make([]FileInfo, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, fileInfo(fi))
	}
	r.Return(entries)
}

func (sc *syscaller) key(r rpc.Responder, c *rpc.Call) {
	args, ok := pathArgs(r, c, 1)
	if !ok {
		return
	}
	ino, err := sc.sess.Key(args[0])
	if err != nil {
		r.Return(err)
		return
	}
	r.Return(uint64(ino))
}

func (sc *syscaller) handle(r rpc.Responder, c *rpc.Call) {
	args, ok := pathArgs(r, c, 1)
	if !ok {
		return
	}
	h, err := sc.sess.Handle(args[0])
	if err != nil {
		r.Return(err)
		return
	}
	r.Return(h)
}

type setAttrArgs struct {
	Path    string
	Size    *int64
	ModTime *int64 // unix nanoseconds
	Perm    *uint32
}

func (sc *syscaller) setAttr(r rpc.Responder, c *rpc.Call) {
	var args setAttrArgs
	if err := c.Receive(&args); err != nil {
		r.Return(err)
		return
	}
	attr := session.SetAttr{Size: args.Size}
	if args.ModTime != nil {
		t := time.Unix(0, *args.ModTime)
		attr.ModTime = &t
	}
	if args.Perm != nil {
		perm := fs.FileMode(*args.Perm).Perm()
		attr.Perm = &perm
	}
	r.Return(sc.sess.SetAttributes(args.Path, attr))
}

func (sc *syscaller) create(r rpc.Responder, c *rpc.Call) {
	args, ok := pathArgs(r, c, 1)
	if !ok {
		return
	}
	created, err := sc.sess.CreateFile(args[0])
	if err != nil {
		r.Return(err)
		return
	}
	r.Return(created)
}

func (sc *syscaller) mkdir(r rpc.Responder, c *rpc.Call) {
	args, ok := pathArgs(r, c, 1)
	if !ok {
		return
	}
	created, err := sc.sess.CreateDirectory(args[0])
	if err != nil {
		r.Return(err)
		return
	}
	r.Return(created)
}

func (sc *syscaller) mkdirAll(r rpc.Responder, c *rpc.Call) {
	args, ok := pathArgs(r, c, 1)
	if !ok {
		return
	}
	r.Return(sc.sess.CreateDirectories(args[0]))
}

func (sc *syscaller) delete(r rpc.Responder, c *rpc.Call) {
	args, ok := pathArgs(r, c, 1)
	if !ok {
		return
	}
	r.Return(sc.sess.Delete(args[0]))
}

func (sc *syscaller) removeAll(r rpc.Responder, c *rpc.Call) {
	args, ok := pathArgs(r, c, 1)
	if !ok {
		return
	}
	r.Return(sc.sess.RemoveAll(args[0]))
}

func (sc *syscaller) copy(r rpc.Responder, c *rpc.Call) {
	args, ok := pathArgs(r, c, 2)
	if !ok {
		return
	}
	r.Return(sc.sess.Copy(args[0], args[1]))
}

func (sc *syscaller) move(r rpc.Responder, c *rpc.Call) {
	args, ok := pathArgs(r, c, 2)
	if !ok {
		return
	}
	r.Return(sc.sess.Move(args[0], args[1]))
}

type renameArgs struct {
	Parent    uint64
	Name      string
	NewParent uint64
	NewName   string
}

// rename is the inode-addressed form of move: both directories are named
// by the keys Key returned.
func (sc *syscaller) rename(r rpc.Responder, c *rpc.Call) {
	var args renameArgs
	if err := c.Receive(&args); err != nil {
		r.Return(err)
		return
	}
	r.Return(sc.sess.Rename(store.Ino(args.Parent), args.Name, store.Ino(args.NewParent), args.NewName))
}

// StatFS is the wire form of session.Stats.
type StatFS struct {
	URI         string
	VolumeName  string
	UUID        string
	BlockSize   int
	InodesCount uint64
	FreeInodes  uint64
	LiveInodes  int
	OpenFiles   int
	MountCount  int
	State       string
}

func (sc *syscaller) statFS(r rpc.Responder, c *rpc.Call) {
	st := sc.sess.Stats()
	r.Return(StatFS{
		URI:         sc.sess.URI(),
		VolumeName:  st.VolumeName,
		UUID:        st.UUID,
		BlockSize:   st.BlockSize,
		InodesCount: st.InodesCount,
		FreeInodes:  st.FreeInodes,
		LiveInodes:  st.LiveInodes,
		OpenFiles:   st.OpenFiles,
		MountCount:  st.MountCount,
		State:       st.State,
	})
}
