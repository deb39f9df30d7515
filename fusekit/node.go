package fusekit

import (
	"context"
	"io/fs"
	"log/slog"
	"path"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
	"tractor.dev/inodefs/session"
	"tractor.dev/inodefs/store"
)

// node is one name in the tree. It keeps no path of its own: the kernel
// tree go-fuse maintains follows renames, so the path is recomputed on
// each request.
type node struct {
	gofuse.Inode
	sess *session.Session
	log  *slog.Logger
}

func (n *node) path() string {
	return "/" + n.Path(nil)
}

func (n *node) child(name string) string {
	return path.Join(n.path(), name)
}

// callerPid is the pid of the process that made the request, or 0 when
// the kernel did not say.
func callerPid(ctx context.Context) int {
	if caller, ok := fuse.FromContext(ctx); ok {
		return int(caller.Pid)
	}
	return 0
}

func (n *node) newChild(ctx context.Context, fi *session.FileInfo) *gofuse.Inode {
	return n.NewInode(ctx, &node{sess: n.sess, log: n.log}, gofuse.StableAttr{
		Mode: typeMode(fi.Type()),
		Ino:  uint64(fi.Ino()),
	})
}

func typeMode(t store.FileType) uint32 {
	if t == store.TypeDir {
		return unix.S_IFDIR
	}
	return unix.S_IFREG
}

func fillAttr(out *fuse.Attr, fi *session.FileInfo, blockSize int) {
	mtime := fi.ModTime()
	out.Ino = uint64(fi.Ino())
	out.Size = uint64(fi.Size())
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = uint32(blockSize)
	out.Nlink = uint32(fi.Links())
	out.Mode = typeMode(fi.Type()) | uint32(fi.Mode().Perm())
	out.SetTimes(&mtime, &mtime, &mtime)
}

var _ = (gofuse.NodeGetattrer)((*node)(nil))

func (n *node) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fi, err := n.sess.Attributes(n.path())
	if h, ok := fh.(*handle); ok && err != nil {
		// unlinked but still open
		return h.Getattr(ctx, out)
	}
	if err != nil {
		return sysErrno(err)
	}
	fillAttr(&out.Attr, fi, n.sess.Stats().BlockSize)
	return 0
}

var _ = (gofuse.NodeSetattrer)((*node)(nil))

func (n *node) Setattr(ctx context.Context, fh gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	var set session.SetAttr
	if in.Valid&fuse.FATTR_SIZE != 0 {
		size := int64(in.Size)
		set.Size = &size
	}
	if in.Valid&fuse.FATTR_MTIME != 0 {
		mtime := time.Now()
		if in.Valid&fuse.FATTR_MTIME_NOW == 0 {
			mtime = time.Unix(int64(in.Mtime), int64(in.Mtimensec))
		}
		set.ModTime = &mtime
	}
	if in.Valid&fuse.FATTR_MODE != 0 {
		perm := fs.FileMode(in.Mode).Perm()
		set.Perm = &perm
	}
	p := n.path()
	if err := n.sess.SetAttributes(p, set); err != nil {
		return sysErrno(err)
	}
	fi, err := n.sess.Attributes(p)
	if err != nil {
		return sysErrno(err)
	}
	fillAttr(&out.Attr, fi, n.sess.Stats().BlockSize)
	return 0
}

var _ = (gofuse.NodeLookuper)((*node)(nil))

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	fi, err := n.sess.Attributes(n.child(name))
	if err != nil {
		return nil, sysErrno(err)
	}
	fillAttr(&out.Attr, fi, n.sess.Stats().BlockSize)
	return n.newChild(ctx, fi), 0
}

var _ = (gofuse.NodeReaddirer)((*node)(nil))

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	infos, err := n.sess.ListEntries(n.path())
	if err != nil {
		return nil, sysErrno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(infos))
	for _, fi := range infos {
		entries = append(entries, fuse.DirEntry{
			Name: fi.Name(),
			Mode: typeMode(fi.Type()),
			Ino:  uint64(fi.Ino()),
		})
	}
	return gofuse.NewListDirStream(entries), 0
}

var _ = (gofuse.NodeMkdirer)((*node)(nil))

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	p := n.child(name)
	ok, err := n.sess.CreateDirectory(p)
	if err != nil {
		return nil, sysErrno(err)
	}
	if !ok {
		return nil, unix.ENOENT
	}
	return n.created(ctx, p, mode, out)
}

// created applies the requested permissions to a new file and fills in
// the entry the kernel expects back.
func (n *node) created(ctx context.Context, p string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	if perm := fs.FileMode(mode).Perm(); perm != 0 {
		if err := n.sess.SetAttributes(p, session.SetAttr{Perm: &perm}); err != nil {
			return nil, sysErrno(err)
		}
	}
	fi, err := n.sess.Attributes(p)
	if err != nil {
		return nil, sysErrno(err)
	}
	fillAttr(&out.Attr, fi, n.sess.Stats().BlockSize)
	return n.newChild(ctx, fi), 0
}

var _ = (gofuse.NodeCreater)((*node)(nil))

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	p := n.child(name)
	pid := callerPid(ctx)
	acc, err := n.sess.Accessor(pid, p, openOptions(flags)|session.OpenCreate)
	if err != nil {
		return nil, nil, 0, sysErrno(err)
	}
	child, errno := n.created(ctx, p, mode, out)
	if errno != 0 {
		acc.Close()
		return nil, nil, 0, errno
	}
	n.log.Debug("create", "pid", pid, "path", p)
	return child, newHandle(acc, flags), fuse.FOPEN_DIRECT_IO, 0
}

var _ = (gofuse.NodeOpener)((*node)(nil))

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	pid := callerPid(ctx)
	acc, err := n.sess.Accessor(pid, n.path(), openOptions(flags))
	if err != nil {
		return nil, 0, sysErrno(err)
	}
	n.log.Debug("open", "pid", pid, "path", acc.Path(), "opts", openOptions(flags))
	return newHandle(acc, flags), fuse.FOPEN_DIRECT_IO, 0
}

var _ = (gofuse.NodeUnlinker)((*node)(nil))

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.remove(n.child(name), false)
}

var _ = (gofuse.NodeRmdirer)((*node)(nil))

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.remove(n.child(name), true)
}

func (n *node) remove(p string, dir bool) syscall.Errno {
	fi, err := n.sess.Attributes(p)
	if err != nil {
		return sysErrno(err)
	}
	switch {
	case dir && !fi.IsDir():
		return unix.ENOTDIR
	case !dir && fi.IsDir():
		return unix.EISDIR
	}
	return sysErrno(n.sess.Delete(p))
}

var _ = (gofuse.NodeRenamer)((*node)(nil))

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*node)
	if !ok {
		return unix.EXDEV
	}
	oldPath := n.child(name)
	newPath := np.child(newName)
	switch {
	case flags&unix.RENAME_EXCHANGE != 0:
		return unix.EINVAL
	case flags&unix.RENAME_NOREPLACE != 0:
		if ok, _ := n.sess.Exists(newPath); ok {
			return unix.EEXIST
		}
	}
	if err := n.sess.Move(oldPath, newPath); err != nil {
		n.log.Debug("rename", "from", oldPath, "to", newPath, "err", err)
		return sysErrno(err)
	}
	return 0
}

var _ = (gofuse.NodeStatfser)((*node)(nil))

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st := n.sess.Stats()
	out.Bsize = uint32(st.BlockSize)
	out.Frsize = uint32(st.BlockSize)
	out.Files = st.InodesCount
	out.Ffree = st.FreeInodes
	out.NameLen = store.MaxNameLen
	return 0
}
