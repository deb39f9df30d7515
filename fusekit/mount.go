// Package fusekit mounts a session as a local filesystem with go-fuse.
// Requests are served as the process the kernel reports as the caller, so
// every open file shows up in the session registry under that pid.
package fusekit

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"tractor.dev/inodefs/session"
)

type Options struct {
	// AllowOther lets other users access the mount. It requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug logs every FUSE request to stderr.
	Debug bool

	Logger *slog.Logger
}

type Mount struct {
	*fuse.Server
	path string
}

// Close unmounts.
func (m *Mount) Close() error {
	if m.Server == nil {
		exec.Command("umount", m.path).Run()
		return nil
	}
	return m.Server.Unmount()
}

var _ io.Closer = (*Mount)(nil)

// MountSession mounts sess at path, creating the directory if needed. Call Wait
// on the result to block until the filesystem is unmounted.
func MountSession(sess *session.Session, path string, opts Options) (*Mount, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	// clear a mount left by a previous run
	exec.Command("umount", path).Run()

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", path, err)
	}

	// short timeouts so changes made over 9P or RPC show up quickly
	entryTimeout := time.Second
	attrTimeout := time.Second
	negativeTimeout := 100 * time.Millisecond

	root := &node{sess: sess, log: opts.Logger}
	server, err := fs.Mount(path, root, &fs.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		UID:             uint32(os.Getuid()),
		GID:             uint32(os.Getgid()),
		MountOptions: fuse.MountOptions{
			FsName:     sess.URI(),
			Name:       "inodefs",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting %s: %w", path, err)
	}
	opts.Logger.Info("mounted", "path", path, "namespace", sess.URI())
	return &Mount{Server: server, path: path}, nil
}
