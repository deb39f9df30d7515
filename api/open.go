package api

import (
	"tractor.dev/inodefs/session"
	"tractor.dev/toolkit-go/duplex/rpc"
)

type openArgs struct {
	Path    string
	Options session.OpenOptions
}

func (sc *syscaller) open(r rpc.Responder, c *rpc.Call) {
	var args openArgs
	if err := c.Receive(&args); err != nil {
		r.Return(err)
		return
	}

	acc, err := sc.sess.Accessor(sc.pid, args.Path, args.Options)
	if err != nil {
		r.Return(err)
		return
	}
	fd := sc.addFd(acc)
	sc.log.Debug("open", "path", acc.Path(), "fd", fd, "opts", args.Options)
	r.Return(fd)
}

type handleArgs struct {
	Handle  session.FileHandle
	Options session.OpenOptions
}

func (sc *syscaller) openHandle(r rpc.Responder, c *rpc.Call) {
	var args handleArgs
	if err := c.Receive(&args); err != nil {
		r.Return(err)
		return
	}

	acc, err := sc.sess.OpenHandle(sc.pid, args.Handle, args.Options)
	if err != nil {
		r.Return(err)
		return
	}
	r.Return(sc.addFd(acc))
}

// duplicate takes another reference on the accessor behind a descriptor
// and returns a new descriptor for it.
func (sc *syscaller) duplicate(r rpc.Responder, c *rpc.Call) {
	var args ioArgs
	c.Receive(&args)

	acc, ok := sc.fd(args.FD)
	if !ok {
		r.Return(errBadFd)
		return
	}
	if err := acc.Duplicate(); err != nil {
		r.Return(err)
		return
	}
	r.Return(sc.addFd(acc))
}

func (sc *syscaller) close(r rpc.Responder, c *rpc.Call) {
	var args ioArgs
	c.Receive(&args)

	acc, ok := sc.dropFd(args.FD)
	if !ok {
		r.Return(errBadFd)
		return
	}
	r.Return(acc.Close())
}

func (sc *syscaller) openFiles(r rpc.Responder, c *rpc.Call) {
	r.Return(sc.sess.OpenFiles(sc.pid))
}
