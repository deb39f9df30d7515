package api

import (
	"errors"
	"io"

	"tractor.dev/inodefs/session"
	"tractor.dev/toolkit-go/duplex/rpc"
)

var errBadFd = errors.New("bad file descriptor")

// ioArgs carries every descriptor call. Fields a call does not use are
// left zero.
type ioArgs struct {
	FD     int
	Count  int
	Offset int64
	Whence int
	Data   []byte
}

// readResult reports end of file separately so a short read and EOF can
// come back together.
type readResult struct {
	Data []byte
	EOF  bool
}

// withFd decodes the arguments of a descriptor call and runs fn on the
// accessor the descriptor names.
func (sc *syscaller) withFd(r rpc.Responder, c *rpc.Call, fn func(acc *session.Accessor, args ioArgs) (any, error)) {
	var args ioArgs
	if err := c.Receive(&args); err != nil {
		r.Return(err)
		return
	}
	acc, ok := sc.fd(args.FD)
	if !ok {
		r.Return(errBadFd)
		return
	}
	v, err := fn(acc, args)
	if err != nil {
		r.Return(err)
		return
	}
	r.Return(v)
}

func (sc *syscaller) read(r rpc.Responder, c *rpc.Call) {
	sc.withFd(r, c, func(acc *session.Accessor, args ioArgs) (any, error) {
		buf := make([]byte, args.Count)
		n, err := acc.Read(buf)
		if err != nil && err != io.EOF {
			return nil, err
		}
		return readResult{Data: buf[:n], EOF: err == io.EOF}, nil
	})
}

func (sc *syscaller) readAt(r rpc.Responder, c *rpc.Call) {
	sc.withFd(r, c, func(acc *session.Accessor, args ioArgs) (any, error) {
		buf := make([]byte, args.Count)
		n, err := acc.ReadAt(buf, args.Offset)
		if err != nil && err != io.EOF {
			return nil, err
		}
		return readResult{Data: buf[:n], EOF: err == io.EOF}, nil
	})
}

func (sc *syscaller) write(r rpc.Responder, c *rpc.Call) {
	sc.withFd(r, c, func(acc *session.Accessor, args ioArgs) (any, error) {
		return acc.Write(args.Data)
	})
}

func (sc *syscaller) writeAt(r rpc.Responder, c *rpc.Call) {
	sc.withFd(r, c, func(acc *session.Accessor, args ioArgs) (any, error) {
		return acc.WriteAt(args.Data, args.Offset)
	})
}

func (sc *syscaller) seek(r rpc.Responder, c *rpc.Call) {
	sc.withFd(r, c, func(acc *session.Accessor, args ioArgs) (any, error) {
		return acc.Seek(args.Offset, args.Whence)
	})
}

func (sc *syscaller) skip(r rpc.Responder, c *rpc.Call) {
	sc.withFd(r, c, func(acc *session.Accessor, args ioArgs) (any, error) {
		return acc.Skip(args.Offset)
	})
}

func (sc *syscaller) available(r rpc.Responder, c *rpc.Call) {
	sc.withFd(r, c, func(acc *session.Accessor, args ioArgs) (any, error) {
		return acc.Available()
	})
}

func (sc *syscaller) position(r rpc.Responder, c *rpc.Call) {
	sc.withFd(r, c, func(acc *session.Accessor, args ioArgs) (any, error) {
		return acc.Position()
	})
}

func (sc *syscaller) length(r rpc.Responder, c *rpc.Call) {
	sc.withFd(r, c, func(acc *session.Accessor, args ioArgs) (any, error) {
		return acc.Length()
	})
}

func (sc *syscaller) setLength(r rpc.Responder, c *rpc.Call) {
	sc.withFd(r, c, func(acc *session.Accessor, args ioArgs) (any, error) {
		return nil, acc.SetLength(args.Offset)
	})
}

func (sc *syscaller) sync(r rpc.Responder, c *rpc.Call) {
	sc.withFd(r, c, func(acc *session.Accessor, args ioArgs) (any, error) {
		return nil, acc.Sync()
	})
}
