package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"tractor.dev/inodefs/api"
	"tractor.dev/inodefs/fusekit"
	"tractor.dev/inodefs/p9kit"
	"tractor.dev/toolkit-go/engine/cli"
)

func serveCmd() *cli.Command {
	var (
		flags     commonFlags
		p9Addr    string
		p9Debug   bool
		rpcAddr   string
		wsAddr    string
		mountDir  string
		noDefault bool
	)
	cmd := &cli.Command{
		Usage: "serve <image>",
		Short: "serve a volume over 9P and RPC",
		Args:  cli.ExactArgs(1),
		Run: func(_ *cli.Context, args []string) {
			cfg, logger := flags.load(args[0])
			if noDefault {
				cfg.P9.Listen, cfg.RPC.Listen = "", ""
			}
			if p9Addr != "" {
				cfg.P9.Listen = p9Addr
			}
			if p9Debug {
				cfg.P9.Debug = true
			}
			if rpcAddr != "" {
				cfg.RPC.Listen = rpcAddr
			}
			if wsAddr != "" {
				cfg.RPC.WebSocket = wsAddr
			}
			if mountDir != "" {
				cfg.Mount.Dir = mountDir
			}

			sess, closeSession := openSession(cfg, logger)
			defer closeSession()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var wg sync.WaitGroup
			run := func(name string, fn func() error) {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := fn(); err != nil {
						logger.Error(name, "err", err)
						stop()
					}
				}()
			}

			if cfg.P9.Listen != "" {
				l, err := net.Listen("tcp", cfg.P9.Listen)
				fatal(err)
				srv := p9kit.NewServer(sess,
					p9kit.WithLogger(logger.With("component", "9p")),
					p9kit.WithDebug(cfg.P9.Debug),
				)
				run("9p server", func() error { return srv.Serve(ctx, l) })
			}

			rpcSrv := api.NewServer(sess,
				api.WithLogger(logger.With("component", "rpc")),
				api.WithMaxConns(cfg.RPC.MaxConns),
			)
			if cfg.RPC.Listen != "" {
				l, err := net.Listen("tcp", cfg.RPC.Listen)
				fatal(err)
				logger.Info("serving rpc", "addr", l.Addr().String(), "namespace", sess.URI())
				run("rpc server", func() error { return rpcSrv.Serve(ctx, l) })
			}
			if cfg.RPC.WebSocket != "" {
				hs := &http.Server{Addr: cfg.RPC.WebSocket, Handler: rpcSrv.WebSocketHandler()}
				logger.Info("serving rpc over websocket", "addr", cfg.RPC.WebSocket)
				run("websocket server", func() error {
					if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				context.AfterFunc(ctx, func() {
					shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					hs.Shutdown(shutdown)
				})
			}

			if cfg.Mount.Dir != "" {
				m, err := fusekit.MountSession(sess, cfg.Mount.Dir, fusekit.Options{
					AllowOther: cfg.Mount.AllowOther,
					Logger:     logger.With("component", "fuse"),
				})
				fatal(err)
				context.AfterFunc(ctx, func() {
					if err := m.Close(); err != nil {
						logger.Error("unmount", "dir", cfg.Mount.Dir, "err", err)
					}
				})
				run("fuse", func() error { m.Wait(); return nil })
			}

			<-ctx.Done()
			logger.Info("shutting down")
			wg.Wait()
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&p9Addr, "9p", "", "9P listen address")
	cmd.Flags().BoolVar(&p9Debug, "9p-debug", false, "trace 9P messages")
	cmd.Flags().StringVar(&rpcAddr, "rpc", "", "RPC listen address")
	cmd.Flags().StringVar(&wsAddr, "websocket", "", "RPC over websocket listen address")
	cmd.Flags().StringVar(&mountDir, "mount", "", "also mount the volume here with FUSE")
	cmd.Flags().BoolVar(&noDefault, "no-default-listeners", false, "only listen where flags say")
	return cmd
}
