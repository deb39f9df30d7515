package main

import (
	"os"
	"os/signal"
	"syscall"

	"tractor.dev/inodefs/fusekit"
	"tractor.dev/toolkit-go/engine/cli"
)

func mountCmd() *cli.Command {
	var (
		flags      commonFlags
		allowOther bool
		debug      bool
	)
	cmd := &cli.Command{
		Usage: "mount <image> <dir>",
		Short: "mount a volume with FUSE",
		Args:  cli.ExactArgs(2),
		Run: func(ctx *cli.Context, args []string) {
			cfg, logger := flags.load(args[0])
			sess, closeSession := openSession(cfg, logger)
			defer closeSession()

			m, err := fusekit.MountSession(sess, args[1], fusekit.Options{
				AllowOther: allowOther || cfg.Mount.AllowOther,
				Debug:      debug,
				Logger:     logger.With("component", "fuse"),
			})
			fatal(err)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				if err := m.Close(); err != nil {
					logger.Error("unmount", "dir", args[1], "err", err)
				}
			}()
			m.Wait()
			logger.Info("unmounted", "dir", args[1])
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&allowOther, "allow-other", false, "let other users access the mount")
	cmd.Flags().BoolVar(&debug, "debug", false, "log every FUSE request")
	return cmd
}
