package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"tractor.dev/inodefs/store"
	"tractor.dev/toolkit-go/engine/cli"
)

func mkfsCmd() *cli.Command {
	var (
		flags     commonFlags
		force     bool
		blockSize int
		inodes    uint64
		volume    string
	)
	cmd := &cli.Command{
		Usage: "mkfs <image>",
		Short: "format a new volume",
		Args:  cli.ExactArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			cfg, logger := flags.load(args[0])
			if blockSize != 0 {
				cfg.Store.BlockSize = blockSize
			}
			if inodes != 0 {
				cfg.Store.Inodes = inodes
			}
			if volume != "" {
				cfg.Store.VolumeName = volume
			}
			fatal(cfg.Validate())

			if force {
				if err := os.Remove(cfg.Image); err != nil && !errors.Is(err, fs.ErrNotExist) {
					fatal(err)
				}
			}
			backend, err := store.OpenBolt(cfg.Image)
			fatal(err)
			defer backend.Close()

			_, err = backend.LoadSuperblock()
			switch {
			case err == nil:
				fatal(fmt.Errorf("%s is already formatted (use -force to replace it)", cfg.Image))
			case !errors.Is(err, store.ErrNotFormatted):
				fatal(err)
			}

			opts := cfg.FormatOptions()
			fatal(store.Format(backend, opts))
			logger.Info("formatted", "image", cfg.Image, "volume", opts.VolumeName,
				"blockSize", opts.BlockSize, "inodes", opts.InodesCount)
			fmt.Fprintf(ctx, "formatted %s\n", cfg.Image)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing image")
	cmd.Flags().IntVar(&blockSize, "block-size", 0, "block size in bytes")
	cmd.Flags().Uint64Var(&inodes, "inodes", 0, "inode limit")
	cmd.Flags().StringVar(&volume, "volume", "", "volume name")
	return cmd
}
