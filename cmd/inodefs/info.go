package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"tractor.dev/inodefs/store"
	"tractor.dev/toolkit-go/engine/cli"
)

func infoCmd() *cli.Command {
	var flags commonFlags
	cmd := &cli.Command{
		Usage: "info <image>",
		Short: "show volume superblock and usage",
		Args:  cli.ExactArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			cfg, logger := flags.load(args[0])

			backend, err := store.OpenBolt(cfg.Image)
			fatal(err)
			tbl, err := store.Open(backend, &store.Options{Logger: logger, ReadOnly: true})
			if err != nil {
				backend.Close()
				fatal(err)
			}
			defer tbl.Close()

			sb := tbl.Superblock()
			st := tbl.Stats()
			w := tabwriter.NewWriter(ctx, 0, 4, 2, ' ', 0)
			row := func(k string, v any) { fmt.Fprintf(w, "%s\t%v\n", k, v) }
			row("volume", sb.VolumeName)
			row("uuid", sb.UUID)
			row("state", st.State)
			row("revision", sb.RevLevel)
			row("features", fmt.Sprintf("compat %#x incompat %#x ro_compat %#x",
				sb.FeatureCompat, sb.FeatureIncompat, sb.FeatureROCompat))
			row("block size", sb.BlockSize)
			row("inodes", sb.InodesCount)
			row("free inodes", sb.FreeInodes)
			row("mounts", fmt.Sprintf("%d of %d", sb.MountCount, sb.MaxMountCount))
			row("last mounted", sb.LastMounted)
			row("mount time", unixTime(sb.MountTime))
			row("write time", unixTime(sb.WriteTime))
			w.Flush()
		},
	}
	flags.register(cmd)
	return cmd
}

func unixTime(sec int64) string {
	if sec == 0 {
		return "never"
	}
	return time.Unix(sec, 0).Format(time.RFC3339)
}
