package main

import (
	"log"
	"log/slog"
	"os"

	"tractor.dev/inodefs/internal/config"
	"tractor.dev/inodefs/internal/logging"
	"tractor.dev/inodefs/session"
	"tractor.dev/inodefs/store"
	"tractor.dev/toolkit-go/engine"
	"tractor.dev/toolkit-go/engine/cli"
)

func main() {
	engine.Run(Main{})
}

type Main struct{}

func (m *Main) InitializeCLI(root *cli.Command) {
	root.Usage = "inodefs"
	root.Short = "inode filesystem served over 9P, RPC and FUSE"
	root.AddCommand(mkfsCmd())
	root.AddCommand(infoCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(mountCmd())
}

func fatal(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

// commonFlags are accepted by every command. Set values override the
// config file.
type commonFlags struct {
	config   string
	logLevel string
	name     string
}

func (f *commonFlags) register(cmd *cli.Command) {
	cmd.Flags().StringVar(&f.config, "config", os.Getenv("INODEFS_CONFIG"), "config file")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	cmd.Flags().StringVar(&f.name, "name", "", "namespace name")
}

// load reads the config file, applies flags and the image argument, and
// builds the logger.
func (f *commonFlags) load(image string) (*config.Config, *slog.Logger) {
	cfg, err := config.Load(f.config)
	fatal(err)
	if image != "" {
		cfg.Image = image
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.name != "" {
		cfg.Name = f.name
	}
	fatal(cfg.Validate())

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	fatal(err)
	return cfg, logger
}

// openSession mounts the image and starts a session on it. close
// unmounts, marking the volume clean.
func openSession(cfg *config.Config, logger *slog.Logger) (*session.Session, func()) {
	backend, err := store.OpenBolt(cfg.Image)
	fatal(err)
	tbl, err := store.Open(backend, &store.Options{Logger: logger.With("component", "store")})
	if err != nil {
		backend.Close()
		fatal(err)
	}
	sess, err := session.New(tbl,
		session.WithName(cfg.Name),
		session.WithLogger(logger.With("component", "session")),
	)
	if err != nil {
		tbl.Close()
		fatal(err)
	}
	return sess, func() {
		if err := sess.Close(); err != nil {
			logger.Error("closing session", "err", err)
		}
		if err := tbl.Close(); err != nil {
			logger.Error("unmounting volume", "err", err)
		}
	}
}
