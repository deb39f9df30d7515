// Package config loads the inodefs configuration file. Anything the file
// leaves out keeps its default, and command-line flags override both.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"tractor.dev/inodefs/store"
)

type Config struct {
	// Image is the volume file.
	Image string `yaml:"image"`

	// Name is the namespace name that appears in the session URI.
	Name string `yaml:"name"`

	Log   LogConfig   `yaml:"log"`
	P9    P9Config    `yaml:"p9"`
	RPC   RPCConfig   `yaml:"rpc"`
	Mount MountConfig `yaml:"mount"`
	Store StoreConfig `yaml:"store"`
}

type LogConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text, json, or auto to pick text on a terminal.
	Format string `yaml:"format"`
}

type P9Config struct {
	// Listen is a TCP address. Empty disables the 9P server.
	Listen string `yaml:"listen"`
	// Debug traces every 9P message.
	Debug bool `yaml:"debug"`
}

type RPCConfig struct {
	// Listen is a TCP address. Empty disables the RPC server.
	Listen string `yaml:"listen"`
	// WebSocket is an HTTP address serving RPC over websockets. Empty
	// disables it.
	WebSocket string `yaml:"websocket"`
	// MaxConns caps concurrent TCP connections. Zero means no limit.
	MaxConns int `yaml:"maxConns"`
}

type MountConfig struct {
	// Dir is where serve mounts the volume with FUSE. Empty skips the
	// mount.
	Dir        string `yaml:"dir"`
	AllowOther bool   `yaml:"allowOther"`
}

// StoreConfig is used by mkfs.
type StoreConfig struct {
	BlockSize  int    `yaml:"blockSize"`
	Inodes     uint64 `yaml:"inodes"`
	VolumeName string `yaml:"volumeName"`
}

func Default() *Config {
	return &Config{
		Name: "inodefs",
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		P9: P9Config{
			Listen: "127.0.0.1:5640",
		},
		RPC: RPCConfig{
			Listen:   "127.0.0.1:5641",
			MaxConns: 64,
		},
		Store: StoreConfig{
			BlockSize: store.DefaultBlockSize,
			Inodes:    store.DefaultInodesCount,
		},
	}
}

// LoadFile reads path over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Load reads path if it is set and returns the defaults otherwise.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Image == "" {
		errs = append(errs, errors.New("image is required"))
	}
	if bs := c.Store.BlockSize; bs < 512 || bs&(bs-1) != 0 {
		errs = append(errs, fmt.Errorf("store.blockSize %d is not a power of two of at least 512", bs))
	}
	if c.RPC.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("rpc.maxConns %d is negative", c.RPC.MaxConns))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not debug, info, warn or error", c.Log.Level))
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not auto, text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// FormatOptions are the options mkfs passes to store.Format.
func (c *Config) FormatOptions() store.FormatOptions {
	name := c.Store.VolumeName
	if name == "" {
		name = c.Name
	}
	return store.FormatOptions{
		VolumeName:  name,
		BlockSize:   c.Store.BlockSize,
		InodesCount: c.Store.Inodes,
	}
}
