// Package config loads the optional fdswap configuration file.
package config

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the optional fdswap configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
}

// DefaultsConfig holds persistent flag defaults. Pointer fields so a
// value left unset in the file never overrides a CLI flag.
type DefaultsConfig struct {
	// AttachTimeout bounds how long attach waits for the target's
	// threads to stop, e.g. "5s".
	AttachTimeout *string `toml:"attach_timeout"`
	Verbose       *bool   `toml:"verbose"`
	Quiet         *bool   `toml:"quiet"`
	// Log is a file path to tee structured JSON logs into.
	Log *string `toml:"log"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "fdswap", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}

	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	return cfg, nil
}
