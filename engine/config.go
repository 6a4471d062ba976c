// Copyright (C) 2025  Nexedi SA and Contributors.
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.

package engine

import (
	"fmt"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// ManifestStrategy selects between the two manifest-mirror maintenance
// algorithms, which are required to produce identical output.
type ManifestStrategy string

const (
	// StrategyTextRebuild keeps the full previous manifest text in
	// memory and is the default.
	StrategyTextRebuild ManifestStrategy = "text-rebuild"
	// StrategyTreeWalk avoids holding the prior manifest text, instead
	// walking the in-memory mirror tree to locate the bytes a diff
	// addresses.
	StrategyTreeWalk ManifestStrategy = "tree-walk"
)

// Config is the session configuration: how large a pack window to keep,
// which manifest strategy to run, and which expensive self-checks to
// enable.
type Config struct {
	PackWindowSize    int64            `toml:"pack_window_size"`
	ManifestStrategy  ManifestStrategy `toml:"manifest_strategy"`
	CheckManifests    bool             `toml:"check_manifests"`
	CheckConnectivity bool             `toml:"check_connectivity"`
	EntryCacheSize    int              `toml:"entry_cache_size"`
	Verbose           countFlag        `toml:"-"`
}

// DefaultConfig returns the configuration used when no session file and
// no flags override anything.
func DefaultConfig() Config {
	return Config{
		PackWindowSize:    1 << 20,
		ManifestStrategy:  StrategyTextRebuild,
		CheckManifests:    false,
		CheckConnectivity: false,
		EntryCacheSize:    64 * 1024,
	}
}

// LoadConfigFile overlays a TOML session file (if path is non-empty) onto
// cfg.
func LoadConfigFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("engine: loading config %s: %w", path, err)
	}
	return nil
}

// BindFlags registers long-form flags on fs that override cfg, alongside
// a repeatable -v counting flag; no -q flag is registered.
func BindFlags(cfg *Config, fs *pflag.FlagSet) {
	fs.Int64Var(&cfg.PackWindowSize, "pack-window-size", cfg.PackWindowSize, "pack window size in bytes")
	fs.StringVar((*string)(&cfg.ManifestStrategy), "manifest-strategy", string(cfg.ManifestStrategy), "text-rebuild or tree-walk")
	fs.BoolVar(&cfg.CheckManifests, "check-manifests", cfg.CheckManifests, "round-trip-check stored manifests")
	fs.BoolVar(&cfg.CheckConnectivity, "check-connectivity", cfg.CheckConnectivity, "run a connectivity check on done")
	fs.IntVar(&cfg.EntryCacheSize, "entry-cache-size", cfg.EntryCacheSize, "bounded LRU size for the in-progress pack entry cache")
	fs.VarP(&cfg.Verbose, "verbose", "v", "increase verbosity (repeatable)")
	fs.Lookup("verbose").NoOptDefVal = "true"
}

// countFlag is both a bool and an int flag.Value, for "-v -v -v"-style
// repeatable counting flags.
type countFlag int

func (c *countFlag) String() string { return strconv.Itoa(int(*c)) }

func (c *countFlag) Set(s string) error {
	switch s {
	case "true":
		*c++
	case "false":
		*c = 0
	default:
		n, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("invalid count %q", s)
		}
		*c = countFlag(n)
	}
	return nil
}

func (c *countFlag) Type() string { return "count" }
