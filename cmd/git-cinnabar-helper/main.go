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

// Command git-cinnabar-helper is the thin process entry point: it opens
// an Engine session against the current repository, drives it from the
// command stream on stdin, and reports fatal errors the way the rest of
// this codebase's tools do.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"lab.nexedi.com/kirr/git-cinnabar-helper/engine"
	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/xerr"
	"lab.nexedi.com/kirr/git-cinnabar-helper/internal/xlog"
)

func main() {
	cfg := engine.DefaultConfig()

	var configPath string
	fs := pflag.NewFlagSet("git-cinnabar-helper", pflag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "optional TOML session configuration file")
	engine.BindFlags(&cfg, fs)
	fs.Parse(os.Args[1:])

	if err := engine.LoadConfigFile(&cfg, configPath); err != nil {
		fatal(err)
	}
	xlog.SetVerbosity(int(cfg.Verbose))

	repoPath := "."
	if fs.NArg() > 0 {
		repoPath = fs.Arg(0)
	}

	if err := run(repoPath, cfg); err != nil {
		fatal(err)
	}
}

func run(repoPath string, cfg engine.Config) (err error) {
	here := xerr.Myfuncname()
	defer xerr.Errcatch(func(e *xerr.Error) {
		err = xerr.Erraddcallingcontext(here, e)
	})

	eng, err := engine.Open(repoPath, cfg)
	xerr.Raiseif(err)
	defer func() {
		if closeErr := eng.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	orch := engine.NewOrchestrator(eng, os.Stdin, os.Stdout)
	xerr.Raiseif(orch.Run())
	return nil
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "fatal: %s\n", err)
	xlog.Fatal(err.Error())
	os.Exit(1)
}
