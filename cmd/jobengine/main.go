// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Jobengine runs the transactional job engine: a bounded worker pool
// over a durable job queue, with circuit breakers and concurrency
// limits guarding every external service. It serves a CBOR control
// socket for jobctl and, when configured, an HTTP API with a
// websocket stream of job lifecycle events.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/enai-computer/enai-sub002/lib/clock"
	"github.com/enai-computer/enai-sub002/lib/config"
	"github.com/enai-computer/enai-sub002/lib/process"
	"github.com/enai-computer/enai-sub002/lib/service"
	"github.com/enai-computer/enai-sub002/lib/version"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flags := pflag.NewFlagSet("jobengine", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to config file (default: $"+config.EnvironmentVariable+")")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("jobengine")
		return nil
	}

	logger, err := service.NewLogger(os.Stderr, logLevel)
	if err != nil {
		return err
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting jobengine",
		"version", version.Info(),
		"environment", cfg.Environment,
		"store", cfg.Store.Path,
	)

	engine, err := openEngine(ctx, cfg, clock.Real(), logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	return engine.Run(ctx)
}
