// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Jobctl is the command-line client for a running jobengine. It talks
// to the engine's control socket.
//
//	jobctl submit fetch-url https://example.com --payload '{"url": "https://example.com"}'
//	jobctl status 6f1c...
//	jobctl list --status failed
//	jobctl breakers
//	jobctl reset web
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/enai-computer/enai-sub002/lib/config"
	"github.com/enai-computer/enai-sub002/lib/process"
	"github.com/enai-computer/enai-sub002/lib/service"
	"github.com/enai-computer/enai-sub002/lib/version"
)

// socketEnvironmentVariable overrides the default socket path.
const socketEnvironmentVariable = "JOBENGINE_SOCKET"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

// globals are the flags accepted before the subcommand.
type globals struct {
	socketPath string
	configPath string
	json       bool
}

// command is one jobctl subcommand.
type command struct {
	name    string
	summary string
	usage   string

	// flags registers the subcommand's own flags. May be nil.
	flags func(flagSet *pflag.FlagSet)

	run func(ctx context.Context, session *session, args []string) error
}

// session is what a subcommand runs against.
type session struct {
	client *service.ServiceClient
	out    io.Writer
	json   bool
}

func commands() []*command {
	return []*command{
		submitCommand(),
		statusCommand(),
		listCommand(),
		breakersCommand(),
		resetCommand(),
		limitersCommand(),
		statsCommand(),
		documentCommand(),
		{
			name:    "version",
			summary: "Show the engine's build",
			usage:   "jobctl version",
			run: func(ctx context.Context, session *session, args []string) error {
				var build version.Build
				if err := session.client.Call(ctx, "version", nil, &build); err != nil {
					return err
				}
				if session.json {
					return writeJSON(session.out, build)
				}
				fmt.Fprintf(session.out, "jobctl    %s\njobengine %s\n", version.Info(), build)
				return nil
			},
		},
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var options globals
	var showVersion bool
	flagSet := pflag.NewFlagSet("jobctl", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&options.socketPath, "socket", "", "engine control socket (default: $"+socketEnvironmentVariable+", the config's socket.path, or $XDG_RUNTIME_DIR/jobengine.sock)")
	flagSet.StringVar(&options.configPath, "config", "", "read the socket path from this engine config file")
	flagSet.BoolVar(&options.json, "json", false, "print results as JSON")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(out, flagSet)
			return nil
		}
		return fmt.Errorf("%w\n\nRun 'jobctl --help' for usage.", err)
	}
	if showVersion {
		fmt.Fprintf(out, "jobctl %s\n", version.Info())
		return nil
	}

	remaining := flagSet.Args()
	if len(remaining) == 0 {
		printUsage(out, flagSet)
		return fmt.Errorf("subcommand required")
	}
	name, args := remaining[0], remaining[1:]
	if name == "help" {
		printUsage(out, flagSet)
		return nil
	}

	var selected *command
	for _, candidate := range commands() {
		if candidate.name == name {
			selected = candidate
			break
		}
	}
	if selected == nil {
		return fmt.Errorf("unknown command %q\n\nRun 'jobctl --help' for usage.", name)
	}

	commandFlags := pflag.NewFlagSet("jobctl "+selected.name, pflag.ContinueOnError)
	commandFlags.SetOutput(io.Discard)
	if selected.flags != nil {
		selected.flags(commandFlags)
	}
	if err := commandFlags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printCommandUsage(out, selected, commandFlags)
			return nil
		}
		return fmt.Errorf("%w\n\nUsage:\n  %s", err, selected.usage)
	}

	socketPath, err := resolveSocket(options)
	if err != nil {
		return err
	}
	return selected.run(ctx, &session{
		client: service.NewServiceClient(socketPath),
		out:    out,
		json:   options.json,
	}, commandFlags.Args())
}

// resolveSocket picks the socket path: --socket, then
// JOBENGINE_SOCKET, then --config, then the engine's default.
func resolveSocket(options globals) (string, error) {
	if options.socketPath != "" {
		return options.socketPath, nil
	}
	if fromEnvironment := os.Getenv(socketEnvironmentVariable); fromEnvironment != "" {
		return fromEnvironment, nil
	}
	if options.configPath != "" {
		cfg, err := config.LoadFile(options.configPath)
		if err != nil {
			return "", err
		}
		return cfg.Socket.Path, nil
	}
	runtimeDirectory := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDirectory == "" {
		runtimeDirectory = "/tmp"
	}
	return filepath.Join(runtimeDirectory, "jobengine.sock"), nil
}

func printUsage(out io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(out, "Control a running jobengine.\n\nUsage:\n  jobctl [flags] <command> [command flags]\n\nCommands:\n")
	writer := tabwriter.NewWriter(out, 2, 0, 3, ' ', 0)
	for _, entry := range commands() {
		fmt.Fprintf(writer, "  %s\t%s\n", entry.name, entry.summary)
	}
	writer.Flush()
	fmt.Fprintf(out, "\nFlags:\n%s", flagSet.FlagUsages())
}

func printCommandUsage(out io.Writer, selected *command, flagSet *pflag.FlagSet) {
	fmt.Fprintf(out, "%s\n\nUsage:\n  %s\n", selected.summary, selected.usage)
	if usages := flagSet.FlagUsages(); strings.TrimSpace(usages) != "" {
		fmt.Fprintf(out, "\nFlags:\n%s", usages)
	}
}

// requireArgs checks the positional argument count of a subcommand.
func requireArgs(args []string, want int, usage string) error {
	if len(args) != want {
		return fmt.Errorf("expected %d argument(s), got %d\n\nUsage:\n  %s", want, len(args), usage)
	}
	return nil
}
