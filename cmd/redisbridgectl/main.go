// redisbridgectl is the operator CLI for a running redisbridged
// instance: it talks to the Status Surface's HTTP endpoints to report
// replication health and to manually re-enable a target by clearing its
// Disabled flag (a target the Health & Failover Monitor put into Cooling
// stays Cooling until its recovery delay elapses).
//
// Usage:
//
//	redisbridgectl [global flags] <command> [command args]
//
// Global flags:
//
//	-a, --addr     status server base URL (default: http://127.0.0.1:9090)
//	-t, --timeout  request timeout (default: 5s)
//
// Commands:
//
//	status          show the engine's current status snapshot
//	targets         list every target and its health state
//	cooldown <name> manually clear a target's Disabled flag
//
// Exit codes:
//
//	0: command succeeded (status command: engine reachable)
//	1: command failed, or the engine is unreachable (status command)
//	2: argument error (missing target name, unknown command, ...)
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
)

const defaultTimeout = 5 * time.Second

var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
)

func main() {
	os.Exit(run())
}

func createApp() *cli.Command {
	return &cli.Command{
		Name:    "redisbridgectl",
		Usage:   "operator CLI for the redis one-to-many replication engine",
		Version: fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Usage:   "status server base URL",
				Value:   "http://127.0.0.1:9090",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "request timeout",
				Value:   defaultTimeout,
			},
		},
		Commands:       createCommands(),
		DefaultCommand: "status",
		// Keep urfave/cli from calling os.Exit itself; run() owns the
		// exit code mapping documented above.
		ExitErrHandler: func(_ context.Context, _ *cli.Command, err error) {
			if _, ok := err.(cli.ExitCoder); ok {
				fmt.Fprintln(os.Stderr, err)
			}
		},
	}
}

func run() int {
	app := createApp()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, os.Args); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		if isCLIUsageError(err) {
			return 2
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	return 0
}

// isCLIUsageError reports whether err originated from urfave/cli's own
// argument parsing (unknown flag, unknown command) rather than from a
// command's Action.
func isCLIUsageError(err error) bool {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		return exitCoder.ExitCode() != 0
	}
	return false
}
