// redisbridged is the replication engine's entry point: it loads the
// configuration, builds the engine (internal/engine), and runs it
// until a shutdown signal (caught with signal.NotifyContext) arrives or
// a fatal error occurs, mapping the outcome to the exit codes spec.md §6
// defines for the external CLI to surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/redisbridge/redisbridge/internal/config"
	"github.com/redisbridge/redisbridge/internal/engine"
	"github.com/redisbridge/redisbridge/internal/idgen"
	"github.com/redisbridge/redisbridge/internal/logging"
	"github.com/redisbridge/redisbridge/internal/runsvc"
)

// Exit codes from spec.md §6.
const (
	exitClean               = 0
	exitConfigRejected      = 2
	exitSourceUnreachable   = 3
	exitIrrecoverableReplic = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("redisbridged", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the replication config (yaml or json)")
	logLevel := fs.String("log-level", "info", "debug, info, warn, or error")
	logFormat := fs.String("log-format", "text", "text or json")
	if err := fs.Parse(args); err != nil {
		return exitConfigRejected
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redisbridged: config rejected: %v\n", err)
		return exitConfigRejected
	}

	gen, err := idgen.New(-1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redisbridged: instance id: %v\n", err)
		return exitConfigRejected
	}
	instanceID, err := gen.InstanceID()
	if err != nil {
		fmt.Fprintf(os.Stderr, "redisbridged: instance id: %v\n", err)
		return exitConfigRejected
	}

	logger, cleanup, err := logging.New().
		SetLevelString(*logLevel).
		SetFormat(logging.Format(*logFormat)).
		WithInstanceID(instanceID).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "redisbridged: logger: %v\n", err)
		return exitConfigRejected
	}
	defer cleanup()

	// A raw signal.NotifyContext, not runsvc.Run, drives top-level
	// cancellation here: runsvc.Run's own signal-watcher goroutine
	// never returns on its own, which would hang Wait() forever once
	// a one-shot mode "full" run finishes cleanly with nothing left
	// to signal. internal/runsvc.Group is still what the engine uses
	// internally for its own long-lived tasks once mode != full.
	ctx, stop := signal.NotifyContext(context.Background(), runsvc.DefaultSignals()...)
	defer stop()

	eng, err := engine.New(ctx, *cfg, instanceID, logger)
	if err != nil {
		if errors.Is(err, engine.ErrSourceUnreachable) {
			logger.Error("source unreachable at startup", "error", err)
			return exitSourceUnreachable
		}
		logger.Error("engine construction failed", "error", err)
		return exitConfigRejected
	}
	defer eng.Close(context.Background())

	runErr := eng.Run(ctx)

	if runErr == nil || ctx.Err() != nil {
		logger.Info("redisbridged: shutting down cleanly")
		return exitClean
	}

	logger.Error("redisbridged: irrecoverable replication error", "error", runErr)
	return exitIrrecoverableReplic
}
