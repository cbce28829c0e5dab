package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

// exitError signals a non-zero exit code for a command that already
// finished printing its own output.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return "" }

func createCommands() []*cli.Command {
	return []*cli.Command{
		createStatusCommand(),
		createTargetsCommand(),
		createCooldownCommand(),
	}
}

func createStatusCommand() *cli.Command {
	return &cli.Command{
		Name:    "status",
		Aliases: []string{"s"},
		Usage:   "show the replication engine's current status snapshot",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cmdStatus(ctx, clientFrom(cmd))
		},
	}
}

func createTargetsCommand() *cli.Command {
	return &cli.Command{
		Name:  "targets",
		Usage: "list every target and its health state",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cmdTargets(ctx, clientFrom(cmd))
		},
	}
}

func createCooldownCommand() *cli.Command {
	return &cli.Command{
		Name:      "cooldown",
		Usage:     "manually re-enable a target by clearing its Disabled flag (a Cooling target stays Cooling)",
		ArgsUsage: "<target>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			args := cmd.Args().Slice()
			if len(args) != 1 {
				return cli.Exit("cooldown requires exactly one target name", 2)
			}
			return cmdCooldown(ctx, clientFrom(cmd), args[0])
		},
	}
}

func clientFrom(cmd *cli.Command) *Client {
	return NewClient(cmd.String("addr"), cmd.Duration("timeout"))
}

func cmdStatus(ctx context.Context, client *Client) error {
	snap, err := client.Status(ctx)
	if err != nil {
		fmt.Println("engine: unreachable")
		fmt.Printf("detail: %v\n", err)
		return &exitError{code: 1}
	}

	fmt.Printf("instance:       %s\n", snap.InstanceID)
	fmt.Printf("source state:   %s\n", snap.SourceState)
	fmt.Printf("driver state:   %s\n", snap.DriverState)
	fmt.Printf("psync offset:   %d\n", snap.PSyncOffset)
	fmt.Printf("full sync done: %t\n", snap.FullSyncDone)
	fmt.Printf("targets:        %d\n", len(snap.Targets))
	return nil
}

func cmdTargets(ctx context.Context, client *Client) error {
	snap, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}

	if len(snap.Targets) == 0 {
		fmt.Println("no targets configured")
		return nil
	}

	for _, t := range snap.Targets {
		fmt.Printf("%-20s state=%-10s applied=%-10d failed=%-10d consecutive_failures=%d\n",
			t.Name, t.State, t.Applied, t.Failed, t.ConsecutiveFailures)
		if t.LastError != "" {
			fmt.Printf("%-20s last_error=%s\n", "", t.LastError)
		}
	}
	return nil
}

func cmdCooldown(ctx context.Context, client *Client, target string) error {
	if err := client.Cooldown(ctx, target); err != nil {
		return fmt.Errorf("cooldown %s: %w", target, err)
	}
	fmt.Printf("target %s re-enabled\n", target)
	return nil
}
