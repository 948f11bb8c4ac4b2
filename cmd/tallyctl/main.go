// Command tallyctl is the operator CLI for a tally deployment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tally/cmd/tallyctl/commands"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := commands.New(os.Getenv("TALLY_JWT_SIGNING_KEY"))
	cli.SetOutput(os.Stdout, os.Stderr)
	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		cancel()
		os.Exit(1)
	}
}
