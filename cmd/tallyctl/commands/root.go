// Package commands implements the tallyctl commands.
package commands

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// CLI is the tallyctl command tree.
type CLI struct {
	signingKey string
	httpClient *http.Client
	rootCmd    *cobra.Command
}

// New builds the command tree. signingKey is the server's JWT signing key;
// commands that need it fail when it is empty.
func New(signingKey string) *CLI {
	rootCmd := &cobra.Command{
		Use:           "tallyctl",
		Short:         "Operator tooling for the tally points ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c := &CLI{
		signingKey: signingKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		rootCmd:    rootCmd,
	}
	rootCmd.AddCommand(c.newTokenCmd())
	rootCmd.AddCommand(c.newStatusCmd())
	return c
}

// Execute runs the root command with ctx.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs replaces os.Args. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}
