// Cortex is a session-scoped assistant runtime.
//
// It serves per-session chat over HTTP (batched, streamed, and over a
// websocket), dispatches the model's tool calls against linked Google
// accounts and public APIs, and persists every session's conversation,
// memories, and tasks in a durable key-value store. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	cortex serve                         Start the API server
//	cortex ask --session ID <message>    Run one turn and print the reply
//	cortex link <service> --session ID   Print a consent URL and QR code
//	cortex sessions                      List sessions
//	cortex sessions rm <id>              Delete a session
//	cortex version                       Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// main is intentionally minimal. It constructs the OS-level environment
// and delegates immediately to [run], which keeps os.Exit, os.Stdout,
// and os.Args out of the application logic so commands can be driven
// from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	output     string // "text" or "json"
}

// run builds the command tree and executes args against it. Logs go to
// stderr so command output on stdout stays machine-readable.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "cortex",
		Short: "Session-scoped assistant runtime",
		Long: `Cortex runs a tool-using assistant per chat session.

Config search order:
  ./config.yaml, ~/.config/cortex/config.yaml, /etc/cortex/config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.output != "text" && g.output != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", g.output)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Path to config file (default: auto-discover)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", "text", "Output format: text or json")

	root.AddCommand(
		buildServeCmd(g),
		buildAskCmd(g),
		buildLinkCmd(g),
		buildSessionsCmd(g),
		buildVersionCmd(g),
	)
	return root
}
