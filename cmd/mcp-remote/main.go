// Command mcp-remote bridges a local stdio JSON-RPC client to a remote
// MCP server that requires OAuth 2.0-protected HTTP or SSE transport. It
// discovers the remote's authorization endpoints, authorizes
// interactively through a loopback browser redirect on first use,
// persists and refreshes tokens, and then forwards messages
// bidirectionally between stdio and the remote transport.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mcp-remote-go/mcp-remote/internal/config"
)

func main() {
	cmd := &cobra.Command{
		Use:          "mcp-remote <server-url> [callback-port]",
		Short:        "Bridge a local stdio MCP client to a remote OAuth-protected MCP server",
		Args:         cobra.RangeArgs(1, 2),
		SilenceUsage: true,
	}
	flags := config.BindFlags(cmd)

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Resolve(args, flags, func(msg string) {
			fmt.Fprintln(os.Stderr, "warning:", msg)
		})
		if err != nil {
			return err
		}
		return runBroker(cmd.Context(), cfg)
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
