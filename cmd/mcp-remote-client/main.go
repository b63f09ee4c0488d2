// Command mcp-remote-client is a thin demonstration driver: it launches
// mcp-remote as a child process over stdio, performs the initialize /
// tools/list handshake against it, and prints what it finds. It exists
// to exercise the proxy end to end without needing a full MCP host
// installed, not as a second implementation of the broker.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/pkg/errors"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: mcp-remote-client <server-url> [mcp-remote flags...]")
		os.Exit(1)
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(proxyArgs []string) error {
	mcpClient, err := client.NewStdioMCPClient("mcp-remote", nil, proxyArgs...)
	if err != nil {
		return errors.Wrap(err, "launch mcp-remote")
	}
	defer mcpClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	initResult, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "mcp-remote-client",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, "initialize")
	}
	fmt.Printf("connected to %s %s\n", initResult.ServerInfo.Name, initResult.ServerInfo.Version)

	toolsResult, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return errors.Wrap(err, "list tools")
	}

	fmt.Println("tools:")
	for _, tool := range toolsResult.Tools {
		fmt.Printf("  - %s: %s\n", tool.Name, tool.Description)
	}
	return nil
}
