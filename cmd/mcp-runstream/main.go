// Command mcp-runstream runs the MCP tool server for waiting on and watching runs.
// Uses stdio transport for integration with AI assistants.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/runstream/runstream-go/internal/client"
	"github.com/runstream/runstream-go/internal/config"
	"github.com/runstream/runstream-go/internal/mcpserver"
	"github.com/runstream/runstream-go/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	// Stdout carries the MCP protocol; logs go to stderr.
	logger := observability.InitLogger(cfg.LogLevel)

	c, err := client.NewFromConfig(cfg, client.WithLogger(logger))
	if err != nil {
		logger.Error("client init failed", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "runstream",
		Version: "v1.0.0",
	}, nil)
	mcpserver.RegisterTools(server, c)

	if err := server.Run(context.Background(), &mcp.StdioTransport{}); err != nil {
		logger.Error("mcp server error", "error", err)
		os.Exit(1)
	}
}
