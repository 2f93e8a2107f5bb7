// Package mcpserver exposes run waiting and watching via MCP tools backed by
// the streaming client.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/runstream/runstream-go/internal/client"
	"github.com/runstream/runstream-go/internal/runs"
)

// Paths of the run stream endpoints the tools call.
const (
	PathWait   = "/api/v1/runs/wait"
	PathStream = "/api/v1/runs/stream"
)

const (
	defaultTimeout    = 5 * time.Minute
	defaultMaxUpdates = 100
)

// RegisterTools registers the run tools on the given server.
func RegisterTools(server *mcp.Server, c *client.Client) {
	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "wait_for_run",
			Description: "Wait until a run reaches a terminal status and return its final state",
		},
		waitForRunHandler(c),
	)

	mcp.AddTool(server,
		&mcp.Tool{
			Name:        "watch_run",
			Description: "Stream a run's status updates until it finishes and return every update seen",
		},
		watchRunHandler(c),
	)
}

type runInput struct {
	RunID          string `json:"run_id,omitempty" jsonschema:"ID of the run to follow"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"give up after this many seconds (default 300)"`
	MaxUpdates     int    `json:"max_updates,omitempty" jsonschema:"watch_run only: stop after this many updates (default 100)"`
}

func (in runInput) timeout() time.Duration {
	if in.TimeoutSeconds <= 0 {
		return defaultTimeout
	}
	return time.Duration(in.TimeoutSeconds) * time.Second
}

func waitForRunHandler(c *client.Client) mcp.ToolHandlerFor[runInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input runInput) (*mcp.CallToolResult, any, error) {
		if input.RunID == "" {
			return errorResult("run_id is required"), nil, nil
		}

		ctx, cancel := context.WithTimeout(ctx, input.timeout())
		defer cancel()

		run, err := client.PostStreamingCollectFirst[runs.Run](ctx, c, PathWait, map[string]string{"run_id": input.RunID})
		if err != nil {
			return nil, nil, fmt.Errorf("wait_for_run: %w", err)
		}
		if run.RunID == "" {
			return errorResult(fmt.Sprintf("run %s not final after %s", input.RunID, input.timeout())), nil, nil
		}
		return textResult(run)
	}
}

type watchResult struct {
	Updates []runs.Run `json:"updates"`
	Final   bool       `json:"final"`
}

func watchRunHandler(c *client.Client) mcp.ToolHandlerFor[runInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input runInput) (*mcp.CallToolResult, any, error) {
		if input.RunID == "" {
			return errorResult("run_id is required"), nil, nil
		}
		limit := input.MaxUpdates
		if limit <= 0 {
			limit = defaultMaxUpdates
		}

		ctx, cancel := context.WithTimeout(ctx, input.timeout())
		defer cancel()

		var res watchResult
		err := client.PostStreamingSubscribe(ctx, c, PathStream, map[string]string{"run_id": input.RunID},
			func(_ context.Context, r runs.Run, _ string) (bool, error) {
				res.Updates = append(res.Updates, r)
				res.Final = r.Status.IsFinal()
				return res.Final || len(res.Updates) >= limit, nil
			})
		if err != nil {
			return nil, nil, fmt.Errorf("watch_run: %w", err)
		}
		return textResult(res)
	}
}

func textResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("marshal result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(data)},
		},
	}, nil, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: msg},
		},
		IsError: true,
	}
}
