package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"smebot-go/internal/adminclient"
	"smebot-go/internal/logging"
)

func main() {
	// stdout carries the MCP stream, so logs go to stderr.
	logger := logging.NewLoggerTo(os.Stderr, "info", "text", "smebot-mcp")
	slog.SetDefault(logger)

	admin := adminclient.New(envOr("SMEBOT_URL", "http://localhost:8080"), os.Getenv("ADMIN_USER"), os.Getenv("ADMIN_PASSWORD"))

	s := newServer(admin)
	logger.Info("starting MCP server on stdio")
	if err := server.ServeStdio(s); err != nil {
		logger.Error("mcp server stopped", "err", err)
		os.Exit(1)
	}
}

func newServer(admin *adminclient.Client) *server.MCPServer {
	s := server.NewMCPServer("smebot", "1.0.0", server.WithToolCapabilities(false), server.WithRecovery())

	s.AddTool(mcp.NewTool("bot_health",
		mcp.WithDescription("Check that the smebot server is up and report the Azure OpenAI circuit state"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(admin.Health(ctx))
	})

	s.AddTool(mcp.NewTool("queue_stats",
		mcp.WithDescription("Get task queue, batch, rate limit, circuit breaker and conversation store statistics"),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return jsonResult(admin.Stats(ctx))
	})

	s.AddTool(mcp.NewTool("task_status",
		mcp.WithDescription("Get the status, retries and error of one task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id returned when the task was enqueued")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		task, err := admin.Task(ctx, id)
		if errors.Is(err, adminclient.ErrNotFound) {
			return mcp.NewToolResultError("task " + id + " not found"), nil
		}
		return jsonResult(task, err)
	})

	s.AddTool(mcp.NewTool("user_tasks",
		mcp.WithDescription("List the tasks recorded for a LINE user"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("LINE user id")),
	), func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(admin.UserTasks(ctx, userID))
	})

	return s
}

func jsonResult(v any, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(data)), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
