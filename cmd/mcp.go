package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/flock/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP stdio server for driving sessions from another agent",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client such as an editor agent start and steer flock
sessions. Configure it with:

  {
    "mcpServers": {
      "flock": { "command": "flock", "args": ["mcp", "--repo", "/path/to/repo"] }
    }
  }

Available tools: flock_create_session, flock_send_message,
flock_stop_session, flock_list_sessions, flock_session_history`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	logger := newLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	serveErr := mcp.NewServer(rt.manager, buildVersion).ServeStdio(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return errors.Join(serveErr, rt.Close(closeCtx))
}
