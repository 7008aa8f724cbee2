package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/sentinell/internal/daemon"
	"github.com/joescharf/sentinell/internal/ingest"
	"github.com/joescharf/sentinell/internal/mcp"
	"github.com/joescharf/sentinell/internal/metrics"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an assistant list, report and approve incidents. Configure with:

  {
    "mcpServers": {
      "sentinell": { "command": "sentinell", "args": ["mcp"] }
    }
  }

Available tools: sentinell_list_incidents, sentinell_get_incident,
sentinell_report_incident, sentinell_approve_incident,
sentinell_reject_incident, sentinell_list_repos`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	// stdout carries the protocol, so logs stay on stderr.
	logger := commandLogger()
	retriever, err := newRetriever(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), daemon.ShutdownSignals()...)
	defer stop()

	srv := mcp.NewServer(s, ingest.New(s, retriever, metrics.New(), logger))
	return srv.ServeStdio(ctx)
}
