package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aivorynet/inspector-go/pkg/agent"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		listen     string
		reportPath string
		noWatch    bool
		backendURL string
		apiKey     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the report recorder and breakpoint agent",
		Long: "Serves the attribution report endpoint and the URL breakpoint API.\n" +
			"Every request is checked against the URL breakpoints; hits are\n" +
			"reported to the backend when one is configured.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var options []agent.ConfigOption
			if cmd.Flags().Changed("listen") {
				options = append(options, agent.WithListenAddr(listen))
			}
			if cmd.Flags().Changed("report") {
				options = append(options, agent.WithReportPath(reportPath))
			}
			if noWatch {
				options = append(options, agent.WithWatchStore(false))
			}
			if cmd.Flags().Changed("backend") || cmd.Flags().Changed("api-key") {
				options = append(options, agent.WithBackend(backendURL, apiKey))
			}

			cfg, err := root.loadConfig(options...)
			if err != nil {
				return err
			}
			logger, err := root.logger(cfg)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			a, err := agent.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", ":8000", "HTTP listen address")
	cmd.Flags().StringVar(&reportPath, "report", "conversionReport.txt", "File attribution reports are recorded to")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload the breakpoint store when it changes")
	cmd.Flags().StringVar(&backendURL, "backend", "", "Backend WebSocket URL")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Backend API key")

	return cmd
}

// contextOrBackground guards commands executed without a context.
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
