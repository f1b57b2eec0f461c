// Package main implements the zoo CLI - a distributed file-analysis
// dispatcher.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c360studio/zoo/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		amqpURL     string
		metricsAddr string
	)

	rootCmd := &cobra.Command{
		Use:   "zoo [config-file]",
		Short: "Distributed file-analysis dispatcher",
		Long: `zoo consumes job descriptions from a message broker, downloads the
referenced artifact, fans it out to configured enricher services,
publishes successful results, and re-queues unfinished work.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" && len(args) == 1 {
				path = args[0]
			}
			return runDispatcher(cmd.Context(), path, amqpURL, metricsAddr)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.Flags().StringVar(&amqpURL, "amqp-url", "", "override the broker URL from config")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func runDispatcher(ctx context.Context, configPath, amqpURLOverride, metricsAddr string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	loader := config.NewLoader(logger)
	cfg, err := loader.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := NewApp(cfg, configPath, amqpURLOverride, metricsAddr, logger)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer app.Shutdown()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	logger.Info("zoo dispatcher running")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
