// mcprelayd runs the relay: the MCP streamable-HTTP and SSE endpoints, the
// session plane over a shared Redis store, and (in internal auth mode) the
// co-hosted OAuth authorization server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/viant/mcprelay/handler"
	"github.com/viant/mcprelay/service"
	"github.com/viant/mcprelay/transport/server/stdio"
)

const version = "0.1.0"

func main() {
	var useStdio bool
	command := &cobra.Command{
		Use:     "mcprelayd",
		Short:   "Horizontally scalable remote MCP server",
		Version: version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if useStdio {
				return runStdio(cmd.Context())
			}
			return run(cmd.Context())
		},
	}
	command.Flags().BoolVar(&useStdio, "stdio", false,
		"serve MCP over stdin/stdout without the session plane")
	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

// runStdio serves the handler over stdin and stdout, no Redis and no auth.
func runStdio(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	server := stdio.New(ctx, handler.New("mcprelay", version), stdio.WithLogger(logger))
	return server.ListenAndServe()
}

func run(ctx context.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	config, err := service.LoadConfig()
	if err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return err
	}
	relay, err := service.New(ctx, config, handler.New("mcprelay", version),
		service.WithServiceLogger(logger))
	if err != nil {
		// Store connect failure is fatal by contract; cobra turns the
		// error into exit code 1.
		logger.Error("failed to start", zap.Error(err))
		return err
	}

	errs := make(chan error, 1)
	go func() { errs <- relay.Start() }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errs:
		return err
	case sig := <-signals:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return relay.Shutdown(shutdownCtx)
	}
}
