package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/freeeve/keyuniq/internal/httpapi"
	"github.com/freeeve/keyuniq/internal/logx"
	"github.com/freeeve/keyuniq/internal/metrics"
	"github.com/freeeve/keyuniq/internal/unique"
)

// appState is shared by the subcommands once the root Before hook ran.
type appState struct {
	logger  zerolog.Logger
	metrics unique.MetricsCollector
	server  *http.Server
}

func main() {
	app := &appState{metrics: unique.NoopMetricsCollector{}}

	cmd := &cli.Command{
		Name:  "keyuniq",
		Usage: "Memory-bounded distinct keys with spill to disk",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn or error",
				Value: "info",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address (e.g. :2112)",
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			return ctx, app.setup(c)
		},
		After: func(ctx context.Context, c *cli.Command) error {
			return app.shutdown(ctx)
		},
		Commands: []*cli.Command{
			distinctCommand(app),
			estimateCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (a *appState) setup(c *cli.Command) error {
	level, err := logx.ParseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	// Keys go to stdout, so logs go to stderr.
	a.logger = logx.NewLevelLogger(os.Stderr, level)

	addr := c.String("metrics-addr")
	if addr == "" {
		return nil
	}
	p, err := metrics.NewPrometheus(prometheus.DefaultRegisterer, "keyuniq")
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	a.metrics = p

	a.server = &http.Server{
		Addr:              addr,
		Handler:           httpapi.NewMux(a.logger, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("metrics server")
		}
	}()
	return nil
}

func (a *appState) shutdown(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}
