package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/cortex-agent/internal/api"
	"github.com/nugget/cortex-agent/internal/buildinfo"
	"github.com/nugget/cortex-agent/internal/config"
	"github.com/nugget/cortex-agent/internal/observability"
	"github.com/nugget/cortex-agent/internal/scheduler"
)

// shutdownGrace bounds how long in-flight requests may drain.
const shutdownGrace = 15 * time.Second

func buildServeCmd(g *globalFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig(g.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				if err := applyListen(&cfg.Listen, listen); err != nil {
					return err
				}
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}
			logger.Info("starting Cortex", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime, "config", cfgPath)
			return runServe(cmd.Context(), cmd.OutOrStdout(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override listen address as host:port or :port")
	return cmd
}

// applyListen parses a host:port override into l.
func applyListen(l *config.ListenConfig, hostport string) error {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return fmt.Errorf("--listen %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("--listen %q: invalid port", hostport)
	}
	l.Address, l.Port = host, port
	return nil
}

// runServe runs the server until ctx is cancelled or SIGINT/SIGTERM
// arrives. The shutdown order is:
//
//  1. The scheduler stops taking new sweeps
//  2. HTTP servers drain in-flight requests
//  3. Pending spans are flushed and the store is closed via defers
func runServe(ctx context.Context, stdout io.Writer, cfg *config.Config, logger *slog.Logger) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: buildinfo.Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()
	if cfg.Tracing.Endpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_ratio", cfg.Tracing.SampleRatio)
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(logger, rt.store, cfg.Scheduler.Sweep)
		if err := sched.Start(ctx); err != nil {
			return err
		}
	}

	server := api.NewServer(api.Config{
		Address: cfg.Listen.Address,
		Port:    cfg.Listen.Port,
	}, rt.sessions, rt.store,
		api.WithLogger(logger),
		api.WithMetrics(rt.metrics),
		api.WithLinker(rt.creds),
	)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		if sched != nil {
			sched.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown incomplete", "error", err)
		}
	}()

	fmt.Fprintf(stdout, "Cortex %s listening on %s\n", buildinfo.Version, cfg.Listen.Addr())

	// Start blocks until the server is shut down.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Cortex stopped", "sessions", rt.sessions.Len())
	return nil
}
