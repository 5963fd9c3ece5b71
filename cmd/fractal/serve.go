package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/fractal/internal/runtime"
	"github.com/mohammad-safakhou/fractal/internal/server"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var consumer string
	var noResume bool
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the run control HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}

			ctx, stop := runtime.SignalContext(cmd.Context(), "fractal", logger)
			defer stop()

			tel, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceVersion: version, Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					logger.Warn("telemetry shutdown", zap.Error(err))
				}
			}()

			stack, err := runtime.Build(ctx, cfg, logger, runtime.WithTelemetry(tel))
			if err != nil {
				return err
			}
			defer func() {
				timeout := cfg.Server.ShutdownTimeout
				if timeout <= 0 {
					timeout = 10 * time.Second
				}
				closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				if err := stack.Close(closeCtx); err != nil {
					logger.Warn("stack close", zap.Error(err))
				}
			}()

			if !noResume {
				n, err := stack.Engine.ResumeAll(ctx)
				if err != nil {
					logger.Warn("resume failed", zap.Error(err))
				} else if n > 0 {
					logger.Info("resumed runs", zap.Int("count", n))
				}
			}

			ops := &server.OpsHandler{Resumer: stack.Engine}
			g, gctx := errgroup.WithContext(ctx)
			if l := stack.DecisionListener(consumer); l != nil {
				ops.Decisions = l
				g.Go(func() error { return l.Run(gctx) })
			}
			srv := server.New(server.Config{
				Addr:            cfg.Server.Address,
				AllowOrigins:    cfg.Server.AllowOrigins,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
				Metrics:         cfg.Server.Metrics,
				ManifestSecret:  cfg.Capability.SigningSecret,
				RunDefaults:     &stack.Defaults,
			}, stack.Engine, logger, server.WithOps(ops))
			g.Go(func() error { return srv.Run(gctx) })
			return g.Wait()
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().StringVar(&consumer, "consumer", "", "decision stream consumer name (overrides queue.consumer)")
	serve.Flags().BoolVar(&noResume, "no-resume", false, "do not re-drive suspended runs on start")

	return serve
}
