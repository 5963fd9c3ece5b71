package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/internal/engine"
	"github.com/mohammad-safakhou/fractal/internal/hitl"
	"github.com/mohammad-safakhou/fractal/internal/runtime"
)

func runCMD(cfgPath *string) *cobra.Command {
	var runID string
	var approve bool
	var format string
	var timeout time.Duration
	var run = &cobra.Command{
		Use:   "run [query]",
		Short: "Run one query in-process and print the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.TrimSpace(strings.Join(args, " "))
			if query == "" {
				return fmt.Errorf("query is empty")
			}
			if format != "json" && format != "markdown" {
				return fmt.Errorf("unknown format %q (json or markdown)", format)
			}
			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := runtime.SignalContext(cmd.Context(), "fractal-run", logger)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			stack, err := runtime.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = stack.Close(closeCtx)
			}()

			id, err := stack.Engine.Start(ctx, query, engine.Options{RunID: runID})
			if err != nil {
				return err
			}
			status, err := drive(ctx, stack.Engine, id, approve, logger)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status, format)
		},
	}
	run.Flags().StringVar(&runID, "run-id", "", "run id (generated when empty)")
	run.Flags().BoolVar(&approve, "approve", false, "approve every checkpoint automatically")
	run.Flags().StringVar(&format, "format", "json", "output: json or markdown")
	run.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 = no limit)")

	return run
}

// runDriver is the part of the engine drive needs.
type runDriver interface {
	Wait(ctx context.Context, runID string) (engine.Status, error)
	Decide(ctx context.Context, runID, checkpointID string, d hitl.Decision) error
}

// drive waits for the run, approving checkpoints when approve is set. A run
// parked at a checkpoint without approve is returned as is.
func drive(ctx context.Context, eng runDriver, runID string, approve bool, logger *zap.Logger) (engine.Status, error) {
	for {
		status, err := eng.Wait(ctx, runID)
		if err != nil {
			return engine.Status{}, err
		}
		if status.Pending == nil || status.Phase.Terminal() || !approve {
			return status, nil
		}
		logger.Info("auto-approving checkpoint",
			zap.String("run_id", runID),
			zap.String("checkpoint_id", status.Pending.CheckpointID),
			zap.String("kind", string(status.Pending.Kind)))
		if err := eng.Decide(ctx, runID, status.Pending.CheckpointID, hitl.Decision{Action: hitl.ActionApprove}); err != nil {
			return engine.Status{}, err
		}
	}
}

func printStatus(w io.Writer, status engine.Status, format string) error {
	if format == "markdown" {
		if status.Deliverable == nil {
			return fmt.Errorf("run %s finished %s without a deliverable", status.RunID, status.Phase)
		}
		_, err := fmt.Fprintln(w, status.Deliverable.Body)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
