package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/internal/hitl"
	"github.com/mohammad-safakhou/fractal/internal/queue/streams"
	"github.com/mohammad-safakhou/fractal/internal/runtime"
)

func decideCMD(cfgPath *string) *cobra.Command {
	var feedback string
	var decidedBy string
	var serverURL string
	var decide = &cobra.Command{
		Use:   "decide <run-id> <checkpoint-id> <approve|reject>",
		Short: "Answer an approval checkpoint",
		Long: "Publishes the decision onto the decision stream, or posts it to a running\n" +
			"server when --server is set.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := hitl.ParseAction(args[2])
			if err != nil {
				return err
			}
			d := streams.ApprovalDecision{
				RunID:        args[0],
				CheckpointID: args[1],
				Action:       string(action),
				Feedback:     feedback,
				DecidedBy:    decidedBy,
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if serverURL != "" {
				return postDecision(ctx, http.DefaultClient, serverURL, d)
			}

			cfg, logger, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			if !cfg.Queue.Enabled {
				return fmt.Errorf("queue.enabled is false; pass --server to post over HTTP")
			}
			client, err := runtime.OpenRedis(ctx, cfg.Storage.Redis)
			if err != nil {
				return err
			}
			defer client.Close()
			reg := streams.NewSchemaRegistry()
			if err := streams.RegisterBaseSchemas(reg); err != nil {
				return err
			}
			pub := streams.NewPublisher(client, reg, streams.WithMaxLen(cfg.Queue.MaxLen))
			n := streams.NewNotifier(pub, streams.Topology{
				Approvals: cfg.Queue.Approvals,
				Decisions: cfg.Queue.Decisions,
				Runs:      cfg.Queue.Runs,
			})
			id, err := n.PublishDecision(ctx, d)
			if err != nil {
				return err
			}
			logger.Info("decision published", zap.String("run_id", d.RunID), zap.String("message_id", id))
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	decide.Flags().StringVar(&feedback, "feedback", "", "reviewer feedback")
	decide.Flags().StringVar(&decidedBy, "by", "", "reviewer name")
	decide.Flags().StringVar(&serverURL, "server", "", "base URL of a running server, e.g. http://localhost:10001")

	return decide
}

func postDecision(ctx context.Context, client *http.Client, base string, d streams.ApprovalDecision) error {
	body, err := json.Marshal(map[string]string{
		"checkpoint_id": d.CheckpointID,
		"action":        d.Action,
		"feedback":      d.Feedback,
	})
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(base, "/") + "/api/runs/" + url.PathEscape(d.RunID) + "/decisions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("decision rejected: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
