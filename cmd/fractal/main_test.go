package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/fractal/config"
	"github.com/mohammad-safakhou/fractal/internal/engine"
	"github.com/mohammad-safakhou/fractal/internal/hitl"
	"github.com/mohammad-safakhou/fractal/internal/manifest"
	"github.com/mohammad-safakhou/fractal/internal/queue/streams"
	"github.com/mohammad-safakhou/fractal/internal/report"
	"github.com/mohammad-safakhou/fractal/internal/runstate"
)

type scriptedDriver struct {
	statuses  []engine.Status
	decisions []string
}

func (d *scriptedDriver) Wait(context.Context, string) (engine.Status, error) {
	s := d.statuses[0]
	if len(d.statuses) > 1 {
		d.statuses = d.statuses[1:]
	}
	return s, nil
}

func (d *scriptedDriver) Decide(_ context.Context, _, checkpointID string, dec hitl.Decision) error {
	d.decisions = append(d.decisions, checkpointID+":"+string(dec.Action))
	return nil
}

func parked(id string) engine.Status {
	return engine.Status{RunID: "r", Phase: runstate.PhaseAwaitingApproval, Pending: &hitl.Request{CheckpointID: id, Kind: hitl.KindPlanApproval}}
}

func TestDriveApprovesUntilDone(t *testing.T) {
	d := &scriptedDriver{statuses: []engine.Status{
		parked("cp-1"),
		parked("cp-2"),
		{RunID: "r", Phase: runstate.PhaseCompleted},
	}}
	st, err := drive(context.Background(), d, "r", true, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, runstate.PhaseCompleted, st.Phase)
	assert.Equal(t, []string{"cp-1:approve", "cp-2:approve"}, d.decisions)
}

func TestDriveStopsAtCheckpointWithoutApprove(t *testing.T) {
	d := &scriptedDriver{statuses: []engine.Status{parked("cp-1")}}
	st, err := drive(context.Background(), d, "r", false, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, st.Pending)
	assert.Empty(t, d.decisions)
}

func TestPrintStatus(t *testing.T) {
	st := engine.Status{RunID: "r", Phase: runstate.PhaseCompleted, Deliverable: &report.Deliverable{Body: "# Report"}}

	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, st, "markdown"))
	assert.Equal(t, "# Report\n", buf.String())

	buf.Reset()
	require.NoError(t, printStatus(&buf, st, "json"))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "completed", decoded["phase"])

	assert.Error(t, printStatus(&buf, engine.Status{RunID: "r", Phase: runstate.PhaseFailed}, "markdown"))
}

func TestPostDecision(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		if got["checkpoint_id"] == "stale" {
			http.Error(w, `{"error":"stale approval"}`, http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := streams.ApprovalDecision{RunID: "run-1", CheckpointID: "cp-1", Action: "reject", Feedback: "needs sources"}
	require.NoError(t, postDecision(context.Background(), srv.Client(), srv.URL+"/", d))
	assert.Equal(t, "/api/runs/run-1/decisions", path)
	assert.Equal(t, map[string]string{"checkpoint_id": "cp-1", "action": "reject", "feedback": "needs sources"}, got)

	d.CheckpointID = "stale"
	err := postDecision(context.Background(), srv.Client(), srv.URL, d)
	assert.ErrorContains(t, err, "409")
}

func TestNewLogger(t *testing.T) {
	l, err := newLogger(config.GeneralConfig{LogLevel: "warn"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Core().Enabled(zap.WarnLevel))

	_, err = newLogger(config.GeneralConfig{LogLevel: "loud"})
	assert.Error(t, err)
}

func TestVerifyCommand(t *testing.T) {
	done := time.Unix(20, 0)
	p, err := manifest.Build(engine.Status{RunID: "r", Phase: runstate.PhaseCompleted, FinishedAt: &done})
	require.NoError(t, err)
	signed, err := manifest.Sign(p, "k", time.Unix(21, 0))
	require.NoError(t, err)
	raw, err := json.Marshal(signed)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "m.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	cfgPath := ""
	cmd := verifyCMD(&cfgPath)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--secret", "k", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "ok r ")

	cmd = verifyCMD(&cfgPath)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(bytes.NewReader(raw))
	cmd.SetArgs([]string{"--secret", "wrong", "-"})
	assert.ErrorContains(t, cmd.Execute(), "signature mismatch")
}
