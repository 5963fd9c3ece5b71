package manifest

import (
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/fractal/internal/engine"
	"github.com/mohammad-safakhou/fractal/internal/report"
	"github.com/mohammad-safakhou/fractal/internal/runstate"
	"github.com/mohammad-safakhou/fractal/internal/task"
)

func finishedStatus() engine.Status {
	done := time.Unix(20, 0)
	return engine.Status{
		RunID:   "run-1",
		Query:   "what changed in solar",
		Version: 7,
		Phase:   runstate.PhaseCompleted,
		Nodes: []task.Node{
			{ID: "root", Objective: "what changed in solar", Status: task.StatusCompleted},
			{ID: "root.1", ParentID: "root", Depth: 1, Role: task.RoleGatherer, Objective: strings.Repeat("x", 400), Status: task.StatusCompleted},
		},
		Deliverable: &report.Deliverable{
			Summary:   "Prices fell.",
			Body:      "Prices fell [1][2].",
			Citations: []string{"https://www.iea.org/reports/solar", "internal-note-4"},
		},
		CreatedAt:  time.Unix(10, 0),
		FinishedAt: &done,
	}
}

func TestBuild(t *testing.T) {
	p, err := Build(finishedStatus())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if p.Version != Version || p.RunID != "run-1" || p.SnapshotVersion != 7 {
		t.Fatalf("unexpected header: %+v", p)
	}
	if len(p.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %+v", p.Sources)
	}
	if p.Sources[0].Index != 1 || p.Sources[0].Domain != "www.iea.org" {
		t.Fatalf("unexpected first source: %+v", p.Sources[0])
	}
	if p.Sources[1].Domain != "" {
		t.Fatalf("non-URL source should have no domain: %+v", p.Sources[1])
	}
	if len(p.Nodes) != 2 || p.Nodes[1].Role != "gatherer" {
		t.Fatalf("nodes not projected: %+v", p.Nodes)
	}
	if n := len([]rune(p.Nodes[1].Objective)); n != 281 {
		t.Fatalf("long objective should be trimmed to 280 runes plus ellipsis, got %d", n)
	}
	if !p.FinishedAt.Equal(time.Unix(20, 0)) {
		t.Fatalf("finished_at not copied: %v", p.FinishedAt)
	}
}

func TestBuildRejectsActiveRun(t *testing.T) {
	st := finishedStatus()
	st.Phase = runstate.PhaseAwaitingApproval
	if _, err := Build(st); err == nil {
		t.Fatalf("expected error for a suspended run")
	}
	if _, err := Build(engine.Status{Phase: runstate.PhaseCompleted}); err == nil {
		t.Fatalf("expected error for a missing run id")
	}
}

func TestSignAndVerify(t *testing.T) {
	p, err := Build(finishedStatus())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	signed, err := Sign(p, "secret", time.Unix(30, 0))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if signed.Checksum == "" || signed.Signature == "" || signed.Algorithm != Algorithm {
		t.Fatalf("incomplete signature: %+v", signed)
	}
	if err := Verify(signed, "secret"); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := Verify(signed, "other"); err == nil {
		t.Fatalf("expected signature mismatch with wrong secret")
	}

	tampered := signed
	tampered.Manifest.Body = "Prices rose."
	if err := Verify(tampered, "secret"); err == nil || !strings.Contains(err.Error(), "checksum") {
		t.Fatalf("expected checksum mismatch, got %v", err)
	}

	if _, err := Sign(p, "", time.Time{}); err == nil {
		t.Fatalf("expected error without secret")
	}
}
