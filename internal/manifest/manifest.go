// Package manifest builds signed, replayable summaries of finished runs.
package manifest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mohammad-safakhou/fractal/internal/breaker"
	"github.com/mohammad-safakhou/fractal/internal/engine"
)

// Version identifies the current manifest schema.
const Version = "v1"

// Algorithm names the signature scheme.
const Algorithm = "hmac-sha256"

// Payload is the immutable part of a manifest that gets signed.
type Payload struct {
	Version         string           `json:"version"`
	RunID           string           `json:"run_id"`
	Query           string           `json:"query"`
	Phase           string           `json:"phase"`
	Reason          string           `json:"reason,omitempty"`
	SnapshotVersion int              `json:"snapshot_version"`
	Summary         string           `json:"summary,omitempty"`
	Body            string           `json:"body,omitempty"`
	Sources         []Source         `json:"sources,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
	Nodes           []Node           `json:"nodes"`
	Counters        breaker.Counters `json:"counters"`
	CreatedAt       time.Time        `json:"created_at"`
	FinishedAt      time.Time        `json:"finished_at"`
}

// Source is a cited source in report order.
type Source struct {
	Index  int    `json:"index"`
	ID     string `json:"id"`
	Domain string `json:"domain,omitempty"`
}

// Node is the audit view of one task tree node.
type Node struct {
	ID        string `json:"id"`
	ParentID  string `json:"parent_id,omitempty"`
	Depth     int    `json:"depth"`
	Role      string `json:"role,omitempty"`
	Status    string `json:"status"`
	Objective string `json:"objective"`
	Reason    string `json:"reason,omitempty"`
}

// Signed carries the payload with its checksum and signature.
type Signed struct {
	Manifest  Payload   `json:"manifest"`
	Checksum  string    `json:"checksum"`
	Signature string    `json:"signature"`
	Algorithm string    `json:"algorithm"`
	SignedAt  time.Time `json:"signed_at"`
}

// Build projects a terminal run status onto a manifest payload.
func Build(st engine.Status) (Payload, error) {
	if st.RunID == "" {
		return Payload{}, fmt.Errorf("status missing run id")
	}
	if !st.Phase.Terminal() {
		return Payload{}, fmt.Errorf("run %s is %s, not finished", st.RunID, st.Phase)
	}
	p := Payload{
		Version:         Version,
		RunID:           st.RunID,
		Query:           st.Query,
		Phase:           string(st.Phase),
		Reason:          st.Reason,
		SnapshotVersion: st.Version,
		Counters:        st.Counters,
		CreatedAt:       st.CreatedAt.UTC(),
	}
	if st.FinishedAt != nil {
		p.FinishedAt = st.FinishedAt.UTC()
	}
	if d := st.Deliverable; d != nil {
		p.Summary = d.Summary
		p.Body = d.Body
		p.Warnings = d.Warnings
		for i, id := range d.Citations {
			p.Sources = append(p.Sources, Source{Index: i + 1, ID: id, Domain: sourceDomain(id)})
		}
	}
	p.Nodes = make([]Node, 0, len(st.Nodes))
	for _, n := range st.Nodes {
		p.Nodes = append(p.Nodes, Node{
			ID:        n.ID,
			ParentID:  n.ParentID,
			Depth:     n.Depth,
			Role:      string(n.Role),
			Status:    string(n.Status),
			Objective: trimSnippet(n.Objective),
			Reason:    n.Reason,
		})
	}
	return p, nil
}

// Sign checksums and signs payload with secret.
func Sign(payload Payload, secret string, signedAt time.Time) (Signed, error) {
	if secret == "" {
		return Signed{}, fmt.Errorf("signing secret required")
	}
	if signedAt.IsZero() {
		signedAt = time.Now().UTC()
	}
	checksum, err := checksumOf(payload)
	if err != nil {
		return Signed{}, err
	}
	return Signed{
		Manifest:  payload,
		Checksum:  checksum,
		Signature: signatureOf(checksum, secret),
		Algorithm: Algorithm,
		SignedAt:  signedAt.UTC(),
	}, nil
}

// Verify recomputes checksum and signature and reports a mismatch.
func Verify(signed Signed, secret string) error {
	if signed.Algorithm != "" && signed.Algorithm != Algorithm {
		return fmt.Errorf("unsupported algorithm %q", signed.Algorithm)
	}
	checksum, err := checksumOf(signed.Manifest)
	if err != nil {
		return err
	}
	if signed.Checksum != checksum {
		return fmt.Errorf("checksum mismatch")
	}
	if !hmac.Equal([]byte(signatureOf(checksum, secret)), []byte(signed.Signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func checksumOf(p Payload) (string, error) {
	canonical, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func signatureOf(checksum, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil))
}

// sourceDomain returns the host of URL-shaped source ids.
func sourceDomain(raw string) string {
	if !strings.Contains(raw, "://") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

func trimSnippet(s string) string {
	s = strings.TrimSpace(s)
	const maxRunes = 280
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	trimmed := strings.TrimSpace(string(runes[:maxRunes]))
	if strings.HasSuffix(trimmed, "…") || strings.HasSuffix(trimmed, "...") {
		return trimmed
	}
	return trimmed + "…"
}
