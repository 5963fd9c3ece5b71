package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// envelopeField is the stream entry field holding the encoded envelope.
const envelopeField = "envelope"

// Envelope wraps every event written to a stream.
type Envelope struct {
	ID         string          `json:"event_id"`
	Type       string          `json:"event_type"`
	Version    string          `json:"payload_version"`
	RunID      string          `json:"run_id"`
	TraceID    string          `json:"trace_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Key names the schema the payload validates against, e.g. "run.finished/v1".
func (e Envelope) Key() string { return e.Type + "/" + e.Version }

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Key(), err)
	}
	return nil
}

func (e Envelope) check() error {
	var missing []string
	if e.ID == "" {
		missing = append(missing, "event_id")
	}
	if e.Type == "" {
		missing = append(missing, "event_type")
	}
	if e.Version == "" {
		missing = append(missing, "payload_version")
	}
	if e.RunID == "" {
		missing = append(missing, "run_id")
	}
	if len(e.Data) == 0 {
		missing = append(missing, "data")
	}
	if len(missing) > 0 {
		return fmt.Errorf("envelope missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// seal encodes ev into a new envelope stamped with an id, the time and the
// active trace.
func seal(ctx context.Context, ev Event) (Envelope, error) {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", ev.Type, err)
	}
	env := Envelope{
		ID:         uuid.NewString(),
		Type:       ev.Type,
		Version:    ev.Version,
		RunID:      ev.RunID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
	if env.Version == "" {
		env.Version = payloadVersion
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	return env, env.check()
}

// openEntry decodes the envelope stored in a stream entry's fields.
func openEntry(values map[string]interface{}) (Envelope, error) {
	raw, ok := values[envelopeField]
	if !ok {
		return Envelope{}, fmt.Errorf("entry has no %q field", envelopeField)
	}
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return Envelope{}, fmt.Errorf("unexpected %T in %q field", raw, envelopeField)
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, env.check()
}
