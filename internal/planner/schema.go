package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mohammad-safakhou/fractal/internal/task"
)

//go:embed plan_schema.json
var proposalSchemaDoc []byte

const proposalSchemaURL = "fractal://planner/proposal.json"

var proposalSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(proposalSchemaURL, bytes.NewReader(proposalSchemaDoc)); err != nil {
		return nil, fmt.Errorf("planner schema: %w", err)
	}
	return c.Compile(proposalSchemaURL)
})

// DecodeProposal checks a planner reply against the proposal schema, then
// decodes and validates it.
func DecodeProposal(data []byte) (task.Proposal, error) {
	schema, err := proposalSchema()
	if err != nil {
		return task.Proposal{}, err
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return task.Proposal{}, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return task.Proposal{}, fmt.Errorf("plan does not match schema: %w", err)
	}
	var p task.Proposal
	if err := json.Unmarshal(data, &p); err != nil {
		return task.Proposal{}, fmt.Errorf("decode plan: %w", err)
	}
	return p, p.Validate()
}
