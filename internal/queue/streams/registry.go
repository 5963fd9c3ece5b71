package streams

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRegistry holds one compiled payload schema per "type/version" key.
// Publisher validates before XADD and Group after XREADGROUP.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema)}
}

func schemaKey(eventType, version string) string { return eventType + "/" + version }

// Register compiles doc as the schema for eventType at version. A later
// registration for the same key replaces the earlier one.
func (r *SchemaRegistry) Register(eventType, version string, doc []byte) error {
	switch {
	case eventType == "" || version == "":
		return errors.New("event type and version are required")
	case len(doc) == 0:
		return fmt.Errorf("schema for %s is empty", schemaKey(eventType, version))
	}
	url := "fractal://events/" + schemaKey(eventType, version) + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(doc)); err != nil {
		return fmt.Errorf("load schema %s: %w", schemaKey(eventType, version), err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema %s: %w", schemaKey(eventType, version), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schemaKey(eventType, version)] = compiled
	return nil
}

// Events lists the registered keys in order.
func (r *SchemaRegistry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.schemas))
}

// Validate checks payload against the schema registered for eventType at version.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	key := schemaKey(eventType, version)
	r.mu.RLock()
	schema, ok := r.schemas[key]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for %s", key)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("%s payload is empty", key)
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%s payload is not JSON: %w", key, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%s payload: %w", key, err)
	}
	return nil
}
