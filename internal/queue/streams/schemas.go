package streams

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// Event types carried on the run streams.
const (
	EventApprovalRequested = "approval.requested"
	EventApprovalDecision  = "approval.decision"
	EventRunFinished       = "run.finished"
)

// Built-in payload schemas, one file per event, named <type>.<version>.json.
//
//go:embed schemas/*.json
var builtinSchemas embed.FS

// RegisterBaseSchemas compiles every built-in schema into reg.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return errors.New("registry is nil")
	}
	files, err := fs.Glob(builtinSchemas, "schemas/*.json")
	if err != nil {
		return err
	}
	for _, file := range files {
		eventType, version, ok := splitSchemaName(path.Base(file))
		if !ok {
			return fmt.Errorf("schema file %s is not named <type>.<version>.json", file)
		}
		doc, err := builtinSchemas.ReadFile(file)
		if err != nil {
			return err
		}
		if err := reg.Register(eventType, version, doc); err != nil {
			return fmt.Errorf("register %s/%s: %w", eventType, version, err)
		}
	}
	return nil
}

func splitSchemaName(name string) (eventType, version string, ok bool) {
	base, found := strings.CutSuffix(name, ".json")
	if !found {
		return "", "", false
	}
	i := strings.LastIndexByte(base, '.')
	if i <= 0 || !strings.HasPrefix(base[i+1:], "v") {
		return "", "", false
	}
	return base[:i], base[i+1:], true
}
