package runstate

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/fractal/internal/breaker"
	"github.com/mohammad-safakhou/fractal/internal/budget"
	"github.com/mohammad-safakhou/fractal/internal/capability"
)

// Defaults applied by Normalize.
const (
	DefaultMaxDepth    = 3
	DefaultMaxNodes    = 50
	DefaultTopK        = 3
	DefaultMaxReplans  = 3
	DefaultMaxChildren = 10
)

// Config is the per-run configuration captured in the snapshot.
type Config struct {
	MaxDepth             int           `json:"max_depth"`
	MaxNodes             int           `json:"max_nodes"`
	TopKContext          int           `json:"top_k_context"`
	RequirePlanApproval  bool          `json:"require_plan_approval"`
	RequireFinalApproval bool          `json:"require_final_approval"`
	Persona              string        `json:"persona"`
	MaxReplans           int           `json:"max_replans"`
	MaxChildren          int           `json:"max_children"`
	DetectCycles         bool          `json:"detect_cycles"`
	Budget               budget.Config `json:"budget"`
}

// DefaultConfig returns the configuration used when a run specifies nothing.
func DefaultConfig() Config {
	return Config{
		MaxDepth:     DefaultMaxDepth,
		MaxNodes:     DefaultMaxNodes,
		TopKContext:  DefaultTopK,
		Persona:      capability.DefaultPersona,
		MaxReplans:   DefaultMaxReplans,
		MaxChildren:  DefaultMaxChildren,
		DetectCycles: true,
	}
}

// Normalize fills zero values with defaults. MaxDepth 0 is meaningful (the
// root may never decompose) and is only defaulted when negative.
func (c Config) Normalize() Config {
	if c.MaxDepth < 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = DefaultMaxNodes
	}
	if c.TopKContext <= 0 {
		c.TopKContext = DefaultTopK
	}
	c.Persona = strings.TrimSpace(c.Persona)
	if c.Persona == "" {
		c.Persona = capability.DefaultPersona
	}
	if c.MaxReplans <= 0 {
		c.MaxReplans = DefaultMaxReplans
	}
	if c.MaxChildren <= 0 {
		c.MaxChildren = DefaultMaxChildren
	}
	c.Budget = c.Budget.Clone()
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth cannot be negative")
	}
	if c.MaxNodes < 1 {
		return fmt.Errorf("max_nodes must be at least 1")
	}
	if c.MaxChildren < 1 {
		return fmt.Errorf("max_children must be at least 1")
	}
	return c.Budget.Validate()
}

// Limits projects the configuration onto the breaker's thresholds.
func (c Config) Limits() breaker.Limits {
	return breaker.Limits{
		MaxDepth:     c.MaxDepth,
		MaxNodes:     c.MaxNodes,
		DetectCycles: c.DetectCycles,
		Budget:       c.Budget,
	}
}
