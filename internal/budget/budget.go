// Package budget tracks what a run has spent against its cost, token and
// wall-clock ceilings.
package budget

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the ceilings for a run. A nil field is unbounded.
type Config struct {
	MaxCost        *float64 `json:"max_cost,omitempty"`
	MaxTokens      *int64   `json:"max_tokens,omitempty"`
	MaxTimeSeconds *int64   `json:"max_time_seconds,omitempty"`
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxCost != nil && *c.MaxCost < 0 {
		errs = append(errs, errors.New("max_cost cannot be negative"))
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		errs = append(errs, errors.New("max_tokens cannot be negative"))
	}
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds < 0 {
		errs = append(errs, errors.New("max_time_seconds cannot be negative"))
	}
	return errors.Join(errs...)
}

// Clone copies the config so the result shares no pointers with c.
func (c Config) Clone() Config {
	return Config{
		MaxCost:        copyOf(c.MaxCost),
		MaxTokens:      copyOf(c.MaxTokens),
		MaxTimeSeconds: copyOf(c.MaxTimeSeconds),
	}
}

// TimeLimit converts MaxTimeSeconds to a duration. Zero means unbounded.
func (c Config) TimeLimit() time.Duration {
	if c.MaxTimeSeconds == nil || *c.MaxTimeSeconds <= 0 {
		return 0
	}
	return time.Duration(*c.MaxTimeSeconds) * time.Second
}

func copyOf[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Usage is the consumption a run has accumulated so far.
type Usage struct {
	Cost    float64       `json:"cost"`
	Tokens  int64         `json:"tokens"`
	Elapsed time.Duration `json:"elapsed"`
}

// Add returns u plus the cost and tokens given.
func (u Usage) Add(cost float64, tokens int64) Usage {
	u.Cost += cost
	u.Tokens += tokens
	return u
}

// Check returns an *Exhausted for the first ceiling u has gone past, in the
// order cost, tokens, time.
func Check(cfg Config, u Usage) error {
	switch {
	case cfg.MaxCost != nil && u.Cost > *cfg.MaxCost:
		return &Exhausted{
			Resource: ResourceCost,
			Spent:    fmt.Sprintf("$%.4f", u.Cost),
			Allowed:  fmt.Sprintf("$%.4f", *cfg.MaxCost),
		}
	case cfg.MaxTokens != nil && u.Tokens > *cfg.MaxTokens:
		return &Exhausted{
			Resource: ResourceTokens,
			Spent:    fmt.Sprintf("%d tokens", u.Tokens),
			Allowed:  fmt.Sprintf("%d tokens", *cfg.MaxTokens),
		}
	}
	if limit := cfg.TimeLimit(); limit > 0 && u.Elapsed > limit {
		return &Exhausted{Resource: ResourceTime, Spent: u.Elapsed.String(), Allowed: limit.String()}
	}
	return nil
}
