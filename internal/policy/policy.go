package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/mohammad-safakhou/fractal/internal/failure"
)

// Rules is the compliance rule file applied to every planning and execution call.
type Rules struct {
	AllowedRoles      []string   `yaml:"allowed_roles"`
	MaxObjectiveChars int        `yaml:"max_objective_chars"`
	Deny              []DenyRule `yaml:"deny"`
}

// DenyRule vetoes calls whose objective matches Pattern. Ops and Roles narrow
// the rule; empty means any.
type DenyRule struct {
	Name    string   `yaml:"name"`
	Pattern string   `yaml:"pattern"`
	Ops     []string `yaml:"ops"`
	Roles   []string `yaml:"roles"`
	Reason  string   `yaml:"reason"`
}

// Subject is the part of a call a policy can see.
type Subject struct {
	Op        string
	Role      string
	Objective string
}

// Policy is a compiled rule set. The zero value allows everything.
type Policy struct {
	roles     map[string]struct{}
	maxChars  int
	denyRules []compiledRule
}

type compiledRule struct {
	name   string
	re     *regexp.Regexp
	ops    map[string]struct{}
	roles  map[string]struct{}
	reason string
}

// Load reads and compiles a YAML rule file. An empty path yields an allow-all policy.
func Load(path string) (*Policy, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return &Policy{}, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Parse compiles rules from YAML.
func Parse(data []byte) (*Policy, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return Compile(rules)
}

// Compile validates rules and prepares them for evaluation.
func Compile(rules Rules) (*Policy, error) {
	if rules.MaxObjectiveChars < 0 {
		return nil, fmt.Errorf("max_objective_chars cannot be negative")
	}
	p := &Policy{
		roles:    listToSet(rules.AllowedRoles),
		maxChars: rules.MaxObjectiveChars,
	}
	for i, r := range rules.Deny {
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("deny rule %d: pattern is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("deny rule %d: %w", i, err)
		}
		name := strings.TrimSpace(r.Name)
		if name == "" {
			name = fmt.Sprintf("deny[%d]", i)
		}
		p.denyRules = append(p.denyRules, compiledRule{
			name:   name,
			re:     re,
			ops:    listToSet(r.Ops),
			roles:  listToSet(r.Roles),
			reason: r.Reason,
		})
	}
	return p, nil
}

// Evaluate returns a failure.PolicyViolation when s breaks a rule.
func (p *Policy) Evaluate(s Subject) error {
	if p == nil {
		return nil
	}
	role := strings.ToLower(strings.TrimSpace(s.Role))
	if len(p.roles) > 0 && role != "" {
		if _, ok := p.roles[role]; !ok {
			return failure.PolicyViolation{Rule: "allowed_roles", Reason: fmt.Sprintf("role %q is not allowed", s.Role)}
		}
	}
	if p.maxChars > 0 && utf8.RuneCountInString(s.Objective) > p.maxChars {
		return failure.PolicyViolation{Rule: "max_objective_chars", Reason: fmt.Sprintf("objective exceeds %d characters", p.maxChars)}
	}
	op := strings.ToLower(s.Op)
	for _, r := range p.denyRules {
		if !matches(r.ops, op) || !matches(r.roles, role) {
			continue
		}
		if r.re.MatchString(s.Objective) {
			reason := r.reason
			if reason == "" {
				reason = fmt.Sprintf("objective matches %q", r.re.String())
			}
			return failure.PolicyViolation{Rule: r.name, Reason: reason}
		}
	}
	return nil
}

func matches(set map[string]struct{}, v string) bool {
	if len(set) == 0 {
		return true
	}
	_, ok := set[v]
	return ok
}

func listToSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(items))
	for _, raw := range items {
		v := strings.ToLower(strings.TrimSpace(raw))
		if v == "" {
			continue
		}
		out[v] = struct{}{}
	}
	return out
}
