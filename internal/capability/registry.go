package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/fractal/internal/task"
)

// DefaultPersona is used when a run does not name one, or names an unknown one.
const DefaultPersona = "researcher"

// Card is the registry metadata describing one (role, persona) binding.
type Card struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Role         string   `json:"role"`
	Persona      string   `json:"persona"`
	CostEstimate float64  `json:"cost_estimate"`
	SideEffects  []string `json:"side_effects"`
	Checksum     string   `json:"checksum"`
	Signature    string   `json:"signature"`
}

// Binding couples a card with the implementation it describes.
type Binding struct {
	Card Card
	Impl Capability
}

// Key addresses a capability in the registry.
type Key struct {
	Role    task.Role
	Persona string
}

func (k Key) String() string { return string(k.Role) + "/" + k.Persona }

// Registry resolves (role, persona) pairs to capabilities.
type Registry struct {
	bindings map[Key]Binding
}

// ErrCapabilityMissing indicates a required (role, persona) binding is not registered.
var ErrCapabilityMissing = fmt.Errorf("required capability missing")

// NewRegistry validates card signatures, keeps the highest version per key and
// ensures every required key is present. When required is empty, all three
// roles of the default persona are required.
func NewRegistry(bindings []Binding, signingSecret string, required []Key) (*Registry, error) {
	reg := &Registry{bindings: make(map[Key]Binding)}
	for _, b := range bindings {
		if b.Impl == nil {
			return nil, fmt.Errorf("capability %s@%s has no implementation", b.Card.Name, b.Card.Version)
		}
		role, err := task.ParseRole(b.Card.Role)
		if err != nil {
			return nil, fmt.Errorf("capability %s@%s: %w", b.Card.Name, b.Card.Version, err)
		}
		if err := validateSignature(b.Card, signingSecret); err != nil {
			return nil, fmt.Errorf("capability %s@%s signature invalid: %w", b.Card.Name, b.Card.Version, err)
		}
		persona := normalizePersona(b.Card.Persona)
		key := Key{Role: role, Persona: persona}
		existing, ok := reg.bindings[key]
		if !ok || versionGreater(b.Card.Version, existing.Card.Version) {
			reg.bindings[key] = b
		}
	}
	if len(required) == 0 {
		required = []Key{
			{Role: task.RoleGatherer, Persona: DefaultPersona},
			{Role: task.RoleProcessor, Persona: DefaultPersona},
			{Role: task.RoleVerifier, Persona: DefaultPersona},
		}
	}
	for _, k := range required {
		k.Persona = normalizePersona(k.Persona)
		if _, ok := reg.bindings[k]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrCapabilityMissing, k)
		}
	}
	return reg, nil
}

// Card returns the registered card for a key.
func (r *Registry) Card(k Key) (Card, bool) {
	if r == nil {
		return Card{}, false
	}
	b, ok := r.bindings[Key{Role: k.Role, Persona: normalizePersona(k.Persona)}]
	return b.Card, ok
}

// Resolve returns the capability for role under persona, falling back to the
// default persona when the persona has no binding for that role.
func (r *Registry) Resolve(role task.Role, persona string) (Capability, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: registry is nil", ErrCapabilityMissing)
	}
	persona = normalizePersona(persona)
	if b, ok := r.bindings[Key{Role: role, Persona: persona}]; ok {
		return b.Impl, nil
	}
	if b, ok := r.bindings[Key{Role: role, Persona: DefaultPersona}]; ok {
		return b.Impl, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrCapabilityMissing, role, persona)
}

// Table is the per-run capability selection, resolved once when a run starts.
type Table map[task.Role]Capability

// Table resolves every role for persona.
func (r *Registry) Table(persona string) (Table, error) {
	t := make(Table, 3)
	for _, role := range []task.Role{task.RoleGatherer, task.RoleProcessor, task.RoleVerifier} {
		c, err := r.Resolve(role, persona)
		if err != nil {
			return nil, err
		}
		t[role] = c
	}
	return t, nil
}

// Personas lists the personas with at least one binding.
func (r *Registry) Personas() []string {
	seen := make(map[string]bool)
	var out []string
	for k := range r.bindings {
		if !seen[k.Persona] {
			seen[k.Persona] = true
			out = append(out, k.Persona)
		}
	}
	return out
}

func normalizePersona(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return DefaultPersona
	}
	return p
}

// ComputeChecksum returns a deterministic hash of the card payload (excluding signature).
func ComputeChecksum(c Card) (string, error) {
	payload := map[string]interface{}{
		"name":          c.Name,
		"version":       c.Version,
		"description":   c.Description,
		"role":          c.Role,
		"persona":       c.Persona,
		"cost_estimate": c.CostEstimate,
		"side_effects":  c.SideEffects,
	}
	normalized, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(normalized)
	return hex.EncodeToString(sum[:]), nil
}

// SignCard computes an HMAC signature using the signing secret.
func SignCard(c Card, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret is empty")
	}
	checksum, err := ComputeChecksum(c)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(checksum))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func validateSignature(c Card, secret string) error {
	if secret == "" {
		return nil
	}
	expected, err := SignCard(c, secret)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(c.Signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func versionGreater(a, b string) bool {
	if a == b {
		return false
	}
	return compareVersions(splitVersion(a), splitVersion(b)) > 0
}

func splitVersion(v string) []int {
	parts := strings.Split(strings.TrimPrefix(v, "v"), ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		fmt.Sscanf(p, "%d", &out[i])
	}
	return out
}

func compareVersions(a, b []int) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai, bi := 0, 0
		if i < len(a) {
			ai = a[i]
		}
		if i < len(b) {
			bi = b[i]
		}
		if ai != bi {
			if ai > bi {
				return 1
			}
			return -1
		}
	}
	return 0
}
