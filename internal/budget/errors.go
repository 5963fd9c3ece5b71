package budget

import "fmt"

// Resource names the ceiling a run ran into.
type Resource string

const (
	ResourceCost   Resource = "cost"
	ResourceTokens Resource = "tokens"
	ResourceTime   Resource = "time"
)

// Exhausted reports a spent ceiling.
type Exhausted struct {
	Resource Resource
	Spent    string
	Allowed  string
}

func (e *Exhausted) Error() string {
	return fmt.Sprintf("%s budget exhausted: spent %s of %s", e.Resource, e.Spent, e.Allowed)
}
