package failure

import (
	"errors"
	"fmt"
)

// PlanningError is returned when planner output could not be turned into a
// valid proposal within the allowed repair attempts.
type PlanningError struct {
	NodeID   string
	Attempts int
	Err      error
}

func (e PlanningError) Error() string {
	return fmt.Sprintf("planning %s failed after %d attempt(s): %v", e.NodeID, e.Attempts, e.Err)
}

func (e PlanningError) Unwrap() error { return e.Err }

// CapabilityFailure wraps an error raised by a worker capability.
type CapabilityFailure struct {
	NodeID    string
	Role      string
	Transient bool
	Err       error
}

func (e CapabilityFailure) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.NodeID == "" {
		return fmt.Sprintf("capability failure (%s): %v", kind, e.Err)
	}
	return fmt.Sprintf("capability %s failed on %s (%s): %v", e.Role, e.NodeID, kind, e.Err)
}

func (e CapabilityFailure) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return CapabilityFailure{Transient: true, Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return CapabilityFailure{Err: err}
}

// IsTransient reports whether err is a CapabilityFailure classified as retryable.
func IsTransient(err error) bool {
	var cf CapabilityFailure
	return errors.As(err, &cf) && cf.Transient
}

// PolicyViolation is produced by a middleware veto. It is never retried.
type PolicyViolation struct {
	Rule   string
	Reason string
}

func (e PolicyViolation) Error() string {
	return fmt.Sprintf("policy %s violated: %s", e.Rule, e.Reason)
}

// BreakerTripped records a depth, iteration, cycle or budget veto.
type BreakerTripped struct {
	NodeID string
	Limit  string
	Detail string
}

func (e BreakerTripped) Error() string {
	return fmt.Sprintf("circuit breaker (%s) vetoed expansion of %s: %s", e.Limit, e.NodeID, e.Detail)
}

// StaleApprovalError rejects a decision aimed at a checkpoint that is not pending.
type StaleApprovalError struct {
	RunID        string
	CheckpointID string
	Reason       string
}

func (e StaleApprovalError) Error() string {
	return fmt.Sprintf("stale approval for run %s checkpoint %s: %s", e.RunID, e.CheckpointID, e.Reason)
}

// IsStale reports whether err is a StaleApprovalError.
func IsStale(err error) bool {
	var se StaleApprovalError
	return errors.As(err, &se)
}

// IsPolicyViolation reports whether err is a PolicyViolation.
func IsPolicyViolation(err error) bool {
	var pv PolicyViolation
	return errors.As(err, &pv)
}

// Retryable reports whether a dispatch that returned err may be attempted again.
func Retryable(err error) bool {
	if err == nil || IsPolicyViolation(err) {
		return false
	}
	return IsTransient(err)
}
