// Package proposal contains the proposal model and its state machine.
// A proposal is created by the admission gate, mutated only by the store
// under exclusive access, and terminal once executed, rejected, or expired.
package proposal

import (
	"time"
)

// Status is the lifecycle state of a proposal.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusTimelockActive Status = "TIMELOCK_ACTIVE"
	StatusApproved       Status = "APPROVED"
	// StatusExecuting is persisted before the executor is invoked so a
	// crash mid-execution can be recovered without a duplicate effect.
	StatusExecuting Status = "EXECUTING"
	StatusExecuted  Status = "EXECUTED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Outcome records the result of the most recent executor invocation.
type Outcome struct {
	// OK is true when the executor reported success.
	OK bool `json:"ok"`
	// Detail is the executor result or error text.
	Detail string `json:"detail"`
	// Retriable marks a failed outcome that may be retried.
	Retriable bool `json:"retriable,omitempty"`
}

// Proposal is a record of an intent to perform a gated mutation.
type Proposal struct {
	// ID is stable across restarts and unique.
	ID string `json:"id"`
	// MutationName names the gated mutation in the policy active at
	// proposal time.
	MutationName string `json:"mutation_name"`
	// Payload is the opaque bag forwarded to the executor.
	Payload map[string]any `json:"payload,omitempty"`
	// Proposer is the identity that created the proposal.
	Proposer string `json:"proposer"`
	// ProposedAt is recorded once, at creation.
	ProposedAt time.Time `json:"proposed_at"`
	// TimelockUntil is ProposedAt plus the mutation's timelock.
	TimelockUntil time.Time `json:"timelock_until"`
	// Approvals is the set of distinct approver identities. It always
	// contains the proposer. Insertion order is preserved for display.
	Approvals []string `json:"approvals"`
	// RequiredApprovals is snapshotted from the policy at proposal time;
	// later policy tightening does not retroactively raise or lower it.
	RequiredApprovals int `json:"required_approvals"`
	// Status is the current lifecycle state.
	Status Status `json:"status"`
	// Outcome is the latest executor result, if any.
	Outcome *Outcome `json:"outcome,omitempty"`
}

// Approved reports whether the approval set meets the required count.
func (p *Proposal) Approved() bool {
	return len(p.Approvals) >= p.RequiredApprovals
}

// TimelockElapsed reports whether the timelock has passed. The comparison
// is inclusive: now equal to TimelockUntil counts as elapsed.
func (p *Proposal) TimelockElapsed(now time.Time) bool {
	return !now.Before(p.TimelockUntil)
}

// AddApproval adds an identity to the approval set. A second approval from
// the same identity is a no-op, not an error. Returns true if the set grew.
func (p *Proposal) AddApproval(identity string) bool {
	for _, a := range p.Approvals {
		if a == identity {
			return false
		}
	}
	p.Approvals = append(p.Approvals, identity)
	return true
}

// HasApproval reports whether the identity already approved.
func (p *Proposal) HasApproval(identity string) bool {
	for _, a := range p.Approvals {
		if a == identity {
			return true
		}
	}
	return false
}

// EvaluateStatus recomputes a non-terminal, non-executing status from the
// approval set and the clock: APPROVED once enough approvals exist and the
// timelock elapsed, TIMELOCK_ACTIVE while the timelock holds, PENDING
// otherwise.
func (p *Proposal) EvaluateStatus(now time.Time) Status {
	if p.Status.Terminal() || p.Status == StatusExecuting {
		return p.Status
	}
	if p.Approved() && p.TimelockElapsed(now) {
		return StatusApproved
	}
	if !p.TimelockElapsed(now) {
		return StatusTimelockActive
	}
	return StatusPending
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (p *Proposal) Clone() *Proposal {
	cp := *p
	if p.Payload != nil {
		cp.Payload = make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			cp.Payload[k] = v
		}
	}
	cp.Approvals = append([]string(nil), p.Approvals...)
	if p.Outcome != nil {
		o := *p.Outcome
		cp.Outcome = &o
	}
	return &cp
}

// Filter selects proposals in List operations. Zero fields match all.
type Filter struct {
	Status       Status
	Proposer     string
	MutationName string
}

// Matches reports whether the proposal satisfies the filter.
func (f Filter) Matches(p *Proposal) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.Proposer != "" && p.Proposer != f.Proposer {
		return false
	}
	if f.MutationName != "" && p.MutationName != f.MutationName {
		return false
	}
	return true
}
