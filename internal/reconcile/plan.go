package reconcile

import (
	"fmt"
	"time"

	"coursecal/internal/fingerprint"
	"coursecal/internal/model"
)

// Policy decides what happens when a remote event changed outside the core.
type Policy string

const (
	// PolicySkip never overwrites; the divergence is only reported.
	PolicySkip Policy = "skip"
	// PolicyOverwrite lets desired state win.
	PolicyOverwrite Policy = "overwrite"
	// PolicyMergeReport reports a field-level diff for manual review.
	PolicyMergeReport Policy = "merge-report"
)

// ParsePolicy validates a policy name. Empty means PolicySkip.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return PolicySkip, nil
	case PolicySkip, PolicyOverwrite, PolicyMergeReport:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("%w: unknown conflict policy %q", model.ErrValidation, s)
	}
}

// Kind is the operation a plan entry asks for.
type Kind string

const (
	KindCreate   Kind = "create"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
	KindConflict Kind = "conflict"
	KindNoOp     Kind = "noop"
)

// Entry is one line of a sync plan.
type Entry struct {
	Key      string `json:"key"`
	Kind     Kind   `json:"kind"`
	RemoteID string `json:"remote_id,omitempty"`

	// Fingerprint is the desired content's fingerprint (Create/Update/NoOp).
	Fingerprint string `json:"fingerprint,omitempty"`
	// PreviousFingerprint is what the event_map recorded as last synced.
	PreviousFingerprint string `json:"previous_fingerprint,omitempty"`
	// ObservedFingerprint is what a live read found on the remote.
	ObservedFingerprint string `json:"observed_fingerprint,omitempty"`

	// Adopt marks an existing remote event that must be (re)recorded in the
	// event_map even when no write is needed.
	Adopt bool `json:"adopt,omitempty"`
	// Stray marks a Delete of a remote event the event_map does not own.
	Stray bool `json:"stray,omitempty"`

	Reason string                  `json:"reason,omitempty"`
	Diff   []fingerprint.FieldDiff `json:"diff,omitempty"`
	// Notes carries the desired event's time-resolution notes (DST shifts).
	Notes []string `json:"notes,omitempty"`

	Desired *model.DesiredEvent `json:"-"`
}

// Plan is the side-effect-free result of reconciliation.
type Plan struct {
	RunID     string    `json:"run_id"`
	Namespace string    `json:"namespace"`
	Policy    Policy    `json:"policy"`
	CreatedAt time.Time `json:"created_at"`
	Live      bool      `json:"live"`
	Entries   []Entry   `json:"entries"`
}

// Counts tallies entries by kind.
func (p Plan) Counts() map[Kind]int {
	out := make(map[Kind]int, 5)
	for _, e := range p.Entries {
		out[e.Kind]++
	}
	return out
}

// Writes reports how many entries would touch the remote.
func (p Plan) Writes() int {
	c := p.Counts()
	return c[KindCreate] + c[KindUpdate] + c[KindDelete]
}
