package executor

import (
	"time"

	"coursecal/internal/reconcile"
)

// Outcome is the final result of one plan entry.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeRetriedApplied Outcome = "retried-then-applied"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeFailed         Outcome = "failed"
	// OutcomeWouldApply is reported for writes in a dry run.
	OutcomeWouldApply Outcome = "would-apply"
)

// State is a step of the per-entry state machine.
type State string

const (
	StatePending        State = "pending"
	StateInFlight       State = "in_flight"
	StateRetryScheduled State = "retry_scheduled"
	StateSucceeded      State = "succeeded"
	StateFailed         State = "failed"
)

// Status summarizes a whole run.
type Status string

const (
	StatusFullySynced     Status = "fully_synced"
	StatusPartiallySynced Status = "partially_synced"
	StatusAborted         Status = "aborted"
	StatusDryRun          Status = "dry_run"
)

// Result is one plan entry with its execution outcome.
type Result struct {
	reconcile.Entry

	State    State   `json:"state"`
	Outcome  Outcome `json:"outcome"`
	Attempts int     `json:"attempts"`
	Error    string  `json:"error,omitempty"`
}

// Report is the structured record of an executed (or dry-run) plan. It has
// the same entries, in the same order, as the plan it was built from.
type Report struct {
	RunID      string                 `json:"run_id"`
	Namespace  string                 `json:"namespace"`
	DryRun     bool                   `json:"dry_run"`
	Status     Status                 `json:"status"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Planned    map[reconcile.Kind]int `json:"planned"`
	Outcomes   map[Outcome]int        `json:"outcomes"`
	Results    []Result               `json:"results"`
}

// Applied reports how many entries changed the remote or the event_map.
func (r Report) Applied() int {
	return r.Outcomes[OutcomeApplied] + r.Outcomes[OutcomeRetriedApplied]
}

func (r *Report) finish(aborted bool, now time.Time) {
	r.FinishedAt = now
	r.Outcomes = make(map[Outcome]int)
	conflicts := false
	for _, res := range r.Results {
		r.Outcomes[res.Outcome]++
		if res.Kind == reconcile.KindConflict {
			conflicts = true
		}
	}

	switch {
	case r.DryRun:
		r.Status = StatusDryRun
	case aborted:
		r.Status = StatusAborted
	case r.Outcomes[OutcomeFailed] > 0 || conflicts:
		r.Status = StatusPartiallySynced
	default:
		r.Status = StatusFullySynced
	}
}
