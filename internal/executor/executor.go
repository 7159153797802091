// Package executor applies a Sync Plan against the remote calendar and keeps
// the event_map in step with every write that actually happened.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	appLog "coursecal/internal/log"
	"coursecal/internal/model"
	"coursecal/internal/reconcile"
	"coursecal/internal/remote"
	"coursecal/internal/store"
)

// Options tunes execution. Zero values take the defaults noted per field.
type Options struct {
	// Concurrency bounds parallel remote calls (default 4).
	Concurrency int
	// MaxRetries bounds retries of one entry after its first attempt
	// (default 5, negative disables retries).
	MaxRetries int
	// InitialBackoff and MaxBackoff shape the jittered exponential delay
	// (defaults 500ms and 30s).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Wait, if set, is called before every remote call. It is where the
	// per-credential token bucket plugs in.
	Wait func(ctx context.Context) error
	Now  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = 5
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = max(30*time.Second, o.InitialBackoff)
	}
	if o.Wait == nil {
		o.Wait = func(context.Context) error { return nil }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// ErrAborted wraps the cause of a run that stopped before every entry ran.
var ErrAborted = errors.New("sync run aborted")

// Executor is safe for concurrent use; runs share nothing but the
// collaborators passed to New.
type Executor struct {
	cal   remote.Calendar
	store store.Store
	opts  Options
}

// New builds an executor writing to cal and recording into st.
func New(cal remote.Calendar, st store.Store, opts Options) *Executor {
	return &Executor{cal: cal, store: st, opts: opts.withDefaults()}
}

// Execute applies plan. With dryRun it makes no calls and reports every write
// as would-apply. Per-entry failures never abort the run; a fatal remote
// error or ctx cancellation stops new entries from starting, lets in-flight
// calls finish and returns the partial report with an error wrapping
// ErrAborted.
func (x *Executor) Execute(ctx context.Context, plan reconcile.Plan, dryRun bool) (Report, error) {
	rep := Report{
		RunID:     plan.RunID,
		Namespace: plan.Namespace,
		DryRun:    dryRun,
		StartedAt: x.opts.Now(),
		Planned:   plan.Counts(),
		Results:   make([]Result, len(plan.Entries)),
	}
	for i, e := range plan.Entries {
		rep.Results[i] = Result{Entry: e, State: StatePending}
	}

	if dryRun {
		for i := range rep.Results {
			r := &rep.Results[i]
			if needsWork(r.Entry) {
				r.Outcome = OutcomeWouldApply
			} else {
				r.Outcome = OutcomeSkipped
			}
		}
		rep.finish(false, x.opts.Now())
		return rep, nil
	}

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	var g errgroup.Group
	g.SetLimit(x.opts.Concurrency)
	for _, idxs := range groups(rep.Results) {
		if runCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Entries sharing an ordering key run strictly in plan order.
			for _, i := range idxs {
				if runCtx.Err() != nil {
					return nil
				}
				x.run(runCtx, abort, plan.Namespace, &rep.Results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	notStarted := 0
	for i := range rep.Results {
		r := &rep.Results[i]
		if r.Outcome != "" {
			continue
		}
		if !needsWork(r.Entry) {
			r.Outcome = OutcomeSkipped
			continue
		}
		notStarted++
		r.Outcome = OutcomeSkipped
		r.Error = "not started: run stopped"
	}

	var runErr error
	cause := context.Cause(runCtx)
	fatal := cause != nil && ctx.Err() == nil
	if fatal || (cause != nil && notStarted > 0) {
		runErr = fmt.Errorf("%w: %w", ErrAborted, cause)
	}
	rep.finish(runErr != nil, x.opts.Now())

	appLog.Info("executor: run finished",
		"run_id", rep.RunID,
		"calendar_id", rep.Namespace,
		"status", rep.Status,
		"applied", rep.Applied(),
		"failed", rep.Outcomes[OutcomeFailed],
		"skipped", rep.Outcomes[OutcomeSkipped],
	)
	return rep, runErr
}

// needsWork reports whether an entry leads to a remote call or a cache write.
func needsWork(e reconcile.Entry) bool {
	switch e.Kind {
	case reconcile.KindCreate, reconcile.KindUpdate, reconcile.KindDelete:
		return true
	case reconcile.KindNoOp:
		return e.Adopt
	default:
		return false
	}
}

// groups partitions the entries needing work by ordering key (the remote id,
// or the identity key for creates), preserving plan order inside a group and
// first-appearance order across groups.
func groups(results []Result) [][]int {
	var out [][]int
	index := make(map[string]int)
	for i, r := range results {
		if !needsWork(r.Entry) {
			continue
		}
		k := "key:" + r.Key
		if r.RemoteID != "" {
			k = "id:" + r.RemoteID
		}
		g, ok := index[k]
		if !ok {
			g = len(out)
			index[k] = g
			out = append(out, nil)
		}
		out[g] = append(out[g], i)
	}
	return out
}

// run drives one entry through Pending -> InFlight -> {Succeeded |
// RetryScheduled | Failed}.
func (x *Executor) run(ctx context.Context, abort context.CancelCauseFunc, ns string, r *Result) {
	if r.Kind == reconcile.KindNoOp {
		// Adoption of a remote event that already carries the desired content.
		x.succeed(ns, r, r.RemoteID)
		return
	}

	b := x.newBackOff()
	for {
		if err := x.opts.Wait(ctx); err != nil {
			if ctx.Err() != nil && r.Attempts == 0 {
				// Never started; reported as skipped.
				return
			}
			x.fail(r, err)
			return
		}

		r.State = StateInFlight
		r.Attempts++
		// In-flight calls are not interrupted by cancellation.
		remoteID, err := x.call(context.WithoutCancel(ctx), ns, r.Entry)
		if err == nil || (r.Kind == reconcile.KindDelete && remote.IsNotFound(err)) {
			x.succeed(ns, r, remoteID)
			return
		}

		re, classified := remote.AsError(err)
		if classified && re.Kind == remote.KindFatal {
			x.fail(r, err)
			abort(err)
			return
		}
		if !classified || !re.Retryable() || r.Attempts > x.opts.MaxRetries {
			x.fail(r, err)
			return
		}

		delay := b.NextBackOff()
		if re.RetryAfter > delay {
			delay = re.RetryAfter
		}
		r.State = StateRetryScheduled
		appLog.Debug("executor: retry scheduled",
			"key", r.Key,
			"op", r.Kind,
			"attempt", r.Attempts,
			"delay", delay,
			"err", err,
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			x.fail(r, fmt.Errorf("retry abandoned: %w", err))
			return
		case <-t.C:
		}
	}
}

func (x *Executor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = x.opts.InitialBackoff
	b.MaxInterval = x.opts.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// call issues the remote request for e and returns the remote id it targeted
// or created.
func (x *Executor) call(ctx context.Context, ns string, e reconcile.Entry) (string, error) {
	switch e.Kind {
	case reconcile.KindCreate:
		if e.Desired == nil {
			return "", fmt.Errorf("%w: create %s without content", model.ErrValidation, e.Key)
		}
		created, err := x.cal.CreateEvent(ctx, ns, remote.FromDesired(*e.Desired, ns))
		if err != nil {
			return "", err
		}
		return created.ID, nil
	case reconcile.KindUpdate:
		if e.Desired == nil {
			return "", fmt.Errorf("%w: update %s without content", model.ErrValidation, e.Key)
		}
		if _, err := x.cal.UpdateEvent(ctx, ns, e.RemoteID, remote.FromDesired(*e.Desired, ns)); err != nil {
			return "", err
		}
		return e.RemoteID, nil
	case reconcile.KindDelete:
		return e.RemoteID, x.cal.DeleteEvent(ctx, ns, e.RemoteID)
	default:
		return "", fmt.Errorf("%w: %s is not executable", model.ErrValidation, e.Kind)
	}
}

// succeed records a completed remote write in the event_map. The cache is
// touched only after the remote confirmed the write.
func (x *Executor) succeed(ns string, r *Result, remoteID string) {
	ctx := context.Background()
	now := x.opts.Now().UTC()

	var err error
	if r.Kind == reconcile.KindDelete {
		err = x.store.Update(ctx, ns, r.Key, func(cur *model.Record) (*model.Record, error) {
			if cur != nil && cur.RemoteID == remoteID {
				return nil, nil
			}
			// A stray copy was deleted; the owned record stays.
			return cur, nil
		})
	} else {
		r.RemoteID = remoteID
		err = x.store.Update(ctx, ns, r.Key, func(*model.Record) (*model.Record, error) {
			return &model.Record{
				Namespace:    ns,
				Key:          r.Key,
				RemoteID:     remoteID,
				Fingerprint:  r.Fingerprint,
				LastSyncedAt: now,
			}, nil
		})
	}
	if err != nil {
		appLog.Error("executor: event_map write failed", err, "key", r.Key, "remote_id", remoteID)
		x.fail(r, fmt.Errorf("record %s: %w", r.Key, err))
		return
	}

	r.State = StateSucceeded
	r.Outcome = OutcomeApplied
	if r.Attempts > 1 {
		r.Outcome = OutcomeRetriedApplied
	}
	appLog.Debug("executor: entry applied",
		"key", r.Key,
		"op", r.Kind,
		"remote_id", remoteID,
		"attempt", r.Attempts,
		"outcome", r.Outcome,
	)
}

func (x *Executor) fail(r *Result, err error) {
	r.State = StateFailed
	r.Outcome = OutcomeFailed
	r.Error = err.Error()
	appLog.Warn("executor: entry failed",
		"key", r.Key,
		"op", r.Kind,
		"remote_id", r.RemoteID,
		"attempt", r.Attempts,
		"err", err,
	)
}
