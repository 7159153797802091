// Package engine wires the sync pipeline together: courses are built into
// desired events, diffed against the event_map (plus optional live reads)
// and the resulting plan is executed.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"coursecal/internal/course"
	"coursecal/internal/desired"
	"coursecal/internal/executor"
	appLog "coursecal/internal/log"
	"coursecal/internal/model"
	"coursecal/internal/reconcile"
	"coursecal/internal/remote"
	"coursecal/internal/store"
)

// Source yields the finalized courses to sync.
type Source func(ctx context.Context) ([]model.Course, error)

// FileSource re-reads a course file on every run.
func FileSource(path string) Source {
	return func(context.Context) ([]model.Course, error) {
		return course.Load(path)
	}
}

// StaticSource always yields the same courses.
func StaticSource(courses []model.Course) Source {
	return func(context.Context) ([]model.Course, error) {
		return courses, nil
	}
}

// Config is the engine's view of the application configuration.
type Config struct {
	// CalendarID names the target calendar; it is also the event_map namespace.
	CalendarID string

	Desired desired.Options

	// DetectConflicts reads every known remote event before reconciling.
	DetectConflicts bool
	// AdoptOrphans lists the calendar by namespace to adopt or remove
	// events the event_map does not know.
	AdoptOrphans bool
	Policy       reconcile.Policy

	Executor executor.Options
}

// Engine runs syncs for one calendar. Runs are serialized.
type Engine struct {
	cfg   Config
	src   Source
	cal   remote.Calendar
	store store.Store
	exec  *executor.Executor
	now   func() time.Time

	runMu sync.Mutex

	mu   sync.RWMutex
	last *executor.Report
}

// New builds an engine. The rate-limit hook in cfg.Executor.Wait also gates
// the live reads made while planning.
func New(cfg Config, src Source, cal remote.Calendar, st store.Store) *Engine {
	return &Engine{
		cfg:   cfg,
		src:   src,
		cal:   cal,
		store: st,
		exec:  executor.New(cal, st, cfg.Executor),
		now:   time.Now,
	}
}

// Desired builds the desired events from the current courses.
func (e *Engine) Desired(ctx context.Context) ([]model.DesiredEvent, error) {
	courses, err := e.src(ctx)
	if err != nil {
		return nil, fmt.Errorf("load courses: %w", err)
	}
	evs, err := desired.BuildAll(courses, e.cfg.Desired)
	if err != nil {
		return nil, fmt.Errorf("build desired events: %w", err)
	}
	return evs, nil
}

// Plan computes a sync plan. With live set, the configured remote reads
// (conflict detection, orphan listing) are made first; without it the plan
// is derived from the event_map alone and makes no remote calls.
func (e *Engine) Plan(ctx context.Context, live bool) (reconcile.Plan, error) {
	evs, err := e.Desired(ctx)
	if err != nil {
		return reconcile.Plan{}, err
	}

	ns := e.cfg.CalendarID
	known, err := e.store.List(ctx, ns)
	if err != nil {
		return reconcile.Plan{}, fmt.Errorf("list event_map: %w", err)
	}

	var obs reconcile.Observation
	if live && (e.cfg.DetectConflicts || e.cfg.AdoptOrphans) {
		obs, err = reconcile.Observe(ctx, e.cal, ns, known, reconcile.ObserveOptions{
			Detect:      e.cfg.DetectConflicts,
			List:        e.cfg.AdoptOrphans,
			Concurrency: e.cfg.Executor.Concurrency,
			Wait:        e.cfg.Executor.Wait,
		})
		if err != nil {
			return reconcile.Plan{}, err
		}
	}

	plan := reconcile.Reconcile(evs, known, obs, reconcile.Options{Namespace: ns, Policy: e.cfg.Policy})
	plan.RunID = uuid.NewString()
	plan.CreatedAt = e.now().UTC()

	c := plan.Counts()
	appLog.Info("engine: plan computed",
		"run_id", plan.RunID,
		"calendar_id", ns,
		"live", plan.Live,
		"create", c[reconcile.KindCreate],
		"update", c[reconcile.KindUpdate],
		"delete", c[reconcile.KindDelete],
		"conflict", c[reconcile.KindConflict],
		"noop", c[reconcile.KindNoOp],
	)
	return plan, nil
}

// Sync plans and executes one run. A dry run plans from the event_map only
// and reports every write as would-apply, so it succeeds even when the
// remote is unreachable.
func (e *Engine) Sync(ctx context.Context, dryRun bool) (executor.Report, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	plan, err := e.Plan(ctx, !dryRun)
	if err != nil {
		return executor.Report{}, err
	}

	rep, err := e.exec.Execute(ctx, plan, dryRun)
	if !dryRun {
		e.mu.Lock()
		e.last = &rep
		e.mu.Unlock()
	}
	return rep, err
}

// LastReport returns the report of the most recent non-dry run.
func (e *Engine) LastReport() (executor.Report, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return executor.Report{}, false
	}
	return *e.last, true
}
