package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursecal/internal/desired"
	"coursecal/internal/executor"
	"coursecal/internal/model"
	"coursecal/internal/reconcile"
	"coursecal/internal/recurrence"
	"coursecal/internal/remote"
	"coursecal/internal/remote/fake"
	"coursecal/internal/store"
)

const ns = "primary"

func courses(location string) []model.Course {
	return []model.Course{{
		ID:    "cs101",
		Code:  "CS 101",
		Title: "Intro to Computing",
		Meetings: []model.Meeting{{
			ID:   "lec",
			Kind: "lecture",
			Pattern: model.MeetingPattern{
				Weekdays:  model.NewWeekdaySet(time.Monday, time.Wednesday, time.Friday),
				StartTime: civil.Time{Hour: 9},
				EndTime:   civil.Time{Hour: 9, Minute: 50},
				StartDate: civil.Date{Year: 2024, Month: time.January, Day: 8},
				EndDate:   civil.Date{Year: 2024, Month: time.May, Day: 3},
				TimeZone:  "America/New_York",
				Location:  location,
			},
			Exceptions: []model.ExceptionDate{{Date: civil.Date{Year: 2024, Month: time.March, Day: 18}}},
		}},
	}}
}

// mutableSource lets a test change the courses between runs.
type mutableSource struct {
	courses []model.Course
}

func (m *mutableSource) source() Source {
	return func(context.Context) ([]model.Course, error) { return m.courses, nil }
}

func testConfig() Config {
	return Config{
		CalendarID:      ns,
		DetectConflicts: true,
		AdoptOrphans:    true,
		Policy:          reconcile.PolicySkip,
		Executor: executor.Options{
			Concurrency:    4,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}
}

func TestSync_CreateThenNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cal := fake.New()
	st := store.NewMemory()
	e := New(testConfig(), StaticSource(courses("Room 101")), cal, st)

	rep, err := e.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusFullySynced, rep.Status)
	assert.Equal(t, 50, rep.Planned[reconcile.KindCreate])
	assert.Equal(t, 50, rep.Applied())
	assert.NotEmpty(t, rep.RunID)
	assert.Len(t, cal.Events(ns), 50)

	writes := func() int {
		return cal.CountCalls(fake.OpCreate) + cal.CountCalls(fake.OpUpdate) + cal.CountCalls(fake.OpDelete)
	}
	before := writes()

	second, err := e.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 50, second.Planned[reconcile.KindNoOp])
	assert.Zero(t, second.Applied())
	assert.Equal(t, before, writes())
	assert.NotEqual(t, rep.RunID, second.RunID)

	last, ok := e.LastReport()
	require.True(t, ok)
	assert.Equal(t, second.RunID, last.RunID)
}

func TestSync_DryRunNeedsNoRemote(t *testing.T) {
	t.Parallel()

	cal := fake.New()
	cal.Hook = func(context.Context, fake.Call) error {
		return &remote.Error{Kind: remote.KindFatal, Op: "any", Status: 401}
	}
	e := New(testConfig(), StaticSource(courses("Room 101")), cal, store.NewMemory())

	rep, err := e.Sync(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, executor.StatusDryRun, rep.Status)
	assert.Equal(t, 50, rep.Outcomes[executor.OutcomeWouldApply])
	assert.Empty(t, cal.Calls())

	_, ok := e.LastReport()
	assert.False(t, ok)

	_, err = e.Sync(context.Background(), false)
	assert.ErrorIs(t, err, model.ErrRemoteFatal)
}

func TestSync_LocationChangeUpdatesInPlace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cal := fake.New()
	st := store.NewMemory()
	src := &mutableSource{courses: courses("Room 101")}
	e := New(testConfig(), src.source(), cal, st)

	_, err := e.Sync(ctx, false)
	require.NoError(t, err)
	before, err := st.List(ctx, ns)
	require.NoError(t, err)

	src.courses = courses("Room 202")
	rep, err := e.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 50, rep.Planned[reconcile.KindUpdate])
	assert.Equal(t, 50, cal.CountCalls(fake.OpCreate))

	after, err := st.List(ctx, ns)
	require.NoError(t, err)
	require.Len(t, after, 50)
	for i := range after {
		assert.Equal(t, before[i].Key, after[i].Key)
		assert.Equal(t, before[i].RemoteID, after[i].RemoteID)
		assert.NotEqual(t, before[i].Fingerprint, after[i].Fingerprint)
	}
	for _, ev := range cal.Events(ns) {
		assert.Equal(t, "Room 202", ev.Location)
	}
}

func TestSync_ExternalEditIsConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cal := fake.New()
	st := store.NewMemory()
	e := New(testConfig(), StaticSource(courses("Room 101")), cal, st)

	_, err := e.Sync(ctx, false)
	require.NoError(t, err)

	known, err := st.List(ctx, ns)
	require.NoError(t, err)
	target := known[10]
	require.True(t, cal.Edit(ns, target.RemoteID, func(ev *remote.Event) { ev.Location = "Gym" }))

	rep, err := e.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Planned[reconcile.KindConflict])
	assert.Equal(t, executor.StatusPartiallySynced, rep.Status)

	ev, err := cal.GetEvent(ctx, ns, target.RemoteID)
	require.NoError(t, err)
	assert.Equal(t, "Gym", ev.Location)
	assert.Zero(t, cal.CountCalls(fake.OpUpdate))
}

func TestSync_AdoptsAfterLostEventMap(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cal := fake.New()
	first := New(testConfig(), StaticSource(courses("Room 101")), cal, store.NewMemory())
	_, err := first.Sync(ctx, false)
	require.NoError(t, err)

	fresh := store.NewMemory()
	second := New(testConfig(), StaticSource(courses("Room 101")), cal, fresh)
	rep, err := second.Sync(ctx, false)
	require.NoError(t, err)

	assert.Zero(t, rep.Planned[reconcile.KindCreate])
	assert.Equal(t, 50, rep.Applied())
	assert.Len(t, cal.Events(ns), 50)
	assert.Equal(t, 50, cal.CountCalls(fake.OpCreate))

	known, err := fresh.List(ctx, ns)
	require.NoError(t, err)
	assert.Len(t, known, 50)
}

func TestSync_RemovedMeetingIsDeleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cal := fake.New()
	st := store.NewMemory()
	src := &mutableSource{courses: courses("Room 101")}
	e := New(testConfig(), src.source(), cal, st)

	_, err := e.Sync(ctx, false)
	require.NoError(t, err)

	src.courses = []model.Course{{ID: "cs101", Code: "CS 101"}}
	rep, err := e.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 50, rep.Planned[reconcile.KindDelete])
	assert.Empty(t, cal.Events(ns))

	known, err := st.List(ctx, ns)
	require.NoError(t, err)
	assert.Empty(t, known)
}

func TestSync_NativeRecurrence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig()
	cfg.Desired = desired.Options{Caps: recurrence.Capabilities{NativeRecurrence: true}}
	cal := fake.New()
	e := New(cfg, StaticSource(courses("Room 101")), cal, store.NewMemory())

	rep, err := e.Sync(ctx, false)
	require.NoError(t, err)
	require.Len(t, rep.Results, 1)
	assert.Equal(t, "cs101/lec@series", rep.Results[0].Key)

	evs := cal.Events(ns)
	require.Len(t, evs, 1)
	assert.Len(t, evs[0].Recurrence, 2)
}

func TestFileSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "courses.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timezone: UTC
courses:
  - id: math200
    meetings:
      - id: lec
        days: [tue]
        start: "14:00"
        end: "15:15"
        from: "2024-01-09"
        until: "2024-01-30"
`), 0o600))

	e := New(testConfig(), FileSource(path), fake.New(), store.NewMemory())
	evs, err := e.Desired(context.Background())
	require.NoError(t, err)
	assert.Len(t, evs, 4)

	plan, err := e.Plan(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 4, plan.Counts()[reconcile.KindCreate])
	assert.False(t, plan.Live)
	assert.NotEmpty(t, plan.RunID)
	assert.False(t, plan.CreatedAt.IsZero())
}
