package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursecal/internal/desired"
	"coursecal/internal/fingerprint"
	"coursecal/internal/model"
	"coursecal/internal/remote"
	"coursecal/internal/remote/fake"
)

const ns = "primary"

func semester(location string) []model.Course {
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

func build(t *testing.T, location string) []model.DesiredEvent {
	t.Helper()
	evs, err := desired.BuildAll(semester(location), desired.Options{})
	require.NoError(t, err)
	return evs
}

// applied simulates a fully executed plan: every desired event recorded.
func applied(evs []model.DesiredEvent) []model.Record {
	out := make([]model.Record, 0, len(evs))
	for i, ev := range evs {
		out = append(out, model.Record{
			Namespace:   ns,
			Key:         ev.Key,
			RemoteID:    remoteID(i),
			Fingerprint: fingerprint.Of(ev),
		})
	}
	return out
}

func remoteID(i int) string {
	return "evt" + string(rune('a'+i/26)) + string(rune('a'+i%26))
}

func kinds(p Plan) map[Kind]int { return p.Counts() }

func TestReconcile_CreateThenNoOp(t *testing.T) {
	t.Parallel()

	evs := build(t, "Room 101")
	require.Len(t, evs, 50)

	first := Reconcile(evs, nil, Observation{}, Options{Namespace: ns})
	assert.Equal(t, map[Kind]int{KindCreate: 50}, kinds(first))
	assert.Equal(t, 50, first.Writes())
	for _, e := range first.Entries {
		assert.NotNil(t, e.Desired)
		assert.NotEmpty(t, e.Fingerprint)
	}

	second := Reconcile(build(t, "Room 101"), applied(evs), Observation{}, Options{Namespace: ns})
	assert.Equal(t, map[Kind]int{KindNoOp: 50}, kinds(second))
	assert.Zero(t, second.Writes())
}

func TestReconcile_Idempotent_WithLiveReads(t *testing.T) {
	t.Parallel()

	evs := build(t, "Room 101")
	known := applied(evs)
	obs := Observation{Live: true, Fetched: map[string]string{}}
	for _, rec := range known {
		obs.Fetched[rec.RemoteID] = rec.Fingerprint
	}

	plan := Reconcile(evs, known, obs, Options{Namespace: ns})
	assert.Equal(t, map[Kind]int{KindNoOp: 50}, kinds(plan))
}

func TestReconcile_LocationChangeIsSingleUpdate(t *testing.T) {
	t.Parallel()

	before := build(t, "Room 101")
	known := applied(before)

	// Only one occurrence moves room.
	after := build(t, "Room 101")
	after[7].Location = "Room 202"

	plan := Reconcile(after, known, Observation{}, Options{Namespace: ns})
	assert.Equal(t, map[Kind]int{KindNoOp: 49, KindUpdate: 1}, kinds(plan))

	upd := plan.Entries[7]
	assert.Equal(t, KindUpdate, upd.Kind)
	assert.Equal(t, before[7].Key, upd.Key)
	assert.Equal(t, known[7].RemoteID, upd.RemoteID)
	assert.Equal(t, known[7].Fingerprint, upd.PreviousFingerprint)
}

func TestReconcile_ConflictUnderSkip(t *testing.T) {
	t.Parallel()

	evs := build(t, "Room 101")
	known := applied(evs)

	edited := remote.FromDesired(evs[3], ns)
	edited.Title = "Cancelled!"
	obs := Observation{Live: true, Fetched: map[string]string{known[3].RemoteID: fingerprint.OfRemote(edited)}}

	plan := Reconcile(evs, known, obs, Options{Namespace: ns, Policy: PolicySkip})
	assert.Equal(t, map[Kind]int{KindNoOp: 49, KindConflict: 1}, kinds(plan))

	c := plan.Entries[3]
	assert.Equal(t, KindConflict, c.Kind)
	assert.Equal(t, known[3].RemoteID, c.RemoteID)
	assert.Equal(t, known[3].Fingerprint, c.PreviousFingerprint)
	assert.Equal(t, fingerprint.OfRemote(edited), c.ObservedFingerprint)
	assert.Empty(t, c.Diff)
}

func TestReconcile_ConflictPolicies(t *testing.T) {
	t.Parallel()

	evs := build(t, "Room 101")
	known := applied(evs)
	edited := remote.FromDesired(evs[0], ns)
	edited.Location = "Gym"
	obs := Observation{Live: true, Fetched: map[string]string{known[0].RemoteID: fingerprint.OfRemote(edited)}}

	over := Reconcile(evs, known, obs, Options{Namespace: ns, Policy: PolicyOverwrite})
	assert.Equal(t, KindUpdate, over.Entries[0].Kind)

	merge := Reconcile(evs, known, obs, Options{Namespace: ns, Policy: PolicyMergeReport})
	require.Equal(t, KindConflict, merge.Entries[0].Kind)
	assert.Equal(t, []fingerprint.FieldDiff{{Field: fingerprint.FieldLocation, Expected: "Room 101", Observed: "Gym"}}, merge.Entries[0].Diff)
}

func TestReconcile_ConflictEvenWhenDesiredChanged(t *testing.T) {
	t.Parallel()

	known := applied(build(t, "Room 101"))
	evs := build(t, "Room 202")

	edited := remote.FromDesired(evs[0], ns)
	edited.Title = "Moved by registrar"
	obs := Observation{Live: true, Fetched: map[string]string{known[0].RemoteID: fingerprint.OfRemote(edited)}}

	plan := Reconcile(evs, known, obs, Options{Namespace: ns})
	assert.Equal(t, KindConflict, plan.Entries[0].Kind)
	assert.Equal(t, KindUpdate, plan.Entries[1].Kind)
}

func TestReconcile_RemoteAlreadyMatchesDesired(t *testing.T) {
	t.Parallel()

	known := applied(build(t, "Room 101"))
	evs := build(t, "Room 202")
	obs := Observation{Live: true, Fetched: map[string]string{known[0].RemoteID: fingerprint.Of(evs[0])}}

	plan := Reconcile(evs, known, obs, Options{Namespace: ns})
	assert.Equal(t, KindNoOp, plan.Entries[0].Kind)
	assert.True(t, plan.Entries[0].Adopt)
}

func TestReconcile_RemoteMissing(t *testing.T) {
	t.Parallel()

	evs := build(t, "Room 101")
	known := applied(evs)
	obs := Observation{Live: true, Gone: map[string]bool{known[0].RemoteID: true}}

	skip := Reconcile(evs, known, obs, Options{Namespace: ns})
	assert.Equal(t, KindConflict, skip.Entries[0].Kind)

	over := Reconcile(evs, known, obs, Options{Namespace: ns, Policy: PolicyOverwrite})
	assert.Equal(t, KindCreate, over.Entries[0].Kind)
	assert.Empty(t, over.Entries[0].RemoteID)
}

func TestReconcile_UnobservedBlocksUpdate(t *testing.T) {
	t.Parallel()

	known := applied(build(t, "Room 101"))
	evs := build(t, "Room 202")
	obs := Observation{Live: true, Unobserved: map[string]bool{known[0].RemoteID: true}}

	plan := Reconcile(evs, known, obs, Options{Namespace: ns})
	assert.Equal(t, KindConflict, plan.Entries[0].Kind)
	assert.Equal(t, KindUpdate, plan.Entries[1].Kind)
}

func TestReconcile_DeletesRemovedOccurrences(t *testing.T) {
	t.Parallel()

	known := applied(build(t, "Room 101"))

	courses := semester("Room 101")
	courses[0].Meetings[0].Pattern.EndDate = civil.Date{Year: 2024, Month: time.January, Day: 12}
	evs, err := desired.BuildAll(courses, desired.Options{})
	require.NoError(t, err)
	require.Len(t, evs, 3)

	plan := Reconcile(evs, known, Observation{}, Options{Namespace: ns})
	assert.Equal(t, map[Kind]int{KindNoOp: 3, KindDelete: 47}, kinds(plan))

	last := plan.Entries[len(plan.Entries)-1]
	assert.Equal(t, KindDelete, last.Kind)
	assert.False(t, last.Stray)
	assert.NotEmpty(t, last.RemoteID)
	for i := 4; i < len(plan.Entries); i++ {
		assert.Less(t, plan.Entries[i-1].Key, plan.Entries[i].Key)
	}
}

func TestReconcile_AdoptsOrphansAndDeletesStrays(t *testing.T) {
	t.Parallel()

	evs := build(t, "Room 101")[:2]

	same := remote.FromDesired(evs[0], ns)
	same.ID = "r-same"
	dup := remote.FromDesired(evs[0], ns)
	dup.ID = "r-dup"
	differs := remote.FromDesired(evs[1], ns)
	differs.ID = "r-diff"
	differs.Location = "Elsewhere"
	stray := remote.FromDesired(model.DesiredEvent{Key: "old/gone@20230101", Title: "Old"}, ns)
	stray.ID = "r-stray"

	obs := Observation{Listed: true, Tagged: map[string][]remote.Event{
		evs[0].Key:          {dup, same},
		evs[1].Key:          {differs},
		"old/gone@20230101": {stray},
	}}

	plan := Reconcile(evs, nil, obs, Options{Namespace: ns})
	require.Len(t, plan.Entries, 4)

	first := plan.Entries[0]
	assert.True(t, first.Adopt)
	assert.Equal(t, KindNoOp, first.Kind)
	assert.Equal(t, "r-dup", first.RemoteID)

	second := plan.Entries[1]
	assert.True(t, second.Adopt)
	assert.Equal(t, KindUpdate, second.Kind)
	assert.Equal(t, "r-diff", second.RemoteID)

	assert.Equal(t, Entry{
		Key: "old/gone@20230101", Kind: KindDelete, RemoteID: "r-stray",
		ObservedFingerprint: fingerprint.OfRemote(stray), Stray: true, Reason: "stray remote event",
	}, plan.Entries[3])
	assert.Equal(t, "r-same", plan.Entries[2].RemoteID)
	assert.Equal(t, "duplicate remote event", plan.Entries[2].Reason)
}

func TestReconcile_CarriesDSTNotes(t *testing.T) {
	t.Parallel()

	c := model.Course{ID: "night", Title: "Astronomy Lab", Meetings: []model.Meeting{{
		ID: "obs",
		Pattern: model.MeetingPattern{
			Weekdays:  model.NewWeekdaySet(time.Sunday),
			StartTime: civil.Time{Hour: 2, Minute: 30},
			EndTime:   civil.Time{Hour: 4},
			StartDate: civil.Date{Year: 2024, Month: time.March, Day: 3},
			EndDate:   civil.Date{Year: 2024, Month: time.March, Day: 17},
			TimeZone:  "America/New_York",
		},
	}}}
	evs, err := desired.BuildAll([]model.Course{c}, desired.Options{})
	require.NoError(t, err)
	require.Len(t, evs, 3)

	byKey := func(p Plan) map[string]Entry {
		out := make(map[string]Entry, len(p.Entries))
		for _, e := range p.Entries {
			out[e.Key] = e
		}
		return out
	}

	created := byKey(Reconcile(evs, nil, Observation{}, Options{Namespace: ns}))
	assert.Equal(t, []string{"2024-03-10: start shifted_forward"}, created[evs[1].Key].Notes)
	assert.Empty(t, created[evs[0].Key].Notes)

	known := byKey(Reconcile(evs, applied(evs), Observation{}, Options{Namespace: ns}))
	assert.Equal(t, KindNoOp, known[evs[1].Key].Kind)
	assert.Equal(t, evs[1].Notes, known[evs[1].Key].Notes)

	raw, err := json.Marshal(created[evs[1].Key])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"notes":["2024-03-10: start shifted_forward"]`)

	raw, err = json.Marshal(created[evs[0].Key])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"notes"`)
}

func TestReconcile_Deterministic(t *testing.T) {
	t.Parallel()

	known := applied(build(t, "Room 101"))
	a := Reconcile(build(t, "Room 202"), known, Observation{}, Options{Namespace: ns})
	b := Reconcile(build(t, "Room 202"), known, Observation{}, Options{Namespace: ns})
	assert.Equal(t, a, b)
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicySkip, p)

	p, err = ParsePolicy("merge-report")
	require.NoError(t, err)
	assert.Equal(t, PolicyMergeReport, p)

	_, err = ParsePolicy("last-writer-wins")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestObserve(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cal := fake.New()
	evs := build(t, "Room 101")[:3]

	var known []model.Record
	for _, ev := range evs {
		created := cal.Seed(ns, remote.FromDesired(ev, ns))
		known = append(known, model.Record{Namespace: ns, Key: ev.Key, RemoteID: created.ID, Fingerprint: fingerprint.Of(ev)})
	}
	cal.Edit(ns, known[1].RemoteID, func(ev *remote.Event) { ev.Title = "edited" })
	cal.Remove(ns, known[2].RemoteID)
	cal.Seed(ns, remote.Event{ID: "zz-foreign", Title: "Dentist"})

	var waits atomic.Int32
	obs, err := Observe(ctx, cal, ns, known, ObserveOptions{
		Detect: true,
		List:   true,
		Wait:   func(context.Context) error { waits.Add(1); return nil },
	})
	require.NoError(t, err)

	assert.True(t, obs.Live)
	assert.True(t, obs.Listed)
	assert.Equal(t, known[0].Fingerprint, obs.Fetched[known[0].RemoteID])
	assert.NotEqual(t, known[1].Fingerprint, obs.Fetched[known[1].RemoteID])
	assert.True(t, obs.Gone[known[2].RemoteID])
	assert.Len(t, obs.Tagged, 2)
	assert.EqualValues(t, 4, waits.Load())
	assert.Equal(t, 3, cal.CountCalls(fake.OpGet))
	assert.Equal(t, 1, cal.CountCalls(fake.OpList))
	assert.Zero(t, cal.CountCalls(fake.OpCreate)+cal.CountCalls(fake.OpUpdate)+cal.CountCalls(fake.OpDelete))

	plan := Reconcile(evs, known, obs, Options{Namespace: ns})
	assert.Equal(t, []Kind{KindNoOp, KindConflict, KindConflict}, []Kind{plan.Entries[0].Kind, plan.Entries[1].Kind, plan.Entries[2].Kind})
}

func TestObserve_FatalAborts(t *testing.T) {
	t.Parallel()

	cal := fake.New()
	cal.FailNext(fake.OpGet, 1, &remote.Error{Kind: remote.KindFatal, Op: "get", Status: 401})

	_, err := Observe(context.Background(), cal, ns,
		[]model.Record{{Namespace: ns, Key: "k", RemoteID: "r"}},
		ObserveOptions{Detect: true, Concurrency: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrRemoteFatal))
}

func TestObserve_TransientIsUnobserved(t *testing.T) {
	t.Parallel()

	cal := fake.New()
	cal.FailNext(fake.OpGet, 1, &remote.Error{Kind: remote.KindTransient, Op: "get", Status: 503})

	obs, err := Observe(context.Background(), cal, ns,
		[]model.Record{{Namespace: ns, Key: "k", RemoteID: "r"}},
		ObserveOptions{Detect: true})
	require.NoError(t, err)
	assert.True(t, obs.Unobserved["r"])
}
