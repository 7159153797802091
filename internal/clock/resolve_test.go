package clock

import (
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursecal/internal/model"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := Location(name)
	require.NoError(t, err)
	return loc
}

func TestResolve_Exact(t *testing.T) {
	loc := mustLoc(t, "America/New_York")

	got, res := Resolve(civil.Date{Year: 2024, Month: time.March, Day: 5}, civil.Time{Hour: 14}, loc)

	assert.Equal(t, model.ResolutionExact, res)
	assert.Equal(t, 14, got.Hour())
	assert.Equal(t, time.Date(2024, 3, 5, 19, 0, 0, 0, time.UTC), got.UTC())
}

func TestResolve_SpringForwardGap(t *testing.T) {
	loc := mustLoc(t, "America/New_York")

	// 2024-03-10 02:30 does not exist in New York.
	got, res := Resolve(civil.Date{Year: 2024, Month: time.March, Day: 10}, civil.Time{Hour: 2, Minute: 30}, loc)

	assert.Equal(t, model.ResolutionShiftedForward, res)
	assert.Equal(t, time.Date(2024, 3, 10, 7, 0, 0, 0, time.UTC), got.UTC())
	assert.Equal(t, 3, got.Hour())
	assert.Equal(t, 0, got.Minute())
}

func TestResolve_FallBackOverlap(t *testing.T) {
	loc := mustLoc(t, "America/New_York")

	// 2024-11-03 01:30 happens twice; the EDT reading comes first.
	got, res := Resolve(civil.Date{Year: 2024, Month: time.November, Day: 3}, civil.Time{Hour: 1, Minute: 30}, loc)

	assert.Equal(t, model.ResolutionAmbiguousEarlier, res)
	assert.Equal(t, time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC), got.UTC())
	name, _ := got.Zone()
	assert.Equal(t, "EDT", name)
}

func TestResolve_SouthernHemisphere(t *testing.T) {
	loc := mustLoc(t, "Australia/Sydney")

	// Clocks go forward at 02:00 on 2024-10-06.
	got, res := Resolve(civil.Date{Year: 2024, Month: time.October, Day: 6}, civil.Time{Hour: 2, Minute: 15}, loc)
	assert.Equal(t, model.ResolutionShiftedForward, res)
	assert.Equal(t, 3, got.Hour())

	// Clocks go back at 03:00 on 2024-04-07.
	got, res = Resolve(civil.Date{Year: 2024, Month: time.April, Day: 7}, civil.Time{Hour: 2, Minute: 30}, loc)
	assert.Equal(t, model.ResolutionAmbiguousEarlier, res)
	_, off := got.Zone()
	assert.Equal(t, 11*3600, off)
}

func TestResolve_UTC(t *testing.T) {
	got, res := Resolve(civil.Date{Year: 2024, Month: time.July, Day: 1}, civil.Time{Hour: 23, Minute: 59}, time.UTC)
	assert.Equal(t, model.ResolutionExact, res)
	assert.Equal(t, time.Date(2024, 7, 1, 23, 59, 0, 0, time.UTC), got)
}

func TestLocation_Caches(t *testing.T) {
	a := mustLoc(t, "Europe/Berlin")
	b := mustLoc(t, "Europe/Berlin")
	assert.Same(t, a, b)

	_, err := Location("Nowhere/Special")
	assert.Error(t, err)
}

func TestDateOf(t *testing.T) {
	loc := mustLoc(t, "Asia/Seoul")
	instant := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, civil.Date{Year: 2024, Month: time.January, Day: 2}, DateOf(instant, loc))
}
