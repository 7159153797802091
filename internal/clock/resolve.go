// Package clock maps local wall-clock times onto instants in a named time
// zone, resolving DST gaps and overlaps explicitly instead of leaving the
// choice to time.Date.
package clock

import (
	"fmt"
	"sort"
	"sync"
	"time"
	_ "time/tzdata" // patterns name IANA zones; do not depend on the host database

	"github.com/golang-sql/civil"

	"coursecal/internal/model"
)

var locations sync.Map // map[string]*time.Location

// Location loads and caches a named IANA time zone.
func Location(name string) (*time.Location, error) {
	if v, ok := locations.Load(name); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", name, err)
	}
	v, _ := locations.LoadOrStore(name, loc)
	return v.(*time.Location), nil
}

// Resolve combines a calendar date and a time of day in loc.
//
// Nonexistent wall times (clocks set forward) resolve to the first valid
// instant after the gap. Ambiguous wall times (clocks set back) resolve to
// the earlier of the two instants. The returned Resolution says which rule
// applied.
func Resolve(d civil.Date, t civil.Time, loc *time.Location) (time.Time, model.Resolution) {
	naive := time.Date(d.Year, d.Month, d.Day, t.Hour, t.Minute, t.Second, t.Nanosecond, time.UTC)

	// Offsets in effect well before and after the wall time; zones never
	// transition twice within this window.
	offBefore := offsetAt(naive.Add(-36*time.Hour), loc)
	offAfter := offsetAt(naive.Add(36*time.Hour), loc)
	offNear := offsetAt(naive, loc)

	var valid []time.Time
	for _, off := range uniqueInts(offBefore, offNear, offAfter) {
		c := naive.Add(-time.Duration(off) * time.Second).In(loc)
		if sameWall(c, naive) && !containsInstant(valid, c) {
			valid = append(valid, c)
		}
	}

	switch len(valid) {
	case 0:
		// Gap: reading the wall time with the pre-transition offset lands
		// after the transition; the zone period it falls in starts exactly
		// at the first valid instant.
		c := naive.Add(-time.Duration(offBefore) * time.Second).In(loc)
		start, _ := c.ZoneBounds()
		if start.IsZero() {
			return c, model.ResolutionShiftedForward
		}
		return start.In(loc), model.ResolutionShiftedForward
	case 1:
		return valid[0], model.ResolutionExact
	default:
		sort.Slice(valid, func(i, j int) bool { return valid[i].Before(valid[j]) })
		return valid[0], model.ResolutionAmbiguousEarlier
	}
}

// DateOf returns the calendar date of instant t as observed in loc.
func DateOf(t time.Time, loc *time.Location) civil.Date {
	return civil.DateOf(t.In(loc))
}

func offsetAt(t time.Time, loc *time.Location) int {
	_, off := t.In(loc).Zone()
	return off
}

func sameWall(t, naive time.Time) bool {
	y, m, d := t.Date()
	ny, nm, nd := naive.Date()
	return y == ny && m == nm && d == nd &&
		t.Hour() == naive.Hour() && t.Minute() == naive.Minute() &&
		t.Second() == naive.Second() && t.Nanosecond() == naive.Nanosecond()
}

func containsInstant(ts []time.Time, t time.Time) bool {
	for _, x := range ts {
		if x.Equal(t) {
			return true
		}
	}
	return false
}

func uniqueInts(vs ...int) []int {
	out := make([]int, 0, len(vs))
	for _, v := range vs {
		dup := false
		for _, o := range out {
			if o == v {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}
