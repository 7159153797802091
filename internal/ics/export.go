// Package ics renders desired events as an iCalendar feed. It is a read-only
// preview of what a sync would put on the remote calendar.
package ics

import (
	"fmt"
	"io"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"coursecal/internal/model"
)

const (
	productID   = "-//coursecal//coursecal//EN"
	localLayout = "20060102T150405"
)

// Options tune the exported calendar.
type Options struct {
	// Name is shown by clients as the calendar name.
	Name string
	// Now stamps DTSTAMP; defaults to time.Now.
	Now func() time.Time
}

// Export writes events as one VCALENDAR. Start and end carry the event's
// TZID so native series expand in local time across DST changes.
func Export(w io.Writer, events []model.DesiredEvent, opts Options) error {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	stamp := now().UTC()

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	if opts.Name != "" {
		cal.SetXWRCalName(opts.Name)
	}

	for _, ev := range events {
		if err := addEvent(cal, ev, stamp); err != nil {
			return fmt.Errorf("export %s: %w", ev.Key, err)
		}
	}

	_, err := io.WriteString(w, cal.Serialize())
	return err
}

func addEvent(cal *ical.Calendar, ev model.DesiredEvent, stamp time.Time) error {
	loc, err := time.LoadLocation(ev.TimeZone)
	if err != nil {
		return err
	}

	ve := cal.AddEvent(ev.Key)
	ve.SetDtStampTime(stamp)
	ve.SetProperty(ical.ComponentPropertyDtStart, ev.Start.In(loc).Format(localLayout), tzid(ev.TimeZone))
	ve.SetProperty(ical.ComponentPropertyDtEnd, ev.End.In(loc).Format(localLayout), tzid(ev.TimeZone))
	ve.SetSummary(ev.Title)
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	if ev.Location != "" {
		ve.SetLocation(ev.Location)
	}

	for _, line := range ev.Recurrence {
		name, params, value, err := splitContentLine(line)
		if err != nil {
			return err
		}
		ve.AddProperty(ical.ComponentProperty(name), value, params...)
	}

	for _, r := range ev.Reminders {
		alarm := ve.AddAlarm()
		alarm.SetAction(ical.ActionDisplay)
		alarm.SetTrigger(fmt.Sprintf("-PT%dM", r.Minutes))
		// DISPLAY alarms require a DESCRIPTION.
		alarm.SetProperty(ical.ComponentPropertyDescription, ev.Title)
	}
	return nil
}

func tzid(name string) ical.PropertyParameter {
	return &ical.KeyValues{Key: string(ical.ParameterTzid), Value: []string{name}}
}

// splitContentLine splits "NAME;K=V;K2=V2:value" into its parts.
func splitContentLine(line string) (string, []ical.PropertyParameter, string, error) {
	head, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", nil, "", fmt.Errorf("malformed recurrence line %q", line)
	}
	parts := strings.Split(head, ";")

	var params []ical.PropertyParameter
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return "", nil, "", fmt.Errorf("malformed parameter %q in %q", p, line)
		}
		params = append(params, &ical.KeyValues{Key: k, Value: []string{v}})
	}
	return parts[0], params, value, nil
}
