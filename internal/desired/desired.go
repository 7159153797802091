// Package desired turns courses into the remote events the sync core wants
// to exist. Output is a pure function of the input: rebuilding from an
// unchanged course yields identical events in identical order.
package desired

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/golang-sql/civil"

	appLog "coursecal/internal/log"
	"coursecal/internal/model"
	"coursecal/internal/recurrence"
)

// SeriesSuffix marks the identity key of a native recurring event.
const SeriesSuffix = "series"

// Options carries the compile capabilities and calendar-wide defaults.
type Options struct {
	Caps       recurrence.Capabilities
	Recurrence recurrence.Options

	// DefaultReminders and DefaultColorID apply to courses that set none.
	DefaultReminders []model.Reminder
	DefaultColorID   string
}

// OccurrenceKey is the identity key of one explicit occurrence.
func OccurrenceKey(courseID, meetingID string, d civil.Date) string {
	return fmt.Sprintf("%s/%s@%04d%02d%02d", courseID, meetingID, d.Year, int(d.Month), d.Day)
}

// SeriesKey is the identity key of a meeting represented as one native series.
func SeriesKey(courseID, meetingID string) string {
	return courseID + "/" + meetingID + "@" + SeriesSuffix
}

// Build compiles one meeting of a course into desired events.
func Build(c model.Course, m model.Meeting, opts Options) ([]model.DesiredEvent, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("course %s: %w", c.ID, err)
	}

	d, err := recurrence.Compile(m, opts.Caps, opts.Recurrence)
	if err != nil {
		return nil, fmt.Errorf("course %s: %w", c.ID, err)
	}

	base := model.DesiredEvent{
		CourseID:    c.ID,
		MeetingID:   m.ID,
		Mode:        d.Mode,
		Title:       title(c, m),
		Description: description(c, m),
		TimeZone:    m.Pattern.TimeZone,
		Reminders:   reminders(c, opts),
		ColorID:     c.ColorID,
	}
	if base.ColorID == "" {
		base.ColorID = opts.DefaultColorID
	}

	if d.Mode == model.ModeNative {
		ev := base
		ev.Key = SeriesKey(c.ID, m.ID)
		ev.Location = d.Anchor.Location
		ev.Start = d.Anchor.Start
		ev.End = d.Anchor.End
		ev.Recurrence = slices.Clone(d.Recurrence)
		for _, o := range d.Occurrences {
			if o.Adjusted() {
				ev.Notes = append(ev.Notes, resolutionNote(o))
			}
		}
		return []model.DesiredEvent{ev}, nil
	}

	out := make([]model.DesiredEvent, 0, len(d.Occurrences))
	for _, o := range d.Occurrences {
		ev := base
		ev.Key = OccurrenceKey(c.ID, m.ID, o.Date)
		ev.Location = o.Location
		ev.Start = o.Start
		ev.End = o.End
		ev.Reminders = slices.Clone(base.Reminders)
		if o.Adjusted() {
			ev.Notes = []string{resolutionNote(o)}
		}
		out = append(out, ev)
	}
	return out, nil
}

// BuildAll builds every meeting of every course. Identity keys must be unique
// across the whole set; a collision means two courses share an id.
func BuildAll(courses []model.Course, opts Options) ([]model.DesiredEvent, error) {
	var out []model.DesiredEvent
	seen := make(map[string]string)

	for _, c := range courses {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		for _, m := range c.Meetings {
			evs, err := Build(c, m, opts)
			if err != nil {
				return nil, err
			}
			for _, ev := range evs {
				if prev, ok := seen[ev.Key]; ok {
					return nil, fmt.Errorf("%w: identity key %s produced by courses %s and %s",
						model.ErrValidation, ev.Key, prev, c.ID)
				}
				seen[ev.Key] = c.ID
			}
			out = append(out, evs...)
		}
	}

	appLog.Debug("desired: built events", "courses", len(courses), "events", len(out))
	return out, nil
}

func title(c model.Course, m model.Meeting) string {
	name := c.Code
	if name == "" {
		name = c.Title
	}
	if name == "" {
		name = c.ID
	}
	if label := kindLabel(m.Kind); label != "" {
		name += " " + label
	}
	return name
}

// kindLabel upper-cases the first rune of kind.
func kindLabel(kind string) string {
	kind = strings.TrimSpace(kind)
	r, size := utf8.DecodeRuneInString(kind)
	if size == 0 {
		return ""
	}
	return string(unicode.ToUpper(r)) + kind[size:]
}

func description(c model.Course, m model.Meeting) string {
	var lines []string
	if c.Code != "" && c.Title != "" {
		lines = append(lines, c.Title)
	}
	if c.Instructor != "" {
		lines = append(lines, "Instructor: "+c.Instructor)
	}
	if m.Pattern.Notes != "" {
		lines = append(lines, m.Pattern.Notes)
	}
	return strings.Join(lines, "\n")
}

func reminders(c model.Course, opts Options) []model.Reminder {
	src := c.Reminders
	if len(src) == 0 {
		src = opts.DefaultReminders
	}
	if len(src) == 0 {
		return nil
	}
	out := slices.Clone(src)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Minutes != out[j].Minutes {
			return out[i].Minutes < out[j].Minutes
		}
		return out[i].Method < out[j].Method
	})
	return out
}

func resolutionNote(o model.Occurrence) string {
	var parts []string
	if o.StartResolution != model.ResolutionExact {
		parts = append(parts, "start "+string(o.StartResolution))
	}
	if o.EndResolution != model.ResolutionExact {
		parts = append(parts, "end "+string(o.EndResolution))
	}
	return fmt.Sprintf("%s: %s", o.Date, strings.Join(parts, ", "))
}
