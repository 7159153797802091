// Package fingerprint computes the comparable summary of an event's synced
// content. A fingerprint is a canonical field tuple, not a hash, so two
// fingerprints can be diffed field by field for manual review.
package fingerprint

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"coursecal/internal/model"
	"coursecal/internal/remote"
)

const version = "v1"

// Field names, in canonical order.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldLocation    = "location"
	FieldStart       = "start"
	FieldEnd         = "end"
	FieldTimeZone    = "tz"
	FieldRecurrence  = "recurrence"
	FieldReminders   = "reminders"
	FieldColor       = "color"
)

var fieldOrder = []string{
	FieldTitle, FieldDescription, FieldLocation,
	FieldStart, FieldEnd, FieldTimeZone,
	FieldRecurrence, FieldReminders, FieldColor,
}

// ErrMalformed is returned when a stored fingerprint cannot be parsed.
var ErrMalformed = errors.New("malformed fingerprint")

type content struct {
	title, description, location string
	start, end                   time.Time
	tz                           string
	recurrence                   []string
	reminders                    []model.Reminder
	color                        string
}

// Of fingerprints the content the core intends to put on the remote.
func Of(ev model.DesiredEvent) string {
	return encode(content{
		title:       ev.Title,
		description: ev.Description,
		location:    ev.Location,
		start:       ev.Start,
		end:         ev.End,
		tz:          ev.TimeZone,
		recurrence:  ev.Recurrence,
		reminders:   ev.Reminders,
		color:       ev.ColorID,
	})
}

// OfRemote fingerprints an event as observed on the remote.
func OfRemote(ev remote.Event) string {
	return encode(content{
		title:       ev.Title,
		description: ev.Description,
		location:    ev.Location,
		start:       ev.Start,
		end:         ev.End,
		tz:          ev.TimeZone,
		recurrence:  ev.Recurrence,
		reminders:   ev.Reminders,
		color:       ev.ColorID,
	})
}

func encode(c content) string {
	values := map[string]string{
		FieldTitle:       c.title,
		FieldDescription: c.description,
		FieldLocation:    c.location,
		FieldStart:       instant(c.start),
		FieldEnd:         instant(c.end),
		FieldTimeZone:    c.tz,
		FieldRecurrence:  strings.Join(c.recurrence, "\n"),
		FieldReminders:   reminders(c.reminders),
		FieldColor:       c.color,
	}

	var b strings.Builder
	b.WriteString(version)
	for _, name := range fieldOrder {
		b.WriteByte('|')
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(values[name]))
	}
	return b.String()
}

func instant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func reminders(rs []model.Reminder) string {
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, fmt.Sprintf("%s:%d", strings.ToLower(r.Method), r.Minutes))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Fields parses a fingerprint back into its named values.
func Fields(fp string) (map[string]string, error) {
	rest, ok := strings.CutPrefix(fp, version)
	if !ok {
		return nil, fmt.Errorf("%w: unknown version", ErrMalformed)
	}

	out := make(map[string]string, len(fieldOrder))
	for rest != "" {
		if rest[0] != '|' {
			return nil, fmt.Errorf("%w: expected separator", ErrMalformed)
		}
		name, tail, ok := strings.Cut(rest[1:], "=")
		if !ok {
			return nil, fmt.Errorf("%w: field without value", ErrMalformed)
		}
		quoted, err := strconv.QuotedPrefix(tail)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrMalformed, name, err)
		}
		value, err := strconv.Unquote(quoted)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrMalformed, name, err)
		}
		out[name] = value
		rest = tail[len(quoted):]
	}
	return out, nil
}

// FieldDiff is one differing field between two fingerprints.
type FieldDiff struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Observed string `json:"observed"`
}

// Diff lists the fields that differ between expected and observed, in
// canonical order. An unparsable side is treated as all-empty.
func Diff(expected, observed string) []FieldDiff {
	a, _ := Fields(expected)
	b, _ := Fields(observed)

	var out []FieldDiff
	for _, name := range fieldOrder {
		if a[name] != b[name] {
			out = append(out, FieldDiff{Field: name, Expected: a[name], Observed: b[name]})
		}
	}
	return out
}
