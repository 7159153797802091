// Package course decodes the finalized course file handed over by the
// ingestion side into validated model.Course values. It does no heuristics:
// a malformed entry is a validation error, never a guess.
package course

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"gopkg.in/yaml.v3"

	appLog "coursecal/internal/log"
	"coursecal/internal/model"
)

// File is the on-disk layout.
type File struct {
	// TimeZone is the default for meetings that name none.
	TimeZone string   `yaml:"timezone"`
	Courses  []Course `yaml:"courses"`
}

type Course struct {
	ID         string           `yaml:"id"`
	Code       string           `yaml:"code"`
	Title      string           `yaml:"title"`
	Instructor string           `yaml:"instructor"`
	ColorID    string           `yaml:"color_id"`
	Reminders  []model.Reminder `yaml:"reminders"`
	Meetings   []Meeting        `yaml:"meetings"`
}

type Meeting struct {
	ID            string      `yaml:"id"`
	Kind          string      `yaml:"kind"`
	Days          []string    `yaml:"days"`
	Start         string      `yaml:"start"` // "HH:MM" or "HH:MM:SS"
	End           string      `yaml:"end"`
	From          string      `yaml:"from"` // "YYYY-MM-DD"
	Until         string      `yaml:"until"`
	TimeZone      string      `yaml:"timezone"`
	IntervalWeeks int         `yaml:"interval_weeks"`
	Location      string      `yaml:"location"`
	Notes         string      `yaml:"notes"`
	Exceptions    []Exception `yaml:"exceptions"`
}

type Exception struct {
	Date   string `yaml:"date"`
	Reason string `yaml:"reason"`
}

// Load reads and validates a course file.
func Load(path string) ([]model.Course, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open course file: %w", err)
	}
	defer f.Close()

	courses, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("course file %s: %w", path, err)
	}
	appLog.Info("courses loaded", "path", path, "courses", len(courses))
	return courses, nil
}

// Decode parses a course file. Unknown keys are rejected. Every field error
// is collected into one *model.ValidationError.
func Decode(r io.Reader) ([]model.Course, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return []model.Course{}, nil
		}
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	return f.Model()
}

// Model converts the decoded file into canonical courses.
func (f File) Model() ([]model.Course, error) {
	var errs []model.FieldError
	add := func(field, msg string) {
		errs = append(errs, model.FieldError{Field: field, Message: msg})
	}

	out := make([]model.Course, 0, len(f.Courses))
	for ci, c := range f.Courses {
		cp := fmt.Sprintf("courses[%d]", ci)
		mc := model.Course{
			ID:         strings.TrimSpace(c.ID),
			Code:       strings.TrimSpace(c.Code),
			Title:      strings.TrimSpace(c.Title),
			Instructor: strings.TrimSpace(c.Instructor),
			ColorID:    c.ColorID,
			Reminders:  c.Reminders,
		}
		for ri, rem := range c.Reminders {
			if rem.Minutes < 0 {
				add(fmt.Sprintf("%s.reminders[%d].minutes", cp, ri), "must not be negative")
			}
			switch strings.ToLower(rem.Method) {
			case "popup", "email":
			default:
				add(fmt.Sprintf("%s.reminders[%d].method", cp, ri), fmt.Sprintf("unknown method %q", rem.Method))
			}
		}

		for mi, m := range c.Meetings {
			mp := fmt.Sprintf("%s.meetings[%d]", cp, mi)
			mm := model.Meeting{
				ID:   strings.TrimSpace(m.ID),
				Kind: strings.TrimSpace(m.Kind),
				Pattern: model.MeetingPattern{
					TimeZone:      m.TimeZone,
					IntervalWeeks: m.IntervalWeeks,
					Location:      strings.TrimSpace(m.Location),
					Notes:         strings.TrimSpace(m.Notes),
				},
			}
			if mm.Pattern.TimeZone == "" {
				mm.Pattern.TimeZone = f.TimeZone
			}

			days, err := model.ParseWeekdays(m.Days)
			if err != nil {
				add(mp+".days", err.Error())
			}
			mm.Pattern.Weekdays = days

			if mm.Pattern.StartTime, err = ParseClock(m.Start); err != nil {
				add(mp+".start", err.Error())
			}
			if mm.Pattern.EndTime, err = ParseClock(m.End); err != nil {
				add(mp+".end", err.Error())
			}
			if mm.Pattern.StartDate, err = ParseDate(m.From); err != nil {
				add(mp+".from", err.Error())
			}
			if mm.Pattern.EndDate, err = ParseDate(m.Until); err != nil {
				add(mp+".until", err.Error())
			}

			for ei, ex := range m.Exceptions {
				d, err := ParseDate(ex.Date)
				if err != nil {
					add(fmt.Sprintf("%s.exceptions[%d].date", mp, ei), err.Error())
					continue
				}
				mm.Exceptions = append(mm.Exceptions, model.ExceptionDate{Date: d, Reason: ex.Reason})
			}
			mc.Meetings = append(mc.Meetings, mm)
		}
		out = append(out, mc)
	}

	if len(errs) > 0 {
		return nil, &model.ValidationError{Errors: errs}
	}

	seen := make(map[string]struct{}, len(out))
	for _, c := range out {
		if _, dup := seen[c.ID]; dup {
			return nil, model.NewValidationError("courses", fmt.Sprintf("duplicate course id %q", c.ID))
		}
		seen[c.ID] = struct{}{}
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ParseClock parses a wall-clock time of day, "HH:MM" or "HH:MM:SS".
func ParseClock(s string) (civil.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return civil.TimeOf(t), nil
		}
	}
	return civil.Time{}, fmt.Errorf("invalid time of day %q", s)
}

// ParseDate parses a calendar date, "YYYY-MM-DD".
func ParseDate(s string) (civil.Date, error) {
	d, err := civil.ParseDate(strings.TrimSpace(s))
	if err != nil {
		return civil.Date{}, fmt.Errorf("invalid date %q", s)
	}
	return d, nil
}
