// Package remote defines the capability the sync core uses to read and write
// events on a named remote calendar, plus the error taxonomy adapters must
// map their failures onto.
package remote

import (
	"context"
	"time"

	"coursecal/internal/model"
)

// Private extension property names. The core is the only writer of these.
const (
	PrivateKey       = "coursecalKey"
	PrivateNamespace = "coursecalNamespace"
)

// Event is the provider-neutral event descriptor.
type Event struct {
	ID string

	Title       string
	Description string
	Location    string

	Start    time.Time
	End      time.Time
	TimeZone string

	// Recurrence holds RRULE/EXDATE lines; empty for single events.
	Recurrence []string

	Reminders []model.Reminder
	ColorID   string

	// Private is the opaque extension slot carrying the identity key.
	Private map[string]string

	// Cancelled is set by providers that report deleted events as tombstones.
	Cancelled bool
	Updated   time.Time
}

// IdentityKey returns the identity key stored in the private slot, if any.
func (e Event) IdentityKey() string {
	return e.Private[PrivateKey]
}

// ListQuery narrows ListEvents.
type ListQuery struct {
	// PrivateExtended keeps only events whose private slot holds all pairs.
	PrivateExtended map[string]string
}

// Calendar is the remote calendar collaborator. Implementations must be safe
// for concurrent use and return *Error for classified failures.
type Calendar interface {
	CreateEvent(ctx context.Context, calendarID string, ev Event) (Event, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, ev Event) (Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	GetEvent(ctx context.Context, calendarID, eventID string) (Event, error)
	ListEvents(ctx context.Context, calendarID string, q ListQuery) ([]Event, error)
}

// FromDesired builds the outgoing descriptor for a desired event, stamping
// the identity key and namespace into the private slot.
func FromDesired(ev model.DesiredEvent, namespace string) Event {
	var reminders []model.Reminder
	if len(ev.Reminders) > 0 {
		reminders = append(reminders, ev.Reminders...)
	}
	var recurrence []string
	if len(ev.Recurrence) > 0 {
		recurrence = append(recurrence, ev.Recurrence...)
	}
	return Event{
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       ev.Start,
		End:         ev.End,
		TimeZone:    ev.TimeZone,
		Recurrence:  recurrence,
		Reminders:   reminders,
		ColorID:     ev.ColorID,
		Private: map[string]string{
			PrivateKey:       ev.Key,
			PrivateNamespace: namespace,
		},
	}
}
