// Package fake is an in-memory remote.Calendar with scripted failures. It
// backs the "memory" calendar provider and the executor and engine tests.
package fake

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"coursecal/internal/remote"
)

// Operation names as recorded in Call.Op and matched by FailNext.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpGet    = "get"
	OpList   = "list"
)

// Call records one request made against the fake.
type Call struct {
	Op         string
	CalendarID string
	EventID    string
	Key        string
}

type failure struct {
	op    string
	times int
	err   error
}

// Calendar is safe for concurrent use.
type Calendar struct {
	mu       sync.Mutex
	events   map[string]map[string]remote.Event // calendarID -> eventID -> event
	nextID   int
	failures []*failure
	calls    []Call
	clock    func() time.Time

	// Hook, if set, runs before every request (outside the lock). A non-nil
	// error is returned as the request's result.
	Hook func(ctx context.Context, c Call) error
}

// New returns an empty fake calendar.
func New() *Calendar {
	return &Calendar{
		events: make(map[string]map[string]remote.Event),
		clock:  time.Now,
	}
}

// FailNext makes the next times requests of op fail with err. Scripts queue
// in order per op.
func (c *Calendar) FailNext(op string, times int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, &failure{op: op, times: times, err: err})
}

// Calls returns a copy of the request log.
func (c *Calendar) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.calls)
}

// CountCalls returns how many requests of op were made.
func (c *Calendar) CountCalls(op string) int {
	n := 0
	for _, call := range c.Calls() {
		if call.Op == op {
			n++
		}
	}
	return n
}

// Events returns every event of a calendar ordered by id.
func (c *Calendar) Events(calendarID string) []remote.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]remote.Event, 0, len(c.events[calendarID]))
	for _, ev := range c.events[calendarID] {
		out = append(out, clone(ev))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Edit mutates a stored event in place, simulating a manual change made
// outside the sync core. It reports whether the event existed.
func (c *Calendar) Edit(calendarID, eventID string, fn func(ev *remote.Event)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev, ok := c.events[calendarID][eventID]
	if !ok {
		return false
	}
	fn(&ev)
	ev.Updated = c.clock()
	c.events[calendarID][eventID] = ev
	return true
}

// Remove deletes an event without going through the API log.
func (c *Calendar) Remove(calendarID, eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.events[calendarID], eventID)
}

// Seed stores ev directly, assigning an id when empty.
func (c *Calendar) Seed(calendarID string, ev remote.Event) remote.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store(calendarID, ev)
}

func (c *Calendar) CreateEvent(ctx context.Context, calendarID string, ev remote.Event) (remote.Event, error) {
	if err := c.begin(ctx, Call{Op: OpCreate, CalendarID: calendarID, Key: ev.IdentityKey()}); err != nil {
		return remote.Event{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ev.ID = ""
	return clone(c.store(calendarID, ev)), nil
}

func (c *Calendar) UpdateEvent(ctx context.Context, calendarID, eventID string, ev remote.Event) (remote.Event, error) {
	if err := c.begin(ctx, Call{Op: OpUpdate, CalendarID: calendarID, EventID: eventID, Key: ev.IdentityKey()}); err != nil {
		return remote.Event{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.events[calendarID][eventID]; !ok {
		return remote.Event{}, notFound(OpUpdate, eventID)
	}
	ev.ID = eventID
	return clone(c.store(calendarID, ev)), nil
}

func (c *Calendar) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := c.begin(ctx, Call{Op: OpDelete, CalendarID: calendarID, EventID: eventID}); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.events[calendarID][eventID]; !ok {
		return notFound(OpDelete, eventID)
	}
	delete(c.events[calendarID], eventID)
	return nil
}

func (c *Calendar) GetEvent(ctx context.Context, calendarID, eventID string) (remote.Event, error) {
	if err := c.begin(ctx, Call{Op: OpGet, CalendarID: calendarID, EventID: eventID}); err != nil {
		return remote.Event{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ev, ok := c.events[calendarID][eventID]
	if !ok {
		return remote.Event{}, notFound(OpGet, eventID)
	}
	return clone(ev), nil
}

func (c *Calendar) ListEvents(ctx context.Context, calendarID string, q remote.ListQuery) ([]remote.Event, error) {
	if err := c.begin(ctx, Call{Op: OpList, CalendarID: calendarID}); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]remote.Event, 0)
	for _, ev := range c.events[calendarID] {
		if matches(ev, q) {
			out = append(out, clone(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// begin logs the call, runs the hook and consumes a scripted failure.
func (c *Calendar) begin(ctx context.Context, call Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Hook != nil {
		if err := c.Hook(ctx, call); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)

	for i, f := range c.failures {
		if f.op != call.Op {
			continue
		}
		f.times--
		if f.times <= 0 {
			c.failures = append(c.failures[:i], c.failures[i+1:]...)
		}
		return f.err
	}
	return nil
}

func (c *Calendar) store(calendarID string, ev remote.Event) remote.Event {
	if c.events[calendarID] == nil {
		c.events[calendarID] = make(map[string]remote.Event)
	}
	if ev.ID == "" {
		c.nextID++
		ev.ID = fmt.Sprintf("evt%04d", c.nextID)
	}
	ev.Updated = c.clock()
	ev = clone(ev)
	c.events[calendarID][ev.ID] = ev
	return ev
}

func matches(ev remote.Event, q remote.ListQuery) bool {
	for k, v := range q.PrivateExtended {
		if ev.Private[k] != v {
			return false
		}
	}
	return true
}

func notFound(op, eventID string) error {
	return &remote.Error{Kind: remote.KindNotFound, Op: op, Status: 404, Err: fmt.Errorf("event %s not found", eventID)}
}

func clone(ev remote.Event) remote.Event {
	ev.Recurrence = slices.Clone(ev.Recurrence)
	ev.Reminders = slices.Clone(ev.Reminders)
	ev.Private = maps.Clone(ev.Private)
	return ev
}
