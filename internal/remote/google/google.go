// Package google is the Google Calendar v3 REST adapter for remote.Calendar.
// It performs exactly one HTTP request per call and classifies failures;
// retries belong to the executor.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	appLog "coursecal/internal/log"
	"coursecal/internal/model"
	"coursecal/internal/remote"
)

const (
	defaultBaseURL = "https://www.googleapis.com/calendar/v3"
	defaultTimeout = 30 * time.Second
	listPageSize   = 2500
)

// Client talks to the Google Calendar API on behalf of one credential.
type Client struct {
	tokens     oauth2.TokenSource
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL overrides the API endpoint (tests, proxies).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// New returns a client authorizing every request with a token from tokens.
// Token refresh is the token source's concern.
func New(tokens oauth2.TokenSource, opts ...Option) *Client {
	c := &Client{
		tokens:     tokens,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ remote.Calendar = (*Client)(nil)

func (c *Client) CreateEvent(ctx context.Context, calendarID string, ev remote.Event) (remote.Event, error) {
	var out apiEvent
	err := c.do(ctx, "create", http.MethodPost, c.eventsURL(calendarID, ""), nil, toAPI(ev), &out, true)
	if err != nil {
		return remote.Event{}, err
	}
	return fromAPI(out)
}

// UpdateEvent replaces the whole event so fields dropped from the desired
// content are cleared remotely.
func (c *Client) UpdateEvent(ctx context.Context, calendarID, eventID string, ev remote.Event) (remote.Event, error) {
	var out apiEvent
	err := c.do(ctx, "update", http.MethodPut, c.eventsURL(calendarID, eventID), nil, toAPI(ev), &out, false)
	if err != nil {
		return remote.Event{}, err
	}
	return fromAPI(out)
}

func (c *Client) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return c.do(ctx, "delete", http.MethodDelete, c.eventsURL(calendarID, eventID), nil, nil, nil, false)
}

func (c *Client) GetEvent(ctx context.Context, calendarID, eventID string) (remote.Event, error) {
	var out apiEvent
	if err := c.do(ctx, "get", http.MethodGet, c.eventsURL(calendarID, eventID), nil, nil, &out, false); err != nil {
		return remote.Event{}, err
	}
	return fromAPI(out)
}

// ListEvents returns master events (recurring series unexpanded), following
// page tokens until exhausted.
func (c *Client) ListEvents(ctx context.Context, calendarID string, q remote.ListQuery) ([]remote.Event, error) {
	query := url.Values{}
	query.Set("maxResults", strconv.Itoa(listPageSize))
	query.Set("showDeleted", "false")
	query.Set("singleEvents", "false")
	for k, v := range q.PrivateExtended {
		query.Add("privateExtendedProperty", k+"="+v)
	}

	out := make([]remote.Event, 0)
	for {
		var page apiEventList
		if err := c.do(ctx, "list", http.MethodGet, c.eventsURL(calendarID, ""), query, nil, &page, true); err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			ev, err := fromAPI(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		}
		if page.NextPageToken == "" {
			return out, nil
		}
		query.Set("pageToken", page.NextPageToken)
	}
}

func (c *Client) eventsURL(calendarID, eventID string) string {
	u := fmt.Sprintf("%s/calendars/%s/events", c.baseURL, url.PathEscape(calendarID))
	if eventID != "" {
		u += "/" + url.PathEscape(eventID)
	}
	return u
}

// do performs one request. calendarScoped marks calls addressing the
// calendar itself, where a 404 means the calendar is missing (fatal) rather
// than an event.
func (c *Client) do(ctx context.Context, op, method, endpoint string, query url.Values, in, out any, calendarScoped bool) error {
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("google %s: encode: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("google %s: create request: %w", op, err)
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return &remote.Error{Kind: remote.KindFatal, Op: op, Err: fmt.Errorf("access token: %w", err)}
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &remote.Error{Kind: remote.KindTransient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	appLog.Debug("google: request",
		"op", op,
		"method", method,
		"url", appLog.RedactURL(endpoint),
		"status", resp.StatusCode,
	)

	if resp.StatusCode >= 300 {
		return responseError(op, resp, calendarScoped)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &remote.Error{Kind: remote.KindTransient, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"errors"`
	} `json:"error"`
}

func responseError(op string, resp *http.Response, calendarScoped bool) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body apiErrorBody
	reason, message := "", strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error.Code != 0 {
		message = body.Error.Message
		if len(body.Error.Errors) > 0 {
			reason = body.Error.Errors[0].Reason
		}
	}

	kind := remote.Classify(resp.StatusCode, reason)
	if kind == remote.KindNotFound && calendarScoped {
		kind = remote.KindFatal
		message = "calendar not found: " + message
	}

	e := &remote.Error{
		Kind:       kind,
		Op:         op,
		Status:     resp.StatusCode,
		RetryAfter: retryAfter(resp.Header.Get("Retry-After"), time.Now()),
	}
	if message != "" {
		e.Err = errors.New(message)
	}
	return e
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

type apiEventList struct {
	Items         []apiEvent `json:"items"`
	NextPageToken string     `json:"nextPageToken,omitempty"`
}

type apiEvent struct {
	ID                 string        `json:"id,omitempty"`
	Status             string        `json:"status,omitempty"`
	Summary            string        `json:"summary"`
	Description        string        `json:"description"`
	Location           string        `json:"location"`
	Start              *apiTime      `json:"start,omitempty"`
	End                *apiTime      `json:"end,omitempty"`
	Recurrence         []string      `json:"recurrence,omitempty"`
	Reminders          *apiReminders `json:"reminders,omitempty"`
	ColorID            string        `json:"colorId,omitempty"`
	ExtendedProperties *apiExtended  `json:"extendedProperties,omitempty"`
	Updated            string        `json:"updated,omitempty"`
}

type apiTime struct {
	DateTime string `json:"dateTime,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type apiReminders struct {
	UseDefault bool             `json:"useDefault"`
	Overrides  []model.Reminder `json:"overrides,omitempty"`
}

type apiExtended struct {
	Private map[string]string `json:"private,omitempty"`
}

func toAPI(ev remote.Event) apiEvent {
	out := apiEvent{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Start:       toAPITime(ev.Start, ev.TimeZone),
		End:         toAPITime(ev.End, ev.TimeZone),
		Recurrence:  ev.Recurrence,
		Reminders:   &apiReminders{UseDefault: len(ev.Reminders) == 0, Overrides: ev.Reminders},
		ColorID:     ev.ColorID,
	}
	if len(ev.Private) > 0 {
		out.ExtendedProperties = &apiExtended{Private: ev.Private}
	}
	return out
}

func toAPITime(t time.Time, tz string) *apiTime {
	if t.IsZero() {
		return nil
	}
	if loc, err := time.LoadLocation(tz); err == nil && tz != "" {
		t = t.In(loc)
	}
	return &apiTime{DateTime: t.Format(time.RFC3339), TimeZone: tz}
}

func fromAPI(in apiEvent) (remote.Event, error) {
	ev := remote.Event{
		ID:          in.ID,
		Title:       in.Summary,
		Description: in.Description,
		Location:    in.Location,
		Recurrence:  in.Recurrence,
		ColorID:     in.ColorID,
		Cancelled:   in.Status == "cancelled",
	}

	var err error
	if ev.Start, ev.TimeZone, err = fromAPITime(in.Start); err != nil {
		return remote.Event{}, fmt.Errorf("event %s start: %w", in.ID, err)
	}
	if ev.End, _, err = fromAPITime(in.End); err != nil {
		return remote.Event{}, fmt.Errorf("event %s end: %w", in.ID, err)
	}
	if in.Reminders != nil && !in.Reminders.UseDefault {
		ev.Reminders = in.Reminders.Overrides
	}
	if in.ExtendedProperties != nil {
		ev.Private = in.ExtendedProperties.Private
	}
	if in.Updated != "" {
		if t, perr := time.Parse(time.RFC3339, in.Updated); perr == nil {
			ev.Updated = t
		}
	}
	return ev, nil
}

func fromAPITime(t *apiTime) (time.Time, string, error) {
	if t == nil || t.DateTime == "" {
		return time.Time{}, "", nil
	}
	parsed, err := time.Parse(time.RFC3339, t.DateTime)
	if err != nil {
		return time.Time{}, "", err
	}
	return parsed, t.TimeZone, nil
}
