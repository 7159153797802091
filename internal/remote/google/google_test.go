package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"coursecal/internal/fingerprint"
	"coursecal/internal/model"
	"coursecal/internal/remote"
)

// calendarServer is a minimal in-memory stand-in for the events collection.
type calendarServer struct {
	mu     sync.Mutex
	events map[string]json.RawMessage
	next   int
	auth   []string
	paths  []string
}

func newCalendarServer(t *testing.T) (*calendarServer, *Client) {
	t.Helper()
	s := &calendarServer{events: map[string]json.RawMessage{}}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	c := New(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-123", TokenType: "Bearer"}), WithBaseURL(srv.URL))
	return s, c
}

func (s *calendarServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.paths = append(s.paths, r.URL.Path)

	rest, ok := strings.CutPrefix(r.URL.Path, "/calendars/primary/events")
	if !ok {
		writeError(w, http.StatusNotFound, "notFound")
		return
	}
	id := strings.TrimPrefix(rest, "/")

	switch {
	case r.Method == http.MethodPost && id == "":
		s.next++
		id = fmt.Sprintf("g%d", s.next)
		s.store(w, r, id)
	case r.Method == http.MethodPut:
		if _, ok := s.events[id]; !ok {
			writeError(w, http.StatusNotFound, "notFound")
			return
		}
		s.store(w, r, id)
	case r.Method == http.MethodGet && id != "":
		raw, ok := s.events[id]
		if !ok {
			writeError(w, http.StatusNotFound, "notFound")
			return
		}
		_, _ = w.Write(raw)
	case r.Method == http.MethodDelete:
		if _, ok := s.events[id]; !ok {
			writeError(w, http.StatusGone, "deleted")
			return
		}
		delete(s.events, id)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "badRequest")
	}
}

func (s *calendarServer) store(w http.ResponseWriter, r *http.Request, id string) {
	var ev map[string]any
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "parseError")
		return
	}
	ev["id"] = id
	ev["status"] = "confirmed"
	raw, _ := json.Marshal(ev)
	s.events[id] = raw
	_, _ = w.Write(raw)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%d,"message":"%s","errors":[{"reason":"%s"}]}}`, status, reason, reason)
}

func sampleDesired(t *testing.T) model.DesiredEvent {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return model.DesiredEvent{
		Key:         "cs101/lec@20240108",
		Title:       "CS 101 Lecture",
		Description: "Intro to Computing",
		Location:    "Room 101",
		Start:       time.Date(2024, 1, 8, 9, 0, 0, 0, loc),
		End:         time.Date(2024, 1, 8, 9, 50, 0, 0, loc),
		TimeZone:    "America/New_York",
		Reminders:   []model.Reminder{{Method: "popup", Minutes: 10}, {Method: "email", Minutes: 60}},
		ColorID:     "5",
	}
}

func TestClient_RoundTripKeepsFingerprint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv, c := newCalendarServer(t)

	d := sampleDesired(t)
	created, err := c.CreateEvent(ctx, "primary", remote.FromDesired(d, "primary"))
	require.NoError(t, err)
	assert.Equal(t, "g1", created.ID)
	assert.Equal(t, d.Key, created.IdentityKey())

	got, err := c.GetEvent(ctx, "primary", created.ID)
	require.NoError(t, err)
	assert.Equal(t, fingerprint.Of(d), fingerprint.OfRemote(got))
	assert.False(t, got.Cancelled)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	var wire map[string]any
	require.NoError(t, json.Unmarshal(srv.events["g1"], &wire))
	assert.Equal(t, map[string]any{"dateTime": "2024-01-08T09:00:00-05:00", "timeZone": "America/New_York"}, wire["start"])
	assert.Equal(t, "5", wire["colorId"])
	assert.Equal(t, map[string]any{"private": map[string]any{
		remote.PrivateKey:       d.Key,
		remote.PrivateNamespace: "primary",
	}}, wire["extendedProperties"])
	reminders := wire["reminders"].(map[string]any)
	assert.Equal(t, false, reminders["useDefault"])
	assert.Len(t, reminders["overrides"], 2)

	for _, h := range srv.auth {
		assert.Equal(t, "Bearer tok-123", h)
	}
}

func TestClient_UpdateAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, c := newCalendarServer(t)

	d := sampleDesired(t)
	created, err := c.CreateEvent(ctx, "primary", remote.FromDesired(d, "primary"))
	require.NoError(t, err)

	d.Location = "Room 202"
	d.Reminders = nil
	updated, err := c.UpdateEvent(ctx, "primary", created.ID, remote.FromDesired(d, "primary"))
	require.NoError(t, err)
	assert.Equal(t, "Room 202", updated.Location)
	assert.Empty(t, updated.Reminders)
	assert.Equal(t, fingerprint.Of(d), fingerprint.OfRemote(updated))

	require.NoError(t, c.DeleteEvent(ctx, "primary", created.ID))

	err = c.DeleteEvent(ctx, "primary", created.ID)
	assert.True(t, remote.IsNotFound(err))
	_, err = c.GetEvent(ctx, "primary", created.ID)
	assert.True(t, remote.IsNotFound(err))
}

func TestClient_ListFollowsPagesAndFilters(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		queries []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		mu.Unlock()
		switch r.URL.Query().Get("pageToken") {
		case "":
			_, _ = io.WriteString(w, `{"items":[{"id":"a","summary":"A"}],"nextPageToken":"p2"}`)
		default:
			_, _ = io.WriteString(w, `{"items":[{"id":"b","summary":"B","status":"cancelled"}]}`)
		}
	}))
	defer srv.Close()

	c := New(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"}), WithBaseURL(srv.URL))
	evs, err := c.ListEvents(context.Background(), "primary", remote.ListQuery{
		PrivateExtended: map[string]string{remote.PrivateNamespace: "primary"},
	})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, "a", evs[0].ID)
	assert.True(t, evs[1].Cancelled)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "privateExtendedProperty=coursecalNamespace%3Dprimary")
	assert.Contains(t, queries[0], "singleEvents=false")
	assert.Contains(t, queries[1], "pageToken=p2")
}

func TestClient_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		reason     string
		retryAfter string
		list       bool
		kind       remote.Kind
		wait       time.Duration
	}{
		{name: "too many requests", status: 429, retryAfter: "7", kind: remote.KindRateLimited, wait: 7 * time.Second},
		{name: "quota 403", status: 403, reason: "rateLimitExceeded", kind: remote.KindRateLimited},
		{name: "user quota 403", status: 403, reason: "userRateLimitExceeded", kind: remote.KindRateLimited},
		{name: "permission 403", status: 403, reason: "forbidden", kind: remote.KindFatal},
		{name: "auth expired", status: 401, reason: "authError", kind: remote.KindFatal},
		{name: "server error", status: 503, reason: "backendError", kind: remote.KindTransient},
		{name: "event missing", status: 404, reason: "notFound", kind: remote.KindNotFound},
		{name: "calendar missing", status: 404, reason: "notFound", list: true, kind: remote.KindFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				writeError(w, tt.status, tt.reason)
			}))
			defer srv.Close()
			c := New(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"}), WithBaseURL(srv.URL))

			var err error
			if tt.list {
				_, err = c.ListEvents(context.Background(), "primary", remote.ListQuery{})
			} else {
				_, err = c.GetEvent(context.Background(), "primary", "e1")
			}
			re, ok := remote.AsError(err)
			require.True(t, ok, "unclassified error: %v", err)
			assert.Equal(t, tt.kind, re.Kind)
			assert.Equal(t, tt.status, re.Status)
			assert.Equal(t, tt.wait, re.RetryAfter)
		})
	}
}

func TestClient_TokenFailureIsFatal(t *testing.T) {
	t.Parallel()

	var called atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called.Store(true) }))
	defer srv.Close()

	c := New(FileTokenSource(filepath.Join(t.TempDir(), "missing.json")), WithBaseURL(srv.URL))
	_, err := c.GetEvent(context.Background(), "primary", "e1")
	assert.True(t, remote.IsFatal(err))
	assert.True(t, errors.Is(err, model.ErrRemoteFatal))
	assert.False(t, called.Load())
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := New(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"}), WithBaseURL(srv.URL))
	_, err := c.GetEvent(context.Background(), "primary", "e1")
	re, ok := remote.AsError(err)
	require.True(t, ok)
	assert.Equal(t, remote.KindTransient, re.Kind)
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, retryAfter("3", now))
	assert.Zero(t, retryAfter("", now))
	assert.Zero(t, retryAfter("-1", now))
	assert.Zero(t, retryAfter("soon", now))
	assert.Equal(t, 90*time.Second, retryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}

func TestFileTokenSource(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"first","token_type":"Bearer"}`), 0o600))

	ts := FileTokenSource(path)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "first", tok.AccessToken)

	require.NoError(t, os.WriteFile(path, []byte(`{"access_token":"second"}`), 0o600))
	tok, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "second", tok.AccessToken)

	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))
	_, err = ts.Token()
	assert.ErrorIs(t, err, ErrNoAccessToken)
}
