package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/chief-of-staff/internal/google"
)

func TestUnreadEmailsMergesAccounts(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.creds.authed[testAccountB] = true
	env.google.emails[testAccountA] = []google.Email{
		{ID: "a1", Subject: "older", Date: "2026-03-01T08:00:00Z", Account: testAccountA},
		{ID: "a2", Subject: "newest", Date: "2026-03-02T08:00:00Z", Account: testAccountA},
	}
	env.google.emails[testAccountB] = []google.Email{
		{ID: "b1", Subject: "middle", Date: "2026-03-01T12:00:00Z", Account: testAccountB},
	}

	rec := env.do(t, http.MethodGet, "/emails/unread", "", env.bearer())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Emails    []map[string]any `json:"emails"`
		FetchedAt string           `json:"fetchedAt"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	require.Len(t, resp.Emails, 3)
	assert.Equal(t, "a2", resp.Emails[0]["id"])
	assert.Equal(t, "b1", resp.Emails[1]["id"])
	assert.Equal(t, "a1", resp.Emails[2]["id"])
	assert.Equal(t, testNow.Format(time.RFC3339), resp.FetchedAt)

	assert.Equal(t, google.QueryUnread, env.google.lastEmails.Query)
	assert.Equal(t, unreadPerAccount, env.google.lastEmails.MaxResults)
}

func TestEmailsInlineErrorRecord(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.google.emails[testAccountA] = []google.Email{
		{ID: "a1", Subject: "hi", Date: "2026-03-01T08:00:00Z", Account: testAccountA},
	}

	rec := env.do(t, http.MethodGet, "/emails/recent", "", env.bearer())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Emails []json.RawMessage `json:"emails"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Emails, 2)

	assert.JSONEq(t, `{"error":"Not authenticated: bob@example.com","account":"bob@example.com"}`, string(resp.Emails[1]))
	assert.Equal(t, recentPerAccount, env.google.lastEmails.MaxResults)
	assert.Empty(t, env.google.lastEmails.Query)
}

func TestCalendarToday(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	env.google.events[testAccountA] = []google.Event{
		{ID: "late", Summary: "Lunch", Start: "2026-03-02T12:00:00Z", Account: testAccountA},
		{ID: "early", Summary: "Standup", Start: "2026-03-02T09:00:00Z", Account: testAccountA},
	}

	rec := env.do(t, http.MethodGet, "/calendar/today", "", env.bearer())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []json.RawMessage `json:"events"`
		Date   string            `json:"date"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "2026-03-02", resp.Date)
	require.Len(t, resp.Events, 3)
	assert.Contains(t, string(resp.Events[0]), `"error":"Not authenticated for calendar: bob@example.com"`)
	assert.Contains(t, string(resp.Events[1]), `"early"`)
	assert.Contains(t, string(resp.Events[2]), `"late"`)

	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), env.google.lastEvents.TimeMin)
}

func TestCalendarUpcomingDays(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/calendar/upcoming", "", env.bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 7, decodeJSON(t, rec)["days_ahead"], 0)

	rec = env.do(t, http.MethodGet, "/calendar/upcoming?days=14", "", env.bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 14, decodeJSON(t, rec)["days_ahead"], 0)
	assert.Equal(t, 14*24*time.Hour, env.google.lastEvents.TimeMax.Sub(env.google.lastEvents.TimeMin))

	for _, bad := range []string{"0", "61", "-3", "soon", "1.5"} {
		rec = env.do(t, http.MethodGet, "/calendar/upcoming?days="+bad, "", env.bearer())
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestCalendarWeek(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/calendar/week", "", env.bearer())
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON(t, rec)
	assert.Contains(t, body, "events")
	assert.NotContains(t, body, "days_ahead")
	assert.Equal(t, 7*24*time.Hour, env.google.lastEvents.TimeMax.Sub(env.google.lastEvents.TimeMin))
}

func TestGmailStatus(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/gmail/status", "", env.bearer())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"alice@example.com":"authenticated","bob@example.com":"not_authenticated"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/gmail/status", "", apiKey())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGmailToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"missing email", `{"token":{"token":"x"}}`, http.StatusBadRequest},
		{"missing token", `{"email":"bob@example.com"}`, http.StatusBadRequest},
		{"null token", `{"email":"bob@example.com","token":null}`, http.StatusBadRequest},
		{"not json", `nope`, http.StatusBadRequest},
		{"invalid credential", `{"email":"bob@example.com","token":"garbage"}`, http.StatusBadRequest},
	}

	for _, tc := range tests {
		rec := env.do(t, http.MethodPost, "/gmail/token", tc.body, apiKey())
		assert.Equal(t, tc.wantStatus, rec.Code, tc.name)
	}

	assert.Empty(t, env.creds.ingested)

	blob := `{"token":"at","refresh_token":"rt","client_id":"id","client_secret":"s"}`
	rec := env.do(t, http.MethodPost, "/gmail/token", `{"email":"bob@example.com","token":`+blob+`}`, apiKey())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	assert.JSONEq(t, blob, string(env.creds.ingested[testAccountB]))
}
