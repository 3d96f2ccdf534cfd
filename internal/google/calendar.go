package google

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

const (
	defaultEventSummary = "(Kein Titel)"
	defaultEventStatus  = "confirmed"
)

// Event is one calendar entry. A record with Error set stands in for an
// account whose query failed and renders as {"error","account"} only.
type Event struct {
	ID          string
	Summary     string
	Description string
	Location    string
	Start       string
	End         string
	AllDay      bool
	Calendar    string
	Account     string
	Status      string
	HTMLLink    string
	Error       string
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Error != "" {
		return json.Marshal(errorRecord{Error: e.Error, Account: e.Account})
	}

	return json.Marshal(struct {
		ID          string `json:"id"`
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Location    string `json:"location"`
		Start       string `json:"start"`
		End         string `json:"end"`
		AllDay      bool   `json:"all_day"`
		Calendar    string `json:"calendar"`
		Account     string `json:"account"`
		Status      string `json:"status"`
		HTMLLink    string `json:"html_link"`
	}{
		e.ID, e.Summary, e.Description, e.Location, e.Start, e.End,
		e.AllDay, e.Calendar, e.Account, e.Status, e.HTMLLink,
	})
}

// EventQuery selects events in [TimeMin, TimeMax) across all calendars.
type EventQuery struct {
	TimeMin time.Time
	TimeMax time.Time
	// MaxPerCalendar caps results from each calendar.
	MaxPerCalendar int
}

// TodayQuery covers the current UTC day.
func TodayQuery(now time.Time) EventQuery {
	start := now.UTC().Truncate(24 * time.Hour)
	return EventQuery{TimeMin: start, TimeMax: start.Add(24 * time.Hour), MaxPerCalendar: 50}
}

// UpcomingQuery covers now through now+days.
func UpcomingQuery(now time.Time, days int) EventQuery {
	now = now.UTC()
	return EventQuery{TimeMin: now, TimeMax: now.AddDate(0, 0, days), MaxPerCalendar: 20}
}

type calendarList struct {
	Items []struct {
		ID      string `json:"id"`
		Summary string `json:"summary"`
	} `json:"items"`
}

type eventTime struct {
	Date     string `json:"date"`
	DateTime string `json:"dateTime"`
}

func (t eventTime) String() string {
	if t.DateTime != "" {
		return t.DateTime
	}

	return t.Date
}

type eventList struct {
	Items []struct {
		ID          string    `json:"id"`
		Summary     *string   `json:"summary"`
		Description string    `json:"description"`
		Location    string    `json:"location"`
		Status      string    `json:"status"`
		HTMLLink    string    `json:"htmlLink"`
		Start       eventTime `json:"start"`
		End         eventTime `json:"end"`
	} `json:"items"`
}

// Now returns the client's current time. Exposed so callers building
// queries share the client's clock.
func (c *Client) Now() time.Time {
	return c.nowFunc()
}

// Events lists events from every calendar of account. A calendar whose
// event query fails is skipped (logged) rather than failing the account.
// The result is ordered by start ascending.
func (c *Client) Events(ctx context.Context, ts oauth2.TokenSource, account string, q EventQuery) ([]Event, error) {
	var cals calendarList
	if err := c.getJSON(ctx, ts, c.endpoints.Calendar+"/users/me/calendarList", nil, &cals); err != nil {
		return nil, fmt.Errorf("google: listing calendars for %s: %w", account, err)
	}

	params := url.Values{
		"timeMin":      {q.TimeMin.UTC().Format(time.RFC3339)},
		"timeMax":      {q.TimeMax.UTC().Format(time.RFC3339)},
		"singleEvents": {"true"},
		"orderBy":      {"startTime"},
	}

	if q.MaxPerCalendar > 0 {
		params.Set("maxResults", strconv.Itoa(q.MaxPerCalendar))
	}

	events := make([]Event, 0)

	for _, cal := range cals.Items {
		name := valueOr(cal.Summary, cal.ID)

		var list eventList

		eventsURL := c.endpoints.Calendar + "/calendars/" + url.PathEscape(cal.ID) + "/events"
		if err := c.getJSON(ctx, ts, eventsURL, params, &list); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("google: listing events for %s: %w", account, ctx.Err())
			}

			c.logger.Info("skipping calendar",
				slog.String("account", account),
				slog.String("calendar", name),
				slog.String("error", err.Error()),
			)

			continue
		}

		for _, it := range list.Items {
			summary := defaultEventSummary
			if it.Summary != nil {
				summary = *it.Summary
			}

			events = append(events, Event{
				ID:          it.ID,
				Summary:     summary,
				Description: it.Description,
				Location:    it.Location,
				Start:       it.Start.String(),
				End:         it.End.String(),
				AllDay:      it.Start.Date != "" && it.Start.DateTime == "",
				Calendar:    name,
				Account:     account,
				Status:      valueOr(it.Status, defaultEventStatus),
				HTMLLink:    it.HTMLLink,
			})
		}
	}

	sortEventsByStart(events)

	c.logger.Debug("fetched events",
		slog.String("account", account),
		slog.Int("calendars", len(cals.Items)),
		slog.Int("count", len(events)),
	)

	return events, nil
}

func sortEventsByStart(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start < events[j].Start
	})
}
