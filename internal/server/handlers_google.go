package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tonimelisma/chief-of-staff/internal/aggregate"
	"github.com/tonimelisma/chief-of-staff/internal/credcache"
	"github.com/tonimelisma/chief-of-staff/internal/google"
)

// Per-account limits for the email views.
const (
	unreadPerAccount = 10
	recentPerAccount = 20
)

// Bounds of /calendar/upcoming?days=N.
const (
	defaultDaysAhead = 7
	minDaysAhead     = 1
	maxDaysAhead     = 60
)

const dateLayout = "2006-01-02"

type emailsResponse struct {
	Emails    []google.Email `json:"emails"`
	FetchedAt string         `json:"fetchedAt"`
}

type calendarTodayResponse struct {
	Events    []google.Event `json:"events"`
	Date      string         `json:"date"`
	FetchedAt string         `json:"fetchedAt"`
}

type calendarUpcomingResponse struct {
	Events    []google.Event `json:"events"`
	DaysAhead int            `json:"days_ahead"`
	FetchedAt string         `json:"fetchedAt"`
}

type calendarWeekResponse struct {
	Events    []google.Event `json:"events"`
	FetchedAt string         `json:"fetchedAt"`
}

// accountError renders an account failure for an inline error record.
func accountError(account string, err error, notAuthPrefix string) string {
	if errors.Is(err, credcache.ErrNotAuthenticated) {
		return notAuthPrefix + account
	}

	return err.Error()
}

// collectEmails fans q out over every configured account.
func (s *Server) collectEmails(ctx context.Context, name string, q google.EmailQuery) []google.Email {
	return aggregate.Collect(ctx, s.agg, aggregate.Request[google.Email]{
		Name:     name,
		Accounts: s.config().Google.Accounts,
		Fetch: func(ctx context.Context, account string) ([]google.Email, error) {
			ts, err := s.creds.Acquire(ctx, account)
			if err != nil {
				return nil, err
			}

			return s.google.Emails(ctx, ts, account, q)
		},
		ErrRecord: func(account string, err error) google.Email {
			return google.Email{Account: account, Error: accountError(account, err, "Not authenticated: ")}
		},
		SortKey: func(e google.Email) string { return e.Date },
		Order:   aggregate.Descending,
	})
}

// collectEvents fans q out over every configured account.
func (s *Server) collectEvents(ctx context.Context, name string, q google.EventQuery) []google.Event {
	return aggregate.Collect(ctx, s.agg, aggregate.Request[google.Event]{
		Name:     name,
		Accounts: s.config().Google.Accounts,
		Fetch: func(ctx context.Context, account string) ([]google.Event, error) {
			ts, err := s.creds.Acquire(ctx, account)
			if err != nil {
				return nil, err
			}

			return s.google.Events(ctx, ts, account, q)
		},
		ErrRecord: func(account string, err error) google.Event {
			return google.Event{Account: account, Error: accountError(account, err, "Not authenticated for calendar: ")}
		},
		SortKey: func(e google.Event) string { return e.Start },
		Order:   aggregate.Ascending,
	})
}

func (s *Server) fetchedAt() string {
	return s.now().Format(time.RFC3339)
}

func (s *Server) unreadEmails(ctx context.Context) []google.Email {
	return s.collectEmails(ctx, "emails.unread", google.EmailQuery{
		Query:      google.QueryUnread,
		MaxResults: unreadPerAccount,
	})
}

func (s *Server) handleUnreadEmails(w http.ResponseWriter, r *http.Request) {
	emails := s.unreadEmails(r.Context())
	s.writeJSON(w, http.StatusOK, emailsResponse{Emails: emails, FetchedAt: s.fetchedAt()})
}

func (s *Server) handleRecentEmails(w http.ResponseWriter, r *http.Request) {
	emails := s.collectEmails(r.Context(), "emails.recent", google.EmailQuery{
		MaxResults: recentPerAccount,
	})
	s.writeJSON(w, http.StatusOK, emailsResponse{Emails: emails, FetchedAt: s.fetchedAt()})
}

func (s *Server) handleCalendarToday(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	events := s.collectEvents(r.Context(), "calendar.today", google.TodayQuery(now))

	s.writeJSON(w, http.StatusOK, calendarTodayResponse{
		Events:    events,
		Date:      now.Format(dateLayout),
		FetchedAt: s.fetchedAt(),
	})
}

func (s *Server) handleCalendarUpcoming(w http.ResponseWriter, r *http.Request) {
	days := defaultDaysAhead

	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < minDaysAhead || n > maxDaysAhead {
			s.writeError(w, http.StatusBadRequest,
				fmt.Sprintf("days must be an integer between %d and %d", minDaysAhead, maxDaysAhead))

			return
		}

		days = n
	}

	events := s.collectEvents(r.Context(), "calendar.upcoming", google.UpcomingQuery(s.now(), days))

	s.writeJSON(w, http.StatusOK, calendarUpcomingResponse{
		Events:    events,
		DaysAhead: days,
		FetchedAt: s.fetchedAt(),
	})
}

func (s *Server) handleCalendarWeek(w http.ResponseWriter, r *http.Request) {
	events := s.collectEvents(r.Context(), "calendar.week", google.UpcomingQuery(s.now(), defaultDaysAhead))
	s.writeJSON(w, http.StatusOK, calendarWeekResponse{Events: events, FetchedAt: s.fetchedAt()})
}

func (s *Server) handleGmailStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.creds.Status(r.Context(), s.config().Google.Accounts)
	if err != nil {
		s.writeInternal(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, status)
}

type gmailTokenRequest struct {
	Email string          `json:"email"`
	Token json.RawMessage `json:"token"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// handleGmailToken ingests a credential produced by a local auth tool.
func (s *Server) handleGmailToken(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req gmailTokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	if req.Email == "" || len(req.Token) == 0 || string(req.Token) == "null" {
		s.writeError(w, http.StatusBadRequest, msgMissingEmailTok)
		return
	}

	err := s.creds.Ingest(r.Context(), req.Email, req.Token)

	switch {
	case errors.Is(err, credcache.ErrInvalidCredential):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeInternal(w, r, err)
		return
	}

	s.logger.Info("delegated credential ingested", slog.String("account", req.Email))

	s.writeJSON(w, http.StatusOK, successResponse{Success: true})
}
