package google

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// Gmail query defaults.
const (
	QueryUnread       = "is:unread"
	DefaultLookback   = 24 * time.Hour
	defaultSubject    = "(no subject)"
	defaultSender     = "Unknown"
	gmailAfterLayout  = "2006/01/02"
	gmailUserSelf     = "me"
	gmailMetadataForm = "metadata"
)

// Email is one message summary. A record with Error set stands in for an
// account whose query failed and renders as {"error","account"} only.
type Email struct {
	ID      string
	Subject string
	From    string
	Date    string
	Snippet string
	Account string
	Error   string
}

func (e Email) MarshalJSON() ([]byte, error) {
	if e.Error != "" {
		return json.Marshal(errorRecord{Error: e.Error, Account: e.Account})
	}

	return json.Marshal(struct {
		ID      string `json:"id"`
		Subject string `json:"subject"`
		From    string `json:"from"`
		Date    string `json:"date"`
		Snippet string `json:"snippet"`
		Account string `json:"account"`
	}{e.ID, e.Subject, e.From, e.Date, e.Snippet, e.Account})
}

type errorRecord struct {
	Error   string `json:"error"`
	Account string `json:"account"`
}

// EmailQuery selects messages for one account.
type EmailQuery struct {
	// Query is a Gmail search expression ("is:unread"); empty means all.
	Query string
	// Lookback restricts results to messages after now-Lookback (day
	// granularity, as Gmail's after: operator).
	Lookback   time.Duration
	MaxResults int
}

type messageList struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type message struct {
	ID      string `json:"id"`
	Snippet string `json:"snippet"`
	Payload struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

// Emails lists messages matching q for account and fetches each message's
// Subject/From/Date headers and snippet.
func (c *Client) Emails(ctx context.Context, ts oauth2.TokenSource, account string, q EmailQuery) ([]Email, error) {
	if q.Lookback <= 0 {
		q.Lookback = DefaultLookback
	}

	after := c.nowFunc().Add(-q.Lookback).Format(gmailAfterLayout)

	search := "after:" + after
	if q.Query != "" {
		search = q.Query + " " + search
	}

	params := url.Values{"q": {search}}
	if q.MaxResults > 0 {
		params.Set("maxResults", strconv.Itoa(q.MaxResults))
	}

	var list messageList

	listURL := c.endpoints.Gmail + "/users/" + gmailUserSelf + "/messages"
	if err := c.getJSON(ctx, ts, listURL, params, &list); err != nil {
		return nil, fmt.Errorf("google: listing messages for %s: %w", account, err)
	}

	emails := make([]Email, 0, len(list.Messages))

	for _, m := range list.Messages {
		var msg message

		getParams := url.Values{
			"format":          {gmailMetadataForm},
			"metadataHeaders": {"Subject", "From", "Date"},
		}

		if err := c.getJSON(ctx, ts, listURL+"/"+url.PathEscape(m.ID), getParams, &msg); err != nil {
			return nil, fmt.Errorf("google: fetching message %s for %s: %w", m.ID, account, err)
		}

		headers := make(map[string]string, len(msg.Payload.Headers))
		for _, h := range msg.Payload.Headers {
			headers[h.Name] = h.Value
		}

		emails = append(emails, Email{
			ID:      m.ID,
			Subject: valueOr(headers["Subject"], defaultSubject),
			From:    valueOr(headers["From"], defaultSender),
			Date:    headers["Date"],
			Snippet: msg.Snippet,
			Account: account,
		})
	}

	c.logger.Debug("fetched emails",
		slog.String("account", account),
		slog.String("query", search),
		slog.Int("count", len(emails)),
	)

	return emails, nil
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}

	return v
}
