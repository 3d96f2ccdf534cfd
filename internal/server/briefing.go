package server

import (
	"net/http"
	"strconv"
)

// Briefing limits.
const (
	briefingTasks       = 10
	briefingEmails      = 5
	briefingTaskRunes   = 80
	briefingFromRunes   = 30
	briefingSubjRunes   = 50
	briefingContextRune = 500
	briefingContextFile = "CLAUDE.md"
	briefingDateLayout  = "Monday, 02. January 2006"
)

type briefingTask struct {
	Num     int
	Score   string
	Content string
}

type briefingEmail struct {
	From    string
	Subject string
}

type briefingPage struct {
	Date        string
	OpenCount   int
	Tasks       []briefingTask
	UnreadCount int
	Emails      []briefingEmail
	Context     string
}

func (s *Server) handleBriefing(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	today := s.sync.TodayTasks(now).Items

	page := briefingPage{
		Date:      now.Format(briefingDateLayout),
		OpenCount: len(today),
	}

	for i, t := range today {
		if i == briefingTasks {
			break
		}

		content, _ := t.Field("content").Text()

		page.Tasks = append(page.Tasks, briefingTask{
			Num:     i + 1,
			Score:   strconv.FormatFloat(t.ScoreOrZero(), 'f', -1, 64),
			Content: truncateRunes(content, briefingTaskRunes),
		})
	}

	for _, e := range s.unreadEmails(r.Context()) {
		if e.Error != "" {
			continue
		}

		page.UnreadCount++

		if len(page.Emails) < briefingEmails {
			page.Emails = append(page.Emails, briefingEmail{
				From:    truncateRunes(e.From, briefingFromRunes),
				Subject: truncateRunes(e.Subject, briefingSubjRunes),
			})
		}
	}

	if text, ok := s.sync.ContextFile(briefingContextFile); ok {
		page.Context = truncateRunes(text, briefingContextRune)
	}

	s.renderPage(w, http.StatusOK, "briefing.html", page)
}

// truncateRunes cuts s to at most n characters without splitting a rune.
func truncateRunes(s string, n int) string {
	count := 0

	for i := range s {
		if count == n {
			return s[:i]
		}

		count++
	}

	return s
}
