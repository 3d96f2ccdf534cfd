package server

import (
	"bytes"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.New("").Funcs(template.FuncMap{
	"join": strings.Join,
}).ParseFS(templateFS, "templates/*.html"))

type tokenPage struct {
	Name      string
	Device    string
	Token     string
	ValidDays int
}

type servicesPage struct {
	Email string
}

type deniedPage struct {
	Email    string
	Accounts []string
}

type messagePage struct {
	Title   string
	Message string
}

// renderPage executes a template into a buffer first so a template error
// still produces a clean 500.
func (s *Server) renderPage(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("rendering page failed", slog.String("page", name), slog.String("error", err.Error()))
		http.Error(w, msgInternal, http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) renderMessage(w http.ResponseWriter, status int, title, msg string) {
	s.renderPage(w, status, "message.html", messagePage{Title: title, Message: msg})
}
