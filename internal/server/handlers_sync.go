package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tonimelisma/chief-of-staff/internal/syncstore"
)

func (s *Server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sync.Tasks().Wire(syncstore.CollectionTasks))
}

func (s *Server) handleOpenTasks(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sync.OpenTasks().Wire(syncstore.CollectionTasks))
}

func (s *Server) handleTodayTasks(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sync.TodayTasks(s.now()).Wire(syncstore.CollectionTasks))
}

func (s *Server) handleNotes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sync.Notes().Wire(syncstore.CollectionNotes))
}

func (s *Server) handleNotesByType(typ string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, s.sync.NotesByType(typ).Wire(syncstore.CollectionNotes))
	}
}

func (s *Server) handleContext(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sync.Context().Wire())
}

type replaceResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

func (s *Server) handleReplaceTasks(w http.ResponseWriter, r *http.Request) {
	s.replaceRecords(w, r, syncstore.CollectionTasks, s.sync.ReplaceTasks)
}

func (s *Server) handleReplaceNotes(w http.ResponseWriter, r *http.Request) {
	s.replaceRecords(w, r, syncstore.CollectionNotes, s.sync.ReplaceNotes)
}

func (s *Server) replaceRecords(
	w http.ResponseWriter, r *http.Request, name string,
	replace func(ctx context.Context, items []syncstore.Record, syncedAt syncstore.Timestamp) error,
) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	items, syncedAt, err := syncstore.DecodePayload(name, body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	if err := replace(r.Context(), items, syncedAt); err != nil {
		s.writeInternal(w, r, err)
		return
	}

	s.logger.Info("collection replaced",
		slog.String("collection", name),
		slog.Int("count", len(items)),
	)

	s.writeJSON(w, http.StatusOK, replaceResponse{Success: true, Count: len(items)})
}

type replaceContextResponse struct {
	Success bool     `json:"success"`
	Files   []string `json:"files"`
}

func (s *Server) handleReplaceContext(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	files, syncedAt, err := syncstore.DecodeContextPayload(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	if err := s.sync.ReplaceContext(r.Context(), files, syncedAt); err != nil {
		s.writeInternal(w, r, err)
		return
	}

	names := s.sync.Context().Names()

	s.logger.Info("context replaced", slog.Int("files", len(names)))

	s.writeJSON(w, http.StatusOK, replaceContextResponse{Success: true, Files: names})
}

type contextFileResponse struct {
	Filename string   `json:"filename"`
	Content  string   `json:"content"`
	SyncedAt *float64 `json:"syncedAt"`
}

type fileNotFoundResponse struct {
	Error     string   `json:"error"`
	Available []string `json:"available"`
}

func (s *Server) handleContextFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]

	text, ok := s.sync.ContextFile(name)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, fileNotFoundResponse{
			Error:     fmt.Sprintf("File not found: %s", name),
			Available: s.sync.Context().Names(),
		})

		return
	}

	s.writeJSON(w, http.StatusOK, contextFileResponse{
		Filename: name,
		Content:  text,
		SyncedAt: s.sync.Context().SyncedAt,
	})
}

type updateFileRequest struct {
	Content *string `json:"content"`
}

type updateFileResponse struct {
	Success   bool    `json:"success"`
	File      string  `json:"file"`
	UpdatedAt float64 `json:"updatedAt"`
}

func (s *Server) handleUpdateContextFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["filename"]

	if !strings.HasSuffix(name, s.sync.ContextSuffix()) {
		s.writeSuffixError(w)
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	var req updateFileRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	if req.Content == nil {
		s.writeError(w, http.StatusBadRequest, msgMissingContent)
		return
	}

	update, err := s.sync.UpdateContextFile(r.Context(), name, *req.Content)

	switch {
	case errors.Is(err, syncstore.ErrSuffixNotAllowed):
		s.writeSuffixError(w)
		return
	case err != nil:
		s.writeInternal(w, r, err)
		return
	}

	s.logger.Info("context file updated", slog.String("file", update.File))

	s.writeJSON(w, http.StatusOK, updateFileResponse{Success: true, File: update.File, UpdatedAt: update.UpdatedAt})
}

func (s *Server) writeSuffixError(w http.ResponseWriter) {
	s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Only %s files allowed", s.sync.ContextSuffix()))
}
