package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/session"
)

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	list := s.sessions.List()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":    len(list),
		"sessions": list,
	}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.loop.SessionBusy(id) {
		s.errorResponse(w, http.StatusConflict, "session has a turn in progress")
		return
	}
	if !s.sessions.Delete(id) {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	s.logger.Info("session deleted", "session", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleSessionTranscript renders a session as a standalone HTML page.
func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(r.PathValue("id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	page, err := renderTranscript(sess)
	if err != nil {
		s.logger.Error("transcript render failed", "session", sess.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(page); err != nil {
		s.logger.Debug("failed to write transcript", "error", err)
	}
}

// transcriptMarkdown lays a session out as markdown, one section per
// message. Message text is passed through as markdown; goldmark's
// default renderer omits raw HTML.
func transcriptMarkdown(sess *session.Session) string {
	var sb strings.Builder
	for _, m := range sess.Messages {
		stamp := m.Time.UTC().Format("15:04:05")
		switch {
		case m.ToolCall != nil:
			args, _ := json.Marshal(m.ToolCall.Arguments)
			fmt.Fprintf(&sb, "### Model requested a tool (%s)\n\n`%s` with `%s`\n\n", stamp, m.ToolCall.Name, args)
		case m.ToolResult != nil:
			fmt.Fprintf(&sb, "### Tool `%s` (%s)\n\n%s\n\n", m.ToolResult.Name, stamp, m.ToolResult.Content)
		case m.Role == llm.RoleUser:
			fmt.Fprintf(&sb, "### User (%s)\n\n%s\n\n", stamp, m.Text)
		default:
			fmt.Fprintf(&sb, "### Model (%s)\n\n%s\n\n", stamp, m.Text)
		}
	}
	return sb.String()
}

func renderTranscript(sess *session.Session) ([]byte, error) {
	var body bytes.Buffer
	if err := goldmark.Convert([]byte(transcriptMarkdown(sess)), &body); err != nil {
		return nil, err
	}

	title := html.EscapeString("Session " + sess.ID)
	var page bytes.Buffer
	fmt.Fprintf(&page, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
<h1>%s</h1>
%s
</body></html>
`, title, title, body.String())
	return page.Bytes(), nil
}
