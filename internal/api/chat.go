package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/nugget/parley/internal/agent"
)

// Public reply texts for failed turns. Details stay in the logs.
const (
	ReplyServerError = "Server error."
	ReplyModelError  = "Model API error."
	ReplyBusy        = "Session busy."
)

// maxChatBody bounds the size of a chat request body.
const maxChatBody = 1 << 20

// ChatRequest is the body of POST /chat and each WebSocket text frame.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	Persona   string `json:"persona,omitempty"`
}

// ChatResponse is the reply to a ChatRequest. RoutedTo is empty when the
// turn failed. RequestID is not part of the body; HTTP responses carry
// it in the X-Request-ID header.
type ChatResponse struct {
	Reply     string `json:"reply"`
	RoutedTo  string `json:"routedTo,omitempty"`
	RequestID string `json:"-"`
}

// requestIDHeader names the turn for /v1/router/explain and the logs.
const requestIDHeader = "X-Request-ID"

// decodeChatRequest parses and validates a chat request body.
func decodeChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.NewDecoder(io.LimitReader(r, maxChatBody)).Decode(&req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message is required")
	}
	if req.SessionID == "" {
		req.SessionID = agent.DefaultSessionID
	}
	return &req, nil
}

// chat runs one turn and maps the outcome to a status code and body.
func (s *Server) chat(ctx context.Context, req *ChatRequest) (int, ChatResponse) {
	resp, err := s.loop.Run(ctx, &agent.Request{
		Message:   req.Message,
		SessionID: req.SessionID,
		Persona:   req.Persona,
	})
	switch {
	case err == nil:
		return http.StatusOK, ChatResponse{Reply: resp.Reply, RoutedTo: resp.PersonaID, RequestID: resp.RequestID}
	case errors.Is(err, agent.ErrSessionBusy):
		return http.StatusTooManyRequests, ChatResponse{Reply: ReplyBusy}
	case errors.Is(err, agent.ErrUpstream):
		s.logger.Error("model call failed", "session", req.SessionID, "error", err)
		return http.StatusInternalServerError, ChatResponse{Reply: ReplyModelError}
	default:
		s.logger.Error("chat turn failed", "session", req.SessionID, "error", err)
		return http.StatusInternalServerError, ChatResponse{Reply: ReplyServerError}
	}
}

// handleChat handles POST /chat and POST /v1/chat.
// {"message": "What is 12 * 7?", "sessionId": "abc", "persona": "tutor"}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	req, err := decodeChatRequest(r.Body)
	if err != nil {
		s.logger.Debug("rejecting chat request", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, ChatResponse{Reply: ReplyServerError}, s.logger)
		return
	}

	code, resp := s.chat(r.Context(), req)
	if resp.RequestID != "" {
		w.Header().Set(requestIDHeader, resp.RequestID)
	}
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}
