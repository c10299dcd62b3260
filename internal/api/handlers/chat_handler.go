package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/equitylens/equitylens/internal/core"
	"github.com/equitylens/equitylens/internal/models"
	"github.com/equitylens/equitylens/internal/services"
)

type ChatHandler struct {
	chat *services.ChatService
}

func NewChatHandler(chat *services.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

type createSessionRequest struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
}

func (h *ChatHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocumentID == "" {
		writeError(w, http.StatusBadRequest, "document_id is required")
		return
	}

	session, err := h.chat.CreateSession(r.Context(), userID, req.DocumentID, req.Title)
	if err != nil {
		if errors.Is(err, core.ErrDocumentNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *ChatHandler) ListDocumentSessions(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "document_id")
	sessions, err := h.chat.ListSessionsByDocument(r.Context(), documentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []models.ChatSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *ChatHandler) GetSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	session, err := h.chat.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	messages, err := h.chat.ListSessionMessages(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  session,
		"messages": messages,
	})
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg, err := h.chat.SendMessage(r.Context(), sessionID, req.Content)
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// StreamMessage answers over server-sent events. Each answer fragment
// arrives as a "delta" event; the final persisted message, citations
// included, closes the stream as a "done" event.
func (h *ChatHandler) StreamMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	deltas := make(chan string, 8)
	type result struct {
		msg *models.ChatMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := h.chat.StreamMessage(r.Context(), sessionID, req.Content, deltas)
		done <- result{msg: msg, err: err}
	}()

	for delta := range deltas {
		sendEvent(w, flusher, "delta", map[string]string{"text": delta})
	}

	res := <-done
	if res.err != nil {
		log.Printf("streaming chat for session %s failed: %v", sessionID, res.err)
		sendEvent(w, flusher, "error", map[string]string{"error": res.err.Error()})
		return
	}
	sendEvent(w, flusher, "done", res.msg)
}

type quickChatRequest struct {
	DocumentIDs []string `json:"document_ids"`
	Query       string   `json:"query"`
}

// QuickChat answers a one-off question over one or more documents
// without creating a session; nothing is persisted.
func (h *ChatHandler) QuickChat(w http.ResponseWriter, r *http.Request) {
	var req quickChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" || len(req.DocumentIDs) == 0 {
		writeError(w, http.StatusBadRequest, "document_ids and query are required")
		return
	}

	answer, citations, err := h.chat.Answer(r.Context(), req.Query, req.DocumentIDs, nil)
	if err != nil {
		writeChatError(w, err)
		return
	}
	if citations == nil {
		citations = []models.Citation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"answer":    answer,
		"citations": citations,
	})
}

func sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, core.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, core.ErrNoChunksAvailable):
		writeError(w, http.StatusConflict, "document has no searchable content")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
