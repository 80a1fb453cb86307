package bridge

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/benvon/dermin/internal/app"
	"github.com/benvon/dermin/internal/models"
)

type chatHandler struct {
	app *app.App
}

// OpenChatRequest names the context to bind; empty means general
type OpenChatRequest struct {
	ContextID string `json:"context_id"`
}

// SendMessageRequest is one user message
type SendMessageRequest struct {
	Content string `json:"content"`
}

// SendMessageResponse carries the reply and the updated thread
type SendMessageResponse struct {
	Reply  models.ChatMessage `json:"reply"`
	Thread models.ChatThread  `json:"thread"`
}

// RegisterRoutes registers the chat routes
func (h *chatHandler) RegisterRoutes(r *mux.Router, guard guardFunc) {
	r.Handle("/chat/open", guard(models.StepChat, h.Open)).Methods(http.MethodPost)
	r.Handle("/chat/{context}", guard(models.StepChat, h.Thread)).Methods(http.MethodGet)
	r.Handle("/chat/{context}/messages", guard(models.StepChat, h.Send)).Methods(http.MethodPost)
}

func (h *chatHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenChatRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	th, err := h.app.Chat.Open(r.Context(), req.ContextID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, th)
}

// Thread returns the thread, opening it on first use
func (h *chatHandler) Thread(w http.ResponseWriter, r *http.Request) {
	th, err := h.app.Chat.Open(r.Context(), mux.Vars(r)["context"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, th)
}

func (h *chatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	contextID := mux.Vars(r)["context"]
	reply, err := h.app.Chat.Send(r.Context(), contextID, req.Content)
	if err != nil {
		respondError(w, err)
		return
	}
	th, _ := h.app.Chat.Snapshot(contextID)
	respondJSON(w, http.StatusOK, SendMessageResponse{Reply: reply, Thread: th})
}
