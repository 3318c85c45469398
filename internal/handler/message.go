package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gorilla/mux"

	"validchat/internal/model"
	"validchat/internal/store"
)

// リクエストボディサイズの上限（1MB）
const maxRequestBytes = 1 << 20

// AppendMessage handles POST /api/messages
func (h *Handler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req model.AppendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn().Err(err).Msg("append message: bad request body")
		writeError(w, http.StatusBadRequest, "Invalid")
		return
	}

	body := strings.TrimSpace(req.Body)
	if req.ConversationID <= 0 || !req.Sender.Valid() || body == "" || utf8.RuneCountInString(body) > model.MaxBodyLength {
		writeError(w, http.StatusBadRequest, "Invalid")
		return
	}

	msg, err := h.Store.AppendMessage(r.Context(), req.ConversationID, req.Sender, body)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Int64("conversation_id", req.ConversationID).Msg("append message failed")
		writeError(w, http.StatusInternalServerError, "Failed to create message")
		return
	}

	h.logger.Debug().
		Int64("message_id", msg.ID).
		Int64("conversation_id", msg.ConversationID).
		Str("sender", string(msg.Sender)).
		Msg("created message")

	writeJSON(w, http.StatusCreated, model.MessageResponse{Message: *msg})
}

// TouchConversation handles POST /api/conversations/touch
func (h *Handler) TouchConversation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req model.TouchConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConversationID <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid")
		return
	}

	// 存在しない会話は404
	if _, err := h.Store.Conversation(r.Context(), req.ConversationID); err != nil {
		h.conversationError(w, req.ConversationID, err)
		return
	}

	if err := h.Store.TouchConversation(r.Context(), req.ConversationID); err != nil {
		h.logger.Error().Err(err).Int64("conversation_id", req.ConversationID).Msg("touch conversation failed")
		writeError(w, http.StatusInternalServerError, "Failed to touch conversation")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetConversation handles GET /api/conversations/{id}
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid")
		return
	}

	convo, err := h.Store.Conversation(r.Context(), id)
	if err != nil {
		h.conversationError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, model.ConversationResponse{Conversation: *convo})
}

func (h *Handler) conversationError(w http.ResponseWriter, id int64, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	h.logger.Error().Err(err).Int64("conversation_id", id).Msg("conversation lookup failed")
	writeError(w, http.StatusInternalServerError, "Database error")
}
