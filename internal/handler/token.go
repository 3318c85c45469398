package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"validchat/internal/metrics"
	"validchat/internal/model"
	"validchat/internal/relay"
	"validchat/internal/store"
)

// BootstrapWidget handles POST /api/widget/bootstrap
// 埋め込みウィジェットの初回読み込み時に会話を作り、ウィジェット用トークンを返す
func (h *Handler) BootstrapWidget(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req model.BootstrapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	apiKey := strings.TrimSpace(req.APIKey)
	if apiKey == "" {
		writeError(w, http.StatusBadRequest, "apiKey is required")
		return
	}

	ctx := r.Context()
	company, err := h.Store.CompanyByAPIKey(ctx, apiKey)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Unknown company")
		return
	}
	if err != nil {
		h.logger.Error().Err(err).Msg("company lookup failed")
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	convo, err := h.Store.CreateConversation(ctx, company.ID)
	if err != nil {
		h.logger.Error().Err(err).Int64("company_id", company.ID).Msg("create conversation failed")
		writeError(w, http.StatusInternalServerError, "Failed to create conversation")
		return
	}

	// 設置サイトの記録は失敗してもトークン発行を止めない
	if err := h.Store.RecordWidgetInstall(ctx, company.ID, req.SiteURL); err != nil {
		h.logger.Warn().Err(err).Int64("company_id", company.ID).Msg("record widget install failed")
	}

	token, err := h.Issuer.IssueWidget(company.ID, convo.ID)
	if err != nil {
		h.logger.Error().Err(err).Msg("issue widget token failed")
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	metrics.TokensIssued.WithLabelValues(string(model.KindWidget)).Inc()

	h.logger.Info().
		Int64("company_id", company.ID).
		Int64("conversation_id", convo.ID).
		Msg("widget bootstrapped")

	writeJSON(w, http.StatusOK, model.BootstrapResponse{Token: token, ConversationID: convo.ID})
}

// AgentToken handles GET /api/agent/token
// ダッシュボードのセッションCookieからソケット用のエージェントトークンを再発行する
func (h *Handler) AgentToken(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(relay.SessionCookie)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		writeError(w, http.StatusUnauthorized, "No session")
		return
	}

	claim, err := h.Verifier.VerifyKind(strings.TrimSpace(cookie.Value), model.KindAgent)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("agent session rejected")
		writeError(w, http.StatusUnauthorized, "Invalid")
		return
	}

	token, err := h.Issuer.IssueAgent(claim.AgentID, claim.CompanyID)
	if err != nil {
		h.logger.Error().Err(err).Msg("issue agent token failed")
		writeError(w, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	metrics.TokensIssued.WithLabelValues(string(model.KindAgent)).Inc()

	writeJSON(w, http.StatusOK, model.TokenResponse{Token: token})
}
