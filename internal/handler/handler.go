package handler

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"validchat/internal/auth"
	"validchat/internal/config"
	"validchat/internal/metrics"
	"validchat/internal/model"
	"validchat/internal/persistence"
	"validchat/internal/relay"
	"validchat/internal/store"
)

// Handler holds application dependencies
type Handler struct {
	Store    *store.Store
	Config   config.Config
	Issuer   *auth.Issuer
	Verifier *auth.Verifier
	Relay    *relay.Relay
	logger   zerolog.Logger
}

// New creates a new Handler with the given dependencies
func New(s *store.Store, cfg config.Config, issuer *auth.Issuer, verifier *auth.Verifier, rl *relay.Relay, logger zerolog.Logger) *Handler {
	return &Handler{
		Store:    s,
		Config:   cfg,
		Issuer:   issuer,
		Verifier: verifier,
		Relay:    rl,
		logger:   logger.With().Str("component", "handler").Logger(),
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.observe)

	// 永続化ゲートウェイ用の内部API
	r.Handle("/api/messages", h.requireInternalKey(http.HandlerFunc(h.AppendMessage))).Methods("POST")
	r.Handle("/api/conversations/touch", h.requireInternalKey(http.HandlerFunc(h.TouchConversation))).Methods("POST")
	r.Handle("/api/conversations/{id:[0-9]+}", h.requireInternalKey(http.HandlerFunc(h.GetConversation))).Methods("GET")

	// トークン発行
	r.HandleFunc("/api/widget/bootstrap", h.BootstrapWidget).Methods("POST")
	r.HandleFunc("/api/agent/token", h.AgentToken).Methods("GET")

	r.HandleFunc("/healthz", h.Healthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// WebSocket
	if h.Relay != nil {
		r.HandleFunc("/ws/widget", h.Relay.ServeWidget).Methods("GET")
		r.HandleFunc("/ws/agent", h.Relay.ServeAgent).Methods("GET")
	}

	return r
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		h.logger.Error().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireInternalKey guards the store API when INTERNAL_API_KEY is set.
func (h *Handler) requireInternalKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := h.Config.InternalAPIKey
		if want != "" {
			got := r.Header.Get(persistence.InternalKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				h.logger.Warn().Str("path", r.URL.Path).Str("remote_addr", r.RemoteAddr).Msg("internal key rejected")
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// observe logs each request and records it in the HTTP metrics.
func (h *Handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		elapsed := time.Since(start)

		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("latency", elapsed).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rec.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}
