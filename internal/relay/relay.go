// Package relay authenticates widget visitors and agents into two websocket
// namespaces and relays messages between them through per-conversation rooms.
//
// Every send is persisted before it is broadcast: a peer never observes a
// message that could still be lost to a failed write. Frames from one
// connection are handled in order by that connection's read loop, so a
// session's sends are persisted in the order they were received.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"validchat/internal/metrics"
	"validchat/internal/model"
	"validchat/internal/persistence"
	"validchat/internal/room"
)

// SessionCookie is the agent dashboard cookie accepted as a handshake fallback.
const SessionCookie = "vc_session"

// TokenVerifier validates a token and requires its discriminant to be kind.
type TokenVerifier interface {
	VerifyKind(token string, kind model.Kind) (*model.Claim, error)
}

// Options configures a Relay.
type Options struct {
	AllowedOrigins []string
	PersistTimeout time.Duration
	// EnforceTenant rejects agent joins and sends to conversations of another company.
	EnforceTenant bool
}

// Relay owns the two namespaces and routes messages between them.
type Relay struct {
	verifier       TokenVerifier
	gateway        persistence.Gateway
	rooms          *room.Registry
	logger         zerolog.Logger
	upgrader       websocket.Upgrader
	persistTimeout time.Duration
	enforceTenant  bool
}

// New creates a Relay.
func New(verifier TokenVerifier, gateway persistence.Gateway, rooms *room.Registry, logger zerolog.Logger, opts Options) *Relay {
	timeout := opts.PersistTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Relay{
		verifier:       verifier,
		gateway:        gateway,
		rooms:          rooms,
		logger:         logger.With().Str("component", "relay").Logger(),
		upgrader:       createUpgrader(opts.AllowedOrigins),
		persistTimeout: timeout,
		enforceTenant:  opts.EnforceTenant,
	}
}

// createUpgrader creates a WebSocket upgrader with the given allowed origins
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowedMap["*"] {
				return true
			}
			origin := r.Header.Get("Origin")
			return allowedMap[origin]
		},
	}
}

// Authenticate resolves the handshake token for namespace ns. Widgets present
// ?token=; agents present ?token= or fall back to the vc_session cookie.
// A bearer Authorization header is accepted in either namespace for
// non-browser clients.
func (r *Relay) Authenticate(ns model.Kind, req *http.Request) (*model.Claim, error) {
	token := strings.TrimSpace(req.URL.Query().Get("token"))
	if token == "" {
		if h := req.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	if token == "" && ns == model.KindAgent {
		if cookie, err := req.Cookie(SessionCookie); err == nil {
			token = strings.TrimSpace(cookie.Value)
		}
	}

	claim, err := r.verifier.VerifyKind(token, ns)
	if err != nil {
		return nil, &AuthenticationError{Namespace: ns, Err: err}
	}
	return claim, nil
}

// ServeWidget handles GET /ws/widget
func (r *Relay) ServeWidget(w http.ResponseWriter, req *http.Request) {
	r.serve(model.KindWidget, w, req)
}

// ServeAgent handles GET /ws/agent
func (r *Relay) ServeAgent(w http.ResponseWriter, req *http.Request) {
	r.serve(model.KindAgent, w, req)
}

func (r *Relay) serve(ns model.Kind, w http.ResponseWriter, req *http.Request) {
	claim, err := r.Authenticate(ns, req)
	if err != nil {
		metrics.HandshakeRejections.WithLabelValues(string(ns)).Inc()
		r.logger.Warn().
			Err(errors.Unwrap(err)).
			Str("namespace", string(ns)).
			Str("remote_addr", req.RemoteAddr).
			Msg("handshake rejected")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(model.ErrorResponse{Error: err.Error()})
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn().Err(err).Str("namespace", string(ns)).Msg("websocket upgrade failed")
		return
	}

	conn := newWSConn(ws)
	s := r.Open(ns, *claim, conn)
	defer r.Close(s)

	ws.SetReadLimit(maxFrameBytes)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go keepalive(conn, done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				r.sessionLogger(s).Debug().Err(err).Msg("connection lost")
			}
			return
		}

		// 壊れたフレームは送信元にだけ通知し、接続は維持する
		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			metrics.SendFailures.WithLabelValues(string(ns), "validation").Inc()
			_ = s.emitError(reasonInvalidFrame)
			continue
		}

		r.Dispatch(s, frame)
	}
}

func keepalive(conn *wsConn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}

// Open registers an authenticated connection. Widget sessions join their
// conversation's room immediately; agent sessions join rooms on request.
func (r *Relay) Open(ns model.Kind, claim model.Claim, conn Conn) *Session {
	s := newSession(uuid.NewString(), ns, claim, conn)
	s.transition(StateAuthenticated)

	if ns == model.KindWidget {
		r.rooms.Join(s, claim.ConversationID)
		s.transition(StateJoined)
	}

	metrics.SessionsActive.WithLabelValues(string(ns)).Inc()
	r.sessionLogger(s).Info().Msg("session connected")
	return s
}

// Close disconnects s and removes it from every room it joined. Persisted
// state is untouched, and an in-flight send still completes its write and
// broadcast.
func (r *Relay) Close(s *Session) {
	if !s.transition(StateDisconnected) {
		return
	}
	left := r.rooms.LeaveAll(s)
	_ = s.conn.Close()

	metrics.SessionsActive.WithLabelValues(string(s.ns)).Dec()
	r.sessionLogger(s).Info().Int("rooms_left", len(left)).Msg("session disconnected")
}

func (r *Relay) sessionLogger(s *Session) *zerolog.Logger {
	l := r.logger.With().
		Str("session_id", s.id).
		Str("namespace", string(s.ns)).
		Int64("company_id", s.claim.CompanyID).
		Logger()
	return &l
}

// persistContext bounds a gateway call. It is detached from the connection
// so a disconnect never aborts a write that is already underway.
func (r *Relay) persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.persistTimeout)
}
