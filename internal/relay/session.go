package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"validchat/internal/model"
)

// State is a session's position in its connection lifecycle.
//
// Widget sessions are Joined as soon as they open. Agent sessions are Joined
// while they are in at least one room and fall back to Authenticated when
// they leave the last one. Active covers a running send and Idle follows it;
// an agent may send to a conversation it never joined, so an agent can move
// from Authenticated straight to Active.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateActive
	StateIdle
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Conn is the outbound half of a connection.
type Conn interface {
	WriteFrame(frame model.Frame) error
	Close() error
}

// Session is one live connection bound to a single claim for its lifetime.
type Session struct {
	id    string
	ns    model.Kind
	claim model.Claim
	conn  Conn
	state atomic.Int32

	// pipeline serializes this session's sends, including persistence.
	pipeline sync.Mutex
}

func newSession(id string, ns model.Kind, claim model.Claim, conn Conn) *Session {
	return &Session{
		id:    id,
		ns:    ns,
		claim: claim,
		conn:  conn,
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Namespace returns the namespace the session authenticated into.
func (s *Session) Namespace() model.Kind { return s.ns }

// Claim returns the verified identity presented at handshake.
func (s *Session) Claim() model.Claim { return s.claim }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// transition moves the session to next. Disconnected is terminal.
func (s *Session) transition(next State) bool {
	for {
		cur := s.state.Load()
		if State(cur) == StateDisconnected {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// transitionFrom moves the session from one of from to next.
func (s *Session) transitionFrom(next State, from ...State) bool {
	for _, cur := range from {
		if s.state.CompareAndSwap(int32(cur), int32(next)) {
			return true
		}
	}
	return false
}

// Emit sends one event to this session only.
func (s *Session) Emit(event string, data any) error {
	if s.State() == StateDisconnected {
		return ErrSessionClosed
	}

	frame := model.Frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", event, err)
		}
		frame.Data = raw
	}
	return s.conn.WriteFrame(frame)
}

// emitError reports reason to this session with message:error.
func (s *Session) emitError(reason string) error {
	return s.Emit(model.EventMessageError, model.ErrorPayload{Reason: reason})
}

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second
	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Largest inbound frame accepted. Bodies between the character limit and
	// this size are rejected by validation and the session stays open.
	maxFrameBytes = 1 << 20
)

// wsConn serializes writes to a gorilla connection, which allows one writer at a time.
type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

func (c *wsConn) WriteFrame(frame model.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame)
}

func (c *wsConn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
