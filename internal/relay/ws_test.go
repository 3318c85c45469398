package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"validchat/internal/auth"
	"validchat/internal/model"
	"validchat/internal/room"
)

const testOrigin = "http://localhost:8080"

var testSecret = []byte("relay-test-secret")

// newTestServer は /ws/widget と /ws/agent を公開するテストサーバを起動する
func newTestServer(t *testing.T, gw *fakeGateway) *httptest.Server {
	t.Helper()

	r := New(auth.NewVerifier(testSecret), gw, room.NewRegistry(zerolog.Nop()), zerolog.Nop(), Options{
		AllowedOrigins: []string{testOrigin},
		PersistTimeout: time.Second,
		EnforceTenant:  true,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/widget", r.ServeWidget)
	mux.HandleFunc("/ws/agent", r.ServeAgent)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path, token string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

func dial(t *testing.T, rawURL string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Origin") == "" {
		header.Set("Origin", testOrigin)
	}
	ws, resp, err := websocket.DefaultDialer.Dial(rawURL, header)
	if ws != nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

// readEvent は指定イベントが届くまで読み進める
func readEvent(t *testing.T, ws *websocket.Conn, event string, v any) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f model.Frame
		require.NoError(t, ws.ReadJSON(&f))
		if f.Event != event {
			continue
		}
		if v != nil {
			require.NoError(t, json.Unmarshal(f.Data, v))
		}
		return
	}
}

func sendFrame(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(model.Frame{Event: event, Data: raw}))
}

func issue(t *testing.T) *auth.Issuer {
	t.Helper()
	return auth.NewIssuer(testSecret, time.Hour, time.Hour)
}

func TestHandshake_Rejections(t *testing.T) {
	srv := newTestServer(t, newFakeGateway())
	iss := issue(t)

	widgetToken, err := iss.IssueWidget(7, 42)
	require.NoError(t, err)
	agentToken, err := iss.IssueAgent(3, 7)
	require.NoError(t, err)
	expired, err := auth.NewIssuer(testSecret, -time.Minute, -time.Minute).IssueWidget(7, 42)
	require.NoError(t, err)
	forged, err := auth.NewIssuer([]byte("other-secret"), time.Hour, time.Hour).IssueAgent(3, 7)
	require.NoError(t, err)

	tests := []struct {
		name    string
		path    string
		token   string
		wantErr string
	}{
		{"widget without token", "/ws/widget", "", "Unauthorized: Invalid widget token"},
		{"agent token on widget namespace", "/ws/widget", agentToken, "Unauthorized: Invalid widget token"},
		{"expired widget token", "/ws/widget", expired, "Unauthorized: Invalid widget token"},
		{"garbage token", "/ws/widget", "not-a-jwt", "Unauthorized: Invalid widget token"},
		{"agent without token", "/ws/agent", "", "Unauthorized: Invalid agent token"},
		{"widget token on agent namespace", "/ws/agent", widgetToken, "Unauthorized: Invalid agent token"},
		{"agent token signed with another secret", "/ws/agent", forged, "Unauthorized: Invalid agent token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := dial(t, wsURL(srv, tt.path, tt.token), nil)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			var body model.ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tt.wantErr, body.Error)
		})
	}
}

func TestHandshake_AgentCookieAndBearer(t *testing.T) {
	srv := newTestServer(t, newFakeGateway())
	agentToken, err := issue(t).IssueAgent(3, 7)
	require.NoError(t, err)

	cookie := http.Header{}
	cookie.Set("Cookie", SessionCookie+"="+agentToken)
	ws, _, err := dial(t, wsURL(srv, "/ws/agent", ""), cookie)
	require.NoError(t, err)
	ws.Close()

	bearer := http.Header{}
	bearer.Set("Authorization", "Bearer "+agentToken)
	ws, _, err = dial(t, wsURL(srv, "/ws/agent", ""), bearer)
	require.NoError(t, err)
	ws.Close()
}

func TestHandshake_WidgetIgnoresCookie(t *testing.T) {
	srv := newTestServer(t, newFakeGateway())
	widgetToken, err := issue(t).IssueWidget(7, 42)
	require.NoError(t, err)

	cookie := http.Header{}
	cookie.Set("Cookie", SessionCookie+"="+widgetToken)
	_, resp, err := dial(t, wsURL(srv, "/ws/widget", ""), cookie)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshake_ForbiddenOrigin(t *testing.T) {
	srv := newTestServer(t, newFakeGateway())
	widgetToken, err := issue(t).IssueWidget(7, 42)
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := dial(t, wsURL(srv, "/ws/widget", widgetToken), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// TestRelay_VisitorAndAgentConversation 訪問者とエージェントの往復
func TestRelay_VisitorAndAgentConversation(t *testing.T) {
	gw := newFakeGateway()
	srv := newTestServer(t, gw)
	iss := issue(t)

	widgetToken, err := iss.IssueWidget(7, 42)
	require.NoError(t, err)
	agentToken, err := iss.IssueAgent(3, 7)
	require.NoError(t, err)

	agent, _, err := dial(t, wsURL(srv, "/ws/agent", agentToken), nil)
	require.NoError(t, err)
	sendFrame(t, agent, model.EventConversationJoin, model.ConversationPayload{ConversationID: 42})
	var joined model.ConversationPayload
	readEvent(t, agent, model.EventConversationJoined, &joined)
	assert.Equal(t, int64(42), joined.ConversationID)

	widget, _, err := dial(t, wsURL(srv, "/ws/widget", widgetToken), nil)
	require.NoError(t, err)

	sendFrame(t, widget, model.EventMessageSend, map[string]string{"body": "Hello"})

	var incoming model.NewMessagePayload
	readEvent(t, agent, model.EventMessageNew, &incoming)
	assert.Equal(t, model.NewMessagePayload{Body: "Hello", Sender: model.SenderVisitor, ConversationID: 42}, incoming)

	var ack model.AckPayload
	readEvent(t, widget, model.EventMessageAck, &ack)
	assert.NotZero(t, ack.ID)

	sendFrame(t, agent, model.EventMessageSend, model.SendPayload{ConversationID: 42, Body: "Hi there"})

	readEvent(t, widget, model.EventMessageNew, &incoming)
	assert.Equal(t, model.NewMessagePayload{Body: "Hi there", Sender: model.SenderAgent, ConversationID: 42}, incoming)
	readEvent(t, agent, model.EventMessageAck, &ack)

	msgs := gw.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.SenderVisitor, msgs[0].Sender)
	assert.Equal(t, model.SenderAgent, msgs[1].Sender)
}

// TestRelay_InvalidFramesKeepSession 壊れたフレームが続いても接続は切れない
func TestRelay_InvalidFramesKeepSession(t *testing.T) {
	gw := newFakeGateway()
	srv := newTestServer(t, gw)
	widgetToken, err := issue(t).IssueWidget(7, 42)
	require.NoError(t, err)

	widget, _, err := dial(t, wsURL(srv, "/ws/widget", widgetToken), nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, widget.WriteMessage(websocket.TextMessage, []byte("{not json")))
		var payload model.ErrorPayload
		readEvent(t, widget, model.EventMessageError, &payload)
		assert.Equal(t, "Invalid frame payload", payload.Reason)
	}

	sendFrame(t, widget, model.EventMessageSend, map[string]string{"body": "still here"})
	var ack model.AckPayload
	readEvent(t, widget, model.EventMessageAck, &ack)
	assert.NotZero(t, ack.ID)
	assert.Len(t, gw.messages(), 1)
}

// TestRelay_OversizedBodyKeepsSession 上限超過の本文はエラー通知のみで接続・ルームは維持される
func TestRelay_OversizedBodyKeepsSession(t *testing.T) {
	gw := newFakeGateway()
	srv := newTestServer(t, gw)
	iss := issue(t)

	widgetToken, err := iss.IssueWidget(7, 42)
	require.NoError(t, err)
	agentToken, err := iss.IssueAgent(3, 7)
	require.NoError(t, err)

	agent, _, err := dial(t, wsURL(srv, "/ws/agent", agentToken), nil)
	require.NoError(t, err)
	sendFrame(t, agent, model.EventConversationJoin, model.ConversationPayload{ConversationID: 42})
	readEvent(t, agent, model.EventConversationJoined, nil)

	widget, _, err := dial(t, wsURL(srv, "/ws/widget", widgetToken), nil)
	require.NoError(t, err)

	sendFrame(t, widget, model.EventMessageSend, map[string]string{"body": strings.Repeat("a", 70000)})

	var payload model.ErrorPayload
	readEvent(t, widget, model.EventMessageError, &payload)
	assert.Equal(t, "Message body must be at most 5000 characters", payload.Reason)
	assert.Empty(t, gw.messages())

	// 同じソケットで次の送信が通り、エージェントにも届く
	sendFrame(t, widget, model.EventMessageSend, map[string]string{"body": "short one"})
	var ack model.AckPayload
	readEvent(t, widget, model.EventMessageAck, &ack)

	var incoming model.NewMessagePayload
	readEvent(t, agent, model.EventMessageNew, &incoming)
	assert.Equal(t, "short one", incoming.Body)
	assert.Len(t, gw.messages(), 1)
}
