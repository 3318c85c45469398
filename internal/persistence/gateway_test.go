package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"validchat/internal/database"
	"validchat/internal/model"
	"validchat/internal/store"
)

func newDirect(t *testing.T) (*Direct, *store.Store) {
	t.Helper()

	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := store.New(db)
	return NewDirect(s), s
}

func TestDirect_AppendAndTouch(t *testing.T) {
	gw, s := newDirect(t)
	ctx := context.Background()

	company, err := s.CreateCompany(ctx, "Acme", "")
	require.NoError(t, err)
	convo, err := s.CreateConversation(ctx, company.ID)
	require.NoError(t, err)

	msg, err := gw.AppendMessage(ctx, convo.ID, model.SenderVisitor, "Hello")
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, "Hello", msg.Body)

	assert.NoError(t, gw.TouchConversation(ctx, convo.ID))

	got, err := gw.Conversation(ctx, convo.ID)
	require.NoError(t, err)
	assert.Equal(t, company.ID, got.CompanyID)
}

func TestDirect_UnknownConversation(t *testing.T) {
	gw, _ := newDirect(t)

	_, err := gw.AppendMessage(context.Background(), 404, model.SenderAgent, "Hi")
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "append", perr.Op)
	assert.Equal(t, int64(404), perr.ConversationID)
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = gw.Conversation(context.Background(), 404)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

type failingStore struct{ err error }

func (f failingStore) AppendMessage(context.Context, int64, model.Sender, string) (*model.Message, error) {
	return nil, f.err
}
func (f failingStore) TouchConversation(context.Context, int64) error { return f.err }
func (f failingStore) Conversation(context.Context, int64) (*model.Conversation, error) {
	return nil, f.err
}

func TestDirect_WrapsStoreFailures(t *testing.T) {
	cause := errors.New("connection refused")
	gw := NewDirect(failingStore{err: cause})

	_, err := gw.AppendMessage(context.Background(), 1, model.SenderAgent, "Hi")
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, cause)

	err = gw.TouchConversation(context.Background(), 1)
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "touch", perr.Op)
}

func TestHTTP_AppendMessage(t *testing.T) {
	var got model.AppendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "internal", r.Header.Get(InternalKeyHeader))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(model.MessageResponse{Message: model.Message{
			ID:             11,
			ConversationID: got.ConversationID,
			Sender:         got.Sender,
			Body:           got.Body,
		}})
	}))
	defer srv.Close()

	gw := NewHTTP(srv.URL+"/", "internal", nil)
	msg, err := gw.AppendMessage(context.Background(), 42, model.SenderVisitor, "Hello")
	require.NoError(t, err)

	assert.Equal(t, int64(11), msg.ID)
	assert.Equal(t, model.AppendMessageRequest{ConversationID: 42, Body: "Hello", Sender: model.SenderVisitor}, got)
}

func TestHTTP_StatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		notFound bool
	}{
		{"conversation not found", http.StatusNotFound, `{"error":"Conversation not found"}`, true},
		{"unknown route", http.StatusNotFound, "404 page not found\n", false},
		{"other not found error", http.StatusNotFound, `{"error":"Message not found"}`, false},
		{"bad request", http.StatusBadRequest, `{"error":"Invalid"}`, false},
		{"server error", http.StatusInternalServerError, `{"error":"Failed to create message"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			gw := NewHTTP(srv.URL, "", nil)
			_, err := gw.AppendMessage(context.Background(), 42, model.SenderAgent, "Hi")

			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.notFound, errors.Is(err, ErrConversationNotFound))
		})
	}
}

func TestHTTP_UnknownRouteIsNotConversationMissing(t *testing.T) {
	// ベースURLの誤設定は会話の不在ではなく設定エラーとして見える
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	gw := NewHTTP(srv.URL+"/wrong-prefix", "", nil)
	_, err := gw.Conversation(context.Background(), 42)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConversationNotFound)
	assert.Contains(t, err.Error(), "status 404")
}

func TestHTTP_TouchAndLookup(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/conversations/touch", func(w http.ResponseWriter, r *http.Request) {
		var req model.TouchConversationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(42), req.ConversationID)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/conversations/42", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(model.ConversationResponse{Conversation: model.Conversation{ID: 42, CompanyID: 7}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gw := NewHTTP(srv.URL, "", nil)
	require.NoError(t, gw.TouchConversation(context.Background(), 42))

	convo, err := gw.Conversation(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(7), convo.CompanyID)
}

func TestHTTP_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	gw := NewHTTP(srv.URL, "", nil)
	_, err := gw.AppendMessage(ctx, 42, model.SenderAgent, "Hi")

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
