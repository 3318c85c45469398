package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"validchat/internal/model"
)

// InternalKeyHeader authenticates the relay against the store API.
const InternalKeyHeader = "X-Internal-Key"

// Error body the API answers with for a missing conversation. Other 404s, such
// as an unknown route, stay plain status errors.
const conversationNotFoundMessage = "Conversation not found"

// HTTP is a Gateway that reaches the store through its request/response API.
type HTTP struct {
	baseURL     string
	internalKey string
	client      *http.Client
}

// NewHTTP creates a Gateway calling the API at baseURL. A nil client uses http.DefaultClient.
func NewHTTP(baseURL, internalKey string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: internalKey,
		client:      client,
	}
}

func (h *HTTP) AppendMessage(ctx context.Context, conversationID int64, sender model.Sender, body string) (*model.Message, error) {
	req := model.AppendMessageRequest{
		ConversationID: conversationID,
		Body:           body,
		Sender:         sender,
	}

	var resp model.MessageResponse
	if err := h.do(ctx, http.MethodPost, "/api/messages", req, http.StatusCreated, &resp); err != nil {
		return nil, &Error{Op: "append", ConversationID: conversationID, Err: err}
	}
	return &resp.Message, nil
}

func (h *HTTP) TouchConversation(ctx context.Context, conversationID int64) error {
	req := model.TouchConversationRequest{ConversationID: conversationID}
	if err := h.do(ctx, http.MethodPost, "/api/conversations/touch", req, http.StatusNoContent, nil); err != nil {
		return &Error{Op: "touch", ConversationID: conversationID, Err: err}
	}
	return nil
}

func (h *HTTP) Conversation(ctx context.Context, conversationID int64) (*model.Conversation, error) {
	var resp model.ConversationResponse
	path := "/api/conversations/" + strconv.FormatInt(conversationID, 10)
	if err := h.do(ctx, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return nil, &Error{Op: "lookup", ConversationID: conversationID, Err: err}
	}
	return &resp.Conversation, nil
}

func (h *HTTP) do(ctx context.Context, method, path string, in any, wantStatus int, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.internalKey != "" {
		req.Header.Set(InternalKeyHeader, h.internalKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		var errResp model.ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&errResp)
		if resp.StatusCode == http.StatusNotFound && errResp.Error == conversationNotFoundMessage {
			return ErrConversationNotFound
		}
		if errResp.Error != "" {
			return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
