// Package persistence is the call boundary between the relay and the durable
// store. A Gateway either talks to the store directly or through its
// request/response HTTP API.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"validchat/internal/model"
	"validchat/internal/store"
)

// ErrConversationNotFound is the cause of an Error when the referenced
// conversation does not exist.
var ErrConversationNotFound = errors.New("conversation not found")

// Error is returned by every Gateway operation that fails: the store was
// unreachable, timed out, or rejected the write.
type Error struct {
	Op             string
	ConversationID int64
	Err            error
}

func (e *Error) Error() string {
	return fmt.Sprintf("persistence %s (conversation %d): %v", e.Op, e.ConversationID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Gateway is what the relay needs from durable storage.
type Gateway interface {
	// AppendMessage records a message and returns it with its durable id.
	AppendMessage(ctx context.Context, conversationID int64, sender model.Sender, body string) (*model.Message, error)
	// TouchConversation bumps the conversation's updated_at. Best effort.
	TouchConversation(ctx context.Context, conversationID int64) error
	// Conversation looks a conversation up for tenant checks.
	Conversation(ctx context.Context, conversationID int64) (*model.Conversation, error)
}

// MessageStore is the subset of store.Store used by Direct.
type MessageStore interface {
	AppendMessage(ctx context.Context, conversationID int64, sender model.Sender, body string) (*model.Message, error)
	TouchConversation(ctx context.Context, conversationID int64) error
	Conversation(ctx context.Context, id int64) (*model.Conversation, error)
}

// Direct is a Gateway backed by the SQL store in the same process.
type Direct struct {
	store MessageStore
}

// NewDirect creates a Gateway over s.
func NewDirect(s MessageStore) *Direct {
	return &Direct{store: s}
}

func (d *Direct) AppendMessage(ctx context.Context, conversationID int64, sender model.Sender, body string) (*model.Message, error) {
	msg, err := d.store.AppendMessage(ctx, conversationID, sender, body)
	if err != nil {
		return nil, wrap("append", conversationID, err)
	}
	return msg, nil
}

func (d *Direct) TouchConversation(ctx context.Context, conversationID int64) error {
	if err := d.store.TouchConversation(ctx, conversationID); err != nil {
		return wrap("touch", conversationID, err)
	}
	return nil
}

func (d *Direct) Conversation(ctx context.Context, conversationID int64) (*model.Conversation, error) {
	convo, err := d.store.Conversation(ctx, conversationID)
	if err != nil {
		return nil, wrap("lookup", conversationID, err)
	}
	return convo, nil
}

func wrap(op string, conversationID int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		err = ErrConversationNotFound
	}
	return &Error{Op: op, ConversationID: conversationID, Err: err}
}
