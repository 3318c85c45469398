package model

import "encoding/json"

// Websocket event names
const (
	EventMessageSend        = "message:send"
	EventMessageNew         = "message:new"
	EventMessageAck         = "message:ack"
	EventMessageError       = "message:error"
	EventConversationJoin   = "conversation:join"
	EventConversationJoined = "conversation:joined"
	EventConversationLeave  = "conversation:leave"
	EventConversationLeft   = "conversation:left"
)

// Frame is the envelope for every websocket message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendPayload is the data of a message:send event. Widget clients omit ConversationID.
type SendPayload struct {
	ConversationID int64  `json:"conversationId,omitempty"`
	Body           string `json:"body"`
}

// ConversationPayload is the data of the conversation:* events.
type ConversationPayload struct {
	ConversationID int64 `json:"conversationId"`
}

// NewMessagePayload is the data of a message:new event.
type NewMessagePayload struct {
	Body           string `json:"body"`
	Sender         Sender `json:"sender"`
	ConversationID int64  `json:"conversationId"`
}

// AckPayload is the data of a message:ack event.
type AckPayload struct {
	ID int64 `json:"id"`
}

// ErrorPayload is the data of a message:error event.
type ErrorPayload struct {
	Reason string `json:"reason"`
}
