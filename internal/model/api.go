package model

// AppendMessageRequest is the body of POST /api/messages.
type AppendMessageRequest struct {
	ConversationID int64  `json:"conversationId"`
	Body           string `json:"body"`
	Sender         Sender `json:"sender"`
}

// MessageResponse wraps a created message.
type MessageResponse struct {
	Message Message `json:"message"`
}

// TouchConversationRequest is the body of POST /api/conversations/touch.
type TouchConversationRequest struct {
	ConversationID int64 `json:"conversationId"`
}

// ConversationResponse wraps a conversation.
type ConversationResponse struct {
	Conversation Conversation `json:"conversation"`
}

// BootstrapRequest is the body of POST /api/widget/bootstrap.
type BootstrapRequest struct {
	APIKey  string `json:"apiKey"`
	SiteURL string `json:"siteUrl,omitempty"`
}

// BootstrapResponse carries the widget token for a new conversation.
type BootstrapResponse struct {
	Token          string `json:"token"`
	ConversationID int64  `json:"conversationId"`
}

// TokenResponse carries a freshly issued socket token.
type TokenResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
}
