package model

import "time"

// MaxBodyLength is the maximum message body length in characters.
const MaxBodyLength = 5000

// Sender identifies which side of a conversation wrote a message.
type Sender string

const (
	SenderAgent   Sender = "agent"
	SenderVisitor Sender = "visitor"
)

// Valid reports whether s is a known sender tag.
func (s Sender) Valid() bool {
	return s == SenderAgent || s == SenderVisitor
}

// Message represents a persisted chat message
type Message struct {
	ID             int64     `json:"id"`
	UID            string    `json:"uid"`
	ConversationID int64     `json:"conversationId"`
	Sender         Sender    `json:"sender"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation is the persisted thread a widget visitor opens with a company.
type Conversation struct {
	ID        int64     `json:"id"`
	UID       string    `json:"uid"`
	CompanyID int64     `json:"companyId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Company is a tenant account.
type Company struct {
	ID     int64  `json:"id"`
	UID    string `json:"uid"`
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"`
	APIKey string `json:"-"`
}
