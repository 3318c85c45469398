package model

import "time"

// Kind is the token discriminant, which is also the namespace a token may enter.
type Kind string

const (
	KindWidget Kind = "widget"
	KindAgent  Kind = "agent"
)

// Claim is the verified identity extracted from a signed token.
// ConversationID is set for widget claims, AgentID for agent claims.
type Claim struct {
	Kind           Kind
	CompanyID      int64
	ConversationID int64
	AgentID        int64
	ExpiresAt      time.Time
}
