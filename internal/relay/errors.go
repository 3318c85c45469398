package relay

import (
	"errors"
	"fmt"

	"validchat/internal/model"
)

// ErrSessionClosed is returned when emitting to a disconnected session.
var ErrSessionClosed = errors.New("session closed")

// AuthenticationError rejects a handshake: the token was missing, malformed,
// expired, or minted for the other namespace.
type AuthenticationError struct {
	Namespace model.Kind
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("Unauthorized: Invalid %s token", e.Namespace)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// ValidationError rejects a payload before anything is persisted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// errForbidden is reported when a conversation does not belong to the session's tenant.
// Unknown and foreign conversations are indistinguishable to the client.
var errForbidden = errors.New("conversation outside tenant")

// Reasons reported to clients in message:error.
const (
	reasonBodyRequired    = "Message body is required"
	reasonBodyTooLong     = "Message body must be at most 5000 characters"
	reasonInvalidPayload  = "Invalid message payload"
	reasonInvalidJoin     = "Invalid conversation"
	reasonInvalidFrame    = "Invalid frame payload"
	reasonUnsupported     = "Unsupported event"
	reasonWidgetSaveFail  = "Failed to save message"
	reasonAgentSendFail   = "Failed to send message"
	reasonLookupFail      = "Conversation lookup unavailable"
	reasonConversationBad = "Conversation not found"
)
