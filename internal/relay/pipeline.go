package relay

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"validchat/internal/metrics"
	"validchat/internal/model"
	"validchat/internal/persistence"
)

// Dispatch handles one inbound frame for s. Failures are reported to s alone.
func (r *Relay) Dispatch(s *Session, frame model.Frame) {
	switch s.ns {
	case model.KindWidget:
		switch frame.Event {
		case model.EventMessageSend:
			r.handleWidgetSend(s, frame.Data)
			return
		}
	case model.KindAgent:
		switch frame.Event {
		case model.EventConversationJoin:
			r.handleJoin(s, frame.Data)
			return
		case model.EventConversationLeave:
			r.handleLeave(s, frame.Data)
			return
		case model.EventMessageSend:
			r.handleAgentSend(s, frame.Data)
			return
		}
	}
	_ = s.emitError(reasonUnsupported)
}

func (r *Relay) handleWidgetSend(s *Session, data json.RawMessage) {
	var payload model.SendPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			r.reject(s, &ValidationError{Reason: reasonBodyRequired})
			return
		}
	}

	// The conversation always comes from the signed claim, never the payload.
	body, err := validateBody(payload.Body, reasonBodyRequired)
	if err != nil {
		r.reject(s, err)
		return
	}

	r.deliver(s, s.claim.ConversationID, model.SenderVisitor, body, model.KindAgent, reasonWidgetSaveFail)
}

func (r *Relay) handleAgentSend(s *Session, data json.RawMessage) {
	var payload model.SendPayload
	if len(data) == 0 || json.Unmarshal(data, &payload) != nil || payload.ConversationID <= 0 {
		r.reject(s, &ValidationError{Reason: reasonInvalidPayload})
		return
	}

	body, err := validateBody(payload.Body, reasonInvalidPayload)
	if err != nil {
		r.reject(s, err)
		return
	}

	if err := r.authorize(s, payload.ConversationID); err != nil {
		r.reject(s, err)
		return
	}

	r.deliver(s, payload.ConversationID, model.SenderAgent, body, model.KindWidget, reasonAgentSendFail)
}

func (r *Relay) handleJoin(s *Session, data json.RawMessage) {
	var payload model.ConversationPayload
	if len(data) == 0 || json.Unmarshal(data, &payload) != nil || payload.ConversationID <= 0 {
		r.reject(s, &ValidationError{Reason: reasonInvalidJoin})
		return
	}

	if err := r.authorize(s, payload.ConversationID); err != nil {
		r.reject(s, err)
		return
	}

	if r.rooms.Join(s, payload.ConversationID) {
		r.sessionLogger(s).Debug().
			Int64("conversation_id", payload.ConversationID).
			Int("agents", r.rooms.Count(payload.ConversationID, model.KindAgent)).
			Msg("joined conversation")
	}
	s.transitionFrom(StateJoined, StateAuthenticated)
	_ = s.Emit(model.EventConversationJoined, model.ConversationPayload{ConversationID: payload.ConversationID})
}

func (r *Relay) handleLeave(s *Session, data json.RawMessage) {
	var payload model.ConversationPayload
	if len(data) == 0 || json.Unmarshal(data, &payload) != nil || payload.ConversationID <= 0 {
		r.reject(s, &ValidationError{Reason: reasonInvalidJoin})
		return
	}
	r.rooms.Leave(s, payload.ConversationID)
	// 最後のルームを抜けたら認証済みに戻す
	if r.rooms.Rooms(s) == 0 {
		s.transitionFrom(StateAuthenticated, StateJoined, StateIdle)
	}
	_ = s.Emit(model.EventConversationLeft, model.ConversationPayload{ConversationID: payload.ConversationID})
}

// validateBody trims body and checks it is non-empty and at most MaxBodyLength characters.
func validateBody(body, emptyReason string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", &ValidationError{Reason: emptyReason}
	}
	if utf8.RuneCountInString(body) > model.MaxBodyLength {
		return "", &ValidationError{Reason: reasonBodyTooLong}
	}
	return body, nil
}

// authorize checks that an agent's conversation belongs to the agent's company.
// Rooms the session already joined were checked on join.
func (r *Relay) authorize(s *Session, conversationID int64) error {
	if !r.enforceTenant || r.rooms.IsMember(s, conversationID) {
		return nil
	}

	ctx, cancel := r.persistContext()
	defer cancel()

	convo, err := r.gateway.Conversation(ctx, conversationID)
	if errors.Is(err, persistence.ErrConversationNotFound) {
		return errForbidden
	}
	if err != nil {
		return err
	}
	if convo.CompanyID != s.claim.CompanyID {
		return errForbidden
	}
	return nil
}

// reject reports err to s only. Nothing is persisted or broadcast.
func (r *Relay) reject(s *Session, err error) {
	var (
		reason string
		label  string
		verr   *ValidationError
	)
	switch {
	case errors.As(err, &verr):
		reason, label = verr.Reason, "validation"
	case errors.Is(err, errForbidden):
		reason, label = reasonConversationBad, "forbidden"
		r.sessionLogger(s).Warn().Msg("rejected access to conversation outside tenant")
	default:
		reason, label = reasonLookupFail, "persistence"
		r.sessionLogger(s).Error().Err(err).Msg("conversation lookup failed")
	}

	metrics.SendFailures.WithLabelValues(string(s.ns), label).Inc()
	_ = s.emitError(reason)
}

// deliver runs the send pipeline: persist, then broadcast to the opposite
// namespace, then acknowledge the sender. A failed write is reported to the
// sender only and never broadcast.
func (r *Relay) deliver(s *Session, conversationID int64, sender model.Sender, body string, to model.Kind, failReason string) {
	s.pipeline.Lock()
	defer s.pipeline.Unlock()

	s.transition(StateActive)
	defer s.transition(StateIdle)

	log := r.sessionLogger(s).With().Int64("conversation_id", conversationID).Logger()

	ctx, cancel := r.persistContext()
	start := time.Now()
	msg, err := r.gateway.AppendMessage(ctx, conversationID, sender, body)
	cancel()
	metrics.PersistDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error().Err(err).Msg("failed to persist message")
		metrics.SendFailures.WithLabelValues(string(s.ns), "persistence").Inc()
		_ = s.emitError(failReason)
		return
	}

	touchCtx, touchCancel := r.persistContext()
	if err := r.gateway.TouchConversation(touchCtx, conversationID); err != nil {
		log.Warn().Err(err).Msg("failed to touch conversation")
	}
	touchCancel()

	delivered := r.rooms.Broadcast(conversationID, to, model.EventMessageNew, model.NewMessagePayload{
		Body:           body,
		Sender:         sender,
		ConversationID: conversationID,
	})
	metrics.MessagesRelayed.WithLabelValues(string(sender)).Inc()

	if err := s.Emit(model.EventMessageAck, model.AckPayload{ID: msg.ID}); err != nil {
		log.Debug().Err(err).Int64("message_id", msg.ID).Msg("sender gone before ack")
	}

	log.Debug().
		Int64("message_id", msg.ID).
		Int("delivered", delivered).
		Msg("message relayed")
}
