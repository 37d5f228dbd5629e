package gateway

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pingline/pingline-gateway/internal/pkg/validator"
)

// dispatch routes one validated inbound event. Malformed payloads and rate
// limit rejections are answered with a scoped error event; they never
// terminate the connection.
func (g *Gateway) dispatch(conn *Conn, env *Envelope) {
	switch env.Type {
	case EventTyping:
		g.handleTyping(conn, env.Data)

	case EventStopTyping:
		g.handleStopTyping(conn, env.Data)

	case EventMarkRead:
		g.handleMarkRead(conn, env.Data)

	case EventSendMessage:
		// Message creation goes through the REST layer only. The event is
		// dropped without consuming a rate limit slot; a client library
		// still on the old flow just sees its messages never echo back.
		log.Debug().Str("user_id", conn.UserID.String()).Msg("Ignoring send_message over WebSocket")

	default:
		g.sendError(conn, EventErrMalformedPayload, "unsupported event type")
	}
}

func (g *Gateway) handleTyping(conn *Conn, data json.RawMessage) {
	var payload TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.sendError(conn, EventErrMalformedPayload, "invalid typing payload")
		return
	}
	if fieldErrors := validator.Validate(&payload); fieldErrors != nil {
		g.sendError(conn, EventErrMalformedPayload, "invalid typing payload")
		return
	}

	// Typing is a best-effort UI hint: an unparseable target is dropped
	// silently, not answered with an error event.
	target, err := uuid.Parse(payload.ReceiverID)
	if err != nil || target == uuid.Nil {
		return
	}

	if !g.limiter.Allow(conn.UserID, "typing", typingRateMax, typingRateWindow) {
		g.sendError(conn, EventErrRateLimited, "too many typing events")
		return
	}

	g.typing.Start(conn.ID, conn.UserID, target)
}

func (g *Gateway) handleStopTyping(conn *Conn, data json.RawMessage) {
	var payload TypingPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.sendError(conn, EventErrMalformedPayload, "invalid stop_typing payload")
		return
	}
	if fieldErrors := validator.Validate(&payload); fieldErrors != nil {
		g.sendError(conn, EventErrMalformedPayload, "invalid stop_typing payload")
		return
	}
	if target, err := uuid.Parse(payload.ReceiverID); err != nil || target == uuid.Nil {
		return
	}

	if !g.limiter.Allow(conn.UserID, "typing", typingRateMax, typingRateWindow) {
		g.sendError(conn, EventErrRateLimited, "too many typing events")
		return
	}

	g.typing.Stop(conn.ID)
}

func (g *Gateway) handleMarkRead(conn *Conn, data json.RawMessage) {
	var payload MarkReadPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.sendError(conn, EventErrMalformedPayload, "invalid mark_read payload")
		return
	}
	if fieldErrors := validator.Validate(&payload); fieldErrors != nil {
		g.sendError(conn, EventErrInvalidID, "sender_id is not a well-formed id")
		return
	}

	senderID, err := uuid.Parse(payload.SenderID)
	if err != nil {
		g.sendError(conn, EventErrInvalidID, "sender_id is not a well-formed id")
		return
	}

	if !g.limiter.Allow(conn.UserID, "mark_read", markReadRateMax, markReadRateWindow) {
		g.sendError(conn, EventErrRateLimited, "too many mark_read events")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	count, err := g.messages.MarkConversationRead(ctx, senderID, conn.UserID)
	if err != nil {
		// Store failures are reported, answered with a generic error to
		// the originating connection, and the connection stays open.
		log.Error().Err(err).
			Str("user_id", conn.UserID.String()).
			Str("sender_id", senderID.String()).
			Msg("Mark read failed")
		g.broadcaster.SendToConn(conn.ID, EventMarkReadError, ErrorPayload{
			Code:    EventErrInternal,
			Message: "could not mark messages as read",
		})
		return
	}

	g.broadcaster.NotifyUser(senderID, EventMessagesRead, MessagesReadPayload{
		ReadBy: conn.UserID,
		Count:  count,
	})
	g.broadcaster.SendToConn(conn.ID, EventMarkReadSuccess, MarkReadSuccessPayload{
		SenderID: senderID,
		Count:    count,
	})
}
