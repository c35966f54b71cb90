package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Hanzala-Shadow/Echo/internal/util"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/fanout"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/relay"
)

const kindMessage = "message"

type frameHandler func(ctx context.Context, conn *hub.Conn, kind string, payload []byte) error

type envelope struct {
	Type string `json:"type"`
}

// id accepts a JSON number or a numeric string.
type id int64

func (v *id) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", s)
		}
		*v = id(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = id(n)
	return nil
}

type messageFrame struct {
	SenderID *id     `json:"sender_id"`
	GroupID  *id     `json:"group_id"`
	Content  *string `json:"content"`
	MediaID  *id     `json:"media_id"`
}

type messageAck struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
	GroupID   int64  `json:"group_id"`
	CreatedAt string `json:"created_at"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	// MessageID is set when the message was stored but some deliveries
	// were not, so the client must not resend it.
	MessageID int64 `json:"message_id,omitempty"`
}

func (a *App) frameHandlers() map[string]frameHandler {
	handlers := map[string]frameHandler{kindMessage: a.handleMessage}
	for _, kind := range relay.Kinds() {
		handlers[string(kind)] = a.handleSignal
	}
	return handlers
}

// HandleFrame decodes one inbound frame from conn and dispatches it by type.
// Every failure is logged and returned; none of them closes the connection.
func (a *App) HandleFrame(ctx context.Context, conn *hub.Conn, payload []byte) error {
	logger := util.LoggerFromContext(ctx)
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Warn("dropping undecodable frame", "err", err, "bytes", len(payload))
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	handler, ok := a.handlers[env.Type]
	if !ok {
		logger.Warn("dropping frame of unknown type", "type", env.Type)
		return fmt.Errorf("%w: %q", ErrUnknownSignal, env.Type)
	}
	err := handler(ctx, conn, env.Type, payload)
	if err != nil {
		logger.Warn("frame not handled", "type", env.Type, "err", err)
	}
	return err
}

func (a *App) handleMessage(ctx context.Context, conn *hub.Conn, _ string, payload []byte) error {
	var f messageFrame
	if err := json.Unmarshal(payload, &f); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.SenderID == nil || f.GroupID == nil {
		return fmt.Errorf("%w: message without sender or group", ErrMalformedFrame)
	}
	if int64(*f.SenderID) != conn.UserID() {
		return fmt.Errorf("%w: sender %d does not match connection user", ErrMalformedFrame, int64(*f.SenderID))
	}
	if !a.limiter.Allow(ctx, fmt.Sprintf("message:%d", conn.UserID())) {
		_ = conn.SendJSON(errorFrame{Type: "error", Error: "too many messages"})
		return ErrRateLimited
	}

	in := fanout.Inbound{
		SenderID: int64(*f.SenderID),
		GroupID:  int64(*f.GroupID),
		Content:  f.Content,
	}
	if f.MediaID != nil {
		mediaID := int64(*f.MediaID)
		in.MediaID = &mediaID
	}
	res, err := a.engine.HandleInbound(ctx, in)
	switch {
	case errors.Is(err, fanout.ErrInvalidMessage):
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	case errors.Is(err, fanout.ErrPersist):
		frame := errorFrame{Type: "error", Error: "message not persisted"}
		if res.Message.ID != 0 {
			frame.Error = "message delivery incomplete"
			frame.MessageID = res.Message.ID
		}
		_ = conn.SendJSON(frame)
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	case err != nil:
		return err
	}
	return conn.SendJSON(messageAck{
		Type:      "message_ack",
		MessageID: res.Message.ID,
		GroupID:   res.Message.GroupID,
		CreatedAt: fanout.FormatTime(res.Message.CreatedAt),
	})
}

func (a *App) handleSignal(ctx context.Context, conn *hub.Conn, kind string, payload []byte) error {
	_, err := a.relay.Relay(ctx, relay.Kind(kind), conn.UserID(), payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, relay.ErrMalformedSignal),
		errors.Is(err, relay.ErrUnknownUpload),
		errors.Is(err, relay.ErrUploadFinished),
		errors.Is(err, relay.ErrDuplicateUpload),
		errors.Is(err, relay.ErrChunkOutOfRange):
		return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	default:
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
}
