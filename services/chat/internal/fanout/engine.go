package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Hanzala-Shadow/Echo/internal/util"
	"github.com/Hanzala-Shadow/Echo/pkg/domain"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 16

var (
	// ErrInvalidMessage marks inbound messages missing a sender or group.
	ErrInvalidMessage = errors.New("message missing sender or group")
	// ErrPersist marks a failed store write. The message must not be
	// acknowledged to its sender.
	ErrPersist = errors.New("persist message")
)

// Store is the persistence the engine needs.
type Store interface {
	GetUserByID(id int64) (domain.User, bool, error)
	ListGroupMemberIDs(groupID int64) ([]int64, error)
	GetMedia(id int64) (domain.Media, bool, error)
	CreateMessage(domain.Message) (domain.Message, error)
	CreateDelivery(domain.Delivery) error
	MarkDelivered(messageID, userID int64) (bool, error)
	MarkUndelivered(messageID, userID int64) error
	ListUndelivered(userID int64) ([]domain.PendingDelivery, error)
}

// Inbound is a chat message received from a client.
type Inbound struct {
	SenderID int64
	GroupID  int64
	Content  *string
	MediaID  *int64
}

// Result summarizes one fan-out.
type Result struct {
	Message    domain.Message
	Recipients int
	Delivered  int
}

// Options tunes the engine.
type Options struct {
	// Concurrency bounds the recipients handled in parallel per message.
	Concurrency int
}

// Engine persists group messages and delivers them to members, live when the
// member is connected and from the backlog when they reconnect. Every
// delivery is claimed in the store before it is pushed, so a live push and a
// backlog drain racing for the same record deliver it once.
type Engine struct {
	store       Store
	registry    *hub.Registry
	concurrency int
}

func NewEngine(store Store, registry *hub.Registry, opts Options) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	return &Engine{store: store, registry: registry, concurrency: opts.Concurrency}
}

// HandleInbound persists the message and fans it out to every group member
// other than the sender. A push failure only leaves that recipient's record
// undelivered; a store failure is returned wrapped in ErrPersist.
func (e *Engine) HandleInbound(ctx context.Context, in Inbound) (Result, error) {
	logger := util.LoggerFromContext(ctx)
	if in.SenderID <= 0 || in.GroupID <= 0 {
		logger.Warn("dropping message without sender or group", "sender_id", in.SenderID, "group_id", in.GroupID)
		return Result{}, ErrInvalidMessage
	}

	msg := domain.Message{
		SenderID: in.SenderID,
		GroupID:  in.GroupID,
		Content:  in.Content,
	}
	if in.MediaID != nil {
		media, ok, err := e.store.GetMedia(*in.MediaID)
		switch {
		case err != nil:
			return Result{}, fmt.Errorf("%w: load media %d: %v", ErrPersist, *in.MediaID, err)
		case ok:
			msg.MediaID = &media.ID
			msg.Media = &media
		default:
			logger.Warn("message references unknown media, sending without it", "media_id", *in.MediaID)
		}
	}

	saved, err := e.store.CreateMessage(msg)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPersist, err)
	}
	if saved.Media == nil {
		saved.Media = msg.Media
	}
	res := Result{Message: saved}

	members, err := e.store.ListGroupMemberIDs(saved.GroupID)
	if err != nil {
		return res, fmt.Errorf("%w: list members of group %d: %v", ErrPersist, saved.GroupID, err)
	}

	payload, err := json.Marshal(NewMessagePayload(saved, e.displayName(saved.SenderID), true))
	if err != nil {
		return res, fmt.Errorf("encode message payload: %w", err)
	}

	delivered := make(chan struct{}, len(members))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, memberID := range members {
		if memberID == saved.SenderID {
			continue
		}
		res.Recipients++
		recipient := memberID
		g.Go(func() error {
			ok, err := e.deliverLive(logger, saved.ID, recipient, payload)
			if ok {
				delivered <- struct{}{}
			}
			return err
		})
	}
	err = g.Wait()
	res.Delivered = len(delivered)
	if err != nil {
		return res, err
	}
	logger.Debug("message fanned out", "message_id", saved.ID, "group_id", saved.GroupID, "recipients", res.Recipients, "delivered", res.Delivered)
	return res, nil
}

// deliverLive records the delivery for one recipient and pushes it when the
// recipient is connected. Only the record insert can fail the fan-out.
func (e *Engine) deliverLive(logger *slog.Logger, messageID, recipientID int64, payload []byte) (bool, error) {
	if err := e.store.CreateDelivery(domain.Delivery{MessageID: messageID, UserID: recipientID}); err != nil {
		return false, fmt.Errorf("%w: delivery record for user %d: %v", ErrPersist, recipientID, err)
	}
	conn, ok := e.registry.Get(recipientID)
	if !ok || !conn.IsOpen() {
		return false, nil
	}
	claimed, err := e.store.MarkDelivered(messageID, recipientID)
	if err != nil {
		logger.Warn("claim delivery failed, leaving it queued", "message_id", messageID, "recipient_id", recipientID, "err", err)
		return false, nil
	}
	if !claimed {
		return false, nil
	}
	if err := conn.Send(payload); err != nil {
		e.release(logger, messageID, recipientID, err)
		return false, nil
	}
	return true, nil
}

// Drain pushes the user's undelivered backlog to conn in message creation
// order. A failed push leaves that record undelivered and the drain moves on.
func (e *Engine) Drain(ctx context.Context, conn *hub.Conn) (int, error) {
	logger := util.LoggerFromContext(ctx)
	pending, err := e.store.ListUndelivered(conn.UserID())
	if err != nil {
		return 0, fmt.Errorf("%w: list undelivered: %v", ErrPersist, err)
	}
	names := make(map[int64]string)
	sent := 0
	for _, p := range pending {
		msg := p.Message
		claimed, err := e.store.MarkDelivered(msg.ID, conn.UserID())
		if err != nil {
			logger.Warn("claim backlog delivery failed", "message_id", msg.ID, "err", err)
			continue
		}
		if !claimed {
			continue
		}
		name, ok := names[msg.SenderID]
		if !ok {
			name = e.displayName(msg.SenderID)
			names[msg.SenderID] = name
		}
		payload, err := json.Marshal(NewMessagePayload(msg, name, true))
		if err != nil {
			e.release(logger, msg.ID, conn.UserID(), err)
			continue
		}
		if err := conn.SendContext(ctx, payload); err != nil {
			e.release(logger, msg.ID, conn.UserID(), err)
			continue
		}
		sent++
	}
	if sent > 0 || len(pending) > 0 {
		logger.Info("backlog drained", "pending", len(pending), "sent", sent)
	}
	return sent, nil
}

func (e *Engine) release(logger *slog.Logger, messageID, recipientID int64, cause error) {
	logger.Debug("recipient unreachable, delivery stays queued", "message_id", messageID, "recipient_id", recipientID, "err", cause)
	if err := e.store.MarkUndelivered(messageID, recipientID); err != nil {
		logger.Error("release delivery claim failed", "message_id", messageID, "recipient_id", recipientID, "err", err)
	}
}

func (e *Engine) displayName(userID int64) string {
	user, ok, err := e.store.GetUserByID(userID)
	if err != nil {
		slog.Warn("resolve sender name failed", "user_id", userID, "err", err)
	}
	if !ok {
		return domain.User{}.DisplayName()
	}
	return user.DisplayName()
}
