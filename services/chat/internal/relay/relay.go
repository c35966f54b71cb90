package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Hanzala-Shadow/Echo/internal/util"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub"
)

// Kind is an ancillary signal type.
type Kind string

const (
	KindTypingStart Kind = "typing_start"
	KindTypingStop  Kind = "typing_stop"
	KindUserJoined  Kind = "user_joined"
	KindUserLeft    Kind = "user_left"
	KindFileStart   Kind = "file_start"
	KindFileChunk   Kind = "file_chunk"
	KindFileEnd     Kind = "file_end"
	KindFileCancel  Kind = "file_cancel"
)

// Scope selects who receives relayed signals.
type Scope string

const (
	// ScopeGroup relays to the online members of the signal's group.
	ScopeGroup Scope = "group"
	// ScopeAll relays to every online user.
	ScopeAll Scope = "all"
)

// ErrMalformedSignal marks a signal missing a required field.
var ErrMalformedSignal = errors.New("malformed signal")

// Kinds lists every signal the relay handles.
func Kinds() []Kind {
	return []Kind{
		KindTypingStart, KindTypingStop, KindUserJoined, KindUserLeft,
		KindFileStart, KindFileChunk, KindFileEnd, KindFileCancel,
	}
}

// MemberLister resolves group membership.
type MemberLister interface {
	ListGroupMemberIDs(groupID int64) ([]int64, error)
}

type Options struct {
	Scope Scope
}

// Relay forwards typing, presence-in-group and file transfer signals to
// other connected users without persisting them.
type Relay struct {
	registry  *hub.Registry
	members   MemberLister
	transfers *Transfers
	scope     Scope
}

func New(registry *hub.Registry, members MemberLister, transfers *Transfers, opts Options) *Relay {
	if opts.Scope != ScopeAll {
		opts.Scope = ScopeGroup
	}
	return &Relay{registry: registry, members: members, transfers: transfers, scope: opts.Scope}
}

// Transfers exposes the upload session tracker.
func (r *Relay) Transfers() *Transfers { return r.transfers }

// Relay forwards one inbound frame from senderID. It returns the number of
// connections the signal was queued on. Signals for finished or unknown
// uploads are logged and dropped with the matching error.
func (r *Relay) Relay(ctx context.Context, kind Kind, senderID int64, frame []byte) (int, error) {
	logger := util.LoggerFromContext(ctx).With("signal", string(kind), "sender_id", senderID)
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(frame, &fields); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}

	switch kind {
	case KindTypingStart, KindTypingStop, KindUserJoined, KindUserLeft:
		return r.relayGroupSignal(logger, kind, senderID, fields)
	case KindFileStart:
		return r.fileStart(logger, senderID, fields)
	case KindFileChunk, KindFileEnd, KindFileCancel:
		return r.fileUpdate(logger, kind, senderID, fields)
	default:
		return 0, fmt.Errorf("%w: unknown kind %q", ErrMalformedSignal, kind)
	}
}

func (r *Relay) relayGroupSignal(logger *slog.Logger, kind Kind, senderID int64, fields map[string]json.RawMessage) (int, error) {
	groupID, ok := intField(fields, "group_id", "groupId")
	if !ok || groupID <= 0 {
		return 0, fmt.Errorf("%w: %s without group", ErrMalformedSignal, kind)
	}
	recipients, err := r.recipients(groupID)
	if err != nil {
		return 0, err
	}
	set(fields, "type", kind)
	set(fields, "user_id", senderID)
	return r.send(logger, fields, recipients, senderID), nil
}

func (r *Relay) fileStart(logger *slog.Logger, senderID int64, fields map[string]json.RawMessage) (int, error) {
	groupID, ok := intField(fields, "groupId", "group_id")
	if !ok || groupID <= 0 {
		return 0, fmt.Errorf("%w: file_start without group", ErrMalformedSignal)
	}
	total, _ := intField(fields, "totalChunks")
	if total <= 0 {
		return 0, fmt.Errorf("%w: file_start without chunk count", ErrMalformedSignal)
	}
	size, _ := intField(fields, "fileSize")
	meta := FileMeta{
		FileName:    stringField(fields, "fileName"),
		FileType:    stringField(fields, "fileType"),
		FileSize:    size,
		TotalChunks: int(total),
	}

	var recipients []int64
	if r.scope == ScopeGroup {
		members, err := r.members.ListGroupMemberIDs(groupID)
		if err != nil {
			return 0, fmt.Errorf("list members of group %d: %w", groupID, err)
		}
		recipients = members
	}
	session, err := r.transfers.Start(senderID, groupID, stringField(fields, "uploadId"), meta, recipients)
	if err != nil {
		logger.Warn("dropping file_start", "upload_id", session.ID, "state", session.State.String(), "err", err)
		return 0, err
	}
	logger.Info("upload started", "upload_id", session.ID, "group_id", groupID, "file_name", meta.FileName, "total_chunks", meta.TotalChunks)
	return r.sendFileFrame(logger, KindFileStart, session, fields), nil
}

func (r *Relay) fileUpdate(logger *slog.Logger, kind Kind, senderID int64, fields map[string]json.RawMessage) (int, error) {
	ref := stringField(fields, "uploadId")
	if ref == "" {
		ref = stringField(fields, "upload_id")
	}
	if ref == "" {
		return 0, fmt.Errorf("%w: %s without upload id", ErrMalformedSignal, kind)
	}

	var (
		session Session
		err     error
	)
	switch kind {
	case KindFileChunk:
		index, ok := intField(fields, "chunkIndex")
		if !ok {
			return 0, fmt.Errorf("%w: file_chunk without index", ErrMalformedSignal)
		}
		var chunk []byte
		if raw, ok := fields["chunk"]; ok {
			if err := json.Unmarshal(raw, &chunk); err != nil {
				return 0, fmt.Errorf("%w: chunk payload: %v", ErrMalformedSignal, err)
			}
		}
		session, err = r.transfers.Chunk(senderID, ref, int(index), len(chunk))
	case KindFileEnd:
		session, err = r.transfers.End(senderID, ref)
	case KindFileCancel:
		session, err = r.transfers.Cancel(senderID, ref)
	}
	if err != nil {
		logger.Warn("dropping file signal", "upload_ref", ref, "state", session.State.String(), "err", err)
		return 0, err
	}
	if kind != KindFileChunk {
		logger.Info("upload finished", "upload_id", session.ID, "state", session.State.String(), "chunks", len(session.Chunks), "bytes", session.Received)
	}
	return r.sendFileFrame(logger, kind, session, fields), nil
}

func (r *Relay) sendFileFrame(logger *slog.Logger, kind Kind, session Session, fields map[string]json.RawMessage) int {
	set(fields, "type", kind)
	set(fields, "upload_id", session.ID)
	set(fields, "sender_id", session.SenderID)
	if _, ok := fields["groupId"]; !ok {
		set(fields, "groupId", session.GroupID)
	}
	return r.send(logger, fields, r.sessionRecipients(session), session.SenderID)
}

// recipients returns the users a group signal goes to; nil means every
// online user.
func (r *Relay) recipients(groupID int64) ([]int64, error) {
	if r.scope == ScopeAll {
		return nil, nil
	}
	members, err := r.members.ListGroupMemberIDs(groupID)
	if err != nil {
		return nil, fmt.Errorf("list members of group %d: %w", groupID, err)
	}
	return members, nil
}

func (r *Relay) sessionRecipients(s Session) []int64 {
	if r.scope == ScopeAll {
		return nil
	}
	return s.Recipients
}

// send queues the frame on every target connection except the sender's.
func (r *Relay) send(logger *slog.Logger, fields map[string]json.RawMessage, recipients []int64, senderID int64) int {
	payload, err := json.Marshal(fields)
	if err != nil {
		logger.Error("encode relay frame", "err", err)
		return 0
	}
	var conns []*hub.Conn
	if recipients == nil {
		conns = r.registry.Snapshot()
	} else {
		for _, id := range recipients {
			if conn, ok := r.registry.Get(id); ok {
				conns = append(conns, conn)
			}
		}
	}
	sent := 0
	for _, conn := range conns {
		if conn.UserID() == senderID {
			continue
		}
		if err := conn.Send(payload); err != nil {
			logger.Debug("relay recipient unreachable", "recipient_id", conn.UserID(), "err", err)
			continue
		}
		sent++
	}
	return sent
}

// SweepExpired cancels idle uploads and tells their sender and recipients.
func (r *Relay) SweepExpired(ctx context.Context) int {
	logger := util.LoggerFromContext(ctx)
	expired := r.transfers.Expire()
	for _, s := range expired {
		fields := map[string]json.RawMessage{}
		set(fields, "reason", "expired")
		if s.ClientID != "" {
			set(fields, "uploadId", s.ClientID)
		}
		set(fields, "fileName", s.Meta.FileName)
		r.sendFileFrame(logger, KindFileCancel, s, fields)
		if conn, ok := r.registry.Get(s.SenderID); ok {
			payload, err := json.Marshal(fields)
			if err == nil {
				_ = conn.Send(payload)
			}
		}
		logger.Info("upload expired", "upload_id", s.ID, "sender_id", s.SenderID, "chunks", len(s.Chunks))
	}
	return len(expired)
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (r *Relay) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepExpired(ctx)
		}
	}
}

func set(fields map[string]json.RawMessage, key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	fields[key] = raw
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// intField reads the first present key as an integer, accepting numbers and
// numeric strings.
func intField(fields map[string]json.RawMessage, keys ...string) (int64, bool) {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			return n, true
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if v, err := strconv.ParseInt(s, 10, 64); err == nil {
				return v, true
			}
		}
		return 0, false
	}
	return 0, false
}
