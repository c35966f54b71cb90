package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Hanzala-Shadow/Echo/internal/util"
	"github.com/Hanzala-Shadow/Echo/pkg/domain"
	"github.com/Hanzala-Shadow/Echo/pkg/store"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/presence"
	"github.com/gorilla/websocket"
)

// OnConnect authenticates a freshly upgraded socket and brings the user
// online: the connection is registered (evicting any previous one), presence
// is persisted and broadcast, the caller receives the current online set,
// and the user's undelivered backlog is drained.
//
// When the credential does not resolve the socket is closed with a policy
// violation and nothing else changes. The caller must run Serve on the
// returned connection.
func (a *App) OnConnect(ctx context.Context, credential string, ws hub.Socket) (*hub.Conn, error) {
	logger := util.LoggerFromContext(ctx)
	if a.closing.Load() {
		rejectSocket(ws, websocket.CloseGoingAway, "server shutting down")
		return nil, ErrShuttingDown
	}
	userID, err := a.identity.Resolve(credential)
	if err != nil {
		logger.Warn("websocket handshake rejected", "err", err)
		rejectSocket(ws, websocket.ClosePolicyViolation, "unauthorized")
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	user, ok, err := a.store.GetUserByID(userID)
	if err != nil {
		logger.Error("load connecting user", "user_id", userID, "err", err)
		rejectSocket(ws, websocket.CloseInternalServerErr, "try again later")
		return nil, fmt.Errorf("%w: load user %d: %v", ErrStoreFailure, userID, err)
	}
	if !ok {
		logger.Warn("websocket handshake for unknown user", "user_id", userID)
		rejectSocket(ws, websocket.ClosePolicyViolation, "unauthorized")
		return nil, fmt.Errorf("%w: unknown user %d", ErrUnauthorized, userID)
	}

	conn := hub.NewConn(user.ID, ws, a.connOpts)
	logger = logger.With("conn_id", conn.ID(), "user_id", user.ID)
	ctx = util.ContextWithLogger(ctx, logger)
	a.sessions.Add(1)
	go conn.WritePump()

	unlock := a.lockUser(user.ID)
	if evicted := a.registry.Put(conn); evicted != nil {
		logger.Info("replacing existing connection", "evicted_conn_id", evicted.ID())
		evicted.Close(websocket.CloseNormalClosure, "replaced by a newer connection")
	}
	if err := a.store.SetOnlineStatus(user.ID, true); err != nil {
		logger.Error("persist online status", "err", err)
	}
	a.presence.Notify(user.ID, true)
	unlock()

	for _, id := range a.registry.UserIDs() {
		if id == user.ID {
			continue
		}
		other, ok, err := a.store.GetUserByID(id)
		if err != nil {
			logger.Warn("load online user", "online_user_id", id, "err", err)
		}
		if !ok {
			other = domain.User{ID: id}
		}
		if err := conn.SendJSON(presence.NewStatusUpdate(other, true)); err != nil {
			logger.Debug("send presence snapshot", "online_user_id", id, "err", err)
			break
		}
	}

	sent, err := a.engine.Drain(ctx, conn)
	if err != nil {
		logger.Error("drain undelivered messages", "err", err)
	}
	logger.Info("user connected", "username", user.Username, "drained", sent)
	return conn, nil
}

// Serve reads frames from conn until it closes, then runs OnDisconnect.
func (a *App) Serve(ctx context.Context, conn *hub.Conn) {
	defer a.sessions.Done()
	ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("conn_id", conn.ID(), "user_id", conn.UserID()))
	err := conn.ReadPump(func(payload []byte) {
		_ = a.HandleFrame(ctx, conn, payload)
	})
	reason := "closed"
	if err != nil && !errors.Is(err, io.EOF) {
		reason = err.Error()
	}
	a.OnDisconnect(ctx, conn, reason)
}

// OnDisconnect takes the user offline if conn is still their registered
// connection. It reports whether anything changed; repeated calls and calls
// for an evicted connection are no-ops.
func (a *App) OnDisconnect(ctx context.Context, conn *hub.Conn, reason string) bool {
	conn.Close(websocket.CloseNormalClosure, "")
	unlock := a.lockUser(conn.UserID())
	defer unlock()
	if !a.registry.RemoveIfCurrent(conn) {
		return false
	}
	logger := util.LoggerFromContext(ctx)
	if err := a.store.SetOnlineStatus(conn.UserID(), false); err != nil {
		logger.Error("persist offline status", "err", err)
	}
	a.presence.Notify(conn.UserID(), false)
	logger.Info("user disconnected", "reason", reason, "duration_ms", time.Since(conn.CreatedAt()).Milliseconds())
	return true
}

// DisconnectUser closes the user's live connection and takes them offline.
// It reports whether the user was connected.
func (a *App) DisconnectUser(ctx context.Context, userID int64) bool {
	conn, ok := a.registry.Get(userID)
	if !ok {
		return false
	}
	conn.Close(websocket.CloseNormalClosure, "disconnected by administrator")
	return a.OnDisconnect(util.ContextWithLogger(ctx, conn.Logger()), conn, "administrative disconnect")
}

// ForceOfflineStatus persists the user as offline and broadcasts it. It does
// not touch a live connection. A repeat of an already broadcast transition
// is dropped by the broadcaster.
func (a *App) ForceOfflineStatus(ctx context.Context, userID int64) error {
	unlock := a.lockUser(userID)
	defer unlock()
	if err := a.store.SetOnlineStatus(userID, false); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: set offline: %v", ErrStoreFailure, err)
	}
	a.presence.Notify(userID, false)
	util.LoggerFromContext(ctx).Info("forced user offline", "user_id", userID)
	return nil
}

// RevokeToken blocks future handshakes with token for ttl and drops the live
// session of the user it belongs to. The token is resolved before it is
// revoked; userID is zero when it no longer resolves.
func (a *App) RevokeToken(ctx context.Context, token string, ttl time.Duration) (userID int64, disconnected bool, err error) {
	if a.revoker == nil {
		return 0, false, ErrRevocationDisabled
	}
	if ttl <= 0 {
		return 0, false, fmt.Errorf("%w: non-positive ttl", ErrMalformedFrame)
	}
	resolved, resolveErr := a.identity.Resolve(token)
	if err := a.revoker.Revoke(token, ttl); err != nil {
		return 0, false, fmt.Errorf("%w: revoke token: %v", ErrStoreFailure, err)
	}
	if resolveErr != nil {
		util.LoggerFromContext(ctx).Info("revoked unresolvable token", "err", resolveErr)
		return 0, false, nil
	}
	return resolved, a.DisconnectUser(ctx, resolved), nil
}

// Reconcile makes persisted presence agree with the registry: users
// persisted as online without a live connection are flipped offline, and
// connected users persisted as offline are flipped back online. Each
// correction is broadcast. It returns how many users it fixed.
func (a *App) Reconcile(ctx context.Context) (int, error) {
	logger := util.LoggerFromContext(ctx)
	ids, err := a.store.ListOnlineUserIDs()
	if err != nil {
		return 0, fmt.Errorf("%w: list online users: %v", ErrStoreFailure, err)
	}
	persisted := make(map[int64]bool, len(ids))
	fixed := 0
	for _, id := range ids {
		persisted[id] = true
		if a.reconcileUser(logger, id, false) {
			fixed++
		}
	}
	for _, id := range a.registry.UserIDs() {
		if persisted[id] {
			continue
		}
		if a.reconcileUser(logger, id, true) {
			fixed++
		}
	}
	return fixed, nil
}

// reconcileUser sets userID to online if it is still registered (or offline
// if it is still absent) and reports whether it wrote a correction.
func (a *App) reconcileUser(logger *slog.Logger, userID int64, online bool) bool {
	unlock := a.lockUser(userID)
	defer unlock()
	if _, registered := a.registry.Get(userID); registered != online {
		return false
	}
	if err := a.store.SetOnlineStatus(userID, online); err != nil {
		logger.Warn("reconcile presence", "user_id", userID, "online", online, "err", err)
		return false
	}
	a.presence.Notify(userID, online)
	return true
}

// RunReconciler calls Reconcile every interval until ctx is done.
func (a *App) RunReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	logger := util.LoggerFromContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fixed, err := a.Reconcile(ctx)
			if err != nil {
				logger.Error("presence reconcile failed", "err", err)
				continue
			}
			if fixed > 0 {
				logger.Info("presence reconciled", "corrected", fixed)
			}
		}
	}
}

func rejectSocket(ws hub.Socket, code int, reason string) {
	deadline := time.Now().Add(hub.DefaultWriteWait)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
