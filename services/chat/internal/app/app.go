package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Hanzala-Shadow/Echo/internal/ratelimit"
	"github.com/Hanzala-Shadow/Echo/pkg/store"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/fanout"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/presence"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/relay"
	"github.com/gorilla/websocket"
)

// IdentityResolver maps a handshake credential to a user id.
type IdentityResolver interface {
	Resolve(token string) (int64, error)
}

// Config holds runtime configuration for the realtime core.
type Config struct {
	Store             store.Store
	Identity          IdentityResolver
	Conn              hub.Options
	PresenceWorkers   int
	PresenceQueueSize int
	FanoutConcurrency int
	RelayScope        relay.Scope
	UploadIdleTimeout time.Duration
	// MessageLimiter bounds chat messages per user. Nil means unlimited.
	MessageLimiter ratelimit.Limiter
	// Revoker backs RevokeToken. It should be the one the identity
	// resolver consults.
	Revoker store.TokenRevoker
}

// App wires the connection registry, presence broadcaster, message fan-out
// and signal relay together and owns the connection lifecycle.
type App struct {
	store    store.Store
	identity IdentityResolver
	connOpts hub.Options
	registry *hub.Registry
	presence *presence.Broadcaster
	engine   *fanout.Engine
	relay    *relay.Relay
	limiter  ratelimit.Limiter
	revoker  store.TokenRevoker
	handlers map[string]frameHandler

	// userLocks serialize the register, persist and notify steps of one
	// user's presence transitions.
	userLocks [64]sync.Mutex

	sessions sync.WaitGroup
	closing  atomic.Bool
}

// New constructs the application. Call Start before accepting connections.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Identity == nil {
		return nil, fmt.Errorf("identity resolver required")
	}
	limiter := cfg.MessageLimiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	registry := hub.NewRegistry()
	a := &App{
		store:    cfg.Store,
		identity: cfg.Identity,
		connOpts: cfg.Conn,
		registry: registry,
		presence: presence.NewBroadcaster(registry, cfg.Store, presence.Options{
			Workers:   cfg.PresenceWorkers,
			QueueSize: cfg.PresenceQueueSize,
		}),
		engine:  fanout.NewEngine(cfg.Store, registry, fanout.Options{Concurrency: cfg.FanoutConcurrency}),
		relay:   relay.New(registry, cfg.Store, relay.NewTransfers(cfg.UploadIdleTimeout), relay.Options{Scope: cfg.RelayScope}),
		limiter: limiter,
		revoker: cfg.Revoker,
	}
	a.handlers = a.frameHandlers()
	return a, nil
}

func (a *App) lockUser(userID int64) func() {
	if userID < 0 {
		userID = -userID
	}
	mu := &a.userLocks[userID%int64(len(a.userLocks))]
	mu.Lock()
	return mu.Unlock
}

// Start clears persisted presence left over from a previous run and starts
// the presence workers. No connection exists yet, so every user is offline.
func (a *App) Start(ctx context.Context) error {
	if err := a.store.ResetOnlineStatus(); err != nil {
		return fmt.Errorf("%w: reset online status: %v", ErrStoreFailure, err)
	}
	a.presence.Start()
	slog.InfoContext(ctx, "realtime core started")
	return nil
}

// Registry exposes the live connection registry.
func (a *App) Registry() *hub.Registry { return a.registry }

// Relay exposes the ancillary signal relay.
func (a *App) Relay() *relay.Relay { return a.relay }

// OnlineUserIDs lists users with a live connection, ascending.
func (a *App) OnlineUserIDs() []int64 { return a.registry.UserIDs() }

// Shutdown closes every live connection with going-away, waits for their
// sessions to finish until ctx ends, then drains the presence queue.
func (a *App) Shutdown(ctx context.Context) error {
	if !a.closing.CompareAndSwap(false, true) {
		return nil
	}
	conns := a.registry.Snapshot()
	for _, conn := range conns {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}
	done := make(chan struct{})
	go func() {
		a.sessions.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	a.presence.Stop()
	slog.Info("realtime core stopped", "closed_connections", len(conns))
	if err != nil {
		return fmt.Errorf("wait for sessions: %w", err)
	}
	return nil
}
