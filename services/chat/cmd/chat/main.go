package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Hanzala-Shadow/Echo/internal/ratelimit"
	"github.com/Hanzala-Shadow/Echo/internal/servicetoken"
	"github.com/Hanzala-Shadow/Echo/internal/usertoken"
	"github.com/Hanzala-Shadow/Echo/internal/util"
	"github.com/Hanzala-Shadow/Echo/pkg/store"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/app"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/config"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/hub"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/relay"
	"github.com/Hanzala-Shadow/Echo/services/chat/internal/server"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	uploadIdle, err := config.ParseDuration("uploadIdleTimeout", cfg.UploadIdleTimeout)
	if err != nil {
		log.Fatalf("%v", err)
	}
	reconcileEvery, err := config.ParseDuration("presenceReconcileInterval", cfg.PresenceReconcileInterval)
	if err != nil {
		log.Fatalf("%v", err)
	}

	dataStore, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer closeStore()

	var (
		redisClient      *redis.Client
		revoker          store.TokenRevoker
		messageLimiter   ratelimit.Limiter
		handshakeLimiter ratelimit.Limiter
	)
	revoker = store.NewMemoryTokenRevoker()
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("failed to reach redis: %v", err)
		}
		revoker = store.NewRedisTokenRevoker(redisClient)
	}
	messageLimiter, err = newLimiter(redisClient, "echo:ratelimit:message", cfg.MessageRateLimitPerMinute)
	if err != nil {
		log.Fatalf("failed to init message rate limiter: %v", err)
	}
	handshakeLimiter, err = newLimiter(redisClient, "echo:ratelimit:handshake", cfg.HandshakeRateLimitPerMinute)
	if err != nil {
		log.Fatalf("failed to init handshake rate limiter: %v", err)
	}

	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Secret:     cfg.JWTSecret,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Revoker:    revoker,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	var internalVerifier *servicetoken.Verifier
	if cfg.InternalAuthEnabled() {
		keyMap, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
		if err != nil {
			log.Fatalf("failed to parse internal verify keys: %v", err)
		}
		internalVerifier, err = servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
			PublicKeyPath:      cfg.InternalJWTPublicKeyPath,
			VerifyPublicKeyMap: keyMap,
			Audience:           cfg.InternalJWTAudience,
			AllowedIssuers:     cfg.InternalAllowedIssuers,
		})
		if err != nil {
			log.Fatalf("failed to init internal verifier: %v", err)
		}
	} else {
		logger.Warn("internal api disabled: no internal jwt public key configured")
	}

	trustedProxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}

	core, err := app.New(app.Config{
		Store:    dataStore,
		Identity: tokenVerifier,
		Conn: hub.Options{
			SendBufferSize: cfg.SendBufferSize,
			MaxFrameBytes:  cfg.MaxFrameBytes,
		},
		PresenceWorkers:   cfg.PresenceWorkers,
		PresenceQueueSize: cfg.PresenceQueueSize,
		FanoutConcurrency: cfg.FanoutConcurrency,
		RelayScope:        relay.Scope(cfg.RelayScope),
		UploadIdleTimeout: uploadIdle,
		MessageLimiter:    messageLimiter,
		Revoker:           revoker,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := core.Start(ctx); err != nil {
		log.Fatalf("failed to start app: %v", err)
	}
	go core.RunReconciler(ctx, reconcileEvery)
	go core.Relay().RunSweeper(ctx, sweepInterval(uploadIdle))

	httpServer, err := server.New(server.Config{
		App:              core,
		InternalVerifier: internalVerifier,
		Origins:          util.NewOriginPolicy(cfg.AllowedOrigins),
		TrustedProxies:   trustedProxies,
		HandshakeLimiter: handshakeLimiter,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("chat server listening", "addr", addr, "database_driver", cfg.DatabaseDriver, "relay_scope", cfg.RelayScope)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "err", err)
	}
	if err := core.Shutdown(shutdownCtx); err != nil {
		logger.Error("realtime shutdown", "err", err)
	}
	logger.Info("chat server stopped")
}

func openStore(cfg config.FileConfig) (store.Store, func(), error) {
	switch cfg.DatabaseDriver {
	case config.DriverMemory:
		slog.Warn("using in-memory store; messages are lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	default:
		gs, err := store.NewGormStore(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return gs, func() {
			if err := gs.Close(); err != nil {
				slog.Warn("close store", "err", err)
			}
		}, nil
	}
}

// newLimiter prefers a shared Redis window and falls back to an in-process
// token bucket. A zero limit disables limiting.
func newLimiter(client *redis.Client, prefix string, perMinute int) (ratelimit.Limiter, error) {
	if perMinute <= 0 {
		return ratelimit.Unlimited{}, nil
	}
	if client != nil {
		return ratelimit.NewRedisFixedWindowLimiter(client, prefix, perMinute, time.Minute)
	}
	return ratelimit.NewTokenBucketLimiter(perMinute, time.Minute), nil
}

func sweepInterval(idle time.Duration) time.Duration {
	interval := idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
