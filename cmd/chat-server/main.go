package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/cwrk-planet/support-chat/config"
	"github.com/cwrk-planet/support-chat/internal/events"
	"github.com/cwrk-planet/support-chat/internal/memory"
	"github.com/cwrk-planet/support-chat/internal/postgres"
	"github.com/cwrk-planet/support-chat/internal/security"
	"github.com/cwrk-planet/support-chat/internal/service"
	grpcx "github.com/cwrk-planet/support-chat/internal/transport/grpc"
	httpx "github.com/cwrk-planet/support-chat/internal/transport/http"
	"github.com/cwrk-planet/support-chat/internal/transport/ws"
	"github.com/cwrk-planet/support-chat/pkg/logger"

	"golang.org/x/sync/errgroup"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger.Init(logger.Config{
		Env:       logger.ParseEnv(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	slog.Info("starting chat-server",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("chat-server failed", "err", err)
		os.Exit(1)
	}
	slog.Info("stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- storage ---
	convRepo, msgRepo, closeStore, err := openStorage(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- event stream ---
	var pub service.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(events.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, logger.L())
		defer func() {
			if err := kp.Close(); err != nil {
				slog.Warn("kafka close", "err", err)
			}
		}()
		pub = kp
		slog.Info("kafka publisher enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	// --- auth ---
	var verifier ws.TokenVerifier
	if cfg.Auth.PublicKeyPath != "" {
		pubKey, err := security.LoadRSAPublicKeyFromPEM(cfg.Auth.PublicKeyPath)
		if err != nil {
			return fmt.Errorf("load auth public key: %w", err)
		}
		verifier = security.NewVerifier(pubKey, cfg.Auth.Issuer, cfg.Auth.Audience, cfg.Auth.ClockSkewOr(30*time.Second))
	} else {
		slog.Warn("auth.publicKeyPath is empty: trusting client-supplied identity")
	}

	// --- service ---
	chatSvc := service.NewChatService(convRepo, msgRepo, service.Options{
		MaxMessageLength: cfg.Gateway.MaxMessageLength,
		Publisher:        pub,
	})

	// --- realtime gateway ---
	gw := ws.NewGateway(ws.NewHub(), chatSvc, verifier, logger.Component("gateway"))
	wsServer := ws.NewServer(gw, ws.ServerOptions{
		PingEvery:   cfg.Gateway.PingIntervalOr(15 * time.Second),
		CheckOrigin: originChecker(cfg.HTTP.AllowedOrigins),
	})
	pollServer, err := ws.NewPollServer(gw, ws.PollOptions{
		PollTimeout: cfg.Gateway.PollTimeoutOr(25 * time.Second),
		SessionTTL:  cfg.Gateway.SessionTTLOr(60 * time.Second),
	})
	if err != nil {
		return fmt.Errorf("poll server: %w", err)
	}

	// --- HTTP ---
	router := httpx.NewRouter(httpx.Deps{
		Handler:        httpx.NewHandler(chatSvc, gw),
		Verifier:       verifier,
		WS:             wsServer.HandleWS,
		Poll:           pollServer.HandlePoll,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	httpSrv := httpx.New(httpx.Config{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeoutOr(10 * time.Second),
		IdleTimeout:     cfg.HTTP.IdleTimeoutOr(60 * time.Second),
		ShutdownTimeout: cfg.HTTP.ShutdownTimeoutOr(10 * time.Second),
	}, router)
	httpSrv.OnShutdown(gw.Shutdown)

	// --- gRPC ---
	grpcSrv := grpcx.NewServer(logger.Component("grpc"))
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	// --- run until signal ---
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		return httpSrv.Run(gctx, nil)
	})
	g.Go(func() error { return grpcSrv.Run(gctx, lis) })
	g.Go(func() error { return pollServer.Run(gctx) })

	return g.Wait()
}

func openStorage(ctx context.Context, pc config.Postgres) (service.ConversationRepository, service.MessageRepository, func(), error) {
	if pc.DSN == "" {
		slog.Warn("postgres.dsn is empty: using in-memory storage")
		store := memory.NewStore()
		return store.Conversations(), store.Messages(), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:             pc.DSN,
		MaxConns:        pc.MaxConns,
		MinConns:        pc.MinConns,
		MaxConnLifetime: pc.MaxConnLifetimeOr(time.Hour),
		ApplicationName: pc.ApplicationName,
		SlowQuery:       pc.SlowQueryOr(200 * time.Millisecond),
		Logger:          logger.Component("postgres"),
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return postgres.NewConversationRepository(pool), postgres.NewMessageRepository(pool), pool.Close, nil
}

// originChecker admits non-browser clients (no Origin header) and the configured origins.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}
