package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"conversation-service/internal/auth"
	"conversation-service/internal/config"
	"conversation-service/internal/conversation"
	"conversation-service/internal/db"
	grpcserver "conversation-service/internal/grpc"
	"conversation-service/internal/handlers"
	"conversation-service/internal/logging"
	"conversation-service/internal/middleware"
	"conversation-service/internal/models"
	"conversation-service/internal/observability"
	"conversation-service/internal/rabbitmq"
	"conversation-service/internal/realtime"
	"conversation-service/internal/repositories"
	"conversation-service/internal/telemetry"
	"conversation-service/internal/ws"
)

const auditRoutingKey = "audit.conversation"

type stores struct {
	conversations repositories.ConversationRepository
	messages      repositories.MessageRepository
	partners      repositories.PartnerDirectory
	pinger        grpcserver.Pinger
	close         func()
}

func runServe(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log.Env, cfg.Log.Level, cfg.Service.Name)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Service.Name, cfg.Service.Environment, cfg.OTel.Endpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	log.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, cfg.Service.Name, cfg.Service.Environment, log)

	registry := realtime.NewRegistry(log)
	defer registry.Close()
	presence := realtime.NewPresence(registry, st.partners, log)
	manager := conversation.NewManager(st.conversations, st.partners, presence, log)
	router := conversation.NewMessageRouter(st.conversations, st.messages, registry, log)
	typing := conversation.NewTypingRelay(registry)
	verifier := auth.NewJWTVerifier(cfg.Auth.JWTSecret)

	dispatcher := ws.NewDispatcher(manager, router, typing, presence, cfg.Realtime.OpTimeout, log)
	socket := ws.NewHandler(verifier, presence, router, dispatcher, audit, ws.Options{
		DeliverOnConnect: cfg.Realtime.DeliverOnConnect,
		RateLimit:        cfg.Realtime.RateLimit,
		RateBurst:        cfg.Realtime.RateBurst,
		SendBuffer:       cfg.Realtime.SendBuffer,
	}, log)

	engine := newEngine(cfg, log)
	api := engine.Group("/", middleware.AuthMiddleware(verifier))
	handlers.NewConversationHandler(manager, router, presence, audit).Register(api)
	engine.GET("/ws", socket.Handle)
	handlers.RegisterDebugRoutes(engine, audit, registry, cfg.Debug.Enabled)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	health := grpcserver.NewHealthServer(st.pinger, log)
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPC.Port)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go health.Watch(ctx, 15*time.Second)

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := health.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-errCh:
		log.Error().Err(err).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn().Err(shutdownErr).Msg("http shutdown")
	}
	health.Stop()
	return err
}

func newEngine(cfg *config.Config, log zerolog.Logger) *gin.Engine {
	if cfg.Log.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.RequestID(),
		otelgin.Middleware(cfg.Service.Name),
		observability.HTTPMetricsMiddleware(),
		middleware.RequestLogger(log),
	)
	engine.GET("/metrics", observability.MetricsHandler())
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return engine
}

func openStores(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*stores, error) {
	var (
		st        *stores
		directory repositories.PartnerDirectory
		upsert    func(context.Context, models.Partner) error
	)

	switch cfg.Database.Driver {
	case "memory":
		mem := repositories.NewMemoryStore()
		partners := mem.Partners()
		directory, upsert = partners, partners.UpsertPartner
		st = &stores{
			conversations: mem.Conversations(),
			messages:      mem.Messages(),
			close:         func() {},
		}
		log.Warn().Msg("using in-memory store, data is lost on restart")
	default:
		database, err := db.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect db: %w", err)
		}
		if err := db.Migrate(ctx, database, log); err != nil {
			database.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		partners := repositories.NewPartnerRepo(database)
		directory, upsert = partners, partners.UpsertPartner
		st = &stores{
			conversations: repositories.NewConversationRepo(database),
			messages:      repositories.NewMessageRepo(database),
			pinger:        database,
			close:         func() { _ = database.Close() },
		}
	}

	for _, seed := range cfg.Partners {
		partner := models.Partner{ID: seed.ID, Name: seed.Name, AvatarURL: seed.AvatarURL, Expertise: seed.Expertise}
		if err := upsert(ctx, partner); err != nil {
			st.close()
			return nil, fmt.Errorf("seed partner %s: %w", seed.ID, err)
		}
	}

	st.partners = directory
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			st.close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		cached := repositories.NewCachedPartnerDirectory(directory, client, cfg.Redis.PartnerTTL, log)
		st.partners = cached
		if len(cfg.Partners) > 0 {
			ids := make([]string, 0, len(cfg.Partners))
			for _, seed := range cfg.Partners {
				ids = append(ids, seed.ID)
			}
			// Seeds may have changed profiles cached by a previous run.
			if err := cached.Invalidate(ctx, ids...); err != nil {
				log.Warn().Err(err).Msg("partner cache invalidation failed")
			}
		}
		closeStore := st.close
		st.close = func() {
			_ = client.Close()
			closeStore()
		}
	}
	return st, nil
}
