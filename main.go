package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"dm-service/internal/auth"
	"dm-service/internal/bus"
	"dm-service/internal/config"
	"dm-service/internal/db"
	"dm-service/internal/delivery"
	grpcserver "dm-service/internal/grpc"
	"dm-service/internal/handlers"
	"dm-service/internal/media"
	"dm-service/internal/middleware"
	"dm-service/internal/observability"
	"dm-service/internal/presence"
	"dm-service/internal/rabbitmq"
	"dm-service/internal/repositories"
	"dm-service/internal/rooms"
	"dm-service/internal/telemetry"
	"dm-service/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Environment)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	database, err := db.Connect(cfg.DBDSN)
	if err != nil {
		log.Fatalf("failed to connect to db: %v", err)
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.Printf("event publisher mode: %s", rabbitmq.PublisherMode(publisher))
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRouting, cfg.ServiceName, cfg.Environment)

	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	userRepo := repositories.NewUserRepo(database)

	roomManager := rooms.NewManager()
	hub := ws.NewHub(roomManager)

	var broadcaster bus.Broadcaster = bus.NewLocal(hub)
	var presenceCounter presence.Counter = presence.NewLocalCounter()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		redisBus := bus.NewRedisBus(client, cfg.RedisChannel, hub)
		if err := redisBus.Subscribe(ctx); err != nil {
			log.Fatalf("failed to subscribe to redis: %v", err)
		}
		go redisBus.Run(ctx)
		broadcaster = redisBus
		// Presence is counted across every process sharing the bus.
		presenceCounter = presence.NewRedisCounter(client, cfg.RedisPresenceKey)
		log.Printf("fan-out bus: redis channel=%s presence=%s", cfg.RedisChannel, cfg.RedisPresenceKey)
	}

	coordinator := delivery.NewCoordinator(conversationRepo, messageRepo, userRepo, roomManager, broadcaster, delivery.Options{
		PersistTimeout: cfg.PersistTimeout,
	})

	var registry *presence.Registry
	registry = presence.NewSharedRegistry(presenceCounter, func(ctx context.Context, userID string, online bool) {
		coordinator.AnnouncePresence(ctx, userID, online)
		observability.SetPresenceOnline(registry.OnlineUsers(ctx))
	})

	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)

	mediaStore, err := media.NewStore(cfg.MediaDir, "/public")
	if err != nil {
		log.Fatalf("failed to prepare media dir: %v", err)
	}

	authHandler := handlers.NewAuthHandler(userRepo, tokens, audit)
	userHandler := handlers.NewUserHandler(userRepo)
	friendHandler := handlers.NewFriendHandler(userRepo, coordinator, audit)
	conversationHandler := handlers.NewConversationHandler(coordinator, audit)
	messageHandler := handlers.NewMessageHandler(coordinator, audit)
	mediaHandler := handlers.NewMediaHandler(mediaStore)
	wsHandler := ws.NewHandler(hub, roomManager, coordinator, registry, tokens, ws.HandlerOptions{
		AllowAnonymous: cfg.AllowAnonymous,
		SendBuffer:     cfg.SendBuffer,
	})

	router := gin.New()

	// middlewares
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(middleware.RequestID())

	authMiddleware := middleware.AuthMiddleware(tokens)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	public := router.Group("/public", middleware.MediaHeaders())
	public.Static("/", cfg.MediaDir)

	router.POST("/register", authHandler.Register)
	router.POST("/login", authHandler.Login)

	router.GET("/users/:userId", authMiddleware, userHandler.ListUsers)
	router.GET("/user/:userId", authMiddleware, userHandler.GetUser)

	router.POST("/friend-request", authMiddleware, friendHandler.SendRequest)
	router.POST("/friend-request/accept", authMiddleware, friendHandler.Accept)
	router.POST("/friend-request/decline", authMiddleware, friendHandler.Decline)
	router.GET("/friend-requests/:userId", authMiddleware, friendHandler.ListRequests)
	router.GET("/sent-friend-requests/:userId", authMiddleware, friendHandler.ListSentRequests)
	router.GET("/friends/:userId", authMiddleware, friendHandler.ListFriends)

	router.POST("/conversation", authMiddleware, conversationHandler.CreateConversation)
	router.GET("/conversations/:userId", authMiddleware, conversationHandler.ListConversations)

	router.GET("/messages/:conversationId", authMiddleware, messageHandler.GetMessages)
	router.POST("/messages/:conversationId", authMiddleware, messageHandler.PostMessage)
	router.DELETE("/messages/:conversationId", authMiddleware, messageHandler.DeleteMessages)
	router.PATCH("/messages/:conversationId/:messageId/read", authMiddleware, messageHandler.MarkRead)

	router.POST("/media", authMiddleware, mediaHandler.Upload)

	router.GET("/ws", wsHandler.Handle)

	handlers.RegisterDebugRoutes(router, audit, registry, roomManager, cfg.DebugRoutes)

	health := grpcserver.NewHealthServer(func(ctx context.Context) error {
		return db.Ping(ctx, database)
	}, 10*time.Second)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatalf("failed to listen on grpc port: %v", err)
	}
	go health.Watch(ctx)
	go func() {
		if err := health.Serve(lis); err != nil {
			log.Printf("grpc server stopped: %v", err)
		}
	}()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}
	go func() {
		log.Printf("dm-service listening on :%s (grpc :%s)", cfg.Port, cfg.GRPCPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	health.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
}
