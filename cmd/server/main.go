// Package main runs the chat HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/onyxchat/backend/config"
	"github.com/onyxchat/backend/internal/auth"
	"github.com/onyxchat/backend/internal/calls"
	"github.com/onyxchat/backend/internal/contacts"
	"github.com/onyxchat/backend/internal/friendrequests"
	"github.com/onyxchat/backend/internal/keys"
	"github.com/onyxchat/backend/internal/media"
	"github.com/onyxchat/backend/internal/messages"
	"github.com/onyxchat/backend/internal/middleware"
	"github.com/onyxchat/backend/internal/observability"
	"github.com/onyxchat/backend/internal/realtime"
	"github.com/onyxchat/backend/internal/users"
	"github.com/onyxchat/backend/internal/worker"
	"github.com/onyxchat/backend/pkg/database"
	"github.com/onyxchat/backend/pkg/queue"
	"github.com/onyxchat/backend/pkg/redis"
	"github.com/onyxchat/backend/pkg/response"
	"github.com/onyxchat/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	var s3Client *storage.S3
	if cfg.AWS.Region != "" && cfg.AWS.MediaBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			MediaBucket:          cfg.AWS.MediaBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	jwtService := auth.NewJWTService(cfg.JWT.Secret,
		time.Duration(cfg.JWT.AccessTTLMinutes)*time.Minute,
		time.Duration(cfg.JWT.RefreshTTLHours)*time.Hour)

	authRepo := auth.NewRepository(pool)
	contactRepo := contacts.NewRepository(pool)
	messageRepo := messages.NewRepository(pool)
	mediaRepo := media.NewRepository(pool)
	callRepo := calls.NewRepository(pool)
	friendRepo := friendrequests.NewRepository(pool)
	keyRepo := keys.NewRepository(pool)

	// Realtime core
	registry := realtime.NewRegistry(logger, metrics)
	if rdb != nil {
		if err := realtime.AttachRedis(appCtx, registry, realtime.NewRedisPubSub(rdb, logger)); err != nil {
			logger.Fatal("redis pubsub", zap.Error(err))
		}
		realtime.AttachRedisPresence(appCtx, registry, realtime.NewRedisPresence(rdb, logger))
	}
	presence := realtime.NewPresence(authRepo, contactRepo, registry, logger)
	iceServers := realtime.ICEServers(cfg.WebRTC.ICEUrls, cfg.WebRTC.TURNUsername, cfg.WebRTC.TURNCredential)
	coordinator := realtime.NewCallCoordinator(registry, callRepo, realtime.NewCallStats(metrics),
		cfg.WebSocket.CallRingTimeout(), iceServers, logger)
	registry.SetPresenceHandler(func(userID uuid.UUID, online bool) {
		presence.Notify(userID, online)
		if !online {
			coordinator.HandleDisconnect(userID)
		}
	})
	relay := realtime.NewRelay(authRepo, messageRepo, registry, metrics, logger)
	wsServer := realtime.NewServer(registry, relay, coordinator, realtime.NewAuthenticator(jwtService), realtime.Options{
		AuthGrace:      cfg.WebSocket.AuthGrace(),
		AuthCloseDelay: cfg.WebSocket.AuthCloseDelay(),
		SendBuffer:     cfg.WebSocket.SendBuffer,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	}, metrics, logger)
	go realtime.NewHeartbeat(registry, cfg.WebSocket.HeartbeatInterval(), logger).Run(appCtx)

	// Media cleanup queue and in-process worker
	var (
		objectStore    media.ObjectStore
		mediaCleanup   media.CleanupQueue
		messageCleanup messages.CleanupQueue
	)
	if s3Client != nil {
		objectStore = s3Client
	}
	if rdb != nil {
		jobQueue := queue.NewQueue(rdb, logger)
		mediaCleanup, messageCleanup = jobQueue, jobQueue
		if s3Client != nil {
			go worker.NewMediaProcessor(jobQueue, s3Client, mediaRepo, logger).Run(appCtx)
			logger.Info("media worker started")
		}
	}

	authHandler := auth.NewHandler(authRepo, jwtService, logger)
	userHandler := users.NewHandler(authRepo, registry, logger)
	contactHandler := contacts.NewHandler(contactRepo, logger)
	friendHandler := friendrequests.NewHandler(friendRepo, authRepo, registry, logger)
	messageHandler := messages.NewHandler(messageRepo, relay, mediaRepo, messageCleanup, logger)
	mediaHandler := media.NewHandler(mediaRepo, objectStore, mediaCleanup, cfg.Media.MaxUploadBytes, logger)
	callHandler := calls.NewHandler(callRepo, coordinator, logger)
	keyHandler := keys.NewHandler(keyRepo, authRepo, logger)

	// Rate limits are shared across instances through Redis
	apiLimit, authLimit := noLimit, noLimit
	if rdb != nil {
		counter := middleware.NewRedisCounter(rdb)
		apiLimit = middleware.RateLimit(counter, "api", cfg.RateLimit.Requests, cfg.RateLimit.Window(), logger)
		authLimit = middleware.RateLimit(counter, "auth", cfg.RateLimit.AuthRequests, cfg.RateLimit.AuthWindow(), logger)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.CORS))
	router.Use(middleware.Logger(logger, metrics))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok", "online_users": registry.OnlineUsers()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket (token in header, query or first frame)
	router.GET("/ws", wsServer.ServeWs)

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/register", authLimit, authHandler.Register)
		authGroup.POST("/login", authLimit, authHandler.Login)
		authGroup.POST("/refresh", authHandler.Refresh)
		authGroup.POST("/logout", authHandler.Logout)
	}

	api := router.Group("")
	api.Use(middleware.JWT(jwtService), apiLimit)
	{
		api.GET("/auth/me", userHandler.Me)
		api.PATCH("/auth/me", userHandler.UpdateMe)

		api.GET("/users", userHandler.Search)
		api.GET("/users/:id", userHandler.Get)

		api.GET("/contacts", contactHandler.List)
		api.POST("/contacts", contactHandler.Add)
		api.POST("/contacts/sync", contactHandler.Sync)
		api.PATCH("/contacts/:id", contactHandler.Patch)
		api.DELETE("/contacts/:id", contactHandler.Delete)

		api.GET("/friend-requests", friendHandler.List)
		api.GET("/friend-requests/users", friendHandler.Users)
		api.POST("/friend-requests", friendHandler.Create)
		api.PUT("/friend-requests/:id/accept", friendHandler.Accept)
		api.PUT("/friend-requests/:id/reject", friendHandler.Reject)
		api.DELETE("/friend-requests/:id", friendHandler.Cancel)

		api.GET("/messages", messageHandler.List)
		api.GET("/messages/with/:userId", messageHandler.Conversation)
		api.GET("/messages/:id", messageHandler.Get)
		api.POST("/messages", messageHandler.Create)
		api.PUT("/messages/:id/received", messageHandler.MarkReceived)
		api.PUT("/messages/:id/read", messageHandler.MarkRead)
		api.DELETE("/messages/:id", messageHandler.Delete)

		api.POST("/media/upload", mediaHandler.Upload)
		api.GET("/media/:id/url", mediaHandler.URL)
		api.DELETE("/media/:id", mediaHandler.Delete)

		api.GET("/calls", callHandler.History)
		api.GET("/calls/stats", callHandler.Stats)
		api.GET("/calls/ice-servers", callHandler.ICEServers)
		api.GET("/calls/active", callHandler.Active)

		api.POST("/crypto/keys", keyHandler.PutBundle)
		api.GET("/crypto/keys/:userId", keyHandler.GetBundle)
		api.POST("/crypto/prekeys", keyHandler.UploadPrekeys)
		api.GET("/crypto/prekeys", keyHandler.PrekeyCount)
		api.GET("/crypto/prekeys/:userId", keyHandler.ClaimPrekey)
		api.POST("/crypto/sessions", keyHandler.PutSession)
		api.GET("/crypto/sessions/:otherUserId", keyHandler.GetSession)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appCancel()
	coordinator.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	for _, conn := range registry.Connections() {
		conn.Terminate()
	}
	logger.Info("server stopped")
}

func noLimit(c *gin.Context) { c.Next() }

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
