package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mailflow/pkg/broker"
	"mailflow/pkg/cache"
	"mailflow/pkg/config"
	"mailflow/pkg/database"
	"mailflow/pkg/eventbus"
	"mailflow/pkg/jwt"
	"mailflow/pkg/logger"
	"mailflow/pkg/messaging"
	"mailflow/pkg/middleware"
	"mailflow/pkg/notification"
	authHTTP "mailflow/services/users/internal/controller/http"
	"mailflow/services/users/internal/events"
	"mailflow/services/users/internal/repo/persistent"
	"mailflow/services/users/internal/usecase"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gorm.io/gorm"

	_ "mailflow/services/users/docs" // Swagger docs
)

const (
	authRateLimit  = 20
	authRateWindow = time.Minute
)

type App struct {
	cfg         *config.Config
	log         *logger.Logger
	db          *gorm.DB
	redisClient *redis.Client
	jwtService  *jwt.Service
	producer    *messaging.Producer[string, notification.Message]
	bus         *eventbus.Bus[notification.PublishNotificationCommand]
	httpServer  *http.Server
}

func NewApp(cfg *config.Config) (*App, error) {
	log := logger.NewWithLevel(cfg.LogLevel, cfg.AppEnv == "development").With("service", "users")

	db, err := database.NewPostgresDB(cfg)
	if err != nil {
		log.Error("Failed to connect to database: %v", err)
		return nil, err
	}

	redisClient, err := cache.NewRedisClient(cfg)
	if err != nil {
		log.Warn("Failed to connect to redis: %v (rate limiting disabled)", err)
		redisClient = nil
	}

	writer, err := broker.NewWriter(cfg, log)
	if err != nil {
		log.Error("Failed to create %s writer: %v", cfg.MessagingDriver, err)
		return nil, err
	}
	producer := messaging.NewProducer[string, notification.Message](
		writer,
		messaging.StringCodec{},
		messaging.JSONCodec[notification.Message]{},
		log,
		messaging.WithSendTimeout(cfg.PublishTimeout),
	)

	bus := eventbus.New[notification.PublishNotificationCommand]()
	bus.Subscribe(events.NewNotificationPublisher(producer, cfg.NotificationTopic, log))

	jwtService := jwt.NewService(cfg.JWTSecret,
		jwt.WithIssuer(cfg.JWTIssuer),
		jwt.WithAudience(cfg.JWTAudience),
		jwt.WithTTL(cfg.AccessTokenTTL),
	)

	return &App{
		cfg:         cfg,
		log:         log,
		db:          db,
		redisClient: redisClient,
		jwtService:  jwtService,
		producer:    producer,
		bus:         bus,
	}, nil
}

func (a *App) Run() error {
	userRepo := persistent.NewUserRepository(a.db)
	tokenRepo := persistent.NewTokenRepository(a.db)

	authUseCase := usecase.NewAuthUseCase(
		userRepo,
		tokenRepo,
		a.jwtService,
		a.bus,
		a.cfg.RefreshTokenTTL,
		a.log,
	)

	authHandler := authHTTP.NewAuthHandler(authUseCase)

	if a.cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{a.cfg.AppBaseURL},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.Group("/api/v1")
	{
		public := api.Group("")
		if a.redisClient != nil {
			public.Use(middleware.RateLimitMiddleware(a.redisClient, authRateLimit, authRateWindow))
		}
		public.POST("/register", authHandler.Register)
		public.POST("/login", authHandler.Login)
		public.POST("/token/refresh", authHandler.RefreshToken)
		public.POST("/confirm-email", authHandler.ConfirmEmail)
		public.POST("/password/forgot", authHandler.ForgotPassword)
		public.POST("/password/reset", authHandler.ResetPassword)

		protected := api.Group("")
		protected.Use(middleware.AuthMiddleware(a.jwtService))
		{
			protected.GET("/me", authHandler.Me)
		}
	}

	a.httpServer = &http.Server{
		Addr:              ":" + a.cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.log.Info("Users service starting on port %s", a.cfg.ServerPort)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Failed to start server: %v", err)
			panic(err)
		}
	}()

	return nil
}

func (a *App) Wait() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	a.log.Info("Shutting down users service...")
}

func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var shutdownErr error
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.log.Error("Server forced to shutdown: %v", err)
			shutdownErr = err
		}
	}

	// In-flight requests are done, so no more sends can start.
	if err := a.producer.Close(); err != nil {
		a.log.Error("Error closing producer: %v", err)
	}

	if sqlDB, err := a.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			a.log.Error("Error closing database: %v", err)
		}
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Error("Error closing Redis: %v", err)
		}
	}

	a.log.Info("Users service exited")
	_ = a.log.Sync()
	return shutdownErr
}
