package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"mailflow/pkg/broker"
	"mailflow/pkg/cache"
	"mailflow/pkg/config"
	"mailflow/pkg/database"
	"mailflow/pkg/jwt"
	"mailflow/pkg/logger"
	"mailflow/pkg/mailer"
	"mailflow/pkg/messaging"
	"mailflow/pkg/notification"
	"mailflow/pkg/s3"
	"mailflow/pkg/sms"
	"mailflow/pkg/templates"
	notificationHTTP "mailflow/services/messages/internal/controller/http"
	"mailflow/services/messages/internal/repo/persistent"
	"mailflow/services/messages/internal/repo/pubsub"
	"mailflow/services/messages/internal/usecase"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	_ "mailflow/services/messages/docs" // Swagger docs
)

type App struct {
	cfg         *config.Config
	log         *logger.Logger
	db          *gorm.DB
	redisClient *redis.Client
	jwtService  *jwt.Service
	renderer    *templates.Renderer
	dlqWriter   messaging.Writer
	loop        *messaging.ConsumerLoop[string, notification.Message]
	httpServer  *http.Server

	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context
	fatalErr atomic.Pointer[messaging.ConnectionFatalError]
}

func NewApp(cfg *config.Config) (*App, error) {
	log := logger.NewWithLevel(cfg.LogLevel, cfg.AppEnv == "development").With("service", "messages")

	if err := cfg.Validate(); err != nil {
		log.Error("Invalid configuration: %v", err)
		return nil, err
	}

	db, err := database.NewPostgresDB(cfg)
	if err != nil {
		log.Error("Failed to connect to database: %v", err)
		return nil, err
	}

	redisClient, err := cache.NewRedisClient(cfg)
	if err != nil {
		log.Warn("Failed to connect to redis: %v (live status feed disabled)", err)
		redisClient = nil
	}

	var store templates.Store
	if cfg.S3TemplateBucket != "" {
		s3Client, err := s3.NewClient(cfg)
		if err != nil {
			log.Warn("Failed to create S3 client: %v (using embedded templates only)", err)
		} else {
			store = s3Client
		}
	}
	renderer := templates.NewRenderer(store, log)

	dlqWriter, err := broker.NewWriter(cfg, log)
	if err != nil {
		log.Error("Failed to create %s dead-letter writer: %v", cfg.MessagingDriver, err)
		return nil, err
	}

	jwtService := jwt.NewService(cfg.JWTSecret,
		jwt.WithIssuer(cfg.JWTIssuer),
		jwt.WithAudience(cfg.JWTAudience),
	)

	return &App{
		cfg:         cfg,
		log:         log,
		db:          db,
		redisClient: redisClient,
		jwtService:  jwtService,
		renderer:    renderer,
		dlqWriter:   dlqWriter,
	}, nil
}

func (a *App) Run() error {
	deliveryRepo := persistent.NewDeliveryRepository(a.db)

	var (
		statusPublisher usecase.StatusPublisher
		statusFeed      notificationHTTP.StatusFeed
	)
	if a.redisClient != nil {
		channel := pubsub.NewStatusChannel(a.redisClient, pubsub.DefaultChannel, a.log)
		statusPublisher = channel
		statusFeed = channel
	}

	recorder := usecase.NewDeliveryRecorder(deliveryRepo, statusPublisher, a.log)
	registry := usecase.NewRegistry(recorder, a.log)

	emailHandler := usecase.NewEmailHandler(a.renderer, mailer.NewSMTPSender(mailer.ConfigFrom(a.cfg)), a.cfg.AppName, a.cfg.AppBaseURL)
	registry.Register(notification.TypeEmail, notification.SubTypeConfirmEmail, emailHandler)
	registry.Register(notification.TypeEmail, notification.SubTypePasswordReset, emailHandler)
	registry.Register(notification.TypeEmail, notification.SubTypeWelcome, emailHandler)
	registry.Register(notification.TypeEmail, notification.SubTypePasswordChanged, emailHandler)

	smsHandler := usecase.NewSMSHandler(a.renderer, sms.NewClient(a.cfg), a.cfg.AppName, a.cfg.AppBaseURL)
	registry.Register(notification.TypeSMS, notification.SubTypeConfirmEmail, smsHandler)
	registry.Register(notification.TypeSMS, notification.SubTypePasswordReset, smsHandler)

	a.log.Info("Registered %d notification handlers", registry.Len())

	connector, err := broker.NewConnector(a.cfg, a.cfg.NotificationTopic, a.cfg.ConsumerGroup, a.log)
	if err != nil {
		a.log.Error("Failed to create %s connector: %v", a.cfg.MessagingDriver, err)
		return err
	}

	a.loop = messaging.NewConsumerLoop[string, notification.Message](
		broker.LoopConfig(a.cfg, a.cfg.NotificationTopic, a.cfg.ConsumerGroup),
		connector,
		messaging.StringCodec{},
		messaging.JSONCodec[notification.Message]{},
		messaging.Routes[notification.Message]{a.cfg.NotificationTopic: registry},
		a.log,
		messaging.WithDeadLetter[string, notification.Message](a.dlqWriter, a.cfg.DeadLetterTopic),
	)

	notificationHandler := notificationHTTP.NewNotificationHandler(
		usecase.NewNotificationUseCase(deliveryRepo),
		statusFeed,
		a.loop,
		a.log,
		a.cfg.AppBaseURL,
	)

	if a.cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{a.cfg.AppBaseURL},
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))

	r.GET("/health", a.health)
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.Group("/api/v1")
	notificationHandler.RegisterRoutes(api, a.jwtService)

	a.httpServer = &http.Server{
		Addr:              ":" + a.cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.group, a.groupCtx = errgroup.WithContext(ctx)

	a.group.Go(func() error {
		a.log.Info("Messages service starting on port %s", a.cfg.ServerPort)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Failed to start server: %v", err)
			return err
		}
		return nil
	})

	a.group.Go(func() error {
		err := a.loop.Run(a.groupCtx)
		var fatal *messaging.ConnectionFatalError
		if errors.As(err, &fatal) {
			a.fatalErr.Store(fatal)
			a.log.Error("[CONSUMER] Consumer loop cannot start: %v", fatal)
		}
		return err
	})

	return nil
}

func (a *App) health(c *gin.Context) {
	if fatal := a.fatalErr.Load(); fatal != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": fatal.Error()})
		return
	}
	state := "starting"
	if a.loop != nil {
		state = a.loop.State().String()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "consumer": state})
}

// Wait blocks until a termination signal arrives or a background worker stops.
func (a *App) Wait() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		a.log.Info("Shutting down messages service...")
	case <-a.groupCtx.Done():
		a.log.Error("Background worker stopped, shutting down messages service")
	}
}

// Shutdown stops the consumer after its in-flight record, then the HTTP
// server. It returns the error that stopped a worker, if any.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.cancel != nil {
		a.cancel()
	}

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.log.Error("Server forced to shutdown: %v", err)
		}
	}

	var runErr error
	if a.group != nil {
		runErr = a.group.Wait()
	}

	if err := a.dlqWriter.Close(); err != nil {
		a.log.Error("Error closing dead-letter writer: %v", err)
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

	a.log.Info("Messages service exited")
	_ = a.log.Sync()
	return runErr
}
