package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"

	"convodesk/internal/config"
	"convodesk/internal/handlers"
	"convodesk/internal/middleware"
	"convodesk/internal/models"
	"convodesk/internal/observability"
	"convodesk/internal/services"
	"convodesk/pkg/webhook"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the convodesk server",
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) {
	cfg := config.Load()

	if err := config.InitLogger(cfg); err != nil {
		logrus.Fatalf("Failed to initialize logger: %v", err)
	}
	appLogger := logrus.StandardLogger()

	if shutdown, err := observability.SetupTracing(context.Background(), cfg); err == nil {
		defer func() { _ = shutdown(context.Background()) }()
	} else {
		appLogger.Warnf("init tracing: %v", err)
	}

	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.Port, cfg.Database.SSLMode,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
	if err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}
	if cfg.Monitoring.Tracing.Enabled {
		_ = db.Use(gormtracing.NewPlugin())
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&models.Contact{}, &models.Queue{}, &models.Agent{}, &models.AgentQueue{},
		&models.Tag{}, &models.TicketTag{}, &models.Ticket{}, &models.Message{},
		&models.SatisfactionSurvey{}, &models.AutomationRule{}, &models.AutomationLog{},
	); err != nil {
		appLogger.Fatalf("Failed to migrate database: %v", err)
	}

	// Service wiring
	agentService := services.NewAgentService(db, appLogger)
	satisfactionService := services.NewSatisfactionService(db, appLogger)
	satisfactionService.SetDispatchTimeout(cfg.Automation.Survey.DispatchTimeout)

	webhookClient := webhook.NewClient(&webhook.Config{
		DefaultTimeout: cfg.Automation.Webhook.DefaultTimeout,
		MaxBodyBytes:   cfg.Automation.Webhook.MaxBodyBytes,
		UserAgent:      cfg.Automation.Webhook.UserAgent,
	}, appLogger)

	ticketService := services.NewTicketService(db, appLogger)
	executor := services.NewActionExecutor(db, appLogger, agentService, satisfactionService, webhookClient)
	engine := services.NewAutomationService(db, appLogger, ticketService, executor)
	engine.SetMaxLogLimit(cfg.Automation.MaxLogLimit)
	if loc, err := time.LoadLocation(cfg.Automation.DefaultTimezone); err == nil {
		engine.SetLocation(loc)
	} else {
		appLogger.Warnf("invalid default timezone %q, using UTC", cfg.Automation.DefaultTimezone)
	}

	feedHub := services.NewFeedHub()
	engine.SetFeed(feedHub)
	go feedHub.Run()

	dispatcher := services.NewAutomationDispatcher(engine, appLogger)
	ticketService.SetDispatcher(dispatcher)

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, appLogger, engine, ticketService, satisfactionService, feedHub)

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		appLogger.Infof("Starting server on %s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		appLogger.Errorf("Server forced to shutdown: %v", err)
	}

	appLogger.Info("Server exited")
}

func setupRouter(
	cfg *config.Config,
	appLogger *logrus.Logger,
	engine *services.AutomationService,
	ticketService *services.TicketService,
	satisfactionService *services.SatisfactionService,
	feedHub *services.FeedHub,
) *gin.Engine {
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddlewareWithConfig(cfg))
	router.Use(middleware.RateLimitMiddleware(cfg))
	router.Use(otelgin.Middleware("convodesk"))

	healthHandler := handlers.NewHealthHandler()
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	api := router.Group("/api/v1")
	{
		handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(engine, appLogger))
		handlers.RegisterTicketRoutes(api, handlers.NewTicketHandler(ticketService, appLogger))
		handlers.RegisterSurveyRoutes(api, handlers.NewSurveyHandler(satisfactionService))

		feedHandler := handlers.NewFeedHandler(feedHub)
		api.GET("/ws", feedHandler.HandleWebSocket)
		api.GET("/ws/stats", feedHandler.GetStats)
	}

	return router
}

func corsMiddlewareWithConfig(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origins := "*"
		methods := "GET, POST, PUT, PATCH, DELETE, OPTIONS"
		headers := "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With"
		if cfg != nil && cfg.Security.CORS.Enabled {
			if len(cfg.Security.CORS.AllowedOrigins) > 0 {
				origins = strings.Join(cfg.Security.CORS.AllowedOrigins, ", ")
			}
			if len(cfg.Security.CORS.AllowedMethods) > 0 {
				methods = strings.Join(cfg.Security.CORS.AllowedMethods, ", ")
			}
			if len(cfg.Security.CORS.AllowedHeaders) > 0 {
				headers = strings.Join(cfg.Security.CORS.AllowedHeaders, ", ")
			}
		}
		c.Header("Access-Control-Allow-Origin", origins)
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Allow-Headers", headers)
		c.Header("Access-Control-Allow-Methods", methods)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
