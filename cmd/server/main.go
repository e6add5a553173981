package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/bengillihan/texttomp3/internal/cancel"
	"github.com/bengillihan/texttomp3/internal/client"
	"github.com/bengillihan/texttomp3/internal/config"
	"github.com/bengillihan/texttomp3/internal/handler"
	"github.com/bengillihan/texttomp3/internal/logger"
	"github.com/bengillihan/texttomp3/internal/middleware"
	"github.com/bengillihan/texttomp3/internal/service"
	"github.com/bengillihan/texttomp3/internal/store"
	"github.com/bengillihan/texttomp3/internal/worker"
	ws "github.com/bengillihan/texttomp3/internal/websocket"
)

// @title          Text-to-MP3 API
// @version        1.0
// @description    Backend API for asynchronous text-to-speech conversion.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Initialize(cfg.Server.LogLevel)

	// Audio storage directory must exist before anything writes to it
	if err := os.MkdirAll(cfg.Storage.AudioPath, 0o755); err != nil {
		logger.Fatalf("Failed to create audio storage directory: %v", err)
	}

	// Persistence: Postgres when configured, in-memory otherwise
	var st store.Store
	if cfg.Database.URL != "" {
		gormStore, err := store.Open(cfg.Database.URL)
		if err != nil {
			logger.Fatalf("Failed to open database: %v", err)
		}
		st = gormStore
	} else {
		logger.Warnf("DATABASE_URL not set, conversions will not survive restarts")
		st = store.NewMemoryStore()
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warnf("Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()
	enqueuer := service.NewAsynqEnqueuer(asynqClient)

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()
	go hub.Run()

	// Shared cancellation registry for the in-process worker
	registry := cancel.NewRegistry()

	// Speech synthesis client
	openaiClient := client.NewOpenAIClient(&cfg.OpenAI)
	if !openaiClient.IsConfigured() {
		logger.Warnf("OPENAI_API_KEY not set, conversions will fail until it is configured")
	}

	// Initialize services
	conversionService := service.NewConversionService(
		st, enqueuer, registry,
		cfg.Storage.AudioPath, cfg.OpenAI.Voice,
		cfg.Convert.KeepLatest, cfg.Convert.StaleAfter,
	)

	// Initialize handlers
	conversionHandler := handler.NewConversionHandler(conversionService, validate)

	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    2 * 1024 * 1024, // 2MB, text payloads only
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body} ${reqHeaders}\n"
		logger.Debugf("Debug logging enabled")
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-User-Id,X-User-Email,X-User-Name",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"openai":   openaiClient.IsConfigured(),
				"database": cfg.Database.URL != "",
				"redis":    redisClient.Ping(c.Context()).Err() == nil,
			},
		})
	})

	// API routes
	api := app.Group("/api", middleware.UserIdentity())

	conversions := api.Group("/conversions")
	conversions.Post("/", rateLimiter.ConvertLimit(cfg.RateLimit.ConvertPerHour), conversionHandler.Create)
	conversions.Get("/", conversionHandler.List)
	conversions.Get("/:id/progress", conversionHandler.Progress)
	conversions.Get("/:id/download", conversionHandler.Download)
	conversions.Post("/:id/cancel", conversionHandler.Cancel)
	conversions.Post("/:id/reset", conversionHandler.Reset)

	api.Post("/cleanup", rateLimiter.CleanupLimit(cfg.RateLimit.CleanupPerHour), conversionHandler.Cleanup)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/conversions/:id", websocket.New(func(c *websocket.Conn) {
		id := c.Params("id")
		hub.HandleConnection(c, id)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, st, openaiClient, registry, hub)

	// Recover conversions abandoned by crashed workers
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go conversionService.MonitorStale(monitorCtx, time.Minute)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Infof("Shutting down server...")
		stopMonitor()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.Errorf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	logger.Infof("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(
	cfg *config.Config,
	st store.Store,
	synth client.SpeechSynthesizer,
	registry *cancel.Registry,
	hub *ws.Hub,
) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			// Jobs run independently; each bounds its own in-flight
			// API calls via the convert.max_concurrent limiter.
			Concurrency: 10,
			Queues: map[string]int{
				"conversions": 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	conversionWorker := worker.NewConversionWorker(
		st, synth, registry, hub,
		cfg.Storage.AudioPath, cfg.Convert,
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeConversion, conversionWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		logger.Errorf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
