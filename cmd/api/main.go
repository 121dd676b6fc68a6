package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/finsight/backend/internal/api/handlers"
	"github.com/finsight/backend/internal/cache/redis"
	"github.com/finsight/backend/internal/chunker"
	"github.com/finsight/backend/internal/embedding"
	"github.com/finsight/backend/internal/extractor"
	"github.com/finsight/backend/internal/ingestion"
	"github.com/finsight/backend/internal/llm"
	"github.com/finsight/backend/internal/metrics"
	"github.com/finsight/backend/internal/middleware/ratelimit"
	"github.com/finsight/backend/internal/middleware/security"
	"github.com/finsight/backend/internal/middleware/validation"
	"github.com/finsight/backend/internal/report"
	"github.com/finsight/backend/internal/research"
	"github.com/finsight/backend/internal/retriever"
	"github.com/finsight/backend/internal/storage/sqlite"
	"github.com/finsight/backend/internal/synthesizer"
	"github.com/finsight/backend/internal/vector/milvus"
	"github.com/finsight/backend/pkg/config"
	appLogger "github.com/finsight/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting FinSight API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	redisClient, err := redis.NewClient(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		time.Duration(cfg.Redis.TTLHours)*time.Hour,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.CollectionName,
		cfg.Milvus.Namespace,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err := milvusClient.EnsureCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	llmClient := llm.NewClient(llm.Options{
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		TimeoutSec:     cfg.LLM.TimeoutSec,
		MaxAttempts:    cfg.LLM.MaxAttempts,
		BatchSize:      cfg.LLM.BatchSize,
	})

	embedder := embedding.New(llmClient, redisClient, cfg.LLM.EmbeddingDim)
	textChunker := chunker.New(cfg.Chunking.Size, cfg.Chunking.Overlap, cfg.Chunking.Tolerance)

	processor := ingestion.NewProcessor(sqliteClient, milvusClient, embedder, textChunker, cfg.Ingestion.Workers)
	ret := retriever.New(
		embedder,
		milvusClient,
		cfg.Retrieval.Synonyms,
		time.Duration(cfg.Retrieval.DedupWindowMins)*time.Minute,
		cfg.Retrieval.TopK,
	)
	synth := synthesizer.New(llmClient, cfg.Synthesis.ContextTokenBudget, cfg.Synthesis.TokenizerModel)
	ext := extractor.New(redisClient, extractor.Options{
		Version:           cfg.Extractor.Version,
		MetricWindowWords: cfg.Extractor.MetricWindowWords,
	})
	reports := report.NewOrchestrator(ret, synth)

	service := research.NewService(processor, ret, synth, ext, reports, sqliteClient).
		WithAnswerCache(redisClient, time.Duration(cfg.Redis.TTLHours)*time.Hour)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	limiter := ratelimit.New(ratelimit.Config{Logger: appLogger.GetLogger()})
	defer limiter.Stop()
	app.Use(limiter.Middleware())
	app.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          appLogger.GetLogger(),
	}))

	queryHandler := handlers.NewQueryHandler(service)
	documentHandler := handlers.NewDocumentHandler(service)
	reportHandler := handlers.NewReportHandler(service)

	api := app.Group("/api/v1")

	api.Post("/query", queryHandler.HandleQuery)

	api.Post("/documents", documentHandler.HandleIngest)
	api.Post("/documents/batch", documentHandler.HandleIngestBatch)

	api.Post("/reports", reportHandler.HandleGenerateReport)
	api.Get("/analysis/:ticker/sentiment", reportHandler.HandleSentiment)
	api.Get("/analysis/:ticker/metrics", reportHandler.HandleMetrics)

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
