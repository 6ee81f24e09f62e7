package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/yegdata/fire-incidents-etl/etl"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	skipValidation := flag.Bool("skip-validation", false, "Skip data validation checks")
	skipSchema := flag.Bool("skip-schema", false, "Skip schema creation (assumes tables already exist)")
	testMode := flag.Bool("test", false, "Process only the first test_rows rows")
	truncate := flag.Bool("truncate", false, "Truncate all pipeline tables and exit")
	flag.Parse()

	// .env is optional; real deployments set the variables directly.
	_ = godotenv.Load()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting "+cfg.Service.Name,
		zap.String("source", cfg.Source.CSVPath),
		zap.String("postgres", fmt.Sprintf("%s:%d/%s", cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.Database)),
		zap.Int("chunk_size", cfg.Source.ChunkSize))

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.GetPostgresDSN())
	if err != nil {
		logger.Fatal("Failed to create PostgreSQL pool", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("Failed to ping PostgreSQL", zap.Error(err))
	}
	logger.Info("Connected to PostgreSQL")

	loader := etl.NewPostgresLoader(pool, logger.Named("load"))

	if *truncate {
		if err := loader.TruncateAll(ctx); err != nil {
			logger.Fatal("Truncate failed", zap.Error(err))
		}
		logger.Info("Tables truncated")
		return
	}

	if !cfg.Load.SkipSchemaCreation && !*skipSchema {
		if err := loader.EnsureSchema(ctx); err != nil {
			logger.Fatal("Schema creation failed", zap.Error(err))
		}
	} else {
		logger.Info("Skipping schema creation")
	}

	thresholds, err := cfg.Thresholds()
	if err != nil {
		logger.Fatal("Invalid validation thresholds", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	metrics := etl.NewMetrics(registry)

	opts := etl.Options{
		SourcePath:         cfg.Source.CSVPath,
		ChunkSize:          cfg.Source.ChunkSize,
		Delimiter:          cfg.Delimiter(),
		SkipValidation:     *skipValidation,
		TestMode:           *testMode,
		TestRows:           cfg.Source.TestRows,
		BusinessRulesFatal: cfg.Validation.BusinessRulesFatal,
		LoadErrorsFatal:    cfg.Load.LoadErrorsFatal,
		RunTimeout:         time.Duration(cfg.RunTimeoutMinutes) * time.Minute,
		ReportsDir:         cfg.ReportsDir,
		Thresholds:         thresholds,
	}

	pipeline := etl.NewPipeline(opts, loader, logger.Named("pipeline"), metrics)

	if cfg.Service.HealthPort > 0 {
		health := NewHealthServer(cfg.Service.HealthPort, registry, logger)
		health.SetStats(pipeline.Stats())
		if err := health.Start(); err != nil {
			logger.Fatal("Failed to start health server", zap.Error(err))
		}
		defer health.Stop()
	}

	result, runErr := pipeline.Run(ctx)

	if runErr != nil {
		logger.Error("Pipeline failed", zap.Error(runErr))
		if errors.Is(runErr, etl.ErrValidationFatal) {
			logger.Error("Fatal validation failure; nothing was loaded for this run")
		}
		if result.ReportPath != "" {
			logger.Info("Validation report", zap.String("path", result.ReportPath))
		}
		os.Exit(1)
	}

	if err := loader.VerifyLoad(ctx); err != nil {
		logger.Warn("Load verification failed", zap.Error(err))
	}

	logger.Info("ETL pipeline completed",
		zap.Object("stats", result.Stats),
		zap.String("verdict", string(result.Report.Verdict)),
		zap.Int("failed_batches", len(result.FailedBatches)),
		zap.String("report", result.ReportPath))

	for _, ref := range result.FailedBatches {
		logger.Warn("Batch requires retry or inspection",
			zap.Int("batch", ref.Seq),
			zap.Int("first_row", ref.FirstRow),
			zap.Int("last_row", ref.LastRow))
	}
}

// buildLogger constructs the run logger from the logging config.
func buildLogger(cfg *Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Logging.Level, err)
	}

	var zcfg zap.Config
	if cfg.Logging.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	return zcfg.Build()
}
