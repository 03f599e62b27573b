package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/veildesk/veildesk/internal/cipher"
	"github.com/veildesk/veildesk/internal/compliance"
	"github.com/veildesk/veildesk/internal/config"
	"github.com/veildesk/veildesk/internal/engine"
	"github.com/veildesk/veildesk/internal/ledger"
	"github.com/veildesk/veildesk/internal/matching"
	"github.com/veildesk/veildesk/internal/registry"
	"github.com/veildesk/veildesk/internal/server"
	"github.com/veildesk/veildesk/internal/settlement"
	"github.com/veildesk/veildesk/internal/store"
	"github.com/veildesk/veildesk/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	// Tracing to stdout; swap the exporter for a collector in production
	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		zapLogger.Fatal("Failed to create trace exporter", zap.Error(err))
	}
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(ctx)
	}()

	db, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		zapLogger.Fatal("Failed to open database", zap.Error(err))
	}
	if err := store.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate database", zap.Error(err))
	}

	suite, err := cipher.NewSealedSuite([]byte(cfg.CipherRootKey))
	if err != nil {
		zapLogger.Fatal("Failed to create cipher suite", zap.Error(err))
	}
	oracle := cipher.NewOracle(zapLogger.Named("oracle"), db, suite)

	gate := compliance.NewGate(zapLogger.Named("compliance"), compliance.NewRecordProvider(db))

	ledgerSvc := ledger.NewService(zapLogger.Named("ledger"), db, suite, gate)
	registrySvc, err := registry.NewService(zapLogger.Named("registry"), db, suite, gate)
	if err != nil {
		zapLogger.Fatal("Failed to create order registry", zap.Error(err))
	}
	matchingSvc := matching.NewService(zapLogger.Named("matching"), db, suite, gate, registrySvc)
	settlementSvc := settlement.NewService(zapLogger.Named("settlement"), db, suite, ledgerSvc, registrySvc, matchingSvc, settlement.Config{
		QuoteAsset:   common.HexToAddress(cfg.QuoteAsset),
		FeeCollector: common.HexToAddress(cfg.FeeCollector),
		FeeBps:       cfg.FeeBps,
	})

	desk := engine.NewDesk(zapLogger.Named("desk"), db, ledgerSvc, registrySvc, matchingSvc, settlementSvc, oracle)

	var encryptor *cipher.Encryptor
	if cfg.DevEncrypt {
		encryptor = cipher.NewEncryptor(suite)
		zapLogger.Warn("dev encrypt endpoint is enabled; do not expose in production")
	}

	srv := server.NewServer(zapLogger.Named("server"), desk, encryptor, cfg.JWTSecret, cfg.DevEncrypt)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		zapLogger.Error("Server shutdown failed", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}
