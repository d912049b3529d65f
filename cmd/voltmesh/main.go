package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/voltmesh/voltmesh/internal/auth"
	"github.com/voltmesh/voltmesh/internal/infrastructure/config"
	"github.com/voltmesh/voltmesh/internal/ledger"
	"github.com/voltmesh/voltmesh/internal/market"
	"github.com/voltmesh/voltmesh/internal/server"
	"github.com/voltmesh/voltmesh/pkg/logger"
	"github.com/voltmesh/voltmesh/pkg/metrics"
	"github.com/voltmesh/voltmesh/pkg/models"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("open database", zap.Error(err))
	}
	if err := market.AutoMigrate(db); err != nil {
		zapLogger.Fatal("migrate schema", zap.Error(err))
	}

	ldg := ledger.New(db, zapLogger)
	authority := auth.NewStaticAuthority(cfg.Market.Admins, cfg.Market.Arbitrators)
	events := newPublisher(cfg, zapLogger)

	svc := market.NewService(db, ldg, authority, events, zapLogger, market.Options{
		EscrowWindow: cfg.Market.EscrowWindow,
		Metrics:      metrics.NewMarket(prometheus.DefaultRegisterer),
	})
	if err := svc.EnsureConfig(context.Background(), seedConfig(cfg.Market)); err != nil {
		zapLogger.Fatal("seed market config", zap.Error(err))
	}

	srv := server.New(cfg, svc, zapLogger)
	go func() {
		if err := srv.Start(); err != nil {
			zapLogger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("shutdown", zap.Error(err))
	}
	if closer, ok := events.(*market.KafkaPublisher); ok {
		if err := closer.Close(); err != nil {
			zapLogger.Error("close kafka publisher", zap.Error(err))
		}
	}
	zapLogger.Info("stopped")
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		dialector = sqlite.Open(cfg.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)
	return db, nil
}

func newPublisher(cfg *config.Config, logger *zap.Logger) market.Publisher {
	if cfg.Kafka.Enabled {
		return market.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	}
	return market.NewChannelPublisher(0, logger)
}

// seedConfig maps the file configuration onto the singleton config record
// used on first start.
func seedConfig(mc config.MarketConfig) models.MarketConfig {
	min, err := decimal.NewFromString(mc.MinTradeSize)
	if err != nil {
		min = decimal.NewFromInt(1)
	}
	max, err := decimal.NewFromString(mc.MaxTradeSize)
	if err != nil {
		max = decimal.NewFromInt(10000)
	}
	collector, _ := uuid.Parse(mc.FeeCollector)
	return models.MarketConfig{
		FeeBasisPoints: mc.FeeBasisPoints,
		MinTradeSize:   min,
		MaxTradeSize:   max,
		FeeCollector:   collector,
	}
}
