package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"yieldo-indexer/internal/chainpool"
	"yieldo-indexer/internal/config"
	"yieldo-indexer/internal/cursor"
	"yieldo-indexer/internal/db"
	"yieldo-indexer/internal/events"
	"yieldo-indexer/internal/handlers"
	"yieldo-indexer/internal/ratings"
	"yieldo-indexer/internal/router"
	"yieldo-indexer/internal/scanner"
	"yieldo-indexer/internal/services"
	"yieldo-indexer/internal/snapshot"
	"yieldo-indexer/internal/store"

	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logrus.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		logrus.SetLevel(level)
	}

	if err := config.LoadConfig(*configPath); err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	cfg := config.AppConfig

	database, err := db.Connect(cfg.Database.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect database")
	}

	vaults := cfg.EnabledVaults()
	pool, err := chainpool.New(vaults, cfg.Indexer.RPCRequestsPerSecond, cfg.RateLimitCooldown())
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize rpc clients")
	}

	// One margin per chain; a chain shared by several vaults takes the
	// widest configured margin.
	margins := make(map[uint64]uint64)
	for _, vault := range vaults {
		if vault.FinalityMargin > margins[vault.ChainID] {
			margins[vault.ChainID] = vault.FinalityMargin
		}
	}
	cur := cursor.New(pool, cursor.NewGormStore(database), margins, uint64(cfg.Indexer.MaxBlocksPerScan))

	publisher, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect nats")
	}

	st := store.New(database)
	engine := snapshot.NewEngine(st, snapshot.NewVaultReader(pool))
	ratingSvc := ratings.NewService(st, vaults)
	indexer := services.NewIndexerService(cfg, pool, cur, scanner.New(pool), st, engine, publisher)
	indexer.Start()

	h := handlers.New(cfg, st, indexer, engine, ratingSvc)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router.Setup(h),
	}

	go func() {
		logrus.WithField("addr", server.Addr).Info("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("http shutdown failed")
	}
	indexer.Stop()
	publisher.Close()
	logrus.Info("shutdown complete")
}
