package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/config"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/service/server"
	"github.com/SatyA-creator/Secure-Messaging-App-sub001/internal/utils/log"
)

// memoryCleanupInterval paces the in-memory pending store's expiry sweep.
const memoryCleanupInterval = time.Minute

func main() {
	cfg := config.LoadServer()
	log.Init(cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pending := buildPending(ctx, cfg)
	dir := buildDirectory(ctx, cfg)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.New(cfg.JWTSecret, cfg.MessageTTL, pending, dir).Router(),
	}

	go func() {
		log.Info("relay server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", zap.Error(err))
	}
}

func buildPending(ctx context.Context, cfg *config.Server) server.PendingStore {
	if cfg.RedisAddr == "" {
		mem := server.NewMemoryPending()
		mem.StartCleanup(ctx, memoryCleanupInterval)
		log.Info("pending store: in-memory")
		return mem
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatal("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	log.Info("pending store: redis", zap.String("addr", cfg.RedisAddr))
	return server.NewRedisPending(rdb)
}

func buildDirectory(ctx context.Context, cfg *config.Server) server.DirectoryStore {
	if cfg.MongoURI == "" {
		log.Info("directory store: in-memory")
		return server.NewMemoryDirectory()
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err == nil {
		err = client.Ping(connCtx, nil)
	}
	if err != nil {
		log.Fatal("mongo unreachable", zap.String("uri", cfg.MongoURI), zap.Error(err))
	}
	log.Info("directory store: mongo", zap.String("database", cfg.MongoDatabase))
	return server.NewMongoDirectory(client.Database(cfg.MongoDatabase))
}
