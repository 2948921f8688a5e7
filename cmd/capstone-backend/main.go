package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmrl23/capstone-backend/internal/cache"
	"github.com/jmrl23/capstone-backend/internal/config"
	"github.com/jmrl23/capstone-backend/internal/directory"
	"github.com/jmrl23/capstone-backend/internal/httpapi"
	"github.com/jmrl23/capstone-backend/internal/middleware"
	"github.com/jmrl23/capstone-backend/internal/mqtt"
	"github.com/jmrl23/capstone-backend/internal/realtime"
	"github.com/jmrl23/capstone-backend/internal/relay"
	"github.com/jmrl23/capstone-backend/internal/store"
)

func main() {
	cfg := config.Load()

	db, err := store.OpenPostgres(
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.SSLMode,
	)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}

	repo, err := store.New(db)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}

	var backing cache.Cache
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Error("redis init failed", "error", err)
			os.Exit(1)
		}
		backing = cache.NewRedis(rdb, cfg.CacheTTL)
		slog.Info("cache backend: redis", "addr", cfg.RedisAddr)
	} else {
		backing = cache.NewMemory(cfg.CacheTTL)
		slog.Info("cache backend: memory", "ttl", cfg.CacheTTL)
	}

	pubKey, err := middleware.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
	if err != nil {
		slog.Error("jwt public key load failed", "path", cfg.JWTPublicKeyPath, "error", err)
		os.Exit(1)
	}

	devices := directory.NewDevices(repo, backing)
	users := directory.NewUsers(repo, backing)

	broker := mqtt.New(cfg.MQTTBrokerURL, cfg.MQTTClientID)

	hub := realtime.NewHub(middleware.UserIDResolver(pubKey), devices, users, broker)
	engine := relay.New(broker, devices, hub)
	hub.SetBrokerHandler(engine.Handler())

	srv := httpapi.NewServer(devices, broker, pubKey, hub)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Routes()}

	go func() {
		slog.Info("capstone-backend started", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}
	broker.Disconnect(250)
	if rdb != nil {
		_ = rdb.Close()
	}

	slog.Info("capstone-backend stopped")
}
