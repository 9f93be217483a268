package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/sketchsync/internal/api"
	"github.com/manpreetbhatti/sketchsync/internal/compaction"
	"github.com/manpreetbhatti/sketchsync/internal/config"
	"github.com/manpreetbhatti/sketchsync/internal/db"
	"github.com/manpreetbhatti/sketchsync/internal/fanout"
	"github.com/manpreetbhatti/sketchsync/internal/logging"
	"github.com/manpreetbhatti/sketchsync/internal/ws"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML config file")
	addr := pflag.String("addr", "", "listen address (overrides config)")
	dbPath := pflag.String("db", "", "sqlite database path (overrides config)")
	redisAddr := pflag.String("redis", "", "redis address for multi-node fan-out (overrides config)")
	logLevel := pflag.String("log-level", "", "debug, info, warn or error (overrides config)")
	pflag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Server, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	hub := ws.NewHub(database, log.Named("hub"))
	hub.SetRateLimit(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst)
	go hub.Run()
	defer hub.Stop()

	if cfg.Redis.Addr != "" {
		client, err := fanout.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		bus := fanout.NewRedis(client, cfg.Redis.Prefix, log.Named("fanout"))
		defer bus.Close()
		if err := hub.UseBus(ctx, bus); err != nil {
			return err
		}
		log.Info("fan-out enabled", zap.String("redis", cfg.Redis.Addr))
	}

	compactor := compaction.New(hub, cfg.Compaction, log.Named("compaction"))
	compactor.Start()
	defer compactor.Stop()

	handler := api.New(hub, database, cfg.PublicSocketURL, log.Named("api"))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           corsMiddleware(handler.Router()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("sketchsync server starting",
			zap.String("addr", cfg.Addr),
			zap.String("db", cfg.DBPath))
		log.Info("endpoints",
			zap.Strings("routes", []string{
				"WS /ws?room={roomId}&token={token}",
				"GET /health",
				"GET /api/stats",
				"GET|POST /api/rooms",
				"GET|DELETE /api/rooms/{id}",
				"POST /api/rooms/{id}/join",
				"POST /api/rooms/{id}/kick",
				"POST /api/rooms/{id}/permission",
			}))
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.AuthHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
