package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ferritedb/egresspool/config"
	"github.com/ferritedb/egresspool/connstring"
	"github.com/ferritedb/egresspool/logger"
	"github.com/ferritedb/egresspool/network"
	"github.com/ferritedb/egresspool/notifier"
	"github.com/ferritedb/egresspool/statsapi"
)

func main() {
	startTime := time.Now()

	configPath := "egresspool.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	settings, err := config.ConvertJSONFileToSettings(configPath)
	if err != nil {
		logger.Error("failed to load settings", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger.Info("starting egress pool daemon",
		"pool", settings.PoolName,
		"transport", settings.Transport.Kind,
		"config", configPath)

	factory := settings.Factory()
	pool := network.NewConnectionPool(settings.PoolOptions(factory))

	// Topology changes flow into the pool federation through the notifier.
	rsNotifier := notifier.New()
	rsNotifier.AddListener(pool)

	for _, rs := range settings.ReplicaSets {
		cs, err := connstring.Parse(rs)
		if err != nil {
			logger.Error("invalid replica set connection string", "connString", rs, "error", err)
			os.Exit(1)
		}
		rsNotifier.UpdateConfig(cs)
	}

	var statsServer *http.Server
	if settings.StatsAddr != "" {
		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		statsapi.NewStatsHandler(pool).RegisterRoutes(r)

		statsServer = &http.Server{Addr: settings.StatsAddr, Handler: r}
		go func() {
			logger.Info("stats endpoint listening", "addr", settings.StatsAddr)
			if err := statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("stats endpoint failed", "error", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	if statsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = statsServer.Shutdown(ctx)
	}

	rsNotifier.RemoveListener(pool)
	pool.Shutdown()

	logger.Info("egress pool daemon stopped", "uptime", time.Since(startTime).String())
}
