package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/batch-embedder/internal/app"
	"github.com/raaihank/batch-embedder/internal/config"
	"github.com/raaihank/batch-embedder/internal/logger"
	"github.com/raaihank/batch-embedder/internal/metrics"
	"github.com/raaihank/batch-embedder/internal/rpc"
	"github.com/raaihank/batch-embedder/internal/server"
	"github.com/raaihank/batch-embedder/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("batch-embedder %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *healthCheck {
		performHealthCheck(cfg)
		return
	}

	log, err := logger.New(loggerConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting batch-embedder",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
	)

	server.Version = version

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(metrics.InstanceInfo{Version: version, Model: cfg.Model.Name})
	}

	rt, err := app.Build(cfg, log, collector)
	if err != nil {
		log.Fatal("Failed to build embedding runtime", zap.Error(err))
	}

	options := server.Options{Metrics: collector, ModelName: cfg.Model.Name}
	var hub *websocket.Hub
	if cfg.WebSocket.Enabled {
		var streams websocket.ConnectionObserver
		if collector != nil {
			streams = collector
		}
		hub = websocket.NewHub(websocket.HubConfig{
			MaxConnections:  cfg.WebSocket.MaxConnections,
			ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
			WriteBufferSize: cfg.WebSocket.WriteBufferSize,
			PingInterval:    cfg.WebSocket.PingInterval,
			PongTimeout:     cfg.WebSocket.PongTimeout,
			WriteTimeout:    cfg.WebSocket.WriteTimeout,
			MaxMessageSize:  cfg.WebSocket.MaxMessageSize,
			AllowedOrigins:  cfg.WebSocket.AllowedOrigins,
		}, rt.Service, streams, log.WithComponent("websocket").Logger)
		go hub.Run()
		options.Stream = hub
	}

	httpServer := server.New(cfg, log, rt.Service, options)
	grpcServer := rpc.New(cfg, log, rt.Service, collector)

	if err := config.Watch(func(updated *config.Config) {
		if err := log.SetLevel(updated.Logging.Level); err != nil {
			log.Warn("Ignoring log level change", zap.Error(err))
			return
		}
		log.Info("Configuration reloaded", zap.String("log_level", updated.Logging.Level))
	}, func(err error) {
		log.Warn("Configuration reload failed", zap.Error(err))
	}); err != nil {
		log.Debug("Configuration hot reload disabled", zap.Error(err))
	}

	serverErrors := make(chan error, 2)
	go func() { serverErrors <- httpServer.Start() }()
	go func() { serverErrors <- grpcServer.Start() }()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-serverErrors:
		log.Error("Server error", zap.Error(err))
		exitCode = 1
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	}

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Stop(ctx); err != nil {
		log.Error("Failed to stop HTTP server gracefully", zap.Error(err))
		exitCode = 1
	}
	if hub != nil {
		hub.Stop()
	}
	if err := grpcServer.Stop(ctx); err != nil {
		log.Error("Failed to stop gRPC server gracefully", zap.Error(err))
		exitCode = 1
	}
	if err := rt.Close(ctx); err != nil {
		log.Error("Failed to close embedding runtime", zap.Error(err))
		exitCode = 1
	}

	log.Info("Shutdown complete")
	if exitCode != 0 {
		_ = log.Sync()
		os.Exit(exitCode)
	}
}

func loggerConfig(cfg *config.Config) logger.Config {
	lc := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		lc.File = &logger.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSize:    cfg.Logging.File.MaxSize,
			MaxAge:     cfg.Logging.File.MaxAge,
			MaxBackups: cfg.Logging.File.MaxBackups,
			Compress:   cfg.Logging.File.Compress,
		}
	}
	return lc
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(cfg *config.Config) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Server.HTTPPort)) + "/health"

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
