package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/EternisAI/silo-desktop/internal/agents"
	internalhttp "github.com/EternisAI/silo-desktop/internal/api/http"
	"github.com/EternisAI/silo-desktop/internal/auth"
	"github.com/EternisAI/silo-desktop/internal/cert"
	"github.com/EternisAI/silo-desktop/internal/db"
	"github.com/EternisAI/silo-desktop/internal/grpc/health"
	"github.com/EternisAI/silo-desktop/internal/presence"
	"github.com/EternisAI/silo-desktop/internal/users"
	wsserver "github.com/EternisAI/silo-desktop/internal/ws/server"
	wstls "github.com/EternisAI/silo-desktop/internal/ws/tls"
	"github.com/gin-gonic/gin"
)

var AppVersion string

type stores struct {
	agents agents.Store
	users  users.Store
	close  func()
}

func main() {
	InitConfig()

	slog.Info("Silo Desktop Server", "version", AppVersion)

	ctx := context.Background()

	st, err := openStores(ctx, config.DB)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.close()

	var publisher presence.Publisher
	if config.Redis.Enabled {
		redisPublisher, err := presence.NewRedisPublisher(ctx, config.Redis.RedisConfig)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisPublisher.Close()
		publisher = redisPublisher
		slog.Info("Publishing presence changes to Redis", "addr", config.Redis.Addr)
	}

	agentService := agents.NewService(st.agents, publisher)

	if config.Channel.AutoCert.Enabled {
		paths := cert.Paths{
			CACert:     config.Channel.TLS.CAFile,
			CAKey:      config.Channel.AutoCert.CAKeyFile,
			ServerCert: config.Channel.TLS.CertFile,
			ServerKey:  config.Channel.TLS.KeyFile,
		}
		if err := cert.Ensure(paths, config.Channel.AutoCert); err != nil {
			slog.Error("Failed to prepare channel certificates", "error", err)
			os.Exit(1)
		}
	}

	channelTLS, err := config.Channel.TLS.ServerConfig()
	if err != nil {
		slog.Error("Failed to load channel TLS config", "error", err)
		os.Exit(1)
	}
	channel := wsserver.NewServer(config.Channel.Config, agentService, channelTLS)

	var healthSrv *health.Server
	if config.Grpc.Port > 0 {
		grpcTLS, err := config.Grpc.TLS.ServerConfig()
		if err != nil {
			slog.Error("Failed to load gRPC TLS config", "error", err)
			os.Exit(1)
		}
		healthSrv = health.NewServer(config.Grpc.Port, wstls.GRPCCredentials(grpcTLS))
	}

	gin.SetMode(gin.ReleaseMode)
	engine := internalhttp.NewEngine(config.Http, &internalhttp.Services{
		AgentService: agentService,
		AuthService:  auth.NewService(st.users, config.JWT),
		UserService:  users.NewService(st.users),
		Channel:      channel,
		JWTSecret:    config.JWT.JWTSecret,
		Version:      AppVersion,
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 3)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := channel.Start(); err != nil {
			errChan <- fmt.Errorf("agent channel error: %w", err)
		}
	}()

	if healthSrv != nil {
		healthSrv.SetServing(health.ChannelService, true)
		go func() {
			if err := healthSrv.Start(); err != nil {
				errChan <- fmt.Errorf("gRPC health server error: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")

	if healthSrv != nil {
		healthSrv.SetServing(health.ChannelService, false)
	}

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := channel.StopWithTimeout(shutdownTimeout); err != nil {
			slog.Error("Agent channel shutdown error", "error", err)
		}
	}()

	if healthSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthSrv.StopWithTimeout(shutdownTimeout); err != nil {
				slog.Error("gRPC health server shutdown error", "error", err)
			}
		}()
	}

	wg.Wait()
	slog.Info("Shutdown complete")
}

func openStores(ctx context.Context, cfg db.Config) (*stores, error) {
	switch cfg.Driver {
	case db.DriverPostgres:
		if err := db.RunMigrations(cfg.Url, cfg.Schema); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		pool, err := db.InitDB(ctx, cfg.Url, cfg.Schema)
		if err != nil {
			return nil, err
		}
		return &stores{
			agents: agents.NewPostgresStore(pool),
			users:  users.NewPostgresStore(pool),
			close:  pool.Close,
		}, nil

	case db.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		slog.Info("Using embedded SQLite database", "path", cfg.Path)
		return &stores{
			agents: agents.NewSQLiteStore(sqlDB),
			users:  users.NewSQLiteStore(sqlDB),
			close:  func() { _ = sqlDB.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}
