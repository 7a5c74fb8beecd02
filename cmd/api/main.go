package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ums.dev/internal/app"
	"ums.dev/internal/config"
	"ums.dev/internal/grpcapi"
	"ums.dev/internal/httpapi"
	"ums.dev/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("UMS_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)
	obs.SetLevel(obs.ParseLevel(cfg.Logging.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, httpapi.Observer())
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer a.Close()

	if applied, err := a.AutoMigrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	} else if len(applied) > 0 {
		obs.Info("migrations applied", map[string]any{"migrations": applied})
	}

	// HTTP API
	proxies, err := cfg.RateLimit.Proxies()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	api := httpapi.New(a.Service, httpapi.Options{
		Version:        version,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RateBurst:      cfg.RateLimit.Burst,
		RatePerSec:     cfg.RateLimit.PerSecond,
		TrustedProxies: proxies,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC health and introspection
	var grpcSrv *grpcapi.Server
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpcapi.NewServer(a.Service.Authorizer(), a.Service, nil)
		go grpcSrv.WatchReadiness(ctx, 10*time.Second)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				obs.Error("grpc serve", map[string]any{"error": err.Error()})
			}
		}()
	}

	obs.Info("starting ums-api", map[string]any{
		"version":   version,
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"adapter":   cfg.Database.Adapter,
		"env":       cfg.Env,
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	obs.Info("shutting down", nil)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.Error("http shutdown", map[string]any{"error": err.Error()})
	}
	if grpcSrv != nil {
		done := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}
	}
	obs.Info("stopped", nil)
}
