// Command keygatewayd runs the LLM API key gateway: either the HTTP dispatch
// server ("gateway") or the background key-health probe loop ("worker"),
// both against the same configuration and repository.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmgate/keygateway/internal/config"
	"github.com/llmgate/keygateway/internal/dispatch"
	"github.com/llmgate/keygateway/internal/httpapi"
	"github.com/llmgate/keygateway/internal/keeper"
	"github.com/llmgate/keygateway/internal/keycache"
	"github.com/llmgate/keygateway/internal/repository"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "gateway":
		err = runGateway(logger, os.Args[2:])
	case "worker":
		err = runWorker(logger, os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Error("keygatewayd exited with error", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: keygatewayd <gateway|worker> --config <path> [flags]")
}

func runGateway(logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("gateway", flag.ExitOnError)
	configPath := fs.String("config", "config/providers.yaml", "path to providers.yaml")
	host := fs.String("host", "", "override gateway.listen host")
	port := fs.String("port", "", "override gateway.listen port")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgManager, err := config.NewManager(*configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	defer cfgManager.Close()

	cfg := cfgManager.Get()
	repo, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build repository: %w", err)
	}

	cache := keycache.New(repo)

	dispatcher, err := dispatch.New(cfgManager, cache, logger)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}

	server := httpapi.New(cfgManager, dispatcher, repo, logger)

	listen := cfg.Gateway.Listen
	if *host != "" || *port != "" {
		listen = fmt.Sprintf("%s:%s", *host, *port)
	}

	httpServer := &http.Server{
		Addr:         listen,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Gateway.RetryPolicy.RequestTimeout,
		WriteTimeout: 0, // streamed responses can run far longer than a single upstream request
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server error: %w", err)
	case <-quit:
		logger.Info("shutting down gateway...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", "error", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func runWorker(logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "config/providers.yaml", "path to providers.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgManager, err := config.NewManager(*configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	defer cfgManager.Close()

	cfg := cfgManager.Get()
	repo, err := buildRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build repository: %w", err)
	}

	classifiers, err := cfg.BuildClassifiers()
	if err != nil {
		return fmt.Errorf("build classifiers: %w", err)
	}

	k := keeper.New(cfg.Worker, cfg.Providers, classifiers, repo, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting down worker...")
		cancel()
	}()

	logger.Info("worker starting", "providers", len(cfg.Providers))
	k.Start(ctx)
	logger.Info("worker stopped")
	return nil
}

// buildRepository opens the Postgres repository named by cfg.Gateway.Database
// when a host is configured, falling back to an in-process Memory repository
// for local/dev use — the same fallback the config's zero-value Database
// naturally produces.
func buildRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.Repository, error) {
	if cfg.Gateway.Database.Host == "" {
		logger.Warn("no database configured, using in-process memory repository (not durable across restarts)")
		return repository.NewMemory(), nil
	}

	pgCfg := &repository.PostgresConfig{
		Host:            cfg.Gateway.Database.Host,
		Port:            cfg.Gateway.Database.Port,
		User:            cfg.Gateway.Database.User,
		Password:        cfg.Gateway.Database.Password,
		Database:        cfg.Gateway.Database.Name,
		SSLMode:         cfg.Gateway.Database.SSLMode,
		MaxOpenConns:    cfg.Gateway.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Gateway.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Gateway.Database.ConnMaxLifetime,
	}
	pg, err := repository.NewPostgres(pgCfg)
	if err != nil {
		return nil, err
	}
	return pg, nil
}
