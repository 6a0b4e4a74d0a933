package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/alphred/alphred/cmd/alphred/controller"
	"github.com/alphred/alphred/cmd/alphred/executor"
	"github.com/alphred/alphred/cmd/alphred/handlers"
	"github.com/alphred/alphred/cmd/alphred/provider"
	"github.com/alphred/alphred/cmd/alphred/routes"
	"github.com/alphred/alphred/cmd/alphred/worktree"
	"github.com/alphred/alphred/common/config"
	"github.com/alphred/alphred/common/db"
	"github.com/alphred/alphred/common/logger"
	"github.com/alphred/alphred/common/metrics"
	"github.com/alphred/alphred/common/repository"
	"github.com/alphred/alphred/common/server"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("alphred")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	database, err := db.New(ctx, cfg, log)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		log.Error("failed to initialise provider registry", "error", err)
		os.Exit(1)
	}

	store := repository.NewStore(database, log)

	exec, err := executor.New(executor.Opts{
		Store:             store,
		Providers:         registry,
		Worktrees:         worktree.NewLocalManager(cfg.Worktree.BaseDir),
		Logger:            log,
		InvocationTimeout: cfg.Providers.InvocationTimeout,
		RepoName:          cfg.Service.Name,
	})
	if err != nil {
		log.Error("failed to initialise executor", "error", err)
		os.Exit(1)
	}

	ctrl := controller.New(controller.Opts{
		Store:               store,
		Stepper:             exec,
		Logger:              log,
		PreconditionRetries: cfg.Executor.ControlPreconditionRetries,
	})

	e := setupEcho()
	setupMiddleware(e)
	setupHealthCheck(e)

	routes.RegisterRunRoutes(e, handlers.NewRunHandler(handlers.RunHandlerOpts{
		Controller:      ctrl,
		Executor:        exec,
		Store:           store,
		Logger:          log,
		DefaultMaxSteps: cfg.Executor.DefaultMaxSteps,
	}))

	srv := server.New(cfg.Service.Name, cfg.Service.Port, e, log)
	if err := srv.Start(); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// buildRegistry registers every provider with credentials configured. An
// empty registry is allowed: runs with only human or tool nodes need none.
func buildRegistry(cfg *config.Config, log *logger.Logger) (*provider.Registry, error) {
	var providers []provider.Provider

	if cfg.Providers.AnthropicAPIKey != "" {
		claude, err := provider.NewClaude(provider.ClaudeOpts{
			APIKey:          cfg.Providers.AnthropicAPIKey,
			DefaultModel:    cfg.Providers.AnthropicModel,
			MaxOutputTokens: cfg.Providers.MaxOutputTokens,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, claude)
	}

	if cfg.Providers.OpenAIAPIKey != "" {
		codex, err := provider.NewCodex(provider.CodexOpts{
			APIKey:          cfg.Providers.OpenAIAPIKey,
			DefaultModel:    cfg.Providers.OpenAIModel,
			MaxOutputTokens: cfg.Providers.MaxOutputTokens,
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, codex)
	}

	registry := provider.NewRegistry(providers...)
	log.Info("provider registry initialised", "providers", registry.Names())
	return registry, nil
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
}

// setupHealthCheck registers the health check endpoint
func setupHealthCheck(e *echo.Echo) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]any{
			"status":  "ok",
			"service": "alphred",
			"system":  metrics.System(),
		})
	})
}
