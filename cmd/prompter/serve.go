package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/prompterhq/prompter/internal/auth"
	"github.com/prompterhq/prompter/internal/cast"
	"github.com/prompterhq/prompter/internal/catalog"
	"github.com/prompterhq/prompter/internal/config"
	"github.com/prompterhq/prompter/internal/gateway"
	"github.com/prompterhq/prompter/internal/observability"
	"github.com/prompterhq/prompter/internal/props"
	"github.com/prompterhq/prompter/internal/providers"
	"github.com/prompterhq/prompter/internal/toolclient"
	"github.com/prompterhq/prompter/internal/tools/browser"
	"github.com/prompterhq/prompter/internal/tools/knowledge"
	"github.com/prompterhq/prompter/internal/tools/shell"
	"github.com/prompterhq/prompter/internal/transcript"
)

const tokenExpiry = 24 * time.Hour

// runServe implements the serve command logic: configuration loading, wiring,
// and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)

	logger.Info("starting prompter gateway",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	store, err := transcript.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	clients, err := buildModelClients(cfg.LLM.Providers)
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		return fmt.Errorf("no LLM providers configured")
	}

	cat := catalog.New(cfg.LLM.Models)

	propsMgr := props.NewManager(props.Options{
		Dialer: &props.SSHDialer{
			MaxOutputBytes: cfg.Props.MaxOutputBytes,
		},
		Logger:         logger,
		CommandTimeout: cfg.Props.CommandTimeout,
	})

	registry := prometheus.NewRegistry()
	metrics := observability.New(registry, propsMgr.ActiveSessions)

	clientReg := toolclient.NewRegistry()
	clientReg.Register(shell.Kind, shell.StartFunc(propsMgr))
	clientReg.Register(browser.Kind, browser.StartFunc(cfg.Browser.Headless))

	builders := map[string]cast.ToolBuilder{
		catalog.ToolRemoteShell: func(ctx context.Context, tc cast.ToolContext) (cast.Tool, error) {
			client, err := tc.Arena.Acquire(ctx, shell.Kind)
			if err != nil {
				return nil, err
			}
			return shell.New(client, tc.UserID)
		},
		catalog.ToolBrowser: func(ctx context.Context, tc cast.ToolContext) (cast.Tool, error) {
			client, err := tc.Arena.Acquire(ctx, browser.Kind)
			if err != nil {
				return nil, err
			}
			return browser.New(client)
		},
		catalog.ToolKnowledge: func(ctx context.Context, tc cast.ToolContext) (cast.Tool, error) {
			return knowledge.New(store.DB())
		},
	}

	engine := cast.NewEngine(clients, builders, cat, clientReg, store, metrics, logger, cast.Options{
		MaxSteps:       cfg.Cast.MaxSteps,
		MaxTokens:      cfg.Cast.MaxTokens,
		ToolTimeout:    cfg.Cast.ToolTimeout,
		MaxConcurrency: cfg.Cast.MaxConcurrency,
	})

	authSvc := auth.NewService(cfg.Auth.JWTSecret, tokenExpiry)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("auth.jwt_secret not set; requests are anonymous and remote sessions are unavailable")
	}

	handler := gateway.NewHandler(engine, cat, propsMgr, authSvc, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := gateway.NewServer(addr, handler.Routes(registry), logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	logger.Info("prompter gateway started", "addr", server.Addr())

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	server.Shutdown(shutdownCtx)
	propsMgr.DisconnectAll()

	logger.Info("prompter gateway stopped gracefully")
	return nil
}

// buildModelClients constructs one streaming client per configured provider.
// Unknown provider names are rejected so a typo fails startup rather than the
// first request.
func buildModelClients(providerCfgs map[string]config.ProviderConfig) (map[string]cast.ModelClient, error) {
	clients := make(map[string]cast.ModelClient, len(providerCfgs))
	for name, pc := range providerCfgs {
		switch name {
		case "anthropic":
			client, err := providers.NewAnthropic(pc.APIKey, pc.BaseURL)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			clients[name] = client
		case "openai":
			client, err := providers.NewOpenAI(pc.APIKey, pc.BaseURL)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
			clients[name] = client
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}
	return clients, nil
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
