package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/parley/internal/agent"
	"github.com/nidhogg/parley/internal/api"
	"github.com/nidhogg/parley/internal/config"
	"github.com/nidhogg/parley/internal/engine"
	"github.com/nidhogg/parley/internal/event"
	"github.com/nidhogg/parley/internal/memory"
	"github.com/nidhogg/parley/internal/provider"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Parley...",
		zap.String("provider", cfg.LLM.Provider),
		zap.String("memory", cfg.Memory.Type))

	registry, err := agent.LoadRegistry(cfg.AgentsFile, logger)
	if err != nil {
		logger.Fatal("failed to load agent registry", zap.Error(err))
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize memory store", zap.Error(err))
	}
	defer store.Close()

	gateway := provider.New(providerOptions(cfg), logger)
	if info := gateway.TestConnection(context.Background()); !info.Success {
		logger.Warn("LLM backend unreachable at startup", zap.String("error", info.Error))
	}

	broadcaster := event.NewBroadcaster(logger)
	eng := engine.New(registry, store, gateway, broadcaster, engine.Config{
		HistoryLimit:    cfg.Conversation.HistoryLimit,
		ContextLimit:    cfg.Conversation.ContextLimit,
		TurnInterval:    cfg.Conversation.TurnInterval,
		Streaming:       cfg.LLM.EnableStreaming,
		DefaultMaxTurns: cfg.DefaultMaxTurns(),
	}, logger)

	handler := api.NewHandler(eng, registry, gateway, broadcaster, cfg, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Parley listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Parley...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if err := eng.Shutdown(ctx); err != nil {
		logger.Warn("engine shutdown incomplete", zap.Error(err))
	}
}

// newStore selects the memory backend from configuration.
func newStore(cfg *config.Config, logger *zap.Logger) (memory.Store, error) {
	ctx := context.Background()
	switch cfg.Memory.Type {
	case "redis":
		return memory.NewRedis(ctx, cfg.Memory.RedisURL, logger)
	case "postgresql":
		store, err := memory.NewPostgres(ctx, cfg.Memory.PostgresURL, logger)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx, "migrations"); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	default:
		return memory.NewInMemory(logger), nil
	}
}

// providerOptions maps config onto gateway options. vLLM expects the whole
// exchange flattened into a single user message.
func providerOptions(cfg *config.Config) provider.Options {
	opts := provider.Options{
		Provider:         cfg.LLM.Provider,
		Endpoint:         cfg.LLM.Endpoint(),
		Model:            cfg.LLM.Model(),
		MaxTokens:        cfg.LLM.VLLMMaxTokens,
		Temperature:      cfg.LLM.VLLMTemperature,
		TopP:             cfg.LLM.VLLMTopP,
		FrequencyPenalty: cfg.LLM.VLLMFrequencyPenalty,
		PresencePenalty:  cfg.LLM.VLLMPresencePenalty,
	}
	switch cfg.LLM.Provider {
	case "vllm":
		opts.FlattenMessages = true
	case "openai":
		opts.APIKey = cfg.LLM.OpenAIAPIKey
	}
	return opts
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
