package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"conversation-api/internal/config"
	"conversation-api/internal/domain/ports/adapter"
	"conversation-api/internal/domain/ports/repository"
	aiAdapters "conversation-api/internal/infra/adapters/ai"
	pg "conversation-api/internal/infra/db/postgres"
	"conversation-api/internal/infra/db/sqlite"
	httpapi "conversation-api/internal/infra/http"
	"conversation-api/internal/infra/logging"
	"conversation-api/internal/infra/metrics"
	"conversation-api/internal/infra/ratelimit"
	red "conversation-api/internal/infra/redis"
	"conversation-api/internal/infra/security"
	"conversation-api/internal/infra/tokens"
	"conversation-api/internal/usecase"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(flags.configPath, flags.dev)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			return serve(cmd.Context(), cfg, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply the postgres schema before serving")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, migrate bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}

	cipher, err := security.NewContentCipher(cfg.Security.EncryptionKey)
	if err != nil {
		return fmt.Errorf("encryption: %w", err)
	}

	// ---- Redis (optional) ----
	var redisClient red.RedisClient
	if cfg.Redis.URL != "" {
		redisClient, err = red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisClient.Close()
	}

	// ---- Store ----
	repo, closeStore, err := openStore(ctx, cfg, cipher, redisClient, migrate, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// ---- Completion providers ----
	completion, err := buildCompletion(ctx, cfg, logger)
	if err != nil {
		return err
	}
	counter, err := tokens.NewTiktokenCounter(cfg.AI.TokenizerModel)
	if err != nil {
		return fmt.Errorf("tokenizer: %w", err)
	}

	conv := usecase.NewConversationUseCase(repo, completion, counter, logger)

	srv := httpapi.NewServer(conv, httpapi.Options{
		HTTP:      cfg.HTTP,
		JWTSecret: cfg.Auth.JWTSecret,
		Limiter:   ratelimit.New(cfg.RateLimit.QueriesPerMinute, redisClient),
		Dev:       cfg.Runtime.Dev,
	}, logger)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn().Msg("auth.jwt_secret not set; API is unauthenticated")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown requested")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("bye")
	return nil
}

func openStore(
	ctx context.Context,
	cfg *config.Config,
	cipher *security.ContentCipher,
	redisClient red.RedisClient,
	migrate bool,
	logger *zerolog.Logger,
) (repository.ConversationRepository, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		repo, err := sqlite.Open(ctx, cfg.Database.URL, cipher)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		logger.Info().Str("path", cfg.Database.URL).Msg("using sqlite store")
		return repo, func() { _ = repo.Close() }, nil
	default:
		pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if migrate {
			if err := pg.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		var repo repository.ConversationRepository = pg.NewPostgresConversationRepo(pool, cipher)
		if redisClient != nil {
			repo = pg.NewConversationRepoCacheDecorator(repo, redisClient, cfg.Redis.TTL, logger)
			logger.Info().Dur("ttl", cfg.Redis.TTL).Msg("conversation cache enabled")
		}
		logger.Info().Int32("max_conns", cfg.Database.MaxConns).Msg("using postgres store")
		return repo, pool.Close, nil
	}
}

// buildCompletion registers every provider that has credentials, each behind
// its own concurrency limit, and routes by model through the multi adapter.
func buildCompletion(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (adapter.CompletionClient, error) {
	ai := cfg.AI
	byProvider := map[string]adapter.CompletionClient{}
	limited := func(name string, c adapter.CompletionClient) {
		byProvider[name] = aiAdapters.NewLimitedAI(c, name, ai.ConcurrentLimit, ai.Timeout)
	}

	if ai.OpenAIKey != "" {
		c, err := aiAdapters.NewOpenAIAdapter(ai.OpenAIKey, ai.OpenAIBaseURL, ai.DefaultModel, ai.Timeout)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		limited(config.ProviderOpenAI, c)
	}
	if ai.CompatBaseURL != "" {
		c, err := aiAdapters.NewCompatAdapter(ai.CompatKey, ai.CompatBaseURL, ai.DefaultModel)
		if err != nil {
			return nil, fmt.Errorf("compat adapter: %w", err)
		}
		limited(config.ProviderCompat, c)
	}
	if ai.GeminiKey != "" {
		c, err := aiAdapters.NewGeminiAdapter(ctx, ai.GeminiKey, ai.GeminiURL, ai.DefaultModel)
		if err != nil {
			return nil, fmt.Errorf("gemini adapter: %w", err)
		}
		limited(config.ProviderGemini, c)
	}
	if ai.Provider == config.ProviderNoop {
		limited(config.ProviderNoop, aiAdapters.NewNoopAIAdapter(200*time.Millisecond, logger))
	}

	names := make([]string, 0, len(byProvider))
	for name := range byProvider {
		names = append(names, name)
	}
	logger.Info().
		Str("default_provider", ai.Provider).
		Strs("providers", names).
		Str("default_model", ai.DefaultModel).
		Msg("completion providers ready")

	return aiAdapters.NewMultiAIAdapter(ai.Provider, byProvider, ai.ModelProviders), nil
}
