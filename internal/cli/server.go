package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"quiz-sync-relay/internal/app"
	"quiz-sync-relay/internal/config"
	"quiz-sync-relay/internal/domain"
	"quiz-sync-relay/internal/infra/memory"
	natsfeed "quiz-sync-relay/internal/infra/nats"
	pgstore "quiz-sync-relay/internal/infra/postgres"
	rediscache "quiz-sync-relay/internal/infra/redis"
	transport "quiz-sync-relay/internal/transport/http"
)

const (
	defaultPeerTTL  = 30 * time.Second
	defaultStatsTTL = 60 * time.Second
)

// NewStartCmd builds the CLI subcommand to start the relay.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz sync relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var store app.AnswerStore = memory.NewAnswerStore()
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = pgstore.NewAnswerStore(pool)
		log.Info().Msg("using postgres answer store")
	} else {
		log.Warn().Msg("postgres not configured, answers are kept in memory")
	}

	peerTTL := config.TTLDuration(cfg.Cache.PeerTTL, defaultPeerTTL)
	statsTTL := config.TTLDuration(cfg.Cache.StatsTTL, defaultStatsTTL)

	var (
		peers app.Cache[[]domain.AnswerRecord] = memory.NewTTLCache[[]domain.AnswerRecord](peerTTL, nil)
		stats app.Cache[domain.QuestionStats]  = memory.NewTTLCache[domain.QuestionStats](statsTTL, nil)
	)
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		prefix := cfg.Redis.Prefix
		if prefix == "" {
			prefix = "quiz-relay:"
		}
		peers = rediscache.NewCache[[]domain.AnswerRecord](redisClient, prefix+"peers:", peerTTL, nil)
		stats = rediscache.NewCache[domain.QuestionStats](redisClient, prefix+"stats:", statsTTL, nil)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis cache")
	}

	hub := transport.NewHub()
	defer hub.Close()

	var opts []app.Option
	var feed *natsfeed.ChangeFeed
	if cfg.NATS.URL != "" {
		feedCfg := natsfeed.DefaultConfig()
		feedCfg.URL = cfg.NATS.URL
		if cfg.NATS.Subject != "" {
			feedCfg.Subject = cfg.NATS.Subject
		}
		feed, err = natsfeed.Connect(feedCfg)
		if err != nil {
			return err
		}
		defer feed.Close()
		opts = append(opts, app.WithPublisher(feed))
	}

	service := app.NewRelayService(store, peers, stats, hub, opts...)
	if feed != nil {
		if err := feed.Subscribe(ctx, service.HandleChange); err != nil {
			return err
		}
	}

	wsHandler := transport.NewWSHandler(hub, transport.DefaultWSConfig())
	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      transport.NewRouter(service, wsHandler, cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Str("origin", service.Origin()).Msg("starting quiz sync relay")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server...")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
