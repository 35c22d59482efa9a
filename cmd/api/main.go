package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/whizbang/internal/api"
	"github.com/example/whizbang/internal/auth"
	"github.com/example/whizbang/internal/backend"
	"github.com/example/whizbang/internal/config"
	"github.com/example/whizbang/internal/domain/order"
	"github.com/example/whizbang/internal/eventlog"
	"github.com/example/whizbang/internal/infrastructure/kafka"
	"github.com/example/whizbang/internal/infrastructure/natsbus"
	"github.com/example/whizbang/internal/logging"
	"github.com/example/whizbang/internal/policy"
	"github.com/example/whizbang/internal/projection"
)

const minSecretLength = 32

func main() {
	issueFor := flag.String("issue-token", "", "print a token for this subject and exit")
	role := flag.String("role", auth.RoleOperator, "role of the issued token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat, "api")

	if len(cfg.AuthSecret) < minSecretLength {
		logger.Fatal().Int("min_length", minSecretLength).Msg("AUTH_SECRET is missing or too short")
	}
	tokens := auth.NewTokens(cfg.AuthSecret, cfg.TokenTTL)

	if *issueFor != "" {
		token, expiresAt, err := tokens.Issue(*issueFor, *role)
		if err != nil {
			logger.Fatal().Err(err).Msg("issue token")
		}
		fmt.Println(token)
		logger.Info().Str("subject", *issueFor).Str("role", *role).Time("expires_at", expiresAt).Msg("token issued")
		return
	}

	if err := run(cfg, tokens, logger); err != nil {
		logger.Fatal().Err(err).Msg("api stopped")
	}
}

func run(cfg config.Config, tokens *auth.Tokens, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	pctx := policy.New(cfg.Options)

	// Appends are announced on every configured transport.
	var (
		publishers []eventlog.Publisher
		wake       eventlog.Signal
	)
	if len(cfg.KafkaBrokers) > 0 {
		publisher := kafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer publisher.Close()
		publishers = append(publishers, publisher)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("publishing to kafka")
	}
	if cfg.NATSURL != "" {
		notifier, err := natsbus.Connect(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return err
		}
		defer notifier.Close()
		publishers = append(publishers, notifier)
		wake = notifier
	}
	log := eventlog.WithPublisher(b.Log, logger, publishers...)

	orders := order.NewService(log, b.Snapshots,
		order.WithPolicy(pctx),
		order.WithLogger(logger.With().Str("component", "orders").Logger()),
	)

	engineOpts := []projection.Option{
		projection.WithCheckpoints(b.Checkpoints),
		projection.WithPolicy(pctx),
		projection.WithLogger(logger.With().Str("component", "projection").Logger()),
	}
	if wake != nil {
		engineOpts = append(engineOpts, projection.WithSignal(wake))
	}
	engine := projection.NewEngine(b.Log, engineOpts...)
	if err := engine.Register(order.Summaries(b.ReadModel)); err != nil {
		return err
	}

	handlers := api.NewHandlers(orders, engine, b.ReadModel, cfg.Options.RebuildMode, logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handlers, tokens, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.RunProjections {
		g.Go(func() error {
			return projection.NewRunner(engine).Supervise(ctx)
		})
	}
	if b.Listen != nil {
		g.Go(func() error {
			return b.Listen(ctx)
		})
	}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Bool("projections", cfg.RunProjections).Msg("server started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
