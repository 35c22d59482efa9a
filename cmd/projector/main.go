package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/example/whizbang/internal/backend"
	"github.com/example/whizbang/internal/config"
	"github.com/example/whizbang/internal/domain/order"
	"github.com/example/whizbang/internal/infrastructure/kafka"
	"github.com/example/whizbang/internal/infrastructure/natsbus"
	"github.com/example/whizbang/internal/logging"
	"github.com/example/whizbang/internal/policy"
	"github.com/example/whizbang/internal/projection"
)

func main() {
	rebuild := flag.String("rebuild", "", "rebuild this projection and exit")
	mode := flag.String("mode", "", "rebuild mode: AtomicSwap or InPlace (default from WHIZBANG_REBUILD_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Must(cfg.LogLevel, cfg.LogFormat, "projector")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *rebuild != "" {
		rebuildMode := cfg.Options.RebuildMode
		if *mode != "" {
			if err := rebuildMode.UnmarshalText([]byte(*mode)); err != nil {
				logger.Fatal().Err(err).Msg("invalid rebuild mode")
			}
		}
		if err := runRebuild(ctx, cfg, logger, *rebuild, rebuildMode); err != nil {
			logger.Fatal().Err(err).Str("projection", *rebuild).Msg("rebuild failed")
		}
		return
	}

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("projector stopped")
	}
}

func newEngine(cfg config.Config, b *backend.Backend, logger zerolog.Logger, opts ...projection.Option) (*projection.Engine, error) {
	opts = append([]projection.Option{
		projection.WithCheckpoints(b.Checkpoints),
		projection.WithPolicy(policy.New(cfg.Options)),
		projection.WithLogger(logger),
		projection.WithHooks(projection.Hooks{
			OnRebuildProgress: func(name string, processed, total int64) {
				logger.Info().Str("projection", name).Int64("processed", processed).Int64("total", total).Msg("rebuild progress")
			},
		}),
	}, opts...)
	engine := projection.NewEngine(b.Log, opts...)
	if err := engine.Register(order.Summaries(b.ReadModel)); err != nil {
		return nil, err
	}
	return engine, nil
}

func runRebuild(ctx context.Context, cfg config.Config, logger zerolog.Logger, name string, mode config.RebuildMode) error {
	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	engine, err := newEngine(cfg, b, logger)
	if err != nil {
		return err
	}
	report, err := engine.Rebuild(ctx, name, mode)
	if err != nil {
		return err
	}
	logger.Info().
		Str("projection", report.Projection).
		Str("mode", report.Mode.String()).
		Int64("processed", report.Processed).
		Int64("last_position", report.LastPosition).
		Bool("cancelled", report.Cancelled).
		Dur("duration", report.Duration).
		Msg("rebuild complete")
	return nil
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	var opts []projection.Option
	if cfg.NATSURL != "" {
		notifier, err := natsbus.Connect(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return err
		}
		defer notifier.Close()
		opts = append(opts, projection.WithSignal(notifier))
	}
	engine, err := newEngine(cfg, b, logger, opts...)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return projection.NewRunner(engine).Supervise(ctx)
	})
	if b.Listen != nil {
		g.Go(func() error {
			return b.Listen(ctx)
		})
	}
	if len(cfg.KafkaBrokers) > 0 {
		consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, logger)
		defer consumer.Close()
		projector := projection.NewProjector(engine, logger)
		g.Go(func() error {
			logger.Info().Str("topic", cfg.KafkaTopic).Str("group", cfg.KafkaGroup).Msg("consuming events")
			return consumer.Consume(ctx, projector.HandleEvent)
		})
	}

	logger.Info().
		Str("backend", string(cfg.Backend)).
		Strs("projections", engine.Names()).
		Bool("nats", cfg.NATSURL != "").
		Bool("kafka", len(cfg.KafkaBrokers) > 0).
		Msg("projector started")
	err = g.Wait()
	logger.Info().Msg("shutting down")
	return err
}
