package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog"

	"github.com/example/whizbang/internal/backend"
	"github.com/example/whizbang/internal/config"
	"github.com/example/whizbang/internal/domain/order"
	"github.com/example/whizbang/internal/infrastructure/kinesis"
	"github.com/example/whizbang/internal/logging"
	"github.com/example/whizbang/internal/policy"
	"github.com/example/whizbang/internal/projection"
)

var (
	projector *projection.Projector
	logger    zerolog.Logger
)

func init() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger = logging.Must(cfg.LogLevel, cfg.LogFormat, "lambda-projector")

	// The container outlives invocations; its connections are reused.
	b, err := backend.Open(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open backend")
	}

	engine := projection.NewEngine(b.Log,
		projection.WithCheckpoints(b.Checkpoints),
		projection.WithPolicy(policy.New(cfg.Options)),
		projection.WithLogger(logger),
	)
	if err := engine.Register(order.Summaries(b.ReadModel)); err != nil {
		logger.Fatal().Err(err).Msg("register projections")
	}
	projector = projection.NewProjector(engine, logger)

	logger.Info().Strs("projections", engine.Names()).Msg("initialized")
}

// handler treats each stream record as a wake-up: the projections catch up
// from the event log, so records already covered by an earlier catch-up are
// cheap no-ops. Failed records are reported for redelivery.
func handler(ctx context.Context, kinesisEvent events.KinesisEvent) (events.KinesisEventResponse, error) {
	logger.Debug().Int("records", len(kinesisEvent.Records)).Msg("received batch")

	var batchItemFailures []events.KinesisBatchItemFailure
	fail := func(record events.KinesisEventRecord, err error, msg string) {
		logger.Error().Err(err).Str("record", record.EventID).Msg(msg)
		batchItemFailures = append(batchItemFailures, events.KinesisBatchItemFailure{
			ItemIdentifier: record.Kinesis.SequenceNumber,
		})
	}

	for _, record := range kinesisEvent.Records {
		event, err := kinesis.ConvertFromKinesisRecord(record)
		if err != nil {
			fail(record, err, "convert record")
			continue
		}
		// Head items, counter updates and non-INSERT records.
		if event == nil {
			continue
		}

		value, err := json.Marshal(event)
		if err != nil {
			fail(record, err, "marshal event")
			continue
		}
		if err := projector.HandleEvent(ctx, []byte(event.Stream), value); err != nil {
			fail(record, err, "project event")
			continue
		}
	}

	logger.Info().
		Int("records", len(kinesisEvent.Records)).
		Int("failed", len(batchItemFailures)).
		Msg("batch processed")

	return events.KinesisEventResponse{
		BatchItemFailures: batchItemFailures,
	}, nil
}

func main() {
	lambda.Start(handler)
}
