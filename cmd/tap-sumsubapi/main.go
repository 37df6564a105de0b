// Command tap-sumsubapi runs one incremental sync of the Sumsub callback
// stream and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/HonestMajority/lana-bank/config"
	"github.com/HonestMajority/lana-bank/dynamodb"
	"github.com/HonestMajority/lana-bank/internal/logging"
	"github.com/HonestMajority/lana-bank/postgres"
	"github.com/HonestMajority/lana-bank/pubsub"
	"github.com/HonestMajority/lana-bank/redis"
	"github.com/HonestMajority/lana-bank/sqs"
	"github.com/HonestMajority/lana-bank/tap"
)

func main() {
	configPath := flag.String("config", "tap.yaml", "path to the YAML configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, *configPath)

	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}

	var awsCfg aws.Config

	if cfg.UsesAWS() {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if cfg.AWS.Region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWS.Region))
		}

		if awsCfg, err = awsconfig.LoadDefaultConfig(ctx, loadOpts...); err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
	}

	state, closeState, err := newStateStore(ctx, cfg, &awsCfg)
	if err != nil {
		return err
	}
	defer closeState()

	publisher, closePublisher, err := newPublisher(ctx, cfg, &awsCfg, logger)
	if err != nil {
		return err
	}
	defer closePublisher()

	reader := postgres.New(
		postgres.WithConfig(cfg.Postgres),
		postgres.WithLogger(logger),
	)

	opts := []tap.Option{
		tap.WithStream(cfg.Tap.Stream),
		tap.WithPublishConcurrency(cfg.Tap.PublishConcurrency),
	}

	if !cfg.Tap.StartDate.IsZero() {
		opts = append(opts, tap.WithStartDate(cfg.Tap.StartDate))
	}

	t, err := tap.New(reader, publisher, state, logger, opts...)
	if err != nil {
		return err
	}

	if _, err := t.Sync(ctx); err != nil {
		return err
	}

	return nil
}

func newStateStore(ctx context.Context, cfg *config.Config, awsCfg *aws.Config) (tap.StateStore, func(), error) {
	switch cfg.State.Backend {
	case config.StateDynamoDB:
		store := dynamodb.New(awsCfg, cfg.State.DynamoDB.Table)

		if err := store.Connect(); err != nil {
			return nil, nil, err
		}

		if err := store.Init(ctx, cfg.State.DynamoDB.SkipSchemaValidation); err != nil {
			return nil, nil, err
		}

		return store, func() {}, nil

	case config.StateRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.State.Redis.Addr,
			Password: cfg.State.Redis.Password,
			DB:       cfg.State.Redis.DB,
		})

		var opts []redis.Option
		if cfg.State.Redis.KeyPrefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cfg.State.Redis.KeyPrefix))
		}

		store, err := redis.New(client, opts...)
		if err == nil {
			err = store.Ping(ctx)
		}

		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}

		return store, func() { _ = client.Close() }, nil
	}

	return nil, nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
}

func newPublisher(ctx context.Context, cfg *config.Config, awsCfg *aws.Config, logger logrus.FieldLogger) (tap.Publisher, func(), error) {
	switch cfg.Sink.Backend {
	case config.SinkSQS:
		var opts []sqs.Option
		if cfg.Sink.SQS.MaxRetryAttempts > 0 {
			opts = append(opts, sqs.WithSqsAPIMaxRetryAttempts(cfg.Sink.SQS.MaxRetryAttempts))
		}
		if cfg.Sink.SQS.MaxRetryBackoff > 0 {
			opts = append(opts, sqs.WithSqsAPIMaxRetryBackoffDelay(cfg.Sink.SQS.MaxRetryBackoff))
		}

		publisher, err := sqs.New(awsCfg, cfg.Sink.SQS.Queue, logger, opts...).Init(ctx)
		if err != nil {
			return nil, nil, err
		}

		return publisher, func() {}, nil

	case config.SinkPubSub:
		client, err := gcppubsub.NewClient(ctx, cfg.Sink.PubSub.Project)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create pub/sub client: %w", err)
		}

		p, err := pubsub.New(client, cfg.Sink.PubSub.Topic, logger)
		if err == nil {
			p, err = p.Init()
		}

		if err != nil {
			return nil, nil, errors.Join(err, client.Close())
		}

		return p, func() {
			p.Close()
			_ = client.Close()
		}, nil
	}

	return nil, nil, fmt.Errorf("unknown sink backend %q", cfg.Sink.Backend)
}
