// Package tap runs one incremental sync of the Sumsub callback stream: it
// reads the customer keys recorded since the stored watermark, publishes
// them, and advances the watermark once every key has been delivered.
package tap

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/HonestMajority/lana-bank/internal/logging"
	"github.com/HonestMajority/lana-bank/postgres"
)

// DefaultStream is the watermark key used when [WithStream] is not given.
const DefaultStream = "sumsub_callbacks"

var tracer = otel.Tracer("github.com/HonestMajority/lana-bank/tap")

// Source opens a connection scope in which keys can be read.
// [*postgres.KeyReader] implements it.
type Source interface {
	WithConnection(ctx context.Context, fn func(ctx context.Context, s postgres.Session) error) error
}

// Publisher delivers a single key downstream.
type Publisher interface {
	Publish(ctx context.Context, key postgres.Key) error
}

// StateStore persists the per-stream watermark.
type StateStore interface {
	LoadWatermark(ctx context.Context, stream string) (time.Time, bool, error)
	SaveWatermark(ctx context.Context, stream string, watermark time.Time) error
}

// Result describes a finished sync.
type Result struct {
	RunID             string
	Stream            string
	KeysPublished     int
	PreviousWatermark time.Time
	NewWatermark      time.Time
	Advanced          bool
}

type Option func(*options)

type options struct {
	stream      string
	startDate   time.Time
	concurrency int
}

func newOptions() *options {
	return &options{
		stream:      DefaultStream,
		startDate:   time.Unix(0, 0).UTC(),
		concurrency: 1,
	}
}

func (o *options) validate() error {
	if o.stream == "" {
		return errors.New("stream is required")
	}

	if o.concurrency < 1 {
		return fmt.Errorf("publish concurrency must be at least 1, got %d", o.concurrency)
	}

	return nil
}

// WithStream sets the name under which the watermark is stored.
func WithStream(stream string) Option {
	return func(o *options) {
		o.stream = stream
	}
}

// WithStartDate sets the lower bound used when no watermark is stored yet.
// Defaults to the Unix epoch.
func WithStartDate(t time.Time) Option {
	return func(o *options) {
		o.startDate = t
	}
}

// WithPublishConcurrency bounds the number of publishes in flight.
// Defaults to 1, which keeps keys in query order.
func WithPublishConcurrency(n int) Option {
	return func(o *options) {
		o.concurrency = n
	}
}

// Tap wires a key source, a publisher and a watermark store.
type Tap struct {
	source    Source
	publisher Publisher
	state     StateStore
	logger    logrus.FieldLogger
	opts      *options
}

func New(source Source, publisher Publisher, state StateStore, logger logrus.FieldLogger, opts ...Option) (*Tap, error) {
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}

	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}

	if state == nil {
		return nil, errors.New("state store cannot be nil")
	}

	if logger == nil {
		logger = logging.Discard()
	}

	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	if err := o.validate(); err != nil {
		return nil, fmt.Errorf("invalid tap options: %w", err)
	}

	return &Tap{
		source:    source,
		publisher: publisher,
		state:     state,
		logger:    logger.WithField("component", "tap").WithField("stream", o.stream),
		opts:      o,
	}, nil
}

// Sync performs one incremental run. The watermark is only advanced when at
// least one key was read and every key was published. On error the returned
// Result reports the progress made before the failure.
func (t *Tap) Sync(ctx context.Context) (*Result, error) {
	res := &Result{
		RunID:  uuid.NewString(),
		Stream: t.opts.stream,
	}

	ctx, span := tracer.Start(ctx, "tap.Sync")
	defer span.End()

	span.SetAttributes(
		attribute.String("tap.run_id", res.RunID),
		attribute.String("tap.stream", res.Stream),
	)

	logger := t.logger.WithField("run_id", res.RunID)

	err := t.sync(ctx, logger, res)

	span.SetAttributes(attribute.Int("tap.keys_published", res.KeysPublished))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WithError(err).WithField("keys_published", res.KeysPublished).Error("Sync failed")

		return res, err
	}

	logger.
		WithField("keys_published", res.KeysPublished).
		WithField("watermark", res.NewWatermark.Format(time.RFC3339Nano)).
		WithField("advanced", res.Advanced).
		Info("Sync completed")

	return res, nil
}

func (t *Tap) sync(ctx context.Context, logger logrus.FieldLogger, res *Result) error {
	since, found, err := t.state.LoadWatermark(ctx, t.opts.stream)
	if err != nil {
		return fmt.Errorf("failed to load watermark: %w", err)
	}

	if !found {
		since = t.opts.startDate
		logger.WithField("start_date", since.Format(time.RFC3339Nano)).Info("No watermark stored, starting from start date")
	}

	res.PreviousWatermark = since
	res.NewWatermark = since

	var (
		published atomic.Int64
		latest    time.Time
	)

	err = t.source.WithConnection(ctx, func(ctx context.Context, s postgres.Session) error {
		keys, err := s.Keys(ctx, since)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(t.opts.concurrency)

		var readErr error

		for key, err := range keys {
			if err != nil {
				readErr = err
				break
			}

			if gctx.Err() != nil {
				break
			}

			if key.RecordedAt.After(latest) {
				latest = key.RecordedAt
			}

			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}

				if err := t.publisher.Publish(gctx, key); err != nil {
					return fmt.Errorf("failed to publish key for customer %s: %w", key.CustomerID, err)
				}

				published.Add(1)

				return nil
			})
		}

		if err := errors.Join(readErr, g.Wait()); err != nil {
			return err
		}

		// A cancelled run may have stopped reading with keys left unpublished.
		return ctx.Err()
	})

	res.KeysPublished = int(published.Load())

	if err != nil {
		return fmt.Errorf("sync of stream %s failed: %w", t.opts.stream, err)
	}

	if res.KeysPublished == 0 {
		logger.Debug("No new keys, watermark unchanged")
		return nil
	}

	if err := t.state.SaveWatermark(ctx, t.opts.stream, latest); err != nil {
		return fmt.Errorf("failed to save watermark: %w", err)
	}

	res.NewWatermark = latest
	res.Advanced = true

	return nil
}
