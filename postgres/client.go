package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// KeysQuery selects the distinct customers with a relevant Sumsub callback
// recorded after $1. now() is evaluated once per statement, so every row of
// one execution carries the same recorded_at.
const KeysQuery = `
with customer_ids as (
    select distinct customer_id
    from sumsub_callbacks
    where recorded_at > $1
    and content->>'type' in ('applicantReviewed', 'applicantPersonalInfoChanged')
)
select customer_id, now() as recorded_at
from customer_ids
`

var (
	// ErrConnection is returned by Connect when no session could be
	// established, including when the configuration is invalid.
	ErrConnection = errors.New("postgres connection error")

	// ErrNotConnected is returned when a read is attempted outside an
	// active connection scope.
	ErrNotConnected = errors.New("key reader is not connected")

	// ErrSequenceConsumed is yielded when a key sequence is ranged over a
	// second time. Call Keys again to re-run the query.
	ErrSequenceConsumed = errors.New("key sequence already consumed")

	// ErrQuery wraps driver failures while executing or iterating the keys
	// query.
	ErrQuery = errors.New("postgres query error")
)

var tracer = otel.Tracer("github.com/HonestMajority/lana-bank/postgres")

// conn defines the database operations used by a KeyReader.
// This interface is satisfied by *pgx.Conn and can be mocked for testing.
type conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close(ctx context.Context) error
}

// Key is one row of the keys query: a customer whose KYC data must be
// fetched, stamped with the database time of the query.
type Key struct {
	CustomerID string    `json:"customer_id"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Session is the view of a connected KeyReader handed to the body of
// [KeyReader.WithConnection].
type Session interface {
	Keys(ctx context.Context, startingTimestamp time.Time) (iter.Seq2[Key, error], error)
}

// KeyReader owns at most one PostgreSQL connection and reads customer keys
// from the sumsub_callbacks table over it. A KeyReader is not safe for
// concurrent use.
type KeyReader struct {
	conn conn
	opts *options
}

// New returns a KeyReader for the given options. It does not connect.
func New(opts ...Option) *KeyReader {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	o.logger = o.logger.WithField("component", "postgres")

	return &KeyReader{opts: o}
}

// Connect opens the reader's connection. Errors wrap [ErrConnection].
func (r *KeyReader) Connect(ctx context.Context) error {
	// Close existing connection if any to prevent leaks
	if r.conn != nil {
		_ = r.conn.Close(ctx)
		r.conn = nil
	}

	if err := r.opts.validate(); err != nil {
		return fmt.Errorf("%w: invalid Postgres db configuration: %w", ErrConnection, err)
	}

	config, err := pgx.ParseConfig(r.opts.connectionString())
	if err != nil {
		return fmt.Errorf("%w: failed to parse Postgres db connection string: %w", ErrConnection, err)
	}

	c, err := r.opts.dial(ctx, config)
	if err != nil {
		return fmt.Errorf("%w: failed to connect to Postgres db at %s:%d: %w", ErrConnection, r.opts.host, r.opts.port, err)
	}

	r.conn = c

	r.opts.logger.
		WithField("host", r.opts.host).
		WithField("port", r.opts.port).
		WithField("database", r.opts.database).
		Debug("Connected to Postgres db")

	return nil
}

// Close closes the connection if one is held. The handle is cleared even if
// closing fails.
func (r *KeyReader) Close(ctx context.Context) error {
	if r.conn == nil {
		return nil
	}

	err := r.conn.Close(ctx)

	r.conn = nil

	if err != nil {
		return fmt.Errorf("failed to close Postgres db connection: %w", err)
	}

	r.opts.logger.Debug("Postgres db connection closed")

	return nil
}

// WithConnection connects, runs fn with the reader and closes the connection
// on every exit path, including a panic in fn. A close failure is joined to
// the error returned by fn.
func (r *KeyReader) WithConnection(ctx context.Context, fn func(ctx context.Context, s Session) error) (err error) {
	if err := r.Connect(ctx); err != nil {
		return err
	}

	defer func() {
		if closeErr := r.Close(ctx); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	return fn(ctx, r)
}

// Keys returns the customers with an applicantReviewed or
// applicantPersonalInfoChanged callback recorded strictly after
// startingTimestamp.
//
// The query runs when the sequence is ranged over and rows are pulled from
// the driver one at a time. A failure is yielded once, wrapped in [ErrQuery],
// and ends the sequence. The sequence can be ranged over only once.
func (r *KeyReader) Keys(ctx context.Context, startingTimestamp time.Time) (iter.Seq2[Key, error], error) {
	if r.conn == nil {
		return nil, ErrNotConnected
	}

	consumed := false

	return func(yield func(Key, error) bool) {
		if consumed {
			yield(Key{}, ErrSequenceConsumed)
			return
		}

		consumed = true

		if r.conn == nil {
			yield(Key{}, ErrNotConnected)
			return
		}

		ctx, span := tracer.Start(ctx, "postgres.Keys",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("db.system", "postgresql"),
				attribute.String("db.name", r.opts.database),
				attribute.String("starting_timestamp", startingTimestamp.UTC().Format(time.RFC3339Nano)),
			),
		)
		defer span.End()

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(Key{}, err)
		}

		rows, err := r.conn.Query(ctx, KeysQuery, startingTimestamp)
		if err != nil {
			fail(fmt.Errorf("%w: failed to query customer keys: %w", ErrQuery, err))
			return
		}

		defer rows.Close()

		count := 0

		for rows.Next() {
			var key Key

			if err := rows.Scan(&key.CustomerID, &key.RecordedAt); err != nil {
				fail(fmt.Errorf("%w: failed to scan customer key: %w", ErrQuery, err))
				return
			}

			count++

			if !yield(key, nil) {
				span.SetAttributes(attribute.Int("keys", count))
				return
			}
		}

		if err := rows.Err(); err != nil {
			fail(fmt.Errorf("%w: error iterating over customer keys: %w", ErrQuery, err))
			return
		}

		span.SetAttributes(attribute.Int("keys", count))

		r.opts.logger.WithField("keys", count).Debug("Customer keys read from Postgres db")
	}, nil
}
