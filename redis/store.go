// Package redis stores tap watermarks in Redis.
//
// Each stream is a hash at <prefix><stream> with the fields watermark and
// updated_at. Writes go through a Lua script that refuses to move the
// watermark backwards, so concurrent runs cannot regress each other.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix is prepended to the stream name to build the hash key.
	DefaultKeyPrefix = "tap:watermark:"

	watermarkField = "watermark"
	updatedAtField = "updated_at"

	// Fixed-width fraction keeps lexical order equal to time order, which
	// the save script relies on.
	timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrStaleWatermark is returned by [StateStore.SaveWatermark] when the stored
// watermark is later than the one being saved.
var ErrStaleWatermark = errors.New("watermark is older than the stored value")

var saveScript = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current and current > ARGV[2] then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2], ARGV[3], ARGV[4])
return 1
`)

type Option func(*options)

type options struct {
	keyPrefix string
	clock     func() time.Time
}

// WithKeyPrefix overrides [DefaultKeyPrefix].
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// WithClock sets the clock used for updated_at. Defaults to [time.Now].
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// StateStore persists per-stream watermarks in Redis. It is safe for
// concurrent use.
type StateStore struct {
	client goredis.UniversalClient
	opts   *options
}

func New(client goredis.UniversalClient, opts ...Option) (*StateStore, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	o := &options{
		keyPrefix: DefaultKeyPrefix,
		clock:     time.Now,
	}

	for _, opt := range opts {
		opt(o)
	}

	return &StateStore{client: client, opts: o}, nil
}

// Ping checks Redis connectivity.
func (s *StateStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	return nil
}

// LoadWatermark returns the stored watermark for stream. The boolean is false
// when no watermark has been saved yet.
func (s *StateStore) LoadWatermark(ctx context.Context, stream string) (time.Time, bool, error) {
	if stream == "" {
		return time.Time{}, false, errors.New("stream cannot be empty")
	}

	raw, err := s.client.HGet(ctx, s.key(stream), watermarkField).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark for stream %s: %w", stream, err)
	}

	watermark, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse watermark for stream %s: %w", stream, err)
	}

	return watermark, true, nil
}

// SaveWatermark stores watermark for stream. Saving a watermark equal to the
// stored one succeeds; saving an older one returns [ErrStaleWatermark].
func (s *StateStore) SaveWatermark(ctx context.Context, stream string, watermark time.Time) error {
	if stream == "" {
		return errors.New("stream cannot be empty")
	}

	if watermark.IsZero() {
		return errors.New("watermark cannot be zero")
	}

	value := formatTimestamp(watermark)

	saved, err := saveScript.Run(ctx, s.client, []string{s.key(stream)},
		watermarkField, value, updatedAtField, formatTimestamp(s.opts.clock()),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to write watermark for stream %s: %w", stream, err)
	}

	if saved == 0 {
		return fmt.Errorf("%w: stream %s, watermark %s", ErrStaleWatermark, stream, value)
	}

	return nil
}

func (s *StateStore) key(stream string) string {
	return s.opts.keyPrefix + stream
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
