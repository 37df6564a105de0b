package dynamodb

import (
	"errors"
	"time"
)

// Option is a functional option for configuring a [StateStore].
type Option func(*Options)

// Options holds the configuration for a [StateStore]. Use [Option] functions
// (such as [WithAPI] or [WithClock]) to customise the defaults.
type Options struct {
	dynamoDBAPI API
	clock       func() time.Time
}

func newOptions() *Options {
	return &Options{
		clock: time.Now,
	}
}

func (o *Options) validate() error {
	if o.clock == nil {
		return errors.New("clock cannot be nil")
	}

	return nil
}

// WithAPI sets a custom [API] implementation. This is useful when a custom
// DynamoDB configuration is required, or for injecting mocks in tests.
func WithAPI(api API) Option {
	return func(o *Options) {
		o.dynamoDBAPI = api
	}
}

// WithClock sets a custom clock function used for the updated_at attribute.
// Defaults to [time.Now].
func WithClock(clock func() time.Time) Option {
	return func(o *Options) {
		o.clock = clock
	}
}
