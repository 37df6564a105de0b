package pubsub

import (
	"errors"
	"time"
)

type Option func(*Options)

type Options struct {
	delayThreshold time.Duration
	countThreshold int
	byteThreshold  int
	pubsubClient   pubsubClient
}

func newOptions() *Options {
	return &Options{
		delayThreshold: 10 * time.Millisecond,
		countThreshold: 100,
		byteThreshold:  1e6, // 1 MB
	}
}

func (o *Options) validate() error {
	if o.delayThreshold < 0 {
		return errors.New("publisher delay threshold must be non-negative")
	}

	if o.countThreshold <= 0 {
		return errors.New("publisher count threshold must be greater than zero")
	}

	if o.byteThreshold <= 0 {
		return errors.New("publisher byte threshold must be greater than zero")
	}

	return nil
}

func WithDelayThreshold(d time.Duration) Option {
	return func(o *Options) {
		o.delayThreshold = d
	}
}

func WithCountThreshold(n int) Option {
	return func(o *Options) {
		o.countThreshold = n
	}
}

func WithByteThreshold(n int) Option {
	return func(o *Options) {
		o.byteThreshold = n
	}
}

// WithPubSubClient sets a custom pubsubClient implementation for testing.
func WithPubSubClient(client pubsubClient) Option {
	return func(o *Options) {
		o.pubsubClient = client
	}
}
