package sqs

import (
	"errors"
	"time"
)

// Option is a functional option for configuring a [Publisher].
// Options are passed to [New] and applied before [Publisher.Init] is called.
type Option func(*Options)

// Options holds the resolved configuration for a [Publisher].
// All fields are set to sensible defaults by [New]; use With* functions to
// override individual values.
type Options struct {
	sqsAPIMaxRetryAttempts     int
	sqsAPIMaxRetryBackoffDelay time.Duration
	sqsClient                  sqsClient // Optional: injected SQS client for testing
}

func newOptions() *Options {
	return &Options{
		sqsAPIMaxRetryAttempts:     5,
		sqsAPIMaxRetryBackoffDelay: 10 * time.Second,
	}
}

func (o *Options) validate() error {
	if o.sqsAPIMaxRetryAttempts < 0 || o.sqsAPIMaxRetryAttempts > 10 {
		return errors.New("max SQS API retry attempts must be between 0 and 10")
	}

	if o.sqsAPIMaxRetryBackoffDelay < 1*time.Second || o.sqsAPIMaxRetryBackoffDelay > 30*time.Second {
		return errors.New("max SQS API retry backoff delay must be between 1 and 30 seconds")
	}

	return nil
}

// WithSqsAPIMaxRetryAttempts sets the maximum number of retry attempts for
// failed SQS API calls. Must be between 0 and 10. Default: 5.
func WithSqsAPIMaxRetryAttempts(n int) Option {
	return func(o *Options) {
		o.sqsAPIMaxRetryAttempts = n
	}
}

// WithSqsAPIMaxRetryBackoffDelay sets the maximum backoff delay between
// consecutive SQS API retry attempts. Must be between 1 second and 30 seconds.
// Default: 10 seconds.
func WithSqsAPIMaxRetryBackoffDelay(d time.Duration) Option {
	return func(o *Options) {
		o.sqsAPIMaxRetryBackoffDelay = d
	}
}

// WithSQSClient replaces the default AWS SQS client with a custom
// implementation of the internal sqsClient interface. This option is
// intended for testing with mock or stub clients.
func WithSQSClient(client sqsClient) Option {
	return func(o *Options) {
		o.sqsClient = client
	}
}
