package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"cloud.google.com/go/pubsub/v2"
	"github.com/sirupsen/logrus"

	"github.com/HonestMajority/lana-bank/postgres"
	"github.com/HonestMajority/lana-bank/sqs"
)

// Publisher sends customer keys to a Google Cloud Pub/Sub topic with
// message ordering enabled.
type Publisher struct {
	gcpClient   *pubsub.Client
	client      pubsubClient
	publisher   pubsubPublisher
	topic       string
	opts        *Options
	logger      logrus.FieldLogger
	initialized atomic.Bool
}

func New(c *pubsub.Client, topic string, logger logrus.FieldLogger, opts ...Option) (*Publisher, error) {
	if c == nil {
		return nil, errors.New("pub/sub client cannot be nil")
	}

	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	return &Publisher{
		gcpClient: c,
		topic:     topic,
		opts:      options,
		logger:    logger.WithField("plugin", "pubsub").WithField("topic", topic),
	}, nil
}

func (p *Publisher) Init() (*Publisher, error) {
	if p.initialized.Load() {
		return p, nil
	}

	if p.topic == "" {
		return nil, errors.New("pub/sub topic cannot be empty")
	}

	if err := p.opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid pub/sub publisher options: %w", err)
	}

	// Use injected client for testing, otherwise wrap the real GCP client.
	if p.opts.pubsubClient != nil {
		p.client = p.opts.pubsubClient
	} else {
		p.client = newRealPubSubClient(p.gcpClient)
	}

	p.publisher = p.client.Publisher(p.topic)

	p.publisher.SetEnableMessageOrdering(true)
	p.publisher.SetDelayThreshold(p.opts.delayThreshold)
	p.publisher.SetCountThreshold(p.opts.countThreshold)
	p.publisher.SetByteThreshold(p.opts.byteThreshold)

	p.initialized.Store(true)

	return p, nil
}

func (p *Publisher) Name() string {
	return p.topic
}

// Close stops the publisher, flushing any pending messages.
func (p *Publisher) Close() {
	if p.publisher != nil {
		p.publisher.Stop()
	}
}

// Publish sends key as JSON, ordered by customer ID, and waits for the
// server acknowledgement. The dedup_id attribute carries the same value the
// SQS publisher uses as its deduplication ID.
func (p *Publisher) Publish(ctx context.Context, key postgres.Key) error {
	if !p.initialized.Load() {
		return errors.New("pub/sub publisher not initialized")
	}

	if key.CustomerID == "" {
		return errors.New("customer ID cannot be empty")
	}

	body, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to marshal customer key: %w", err)
	}

	msg := &pubsub.Message{
		Data:        body,
		OrderingKey: key.CustomerID,
		Attributes:  map[string]string{"dedup_id": sqs.DeduplicationID(key)},
	}

	serverID, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish message to pub/sub topic %s with ordering key %s: %w", p.topic, key.CustomerID, err)
	}

	p.logger.
		WithField("customer_id", key.CustomerID).
		WithField("message_id", serverID).
		Debug("Customer key published to pub/sub topic")

	return nil
}
