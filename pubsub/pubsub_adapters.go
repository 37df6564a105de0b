package pubsub

import (
	"context"
	"time"

	"cloud.google.com/go/pubsub/v2"
)

// realPubSubClient wraps *pubsub.Client to implement pubsubClient.
type realPubSubClient struct {
	client *pubsub.Client
}

//nolint:ireturn // Returns interface for dependency injection pattern
func newRealPubSubClient(client *pubsub.Client) pubsubClient {
	return &realPubSubClient{client: client}
}

//nolint:ireturn // Interface required by pubsubClient interface
func (r *realPubSubClient) Publisher(topic string) pubsubPublisher {
	return &realPublisher{publisher: r.client.Publisher(topic)}
}

// realPublisher wraps *pubsub.Publisher to implement pubsubPublisher.
type realPublisher struct {
	publisher *pubsub.Publisher
}

//nolint:ireturn // Interface required by pubsubPublisher interface
func (r *realPublisher) Publish(ctx context.Context, msg *pubsub.Message) pubsubPublishResult {
	return r.publisher.Publish(ctx, msg)
}

func (r *realPublisher) Stop() {
	r.publisher.Stop()
}

func (r *realPublisher) SetEnableMessageOrdering(enabled bool) {
	r.publisher.EnableMessageOrdering = enabled
}

func (r *realPublisher) SetDelayThreshold(d time.Duration) {
	r.publisher.PublishSettings.DelayThreshold = d
}

func (r *realPublisher) SetCountThreshold(n int) {
	r.publisher.PublishSettings.CountThreshold = n
}

func (r *realPublisher) SetByteThreshold(n int) {
	r.publisher.PublishSettings.ByteThreshold = n
}
