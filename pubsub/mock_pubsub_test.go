package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
)

// mockPubSubClient implements pubsubClient for testing.
type mockPubSubClient struct {
	defaultPub     pubsubPublisher
	publisherCalls []string
	mu             sync.Mutex
}

func newMockPubSubClient() *mockPubSubClient {
	return &mockPubSubClient{}
}

//nolint:ireturn // Returns interface required by pubsubClient interface
func (m *mockPubSubClient) Publisher(topic string) pubsubPublisher {
	m.mu.Lock()
	m.publisherCalls = append(m.publisherCalls, topic)
	m.mu.Unlock()

	return m.defaultPub
}

// mockPublisher implements pubsubPublisher for testing.
type mockPublisher struct {
	publishFunc           func(ctx context.Context, msg *pubsub.Message) pubsubPublishResult
	stopCalled            atomic.Bool
	enableMessageOrdering bool
	delayThreshold        time.Duration
	countThreshold        int
	byteThreshold         int
	publishedMessages     []*pubsub.Message
	mu                    sync.Mutex
}

func newMockPublisher() *mockPublisher {
	return &mockPublisher{}
}

//nolint:ireturn // Returns interface required by pubsubPublisher interface
func (m *mockPublisher) Publish(ctx context.Context, msg *pubsub.Message) pubsubPublishResult {
	m.mu.Lock()
	m.publishedMessages = append(m.publishedMessages, msg)
	m.mu.Unlock()

	if m.publishFunc != nil {
		return m.publishFunc(ctx, msg)
	}
	return &mockPublishResult{serverID: "server-id"}
}

func (m *mockPublisher) Stop() {
	m.stopCalled.Store(true)
}

func (m *mockPublisher) SetEnableMessageOrdering(enabled bool) {
	m.mu.Lock()
	m.enableMessageOrdering = enabled
	m.mu.Unlock()
}

func (m *mockPublisher) SetDelayThreshold(d time.Duration) {
	m.mu.Lock()
	m.delayThreshold = d
	m.mu.Unlock()
}

func (m *mockPublisher) SetCountThreshold(n int) {
	m.mu.Lock()
	m.countThreshold = n
	m.mu.Unlock()
}

func (m *mockPublisher) SetByteThreshold(n int) {
	m.mu.Lock()
	m.byteThreshold = n
	m.mu.Unlock()
}

// mockPublishResult implements pubsubPublishResult for testing.
type mockPublishResult struct {
	serverID string
	err      error
}

func (m *mockPublishResult) Get(_ context.Context) (string, error) {
	return m.serverID, m.err
}

func newMockLogger() (logrus.FieldLogger, *logrustest.Hook) {
	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	return logger, hook
}
