package sqs

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/sirupsen/logrus"

	"github.com/HonestMajority/lana-bank/internal/logging"
	"github.com/HonestMajority/lana-bank/postgres"
)

// sqsClient is the subset of the SQS API used by the Publisher.
type sqsClient interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Publisher sends customer keys to an SQS FIFO queue.
//
// Create a Publisher with [New], then call [Publisher.Init] once before any
// other method. Init is not thread-safe; Publish is safe for concurrent use
// after Init returns.
type Publisher struct {
	client      sqsClient
	queueName   string
	queueURL    string
	awsCfg      *aws.Config
	opts        *Options
	logger      logrus.FieldLogger
	initialized bool
}

// New creates a Publisher for the named SQS FIFO queue. The queue name must
// end with ".fifo"; this constraint is enforced by [Publisher.Init].
//
// The logger is enriched with "plugin" and "queue_name" fields. A nil logger
// discards all output.
//
// New does not connect to AWS. Call [Publisher.Init] to resolve the queue URL.
func New(awsCfg *aws.Config, queueName string, logger logrus.FieldLogger, opts ...Option) *Publisher {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	if logger == nil {
		logger = logging.Discard()
	}

	logger = logger.
		WithField("plugin", "sqs").
		WithField("queue_name", queueName)

	return &Publisher{
		awsCfg:    awsCfg,
		queueName: queueName,
		opts:      options,
		logger:    logger,
	}
}

// Init validates options and resolves the queue URL via GetQueueUrl.
// It returns the receiver so that initialization can be chained with [New]:
//
//	publisher, err := sqs.New(&awsCfg, "kyc-keys.fifo", logger).Init(ctx)
//
// Init is idempotent; subsequent calls on an initialized Publisher are
// no-ops.
func (p *Publisher) Init(ctx context.Context) (*Publisher, error) {
	if p.initialized {
		return p, nil
	}

	if !strings.HasSuffix(p.queueName, ".fifo") {
		return nil, errors.New("the SQS queue must be a FIFO queue (the name must end with .fifo)")
	}

	if err := p.opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid SQS options: %w", err)
	}

	// Use injected client if provided (for testing), otherwise create real client
	if p.opts.sqsClient != nil {
		p.client = p.opts.sqsClient
	} else {
		if p.awsCfg == nil {
			return nil, errors.New("AWS config cannot be nil")
		}

		p.client = sqs.NewFromConfig(*p.awsCfg, func(o *sqs.Options) {
			o.Retryer = retry.AddWithMaxBackoffDelay(o.Retryer, p.opts.sqsAPIMaxRetryBackoffDelay)
			o.Retryer = retry.AddWithMaxAttempts(o.Retryer, p.opts.sqsAPIMaxRetryAttempts)
		})
	}

	resp, err := p.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(p.queueName)})
	if err != nil {
		return nil, fmt.Errorf("failed to get SQS queue URL for %s: %w", p.queueName, err)
	}

	p.queueURL = aws.ToString(resp.QueueUrl)
	p.initialized = true

	return p, nil
}

// Publish sends key to the queue as JSON. The message group ID is the
// customer ID and the deduplication ID is derived from the customer ID and
// the key timestamp.
func (p *Publisher) Publish(ctx context.Context, key postgres.Key) error {
	if !p.initialized {
		return errors.New("SQS publisher not initialized")
	}

	if key.CustomerID == "" {
		return errors.New("customer ID cannot be empty")
	}

	body, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to marshal customer key: %w", err)
	}

	groupID := key.CustomerID
	dedupID := DeduplicationID(key)
	msgBody := string(body)

	input := &sqs.SendMessageInput{
		QueueUrl:               &p.queueURL,
		MessageGroupId:         &groupID,
		MessageDeduplicationId: &dedupID,
		MessageBody:            &msgBody,
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to send SQS message for customer %s: %w", key.CustomerID, err)
	}

	p.logger.
		WithField("customer_id", key.CustomerID).
		WithField("message_id", aws.ToString(out.MessageId)).
		Debug("Customer key sent to SQS queue")

	return nil
}

// Name returns the SQS queue name supplied to [New].
func (p *Publisher) Name() string {
	return p.queueName
}

// DeduplicationID returns the stable message deduplication ID for key.
func DeduplicationID(key postgres.Key) string {
	return hash(key.CustomerID, key.RecordedAt.UTC().Format(time.RFC3339Nano))
}

func hash(input ...string) string {
	h := sha256.New()

	for _, s := range input {
		h.Write([]byte(s))
		h.Write([]byte{0}) // null byte delimiter to prevent hash collisions
	}

	bs := h.Sum(nil)

	return base64.URLEncoding.EncodeToString(bs)
}
