// Package sqs publishes customer keys read by the tap to an AWS SQS FIFO
// queue, where the downstream stage picks them up as extraction requests.
//
// # Publisher
//
// [Publisher] sends each [github.com/HonestMajority/lana-bank/postgres.Key]
// as a JSON message. The message group ID is the customer ID, so keys of one
// customer are delivered in order, and the deduplication ID is a SHA-256
// hash of the customer ID and the key timestamp. Re-publishing the same key
// inside the 5-minute SQS deduplication window is therefore a no-op, which
// makes a retried tap run safe.
//
// Create a publisher with [New] and initialise it with [Publisher.Init]:
//
//	publisher, err := sqs.New(&awsCfg, "kyc-keys.fifo", logger,
//	    sqs.WithSqsAPIMaxRetryAttempts(3),
//	).Init(ctx)
//
// Then publish:
//
//	if err := publisher.Publish(ctx, key); err != nil {
//	    return err
//	}
//
// # Configuration
//
// Options are passed to [New] and take effect when [Publisher.Init] is
// called. See the With* functions for available settings and their defaults.
package sqs
