// Package dynamodb stores tap watermarks in a DynamoDB table.
//
// # Overview
//
// Each stream owns a single item keyed by the stream name (partition key,
// "pk") and the constant sort key "WATERMARK" ("sk"). The item holds the
// watermark as an RFC 3339 timestamp with nanosecond precision, together with
// the time it was last written:
//
//	pk         = sumsub_callbacks
//	sk         = WATERMARK
//	watermark  = 2024-05-01T12:00:00.123456000Z
//	updated_at = 2024-05-01T12:00:01.000000000Z
//
// # Getting Started
//
// Create a [StateStore] with [New], supplying an AWS config and the table
// name, then call [StateStore.Connect] and [StateStore.Init]:
//
//	store := dynamodb.New(&awsCfg, tableName)
//
//	if err := store.Connect(); err != nil {
//	    return err
//	}
//
//	if err := store.Init(ctx, false); err != nil {
//	    return err
//	}
//
// By default, [New] creates an AWS SDK v2 DynamoDB client from the supplied
// [aws.Config]. Supply [WithAPI] to inject a custom or mock implementation.
//
// # Monotonic Writes
//
// [StateStore.SaveWatermark] is a conditional put. A write that would move
// the stored watermark backwards is rejected by DynamoDB and reported as
// [ErrStaleWatermark]. Timestamps are stored in UTC with a fixed-width
// fraction so that lexical order matches time order.
//
// # Concurrency
//
// [StateStore] is safe for concurrent use by multiple goroutines.
package dynamodb
