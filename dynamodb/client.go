package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamodbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	// PartitionKey is the DynamoDB partition key attribute name.
	PartitionKey = "pk"

	// SortKey is the DynamoDB sort key attribute name.
	SortKey = "sk"

	// WatermarkSortKey is the sort key value of watermark items.
	WatermarkSortKey = "WATERMARK"

	// WatermarkAttr is the attribute name holding the watermark timestamp.
	WatermarkAttr = "watermark"

	// UpdatedAtAttr is the attribute name holding the last write time.
	UpdatedAtAttr = "updated_at"

	// timestampLayout is RFC 3339 with a fixed nine-digit fraction, so stored
	// values compare lexically in time order.
	timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrStaleWatermark is returned by [StateStore.SaveWatermark] when the stored
// watermark is later than the one being saved.
var ErrStaleWatermark = errors.New("watermark is older than the stored value")

var errNotConnected = errors.New("DynamoDB state store is not connected")

// API is the subset of the DynamoDB client used by [StateStore].
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// StateStore persists per-stream watermarks in a DynamoDB table.
//
// Use [New] to create a StateStore, [StateStore.Connect] to initialize the
// underlying DynamoDB connection, and [StateStore.Init] to validate the table
// schema.
type StateStore struct {
	client    API
	tableName string
	awsCfg    *aws.Config
	opts      *Options
}

// New creates a new StateStore configured with the given AWS config, table
// name, and optional options. Call [StateStore.Connect] before use.
func New(awsCfg *aws.Config, tableName string, opts ...Option) *StateStore {
	options := newOptions()

	for _, o := range opts {
		o(options)
	}

	return &StateStore{
		awsCfg:    awsCfg,
		tableName: tableName,
		opts:      options,
	}
}

// Connect initializes the DynamoDB client from the AWS config provided to
// [New]. It must complete before the StateStore is used concurrently.
func (s *StateStore) Connect() error {
	if err := s.opts.validate(); err != nil {
		return fmt.Errorf("invalid DynamoDB options: %w", err)
	}

	// Use injected DynamoDB API if provided (useful for testing).
	if s.opts.dynamoDBAPI != nil {
		s.client = s.opts.dynamoDBAPI
		return nil
	}

	if s.awsCfg == nil {
		return errors.New("AWS config cannot be nil")
	}

	s.client = dynamodb.NewFromConfig(*s.awsCfg)

	return nil
}

// Init validates the DynamoDB table schema. It checks that the table exists,
// is active, and has the partition key pk and sort key sk.
//
// Pass skipSchemaValidation true to skip all checks and return immediately.
func (s *StateStore) Init(ctx context.Context, skipSchemaValidation bool) error {
	if skipSchemaValidation {
		return nil
	}

	if s.client == nil {
		return errNotConnected
	}

	input := &dynamodb.DescribeTableInput{
		TableName: aws.String(s.tableName),
	}

	response, err := s.client.DescribeTable(ctx, input)
	if err != nil {
		var notFoundError *dynamodbtypes.ResourceNotFoundException
		if errors.As(err, &notFoundError) {
			return fmt.Errorf("table %s does not exist", s.tableName)
		}
		return fmt.Errorf("failed to describe table %s: %w", s.tableName, err)
	}

	if response.Table == nil || len(response.Table.KeySchema) < 1 {
		return fmt.Errorf("table %s has no key schema", s.tableName)
	}

	if aws.ToString(response.Table.KeySchema[0].AttributeName) != PartitionKey {
		return fmt.Errorf("table %s has partition key %s, expected %s", s.tableName, aws.ToString(response.Table.KeySchema[0].AttributeName), PartitionKey)
	}

	if len(response.Table.KeySchema) < 2 {
		return fmt.Errorf("table %s has a simple primary key, expected composite", s.tableName)
	}

	if aws.ToString(response.Table.KeySchema[1].AttributeName) != SortKey {
		return fmt.Errorf("table %s has sort key %s, expected %s", s.tableName, aws.ToString(response.Table.KeySchema[1].AttributeName), SortKey)
	}

	if response.Table.TableStatus != dynamodbtypes.TableStatusActive {
		return fmt.Errorf("table %s is not active (status: %s)", s.tableName, response.Table.TableStatus)
	}

	return nil
}

// LoadWatermark returns the stored watermark for stream. The boolean is false
// when no watermark has been saved yet.
func (s *StateStore) LoadWatermark(ctx context.Context, stream string) (time.Time, bool, error) {
	if s.client == nil {
		return time.Time{}, false, errNotConnected
	}

	if stream == "" {
		return time.Time{}, false, errors.New("stream cannot be empty")
	}

	input := &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            watermarkKey(stream),
		ConsistentRead: aws.Bool(true),
	}

	output, err := s.client.GetItem(ctx, input)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read watermark from DynamoDB table %s: %w", s.tableName, err)
	}

	if output.Item == nil {
		return time.Time{}, false, nil
	}

	raw := getStringValue(output.Item[WatermarkAttr])
	if raw == "" {
		return time.Time{}, false, fmt.Errorf("watermark item for stream %s has no %s attribute", stream, WatermarkAttr)
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
	if s.client == nil {
		return errNotConnected
	}

	if stream == "" {
		return errors.New("stream cannot be empty")
	}

	if watermark.IsZero() {
		return errors.New("watermark cannot be zero")
	}

	value := formatTimestamp(watermark)

	item := watermarkKey(stream)
	item[WatermarkAttr] = &dynamodbtypes.AttributeValueMemberS{Value: value}
	item[UpdatedAtAttr] = &dynamodbtypes.AttributeValueMemberS{Value: formatTimestamp(s.opts.clock())}

	input := &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#wm) OR #wm <= :wm"),
		ExpressionAttributeNames: map[string]string{
			"#wm": WatermarkAttr,
		},
		ExpressionAttributeValues: map[string]dynamodbtypes.AttributeValue{
			":wm": &dynamodbtypes.AttributeValueMemberS{Value: value},
		},
	}

	if _, err := s.client.PutItem(ctx, input); err != nil {
		var conditionFailed *dynamodbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return fmt.Errorf("%w: stream %s, watermark %s", ErrStaleWatermark, stream, value)
		}
		return fmt.Errorf("failed to write watermark to DynamoDB table %s: %w", s.tableName, err)
	}

	return nil
}

func watermarkKey(stream string) map[string]dynamodbtypes.AttributeValue {
	return map[string]dynamodbtypes.AttributeValue{
		PartitionKey: &dynamodbtypes.AttributeValueMemberS{Value: stream},
		SortKey:      &dynamodbtypes.AttributeValueMemberS{Value: WatermarkSortKey},
	}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// getStringValue extracts the string value from a DynamoDB AttributeValue.
// It returns an empty string if the AttributeValue is not of type AttributeValueMemberS.
func getStringValue(attr dynamodbtypes.AttributeValue) string {
	if attrValue, ok := attr.(*dynamodbtypes.AttributeValueMemberS); ok {
		return attrValue.Value
	}

	return ""
}
