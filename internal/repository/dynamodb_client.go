package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"invoice-agent/internal/clock"
)

const (
	skMeta         = "META#"
	skInvoiceGuard = "INVOICE#"
	skSubscription = "SUBSCRIPTION#"
	skQuotaPrefix  = "QUOTA#"

	gsi1Name        = "GSI1"
	gsiConvPrefix   = "CONV#"
	gsiInvPrefix    = "INV#"
	conversationTTL = 30 * 24 * time.Hour
	quotaTTL        = 400 * 24 * time.Hour

	defaultPageSize = 20
	maxPageSize     = 100
)

var (
	// ErrNotFound means the item does not exist or belongs to another user.
	ErrNotFound = errors.New("repository: not found")
	// ErrConflict means a conditional write lost against a concurrent one.
	ErrConflict = errors.New("repository: conflict")
	// ErrUnavailable marks transient store failures.
	ErrUnavailable = errors.New("repository: store unavailable")
	// ErrInvalidCursor means a pagination cursor could not be decoded.
	ErrInvalidCursor = errors.New("repository: invalid cursor")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores conversations, invoices, quota counters and subscription
// lookups in one DynamoDB table keyed by PK/SK, with a GSI1 index for
// per-user listings.
type Client struct {
	api       dynamodbAPI
	tableName string
	clock     clock.Clock
}

type Option func(*Client)

// WithClock overrides the clock used for timestamps and TTLs.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, clock: clock.System{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func convPK(conversationID string) string { return "CONV#" + conversationID }
func invPK(invoiceID string) string       { return "INV#" + invoiceID }
func userPK(userID string) string         { return "USER#" + userID }
func quotaSK(period string) string        { return skQuotaPrefix + period }

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func pageSize(limit int) int32 {
	switch {
	case limit <= 0:
		return defaultPageSize
	case limit > maxPageSize:
		return maxPageSize
	default:
		return int32(limit)
	}
}

// classify wraps err with ErrConflict or ErrUnavailable when the DynamoDB
// error code calls for it.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ConditionalCheckFailedException":
			return fmt.Errorf("repository: %s: %w: %w", op, ErrConflict, err)
		case "TransactionCanceledException":
			if strings.Contains(apiErr.ErrorMessage(), "ConditionalCheckFailed") {
				return fmt.Errorf("repository: %s: %w: %w", op, ErrConflict, err)
			}
			return fmt.Errorf("repository: %s: %w: %w", op, ErrUnavailable, err)
		case "ProvisionedThroughputExceededException", "RequestLimitExceeded", "ThrottlingException",
			"InternalServerError", "ServiceUnavailable", "TransactionConflictException":
			return fmt.Errorf("repository: %s: %w: %w", op, ErrUnavailable, err)
		}
		return fmt.Errorf("repository: %s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("repository: %s: %w", op, err)
	}
	return fmt.Errorf("repository: %s: %w: %w", op, ErrUnavailable, err)
}

func isConditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
