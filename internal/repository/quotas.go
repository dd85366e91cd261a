package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"invoice-agent/internal/domain"
)

const periodLayout = "2006-01"

// Client satisfies ratelimit.CounterStore with one item per user and month:
// PK=USER#<id>, SK=QUOTA#<yyyy-mm>.

// IncrementBelow atomically increments the monthly counter while it is
// below limit. A failed condition is reported as ok=false, not an error.
func (c *Client) IncrementBelow(ctx context.Context, userID, period string, limit int) (int, bool, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(userPK(userID), quotaSK(period)),
		UpdateExpression:    aws.String("SET invoice_count = if_not_exists(invoice_count, :zero) + :one, #ttl = :ttl, updated_at = :now"),
		ConditionExpression: aws.String("attribute_not_exists(invoice_count) OR invoice_count < :limit"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":  &types.AttributeValueMemberN{Value: "0"},
			":one":   &types.AttributeValueMemberN{Value: "1"},
			":limit": &types.AttributeValueMemberN{Value: strconv.Itoa(limit)},
			":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(c.clock.Now().Add(quotaTTL).Unix(), 10)},
			":now":   &types.AttributeValueMemberS{Value: formatTime(c.clock.Now())},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if isConditionFailed(err) {
			return limit, false, nil
		}
		return 0, false, classify("IncrementBelow", err)
	}
	count, err := intAttr(out.Attributes, "invoice_count")
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

// Decrement gives back one unit. A counter already at zero is left alone.
func (c *Client) Decrement(ctx context.Context, userID, period string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(userPK(userID), quotaSK(period)),
		UpdateExpression:    aws.String("SET invoice_count = invoice_count - :one"),
		ConditionExpression: aws.String("invoice_count > :zero"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":one":  &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return nil
		}
		return classify("Decrement", err)
	}
	return nil
}

// Count returns the current monthly count; a missing counter is zero.
func (c *Client) Count(ctx context.Context, userID, period string) (int, error) {
	rec, err := c.Usage(ctx, userID, period)
	if err != nil {
		return 0, err
	}
	return rec.InvoiceCount, nil
}

// Usage loads the usage record for one period.
func (c *Client) Usage(ctx context.Context, userID, period string) (domain.UsageRecord, error) {
	start, err := time.Parse(periodLayout, period)
	if err != nil {
		return domain.UsageRecord{}, fmt.Errorf("repository: Usage: invalid period %q: %w", period, err)
	}
	rec := domain.UsageRecord{UserID: userID, Period: period, PeriodStart: start}

	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(userPK(userID), quotaSK(period)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.UsageRecord{}, classify("Usage", err)
	}
	if out == nil || len(out.Item) == 0 {
		return rec, nil
	}
	if rec.InvoiceCount, err = intAttr(out.Item, "invoice_count"); err != nil {
		return domain.UsageRecord{}, fmt.Errorf("repository: Usage: %w", err)
	}
	return rec, nil
}
