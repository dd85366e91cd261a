package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"invoice-agent/internal/domain"
)

// homeCountry is left off printed addresses.
const homeCountry = "USA"

// subscriptionRecord is the SUBSCRIPTION# item written by the billing
// integration. The profile attributes are optional.
type subscriptionRecord struct {
	Status       string `dynamodbav:"subscription_status"`
	InvoiceColor string `dynamodbav:"invoice_color"`
	BusinessName string `dynamodbav:"business_name"`
	ContactName  string `dynamodbav:"contact_name"`
	Email        string `dynamodbav:"email"`
	Phone        string `dynamodbav:"phone"`
	AddressLine1 string `dynamodbav:"address_line1"`
	AddressLine2 string `dynamodbav:"address_line2"`
	City         string `dynamodbav:"city"`
	State        string `dynamodbav:"state"`
	ZipCode      string `dynamodbav:"zip_code"`
	Country      string `dynamodbav:"country"`
}

func (r subscriptionRecord) toDomain() domain.Subscription {
	var address []string
	for _, line := range []string{r.AddressLine1, r.AddressLine2} {
		if line = strings.TrimSpace(line); line != "" {
			address = append(address, line)
		}
	}
	var locality []string
	for _, part := range []string{r.City, r.State, r.ZipCode} {
		if part = strings.TrimSpace(part); part != "" {
			locality = append(locality, part)
		}
	}
	if len(locality) > 0 {
		address = append(address, strings.Join(locality, ", "))
	}
	if c := strings.TrimSpace(r.Country); c != "" && c != homeCountry {
		address = append(address, c)
	}

	return domain.Subscription{
		Tier:         domain.ParseTier(r.Status),
		InvoiceColor: strings.ToLower(strings.TrimSpace(r.InvoiceColor)),
		Profile: domain.Profile{
			BusinessName: strings.TrimSpace(r.BusinessName),
			ContactName:  strings.TrimSpace(r.ContactName),
			Email:        strings.TrimSpace(r.Email),
			Phone:        strings.TrimSpace(r.Phone),
			Address:      address,
		},
	}
}

// GetSubscription returns the user's tier and branding profile. Users
// without a subscription item are on the free tier with an empty profile.
func (c *Client) GetSubscription(ctx context.Context, userID string) (domain.Subscription, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(userPK(userID), skSubscription),
	})
	if err != nil {
		return domain.Subscription{Tier: domain.TierFree}, classify("GetSubscription", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Subscription{Tier: domain.TierFree}, nil
	}
	var rec subscriptionRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return domain.Subscription{Tier: domain.TierFree}, fmt.Errorf("repository: GetSubscription unmarshal: %w", err)
	}
	return rec.toDomain(), nil
}

// GetTier returns the user's subscription tier. An unrecognised status is
// the free tier.
func (c *Client) GetTier(ctx context.Context, userID string) (domain.Tier, error) {
	sub, err := c.GetSubscription(ctx, userID)
	if err != nil {
		return domain.TierFree, err
	}
	return sub.Tier, nil
}
