package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"invoice-agent/internal/domain"
)

type totalsRecord struct {
	Subtotal        string `dynamodbav:"subtotal"`
	TaxableSubtotal string `dynamodbav:"taxable_subtotal"`
	Discount        string `dynamodbav:"discount"`
	TaxAmount       string `dynamodbav:"tax_amount"`
	Total           string `dynamodbav:"total"`
}

type invoiceRecord struct {
	PK              string           `dynamodbav:"PK"`
	SK              string           `dynamodbav:"SK"`
	GSI1PK          string           `dynamodbav:"GSI1PK"`
	GSI1SK          string           `dynamodbav:"GSI1SK"`
	EntityType      string           `dynamodbav:"entity_type"`
	InvoiceID       string           `dynamodbav:"invoice_id"`
	UserID          string           `dynamodbav:"user_id"`
	ConversationID  string           `dynamodbav:"conversation_id,omitempty"`
	CustomerName    string           `dynamodbav:"customer_name"`
	CustomerEmail   string           `dynamodbav:"customer_email,omitempty"`
	CustomerAddress string           `dynamodbav:"customer_address,omitempty"`
	InvoiceNumber   string           `dynamodbav:"invoice_number,omitempty"`
	InvoiceDate     string           `dynamodbav:"invoice_date"`
	DueDate         string           `dynamodbav:"due_date"`
	LineItems       []lineItemRecord `dynamodbav:"line_items"`
	TaxRate         string           `dynamodbav:"tax_rate"`
	DiscountInput   string           `dynamodbav:"discount_input"`
	Notes           string           `dynamodbav:"notes,omitempty"`
	Totals          totalsRecord     `dynamodbav:"totals"`
	Status          string           `dynamodbav:"status"`
	PDFReference    string           `dynamodbav:"pdf_reference,omitempty"`
	CreatedAt       string           `dynamodbav:"created_at"`
	UpdatedAt       string           `dynamodbav:"updated_at"`
}

type invoiceGuardRecord struct {
	PK         string `dynamodbav:"PK"`
	SK         string `dynamodbav:"SK"`
	EntityType string `dynamodbav:"entity_type"`
	InvoiceID  string `dynamodbav:"invoice_id"`
	UserID     string `dynamodbav:"user_id"`
	CreatedAt  string `dynamodbav:"created_at"`
}

// PutInvoice stores a new invoice. When the invoice was produced by a
// conversation, a guard item keyed by the conversation is written in the
// same transaction so a conversation can yield at most one invoice; a
// second attempt returns ErrConflict.
func (c *Client) PutInvoice(ctx context.Context, inv domain.Invoice) error {
	item, err := attributevalue.MarshalMap(toInvoiceRecord(inv))
	if err != nil {
		return fmt.Errorf("repository: PutInvoice marshal: %w", err)
	}

	if inv.ConversationID == "" {
		_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(c.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		})
		if err != nil {
			return classify("PutInvoice", err)
		}
		return nil
	}

	guard, err := attributevalue.MarshalMap(invoiceGuardRecord{
		PK:         convPK(inv.ConversationID),
		SK:         skInvoiceGuard,
		EntityType: "invoice_guard",
		InvoiceID:  inv.ID,
		UserID:     inv.UserID,
		CreatedAt:  formatTime(inv.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("repository: PutInvoice marshal guard: %w", err)
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                guard,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
		},
	})
	if err != nil {
		return classify("PutInvoice", err)
	}
	return nil
}

// InvoiceForConversation returns the id of the invoice a conversation
// produced, or ErrNotFound when it has none yet.
func (c *Client) InvoiceForConversation(ctx context.Context, conversationID string) (string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(conversationID), skInvoiceGuard),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", classify("InvoiceForConversation", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", ErrNotFound
	}
	return strAttr(out.Item, "invoice_id")
}

// GetInvoice loads an invoice owned by userID.
func (c *Client) GetInvoice(ctx context.Context, userID, invoiceID string) (*domain.Invoice, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(invPK(invoiceID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify("GetInvoice", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var rec invoiceRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("repository: GetInvoice unmarshal: %w", err)
	}
	if rec.UserID != userID {
		return nil, ErrNotFound
	}
	return rec.toDomain()
}

// ListInvoices returns a page of the user's invoices, newest first,
// optionally restricted to one status, and the cursor of the next page. A
// filtered page may hold fewer than Limit invoices while still carrying a
// cursor.
func (c *Client) ListInvoices(ctx context.Context, userID string, q domain.InvoiceQuery) ([]domain.Invoice, string, error) {
	gsiPK := userPK(userID)
	start, err := decodeCursor(q.Cursor, gsiPK)
	if err != nil {
		return nil, "", err
	}

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(gsi1Name),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND begins_with(GSI1SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: gsiPK},
			":prefix": &types.AttributeValueMemberS{Value: gsiInvPrefix},
		},
		ScanIndexForward:  aws.Bool(false),
		Limit:             aws.Int32(pageSize(q.Limit)),
		ExclusiveStartKey: start,
	}
	if q.Status != "" {
		in.FilterExpression = aws.String("#status = :status")
		in.ExpressionAttributeNames = map[string]string{"#status": "status"}
		in.ExpressionAttributeValues[":status"] = &types.AttributeValueMemberS{Value: string(q.Status)}
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, "", classify("ListInvoices", err)
	}

	var recs []invoiceRecord
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &recs); err != nil {
		return nil, "", fmt.Errorf("repository: ListInvoices unmarshal: %w", err)
	}
	invoices := make([]domain.Invoice, 0, len(recs))
	for _, rec := range recs {
		inv, err := rec.toDomain()
		if err != nil {
			return nil, "", err
		}
		invoices = append(invoices, *inv)
	}
	next, err := encodeCursor(out.LastEvaluatedKey)
	if err != nil {
		return nil, "", err
	}
	return invoices, next, nil
}

// AttachPDF records the storage key of the rendered document and sets the
// status. Re-attaching the same key is allowed; replacing a different key
// returns ErrConflict.
func (c *Client) AttachPDF(ctx context.Context, invoiceID, objectKey string, status domain.Status, now time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(invPK(invoiceID), skMeta),
		UpdateExpression:    aws.String("SET pdf_reference = :key, #status = :status, updated_at = :now"),
		ConditionExpression: aws.String("attribute_exists(PK) AND (attribute_not_exists(pdf_reference) OR pdf_reference = :key)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":key":    &types.AttributeValueMemberS{Value: objectKey},
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":now":    &types.AttributeValueMemberS{Value: formatTime(now)},
		},
	})
	if err != nil {
		return classify("AttachPDF", err)
	}
	return nil
}

func toInvoiceRecord(inv domain.Invoice) invoiceRecord {
	d := inv.Data
	return invoiceRecord{
		PK:              invPK(inv.ID),
		SK:              skMeta,
		GSI1PK:          userPK(inv.UserID),
		GSI1SK:          gsiInvPrefix + formatTime(inv.CreatedAt) + "#" + inv.ID,
		EntityType:      "invoice",
		InvoiceID:       inv.ID,
		UserID:          inv.UserID,
		ConversationID:  inv.ConversationID,
		CustomerName:    d.CustomerName,
		CustomerEmail:   d.CustomerEmail,
		CustomerAddress: d.CustomerAddress,
		InvoiceNumber:   d.InvoiceNumber,
		InvoiceDate:     domain.FormatDate(d.InvoiceDate),
		DueDate:         domain.FormatDate(d.DueDate),
		LineItems:       toLineItemRecords(d.LineItems),
		TaxRate:         d.TaxRate.String(),
		DiscountInput:   d.Discount.StringFixed(domain.CurrencyPlaces),
		Notes:           d.Notes,
		Totals: totalsRecord{
			Subtotal:        inv.Totals.Subtotal.StringFixed(domain.CurrencyPlaces),
			TaxableSubtotal: inv.Totals.TaxableSubtotal.StringFixed(domain.CurrencyPlaces),
			Discount:        inv.Totals.Discount.StringFixed(domain.CurrencyPlaces),
			TaxAmount:       inv.Totals.TaxAmount.StringFixed(domain.CurrencyPlaces),
			Total:           inv.Totals.Total.StringFixed(domain.CurrencyPlaces),
		},
		Status:       string(inv.Status),
		PDFReference: inv.PDFReference,
		CreatedAt:    formatTime(inv.CreatedAt),
		UpdatedAt:    formatTime(inv.UpdatedAt),
	}
}

func (r invoiceRecord) toDomain() (*domain.Invoice, error) {
	wrap := func(what string, err error) error {
		return fmt.Errorf("repository: invoice %s %s: %w", r.InvoiceID, what, err)
	}

	status, err := domain.ParseStatus(r.Status)
	if err != nil {
		return nil, wrap("status", err)
	}
	items, err := fromLineItemRecords(r.LineItems)
	if err != nil {
		return nil, wrap("line items", err)
	}
	inv := &domain.Invoice{
		ID:             r.InvoiceID,
		UserID:         r.UserID,
		ConversationID: r.ConversationID,
		Status:         status,
		PDFReference:   r.PDFReference,
		Data: domain.InvoiceData{
			CustomerName:    r.CustomerName,
			CustomerEmail:   r.CustomerEmail,
			CustomerAddress: r.CustomerAddress,
			InvoiceNumber:   r.InvoiceNumber,
			LineItems:       items,
			Notes:           r.Notes,
		},
	}
	if inv.Data.InvoiceDate, err = domain.ParseDate(r.InvoiceDate); err != nil {
		return nil, wrap("invoice_date", err)
	}
	if inv.Data.DueDate, err = domain.ParseDate(r.DueDate); err != nil {
		return nil, wrap("due_date", err)
	}

	decimals := []struct {
		name string
		src  string
		dst  *decimal.Decimal
	}{
		{"tax_rate", r.TaxRate, &inv.Data.TaxRate},
		{"discount", r.DiscountInput, &inv.Data.Discount},
		{"subtotal", r.Totals.Subtotal, &inv.Totals.Subtotal},
		{"taxable_subtotal", r.Totals.TaxableSubtotal, &inv.Totals.TaxableSubtotal},
		{"totals.discount", r.Totals.Discount, &inv.Totals.Discount},
		{"tax_amount", r.Totals.TaxAmount, &inv.Totals.TaxAmount},
		{"total", r.Totals.Total, &inv.Totals.Total},
	}
	for _, d := range decimals {
		v, err := decimal.NewFromString(d.src)
		if err != nil {
			return nil, wrap(d.name, err)
		}
		*d.dst = v
	}

	if inv.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, wrap("created_at", err)
	}
	if inv.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, wrap("updated_at", err)
	}
	return inv, nil
}
