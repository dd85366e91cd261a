package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"invoice-agent/internal/clock"
	"invoice-agent/internal/domain"
)

type fakeDynamo struct {
	getOut    *dynamodb.GetItemOutput
	getErr    error
	putErr    error
	updateOut *dynamodb.UpdateItemOutput
	updateErr error
	queryOut  *dynamodb.QueryOutput
	queryErr  error
	txErr     error

	lastGetInput    *dynamodb.GetItemInput
	lastPutInput    *dynamodb.PutItemInput
	lastUpdateInput *dynamodb.UpdateItemInput
	lastQueryIn     *dynamodb.QueryInput
	lastTxInput     *dynamodb.TransactWriteItemsInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.lastGetInput = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.lastPutInput = in
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.lastUpdateInput = in
	if f.updateOut == nil {
		return &dynamodb.UpdateItemOutput{}, f.updateErr
	}
	return f.updateOut, f.updateErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQueryIn = in
	return f.queryOut, f.queryErr
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.lastTxInput = in
	return &dynamodb.TransactWriteItemsOutput{}, f.txErr
}

var (
	testNow         = time.Date(2026, 10, 15, 10, 30, 0, 0, time.UTC)
	conditionFailed = &smithy.GenericAPIError{Code: "ConditionalCheckFailedException", Message: "The conditional request failed"}
)

func mustNewClient(t *testing.T, db *fakeDynamo) *Client {
	t.Helper()
	c, err := New(db, "test-table", WithClock(clock.NewFake(testNow)))
	require.NoError(t, err)
	return c
}

func sampleConversation() *domain.Conversation {
	conv := domain.NewConversation("conv-1", "user-1", testNow)
	conv.AppendMessage(domain.RoleUser, "Bill Acme for 10 hours at $150", testNow)
	conv.AppendMessage(domain.RoleAssistant, "What is the due date?", testNow.Add(time.Second))
	name := "Acme"
	due := time.Date(2026, 11, 14, 0, 0, 0, 0, time.UTC)
	rate := decimal.RequireFromString("0.0825")
	conv.Fields = domain.InvoiceFields{
		CustomerName: &name,
		DueDate:      &due,
		TaxRate:      &rate,
		LineItems: []domain.LineItem{{
			Description: "Consulting",
			Quantity:    decimal.NewFromInt(10),
			UnitPrice:   decimal.NewFromInt(150),
			Taxable:     true,
		}},
	}
	return conv
}

func sampleInvoice(t *testing.T, conversationID string) domain.Invoice {
	t.Helper()
	inv, err := domain.NewInvoice("inv-1", "user-1", conversationID, domain.InvoiceData{
		CustomerName: "Acme",
		InvoiceDate:  time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC),
		DueDate:      time.Date(2026, 11, 14, 0, 0, 0, 0, time.UTC),
		LineItems: []domain.LineItem{{
			Description: "Consulting",
			Quantity:    decimal.NewFromInt(10),
			UnitPrice:   decimal.RequireFromString("150.00"),
			Taxable:     true,
		}},
		TaxRate:  decimal.RequireFromString("0.1"),
		Discount: decimal.RequireFromString("50"),
	}, testNow)
	require.NoError(t, err)
	return inv
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "t")
	require.Error(t, err)
	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

func TestSaveConversation_NewUsesNotExistsCondition(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	conv := sampleConversation()

	require.NoError(t, c.SaveConversation(context.Background(), conv))
	require.Equal(t, int64(1), conv.Version)

	in := db.lastPutInput
	require.NotNil(t, in)
	require.Equal(t, "attribute_not_exists(PK)", *in.ConditionExpression)
	require.Equal(t, &types.AttributeValueMemberS{Value: "CONV#conv-1"}, in.Item["PK"])
	require.Equal(t, &types.AttributeValueMemberS{Value: "USER#user-1"}, in.Item["GSI1PK"])
	require.Equal(t, &types.AttributeValueMemberN{Value: "1"}, in.Item["version"])

	ttl := in.Item["ttl"].(*types.AttributeValueMemberN)
	require.NotEqual(t, "0", ttl.Value)
}

func TestSaveConversation_ExistingChecksVersion(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	conv := sampleConversation()
	conv.Version = 3

	require.NoError(t, c.SaveConversation(context.Background(), conv))
	require.Equal(t, int64(4), conv.Version)
	require.Equal(t, "version = :expected", *db.lastPutInput.ConditionExpression)
	require.Equal(t, &types.AttributeValueMemberN{Value: "3"}, db.lastPutInput.ExpressionAttributeValues[":expected"])
}

func TestSaveConversation_StaleVersionConflicts(t *testing.T) {
	db := &fakeDynamo{putErr: conditionFailed}
	c := mustNewClient(t, db)
	conv := sampleConversation()
	conv.Version = 2

	err := c.SaveConversation(context.Background(), conv)
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, int64(2), conv.Version)
}

func TestConversation_RoundTrip(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	conv := sampleConversation()
	require.NoError(t, c.SaveConversation(context.Background(), conv))

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	got, err := c.GetConversation(context.Background(), "user-1", "conv-1")
	require.NoError(t, err)

	require.Equal(t, conv.ID, got.ID)
	require.Equal(t, domain.StageCollecting, got.Stage)
	require.Equal(t, int64(1), got.Version)
	require.Len(t, got.Messages, 2)
	require.Equal(t, domain.RoleAssistant, got.Messages[1].Role)
	require.True(t, conv.Messages[1].Timestamp.Equal(got.Messages[1].Timestamp))
	require.Equal(t, "Acme", *got.Fields.CustomerName)
	require.Nil(t, got.Fields.InvoiceDate)
	require.Equal(t, "2026-11-14", domain.FormatDate(*got.Fields.DueDate))
	require.True(t, got.Fields.TaxRate.Equal(decimal.RequireFromString("0.0825")))
	require.Len(t, got.Fields.LineItems, 1)
	require.True(t, got.Fields.LineItems[0].UnitPrice.Equal(decimal.NewFromInt(150)))
	require.Equal(t, []string{domain.FieldInvoiceDate}, got.Fields.Missing())
}

func TestGetConversation_OtherUserIsNotFound(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.SaveConversation(context.Background(), sampleConversation()))

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	_, err := c.GetConversation(context.Background(), "user-2", "conv-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetConversation_Missing(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})
	_, err := c.GetConversation(context.Background(), "user-1", "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetConversation_TransientError(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{getErr: errors.New("connection reset")})
	_, err := c.GetConversation(context.Background(), "user-1", "conv-1")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Contains(t, err.Error(), "GetConversation")
}

func TestListConversations_QueriesUserIndexNewestFirst(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.SaveConversation(context.Background(), sampleConversation()))

	db.queryOut = &dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{db.lastPutInput.Item},
		LastEvaluatedKey: map[string]types.AttributeValue{
			"PK":     &types.AttributeValueMemberS{Value: "CONV#conv-1"},
			"SK":     &types.AttributeValueMemberS{Value: skMeta},
			"GSI1PK": &types.AttributeValueMemberS{Value: "USER#user-1"},
			"GSI1SK": &types.AttributeValueMemberS{Value: "CONV#2026-10-15T10:30:01Z"},
		},
	}
	convs, next, err := c.ListConversations(context.Background(), "user-1", 500, "")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.NotEmpty(t, next)

	in := db.lastQueryIn
	require.Equal(t, gsi1Name, *in.IndexName)
	require.False(t, *in.ScanIndexForward)
	require.Equal(t, int32(maxPageSize), *in.Limit)
	require.Nil(t, in.ExclusiveStartKey)

	_, _, err = c.ListConversations(context.Background(), "user-1", 0, next)
	require.NoError(t, err)
	require.Equal(t, int32(defaultPageSize), *db.lastQueryIn.Limit)
	require.Equal(t, db.queryOut.LastEvaluatedKey, db.lastQueryIn.ExclusiveStartKey)
}

func TestPutInvoice_StandaloneIsConditionalPut(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.PutInvoice(context.Background(), sampleInvoice(t, "")))

	require.Nil(t, db.lastTxInput)
	require.Equal(t, "attribute_not_exists(PK)", *db.lastPutInput.ConditionExpression)
	require.Equal(t, &types.AttributeValueMemberS{Value: "INV#inv-1"}, db.lastPutInput.Item["PK"])
}

func TestPutInvoice_FromConversationWritesGuard(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.PutInvoice(context.Background(), sampleInvoice(t, "conv-1")))

	require.Nil(t, db.lastPutInput)
	require.Len(t, db.lastTxInput.TransactItems, 2)
	guard := db.lastTxInput.TransactItems[0].Put
	require.Equal(t, &types.AttributeValueMemberS{Value: "CONV#conv-1"}, guard.Item["PK"])
	require.Equal(t, &types.AttributeValueMemberS{Value: skInvoiceGuard}, guard.Item["SK"])
	require.Equal(t, &types.AttributeValueMemberS{Value: "inv-1"}, guard.Item["invoice_id"])
}

func TestPutInvoice_DuplicateConversationConflicts(t *testing.T) {
	db := &fakeDynamo{txErr: &smithy.GenericAPIError{
		Code:    "TransactionCanceledException",
		Message: "Transaction cancelled, please refer cancellation reasons for specific reasons [ConditionalCheckFailed, None]",
	}}
	c := mustNewClient(t, db)
	err := c.PutInvoice(context.Background(), sampleInvoice(t, "conv-1"))
	require.ErrorIs(t, err, ErrConflict)
}

func TestInvoice_RoundTripKeepsTotals(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	want := sampleInvoice(t, "")
	require.NoError(t, c.PutInvoice(context.Background(), want))

	db.getOut = &dynamodb.GetItemOutput{Item: db.lastPutInput.Item}
	got, err := c.GetInvoice(context.Background(), "user-1", "inv-1")
	require.NoError(t, err)

	require.Equal(t, domain.StatusDraft, got.Status)
	require.Equal(t, "Acme", got.Data.CustomerName)
	require.True(t, want.Totals.Total.Equal(got.Totals.Total))
	require.True(t, want.Totals.TaxAmount.Equal(got.Totals.TaxAmount))
	require.True(t, got.Totals.Discount.Equal(decimal.NewFromInt(50)))
	require.Equal(t, "1595.00", got.Totals.Total.StringFixed(2))

	_, err = c.GetInvoice(context.Background(), "user-2", "inv-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInvoiceForConversation(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"PK":         &types.AttributeValueMemberS{Value: "CONV#conv-1"},
		"SK":         &types.AttributeValueMemberS{Value: skInvoiceGuard},
		"invoice_id": &types.AttributeValueMemberS{Value: "inv-9"},
	}}}
	c := mustNewClient(t, db)
	id, err := c.InvoiceForConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, "inv-9", id)

	db.getOut = &dynamodb.GetItemOutput{}
	_, err = c.InvoiceForConversation(context.Background(), "conv-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListInvoices_StatusFilter(t *testing.T) {
	db := &fakeDynamo{queryOut: &dynamodb.QueryOutput{}}
	c := mustNewClient(t, db)

	invoices, next, err := c.ListInvoices(context.Background(), "user-1", domain.InvoiceQuery{Status: domain.StatusPaid, Limit: 5})
	require.NoError(t, err)
	require.Empty(t, invoices)
	require.Empty(t, next)

	in := db.lastQueryIn
	require.Equal(t, "#status = :status", *in.FilterExpression)
	require.Equal(t, &types.AttributeValueMemberS{Value: "paid"}, in.ExpressionAttributeValues[":status"])
	require.Equal(t, &types.AttributeValueMemberS{Value: gsiInvPrefix}, in.ExpressionAttributeValues[":prefix"])
	require.Equal(t, int32(5), *in.Limit)
}

func TestListInvoices_ForeignCursorRejected(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{queryOut: &dynamodb.QueryOutput{}})
	cursor, err := encodeCursor(map[string]types.AttributeValue{
		"PK":     &types.AttributeValueMemberS{Value: "INV#x"},
		"SK":     &types.AttributeValueMemberS{Value: skMeta},
		"GSI1PK": &types.AttributeValueMemberS{Value: "USER#user-2"},
	})
	require.NoError(t, err)

	_, _, err = c.ListInvoices(context.Background(), "user-1", domain.InvoiceQuery{Cursor: cursor})
	require.ErrorIs(t, err, ErrInvalidCursor)
	_, _, err = c.ListInvoices(context.Background(), "user-1", domain.InvoiceQuery{Cursor: "%%%"})
	require.ErrorIs(t, err, ErrInvalidCursor)
}

func TestAttachPDF(t *testing.T) {
	db := &fakeDynamo{}
	c := mustNewClient(t, db)
	require.NoError(t, c.AttachPDF(context.Background(), "inv-1", "invoices/user-1/inv-1.pdf", domain.StatusPending, testNow))

	in := db.lastUpdateInput
	require.Contains(t, *in.ConditionExpression, "attribute_not_exists(pdf_reference)")
	require.Equal(t, &types.AttributeValueMemberS{Value: "pending"}, in.ExpressionAttributeValues[":status"])

	db.updateErr = conditionFailed
	err := c.AttachPDF(context.Background(), "inv-1", "other.pdf", domain.StatusPending, testNow)
	require.ErrorIs(t, err, ErrConflict)
}

func TestIncrementBelow(t *testing.T) {
	db := &fakeDynamo{updateOut: &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		"invoice_count": &types.AttributeValueMemberN{Value: "3"},
	}}}
	c := mustNewClient(t, db)

	n, ok, err := c.IncrementBelow(context.Background(), "user-1", "2026-10", 5)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, n)
	require.Equal(t, key("USER#user-1", "QUOTA#2026-10"), db.lastUpdateInput.Key)
	require.Equal(t, &types.AttributeValueMemberN{Value: "5"}, db.lastUpdateInput.ExpressionAttributeValues[":limit"])
}

func TestIncrementBelow_LimitReached(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: conditionFailed})
	n, ok, err := c.IncrementBelow(context.Background(), "user-1", "2026-10", 5)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 5, n)
}

func TestIncrementBelow_Throttled(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: &smithy.GenericAPIError{Code: "ProvisionedThroughputExceededException"}})
	_, _, err := c.IncrementBelow(context.Background(), "user-1", "2026-10", 5)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestDecrement_AtZeroIsNoop(t *testing.T) {
	c := mustNewClient(t, &fakeDynamo{updateErr: conditionFailed})
	require.NoError(t, c.Decrement(context.Background(), "user-1", "2026-10"))
}

func TestCount(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)
	n, err := c.Count(context.Background(), "user-1", "2026-10")
	require.NoError(t, err)
	require.Equal(t, 0, n)

	db.getOut = &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"invoice_count": &types.AttributeValueMemberN{Value: "4"},
	}}
	n, err = c.Count(context.Background(), "user-1", "2026-10")
	require.NoError(t, err)
	require.Equal(t, 4, n)

	rec, err := c.Usage(context.Background(), "user-1", "2026-10")
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), rec.PeriodStart)
	require.Equal(t, 4, rec.InvoiceCount)

	_, err = c.Usage(context.Background(), "user-1", "October")
	require.Error(t, err)
}

func TestGetTier(t *testing.T) {
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{}}
	c := mustNewClient(t, db)

	tier, err := c.GetTier(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, domain.TierFree, tier)

	item, err := attributevalue.MarshalMap(map[string]string{"subscription_status": "PRO"})
	require.NoError(t, err)
	db.getOut = &dynamodb.GetItemOutput{Item: item}
	tier, err = c.GetTier(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, domain.TierPro, tier)
}

func TestGetSubscription_Profile(t *testing.T) {
	item, err := attributevalue.MarshalMap(map[string]string{
		"subscription_status": "pro",
		"invoice_color":       " Green ",
		"business_name":       "Globex Studio",
		"contact_name":        "Sam Doe",
		"phone":               "555-0100",
		"address_line1":       "1 Main St",
		"city":                "Springfield",
		"state":               "IL",
		"zip_code":            "62701",
		"country":             "USA",
	})
	require.NoError(t, err)
	db := &fakeDynamo{getOut: &dynamodb.GetItemOutput{Item: item}}
	c := mustNewClient(t, db)

	sub, err := c.GetSubscription(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, domain.TierPro, sub.Tier)
	require.Equal(t, "green", sub.InvoiceColor)
	require.Equal(t, "Globex Studio", sub.Profile.BusinessName)
	require.Equal(t, "Sam Doe", sub.Profile.ContactName)
	require.Equal(t, []string{"1 Main St", "Springfield, IL, 62701"}, sub.Profile.Address)
	require.Empty(t, sub.Profile.Email)

	item["country"] = &types.AttributeValueMemberS{Value: "Canada"}
	sub, err = c.GetSubscription(context.Background(), "user-1")
	require.NoError(t, err)
	require.Equal(t, "Canada", sub.Profile.Address[len(sub.Profile.Address)-1])
}

func TestGetSubscription_TransientError(t *testing.T) {
	db := &fakeDynamo{getErr: &smithy.GenericAPIError{Code: "ThrottlingException"}}
	c := mustNewClient(t, db)

	sub, err := c.GetSubscription(context.Background(), "user-1")
	require.ErrorIs(t, err, ErrUnavailable)
	require.Equal(t, domain.TierFree, sub.Tier)
}

func TestClassify_CanceledContextNotUnavailable(t *testing.T) {
	err := classify("op", context.Canceled)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, ErrUnavailable))
}
