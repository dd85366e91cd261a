package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"invoice-agent/internal/domain"
)

type messageRecord struct {
	Role      string `dynamodbav:"role"`
	Content   string `dynamodbav:"content"`
	Timestamp string `dynamodbav:"timestamp"`
}

type conversationRecord struct {
	PK             string          `dynamodbav:"PK"`
	SK             string          `dynamodbav:"SK"`
	GSI1PK         string          `dynamodbav:"GSI1PK"`
	GSI1SK         string          `dynamodbav:"GSI1SK"`
	EntityType     string          `dynamodbav:"entity_type"`
	ConversationID string          `dynamodbav:"conversation_id"`
	UserID         string          `dynamodbav:"user_id"`
	Messages       []messageRecord `dynamodbav:"messages"`
	Fields         fieldsRecord    `dynamodbav:"collected_fields"`
	Stage          string          `dynamodbav:"stage"`
	InvoiceID      string          `dynamodbav:"invoice_id,omitempty"`
	Version        int64           `dynamodbav:"version"`
	CreatedAt      string          `dynamodbav:"created_at"`
	UpdatedAt      string          `dynamodbav:"updated_at"`
	TTL            int64           `dynamodbav:"ttl"`
}

// GetConversation loads a conversation owned by userID. A conversation of
// another user reads as ErrNotFound.
func (c *Client) GetConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(conversationID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classify("GetConversation", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var rec conversationRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("repository: GetConversation unmarshal: %w", err)
	}
	if rec.UserID != userID {
		return nil, ErrNotFound
	}
	return rec.toDomain()
}

// SaveConversation writes conv if nobody else saved it since it was read.
// A new conversation has Version 0. On success conv.Version is advanced;
// a stale version returns ErrConflict.
func (c *Client) SaveConversation(ctx context.Context, conv *domain.Conversation) error {
	if conv == nil || conv.ID == "" || conv.UserID == "" {
		return errors.New("repository: SaveConversation: conversation id and user id are required")
	}
	expected := conv.Version
	rec := toConversationRecord(conv, expected+1, c.clock.Now().Add(conversationTTL).Unix())
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("repository: SaveConversation marshal: %w", err)
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	}
	if expected == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		in.ConditionExpression = aws.String("version = :expected")
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		}
	}

	if _, err := c.api.PutItem(ctx, in); err != nil {
		return classify("SaveConversation", err)
	}
	conv.Version = expected + 1
	return nil
}

// ListConversations returns a page of the user's conversations, most
// recently updated first, and the cursor of the next page.
func (c *Client) ListConversations(ctx context.Context, userID string, limit int, cursor string) ([]domain.Conversation, string, error) {
	gsiPK := userPK(userID)
	start, err := decodeCursor(cursor, gsiPK)
	if err != nil {
		return nil, "", err
	}

	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(gsi1Name),
		KeyConditionExpression: aws.String("GSI1PK = :pk AND begins_with(GSI1SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: gsiPK},
			":prefix": &types.AttributeValueMemberS{Value: gsiConvPrefix},
		},
		ScanIndexForward:  aws.Bool(false),
		Limit:             aws.Int32(pageSize(limit)),
		ExclusiveStartKey: start,
	})
	if err != nil {
		return nil, "", classify("ListConversations", err)
	}

	var recs []conversationRecord
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &recs); err != nil {
		return nil, "", fmt.Errorf("repository: ListConversations unmarshal: %w", err)
	}
	convs := make([]domain.Conversation, 0, len(recs))
	for _, rec := range recs {
		conv, err := rec.toDomain()
		if err != nil {
			return nil, "", err
		}
		convs = append(convs, *conv)
	}
	next, err := encodeCursor(out.LastEvaluatedKey)
	if err != nil {
		return nil, "", err
	}
	return convs, next, nil
}

func toConversationRecord(conv *domain.Conversation, version, ttl int64) conversationRecord {
	msgs := make([]messageRecord, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		msgs = append(msgs, messageRecord{Role: string(m.Role), Content: m.Content, Timestamp: formatTime(m.Timestamp)})
	}
	return conversationRecord{
		PK:             convPK(conv.ID),
		SK:             skMeta,
		GSI1PK:         userPK(conv.UserID),
		GSI1SK:         gsiConvPrefix + formatTime(conv.UpdatedAt),
		EntityType:     "conversation",
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Messages:       msgs,
		Fields:         toFieldsRecord(conv.Fields),
		Stage:          string(conv.Stage),
		InvoiceID:      conv.InvoiceID,
		Version:        version,
		CreatedAt:      formatTime(conv.CreatedAt),
		UpdatedAt:      formatTime(conv.UpdatedAt),
		TTL:            ttl,
	}
}

func (r conversationRecord) toDomain() (*domain.Conversation, error) {
	stage, err := domain.ParseStage(r.Stage)
	if err != nil {
		return nil, fmt.Errorf("repository: conversation %s: %w", r.ConversationID, err)
	}
	fields, err := r.Fields.toDomain()
	if err != nil {
		return nil, fmt.Errorf("repository: conversation %s: %w", r.ConversationID, err)
	}
	conv := &domain.Conversation{
		ID:        r.ConversationID,
		UserID:    r.UserID,
		Fields:    fields,
		Stage:     stage,
		InvoiceID: r.InvoiceID,
		Version:   r.Version,
		Messages:  make([]domain.Message, 0, len(r.Messages)),
	}
	for _, m := range r.Messages {
		ts, err := parseTime(m.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("repository: conversation %s message time: %w", r.ConversationID, err)
		}
		conv.Messages = append(conv.Messages, domain.Message{Role: domain.Role(m.Role), Content: m.Content, Timestamp: ts})
	}
	if conv.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, fmt.Errorf("repository: conversation %s created_at: %w", r.ConversationID, err)
	}
	if conv.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("repository: conversation %s updated_at: %w", r.ConversationID, err)
	}
	return conv, nil
}
