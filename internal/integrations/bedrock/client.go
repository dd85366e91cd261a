package bedrock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"go.uber.org/zap"

	"invoice-agent/internal/domain"
	"invoice-agent/internal/logging"
)

const (
	DefaultModelID     = "anthropic.claude-sonnet-4-5-20250929-v1:0"
	defaultMaxTokens   = 2048
	defaultTemperature = 0.2
)

// converseAPI is the subset of *bedrockruntime.Client used here.
type converseAPI interface {
	Converse(ctx context.Context, in *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client generates replies through the Bedrock Converse API.
type Client struct {
	api         converseAPI
	modelID     string
	maxTokens   int32
	temperature float32
	log         *zap.Logger
}

type Option func(*Client)

func WithModelID(id string) Option {
	return func(c *Client) {
		if id = strings.TrimSpace(id); id != "" {
			c.modelID = id
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = logging.OrNop(l) }
}

func New(api converseAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("bedrock: api must not be nil")
	}
	c := &Client{
		api:         api,
		modelID:     DefaultModelID,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Generate sends the transcript with the system prompt and returns the
// concatenated text blocks of the reply.
func (c *Client) Generate(ctx context.Context, transcript []domain.ChatMessage, systemPrompt string) (string, error) {
	messages, err := toMessages(transcript)
	if err != nil {
		return "", err
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(c.modelID),
		Messages: messages,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(c.maxTokens),
			Temperature: aws.Float32(c.temperature),
		},
	}
	if strings.TrimSpace(systemPrompt) != "" {
		in.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: systemPrompt}}
	}

	log := logging.WithContext(ctx, c.log)
	start := time.Now()
	out, err := c.api.Converse(ctx, in)
	if err != nil {
		log.Warn("bedrock converse failed", zap.String("model_id", c.modelID),
			zap.Duration("duration", time.Since(start)), zap.Error(err))
		return "", fmt.Errorf("bedrock: converse: %w", err)
	}

	text, err := replyText(out)
	if err != nil {
		return "", err
	}
	fields := []zap.Field{zap.String("model_id", c.modelID), zap.Duration("duration", time.Since(start))}
	if out.Usage != nil {
		fields = append(fields,
			zap.Int32("input_tokens", aws.ToInt32(out.Usage.InputTokens)),
			zap.Int32("output_tokens", aws.ToInt32(out.Usage.OutputTokens)))
	}
	log.Debug("bedrock converse", fields...)
	return text, nil
}

// toMessages maps the transcript to Converse messages. Converse requires the
// first message to come from the user and roles to alternate, so leading
// assistant turns are dropped and consecutive same-role turns are merged.
func toMessages(transcript []domain.ChatMessage) ([]types.Message, error) {
	var out []types.Message
	for _, m := range transcript {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		var role types.ConversationRole
		switch m.Role {
		case string(domain.RoleUser):
			role = types.ConversationRoleUser
		case string(domain.RoleAssistant):
			role = types.ConversationRoleAssistant
		default:
			continue
		}
		if len(out) == 0 && role != types.ConversationRoleUser {
			continue
		}
		block := &types.ContentBlockMemberText{Value: m.Content}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			continue
		}
		out = append(out, types.Message{Role: role, Content: []types.ContentBlock{block}})
	}
	if len(out) == 0 {
		return nil, errors.New("bedrock: transcript has no user message")
	}
	return out, nil
}

func replyText(out *bedrockruntime.ConverseOutput) (string, error) {
	if out == nil {
		return "", errors.New("bedrock: empty response")
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return "", errors.New("bedrock: response has no message")
	}
	var parts []string
	for _, block := range msg.Value.Content {
		if t, ok := block.(*types.ContentBlockMemberText); ok {
			parts = append(parts, t.Value)
		}
	}
	if len(parts) == 0 {
		return "", errors.New("bedrock: response has no text content")
	}
	return strings.Join(parts, "\n"), nil
}
