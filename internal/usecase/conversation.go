package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"invoice-agent/internal/clock"
	"invoice-agent/internal/domain"
	"invoice-agent/internal/extraction"
	"invoice-agent/internal/logging"
	"invoice-agent/internal/metrics"
	"invoice-agent/internal/ratelimit"
)

const (
	defaultMaxMessageLength = 2000
	defaultRequestTimeout   = 25 * time.Second
	saveTimeout             = 5 * time.Second

	replyRephrase   = "Sorry, I couldn't quite follow that. Could you rephrase the invoice details?"
	replyModelError = "I'm having trouble reaching the assistant right now. Please try again in a moment."
	replyCancelled  = "Okay, I've cancelled this invoice. Start a new conversation whenever you're ready."
	replyClosed     = "This conversation is closed. Start a new conversation to create another invoice."
	replyCreated    = "Your invoice has been created."
	replyStoreBusy  = "Your invoice details are complete, but I couldn't save the invoice just now. Please send another message to retry."
)

var fieldLabels = map[string]string{
	domain.FieldCustomerName: "the customer name",
	domain.FieldInvoiceDate:  "the invoice date",
	domain.FieldDueDate:      "the due date (on or after the invoice date)",
	domain.FieldLineItems:    "at least one line item with a description, quantity and unit price",
}

type Extractor interface {
	Extract(ctx context.Context, transcript []domain.ChatMessage, known domain.InvoiceFields) (extraction.Result, error)
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

type Throttler interface {
	Allow(ctx context.Context, userID string) (ratelimit.ThrottleResult, error)
}

type ConversationOptions struct {
	MaxMessageLength int
	RequestTimeout   time.Duration
	// Moderator and Throttle are optional.
	Moderator Moderator
	Throttle  Throttler
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// ConversationService runs chat turns: it merges extracted fields into the
// conversation and finalizes it into an invoice as soon as the fields are
// complete.
type ConversationService struct {
	store     ConversationStore
	extractor Extractor
	invoices  *InvoiceService
	moderator Moderator
	throttle  Throttler
	maxLen    int
	timeout   time.Duration
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics
}

type TurnInput struct {
	ConversationID string
	UserID         string
	Message        string
}

type TurnOutput struct {
	ConversationID    string
	Reply             string
	Stage             domain.Stage
	Fields            domain.InvoiceFields
	Missing           []string
	Invoice           *domain.Invoice
	UsageLimitReached bool
	// InvoicesRemaining is nil for unlimited tiers or when unknown.
	InvoicesRemaining *int
}

type ConversationList struct {
	Conversations []domain.Conversation
	NextCursor    string
}

func NewConversationService(store ConversationStore, extractor Extractor, invoices *InvoiceService, opts ConversationOptions) (*ConversationService, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if extractor == nil {
		return nil, errors.New("usecase: extractor must not be nil")
	}
	if invoices == nil {
		return nil, errors.New("usecase: invoice service must not be nil")
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaultMaxMessageLength
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &ConversationService{
		store:     store,
		extractor: extractor,
		invoices:  invoices,
		moderator: opts.Moderator,
		throttle:  opts.Throttle,
		maxLen:    opts.MaxMessageLength,
		timeout:   opts.RequestTimeout,
		clock:     opts.Clock,
		log:       logging.OrNop(opts.Logger),
		metrics:   opts.Metrics,
	}, nil
}

// Turn processes one user message. The conversation is saved before Turn
// returns, including when extraction fails.
func (s *ConversationService) Turn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	message := strings.TrimSpace(in.Message)
	switch {
	case userID == "":
		return TurnOutput{}, newError(ErrorInvalidInput, "missing_user", nil)
	case message == "":
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	case utf8.RuneCountInString(message) > s.maxLen:
		return TurnOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	if err := s.admit(ctx, userID, message); err != nil {
		return TurnOutput{}, err
	}

	conv, err := s.load(ctx, userID, strings.TrimSpace(in.ConversationID))
	if err != nil {
		return TurnOutput{}, err
	}
	ctx = logging.ContextWith(ctx, zap.String("conversation_id", conv.ID))
	log := logging.WithContext(ctx, s.log)

	if conv.Stage.Terminal() {
		return TurnOutput{ConversationID: conv.ID, Reply: replyClosed, Stage: conv.Stage, Fields: conv.Fields}, nil
	}

	conv.AppendMessage(domain.RoleUser, message, s.clock.Now())
	out, turnErr := s.advance(ctx, conv)

	if out.Reply != "" {
		conv.AppendMessage(domain.RoleAssistant, out.Reply, s.clock.Now())
	}
	if err := s.save(ctx, conv); err != nil {
		return TurnOutput{}, err
	}
	s.metrics.Turn(string(conv.Stage))
	log.Info("conversation turn",
		zap.String("stage", string(conv.Stage)),
		zap.Strings("missing", out.Missing),
	)

	out.ConversationID = conv.ID
	out.Stage = conv.Stage
	out.Fields = conv.Fields
	return out, turnErr
}

// admit applies the request throttle and the moderation screen. A throttle
// backend failure lets the request through.
func (s *ConversationService) admit(ctx context.Context, userID, message string) error {
	log := logging.WithContext(ctx, s.log)
	if s.throttle != nil {
		res, err := s.throttle.Allow(ctx, userID)
		switch {
		case err != nil:
			log.Warn("throttle unavailable", zap.Error(err))
		case !res.Allowed:
			return newError(ErrorRateLimited, "request_throttled",
				fmt.Errorf("retry after %s", res.RetryAfter.Round(time.Second)))
		}
	}

	if s.moderator == nil {
		return nil
	}
	flagged, err := s.moderator.Moderate(ctx, message)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return newError(ErrorRateLimited, "moderation_rate_limited", err)
		}
		return newError(ErrorUpstream, "moderation_error", err)
	}
	if flagged {
		return newError(ErrorInvalidInput, "moderation_flagged", nil)
	}
	return nil
}

func (s *ConversationService) load(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	if conversationID == "" {
		return domain.NewConversation(newUUID(), userID, s.clock.Now()), nil
	}
	conv, err := s.store.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, storeError("conversation_lookup_error", err)
	}
	return conv, nil
}

// advance runs extraction and the stage machine for a conversation that has
// just received a user message. It always returns a reply; a non-nil error
// is reported after the conversation has been saved.
func (s *ConversationService) advance(ctx context.Context, conv *domain.Conversation) (TurnOutput, error) {
	log := logging.WithContext(ctx, s.log)

	extractCtx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := s.extractor.Extract(extractCtx, conv.Transcript(), conv.Fields)
	cancel()
	if err != nil {
		var failure *extraction.Failure
		if errors.As(err, &failure) && failure.Reason == extraction.ReasonUnparsable {
			return TurnOutput{Reply: replyRephrase, Missing: conv.Fields.Missing()}, nil
		}
		log.Warn("extraction failed", zap.Error(err))
		return TurnOutput{Reply: replyModelError, Missing: conv.Fields.Missing()}, nil
	}

	if res.Cancelled() {
		if err := conv.Advance(domain.StageCancelled); err != nil {
			return TurnOutput{Reply: withProse(res.Reply, replyClosed)}, nil
		}
		return TurnOutput{Reply: withProse(res.Reply, replyCancelled)}, nil
	}

	merged := conv.Fields.Merge(res.Fields)
	missing := merged.Missing()
	var invalid *domain.ValidationError
	if len(missing) == 0 {
		if err := merged.Data().Validate(); err != nil && !errors.As(err, &invalid) {
			return TurnOutput{}, newError(ErrorInternal, "validation_error", err)
		}
	}
	complete := len(missing) == 0 && invalid == nil

	// A ready conversation never goes back to collecting, so an update that
	// would make it incomplete is not applied.
	if conv.Stage == domain.StageReady && !complete {
		return TurnOutput{Reply: withProse(res.Reply, rejectedReply(missing, invalid))}, nil
	}
	conv.Fields = merged

	switch {
	case len(missing) > 0:
		return TurnOutput{Reply: withProse(res.Reply, missingReply(missing)), Missing: missing}, nil
	case invalid != nil:
		return TurnOutput{Reply: withProse(res.Reply, invalidReply(invalid)), Missing: invalid.Fields()}, nil
	}

	if conv.Stage == domain.StageCollecting {
		if err := conv.Advance(domain.StageReady); err != nil {
			return TurnOutput{}, newError(ErrorInternal, "stage_transition_error", err)
		}
	}
	return s.finalize(ctx, conv)
}

func (s *ConversationService) finalize(ctx context.Context, conv *domain.Conversation) (TurnOutput, error) {
	created, err := s.invoices.Create(ctx, CreateInput{UserID: conv.UserID, ConversationID: conv.ID, Data: conv.Fields.Data()})
	if err != nil {
		switch CodeOf(err) {
		case ErrorQuotaExceeded:
			zero := 0
			return TurnOutput{
				Reply:             quotaReply(created.Decision),
				UsageLimitReached: true,
				InvoicesRemaining: &zero,
			}, nil
		case ErrorValidation:
			var invalid *domain.ValidationError
			if errors.As(err, &invalid) {
				return TurnOutput{Reply: invalidReply(invalid), Missing: invalid.Fields()}, nil
			}
		}
		return TurnOutput{Reply: replyStoreBusy}, err
	}

	if err := conv.Advance(domain.StageFinalized); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "stage_transition_error", err)
	}
	conv.InvoiceID = created.Invoice.ID

	out := TurnOutput{
		Reply:   replyCreated + "\n\n" + domain.Summary(created.Invoice),
		Invoice: &created.Invoice,
	}
	if d := created.Decision; d.Tier == domain.TierFree && !d.Unlimited {
		remaining := d.Remaining
		out.InvoicesRemaining = &remaining
	}
	return out, nil
}

// save persists conv even when the request context has expired.
func (s *ConversationService) save(ctx context.Context, conv *domain.Conversation) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := s.store.SaveConversation(saveCtx, conv); err != nil {
		return storeError("conversation_save_error", err)
	}
	return nil
}

// ListConversations returns one page of the user's conversations.
func (s *ConversationService) ListConversations(ctx context.Context, userID string, limit int, cursor string) (ConversationList, error) {
	switch {
	case limit == 0:
		limit = defaultListLimit
	case limit < 1 || limit > maxListLimit:
		return ConversationList{}, newError(ErrorInvalidInput, "invalid_limit", nil)
	}
	convs, next, err := s.store.ListConversations(ctx, userID, limit, cursor)
	if err != nil {
		return ConversationList{}, storeError("conversation_list_error", err)
	}
	return ConversationList{Conversations: convs, NextCursor: next}, nil
}

func missingReply(missing []string) string {
	labels := make([]string, 0, len(missing))
	for _, f := range missing {
		labels = append(labels, fieldLabels[f])
	}
	return "To create the invoice I still need " + joinList(labels) + "."
}

func invalidReply(invalid *domain.ValidationError) string {
	parts := make([]string, 0, len(invalid.Problems))
	for _, p := range invalid.Problems {
		parts = append(parts, p.Field+" ("+p.Reason+")")
	}
	return "Some details need fixing before I can create the invoice: " + strings.Join(parts, ", ") + "."
}

func rejectedReply(missing []string, invalid *domain.ValidationError) string {
	fields := missing
	if len(fields) == 0 && invalid != nil {
		fields = invalid.Fields()
	}
	return "I kept the previous details because that change would leave " + strings.Join(fields, ", ") + " incomplete."
}

func quotaReply(d ratelimit.Decision) string {
	return fmt.Sprintf("Free tier limit reached. You've created %d/%d invoices this month. Upgrade to Pro for unlimited invoices.", d.Count, d.Limit)
}

func withProse(prose, reply string) string {
	if prose = strings.TrimSpace(prose); prose == "" {
		return reply
	}
	return prose + "\n\n" + reply
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
