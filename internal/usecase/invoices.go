package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"invoice-agent/internal/clock"
	"invoice-agent/internal/domain"
	"invoice-agent/internal/logging"
	"invoice-agent/internal/metrics"
	"invoice-agent/internal/ratelimit"
	"invoice-agent/internal/repository"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100

	sourceConversation = "conversation"
	sourceDirect       = "direct"
)

type InvoiceStore interface {
	PutInvoice(ctx context.Context, inv domain.Invoice) error
	GetInvoice(ctx context.Context, userID, invoiceID string) (*domain.Invoice, error)
	ListInvoices(ctx context.Context, userID string, q domain.InvoiceQuery) ([]domain.Invoice, string, error)
	InvoiceForConversation(ctx context.Context, conversationID string) (string, error)
	AttachPDF(ctx context.Context, invoiceID, objectKey string, status domain.Status, now time.Time) error
}

type ConversationStore interface {
	GetConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error)
	SaveConversation(ctx context.Context, conv *domain.Conversation) error
	ListConversations(ctx context.Context, userID string, limit int, cursor string) ([]domain.Conversation, string, error)
}

type TierSource interface {
	GetTier(ctx context.Context, userID string) (domain.Tier, error)
}

type QuotaGate interface {
	CheckAndIncrement(ctx context.Context, userID string, tier domain.Tier) (ratelimit.Decision, error)
	Release(ctx context.Context, userID string, d ratelimit.Decision) error
	Remaining(ctx context.Context, userID string, tier domain.Tier) (ratelimit.Decision, error)
}

type InvoiceOptions struct {
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// InvoiceService creates invoices under the user's quota and serves the
// ownership-scoped read paths.
type InvoiceService struct {
	invoices      InvoiceStore
	conversations ConversationStore
	quota         QuotaGate
	tiers         TierSource
	clock         clock.Clock
	log           *zap.Logger
	metrics       *metrics.Metrics
}

type CreateInput struct {
	UserID         string
	ConversationID string
	Data           domain.InvoiceData
}

type CreateOutput struct {
	Invoice  domain.Invoice
	Decision ratelimit.Decision
	// Existing is set when the conversation had already produced this invoice.
	Existing bool
}

type InvoiceList struct {
	Invoices   []domain.Invoice
	NextCursor string
}

func NewInvoiceService(invoices InvoiceStore, conversations ConversationStore, quota QuotaGate, tiers TierSource, opts InvoiceOptions) (*InvoiceService, error) {
	if invoices == nil {
		return nil, errors.New("usecase: invoice store must not be nil")
	}
	if conversations == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if quota == nil {
		return nil, errors.New("usecase: quota must not be nil")
	}
	if tiers == nil {
		return nil, errors.New("usecase: tier source must not be nil")
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	return &InvoiceService{
		invoices:      invoices,
		conversations: conversations,
		quota:         quota,
		tiers:         tiers,
		clock:         opts.Clock,
		log:           logging.OrNop(opts.Logger),
		metrics:       opts.Metrics,
	}, nil
}

// Create validates data, consumes one unit of quota and writes the invoice
// as a draft in a single conditional write. When the write fails the quota
// unit is given back. A conversation that already produced an invoice gets
// that invoice back instead of a second one.
func (s *InvoiceService) Create(ctx context.Context, in CreateInput) (CreateOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return CreateOutput{}, newError(ErrorInvalidInput, "missing_user", nil)
	}
	if err := in.Data.Validate(); err != nil {
		return CreateOutput{}, newError(ErrorValidation, "invalid_invoice_data", err)
	}
	log := logging.WithContext(ctx, s.log)

	tier, err := s.tiers.GetTier(ctx, userID)
	if err != nil {
		return CreateOutput{}, storeError("tier_lookup_error", err)
	}

	// A retry after a lost conversation save must find the invoice before
	// the quota is charged again.
	if in.ConversationID != "" {
		existing, err := s.priorInvoice(ctx, userID, in.ConversationID)
		if err != nil {
			return CreateOutput{}, err
		}
		if existing != nil {
			remaining, _ := s.quota.Remaining(ctx, userID, tier)
			return CreateOutput{Invoice: *existing, Decision: remaining, Existing: true}, nil
		}
	}

	decision, err := s.quota.CheckAndIncrement(ctx, userID, tier)
	if err != nil {
		if errors.Is(err, ratelimit.ErrQuotaExceeded) {
			return CreateOutput{Decision: decision}, newError(ErrorQuotaExceeded, "monthly_limit_reached", err)
		}
		return CreateOutput{}, storeError("quota_error", err)
	}

	inv, err := domain.NewInvoice(newUUID(), userID, in.ConversationID, in.Data, s.clock.Now())
	if err != nil {
		s.release(ctx, userID, decision)
		return CreateOutput{}, newError(ErrorValidation, "invalid_invoice_data", err)
	}

	if err := s.invoices.PutInvoice(ctx, inv); err != nil {
		s.release(ctx, userID, decision)
		if in.ConversationID != "" && errors.Is(err, repository.ErrConflict) {
			existing, lookupErr := s.existingForConversation(ctx, userID, in.ConversationID)
			if lookupErr != nil {
				return CreateOutput{}, lookupErr
			}
			remaining, _ := s.quota.Remaining(ctx, userID, tier)
			return CreateOutput{Invoice: *existing, Decision: remaining, Existing: true}, nil
		}
		return CreateOutput{}, storeError("invoice_write_error", err)
	}

	source := sourceDirect
	if in.ConversationID != "" {
		source = sourceConversation
	}
	s.metrics.InvoiceCreated(source)
	log.Info("invoice created",
		zap.String("invoice_id", inv.ID),
		zap.String("source", source),
		zap.String("total", inv.Totals.Total.StringFixed(domain.CurrencyPlaces)),
	)
	return CreateOutput{Invoice: inv, Decision: decision}, nil
}

func (s *InvoiceService) release(ctx context.Context, userID string, d ratelimit.Decision) {
	if err := s.quota.Release(context.WithoutCancel(ctx), userID, d); err != nil {
		logging.WithContext(ctx, s.log).Error("quota release failed", zap.String("period", d.Period), zap.Error(err))
	}
}

// priorInvoice returns the invoice conversationID already produced, or nil
// when it has none.
func (s *InvoiceService) priorInvoice(ctx context.Context, userID, conversationID string) (*domain.Invoice, error) {
	id, err := s.invoices.InvoiceForConversation(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("invoice_guard_lookup_error", err)
	}
	inv, err := s.invoices.GetInvoice(ctx, userID, id)
	if err != nil {
		return nil, storeError("invoice_lookup_error", err)
	}
	return inv, nil
}

func (s *InvoiceService) existingForConversation(ctx context.Context, userID, conversationID string) (*domain.Invoice, error) {
	inv, err := s.priorInvoice(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, newError(ErrorNotFound, "invoice_guard_lookup_error", repository.ErrNotFound)
	}
	return inv, nil
}

// CreateFromConversation finalizes a conversation whose collected fields are
// complete. A conversation that already has an invoice returns it.
func (s *InvoiceService) CreateFromConversation(ctx context.Context, userID, conversationID string) (CreateOutput, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return CreateOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	conv, err := s.conversations.GetConversation(ctx, userID, conversationID)
	if err != nil {
		return CreateOutput{}, storeError("conversation_lookup_error", err)
	}
	switch conv.Stage {
	case domain.StageFinalized:
		inv, err := s.existingForConversation(ctx, userID, conv.ID)
		if err != nil {
			return CreateOutput{}, err
		}
		return CreateOutput{Invoice: *inv, Existing: true}, nil
	case domain.StageCancelled:
		return CreateOutput{}, newError(ErrorConflict, "conversation_cancelled", nil)
	}

	if missing := conv.Fields.Missing(); len(missing) > 0 {
		return CreateOutput{}, newError(ErrorValidation, "conversation_incomplete",
			&domain.ValidationError{Problems: requiredProblems(missing)})
	}

	out, err := s.Create(ctx, CreateInput{UserID: userID, ConversationID: conv.ID, Data: conv.Fields.Data()})
	if err != nil {
		return out, err
	}

	if err := finalize(conv, out.Invoice.ID, s.clock.Now()); err != nil {
		return CreateOutput{}, newError(ErrorInternal, "stage_transition_error", err)
	}
	if err := s.conversations.SaveConversation(ctx, conv); err != nil {
		// The guard item already ties the invoice to the conversation.
		logging.WithContext(ctx, s.log).Warn("conversation not marked finalized",
			zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	return out, nil
}

func (s *InvoiceService) Get(ctx context.Context, userID, invoiceID string) (domain.Invoice, error) {
	inv, err := s.invoices.GetInvoice(ctx, userID, invoiceID)
	if err != nil {
		return domain.Invoice{}, storeError("invoice_lookup_error", err)
	}
	return *inv, nil
}

func (s *InvoiceService) List(ctx context.Context, userID string, q domain.InvoiceQuery) (InvoiceList, error) {
	switch {
	case q.Limit == 0:
		q.Limit = defaultListLimit
	case q.Limit < 1 || q.Limit > maxListLimit:
		return InvoiceList{}, newError(ErrorInvalidInput, "invalid_limit", nil)
	}
	if q.Status != "" {
		st, err := domain.ParseStatus(string(q.Status))
		if err != nil {
			return InvoiceList{}, newError(ErrorInvalidInput, "invalid_status", err)
		}
		q.Status = st
	}

	invoices, next, err := s.invoices.ListInvoices(ctx, userID, q)
	if err != nil {
		return InvoiceList{}, storeError("invoice_list_error", err)
	}
	return InvoiceList{Invoices: invoices, NextCursor: next}, nil
}

// AttachPDF records where the rendered document was stored. A draft moves
// to pending; any later status is kept.
func (s *InvoiceService) AttachPDF(ctx context.Context, userID, invoiceID, objectKey string) (domain.Invoice, error) {
	inv, err := s.Get(ctx, userID, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	status := inv.Status
	if status == domain.StatusDraft {
		status = domain.StatusPending
	}
	now := s.clock.Now()
	if err := s.invoices.AttachPDF(ctx, inv.ID, objectKey, status, now); err != nil {
		return domain.Invoice{}, storeError("attach_pdf_error", err)
	}
	inv.PDFReference = objectKey
	inv.Status = status
	inv.UpdatedAt = now
	return inv, nil
}

// finalize walks conv forward to finalized and links the invoice.
func finalize(conv *domain.Conversation, invoiceID string, now time.Time) error {
	if conv.Stage == domain.StageCollecting {
		if err := conv.Advance(domain.StageReady); err != nil {
			return err
		}
	}
	if err := conv.Advance(domain.StageFinalized); err != nil {
		return err
	}
	conv.InvoiceID = invoiceID
	conv.UpdatedAt = now
	return nil
}

func requiredProblems(fields []string) []domain.FieldProblem {
	out := make([]domain.FieldProblem, 0, len(fields))
	for _, f := range fields {
		out = append(out, domain.FieldProblem{Field: f, Reason: "required"})
	}
	return out
}
