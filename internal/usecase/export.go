package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"invoice-agent/internal/domain"
	"invoice-agent/internal/integrations/s3store"
	"invoice-agent/internal/logging"
	"invoice-agent/internal/render"
)

const exportStatusCompleted = "completed"

type Renderer interface {
	Render(inv domain.Invoice, sub domain.Subscription) (render.Document, error)
}

// SubscriptionSource supplies the tier and branding used to style exports.
type SubscriptionSource interface {
	GetSubscription(ctx context.Context, userID string) (domain.Subscription, error)
}

type ArtifactStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	PresignGet(ctx context.Context, key string) (s3store.Link, error)
}

// ExportService renders an invoice to PDF, stores it and returns a
// time-limited download link.
type ExportService struct {
	invoices      *InvoiceService
	subscriptions SubscriptionSource
	renderer      Renderer
	artifacts     ArtifactStore
	log           *zap.Logger
}

type ExportOutput struct {
	InvoiceID   string
	Status      string
	DownloadURL string
	ExpiresAt   time.Time
	ObjectKey   string
}

func NewExportService(invoices *InvoiceService, subscriptions SubscriptionSource, renderer Renderer, artifacts ArtifactStore, logger *zap.Logger) (*ExportService, error) {
	if invoices == nil {
		return nil, errors.New("usecase: invoice service must not be nil")
	}
	if subscriptions == nil {
		return nil, errors.New("usecase: subscription source must not be nil")
	}
	if renderer == nil {
		return nil, errors.New("usecase: renderer must not be nil")
	}
	if artifacts == nil {
		return nil, errors.New("usecase: artifact store must not be nil")
	}
	return &ExportService{
		invoices:      invoices,
		subscriptions: subscriptions,
		renderer:      renderer,
		artifacts:     artifacts,
		log:           logging.OrNop(logger),
	}, nil
}

func objectKey(userID, invoiceID string) string {
	return fmt.Sprintf("invoices/%s/%s.pdf", userID, invoiceID)
}

// Export renders the user's invoice and records the stored document on it.
// A failed render leaves the invoice untouched and retryable. A failed
// subscription lookup renders with the free tier's styling.
func (s *ExportService) Export(ctx context.Context, userID, invoiceID string) (ExportOutput, error) {
	inv, err := s.invoices.Get(ctx, userID, invoiceID)
	if err != nil {
		return ExportOutput{}, err
	}
	log := logging.WithContext(ctx, s.log).With(zap.String("invoice_id", inv.ID))

	sub, err := s.subscriptions.GetSubscription(ctx, userID)
	if err != nil {
		log.Warn("subscription lookup failed, rendering free tier", zap.Error(err))
		sub = domain.Subscription{Tier: domain.TierFree}
	}

	doc, err := s.renderer.Render(inv, sub)
	if err != nil {
		var failure *render.Failure
		if errors.As(err, &failure) {
			log.Error("invoice not renderable", zap.String("field", failure.Field))
		}
		return ExportOutput{}, newError(ErrorRenderFailed, "render_error", err)
	}

	key := objectKey(userID, inv.ID)
	if err := s.artifacts.Put(ctx, key, doc.ContentType, doc.Bytes); err != nil {
		return ExportOutput{}, newError(ErrorStoreUnavailable, "artifact_put_error", err)
	}
	if _, err := s.invoices.AttachPDF(ctx, userID, inv.ID, key); err != nil {
		return ExportOutput{}, err
	}

	link, err := s.artifacts.PresignGet(ctx, key)
	if err != nil {
		return ExportOutput{}, newError(ErrorUpstream, "presign_error", err)
	}
	log.Info("invoice exported", zap.String("object_key", key), zap.Int("bytes", len(doc.Bytes)))
	return ExportOutput{
		InvoiceID:   inv.ID,
		Status:      exportStatusCompleted,
		DownloadURL: link.URL,
		ExpiresAt:   link.ExpiresAt,
		ObjectKey:   key,
	}, nil
}
