package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"invoice-agent/internal/clock"
	"invoice-agent/internal/domain"
	"invoice-agent/internal/logging"
	"invoice-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

var userIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-:.]{1,256}$`)

type ConversationUseCase interface {
	Turn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	ListConversations(ctx context.Context, userID string, limit int, cursor string) (usecase.ConversationList, error)
}

type InvoiceUseCase interface {
	Create(ctx context.Context, in usecase.CreateInput) (usecase.CreateOutput, error)
	CreateFromConversation(ctx context.Context, userID, conversationID string) (usecase.CreateOutput, error)
	Get(ctx context.Context, userID, invoiceID string) (domain.Invoice, error)
	List(ctx context.Context, userID string, q domain.InvoiceQuery) (usecase.InvoiceList, error)
}

type ExportUseCase interface {
	Export(ctx context.Context, userID, invoiceID string) (usecase.ExportOutput, error)
}

type Handler struct {
	conversations ConversationUseCase
	invoices      InvoiceUseCase
	exports       ExportUseCase
	clock         clock.Clock
	log           *zap.Logger
}

type Option func(*Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.log = logging.OrNop(l) }
}

func WithClock(c clock.Clock) Option {
	return func(h *Handler) {
		if c != nil {
			h.clock = c
		}
	}
}

func NewHandler(conversations ConversationUseCase, invoices InvoiceUseCase, exports ExportUseCase, opts ...Option) (*Handler, error) {
	if conversations == nil {
		return nil, errors.New("handler: conversation use case must not be nil")
	}
	if invoices == nil {
		return nil, errors.New("handler: invoice use case must not be nil")
	}
	if exports == nil {
		return nil, errors.New("handler: export use case must not be nil")
	}
	h := &Handler{
		conversations: conversations,
		invoices:      invoices,
		exports:       exports,
		clock:         clock.System{},
		log:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle routes an API Gateway proxy event. Failures are always reported as
// a JSON error response, never as a Lambda error.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := correlationIDFrom(event)
	ctx = logging.ContextWith(ctx, zap.String("correlation_id", correlationID))

	if event.HTTPMethod == http.MethodOptions {
		return respond(http.StatusNoContent, correlationID, nil), nil
	}

	userID, ok := userIDFrom(event)
	if !ok {
		return h.fail(ctx, correlationID, "", &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_identity"}), nil
	}
	ctx = logging.ContextWith(ctx, zap.String("user_id", userID))

	body, err := requestBody(event)
	if err != nil {
		return h.fail(ctx, correlationID, "", &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body", Err: err}), nil
	}

	path := strings.Trim(event.Path, "/")
	segments := strings.Split(path, "/")
	route := event.HTTPMethod + " " + path

	switch {
	case route == "POST conversation":
		return h.postConversation(ctx, correlationID, userID, body), nil
	case route == "GET conversations":
		return h.listConversations(ctx, correlationID, userID, event.QueryStringParameters), nil
	case route == "POST invoices":
		return h.postInvoice(ctx, correlationID, userID, body), nil
	case route == "GET invoices":
		return h.listInvoices(ctx, correlationID, userID, event.QueryStringParameters), nil
	case event.HTTPMethod == http.MethodGet && len(segments) == 2 && segments[0] == "invoices":
		return h.getInvoice(ctx, correlationID, userID, segments[1]), nil
	case event.HTTPMethod == http.MethodPost && len(segments) == 3 && segments[0] == "invoices" && segments[2] == "pdf":
		return h.exportInvoice(ctx, correlationID, userID, segments[1]), nil
	}
	return h.fail(ctx, correlationID, "", &usecase.Error{Code: usecase.ErrorNotFound, Reason: "unknown_route"}), nil
}

func (h *Handler) postConversation(ctx context.Context, correlationID, userID string, body []byte) events.APIGatewayProxyResponse {
	var req conversationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return h.fail(ctx, correlationID, "", &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err})
	}

	out, err := h.conversations.Turn(ctx, usecase.TurnInput{
		ConversationID: req.ConversationID,
		UserID:         userID,
		Message:        req.Message,
	})
	if err != nil {
		return h.fail(ctx, correlationID, "", err)
	}
	return respond(http.StatusOK, correlationID, newConversationResponse(out))
}

func (h *Handler) listConversations(ctx context.Context, correlationID, userID string, query map[string]string) events.APIGatewayProxyResponse {
	limit, err := limitParam(query)
	if err != nil {
		return h.fail(ctx, correlationID, "", err)
	}
	page, err := h.conversations.ListConversations(ctx, userID, limit, query["cursor"])
	if err != nil {
		return h.fail(ctx, correlationID, "", err)
	}
	return respond(http.StatusOK, correlationID, newConversationListResponse(page))
}

func (h *Handler) postInvoice(ctx context.Context, correlationID, userID string, body []byte) events.APIGatewayProxyResponse {
	var req createInvoiceRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return h.fail(ctx, correlationID, "invoices", &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err})
	}

	var (
		out usecase.CreateOutput
		err error
	)
	switch {
	case req.ConversationID != "" && req.InvoiceData != nil:
		err = &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "ambiguous_source"}
	case req.ConversationID != "":
		out, err = h.invoices.CreateFromConversation(ctx, userID, req.ConversationID)
	case req.InvoiceData != nil:
		data, convErr := req.InvoiceData.toDomain(h.clock.Now())
		if convErr != nil {
			return h.fail(ctx, correlationID, "invoices", convErr)
		}
		out, err = h.invoices.Create(ctx, usecase.CreateInput{UserID: userID, Data: data})
	default:
		err = &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_source"}
	}
	if err != nil {
		return h.fail(ctx, correlationID, "invoices", err)
	}

	status := http.StatusCreated
	if out.Existing {
		status = http.StatusOK
	}
	return respond(status, correlationID, newCreateInvoiceResponse(out))
}

func (h *Handler) listInvoices(ctx context.Context, correlationID, userID string, query map[string]string) events.APIGatewayProxyResponse {
	limit, err := limitParam(query)
	if err != nil {
		return h.fail(ctx, correlationID, "", err)
	}
	page, err := h.invoices.List(ctx, userID, domain.InvoiceQuery{
		Limit:  limit,
		Cursor: query["cursor"],
		Status: domain.Status(query["status"]),
	})
	if err != nil {
		return h.fail(ctx, correlationID, "", err)
	}
	return respond(http.StatusOK, correlationID, newInvoiceListResponse(page))
}

func (h *Handler) getInvoice(ctx context.Context, correlationID, userID, invoiceID string) events.APIGatewayProxyResponse {
	if err := validInvoiceID(invoiceID); err != nil {
		return h.fail(ctx, correlationID, "", err)
	}
	inv, err := h.invoices.Get(ctx, userID, invoiceID)
	if err != nil {
		return h.fail(ctx, correlationID, "", err)
	}
	return respond(http.StatusOK, correlationID, newInvoiceResponse(inv))
}

func (h *Handler) exportInvoice(ctx context.Context, correlationID, userID, invoiceID string) events.APIGatewayProxyResponse {
	if err := validInvoiceID(invoiceID); err != nil {
		return h.fail(ctx, correlationID, "", err)
	}
	out, err := h.exports.Export(ctx, userID, invoiceID)
	if err != nil {
		return h.fail(ctx, correlationID, "", err)
	}
	return respond(http.StatusOK, correlationID, exportResponse{
		InvoiceID:   out.InvoiceID,
		Status:      out.Status,
		DownloadURL: out.DownloadURL,
		ExpiresAt:   out.ExpiresAt,
	})
}

// fail logs err and converts it to an error response. Internal detail is
// logged, never returned.
func (h *Handler) fail(ctx context.Context, correlationID, surface string, err error) events.APIGatewayProxyResponse {
	code := usecase.CodeOf(err)
	status := statusFor(code, surface)

	log := logging.WithContext(ctx, h.log)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("code", string(code)), zap.Error(err))
	} else {
		log.Info("request rejected", zap.String("code", string(code)), zap.Error(err))
	}
	return respond(status, correlationID, errorResponse{Error: string(code), Message: publicMessage(code, err)})
}

func statusFor(code usecase.ErrorCode, surface string) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorValidation:
		return http.StatusUnprocessableEntity
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorConflict:
		return http.StatusConflict
	case usecase.ErrorQuotaExceeded:
		if surface == "invoices" {
			return http.StatusForbidden
		}
		return http.StatusPaymentRequired
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	case usecase.ErrorStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(code usecase.ErrorCode, err error) string {
	switch code {
	case usecase.ErrorInvalidInput:
		var ue *usecase.Error
		if errors.As(err, &ue) && ue.Reason != "" {
			return "Invalid request: " + ue.Reason
		}
		return "Invalid request"
	case usecase.ErrorUnauthorized:
		return "Authentication required"
	case usecase.ErrorValidation:
		var invalid *domain.ValidationError
		if errors.As(err, &invalid) {
			return "Invoice data is invalid: " + strings.Join(invalid.Fields(), ", ")
		}
		return "Invoice data is invalid"
	case usecase.ErrorNotFound:
		return "Not found"
	case usecase.ErrorConflict:
		return "The resource was modified by another request. Please retry."
	case usecase.ErrorQuotaExceeded:
		return "Free tier limit reached for this month. Upgrade to Pro for unlimited invoices."
	case usecase.ErrorRateLimited:
		return "Too many requests. Please try again later."
	case usecase.ErrorUpstream:
		return "The assistant is temporarily unavailable. Please try again."
	case usecase.ErrorRenderFailed:
		return "Failed to generate the PDF"
	case usecase.ErrorStoreUnavailable:
		return "Service temporarily unavailable. Please try again."
	default:
		return "An unexpected error occurred"
	}
}

func respond(status int, correlationID string, payload any) events.APIGatewayProxyResponse {
	headers := map[string]string{
		"Content-Type":                 "application/json",
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Headers": "Content-Type,X-Amz-Date,Authorization,X-Api-Key,X-Amz-Security-Token,X-Correlation-Id",
		"Access-Control-Allow-Methods": "GET,POST,OPTIONS",
		"X-Content-Type-Options":       "nosniff",
		"X-Frame-Options":              "DENY",
		"Strict-Transport-Security":    "max-age=31536000; includeSubDomains",
		correlationHeader:              correlationID,
	}
	if payload == nil {
		return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR","message":"An unexpected error occurred"}`)
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: headers, Body: string(b)}
}

func correlationIDFrom(event events.APIGatewayProxyRequest) string {
	for k, v := range event.Headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	if event.RequestContext.RequestID != "" {
		return event.RequestContext.RequestID
	}
	return uuid.NewString()
}

// userIDFrom reads the caller identity from the authorizer claims.
func userIDFrom(event events.APIGatewayProxyRequest) (string, bool) {
	claims, _ := event.RequestContext.Authorizer["claims"].(map[string]any)
	for _, k := range []string{"sub", "cognito:username"} {
		if v, ok := claims[k].(string); ok && userIDPattern.MatchString(v) {
			return v, true
		}
	}
	return "", false
}

func requestBody(event events.APIGatewayProxyRequest) ([]byte, error) {
	if !event.IsBase64Encoded {
		return []byte(event.Body), nil
	}
	return base64.StdEncoding.DecodeString(event.Body)
}

func limitParam(query map[string]string) (int, error) {
	raw := strings.TrimSpace(query["limit"])
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_limit", Err: err}
	}
	return n, nil
}

func validInvoiceID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_invoice_id", Err: err}
	}
	return nil
}
