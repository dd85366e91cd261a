package handler

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"invoice-agent/internal/domain"
	"invoice-agent/internal/usecase"
)

const lastMessagePreview = 100

type conversationRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

type conversationResponse struct {
	ConversationID    string           `json:"conversation_id"`
	Message           string           `json:"message"`
	Stage             string           `json:"stage"`
	InvoiceReady      bool             `json:"invoice_ready"`
	InvoiceID         string           `json:"invoice_id,omitempty"`
	InvoiceData       *invoiceResponse `json:"invoice_data,omitempty"`
	MissingFields     []string         `json:"missing_fields,omitempty"`
	Cancelled         bool             `json:"cancelled,omitempty"`
	UsageLimitReached bool             `json:"usage_limit_reached,omitempty"`
	InvoicesRemaining *int             `json:"invoices_remaining,omitempty"`
}

func newConversationResponse(out usecase.TurnOutput) conversationResponse {
	resp := conversationResponse{
		ConversationID:    out.ConversationID,
		Message:           out.Reply,
		Stage:             string(out.Stage),
		MissingFields:     out.Missing,
		Cancelled:         out.Stage == domain.StageCancelled,
		UsageLimitReached: out.UsageLimitReached,
		InvoicesRemaining: out.InvoicesRemaining,
	}
	if out.Invoice != nil {
		inv := newInvoiceResponse(*out.Invoice)
		resp.InvoiceReady = true
		resp.InvoiceID = out.Invoice.ID
		resp.InvoiceData = &inv
	}
	return resp
}

type conversationSummary struct {
	ConversationID       string     `json:"conversation_id"`
	Stage                string     `json:"stage"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	MessageCount         int        `json:"message_count"`
	LastMessage          string     `json:"last_message,omitempty"`
	LastMessageTimestamp *time.Time `json:"last_message_timestamp,omitempty"`
	HasInvoice           bool       `json:"has_invoice"`
	InvoiceID            string     `json:"invoice_id,omitempty"`
}

type conversationListResponse struct {
	Conversations []conversationSummary `json:"conversations"`
	Count         int                   `json:"count"`
	NextCursor    string                `json:"next_cursor,omitempty"`
}

func newConversationListResponse(page usecase.ConversationList) conversationListResponse {
	out := conversationListResponse{
		Conversations: make([]conversationSummary, 0, len(page.Conversations)),
		NextCursor:    page.NextCursor,
	}
	for _, c := range page.Conversations {
		s := conversationSummary{
			ConversationID: c.ID,
			Stage:          string(c.Stage),
			CreatedAt:      c.CreatedAt,
			UpdatedAt:      c.UpdatedAt,
			MessageCount:   len(c.Messages),
			HasInvoice:     c.InvoiceID != "",
			InvoiceID:      c.InvoiceID,
		}
		if n := len(c.Messages); n > 0 {
			last := c.Messages[n-1]
			s.LastMessage = preview(last.Content, lastMessagePreview)
			ts := last.Timestamp
			s.LastMessageTimestamp = &ts
		}
		out.Conversations = append(out.Conversations, s)
	}
	out.Count = len(out.Conversations)
	return out
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

type lineItemResponse struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Amount      string `json:"amount"`
	Taxable     bool   `json:"taxable"`
}

type invoiceResponse struct {
	InvoiceID       string             `json:"invoice_id"`
	InvoiceNumber   string             `json:"invoice_number"`
	ConversationID  string             `json:"conversation_id,omitempty"`
	Status          string             `json:"status"`
	CustomerName    string             `json:"customer_name"`
	CustomerEmail   string             `json:"customer_email,omitempty"`
	CustomerAddress string             `json:"customer_address,omitempty"`
	InvoiceDate     string             `json:"invoice_date"`
	DueDate         string             `json:"due_date"`
	LineItems       []lineItemResponse `json:"line_items"`
	TaxRate         string             `json:"tax_rate"`
	Subtotal        string             `json:"subtotal"`
	Discount        string             `json:"discount"`
	TaxAmount       string             `json:"tax_amount"`
	Total           string             `json:"total"`
	Notes           string             `json:"notes,omitempty"`
	HasPDF          bool               `json:"has_pdf"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

func money(d decimal.Decimal) string {
	return domain.RoundMoney(d).StringFixed(domain.CurrencyPlaces)
}

func newInvoiceResponse(inv domain.Invoice) invoiceResponse {
	d := inv.Data
	items := make([]lineItemResponse, 0, len(d.LineItems))
	for _, item := range d.LineItems {
		items = append(items, lineItemResponse{
			Description: item.Description,
			Quantity:    item.Quantity.String(),
			UnitPrice:   money(item.UnitPrice),
			Amount:      money(item.Amount()),
			Taxable:     item.Taxable,
		})
	}
	return invoiceResponse{
		InvoiceID:       inv.ID,
		InvoiceNumber:   inv.DisplayNumber(),
		ConversationID:  inv.ConversationID,
		Status:          string(inv.Status),
		CustomerName:    d.CustomerName,
		CustomerEmail:   d.CustomerEmail,
		CustomerAddress: d.CustomerAddress,
		InvoiceDate:     domain.FormatDate(d.InvoiceDate),
		DueDate:         domain.FormatDate(d.DueDate),
		LineItems:       items,
		TaxRate:         d.TaxRate.String(),
		Subtotal:        money(inv.Totals.Subtotal),
		Discount:        money(inv.Totals.Discount),
		TaxAmount:       money(inv.Totals.TaxAmount),
		Total:           money(inv.Totals.Total),
		Notes:           d.Notes,
		HasPDF:          inv.PDFReference != "",
		CreatedAt:       inv.CreatedAt,
		UpdatedAt:       inv.UpdatedAt,
	}
}

type invoiceSummary struct {
	InvoiceID    string    `json:"invoice_id"`
	Status       string    `json:"status"`
	CustomerName string    `json:"customer_name"`
	InvoiceDate  string    `json:"invoice_date"`
	DueDate      string    `json:"due_date"`
	Total        string    `json:"total"`
	CreatedAt    time.Time `json:"created_at"`
	HasPDF       bool      `json:"has_pdf"`
}

type invoiceListResponse struct {
	Invoices   []invoiceSummary `json:"invoices"`
	Count      int              `json:"count"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func newInvoiceListResponse(page usecase.InvoiceList) invoiceListResponse {
	out := invoiceListResponse{
		Invoices:   make([]invoiceSummary, 0, len(page.Invoices)),
		NextCursor: page.NextCursor,
	}
	for _, inv := range page.Invoices {
		out.Invoices = append(out.Invoices, invoiceSummary{
			InvoiceID:    inv.ID,
			Status:       string(inv.Status),
			CustomerName: inv.Data.CustomerName,
			InvoiceDate:  domain.FormatDate(inv.Data.InvoiceDate),
			DueDate:      domain.FormatDate(inv.Data.DueDate),
			Total:        money(inv.Totals.Total),
			CreatedAt:    inv.CreatedAt,
			HasPDF:       inv.PDFReference != "",
		})
	}
	out.Count = len(out.Invoices)
	return out
}

type createInvoiceRequest struct {
	ConversationID string              `json:"conversation_id"`
	InvoiceData    *invoiceDataRequest `json:"invoice_data"`
}

type lineItemRequest struct {
	Description string           `json:"description"`
	Quantity    *decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	Taxable     *bool            `json:"taxable"`
}

type invoiceDataRequest struct {
	CustomerName    string            `json:"customer_name"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerAddress string            `json:"customer_address"`
	InvoiceNumber   string            `json:"invoice_number"`
	InvoiceDate     string            `json:"invoice_date"`
	DueDate         string            `json:"due_date"`
	LineItems       []lineItemRequest `json:"line_items"`
	TaxRate         decimal.Decimal   `json:"tax_rate"`
	Discount        decimal.Decimal   `json:"discount"`
	Notes           string            `json:"notes"`
}

// toDomain converts the request body. A missing invoice date means today and
// a missing quantity means one; everything else is checked by the service.
func (r invoiceDataRequest) toDomain(now time.Time) (domain.InvoiceData, error) {
	var problems []domain.FieldProblem
	parseDate := func(field, s string) time.Time {
		if strings.TrimSpace(s) == "" {
			return time.Time{}
		}
		t, err := domain.ParseDate(s)
		if err != nil {
			problems = append(problems, domain.FieldProblem{Field: field, Reason: "expected YYYY-MM-DD"})
		}
		return t
	}

	data := domain.InvoiceData{
		CustomerName:    strings.TrimSpace(r.CustomerName),
		CustomerEmail:   strings.TrimSpace(r.CustomerEmail),
		CustomerAddress: strings.TrimSpace(r.CustomerAddress),
		InvoiceNumber:   strings.TrimSpace(r.InvoiceNumber),
		InvoiceDate:     parseDate(domain.FieldInvoiceDate, r.InvoiceDate),
		DueDate:         parseDate(domain.FieldDueDate, r.DueDate),
		TaxRate:         r.TaxRate,
		Discount:        domain.RoundMoney(r.Discount),
		Notes:           strings.TrimSpace(r.Notes),
	}
	if strings.TrimSpace(r.InvoiceDate) == "" {
		data.InvoiceDate = domain.DateOf(now)
	}
	for _, item := range r.LineItems {
		li := domain.LineItem{
			Description: strings.TrimSpace(item.Description),
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   domain.RoundMoney(item.UnitPrice),
			Taxable:     true,
		}
		if item.Quantity != nil {
			li.Quantity = *item.Quantity
		}
		if item.Taxable != nil {
			li.Taxable = *item.Taxable
		}
		data.LineItems = append(data.LineItems, li)
	}

	if len(problems) > 0 {
		return domain.InvoiceData{}, &usecase.Error{
			Code:   usecase.ErrorValidation,
			Reason: "invalid_invoice_data",
			Err:    &domain.ValidationError{Problems: problems},
		}
	}
	return data, nil
}

type createInvoiceResponse struct {
	Invoice           invoiceResponse `json:"invoice"`
	Summary           string          `json:"summary"`
	Existing          bool            `json:"existing,omitempty"`
	InvoicesRemaining *int            `json:"invoices_remaining,omitempty"`
}

func newCreateInvoiceResponse(out usecase.CreateOutput) createInvoiceResponse {
	resp := createInvoiceResponse{
		Invoice:  newInvoiceResponse(out.Invoice),
		Summary:  domain.Summary(out.Invoice),
		Existing: out.Existing,
	}
	if d := out.Decision; d.Tier == domain.TierFree && !d.Unlimited && d.Limit > 0 {
		remaining := d.Remaining
		resp.InvoicesRemaining = &remaining
	}
	return resp
}

type exportResponse struct {
	InvoiceID   string    `json:"invoice_id"`
	Status      string    `json:"status"`
	DownloadURL string    `json:"download_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
