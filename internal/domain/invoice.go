package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const DateLayout = "2006-01-02"

const (
	maxCustomerName    = 200
	maxCustomerEmail   = 254
	maxCustomerAddress = 500
	maxInvoiceNumber   = 50
	maxDescription     = 500
	maxNotes           = 1000
)

// DateOf truncates t to a calendar date at UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("domain: parse date %q: %w", s, err)
	}
	return t, nil
}

func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusDraft, StatusPending, StatusPaid, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("domain: invalid status %q: must be one of draft, pending, paid, cancelled", s)
	}
}

// LineItem is one billable row of an invoice.
type LineItem struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	Taxable     bool
}

// Amount is quantity x unit price, unrounded.
func (l LineItem) Amount() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

// Problems returns the validation problems of the item, keyed by field name.
func (l LineItem) Problems() []string {
	var out []string
	desc := strings.TrimSpace(l.Description)
	if desc == "" || len(desc) > maxDescription {
		out = append(out, "description")
	}
	if !l.Quantity.IsPositive() {
		out = append(out, "quantity")
	}
	if l.UnitPrice.IsNegative() {
		out = append(out, "unit_price")
	}
	return out
}

// InvoiceData is a complete, validated set of invoice fields.
type InvoiceData struct {
	CustomerName    string
	CustomerEmail   string
	CustomerAddress string
	InvoiceNumber   string
	InvoiceDate     time.Time
	DueDate         time.Time
	LineItems       []LineItem
	TaxRate         decimal.Decimal
	Discount        decimal.Decimal
	Notes           string
}

// FieldProblem names one field that failed validation.
type FieldProblem struct {
	Field  string
	Reason string
}

// ValidationError lists every field that is missing or invalid.
type ValidationError struct {
	Problems []FieldProblem
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		parts = append(parts, p.Field+": "+p.Reason)
	}
	return "domain: invalid invoice data: " + strings.Join(parts, "; ")
}

// Fields returns the names of the offending fields in order.
func (e *ValidationError) Fields() []string {
	out := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		out = append(out, p.Field)
	}
	return out
}

// Validate checks every invariant of a complete invoice.
func (d InvoiceData) Validate() error {
	var problems []FieldProblem
	add := func(field, reason string) {
		problems = append(problems, FieldProblem{Field: field, Reason: reason})
	}

	name := strings.TrimSpace(d.CustomerName)
	switch {
	case name == "":
		add("customer_name", "required")
	case len(name) > maxCustomerName:
		add("customer_name", "too long")
	}
	if len(d.CustomerEmail) > maxCustomerEmail {
		add("customer_email", "too long")
	}
	if len(d.CustomerAddress) > maxCustomerAddress {
		add("customer_address", "too long")
	}
	if len(d.InvoiceNumber) > maxInvoiceNumber {
		add("invoice_number", "too long")
	}
	if d.InvoiceDate.IsZero() {
		add("invoice_date", "required")
	}
	switch {
	case d.DueDate.IsZero():
		add("due_date", "required")
	case !d.InvoiceDate.IsZero() && d.DueDate.Before(d.InvoiceDate):
		add("due_date", "before invoice date")
	}
	if len(d.LineItems) == 0 {
		add("line_items", "at least one line item is required")
	}
	for i, item := range d.LineItems {
		for _, f := range item.Problems() {
			add(fmt.Sprintf("line_items[%d].%s", i, f), "invalid")
		}
	}
	if d.TaxRate.IsNegative() || d.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
		add("tax_rate", "must be between 0 and 1")
	}
	if d.Discount.IsNegative() {
		add("discount", "must not be negative")
	}
	if len(d.Notes) > maxNotes {
		add("notes", "too long")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Invoice is a persisted invoice with derived totals.
type Invoice struct {
	ID             string
	UserID         string
	ConversationID string
	Data           InvoiceData
	Totals         Totals
	Status         Status
	PDFReference   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InvoiceQuery selects one page of a user's invoices, newest first.
type InvoiceQuery struct {
	Limit  int
	Cursor string
	Status Status
}

// NewInvoice validates data and computes totals for a draft invoice.
func NewInvoice(id, userID, conversationID string, data InvoiceData, now time.Time) (Invoice, error) {
	if err := data.Validate(); err != nil {
		return Invoice{}, err
	}
	return Invoice{
		ID:             id,
		UserID:         userID,
		ConversationID: conversationID,
		Data:           data,
		Totals:         ComputeTotals(data),
		Status:         StatusDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// DisplayNumber is the explicit invoice number, or the last eight characters
// of the id in upper case.
func (i Invoice) DisplayNumber() string {
	if n := strings.TrimSpace(i.Data.InvoiceNumber); n != "" {
		return n
	}
	id := strings.ReplaceAll(i.ID, "-", "")
	if len(id) > 8 {
		id = id[len(id)-8:]
	}
	return strings.ToUpper(id)
}
