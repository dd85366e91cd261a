package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Required invoice fields, in the order they are asked for.
const (
	FieldCustomerName = "customer_name"
	FieldInvoiceDate  = "invoice_date"
	FieldDueDate      = "due_date"
	FieldLineItems    = "line_items"
)

// InvoiceFields is the partial invoice accumulated across conversation turns.
// A nil pointer (or an empty line item slice) means "not known yet".
type InvoiceFields struct {
	CustomerName    *string
	CustomerEmail   *string
	CustomerAddress *string
	InvoiceNumber   *string
	InvoiceDate     *time.Time
	DueDate         *time.Time
	LineItems       []LineItem
	TaxRate         *decimal.Decimal
	Discount        *decimal.Decimal
	Notes           *string
}

// IsEmpty reports whether no field has been collected.
func (f InvoiceFields) IsEmpty() bool {
	return f.CustomerName == nil && f.CustomerEmail == nil && f.CustomerAddress == nil &&
		f.InvoiceNumber == nil && f.InvoiceDate == nil && f.DueDate == nil &&
		len(f.LineItems) == 0 && f.TaxRate == nil && f.Discount == nil && f.Notes == nil
}

// Merge returns f updated with every field newer knows about. Blank strings
// never replace collected values, and line items are replaced only by a
// non-empty list in which every item is valid.
func (f InvoiceFields) Merge(newer InvoiceFields) InvoiceFields {
	out := f
	out.CustomerName = mergeString(f.CustomerName, newer.CustomerName)
	out.CustomerEmail = mergeString(f.CustomerEmail, newer.CustomerEmail)
	out.CustomerAddress = mergeString(f.CustomerAddress, newer.CustomerAddress)
	out.InvoiceNumber = mergeString(f.InvoiceNumber, newer.InvoiceNumber)
	out.Notes = mergeString(f.Notes, newer.Notes)
	if newer.InvoiceDate != nil {
		out.InvoiceDate = newer.InvoiceDate
	}
	if newer.DueDate != nil {
		out.DueDate = newer.DueDate
	}
	if newer.TaxRate != nil {
		out.TaxRate = newer.TaxRate
	}
	if newer.Discount != nil {
		out.Discount = newer.Discount
	}
	if len(newer.LineItems) > 0 && validItems(newer.LineItems) {
		out.LineItems = append([]LineItem(nil), newer.LineItems...)
	}
	return out
}

func mergeString(old, newer *string) *string {
	if newer == nil || strings.TrimSpace(*newer) == "" {
		return old
	}
	v := strings.TrimSpace(*newer)
	return &v
}

// Missing lists the required fields that are absent or inconsistent, in a
// fixed order so callers can ask for them deterministically.
func (f InvoiceFields) Missing() []string {
	var out []string
	if f.CustomerName == nil || strings.TrimSpace(*f.CustomerName) == "" {
		out = append(out, FieldCustomerName)
	}
	if f.InvoiceDate == nil {
		out = append(out, FieldInvoiceDate)
	}
	if f.DueDate == nil || (f.InvoiceDate != nil && f.DueDate.Before(*f.InvoiceDate)) {
		out = append(out, FieldDueDate)
	}
	if len(f.LineItems) == 0 || !validItems(f.LineItems) {
		out = append(out, FieldLineItems)
	}
	return out
}

func validItems(items []LineItem) bool {
	for _, item := range items {
		if len(item.Problems()) > 0 {
			return false
		}
	}
	return true
}

// Data converts the partial record into InvoiceData, zero-filling unknown
// fields. Callers validate the result.
func (f InvoiceFields) Data() InvoiceData {
	d := InvoiceData{
		CustomerName:    deref(f.CustomerName),
		CustomerEmail:   deref(f.CustomerEmail),
		CustomerAddress: deref(f.CustomerAddress),
		InvoiceNumber:   deref(f.InvoiceNumber),
		Notes:           deref(f.Notes),
		LineItems:       append([]LineItem(nil), f.LineItems...),
		TaxRate:         decimal.Zero,
		Discount:        decimal.Zero,
	}
	if f.InvoiceDate != nil {
		d.InvoiceDate = DateOf(*f.InvoiceDate)
	}
	if f.DueDate != nil {
		d.DueDate = DateOf(*f.DueDate)
	}
	if f.TaxRate != nil {
		d.TaxRate = *f.TaxRate
	}
	if f.Discount != nil {
		d.Discount = RoundMoney(*f.Discount)
	}
	return d
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
