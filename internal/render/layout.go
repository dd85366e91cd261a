package render

import (
	"fmt"
	"strings"
	"time"

	"invoice-agent/internal/domain"
)

const (
	defaultTitle   = "INVOICE"
	watermark      = "Generated by Invoice Agent on "
	watermarkStamp = "January 2, 2006 at 3:04 PM"
)

// Failure is returned when an invoice lacks a field the document needs.
type Failure struct {
	Field string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("render: missing required field %s", f.Field)
}

// Layout is the printable content of an invoice, in drawing order. Only
// Footer depends on when the document is produced.
type Layout struct {
	Title    string
	Number   string
	Sender   []string
	Meta     []Pair
	BillTo   []string
	Columns  [4]string
	Items    [][4]string
	Totals   []Pair
	Notes    string
	Footer   string
	Palette  Palette
	Sections []string
}

// Pair is a label and its value.
type Pair struct {
	Label string
	Value string
}

const (
	SectionHeader = "header"
	SectionSender = "sender"
	SectionBillTo = "bill_to"
	SectionItems  = "items"
	SectionTotals = "totals"
	SectionNotes  = "notes"
)

// BuildLayout derives the document content from inv and the owner's
// subscription. It fails on the first missing required field rather than
// drawing an incomplete invoice. Free documents carry a watermark footer;
// pro documents may carry the business name and a chosen palette.
func BuildLayout(inv domain.Invoice, sub domain.Subscription, generatedAt time.Time) (Layout, error) {
	d := inv.Data
	switch {
	case strings.TrimSpace(inv.ID) == "" && strings.TrimSpace(d.InvoiceNumber) == "":
		return Layout{}, &Failure{Field: "invoice_number"}
	case strings.TrimSpace(d.CustomerName) == "":
		return Layout{}, &Failure{Field: domain.FieldCustomerName}
	case d.InvoiceDate.IsZero():
		return Layout{}, &Failure{Field: domain.FieldInvoiceDate}
	case d.DueDate.IsZero():
		return Layout{}, &Failure{Field: domain.FieldDueDate}
	case len(d.LineItems) == 0:
		return Layout{}, &Failure{Field: domain.FieldLineItems}
	}

	pro := sub.Tier == domain.TierPro
	l := Layout{
		Title:  defaultTitle,
		Number: inv.DisplayNumber(),
		Meta: []Pair{
			{Label: "Invoice date", Value: domain.FormatDate(d.InvoiceDate)},
			{Label: "Due date", Value: domain.FormatDate(d.DueDate)},
		},
		Columns:  [4]string{"Description", "Qty", "Unit price", "Amount"},
		Palette:  PaletteFor(sub),
		Sections: []string{SectionHeader},
	}
	if name := strings.TrimSpace(sub.Profile.BusinessName); pro && name != "" {
		l.Title = name
	}
	if !pro {
		l.Footer = watermark + generatedAt.UTC().Format(watermarkStamp)
	}

	p := sub.Profile
	l.Sender = nonEmpty(append([]string{p.ContactName, p.Phone, p.Email}, p.Address...)...)
	if len(l.Sender) > 0 {
		l.Sections = append(l.Sections, SectionSender)
	}
	l.Sections = append(l.Sections, SectionBillTo, SectionItems, SectionTotals)

	l.BillTo = nonEmpty(d.CustomerName, d.CustomerEmail, d.CustomerAddress)

	for i, item := range d.LineItems {
		if strings.TrimSpace(item.Description) == "" {
			return Layout{}, &Failure{Field: fmt.Sprintf("line_items[%d].description", i)}
		}
		l.Items = append(l.Items, [4]string{
			item.Description,
			item.Quantity.String(),
			domain.FormatMoney(item.UnitPrice),
			domain.FormatMoney(item.Amount()),
		})
	}

	t := inv.Totals
	l.Totals = append(l.Totals,
		Pair{Label: "Subtotal", Value: domain.FormatMoney(t.Subtotal)},
		Pair{Label: fmt.Sprintf("Tax (%s)", domain.FormatRate(d.TaxRate)), Value: domain.FormatMoney(t.TaxAmount)},
	)
	if t.Discount.IsPositive() {
		l.Totals = append(l.Totals, Pair{Label: "Discount", Value: "-" + domain.FormatMoney(t.Discount)})
	}
	l.Totals = append(l.Totals, Pair{Label: "Total", Value: domain.FormatMoney(t.Total)})

	if n := strings.TrimSpace(d.Notes); n != "" {
		l.Notes = n
		l.Sections = append(l.Sections, SectionNotes)
	}
	return l, nil
}

func nonEmpty(lines ...string) []string {
	var out []string
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
