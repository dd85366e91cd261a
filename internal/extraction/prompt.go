package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"invoice-agent/internal/domain"
)

type wireLineItem struct {
	Description string `json:"description"`
	Quantity    string `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	Taxable     bool   `json:"taxable"`
}

type wireFields struct {
	CustomerName    *string        `json:"customer_name,omitempty"`
	CustomerEmail   *string        `json:"customer_email,omitempty"`
	CustomerAddress *string        `json:"customer_address,omitempty"`
	InvoiceNumber   *string        `json:"invoice_number,omitempty"`
	InvoiceDate     string         `json:"invoice_date,omitempty"`
	DueDate         string         `json:"due_date,omitempty"`
	LineItems       []wireLineItem `json:"line_items,omitempty"`
	TaxRate         string         `json:"tax_rate,omitempty"`
	Discount        string         `json:"discount,omitempty"`
	Notes           *string        `json:"notes,omitempty"`
}

func buildSystemPrompt(now time.Time, known domain.InvoiceFields) string {
	return strings.Join([]string{
		dateContext(now),
		"",
		"Role:",
		"You help a small-business owner create an invoice through conversation.",
		"",
		"Task:",
		"Read the conversation and extract invoice fields the user has stated.",
		"Include only fields you are confident about. Never invent values.",
		"",
		"Fields:",
		fieldGuide(),
		"",
		"Known Fields:",
		knownFieldsJSON(known),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func buildStrictPrompt(now time.Time, known domain.InvoiceFields) string {
	return buildSystemPrompt(now, known) + "\n\n" +
		"Your previous reply could not be parsed. Return JSON only: a single JSON object, " +
		"no prose and no code fences."
}

func dateContext(now time.Time) string {
	today := domain.DateOf(now)
	day := func(n int) string { return domain.FormatDate(today.AddDate(0, 0, n)) }
	iso := domain.FormatDate(today)
	return strings.Join([]string{
		"Date Reference:",
		fmt.Sprintf("Today is %s (%s). Use it for \"today\" and when no invoice date is given.", today.Format("Monday, January 2, 2006"), iso),
		"- tomorrow = " + day(1),
		"- in 7 days / in a week = " + day(7),
		"- in 14 days / in 2 weeks = " + day(14),
		"- in 30 days / in a month = " + day(30),
		"- in 60 days / in 2 months = " + day(60),
		"- in 90 days / in 3 months = " + day(90),
		"- end of month = " + domain.FormatDate(endOfMonth(today)),
		fmt.Sprintf("A month and day without a year is in %d.", today.Year()),
	}, "\n")
}

func fieldGuide() string {
	return strings.Join([]string{
		"- customer_name (required)",
		"- customer_email, customer_address (optional)",
		"- invoice_date, due_date as YYYY-MM-DD (due_date must not be before invoice_date)",
		"- line_items: list of {description, quantity > 0, unit_price >= 0, taxable (default true)}",
		"- tax_rate as a fraction, 0.08 for 8%",
		"- discount as an amount, notes (optional)",
	}, "\n")
}

func outputContract() string {
	return "Reply with at most one short sentence for the user, followed by a single JSON object " +
		"holding the fields extracted so far (use {} when there are none). " +
		"Use {\"action\": \"cancel\"} when the user abandons the invoice."
}

// knownFieldsJSON renders the collected fields as hints for the model.
func knownFieldsJSON(f domain.InvoiceFields) string {
	w := wireFields{
		CustomerName:    f.CustomerName,
		CustomerEmail:   f.CustomerEmail,
		CustomerAddress: f.CustomerAddress,
		InvoiceNumber:   f.InvoiceNumber,
		Notes:           f.Notes,
	}
	if f.InvoiceDate != nil {
		w.InvoiceDate = domain.FormatDate(*f.InvoiceDate)
	}
	if f.DueDate != nil {
		w.DueDate = domain.FormatDate(*f.DueDate)
	}
	for _, item := range f.LineItems {
		w.LineItems = append(w.LineItems, wireLineItem{
			Description: item.Description,
			Quantity:    item.Quantity.String(),
			UnitPrice:   item.UnitPrice.StringFixed(domain.CurrencyPlaces),
			Taxable:     item.Taxable,
		})
	}
	if f.TaxRate != nil {
		w.TaxRate = f.TaxRate.String()
	}
	if f.Discount != nil {
		w.Discount = f.Discount.StringFixed(domain.CurrencyPlaces)
	}

	b, err := json.Marshal(w)
	if err != nil {
		return "{}"
	}
	return string(b)
}
