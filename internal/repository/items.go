package repository

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"invoice-agent/internal/domain"
)

type lineItemRecord struct {
	Description string `dynamodbav:"description"`
	Quantity    string `dynamodbav:"quantity"`
	UnitPrice   string `dynamodbav:"unit_price"`
	Taxable     bool   `dynamodbav:"taxable"`
}

// fieldsRecord is the stored form of a partial invoice. Absent fields are
// omitted so they read back as unknown.
type fieldsRecord struct {
	CustomerName    *string          `dynamodbav:"customer_name,omitempty"`
	CustomerEmail   *string          `dynamodbav:"customer_email,omitempty"`
	CustomerAddress *string          `dynamodbav:"customer_address,omitempty"`
	InvoiceNumber   *string          `dynamodbav:"invoice_number,omitempty"`
	InvoiceDate     string           `dynamodbav:"invoice_date,omitempty"`
	DueDate         string           `dynamodbav:"due_date,omitempty"`
	LineItems       []lineItemRecord `dynamodbav:"line_items,omitempty"`
	TaxRate         string           `dynamodbav:"tax_rate,omitempty"`
	Discount        string           `dynamodbav:"discount,omitempty"`
	Notes           *string          `dynamodbav:"notes,omitempty"`
}

func toLineItemRecords(items []domain.LineItem) []lineItemRecord {
	if len(items) == 0 {
		return nil
	}
	out := make([]lineItemRecord, 0, len(items))
	for _, it := range items {
		out = append(out, lineItemRecord{
			Description: it.Description,
			Quantity:    it.Quantity.String(),
			UnitPrice:   it.UnitPrice.StringFixed(domain.CurrencyPlaces),
			Taxable:     it.Taxable,
		})
	}
	return out
}

func fromLineItemRecords(recs []lineItemRecord) ([]domain.LineItem, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	out := make([]domain.LineItem, 0, len(recs))
	for i, r := range recs {
		qty, err := decimal.NewFromString(r.Quantity)
		if err != nil {
			return nil, fmt.Errorf("repository: line item %d quantity: %w", i, err)
		}
		price, err := decimal.NewFromString(r.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("repository: line item %d unit price: %w", i, err)
		}
		out = append(out, domain.LineItem{Description: r.Description, Quantity: qty, UnitPrice: price, Taxable: r.Taxable})
	}
	return out, nil
}

func toFieldsRecord(f domain.InvoiceFields) fieldsRecord {
	r := fieldsRecord{
		CustomerName:    f.CustomerName,
		CustomerEmail:   f.CustomerEmail,
		CustomerAddress: f.CustomerAddress,
		InvoiceNumber:   f.InvoiceNumber,
		Notes:           f.Notes,
		LineItems:       toLineItemRecords(f.LineItems),
	}
	if f.InvoiceDate != nil {
		r.InvoiceDate = domain.FormatDate(*f.InvoiceDate)
	}
	if f.DueDate != nil {
		r.DueDate = domain.FormatDate(*f.DueDate)
	}
	if f.TaxRate != nil {
		r.TaxRate = f.TaxRate.String()
	}
	if f.Discount != nil {
		r.Discount = f.Discount.StringFixed(domain.CurrencyPlaces)
	}
	return r
}

func (r fieldsRecord) toDomain() (domain.InvoiceFields, error) {
	f := domain.InvoiceFields{
		CustomerName:    r.CustomerName,
		CustomerEmail:   r.CustomerEmail,
		CustomerAddress: r.CustomerAddress,
		InvoiceNumber:   r.InvoiceNumber,
		Notes:           r.Notes,
	}
	var err error
	if f.LineItems, err = fromLineItemRecords(r.LineItems); err != nil {
		return domain.InvoiceFields{}, err
	}
	if f.InvoiceDate, err = optionalDate(r.InvoiceDate); err != nil {
		return domain.InvoiceFields{}, err
	}
	if f.DueDate, err = optionalDate(r.DueDate); err != nil {
		return domain.InvoiceFields{}, err
	}
	if f.TaxRate, err = optionalDecimal(r.TaxRate); err != nil {
		return domain.InvoiceFields{}, err
	}
	if f.Discount, err = optionalDecimal(r.Discount); err != nil {
		return domain.InvoiceFields{}, err
	}
	return f, nil
}

func optionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := domain.ParseDate(s)
	if err != nil {
		return nil, fmt.Errorf("repository: %w", err)
	}
	return &t, nil
}

func optionalDecimal(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("repository: parse decimal %q: %w", s, err)
	}
	return &d, nil
}
