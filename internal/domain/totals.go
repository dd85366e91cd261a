package domain

import "github.com/shopspring/decimal"

// CurrencyPlaces is the fixed precision of every stored monetary amount.
const CurrencyPlaces = 2

// Totals are the derived monetary amounts of an invoice, all rounded to
// CurrencyPlaces.
type Totals struct {
	Subtotal        decimal.Decimal
	TaxableSubtotal decimal.Decimal
	Discount        decimal.Decimal
	TaxAmount       decimal.Decimal
	Total           decimal.Decimal
}

// ComputeTotals derives subtotal, tax and total from the line items.
// The discount is capped at the subtotal and spread proportionally over the
// taxable share before tax is applied. The total never goes below zero.
func ComputeTotals(d InvoiceData) Totals {
	subtotal := decimal.Zero
	taxable := decimal.Zero
	for _, item := range d.LineItems {
		amount := item.Amount()
		subtotal = subtotal.Add(amount)
		if item.Taxable {
			taxable = taxable.Add(amount)
		}
	}
	subtotal = RoundMoney(subtotal)
	taxable = RoundMoney(taxable)

	discount := RoundMoney(d.Discount)
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}

	tax := decimal.Zero
	if subtotal.IsPositive() {
		taxableDiscount := discount.Mul(taxable).Div(subtotal)
		tax = RoundMoney(taxable.Sub(taxableDiscount).Mul(d.TaxRate))
	}

	total := RoundMoney(subtotal.Sub(discount).Add(tax))
	if total.IsNegative() {
		total = decimal.Zero
	}

	return Totals{
		Subtotal:        subtotal,
		TaxableSubtotal: taxable,
		Discount:        discount,
		TaxAmount:       tax,
		Total:           total,
	}
}

// RoundMoney rounds half away from zero to CurrencyPlaces.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPlaces)
}
