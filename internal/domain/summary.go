package domain

import (
	"fmt"
	"strings"
)

// Summary renders a short plain-text description of an invoice for chat replies.
func Summary(inv Invoice) string {
	d := inv.Data
	lines := []string{
		fmt.Sprintf("Invoice %s for %s", inv.DisplayNumber(), d.CustomerName),
		"Date: " + FormatDate(d.InvoiceDate),
		"Due: " + FormatDate(d.DueDate),
		"",
		"Line items:",
	}
	for i, item := range d.LineItems {
		lines = append(lines, fmt.Sprintf("  %d. %s - %s x %s = %s",
			i+1, item.Description, item.Quantity.String(),
			FormatMoney(item.UnitPrice), FormatMoney(item.Amount())))
	}
	lines = append(lines, "", "Subtotal: "+FormatMoney(inv.Totals.Subtotal))
	if inv.Totals.Discount.IsPositive() {
		lines = append(lines, "Discount: -"+FormatMoney(inv.Totals.Discount))
	}
	lines = append(lines,
		fmt.Sprintf("Tax (%s): %s", FormatRate(d.TaxRate), FormatMoney(inv.Totals.TaxAmount)),
		"Total: "+FormatMoney(inv.Totals.Total),
	)
	if n := strings.TrimSpace(d.Notes); n != "" {
		lines = append(lines, "", "Notes: "+n)
	}
	return strings.Join(lines, "\n")
}
