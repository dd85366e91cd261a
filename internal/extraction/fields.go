package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"invoice-agent/internal/domain"
)

// Action is the intent the model attached to its payload.
type Action string

const (
	ActionUpdate Action = "update"
	ActionCreate Action = "create_invoice"
	ActionCancel Action = "cancel"
)

const (
	maxName    = 200
	maxEmail   = 254
	maxAddress = 500
	maxNumber  = 50
	maxNotes   = 1000
	maxItems   = 100

	ratePlaces     = 4
	quantityPlaces = 4
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

type envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// decodePayload reads either a bare fields object, an {"action","data"}
// envelope or a bare array of line items.
func decodePayload(payload []byte) (Action, map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return ActionUpdate, map[string]json.RawMessage{"line_items": trimmed}, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return "", nil, fmt.Errorf("extraction: decode payload: %w", err)
	}

	rawAction, hasAction := obj["action"]
	if !hasAction {
		return ActionUpdate, obj, nil
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return "", nil, fmt.Errorf("extraction: decode envelope: %w", err)
	}
	action := Action(strings.ToLower(strings.TrimSpace(env.Action)))
	switch action {
	case ActionCancel:
		return ActionCancel, nil, nil
	case ActionCreate, ActionUpdate, "":
	default:
		return "", nil, fmt.Errorf("extraction: unknown action %s", string(rawAction))
	}
	if action == "" {
		action = ActionUpdate
	}

	fields := map[string]json.RawMessage{}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &fields); err != nil {
			return "", nil, fmt.Errorf("extraction: decode envelope data: %w", err)
		}
	} else {
		for k, v := range obj {
			if k != "action" {
				fields[k] = v
			}
		}
	}
	return action, fields, nil
}

// parseFields validates each field independently. Fields that fail are left
// unset and reported by path; they never abort the extraction.
func parseFields(raw map[string]json.RawMessage, today time.Time) (domain.InvoiceFields, []string) {
	var (
		f        domain.InvoiceFields
		rejected []string
	)
	reject := func(path string) { rejected = append(rejected, path) }

	textField := func(key string, max int, check func(string) bool) *string {
		v, present := raw[key]
		if !present || isNull(v) {
			return nil
		}
		s, err := decodeString(v)
		if err != nil || len(s) > max || (check != nil && !check(s)) {
			reject(key)
			return nil
		}
		if s == "" {
			return nil
		}
		return &s
	}

	f.CustomerName = textField("customer_name", maxName, nil)
	f.CustomerEmail = textField("customer_email", maxEmail, looksLikeEmail)
	f.CustomerAddress = textField("customer_address", maxAddress, nil)
	f.InvoiceNumber = textField("invoice_number", maxNumber, nil)
	f.Notes = textField("notes", maxNotes, nil)

	if v, ok := raw["invoice_date"]; ok && !isNull(v) {
		d, err := decodeDate(v, today)
		if err != nil || tooOld(d, today) {
			reject("invoice_date")
		} else {
			f.InvoiceDate = &d
		}
	}
	if v, ok := raw["due_date"]; ok && !isNull(v) {
		d, err := decodeDate(v, today)
		if err != nil {
			reject("due_date")
		} else {
			f.DueDate = &d
		}
	}

	if v, ok := raw["line_items"]; ok && !isNull(v) {
		items, problems := decodeLineItems(v)
		if len(problems) > 0 {
			rejected = append(rejected, problems...)
		} else {
			f.LineItems = items
		}
	}

	if v, ok := raw["tax_rate"]; ok && !isNull(v) {
		rate, err := decodeRate(v)
		if err != nil {
			reject("tax_rate")
		} else {
			f.TaxRate = &rate
		}
	}
	if v, ok := raw["discount"]; ok && !isNull(v) {
		d, err := decodeDecimal(v)
		if err != nil || d.IsNegative() {
			reject("discount")
		} else {
			d = domain.RoundMoney(d)
			f.Discount = &d
		}
	}

	return f, rejected
}

type rawLineItem struct {
	Description json.RawMessage `json:"description"`
	Quantity    json.RawMessage `json:"quantity"`
	UnitPrice   json.RawMessage `json:"unit_price"`
	Taxable     *bool           `json:"taxable"`
}

// decodeLineItems accepts the list only when every item is valid; otherwise
// it reports each offending path.
func decodeLineItems(v json.RawMessage) ([]domain.LineItem, []string) {
	var raws []json.RawMessage
	if err := json.Unmarshal(v, &raws); err != nil {
		return nil, []string{"line_items"}
	}
	if len(raws) == 0 {
		return nil, nil
	}
	if len(raws) > maxItems {
		return nil, []string{"line_items"}
	}

	items := make([]domain.LineItem, 0, len(raws))
	var problems []string
	for i, rv := range raws {
		path := fmt.Sprintf("line_items[%d]", i)
		var r rawLineItem
		if err := json.Unmarshal(rv, &r); err != nil {
			problems = append(problems, path)
			continue
		}

		item := domain.LineItem{Taxable: true}
		if r.Taxable != nil {
			item.Taxable = *r.Taxable
		}

		desc, err := decodeString(r.Description)
		if err != nil || desc == "" || len(desc) > maxName {
			problems = append(problems, path+".description")
		}
		item.Description = desc

		item.Quantity = one
		if len(r.Quantity) > 0 && !isNull(r.Quantity) {
			q, err := decodeDecimal(r.Quantity)
			q = q.Round(quantityPlaces)
			if err != nil || !q.IsPositive() {
				problems = append(problems, path+".quantity")
			}
			item.Quantity = q
		}

		price, err := decodeDecimal(r.UnitPrice)
		if err != nil || price.IsNegative() {
			problems = append(problems, path+".unit_price")
		}
		item.UnitPrice = domain.RoundMoney(price)

		items = append(items, item)
	}
	if len(problems) > 0 {
		return nil, problems
	}
	return items, nil
}

// decodeRate accepts a fraction or a percentage; anything above 1 is read
// as a percentage.
func decodeRate(v json.RawMessage) (decimal.Decimal, error) {
	rate, err := decodeDecimal(v)
	if err != nil {
		return decimal.Zero, err
	}
	if rate.GreaterThan(one) {
		rate = rate.Div(hundred)
	}
	if rate.IsNegative() || rate.GreaterThan(one) {
		return decimal.Zero, errors.New("extraction: tax rate out of range")
	}
	return rate.Round(ratePlaces), nil
}

// decodeDecimal reads a JSON number or a numeric string such as "$1,200.50"
// or "8%".
func decodeDecimal(v json.RawMessage) (decimal.Decimal, error) {
	if len(v) == 0 || isNull(v) {
		return decimal.Zero, errors.New("extraction: missing number")
	}
	var s string
	if v[0] == '"' {
		if err := json.Unmarshal(v, &s); err != nil {
			return decimal.Zero, err
		}
	} else {
		s = string(v)
	}
	s = strings.NewReplacer("$", "", ",", "", "%", "", " ", "").Replace(strings.TrimSpace(s))
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("extraction: parse number %q: %w", s, err)
	}
	return d, nil
}

func decodeString(v json.RawMessage) (string, error) {
	if len(v) == 0 {
		return "", errors.New("extraction: missing string")
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

func decodeDate(v json.RawMessage, today time.Time) (time.Time, error) {
	s, err := decodeString(v)
	if err != nil {
		return time.Time{}, err
	}
	return resolveDate(s, today)
}

func isNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}

func looksLikeEmail(s string) bool {
	at := strings.Index(s, "@")
	return at > 0 && at < len(s)-1 && !strings.ContainsAny(s, " \t\n")
}
