package domain

import (
	"strings"
	"time"
)

// Tier is the subscription entitlement supplied by the billing provider.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// ParseTier maps a provider status onto a Tier. Anything other than "pro"
// is treated as free.
func ParseTier(s string) Tier {
	if strings.EqualFold(strings.TrimSpace(s), string(TierPro)) {
		return TierPro
	}
	return TierFree
}

// UsageRecord is the per-user invoice counter for one calendar month.
type UsageRecord struct {
	UserID       string
	Period       string
	PeriodStart  time.Time
	InvoiceCount int
}

const periodLayout = "2006-01"

// PeriodOf returns the calendar-month key ("2026-10") containing t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// PeriodStart returns the first instant of the calendar month containing t.
func PeriodStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Profile is the sender's contact block printed on exported invoices.
type Profile struct {
	BusinessName string
	ContactName  string
	Email        string
	Phone        string
	Address      []string
}

// Subscription is the user's tier together with their invoice branding.
// BusinessName and InvoiceColor only take effect on the pro tier.
type Subscription struct {
	Tier         Tier
	InvoiceColor string
	Profile      Profile
}
