package extraction

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"invoice-agent/internal/domain"
)

// maxBackdate bounds how far in the past an invoice date may lie.
const maxBackdate = 90 * 24 * time.Hour

var absoluteLayouts = []string{
	domain.DateLayout,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	time.RFC3339,
}

var yearlessLayouts = []string{
	"January 2",
	"Jan 2",
	"2 January",
	"2 Jan",
}

var (
	relativeSpan = regexp.MustCompile(`^(?:due\s+)?(?:in\s+)?(\d+|a|an|one|two|three|four|five|six|seven|eight|nine|ten|eleven|twelve)\s+(day|week|month)s?(?:\s+from\s+(?:now|today))?$`)
	netTerms     = regexp.MustCompile(`^net[\s-]?(\d+)$`)
)

var numberWords = map[string]int{
	"a": 1, "an": 1, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6,
	"seven": 7, "eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12,
}

// resolveDate turns an absolute date or a common relative phrase into a
// calendar date, relative to today. A month counts as 30 days.
func resolveDate(s string, today time.Time) (time.Time, error) {
	today = domain.DateOf(today)
	phrase := strings.ToLower(strings.Join(strings.Fields(s), " "))
	phrase = strings.TrimSuffix(phrase, ".")

	switch phrase {
	case "":
		return time.Time{}, fmt.Errorf("extraction: empty date")
	case "today", "now", "dated today":
		return today, nil
	case "tomorrow":
		return today.AddDate(0, 0, 1), nil
	case "yesterday":
		return today.AddDate(0, 0, -1), nil
	case "end of month", "end of the month", "due end of month", "eom":
		return endOfMonth(today), nil
	}

	if m := relativeSpan.FindStringSubmatch(phrase); m != nil {
		n, ok := numberWords[m[1]]
		if !ok {
			n, _ = strconv.Atoi(m[1])
		}
		switch m[2] {
		case "week":
			n *= 7
		case "month":
			n *= 30
		}
		return today.AddDate(0, 0, n), nil
	}
	if m := netTerms.FindStringSubmatch(phrase); m != nil {
		n, _ := strconv.Atoi(m[1])
		return today.AddDate(0, 0, n), nil
	}

	trimmed := strings.TrimSpace(s)
	for _, layout := range absoluteLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return domain.DateOf(t), nil
		}
	}
	for _, layout := range yearlessLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return time.Date(today.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("extraction: unrecognised date %q", s)
}

func endOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

// tooOld reports whether an invoice date lies further back than allowed.
func tooOld(d, today time.Time) bool {
	return domain.DateOf(today).Sub(domain.DateOf(d)) > maxBackdate
}
