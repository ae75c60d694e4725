package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

var yearPattern = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// ParseDate turns free-form date text into a concrete time. Full parsing is
// attempted first; failing that, a bare 4-digit year between 1900 and 2099
// resolves to January 1 of that year. Anything else yields nil. Publication
// dates are usually well-formed but experience dates are frequently just a
// year, hence the two tiers.
func ParseDate(text string) *time.Time {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	if parsed, err := dateparse.ParseAny(trimmed); err == nil {
		return &parsed
	}

	if match := yearPattern.FindString(trimmed); match != "" {
		year, _ := strconv.Atoi(match)
		date := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		return &date
	}

	return nil
}
