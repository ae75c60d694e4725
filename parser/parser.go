// Package parser contains the pure extraction logic that maps document
// fragments onto typed record fields. Nothing in this package performs I/O;
// fetching and orchestration live in the scraper package.
package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	weightPattern     = regexp.MustCompile(`^([\d.]+)\s*([a-zA-Z]+)`)
	nonDigitPattern   = regexp.MustCompile(`\D`)
	viewsLabelPattern = regexp.MustCompile(`^Views:\s*`)
)

// ParseWeight parses a body-weight cell like "170 lb" or "77.5 kgs" into a
// magnitude and a lowercased unit with trailing plural "s" removed.
// Unparseable or empty input yields (nil, nil).
func ParseWeight(text string) (*float64, *string) {
	match := weightPattern.FindStringSubmatch(strings.TrimSpace(text))
	if match == nil {
		return nil, nil
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return nil, nil
	}
	unit := strings.TrimRight(strings.ToLower(match[2]), "s")
	return &value, &unit
}

// ParseID extracts a record id by stripping every non-digit character before
// parsing. Absent or digit-free input yields nil; callers must not treat a
// zero id as valid.
func ParseID(text string) *int64 {
	digits := nonDigitPattern.ReplaceAllString(text, "")
	if digits == "" {
		return nil
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}

// ParseViews parses a view-count cell, tolerating a leading "Views:" label
// and thousands separators.
func ParseViews(text string) *int64 {
	cleaned := viewsLabelPattern.ReplaceAllString(strings.TrimSpace(text), "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	views, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return nil
	}
	return &views
}

// textWithBreaks renders the selection's text the way a line-oriented reader
// would see it: every text node trimmed, empties dropped, one newline between
// the rest. Comment nodes contribute nothing.
func textWithBreaks(sel *goquery.Selection) string {
	var parts []string
	for _, node := range sel.Nodes {
		collectText(node, &parts)
	}
	return strings.Join(parts, "\n")
}

func collectText(n *html.Node, parts *[]string) {
	if n.Type == html.TextNode {
		if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
			*parts = append(*parts, trimmed)
		}
		return
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collectText(child, parts)
	}
}
