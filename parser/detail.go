package parser

import (
	"bytes"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-erowid/models"
)

// The narrative fallback slices raw HTML between these sentinel comments,
// exactly as the pages emit them (note the single trailing space).
const (
	bodyStartMarker = "<!--Start Body -->"
	bodyEndMarker   = "<!--End Body -->"
)

var (
	publishedLabelPattern = regexp.MustCompile(`^Published:\s*`)
	afterColonPattern     = regexp.MustCompile(`:\s*(.+)`)
	blankRunPattern       = regexp.MustCompile(`\n{3,}`)
)

// Detail carries every field extracted from one detail page. Absent fields
// stay nil. Extraction never fails outward: one malformed page must not
// abort the crawl, so every miss degrades to nil for that field alone.
type Detail struct {
	ID             *int64
	Gender         *string
	Age            *string
	DatePublished  *string
	DateExperience *time.Time
	Views          *int64
	WeightValue    *float64
	WeightUnit     *string
	Text           *string
	Doses          [models.DoseCount]models.DoseEntry
}

// ParseDetail applies every field extractor to a detail document. raw is the
// unparsed response body, needed only for the narrative fallback path.
func ParseDetail(doc *goquery.Document, raw []byte) Detail {
	var detail Detail
	detail.Doses = parseDoses(doc)
	detail.WeightValue, detail.WeightUnit = parseBodyWeight(doc)
	detail.Text = parseNarrative(doc, raw)
	parseFootData(doc, &detail)
	return detail
}

// parseDoses fills the fixed dose slots from rows that own a substance cell,
// in document order. Header and filler rows have no substance cell and are
// skipped; rows beyond the last slot are ignored.
func parseDoses(doc *goquery.Document) [models.DoseCount]models.DoseEntry {
	var doses [models.DoseCount]models.DoseEntry
	table := doc.Find("table.dosechart").First()
	if table.Length() == 0 {
		return doses
	}

	slot := 0
	table.Find("tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		substance := row.Find("td.dosechart-substance")
		if substance.Length() == 0 {
			return true
		}
		if slot >= models.DoseCount {
			return false
		}
		doses[slot] = models.DoseEntry{
			Substance: cellText(substance),
			Amount:    cellText(row.Find("td.dosechart-amount")),
			Method:    cellText(row.Find("td.dosechart-method")),
		}
		slot++
		return true
	})
	return doses
}

// cellText returns the trimmed text of the first matched cell, nil when the
// selection is empty. A present-but-blank cell yields "", which is distinct
// from nil.
func cellText(sel *goquery.Selection) *string {
	if sel.Length() == 0 {
		return nil
	}
	text := strings.TrimSpace(sel.First().Text())
	return &text
}

func parseBodyWeight(doc *goquery.Document) (*float64, *string) {
	cell := doc.Find("table.bodyweight td.bodyweight-amount").First()
	if cell.Length() == 0 {
		return nil, nil
	}
	return ParseWeight(cell.Text())
}

// parseNarrative extracts the report body. The primary path reads the body
// container minus its inline tables (dose chart, weight, and foot data render
// inside it and must not leak into narrative text). When the container is
// missing the raw HTML between the body sentinels is parsed the same way.
// Empty narratives are nil, never "".
func parseNarrative(doc *goquery.Document, raw []byte) *string {
	container := doc.Find("div.report-text-surround").First()
	if container.Length() > 0 {
		return narrativeText(container)
	}

	start := bytes.Index(raw, []byte(bodyStartMarker))
	end := bytes.Index(raw, []byte(bodyEndMarker))
	if start < 0 || end < 0 || end <= start {
		return nil
	}
	fragment := raw[start+len(bodyStartMarker) : end]
	fragDoc, err := goquery.NewDocumentFromReader(bytes.NewReader(fragment))
	if err != nil {
		return nil
	}
	return narrativeText(fragDoc.Selection)
}

func narrativeText(sel *goquery.Selection) *string {
	cleaned := sel.Clone()
	cleaned.Find("table").Remove()
	text := blankRunPattern.ReplaceAllString(textWithBreaks(cleaned), "\n\n")
	if text == "" {
		return nil
	}
	return &text
}

func parseFootData(doc *goquery.Document, detail *Detail) {
	table := doc.Find("table.footdata").First()
	if table.Length() == 0 {
		return
	}

	if cell := table.Find("td.footdata-expid"); cell.Length() > 0 {
		detail.ID = ParseID(cell.First().Text())
	}
	detail.Gender = cellText(table.Find("td.footdata-gender"))
	detail.Age = cellText(table.Find("td.footdata-ageofexp"))

	if cell := table.Find("td.footdata-pubdate"); cell.Length() > 0 {
		cleaned := publishedLabelPattern.ReplaceAllString(strings.TrimSpace(cell.First().Text()), "")
		if parsed := ParseDate(cleaned); parsed != nil {
			formatted := parsed.Format("2006-01-02")
			detail.DatePublished = &formatted
		} else {
			// A human-readable literal beats losing the value.
			detail.DatePublished = &cleaned
		}
	}

	if cell := table.Find("td.footdata-numviews"); cell.Length() > 0 {
		detail.Views = ParseViews(cell.First().Text())
	}

	detail.DateExperience = findExperienceDate(table)
}

// findExperienceDate scans the foot-data cells for one mentioning "exp year"
// or "experience" (case-insensitive), takes the substring after the first
// colon, and date-parses it. The scan stops at the first cell whose candidate
// parses; an unparseable candidate keeps the scan going. The publication
// cell's own label can satisfy the mention test when phrasing overlaps; that
// ambiguity comes with the page layout and is pinned by tests.
func findExperienceDate(table *goquery.Selection) *time.Time {
	var found *time.Time
	table.Find("td").EachWithBreak(func(_ int, cell *goquery.Selection) bool {
		text := strings.TrimSpace(cell.Text())
		lower := strings.ToLower(text)
		if !strings.Contains(lower, "exp year") && !strings.Contains(lower, "experience") {
			return true
		}
		match := afterColonPattern.FindStringSubmatch(text)
		if match == nil {
			return true
		}
		if parsed := ParseDate(match[1]); parsed != nil {
			found = parsed
			return false
		}
		return true
	})
	return found
}
