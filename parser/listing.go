package parser

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-erowid/models"
)

// Listing is the outcome of reading one listing page. Found reports whether
// the experience table was located at all; a found table with zero records is
// a genuinely empty page, which callers treat differently from a missing one.
type Listing struct {
	Found   bool
	Records []models.Summary
}

// MaxPageNumber returns the highest page number advertised by the pagination
// control, defaulting to 1 when no numeric link labels are present.
func MaxPageNumber(doc *goquery.Document) int {
	highest := 0
	doc.Find("table.results-table a").Each(func(_ int, link *goquery.Selection) {
		text := strings.TrimSpace(link.Text())
		if text == "" || !allDigits(text) {
			return
		}
		if n, err := strconv.Atoi(text); err == nil && n > highest {
			highest = n
		}
	})
	if highest == 0 {
		return 1
	}
	return highest
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ParseListing extracts the ordered summary rows from a listing document.
// Relative detail links resolve against root. Rows without a resolvable
// detail link are dropped: they cannot be checkpointed or deduplicated.
func ParseListing(doc *goquery.Document, root string) Listing {
	table := doc.Find("table.exp-list-table").First()
	if table.Length() == 0 {
		return Listing{}
	}

	listing := Listing{Found: true}
	table.Find("tr.exp-list-row").Each(func(_ int, row *goquery.Selection) {
		var summary models.Summary

		if img := row.Find("td.exp-rating img").First(); img.Length() > 0 {
			if alt, ok := img.Attr("alt"); ok && alt != "" {
				summary.Rating = &alt
			}
		}
		if author := row.Find("td.exp-author"); author.Length() > 0 {
			text := strings.TrimSpace(author.First().Text())
			summary.Author = &text
		}

		title := row.Find("td.exp-title").First()
		if title.Length() > 0 {
			text := strings.TrimSpace(title.Text())
			summary.Title = &text
		}
		href, ok := title.Find("a").First().Attr("href")
		if !ok || href == "" {
			return
		}

		summary.DetailURL = resolveLink(href, root)
		listing.Records = append(listing.Records, summary)
	})
	return listing
}

// resolveLink resolves a detail href against the site root. Listing pages
// link relatively, so anything without a scheme is rooted at the host.
func resolveLink(href, root string) string {
	if strings.HasPrefix(href, "http") {
		return href
	}
	if !strings.HasPrefix(href, "/") {
		href = "/" + href
	}
	return strings.TrimSuffix(root, "/") + href
}
