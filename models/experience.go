// Package models defines data structures for the scraper.
package models

import "time"

// DoseCount is the fixed number of dose slots every experience carries.
const DoseCount = 10

// DoseEntry is one ordered dose-chart slot. All three fields are nil when the
// slot has no source row.
type DoseEntry struct {
	Substance *string `json:"substance"`
	Amount    *string `json:"amount"`
	Method    *string `json:"method"`
}

// Summary is the lightweight row extracted from a listing page. DetailURL is
// the only required field; rows without one never leave the listing reader.
type Summary struct {
	Rating    *string `json:"experience_rating"`
	Author    *string `json:"author"`
	Title     *string `json:"title"`
	DetailURL string  `json:"detail_url"`
}

// Experience is one resolved report: listing fields merged with the
// detail-page extraction. Optional fields stay nil when the source omits
// them, so writers can tell absent from empty.
type Experience struct {
	Title          *string              `csv:"title" json:"title"`
	Author         *string              `csv:"author" json:"author"`
	Rating         *string              `csv:"experience_rating" json:"experience_rating"`
	DetailURL      string               `json:"detail_url"`
	ID             *int64               `csv:"id" json:"id"`
	Gender         *string              `csv:"gender" json:"gender"`
	Age            *string              `csv:"age_experience" json:"age_experience"`
	DatePublished  *string              `csv:"date_published" json:"date_published"`
	DateExperience *time.Time           `csv:"date_experience" json:"date_experience"`
	Views          *int64               `csv:"number_views" json:"number_views"`
	WeightValue    *float64             `csv:"weight_val" json:"weight_val"`
	WeightUnit     *string              `csv:"weight_scale" json:"weight_scale"`
	Text           *string              `csv:"text" json:"text"`
	Doses          [DoseCount]DoseEntry `json:"doses"`
	Category       string               `csv:"category" json:"category"`
	ScrapedAt      time.Time            `json:"scraped_at"`
}

// CrawlResult holds the overall result of a crawl run.
type CrawlResult struct {
	StartTime      time.Time
	EndTime        time.Time
	TotalRecords   int
	PartialRecords int
	Duplicates     int
	PagesCompleted int
	PagesSkipped   int
	EmptyPages     int
	RequestCount   int
	RetryCount     int
	ErrorCount     int
	ErrorsByType   map[string]int
	CategoryCounts map[string]int
}
