// Package scraper drives the crawl: it walks category listing pages, resolves
// each report's detail page, and hands completed page units to the pipeline.
// Progress is committed to the checkpoint store one page unit at a time, after
// the unit's rows have been written to the output sink.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/aluiziolira/go-scrape-erowid/checkpoint"
	"github.com/aluiziolira/go-scrape-erowid/config"
	"github.com/aluiziolira/go-scrape-erowid/models"
	"github.com/aluiziolira/go-scrape-erowid/parser"
	"github.com/aluiziolira/go-scrape-erowid/pipeline"
)

// maxPagesWhenCapped bounds each category when a row limit is active, keeping
// test runs to a couple of listing fetches per category.
const maxPagesWhenCapped = 2

// Scraper owns one crawl over the configured categories.
type Scraper struct {
	cfg     *config.Config
	fetcher *Fetcher
	store   *checkpoint.Store
	pipe    *pipeline.Pipeline
	logger  *zap.Logger
	Metrics *Metrics

	pause   pauser
	details *lru.Cache[string, *parser.Detail]

	mu             sync.Mutex
	fullRecords    int
	partialRecords int
	duplicates     int
	pagesCompleted int
	pagesSkipped   int
	emptyPages     int
	errorCount     int
	errorsByType   map[string]int
}

// NewScraper wires a scraper against the checkpoint store and pipeline it
// will commit page units through.
func NewScraper(cfg *config.Config, store *checkpoint.Store, pipe *pipeline.Pipeline, logger *zap.Logger) (*Scraper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	metrics := NewMetrics()
	fetcher, err := NewFetcher(cfg, metrics, logger)
	if err != nil {
		return nil, err
	}

	details, err := lru.New[string, *parser.Detail](cfg.DetailCacheSize)
	if err != nil {
		return nil, fmt.Errorf("detail cache: %w", err)
	}

	return &Scraper{
		cfg:          cfg,
		fetcher:      fetcher,
		store:        store,
		pipe:         pipe,
		logger:       logger,
		Metrics:      metrics,
		pause:        pauser{min: cfg.DelayMin, max: cfg.DelayMax},
		details:      details,
		errorsByType: make(map[string]int),
	}, nil
}

// Run crawls every configured category in order. Cancellation stops the crawl
// between fetches and returns the partial result; only an output sink failure
// is a hard error, since continuing past one would desynchronize the
// checkpoint from the output.
func (s *Scraper) Run(ctx context.Context) (*models.CrawlResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	for _, category := range s.cfg.Categories {
		if err := s.crawlCategory(ctx, category); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.logger.Info("crawl cancelled", zap.String("category", category))
				break
			}
			return nil, err
		}
	}

	return s.result(start), nil
}

func (s *Scraper) crawlCategory(ctx context.Context, category string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	totalPages := s.discoverPages(ctx, category)
	if s.cfg.RowLimit > 0 && totalPages > maxPagesWhenCapped {
		totalPages = maxPagesWhenCapped
	}
	s.logger.Info("category discovered",
		zap.String("category", category),
		zap.Int("pages", totalPages),
	)

	for page := 1; page <= totalPages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.store.PageDone(category, page) {
			s.notePage(&s.pagesSkipped, "skipped")
			s.logger.Info("page already completed, skipping",
				zap.String("category", category),
				zap.Int("page", page),
			)
			continue
		}
		if err := s.crawlPage(ctx, category, page, totalPages); err != nil {
			return err
		}
	}
	return nil
}

// discoverPages reads the pagination control off the category's first page.
// Discovery failure is not fatal: the crawl proceeds as if the category had a
// single page and a future run picks up the rest.
func (s *Scraper) discoverPages(ctx context.Context, category string) int {
	doc, err := s.fetcher.Fetch(ctx, PhaseListing, s.pageURL(category, 1))
	if err != nil {
		if ctx.Err() != nil {
			return 1
		}
		s.noteError(err)
		s.logger.Warn("page discovery failed, assuming one page",
			zap.String("category", category),
			zap.Error(err),
		)
		return 1
	}
	return parser.MaxPageNumber(doc.Doc)
}

func (s *Scraper) crawlPage(ctx context.Context, category string, page, totalPages int) error {
	pageURL := s.pageURL(category, page)
	s.logger.Info("fetching listing page",
		zap.String("category", category),
		zap.Int("page", page),
		zap.Int("total_pages", totalPages),
	)

	doc, err := s.fetcher.Fetch(ctx, PhaseListing, pageURL)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.noteError(err)
		s.logger.Warn("listing fetch failed, page left for a future run",
			zap.String("url", pageURL),
			zap.Error(err),
		)
		return nil
	}

	listing := parser.ParseListing(doc.Doc, s.cfg.BaseURL)
	if !listing.Found {
		s.logger.Warn("listing table missing, page left for a future run",
			zap.String("url", pageURL),
		)
		return nil
	}
	if len(listing.Records) == 0 {
		s.store.MarkPageDone(category, page, 0)
		s.notePage(&s.emptyPages, "empty")
		s.logger.Info("empty listing page checkpointed",
			zap.String("category", category),
			zap.Int("page", page),
		)
		return nil
	}

	records := listing.Records
	if s.cfg.RowLimit > 0 && len(records) > s.cfg.RowLimit {
		records = records[:s.cfg.RowLimit]
	}

	experiences := make([]*models.Experience, 0, len(records))
	for _, summary := range records {
		exp, err := s.resolveRecord(ctx, category, summary)
		if err != nil {
			return err
		}
		experiences = append(experiences, exp)
	}

	if err := s.pipe.Process(experiences...); err != nil {
		return fmt.Errorf("write page %s: %w", checkpoint.PageKey(category, page), err)
	}
	s.store.MarkPageDone(category, page, len(experiences))
	s.notePage(&s.pagesCompleted, "completed")
	s.logger.Info("page completed",
		zap.String("category", category),
		zap.Int("page", page),
		zap.Int("records", len(experiences)),
	)
	return nil
}

// resolveRecord turns one listing row into an experience, fetching its detail
// page. A failed detail leaves a partial record carrying the listing fields
// and category only. The returned error is always a context error.
func (s *Scraper) resolveRecord(ctx context.Context, category string, summary models.Summary) (*models.Experience, error) {
	exp := &models.Experience{
		Title:     summary.Title,
		Author:    summary.Author,
		Rating:    summary.Rating,
		DetailURL: summary.DetailURL,
		Category:  category,
		ScrapedAt: time.Now().UTC(),
	}

	detail, err := s.lookupDetail(ctx, summary.DetailURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.noteError(err)
		s.noteRecord(&s.partialRecords, "partial")
		s.logger.Warn("detail unavailable, emitting partial record",
			zap.String("url", summary.DetailURL),
			zap.Error(err),
		)
		return exp, nil
	}

	exp.ID = detail.ID
	exp.Gender = detail.Gender
	exp.Age = detail.Age
	exp.DatePublished = detail.DatePublished
	exp.DateExperience = detail.DateExperience
	exp.Views = detail.Views
	exp.WeightValue = detail.WeightValue
	exp.WeightUnit = detail.WeightUnit
	exp.Text = detail.Text
	exp.Doses = detail.Doses

	if exp.ID != nil && s.store.RegisterID(*exp.ID) {
		s.mu.Lock()
		s.duplicates++
		s.mu.Unlock()
		s.Metrics.IncDuplicate()
		s.logger.Debug("duplicate record id",
			zap.Int64("id", *exp.ID),
			zap.String("category", category),
		)
	}
	s.noteRecord(&s.fullRecords, "full")
	return exp, nil
}

// lookupDetail resolves a detail page through the in-run cache. Reports are
// listed under several categories; a cache hit skips both the request and the
// politeness pause.
func (s *Scraper) lookupDetail(ctx context.Context, detailURL string) (*parser.Detail, error) {
	if detail, ok := s.details.Get(detailURL); ok {
		return detail, nil
	}

	if err := s.pause.pause(ctx); err != nil {
		return nil, err
	}
	doc, err := s.fetcher.Fetch(ctx, PhaseDetail, detailURL)
	if err != nil {
		return nil, err
	}

	detail := parser.ParseDetail(doc.Doc, doc.Body)
	s.details.Add(detailURL, &detail)
	return &detail, nil
}

// pageURL builds the offset listing URL for one page of a category.
func (s *Scraper) pageURL(category string, page int) string {
	return fmt.Sprintf("%s%s?S1=%s&ShowViews=0&Cellar=0&Start=%d&Max=%d",
		strings.TrimSuffix(s.cfg.BaseURL, "/"),
		s.cfg.ListingPath,
		category,
		(page-1)*s.cfg.PageSize,
		s.cfg.PageSize,
	)
}

func (s *Scraper) noteError(err error) {
	s.mu.Lock()
	s.errorCount++
	s.errorsByType[errorTypeLabel(err)]++
	s.mu.Unlock()
}

func (s *Scraper) notePage(counter *int, outcome string) {
	s.mu.Lock()
	*counter++
	s.mu.Unlock()
	s.Metrics.IncPage(outcome)
}

func (s *Scraper) noteRecord(counter *int, kind string) {
	s.mu.Lock()
	*counter++
	s.mu.Unlock()
	s.Metrics.IncRecord(kind)
}

func (s *Scraper) result(start time.Time) *models.CrawlResult {
	s.mu.Lock()
	errorsByType := make(map[string]int, len(s.errorsByType))
	for label, count := range s.errorsByType {
		errorsByType[label] = count
	}
	result := &models.CrawlResult{
		StartTime:      start,
		EndTime:        time.Now(),
		TotalRecords:   s.fullRecords + s.partialRecords,
		PartialRecords: s.partialRecords,
		Duplicates:     s.duplicates,
		PagesCompleted: s.pagesCompleted + s.emptyPages,
		PagesSkipped:   s.pagesSkipped,
		EmptyPages:     s.emptyPages,
		ErrorCount:     s.errorCount,
		ErrorsByType:   errorsByType,
	}
	s.mu.Unlock()

	result.RequestCount = s.fetcher.RequestCount()
	result.RetryCount = s.fetcher.RetryCount()
	result.CategoryCounts = s.store.CategoryCounts()
	return result
}
