package scraper

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/aluiziolira/go-scrape-erowid/config"
)

// Request phase labels used in metrics and logs.
const (
	PhaseListing = "listing"
	PhaseDetail  = "detail"
)

// Document is one fetched page: the parsed tree plus the raw bytes. The
// narrative fallback slices the raw HTML, so both are kept.
type Document struct {
	URL  string
	Doc  *goquery.Document
	Body []byte
}

// Fetcher issues requests through a synchronous colly collector, retrying
// transient failures with exponential backoff. Fetches are serialized
// internally; the crawl keeps one request outstanding anyway.
type Fetcher struct {
	cfg       *config.Config
	collector *colly.Collector
	metrics   *Metrics
	logger    *zap.Logger

	requestCount int64
	retryCount   int64

	mu         sync.Mutex
	lastStatus int
	lastBody   []byte
}

// NewFetcher builds a collector configured for the target: fixed User-Agent,
// request timeout, revisits allowed so retries and resumed runs can refetch.
func NewFetcher(cfg *config.Config, metrics *Metrics, logger *zap.Logger) (*Fetcher, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// The target serves an incomplete certificate chain.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureTLS},
	})

	f := &Fetcher{
		cfg:       cfg,
		collector: collector,
		metrics:   metrics,
		logger:    logger,
	}

	// Handlers run on the calling goroutine inside Visit, so these writes are
	// ordered with the surrounding fetchOnce, which holds f.mu.
	collector.OnResponse(func(r *colly.Response) {
		f.lastStatus = r.StatusCode
		f.lastBody = r.Body
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			f.lastStatus = r.StatusCode
		}
	})

	return f, nil
}

// Fetch retrieves one page. Connection failures, timeouts and HTTP 500, 502
// and 504 are retried up to the configured attempt budget; everything else
// fails immediately. phase labels the request in metrics and logs.
func (f *Fetcher) Fetch(ctx context.Context, phase, pageURL string) (*Document, error) {
	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempt > 0 {
			atomic.AddInt64(&f.retryCount, 1)
			f.metrics.IncRetries()
			delay := f.backoff(attempt)
			f.logger.Debug("retrying fetch",
				zap.String("url", pageURL),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(lastErr),
			)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}

		doc, err := f.fetchOnce(phase, pageURL)
		if err == nil {
			return doc, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

// RequestCount returns the number of requests issued, attempts included.
func (f *Fetcher) RequestCount() int {
	return int(atomic.LoadInt64(&f.requestCount))
}

// RetryCount returns the number of retry attempts issued.
func (f *Fetcher) RetryCount() int {
	return int(atomic.LoadInt64(&f.retryCount))
}

func (f *Fetcher) fetchOnce(phase, pageURL string) (*Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastStatus = 0
	f.lastBody = nil

	atomic.AddInt64(&f.requestCount, 1)
	f.metrics.IncRequest(phase)
	start := time.Now()
	err := f.collector.Visit(pageURL)
	f.metrics.ObserveDuration(time.Since(start))

	if err != nil {
		classified := classifyError(err, f.lastStatus)
		f.metrics.IncError(errorTypeLabel(classified))
		return nil, classified
	}

	body := f.lastBody
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	return &Document{URL: pageURL, Doc: doc, Body: body}, nil
}

// backoff returns the delay before retry attempt n, doubling from the
// configured base and capped by the configured maximum.
func (f *Fetcher) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := f.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := f.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusGatewayTimeout:
			return ErrServer{Err: wrapped}
		}
	}

	if err == nil {
		return nil
	}
	return err
}
