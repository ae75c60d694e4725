package scraper

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"go.uber.org/zap"

	"github.com/aluiziolira/go-scrape-erowid/config"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "https://test.example"
	cfg.Categories = []string{"39"}
	cfg.MaxRetries = 0
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	cfg.DelayMin = 0
	cfg.DelayMax = 0
	cfg.Timeout = 5 * time.Second
	return cfg
}

func newTestFetcher(t *testing.T, cfg *config.Config) (*Fetcher, *httpmock.MockTransport) {
	t.Helper()
	f, err := NewFetcher(cfg, NewMetrics(), zap.NewNop())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	transport := httpmock.NewMockTransport()
	f.collector.WithTransport(transport)
	return f, transport
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func TestFetcherFetchParsesDocument(t *testing.T) {
	cfg := testConfig()
	f, transport := newTestFetcher(t, cfg)

	pageURL := cfg.BaseURL + "/experiences/exp.php?ID=1"
	var gotUA string
	transport.RegisterResponder("GET", pageURL, func(req *http.Request) (*http.Response, error) {
		gotUA = req.Header.Get("User-Agent")
		resp := httpmock.NewStringResponse(200, "<html><body><p class=\"greeting\">hello</p></body></html>")
		resp.Header.Set("Content-Type", "text/html")
		return resp, nil
	})

	doc, err := f.Fetch(context.Background(), PhaseDetail, pageURL)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if doc.URL != pageURL {
		t.Errorf("doc.URL = %q, want %q", doc.URL, pageURL)
	}
	if got := doc.Doc.Find("p.greeting").Text(); got != "hello" {
		t.Errorf("parsed text = %q, want hello", got)
	}
	if len(doc.Body) == 0 {
		t.Error("doc.Body is empty, want raw bytes")
	}
	if gotUA != cfg.UserAgent {
		t.Errorf("User-Agent = %q, want the configured agent", gotUA)
	}
	if got := f.RequestCount(); got != 1 {
		t.Errorf("RequestCount() = %d, want 1", got)
	}
}

func TestFetcherRetriesServerErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	f, transport := newTestFetcher(t, cfg)

	pageURL := cfg.BaseURL + "/experiences/exp.cgi?S1=39"
	calls := 0
	transport.RegisterResponder("GET", pageURL, func(req *http.Request) (*http.Response, error) {
		calls++
		if calls <= 2 {
			return httpmock.NewStringResponse(http.StatusInternalServerError, "boom"), nil
		}
		resp := httpmock.NewStringResponse(200, "<html><body>ok</body></html>")
		resp.Header.Set("Content-Type", "text/html")
		return resp, nil
	})

	if _, err := f.Fetch(context.Background(), PhaseListing, pageURL); err != nil {
		t.Fatalf("Fetch() error = %v, want recovery on third attempt", err)
	}
	if calls != 3 {
		t.Errorf("responder calls = %d, want 3", calls)
	}
	if got := f.RetryCount(); got != 2 {
		t.Errorf("RetryCount() = %d, want 2", got)
	}
}

func TestFetcherRetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	f, transport := newTestFetcher(t, cfg)

	pageURL := cfg.BaseURL + "/experiences/exp.cgi?S1=39"
	calls := 0
	transport.RegisterResponder("GET", pageURL, func(req *http.Request) (*http.Response, error) {
		calls++
		return httpmock.NewStringResponse(http.StatusBadGateway, "bad"), nil
	})

	_, err := f.Fetch(context.Background(), PhaseListing, pageURL)
	var serverErr ErrServer
	if !errors.As(err, &serverErr) {
		t.Fatalf("Fetch() error = %v, want ErrServer", err)
	}
	if calls != 3 {
		t.Errorf("responder calls = %d, want initial plus two retries", calls)
	}
}

func TestFetcherDoesNotRetryNotFound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	f, transport := newTestFetcher(t, cfg)

	pageURL := cfg.BaseURL + "/experiences/exp.php?ID=404"
	calls := 0
	transport.RegisterResponder("GET", pageURL, func(req *http.Request) (*http.Response, error) {
		calls++
		return httpmock.NewStringResponse(http.StatusNotFound, "gone"), nil
	})

	_, err := f.Fetch(context.Background(), PhaseDetail, pageURL)
	var notFound ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("Fetch() error = %v, want ErrNotFound", err)
	}
	if calls != 1 {
		t.Errorf("responder calls = %d, want 1 with no retries", calls)
	}
	if got := f.RetryCount(); got != 0 {
		t.Errorf("RetryCount() = %d, want 0", got)
	}
}

func TestFetcherRetriesConnectionErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	f, transport := newTestFetcher(t, cfg)

	pageURL := cfg.BaseURL + "/experiences/exp.cgi?S1=39"
	calls := 0
	transport.RegisterResponder("GET", pageURL, func(req *http.Request) (*http.Response, error) {
		calls++
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	})

	_, err := f.Fetch(context.Background(), PhaseListing, pageURL)
	var connErr ErrConnection
	if !errors.As(err, &connErr) {
		t.Fatalf("Fetch() error = %v, want ErrConnection", err)
	}
	if calls != 2 {
		t.Errorf("responder calls = %d, want initial plus one retry", calls)
	}
}

func TestFetcherContextCancelled(t *testing.T) {
	cfg := testConfig()
	f, transport := newTestFetcher(t, cfg)

	pageURL := cfg.BaseURL + "/experiences/exp.cgi?S1=39"
	calls := 0
	transport.RegisterResponder("GET", pageURL, func(req *http.Request) (*http.Response, error) {
		calls++
		return httpmock.NewStringResponse(200, "ok"), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.Fetch(ctx, PhaseListing, pageURL); !errors.Is(err, context.Canceled) {
		t.Fatalf("Fetch() error = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("responder calls = %d, want 0 after cancellation", calls)
	}
}

func TestFetcherBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond
	f, err := NewFetcher(cfg, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond},
		{6, 500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := f.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "internal server error", err: errors.New("Internal Server Error"), statusCode: http.StatusInternalServerError, expected: "server"},
		{name: "bad gateway", err: nil, statusCode: http.StatusBadGateway, expected: "server"},
		{name: "gateway timeout", err: nil, statusCode: http.StatusGatewayTimeout, expected: "server"},
		{name: "service unavailable stays other", err: errors.New("Service Unavailable"), statusCode: http.StatusServiceUnavailable, expected: "other"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "server", err: ErrServer{Err: errors.New("boom")}, want: true},
		{name: "connection", err: ErrConnection{Err: errors.New("refused")}, want: true},
		{name: "timeout", err: ErrTimeout{Err: context.DeadlineExceeded}, want: true},
		{name: "not found", err: ErrNotFound{Err: errors.New("gone")}, want: false},
		{name: "forbidden", err: ErrForbidden{Err: errors.New("no")}, want: false},
		{name: "rate limited", err: ErrRateLimited{Err: errors.New("slow down")}, want: false},
		{name: "plain", err: errors.New("other"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Fatalf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
