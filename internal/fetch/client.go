// Package fetch performs the outbound page requests. Each crawl task opens a
// Session that holds one proxy lease and one cookie jar for its lifetime.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/hivemind-academic/scholar-scraper/internal/metrics"
	"github.com/hivemind-academic/scholar-scraper/internal/proxy"
)

// Config controls the outbound client.
type Config struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
	Timeout        time.Duration
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	// InsecureHosts skip TLS verification; subdomains match too.
	InsecureHosts []string
}

// Page is a fetched document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
}

// Session fetches pages through one proxy lease. Close releases the lease.
type Session interface {
	Get(ctx context.Context, url string) (Page, error)
	Close()
}

// Leaser hands out proxy leases; *proxy.Pool satisfies it.
type Leaser interface {
	Acquire() (*proxy.Lease, bool)
	Release(*proxy.Lease)
}

// Client opens sessions.
type Client struct {
	cfg     Config
	proxies Leaser
	limiter *hostLimiter
	retry   *RetryPolicy
	logger  *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Client. proxies may be nil to fetch directly.
func New(cfg Config, proxies Leaser, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:     cfg,
		proxies: proxies,
		limiter: newHostLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		retry:   NewRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		logger:  logger,
	}
}

// NewSession leases a proxy when one is free and prepares a collector with
// its own cookie jar. When the pool is exhausted the session fetches
// directly.
func (c *Client) NewSession() Session {
	s := &collySession{client: c}
	if c.proxies != nil {
		if lease, ok := c.proxies.Acquire(); ok {
			s.lease = lease
		} else {
			c.logger.Debug("no free proxy, fetching directly")
		}
	}

	s.transport = newTrustRouter(s.proxyURL(), c.cfg.InsecureHosts)

	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	collector.IgnoreRobotsTxt = true
	collector.UserAgent = c.cfg.UserAgent
	collector.SetRequestTimeout(c.cfg.Timeout)
	collector.WithTransport(s.transport)
	if jar, err := cookiejar.New(nil); err == nil {
		collector.SetCookieJar(jar)
	}
	s.base = collector
	return s
}

type collySession struct {
	client    *Client
	lease     *proxy.Lease
	base      *colly.Collector
	transport *trustRouter
	closeOnce sync.Once
}

func (s *collySession) proxyURL() *url.URL {
	if s.lease == nil {
		return nil
	}
	return s.lease.Endpoint.URL()
}

func (s *collySession) proxyAddr() string {
	if s.lease == nil {
		return "direct"
	}
	return s.lease.Endpoint.Address()
}

// Get fetches url, retrying transient failures.
func (s *collySession) Get(ctx context.Context, target string) (Page, error) {
	policy := s.client.retry
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts(); attempt++ {
		if err := s.client.limiter.Wait(ctx, target); err != nil {
			return Page{}, err
		}
		page, err := s.visit(ctx, target)
		if err == nil {
			metrics.ObservePage(target, strconv.Itoa(page.StatusCode), len(page.Body))
			return page, nil
		}
		lastErr = err
		metrics.ObservePage(target, errorStatus(err), 0)
		if !policy.ShouldRetry(err, attempt) {
			break
		}
		wait := policy.Backoff(attempt - 1)
		s.client.logger.Debug("fetch failed, retrying",
			zap.String("url", target),
			zap.String("proxy", s.proxyAddr()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := sleepCtx(ctx, wait); err != nil {
			return Page{}, err
		}
	}
	return Page{}, lastErr
}

func (s *collySession) visit(ctx context.Context, target string) (Page, error) {
	var (
		page     Page
		fetchErr error
	)
	collector := s.base.Clone()
	s.configureHooks(collector, &page, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return Page{}, fmt.Errorf("fetch %s canceled: %w", target, ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return Page{}, fetchErr
		}
		if err != nil {
			return Page{}, fmt.Errorf("fetch %s: %w", target, err)
		}
		return page, nil
	}
}

func (s *collySession) configureHooks(hooks collectorHooks, page *Page, fetchErr *error) {
	cfg := s.client.cfg
	hooks.OnRequest(func(r *colly.Request) {
		if cfg.Accept != "" {
			r.Headers.Set("Accept", cfg.Accept)
		}
		if cfg.AcceptLanguage != "" {
			r.Headers.Set("Accept-Language", cfg.AcceptLanguage)
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		*page = Page{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			*fetchErr = &StatusError{URL: r.Request.URL.String(), Code: r.StatusCode}
			return
		}
		*fetchErr = fmt.Errorf("fetch: %w", err)
	})
}

// Close releases the proxy lease and idle connections. It is idempotent.
func (s *collySession) Close() {
	s.closeOnce.Do(func() {
		if s.lease != nil && s.client.proxies != nil {
			s.client.proxies.Release(s.lease)
		}
		s.transport.CloseIdleConnections()
	})
}

func errorStatus(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return strconv.Itoa(se.Code)
	}
	return "error"
}
