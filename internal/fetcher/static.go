package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// StaticConfig controls the plain-HTTP fetch path.
type StaticConfig struct {
	Timeout  time.Duration
	ProxyURL string
	// MaxRetries bounds in-place retries of retryable statuses and
	// network faults before the failure surfaces as transient.
	MaxRetries int
}

// Static implements Fetcher over a colly collector with a rotating
// user-agent pool and the shared per-worker throttle.
type Static struct {
	cfg      StaticConfig
	agents   *uaPool
	throttle *Throttle
	base     *colly.Collector
	logger   *zap.Logger
}

// NewStatic builds the static-path fetcher.
func NewStatic(cfg StaticConfig, throttle *Throttle, logger *zap.Logger) (*Static, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.ProxyURL != "" {
		if err := c.SetProxy(cfg.ProxyURL); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}
	return &Static{
		cfg:      cfg,
		agents:   newUAPool(),
		throttle: throttle,
		base:     c,
		logger:   logger,
	}, nil
}

// Fetch executes a paced HTTP GET, retrying retryable statuses in place
// with a longer randomized sleep between attempts.
func (s *Static) Fetch(ctx context.Context, req Request) (Result, error) {
	if err := s.throttle.Wait(ctx); err != nil {
		return Result{}, Transient(req.URL, err)
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := s.throttle.BackoffSleep(ctx, attempt); err != nil {
				return Result{}, Transient(req.URL, err)
			}
		}
		res, err := s.visit(ctx, req.URL)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, Transient(req.URL, ctx.Err())
			}
			lastErr = err
			s.logger.Debug("static fetch attempt failed",
				zap.String("url", req.URL), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		if bytes.Contains(res.Body, []byte(blockSentinel)) {
			return Result{}, Blocked(req.URL, fmt.Errorf("challenge page served"))
		}
		if Retryable(res.StatusCode) {
			lastErr = fmt.Errorf("retryable status %d", res.StatusCode)
			continue
		}
		if res.StatusCode >= 400 {
			return Result{}, Permanent(req.URL, fmt.Errorf("status %d", res.StatusCode))
		}

		dom, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body))
		if err != nil {
			return Result{}, Permanent(req.URL, fmt.Errorf("parse html: %w", err))
		}
		res.DOM = dom
		s.throttle.Observe(res.Duration)
		return res, nil
	}
	return Result{}, Transient(req.URL, fmt.Errorf("exhausted %d attempts: %w", s.cfg.MaxRetries, lastErr))
}

// visit runs one collector pass and captures the response even when colly
// reports a non-2xx as an error.
func (s *Static) visit(ctx context.Context, url string) (Result, error) {
	collector := s.base.Clone()
	collector.AllowURLRevisit = true
	collector.UserAgent = s.agents.Next()
	collector.SetRequestTimeout(s.cfg.Timeout)

	var (
		result   Result
		captured bool
		fetchErr error
	)
	start := time.Now()

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", "zh-CN,zh;q=0.9")
	})
	collector.OnResponse(func(r *colly.Response) {
		result = Result{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		captured = true
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			result = Result{
				URL:        url,
				StatusCode: r.StatusCode,
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
			captured = true
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("static fetch canceled: %w", ctx.Err())
	case err := <-done:
		if captured {
			return result, nil
		}
		if fetchErr != nil {
			return Result{}, fmt.Errorf("request failed: %w", fetchErr)
		}
		if err != nil {
			return Result{}, fmt.Errorf("visit failed: %w", err)
		}
		return Result{}, fmt.Errorf("no response captured")
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
