package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// HeadlessConfig controls the browser-rendered fetch path.
type HeadlessConfig struct {
	// ExecPath points at the browser binary; empty uses chromedp's
	// default lookup.
	ExecPath    string
	UserAgent   string
	NavTimeout  time.Duration
	WaitAfterJS time.Duration
}

// Headless implements Fetcher with a controlled chromedp session. The
// allocator lives for the fetcher's lifetime; every page gets a fresh tab
// context that is torn down on all exit paths, so no session is ever
// shared between goroutines.
type Headless struct {
	cfg         HeadlessConfig
	throttle    *Throttle
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewHeadless builds the dynamic-path fetcher with automation
// fingerprints disabled.
func NewHeadless(cfg HeadlessConfig, throttle *Throttle, logger *zap.Logger) *Headless {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.WaitAfterJS <= 0 {
		cfg.WaitAfterJS = 500 * time.Millisecond
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = userAgents[0]
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(cfg.UserAgent),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Headless{
		cfg:         cfg,
		throttle:    throttle,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}
}

// Close cancels the allocator context.
func (h *Headless) Close() { h.allocCancel() }

// Fetch navigates a fresh browser tab and returns the fully rendered DOM.
func (h *Headless) Fetch(ctx context.Context, req Request) (Result, error) {
	if err := h.throttle.Wait(ctx); err != nil {
		return Result{}, Transient(req.URL, err)
	}

	taskCtx, taskCancel := chromedp.NewContext(h.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, h.cfg.NavTimeout)
	defer cancel()

	// Honor caller cancellation alongside the navigation timeout.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	start := time.Now()
	html, err := h.render(taskCtx, req)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, Transient(req.URL, ctx.Err())
		}
		if taskCtx.Err() == context.DeadlineExceeded {
			return Result{}, Transient(req.URL, fmt.Errorf("navigation timed out after %s", h.cfg.NavTimeout))
		}
		return Result{}, Transient(req.URL, fmt.Errorf("chromedp run: %w", err))
	}

	if strings.Contains(html, blockSentinel) {
		return Result{}, Blocked(req.URL, fmt.Errorf("challenge page rendered"))
	}

	body := []byte(html)
	dom, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{}, Permanent(req.URL, fmt.Errorf("parse rendered html: %w", err))
	}

	h.throttle.Observe(duration)
	return Result{
		URL:          req.URL,
		StatusCode:   200,
		Body:         body,
		DOM:          dom,
		Duration:     duration,
		UsedHeadless: true,
	}, nil
}

func (h *Headless) render(ctx context.Context, req Request) (string, error) {
	var html string
	wait := chromedp.WaitReady("body", chromedp.ByQuery)
	if req.WaitSelector != "" {
		wait = chromedp.WaitVisible(req.WaitSelector, chromedp.ByQuery)
	}
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			// Blank out the automation marker before any page script runs.
			return emulation.SetUserAgentOverride(h.cfg.UserAgent).Do(ctx)
		}),
		chromedp.Navigate(req.URL),
		wait,
		chromedp.Sleep(h.cfg.WaitAfterJS),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", err
	}
	return html, nil
}
