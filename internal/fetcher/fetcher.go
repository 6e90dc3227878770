// Package fetcher renders URLs into parsed HTML. Two paths share one
// contract: a static colly path for plain pages and a headless chromedp
// path for pages that require client-side rendering.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Request captures everything needed to fetch a URL.
type Request struct {
	URL string
	// Attempt counts prior blocked requeues of this URL.
	Attempt int
	// WaitSelector, when set on the headless path, delays extraction
	// until the selector is visible.
	WaitSelector string
}

// Result is the parsed outcome of a successful fetch.
type Result struct {
	URL          string
	StatusCode   int
	Body         []byte
	DOM          *goquery.Document
	Duration     time.Duration
	UsedHeadless bool
}

// Fetcher fetches a URL and returns the parsed document plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Result, error)
}

// Kind classifies fetch failures per the error taxonomy.
type Kind int

// Failure classes surfaced to callers.
const (
	// KindTransient failures are retried in place with backoff.
	KindTransient Kind = iota
	// KindBlocked failures require a longer backoff; callers requeue the
	// URL with an attempt counter and drop it after the attempt budget.
	KindBlocked
	// KindPermanent failures mean the URL is skipped.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindBlocked:
		return "blocked"
	case KindPermanent:
		return "permanent"
	}
	return "unknown"
}

// Error wraps a fetch failure with its taxonomy kind.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient builds a retryable fetch error.
func Transient(url string, err error) error {
	return &Error{Kind: KindTransient, URL: url, Err: err}
}

// Blocked builds an anti-scrape block error.
func Blocked(url string, err error) error {
	return &Error{Kind: KindBlocked, URL: url, Err: err}
}

// Permanent builds a skip-this-URL error.
func Permanent(url string, err error) error {
	return &Error{Kind: KindPermanent, URL: url, Err: err}
}

// KindOf extracts the failure class; unclassified errors count as
// transient so callers err on the side of retrying.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsBlocked reports whether err is an anti-scrape block.
func IsBlocked(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindBlocked
}

// IsPermanent reports whether err means the URL should be dropped outright.
func IsPermanent(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindPermanent
}

// blockSentinel is the challenge-page marker the upstream serves instead of
// a 4xx when it suspects automation.
const blockSentinel = "访问验证"

// retryableStatuses are treated as transient server-side conditions.
var retryableStatuses = map[int]struct{}{
	500: {}, 502: {}, 503: {}, 504: {},
	522: {}, 524: {}, 408: {}, 202: {},
}

// Retryable reports whether an HTTP status belongs to the retryable set.
func Retryable(status int) bool {
	_, ok := retryableStatuses[status]
	return ok
}
