package fetcher

import (
	"math/rand"
	"sync"
)

// userAgents is the fixed rotation pool. Desktop browsers only; the
// upstream serves a stripped mobile layout otherwise.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36 Edg/123.0.2420.81",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7; rv:124.0) Gecko/20100101 Firefox/124.0",
}

// uaPool hands out user agents in random order without immediate repeats.
type uaPool struct {
	mu   sync.Mutex
	pool []string
	last int
}

func newUAPool() *uaPool {
	return &uaPool{pool: userAgents, last: -1}
}

// Next returns a user agent different from the previous one.
func (p *uaPool) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pool) == 1 {
		return p.pool[0]
	}
	idx := rand.Intn(len(p.pool)) //nolint:gosec // rotation, not crypto
	for idx == p.last {
		idx = rand.Intn(len(p.pool)) //nolint:gosec
	}
	p.last = idx
	return p.pool[idx]
}
