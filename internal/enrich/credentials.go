package enrich

import "sync"

// CredentialPool hands out API keys round-robin and tracks per-credential
// error totals. One mutex covers both so a selection never races a counter
// update.
type CredentialPool struct {
	mu     sync.Mutex
	keys   []string
	next   int
	errors []int64
}

// NewCredentialPool wraps the configured keys.
func NewCredentialPool(keys []string) *CredentialPool {
	return &CredentialPool{keys: keys, errors: make([]int64, len(keys))}
}

// Size returns the number of credentials.
func (p *CredentialPool) Size() int { return len(p.keys) }

// Next returns the next credential and its index.
func (p *CredentialPool) Next() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.next
	p.next = (p.next + 1) % len(p.keys)
	return i, p.keys[i]
}

// RecordError counts a failure against one credential.
func (p *CredentialPool) RecordError(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= 0 && i < len(p.errors) {
		p.errors[i]++
	}
}

// ErrorCounts returns a snapshot of per-credential failure totals.
func (p *CredentialPool) ErrorCounts() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int64, len(p.errors))
	copy(out, p.errors)
	return out
}
