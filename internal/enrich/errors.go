// Package enrich augments harvested POI documents with structured
// attributes obtained from an LLM, one worker per API credential over a
// disjoint slice of the collection.
package enrich

import "errors"

// Failure classes surfaced by the LLM call path. Rate limits and transient
// provider failures are retried with backoff; permanent failures skip the
// POI. Store failures abort the worker and are marked by store.ErrPermanent.
var (
	ErrRateLimited  = errors.New("llm rate limited")
	ErrLLMTransient = errors.New("llm transient failure")
	ErrLLMPermanent = errors.New("llm permanent failure")
)

// retryable reports whether the call path should spend another attempt.
func retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrLLMTransient)
}
