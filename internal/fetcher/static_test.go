package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStatic(t *testing.T) *Static {
	t.Helper()
	throttle := NewThrottle(time.Millisecond, 0)
	s, err := NewStatic(StaticConfig{Timeout: 5 * time.Second, MaxRetries: 3}, throttle, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestStaticFetchParsesDOM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div class="title">故宫</div></body></html>`))
	}))
	defer srv.Close()

	res, err := newTestStatic(t).Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.False(t, res.UsedHeadless)
	assert.Equal(t, "故宫", res.DOM.Find(".title").Text())
}

func TestStaticFetchRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	res, err := newTestStatic(t).Fetch(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.EqualValues(t, 3, calls.Load())
}

func TestStaticFetchExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestStatic(t).Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.Equal(t, KindTransient, KindOf(err))
}

func TestStaticFetchDetectsChallengePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>访问验证</body></html>"))
	}))
	defer srv.Close()

	_, err := newTestStatic(t).Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, IsBlocked(err))
}

func TestStaticFetchPermanentOnClientError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestStatic(t).Fetch(context.Background(), Request{URL: srv.URL})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestRetryableStatusSet(t *testing.T) {
	for _, code := range []int{500, 502, 503, 504, 522, 524, 408, 202} {
		assert.True(t, Retryable(code), "status %d", code)
	}
	for _, code := range []int{200, 301, 403, 404, 429} {
		assert.False(t, Retryable(code), "status %d", code)
	}
}

func TestErrorKinds(t *testing.T) {
	assert.Equal(t, KindBlocked, KindOf(Blocked("u", assert.AnError)))
	assert.Equal(t, KindPermanent, KindOf(Permanent("u", assert.AnError)))
	assert.Equal(t, KindTransient, KindOf(assert.AnError))
	assert.True(t, IsBlocked(Blocked("u", assert.AnError)))
	assert.False(t, IsBlocked(Transient("u", assert.AnError)))
}
