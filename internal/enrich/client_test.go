package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatClientComplete(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": goodReply}},
			},
		})
	}))
	defer srv.Close()

	client := NewChatClient(srv.URL, "deepseek-chat", 5*time.Second)
	out, err := client.Complete(context.Background(), "sk-test", "system", "user", false)
	require.NoError(t, err)
	assert.Equal(t, goodReply, out)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "deepseek-chat", gotReq.Model)
	assert.False(t, gotReq.Stream)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
}

func TestChatClientStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{`{"scenic_`, `level": "5A"}`}
		for _, c := range chunks {
			blob, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]string{"content": c}}},
			})
			w.Write([]byte("data: " + string(blob) + "\n\n"))
		}
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	client := NewChatClient(srv.URL, "deepseek-chat", 5*time.Second)
	out, err := client.Complete(context.Background(), "sk-test", "system", "user", true)
	require.NoError(t, err)
	assert.Equal(t, `{"scenic_level": "5A"}`, out)
}

func TestChatClientStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusInternalServerError, ErrLLMTransient},
		{http.StatusBadGateway, ErrLLMTransient},
		{http.StatusUnauthorized, ErrLLMPermanent},
		{http.StatusBadRequest, ErrLLMPermanent},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		client := NewChatClient(srv.URL, "deepseek-chat", 5*time.Second)
		_, err := client.Complete(context.Background(), "sk-test", "s", "u", false)
		assert.True(t, errors.Is(err, tc.want), "status %d should map to %v, got %v",
			tc.status, tc.want, err)
		srv.Close()
	}
}

func TestChatClientTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewChatClient(srv.URL, "deepseek-chat", 20*time.Millisecond)
	_, err := client.Complete(context.Background(), "sk-test", "s", "u", false)
	assert.True(t, errors.Is(err, ErrLLMTransient), "got %v", err)
}
