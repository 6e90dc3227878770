package enrich

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ChatClient talks to a DeepSeek-compatible chat-completions endpoint.
type ChatClient struct {
	httpClient *http.Client
	endpoint   string
	model      string
}

// NewChatClient builds a client with a per-call timeout; the provider caps
// streamed responses at 1800 s so timeout is expected to sit well below
// that.
func NewChatClient(endpoint, model string, timeout time.Duration) *ChatClient {
	return &ChatClient{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		model:      model,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Stream         bool            `json:"stream"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Complete runs one chat completion and returns the assistant text. With
// stream set, the response arrives as server-sent events and is
// reassembled; retries use the streaming path so a slow reply still
// delivers bytes before the provider's idle cutoff.
func (c *ChatClient) Complete(ctx context.Context, apiKey, system, user string, stream bool) (string, error) {
	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Stream:         stream,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrLLMPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrLLMPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection resets are worth another attempt.
		return "", fmt.Errorf("%w: %v", ErrLLMTransient, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return "", err
	}
	if stream {
		return readStream(resp.Body)
	}
	return readComplete(resp.Body)
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status 429", ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrLLMTransient, resp.StatusCode)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrLLMPermanent, resp.StatusCode, snippet)
	}
}

func readComplete(body io.Reader) (string, error) {
	var out chatResponse
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrLLMTransient, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", ErrLLMTransient)
	}
	return out.Choices[0].Message.Content, nil
}

// readStream reassembles an SSE stream: each event line carries a JSON
// chunk whose delta content is appended; "[DONE]" terminates.
func readStream(body io.Reader) (string, error) {
	var sb strings.Builder
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", fmt.Errorf("%w: decode stream chunk: %v", ErrLLMTransient, err)
		}
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: read stream: %v", ErrLLMTransient, err)
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: empty stream", ErrLLMTransient)
	}
	return sb.String(), nil
}
