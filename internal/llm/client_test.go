package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxloop/internal/ports"
)

type chatRequest struct {
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	Stream      bool    `json:"stream"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []chatRequest
	reply    string
	deltas   []string
	status   int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{status: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		if f.status != http.StatusOK {
			writeAPIError(w, f.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"object":"list","data":[{"id":"llama3.2:3b","object":"model"}]}`)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()

		if f.status != http.StatusOK {
			writeAPIError(w, f.status)
			return
		}
		if !req.Stream {
			w.Header().Set("Content-Type", "application/json")
			body, _ := json.Marshal(map[string]any{
				"id":     "chatcmpl-1",
				"object": "chat.completion",
				"choices": []map[string]any{{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": f.reply},
					"finish_reason": "stop",
				}},
			})
			_, _ = w.Write(body)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range f.deltas {
			chunk, _ := json.Marshal(map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion.chunk",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": delta}}},
			})
			_, _ = fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func writeAPIError(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, `{"error":{"message":"model not loaded","type":"server_error"}}`)
}

func (f *fakeServer) lastRequest() chatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeServer) client() *Client {
	return NewClient(Config{BaseURL: f.URL + "/v1/", Model: "llama3.2:3b", Temperature: 0.7})
}

func TestGenerateSendsSystemPromptAndHistory(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	server.reply = "  It is sunny.  "

	history := []ports.ChatMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}
	reply, err := server.client().Generate(context.Background(), history, "how is the weather")
	require.NoError(t, err)
	assert.Equal(t, "It is sunny.", reply)

	req := server.lastRequest()
	assert.Equal(t, "llama3.2:3b", req.Model)
	assert.Equal(t, DefaultMaxTokens, req.MaxTokens)
	assert.InDelta(t, 0.7, req.Temperature, 1e-6)
	assert.False(t, req.Stream)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, DefaultSystemPrompt, req.Messages[0].Content)
	assert.Equal(t, "hi", req.Messages[1].Content)
	assert.Equal(t, "hello", req.Messages[2].Content)
	assert.Equal(t, "user", req.Messages[3].Role)
	assert.Equal(t, "how is the weather", req.Messages[3].Content)
}

func TestGenerateEmptyReply(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	server.reply = "   "

	_, err := server.client().Generate(context.Background(), nil, "hello")
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestGenerateAPIError(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	server.status = http.StatusInternalServerError

	_, err := server.client().Generate(context.Background(), nil, "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat completion")
}

func TestStreamEmitsSentences(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	server.deltas = []string{"Hel", "lo there. It costs 3", ".5 dollars! And", " that is all"}

	chunks, errs := server.client().Stream(context.Background(), nil, "price?")
	var got []string
	for chunk := range chunks {
		got = append(got, chunk)
	}
	require.NoError(t, <-errs)
	assert.Equal(t, []string{"Hello there.", "It costs 3.5 dollars!", "And that is all"}, got)
	assert.True(t, server.lastRequest().Stream)
}

func TestStreamReportsAPIError(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	server.status = http.StatusServiceUnavailable

	chunks, errs := server.client().Stream(context.Background(), nil, "hello")
	for range chunks {
		t.Fatal("expected no chunks")
	}
	require.Error(t, <-errs)
}

func TestPing(t *testing.T) {
	t.Parallel()

	server := newFakeServer(t)
	require.NoError(t, server.client().Ping(context.Background()))

	server.status = http.StatusBadGateway
	require.Error(t, server.client().Ping(context.Background()))
}

func TestNewClientDefaults(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{})
	assert.Equal(t, DefaultBaseURL, c.cfg.BaseURL)
	assert.Equal(t, DefaultModel, c.cfg.Model)
	assert.Equal(t, DefaultSystemPrompt, c.cfg.SystemPrompt)
	assert.Equal(t, DefaultMaxTokens, c.cfg.MaxTokens)
}
