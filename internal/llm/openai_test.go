package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/fractal/internal/failure"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p, err := NewProvider(ProviderConfig{
		APIKey:          "test-key",
		BaseURL:         srv.URL + "/v1",
		ChatModel:       "test-chat",
		EmbeddingModel:  "test-embed",
		CostPer1KInput:  1.0,
		CostPer1KOutput: 2.0,
	}, nil)
	require.NoError(t, err)
	return p
}

func TestProviderComplete(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "test-chat", body["model"])
		assert.Equal(t, "json_object", body["response_format"].(map[string]any)["type"])
		msgs := body["messages"].([]any)
		assert.Len(t, msgs, 2)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"test-chat",
			"choices":[{"index":0,"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":1000,"completion_tokens":500,"total_tokens":1500}}`))
	})

	c, err := p.Complete(context.Background(), Prompt{System: "sys", User: "hi", JSON: true})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, c.Text)
	assert.Equal(t, int64(1500), c.Tokens())
	assert.InDelta(t, 2.0, c.Cost, 1e-9)
}

func TestProviderEmbed(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"test-embed","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}],
			"usage":{"prompt_tokens":4,"total_tokens":4}}`))
	})

	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)

	none, err := p.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestProviderClassifiesErrors(t *testing.T) {
	status := http.StatusTooManyRequests
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"requests"}}`))
	})

	_, err := p.Complete(context.Background(), Prompt{User: "hi"})
	require.Error(t, err)
	assert.True(t, failure.IsTransient(err))

	status = http.StatusBadRequest
	_, err = p.Complete(context.Background(), Prompt{User: "hi"})
	require.Error(t, err)
	assert.False(t, failure.IsTransient(err))
	var cf failure.CapabilityFailure
	assert.ErrorAs(t, err, &cf)
}

func TestNewProviderRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewProvider(ProviderConfig{}, nil)
	assert.Error(t, err)
}
