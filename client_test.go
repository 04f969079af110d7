package smebot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionHandler(t *testing.T, check func(r *http.Request, body chatRequest)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if check != nil {
			check(r, body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": " สวัสดีครับ "}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
		}`))
	}
}

func TestNewClient(t *testing.T) {
	t.Run("with API key", func(t *testing.T) {
		client, err := NewClient(Config{Endpoint: "https://x.openai.azure.com/", Deployment: "gpt-4o", APIKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, "https://x.openai.azure.com", client.endpoint)
		assert.Equal(t, defaultAPIVersion, client.apiVersion)
		assert.Equal(t, "gpt-4o", client.Deployment())
	})

	t.Run("without credentials", func(t *testing.T) {
		_, err := NewClient(Config{Endpoint: "https://x.openai.azure.com", Deployment: "gpt-4o"})
		assert.ErrorContains(t, err, "api key or client credentials")
	})

	t.Run("without endpoint", func(t *testing.T) {
		_, err := NewClient(Config{APIKey: "k"})
		assert.Error(t, err)
	})
}

func TestComplete_APIKey(t *testing.T) {
	server := httptest.NewServer(completionHandler(t, func(r *http.Request, body chatRequest) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/openai/deployments/gpt-4o/chat/completions", r.URL.Path)
		assert.Equal(t, "2024-06-01", r.URL.Query().Get("api-version"))
		assert.Equal(t, "secret-key", r.Header.Get("api-key"))
		assert.Equal(t, 256, body.MaxTokens)
		require.Len(t, body.Messages, 2)
		assert.Equal(t, RoleSystem, body.Messages[0].Role)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Endpoint:   server.URL,
		Deployment: "gpt-4o",
		APIKey:     "secret-key",
		MaxTokens:  256,
	})
	require.NoError(t, err)

	completion, err := client.Complete(context.Background(), []ChatMessage{
		TextMessage(RoleSystem, "You are a helpful assistant."),
		TextMessage(RoleUser, "สวัสดี"),
	})
	require.NoError(t, err)
	assert.Equal(t, "สวัสดีครับ", completion.Text)
	assert.Equal(t, "stop", completion.FinishReason)
	assert.Equal(t, 17, completion.Usage.TotalTokens)
	assert.Equal(t, 1, completion.Attempts)
}

func TestComplete_ClientCredentials(t *testing.T) {
	var tokenRequests atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/tenant-1/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		tokenRequests.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, cognitiveScope, r.Form.Get("scope"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "aad-token", "token_type": "Bearer", "expires_in": 3600}`))
	})
	mux.HandleFunc("/openai/deployments/gpt-4o/chat/completions", completionHandler(t, func(r *http.Request, body chatRequest) {
		assert.Equal(t, "Bearer aad-token", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("api-key"))
	}))
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := NewClient(Config{
		Endpoint:      server.URL,
		Deployment:    "gpt-4o",
		TenantID:      "tenant-1",
		ClientID:      "client",
		ClientSecret:  "secret",
		AuthorityHost: server.URL,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := client.Complete(context.Background(), []ChatMessage{TextMessage(RoleUser, "hi")})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), tokenRequests.Load(), "token should be cached")
}

func TestComplete_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	ok := completionHandler(t, nil)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error": {"code": "429", "message": "Rate limit reached"}}`))
			return
		}
		ok(w, r)
	}))
	defer server.Close()

	client, err := NewClient(Config{
		Endpoint:   server.URL,
		Deployment: "gpt-4o",
		APIKey:     "k",
		Retry:      RetryPolicy{MaxRetries: 1, BackoffBase: time.Millisecond, BackoffMax: 2 * time.Second},
	})
	require.NoError(t, err)

	start := time.Now()
	completion, err := client.Complete(context.Background(), []ChatMessage{TextMessage(RoleUser, "hi")})
	require.NoError(t, err)
	assert.Equal(t, 2, completion.Attempts)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "Retry-After should be honoured")
}

func TestComplete_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"code": "content_filter", "message": "The response was filtered"}}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL, Deployment: "gpt-4o", APIKey: "k"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), []ChatMessage{TextMessage(RoleUser, "hi")})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, apiErr.Retryable())
	assert.True(t, IsContentFiltered(err))
	assert.False(t, IsRateLimited(err))
	assert.Contains(t, apiErr.Error(), "content_filter")
}

func TestComplete_EmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL, Deployment: "gpt-4o", APIKey: "k"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), []ChatMessage{TextMessage(RoleUser, "hi")})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestImageMessage(t *testing.T) {
	msg := ImageMessage("describe", "image/png", []byte{0x89, 'P', 'N', 'G'})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	s := string(data)
	assert.Contains(t, s, `"type":"image_url"`)
	assert.Contains(t, s, `"url":"data:image/png;base64,`)
	assert.True(t, strings.Contains(s, `"text":"describe"`))
	assert.Equal(t, RoleUser, msg.Role)
}
