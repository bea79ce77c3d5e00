package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChatCompletion(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "test-model", req["model"])

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "test-model-0905",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "  hello\n"}},
			},
			"usage": map[string]int{
				"prompt_tokens":     12,
				"completion_tokens": 3,
				"total_tokens":      15,
			},
		})
	}))
	defer server.Close()

	var client = NewClient(server.URL, "test-key", time.Second)
	result, err := client.Chat(context.Background(), "test-model",
		[]Message{{Role: "user", Content: "hi"}}, 64, 0.2)
	require.NoError(t, err)
	require.Equal(t, "hello", result.Content)
	require.Equal(t, "test-model-0905", result.Model)
	require.Equal(t, int64(15), result.TotalTokens)
}

func TestChatStatusErrors(t *testing.T) {
	var status = http.StatusTooManyRequests
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", status)
	}))
	defer server.Close()

	var client = NewClient(server.URL, "test-key", time.Second)

	_, err := client.Chat(context.Background(), "m", nil, 8, 0)
	require.Error(t, err)
	require.True(t, IsRetryable(err))

	status = http.StatusUnprocessableEntity
	_, err = client.Chat(context.Background(), "m", nil, 8, 0)
	require.Error(t, err)
	require.False(t, IsRetryable(err))
}

func TestChatEmptyChoicesIsFatal(t *testing.T) {
	var server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"m","choices":[]}`))
	}))
	defer server.Close()

	var client = NewClient(server.URL, "test-key", time.Second)
	_, err := client.Chat(context.Background(), "m", nil, 8, 0)
	require.ErrorIs(t, err, ErrNoChoices)
	require.False(t, IsRetryable(err))
}

func TestTransportErrorIsRetryable(t *testing.T) {
	var client = NewClient("http://127.0.0.1:1", "k", 100*time.Millisecond)
	_, err := client.Chat(context.Background(), "m", nil, 8, 0)
	require.Error(t, err)
	require.True(t, IsRetryable(err))
}
