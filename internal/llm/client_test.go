package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseStream(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive comment",
		"event: message",
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		"",
		`data: {"choices":[{"delta":{"content":"lo"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`,
		"data: not json",
		`data:{"choices":[{"delta":{}}],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`,
		"data: [DONE]",
		`data: {"choices":[{"delta":{"content":"ignored"}}]}`,
	}, "\n")

	got, err := ParseStream(strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Text)
	assert.Equal(t, Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}, got.Usage)
}

func TestParseStreamWithoutDone(t *testing.T) {
	got, err := ParseStream(strings.NewReader(`data: {"choices":[{"delta":{"content":"x"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "x", got.Text)
	assert.Zero(t, got.Usage)
}

func TestStreamChat(t *testing.T) {
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"{\"ok\":"}}]}`)
		fmt.Fprintln(w, `data: {"choices":[{"delta":{"content":"true}"}}]}`)
		fmt.Fprintln(w, `data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`)
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "gpt-test"}, zaptest.NewLogger(t))
	got, err := c.StreamChat(context.Background(), []Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, got.Text)
	assert.Equal(t, 16, got.Usage.TotalTokens)

	assert.Equal(t, "gpt-test", gotReq.Model)
	assert.True(t, gotReq.Stream)
	assert.True(t, gotReq.StreamOptions.IncludeUsage)
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, RoleSystem, gotReq.Messages[0].Role)
}

func TestStreamChatStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"}, nil)
	_, err := c.StreamChat(context.Background(), nil)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.Contains(t, se.Body, "slow down")
}

func TestMissingAPIKey(t *testing.T) {
	c := New(Config{}, nil)
	_, err := c.StreamChat(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoAPIKey)
	_, err = c.ListModels(context.Background())
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"GPT-3.5"},{"id":"gpt-4o"},{"id":"babbage"},{"id":""}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"}, nil)
	ids, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"babbage", "GPT-3.5", "gpt-4o"}, ids)
}

func TestSetModel(t *testing.T) {
	c := New(Config{Model: "a"}, nil)
	c.SetModel("b")
	assert.Equal(t, "b", c.Model())
}
