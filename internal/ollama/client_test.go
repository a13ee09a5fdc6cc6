// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ollama

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/polyadai/polyad/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewClient(&config.OllamaConfig{
		Host:       server.URL,
		Model:      "test-model",
		EmbedModel: "test-embed",
		Timeout:    5 * time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestGenerate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "test-model", gjson.GetBytes(body, "model").String())
		assert.Equal(t, "hello", gjson.GetBytes(body, "prompt").String())
		assert.False(t, gjson.GetBytes(body, "stream").Bool())

		_, _ = w.Write([]byte(`{"model":"test-model","response":"hi there","eval_count":12}`))
	})

	result, err := c.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", result.Response)
	assert.Equal(t, int64(12), result.OutputTokens)
	assert.Greater(t, result.PromptTokens, int64(0))
}

func TestGenerate_ServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`boom`))
	})

	_, err := c.Generate(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestGenerate_ErrorField(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"model not found"}`))
	})

	_, err := c.Generate(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestGenerate_PromptBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not reach the server")
	}))
	defer server.Close()

	c, err := NewClient(&config.OllamaConfig{
		Host:            server.URL,
		Model:           "test-model",
		MaxPromptTokens: 2,
	})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "this prompt is certainly longer than two tokens")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestGenerateWithImages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		images := gjson.GetBytes(body, "images").Array()
		require.Len(t, images, 1)
		assert.Equal(t, "aGVsbG8=", images[0].String()) // base64("hello")

		_, _ = w.Write([]byte(`{"model":"test-model","response":"a greeting"}`))
	})

	result, err := c.GenerateWithImages(context.Background(), "describe this", [][]byte{[]byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, "a greeting", result.Response)
}

func TestChat(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		_, _ = w.Write([]byte(`{"model":"test-model","message":{"role":"assistant","content":"sure"},"eval_count":3}`))
	})

	result, err := c.Chat(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "help me"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sure", result.Response)
	assert.Equal(t, int64(3), result.OutputTokens)
}

func TestEmbeddings(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "test-embed", gjson.GetBytes(body, "model").String())

		_, _ = w.Write([]byte(`{"embedding":[0.1,0.2,0.3]}`))
	})

	embedding, err := c.Embeddings(context.Background(), "some text")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, embedding)
}

func TestEmbeddings_EmptyIsError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[]}`))
	})

	_, err := c.Embeddings(context.Background(), "some text")
	assert.Error(t, err)
}

func TestListModels(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		_, _ = w.Write([]byte(`{"models":[
			{"name":"gemma3:12b","size":8000000000,"modified_at":"2026-01-02T15:04:05Z"},
			{"name":"nomic-embed-text","size":270000000}
		]}`))
	})

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gemma3:12b", models[0].Name)
	assert.Equal(t, int64(8000000000), models[0].SizeBytes)
	assert.Equal(t, 2026, models[0].ModifiedAt.Year())
}

func TestPullModel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/pull", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	})
	assert.NoError(t, c.PullModel(context.Background(), "gemma3:12b"))

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"no such model"}`))
	})
	assert.Error(t, c.PullModel(context.Background(), "nope"))
}

func TestHealthy(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/version", r.URL.Path)
		_, _ = w.Write([]byte(`{"version":"0.5.0"}`))
	})
	assert.True(t, c.Healthy(context.Background()))

	down, err := NewClient(&config.OllamaConfig{Host: "http://127.0.0.1:1", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, down.Healthy(context.Background()))
}

func TestTokenCounter(t *testing.T) {
	counter := NewTokenCounter()

	assert.Equal(t, 0, counter.Count(""))
	assert.Greater(t, counter.Count("hello world"), 0)

	// Longer text costs more tokens.
	short := counter.Count("hi")
	long := counter.Count("this is a much longer piece of text that should need more tokens")
	assert.Greater(t, long, short)
}
