// Copyright 2026 The Polyad Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ollama is a thin client for a local Ollama server. It covers text
// generation, chat, embeddings, multimodal generation and model management,
// and guards prompts against a configurable token budget.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/polyadai/polyad/internal/config"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateResult carries a completed generation with its token accounting.
type GenerateResult struct {
	Response     string        `json:"response"`
	Model        string        `json:"model"`
	PromptTokens int64         `json:"prompt_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	Duration     time.Duration `json:"duration"`
}

// ModelInfo describes one model known to the server.
type ModelInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Client talks to one Ollama server.
type Client struct {
	host            string
	model           string
	embedModel      string
	maxPromptTokens int
	httpClient      *http.Client
	counter         *TokenCounter
}

// NewClient builds a client from configuration.
func NewClient(cfg *config.OllamaConfig) (*Client, error) {
	if cfg == nil {
		def := config.DefaultConfig().Ollama
		cfg = &def
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("ollama: host is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		host:            cfg.Host,
		model:           cfg.Model,
		embedModel:      cfg.EmbedModel,
		maxPromptTokens: cfg.MaxPromptTokens,
		httpClient:      &http.Client{Timeout: timeout},
		counter:         NewTokenCounter(),
	}, nil
}

// Model returns the default generation model.
func (c *Client) Model() string {
	return c.model
}

// CountTokens estimates the token count of text.
func (c *Client) CountTokens(text string) int {
	return c.counter.Count(text)
}

// checkPromptBudget rejects prompts above the configured token limit.
func (c *Client) checkPromptBudget(prompt string) (int, error) {
	tokens := c.counter.Count(prompt)
	if c.maxPromptTokens > 0 && tokens > c.maxPromptTokens {
		return tokens, fmt.Errorf("ollama: prompt of %d tokens exceeds limit of %d", tokens, c.maxPromptTokens)
	}
	return tokens, nil
}

// Generate runs a non-streaming completion against the default model.
func (c *Client) Generate(ctx context.Context, prompt string) (*GenerateResult, error) {
	return c.generate(ctx, prompt, nil)
}

// GenerateWithImages runs a multimodal completion. Images are raw bytes and
// are base64-encoded on the wire.
func (c *Client) GenerateWithImages(ctx context.Context, prompt string, images [][]byte) (*GenerateResult, error) {
	encoded := make([]string, len(images))
	for i, img := range images {
		encoded[i] = base64.StdEncoding.EncodeToString(img)
	}
	return c.generate(ctx, prompt, encoded)
}

func (c *Client) generate(ctx context.Context, prompt string, images []string) (*GenerateResult, error) {
	promptTokens, err := c.checkPromptBudget(prompt)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"model":  c.model,
		"prompt": prompt,
		"stream": false,
	}
	if len(images) > 0 {
		payload["images"] = images
	}

	start := time.Now()
	body, err := c.post(ctx, "/api/generate", payload)
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(body)
	if errMsg := parsed.Get("error").String(); errMsg != "" {
		return nil, fmt.Errorf("ollama: generation failed: %s", errMsg)
	}

	result := &GenerateResult{
		Response:     parsed.Get("response").String(),
		Model:        parsed.Get("model").String(),
		PromptTokens: int64(promptTokens),
		OutputTokens: parsed.Get("eval_count").Int(),
		Duration:     time.Since(start),
	}
	log.Debugf("Ollama generation complete (model: %s, output tokens: %d, took: %s)", result.Model, result.OutputTokens, result.Duration)
	return result, nil
}

// Chat runs a non-streaming chat completion and returns the assistant turn.
func (c *Client) Chat(ctx context.Context, messages []Message) (*GenerateResult, error) {
	var promptTokens int
	for _, m := range messages {
		promptTokens += c.counter.Count(m.Content)
	}
	if c.maxPromptTokens > 0 && promptTokens > c.maxPromptTokens {
		return nil, fmt.Errorf("ollama: conversation of %d tokens exceeds limit of %d", promptTokens, c.maxPromptTokens)
	}

	start := time.Now()
	body, err := c.post(ctx, "/api/chat", map[string]interface{}{
		"model":    c.model,
		"messages": messages,
		"stream":   false,
	})
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(body)
	if errMsg := parsed.Get("error").String(); errMsg != "" {
		return nil, fmt.Errorf("ollama: chat failed: %s", errMsg)
	}

	return &GenerateResult{
		Response:     parsed.Get("message.content").String(),
		Model:        parsed.Get("model").String(),
		PromptTokens: int64(promptTokens),
		OutputTokens: parsed.Get("eval_count").Int(),
		Duration:     time.Since(start),
	}, nil
}

// Embeddings returns the embedding vector for text using the embedding model.
func (c *Client) Embeddings(ctx context.Context, text string) ([]float64, error) {
	body, err := c.post(ctx, "/api/embeddings", map[string]interface{}{
		"model":  c.embedModel,
		"prompt": text,
	})
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(body)
	if errMsg := parsed.Get("error").String(); errMsg != "" {
		return nil, fmt.Errorf("ollama: embeddings failed: %s", errMsg)
	}

	raw := parsed.Get("embedding").Array()
	if len(raw) == 0 {
		return nil, fmt.Errorf("ollama: empty embedding returned")
	}
	embedding := make([]float64, len(raw))
	for i, v := range raw {
		embedding[i] = v.Float()
	}
	return embedding, nil
}

// ListModels returns the models installed on the server.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("ollama: failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama: failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: server returned %d: %s", resp.StatusCode, body)
	}

	var models []ModelInfo
	gjson.GetBytes(body, "models").ForEach(func(_, m gjson.Result) bool {
		info := ModelInfo{
			Name:      m.Get("name").String(),
			SizeBytes: m.Get("size").Int(),
		}
		if ts := m.Get("modified_at").String(); ts != "" {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				info.ModifiedAt = parsed
			}
		}
		models = append(models, info)
		return true
	})
	return models, nil
}

// PullModel downloads a model onto the server. This can take minutes for
// large models; the context bounds the wait.
func (c *Client) PullModel(ctx context.Context, name string) error {
	body, err := c.post(ctx, "/api/pull", map[string]interface{}{
		"name":   name,
		"stream": false,
	})
	if err != nil {
		return err
	}

	status := gjson.GetBytes(body, "status").String()
	if status != "success" {
		if errMsg := gjson.GetBytes(body, "error").String(); errMsg != "" {
			return fmt.Errorf("ollama: pull failed: %s", errMsg)
		}
		return fmt.Errorf("ollama: pull finished with status %q", status)
	}
	log.Infof("Model %s pulled", name)
	return nil
}

// Healthy reports whether the server responds to a version probe.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ollama: failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama: failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: server returned %d: %s", resp.StatusCode, body)
	}
	return body, nil
}
