// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding provides the embedding capability: an HTTP client for
// an Ollama-compatible /api/embed endpoint, unit-vector math, and the
// warmed phrase-vector cache the semantic matcher scores against.
//
// The capability is optional. When the endpoint is down, Encode returns
// ErrUnavailable and the callers degrade to the lexical stages.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// ErrUnavailable signals that the embedding capability is down (endpoint
// unreachable or inside its failure cooldown). Callers skip the semantic
// stage and mark the resolution degraded.
var ErrUnavailable = errors.New("embedding: capability unavailable")

// downCooldown is how long the client stays marked down after a failed
// call. Avoids hammering a dead endpoint on every resolution.
const downCooldown = 30 * time.Second

// Client is the embedding capability surface.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Encode embeds one text. Returns the raw (not normalized) vector,
	// or ErrUnavailable when the capability is down.
	Encode(ctx context.Context, text string) ([]float32, error)

	// Available reports whether the capability is currently usable.
	Available() bool

	// Model returns the embedding model name, part of the corpus hash.
	Model() string
}

// ollamaEmbedReq is the /api/embed request body.
type ollamaEmbedReq struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// ollamaEmbedResp is the /api/embed response body.
type ollamaEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// OllamaClient embeds text via an Ollama-compatible /api/embed endpoint.
//
// A failed call marks the client down for downCooldown; during the
// cooldown Encode fails fast with ErrUnavailable instead of dialing.
//
// # Thread Safety
//
// Safe for concurrent use.
type OllamaClient struct {
	url    string
	model  string
	client *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	downUntil time.Time
}

// NewOllamaClient creates a client for the configured embedding endpoint.
// url and model fall back to EMBEDDING_SERVICE_URL and EMBEDDING_MODEL,
// then to local Ollama defaults.
func NewOllamaClient(url, model string, logger *slog.Logger) *OllamaClient {
	if url == "" {
		url = os.Getenv("EMBEDDING_SERVICE_URL")
	}
	if url == "" {
		url = "http://localhost:11434/api/embed"
	}
	if model == "" {
		model = os.Getenv("EMBEDDING_MODEL")
	}
	if model == "" {
		model = "nomic-embed-text-v2-moe"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		url:   url,
		model: model,
		client: &http.Client{
			Timeout: 30 * time.Second, // warm-up can be slow; hot-path callers pass a tighter ctx
		},
		logger: logger,
	}
}

// Model returns the embedding model name.
func (c *OllamaClient) Model() string { return c.model }

// Available reports whether the client is outside its failure cooldown.
func (c *OllamaClient) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().After(c.downUntil)
}

// markDown starts the failure cooldown.
func (c *OllamaClient) markDown() {
	c.mu.Lock()
	c.downUntil = time.Now().Add(downCooldown)
	c.mu.Unlock()
}

// markUp clears the cooldown after a successful call.
func (c *OllamaClient) markUp() {
	c.mu.Lock()
	c.downUntil = time.Time{}
	c.mu.Unlock()
}

// Encode embeds one text via HTTP.
func (c *OllamaClient) Encode(ctx context.Context, text string) ([]float32, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}

	reqBody, err := json.Marshal(ollamaEmbedReq{Model: c.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.markDown()
		c.logger.Warn("embedding call failed, entering cooldown",
			"url", c.url,
			"error", err.Error(),
		)
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.markDown()
		return nil, fmt.Errorf("%w: embed service returned %d: %s", ErrUnavailable, resp.StatusCode, string(body))
	}

	var decoded ollamaEmbedResp
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}
	if len(decoded.Embeddings) == 0 || len(decoded.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed service returned empty vector")
	}

	c.markUp()
	return decoded.Embeddings[0], nil
}
