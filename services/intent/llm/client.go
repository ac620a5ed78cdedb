// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the chat-completion capability used by the final
// fallback stage. The client speaks the OpenAI-compatible REST API via
// raw net/http; an outbound rate limiter protects the provider quota.
//
// Like the embedding capability, this one is optional: when the endpoint
// is down or unconfigured, callers degrade instead of failing.
package llm

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

	"golang.org/x/time/rate"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
)

// ErrUnavailable signals the chat capability is down, unconfigured, or
// in its failure cooldown.
var ErrUnavailable = errors.New("llm: capability unavailable")

// downCooldown mirrors the embedding client's failure backoff.
const downCooldown = 30 * time.Second

// defaultRatePerSecond bounds outbound chat calls. The fallback stage is
// the most expensive; two calls a second is generous for a single node.
const defaultRatePerSecond = 2

// ChatClient is the chat-completion capability surface.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ChatClient interface {
	// Chat sends a conversation and returns the assistant's text.
	// Returns ErrUnavailable when the capability is down.
	Chat(ctx context.Context, messages []datatypes.Message) (string, error)

	// Available reports whether the capability is currently usable.
	Available() bool
}

// =============================================================================
// OpenAI-compatible wire types
// =============================================================================

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *chatError   `json:"error,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// =============================================================================
// Client
// =============================================================================

// Client calls an OpenAI-compatible chat completions endpoint.
//
// A failed call marks the client down for downCooldown. Intent
// classification wants determinism, so temperature is pinned to 0.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	apiKey     string
	model      string
	baseURL    string
	logger     *slog.Logger

	mu        sync.Mutex
	downUntil time.Time
}

// NewClient creates a chat client. Empty arguments fall back to
// LLM_API_KEY, LLM_MODEL and LLM_BASE_URL. An empty base URL after
// fallback yields a client that is permanently unavailable, which is a
// valid degraded deployment.
func NewClient(apiKey, model, baseURL string, logger *slog.Logger) *Client {
	if apiKey == "" {
		apiKey = os.Getenv("LLM_API_KEY")
	}
	if model == "" {
		model = os.Getenv("LLM_MODEL")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	if baseURL == "" {
		baseURL = os.Getenv("LLM_BASE_URL")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		logger.Warn("llm: no base URL configured, fallback stage disabled")
	}
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(defaultRatePerSecond), defaultRatePerSecond),
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		logger:     logger,
	}
}

// Available reports whether the client is configured and outside its
// failure cooldown.
func (c *Client) Available() bool {
	if c.baseURL == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().After(c.downUntil)
}

func (c *Client) markDown() {
	c.mu.Lock()
	c.downUntil = time.Now().Add(downCooldown)
	c.mu.Unlock()
}

func (c *Client) markUp() {
	c.mu.Lock()
	c.downUntil = time.Time{}
	c.mu.Unlock()
}

// Chat sends a conversation and returns the assistant's reply text.
func (c *Client) Chat(ctx context.Context, messages []datatypes.Message) (string, error) {
	if !c.Available() {
		return "", ErrUnavailable
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm: rate limit wait: %w", err)
	}

	wire := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		switch role {
		case "system", "user", "assistant":
		default:
			c.logger.Warn("llm: unknown message role, mapping to user", "role", role)
			role = "user"
		}
		wire = append(wire, chatMessage{Role: role, Content: m.Content})
	}

	reqBody, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    wire,
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("llm: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.markDown()
		c.logger.Warn("llm: HTTP request failed, entering cooldown", "error", err.Error())
		return "", fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			c.markDown()
		}
		return "", fmt.Errorf("llm: API returned status %d", resp.StatusCode)
	}

	var apiResp chatResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", fmt.Errorf("llm: parsing response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("llm: API error: %s", apiResp.Error.Type)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("llm: returned no choices")
	}

	c.markUp()
	return apiResp.Choices[0].Message.Content, nil
}
