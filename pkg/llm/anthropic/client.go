// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package anthropic implements a vision-capable client for Anthropic's
// Claude Messages API. Grading calls carry base64 JPEG page images as
// multi-modal content blocks; streaming responses forward text and
// thinking deltas to a token callback.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/teradata-labs/gradeflow/pkg/types"
)

const (
	// DefaultModel is the default Claude model.
	DefaultModel = "claude-sonnet-4-5-20250929"
	// DefaultEndpoint is the default Anthropic API endpoint.
	DefaultEndpoint = "https://api.anthropic.com/v1/messages"
	// DefaultMaxTokens is the default maximum tokens per request.
	DefaultMaxTokens = 16384
	// DefaultTemperature is the default sampling temperature.
	DefaultTemperature = 0.2
	// DefaultTimeout is the default HTTP timeout. Grading calls carry
	// many page images, so this is generous; per-stage timeouts bound
	// the call from above through the context.
	DefaultTimeout = 600 * time.Second
)

// Client implements types.StreamingLLMProvider for Anthropic's Claude
// API using a plain HTTP client.
type Client struct {
	apiKey      string
	model       string
	endpoint    string
	httpClient  *http.Client
	maxTokens   int
	temperature float64
}

// Config holds configuration for the Anthropic client.
type Config struct {
	APIKey      string
	Model       string // Default: claude-sonnet-4-5-20250929
	Endpoint    string // Default: https://api.anthropic.com/v1/messages
	Timeout     time.Duration
	MaxTokens   int     // Default: 16384
	Temperature float64 // Default: 0.2
}

// NewClient creates a new Anthropic client.
func NewClient(config Config) *Client {
	if config.Model == "" {
		if envModel := os.Getenv("ANTHROPIC_DEFAULT_MODEL"); envModel != "" {
			config.Model = envModel
		} else {
			config.Model = DefaultModel
		}
	}
	if config.Endpoint == "" {
		if envEndpoint := os.Getenv("ANTHROPIC_API_ENDPOINT"); envEndpoint != "" {
			config.Endpoint = envEndpoint
		} else {
			config.Endpoint = DefaultEndpoint
		}
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = DefaultMaxTokens
	}
	if config.Temperature == 0 {
		config.Temperature = DefaultTemperature
	}

	return &Client{
		apiKey:      config.APIKey,
		model:       config.Model,
		endpoint:    config.Endpoint,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return "anthropic"
}

// Model returns the model identifier.
func (c *Client) Model() string {
	return c.model
}

// Chat sends a conversation to Claude and returns the response.
func (c *Client) Chat(ctx context.Context, messages []types.Message) (*types.LLMResponse, error) {
	req := c.buildRequest(messages, false)

	resp, err := c.callAPI(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("API call failed: %w", err)
	}
	return c.convertResponse(resp), nil
}

// buildRequest converts gradeflow messages to the Messages API format.
// System messages are extracted into the separate system field; the
// last system block carries cache_control so repeated rubric prompts
// hit the prompt cache.
func (c *Client) buildRequest(messages []types.Message, stream bool) *MessagesRequest {
	var systemPrompts []string
	var apiMessages []Message

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if msg.Content != "" {
				systemPrompts = append(systemPrompts, msg.Content)
			}

		case "user":
			if len(msg.ContentBlocks) > 0 {
				var content []ContentBlock
				for _, block := range msg.ContentBlocks {
					switch block.Type {
					case "text":
						content = append(content, ContentBlock{Type: "text", Text: block.Text})
					case "image":
						if block.Image != nil {
							content = append(content, ContentBlock{
								Type: "image",
								Source: &ImageSource{
									Type:      block.Image.Source.Type,
									MediaType: block.Image.Source.MediaType,
									Data:      block.Image.Source.Data,
									URL:       block.Image.Source.URL,
								},
							})
						}
					}
				}
				apiMessages = append(apiMessages, Message{Role: "user", Content: content})
			} else {
				apiMessages = append(apiMessages, Message{
					Role:    "user",
					Content: []ContentBlock{{Type: "text", Text: msg.Content}},
				})
			}

		case "assistant":
			if msg.Content != "" {
				apiMessages = append(apiMessages, Message{
					Role:    "assistant",
					Content: []ContentBlock{{Type: "text", Text: msg.Content}},
				})
			}
		}
	}

	req := &MessagesRequest{
		Model:       c.model,
		Messages:    apiMessages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
		Stream:      stream,
	}
	if len(systemPrompts) > 0 {
		req.System = []TextBlockParam{{
			Type:         "text",
			Text:         strings.Join(systemPrompts, "\n\n"),
			CacheControl: &CacheControl{Type: "ephemeral"},
		}}
	}
	return req
}

func (c *Client) convertResponse(resp *MessagesResponse) *types.LLMResponse {
	out := &types.LLMResponse{
		StopReason: resp.StopReason,
		Usage: types.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
			CostUSD:      c.calculateCost(resp.Usage),
		},
		Metadata: map[string]interface{}{
			"model":       resp.Model,
			"stop_reason": resp.StopReason,
		},
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "thinking":
			out.Thinking += block.Thinking
		}
	}
	return out
}

// calculateCost estimates the cost in USD based on token usage.
// Claude Sonnet pricing: $3/M input, $15/M output; cache write at
// 1.25x input, cache read at 0.10x input.
func (c *Client) calculateCost(u Usage) float64 {
	inputCost := float64(u.InputTokens) * 3.0 / 1_000_000
	outputCost := float64(u.OutputTokens) * 15.0 / 1_000_000
	cacheWriteCost := float64(u.CacheCreationInputTokens) * 3.75 / 1_000_000
	cacheReadCost := float64(u.CacheReadInputTokens) * 0.30 / 1_000_000
	return inputCost + outputCost + cacheWriteCost + cacheReadCost
}

// ChatStream streams the response token by token. Text deltas invoke
// the callback with chunk type "output", thinking deltas with
// "thinking"; the complete response is returned when the stream ends.
func (c *Client) ChatStream(ctx context.Context, messages []types.Message, callback types.TokenCallback) (*types.LLMResponse, error) {
	req := c.buildRequest(messages, true)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var contentBuffer strings.Builder
	var thinkingBuffer strings.Builder
	usage := types.Usage{}
	var stopReason string
	tokenCount := 0

	scanner := bufio.NewScanner(httpResp.Body)
	// Grading responses carry long JSON lines; raise the scanner cap.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")

		var event StreamEvent
		if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
			// Skip malformed events but continue processing.
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					contentBuffer.WriteString(event.Delta.Text)
					tokenCount++
					if callback != nil {
						callback("output", event.Delta.Text)
					}
				}
			case "thinking_delta":
				if event.Delta.Thinking != "" {
					thinkingBuffer.WriteString(event.Delta.Thinking)
					if callback != nil {
						callback("thinking", event.Delta.Thinking)
					}
				}
			}

		case "message_start":
			if event.Message != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
			}

		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			if event.Usage != nil {
				if event.Usage.InputTokens > 0 {
					usage.InputTokens = event.Usage.InputTokens
				}
				if event.Usage.OutputTokens > 0 {
					usage.OutputTokens = event.Usage.OutputTokens
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading stream: %w", err)
	}

	if usage.OutputTokens == 0 {
		usage.OutputTokens = tokenCount
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	usage.CostUSD = c.calculateCost(Usage{
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	})

	return &types.LLMResponse{
		Content:    contentBuffer.String(),
		Thinking:   thinkingBuffer.String(),
		StopReason: stopReason,
		Usage:      usage,
		Metadata: map[string]interface{}{
			"model":       c.model,
			"stop_reason": stopReason,
			"streaming":   true,
		},
	}, nil
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	r, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("x-api-key", c.apiKey)
	r.Header.Set("anthropic-version", "2023-06-01")
	// Cached rubric tokens don't count against ITPM rate limits.
	r.Header.Set("anthropic-beta", "prompt-caching-2024-07-31")
	return r, nil
}

// callAPI makes a non-streaming HTTP request to the Messages API.
func (c *Client) callAPI(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var resp MessagesResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}

var (
	_ types.LLMProvider          = (*Client)(nil)
	_ types.StreamingLLMProvider = (*Client)(nil)
)
