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

// Package types contains shared LLM types used across gradeflow.
// This package breaks import cycles by providing common types that the
// scoring, grading, and llm packages all depend on.
package types

import (
	"context"
)

// ContentBlock represents a piece of content in a multi-modal message.
// Can be text or image content.
type ContentBlock struct {
	// Type is the content type ("text" or "image")
	Type string

	// Text contains text content (when Type is "text")
	Text string

	// Image contains image content (when Type is "image")
	Image *ImageContent
}

// ImageContent represents an image in a message.
type ImageContent struct {
	// Type is always "image"
	Type string

	// Source contains the image data
	Source ImageSource
}

// ImageSource contains the actual image data.
type ImageSource struct {
	// Type is the source type ("base64" or "url")
	Type string

	// MediaType is the MIME type ("image/jpeg", "image/png", "image/gif", "image/webp")
	MediaType string

	// Data contains base64-encoded image data (when Type is "base64")
	Data string

	// URL contains the image URL (when Type is "url")
	URL string
}

// Message represents a single message in a conversation with the LLM.
type Message struct {
	// Role is the message sender (system, user, assistant)
	Role string

	// Content is the message text (for text-only messages)
	Content string

	// ContentBlocks contains multi-modal content (text and/or images).
	// If present, this takes precedence over Content.
	ContentBlocks []ContentBlock
}

// Usage tracks LLM token usage and costs.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
	CostUSD      float64
}

// LLMResponse represents a response from the LLM.
type LLMResponse struct {
	// Content is the text response
	Content string

	// StopReason indicates why the LLM stopped
	StopReason string

	// Usage tracks token usage
	Usage Usage

	// Thinking contains the model's internal reasoning, for models
	// that expose extended thinking blocks
	Thinking string

	// Metadata contains provider-specific metadata
	Metadata map[string]interface{}
}

// LLMProvider defines the interface for LLM providers.
// This allows pluggable backends (Anthropic, mock providers in tests).
type LLMProvider interface {
	// Chat sends a conversation to the LLM and returns the response
	Chat(ctx context.Context, messages []Message) (*LLMResponse, error)

	// Name returns the provider name
	Name() string

	// Model returns the model identifier
	Model() string
}

// TokenCallback is called for each token/chunk during streaming.
//
// chunkType is "output", "thinking", or a three-part "<phase>:<type>"
// form for phase-scoped streams (e.g. "grading:output"). Implementations
// must be lightweight and non-blocking; the workflow never waits on them.
type TokenCallback func(chunkType, chunk string)

// StreamingLLMProvider is an LLMProvider that can stream tokens as they
// are generated.
type StreamingLLMProvider interface {
	LLMProvider

	// ChatStream sends a conversation and streams response chunks to the
	// callback before returning the complete response.
	ChatStream(ctx context.Context, messages []Message, callback TokenCallback) (*LLMResponse, error)
}

// TextMessage builds a plain text message with the given role.
func TextMessage(role, content string) Message {
	return Message{Role: role, Content: content}
}

// ImageMessage builds a user message carrying base64-encoded images
// followed by an optional text block. Used for vision grading calls.
func ImageMessage(images []ImageSource, text string) Message {
	blocks := make([]ContentBlock, 0, len(images)+1)
	for i := range images {
		blocks = append(blocks, ContentBlock{
			Type:  "image",
			Image: &ImageContent{Type: "image", Source: images[i]},
		})
	}
	if text != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: text})
	}
	return Message{Role: "user", ContentBlocks: blocks}
}
