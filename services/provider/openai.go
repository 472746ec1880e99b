// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

// OpenAIConfig configures the hosted OpenAI-compatible backend.
type OpenAIConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint for OpenAI-compatible gateways.
	BaseURL string
	// Model defaults to gpt-4o-mini.
	Model string
	// MaxTokens caps the reply length. Zero means 1024.
	MaxTokens int
	// Temperature defaults to 0.4; conversational replies should stay
	// grounded rather than creative.
	Temperature float32
}

// OpenAIProvider streams chat completions from an OpenAI-compatible API.
type OpenAIProvider struct {
	client *openai.Client
	cfg    OpenAIConfig
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider builds the provider. APIKey must be non-empty.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai provider requires an API key")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.4
	}
	cc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		cc.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cc), cfg: cfg}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// Open starts a streamed chat completion for the prompt context.
func (p *OpenAIProvider) Open(ctx context.Context, pc datatypes.PromptContext) (StreamHandle, error) {
	msgs := pc.ChatMessages()
	req := openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		Stream:      true,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case datatypes.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case "system":
			role = openai.ChatMessageRoleSystem
		}
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai stream open: %w", err)
	}
	return &openaiStream{stream: stream}, nil
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
	index  int
}

var _ StreamHandle = (*openaiStream)(nil)

func (s *openaiStream) Next() (TokenDelta, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if isEOF(err) {
				return TokenDelta{}, io.EOF
			}
			return TokenDelta{}, fmt.Errorf("openai recv: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		text := resp.Choices[0].Delta.Content
		if text == "" {
			// Role-only or finish-reason chunks carry no content.
			if resp.Choices[0].FinishReason != "" {
				return TokenDelta{}, io.EOF
			}
			continue
		}
		d := TokenDelta{Text: text, Index: s.index}
		s.index++
		return d, nil
	}
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
