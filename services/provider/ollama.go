// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

// OllamaConfig configures the local Ollama backend.
type OllamaConfig struct {
	// BaseURL defaults to http://localhost:11434.
	BaseURL string
	// Model defaults to llama3.1:8b.
	Model string
	// HTTPTimeout bounds the whole request including streaming. Zero means
	// 5 minutes; local models can be slow to load on first call.
	HTTPTimeout time.Duration
}

// OllamaProvider streams replies from a local Ollama server via /api/chat.
type OllamaProvider struct {
	cfg    OllamaConfig
	client *http.Client
}

var _ Provider = (*OllamaProvider)(nil)

func NewOllamaProvider(cfg OllamaConfig) *OllamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.1:8b"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Minute
	}
	return &OllamaProvider{cfg: cfg, client: &http.Client{Timeout: cfg.HTTPTimeout}}
}

func (p *OllamaProvider) Name() string { return "ollama" }

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatChunk struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error,omitempty"`
}

// Open POSTs to /api/chat with stream enabled and returns a handle over the
// newline-delimited JSON response body.
func (p *OllamaProvider) Open(ctx context.Context, pc datatypes.PromptContext) (StreamHandle, error) {
	msgs := pc.ChatMessages()
	body := ollamaChatRequest{
		Model:    p.cfg.Model,
		Messages: make([]ollamaChatMessage, 0, len(msgs)),
		Stream:   true,
	}
	for _, m := range msgs {
		body.Messages = append(body.Messages, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("ollama marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("ollama build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &ollamaStream{body: resp.Body, scanner: sc}, nil
}

type ollamaStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	index   int
	done    bool
}

var _ StreamHandle = (*ollamaStream)(nil)

func (s *ollamaStream) Next() (TokenDelta, error) {
	if s.done {
		return TokenDelta{}, io.EOF
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return TokenDelta{}, fmt.Errorf("ollama decode chunk: %w", err)
		}
		if chunk.Error != "" {
			return TokenDelta{}, fmt.Errorf("ollama server error: %s", chunk.Error)
		}
		if chunk.Done {
			s.done = true
			if chunk.Message.Content == "" {
				return TokenDelta{}, io.EOF
			}
		}
		if chunk.Message.Content == "" {
			continue
		}
		d := TokenDelta{Text: chunk.Message.Content, Index: s.index}
		s.index++
		return d, nil
	}
	if err := s.scanner.Err(); err != nil {
		return TokenDelta{}, fmt.Errorf("ollama stream read: %w", err)
	}
	return TokenDelta{}, io.EOF
}

func (s *ollamaStream) Close() error {
	return s.body.Close()
}
