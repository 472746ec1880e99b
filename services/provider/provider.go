// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package provider implements the inference backend chain.
//
// Every backend, cloud or local, is exposed through one explicit streaming
// interface (Open/Next/Close). The failover policy in chain.go operates
// purely over this interface and never over provider-specific types.
package provider

import (
	"context"
	"errors"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

// TokenDelta is one streamed fragment of the assistant reply.
type TokenDelta struct {
	// Text is the fragment content. May be a partial word or whitespace.
	Text string

	// Index is the zero-based position of this delta within the stream.
	Index int
}

// StreamHandle is an open, in-progress generation stream.
//
// # Description
//
// Next blocks until the next delta is available and returns io.EOF when the
// provider has finished cleanly. Any other error is a provider failure.
// Close releases the underlying connection; it is safe to call after an
// error and must be called exactly once per handle.
//
// # Thread Safety
//
// Handles are single-consumer: the chain reads them sequentially and never
// shares them across goroutines.
type StreamHandle interface {
	Next() (TokenDelta, error)
	Close() error
}

// Provider is one interchangeable inference backend.
//
// # Description
//
// Open establishes the stream for the given prompt context. Errors from
// Open are always pre-first-token failures by definition and are safe to
// fail over from. The context passed to Open carries the per-provider
// timeout; implementations must respect cancellation while connecting.
//
// # Limitations
//
//   - Providers do not expose token counting; the chain counts deltas.
type Provider interface {
	// Name returns the stable provider identifier used in attempt records.
	Name() string

	// Open starts a generation stream for the prompt context.
	Open(ctx context.Context, pc datatypes.PromptContext) (StreamHandle, error)
}

// Result is the terminal outcome of a successful chain stream.
type Result struct {
	// Text is the full concatenated reply.
	Text string

	// Provider is the name of the backend that produced the reply.
	Provider string

	// TokenCount is the number of deltas emitted.
	TokenCount int
}

// ErrMidStream reports a provider failure after at least one token reached
// the client. The chain never resumes elsewhere after this, because a
// different provider picking up mid-utterance would fabricate inconsistent
// text. The turn terminates with an error event and the caller must retry.
var ErrMidStream = errors.New("provider failed mid-stream")

// ErrChainExhausted reports that every provider failed before its first
// token. Unreachable when the chain is configured with a terminal template
// provider, which cannot fail; kept for chains built without one in tests.
var ErrChainExhausted = errors.New("all providers failed before first token")
