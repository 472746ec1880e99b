// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

var chainTracer = otel.Tracer("haven.provider.chain")

// ChainConfig controls failover behavior.
type ChainConfig struct {
	// FirstTokenTimeout bounds the wait for a provider's first delta,
	// measured from Open. Zero disables the bound.
	FirstTokenTimeout time.Duration

	// MaxConcurrentPerProvider caps simultaneous open streams per backend.
	// Zero means 4.
	MaxConcurrentPerProvider int
}

// Chain tries providers in fixed priority order with silent pre-first-token
// failover.
//
// # Description
//
// Stream walks the provider list. A provider that fails before emitting its
// first token is recorded as an attempt and skipped; the client never
// observes the switch. Once any token has been forwarded, the producing
// provider owns the turn: a later failure is terminal (ErrMidStream) and is
// surfaced to the client rather than papered over with a different model's
// continuation.
//
// # Thread Safety
//
// Safe for concurrent use. Per-provider stream concurrency is bounded by a
// semaphore; Stream blocks until a slot frees or ctx is cancelled.
type Chain struct {
	providers []Provider
	cfg       ChainConfig
	slots     map[string]chan struct{}
	logger    *slog.Logger
}

// NewChain builds a chain over the given providers in priority order.
// The last provider should be a template provider so the chain can always
// produce a reply; NewChain does not enforce that.
func NewChain(cfg ChainConfig, logger *slog.Logger, providers ...Provider) *Chain {
	if cfg.MaxConcurrentPerProvider <= 0 {
		cfg.MaxConcurrentPerProvider = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	slots := make(map[string]chan struct{}, len(providers))
	for _, p := range providers {
		slots[p.Name()] = make(chan struct{}, cfg.MaxConcurrentPerProvider)
	}
	return &Chain{providers: providers, cfg: cfg, slots: slots, logger: logger}
}

// Names returns the provider names in priority order.
func (c *Chain) Names() []string {
	out := make([]string, len(c.providers))
	for i, p := range c.providers {
		out[i] = p.Name()
	}
	return out
}

// firstDelta is the result of the timed wait for a provider's first token.
type firstDelta struct {
	delta TokenDelta
	err   error
}

// Stream generates a reply for pc, invoking emit for every delta in order.
//
// # Description
//
// Returns the final Result plus the attempt record for every provider that
// was tried, including the successful one. On mid-stream failure the
// returned error wraps ErrMidStream and the attempts slice still records the
// partial emission. emit is called on the caller's goroutine; a slow emit
// backpressures the stream.
//
// # Outputs
//
//   - Result: zero value unless err is nil.
//   - []datatypes.ProviderAttempt: one entry per provider tried, in order.
//   - error: nil, ErrMidStream-wrapped, ErrChainExhausted, or ctx.Err().
func (c *Chain) Stream(ctx context.Context, pc datatypes.PromptContext, emit func(TokenDelta) error) (Result, []datatypes.ProviderAttempt, error) {
	ctx, span := chainTracer.Start(ctx, "provider.chain.stream")
	defer span.End()

	attempts := make([]datatypes.ProviderAttempt, 0, len(c.providers))

	for i, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return Result{}, attempts, err
		}

		attempt := datatypes.ProviderAttempt{
			Provider:  p.Name(),
			Seq:       i + 1,
			StartedAt: time.Now().UnixMilli(),
		}

		res, err := c.streamOne(ctx, p, pc, emit, &attempt)
		attempt.EndedAt = time.Now().UnixMilli()
		attempts = append(attempts, attempt)

		switch attempt.Outcome {
		case datatypes.AttemptSuccess:
			span.SetAttributes(
				attribute.String("provider.winner", p.Name()),
				attribute.Int("provider.attempts", len(attempts)),
			)
			return res, attempts, nil
		case datatypes.AttemptTimeout, datatypes.AttemptError:
			if attempt.PartialChars > 0 {
				// Tokens already reached the client. Terminal.
				span.RecordError(err)
				span.SetStatus(codes.Error, "mid-stream failure")
				return Result{}, attempts, fmt.Errorf("%s: %w: %w", p.Name(), ErrMidStream, err)
			}
			span.AddEvent("failover", trace.WithAttributes(
				attribute.String("provider", p.Name()),
				attribute.String("outcome", string(attempt.Outcome)),
			))
			c.logger.Warn("provider failed before first token, failing over",
				"provider", p.Name(),
				"outcome", attempt.Outcome,
				"error", err,
			)
		}
	}

	span.SetStatus(codes.Error, "chain exhausted")
	return Result{}, attempts, ErrChainExhausted
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// classifyFailure maps an Open or first-delta error onto an attempt outcome.
// Deadline errors count as timeouts so failover metrics separate slow
// backends from broken ones.
func classifyFailure(attempt *datatypes.ProviderAttempt, ctx context.Context, err error) {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		attempt.Outcome = datatypes.AttemptTimeout
	} else {
		attempt.Outcome = datatypes.AttemptError
	}
	attempt.Err = err.Error()
}

// streamOne runs a single provider attempt, filling outcome fields on
// attempt as a side effect.
func (c *Chain) streamOne(ctx context.Context, p Provider, pc datatypes.PromptContext, emit func(TokenDelta) error, attempt *datatypes.ProviderAttempt) (Result, error) {
	slot := c.slots[p.Name()]
	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	case <-ctx.Done():
		attempt.Outcome = datatypes.AttemptError
		attempt.Err = ctx.Err().Error()
		return Result{}, ctx.Err()
	}

	// The attempt context must live for the whole stream, so the first-token
	// bound is enforced by the timer below rather than a context deadline.
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle, err := p.Open(attemptCtx, pc)
	if err != nil {
		classifyFailure(attempt, attemptCtx, err)
		return Result{}, err
	}
	defer handle.Close()

	// Wait for the first delta off-goroutine so the first-token timeout can
	// fire even when Next blocks without observing context.
	firstCh := make(chan firstDelta, 1)
	go func() {
		d, nerr := handle.Next()
		firstCh <- firstDelta{delta: d, err: nerr}
	}()

	var first firstDelta
	if c.cfg.FirstTokenTimeout > 0 {
		timer := time.NewTimer(c.cfg.FirstTokenTimeout)
		defer timer.Stop()
		select {
		case first = <-firstCh:
		case <-timer.C:
			attempt.Outcome = datatypes.AttemptTimeout
			attempt.Err = "first token timeout"
			return Result{}, context.DeadlineExceeded
		case <-ctx.Done():
			attempt.Outcome = datatypes.AttemptError
			attempt.Err = ctx.Err().Error()
			return Result{}, ctx.Err()
		}
	} else {
		select {
		case first = <-firstCh:
		case <-ctx.Done():
			attempt.Outcome = datatypes.AttemptError
			attempt.Err = ctx.Err().Error()
			return Result{}, ctx.Err()
		}
	}

	if first.err != nil {
		if isEOF(first.err) {
			// Empty stream counts as a pre-first-token failure.
			attempt.Outcome = datatypes.AttemptError
			attempt.Err = "empty stream"
			return Result{}, fmt.Errorf("%s produced no tokens", p.Name())
		}
		classifyFailure(attempt, ctx, first.err)
		return Result{}, first.err
	}

	var (
		full   []byte
		tokens int
	)
	record := func(d TokenDelta) error {
		full = append(full, d.Text...)
		tokens++
		attempt.TokenCount = tokens
		attempt.PartialChars = len(full)
		return emit(d)
	}

	if err := record(first.delta); err != nil {
		attempt.Outcome = datatypes.AttemptError
		attempt.Err = err.Error()
		return Result{}, err
	}

	for {
		d, nerr := handle.Next()
		if nerr != nil {
			if isEOF(nerr) {
				attempt.Outcome = datatypes.AttemptSuccess
				return Result{Text: string(full), Provider: p.Name(), TokenCount: tokens}, nil
			}
			attempt.Outcome = datatypes.AttemptError
			attempt.Err = nerr.Error()
			return Result{}, nerr
		}
		if err := record(d); err != nil {
			attempt.Outcome = datatypes.AttemptError
			attempt.Err = err.Error()
			return Result{}, err
		}
	}
}
