// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package assembler builds the prompt context for a turn.
//
// Lookups against memory, knowledge, and the therapist directory run
// concurrently, each under its own timeout. A slow or failing lookup
// degrades to an empty section; assembly itself never fails, so inference
// always starts with a valid prompt.
package assembler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

var asmTracer = otel.Tracer("haven.assembler")

// Recaller recalls memory highlights for a user.
type Recaller interface {
	Recall(ctx context.Context, userID, query string, limit int) ([]datatypes.MemoryHighlight, error)
}

// Retriever retrieves knowledge snippets for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]datatypes.KnowledgeSnippet, error)
}

// Directory matches therapist refs for recommendation hints.
type Directory interface {
	Match(ctx context.Context, specialty string, limit int) ([]datatypes.TherapistRef, error)
}

// Config tunes lookup bounds and the prompt budget.
type Config struct {
	// LookupTimeout bounds each lookup independently. Zero means 300ms.
	LookupTimeout time.Duration

	// TokenBudget caps the estimated prompt size. Zero means 2048.
	TokenBudget int

	// HistoryTurns is the number of recent messages included. Zero means 10.
	HistoryTurns int

	MemoryLimit    int // default 3
	KnowledgeLimit int // default 2
	HintLimit      int // default 2
}

func (c Config) withDefaults() Config {
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 300 * time.Millisecond
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = 2048
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 10
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 3
	}
	if c.KnowledgeLimit <= 0 {
		c.KnowledgeLimit = 2
	}
	if c.HintLimit <= 0 {
		c.HintLimit = 2
	}
	return c
}

const systemPrompt = "You are Haven, a warm, non-judgmental emotional support " +
	"companion. Listen reflectively, validate the user's feelings, and offer at " +
	"most one small concrete step. You are not a clinician: include a brief " +
	"reminder that this is general support, not medical advice, when the " +
	"conversation touches health or treatment. If the user mentions self-harm " +
	"or suicide, gently direct them to a crisis line and emergency services. " +
	"Reply in the user's language."

// Assembler builds prompt contexts.
//
// # Thread Safety
//
// Safe for concurrent use across sessions.
type Assembler struct {
	cfg       Config
	memory    Recaller
	knowledge Retriever
	directory Directory
	logger    *slog.Logger
}

// New builds an Assembler. memory, knowledge, and directory may each be nil,
// which disables that section.
func New(cfg Config, memory Recaller, knowledge Retriever, directory Directory, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{cfg: cfg.withDefaults(), memory: memory, knowledge: knowledge, directory: directory, logger: logger}
}

// Assemble builds the prompt context for one turn.
//
// # Description
//
// The three lookups run concurrently; each gets its own LookupTimeout
// derived from ctx, and a timeout or error leaves that section empty. The
// result is then trimmed to the token budget, dropping sections in fixed
// priority order: hints first, then highlights, then knowledge, then the
// oldest history. The system prompt and the user text are never dropped.
func (a *Assembler) Assemble(ctx context.Context, ses datatypes.Session, history []datatypes.Message, userText string) datatypes.PromptContext {
	ctx, span := asmTracer.Start(ctx, "assembler.assemble")
	defer span.End()

	if len(history) > a.cfg.HistoryTurns {
		history = history[len(history)-a.cfg.HistoryTurns:]
	}

	pc := datatypes.PromptContext{
		System:      systemPrompt,
		RecentTurns: history,
		UserText:    userText,
		Locale:      ses.Locale,
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.memory != nil {
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(gctx, a.cfg.LookupTimeout)
			defer cancel()
			got, err := a.memory.Recall(lctx, ses.UserID, userText, a.cfg.MemoryLimit)
			if err != nil {
				a.logger.Warn("memory recall degraded", "session_id", ses.ID, "error", err)
				return nil
			}
			pc.Highlights = got
			return nil
		})
	}
	if a.knowledge != nil {
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(gctx, a.cfg.LookupTimeout)
			defer cancel()
			got, err := a.knowledge.Retrieve(lctx, userText, a.cfg.KnowledgeLimit)
			if err != nil {
				a.logger.Warn("knowledge retrieval degraded", "session_id", ses.ID, "error", err)
				return nil
			}
			pc.Knowledge = got
			return nil
		})
	}
	if a.directory != nil {
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(gctx, a.cfg.LookupTimeout)
			defer cancel()
			got, err := a.directory.Match(lctx, "", a.cfg.HintLimit)
			if err != nil {
				a.logger.Warn("directory match degraded", "session_id", ses.ID, "error", err)
				return nil
			}
			pc.Hints = got
			return nil
		})
	}

	// Lookup funcs swallow their errors, so Wait only synchronizes.
	_ = g.Wait()

	a.truncate(&pc)
	span.SetAttributes(
		attribute.Int("prompt.highlights", len(pc.Highlights)),
		attribute.Int("prompt.knowledge", len(pc.Knowledge)),
		attribute.Int("prompt.tokens_estimated", pc.TokenEstimate()),
	)
	return pc
}

// truncate drops sections in priority order until the estimate fits.
func (a *Assembler) truncate(pc *datatypes.PromptContext) {
	if pc.TokenEstimate() <= a.cfg.TokenBudget {
		return
	}
	pc.Hints = nil
	if pc.TokenEstimate() <= a.cfg.TokenBudget {
		return
	}
	pc.Highlights = nil
	if pc.TokenEstimate() <= a.cfg.TokenBudget {
		return
	}
	pc.Knowledge = nil
	for pc.TokenEstimate() > a.cfg.TokenBudget && len(pc.RecentTurns) > 0 {
		pc.RecentTurns = pc.RecentTurns[1:]
	}
	if pc.TokenEstimate() > a.cfg.TokenBudget {
		a.logger.Warn("prompt over budget after truncation",
			"estimated", pc.TokenEstimate(),
			"budget", a.cfg.TokenBudget,
		)
	}
}

// SpecialtyFor maps detected issues to a directory specialty string.
func SpecialtyFor(issues []datatypes.EvaluationIssue) string {
	for _, is := range issues {
		if is.Code == "risk_language" {
			return "crisis"
		}
	}
	return ""
}
