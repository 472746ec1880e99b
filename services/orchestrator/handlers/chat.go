// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/havenmind/haven/services/assembler"
	"github.com/havenmind/haven/services/evaluator"
	"github.com/havenmind/haven/services/memory"
	"github.com/havenmind/haven/services/orchestrator/datatypes"
	"github.com/havenmind/haven/services/orchestrator/observability"
	"github.com/havenmind/haven/services/provider"
	"github.com/havenmind/haven/services/session"
	"github.com/havenmind/haven/services/transcript"
)

var chatTracer = otel.Tracer("haven.orchestrator.handlers.chat")

// ChatConfig tunes per-turn behavior.
type ChatConfig struct {
	// Heartbeat is the keep-alive comment interval. Zero means 15s.
	Heartbeat time.Duration

	// TurnTimeout bounds one whole turn including failover. Zero means 2m.
	TurnTimeout time.Duration

	// HistoryLimit is the number of messages loaded for context. Zero
	// means 10.
	HistoryLimit int
}

func (c ChatConfig) withDefaults() ChatConfig {
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 2 * time.Minute
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	return c
}

// tailCache remembers each session's event tail between turns, because the
// committer may not have flushed the previous turn yet when the next one
// starts. The store is only consulted on cold entries.
type tailCache struct {
	mu    sync.Mutex
	tails map[string]tail
}

type tail struct {
	seq  uint64
	hash string
}

func (t *tailCache) get(sessionID string) (tail, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.tails[sessionID]
	return v, ok
}

func (t *tailCache) set(sessionID string, v tail) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tails[sessionID] = v
}

// evict drops a session's entry once the durable tail has caught up to it.
// An entry that has already advanced past uptoSeq belongs to a later,
// still-uncommitted turn and must stay.
func (t *tailCache) evict(sessionID string, uptoSeq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.tails[sessionID]; ok && v.seq <= uptoSeq {
		delete(t.tails, sessionID)
	}
}

// ChatHandler serves the chat endpoints.
//
// # Description
//
// One handler instance serves all sessions. Per-session ordering comes from
// the turn gate; everything else here is stateless apart from the tail
// cache.
type ChatHandler struct {
	cfg       ChatConfig
	sessions  *session.Store
	gate      *session.TurnGate
	store     *transcript.Store
	committer *transcript.Committer
	asm       *assembler.Assembler
	chain     *provider.Chain
	eval      *evaluator.Evaluator
	mem       *memory.Service
	directory memory.TherapistDirectory
	metrics   *observability.Metrics
	logger    *slog.Logger
	tails     tailCache
}

// NewChatHandler wires the turn pipeline.
func NewChatHandler(
	cfg ChatConfig,
	sessions *session.Store,
	gate *session.TurnGate,
	store *transcript.Store,
	committer *transcript.Committer,
	asm *assembler.Assembler,
	chain *provider.Chain,
	eval *evaluator.Evaluator,
	mem *memory.Service,
	directory memory.TherapistDirectory,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		cfg:       cfg.withDefaults(),
		sessions:  sessions,
		gate:      gate,
		store:     store,
		committer: committer,
		asm:       asm,
		chain:     chain,
		eval:      eval,
		mem:       mem,
		directory: directory,
		metrics:   metrics,
		logger:    logger,
		tails:     tailCache{tails: make(map[string]tail)},
	}
}

// ForgetTail releases a session's cached tail after its events are durable
// through seq. Wired to the committer's commit confirmation so the cache
// only holds sessions with uncommitted turns.
func (h *ChatHandler) ForgetTail(sessionID string, seq uint64) {
	h.tails.evict(sessionID, seq)
}

// sessionTail returns the next sequence number and chain hash for a session.
func (h *ChatHandler) sessionTail(ctx context.Context, sessionID string) (uint64, string, error) {
	if v, ok := h.tails.get(sessionID); ok {
		return v.seq + 1, v.hash, nil
	}
	seq, hash, err := h.store.Tail(ctx, sessionID)
	if err != nil {
		return 0, "", err
	}
	return seq + 1, hash, nil
}

// sanitizeStreamError maps internal failures onto client-safe reasons.
func sanitizeStreamError(err error) string {
	switch {
	case errors.Is(err, provider.ErrMidStream):
		return "generation interrupted, please retry"
	case errors.Is(err, provider.ErrChainExhausted):
		return "no inference backend available"
	case errors.Is(err, context.DeadlineExceeded):
		return "generation timed out"
	default:
		return "internal error"
	}
}

// ChatStream handles POST /v1/chat/stream.
//
// # Description
//
// Emits the turn as Server-Sent Events: session_established, token*,
// annotation*, then exactly one of complete or error. Client disconnect
// does not abort the turn; generation drains and the transcript commits
// regardless.
func (h *ChatHandler) ChatStream(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "handlers.chat_stream")
	defer span.End()
	start := time.Now()

	// Step 1: Validate the request.
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.countRequest("chat_stream", http.StatusBadRequest)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		h.countRequest("chat_stream", http.StatusBadRequest)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.EnsureDefaults()
	userID := UserID(c)

	// Step 2: Resolve locale and session.
	locale := req.Locale
	if locale == "" {
		locale = DetectLocale(req.Message)
	}
	ses, err := h.sessions.FindOrCreate(ctx, req.SessionID, userID, locale)
	if err != nil {
		h.countRequest("chat_stream", http.StatusInternalServerError)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
		return
	}
	if req.Locale != "" && req.Locale != ses.Locale {
		if err := h.sessions.SetLocale(ctx, ses.ID, req.Locale); err == nil {
			ses.Locale = req.Locale
		}
	}

	// Step 3: Admit exactly one turn per session.
	release, err := h.gate.Begin(ses.ID)
	if err != nil {
		h.countRequest("chat_stream", http.StatusConflict)
		c.JSON(http.StatusConflict, gin.H{"error": "a turn is already in flight", "session_id": ses.ID})
		return
	}
	defer release()

	// Step 4: Open the event stream at the session's next sequence number.
	nextSeq, prevHash, err := h.sessionTail(ctx, ses.ID)
	if err != nil {
		h.countRequest("chat_stream", http.StatusInternalServerError)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transcript unavailable"})
		return
	}
	SetSSEHeaders(c.Writer)
	writer := newSSEWriter(c.Writer, ses.ID, nextSeq, prevHash)

	span.SetAttributes(
		attribute.String("session.id", ses.ID),
		attribute.String("session.locale", ses.Locale),
	)
	if h.metrics != nil {
		h.metrics.ActiveStreams.Inc()
		defer h.metrics.ActiveStreams.Dec()
	}

	// Step 5: Keep idle connections alive while providers warm up.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go func() {
		ticker := time.NewTicker(h.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writer.WriteKeepAlive()
			case <-heartbeatDone:
				return
			}
		}
	}()

	if err := writer.WriteEstablished(ses, h.chain.Names()[0]); err != nil {
		h.logger.Error("write established event", "session_id", ses.ID, "error", err)
	}

	// Step 6: Run the turn detached from the request context so a client
	// disconnect drains instead of aborting.
	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.TurnTimeout)
	defer cancel()
	h.runTurn(turnCtx, ses, userID, req, writer, start)
	h.countRequest("chat_stream", http.StatusOK)
}

// runTurn executes assembly, inference, evaluation, and persistence,
// emitting through writer. Shared by the streaming and synchronous paths.
func (h *ChatHandler) runTurn(ctx context.Context, ses datatypes.Session, userID string, req datatypes.ChatRequest, writer SSEWriter, start time.Time) (datatypes.Message, *datatypes.EvaluationResult) {
	// Assemble the prompt from history plus bounded lookups.
	history, err := h.store.History(ctx, ses.ID, h.cfg.HistoryLimit)
	if err != nil {
		h.logger.Warn("history load degraded", "session_id", ses.ID, "error", err)
	}
	pc := h.asm.Assemble(ctx, ses, history, req.Message)

	// The user message exists before inference starts, so its timestamp
	// always precedes the assistant's.
	userMsg := datatypes.NewMessage(ses.ID, datatypes.RoleUser, req.Message)

	// Stream tokens through the provider chain.
	var firstToken sync.Once
	res, attempts, err := h.chain.Stream(ctx, pc, func(d provider.TokenDelta) error {
		firstToken.Do(func() {
			if h.metrics != nil {
				h.metrics.TimeToFirstToken.Observe(time.Since(start).Seconds())
			}
		})
		return writer.WriteToken(d.Text)
	})
	h.recordAttempts(attempts)

	if err != nil {
		reason := sanitizeStreamError(err)
		h.logger.Error("turn failed",
			"session_id", ses.ID,
			"attempts", len(attempts),
			"error", err,
		)
		if werr := writer.WriteError(reason); werr != nil {
			h.logger.Error("write error event", "session_id", ses.ID, "error", werr)
		}
		h.commitTurn(ses, userMsg, datatypes.Message{}, nil, attempts, writer)
		return datatypes.Message{}, nil
	}

	// Gate the reply before the terminal event.
	eval := h.eval.ScoreTurn(req.Message, res.Text)
	content := res.Text
	if eval.Verdict == datatypes.VerdictBlock {
		content = h.eval.CrisisReply(ses.Locale)
	}
	if h.metrics != nil {
		h.metrics.EvaluatorVerdicts.WithLabelValues(string(eval.Verdict)).Inc()
	}

	// Annotations: surface context the turn used, and referrals on risk.
	if len(pc.Highlights) > 0 {
		if werr := writer.WriteAnnotation(datatypes.AnnotationMemoryHighlight, pc.Highlights); werr != nil {
			h.logger.Warn("write highlight annotation", "session_id", ses.ID, "error", werr)
		}
	}
	if spec := assembler.SpecialtyFor(eval.Issues); spec != "" && h.directory != nil {
		refs, derr := h.directory.Match(ctx, spec, 2)
		if derr == nil && len(refs) > 0 {
			if werr := writer.WriteAnnotation(datatypes.AnnotationRecommendation, refs); werr != nil {
				h.logger.Warn("write recommendation annotation", "session_id", ses.ID, "error", werr)
			}
		}
	}

	asst := datatypes.NewMessage(ses.ID, datatypes.RoleAssistant, content)
	asst.ProviderUsed = res.Provider
	asst.Evaluation = &eval
	if werr := writer.WriteComplete(asst, &eval); werr != nil {
		h.logger.Error("write complete event", "session_id", ses.ID, "error", werr)
	}

	h.commitTurn(ses, userMsg, asst, &eval, attempts, writer)
	if h.mem != nil {
		h.mem.Record(ses.ID, userID, req.Message)
	}
	if h.metrics != nil {
		h.metrics.StreamDuration.Observe(time.Since(start).Seconds())
	}
	return asst, &eval
}

// commitTurn hands the finished turn to the background committer and
// advances the in-process tail.
func (h *ChatHandler) commitTurn(ses datatypes.Session, user, asst datatypes.Message, eval *datatypes.EvaluationResult, attempts []datatypes.ProviderAttempt, writer SSEWriter) {
	events := writer.Events()
	if len(events) > 0 {
		last := events[len(events)-1]
		h.tails.set(ses.ID, tail{seq: last.Seq, hash: last.Hash})
	}
	rec := datatypes.TurnRecord{
		SessionID:  ses.ID,
		User:       user,
		Assistant:  asst,
		Evaluation: eval,
		Attempts:   attempts,
		Events:     events,
	}
	if err := h.committer.Enqueue(rec); err != nil {
		h.logger.Error("enqueue turn commit", "session_id", ses.ID, "error", err)
	}
}

func (h *ChatHandler) recordAttempts(attempts []datatypes.ProviderAttempt) {
	if h.metrics == nil {
		return
	}
	for _, a := range attempts {
		h.metrics.ProviderAttempts.WithLabelValues(a.Provider, string(a.Outcome)).Inc()
	}
	h.metrics.RecordAttempts(len(attempts))
}

func (h *ChatHandler) countRequest(endpoint string, status int) {
	if h.metrics == nil {
		return
	}
	h.metrics.RequestsTotal.WithLabelValues(endpoint, http.StatusText(status)).Inc()
}

// Chat handles POST /v1/chat, the synchronous variant.
//
// The whole pipeline runs identically, recording transcript events through
// an off-wire recorder, and the reply returns as one JSON document.
func (h *ChatHandler) Chat(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "handlers.chat")
	defer span.End()
	start := time.Now()

	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.countRequest("chat", http.StatusBadRequest)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		h.countRequest("chat", http.StatusBadRequest)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.EnsureDefaults()
	userID := UserID(c)

	locale := req.Locale
	if locale == "" {
		locale = DetectLocale(req.Message)
	}
	ses, err := h.sessions.FindOrCreate(ctx, req.SessionID, userID, locale)
	if err != nil {
		h.countRequest("chat", http.StatusInternalServerError)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
		return
	}

	release, err := h.gate.Begin(ses.ID)
	if err != nil {
		h.countRequest("chat", http.StatusConflict)
		c.JSON(http.StatusConflict, gin.H{"error": "a turn is already in flight", "session_id": ses.ID})
		return
	}
	defer release()

	nextSeq, prevHash, err := h.sessionTail(ctx, ses.ID)
	if err != nil {
		h.countRequest("chat", http.StatusInternalServerError)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transcript unavailable"})
		return
	}
	recorder := newEventRecorder(ses.ID, nextSeq, prevHash)
	_ = recorder.WriteEstablished(ses, h.chain.Names()[0])

	turnCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.TurnTimeout)
	defer cancel()
	asst, eval := h.runTurn(turnCtx, ses, userID, req, recorder, start)

	if asst.ID == "" {
		h.countRequest("chat", http.StatusBadGateway)
		c.JSON(http.StatusBadGateway, datatypes.ChatResponse{
			SessionID: ses.ID,
			Locale:    ses.Locale,
			Error:     "reply unavailable, please retry",
		})
		return
	}

	recs, highlights := annotationsFrom(recorder.Events())
	h.countRequest("chat", http.StatusOK)
	c.JSON(http.StatusOK, datatypes.ChatResponse{
		SessionID:        ses.ID,
		Locale:           ses.Locale,
		Message:          &asst,
		Evaluation:       eval,
		Recommendations:  recs,
		Highlights:       highlights,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	})
}

// annotationsFrom projects annotation events back into their typed payloads
// for the synchronous response.
func annotationsFrom(events []datatypes.TranscriptEvent) ([]datatypes.TherapistRef, []datatypes.MemoryHighlight) {
	var recs []datatypes.TherapistRef
	var highlights []datatypes.MemoryHighlight
	for _, ev := range events {
		if ev.Type != datatypes.EventAnnotation {
			continue
		}
		switch ev.Kind {
		case datatypes.AnnotationRecommendation:
			_ = json.Unmarshal([]byte(ev.Payload), &recs)
		case datatypes.AnnotationMemoryHighlight:
			_ = json.Unmarshal([]byte(ev.Payload), &highlights)
		}
	}
	return recs, highlights
}

// newEventRecorder builds an SSEWriter that records transcript events
// without a wire. Used by the synchronous endpoint.
func newEventRecorder(sessionID string, nextSeq uint64, prevHash string) SSEWriter {
	w := newSSEWriter(nil, sessionID, nextSeq, prevHash)
	w.clientGone = true
	return w
}
