// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the core conversation model: sessions, messages,
// provider attempts, evaluation results, and the durable transcript event
// record. For HTTP request/response types, see chat.go. For the SSE wire
// format, see stream.go.
package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Roles and Outcomes
// =============================================================================

const (
	// RoleUser marks a message authored by the person in the chat.
	RoleUser = "user"

	// RoleAssistant marks a message generated by the inference pipeline.
	RoleAssistant = "assistant"
)

// AttemptOutcome classifies how a single provider attempt ended.
type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "success"
	AttemptTimeout AttemptOutcome = "timeout"
	AttemptError   AttemptOutcome = "error"
)

// Verdict is the evaluator's gating decision for an assistant reply.
type Verdict string

const (
	// VerdictPass delivers the reply unmodified.
	VerdictPass Verdict = "pass"

	// VerdictFlag delivers the reply but annotates it for downstream review.
	VerdictFlag Verdict = "flag"

	// VerdictBlock withholds the reply and substitutes the crisis-resource
	// message.
	VerdictBlock Verdict = "block"
)

// Severity grades risk language detected by the evaluator.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// =============================================================================
// Session and Message
// =============================================================================

// Session is the durable identity of one conversation.
//
// # Description
//
// A Session binds an authenticated user to an ordered message history and a
// locale. Sessions are created on first turn and never deleted by the
// orchestrator (retention is an external collaborator's concern). The locale
// may be updated by locale detection; everything else is immutable.
//
// # Fields
//
//   - ID: Session identifier (UUID v4, generated server-side on first turn).
//   - UserID: Authenticated user identifier supplied by the auth boundary.
//   - Locale: BCP 47 language tag, e.g. "en" or "es". Default "en".
//   - CreatedAt: Unix milliseconds (UTC).
//
// # Assumptions
//
//   - UserID was validated upstream; the orchestrator never checks credentials.
type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Locale    string `json:"locale"`
	CreatedAt int64  `json:"created_at"`
}

// Message is one utterance in a session, immutable once persisted.
//
// # Description
//
// User messages are created before inference starts; assistant messages are
// created only after the terminal stream event. ProviderUsed and Evaluation
// are populated for assistant messages only.
//
// # Fields
//
//   - ID: Message identifier (UUID v4).
//   - SessionID: Owning session.
//   - Role: RoleUser or RoleAssistant.
//   - Content: Message text. For a blocked turn this is the substituted
//     crisis-resource text, never the model's raw output.
//   - CreatedAt: Unix milliseconds (UTC).
//   - ProviderUsed: Provider that produced the content (assistant only).
//   - Evaluation: Evaluator verdict for the content (assistant only).
type Message struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id"`
	Role         string            `json:"role"`
	Content      string            `json:"content"`
	CreatedAt    int64             `json:"created_at"`
	ProviderUsed string            `json:"provider_used,omitempty"`
	Evaluation   *EvaluationResult `json:"evaluation,omitempty"`
}

// NewMessage creates a Message with a generated ID and current timestamp.
func NewMessage(sessionID, role, content string) Message {
	return Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// =============================================================================
// Provider Attempts
// =============================================================================

// ProviderAttempt is the append-only audit record of one provider try.
//
// # Description
//
// One or more attempts exist per assistant message, ordered by Seq. The
// attempt trail feeds failover decisions and observability: a turn that
// failed over silently shows a failed attempt followed by a successful one;
// a mid-stream failure shows a final attempt with PartialChars > 0.
//
// # Fields
//
//   - Provider: Provider identifier ("openai", "ollama", "template").
//   - Seq: Position in the attempt order for this turn, starting at 1.
//   - StartedAt / EndedAt: Unix milliseconds (UTC).
//   - Outcome: success, timeout, or error.
//   - TokenCount: Deltas emitted by this provider before it ended.
//   - PartialChars: Characters already sent to the client when a mid-stream
//     failure occurred. Zero for pre-first-token failures and successes.
//   - Err: Sanitized error description for failed attempts.
type ProviderAttempt struct {
	Provider     string         `json:"provider"`
	Seq          int            `json:"seq"`
	StartedAt    int64          `json:"started_at"`
	EndedAt      int64          `json:"ended_at"`
	Outcome      AttemptOutcome `json:"outcome"`
	TokenCount   int            `json:"token_count"`
	PartialChars int            `json:"partial_chars,omitempty"`
	Err          string         `json:"error,omitempty"`
}

// =============================================================================
// Evaluation
// =============================================================================

// EvaluationIssue is one (issue, severity) pair found by the evaluator.
type EvaluationIssue struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
}

// EvaluationResult is the evaluator's scoring of an assistant reply.
//
// # Description
//
// One EvaluationResult exists per assistant message and is immutable once
// computed. Scores are in [0, 1]. When Verdict is VerdictBlock, Substituted
// is true and the delivered message is the crisis-resource text.
//
// # Fields
//
//   - Empathy: Density of empathy markers in the reply.
//   - Actionability: Density of actionable-guidance markers.
//   - DisclaimerPresent: Whether a required disclaimer phrase was found.
//   - Issues: Detected issues with severities, ordered by detection.
//   - Verdict: pass, flag, or block.
//   - Substituted: True when the crisis-resource message replaced the reply.
type EvaluationResult struct {
	Empathy           float64           `json:"empathy"`
	Actionability     float64           `json:"actionability"`
	DisclaimerPresent bool              `json:"disclaimer_present"`
	Issues            []EvaluationIssue `json:"issues,omitempty"`
	Verdict           Verdict           `json:"verdict"`
	Substituted       bool              `json:"substituted,omitempty"`
}

// =============================================================================
// Memory and Knowledge
// =============================================================================

// MemoryHighlight is a recalled fragment of a user's prior sessions.
//
// Created asynchronously by the memory service after a turn completes and
// read-only to the orchestrator.
type MemoryHighlight struct {
	Summary   string   `json:"summary"`
	Keywords  []string `json:"keywords"`
	Score     float64  `json:"score"`
	SessionID string   `json:"session_id"`
	CreatedAt int64    `json:"created_at"`
}

// KnowledgeSnippet is a short reference passage matched to the turn's topic.
type KnowledgeSnippet struct {
	Topic  string `json:"topic"`
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// TherapistRef is a read-only pointer into the therapist directory.
//
// The orchestrator never mutates directory entries; it only surfaces them as
// recommendation hints.
type TherapistRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Specialty string `json:"specialty,omitempty"`
}

// =============================================================================
// Transcript Events
// =============================================================================

// EventType identifies a transcript event record.
type EventType string

const (
	EventSessionEstablished EventType = "session_established"
	EventToken              EventType = "token"
	EventAnnotation         EventType = "annotation"
	EventComplete           EventType = "complete"
	EventError              EventType = "error"
)

// Annotation kinds carried by EventAnnotation records.
const (
	AnnotationRecommendation  = "recommendation"
	AnnotationMemoryHighlight = "memory_highlight"
)

// TranscriptEvent is the durable, ordered unit of record for a session.
//
// # Description
//
// The transcript event log is the source of truth for replay and
// idempotence: Message and EvaluationResult are projections derived from
// committed events. Sequence numbers are per-session, strictly increasing,
// and contiguous. A gap indicates a persistence fault that must be
// surfaced, never skipped.
//
// # Fields
//
//   - SessionID: Owning session.
//   - Seq: Per-session sequence number, starting at 1, contiguous.
//   - Type: Event type.
//   - Delta: Token text (EventToken only).
//   - Kind / Payload: Annotation kind and JSON payload (EventAnnotation only).
//   - Message / Evaluation: Final assistant message and verdict
//     (EventComplete only).
//   - Locale / Provider: Carried by EventSessionEstablished.
//   - Error: Sanitized reason (EventError only).
//   - CreatedAt: Unix milliseconds (UTC).
//   - Hash / PrevHash: SHA-256 chain for integrity verification.
type TranscriptEvent struct {
	SessionID  string            `json:"session_id"`
	Seq        uint64            `json:"seq"`
	Type       EventType         `json:"type"`
	Delta      string            `json:"delta,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Payload    string            `json:"payload,omitempty"`
	Message    *Message          `json:"message,omitempty"`
	Evaluation *EvaluationResult `json:"evaluation,omitempty"`
	Locale     string            `json:"locale,omitempty"`
	Provider   string            `json:"provider,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	Hash       string            `json:"hash,omitempty"`
	PrevHash   string            `json:"prev_hash,omitempty"`
}

// =============================================================================
// Turn Record
// =============================================================================

// TurnRecord is the completed-turn unit handed to the transcript committer.
//
// # Description
//
// The terminal stream event and the durability commit are independent
// consumers of the same TurnRecord; ordering between them is explicitly
// unguaranteed. A turn is only durably committed once both the relational
// index and the append-only event log acknowledge.
type TurnRecord struct {
	SessionID  string
	User       Message
	Assistant  Message
	Evaluation *EvaluationResult
	Attempts   []ProviderAttempt
	Events     []TranscriptEvent
}
