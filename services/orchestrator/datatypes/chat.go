// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains request and response types for the chat endpoints.
// For the core conversation model, see turn.go.
package datatypes

import (
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single user message.
	// Byte length, not rune count, to bound memory on hostile payloads.
	MaxMessageContentBytes = 32 * 1024 // 32KB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on a string field.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Chat Request
// =============================================================================

// ChatRequest is the body of one inbound chat turn.
//
// # Description
//
// ChatRequest drives both POST /v1/chat (synchronous) and
// POST /v1/chat/stream (SSE). SessionID is optional: an empty value starts a
// new session; a known value continues it. At most one turn may be in flight
// per session at a time. A second concurrent turn is rejected with 409.
//
// # Fields
//
//   - RequestID: Optional UUID v4 for tracing; generated when absent.
//   - SessionID: Optional session to continue.
//   - Message: Required. The user's utterance, at most 32KB.
//   - Locale: Optional BCP 47 hint; overrides detection when provided.
//
// # Validation
//
//   - Message: required, maxbytes (32KB)
//   - RequestID: uuid4 when present
//
// # Assumptions
//
//   - The authenticated user ID arrives via the auth boundary header, not
//     the body.
type ChatRequest struct {
	RequestID string `json:"request_id" validate:"omitempty,uuid4"`
	SessionID string `json:"session_id"`
	Message   string `json:"message" validate:"required,maxbytes"`
	Locale    string `json:"locale" validate:"omitempty,bcp47_language_tag"`
}

// Validate validates the ChatRequest fields after JSON binding.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// EnsureDefaults populates RequestID when the client omitted it.
func (r *ChatRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.New().String()
	}
}

// =============================================================================
// Synchronous Chat Response
// =============================================================================

// ChatResponse is the non-streaming equivalent of the terminal stream event.
//
// # Description
//
// Synchronous callers receive the same fields a streaming client assembles
// from `complete` (or `error`): the final message, its evaluation, and any
// side-channel annotations gathered during the turn.
//
// # Fields
//
//   - SessionID: Session the turn belongs to (newly created when the request
//     carried none).
//   - Locale: Session locale after detection.
//   - Message: Final assistant message; nil when Error is set.
//   - Evaluation: Evaluator result for the delivered text.
//   - Recommendations: Therapist recommendation hints, possibly empty.
//   - Highlights: Memory highlights used for this turn, possibly empty.
//   - Error: Sanitized failure reason; set only when the turn failed.
//   - ProcessingTimeMs: Wall time for the turn.
type ChatResponse struct {
	SessionID        string            `json:"session_id"`
	Locale           string            `json:"locale,omitempty"`
	Message          *Message          `json:"message,omitempty"`
	Evaluation       *EvaluationResult `json:"evaluation,omitempty"`
	Recommendations  []TherapistRef    `json:"recommendations,omitempty"`
	Highlights       []MemoryHighlight `json:"highlights,omitempty"`
	Error            string            `json:"error,omitempty"`
	ProcessingTimeMs int64             `json:"processing_time_ms,omitempty"`
}

// =============================================================================
// Session Listing
// =============================================================================

// SessionSummary is one row of GET /v1/sessions.
type SessionSummary struct {
	Session
	MessageCount int   `json:"message_count"`
	LastActivity int64 `json:"last_activity"`
}
