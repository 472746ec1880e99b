// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the SSE wire format for the streaming chat endpoint.
package datatypes

// StreamEvent is one Server-Sent Event on the streaming chat wire.
//
// # Description
//
// The wire order per turn is strict:
//
//  1. exactly one session_established
//  2. zero or more token events, strictly ordered, no gaps
//  3. zero or more annotation events, which may interleave with tokens but
//     never reorder tokens relative to each other
//  4. exactly one terminal event: complete or error
//
// Every event carries the per-session sequence number assigned by the
// dispatcher; Seq values a client observes within one session are strictly
// increasing. Hash and PrevHash form a SHA-256 chain over event content so a
// client (or auditor) can verify nothing was dropped or reordered.
//
// # Fields
//
// Which fields are populated depends on Type; unset fields are omitted from
// the JSON. Seq, SessionID, CreatedAt, Hash, and PrevHash are always set.
type StreamEvent struct {
	Type       EventType         `json:"type"`
	Seq        uint64            `json:"seq"`
	SessionID  string            `json:"session_id"`
	Locale     string            `json:"locale,omitempty"`
	Provider   string            `json:"provider_candidate,omitempty"`
	Delta      string            `json:"delta,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Payload    string            `json:"payload,omitempty"`
	Message    *Message          `json:"message,omitempty"`
	Evaluation *EvaluationResult `json:"evaluation,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  int64             `json:"created_at"`
	Hash       string            `json:"hash,omitempty"`
	PrevHash   string            `json:"prev_hash,omitempty"`
}

// Transcript converts the wire event to its durable transcript record.
//
// The two shapes are identical field-for-field; the durable log
// is the source of truth and the wire event is its live projection.
func (e StreamEvent) Transcript() TranscriptEvent {
	return TranscriptEvent{
		SessionID:  e.SessionID,
		Seq:        e.Seq,
		Type:       e.Type,
		Delta:      e.Delta,
		Kind:       e.Kind,
		Payload:    e.Payload,
		Message:    e.Message,
		Evaluation: e.Evaluation,
		Locale:     e.Locale,
		Provider:   e.Provider,
		Error:      e.Error,
		CreatedAt:  e.CreatedAt,
		Hash:       e.Hash,
		PrevHash:   e.PrevHash,
	}
}
