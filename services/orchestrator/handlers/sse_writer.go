// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

// SSEWriter emits the turn's event stream and accumulates the transcript.
//
// # Description
//
// Every event gets the session's next contiguous sequence number and is
// hash-chained to its predecessor before being written to the wire. When
// the client disconnects mid-stream the writer keeps accepting events and
// recording them for the transcript; only the network write is skipped.
// Durability never depends on the client staying connected.
//
// # Thread Safety
//
// Safe for concurrent use; the heartbeat goroutine shares the writer with
// the dispatch loop.
type SSEWriter interface {
	WriteEstablished(ses datatypes.Session, provider string) error
	WriteToken(delta string) error
	WriteAnnotation(kind string, payload any) error
	WriteComplete(msg datatypes.Message, eval *datatypes.EvaluationResult) error
	WriteError(reason string) error
	WriteKeepAlive()

	// Events returns the transcript events recorded so far, in order.
	Events() []datatypes.TranscriptEvent

	// ClientGone reports whether a wire write has failed.
	ClientGone() bool
}

// SetSSEHeaders prepares w for an event stream response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

type sseWriter struct {
	mu         sync.Mutex
	w          http.ResponseWriter
	flusher    http.Flusher
	sessionID  string
	seq        uint64
	prevHash   string
	events     []datatypes.TranscriptEvent
	clientGone bool
	now        func() time.Time
}

var _ SSEWriter = (*sseWriter)(nil)

// newSSEWriter seeds the writer at the session's next free sequence number
// so numbering stays contiguous across turns.
func newSSEWriter(w http.ResponseWriter, sessionID string, nextSeq uint64, prevHash string) *sseWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{
		w:         w,
		flusher:   flusher,
		sessionID: sessionID,
		seq:       nextSeq,
		prevHash:  prevHash,
		now:       time.Now,
	}
}

// chainHash links an event to its predecessor. The hash covers the previous
// hash plus the event's identifying fields and content, so any reordering
// or tampering breaks the chain on verification.
func chainHash(prevHash string, ev datatypes.StreamEvent) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(ev.SessionID))
	h.Write([]byte(fmt.Sprintf("%d", ev.Seq)))
	h.Write([]byte(ev.Type))
	h.Write([]byte(ev.Locale))
	h.Write([]byte(ev.Provider))
	h.Write([]byte(ev.Delta))
	h.Write([]byte(ev.Kind))
	h.Write([]byte(ev.Payload))
	if ev.Message != nil {
		raw, _ := json.Marshal(ev.Message)
		h.Write(raw)
	}
	if ev.Evaluation != nil {
		raw, _ := json.Marshal(ev.Evaluation)
		h.Write(raw)
	}
	h.Write([]byte(ev.Error))
	return hex.EncodeToString(h.Sum(nil))
}

// emit assigns seq and hash, records the event, and writes it to the wire
// unless the client is gone.
func (s *sseWriter) emit(ev datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev.SessionID = s.sessionID
	ev.Seq = s.seq
	ev.CreatedAt = s.now().UnixMilli()
	ev.PrevHash = s.prevHash
	ev.Hash = chainHash(s.prevHash, ev)

	s.seq++
	s.prevHash = ev.Hash
	s.events = append(s.events, ev.Transcript())

	if s.clientGone {
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		// Keep recording for the transcript; just stop writing.
		s.clientGone = true
		return nil
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) WriteEstablished(ses datatypes.Session, provider string) error {
	return s.emit(datatypes.StreamEvent{
		Type:     datatypes.EventSessionEstablished,
		Locale:   ses.Locale,
		Provider: provider,
	})
}

func (s *sseWriter) WriteToken(delta string) error {
	return s.emit(datatypes.StreamEvent{Type: datatypes.EventToken, Delta: delta})
}

func (s *sseWriter) WriteAnnotation(kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal annotation payload: %w", err)
	}
	return s.emit(datatypes.StreamEvent{
		Type:    datatypes.EventAnnotation,
		Kind:    kind,
		Payload: string(raw),
	})
}

func (s *sseWriter) WriteComplete(msg datatypes.Message, eval *datatypes.EvaluationResult) error {
	return s.emit(datatypes.StreamEvent{
		Type:       datatypes.EventComplete,
		Message:    &msg,
		Evaluation: eval,
	})
}

func (s *sseWriter) WriteError(reason string) error {
	return s.emit(datatypes.StreamEvent{Type: datatypes.EventError, Error: reason})
}

// WriteKeepAlive sends an SSE comment line. Comments carry no sequence
// number and are never recorded; they only keep intermediaries from timing
// out an idle connection.
func (s *sseWriter) WriteKeepAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientGone {
		return
	}
	if _, err := fmt.Fprint(s.w, ": keep-alive\n\n"); err != nil {
		s.clientGone = true
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *sseWriter) Events() []datatypes.TranscriptEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]datatypes.TranscriptEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *sseWriter) ClientGone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientGone
}
