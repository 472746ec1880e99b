// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/havenmind/haven/services/session"
	"github.com/havenmind/haven/services/transcript"
)

// SessionsHandler serves session listing and transcript replay.
type SessionsHandler struct {
	sessions *session.Store
	store    *transcript.Store
	logger   *slog.Logger
}

func NewSessionsHandler(sessions *session.Store, store *transcript.Store, logger *slog.Logger) *SessionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionsHandler{sessions: sessions, store: store, logger: logger}
}

// List handles GET /v1/sessions: the caller's sessions, most recent first.
func (h *SessionsHandler) List(c *gin.Context) {
	got, err := h.sessions.List(c.Request.Context(), UserID(c))
	if err != nil {
		h.logger.Error("list sessions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sessions unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": got})
}

// Transcript handles GET /v1/sessions/:id/transcript: the full ordered
// event log replayed from durable storage.
func (h *SessionsHandler) Transcript(c *gin.Context) {
	id := c.Param("id")

	ses, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("load session", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session unavailable"})
		return
	}
	// Sessions are private to their owner.
	if ses.UserID != UserID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	events, err := h.store.Replay(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, transcript.ErrSequenceGap) {
			h.logger.Error("transcript integrity fault", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "transcript integrity fault"})
			return
		}
		h.logger.Error("replay transcript", "session_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transcript unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"locale":     ses.Locale,
		"events":     events,
	})
}
