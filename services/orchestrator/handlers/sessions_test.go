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
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
	"github.com/havenmind/haven/services/session"
	"github.com/havenmind/haven/services/transcript"
)

type sessionsHarness struct {
	sessions *session.Store
	store    *transcript.Store
	router   *gin.Engine
}

func newSessionsHarness(t *testing.T) *sessionsHarness {
	t.Helper()
	db, err := transcript.OpenDB(filepath.Join(t.TempDir(), "haven.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := transcript.New(transcript.Config{DB: db, InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sessions := session.NewStore(db)
	h := NewSessionsHandler(sessions, store, nil)

	r := gin.New()
	v1 := r.Group("/v1", RequireUser())
	v1.GET("/sessions", h.List)
	v1.GET("/sessions/:id/transcript", h.Transcript)

	return &sessionsHarness{sessions: sessions, store: store, router: r}
}

func (h *sessionsHarness) get(t *testing.T, user, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func TestSessionsList(t *testing.T) {
	h := newSessionsHarness(t)
	ctx := context.Background()

	a, err := h.sessions.FindOrCreate(ctx, "", "u1", "en")
	require.NoError(t, err)
	_, err = h.sessions.FindOrCreate(ctx, "", "u2", "en")
	require.NoError(t, err)

	w := h.get(t, "u1", "/v1/sessions")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Sessions []datatypes.SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, a.ID, resp.Sessions[0].ID)
}

func TestSessionsTranscript_Replay(t *testing.T) {
	h := newSessionsHarness(t)
	ctx := context.Background()

	ses, err := h.sessions.FindOrCreate(ctx, "", "u1", "en")
	require.NoError(t, err)
	events := []datatypes.TranscriptEvent{
		{SessionID: ses.ID, Seq: 1, Type: datatypes.EventSessionEstablished, Hash: "a", CreatedAt: time.Now().UnixMilli()},
		{SessionID: ses.ID, Seq: 2, Type: datatypes.EventToken, Delta: "hello", Hash: "b", PrevHash: "a", CreatedAt: time.Now().UnixMilli()},
		{SessionID: ses.ID, Seq: 3, Type: datatypes.EventComplete, Hash: "c", PrevHash: "b", CreatedAt: time.Now().UnixMilli()},
	}
	require.NoError(t, h.store.AppendEvents(ctx, events))

	w := h.get(t, "u1", "/v1/sessions/"+ses.ID+"/transcript")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		SessionID string                      `json:"session_id"`
		Events    []datatypes.TranscriptEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ses.ID, resp.SessionID)
	require.Len(t, resp.Events, 3)
	assert.Equal(t, events, resp.Events)
}

func TestSessionsTranscript_NotFoundAndForeign(t *testing.T) {
	h := newSessionsHarness(t)
	ctx := context.Background()

	w := h.get(t, "u1", "/v1/sessions/does-not-exist/transcript")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Another user's session looks identical to a missing one.
	ses, err := h.sessions.FindOrCreate(ctx, "", "u2", "en")
	require.NoError(t, err)
	w = h.get(t, "u1", "/v1/sessions/"+ses.ID+"/transcript")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessions_RequireUser(t *testing.T) {
	h := newSessionsHarness(t)
	w := h.get(t, "", "/v1/sessions")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
