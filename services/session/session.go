// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session manages chat sessions and the single-writer turn gate.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

// ErrTurnInFlight reports a second concurrent turn on the same session.
// Handlers map it to 409 Conflict.
var ErrTurnInFlight = errors.New("a turn is already in flight for this session")

// ErrSessionNotFound reports a lookup for an unknown session ID.
var ErrSessionNotFound = errors.New("session not found")

// Store reads and writes session rows on the shared SQLite handle.
//
// # Thread Safety
//
// Safe for concurrent use; SQLite serializes the writes.
type Store struct {
	db *sql.DB
}

// NewStore wraps the handle opened by transcript.OpenDB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// FindOrCreate returns the session with the given ID, creating it for the
// user when id is empty or unknown. A non-empty id belonging to a different
// user is rejected.
func (s *Store) FindOrCreate(ctx context.Context, id, userID, locale string) (datatypes.Session, error) {
	if id != "" {
		ses, err := s.Get(ctx, id)
		if err == nil {
			if ses.UserID != userID {
				return datatypes.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
			}
			return ses, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return datatypes.Session{}, err
		}
	}

	if locale == "" {
		locale = "en"
	}
	ses := datatypes.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Locale:    locale,
		CreatedAt: time.Now().UnixMilli(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, locale, created_at) VALUES (?, ?, ?, ?)`,
		ses.ID, ses.UserID, ses.Locale, ses.CreatedAt,
	)
	if err != nil {
		return datatypes.Session{}, fmt.Errorf("create session: %w", err)
	}
	return ses, nil
}

// Get returns one session by ID.
func (s *Store) Get(ctx context.Context, id string) (datatypes.Session, error) {
	var ses datatypes.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, locale, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&ses.ID, &ses.UserID, &ses.Locale, &ses.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return datatypes.Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return datatypes.Session{}, fmt.Errorf("query session: %w", err)
	}
	return ses, nil
}

// SetLocale updates the stored locale after detection resolves it.
func (s *Store) SetLocale(ctx context.Context, id, locale string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET locale = ? WHERE id = ?`, locale, id)
	if err != nil {
		return fmt.Errorf("update locale: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// List returns the user's sessions, most recent first, with message counts.
func (s *Store) List(ctx context.Context, userID string) ([]datatypes.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.locale, s.created_at,
		       COUNT(m.id), COALESCE(MAX(m.created_at), s.created_at)
		FROM sessions s
		LEFT JOIN messages m ON m.session_id = s.id
		WHERE s.user_id = ?
		GROUP BY s.id
		ORDER BY COALESCE(MAX(m.created_at), s.created_at) DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []datatypes.SessionSummary
	for rows.Next() {
		var sum datatypes.SessionSummary
		if err := rows.Scan(&sum.ID, &sum.UserID, &sum.Locale, &sum.CreatedAt,
			&sum.MessageCount, &sum.LastActivity); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// =============================================================================
// Turn gate
// =============================================================================

// TurnGate enforces one in-flight turn per session.
//
// # Description
//
// Begin reserves the session and returns a release func; a second Begin
// before release fails with ErrTurnInFlight. Rejection was chosen over
// queueing: a queued duplicate from an impatient client would produce two
// replies to the same message, which is worse than a clean 409 the client
// can retry.
//
// # Thread Safety
//
// Safe for concurrent use.
type TurnGate struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewTurnGate() *TurnGate {
	return &TurnGate{inFlight: make(map[string]struct{})}
}

// Begin reserves sessionID. The returned release func is idempotent.
func (g *TurnGate) Begin(sessionID string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inFlight[sessionID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrTurnInFlight, sessionID)
	}
	g.inFlight[sessionID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlight, sessionID)
			g.mu.Unlock()
		})
	}, nil
}

// Active reports whether a turn is in flight for sessionID.
func (g *TurnGate) Active(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.inFlight[sessionID]
	return busy
}
