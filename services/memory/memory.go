// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory provides contextual recall across a user's sessions.
//
// Recall is a deterministic keyword-overlap match with recency decay over
// the highlights table; highlight writes happen off the request path so a
// slow disk never delays a reply.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

// stopwords are excluded from keyword extraction. English and Spanish
// function words only; anything longer-tailed is not worth the table.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"been": {}, "but": {}, "by": {}, "for": {}, "from": {}, "had": {},
	"has": {}, "have": {}, "i": {}, "in": {}, "is": {}, "it": {}, "its": {},
	"just": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "so": {},
	"that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "were": {},
	"with": {}, "you": {}, "your": {}, "really": {}, "very": {}, "been.": {},
	"el": {}, "la": {}, "los": {}, "las": {}, "un": {}, "una": {}, "y": {},
	"o": {}, "de": {}, "del": {}, "en": {}, "que": {}, "es": {}, "mi": {},
	"me.": {}, "muy": {}, "con": {}, "por": {}, "para": {},
}

// halfLife controls recency decay: a highlight's score halves every 14 days.
const halfLife = 14 * 24 * time.Hour

// recallWindow bounds how many recent highlights are scored per recall.
const recallWindow = 200

// Service records and recalls per-user memory highlights.
//
// # Thread Safety
//
// Safe for concurrent use. Record is asynchronous; Wait drains in-flight
// writes and exists for shutdown and tests.
type Service struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewService wraps the shared SQLite handle.
func NewService(db *sql.DB, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, logger: logger, now: time.Now}
}

// Keywords extracts lowercased content words from text, deduplicated in
// first-seen order.
func Keywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

// Recall returns up to limit highlights for the user ranked by keyword
// overlap with query, discounted by age.
//
// # Description
//
// Scoring is overlap(query keywords, highlight keywords) scaled by an
// exponential recency decay with a 14 day half-life. Highlights with no
// overlapping keyword are never returned regardless of recency. Results
// with equal scores order by recency, newest first, so output is
// deterministic.
func (s *Service) Recall(ctx context.Context, userID, query string, limit int) ([]datatypes.MemoryHighlight, error) {
	if limit <= 0 {
		limit = 3
	}
	queryKW := Keywords(query)
	if len(queryKW) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, summary, keywords, score, created_at
		 FROM memory_highlights WHERE user_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		userID, recallWindow,
	)
	if err != nil {
		return nil, fmt.Errorf("query highlights: %w", err)
	}
	defer rows.Close()

	type scored struct {
		h     datatypes.MemoryHighlight
		score float64
	}
	var candidates []scored
	now := s.now()

	for rows.Next() {
		var (
			h  datatypes.MemoryHighlight
			kw string
		)
		if err := rows.Scan(&h.SessionID, &h.Summary, &kw, &h.Score, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan highlight: %w", err)
		}
		if kw != "" {
			h.Keywords = strings.Split(kw, " ")
		}

		overlap := 0
		for _, q := range queryKW {
			for _, k := range h.Keywords {
				if q == k {
					overlap++
					break
				}
			}
		}
		if overlap == 0 {
			continue
		}

		age := now.Sub(time.UnixMilli(h.CreatedAt))
		decay := 1.0
		for d := age; d > halfLife; d -= halfLife {
			decay /= 2
		}
		sc := float64(overlap) / float64(len(queryKW)) * decay
		h.Score = sc
		candidates = append(candidates, scored{h: h, score: sc})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].h.CreatedAt > candidates[j].h.CreatedAt
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]datatypes.MemoryHighlight, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.h)
	}
	return out, nil
}

// Record asynchronously stores a highlight distilled from a completed turn.
// Failures are logged, never propagated; memory is best effort.
func (s *Service) Record(sessionID, userID, userText string) {
	summary := summarize(userText)
	keywords := Keywords(userText)
	if summary == "" || len(keywords) == 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := s.db.ExecContext(ctx,
			`INSERT INTO memory_highlights (id, session_id, user_id, summary, keywords, score, created_at)
			 VALUES (?, ?, ?, ?, ?, 1.0, ?)`,
			uuid.NewString(), sessionID, userID, summary,
			strings.Join(keywords, " "), s.now().UnixMilli(),
		)
		if err != nil {
			s.logger.Warn("highlight write failed", "session_id", sessionID, "error", err)
		}
	}()
}

// Wait blocks until all in-flight Record writes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// summarize keeps the first sentence, capped at 140 characters.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, ".!?"); i > 0 && i < len(text)-1 {
		text = text[:i+1]
	}
	if len(text) > 140 {
		text = text[:140]
	}
	return text
}
