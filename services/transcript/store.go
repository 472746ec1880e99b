// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

var storeTracer = otel.Tracer("haven.transcript.store")

// ErrSequenceGap reports an append whose sequence number would leave a hole
// in the per-session event log. Gaps are persistence faults and must be
// surfaced, never skipped over.
var ErrSequenceGap = errors.New("transcript sequence gap")

// Config configures the dual-sink store.
type Config struct {
	// DB is the shared SQLite index handle from OpenDB.
	DB *sql.DB

	// LogDir is the Badger event log directory. Ignored when InMemory.
	LogDir string

	// InMemory runs the Badger log without disk. Test use only.
	InMemory bool

	Logger *slog.Logger
}

// Store is the durable transcript store.
//
// # Description
//
// The Badger log is the source of truth for replay; SQLite rows are a
// queryable projection. AppendEvent is idempotent on (session_id, seq):
// re-appending a committed event is a no-op, appending past the next free
// sequence number fails with ErrSequenceGap.
//
// # Thread Safety
//
// Safe for concurrent use across sessions. Within one session the caller
// (the per-session turn gate) guarantees a single writer.
type Store struct {
	db     *sql.DB
	log    *badger.DB
	logger *slog.Logger
}

// New opens the Badger log and wraps the shared SQLite handle.
func New(cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("transcript store requires a database handle")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.LogDir).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	log, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger log at %s: %w", cfg.LogDir, err)
	}
	return &Store{db: cfg.DB, log: log, logger: cfg.Logger}, nil
}

// Close closes the Badger log. The SQLite handle is owned by the caller.
func (s *Store) Close() error {
	return s.log.Close()
}

// eventKey builds the Badger key for one event. Zero-padded sequence keeps
// lexicographic iteration in sequence order.
func eventKey(sessionID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("evt/%s/%012d", sessionID, seq))
}

// NextSeq returns the next free sequence number for a session, starting
// at 1 for a session with no events.
func (s *Store) NextSeq(ctx context.Context, sessionID string) (uint64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM transcript_events WHERE session_id = ?`, sessionID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return uint64(max.Int64) + 1, nil
}

// Tail returns the last committed sequence number and event hash for a
// session. A session with no events yields (0, "").
func (s *Store) Tail(ctx context.Context, sessionID string) (uint64, string, error) {
	var (
		seq  int64
		hash string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, hash FROM transcript_events WHERE session_id = ? ORDER BY seq DESC LIMIT 1`,
		sessionID,
	).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("query tail: %w", err)
	}
	return uint64(seq), hash, nil
}

// AppendEvent durably records one transcript event in both sinks.
//
// # Description
//
// Idempotent: an event at an already-committed sequence number is silently
// dropped, which lets the committer retry whole turns after partial
// failures. An event more than one past the current tail fails with
// ErrSequenceGap.
func (s *Store) AppendEvent(ctx context.Context, ev datatypes.TranscriptEvent) error {
	next, err := s.NextSeq(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	if ev.Seq > next {
		return fmt.Errorf("%w: session %s has tail %d, got %d", ErrSequenceGap, ev.SessionID, next-1, ev.Seq)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript_events (session_id, seq, type, body, hash, prev_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, seq) DO NOTHING`,
		ev.SessionID, int64(ev.Seq), string(ev.Type), string(body), ev.Hash, ev.PrevHash, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	dup := false
	if n, _ := res.RowsAffected(); n == 0 {
		dup = true
	}

	// A retry after a partial failure may find the row present but the log
	// entry missing, so duplicates still repair the log when needed. The
	// first committed body wins; a duplicate never overwrites it.
	if err := s.log.Update(func(txn *badger.Txn) error {
		key := eventKey(ev.SessionID, ev.Seq)
		if dup {
			_, gerr := txn.Get(key)
			if gerr == nil {
				return nil
			}
			if !errors.Is(gerr, badger.ErrKeyNotFound) {
				return gerr
			}
		}
		return txn.Set(key, body)
	}); err != nil {
		return fmt.Errorf("append to event log: %w", err)
	}
	return nil
}

// AppendEvents appends a batch in order, stopping at the first error.
func (s *Store) AppendEvents(ctx context.Context, events []datatypes.TranscriptEvent) error {
	for _, ev := range events {
		if err := s.AppendEvent(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// SaveMessage upserts one message row. Idempotent on message ID.
func (s *Store) SaveMessage(ctx context.Context, m datatypes.Message) error {
	var eval any
	if m.Evaluation != nil {
		raw, err := json.Marshal(m.Evaluation)
		if err != nil {
			return fmt.Errorf("marshal evaluation: %w", err)
		}
		eval = string(raw)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at, provider_used, evaluation)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		m.ID, m.SessionID, m.Role, m.Content, m.CreatedAt, m.ProviderUsed, eval,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// SaveAttempts records the provider attempt trail for a turn.
func (s *Store) SaveAttempts(ctx context.Context, sessionID, messageID string, attempts []datatypes.ProviderAttempt) error {
	for _, a := range attempts {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO provider_attempts
			 (session_id, message_id, attempt_seq, provider, outcome, started_at, ended_at, token_count, partial_chars, error)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(message_id, attempt_seq) DO NOTHING`,
			sessionID, messageID, a.Seq, a.Provider, string(a.Outcome),
			a.StartedAt, a.EndedAt, a.TokenCount, a.PartialChars, a.Err,
		)
		if err != nil {
			return fmt.Errorf("insert attempt %d: %w", a.Seq, err)
		}
	}
	return nil
}

// CommitTurn durably records a whole turn: both messages, the attempt
// trail, and every stream event. Safe to call repeatedly with the same
// record; every write path is idempotent.
func (s *Store) CommitTurn(ctx context.Context, rec datatypes.TurnRecord) error {
	ctx, span := storeTracer.Start(ctx, "transcript.commit_turn")
	defer span.End()

	if err := s.AppendEvents(ctx, rec.Events); err != nil {
		return err
	}
	if rec.User.ID != "" {
		if err := s.SaveMessage(ctx, rec.User); err != nil {
			return err
		}
	}
	// A failed turn has no assistant message; its attempts key off the user
	// message instead so the trail survives.
	attemptKey := rec.Assistant.ID
	if rec.Assistant.ID != "" {
		if err := s.SaveMessage(ctx, rec.Assistant); err != nil {
			return err
		}
	} else {
		attemptKey = rec.User.ID
	}
	if err := s.SaveAttempts(ctx, rec.SessionID, attemptKey, rec.Attempts); err != nil {
		return err
	}
	s.logger.Debug("turn committed",
		"session_id", rec.SessionID,
		"events", len(rec.Events),
		"attempts", len(rec.Attempts),
	)
	return nil
}

// Replay returns the full ordered event log for a session from the Badger
// sink, verifying sequence contiguity on the way out.
func (s *Store) Replay(ctx context.Context, sessionID string) ([]datatypes.TranscriptEvent, error) {
	_, span := storeTracer.Start(ctx, "transcript.replay")
	defer span.End()

	prefix := []byte(fmt.Sprintf("evt/%s/", sessionID))
	var out []datatypes.TranscriptEvent

	err := s.log.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ev datatypes.TranscriptEvent
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ev)
			}); err != nil {
				return fmt.Errorf("decode event %s: %w", it.Item().Key(), err)
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, ev := range out {
		if ev.Seq != uint64(i+1) {
			return nil, fmt.Errorf("%w: session %s replay expected seq %d, got %d", ErrSequenceGap, sessionID, i+1, ev.Seq)
		}
	}
	return out, nil
}

// History returns the most recent limit messages for a session in
// chronological order.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]datatypes.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	// rowid breaks created_at ties in insertion order: a turn's user and
	// assistant messages often land in the same millisecond.
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at, provider_used, evaluation
		 FROM (
			SELECT id, session_id, role, content, created_at, provider_used, evaluation, rowid AS rid
			FROM messages WHERE session_id = ? ORDER BY created_at DESC, rid DESC LIMIT ?
		 ) ORDER BY created_at ASC, rid ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []datatypes.Message
	for rows.Next() {
		var (
			m    datatypes.Message
			eval sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt, &m.ProviderUsed, &eval); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if eval.Valid && eval.String != "" {
			var er datatypes.EvaluationResult
			if err := json.Unmarshal([]byte(eval.String), &er); err == nil {
				m.Evaluation = &er
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
