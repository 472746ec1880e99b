// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transcript persists conversation history durably and idempotently.
//
// Two sinks back every committed turn: a SQLite relational index for queries
// (history, session listings, attempt forensics) and a Badger append-only
// event log that is the replay source of truth. Both writes are idempotent
// on (session_id, seq), so the background committer can retry blindly.
package transcript

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	locale     TEXT NOT NULL DEFAULT 'en',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, created_at);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	session_id    TEXT NOT NULL REFERENCES sessions(id),
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	provider_used TEXT NOT NULL DEFAULT '',
	evaluation    TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

CREATE TABLE IF NOT EXISTS transcript_events (
	session_id TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	type       TEXT NOT NULL,
	body       TEXT NOT NULL,
	hash       TEXT NOT NULL,
	prev_hash  TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS provider_attempts (
	session_id    TEXT NOT NULL,
	message_id    TEXT NOT NULL,
	attempt_seq   INTEGER NOT NULL,
	provider      TEXT NOT NULL,
	outcome       TEXT NOT NULL,
	started_at    INTEGER NOT NULL,
	ended_at      INTEGER NOT NULL,
	token_count   INTEGER NOT NULL DEFAULT 0,
	partial_chars INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (message_id, attempt_seq)
);

CREATE TABLE IF NOT EXISTS memory_highlights (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	summary    TEXT NOT NULL,
	keywords   TEXT NOT NULL,
	score      REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_highlights_user ON memory_highlights(user_id, created_at);
`

// OpenDB opens (or creates) the SQLite index at path and applies the schema.
//
// # Description
//
// The returned handle is shared by the transcript store and the session
// store. modernc.org/sqlite is a pure-Go driver, so deployments need no
// cgo toolchain. Connections are capped at one writer; SQLite serializes
// writes anyway and a single connection avoids SQLITE_BUSY churn under the
// committer's retry loop.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
