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
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "haven.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := New(Config{DB: db, InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// Message rows reference sessions(id); seed the sessions the tests use so
	// foreign-key checks pass.
	for _, id := range []string{"s1", "s2"} {
		_, err := db.Exec(`INSERT INTO sessions (id, user_id, locale, created_at) VALUES (?, 'u1', 'en', ?)`,
			id, time.Now().UnixMilli())
		require.NoError(t, err)
	}
	return st, db
}

func testEvent(sessionID string, seq uint64, typ datatypes.EventType, delta string) datatypes.TranscriptEvent {
	return datatypes.TranscriptEvent{
		SessionID: sessionID,
		Seq:       seq,
		Type:      typ,
		Delta:     delta,
		Hash:      fmt.Sprintf("h%d", seq),
		PrevHash:  fmt.Sprintf("h%d", seq-1),
		CreatedAt: time.Now().UnixMilli(),
	}
}

func TestAppendEvent_RoundTripReplay(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	events := []datatypes.TranscriptEvent{
		testEvent("s1", 1, datatypes.EventSessionEstablished, ""),
		testEvent("s1", 2, datatypes.EventToken, "Hello"),
		testEvent("s1", 3, datatypes.EventToken, " there"),
		testEvent("s1", 4, datatypes.EventComplete, ""),
	}
	require.NoError(t, st.AppendEvents(ctx, events))

	got, err := st.Replay(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, events, got)

	// Other sessions are invisible.
	other, err := st.Replay(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestAppendEvent_Idempotent(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()

	ev := testEvent("s1", 1, datatypes.EventToken, "hi")
	require.NoError(t, st.AppendEvent(ctx, ev))

	// Same seq again, even with different content, is a silent no-op.
	dup := ev
	dup.Delta = "something else"
	require.NoError(t, st.AppendEvent(ctx, dup))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM transcript_events WHERE session_id = 's1'`).Scan(&count))
	assert.Equal(t, 1, count)

	got, err := st.Replay(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Delta)
}

func TestAppendEvent_SequenceGap(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendEvent(ctx, testEvent("s1", 1, datatypes.EventToken, "a")))

	err := st.AppendEvent(ctx, testEvent("s1", 3, datatypes.EventToken, "c"))
	require.ErrorIs(t, err, ErrSequenceGap)

	// The tail is unchanged and seq 2 still fits.
	require.NoError(t, st.AppendEvent(ctx, testEvent("s1", 2, datatypes.EventToken, "b")))
}

func TestNextSeq(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	next, err := st.NextSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next)

	require.NoError(t, st.AppendEvent(ctx, testEvent("s1", 1, datatypes.EventToken, "a")))
	require.NoError(t, st.AppendEvent(ctx, testEvent("s1", 2, datatypes.EventToken, "b")))

	next, err = st.NextSeq(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next)

	// Sequences are per session.
	next, err = st.NextSeq(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next)
}

func testTurn(sessionID string) datatypes.TurnRecord {
	user := datatypes.NewMessage(sessionID, datatypes.RoleUser, "rough week")
	asst := datatypes.NewMessage(sessionID, datatypes.RoleAssistant, "That sounds hard. I hear you.")
	asst.ProviderUsed = "openai"
	asst.Evaluation = &datatypes.EvaluationResult{Verdict: datatypes.VerdictPass}
	return datatypes.TurnRecord{
		SessionID:  sessionID,
		User:       user,
		Assistant:  asst,
		Evaluation: asst.Evaluation,
		Attempts: []datatypes.ProviderAttempt{
			{Provider: "openai", Seq: 1, Outcome: datatypes.AttemptSuccess, TokenCount: 6,
				StartedAt: time.Now().UnixMilli(), EndedAt: time.Now().UnixMilli()},
		},
		Events: []datatypes.TranscriptEvent{
			testEvent(sessionID, 1, datatypes.EventSessionEstablished, ""),
			testEvent(sessionID, 2, datatypes.EventToken, "That sounds hard."),
			testEvent(sessionID, 3, datatypes.EventComplete, ""),
		},
	}
}

func TestCommitTurn_IdempotentAcrossRetries(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()

	rec := testTurn("s1")
	require.NoError(t, st.CommitTurn(ctx, rec))
	require.NoError(t, st.CommitTurn(ctx, rec))

	var msgs, evts, atts int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&msgs))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM transcript_events`).Scan(&evts))
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM provider_attempts`).Scan(&atts))
	assert.Equal(t, 2, msgs)
	assert.Equal(t, 3, evts)
	assert.Equal(t, 1, atts)
}

func TestHistory_OrderAndLimit(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UnixMilli()
	for i := 0; i < 6; i++ {
		role := datatypes.RoleUser
		if i%2 == 1 {
			role = datatypes.RoleAssistant
		}
		m := datatypes.NewMessage("s1", role, fmt.Sprintf("msg %d", i))
		m.CreatedAt = base + int64(i)
		require.NoError(t, st.SaveMessage(ctx, m))
	}

	got, err := st.History(ctx, "s1", 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	// Most recent four, oldest first.
	assert.Equal(t, "msg 2", got[0].Content)
	assert.Equal(t, "msg 5", got[3].Content)
}

func TestHistory_SameMillisecondKeepsTurnOrder(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	rec := testTurn("s1")
	rec.Assistant.CreatedAt = rec.User.CreatedAt
	// Force the assistant ID to sort lexically before the user's so an
	// id-based tiebreak would invert the turn.
	rec.User.ID = "ffffffff-0000-4000-8000-000000000001"
	rec.Assistant.ID = "00000000-0000-4000-8000-000000000002"
	require.NoError(t, st.CommitTurn(ctx, rec))

	got, err := st.History(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, datatypes.RoleUser, got[0].Role)
	assert.Equal(t, datatypes.RoleAssistant, got[1].Role)

	// A recommit must not disturb the order.
	require.NoError(t, st.CommitTurn(ctx, rec))
	again, err := st.History(ctx, "s1", 10)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestHistory_EvaluationRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	m := datatypes.NewMessage("s1", datatypes.RoleAssistant, "reply")
	m.Evaluation = &datatypes.EvaluationResult{
		Verdict:           datatypes.VerdictFlag,
		DisclaimerPresent: true,
		Issues:            []datatypes.EvaluationIssue{{Code: "low_empathy", Severity: datatypes.SeverityLow}},
	}
	require.NoError(t, st.SaveMessage(ctx, m))

	got, err := st.History(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Evaluation)
	assert.Equal(t, m.Evaluation, got[0].Evaluation)
}

func TestCommitter_CommitsAndFlushes(t *testing.T) {
	st, db := newTestStore(t)

	c := NewCommitter(st, CommitterConfig{})
	defer c.Close()

	require.NoError(t, c.Enqueue(testTurn("s1")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))

	var evts int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM transcript_events`).Scan(&evts))
	assert.Equal(t, 3, evts)
}

func TestCommitter_RetriesThenGivesUp(t *testing.T) {
	st, _ := newTestStore(t)

	// Closing the event log makes every commit fail transiently from the
	// committer's point of view.
	require.NoError(t, st.Close())

	var retries int
	var gaveUp []string
	c := NewCommitter(st, CommitterConfig{
		MaxRetries:  3,
		BaseBackoff: time.Millisecond,
		OnRetry:     func(string, int, error) { retries++ },
		OnGiveUp:    func(sessionID string, err error) { gaveUp = append(gaveUp, sessionID) },
	})

	require.NoError(t, c.Enqueue(testTurn("s1")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))
	require.NoError(t, c.Close())

	assert.Equal(t, 2, retries)
	assert.Equal(t, []string{"s1"}, gaveUp)
}

func TestCommitter_SequenceGapAlertsImmediately(t *testing.T) {
	st, _ := newTestStore(t)

	var retries int
	var gaveUp int
	c := NewCommitter(st, CommitterConfig{
		MaxRetries:  5,
		BaseBackoff: time.Millisecond,
		OnRetry:     func(string, int, error) { retries++ },
		OnGiveUp:    func(string, error) { gaveUp++ },
	})
	defer c.Close()

	rec := testTurn("s1")
	rec.Events[0].Seq = 7 // past the empty tail
	require.NoError(t, c.Enqueue(rec))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Flush(ctx))

	assert.Zero(t, retries, "a gap is not retriable")
	assert.Equal(t, 1, gaveUp)
}

func TestCommitter_EnqueueAfterClose(t *testing.T) {
	st, _ := newTestStore(t)
	c := NewCommitter(st, CommitterConfig{})
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Enqueue(testTurn("s1")), ErrCommitterClosed)
}

func TestCommitter_EnqueueDuringCloseDoesNotPanic(t *testing.T) {
	st, _ := newTestStore(t)
	c := NewCommitter(st, CommitterConfig{QueueSize: 1})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Either outcome is fine; sending on a closed channel is not.
			err := c.Enqueue(testTurn(fmt.Sprintf("s%d", n)))
			if err != nil {
				assert.ErrorIs(t, err, ErrCommitterClosed)
			}
		}(i)
	}
	require.NoError(t, c.Close())
	wg.Wait()
}
