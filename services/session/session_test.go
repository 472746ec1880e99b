// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
	"github.com/havenmind/haven/services/transcript"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := transcript.OpenDB(filepath.Join(t.TempDir(), "haven.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFindOrCreate_NewAndExisting(t *testing.T) {
	st := NewStore(newTestDB(t))
	ctx := context.Background()

	ses, err := st.FindOrCreate(ctx, "", "user-1", "es")
	require.NoError(t, err)
	assert.NotEmpty(t, ses.ID)
	assert.Equal(t, "user-1", ses.UserID)
	assert.Equal(t, "es", ses.Locale)

	again, err := st.FindOrCreate(ctx, ses.ID, "user-1", "en")
	require.NoError(t, err)
	assert.Equal(t, ses, again, "existing session is returned as stored")
}

func TestFindOrCreate_RejectsForeignSession(t *testing.T) {
	st := NewStore(newTestDB(t))
	ctx := context.Background()

	ses, err := st.FindOrCreate(ctx, "", "user-1", "en")
	require.NoError(t, err)

	_, err = st.FindOrCreate(ctx, ses.ID, "user-2", "en")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFindOrCreate_UnknownIDCreatesFresh(t *testing.T) {
	st := NewStore(newTestDB(t))
	ctx := context.Background()

	ses, err := st.FindOrCreate(ctx, "no-such-session", "user-1", "")
	require.NoError(t, err)
	assert.NotEqual(t, "no-such-session", ses.ID)
	assert.Equal(t, "en", ses.Locale, "default locale")
}

func TestSetLocale(t *testing.T) {
	st := NewStore(newTestDB(t))
	ctx := context.Background()

	ses, err := st.FindOrCreate(ctx, "", "user-1", "en")
	require.NoError(t, err)
	require.NoError(t, st.SetLocale(ctx, ses.ID, "es"))

	got, err := st.Get(ctx, ses.ID)
	require.NoError(t, err)
	assert.Equal(t, "es", got.Locale)

	assert.ErrorIs(t, st.SetLocale(ctx, "missing", "es"), ErrSessionNotFound)
}

func TestList_CountsAndOrder(t *testing.T) {
	db := newTestDB(t)
	st := NewStore(db)
	ctx := context.Background()

	a, err := st.FindOrCreate(ctx, "", "user-1", "en")
	require.NoError(t, err)
	b, err := st.FindOrCreate(ctx, "", "user-1", "en")
	require.NoError(t, err)
	_, err = st.FindOrCreate(ctx, "", "user-2", "en")
	require.NoError(t, err)

	tr, err := transcript.New(transcript.Config{DB: db, InMemory: true})
	require.NoError(t, err)
	defer tr.Close()

	m1 := datatypes.NewMessage(a.ID, datatypes.RoleUser, "hi")
	m1.CreatedAt = a.CreatedAt + 10
	require.NoError(t, tr.SaveMessage(ctx, m1))
	m2 := datatypes.NewMessage(a.ID, datatypes.RoleAssistant, "hello")
	m2.CreatedAt = a.CreatedAt + 20
	require.NoError(t, tr.SaveMessage(ctx, m2))

	got, err := st.List(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, got, 2, "only user-1 sessions")

	assert.Equal(t, a.ID, got[0].ID, "session with recent activity first")
	assert.Equal(t, 2, got[0].MessageCount)
	assert.Equal(t, m2.CreatedAt, got[0].LastActivity)
	assert.Equal(t, b.ID, got[1].ID)
	assert.Equal(t, 0, got[1].MessageCount)
}

func TestTurnGate_RejectsConcurrentTurn(t *testing.T) {
	g := NewTurnGate()

	release, err := g.Begin("s1")
	require.NoError(t, err)
	assert.True(t, g.Active("s1"))

	_, err = g.Begin("s1")
	assert.ErrorIs(t, err, ErrTurnInFlight)

	// Other sessions are unaffected.
	r2, err := g.Begin("s2")
	require.NoError(t, err)
	r2()

	release()
	assert.False(t, g.Active("s1"))

	// Release is idempotent and the slot is reusable.
	release()
	r3, err := g.Begin("s1")
	require.NoError(t, err)
	r3()
}

func TestTurnGate_ConcurrentBeginAdmitsExactlyOne(t *testing.T) {
	g := NewTurnGate()

	const n = 32
	var wg sync.WaitGroup
	admitted := make(chan func(), n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if release, err := g.Begin("s1"); err == nil {
				admitted <- release
			}
		}()
	}
	wg.Wait()
	close(admitted)

	var releases []func()
	for r := range admitted {
		releases = append(releases, r)
	}
	require.Len(t, releases, 1)
	releases[0]()
	assert.False(t, g.Active("s1"))
}
