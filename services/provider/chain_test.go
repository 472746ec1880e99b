// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

// fakeStream replays scripted deltas and then a terminal error.
type fakeStream struct {
	deltas   []string
	failAt   int // fail instead of emitting delta at this index; -1 disables
	index    int
	blockFor time.Duration // delay before the first delta
	closed   bool
}

func (s *fakeStream) Next() (TokenDelta, error) {
	if s.index == 0 && s.blockFor > 0 {
		time.Sleep(s.blockFor)
	}
	if s.failAt >= 0 && s.index == s.failAt {
		return TokenDelta{}, errors.New("backend reset connection")
	}
	if s.index >= len(s.deltas) {
		return TokenDelta{}, io.EOF
	}
	d := TokenDelta{Text: s.deltas[s.index], Index: s.index}
	s.index++
	return d, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeProvider struct {
	name    string
	openErr error
	stream  *fakeStream
	opens   int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Open(_ context.Context, _ datatypes.PromptContext) (StreamHandle, error) {
	p.opens++
	if p.openErr != nil {
		return nil, p.openErr
	}
	return p.stream, nil
}

func collect(t *testing.T) (func(TokenDelta) error, *[]string) {
	t.Helper()
	var got []string
	return func(d TokenDelta) error {
		got = append(got, d.Text)
		return nil
	}, &got
}

func TestChainStream_PrimarySucceeds(t *testing.T) {
	primary := &fakeProvider{
		name:   "openai",
		stream: &fakeStream{deltas: []string{"You", " are", " heard"}, failAt: -1},
	}
	secondary := &fakeProvider{name: "ollama", stream: &fakeStream{failAt: -1}}
	chain := NewChain(ChainConfig{}, nil, primary, secondary)

	emit, got := collect(t)
	res, attempts, err := chain.Stream(context.Background(), datatypes.PromptContext{}, emit)
	require.NoError(t, err)

	assert.Equal(t, "You are heard", res.Text)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, 3, res.TokenCount)
	assert.Equal(t, []string{"You", " are", " heard"}, *got)

	require.Len(t, attempts, 1)
	assert.Equal(t, datatypes.AttemptSuccess, attempts[0].Outcome)
	assert.Equal(t, 0, secondary.opens)
	assert.True(t, primary.stream.closed)
}

func TestChainStream_FailoverBeforeFirstToken(t *testing.T) {
	primary := &fakeProvider{name: "openai", openErr: errors.New("401 unauthorized")}
	secondary := &fakeProvider{
		name:   "ollama",
		stream: &fakeStream{deltas: []string{"Take", " a", " breath"}, failAt: -1},
	}
	chain := NewChain(ChainConfig{}, nil, primary, secondary)

	emit, got := collect(t)
	res, attempts, err := chain.Stream(context.Background(), datatypes.PromptContext{}, emit)
	require.NoError(t, err)

	// The client sees one uninterrupted stream from the survivor.
	assert.Equal(t, "Take a breath", res.Text)
	assert.Equal(t, "ollama", res.Provider)
	assert.Equal(t, []string{"Take", " a", " breath"}, *got)

	require.Len(t, attempts, 2)
	assert.Equal(t, "openai", attempts[0].Provider)
	assert.Equal(t, datatypes.AttemptError, attempts[0].Outcome)
	assert.Zero(t, attempts[0].PartialChars)
	assert.Equal(t, "ollama", attempts[1].Provider)
	assert.Equal(t, datatypes.AttemptSuccess, attempts[1].Outcome)
}

func TestChainStream_AttemptTrailFields(t *testing.T) {
	primary := &fakeProvider{name: "openai", openErr: errors.New("503")}
	secondary := &fakeProvider{
		name:   "ollama",
		stream: &fakeStream{deltas: []string{"ok"}, failAt: -1},
	}
	chain := NewChain(ChainConfig{}, nil, primary, secondary)

	before := time.Now().UnixMilli()
	emit, _ := collect(t)
	_, attempts, err := chain.Stream(context.Background(), datatypes.PromptContext{}, emit)
	require.NoError(t, err)
	after := time.Now().UnixMilli()

	// Attempt order is 1-based; timestamps are Unix milliseconds.
	require.Len(t, attempts, 2)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.Seq)
		assert.GreaterOrEqual(t, a.StartedAt, before)
		assert.LessOrEqual(t, a.EndedAt, after)
		assert.LessOrEqual(t, a.StartedAt, a.EndedAt)
	}
}

func TestChainStream_FirstTokenTimeoutFailsOver(t *testing.T) {
	// Primary connects fine but never produces a token within the bound.
	primary := &fakeProvider{
		name:   "openai",
		stream: &fakeStream{deltas: []string{"late"}, failAt: -1, blockFor: 200 * time.Millisecond},
	}
	secondary := &fakeProvider{
		name:   "ollama",
		stream: &fakeStream{deltas: []string{"on", " time"}, failAt: -1},
	}
	chain := NewChain(ChainConfig{FirstTokenTimeout: 50 * time.Millisecond}, nil, primary, secondary)

	emit, got := collect(t)
	res, attempts, err := chain.Stream(context.Background(), datatypes.PromptContext{}, emit)
	require.NoError(t, err)

	assert.Equal(t, "on time", res.Text)
	assert.Equal(t, []string{"on", " time"}, *got)

	require.Len(t, attempts, 2)
	assert.Equal(t, datatypes.AttemptTimeout, attempts[0].Outcome)
	assert.Equal(t, datatypes.AttemptSuccess, attempts[1].Outcome)
}

func TestChainStream_MidStreamFailureIsTerminal(t *testing.T) {
	primary := &fakeProvider{
		name:   "openai",
		stream: &fakeStream{deltas: []string{"I", " hear"}, failAt: 2},
	}
	secondary := &fakeProvider{
		name:   "ollama",
		stream: &fakeStream{deltas: []string{"never"}, failAt: -1},
	}
	chain := NewChain(ChainConfig{}, nil, primary, secondary)

	emit, got := collect(t)
	_, attempts, err := chain.Stream(context.Background(), datatypes.PromptContext{}, emit)
	require.ErrorIs(t, err, ErrMidStream)

	// Partial tokens reached the client; no silent switch afterwards.
	assert.Equal(t, []string{"I", " hear"}, *got)
	assert.Equal(t, 0, secondary.opens)

	require.Len(t, attempts, 1)
	assert.Equal(t, datatypes.AttemptError, attempts[0].Outcome)
	assert.Equal(t, len("I hear"), attempts[0].PartialChars)
	assert.Equal(t, 2, attempts[0].TokenCount)
}

func TestChainStream_ExhaustedWithoutTerminalProvider(t *testing.T) {
	a := &fakeProvider{name: "openai", openErr: errors.New("down")}
	b := &fakeProvider{name: "ollama", openErr: errors.New("also down")}
	chain := NewChain(ChainConfig{}, nil, a, b)

	emit, _ := collect(t)
	_, attempts, err := chain.Stream(context.Background(), datatypes.PromptContext{}, emit)
	require.ErrorIs(t, err, ErrChainExhausted)
	assert.Len(t, attempts, 2)
}

func TestChainStream_TemplateTerminatesChain(t *testing.T) {
	broken := &fakeProvider{name: "openai", openErr: errors.New("down")}
	chain := NewChain(ChainConfig{FirstTokenTimeout: time.Second}, nil, broken, NewTemplateProvider())

	emit, got := collect(t)
	res, attempts, err := chain.Stream(context.Background(), datatypes.PromptContext{Locale: "en"}, emit)
	require.NoError(t, err)

	assert.Equal(t, "template", res.Provider)
	assert.NotEmpty(t, *got)
	assert.Contains(t, res.Text, "not medical advice")
	require.Len(t, attempts, 2)
	assert.Equal(t, datatypes.AttemptSuccess, attempts[1].Outcome)
}

func TestChainStream_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &fakeProvider{name: "openai", stream: &fakeStream{deltas: []string{"x"}, failAt: -1}}
	chain := NewChain(ChainConfig{}, nil, p)

	emit, _ := collect(t)
	_, _, err := chain.Stream(ctx, datatypes.PromptContext{}, emit)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTemplateProvider_LocaleSelection(t *testing.T) {
	tp := NewTemplateProvider()

	for _, tc := range []struct {
		locale string
		want   string
	}{
		{"en", "not medical advice"},
		{"en-US", "not medical advice"},
		{"es", "no consejo médico"},
		{"es-MX", "no consejo médico"},
		{"fr", "not medical advice"}, // unknown falls back to English
		{"", "not medical advice"},
	} {
		h, err := tp.Open(context.Background(), datatypes.PromptContext{Locale: tc.locale})
		require.NoError(t, err)

		var sb strings.Builder
		for {
			d, nerr := h.Next()
			if nerr == io.EOF {
				break
			}
			require.NoError(t, nerr)
			sb.WriteString(d.Text)
		}
		require.NoError(t, h.Close())
		assert.Contains(t, sb.String(), tc.want, "locale %q", tc.locale)
	}
}

func TestTemplateProvider_Deterministic(t *testing.T) {
	tp := NewTemplateProvider()
	read := func() string {
		h, err := tp.Open(context.Background(), datatypes.PromptContext{Locale: "en"})
		require.NoError(t, err)
		defer h.Close()
		var sb strings.Builder
		for {
			d, nerr := h.Next()
			if nerr == io.EOF {
				return sb.String()
			}
			require.NoError(t, nerr)
			sb.WriteString(d.Text)
		}
	}
	assert.Equal(t, read(), read())
}
