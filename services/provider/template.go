// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package provider

import (
	"context"
	"io"
	"strings"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

// TemplateProvider is the deterministic terminal backend.
//
// # Description
//
// It never fails: Open always succeeds and the stream always completes.
// Placed last in the chain it guarantees every turn produces a supportive
// reply even when every model backend is down. Replies come from a fixed
// locale-keyed table and are streamed word by word so downstream consumers
// exercise the same delta path as real backends.
//
// # Limitations
//
//   - Replies ignore the conversation content beyond the locale hint.
type TemplateProvider struct {
	replies map[string]string
}

var _ Provider = (*TemplateProvider)(nil)

const templateReplyEN = "I'm having trouble reaching my usual resources right now, " +
	"but I'm still here with you. Whatever you're carrying at the moment, " +
	"it's okay to take a breath and put it into words when you're ready. " +
	"If things feel urgent or unsafe, please reach out to a crisis line or " +
	"someone you trust. This is general support, not medical advice."

const templateReplyES = "Ahora mismo tengo problemas para acceder a mis recursos " +
	"habituales, pero sigo aquí contigo. Tómate un momento para respirar y " +
	"cuéntame lo que llevas dentro cuando estés listo. Si la situación es " +
	"urgente o no te sientes seguro, por favor contacta una línea de crisis o " +
	"a alguien de confianza. Esto es apoyo general, no consejo médico."

// NewTemplateProvider builds the fallback with the built-in reply table.
func NewTemplateProvider() *TemplateProvider {
	return &TemplateProvider{replies: map[string]string{
		"en": templateReplyEN,
		"es": templateReplyES,
	}}
}

func (p *TemplateProvider) Name() string { return "template" }

// Open returns a word-by-word stream over the canned reply for pc.Locale,
// falling back to English for unknown locales. Never returns an error.
func (p *TemplateProvider) Open(_ context.Context, pc datatypes.PromptContext) (StreamHandle, error) {
	reply, ok := p.replies[normalizeLocale(pc.Locale)]
	if !ok {
		reply = p.replies["en"]
	}
	return &templateStream{words: strings.Fields(reply)}, nil
}

// normalizeLocale reduces a BCP 47 tag to its primary language subtag.
func normalizeLocale(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	return locale
}

type templateStream struct {
	words []string
	index int
}

var _ StreamHandle = (*templateStream)(nil)

func (s *templateStream) Next() (TokenDelta, error) {
	if s.index >= len(s.words) {
		return TokenDelta{}, io.EOF
	}
	text := s.words[s.index]
	if s.index > 0 {
		text = " " + text
	}
	d := TokenDelta{Text: text, Index: s.index}
	s.index++
	return d, nil
}

func (s *templateStream) Close() error { return nil }
