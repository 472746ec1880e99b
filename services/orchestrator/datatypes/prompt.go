// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the assembled prompt context handed to providers.
package datatypes

import "strings"

// EstimateTokens approximates the token count of a text.
//
// Rough chars/4 heuristic; good enough for budget enforcement, and cheap
// enough to run on every section during assembly. Exact tokenization is
// provider-specific and not worth the dependency.
func EstimateTokens(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// PromptContext is the structured prompt the assembler hands to providers.
//
// # Description
//
// Section ordering is deterministic: system instructions, recent turns,
// knowledge snippets, memory highlights, recommendation hints, then the new
// user message. The assembler guarantees the rendered total stays under the
// configured token budget by dropping whole low-priority sections first
// (recommendations, then memory, then knowledge) before ever truncating
// recent turns or the user message.
//
// # Fields
//
//   - System: System instructions, always present.
//   - RecentTurns: The last N session messages, oldest first.
//   - Knowledge: Topic-matched reference snippets, possibly empty.
//   - Highlights: Memory highlights, possibly empty.
//   - Hints: Therapist recommendation hints, possibly empty.
//   - UserText: The new user message, always present.
//   - Locale: Session locale, informs provider generation.
//
// # Assumptions
//
//   - PromptContext is immutable once assembled; providers only read it.
type PromptContext struct {
	System      string
	RecentTurns []Message
	Knowledge   []KnowledgeSnippet
	Highlights  []MemoryHighlight
	Hints       []TherapistRef
	UserText    string
	Locale      string
}

// TokenEstimate returns the approximate token cost of the rendered context.
func (p PromptContext) TokenEstimate() int {
	return EstimateTokens(p.Render())
}

// Render flattens the context into a single prompt string for providers
// that take plain text, preserving the deterministic section order.
func (p PromptContext) Render() string {
	var b strings.Builder
	b.WriteString(p.System)
	b.WriteString("\n\n")
	for _, m := range p.RecentTurns {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	if len(p.Knowledge) > 0 {
		b.WriteString("\nReference material:\n")
		for _, k := range p.Knowledge {
			b.WriteString("- ")
			b.WriteString(k.Text)
			b.WriteString("\n")
		}
	}
	if len(p.Highlights) > 0 {
		b.WriteString("\nFrom earlier conversations:\n")
		for _, h := range p.Highlights {
			b.WriteString("- ")
			b.WriteString(h.Summary)
			b.WriteString("\n")
		}
	}
	if len(p.Hints) > 0 {
		b.WriteString("\nTherapists that may fit this user:\n")
		for _, t := range p.Hints {
			b.WriteString("- ")
			b.WriteString(t.Name)
			if t.Specialty != "" {
				b.WriteString(" (")
				b.WriteString(t.Specialty)
				b.WriteString(")")
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\nuser: ")
	b.WriteString(p.UserText)
	return b.String()
}

// ChatMessages renders the context as a role-tagged message list for
// providers with chat-shaped APIs. The system prompt absorbs knowledge,
// memory, and hint sections; history and the new user message keep their
// roles.
func (p PromptContext) ChatMessages() []Message {
	sys := strings.Builder{}
	sys.WriteString(p.System)
	if len(p.Knowledge) > 0 {
		sys.WriteString("\n\nReference material:\n")
		for _, k := range p.Knowledge {
			sys.WriteString("- " + k.Text + "\n")
		}
	}
	if len(p.Highlights) > 0 {
		sys.WriteString("\nFrom earlier conversations:\n")
		for _, h := range p.Highlights {
			sys.WriteString("- " + h.Summary + "\n")
		}
	}
	if len(p.Hints) > 0 {
		sys.WriteString("\nTherapists that may fit this user:\n")
		for _, t := range p.Hints {
			sys.WriteString("- " + t.Name)
			if t.Specialty != "" {
				sys.WriteString(" (" + t.Specialty + ")")
			}
			sys.WriteString("\n")
		}
	}

	msgs := make([]Message, 0, len(p.RecentTurns)+2)
	msgs = append(msgs, Message{Role: "system", Content: sys.String()})
	msgs = append(msgs, p.RecentTurns...)
	msgs = append(msgs, Message{Role: RoleUser, Content: p.UserText})
	return msgs
}
