// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

// KnowledgeRetriever matches reference passages to the turn's topic.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]datatypes.KnowledgeSnippet, error)
}

// TherapistDirectory is the read-only directory surfaced in recommendation
// hints.
type TherapistDirectory interface {
	Match(ctx context.Context, specialty string, limit int) ([]datatypes.TherapistRef, error)
}

// topicEntry is one curated corpus passage keyed by trigger words.
type topicEntry struct {
	topic    string
	triggers []string
	text     string
	source   string
}

// StaticKnowledge is the built-in reference corpus.
//
// # Description
//
// Retrieval is keyword triggering over a curated topic table. Entries are
// psychoeducation one-liners, not advice; the assembler injects them as
// background for the model. Deterministic: the same query always yields
// the same snippets in table order.
type StaticKnowledge struct {
	entries []topicEntry
}

var _ KnowledgeRetriever = (*StaticKnowledge)(nil)

// NewStaticKnowledge builds the retriever with the built-in corpus.
func NewStaticKnowledge() *StaticKnowledge {
	return &StaticKnowledge{entries: []topicEntry{
		{
			topic:    "sleep",
			triggers: []string{"sleep", "insomnia", "tired", "exhausted", "awake"},
			text: "Sleep difficulty both feeds and follows low mood. Consistent " +
				"wake times and winding down without screens tend to help more " +
				"than chasing sleep directly.",
			source: "sleep-hygiene-basics",
		},
		{
			topic:    "anxiety",
			triggers: []string{"anxious", "anxiety", "panic", "worry", "worried", "nervous"},
			text: "Anxiety narrows attention to threat. Slow exhalation-weighted " +
				"breathing and naming five things you can see are quick ways to " +
				"widen it again.",
			source: "grounding-techniques",
		},
		{
			topic:    "stress",
			triggers: []string{"stress", "stressed", "overwhelmed", "pressure", "burnout", "burned"},
			text: "Sustained overload responds better to subtraction than to " +
				"better coping alone. One recoverable hour a day protects more " +
				"than scattered minutes.",
			source: "workload-recovery",
		},
		{
			topic:    "grief",
			triggers: []string{"grief", "loss", "died", "death", "mourning", "miss"},
			text: "Grief moves in waves rather than stages. Intense recurrences " +
				"months later are part of the process, not a setback.",
			source: "grief-patterns",
		},
		{
			topic:    "loneliness",
			triggers: []string{"lonely", "alone", "isolated", "disconnected"},
			text: "Loneliness tracks the gap between wanted and actual connection, " +
				"not headcount. Brief low-stakes contact, repeated, closes it " +
				"faster than rare big events.",
			source: "social-connection",
		},
		{
			topic:    "low-mood",
			triggers: []string{"sad", "depressed", "depression", "down", "empty", "numb"},
			text: "Low mood shrinks activity, and shrinking activity deepens low " +
				"mood. Scheduling one small previously-enjoyed activity interrupts " +
				"the loop even when motivation is absent.",
			source: "behavioral-activation",
		},
	}}
}

// corpusEntry is the JSON shape of one externally supplied passage.
type corpusEntry struct {
	Topic    string   `json:"topic"`
	Triggers []string `json:"triggers"`
	Text     string   `json:"text"`
	Source   string   `json:"source"`
}

// NewStaticKnowledgeFromFile builds the retriever with the built-in corpus
// plus entries loaded from a JSON file. File entries are appended after the
// defaults, so built-in topics keep retrieval priority.
func NewStaticKnowledgeFromFile(path string) (*StaticKnowledge, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge corpus: %w", err)
	}
	var entries []corpusEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse knowledge corpus: %w", err)
	}

	k := NewStaticKnowledge()
	for _, e := range entries {
		if e.Topic == "" || e.Text == "" || len(e.Triggers) == 0 {
			return nil, fmt.Errorf("knowledge corpus entry %q: topic, text, and triggers are required", e.Topic)
		}
		triggers := make([]string, len(e.Triggers))
		for i, t := range e.Triggers {
			triggers[i] = strings.ToLower(t)
		}
		k.entries = append(k.entries, topicEntry{
			topic:    e.Topic,
			triggers: triggers,
			text:     e.Text,
			source:   e.Source,
		})
	}
	return k, nil
}

// Retrieve returns up to limit snippets whose triggers appear in query.
func (k *StaticKnowledge) Retrieve(_ context.Context, query string, limit int) ([]datatypes.KnowledgeSnippet, error) {
	if limit <= 0 {
		limit = 2
	}
	lower := strings.ToLower(query)

	var out []datatypes.KnowledgeSnippet
	for _, e := range k.entries {
		for _, trig := range e.triggers {
			if containsWord(lower, trig) {
				out = append(out, datatypes.KnowledgeSnippet{Topic: e.topic, Text: e.text, Source: e.source})
				break
			}
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// containsWord reports whether w occurs in s on word boundaries.
func containsWord(s, w string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], w)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(w)
		leftOK := start == 0 || !isWordChar(s[start-1])
		rightOK := end == len(s) || !isWordChar(s[end])
		if leftOK && rightOK {
			return true
		}
		i = start + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

// StaticDirectory is a fixed in-process therapist directory.
type StaticDirectory struct {
	refs []datatypes.TherapistRef
}

var _ TherapistDirectory = (*StaticDirectory)(nil)

// NewStaticDirectory builds a directory over the given refs.
func NewStaticDirectory(refs []datatypes.TherapistRef) *StaticDirectory {
	return &StaticDirectory{refs: refs}
}

// Match returns up to limit refs whose specialty contains the query
// specialty, or the first limit refs when specialty is empty.
func (d *StaticDirectory) Match(_ context.Context, specialty string, limit int) ([]datatypes.TherapistRef, error) {
	if limit <= 0 {
		limit = 2
	}
	lower := strings.ToLower(specialty)

	var out []datatypes.TherapistRef
	for _, r := range d.refs {
		if lower != "" && !strings.Contains(strings.ToLower(r.Specialty), lower) {
			continue
		}
		out = append(out, r)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}
