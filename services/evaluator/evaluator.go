// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package evaluator scores assistant replies before delivery.
//
// The scorer is fully deterministic: keyword and pattern heuristics only,
// no model calls. The same (user text, reply) pair always produces the same
// verdict, which keeps the gate testable and its decisions auditable.
package evaluator

import (
	"regexp"
	"strings"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

// =============================================================================
// Config
// =============================================================================

// Config tunes verdict thresholds. Zero values select the defaults.
type Config struct {
	// MinEmpathy is the empathy score below which a reply is flagged.
	// Default 0.1.
	MinEmpathy float64

	// MinActionability is the actionability score below which a reply is
	// flagged. Default 0.05.
	MinActionability float64

	// CrisisReplies overrides the substitution message per locale key
	// ("en", "es"). Locales absent from the map keep the built-in text.
	CrisisReplies map[string]string
}

func (c Config) withDefaults() Config {
	if c.MinEmpathy <= 0 {
		c.MinEmpathy = 0.1
	}
	if c.MinActionability <= 0 {
		c.MinActionability = 0.05
	}
	return c
}

// =============================================================================
// Marker tables
// =============================================================================

// highRiskPatterns match language indicating acute self-harm risk. Matching
// is case-insensitive against the whole turn, user side included: a reply
// that engages with crisis language inherits its severity.
var highRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bend(ing)? it all\b`),
	regexp.MustCompile(`(?i)\bkill(ing)? (myself|himself|herself|themselves)\b`),
	regexp.MustCompile(`(?i)\bsuicid(e|al)\b`),
	regexp.MustCompile(`(?i)\b(hurt|harm)(ing)? myself\b`),
	regexp.MustCompile(`(?i)\bself[- ]harm\b`),
	regexp.MustCompile(`(?i)\bno reason to (live|go on)\b`),
	regexp.MustCompile(`(?i)\bbetter off without me\b`),
	regexp.MustCompile(`(?i)\bdon'?t want to (live|be here|wake up)\b`),
}

// mediumRiskPatterns match distress that warrants review but not blocking.
var mediumRiskPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bhopeless\b`),
	regexp.MustCompile(`(?i)\bcan'?t (go on|take (it|this) anymore|cope)\b`),
	regexp.MustCompile(`(?i)\bpanic attack`),
	regexp.MustCompile(`(?i)\bworthless\b`),
	regexp.MustCompile(`(?i)\bgive up on everything\b`),
	regexp.MustCompile(`(?i)\bnobody (cares|would notice)\b`),
}

// empathyMarkers are reflective-listening phrases expected in a supportive
// reply.
var empathyMarkers = []string{
	"i hear you",
	"i hear that",
	"that sounds",
	"it sounds like",
	"it's understandable",
	"that's understandable",
	"you're not alone",
	"you are not alone",
	"i'm sorry you're",
	"thank you for sharing",
	"thank you for telling me",
	"it makes sense that",
	"that must be",
	"i'm here with you",
	"what you're feeling is valid",
}

// actionabilityMarkers are phrases offering the user a concrete next step.
var actionabilityMarkers = []string{
	"you could try",
	"you might try",
	"one thing that can help",
	"consider",
	"a small step",
	"one step at a time",
	"try taking",
	"take a breath",
	"breathing exercise",
	"grounding",
	"reach out to",
	"talk to someone",
	"write down",
	"it may help to",
	"it might help to",
}

// disclaimerMarkers satisfy the disclaimer requirement. Any one suffices.
var disclaimerMarkers = []string{
	"not medical advice",
	"not a substitute for professional",
	"not a replacement for professional",
	"licensed professional",
	"licensed therapist",
	"crisis line",
	"crisis hotline",
	"emergency services",
	"call 988",
	"988 suicide",
	"no consejo médico",
	"línea de crisis",
}

// =============================================================================
// Evaluator
// =============================================================================

// Evaluator is the deterministic pre-delivery gate for assistant replies.
//
// # Thread Safety
//
// Stateless after construction; safe for concurrent use.
type Evaluator struct {
	cfg Config
}

// New builds an Evaluator with defaults applied.
func New(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg.withDefaults()}
}

// ScoreTurn evaluates a reply in the context of the user message that
// prompted it.
//
// # Description
//
// Risk language is detected across both sides of the turn, so a user in
// crisis triggers the gate even when the model's reply avoids the topic.
// Empathy, actionability, and disclaimer checks apply to the reply alone.
//
// The verdict policy:
//
//   - high risk without a disclaimer in the reply: block. The caller must
//     substitute CrisisReply for the model output.
//   - high risk with a disclaimer, or any medium risk: flag.
//   - low empathy or low actionability: flag.
//   - otherwise: pass.
func (e *Evaluator) ScoreTurn(userText, reply string) datatypes.EvaluationResult {
	res := e.Score(reply)

	risk := maxSeverity(riskOf(userText), riskOf(reply))
	if risk == severityRankNone {
		return res
	}

	res.Issues = append([]datatypes.EvaluationIssue{{
		Code:     "risk_language",
		Severity: severityOf(risk),
	}}, res.Issues...)

	switch {
	case risk == severityRankHigh && !res.DisclaimerPresent:
		res.Verdict = datatypes.VerdictBlock
		res.Substituted = true
	case res.Verdict == datatypes.VerdictPass:
		res.Verdict = datatypes.VerdictFlag
	}
	return res
}

// Score evaluates a single piece of text against the reply-quality
// heuristics. Risk scanning over the user side is ScoreTurn's job; Score
// still detects risk language inside the text itself.
func (e *Evaluator) Score(text string) datatypes.EvaluationResult {
	lower := strings.ToLower(text)
	words := len(strings.Fields(text))

	res := datatypes.EvaluationResult{
		Empathy:           markerDensity(lower, empathyMarkers, words),
		Actionability:     markerDensity(lower, actionabilityMarkers, words),
		DisclaimerPresent: containsAny(lower, disclaimerMarkers),
		Verdict:           datatypes.VerdictPass,
	}

	if res.Empathy < e.cfg.MinEmpathy {
		res.Issues = append(res.Issues, datatypes.EvaluationIssue{
			Code: "low_empathy", Severity: datatypes.SeverityLow,
		})
	}
	if res.Actionability < e.cfg.MinActionability {
		res.Issues = append(res.Issues, datatypes.EvaluationIssue{
			Code: "low_actionability", Severity: datatypes.SeverityLow,
		})
	}
	if !res.DisclaimerPresent {
		res.Issues = append(res.Issues, datatypes.EvaluationIssue{
			Code: "missing_disclaimer", Severity: datatypes.SeverityMedium,
		})
	}
	if len(res.Issues) > 0 {
		res.Verdict = datatypes.VerdictFlag
	}
	return res
}

// =============================================================================
// Crisis substitution
// =============================================================================

const crisisReplyEN = "It sounds like you're carrying something very heavy " +
	"right now, and I want you to know you're not alone. I'm not able to give " +
	"you what you need in this moment, but trained people can, right now: " +
	"call or text 988 (Suicide and Crisis Lifeline) in the US, or contact " +
	"your local emergency services. If you can, reach out to someone you " +
	"trust and let them know how you're feeling. This is general support, " +
	"not medical advice, and a licensed professional can help you through this."

const crisisReplyES = "Parece que estás cargando algo muy pesado en este " +
	"momento, y quiero que sepas que no estás solo. Hay personas capacitadas " +
	"que pueden ayudarte ahora mismo: llama a la línea de crisis de tu país o " +
	"a los servicios de emergencia locales. Si puedes, contacta a alguien de " +
	"confianza y cuéntale cómo te sientes. Esto es apoyo general, no consejo " +
	"médico, y un profesional con licencia puede acompañarte en esto."

// CrisisReply returns the locale-appropriate crisis-resource message that
// replaces a blocked reply. Unknown locales fall back to English.
func (e *Evaluator) CrisisReply(locale string) string {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		locale = locale[:i]
	}
	if custom, ok := e.cfg.CrisisReplies[locale]; ok && custom != "" {
		return custom
	}
	if locale == "es" {
		return crisisReplyES
	}
	return crisisReplyEN
}

// =============================================================================
// Helpers
// =============================================================================

// severityRank orders risk levels so the turn takes the max of both sides.
type severityRank int

const (
	severityRankNone severityRank = iota
	severityRankMedium
	severityRankHigh
)

func riskOf(text string) severityRank {
	for _, re := range highRiskPatterns {
		if re.MatchString(text) {
			return severityRankHigh
		}
	}
	for _, re := range mediumRiskPatterns {
		if re.MatchString(text) {
			return severityRankMedium
		}
	}
	return severityRankNone
}

func maxSeverity(a, b severityRank) severityRank {
	if a > b {
		return a
	}
	return b
}

func severityOf(r severityRank) datatypes.Severity {
	if r == severityRankHigh {
		return datatypes.SeverityHigh
	}
	return datatypes.SeverityMedium
}

// markerDensity counts distinct markers present and normalizes by a nominal
// reply length so short replies are not penalized for brevity alone.
func markerDensity(lower string, markers []string, words int) float64 {
	hits := 0
	for _, m := range markers {
		if strings.Contains(lower, m) {
			hits++
		}
	}
	if hits == 0 {
		return 0
	}
	norm := float64(words) / 40.0
	if norm < 1 {
		norm = 1
	}
	d := float64(hits) / norm
	if d > 1 {
		d = 1
	}
	return d
}

func containsAny(lower string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
