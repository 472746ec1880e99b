// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package evaluator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/havenmind/haven/services/orchestrator/datatypes"
)

const goodReply = "I hear you, and that sounds really difficult. " +
	"It makes sense that you feel overwhelmed after a week like that. " +
	"One thing that can help is a short breathing exercise before bed. " +
	"This is general support, not medical advice, and a licensed therapist " +
	"can work through the deeper patterns with you."

func TestScoreTurn_CrisisLanguageBlocksWithoutDisclaimer(t *testing.T) {
	ev := New(Config{})

	reply := "Have you tried going for a walk? Exercise helps a lot of people."
	res := ev.ScoreTurn("I want to end it all", reply)

	assert.Equal(t, datatypes.VerdictBlock, res.Verdict)
	assert.True(t, res.Substituted)
	require.NotEmpty(t, res.Issues)
	assert.Equal(t, "risk_language", res.Issues[0].Code)
	assert.Equal(t, datatypes.SeverityHigh, res.Issues[0].Severity)
}

func TestScoreTurn_CrisisLanguageWithDisclaimerIsFlagged(t *testing.T) {
	ev := New(Config{})

	reply := "I hear you, and I'm so glad you told me. You're not alone in this. " +
		"Please reach out to the 988 Suicide and Crisis Lifeline right now, or " +
		"contact emergency services. A licensed professional can help you " +
		"through this moment."
	res := ev.ScoreTurn("I want to end it all", reply)

	assert.Equal(t, datatypes.VerdictFlag, res.Verdict)
	assert.False(t, res.Substituted)
	assert.True(t, res.DisclaimerPresent)
}

func TestScoreTurn_RiskInReplyAloneTriggersGate(t *testing.T) {
	ev := New(Config{})

	res := ev.ScoreTurn(
		"I had a rough day at work",
		"Sometimes people feel like ending it all, and that is normal.",
	)
	assert.Equal(t, datatypes.VerdictBlock, res.Verdict)
}

func TestScoreTurn_MediumRiskFlags(t *testing.T) {
	ev := New(Config{})

	res := ev.ScoreTurn("Everything feels hopeless lately", goodReply)
	assert.Equal(t, datatypes.VerdictFlag, res.Verdict)
	assert.False(t, res.Substituted)
	require.NotEmpty(t, res.Issues)
	assert.Equal(t, "risk_language", res.Issues[0].Code)
	assert.Equal(t, datatypes.SeverityMedium, res.Issues[0].Severity)
}

func TestScoreTurn_CleanTurnPasses(t *testing.T) {
	ev := New(Config{})

	res := ev.ScoreTurn("Work has been stressful this week", goodReply)
	assert.Equal(t, datatypes.VerdictPass, res.Verdict)
	assert.Empty(t, res.Issues)
	assert.True(t, res.DisclaimerPresent)
	assert.Greater(t, res.Empathy, 0.0)
	assert.Greater(t, res.Actionability, 0.0)
}

func TestScore_FlagsMissingQualities(t *testing.T) {
	ev := New(Config{})

	res := ev.Score("Just do more exercise.")
	assert.Equal(t, datatypes.VerdictFlag, res.Verdict)

	codes := make([]string, 0, len(res.Issues))
	for _, is := range res.Issues {
		codes = append(codes, is.Code)
	}
	assert.Contains(t, codes, "low_empathy")
	assert.Contains(t, codes, "missing_disclaimer")
}

func TestScore_Deterministic(t *testing.T) {
	ev := New(Config{})
	a := ev.ScoreTurn("I feel worthless and can't cope", goodReply)
	b := ev.ScoreTurn("I feel worthless and can't cope", goodReply)
	assert.Equal(t, a, b)
}

func TestCrisisReply_LocaleSelection(t *testing.T) {
	ev := New(Config{})

	assert.Contains(t, ev.CrisisReply("en"), "988")
	assert.Contains(t, ev.CrisisReply("es-MX"), "línea de crisis")
	assert.Contains(t, ev.CrisisReply("fr"), "988") // unknown falls back to English
	// The substitution itself must satisfy the disclaimer requirement.
	res := ev.Score(ev.CrisisReply("en"))
	assert.True(t, res.DisclaimerPresent)
}

func TestRiskPatterns_CaseInsensitive(t *testing.T) {
	ev := New(Config{})

	for _, in := range []string{
		"I WANT TO END IT ALL",
		"i've been thinking about killing myself",
		"lately I've thought about self-harm",
		"there's no reason to go on",
	} {
		res := ev.ScoreTurn(in, "Take a walk.")
		assert.Equal(t, datatypes.VerdictBlock, res.Verdict, "input %q", in)
	}
}

func TestCrisisReply_ConfiguredOverride(t *testing.T) {
	ev := New(Config{CrisisReplies: map[string]string{
		"en": "Please contact your local crisis line right away.",
	}})

	assert.Equal(t, "Please contact your local crisis line right away.", ev.CrisisReply("en-GB"))
	// Locales without an override keep the built-in text.
	assert.Contains(t, ev.CrisisReply("es"), "línea de crisis")
}
