package triage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/dispatch-engine/internal/policy"
)

func TestClassifier_Classify(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		name        string
		notes       string
		wantTier    Tier
		wantKeyword string
	}{
		{name: "gas leak", notes: "I think there's a gas leak in the kitchen", wantTier: TierLifeThreatening, wantKeyword: "gas leak"},
		{name: "smell of gas", notes: "it smells like gas by the stove", wantTier: TierLifeThreatening, wantKeyword: "smell of gas"},
		{name: "electrical fire", notes: "electrical fire in the garage panel", wantTier: TierLifeThreatening, wantKeyword: "electrical fire"},
		{name: "active flooding", notes: "the basement is actively flooding", wantTier: TierLifeThreatening, wantKeyword: "active flooding"},
		{name: "burst main", notes: "looks like a burst water main out front", wantTier: TierLifeThreatening, wantKeyword: "burst main"},
		{name: "carbon monoxide", notes: "our CO alarm keeps going off", wantTier: TierLifeThreatening, wantKeyword: "carbon monoxide"},
		{name: "burst pipe", notes: "a pipe burst under the sink", wantTier: TierUrgent, wantKeyword: "burst pipe"},
		{name: "sparking outlet", notes: "the outlet in the bedroom is sparking", wantTier: TierUrgent, wantKeyword: "sparking"},
		{name: "no heat and freezing", notes: "No heat and it's freezing outside", wantTier: TierUrgent, wantKeyword: "no heat + freezing"},
		{name: "no heat alone", notes: "no heat in the upstairs bedroom", wantTier: TierRoutine},
		{name: "leaky faucet", notes: "kitchen faucet drips a little", wantTier: TierRoutine},
		{name: "empty", notes: "   ", wantTier: TierRoutine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := c.Classify(context.Background(), tt.notes, nil)
			assert.Equal(t, tt.wantTier, res.Tier)
			if tt.wantKeyword != "" {
				assert.Contains(t, res.Matched, tt.wantKeyword)
			} else {
				assert.Empty(t, res.Matched)
			}
		})
	}
}

func TestClassifier_HighestTierWins(t *testing.T) {
	c := NewClassifier(nil)
	res := c.Classify(context.Background(), "pipe burst and now there's a gas leak", nil)
	assert.Equal(t, TierLifeThreatening, res.Tier)
	assert.Equal(t, []string{"burst pipe", "gas leak"}, res.Matched)
	assert.True(t, res.Emergency())
	assert.True(t, res.ImmediateDispatch())
}

func TestClassifier_TradeScopesPhraseSets(t *testing.T) {
	c := NewClassifier(nil)
	p := policy.DefaultPolicy("biz-1")
	p.Trade = "plumbing"

	res := c.Classify(context.Background(), "outlet is sparking", p)
	assert.Equal(t, TierRoutine, res.Tier, "electrical phrases are off for a plumbing business")

	res = c.Classify(context.Background(), "gas leak near the water heater", p)
	assert.Equal(t, TierLifeThreatening, res.Tier, "general phrases apply to every trade")
}

func TestClassifier_PolicyKeywords(t *testing.T) {
	c := NewClassifier(nil)
	p := policy.DefaultPolicy("biz-1")
	p.EmergencyKeywords = []string{"Tree On Roof"}
	p.LifeThreateningKeywords = []string{"roof collapsed"}

	res := c.Classify(context.Background(), "a tree on roof after the storm", p)
	assert.Equal(t, TierUrgent, res.Tier)
	assert.Equal(t, []string{"tree on roof"}, res.Matched)

	res = c.Classify(context.Background(), "part of the roof collapsed", p)
	assert.Equal(t, TierLifeThreatening, res.Tier)
	assert.False(t, Result{Tier: TierUrgent}.ImmediateDispatch())
}

func TestAssessTranscript_CleanCall(t *testing.T) {
	turns := []Turn{
		{Role: RoleAgent, Text: "Thanks for calling, what's going on?"},
		{Role: RoleCaller, Text: "My water heater is leaking."},
		{Role: RoleAgent, Text: "I can get someone out tomorrow at 9."},
		{Role: RoleCaller, Text: "That works, thanks."},
	}
	a := AssessTranscript(turns, 0.6)
	assert.InDelta(t, 1.0, a.Score, 0.001)
	assert.False(t, a.Escalate)
	assert.Empty(t, a.Reasons)
}

func TestAssessTranscript_ConfusedCallEscalates(t *testing.T) {
	turns := []Turn{
		{Role: RoleAgent, Text: "Can I get your address?"},
		{Role: RoleCaller, Text: "I don't understand"},
		{Role: RoleAgent, Text: "Can I get your address?"},
		{Role: RoleCaller, Text: "What do you mean?"},
		{Role: RoleCaller, Text: "Can you repeat that?"},
		{Role: RoleCaller, Text: "Sorry, what?"},
	}
	a := AssessTranscript(turns, 0.6)
	assert.Equal(t, 2, a.Markers["confusion"])
	assert.Equal(t, 2, a.Markers["clarification"])
	assert.Equal(t, 1, a.Markers["agent_repeat"])
	assert.InDelta(t, 0.5, a.Score, 0.001)
	assert.True(t, a.Escalate)
	assert.Equal(t, []string{"low_confidence"}, a.Reasons)
}

func TestAssessTranscript_PanicLowersScore(t *testing.T) {
	a := AssessTranscript([]Turn{{Role: RoleCaller, Text: "Oh my god please hurry"}}, 0.6)
	assert.Equal(t, 2, a.Markers["panic"])
	assert.InDelta(t, 0.7, a.Score, 0.001)
	assert.False(t, a.Escalate)
}

func TestAssessTranscript_HumanRequest(t *testing.T) {
	a := AssessTranscript([]Turn{{Role: RoleCaller, Text: "can I talk to a real person"}}, 0.6)
	assert.True(t, a.HumanRequested)
	assert.True(t, a.Escalate)
	assert.Equal(t, []string{"human_requested"}, a.Reasons)
}

func TestParseTranscript(t *testing.T) {
	turns := ParseTranscript("Agent: Hi there\nCaller: my pipe burst\nand it's everywhere\n\nagent: ok, 10:30 works?")
	require.Len(t, turns, 3)
	assert.Equal(t, Turn{Role: RoleAgent, Text: "Hi there"}, turns[0])
	assert.Equal(t, Turn{Role: RoleCaller, Text: "my pipe burst and it's everywhere"}, turns[1])
	assert.Equal(t, RoleAgent, turns[2].Role)
	assert.Equal(t, "ok, 10:30 works?", turns[2].Text)
}
