package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wolfman30/dispatch-engine/internal/triage"
)

func TestHashPhone(t *testing.T) {
	h1 := HashPhone("+15005550002")
	h2 := HashPhone("+15005550002")
	h3 := HashPhone("+15551234567")

	assert.Equal(t, h1, h2, "same input should produce same hash")
	assert.NotEqual(t, h1, h3, "different input should produce different hash")
	assert.Len(t, h1, 64, "SHA-256 hex should be 64 chars")
}

func TestScrubPII(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect string
	}{
		{"email", "contact me at john@example.com please", "contact me at [EMAIL] please"},
		{"phone", "call me at (330) 333-2654", "call me at[PHONE]"},
		{"phone with plus", "my number is +15005550002", "my number is [PHONE]"},
		{"address kept", "I'm at 12 Elm Street", "I'm at 12 Elm Street"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, ScrubPII(tt.input))
		})
	}
}

func TestScrubTurns(t *testing.T) {
	turns := []triage.Turn{
		{Role: triage.RoleCaller, Text: "my email is test@test.com"},
		{Role: triage.RoleAgent, Text: "Got it!"},
	}
	ScrubTurns(turns)
	assert.Equal(t, "my email is [EMAIL]", turns[0].Text)
	assert.Equal(t, "Got it!", turns[1].Text)
}
