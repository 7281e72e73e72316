package triage

import (
	"regexp"
	"strings"
)

// Speaker roles in a transcript.
const (
	RoleCaller = "caller"
	RoleAgent  = "agent"
)

// Turn is one utterance in a call transcript.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Marker penalties applied to a starting confidence of 1.
const (
	confusionPenalty     = 0.10
	clarificationPenalty = 0.10
	panicPenalty         = 0.15
	agentRepeatPenalty   = 0.10
)

var confusionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bi\s+don'?t\s+understand\b`),
	regexp.MustCompile(`(?i)\bwhat\s+do\s+you\s+mean\b`),
	regexp.MustCompile(`(?i)\b(i'?m|i\s+am)\s+(confused|lost)\b`),
	regexp.MustCompile(`(?i)\bthat'?s\s+not\s+what\s+i\s+(said|asked|meant)\b`),
	regexp.MustCompile(`(?i)^\s*(huh|what)\s*\??\s*$`),
}

var clarificationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(can|could)\s+you\s+(repeat|say)\s+(that|it)(\s+again)?\b`),
	regexp.MustCompile(`(?i)\bsay\s+(that|it)\s+again\b`),
	regexp.MustCompile(`(?i)\b(pardon|come\s+again)\b`),
	regexp.MustCompile(`(?i)\bi\s+(already|just)\s+(told|said)\b`),
	regexp.MustCompile(`(?i)\bsorry\s*,?\s*what\b`),
}

var panicPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bplease\s+hurry\b|\bhurry\b`),
	regexp.MustCompile(`(?i)\boh\s+my\s+god\b`),
	regexp.MustCompile(`(?i)\b(help\s+me|please\s+help)\b`),
	regexp.MustCompile(`(?i)\b(i'?m|we'?re)\s+(scared|terrified|panicking)\b`),
	regexp.MustCompile(`(?i)\beverything\s+is\s+(flooding|on\s+fire)\b`),
}

var humanRequestPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(speak|talk)\s*(to|with)\s*(someone|a\s*(real\s+)?person|a\s*human|a\s*manager)\b`),
	regexp.MustCompile(`(?i)\bcall\s*(me\s*)?back\b`),
	regexp.MustCompile(`(?i)\b(real|actual)\s+person\b`),
	regexp.MustCompile(`(?i)\bare\s+you\s+a\s+(robot|bot|machine)\b`),
}

// Assessment is the post-call confidence verdict.
type Assessment struct {
	Score          float64        `json:"score"`
	Markers        map[string]int `json:"markers"`
	HumanRequested bool           `json:"human_requested"`
	Escalate       bool           `json:"escalate"`
	Reasons        []string       `json:"reasons,omitempty"`
}

// AssessTranscript scores how well the call went. Caller confusion,
// clarification requests, panic language and agent repetition lower the
// score; a score under threshold or an explicit request for a person
// escalates.
func AssessTranscript(turns []Turn, threshold float64) Assessment {
	a := Assessment{Score: 1, Markers: map[string]int{}}

	agentSeen := make(map[string]int)
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		switch strings.ToLower(t.Role) {
		case RoleAgent:
			key := strings.ToLower(strings.Join(strings.Fields(text), " "))
			agentSeen[key]++
			if agentSeen[key] > 1 {
				a.Markers["agent_repeat"]++
			}
		default:
			a.Markers["confusion"] += countMatches(confusionPatterns, text)
			a.Markers["clarification"] += countMatches(clarificationPatterns, text)
			a.Markers["panic"] += countMatches(panicPatterns, text)
			if countMatches(humanRequestPatterns, text) > 0 {
				a.HumanRequested = true
			}
		}
	}

	a.Score -= float64(a.Markers["confusion"]) * confusionPenalty
	a.Score -= float64(a.Markers["clarification"]) * clarificationPenalty
	a.Score -= float64(a.Markers["panic"]) * panicPenalty
	a.Score -= float64(a.Markers["agent_repeat"]) * agentRepeatPenalty
	if a.Score < 0 {
		a.Score = 0
	}
	// Round to two places so thresholds compare predictably.
	a.Score = float64(int(a.Score*100+0.5)) / 100

	if a.Score < threshold {
		a.Escalate = true
		a.Reasons = append(a.Reasons, "low_confidence")
	}
	if a.HumanRequested {
		a.Escalate = true
		a.Reasons = append(a.Reasons, "human_requested")
	}
	return a
}

// ParseTranscript splits a plain "role: text" transcript into turns. Lines
// without a known role prefix continue the previous turn.
func ParseTranscript(raw string) []Turn {
	var turns []Turn
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		role, text, ok := strings.Cut(line, ":")
		r := strings.ToLower(strings.TrimSpace(role))
		switch {
		case ok && (r == RoleCaller || r == "customer" || r == "user"):
			turns = append(turns, Turn{Role: RoleCaller, Text: strings.TrimSpace(text)})
		case ok && (r == RoleAgent || r == "assistant" || r == "bot"):
			turns = append(turns, Turn{Role: RoleAgent, Text: strings.TrimSpace(text)})
		case len(turns) > 0:
			turns[len(turns)-1].Text += " " + line
		default:
			turns = append(turns, Turn{Role: RoleCaller, Text: line})
		}
	}
	return turns
}

func countMatches(patterns []*regexp.Regexp, text string) int {
	n := 0
	for _, p := range patterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}
