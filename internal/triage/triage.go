// Package triage classifies free-text issue descriptions into urgency tiers
// and scores post-call transcripts for human escalation.
package triage

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/dispatch-engine/internal/policy"
	"github.com/wolfman30/dispatch-engine/pkg/logging"
)

var triageTracer = otel.Tracer("dispatch.internal.triage")

// Tier is the urgency of a request.
type Tier string

const (
	TierRoutine         Tier = "routine"
	TierUrgent          Tier = "urgent"
	TierLifeThreatening Tier = "life_threatening"
)

func (t Tier) rank() int {
	switch t {
	case TierLifeThreatening:
		return 2
	case TierUrgent:
		return 1
	default:
		return 0
	}
}

// Trade selects a phrase set.
type Trade string

const (
	TradePlumbing   Trade = "plumbing"
	TradeElectrical Trade = "electrical"
	TradeHVAC       Trade = "hvac"
	TradeGeneral    Trade = "general"
)

// Result is the triage verdict for one description.
type Result struct {
	Tier    Tier
	Matched []string
}

// Emergency reports whether the request should search today's window.
func (r Result) Emergency() bool { return r.Tier != TierRoutine }

// ImmediateDispatch reports whether the request should try the on-call path.
func (r Result) ImmediateDispatch() bool { return r.Tier == TierLifeThreatening }

type phrase struct {
	regex   *regexp.Regexp
	tier    Tier
	keyword string
}

// compound matches only when every part matches.
type compound struct {
	parts   []*regexp.Regexp
	tier    Tier
	keyword string
}

// Classifier holds the compiled phrase sets.
type Classifier struct {
	logger    *logging.Logger
	phrases   map[Trade][]phrase
	compounds map[Trade][]compound
}

// NewClassifier compiles the built-in phrase sets.
func NewClassifier(logger *logging.Logger) *Classifier {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Classifier{
		logger:    logger,
		phrases:   make(map[Trade][]phrase),
		compounds: make(map[Trade][]compound),
	}

	c.phrases[TradeGeneral] = []phrase{
		{regex: regexp.MustCompile(`(?i)\bgas\s+leak(ing)?\b`), tier: TierLifeThreatening, keyword: "gas leak"},
		{regex: regexp.MustCompile(`(?i)\b(smell|smells|smelling)\s+(of\s+|like\s+)?gas\b`), tier: TierLifeThreatening, keyword: "smell of gas"},
		{regex: regexp.MustCompile(`(?i)\b(house|room|kitchen|wall|basement)\s+(is\s+)?on\s+fire\b`), tier: TierLifeThreatening, keyword: "fire"},
		{regex: regexp.MustCompile(`(?i)\bsomeone\s+(is\s+|got\s+)?(hurt|injured)\b`), tier: TierLifeThreatening, keyword: "injury"},
		{regex: regexp.MustCompile(`(?i)\bemergency\b`), tier: TierUrgent, keyword: "emergency"},
		{regex: regexp.MustCompile(`(?i)\b(asap|right\s+away|as\s+soon\s+as\s+possible)\b`), tier: TierUrgent, keyword: "asap"},
	}

	c.phrases[TradePlumbing] = []phrase{
		{regex: regexp.MustCompile(`(?i)\bburst\s+(water\s+)?main\b`), tier: TierLifeThreatening, keyword: "burst main"},
		{regex: regexp.MustCompile(`(?i)\b(actively\s+flooding|active\s+flood(ing)?|house\s+is\s+flooding|flooding\s+(the\s+)?(house|basement|kitchen))\b`), tier: TierLifeThreatening, keyword: "active flooding"},
		{regex: regexp.MustCompile(`(?i)\b(burst|broken|busted)\s+pipe\b`), tier: TierUrgent, keyword: "burst pipe"},
		{regex: regexp.MustCompile(`(?i)\bpipe\s+(burst|broke)\b`), tier: TierUrgent, keyword: "burst pipe"},
		{regex: regexp.MustCompile(`(?i)\bno\s+(running\s+)?water\b`), tier: TierUrgent, keyword: "no water"},
		{regex: regexp.MustCompile(`(?i)\b(sewage|sewer)\s+(is\s+)?back(ing)?\s*up\b`), tier: TierUrgent, keyword: "sewage backup"},
		{regex: regexp.MustCompile(`(?i)\btoilet\s+(is\s+)?overflow(ing)?\b`), tier: TierUrgent, keyword: "overflowing toilet"},
		{regex: regexp.MustCompile(`(?i)\bwater\s+(coming|pouring|leaking)\s+(through|from)\s+(the\s+)?ceiling\b`), tier: TierUrgent, keyword: "ceiling leak"},
		{regex: regexp.MustCompile(`(?i)\bfrozen\s+pipes?\b`), tier: TierUrgent, keyword: "frozen pipe"},
	}

	c.phrases[TradeElectrical] = []phrase{
		{regex: regexp.MustCompile(`(?i)\belectrical\s+fire\b`), tier: TierLifeThreatening, keyword: "electrical fire"},
		{regex: regexp.MustCompile(`(?i)\bsmoke\s+(coming\s+)?(from|out\s+of)\s+(the\s+)?(outlet|panel|breaker|wall|switch)\b`), tier: TierLifeThreatening, keyword: "smoke from electrical"},
		{regex: regexp.MustCompile(`(?i)\b(electrocuted|got\s+(a\s+)?shock(ed)?)\b`), tier: TierLifeThreatening, keyword: "electric shock"},
		{regex: regexp.MustCompile(`(?i)\bspark(s|ing)\b`), tier: TierUrgent, keyword: "sparking"},
		{regex: regexp.MustCompile(`(?i)\bburning\s+smell\b|\bsmells?\s+like\s+burning\b`), tier: TierUrgent, keyword: "burning smell"},
		{regex: regexp.MustCompile(`(?i)\b(no\s+power|power\s+(is\s+)?out)\b`), tier: TierUrgent, keyword: "no power"},
		{regex: regexp.MustCompile(`(?i)\b(outlet|panel)\s+(is\s+)?(hot|melting)\b`), tier: TierUrgent, keyword: "hot outlet"},
	}

	c.phrases[TradeHVAC] = []phrase{
		{regex: regexp.MustCompile(`(?i)\bcarbon\s+monoxide\b|\bco\s+(alarm|detector)\b`), tier: TierLifeThreatening, keyword: "carbon monoxide"},
		{regex: regexp.MustCompile(`(?i)\bfurnace\s+(is\s+)?(smoking|on\s+fire)\b`), tier: TierLifeThreatening, keyword: "furnace fire"},
	}
	c.compounds[TradeHVAC] = []compound{
		{
			parts: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bno\s+heat\b|\bheat(er|ing)?\s+(is\s+)?(out|not\s+working|broke)`),
				regexp.MustCompile(`(?i)\b(freezing|below\s+(zero|freezing)|frozen)\b`),
			},
			tier:    TierUrgent,
			keyword: "no heat + freezing",
		},
		{
			parts: []*regexp.Regexp{
				regexp.MustCompile(`(?i)\bno\s+(ac|a/c|air\s+conditioning|cooling)\b|\b(ac|a/c)\s+(is\s+)?(out|not\s+working|broke)`),
				regexp.MustCompile(`(?i)\b(heat\s+wave|over\s+100|triple\s+digits|elderly|newborn|infant)\b`),
			},
			tier:    TierUrgent,
			keyword: "no cooling + heat risk",
		},
	}

	return c
}

func (c *Classifier) tradesFor(p *policy.Policy) []Trade {
	if p != nil {
		switch Trade(strings.ToLower(strings.TrimSpace(p.Trade))) {
		case TradePlumbing:
			return []Trade{TradeGeneral, TradePlumbing}
		case TradeElectrical:
			return []Trade{TradeGeneral, TradeElectrical}
		case TradeHVAC:
			return []Trade{TradeGeneral, TradeHVAC}
		case TradeGeneral:
			return []Trade{TradeGeneral}
		}
	}
	return []Trade{TradeGeneral, TradePlumbing, TradeElectrical, TradeHVAC}
}

// Classify returns the highest tier any phrase in notes matches. Policy
// keywords extend the built-in sets.
func (c *Classifier) Classify(ctx context.Context, notes string, p *policy.Policy) Result {
	_, span := triageTracer.Start(ctx, "triage.classify")
	defer span.End()

	notes = strings.TrimSpace(notes)
	res := Result{Tier: TierRoutine}
	if notes == "" {
		return res
	}

	seen := make(map[string]struct{})
	match := func(tier Tier, keyword string) {
		if tier.rank() > res.Tier.rank() {
			res.Tier = tier
		}
		if _, ok := seen[keyword]; !ok {
			seen[keyword] = struct{}{}
			res.Matched = append(res.Matched, keyword)
		}
	}

	for _, trade := range c.tradesFor(p) {
		for _, ph := range c.phrases[trade] {
			if ph.regex.MatchString(notes) {
				match(ph.tier, ph.keyword)
			}
		}
		for _, cp := range c.compounds[trade] {
			all := true
			for _, part := range cp.parts {
				if !part.MatchString(notes) {
					all = false
					break
				}
			}
			if all {
				match(cp.tier, cp.keyword)
			}
		}
	}

	if p != nil {
		lower := strings.ToLower(notes)
		for _, kw := range p.LifeThreateningKeywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(lower, kw) {
				match(TierLifeThreatening, kw)
			}
		}
		for _, kw := range p.EmergencyKeywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(lower, kw) {
				match(TierUrgent, kw)
			}
		}
	}
	sort.Strings(res.Matched)

	span.SetAttributes(
		attribute.String("dispatch.triage_tier", string(res.Tier)),
		attribute.StringSlice("dispatch.triage_matched", res.Matched),
	)
	if res.Tier != TierRoutine {
		c.logger.Info("emergency language detected", "tier", res.Tier, "matched", res.Matched)
	}
	return res
}
