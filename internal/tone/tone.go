// Package tone provides a fixed whitelist of coaching tone tags, EMA-based
// score smoothing, mutual-exclusion enforcement, and prompt-guide
// construction for the implicit user-tone feature.
//
// Scores live in the store as a per-user map; reply actions nudge them and
// the synthesizer reads the derived active tags on every generation.
package tone

import (
	"math"
	"sort"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// ---- Whitelist ----

// AllTags is the hard-coded set of safe tone tags.
var AllTags = map[string]bool{
	// Style
	"concise":   true,
	"detailed":  true,
	"formal":    true,
	"casual":    true,
	"no_emojis": true,
	"emojis_ok": true,
	// Stance
	"warm_supportive": true,
	"direct_coach":    true,
	"gentle_coach":    true,
}

// mutuallyExclusivePairs defines tags where at most one may be active.
var mutuallyExclusivePairs = [][2]string{
	{"concise", "detailed"},
	{"formal", "casual"},
	{"direct_coach", "gentle_coach"},
}

// ---- Constants for EMA / activation ----

const (
	alpha             = 0.15
	activateThreshold = 0.7
	deactivateMargin  = 0.01
)

// ---- Public API ----

// ProposalForAction maps a reply action to the tone tags it implies. Users
// who act on pointed nudges tolerate directness; users who snooze or skip
// get a softer coach.
func ProposalForAction(action models.ActionKind) []string {
	switch action {
	case models.ActionCompleteHabit, models.ActionLogProgress:
		return []string{"direct_coach", "concise"}
	case models.ActionSnooze:
		return []string{"gentle_coach"}
	case models.ActionSkip:
		return []string{"gentle_coach", "warm_supportive"}
	case models.ActionDismiss:
		return []string{"concise"}
	default:
		return nil
	}
}

// ValidateTags strips unknown tags and normalizes casing and whitespace.
func ValidateTags(tags []string) []string {
	var cleaned []string
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.TrimSpace(strings.ToLower(t))
		if AllTags[t] && !seen[t] {
			cleaned = append(cleaned, t)
			seen[t] = true
		}
	}
	return cleaned
}

// UpdateScores applies observed tags to the score map using EMA smoothing,
// decays non-observed tags toward zero, and enforces mutual exclusion.
// Returns true if the map was actually mutated.
func UpdateScores(scores map[string]float64, observed []string) bool {
	observed = ValidateTags(observed)
	if len(observed) == 0 {
		return false
	}

	obs := make(map[string]bool, len(observed))
	for _, t := range observed {
		obs[t] = true
	}

	changed := false
	for tag := range obs {
		prev := scores[tag]
		next := clamp((1-alpha)*prev + alpha)
		if next != prev {
			scores[tag] = next
			changed = true
		}
	}
	// Decay non-observed tags toward 0 so deactivation can occur.
	for tag, prev := range scores {
		if obs[tag] || prev <= 0 {
			continue
		}
		decayed := clamp((1 - alpha) * prev)
		if decayed != prev {
			scores[tag] = decayed
			changed = true
		}
	}

	if !changed {
		return false
	}

	// no_emojis overrides emojis_ok.
	if scores["no_emojis"] >= activateThreshold {
		scores["emojis_ok"] = 0
	}

	// Enforce mutual exclusion: keep the higher score.
	for _, pair := range mutuallyExclusivePairs {
		a, b := pair[0], pair[1]
		sa, sb := scores[a], scores[b]
		if sa >= activateThreshold && sb >= activateThreshold {
			if sa >= sb {
				scores[b] = activateThreshold - deactivateMargin
			} else {
				scores[a] = activateThreshold - deactivateMargin
			}
		}
	}

	return true
}

// ActiveTags derives the active tag set from a score map. Output is sorted
// for deterministic prompt construction.
func ActiveTags(scores map[string]float64) []string {
	var tags []string
	for tag, score := range scores {
		if AllTags[tag] && score >= activateThreshold {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags
}

// BuildToneGuide produces a compact instruction snippet for injection into LLM system prompts.
// It returns an empty string when there are no active tags.
func BuildToneGuide(tags []string) string {
	if len(tags) == 0 {
		return ""
	}

	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}

	var b strings.Builder
	b.WriteString("\n<TONE POLICY>\nAdapt the nudge to the user's communication style:\n")

	// Style rules.
	if set["concise"] {
		b.WriteString("- Be concise: short sentences, minimal filler.\n")
	}
	if set["detailed"] {
		b.WriteString("- Be detailed: provide slightly more explanation, but avoid rambling.\n")
	}
	if set["formal"] {
		b.WriteString("- Use formal diction and professional register.\n")
	}
	if set["casual"] {
		b.WriteString("- Use casual, friendly language.\n")
	}
	if set["no_emojis"] {
		b.WriteString("- Do NOT use emojis.\n")
	} else if set["emojis_ok"] {
		b.WriteString("- Emojis are welcome where appropriate.\n")
	}

	// Stance rules.
	hasStance := false
	if set["warm_supportive"] {
		b.WriteString("- Adopt a warm, supportive stance. Encourage the user.\n")
		hasStance = true
	}
	if set["direct_coach"] {
		b.WriteString("- Be a direct coach: clear, action-oriented feedback.\n")
		hasStance = true
	}
	if set["gentle_coach"] {
		b.WriteString("- Be a gentle coach: patient, encouraging guidance.\n")
		hasStance = true
	}
	if !hasStance {
		// Default stance.
		b.WriteString("- Keep a neutral, professional stance.\n")
	}

	b.WriteString("- NEVER mirror hostility, sarcasm, insults, or unsafe language.\n")
	b.WriteString("</TONE POLICY>\n")

	return b.String()
}

// ---- helpers ----

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	// Round to 4 decimal places to avoid floating point drift.
	return math.Round(v*10000) / 10000
}
