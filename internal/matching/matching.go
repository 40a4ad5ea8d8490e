// Package matching resolves free-text caller phrases to catalog entities.
// Voice transcripts arrive mangled ("the city clinic", "doctor smith", "the
// lip thing"), so every resolver scores all candidates and reports an
// outcome the webhook layer can turn into a resolved id, a confirmation
// question, or a clarification list. Scoring is deterministic; there is no
// edit-distance fuzzing, because near-miss transcriptions are better handled
// by asking than by guessing.
package matching

import (
	"sort"
	"strconv"
	"strings"

	"github.com/covehealth/voicebook-platform/internal/catalog"
)

// Confidence bands reported alongside scores.
type Confidence string

const (
	HighConfidence   Confidence = "high_confidence"
	MediumConfidence Confidence = "medium_confidence"
	LowConfidence    Confidence = "low_confidence"
	NoMatch          Confidence = "no_match"
)

// Outcome tells the caller what to do with a resolution.
type Outcome string

const (
	// OutcomeResolved means one candidate is safe to act on.
	OutcomeResolved Outcome = "resolved"
	// OutcomeConfirm means ask the caller to confirm the single best guess.
	OutcomeConfirm Outcome = "needs_confirmation"
	// OutcomeClarify means offer the options list and ask the caller to pick.
	OutcomeClarify Outcome = "needs_clarification"
	// OutcomeNoMatch means nothing scored above the floor.
	OutcomeNoMatch Outcome = "no_match"
)

// Per-kind thresholds. Locations resolve at 0.8 and confirm at 0.6;
// practitioners act on anything above 0.6; service suggestions float lower
// because they feed a list, not an action.
const (
	locationResolveThreshold = 0.8
	locationConfirmThreshold = 0.6
	practitionerThreshold    = 0.6
	serviceSuggestThreshold  = 0.5

	// clarifyMargin is how close a runner-up must be to the top score
	// before the result counts as ambiguous.
	clarifyMargin = 0.05

	// historyBoost lifts the caller's usual location when the query alone
	// is inconclusive. Capped below the resolve threshold's certainty so
	// history never silently overrides an explicit request.
	historyBoost    = 0.3
	historyBoostCap = 0.9
)

// BandFor maps a score to its confidence band.
func BandFor(score float64) Confidence {
	switch {
	case score >= 0.8:
		return HighConfidence
	case score >= 0.6:
		return MediumConfidence
	case score >= 0.3:
		return LowConfidence
	default:
		return NoMatch
	}
}

// Normalize lowercases and collapses runs of whitespace, the minimum shared
// by every scorer.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// fillerWords are dropped from location queries unless the query is a single
// word ("office" alone still means the primary location).
var fillerWords = map[string]bool{
	"the": true, "at": true, "in": true, "clinic": true,
	"location": true, "branch": true, "office": true, "place": true,
}

// primaryTokens are generic references to a clinic's main location.
var primaryTokens = map[string]bool{
	"main": true, "primary": true, "first": true,
	"central": true, "head": true, "office": true,
}

var ordinalNumbers = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"1st": 1, "2nd": 2, "3rd": 3, "4th": 4, "5th": 5,
}

func normalizeLocationQuery(query string) string {
	words := strings.Fields(strings.ToLower(query))
	if len(words) <= 1 {
		return strings.Join(words, " ")
	}
	kept := words[:0]
	for _, w := range words {
		if !fillerWords[w] {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return strings.Join(words, " ")
	}
	return strings.Join(kept, " ")
}

// substringScore scores bidirectional containment, scaled by length ratio so
// "city" against "city clinic east" scores lower than "city clinic".
func substringScore(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if !strings.Contains(longer, shorter) {
		return 0
	}
	return 0.8 * float64(len(shorter)) / float64(len(longer))
}

// tokenScore scores word-level overlap, scaled by how much of the longer
// side is covered.
func tokenScore(a, b string) float64 {
	aTokens, bTokens := strings.Fields(a), strings.Fields(b)
	if len(aTokens) == 0 || len(bTokens) == 0 {
		return 0
	}
	set := make(map[string]bool, len(bTokens))
	for _, t := range bTokens {
		set[t] = true
	}
	matched := 0
	for _, t := range aTokens {
		if set[t] {
			matched++
		}
	}
	if matched == 0 {
		return 0
	}
	longest := len(aTokens)
	if len(bTokens) > longest {
		longest = len(bTokens)
	}
	return 0.8 * float64(matched) / float64(longest)
}

func queryNumber(query string) (int, bool) {
	for _, tok := range strings.Fields(query) {
		if n, err := strconv.Atoi(tok); err == nil {
			return n, true
		}
		if n, ok := ordinalNumbers[tok]; ok {
			return n, true
		}
	}
	return 0, false
}

func nameNumber(name string) (int, bool) {
	start := -1
	for i, r := range name {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			n, _ := strconv.Atoi(name[start:i])
			return n, true
		}
	}
	if start >= 0 {
		n, _ := strconv.Atoi(name[start:])
		return n, true
	}
	return 0, false
}

// LocationMatch is one scored location candidate.
type LocationMatch struct {
	Business   catalog.Business
	Score      float64
	Reason     string
	Confidence Confidence
}

// LocationResolution is the outcome of resolving a spoken location phrase.
type LocationResolution struct {
	Outcome  Outcome
	Selected LocationMatch
	Options  []LocationMatch
}

// LocationQuery carries the spoken phrase plus what the platform already
// knows about the caller.
type LocationQuery struct {
	Query string
	// PreferredBusinessID is the caller's usual location from booking
	// context; it breaks low-confidence ties but never overrides an
	// explicit request.
	PreferredBusinessID catalog.BusinessID
}

// scoreLocation returns the best signal for one candidate. position is the
// candidate's 1-based rank in the deterministic location order and backs
// "the second clinic" style references.
func scoreLocation(queryNorm string, b catalog.Business, position int) (float64, string) {
	if queryNorm == "" {
		return 0, "no_match"
	}
	nameNorm := normalizeLocationQuery(b.Name)

	best, reason := 0.0, "no_match"
	consider := func(score float64, why string) {
		if score > best {
			best, reason = score, why
		}
	}

	if queryNorm == nameNorm {
		consider(1.0, "exact_match")
	}
	for _, alias := range b.Aliases {
		if queryNorm == normalizeLocationQuery(alias) {
			consider(0.95, "alias_match")
			break
		}
	}
	if b.IsPrimary {
		for _, tok := range strings.Fields(queryNorm) {
			if primaryTokens[tok] {
				consider(0.8, "primary_reference")
				break
			}
		}
	}
	if s := substringScore(queryNorm, nameNorm); s > 0 {
		consider(s, "substring_match")
	}
	if s := tokenScore(queryNorm, nameNorm); s > 0 {
		consider(s, "token_match")
	}
	if n, ok := queryNumber(queryNorm); ok {
		if m, ok := nameNumber(nameNorm); ok && m == n {
			consider(0.8, "number_match")
		} else if position == n {
			consider(0.75, "ordinal_match")
		}
	}

	if b.IsPrimary && best > 0 {
		best += 0.1
		if best > 1.0 {
			best = 1.0
		}
	}
	return best, reason
}

// ResolveLocation scores every location of a clinic against the spoken
// phrase and decides whether to act, confirm, or clarify.
func ResolveLocation(q LocationQuery, businesses []catalog.Business) LocationResolution {
	if len(businesses) == 0 {
		return LocationResolution{Outcome: OutcomeNoMatch}
	}
	ordered := orderLocations(businesses)
	if len(ordered) == 1 {
		only := LocationMatch{Business: ordered[0], Score: 1.0, Reason: "only_location", Confidence: HighConfidence}
		return LocationResolution{Outcome: OutcomeResolved, Selected: only, Options: []LocationMatch{only}}
	}

	queryNorm := normalizeLocationQuery(q.Query)
	matches := make([]LocationMatch, len(ordered))
	for i, b := range ordered {
		score, reason := scoreLocation(queryNorm, b, i+1)
		matches[i] = LocationMatch{Business: b, Score: score, Reason: reason}
	}
	rankLocationMatches(matches)

	// When the phrase alone is inconclusive, lean on where this caller
	// usually books.
	if q.PreferredBusinessID != "" && matches[0].Score < 0.7 {
		for i := range matches {
			if matches[i].Business.ID != q.PreferredBusinessID {
				continue
			}
			boosted := matches[i].Score + historyBoost
			if boosted > historyBoostCap {
				boosted = historyBoostCap
			}
			if boosted > matches[i].Score {
				matches[i].Score = boosted
				matches[i].Reason = matches[i].Reason + ",usual_location"
			}
			break
		}
		rankLocationMatches(matches)
	}

	for i := range matches {
		matches[i].Confidence = BandFor(matches[i].Score)
	}

	best := matches[0]
	switch {
	case best.Score >= locationResolveThreshold:
		if ties := withinMargin(matches, best.Score); len(ties) > 1 {
			return LocationResolution{Outcome: OutcomeClarify, Options: ties}
		}
		return LocationResolution{Outcome: OutcomeResolved, Selected: best, Options: matches[:1]}
	case best.Score >= locationConfirmThreshold:
		options := matches[:1]
		if len(matches) > 1 && matches[1].Score >= best.Score*0.8 {
			options = matches[:2]
		}
		return LocationResolution{Outcome: OutcomeConfirm, Selected: best, Options: options}
	default:
		return LocationResolution{Outcome: OutcomeClarify, Options: matches}
	}
}

// orderLocations fixes the deterministic order positions are assigned in:
// primary first, then name.
func orderLocations(businesses []catalog.Business) []catalog.Business {
	ordered := make([]catalog.Business, len(businesses))
	copy(ordered, businesses)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].IsPrimary != ordered[j].IsPrimary {
			return ordered[i].IsPrimary
		}
		return ordered[i].Name < ordered[j].Name
	})
	return ordered
}

func rankLocationMatches(matches []LocationMatch) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Business.IsPrimary != matches[j].Business.IsPrimary {
			return matches[i].Business.IsPrimary
		}
		return matches[i].Business.Name < matches[j].Business.Name
	})
}

func withinMargin(matches []LocationMatch, top float64) []LocationMatch {
	var ties []LocationMatch
	for _, m := range matches {
		if m.Score > top-clarifyMargin {
			ties = append(ties, m)
		}
	}
	return ties
}
