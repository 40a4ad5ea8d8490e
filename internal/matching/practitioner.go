package matching

import (
	"sort"
	"strings"

	"github.com/covehealth/voicebook-platform/internal/catalog"
)

var titlePrefixes = map[string]bool{
	"dr": true, "mr": true, "ms": true, "mrs": true, "prof": true,
}

type parsedName struct {
	title string
	first string
	last  string
}

// parseSpokenName splits a spoken practitioner reference into title, first
// and last name. "Dr. Smith" parses as title+last; a single bare token is
// treated as a first name, the common way callers refer to providers.
func parseSpokenName(name string) parsedName {
	var p parsedName
	parts := strings.Fields(Normalize(name))
	if len(parts) == 0 {
		return p
	}
	if titlePrefixes[strings.TrimSuffix(parts[0], ".")] {
		p.title = strings.TrimSuffix(parts[0], ".")
		parts = parts[1:]
	}
	switch len(parts) {
	case 0:
	case 1:
		if p.title != "" {
			p.last = parts[0]
		} else {
			p.first = parts[0]
		}
	default:
		p.first = parts[0]
		p.last = parts[len(parts)-1]
	}
	return p
}

// ScorePractitionerName scores how well a spoken reference matches one
// practitioner. Exact full-name and first+last forms score highest; bare
// first or last names still resolve; substrings catch partial transcripts.
func ScorePractitionerName(query string, p catalog.Practitioner) float64 {
	queryNorm := Normalize(query)
	if queryNorm == "" {
		return 0
	}
	parsed := parseSpokenName(query)
	first := Normalize(p.FirstName)
	last := Normalize(p.LastName)
	full := strings.TrimSpace(first + " " + last)
	titled := Normalize(p.FullName())

	best := 0.0
	consider := func(score float64) {
		if score > best {
			best = score
		}
	}

	if queryNorm == full || queryNorm == titled {
		consider(1.0)
	}
	if parsed.first != "" && parsed.last != "" && parsed.first == first && parsed.last == last {
		consider(0.98)
	}
	if queryNorm == first {
		consider(0.95)
	}
	if parsed.title != "" && parsed.last != "" && parsed.last == last {
		consider(0.95)
	}
	if queryNorm == last {
		consider(0.9)
	}
	if first != "" && (strings.Contains(first, queryNorm) || strings.Contains(queryNorm, first)) {
		consider(0.8)
	}
	if last != "" && (strings.Contains(last, queryNorm) || strings.Contains(queryNorm, last)) {
		consider(0.8)
	}
	consider(substringScore(queryNorm, full))
	consider(tokenScore(queryNorm, full))
	return best
}

// PractitionerMatch is one scored practitioner candidate.
type PractitionerMatch struct {
	Practitioner catalog.Practitioner
	Score        float64
}

// PractitionerResolution is the outcome of resolving a spoken practitioner
// reference.
type PractitionerResolution struct {
	Outcome Outcome
	Best    PractitionerMatch
	Options []PractitionerMatch
}

// ResolvePractitioner picks the practitioner a caller means. Two candidates
// scoring within the clarify margin of each other ("Brendan Smith" and
// "Brendan Jones" when the caller said "Brendan") produce a clarification
// instead of a guess.
func ResolvePractitioner(query string, candidates []catalog.Practitioner) PractitionerResolution {
	var matches []PractitionerMatch
	for _, c := range candidates {
		if score := ScorePractitionerName(query, c); score > practitionerThreshold {
			matches = append(matches, PractitionerMatch{Practitioner: c, Score: score})
		}
	}
	if len(matches) == 0 {
		return PractitionerResolution{Outcome: OutcomeNoMatch}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Practitioner.FullName() < matches[j].Practitioner.FullName()
	})

	var ties []PractitionerMatch
	for _, m := range matches {
		if m.Score > matches[0].Score-clarifyMargin {
			ties = append(ties, m)
		}
	}
	if len(ties) > 1 {
		return PractitionerResolution{Outcome: OutcomeClarify, Best: matches[0], Options: ties}
	}
	return PractitionerResolution{Outcome: OutcomeResolved, Best: matches[0], Options: matches}
}
