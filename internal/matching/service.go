package matching

import (
	"sort"
	"strings"

	"github.com/covehealth/voicebook-platform/internal/catalog"
)

// MatchServiceStrict finds the service a caller named, accepting only an
// exact normalized match or full containment either way. Booking acts on
// the result directly, so anything looser is rejected rather than guessed;
// the caller is re-prompted with suggestions instead.
func MatchServiceStrict(query string, services []catalog.Service) (catalog.Service, bool) {
	queryNorm := Normalize(query)
	if queryNorm == "" {
		return catalog.Service{}, false
	}
	for _, svc := range services {
		nameNorm := Normalize(svc.Name)
		if queryNorm == nameNorm {
			return svc, true
		}
	}
	for _, svc := range services {
		nameNorm := Normalize(svc.Name)
		if nameNorm == "" {
			continue
		}
		if containsToken(nameNorm, queryNorm) || containsToken(queryNorm, nameNorm) {
			return svc, true
		}
	}
	return catalog.Service{}, false
}

// containsToken reports whether needle appears in hay as a whole word
// sequence, so "wax" does not match "Waxahachie Consult".
func containsToken(hay, needle string) bool {
	hayTokens := strings.Fields(hay)
	needleTokens := strings.Fields(needle)
	if len(needleTokens) == 0 || len(needleTokens) > len(hayTokens) {
		return false
	}
	for i := 0; i+len(needleTokens) <= len(hayTokens); i++ {
		match := true
		for j, t := range needleTokens {
			if hayTokens[i+j] != t {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// ServiceSuggestion is one fuzzy service candidate for a "did you mean"
// list.
type ServiceSuggestion struct {
	Service catalog.Service
	Score   float64
}

// SuggestServices ranks services against a phrase that failed strict
// matching. Scores blend exactness, containment and token overlap; anything
// under the suggestion threshold is dropped.
func SuggestServices(query string, services []catalog.Service) []ServiceSuggestion {
	queryNorm := Normalize(query)
	if queryNorm == "" {
		return nil
	}
	var out []ServiceSuggestion
	for _, svc := range services {
		nameNorm := Normalize(svc.Name)
		score := 0.0
		switch {
		case queryNorm == nameNorm:
			score = 1.0
		default:
			if s := substringScore(queryNorm, nameNorm); s > score {
				score = s
			}
			if s := tokenScore(queryNorm, nameNorm); s > score {
				score = s
			}
		}
		if score >= serviceSuggestThreshold {
			out = append(out, ServiceSuggestion{Service: svc, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Service.Name < out[j].Service.Name
	})
	return out
}
