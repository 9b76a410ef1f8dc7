package identity

import (
	"strings"

	"github.com/agext/levenshtein"
	"github.com/rotisserie/eris"
)

// Scorer rates the similarity of two normalized names in [0,1].
type Scorer interface {
	Name() string
	Score(a, b string) float64
}

// Scorer names accepted by NewScorer.
const (
	ScorerLevenshtein = "levenshtein"
	ScorerToken       = "token"
	ScorerHybrid      = "hybrid"
)

// NewScorer returns the named scorer. An empty name selects hybrid.
func NewScorer(name string) (Scorer, error) {
	switch name {
	case "", ScorerHybrid:
		return HybridScorer{}, nil
	case ScorerLevenshtein:
		return LevenshteinScorer{}, nil
	case ScorerToken:
		return TokenScorer{}, nil
	default:
		return nil, eris.Errorf("identity: unknown scorer %q", name)
	}
}

// LevenshteinScorer is normalized edit-distance similarity.
type LevenshteinScorer struct{}

func (LevenshteinScorer) Name() string { return ScorerLevenshtein }

func (LevenshteinScorer) Score(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	return clamp(levenshtein.Similarity(a, b, nil))
}

// TokenScorer is the Sørensen-Dice coefficient over token sets, which
// ignores word order.
type TokenScorer struct{}

func (TokenScorer) Name() string { return ScorerToken }

func (TokenScorer) Score(a, b string) float64 {
	if a == b {
		return 1
	}
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	shared := 0
	for t := range ta {
		if tb[t] {
			shared++
		}
	}
	return clamp(2 * float64(shared) / float64(len(ta)+len(tb)))
}

// HybridScorer takes the better of edit distance and token overlap.
type HybridScorer struct{}

func (HybridScorer) Name() string { return ScorerHybrid }

func (HybridScorer) Score(a, b string) float64 {
	return max(LevenshteinScorer{}.Score(a, b), TokenScorer{}.Score(a, b))
}

func tokenSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range strings.Fields(s) {
		out[t] = true
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
