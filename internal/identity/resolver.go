package identity

import (
	"context"
	"errors"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/internal/resilience"
)

// RegistryHit is one result from an external company registry search.
type RegistryHit struct {
	ID      string
	Name    string
	Address model.Address
}

// Registry is an external index of organizations, e.g. Companies House.
type Registry interface {
	Name() string
	Search(ctx context.Context, name string) ([]RegistryHit, error)
}

// Config holds the matching thresholds and scorer selection.
type Config struct {
	MediumThreshold float64 `yaml:"medium_threshold" mapstructure:"medium_threshold"`
	HighThreshold   float64 `yaml:"high_threshold" mapstructure:"high_threshold"`
	Scorer          string  `yaml:"scorer" mapstructure:"scorer"`
	// PostcodeBonus is added when both sides carry the same postcode.
	PostcodeBonus float64 `yaml:"postcode_bonus" mapstructure:"postcode_bonus"`
	MaxCandidates int     `yaml:"max_candidates" mapstructure:"max_candidates"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MediumThreshold: 0.65,
		HighThreshold:   0.85,
		Scorer:          ScorerHybrid,
		PostcodeBonus:   0.05,
		MaxCandidates:   5,
	}
}

// Validate checks 0 < medium < high <= 1.
func (c Config) Validate() error {
	if c.MediumThreshold <= 0 || c.HighThreshold > 1 || c.MediumThreshold >= c.HighThreshold {
		return eris.Errorf("identity: thresholds must satisfy 0 < medium (%.2f) < high (%.2f) <= 1", c.MediumThreshold, c.HighThreshold)
	}
	if c.PostcodeBonus < 0 || c.PostcodeBonus > 1 {
		return eris.New("identity: postcode_bonus must be in [0,1]")
	}
	if c.MaxCandidates < 0 {
		return eris.New("identity: max_candidates must not be negative")
	}
	if _, err := NewScorer(c.Scorer); err != nil {
		return err
	}
	return nil
}

// Resolution is the outcome of matching one organization.
type Resolution struct {
	Tier           model.Tier
	NormalizedName string
	// Candidates are ordered best first.
	Candidates []model.IdentityCandidate
}

// Best returns the top candidate, if any.
func (r Resolution) Best() (model.IdentityCandidate, bool) {
	if len(r.Candidates) == 0 {
		return model.IdentityCandidate{}, false
	}
	return r.Candidates[0], true
}

// BestLocal returns the highest ranked candidate backed by a local entity.
func (r Resolution) BestLocal() (model.IdentityCandidate, bool) {
	for _, c := range r.Candidates {
		if c.EntityID != "" {
			return c, true
		}
	}
	return model.IdentityCandidate{}, false
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRegistry adds an external registry consulted through breaker. A nil
// breaker gets the default thresholds.
func WithRegistry(reg Registry, breaker *resilience.CircuitBreaker) Option {
	return func(r *Resolver) {
		r.registry = reg
		if breaker == nil {
			breaker = resilience.NewCircuitBreaker(0, 0)
		}
		r.breaker = breaker
	}
}

// WithScorer overrides the configured scorer.
func WithScorer(s Scorer) Option {
	return func(r *Resolver) { r.scorer = s }
}

// Resolver classifies organization names against a Snapshot and, when
// configured, an external registry.
type Resolver struct {
	cfg      Config
	scorer   Scorer
	registry Registry
	breaker  *resilience.CircuitBreaker
	log      *zap.Logger
}

// New creates a Resolver.
func New(cfg Config, opts ...Option) (*Resolver, error) {
	if cfg.MaxCandidates == 0 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scorer, _ := NewScorer(cfg.Scorer)
	r := &Resolver{
		cfg:    cfg,
		scorer: scorer,
		log:    zap.L().With(zap.String("component", "identity")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve matches name against snap.
//
// Exactly one entity with the same normalized name is an exact match; two or
// more such entities are ambiguous. Otherwise every entity and registry hit
// is scored and those at or above the medium threshold are kept: none is
// low, a single candidate at or above the high threshold is high, anything
// else is medium. Registry failures degrade to local-only matching.
func (r *Resolver) Resolve(ctx context.Context, name string, addr model.Address, snap *Snapshot) (Resolution, error) {
	if snap == nil {
		snap = NewSnapshot(nil)
	}
	res := Resolution{NormalizedName: Normalize(name)}
	if res.NormalizedName == "" {
		return res, eris.New("identity: empty organization name")
	}

	if exact := snap.byNormalizedName(res.NormalizedName); len(exact) > 0 {
		for _, e := range exact {
			res.Candidates = append(res.Candidates, localCandidate(e, 1))
		}
		rank(res.Candidates)
		res.Tier = model.TierExact
		if len(exact) > 1 {
			res.Tier = model.TierMedium
		}
		return res, nil
	}

	postcode := NormalizePostcode(addr.Postcode)
	var cands []model.IdentityCandidate
	for _, e := range snap.entities {
		score := r.score(res.NormalizedName, entityNormalizedName(e), postcode, e.Address.Postcode)
		if score >= r.cfg.MediumThreshold {
			cands = append(cands, localCandidate(e, score))
		}
	}

	hits, err := r.searchRegistry(ctx, name)
	if err != nil {
		return res, err
	}
	for _, h := range hits {
		if snap.hasRegistryID(r.registry.Name(), h.ID) {
			continue
		}
		score := r.score(res.NormalizedName, Normalize(h.Name), postcode, h.Address.Postcode)
		if score >= r.cfg.MediumThreshold {
			cands = append(cands, model.IdentityCandidate{
				ExternalID: h.ID,
				Registry:   r.registry.Name(),
				Name:       h.Name,
				Address:    h.Address,
				Score:      score,
			})
		}
	}

	rank(cands)
	if r.cfg.MaxCandidates > 0 && len(cands) > r.cfg.MaxCandidates {
		cands = cands[:r.cfg.MaxCandidates]
	}
	res.Candidates = cands

	switch {
	case len(cands) == 0:
		res.Tier = model.TierLow
	case len(cands) == 1 && cands[0].Score >= r.cfg.HighThreshold:
		res.Tier = model.TierHigh
	default:
		res.Tier = model.TierMedium
	}
	return res, nil
}

func (r *Resolver) score(a, b, pcA, pcB string) float64 {
	s := r.scorer.Score(a, b)
	if r.cfg.PostcodeBonus > 0 && pcA != "" && pcA == NormalizePostcode(pcB) {
		s += r.cfg.PostcodeBonus
	}
	return clamp(s)
}

func (r *Resolver) searchRegistry(ctx context.Context, name string) ([]RegistryHit, error) {
	if r.registry == nil {
		return nil, nil
	}
	hits, err := resilience.Execute(ctx, r.breaker, func(ctx context.Context) ([]RegistryHit, error) {
		return r.registry.Search(ctx, name)
	})
	if err == nil {
		return hits, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		r.log.Debug("registry breaker open, matching locally", zap.String("registry", r.registry.Name()))
	} else {
		r.log.Warn("registry search failed, matching locally", zap.String("registry", r.registry.Name()), zap.Error(err))
	}
	return nil, nil
}

func localCandidate(e model.CanonicalEntity, score float64) model.IdentityCandidate {
	return model.IdentityCandidate{
		EntityID:      e.ID,
		Registry:      e.Registry,
		ExternalID:    e.RegistryID,
		Name:          e.Name,
		Address:       e.Address,
		Score:         score,
		LinkedRecords: e.RecordCount,
	}
}

// rank orders candidates by score, then linked record count, then ref.
func rank(cands []model.IdentityCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.LinkedRecords != b.LinkedRecords {
			return a.LinkedRecords > b.LinkedRecords
		}
		return a.Ref() < b.Ref()
	})
}
