// Package scorer ranks registered capabilities against a parsed intent using
// a weighted name/doc/history sum, with an optional embedding-similarity
// substitution for the doc term.
//
// Grounded on internal/ruriko/memory/embedder.go's Embedder interface (the
// no-op default signals "semantic matching disabled" by returning a nil
// vector rather than an error) and the History Store's success-rate
// aggregate, which supplies the history term the scoring formula calls for.
package scorer

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/aitlantis/pulsus/internal/pulsus/history"
	"github.com/aitlantis/pulsus/internal/pulsus/registry"
)

// Embedder produces a vector embedding for text, or (nil, nil) when
// embedding is unavailable. NoopEmbedder below is the default
// implementation.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NoopEmbedder is the default Embedder: it always returns a nil vector,
// which docScore treats as "unavailable" and falls back to token overlap.
// Adapted from memory.NoopEmbedder; wiring a real embedder (e.g. against an
// OpenAI-compatible embeddings endpoint) only requires satisfying Embedder.
type NoopEmbedder struct{}

// Embed always returns (nil, nil).
func (NoopEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, nil
}

var _ Embedder = NoopEmbedder{}

// Weights controls the contribution of each scoring term. The canonical
// tuple is Name=0.40, Doc=0.40, History=0.20.
type Weights struct {
	Name    float64
	Doc     float64
	History float64
}

// DefaultWeights is the canonical weight tuple.
var DefaultWeights = Weights{Name: 0.40, Doc: 0.40, History: 0.20}

// Candidate is one scored capability.
type Candidate struct {
	Capability registry.Capability
	NameScore  float64
	DocScore   float64
	HistScore  float64
	Total      float64
}

// Scorer ranks capabilities against a query.
type Scorer struct {
	weights  Weights
	history  *history.Store
	embedder Embedder
}

// New returns a Scorer. history may be nil (history term defaults to a
// neutral 0.5 prior); embedder may be nil (doc term stays token-overlap
// only).
func New(weights Weights, historyStore *history.Store, embedder Embedder) *Scorer {
	return &Scorer{weights: weights, history: historyStore, embedder: embedder}
}

func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	matches := 0
	for _, t := range a {
		if _, ok := set[t]; ok {
			matches++
		}
	}
	denom := len(a)
	if len(b) > denom {
		denom = len(b)
	}
	return float64(matches) / float64(denom)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func nameScore(queryTokens []string, domain, action string) float64 {
	nameTokens := strings.Fields(strings.ToLower(domain + " " + action))
	return tokenOverlap(queryTokens, nameTokens)
}

// docScore returns the doc-term score: cosine similarity between embeddings
// when an Embedder is configured and produces a non-nil vector for both
// texts, falling back to token overlap otherwise.
func (s *Scorer) docScore(ctx context.Context, queryText string, queryTokens []string, docTokens []string) float64 {
	if s.embedder != nil {
		qv, err := s.embedder.Embed(ctx, queryText)
		if err == nil && qv != nil {
			dv, err := s.embedder.Embed(ctx, strings.Join(docTokens, " "))
			if err == nil && dv != nil {
				return cosineSimilarity(qv, dv)
			}
		}
	}
	return tokenOverlap(queryTokens, docTokens)
}

func (s *Scorer) histScore(ctx context.Context, domain, action string) float64 {
	if s.history == nil {
		return 0.5
	}
	rate, ok, err := s.history.SuccessRate(ctx, domain, action)
	if err != nil || !ok {
		return 0.5
	}
	return rate
}

// Score ranks every capability in candidates against queryText/queryTokens,
// returning results sorted by Total descending. Ties are broken
// deterministically: higher NameScore first, then higher DocScore, then
// (domain, action) lexical order.
func (s *Scorer) Score(ctx context.Context, queryText string, queryTokens []string, candidates []registry.Capability) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		ns := nameScore(queryTokens, c.Domain, c.Action)
		ds := s.docScore(ctx, queryText, queryTokens, c.DocTokens)
		hs := s.histScore(ctx, c.Domain, c.Action)
		total := s.weights.Name*ns + s.weights.Doc*ds + s.weights.History*hs
		out = append(out, Candidate{
			Capability: c,
			NameScore:  ns,
			DocScore:   ds,
			HistScore:  hs,
			Total:      total,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		if out[i].NameScore != out[j].NameScore {
			return out[i].NameScore > out[j].NameScore
		}
		if out[i].DocScore != out[j].DocScore {
			return out[i].DocScore > out[j].DocScore
		}
		ci, cj := out[i].Capability, out[j].Capability
		if ci.Domain != cj.Domain {
			return ci.Domain < cj.Domain
		}
		return ci.Action < cj.Action
	})
	return out
}
