package scorer

import (
	"context"
	"testing"

	"github.com/aitlantis/pulsus/internal/pulsus/registry"
)

func cap(domain, action, doc string) registry.Capability {
	return registry.Capability{Domain: domain, Action: action, Doc: doc, DocTokens: tokenizeForTest(doc)}
}

func tokenizeForTest(doc string) []string {
	out := []string{}
	word := ""
	for _, r := range doc + " " {
		if r == ' ' {
			if word != "" {
				out = append(out, word)
			}
			word = ""
			continue
		}
		word += string(r)
	}
	return out
}

func TestScoreRanksNameMatchHighest(t *testing.T) {
	s := New(DefaultWeights, nil, nil)
	candidates := []registry.Capability{
		cap("filesystem", "list", "enumerate entries in a folder"),
		cap("billing", "invoice", "produce a billing invoice document"),
	}
	results := s.Score(context.Background(), "list files", []string{"list", "files"}, candidates)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Capability.Action != "list" {
		t.Fatalf("expected filesystem.list to rank first, got %s.%s", results[0].Capability.Domain, results[0].Capability.Action)
	}
}

func TestScoreDeterministicTieBreak(t *testing.T) {
	s := New(DefaultWeights, nil, nil)
	candidates := []registry.Capability{
		cap("zeta", "run", "do a thing"),
		cap("alpha", "run", "do a thing"),
	}
	results := s.Score(context.Background(), "unrelated query", []string{"unrelated", "query"}, candidates)
	if results[0].Capability.Domain != "alpha" {
		t.Fatalf("expected alpha to win tie-break, got %s", results[0].Capability.Domain)
	}
}

func TestScoreTieBreakPrefersHigherNameScoreBeforeAlphabetical(t *testing.T) {
	s := New(Weights{Name: 0, Doc: 0, History: 1}, nil, nil)
	candidates := []registry.Capability{
		cap("zeta", "run", "do a thing"),
		cap("alpha", "run", "do a thing"),
	}
	results := s.Score(context.Background(), "run zeta", []string{"run", "zeta"}, candidates)
	if results[0].Total != results[1].Total {
		t.Fatalf("expected equal totals with a zero name/doc weight, got %f vs %f", results[0].Total, results[1].Total)
	}
	if results[0].Capability.Domain != "zeta" {
		t.Fatalf("expected zeta to win on NameScore despite losing alphabetically, got %s", results[0].Capability.Domain)
	}
}

func TestScoreNilHistoryUsesNeutralPrior(t *testing.T) {
	s := New(DefaultWeights, nil, nil)
	results := s.Score(context.Background(), "list", []string{"list"}, []registry.Capability{cap("fs", "list", "list")})
	if results[0].HistScore != 0.5 {
		t.Fatalf("expected neutral 0.5 history score, got %f", results[0].HistScore)
	}
}

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vectors[text], nil
}

func TestScoreUsesEmbeddingWhenAvailable(t *testing.T) {
	emb := fakeEmbedder{vectors: map[string][]float32{
		"query text": {1, 0},
		"matching doc": {1, 0},
		"unrelated doc": {0, 1},
	}}
	s := New(DefaultWeights, nil, emb)
	candidates := []registry.Capability{
		{Domain: "a", Action: "x", DocTokens: []string{"matching", "doc"}},
		{Domain: "b", Action: "y", DocTokens: []string{"unrelated", "doc"}},
	}
	results := s.Score(context.Background(), "query text", []string{"query", "text"}, candidates)
	if results[0].Capability.Action != "x" {
		t.Fatalf("expected embedding-similar doc to rank first, got %s", results[0].Capability.Action)
	}
}
