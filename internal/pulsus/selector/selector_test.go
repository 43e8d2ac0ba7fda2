package selector

import (
	"testing"

	"github.com/aitlantis/pulsus/internal/pulsus/intent"
	"github.com/aitlantis/pulsus/internal/pulsus/registry"
	"github.com/aitlantis/pulsus/internal/pulsus/scorer"
)

func candidate(domain, action string, total float64) scorer.Candidate {
	return scorer.Candidate{Capability: registry.Capability{Domain: domain, Action: action}, Total: total}
}

func candidateTyped(domain, action string, total float64, inputType, outputType string) scorer.Candidate {
	return scorer.Candidate{
		Capability: registry.Capability{Domain: domain, Action: action, InputType: inputType, OutputType: outputType},
		Total:      total,
	}
}

func TestSelectHighScoreChoosesSelect(t *testing.T) {
	parsed := intent.ParsedIntent{Path: intent.PathImplicit}
	candidates := []scorer.Candidate{candidate("fs", "list", 0.90)}
	d := Select(parsed, candidates, DefaultThresholds)
	if d.Policy != PolicySelect {
		t.Fatalf("expected select, got %q", d.Policy)
	}
	if d.Candidate == nil || d.Candidate.Capability.Action != "list" {
		t.Fatalf("expected top candidate to be list")
	}
}

func TestSelectMidScoreChoosesCompose(t *testing.T) {
	parsed := intent.ParsedIntent{Path: intent.PathImplicit}
	candidates := []scorer.Candidate{
		candidateTyped("fs", "list", 0.58, "", "listing"),
		candidateTyped("fs", "read", 0.55, "listing", ""),
	}
	d := Select(parsed, candidates, DefaultThresholds)
	if d.Policy != PolicyCompose {
		t.Fatalf("expected compose, got %q", d.Policy)
	}
	if len(d.Candidates) != 2 {
		t.Fatalf("expected 2 compose candidates, got %d", len(d.Candidates))
	}
}

func TestSelectMidScoreWithoutComposablePairChoosesGenerate(t *testing.T) {
	parsed := intent.ParsedIntent{Path: intent.PathImplicit}
	candidates := []scorer.Candidate{candidate("fs", "list", 0.58), candidate("fs", "read", 0.55)}
	d := Select(parsed, candidates, DefaultThresholds)
	if d.Policy != PolicyGenerate {
		t.Fatalf("expected generate when no pair has compatible type tags, got %q", d.Policy)
	}
}

func TestSelectMidScoreSingleCandidateChoosesGenerate(t *testing.T) {
	parsed := intent.ParsedIntent{Path: intent.PathImplicit}
	candidates := []scorer.Candidate{candidateTyped("fs", "list", 0.58, "", "listing")}
	d := Select(parsed, candidates, DefaultThresholds)
	if d.Policy != PolicyGenerate {
		t.Fatalf("expected generate with only one banded candidate, got %q", d.Policy)
	}
}

func TestSelectForceSelectResolvesCanonicalCapability(t *testing.T) {
	parsed := intent.ParsedIntent{Path: intent.PathImplicit, Domain: "analysis", Action: "analyze_path", ForceSelect: true}
	candidates := []scorer.Candidate{
		candidate("filesystem", "list", 0.95),
		candidate("analysis", "analyze_path", 0.01),
	}
	d := Select(parsed, candidates, DefaultThresholds)
	if d.Policy != PolicySelect {
		t.Fatalf("expected select, got %q", d.Policy)
	}
	if d.Candidate == nil || d.Candidate.Capability.Domain != "analysis" || d.Candidate.Capability.Action != "analyze_path" {
		t.Fatalf("expected the canonical capability to be picked regardless of rank, got %+v", d.Candidate)
	}
}

func TestSelectForceSelectGeneratesWhenCanonicalCapabilityMissing(t *testing.T) {
	parsed := intent.ParsedIntent{Path: intent.PathImplicit, Domain: "analysis", Action: "analyze_path", ForceSelect: true}
	candidates := []scorer.Candidate{candidate("filesystem", "list", 0.95)}
	d := Select(parsed, candidates, DefaultThresholds)
	if d.Policy != PolicyGenerate {
		t.Fatalf("expected generate when the canonical capability isn't registered, got %q", d.Policy)
	}
}

func TestSelectLowScoreChoosesGenerate(t *testing.T) {
	parsed := intent.ParsedIntent{Path: intent.PathImplicit}
	candidates := []scorer.Candidate{candidate("fs", "list", 0.10)}
	d := Select(parsed, candidates, DefaultThresholds)
	if d.Policy != PolicyGenerate {
		t.Fatalf("expected generate, got %q", d.Policy)
	}
}

func TestSelectNoCandidatesChoosesGenerate(t *testing.T) {
	parsed := intent.ParsedIntent{Path: intent.PathImplicit}
	d := Select(parsed, nil, DefaultThresholds)
	if d.Policy != PolicyGenerate {
		t.Fatalf("expected generate, got %q", d.Policy)
	}
}

func TestSelectExplicitPathForcesSelectWhenCandidateExists(t *testing.T) {
	parsed := intent.ParsedIntent{Path: intent.PathExplicit}
	candidates := []scorer.Candidate{candidate("fs", "read", 0.01)}
	d := Select(parsed, candidates, DefaultThresholds)
	if d.Policy != PolicySelect {
		t.Fatalf("expected explicit path to force select even with a low score, got %q", d.Policy)
	}
}

func TestSelectExplicitPathForcesGenerateWhenNoCandidate(t *testing.T) {
	parsed := intent.ParsedIntent{Path: intent.PathExplicit}
	d := Select(parsed, nil, DefaultThresholds)
	if d.Policy != PolicyGenerate {
		t.Fatalf("expected explicit path with no candidate to force generate, got %q", d.Policy)
	}
}

func TestSelectBoundaryAtTauPlusEpsilon(t *testing.T) {
	parsed := intent.ParsedIntent{Path: intent.PathImplicit}
	candidates := []scorer.Candidate{candidate("fs", "list", DefaultThresholds.Tau+DefaultThresholds.Eps)}
	d := Select(parsed, candidates, DefaultThresholds)
	if d.Policy != PolicySelect {
		t.Fatalf("expected select exactly at tau+epsilon boundary, got %q", d.Policy)
	}
}
