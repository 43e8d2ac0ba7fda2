// Package selector implements the Policy Selector: given scored candidates
// and a parsed intent, decides between SELECT, COMPOSE, and GENERATE.
//
// The threshold/band decision table (τ=0.60, ε=0.05) has no direct
// precedent elsewhere in the pipeline, since nothing else dispatches to one
// of three branches off a numeric score; it's implemented fresh, using the
// same small-stateless-function style as the rest of the Pulsus pipeline.
package selector

import (
	"github.com/aitlantis/pulsus/internal/pulsus/intent"
	"github.com/aitlantis/pulsus/internal/pulsus/scorer"
)

// Policy is the chosen materialization strategy.
type Policy string

const (
	PolicySelect   Policy = "select"
	PolicyCompose  Policy = "compose"
	PolicyGenerate Policy = "generate"
)

// Thresholds configures the τ/ε decision boundary.
type Thresholds struct {
	Tau float64
	Eps float64
}

// DefaultThresholds matches the canonical τ=0.60, ε=0.05 values.
var DefaultThresholds = Thresholds{Tau: 0.60, Eps: 0.05}

// Decision is the selector's verdict.
type Decision struct {
	Policy     Policy
	Candidate  *scorer.Candidate
	Candidates []scorer.Candidate
	Reason     string
}

// Select chooses a Policy from ranked (descending) candidates and the
// parsed intent that produced the query.
//
//   - A ForceSelect intent (an explicit sigil/path target, or an
//     analyze-verb pattern that resolved on disk) with a known (Domain,
//     Action) forces SELECT against that exact capability if it is
//     registered, or GENERATE if it is not. A ForceSelect intent with no
//     known (Domain, Action) forces SELECT against the top-scored
//     candidate, or GENERATE if there is none.
//   - Otherwise: top score >= τ+ε → SELECT; within the ε band around τ →
//     COMPOSE, but only when at least two of the banded candidates have
//     compatible parameter shapes (output of one feeds input of another, per
//     their declared type tags) — with no composable pair, GENERATE; below
//     τ-ε → GENERATE.
func Select(parsed intent.ParsedIntent, candidates []scorer.Candidate, th Thresholds) Decision {
	if parsed.ForceSelect || parsed.Path == intent.PathExplicit {
		if parsed.Domain != "" && parsed.Action != "" {
			for i := range candidates {
				c := candidates[i]
				if c.Capability.Domain == parsed.Domain && c.Capability.Action == parsed.Action {
					return Decision{
						Policy:    PolicySelect,
						Candidate: &c,
						Reason:    "forced intent resolved to its canonical capability",
					}
				}
			}
			return Decision{
				Policy: PolicyGenerate,
				Reason: "forced intent's canonical capability is not registered",
			}
		}
		if len(candidates) > 0 {
			top := candidates[0]
			return Decision{
				Policy:    PolicySelect,
				Candidate: &top,
				Reason:    "forced intent resolved to a scored candidate",
			}
		}
		return Decision{
			Policy: PolicyGenerate,
			Reason: "forced intent had no matching candidate",
		}
	}

	if len(candidates) == 0 {
		return Decision{
			Policy: PolicyGenerate,
			Reason: "no candidates scored",
		}
	}

	top := candidates[0]
	switch {
	case top.Total >= th.Tau+th.Eps:
		return Decision{
			Policy:    PolicySelect,
			Candidate: &top,
			Reason:    "top score clears tau+epsilon",
		}
	case top.Total >= th.Tau-th.Eps:
		band := topN(candidates, 3)
		if pair := composablePair(band); pair != nil {
			return Decision{
				Policy:     PolicyCompose,
				Candidates: pair,
				Reason:     "top score within epsilon band of tau and a composable pair exists",
			}
		}
		return Decision{
			Policy: PolicyGenerate,
			Reason: "top score within epsilon band of tau but no composable pair exists",
		}
	default:
		return Decision{
			Policy: PolicyGenerate,
			Reason: "top score below tau-epsilon",
		}
	}
}

func topN(candidates []scorer.Candidate, n int) []scorer.Candidate {
	if len(candidates) < n {
		n = len(candidates)
	}
	out := make([]scorer.Candidate, n)
	copy(out, candidates[:n])
	return out
}

// composablePair returns pool when it has 2+ entries and at least one pair
// whose declared type tags make one's output feed another's input, or nil
// when no such pair exists.
func composablePair(pool []scorer.Candidate) []scorer.Candidate {
	if len(pool) < 2 {
		return nil
	}
	for i := range pool {
		for j := range pool {
			if i == j {
				continue
			}
			if pool[i].Capability.CompatibleWith(pool[j].Capability) {
				return pool
			}
		}
	}
	return nil
}
