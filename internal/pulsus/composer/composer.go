// Package composer implements the COMPOSE policy: it stitches two or more
// scored candidate capabilities into a single artifact module that invokes
// them in sequence, piping each step's structured result into the next.
//
// Grounded on internal/gitai/app's kairo_pipeline.go request/response
// builders: that file built a financial-agent turn by composing a sequence
// of message-building steps, each handed the prior step's structured JSON
// output. Pulsus generalizes the same sequential-step-piping shape from
// chat-turn messages to capability invocation plans.
package composer

import (
	"fmt"
	"strings"

	"github.com/aitlantis/pulsus/internal/pulsus/registry"
)

// Step is one capability invocation in a compose plan.
type Step struct {
	Domain string
	Action string
	// InputFrom names the previous step whose output feeds this step's
	// params (empty for the first step, which is fed from the original
	// utterance).
	InputFrom string
}

// Plan is the ordered sequence of steps a COMPOSE artifact will execute.
type Plan struct {
	Steps []Step
}

// BuildPlan turns ranked candidates into a Plan: each candidate becomes one
// step, piped in score-descending order, matching the order the Scorer
// already produced. It refuses fewer than two candidates: a COMPOSE plan
// with a single step is just SELECT wearing a different hat, and the
// Policy Selector is responsible for never routing here with fewer.
func BuildPlan(candidates []registry.Capability) (Plan, error) {
	if len(candidates) < 2 {
		return Plan{}, fmt.Errorf("composer: build plan: need at least 2 candidates, got %d", len(candidates))
	}
	steps := make([]Step, len(candidates))
	for i, c := range candidates {
		inputFrom := ""
		if i > 0 {
			inputFrom = stepName(candidates[i-1])
		}
		steps[i] = Step{Domain: c.Domain, Action: c.Action, InputFrom: inputFrom}
	}
	return Plan{Steps: steps}, nil
}

func stepName(c registry.Capability) string {
	return c.Domain + "." + c.Action
}

// Materialize renders Plan into the textual artifact module the Validator
// Pipeline will check: a header comment documenting the compose plan,
// followed by a handle(text) entry point that pipes each step's envelope
// into the next, matching the opaque "handle(text) -> envelope" contract
// every artifact must expose.
func Materialize(plan Plan, utterance string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# compose plan: %d step(s)\n", len(plan.Steps))
	for i, s := range plan.Steps {
		fmt.Fprintf(&b, "#   %d. %s.%s", i+1, s.Domain, s.Action)
		if s.InputFrom != "" {
			fmt.Fprintf(&b, " (input from %s)", s.InputFrom)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "# source utterance: %s\n\n", strings.ReplaceAll(utterance, "\n", " "))

	b.WriteString("def handle(text):\n")
	b.WriteString("    context = {\"utterance\": text}\n")
	for i, s := range plan.Steps {
		varName := fmt.Sprintf("step_%d", i)
		fmt.Fprintf(&b, "    %s = invoke(%q, %q, context)\n", varName, s.Domain, s.Action)
		fmt.Fprintf(&b, "    if not %s.get(\"success\"):\n", varName)
		fmt.Fprintf(&b, "        return %s\n", varName)
		fmt.Fprintf(&b, "    context[%q] = %s.get(\"data\")\n", s.Domain+"."+s.Action, varName)
	}
	b.WriteString("    return {\"success\": True, \"data\": context, \"error\": None, \"status\": \"success\"}\n")

	return b.String()
}
