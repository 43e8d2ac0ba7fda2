// Package policy implements the deterministic Safety Policy: a fixed
// allow/deny/require-confirm table keyed by (SafetyLevel, ExecutionMode),
// plus JSON-Schema type-checking of an operation's declared parameters.
//
// Grounded on internal/gitai/policy.Engine: Pulsus keeps the engine shape
// (a Decision/Violation/Result evaluation returning a first-match-wins
// verdict, purely deterministic, no LLM involvement) but replaces the
// Gosuto capability-glob table with the fixed safety_level × execution_mode
// matrix the safety policy defines, since Pulsus operations are registered with a
// declared safety level rather than matched by MCP-server/tool globs.
package policy

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SafetyLevel classifies how much damage an operation can do.
type SafetyLevel string

const (
	SafetyReadOnly         SafetyLevel = "read_only"
	SafetyWriteSafe        SafetyLevel = "write_safe"
	SafetyRestrictedWrite  SafetyLevel = "restricted_write"
	SafetyTransactional    SafetyLevel = "transactional"
	SafetyCached           SafetyLevel = "cached"
)

// ExecutionMode is the mode the Router was invoked under.
type ExecutionMode string

const (
	ModePlan    ExecutionMode = "plan"
	ModeExecute ExecutionMode = "execute"
	ModeUnsafe  ExecutionMode = "unsafe"
)

// Decision is the policy verdict for one (SafetyLevel, ExecutionMode) pair.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionRequireConfirm  Decision = "require_confirm"
	DecisionDeny            Decision = "deny"
)

// table is the fixed safety_level x execution_mode matrix
// §4.C. It is never mutated at runtime — only RegisterOperation and
// CheckTypeSafety touch per-operation state.
var table = map[SafetyLevel]map[ExecutionMode]Decision{
	SafetyReadOnly: {
		ModePlan: DecisionAllow, ModeExecute: DecisionAllow, ModeUnsafe: DecisionAllow,
	},
	SafetyCached: {
		ModePlan: DecisionAllow, ModeExecute: DecisionAllow, ModeUnsafe: DecisionAllow,
	},
	SafetyWriteSafe: {
		ModePlan: DecisionDeny, ModeExecute: DecisionRequireConfirm, ModeUnsafe: DecisionAllow,
	},
	SafetyRestrictedWrite: {
		ModePlan: DecisionDeny, ModeExecute: DecisionRequireConfirm, ModeUnsafe: DecisionAllow,
	},
	SafetyTransactional: {
		ModePlan: DecisionDeny, ModeExecute: DecisionRequireConfirm, ModeUnsafe: DecisionAllow,
	},
}

// Violation explains why Evaluate returned a non-allow decision.
type Violation struct {
	Rule    string
	Message string
}

func (v Violation) Error() string {
	return fmt.Sprintf("[%s] %s", v.Rule, v.Message)
}

// Result is the full output of one policy evaluation.
type Result struct {
	Decision    Decision
	Violation   *Violation
	SafetyLevel SafetyLevel
}

// Operation is a registered capability's declared safety metadata.
type Operation struct {
	Domain      string
	Action      string
	SafetyLevel SafetyLevel
	// ParamSchema is a compiled JSON Schema for the operation's accepted
	// parameters, used by CheckTypeSafety.
	ParamSchema *jsonschema.Schema
}

// Engine evaluates the safety table and, per-operation, parameter type
// safety via JSON Schema.
type Engine struct {
	mu         sync.RWMutex
	operations map[string]Operation
	compiler   *jsonschema.Compiler
}

func key(domain, action string) string {
	return domain + "::" + action
}

// New returns an empty Engine ready for RegisterOperation calls.
func New() *Engine {
	return &Engine{
		operations: make(map[string]Operation),
		compiler:   jsonschema.NewCompiler(),
	}
}

// RegisterOperation compiles schemaJSON (if non-empty) once and stores the
// operation's safety level for later Evaluate calls, per the
// redesign note: registration is an explicit call, not decorator magic.
func (e *Engine) RegisterOperation(domain, action string, level SafetyLevel, schemaJSON []byte) error {
	var compiled *jsonschema.Schema
	if len(schemaJSON) > 0 {
		schemaURL := fmt.Sprintf("mem://%s/%s.json", domain, action)
		if err := e.compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			return fmt.Errorf("policy: add schema resource for %s.%s: %w", domain, action, err)
		}
		sch, err := e.compiler.Compile(schemaURL)
		if err != nil {
			return fmt.Errorf("policy: compile schema for %s.%s: %w", domain, action, err)
		}
		compiled = sch
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.operations[key(domain, action)] = Operation{
		Domain:      domain,
		Action:      action,
		SafetyLevel: level,
		ParamSchema: compiled,
	}
	return nil
}

// Evaluate returns the policy verdict for invoking (domain, action) under
// mode. An operation that was never registered is denied by default.
func (e *Engine) Evaluate(domain, action string, mode ExecutionMode) Result {
	e.mu.RLock()
	op, ok := e.operations[key(domain, action)]
	e.mu.RUnlock()

	if !ok {
		return Result{
			Decision: DecisionDeny,
			Violation: &Violation{
				Rule:    "<unregistered>",
				Message: fmt.Sprintf("no operation registered for domain=%q action=%q; default deny", domain, action),
			},
		}
	}

	modes, ok := table[op.SafetyLevel]
	if !ok {
		return Result{
			Decision:    DecisionDeny,
			SafetyLevel: op.SafetyLevel,
			Violation: &Violation{
				Rule:    "<unknown-safety-level>",
				Message: fmt.Sprintf("safety level %q has no policy row; default deny", op.SafetyLevel),
			},
		}
	}

	decision, ok := modes[mode]
	if !ok {
		return Result{
			Decision:    DecisionDeny,
			SafetyLevel: op.SafetyLevel,
			Violation: &Violation{
				Rule:    string(op.SafetyLevel),
				Message: fmt.Sprintf("execution mode %q has no entry for safety level %q; default deny", mode, op.SafetyLevel),
			},
		}
	}

	if decision != DecisionAllow {
		return Result{
			Decision:    decision,
			SafetyLevel: op.SafetyLevel,
			Violation: &Violation{
				Rule:    string(op.SafetyLevel),
				Message: fmt.Sprintf("safety level %q under mode %q requires %s", op.SafetyLevel, mode, decision),
			},
		}
	}
	return Result{Decision: DecisionAllow, SafetyLevel: op.SafetyLevel}
}

// CheckTypeSafety validates params against the operation's compiled JSON
// Schema, when one was registered. Operations without a schema are treated
// as always type-safe (no declared parameter contract to violate).
func (e *Engine) CheckTypeSafety(domain, action string, params map[string]any) error {
	e.mu.RLock()
	op, ok := e.operations[key(domain, action)]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("policy: no operation registered for domain=%q action=%q", domain, action)
	}
	if op.ParamSchema == nil {
		return nil
	}
	if err := op.ParamSchema.Validate(params); err != nil {
		return fmt.Errorf("policy: parameter type check failed for %s.%s: %w", domain, action, err)
	}
	return nil
}
