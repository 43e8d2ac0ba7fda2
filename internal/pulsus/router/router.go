// Package router orchestrates the full routing cycle: Intent Parser ->
// Capability Registry + Scorer -> Policy Selector -> Composer/Generator ->
// Validator Pipeline -> RouteDecision, parking every run that passes
// validation behind the Approval Gate. An operation the Safety Policy
// denies, or one that requires confirmation and has no confirm token, is
// blocked before validation.
//
// Grounded on internal/gitai/app's top-level turn loop: a single entry
// point drives a fixed sequence of stages, emits an audit event at each
// transition, and converts any internal panic/error into a terminal,
// caller-facing result rather than propagating a raw Go error out of a
// routing cycle. The state machine itself (START..APPROVED/REJECTED/
// BLOCKED/TIMED_OUT) has no direct precedent elsewhere in this codebase — nothing else had a
// human-approval gate on its command dispatch — so the transition table is
// implemented fresh, reusing the
// single-entry-point/audit-every-transition shape.
package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aitlantis/pulsus/internal/pulsus/approvals"
	"github.com/aitlantis/pulsus/internal/pulsus/audit"
	"github.com/aitlantis/pulsus/internal/pulsus/composer"
	pulsusconfig "github.com/aitlantis/pulsus/internal/pulsus/config"
	"github.com/aitlantis/pulsus/internal/pulsus/envelope"
	"github.com/aitlantis/pulsus/internal/pulsus/generator"
	"github.com/aitlantis/pulsus/internal/pulsus/history"
	"github.com/aitlantis/pulsus/internal/pulsus/intent"
	"github.com/aitlantis/pulsus/internal/pulsus/policy"
	"github.com/aitlantis/pulsus/internal/pulsus/registry"
	"github.com/aitlantis/pulsus/internal/pulsus/sandbox"
	"github.com/aitlantis/pulsus/internal/pulsus/scorer"
	"github.com/aitlantis/pulsus/internal/pulsus/selector"
	"github.com/aitlantis/pulsus/internal/pulsus/validator"
)

// State is one node of the routing state machine.
type State string

const (
	StateStart            State = "START"
	StateParsing           State = "PARSING"
	StateDiscovered        State = "DISCOVERED"
	StatePolicyChosen      State = "POLICY_CHOSEN"
	StateMaterializing     State = "MATERIALIZING"
	StateValidating        State = "VALIDATING"
	StateAwaitingApproval  State = "AWAITING_APPROVAL"
	StateApproved          State = "APPROVED"
	StateRejected          State = "REJECTED"
	StateBlocked           State = "BLOCKED"
	StateTimedOut          State = "TIMED_OUT"
)

// ValidationReport mirrors the four-stage validator verdict inside a
// RouteDecision.
type ValidationReport struct {
	Stages []validator.StageResult
	Passed bool
}

// Options configures one routing cycle.
type Options struct {
	Mode         policy.ExecutionMode
	ConfirmToken string
	Deadline     time.Time
}

// RouteDecision is the Router's terminal output for one routing cycle.
type RouteDecision struct {
	RunID        string
	State        State
	Policy       selector.Policy
	ArtifactPath string
	Candidates   []scorer.Candidate
	Validation   ValidationReport
	Approved     bool
	Error        string
}

// ToEnvelope renders the decision as the standardized Envelope every stage
// and caller exchanges, matching RouteDecision.to_dict() in the external
// interface contract.
func (d *RouteDecision) ToEnvelope() *envelope.Envelope {
	data := map[string]any{
		"run_id":        d.RunID,
		"state":         string(d.State),
		"policy":        string(d.Policy),
		"artifact_path": d.ArtifactPath,
		"approved":      d.Approved,
	}
	if d.Error != "" {
		return envelope.Fail(d.Error, envelope.WithContext(data))
	}
	switch d.State {
	case StateApproved:
		return envelope.Ok(data)
	case StateBlocked:
		return envelope.Blocked("validation failed", envelope.WithContext(data))
	case StateRejected, StateTimedOut:
		return envelope.Blocked("awaiting-approval run was not approved", envelope.WithContext(data))
	default:
		return envelope.Partial(data, "routing cycle not yet terminal")
	}
}

// Router wires every Pulsus component into one routing cycle.
type Router struct {
	cfg        *pulsusconfig.Config
	registry   *registry.Registry
	scorer     *scorer.Scorer
	policy     *policy.Engine
	composer   func(candidates []registry.Capability) (composer.Plan, error)
	generator  *generator.Generator
	validator  *validator.Pipeline
	sandboxLim sandbox.Limits
	gate       *approvals.Gate
	auditLog   *audit.Logger
	histStore  *history.Store
	parser     *intent.Parser
	thresholds selector.Thresholds
	scratchDir string
}

// New builds a Router from its already-constructed dependencies. Callers
// (cmd/pulsus/main.go) own constructing each dependency from cfg so tests can
// substitute fakes for any one of them.
func New(
	cfg *pulsusconfig.Config,
	reg *registry.Registry,
	sc *scorer.Scorer,
	pol *policy.Engine,
	gen *generator.Generator,
	val *validator.Pipeline,
	gate *approvals.Gate,
	auditLog *audit.Logger,
	histStore *history.Store,
) *Router {
	return &Router{
		cfg:       cfg,
		registry:  reg,
		scorer:    sc,
		policy:    pol,
		composer:  composer.BuildPlan,
		generator: gen,
		validator: val,
		sandboxLim: sandbox.Limits{
			WallClock:        cfg.Sandbox.WallClock,
			MemoryBytes:      cfg.Sandbox.MemoryBytes,
			AllowedReadRoots: cfg.Sandbox.AllowedReadRoots,
		},
		gate:       gate,
		auditLog:   auditLog,
		histStore:  histStore,
		parser:     intent.NewParser(cfg.FrameworkRoot),
		thresholds: selector.Thresholds{Tau: cfg.Scorer.Threshold, Eps: cfg.Scorer.Band},
		scratchDir: filepath.Join(cfg.WorkflowsRoot, "route_tmp"),
	}
}

func (r *Router) record(ctx context.Context, runID string, kind audit.Kind, message string, payload map[string]any) {
	r.auditLog.Record(ctx, audit.Event{Kind: kind, RunID: runID, Message: message, Payload: payload})
}

// Route drives one full routing cycle for utterance and returns the
// terminal (or AWAITING_APPROVAL) RouteDecision. Any internal error is
// caught at this boundary and converted into a GENERATE/blocked decision
// rather than propagated, per the router's failure-handling rule.
func (r *Router) Route(ctx context.Context, utterance string, opts Options) (decision *RouteDecision, err error) {
	runID := uuid.NewString()
	if opts.Mode == "" {
		opts.Mode = policy.ModeExecute
	}

	defer func() {
		if rec := recover(); rec != nil {
			decision = &RouteDecision{
				RunID:  runID,
				State:  StateBlocked,
				Policy: selector.PolicyGenerate,
				Error:  fmt.Sprintf("internal error: %v", rec),
			}
			r.record(ctx, runID, audit.KindError, "recovered from panic", map[string]any{"panic": fmt.Sprintf("%v", rec)})
			err = nil
		}
	}()

	r.record(ctx, runID, audit.KindRunStarted, "routing cycle started", map[string]any{"utterance": utterance, "mode": string(opts.Mode)})

	state := StateParsing
	parsed := r.parser.Parse(utterance)
	r.record(ctx, runID, audit.KindIntentParsed, "intent parsed", map[string]any{
		"domain": parsed.Domain, "action": parsed.Action, "path": string(parsed.Path), "confidence": parsed.Confidence,
	})

	state = StateDiscovered
	candidates := r.scoreCandidates(ctx, utterance, parsed)

	state = StatePolicyChosen
	sel := selector.Select(parsed, candidates, r.thresholds)
	r.record(ctx, runID, audit.KindPolicySelected, "policy selected", map[string]any{"policy": string(sel.Policy), "reason": sel.Reason})

	var artifactPath string
	switch sel.Policy {
	case selector.PolicySelect:
		if sel.Candidate == nil {
			return r.blocked(ctx, runID, sel.Policy, candidates, "SELECT policy chosen with no candidate"), nil
		}
		cap, ok := r.registry.Get(sel.Candidate.Capability.Domain, sel.Candidate.Capability.Action)
		if !ok {
			return r.blocked(ctx, runID, sel.Policy, candidates, "selected capability vanished from registry"), nil
		}
		artifactPath = cap.ScriptPath
		state = StateValidating

	case selector.PolicyCompose:
		state = StateMaterializing
		caps := make([]registry.Capability, 0, len(sel.Candidates))
		for _, c := range sel.Candidates {
			caps = append(caps, c.Capability)
		}
		plan, perr := r.composer(caps)
		if perr != nil {
			return r.blocked(ctx, runID, sel.Policy, candidates, fmt.Sprintf("build compose plan: %v", perr)), nil
		}
		body := composer.Materialize(plan, utterance)
		path, werr := r.materialize(runID, body)
		if werr != nil {
			return r.blocked(ctx, runID, sel.Policy, candidates, fmt.Sprintf("materialize compose artifact: %v", werr)), nil
		}
		artifactPath = path
		r.record(ctx, runID, audit.KindArtifactBuilt, "compose artifact materialized", map[string]any{"path": path, "steps": len(plan.Steps)})
		state = StateValidating

	case selector.PolicyGenerate:
		state = StateMaterializing
		body, gerr := r.generator.Generate(ctx, utterance, generator.ParsedIntentSummary{
			Domain:     parsed.Domain,
			Action:     parsed.Action,
			Target:     parsed.Target,
			Confidence: parsed.Confidence,
		}, topByDocScore(candidates, 3), generator.Constraints{
			MaxTokens:   r.cfg.Model.MaxTokens,
			Temperature: r.cfg.Model.Temperature,
		})
		if gerr != nil {
			return r.blocked(ctx, runID, sel.Policy, candidates, fmt.Sprintf("generate artifact: %v", gerr)), nil
		}
		path, werr := r.materialize(runID, body)
		if werr != nil {
			return r.blocked(ctx, runID, sel.Policy, candidates, fmt.Sprintf("materialize generated artifact: %v", werr)), nil
		}
		artifactPath = path
		r.record(ctx, runID, audit.KindArtifactBuilt, "generated artifact materialized", map[string]any{"path": path})
		state = StateValidating

	default:
		return r.blocked(ctx, runID, sel.Policy, candidates, "unknown policy"), nil
	}

	if policyErr := r.checkSafety(sel, opts, parsed); policyErr != "" {
		diag := validator.StageResult{Stage: validator.StageDryRun, Passed: false, Diagnostics: policyErr}
		return r.blockedWithStages(ctx, runID, sel.Policy, candidates, artifactPath, []validator.StageResult{diag}), nil
	}

	report := r.validator.Run(ctx, runID, artifactPath)
	for _, s := range report.Stages {
		r.record(ctx, runID, audit.KindValidationStage, fmt.Sprintf("%s stage completed", s.Stage), map[string]any{
			"stage": string(s.Stage), "passed": s.Passed, "duration_ms": s.DurationMS,
		})
	}
	r.recordOutcome(ctx, sel, report.Passed)

	if !report.Passed {
		state = StateBlocked
		r.record(ctx, runID, audit.KindRunCompleted, "run blocked by validation", map[string]any{"state": string(state)})
		return &RouteDecision{
			RunID: runID, State: state, Policy: sel.Policy, ArtifactPath: artifactPath,
			Candidates: candidates, Validation: ValidationReport{Stages: report.Stages, Passed: false},
		}, nil
	}

	state = StateAwaitingApproval
	d := &RouteDecision{
		RunID: runID, State: state, Policy: sel.Policy, ArtifactPath: artifactPath,
		Candidates: candidates, Validation: ValidationReport{Stages: report.Stages, Passed: true},
	}
	pending, gerr := r.gate.Request(ctx, runID, artifactPath)
	if gerr != nil {
		d.State = StateBlocked
		d.Error = fmt.Sprintf("approval gate: %v", gerr)
		return d, nil
	}
	r.record(ctx, runID, audit.KindApprovalRequired, "run awaiting approval", map[string]any{"expires_at": pending.ExpiresAt})
	_ = r.auditLog.Flush()
	return d, nil
}

// checkSafety evaluates the Safety Policy for the candidate sel resolved to.
// restricted_write operations get an additional type-check on top of the
// require_confirm gate: a confirmed restricted_write call whose parameters
// don't match its declared schema is still denied, per the safety table's
// "require_confirm + check types" cell.
func (r *Router) checkSafety(sel selector.Decision, opts Options, parsed intent.ParsedIntent) string {
	if sel.Candidate == nil {
		return ""
	}
	domain, action := sel.Candidate.Capability.Domain, sel.Candidate.Capability.Action
	result := r.policy.Evaluate(domain, action, opts.Mode)
	switch result.Decision {
	case policy.DecisionAllow:
		return ""
	case policy.DecisionRequireConfirm:
		if opts.ConfirmToken == "" {
			return fmt.Sprintf("plan-mode or confirmation block: %s", result.Violation.Message)
		}
		if result.SafetyLevel == policy.SafetyRestrictedWrite {
			params := map[string]any{"target": parsed.Target}
			if terr := r.policy.CheckTypeSafety(domain, action, params); terr != nil {
				return fmt.Sprintf("restricted_write type check failed: %v", terr)
			}
		}
		return ""
	default:
		return fmt.Sprintf("denied by safety policy: %s", result.Violation.Message)
	}
}

// topByDocScore returns up to k capabilities from candidates ranked by doc
// score descending, for the Generator's "see also" prompt section.
func topByDocScore(candidates []scorer.Candidate, k int) []generator.NearbyCapability {
	ranked := make([]scorer.Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].DocScore > ranked[j].DocScore })
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]generator.NearbyCapability, 0, len(ranked))
	for _, c := range ranked {
		out = append(out, generator.NearbyCapability{Domain: c.Capability.Domain, Action: c.Capability.Action, Doc: c.Capability.Doc})
	}
	return out
}

func (r *Router) scoreCandidates(ctx context.Context, utterance string, parsed intent.ParsedIntent) []scorer.Candidate {
	all := r.registry.All()
	return r.scorer.Score(ctx, utterance, parsed.Tokens, all)
}

func (r *Router) materialize(runID, body string) (string, error) {
	if err := os.MkdirAll(r.scratchDir, 0o755); err != nil {
		return "", fmt.Errorf("router: mkdir scratch dir: %w", err)
	}
	path := filepath.Join(r.scratchDir, runID+".py")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return "", fmt.Errorf("router: write artifact: %w", err)
	}
	return path, nil
}

func (r *Router) blocked(ctx context.Context, runID string, pol selector.Policy, candidates []scorer.Candidate, reason string) *RouteDecision {
	r.record(ctx, runID, audit.KindError, reason, nil)
	return &RouteDecision{RunID: runID, State: StateBlocked, Policy: pol, Candidates: candidates, Error: reason}
}

func (r *Router) blockedWithStages(ctx context.Context, runID string, pol selector.Policy, candidates []scorer.Candidate, artifactPath string, stages []validator.StageResult) *RouteDecision {
	r.record(ctx, runID, audit.KindRunCompleted, "run blocked by safety policy", map[string]any{"artifact_path": artifactPath})
	return &RouteDecision{
		RunID: runID, State: StateBlocked, Policy: pol, ArtifactPath: artifactPath,
		Candidates: candidates, Validation: ValidationReport{Stages: stages, Passed: false},
	}
}

func (r *Router) recordOutcome(ctx context.Context, sel selector.Decision, success bool) {
	if sel.Candidate == nil || r.histStore == nil {
		return
	}
	_ = r.histStore.Append(ctx, history.Record{
		Domain: sel.Candidate.Capability.Domain, Action: sel.Candidate.Capability.Action, Success: success,
	})
}

// Approve resolves a run sitting in AWAITING_APPROVAL to APPROVED or
// REJECTED. It is the human-in-the-loop entry point the Approval Gate names as a
// concrete method.
func (r *Router) Approve(ctx context.Context, runID string, approved bool, actor, reason string) (*RouteDecision, error) {
	pending, err := r.gate.Store().Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("router: approve: %w", err)
	}
	if pending.IsExpired(time.Now()) {
		if _, err := r.gate.Store().ExpireStale(ctx); err != nil {
			return nil, fmt.Errorf("router: expire stale: %w", err)
		}
		r.record(ctx, runID, audit.KindApprovalResolved, "run timed out awaiting approval", map[string]any{"actor": actor})
		return &RouteDecision{RunID: runID, State: StateTimedOut, ArtifactPath: pending.DecisionJSON}, nil
	}

	if approved {
		if err := r.gate.Store().Approve(ctx, runID, actor, reason); err != nil {
			return nil, fmt.Errorf("router: approve: %w", err)
		}
		r.record(ctx, runID, audit.KindApprovalResolved, "run approved", map[string]any{"actor": actor, "reason": reason})
		r.record(ctx, runID, audit.KindRunCompleted, "run completed", map[string]any{"state": string(StateApproved)})
		return &RouteDecision{RunID: runID, State: StateApproved, ArtifactPath: pending.DecisionJSON, Approved: true}, nil
	}

	if err := r.gate.Store().Deny(ctx, runID, actor, reason); err != nil {
		return nil, fmt.Errorf("router: deny: %w", err)
	}
	r.record(ctx, runID, audit.KindApprovalResolved, "run rejected", map[string]any{"actor": actor, "reason": reason})
	r.record(ctx, runID, audit.KindRunCompleted, "run completed", map[string]any{"state": string(StateRejected)})
	return &RouteDecision{RunID: runID, State: StateRejected, ArtifactPath: pending.DecisionJSON, Approved: false}, nil
}

// Refresh rescans WorkflowsRoot for user scripts and repopulates the
// registry, for callers that want to pick up newly added scripts without a
// restart. cmd/pulsus/main.go does not call it.
func (r *Router) Refresh(ctx context.Context, makeHandler func(scriptPath string) registry.Handler) ([]string, error) {
	r.registry.Reset()
	warnings, err := r.registry.ScanUserScripts(r.cfg.WorkflowsRoot, makeHandler)
	if err != nil {
		return nil, fmt.Errorf("router: refresh: %w", err)
	}
	for _, w := range warnings {
		r.record(ctx, "", audit.KindError, "registry scan warning", map[string]any{"warning": w})
	}
	return warnings, nil
}

// SweepExpiredApprovals expires any pending approval past its TTL. Callers
// run this on a ticker (cmd/pulsus/main.go does, once a minute).
func (r *Router) SweepExpiredApprovals(ctx context.Context) (int64, error) {
	return r.gate.Sweep(ctx)
}
