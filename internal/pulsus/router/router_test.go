package router

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aitlantis/pulsus/internal/pulsus/approvals"
	"github.com/aitlantis/pulsus/internal/pulsus/audit"
	pulsusconfig "github.com/aitlantis/pulsus/internal/pulsus/config"
	"github.com/aitlantis/pulsus/internal/pulsus/generator"
	"github.com/aitlantis/pulsus/internal/pulsus/policy"
	"github.com/aitlantis/pulsus/internal/pulsus/registry"
	"github.com/aitlantis/pulsus/internal/pulsus/sandbox"
	"github.com/aitlantis/pulsus/internal/pulsus/scorer"
	"github.com/aitlantis/pulsus/internal/pulsus/selector"
	"github.com/aitlantis/pulsus/internal/pulsus/validator"
)

const validGeneratorArtifact = `domain = "misc"
action = "generated"
def handle(text):
    return {"success": True, "data": None, "error": None, "status": "success"}
`

type stubCompletionClient struct {
	body string
	err  error
}

func (s *stubCompletionClient) Complete(ctx context.Context, system, user string, c generator.Constraints) (string, error) {
	return s.body, s.err
}

func newTestRouter(t *testing.T, logRoot string) (*Router, *approvals.Gate) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	approvalStore := approvals.NewStore(db)
	if err := approvalStore.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure approvals schema: %v", err)
	}
	gate := approvals.NewGate(approvalStore, time.Minute)

	auditLog, err := audit.NewLogger(logRoot)
	if err != nil {
		t.Fatalf("new audit logger: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	reg := registry.New()
	sc := scorer.New(scorer.DefaultWeights, nil, nil)
	pol := policy.New()
	gen := generator.New(&stubCompletionClient{body: "def handle(text):\n    return {}\n"})
	// No sandbox.Executor is wired (docker is unavailable in this test
	// environment), so the dry-run stage always fails; tests below exercise
	// the paths that short-circuit before or without reaching it.
	val := validator.New(validator.Tools{
		LintCommand:       []string{"true"},
		TypeCheckCommand:  []string{"true"},
		ImportLoadCommand: []string{"true"},
	}, (*sandbox.Executor)(nil), sandbox.Limits{})

	cfg := testConfig(t)
	r := New(cfg, reg, sc, pol, gen, val, gate, auditLog, nil)
	return r, gate
}

func testConfig(t *testing.T) *pulsusconfig.Config {
	t.Helper()
	cfg, err := pulsusconfig.Load("")
	if err != nil {
		t.Fatalf("load default config: %v", err)
	}
	cfg.FrameworkRoot = t.TempDir()
	cfg.WorkflowsRoot = t.TempDir()
	return cfg
}

func TestRouteBlocksWhenSandboxUnavailable(t *testing.T) {
	r, _ := newTestRouter(t, t.TempDir())
	r.generator = generator.New(&stubCompletionClient{body: validGeneratorArtifact})
	if err := r.registry.RegisterDomain("filesystem", "list", "list files in a directory", func(ctx context.Context, params map[string]any) (any, error) {
		return []string{"a.txt"}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.policy.RegisterOperation("filesystem", "list", policy.SafetyReadOnly, nil); err != nil {
		t.Fatalf("register operation: %v", err)
	}

	decision, err := r.Route(context.Background(), "list files", Options{Mode: policy.ModeExecute})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.State != StateBlocked {
		t.Fatalf("expected BLOCKED without a sandbox executor, got %q", decision.State)
	}
	stages := decision.Validation.Stages
	if len(stages) == 0 || stages[len(stages)-1].Stage != validator.StageDryRun ||
		stages[len(stages)-1].Diagnostics != "no sandbox executor configured" {
		t.Fatalf("expected the block to come from the dry-run stage, got %+v", stages)
	}
}

func TestRouteDeniesWriteSafeInPlanMode(t *testing.T) {
	r, _ := newTestRouter(t, t.TempDir())
	if err := r.registry.RegisterDomain("filesystem", "write_docstring", "write a docstring into a file", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.policy.RegisterOperation("filesystem", "write_docstring", policy.SafetyWriteSafe, nil); err != nil {
		t.Fatalf("register operation: %v", err)
	}

	decision, err := r.Route(context.Background(), "@write_docstring", Options{Mode: policy.ModePlan})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.State != StateBlocked {
		t.Fatalf("expected BLOCKED for plan-mode write, got %q", decision.State)
	}
	if decision.Validation.Passed {
		t.Fatalf("expected validation.Passed=false for a plan-mode block")
	}
}

func TestRouteDeniesRestrictedWriteOnTypeCheckFailure(t *testing.T) {
	r, _ := newTestRouter(t, t.TempDir())
	if err := r.registry.RegisterDomain("billing", "refund", "refund a customer", func(ctx context.Context, params map[string]any) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	schema := []byte(`{"type":"object","properties":{"target":{"type":"integer"}},"required":["target"]}`)
	if err := r.policy.RegisterOperation("billing", "refund", policy.SafetyRestrictedWrite, schema); err != nil {
		t.Fatalf("register operation: %v", err)
	}

	decision, err := r.Route(context.Background(), "@refund", Options{Mode: policy.ModeExecute, ConfirmToken: "tok"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.State != StateBlocked {
		t.Fatalf("expected BLOCKED for a restricted_write call with mistyped params, got %q", decision.State)
	}
	if len(decision.Validation.Stages) == 0 || decision.Validation.Stages[0].Diagnostics == "" {
		t.Fatalf("expected a diagnostic explaining the block")
	}
}

func TestRouteFallsBackToGenerateAndUsesGeneratorWiring(t *testing.T) {
	r, _ := newTestRouter(t, t.TempDir())
	r.generator = generator.New(&stubCompletionClient{body: validGeneratorArtifact})

	decision, err := r.Route(context.Background(), "do something entirely unregistered", Options{Mode: policy.ModeExecute})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Policy != selector.PolicyGenerate {
		t.Fatalf("expected GENERATE policy, got %q", decision.Policy)
	}
	// No sandbox executor is wired in this test environment, so the dry-run
	// validation stage always fails; that's a separate concern from the
	// generator itself producing and validating an artifact successfully.
	if decision.State != StateBlocked {
		t.Fatalf("expected BLOCKED (no sandbox), got %q", decision.State)
	}
}

func TestApproveResolvesPendingRun(t *testing.T) {
	r, gate := newTestRouter(t, t.TempDir())

	pending, err := gate.Request(context.Background(), "run-123", "/tmp/artifact.py")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if pending.Status != approvals.StatusPending {
		t.Fatalf("expected pending status, got %q", pending.Status)
	}

	decision, err := r.Approve(context.Background(), "run-123", true, "alice", "looks fine")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if decision.State != StateApproved {
		t.Fatalf("expected APPROVED, got %q", decision.State)
	}
	if !decision.Approved {
		t.Fatalf("expected Approved=true")
	}

	if _, err := r.Approve(context.Background(), "run-123", true, "alice", "again"); err == nil {
		t.Fatalf("expected resolving an already-resolved run to fail")
	}
}

func TestApproveRejectsWhenDenied(t *testing.T) {
	r, gate := newTestRouter(t, t.TempDir())

	if _, err := gate.Request(context.Background(), "run-456", "/tmp/artifact.py"); err != nil {
		t.Fatalf("request: %v", err)
	}

	decision, err := r.Approve(context.Background(), "run-456", false, "bob", "not safe")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if decision.State != StateRejected {
		t.Fatalf("expected REJECTED, got %q", decision.State)
	}
}
