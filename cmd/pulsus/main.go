package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aitlantis/pulsus/common/version"
	"github.com/aitlantis/pulsus/internal/pulsus/approvals"
	"github.com/aitlantis/pulsus/internal/pulsus/audit"
	pulsusconfig "github.com/aitlantis/pulsus/internal/pulsus/config"
	"github.com/aitlantis/pulsus/internal/pulsus/generator"
	"github.com/aitlantis/pulsus/internal/pulsus/history"
	"github.com/aitlantis/pulsus/internal/pulsus/policy"
	"github.com/aitlantis/pulsus/internal/pulsus/registry"
	"github.com/aitlantis/pulsus/internal/pulsus/router"
	"github.com/aitlantis/pulsus/internal/pulsus/sandbox"
	"github.com/aitlantis/pulsus/internal/pulsus/scorer"
	"github.com/aitlantis/pulsus/internal/pulsus/validator"
)

func main() {
	fmt.Printf("Pulsus Routing Agent\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := pulsusconfig.Load(getEnv("PULSUS_CONFIG", "./pulsus.yaml"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(64)
	}

	r, closeFn, err := buildRouter(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Pulsus: %v\n", err)
		os.Exit(70)
	}
	defer closeFn()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go backgroundMaintenance(ctx, r)

	mode := policy.ExecutionMode(getEnv("PULSUS_MODE", string(policy.ModeExecute)))
	autoApprove := getEnvBool("PULSUS_AUTO_APPROVE", false)

	if err := runLoop(ctx, r, mode, autoApprove); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(70)
	}
}

// buildRouter wires every Pulsus component from cfg into a *router.Router,
// mirroring a typical loadConfig-then-app.New construction sequence.
func buildRouter(cfg *pulsusconfig.Config) (*router.Router, func(), error) {
	if err := os.MkdirAll(cfg.LogRoot, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log root: %w", err)
	}
	auditLog, err := audit.NewLogger(cfg.LogRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit logger: %w", err)
	}

	histStore, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		auditLog.Close()
		return nil, nil, fmt.Errorf("open history store: %w", err)
	}

	approvalStore := approvals.NewStore(histStore.DB())
	if err := approvalStore.EnsureSchema(context.Background()); err != nil {
		histStore.Close()
		auditLog.Close()
		return nil, nil, fmt.Errorf("ensure approvals schema: %w", err)
	}
	gate := approvals.NewGate(approvalStore, approvals.DefaultTTL)

	reg := registry.New()
	if err := reg.RegisterBuiltinAnalysis(cfg.FrameworkRoot); err != nil {
		histStore.Close()
		auditLog.Close()
		return nil, nil, fmt.Errorf("register builtin analysis capabilities: %w", err)
	}
	warnings, err := reg.ScanUserScripts(cfg.WorkflowsRoot, scriptHandler)
	if err != nil {
		slog.Warn("registry: scan user scripts failed", "err", err)
	}
	for _, w := range warnings {
		slog.Warn("registry: scan warning", "detail", w)
	}

	sc := scorer.New(scorer.Weights{
		Name:    cfg.Scorer.WeightName,
		Doc:     cfg.Scorer.WeightDoc,
		History: cfg.Scorer.WeightHistory,
	}, histStore, scorer.NoopEmbedder{})

	pol := policy.New()
	if err := pol.RegisterOperation("analysis", "analyze_path", policy.SafetyReadOnly, nil); err != nil {
		histStore.Close()
		auditLog.Close()
		return nil, nil, fmt.Errorf("register analyze_path safety level: %w", err)
	}
	if err := pol.RegisterOperation("analysis", "analyze_repository", policy.SafetyReadOnly, nil); err != nil {
		histStore.Close()
		auditLog.Close()
		return nil, nil, fmt.Errorf("register analyze_repository safety level: %w", err)
	}

	gen := generator.New(generator.NewOpenAIClient(generator.OpenAIConfig{
		APIKey:  os.Getenv("PULSUS_MODEL_API_KEY"),
		BaseURL: cfg.Model.Endpoint,
		Model:   cfg.Model.Name,
		Timeout: cfg.Model.Timeout,
	}))

	var sandboxExec *sandbox.Executor
	if exec, err := sandbox.NewExecutor(getEnv("PULSUS_SANDBOX_IMAGE", "python:3.11-slim")); err != nil {
		slog.Warn("sandbox: docker unavailable, dry-run stage will always fail", "err", err)
	} else {
		sandboxExec = exec
	}

	val := validator.New(validator.DefaultTools(), sandboxExec, sandbox.Limits{
		WallClock:        cfg.Sandbox.WallClock,
		MemoryBytes:      cfg.Sandbox.MemoryBytes,
		AllowedReadRoots: cfg.Sandbox.AllowedReadRoots,
	})

	rtr := router.New(cfg, reg, sc, pol, gen, val, gate, auditLog, histStore)

	closeFn := func() {
		histStore.Close()
		auditLog.Close()
	}
	return rtr, closeFn, nil
}

// scriptHandler builds the Handler registered for a discovered user-script
// capability. It does not run the script: every call returns an error
// naming the script path. The dry-run stage of the Validator Pipeline
// exercises artifacts directly inside the sandbox.
func scriptHandler(scriptPath string) registry.Handler {
	return func(ctx context.Context, params map[string]any) (any, error) {
		return nil, fmt.Errorf("pulsus: direct invocation of %s is not implemented in this demo CLI; approve the run and execute the artifact out of band", scriptPath)
	}
}

func backgroundMaintenance(ctx context.Context, r *router.Router) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.SweepExpiredApprovals(ctx); err != nil {
				slog.Warn("maintenance: sweep expired approvals failed", "err", err)
			} else if n > 0 {
				slog.Info("maintenance: expired stale approvals", "count", n)
			}
		}
	}
}

// runLoop reads one utterance per line from stdin, routes it, and prints the
// resulting envelope. Lines of the form "approve <run_id>" or
// "deny <run_id> <reason>" resolve a run parked in AWAITING_APPROVAL.
func runLoop(ctx context.Context, r *router.Router, mode policy.ExecutionMode, autoApprove bool) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Printf("mode=%s. Enter an utterance, or \"approve <run_id>\" / \"deny <run_id> <reason>\".\n", mode)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if handled, err := handleApprovalCommand(ctx, r, line); handled {
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			}
			continue
		}

		decision, err := r.Route(ctx, line, router.Options{Mode: mode})
		if err != nil {
			fmt.Fprintf(os.Stderr, "route error: %v\n", err)
			continue
		}
		printDecision(decision)

		if decision.State == router.StateAwaitingApproval && autoApprove {
			approved, err := r.Approve(ctx, decision.RunID, true, "auto-approve", "PULSUS_AUTO_APPROVE enabled")
			if err != nil {
				fmt.Fprintf(os.Stderr, "auto-approve error: %v\n", err)
				continue
			}
			printDecision(approved)
		}
	}
	return scanner.Err()
}

// handleApprovalCommand recognizes "approve <run_id>" and
// "deny <run_id> <reason...>" lines, resolving the named run and printing
// its terminal decision. Returns handled=false for any other input so the
// caller falls through to routing it as an utterance.
func handleApprovalCommand(ctx context.Context, r *router.Router, line string) (handled bool, err error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return false, nil
	}

	switch fields[0] {
	case "approve":
		decision, aerr := r.Approve(ctx, fields[1], true, "operator", "")
		if aerr != nil {
			return true, fmt.Errorf("approve: %w", aerr)
		}
		printDecision(decision)
		return true, nil
	case "deny":
		reason := ""
		if len(fields) > 2 {
			reason = strings.Join(fields[2:], " ")
		}
		decision, derr := r.Approve(ctx, fields[1], false, "operator", reason)
		if derr != nil {
			return true, fmt.Errorf("deny: %w", derr)
		}
		printDecision(decision)
		return true, nil
	default:
		return false, nil
	}
}

func printDecision(d *router.RouteDecision) {
	env := d.ToEnvelope()
	m, err := env.ToMap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "envelope render error: %v\n", err)
		return
	}
	b, _ := json.MarshalIndent(m, "", "  ")
	fmt.Println(string(b))
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}
