package validator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aitlantis/pulsus/internal/pulsus/sandbox"
)

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.py")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func TestRunShortCircuitsOnLintFailure(t *testing.T) {
	p := New(Tools{
		LintCommand:       []string{"false"},
		TypeCheckCommand:  []string{"true"},
		ImportLoadCommand: []string{"true"},
	}, nil, sandbox.Limits{})

	artifact := writeArtifact(t, "def handle(text):\n    return {}\n")
	report := p.Run(context.Background(), "run-1", artifact)

	if report.Passed {
		t.Fatalf("expected pipeline to fail at lint stage")
	}
	if len(report.Stages) != 1 {
		t.Fatalf("expected short-circuit after stage 1, got %d stages", len(report.Stages))
	}
	if report.Stages[0].Stage != StageLint {
		t.Fatalf("expected first stage to be lint, got %s", report.Stages[0].Stage)
	}
}

func TestRunFallsThroughToDryRunWithoutSandbox(t *testing.T) {
	p := New(Tools{
		LintCommand:       []string{"true"},
		TypeCheckCommand:  []string{"true"},
		ImportLoadCommand: []string{"true"},
	}, nil, sandbox.Limits{})

	artifact := writeArtifact(t, "def handle(text):\n    return {}\n")
	report := p.Run(context.Background(), "run-2", artifact)

	if report.Passed {
		t.Fatalf("expected failure when no sandbox executor is configured")
	}
	last := report.Stages[len(report.Stages)-1]
	if last.Stage != StageDryRun {
		t.Fatalf("expected pipeline to reach dry-run stage, stopped at %s", last.Stage)
	}
}

func TestRunFirstThreeStagesPass(t *testing.T) {
	p := New(Tools{
		LintCommand:       []string{"true"},
		TypeCheckCommand:  []string{"true"},
		ImportLoadCommand: []string{"true"},
	}, nil, sandbox.Limits{})
	// Swap the dry-run stage indirectly isn't possible without a sandbox, so
	// this test only exercises the first three subprocess-backed stages by
	// asserting they each ran and passed before the pipeline reached the
	// (unconfigured) dry run.
	artifact := writeArtifact(t, "def handle(text):\n    return {}\n")
	report := p.Run(context.Background(), "run-3", artifact)

	for _, s := range report.Stages[:3] {
		if !s.Passed {
			t.Fatalf("expected stage %s to pass, diagnostics: %s", s.Stage, s.Diagnostics)
		}
	}
}
