// Package validator runs the four-stage validation pipeline (lint,
// type-check, import-load, sandboxed dry-run) over a materialized artifact,
// short-circuiting on the first failing stage.
//
// Grounded on internal/gitai/policy's deterministic, no-LLM evaluation
// style: each stage here is a small, pure function of its inputs (a
// subprocess invocation plus its exit code and output), and the pipeline
// as a whole returns a single first-match-style verdict rather than
// aggregating partial scores.
package validator

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/aitlantis/pulsus/internal/pulsus/sandbox"
)

// StageName identifies one of the four pipeline stages.
type StageName string

const (
	StageLint       StageName = "lint"
	StageTypeCheck  StageName = "type_check"
	StageImportLoad StageName = "import_load"
	StageDryRun     StageName = "dry_run"
)

// StageResult is the outcome of one validation stage.
type StageResult struct {
	Stage       StageName
	Passed      bool
	DurationMS  int64
	Diagnostics string
}

// Report is the full pipeline result: every stage that ran, in order, up to
// and including the first failure.
type Report struct {
	Stages []StageResult
	Passed bool
}

// Tools names the configured subprocess binaries for the subprocess-backed
// stages. Defaults match the standard toolchain: ruff, mypy, and a
// Python import-smoke-test script.
type Tools struct {
	LintCommand       []string
	TypeCheckCommand  []string
	ImportLoadCommand []string
}

// DefaultTools returns the default subprocess commands, each taking the
// artifact path as its final argument.
func DefaultTools() Tools {
	return Tools{
		LintCommand:       []string{"ruff", "check"},
		TypeCheckCommand:  []string{"mypy", "--strict"},
		ImportLoadCommand: []string{"python3", "-c", "import importlib.util, sys; spec = importlib.util.spec_from_file_location('artifact', sys.argv[1]); m = importlib.util.module_from_spec(spec); spec.loader.exec_module(m)"},
	}
}

// Pipeline runs the four stages against a materialized artifact file.
type Pipeline struct {
	tools    Tools
	sandbox  *sandbox.Executor
	limits   sandbox.Limits
}

// New returns a Pipeline using tools for the subprocess stages and
// sandboxExec for the final dry-run stage.
func New(tools Tools, sandboxExec *sandbox.Executor, limits sandbox.Limits) *Pipeline {
	return &Pipeline{tools: tools, sandbox: sandboxExec, limits: limits}
}

func runSubprocess(ctx context.Context, command []string, artifactPath string) (bool, string, int64) {
	start := time.Now()
	if len(command) == 0 {
		return false, "no command configured for this stage", time.Since(start).Milliseconds()
	}
	args := append(append([]string{}, command[1:]...), artifactPath)
	cmd := exec.CommandContext(ctx, command[0], args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return false, out.String(), duration
	}
	return true, out.String(), duration
}

// Run executes stages in order, stopping at the first failure.
func (p *Pipeline) Run(ctx context.Context, runID, artifactPath string) Report {
	var report Report

	stages := []struct {
		name StageName
		run  func(ctx context.Context) StageResult
	}{
		{StageLint, func(ctx context.Context) StageResult {
			passed, diag, dur := runSubprocess(ctx, p.tools.LintCommand, artifactPath)
			return StageResult{Stage: StageLint, Passed: passed, DurationMS: dur, Diagnostics: diag}
		}},
		{StageTypeCheck, func(ctx context.Context) StageResult {
			passed, diag, dur := runSubprocess(ctx, p.tools.TypeCheckCommand, artifactPath)
			return StageResult{Stage: StageTypeCheck, Passed: passed, DurationMS: dur, Diagnostics: diag}
		}},
		{StageImportLoad, func(ctx context.Context) StageResult {
			passed, diag, dur := runSubprocess(ctx, p.tools.ImportLoadCommand, artifactPath)
			return StageResult{Stage: StageImportLoad, Passed: passed, DurationMS: dur, Diagnostics: diag}
		}},
		{StageDryRun, func(ctx context.Context) StageResult {
			return p.runDryRun(ctx, runID, artifactPath)
		}},
	}

	for _, s := range stages {
		result := s.run(ctx)
		report.Stages = append(report.Stages, result)
		if !result.Passed {
			report.Passed = false
			return report
		}
	}
	report.Passed = true
	return report
}

func (p *Pipeline) runDryRun(ctx context.Context, runID, artifactPath string) StageResult {
	if p.sandbox == nil {
		return StageResult{Stage: StageDryRun, Passed: false, Diagnostics: "no sandbox executor configured"}
	}
	res, err := p.sandbox.Run(ctx, runID, artifactPath, []string{"python3", "/workspace/artifact"}, p.limits)
	if err != nil {
		return StageResult{Stage: StageDryRun, Passed: false, Diagnostics: fmt.Sprintf("sandbox error: %v", err)}
	}
	passed := !res.TimedOut && !res.OOMKilled && res.ExitCode == 0
	diag := res.Stdout + res.Stderr
	if res.TimedOut {
		diag = "dry run exceeded wall-clock limit\n" + diag
	}
	if res.OOMKilled {
		diag = "dry run exceeded memory limit\n" + diag
	}
	return StageResult{Stage: StageDryRun, Passed: passed, DurationMS: res.DurationMS, Diagnostics: diag}
}
