package intent

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseExplicitSigil(t *testing.T) {
	p := NewParser(t.TempDir())
	got := p.Parse("delete @report.csv please")
	if got.Path != PathExplicit {
		t.Fatalf("expected explicit path, got %q", got.Path)
	}
	if got.Target != "report.csv" {
		t.Fatalf("expected target report.csv, got %q", got.Target)
	}
	if got.Action != "delete" {
		t.Fatalf("expected action delete, got %q", got.Action)
	}
}

func TestParseExplicitPathToken(t *testing.T) {
	p := NewParser(t.TempDir())
	got := p.Parse("run ./scripts/deploy.py now")
	if got.Path != PathExplicit {
		t.Fatalf("expected explicit path, got %q", got.Path)
	}
	if got.Target != "./scripts/deploy.py" {
		t.Fatalf("expected path target, got %q", got.Target)
	}
	if got.Action != "execute" {
		t.Fatalf("expected action execute, got %q", got.Action)
	}
}

func TestParseImplicitResolvesExistingFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "invoices"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	p := NewParser(root)
	got := p.Parse("show invoices from last month")
	if got.Path != PathImplicit {
		t.Fatalf("expected implicit path, got %q", got.Path)
	}
	if got.Target != "invoices" {
		t.Fatalf("expected resolved target invoices, got %q", got.Target)
	}
	if got.Action != "list" {
		t.Fatalf("expected action list, got %q", got.Action)
	}
}

func TestParseImplicitUnresolvedTargetLeavesTargetEmpty(t *testing.T) {
	p := NewParser(t.TempDir())
	got := p.Parse("create something new")
	if got.Target != "" {
		t.Fatalf("expected no target resolved, got %q", got.Target)
	}
	if got.Confidence >= 1.0 {
		t.Fatalf("expected confidence below 1.0, got %f", got.Confidence)
	}
}

func TestParseAnalyzeVerbResolvesExistingPath(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "framework"), 0o755); err != nil {
		t.Fatalf("mkdir fixture: %v", err)
	}
	p := NewParser(root)
	got := p.Parse("analyse framework")
	if got.Domain != "analysis" || got.Action != "analyze_path" {
		t.Fatalf("expected (analysis, analyze_path), got (%q, %q)", got.Domain, got.Action)
	}
	if got.Confidence != 0.90 {
		t.Fatalf("expected confidence 0.90, got %f", got.Confidence)
	}
	if !got.ForceSelect {
		t.Fatalf("expected a resolved analyze-verb path to force select")
	}
	if got.Target != "framework" {
		t.Fatalf("expected target framework, got %q", got.Target)
	}
}

func TestParseAnalyzeVerbUnresolvedFallsBackToRepository(t *testing.T) {
	p := NewParser(t.TempDir())
	got := p.Parse("inspect repository nonexistent-thing")
	if got.Domain != "analysis" || got.Action != "analyze_repository" {
		t.Fatalf("expected (analysis, analyze_repository), got (%q, %q)", got.Domain, got.Action)
	}
	if got.Confidence != 0.75 {
		t.Fatalf("expected confidence 0.75, got %f", got.Confidence)
	}
	if got.ForceSelect {
		t.Fatalf("expected the unresolved repository case not to force select")
	}
	if got.Target != "nonexistent-thing" {
		t.Fatalf("expected raw name passed through, got %q", got.Target)
	}
}

func TestParseExplicitTakesPrecedenceOverAnalyzeVerb(t *testing.T) {
	p := NewParser(t.TempDir())
	got := p.Parse("analyse @report.csv")
	if got.Path != PathExplicit {
		t.Fatalf("expected the sigil to win over the analyze-verb pattern, got %q", got.Path)
	}
	if got.Target != "report.csv" {
		t.Fatalf("expected target report.csv, got %q", got.Target)
	}
}

func TestImplicitConfidenceFormula(t *testing.T) {
	cases := []struct {
		action, domain string
		want           float64
	}{
		{"", "", 0.50},
		{"list", "", 0.70},
		{"", "filesystem", 0.70},
		{"list", "filesystem", 0.95},
	}
	for _, c := range cases {
		got := implicitConfidence(c.action, c.domain, "")
		if got != c.want {
			t.Fatalf("implicitConfidence(%q, %q): expected %f, got %f", c.action, c.domain, c.want, got)
		}
	}
}

func TestParseIsDeterministic(t *testing.T) {
	p := NewParser(t.TempDir())
	a := p.Parse("list agents please")
	b := p.Parse("list agents please")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("expected identical output for identical input: %+v vs %+v", a, b)
	}
}

func TestParseEmptyUtterance(t *testing.T) {
	p := NewParser(t.TempDir())
	got := p.Parse("")
	if got.Confidence != 0 {
		t.Fatalf("expected zero confidence for empty utterance, got %f", got.Confidence)
	}
}
