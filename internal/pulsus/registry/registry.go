// Package registry implements the Capability Registry: discovery, indexing,
// and lookup of both MCP-style domain operations and opaque user scripts.
//
// Grounded on internal/gitai/builtin.Registry: the name-keyed map plus
// duplicate-registration rejection (an error) is kept, but reads are no longer
// startup-only — Pulsus rescans WorkflowsRoot at runtime (Router.Refresh),
// so lookups are protected by a sync.RWMutex instead of a
// register-then-never-mutate discipline.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Kind distinguishes how a Capability was discovered.
type Kind string

const (
	KindMCPDomain  Kind = "mcp_domain"
	KindUserScript Kind = "user_script"
)

// Capability is one discoverable, scoreable, invocable unit.
type Capability struct {
	Domain     string
	Action     string
	Kind       Kind
	Doc        string
	DocTokens  []string
	ScriptPath string
	Handler    Handler
	// InputType and OutputType are the declared type tags the Policy
	// Selector's COMPOSE check uses to infer whether one capability's output
	// fits another's input. Empty means "undeclared" — undeclared ends are
	// never treated as compatible, since there is nothing to infer from.
	InputType  string
	OutputType string
}

// CompatibleWith reports whether c's output can feed next's input, the
// "output of one fits input of another, inferred from type tags" test the
// Policy Selector's COMPOSE branch requires.
func (c Capability) CompatibleWith(next Capability) bool {
	return c.OutputType != "" && c.OutputType == next.InputType
}

// Handler invokes a capability opaquely: the core never inspects what a
// handler does internally, matching the design rule that "core only loads, scores, and
// executes them opaquely" invariant.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// manifest is the deterministic per-script-directory descriptor read
// instead of introspecting docstrings at runtime, per the redesign
// note.
type manifest struct {
	Domain     string `json:"domain"`
	Action     string `json:"action"`
	Doc        string `json:"doc"`
	InputType  string `json:"input_type"`
	OutputType string `json:"output_type"`
}

func descriptorKey(domain, action string) string {
	return domain + "::" + action
}

func tokenizeDoc(doc string) []string {
	fields := strings.Fields(strings.ToLower(doc))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Registry holds discovered capabilities indexed by (domain, action).
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{capabilities: make(map[string]Capability)}
}

// RegisterDomain registers one MCP-style domain operation with an explicit
// handler. It is the class-based discovery path for MCP domains: callers
// call this once per operation at init time rather than relying on
// reflection/decorator magic.
func (r *Registry) RegisterDomain(domain, action, doc string, handler Handler) error {
	return r.RegisterDomainTyped(domain, action, doc, "", "", handler)
}

// RegisterDomainTyped is RegisterDomain plus the input/output type tags the
// Policy Selector's COMPOSE check needs. Pass empty strings for either tag
// when the capability's shape isn't known to be composable.
func (r *Registry) RegisterDomainTyped(domain, action, doc, inputType, outputType string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("registry: nil handler for %s.%s", domain, action)
	}
	cap := Capability{
		Domain:     domain,
		Action:     action,
		Kind:       KindMCPDomain,
		Doc:        doc,
		DocTokens:  tokenizeDoc(doc),
		Handler:    handler,
		InputType:  inputType,
		OutputType: outputType,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := descriptorKey(domain, action)
	if _, dup := r.capabilities[k]; dup {
		return fmt.Errorf("registry: duplicate registration for %s.%s", domain, action)
	}
	r.capabilities[k] = cap
	return nil
}

// ScanUserScripts walks root looking for one manifest.json per immediate
// subdirectory, registering each as an opaque user-script capability.
// Malformed manifests are skipped with a Partial-style warning rather than
// aborting the whole scan.
func (r *Registry) ScanUserScripts(root string, makeHandler func(scriptPath string) Handler) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: read %s: %w", root, err)
	}

	var warnings []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		manifestPath := filepath.Join(dir, "manifest.json")
		b, err := os.ReadFile(manifestPath)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: missing or unreadable manifest.json: %v", dir, err))
			continue
		}
		var m manifest
		if err := json.Unmarshal(b, &m); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: malformed manifest.json: %v", dir, err))
			continue
		}
		if m.Domain == "" || m.Action == "" {
			warnings = append(warnings, fmt.Sprintf("%s: manifest missing domain/action", dir))
			continue
		}

		cap := Capability{
			Domain:     m.Domain,
			Action:     m.Action,
			Kind:       KindUserScript,
			Doc:        m.Doc,
			DocTokens:  tokenizeDoc(m.Doc),
			ScriptPath: dir,
			Handler:    makeHandler(dir),
			InputType:  m.InputType,
			OutputType: m.OutputType,
		}
		k := descriptorKey(m.Domain, m.Action)

		r.mu.Lock()
		if existing, dup := r.capabilities[k]; dup && existing.Kind == KindMCPDomain {
			r.mu.Unlock()
			warnings = append(warnings, fmt.Sprintf("%s: %s.%s already provided by an mcp_class_method domain; user script ignored", dir, m.Domain, m.Action))
			continue
		}
		r.capabilities[k] = cap
		r.mu.Unlock()
	}
	return warnings, nil
}

// Get returns the capability for (domain, action), if registered.
func (r *Registry) Get(domain, action string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.capabilities[descriptorKey(domain, action)]
	return c, ok
}

// All returns every registered capability. Order is not guaranteed.
func (r *Registry) All() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.capabilities))
	for _, c := range r.capabilities {
		out = append(out, c)
	}
	return out
}

// ByDomain returns every capability registered under domain.
func (r *Registry) ByDomain(domain string) []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Capability
	for _, c := range r.capabilities {
		if c.Domain == domain {
			out = append(out, c)
		}
	}
	return out
}

// RegisterBuiltinAnalysis registers the canonical (analysis, analyze_path)
// and (analysis, analyze_repository) capabilities the Intent Parser's
// verb-pattern synthesis (analyze/analyse/check/inspect/review) resolves
// against. analyze_path lists the immediate contents of a path that resolved
// on disk ({"path", "entries"}); analyze_repository returns the unresolved
// name as {"target", "resolved": false}, without touching the filesystem.
func (r *Registry) RegisterBuiltinAnalysis(root string) error {
	analyzePath := func(_ context.Context, params map[string]any) (any, error) {
		name, _ := params["target"].(string)
		dir := filepath.Join(root, name)
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("analysis: read %s: %w", dir, err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return map[string]any{"path": dir, "entries": names}, nil
	}
	analyzeRepository := func(_ context.Context, params map[string]any) (any, error) {
		name, _ := params["target"].(string)
		return map[string]any{"target": name, "resolved": false}, nil
	}

	if err := r.RegisterDomainTyped("analysis", "analyze_path",
		"analyze an existing filesystem path and report its contents",
		"path", "analysis_report", analyzePath); err != nil {
		return err
	}
	return r.RegisterDomainTyped("analysis", "analyze_repository",
		"analyze a named target that did not resolve to a local path",
		"path", "analysis_report", analyzeRepository)
}

// Reset clears the registry. Used by Router.Refresh before a full rescan.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities = make(map[string]Capability)
}
