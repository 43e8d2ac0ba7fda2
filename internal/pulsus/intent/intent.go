// Package intent implements Pulsus's deterministic, LLM-free intent parser.
//
// Grounded on internal/ruriko/commands/natural_language.go's ParseIntent:
// that function tokenised a chat message, matched verb/noun keyword phrases
// against the command router's known action keys, and checked the
// filesystem for agent/template names it found along the way. Pulsus
// generalizes the same shape — explicit sigil-prefixed references resolve
// directly, a closed set of analyze-style verb phrases is matched and
// confirmed to exist on disk, and everything else falls back to
// synonym/domain-hint tables — to domain/action routing instead of chat
// commands.
package intent

import (
	"os"
	"path/filepath"
	"strings"
)

// Path describes how a ParsedIntent was produced.
type Path string

const (
	// PathExplicit means the utterance named its target directly (an @-sigil
	// reference or an unambiguous absolute/relative path).
	PathExplicit Path = "explicit"
	// PathImplicit means the target was inferred from a verb/domain phrase.
	PathImplicit Path = "implicit"
)

// ParsedIntent is the Intent Parser's output: a candidate domain/action pair
// plus the evidence used to reach it.
type ParsedIntent struct {
	Domain     string
	Action     string
	Target     string
	Path       Path
	Confidence float64
	Tokens     []string
	// ForceSelect means the Policy Selector must resolve this intent against
	// the named (Domain, Action) capability (or, if Domain/Action are
	// unknown, the top-scored candidate) rather than running it through the
	// usual tau/epsilon scoring band: true for sigil/path-token targets and
	// for the analyze-verb pattern's resolved-path case.
	ForceSelect bool
}

// actionSynonyms maps a verb token to the canonical action it implies.
// Grounded on the synonym table natural_language.go used to normalise
// "add"/"create"/"make" to a single router action key.
var actionSynonyms = map[string]string{
	"create": "create", "make": "create", "add": "create", "new": "create",
	"delete": "delete", "remove": "delete", "drop": "delete",
	"list": "list", "show": "list", "display": "list",
	"update": "update", "edit": "update", "modify": "update", "change": "update",
	"run": "execute", "execute": "execute", "invoke": "execute", "call": "execute",
	"get": "read", "read": "read", "fetch": "read", "find": "read",
}

// analyzeVerbs is the closed verb set the implicit path-detection step
// matches against: "verb [repository] <simple-name>".
var analyzeVerbs = map[string]struct{}{
	"analyze": {}, "analyse": {}, "check": {}, "inspect": {}, "review": {},
}

// domainHints maps a noun token to the domain it most often names.
var domainHints = map[string]string{
	"file": "filesystem", "files": "filesystem", "directory": "filesystem", "folder": "filesystem",
	"agent": "agents", "agents": "agents",
	"secret": "secrets", "secrets": "secrets", "credential": "secrets",
	"config": "config", "configuration": "config", "setting": "config",
	"approval": "approvals", "approvals": "approvals",
	"log": "audit", "logs": "audit", "audit": "audit",
}

func tokenise(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		// Leading dots are kept so "./" and "../" path tokens survive intact.
		f = strings.TrimLeft(f, ",!?;:\"'()")
		f = strings.TrimRight(f, ".,!?;:\"'()")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// extractExplicitTarget returns a sigil-prefixed (@name) or filesystem-path
// token verbatim, and true, when present in tokens.
func extractExplicitTarget(tokens []string) (string, bool) {
	for _, t := range tokens {
		if strings.HasPrefix(t, "@") && len(t) > 1 {
			return strings.TrimPrefix(t, "@"), true
		}
		if strings.HasPrefix(t, "/") || strings.HasPrefix(t, "./") || strings.HasPrefix(t, "../") {
			return t, true
		}
	}
	return "", false
}

// matchAnalyzeVerbPattern scans tokens for the closed-set verb-pattern
// "verb [repository] <simple-name>", returning the simple-name token and
// true when found.
func matchAnalyzeVerbPattern(tokens []string) (string, bool) {
	for i, t := range tokens {
		if _, ok := analyzeVerbs[t]; !ok {
			continue
		}
		j := i + 1
		if j < len(tokens) && tokens[j] == "repository" {
			j++
		}
		if j < len(tokens) {
			return tokens[j], true
		}
	}
	return "", false
}

// Parser parses utterances into ParsedIntent values. FSRoot anchors implicit
// path existence checks.
type Parser struct {
	FSRoot string
}

// NewParser returns a Parser rooted at fsRoot for filesystem-existence
// checks on implicit-path candidates.
func NewParser(fsRoot string) *Parser {
	return &Parser{FSRoot: fsRoot}
}

// Parse turns a raw utterance into a ParsedIntent. It never calls an LLM:
// every decision is table-driven and reproducible for the same input.
func (p *Parser) Parse(utterance string) ParsedIntent {
	tokens := tokenise(utterance)
	if len(tokens) == 0 {
		return ParsedIntent{Path: PathImplicit, Confidence: 0, Tokens: tokens}
	}

	if target, ok := extractExplicitTarget(tokens); ok {
		action := firstKnownAction(tokens)
		domain := firstKnownDomain(tokens)
		return ParsedIntent{
			Domain:      domain,
			Action:      action,
			Target:      target,
			Path:        PathExplicit,
			Confidence:  explicitConfidence(action, domain),
			Tokens:      tokens,
			ForceSelect: true,
		}
	}

	if name, ok := matchAnalyzeVerbPattern(tokens); ok {
		if p.FSRoot != "" {
			if _, err := os.Stat(filepath.Join(p.FSRoot, name)); err == nil {
				return ParsedIntent{
					Domain:      "analysis",
					Action:      "analyze_path",
					Target:      name,
					Path:        PathImplicit,
					Confidence:  0.90,
					Tokens:      tokens,
					ForceSelect: true,
				}
			}
		}
		return ParsedIntent{
			Domain:     "analysis",
			Action:     "analyze_repository",
			Target:     name,
			Path:       PathImplicit,
			Confidence: 0.75,
			Tokens:     tokens,
		}
	}

	action := firstKnownAction(tokens)
	domain := firstKnownDomain(tokens)
	target := p.resolveImplicitTarget(tokens)

	return ParsedIntent{
		Domain:     domain,
		Action:     action,
		Target:     target,
		Path:       PathImplicit,
		Confidence: implicitConfidence(action, domain, target),
		Tokens:     tokens,
	}
}

func firstKnownAction(tokens []string) string {
	for _, t := range tokens {
		if a, ok := actionSynonyms[t]; ok {
			return a
		}
	}
	return ""
}

func firstKnownDomain(tokens []string) string {
	for _, t := range tokens {
		if d, ok := domainHints[t]; ok {
			return d
		}
	}
	return ""
}

// resolveImplicitTarget looks for a bare noun token that names an existing
// file under FSRoot, matching natural_language.go's filesystem-existence
// confirmation step for implicit-path intents.
func (p *Parser) resolveImplicitTarget(tokens []string) string {
	if p.FSRoot == "" {
		return ""
	}
	for _, t := range tokens {
		if _, ok := actionSynonyms[t]; ok {
			continue
		}
		if _, ok := domainHints[t]; ok {
			continue
		}
		candidate := filepath.Join(p.FSRoot, t)
		if _, err := os.Stat(candidate); err == nil {
			return t
		}
	}
	return ""
}

// explicitConfidence scores an explicit-path intent: the sigil/path
// resolved the target unambiguously, so confidence starts high and is only
// reduced when the action or domain could not be determined.
func explicitConfidence(action, domain string) float64 {
	score := 0.9
	if action == "" {
		score -= 0.2
	}
	if domain == "" {
		score -= 0.1
	}
	return clamp(score)
}

// implicitConfidence scores an implicit-path intent: base 0.50, +0.20 if an
// action was found, +0.20 if a domain was found, +0.10 more if both were,
// capped at 0.95. target does not contribute: it only narrows the action's
// scope, it isn't independent evidence for domain/action routing.
func implicitConfidence(action, domain, target string) float64 {
	score := 0.50
	hasAction := action != ""
	hasDomain := domain != ""
	if hasAction {
		score += 0.20
	}
	if hasDomain {
		score += 0.20
	}
	if hasAction && hasDomain {
		score += 0.10
	}
	if score > 0.95 {
		score = 0.95
	}
	return clamp(score)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
