// Package generator implements the GENERATE policy: it asks a
// CompletionClient to write a fresh artifact module from the parsed intent
// and the capability catalogue.
//
// CompletionClient is grounded on internal/gitai/llm.Provider/openai.go: the
// HTTP, bearer-auth, JSON request/response shape is carried over, narrowed
// from a multi-turn tool-calling Provider (Complete returning a
// Message that may itself request further tool calls) to a single-turn
// Complete(system, user) string call, since the Generator only needs one
// finished artifact body back, never a tool-call loop. common/retry wraps
// the HTTP call for transient network failures, matching the
// expansion note for the Generator's LLM calls.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aitlantis/pulsus/common/retry"
)

// Constraints bound what the Generator is allowed to ask the model for.
type Constraints struct {
	MaxTokens   int
	Temperature float64
}

// CompletionClient produces one artifact body from a system/user prompt
// pair.
type CompletionClient interface {
	Complete(ctx context.Context, system, user string, c Constraints) (string, error)
}

// OpenAIConfig configures the default HTTP-based CompletionClient.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Retry   retry.Config
}

type openAIClient struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAIClient returns a CompletionClient targeting an OpenAI-compatible
// chat-completions endpoint (the default covers self-hosted
// OpenAI-compatible servers via BaseURL, keeping with a "useful for
// local models like Ollama" note).
func NewOpenAIClient(cfg OpenAIConfig) CompletionClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	return &openAIClient{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *openAIClient) Complete(ctx context.Context, system, user string, cons Constraints) (string, error) {
	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   cons.MaxTokens,
		Temperature: cons.Temperature,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("generator: marshal request: %w", err)
	}

	var result string
	err = retry.Do(ctx, c.cfg.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		var parsed chatResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if parsed.Error != nil {
			return fmt.Errorf("completion endpoint error: %s", parsed.Error.Message)
		}
		if len(parsed.Choices) == 0 {
			return fmt.Errorf("no choices in response (status %d)", resp.StatusCode)
		}
		result = parsed.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("generator: complete: %w", err)
	}
	return result, nil
}

// Generator produces a GENERATE-policy artifact.
type Generator struct {
	client CompletionClient
}

// New returns a Generator backed by client.
func New(client CompletionClient) *Generator {
	return &Generator{client: client}
}

const systemPrompt = `You write a single self-contained Python module implementing one capability.
The module must define, at top level:
  domain = "<domain>"
  action = "<action>"
  def handle(text): ...
handle(text) must be the only top-level function named handle, and must
return a JSON-serializable envelope dict with keys success, data, error,
status.
Do not call eval, exec, or compile; do not import importlib; do not open a
socket or make a direct network call (no socket, requests, urllib, or
http.client); do not read or write any filesystem path outside the working
directory the module is given.
Do not add explanations outside the code.`

const envelopeSchemaDescription = `Response envelope schema: a JSON-serializable object with keys
success (bool), data (any, present on success), error (string or null), and
status (one of "success", "failure", "blocked", "cached", "partial").`

// maxValidationRetries bounds how many times Generate asks the model to fix
// a malformed artifact before giving up.
const maxValidationRetries = 2

// ParsedIntentSummary carries the Intent Parser fields the Generator's user
// prompt needs. It is a separate type, rather than intent.ParsedIntent
// itself, so this package doesn't depend on the intent package for four
// fields.
type ParsedIntentSummary struct {
	Domain     string
	Action     string
	Target     string
	Confidence float64
}

// NearbyCapability is one "see also" entry in the user prompt: a registered
// capability related to the parsed intent, ranked by doc score, offered as
// reference material for the model (never invoked directly by it).
type NearbyCapability struct {
	Domain string
	Action string
	Doc    string
}

var (
	handleDefPattern = regexp.MustCompile(`(?m)^def\s+handle\s*\(`)
	domainDefPattern = regexp.MustCompile(`(?m)^domain\s*=`)
	actionDefPattern = regexp.MustCompile(`(?m)^action\s*=`)

	forbiddenConstructs = []*regexp.Regexp{
		regexp.MustCompile(`\beval\s*\(`),
		regexp.MustCompile(`\bexec\s*\(`),
		regexp.MustCompile(`\bcompile\s*\(`),
		regexp.MustCompile(`\bimportlib\b`),
		regexp.MustCompile(`\bsocket\b`),
		regexp.MustCompile(`\brequests\b`),
		regexp.MustCompile(`\burllib\b`),
		regexp.MustCompile(`\bhttp\.client\b`),
		regexp.MustCompile(`\bsubprocess\b`),
		regexp.MustCompile(`\bos\.system\b`),
	}

	// disallowedPathLiteral matches any quoted absolute path;
	// validateArtifact rejects every match outside the /workspace tree the
	// sandbox mounts the artifact under.
	disallowedPathLiteral = regexp.MustCompile(`["'](/[A-Za-z0-9_./-]*)["']`)
)

// validateArtifact checks body against the structural and safety
// constraints the system prompt asked for: exactly one top-level handle
// definition, top-level domain/action assignments, and none of the
// forbidden constructs or filesystem path literals.
func validateArtifact(body string) error {
	if n := len(handleDefPattern.FindAllStringIndex(body, -1)); n != 1 {
		return fmt.Errorf("expected exactly one top-level handle definition, found %d", n)
	}
	if !domainDefPattern.MatchString(body) {
		return fmt.Errorf("missing top-level domain definition")
	}
	if !actionDefPattern.MatchString(body) {
		return fmt.Errorf("missing top-level action definition")
	}
	for _, p := range forbiddenConstructs {
		if p.MatchString(body) {
			return fmt.Errorf("forbidden construct matching %q", p.String())
		}
	}
	for _, m := range disallowedPathLiteral.FindAllStringSubmatch(body, -1) {
		if m[1] == "/workspace" || strings.HasPrefix(m[1], "/workspace/") {
			continue
		}
		return fmt.Errorf("disallowed filesystem path literal %s", m[0])
	}
	return nil
}

func buildUserPrompt(utterance string, parsed ParsedIntentSummary, seeAlso []NearbyCapability) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Utterance: %s\n", utterance)
	fmt.Fprintf(&b, "Parsed intent: domain=%q action=%q target=%q confidence=%.2f\n",
		parsed.Domain, parsed.Action, parsed.Target, parsed.Confidence)
	if len(seeAlso) > 0 {
		b.WriteString("See also (nearby registered capabilities, for reference only, do not invoke directly):\n")
		for _, n := range seeAlso {
			fmt.Fprintf(&b, "  - %s.%s: %s\n", n.Domain, n.Action, n.Doc)
		}
	}
	b.WriteString(envelopeSchemaDescription)
	return b.String()
}

// Generate asks the CompletionClient for a fresh artifact body implementing
// utterance, given the parsed intent and a "see also" list of nearby
// capabilities. The response is validated against the system prompt's
// structural/safety constraints; a malformed response is retried up to
// maxValidationRetries times with an explicit fix-it prompt before Generate
// gives up.
func (g *Generator) Generate(ctx context.Context, utterance string, parsed ParsedIntentSummary, seeAlso []NearbyCapability, cons Constraints) (string, error) {
	baseUser := buildUserPrompt(utterance, parsed, seeAlso)

	var lastErr error
	for attempt := 0; attempt <= maxValidationRetries; attempt++ {
		user := baseUser
		if attempt > 0 {
			user = fmt.Sprintf("%s\n\nThe previous artifact was rejected: %v\nFix the module and return only the corrected code.", baseUser, lastErr)
		}

		body, err := g.client.Complete(ctx, systemPrompt, user, cons)
		if err != nil {
			return "", fmt.Errorf("generator: generate: %w", err)
		}
		if verr := validateArtifact(body); verr != nil {
			lastErr = verr
			continue
		}
		return body, nil
	}
	return "", fmt.Errorf("generator: blocked after %d attempts, last validation error: %w", maxValidationRetries+1, lastErr)
}
