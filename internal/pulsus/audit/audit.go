// Package audit writes the three JSONL audit streams Pulsus keeps under
// LogRoot: a daily aggregate stream, a per-run stream, and a per-validation
// stream. Entries are redacted before they touch disk and each stream is
// fsync'd at the end of its routing cycle.
//
// The Kind/Event shape and the "notify failures are warnings, not routing
// errors" rule are grounded on internal/ruriko/audit/notifier.go; the
// per-stream mutex discipline is grounded on the pendMu/mu split in
// internal/gitai/mcp/client.go, generalized from one mutex per Matrix
// room-send path to one mutex per open JSONL file handle.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aitlantis/pulsus/common/redact"
	"github.com/aitlantis/pulsus/common/trace"
)

// Kind is a machine-readable audit event category.
type Kind string

const (
	KindRunStarted       Kind = "run.started"
	KindIntentParsed     Kind = "intent.parsed"
	KindPolicySelected   Kind = "policy.selected"
	KindArtifactBuilt    Kind = "artifact.built"
	KindValidationStage  Kind = "validation.stage"
	KindSandboxCompleted Kind = "sandbox.completed"
	KindApprovalRequired Kind = "approval.required"
	KindApprovalResolved Kind = "approval.resolved"
	KindRunCompleted     Kind = "run.completed"
	KindError            Kind = "error"
)

// Event is one audit record. Payload is redacted (via common/redact) before
// it is serialized.
type Event struct {
	Kind      Kind           `json:"kind"`
	RunID     string         `json:"run_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Target    string         `json:"target,omitempty"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp_utc"`
}

// stream is one JSONL file with its own mutex, so the three streams never
// contend with each other.
type stream struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func openStream(path string) (*stream, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("audit: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &stream{f: f, path: path}, nil
}

func (s *stream) write(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	b = append(b, '\n')
	if _, err := s.f.Write(b); err != nil {
		return fmt.Errorf("audit: write %s: %w", s.path, err)
	}
	return nil
}

func (s *stream) sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Sync()
}

func (s *stream) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Logger owns the three JSONL streams. It is safe for concurrent use.
type Logger struct {
	root    string
	daily   *stream
	perRun  map[string]*stream
	perVal  map[string]*stream
	mu      sync.Mutex // guards perRun/perVal map membership, not file I/O
}

// NewLogger opens the daily aggregate stream under root and returns a Logger.
// Per-run and per-validation streams are opened lazily on first write.
func NewLogger(root string) (*Logger, error) {
	dailyPath := filepath.Join(root, fmt.Sprintf("audit-%s.jsonl", time.Now().UTC().Format("2006-01-02")))
	daily, err := openStream(dailyPath)
	if err != nil {
		return nil, err
	}
	return &Logger{
		root:   root,
		daily:  daily,
		perRun: make(map[string]*stream),
		perVal: make(map[string]*stream),
	}, nil
}

func (l *Logger) runStream(runID string) (*stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.perRun[runID]; ok {
		return s, nil
	}
	s, err := openStream(filepath.Join(l.root, "runs", runID+".jsonl"))
	if err != nil {
		return nil, err
	}
	l.perRun[runID] = s
	return s, nil
}

func (l *Logger) validationStream(runID string) (*stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.perVal[runID]; ok {
		return s, nil
	}
	s, err := openStream(filepath.Join(l.root, "validations", runID+".jsonl"))
	if err != nil {
		return nil, err
	}
	l.perVal[runID] = s
	return s, nil
}

// Record writes evt to the daily stream and, for events carrying a RunID, to
// that run's per-run stream. Validation-stage events additionally fan out to
// the per-validation stream. Write failures are logged as warnings — per
// design rule that audit failures must never block routing.
func (l *Logger) Record(ctx context.Context, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.TraceID == "" {
		evt.TraceID = trace.FromContext(ctx)
	}
	if evt.Payload != nil {
		evt.Payload = redact.Map(evt.Payload)
	}

	if err := l.daily.write(evt); err != nil {
		slog.Warn("audit: daily stream write failed", "err", err)
	}

	if evt.RunID == "" {
		return
	}
	rs, err := l.runStream(evt.RunID)
	if err != nil {
		slog.Warn("audit: open run stream failed", "run_id", evt.RunID, "err", err)
		return
	}
	if err := rs.write(evt); err != nil {
		slog.Warn("audit: run stream write failed", "run_id", evt.RunID, "err", err)
	}

	if evt.Kind != KindValidationStage {
		return
	}
	vs, err := l.validationStream(evt.RunID)
	if err != nil {
		slog.Warn("audit: open validation stream failed", "run_id", evt.RunID, "err", err)
		return
	}
	if err := vs.write(evt); err != nil {
		slog.Warn("audit: validation stream write failed", "run_id", evt.RunID, "err", err)
	}
}

// Flush fsyncs every open stream. Call at the end of a routing cycle.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(l.daily.sync())
	for _, s := range l.perRun {
		record(s.sync())
	}
	for _, s := range l.perVal {
		record(s.sync())
	}
	return firstErr
}

// Close flushes and closes every open stream.
func (l *Logger) Close() error {
	if err := l.Flush(); err != nil {
		slog.Warn("audit: flush on close failed", "err", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(l.daily.close())
	for _, s := range l.perRun {
		record(s.close())
	}
	for _, s := range l.perVal {
		record(s.close())
	}
	return firstErr
}
