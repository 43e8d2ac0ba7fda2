// Package envelope defines the standardized response envelope returned by
// every capability invocation and every internal routing stage.
//
// An Envelope is constructed once by the stage that owns it (ok or fail) and
// is never mutated after construction except to append to Trace, which is
// append-only for the lifetime of the envelope.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the terminal classification of an Envelope. It is a closed set;
// unknown values encountered during deserialization must not panic.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusBlocked Status = "blocked"
	StatusCached  Status = "cached"
	StatusPartial Status = "partial"
)

// knownStatuses backs validation during UnmarshalJSON.
var knownStatuses = map[Status]struct{}{
	StatusSuccess: {},
	StatusFailure: {},
	StatusBlocked: {},
	StatusCached:  {},
	StatusPartial: {},
}

func (s Status) valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// Envelope is the standardized response for every capability invocation and
// every internal stage of the routing pipeline.
type Envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *string        `json:"error,omitempty"`
	Status  Status         `json:"status"`
	Context map[string]any `json:"context,omitempty"`
	Trace   []string       `json:"trace,omitempty"`
	// Metadata always carries at least timestamp_utc and latency_ms, set by
	// the ok/fail constructors.
	Metadata map[string]any `json:"metadata"`

	// start records the construction time so build can stamp latency_ms on
	// the way out; it is not serialized.
	start time.Time
}

// Option mutates an Envelope during construction.
type Option func(*Envelope)

// WithContext merges kv pairs into the envelope's Context map.
func WithContext(kv map[string]any) Option {
	return func(e *Envelope) {
		if e.Context == nil {
			e.Context = make(map[string]any, len(kv))
		}
		for k, v := range kv {
			e.Context[k] = v
		}
	}
}

// WithTrace appends one or more human-readable step descriptions.
func WithTrace(steps ...string) Option {
	return func(e *Envelope) {
		e.Trace = append(e.Trace, steps...)
	}
}

// WithStartTime overrides the instant used to compute latency_ms, for callers
// that measured the operation before constructing the envelope.
func WithStartTime(t time.Time) Option {
	return func(e *Envelope) {
		e.start = t
	}
}

// Ok returns a successful Envelope carrying data.
func Ok(data any, opts ...Option) *Envelope {
	return build(true, data, nil, StatusSuccess, opts)
}

// Cached returns a successful Envelope whose data came from a cache rather
// than a live invocation.
func Cached(data any, opts ...Option) *Envelope {
	return build(true, data, nil, StatusCached, opts)
}

// Partial returns a non-terminal-failure Envelope: the operation made
// progress but did not fully succeed (e.g. NoCandidates falling back to
// GENERATE, or a skipped malformed registry entry).
func Partial(data any, reason string, opts ...Option) *Envelope {
	e := build(false, data, &reason, StatusPartial, opts)
	return e
}

// Fail returns a failed Envelope. err must not be empty.
func Fail(err string, opts ...Option) *Envelope {
	return build(false, nil, &err, StatusFailure, opts)
}

// Blocked returns an Envelope for an operation that was denied by policy or
// validation rather than having failed outright.
func Blocked(reason string, opts ...Option) *Envelope {
	return build(false, nil, &reason, StatusBlocked, opts)
}

func build(success bool, data any, errMsg *string, status Status, opts []Option) *Envelope {
	e := &Envelope{
		Success:  success,
		Data:     data,
		Error:    errMsg,
		Status:   status,
		Metadata: make(map[string]any),
		start:    time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Metadata["timestamp_utc"] = time.Now().UTC().Format(time.RFC3339Nano)
	e.Metadata["latency_ms"] = time.Since(e.start).Milliseconds()
	return e
}

// AppendTrace adds one more step to the envelope's trace log. Trace is
// append-only: callers must not rewrite prior entries.
func (e *Envelope) AppendTrace(step string) {
	e.Trace = append(e.Trace, step)
}

// ToMap returns the canonical JSON-safe representation of the envelope for a
// caller to render, matching RouteDecision.to_dict() in the external
// interface contract.
func (e *Envelope) ToMap() (map[string]any, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("envelope: round-trip: %w", err)
	}
	return out, nil
}

// MarshalJSON enforces the success/error invariant at serialization time:
// success=true implies error=null.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	a := alias(e)
	if a.Success {
		a.Error = nil
	}
	return json.Marshal(a)
}

// UnmarshalJSON decodes an Envelope, rejecting unknown Status values by
// downgrading to StatusFailure with a descriptive error rather than
// panicking, per the spec's deserialization-safety invariant.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias Envelope
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("envelope: unmarshal: %w", err)
	}
	if a.Status != "" && !a.Status.valid() {
		msg := fmt.Sprintf("unknown envelope status %q", a.Status)
		a.Status = StatusFailure
		a.Success = false
		a.Error = &msg
	}
	*e = Envelope(a)
	return nil
}

// FromMap reconstructs an Envelope from its canonical map representation.
// envelope.ToMap() then FromMap() is the identity for a well-formed
// envelope.
func FromMap(m map[string]any) (*Envelope, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal map: %w", err)
	}
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
