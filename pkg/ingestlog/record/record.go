// Package record defines the log record shape accepted by the ingestion
// pipeline and the validation/truncation rules applied to it before it is
// queued.
package record

import (
	"encoding/json"
	"fmt"
	"time"
)

// Level is the severity of a log record.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

func (l Level) valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	default:
		return false
	}
}

// Type describes the origin of a log record.
type Type string

const (
	TypeConsole   Type = "console"
	TypeLogger    Type = "logger"
	TypeException Type = "exception"
	TypeCustom    Type = "custom"
	TypeHTTP      Type = "http"
)

func (t Type) valid() bool {
	switch t {
	case TypeConsole, TypeLogger, TypeException, TypeCustom, TypeHTTP:
		return true
	default:
		return false
	}
}

// Importance is a coarse priority hint the remote endpoint may use for
// sampling or alerting decisions.
type Importance string

const (
	ImportanceLow      Importance = "low"
	ImportanceStandard Importance = "standard"
	ImportanceHigh     Importance = "high"
)

func (i Importance) valid() bool {
	switch i {
	case ImportanceLow, ImportanceStandard, ImportanceHigh:
		return true
	default:
		return false
	}
}

// Size limits enforced by Validate. Exceeding a string limit truncates the
// field; exceeding the attributes limit fails validation outright.
const (
	MaxMessageBytes      = 10_000
	MaxErrorTypeBytes    = 255
	MaxErrorMessageBytes = 5_000
	MaxStackTraceBytes   = 50_000
	MaxAttributesBytes   = 100_000
)

// truncationMarker is appended to any string field truncated by Validate.
const truncationMarker = "... [truncated]"

// Record is the unit of ingestion: a single structured log event produced
// by application code or captured automatically by framework middleware.
type Record struct {
	Timestamp    time.Time      `json:"timestamp"`
	Level        Level          `json:"level"`
	LogType      Type           `json:"log_type"`
	Importance   Importance     `json:"importance"`
	Message      string         `json:"message"`
	ErrorType    string         `json:"error_type,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StackTrace   string         `json:"stack_trace,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
}

// ValidationError describes the first invariant violated by a record. It is
// the only synchronous failure a producer can observe from Enqueue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ingestlog: validation failed on field %q: %s", e.Field, e.Reason)
}

// Validate checks r against the invariants in §3/§4.1 of the specification:
// required fields must be non-empty, enums must be one of the known values,
// and the serialized attributes payload must fit under MaxAttributesBytes.
// Oversized string fields are truncated in place rather than rejected; the
// returned Record is the one that should be queued.
//
// Timestamps are normalized to UTC regardless of the zone they arrive in.
// Sub-millisecond precision is truncated, not rounded, to match the wire
// format's millisecond resolution.
func Validate(r Record) (Record, error) {
	if r.Timestamp.IsZero() {
		return Record{}, &ValidationError{Field: "timestamp", Reason: "required"}
	}
	r.Timestamp = r.Timestamp.UTC().Truncate(time.Millisecond)

	if !r.Level.valid() {
		return Record{}, &ValidationError{Field: "level", Reason: fmt.Sprintf("unknown level %q", r.Level)}
	}
	if !r.LogType.valid() {
		return Record{}, &ValidationError{Field: "log_type", Reason: fmt.Sprintf("unknown log_type %q", r.LogType)}
	}
	if r.Importance == "" {
		r.Importance = ImportanceStandard
	}
	if !r.Importance.valid() {
		return Record{}, &ValidationError{Field: "importance", Reason: fmt.Sprintf("unknown importance %q", r.Importance)}
	}
	if r.Message == "" {
		return Record{}, &ValidationError{Field: "message", Reason: "required"}
	}
	r.Message = truncate(r.Message, MaxMessageBytes)

	if r.LogType == TypeException {
		r.ErrorType = truncate(r.ErrorType, MaxErrorTypeBytes)
		r.ErrorMessage = truncate(r.ErrorMessage, MaxErrorMessageBytes)
		r.StackTrace = truncate(r.StackTrace, MaxStackTraceBytes)
	} else {
		r.ErrorType = ""
		r.ErrorMessage = ""
		r.StackTrace = ""
	}

	if len(r.Attributes) > 0 {
		encoded, err := json.Marshal(r.Attributes)
		if err != nil {
			return Record{}, &ValidationError{Field: "attributes", Reason: fmt.Sprintf("not JSON-serializable: %v", err)}
		}
		if len(encoded) > MaxAttributesBytes {
			return Record{}, &ValidationError{Field: "attributes", Reason: fmt.Sprintf("serialized size %d exceeds %d bytes", len(encoded), MaxAttributesBytes)}
		}
	}

	return r, nil
}

// truncate keeps the first limit-len(truncationMarker) bytes of s and
// appends the marker when s exceeds limit bytes. It operates on bytes, not
// runes, per the spec's byte-limit invariants; callers that need to avoid
// splitting a multi-byte rune at the cut point can post-process, but the
// marker itself makes truncation visible regardless.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	if limit <= len(truncationMarker) {
		return truncationMarker[:limit]
	}
	return s[:limit-len(truncationMarker)] + truncationMarker
}
