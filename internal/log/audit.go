package log

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Audit event types (spec §4.7, §4.8: backend switches and terminations are
// security-relevant and must be traceable).
const (
	EventBackendSwitch = "backend_switch"
	EventProcessControl = "process_control"
	EventSignRequest    = "sign_request"
)

// Subtypes
const (
	SubtypeSwitchAttempt = "attempt"
	SubtypeSwitchSuccess = "success"
	SubtypeSwitchFailed  = "failed"

	SubtypeProcessTerminate = "terminate"
	SubtypeProcessLaunch    = "launch"

	SubtypeSignForwarded = "forwarded"
	SubtypeSignRefused   = "refused"
)

// Outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Severities
const (
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
)

// AuditEvent is a structured record of a router decision, following the
// NIST SP 800-92 shape: typed, correlated, and outcome-bearing.
type AuditEvent struct {
	Timestamp     string         `json:"timestamp"`
	EventType     string         `json:"event_type"`
	Subtype       string         `json:"subtype,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	Backend       string         `json:"backend,omitempty"`
	Fingerprint   string         `json:"fingerprint,omitempty"`
	Outcome       string         `json:"outcome"`
	Severity      string         `json:"severity"`
	Details       map[string]any `json:"details,omitempty"`
}

// NewAuditEvent creates an event stamped with the current time. correlationID
// should be the same value for every event produced while handling one
// client request (spec §4.7's "single request" unit of work).
func NewAuditEvent(eventType, subtype, correlationID, outcome, severity string) *AuditEvent {
	return &AuditEvent{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		EventType:     eventType,
		Subtype:       subtype,
		CorrelationID: correlationID,
		Outcome:       outcome,
		Severity:      severity,
	}
}

// WithBackend sets the backend name the event pertains to.
func (e *AuditEvent) WithBackend(backend string) *AuditEvent {
	e.Backend = backend
	return e
}

// WithFingerprint sets the key fingerprint the event pertains to.
func (e *AuditEvent) WithFingerprint(fp string) *AuditEvent {
	e.Fingerprint = fp
	return e
}

// WithDetail attaches a context-specific field.
func (e *AuditEvent) WithDetail(key string, value any) *AuditEvent {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Log emits the event to logger at a level derived from Severity. It is a
// no-op if logger is nil.
func (e *AuditEvent) Log(logger *slog.Logger) {
	if logger == nil {
		return
	}
	var logFunc func(msg string, args ...any)
	switch e.Severity {
	case SeverityError:
		logFunc = logger.Error
	case SeverityWarning:
		logFunc = logger.Warn
	default:
		logFunc = logger.Info
	}
	logFunc("audit_event",
		"event_type", e.EventType,
		"subtype", e.Subtype,
		"correlation_id", e.CorrelationID,
		"backend", e.Backend,
		"fingerprint", e.Fingerprint,
		"outcome", e.Outcome,
		"severity", e.Severity,
		"details", e.Details,
	)
}

// NewCorrelationID returns a fresh correlation id for one client request.
func NewCorrelationID() string {
	return uuid.New().String()
}
