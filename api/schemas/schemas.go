// api/schemas/schemas.go
package schemas

import "time"

// SessionState tracks the lifecycle of a pooled browser session.
type SessionState string

const (
	StateInitializing SessionState = "initializing"
	StateIdle         SessionState = "idle"
	StateBusy         SessionState = "busy"
	StateError        SessionState = "error"
)

// Credentials is the authentication material installed into a session.
// It is immutable once issued by the bootstrap provider.
type Credentials struct {
	SessionToken string
	Signature    string
	UserID       string
	// ExpiresAt is zero when the token carries no usable expiry claim.
	ExpiresAt time.Time
}

// Expired reports whether the credentials carry an expiry that has passed.
func (c *Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// OutcomeStatus is the tri-state result of a single automation step.
type OutcomeStatus string

const (
	OutcomeOK       OutcomeStatus = "ok"
	OutcomeNotFound OutcomeStatus = "not_found"
	OutcomeTimeout  OutcomeStatus = "timeout"
)

// AutomationResult is the outcome of one driver operation. "Not found" and
// "timed out" are ordinary outcomes, not errors; Go errors are reserved for
// infrastructure failures (disconnected session, protocol error).
type AutomationResult struct {
	Status OutcomeStatus
	Text   string
	URL    string
}

// OK reports whether the step succeeded.
func (r AutomationResult) OK() bool { return r.Status == OutcomeOK }

// Severity of a compiler-reported issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ScriptError is one line-tagged issue reported by the remote compiler.
type ScriptError struct {
	Line     int      `json:"line"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// ValidationOutcome is the immutable result of one validate attempt.
type ValidationOutcome struct {
	IsValid   bool
	Errors    []ScriptError
	RawOutput string
}

// ErrorCount returns the number of entries with severity "error".
func (v ValidationOutcome) ErrorCount() int {
	n := 0
	for _, e := range v.Errors {
		if e.Severity == SeverityError {
			n++
		}
	}
	return n
}

// PublishIntent describes an optional publish step after successful validation.
type PublishIntent struct {
	Title       string
	Description string
	// Visibility is "public" or "private".
	Visibility string
}

// OrchestrationResult is the final, externally visible contract of one run.
// It is created once per run and never mutated afterward.
type OrchestrationResult struct {
	FinalScript    string        `json:"final_script"`
	IsValid        bool          `json:"is_valid"`
	IterationCount int           `json:"iteration_count"`
	FixAttempted   bool          `json:"fix_attempted"`
	FixSucceeded   bool          `json:"fix_succeeded"`
	FinalErrors    []ScriptError `json:"final_errors,omitempty"`
	RawOutput      string        `json:"raw_output,omitempty"`
	PublishedURL   string        `json:"published_url,omitempty"`
	PublishError   string        `json:"publish_error,omitempty"`
}

// PoolStats is a point-in-time snapshot for operational visibility.
type PoolStats struct {
	State          SessionState `json:"state"`
	ServedRequests int          `json:"served_requests"`
	AgeMs          int64        `json:"age_ms"`
	QueueLength    int          `json:"queue_length"`
}
