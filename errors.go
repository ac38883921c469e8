package dialogdriver

import "fmt"

// DialogInterrupted is raised to unwind a drive to its outer boundary, where
// it is converted into a run-state update rather than propagated further.
type DialogInterrupted struct {
	Reason InterruptReason
	Detail string
}

func (e *DialogInterrupted) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("dialog interrupted: %s", e.Reason)
	}
	return fmt.Sprintf("dialog interrupted: %s: %s", e.Reason, e.Detail)
}

// ErrDialogBusy is returned by Drive when waitInQueue is false and the
// dialog's drive lock is already held.
type ErrDialogBusy struct {
	ID DialogID
}

func (e *ErrDialogBusy) Error() string {
	return fmt.Sprintf("dialog busy: %s", e.ID.Key())
}

// ErrLLMRetriable wraps a transport or 408/429/5xx failure. The LLM request
// runner retries such failures itself and does not produce this type.
type ErrLLMRetriable struct {
	Provider string
	Cause    error
}

func (e *ErrLLMRetriable) Error() string {
	return fmt.Sprintf("llm %s: retriable: %v", e.Provider, e.Cause)
}

func (e *ErrLLMRetriable) Unwrap() error { return e.Cause }

// ErrPolicyViolation describes a drive policy violation — an FBR-toolless
// dialog emitted a tool call or a non-tellasker tellask. The generation
// loop does not return it: it records the violation as a saying message
// and ends the drive without an error.
type ErrPolicyViolation struct {
	Detail string
}

func (e *ErrPolicyViolation) Error() string { return "policy violation: " + e.Detail }

// ErrConfiguration signals a missing or invalid configuration — unknown
// provider/model/generator — surfaced as a localized, human-actionable
// fatal error per the component design.
type ErrConfiguration struct {
	Detail string
}

func (e *ErrConfiguration) Error() string { return "configuration error: " + e.Detail }

// ErrMalformedTellask describes a tellask call the parser flagged as
// malformed. The tellask executor does not return it: a malformed call
// becomes a dominds system response bubble directly.
type ErrMalformedTellask struct {
	Reason string
}

func (e *ErrMalformedTellask) Error() string { return "malformed tellask: " + e.Reason }
