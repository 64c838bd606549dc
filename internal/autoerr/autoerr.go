// Package autoerr defines the closed error taxonomy shared by the execution
// pipeline, the policy layer, and the REST boundary. The catalog is part of
// the external contract: new codes are additive, existing codes never change
// meaning.
package autoerr

import (
	"errors"
	"fmt"
	"net/http"
)

// SchemaVersion tags serialized errors so downstream consumers can evolve.
const SchemaVersion = "1.0"

// Stage identifies where in the pipeline an error originated.
type Stage string

const (
	StageProposal      Stage = "proposal_validation"
	StagePrecondition  Stage = "precondition"
	StageExecution     Stage = "execution"
	StagePostcondition Stage = "postcondition"
	StagePolicy        Stage = "policy"
	StageEvidence      Stage = "evidence"
	StageSecurity      Stage = "security"
	StageExternal      Stage = "external"
)

// Severity grades an error.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Well-known codes. Prefixes bind codes to stages.
const (
	CodeProposalInvalid        = "PROPOSAL_INVALID"
	CodePreItemNotFound        = "PRE_ITEM_NOT_IN_PLAN"
	CodePreGateRejected        = "PRE_GATE_REJECTED"
	CodeExecItemNotFound       = "EXEC_ITEM_NOT_FOUND_AT_EXECUTION"
	CodeExecGridNotReached     = "EXEC_GRID_NOT_REACHED"
	CodeExecUploadFailed       = "EXEC_UPLOAD_FAILED"
	CodeExecDHXBlocker         = "DHX_BLOCKER_NOT_DISMISSED"
	CodePostUploadNotVerified  = "UPLOAD_POST_VERIFICATION_FAILED"
	CodePolicyRejected         = "POLICY_REJECTED"
	CodePolicyHaltSameState    = "POLICY_HALT_SAME_STATE_REVISIT"
	CodePolicyHardCapSteps     = "POLICY_HALT_HARD_CAP_STEPS"
	CodeEvidenceWriteFailed    = "EVIDENCE_WRITE_FAILED"
	CodeSecurityDomainEscape   = "SECURITY_BLOCKED_DOMAIN_ESCAPE"
	CodeSecurityRunClosed      = "SECURITY_RUN_NOT_READY"
	CodeExternalCaptcha        = "EXTERNAL_CAPTCHA_PRESENT"
	CodeExternalLoginFailed    = "EXTERNAL_LOGIN_FAILED"
	CodeExternalModalPersisted = "EXTERNAL_MODAL_PERSISTED"
)

// Error is the structured error carried across subsystem boundaries.
type Error struct {
	SchemaVersion    string         `json:"schema_version"`
	Code             string         `json:"error_code"`
	Stage            Stage          `json:"stage"`
	Severity         Severity       `json:"severity"`
	Retryable        bool           `json:"retryable"`
	Message          string         `json:"message"`
	Details          map[string]any `json:"details,omitempty"`
	FailedConditions []string       `json:"failed_conditions,omitempty"`
	EvidenceRefs     []string       `json:"evidence_refs,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on error code so callers can use errors.Is with sentinel values.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// WithDetail adds one structured detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithEvidence records evidence artifact references.
func (e *Error) WithEvidence(refs ...string) *Error {
	e.EvidenceRefs = append(e.EvidenceRefs, refs...)
	return e
}

// WithConditions records the failed pre/postconditions.
func (e *Error) WithConditions(conds ...string) *Error {
	e.FailedConditions = append(e.FailedConditions, conds...)
	return e
}

// Retryable marks the error as explicitly retryable. The default is false.
func (e *Error) MarkRetryable() *Error {
	e.Retryable = true
	return e
}

func newError(stage Stage, sev Severity, code, msg string) *Error {
	return &Error{
		SchemaVersion: SchemaVersion,
		Code:          code,
		Stage:         stage,
		Severity:      sev,
		Message:       msg,
	}
}

// Proposal builds a proposal-validation error.
func Proposal(code, msg string) *Error { return newError(StageProposal, SeverityError, code, msg) }

// Pre builds a precondition error.
func Pre(code, msg string) *Error { return newError(StagePrecondition, SeverityError, code, msg) }

// Exec builds an execution error.
func Exec(code, msg string) *Error { return newError(StageExecution, SeverityError, code, msg) }

// Post builds a postcondition error.
func Post(code, msg string) *Error { return newError(StagePostcondition, SeverityError, code, msg) }

// Policy builds a policy error.
func Policy(code, msg string) *Error { return newError(StagePolicy, SeverityError, code, msg) }

// Evidence builds an evidence error.
func Evidence(code, msg string) *Error { return newError(StageEvidence, SeverityError, code, msg) }

// Security builds a critical security error; these terminate the run.
func Security(code, msg string) *Error {
	return newError(StageSecurity, SeverityCritical, code, msg)
}

// External builds an error caused by the remote portal (captcha, SSO, 2FA).
func External(code, msg string) *Error { return newError(StageExternal, SeverityError, code, msg) }

// HTTPStatus maps an error to the REST contract: 422 for recoverable and
// user-facing conditions, 409/404/400 where the code says so, 500 only for
// internal-consistency failures.
func HTTPStatus(err error) int {
	var ae *Error
	if !errors.As(err, &ae) {
		return http.StatusInternalServerError
	}
	switch ae.Stage {
	case StageProposal:
		return http.StatusBadRequest
	case StagePrecondition, StagePolicy, StageExecution, StagePostcondition, StageExternal:
		return http.StatusUnprocessableEntity
	case StageSecurity:
		return http.StatusUnprocessableEntity
	case StageEvidence:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// AsError extracts a taxonomy error, or wraps a plain error as an internal
// execution failure so REST responses always carry a code.
func AsError(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Exec(CodeExecUploadFailed, "internal error").WithCause(err)
}
