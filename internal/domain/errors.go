package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy returned by services and guards. Handlers map these to HTTP
// status codes; anything outside this set is treated as an internal error.
var (
	// ErrInvalidCredential covers bad passwords and bad API keys. It never
	// says which field was wrong.
	ErrInvalidCredential = errors.New("invalid credentials")

	// ErrExpiredCredential means the password is older than the configured
	// lifetime and must be reset before a token is issued.
	ErrExpiredCredential = errors.New("credential expired")

	// ErrNotAuthorized is returned for both "forbidden" and "not found" on
	// guarded resources so callers cannot probe for resource existence.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidToken covers malformed, unverifiable and expired bearer tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrDuplicateResource is a unique-constraint violation on username,
	// email or headless client name.
	ErrDuplicateResource = errors.New("resource already exists")

	// ErrUpstreamUnavailable means the persistence layer or the execution
	// orchestrator could not be reached. Callers may retry.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInvalidArgument marks a client-caused failure the caller can act on:
	// missing fields, unknown targets, operations the current state forbids.
	// Services wrap it with the specific message and handlers surface that
	// message with a 400.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Precondition reason codes carried back to the desktop client so it can show
// the user what to fix before a run can start.
const (
	ReasonNotConsortiumMember    = "not_consortium_member"
	ReasonNoActivePipeline       = "no_active_pipeline"
	ReasonNoMappedMembers        = "no_mapped_members"
	ReasonNeedSecondMember       = "need_second_member"
	ReasonDataMappingIncomplete  = "data_mapping_incomplete"
)

// PreconditionError is a run-start (or resume) requirement that was not met.
// Unlike authorization failures these are deliberately distinguishable.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed: %s", e.Reason)
}

// NewPreconditionError builds a PreconditionError for a reason code.
func NewPreconditionError(reason string) *PreconditionError {
	return &PreconditionError{Reason: reason}
}

// IsPrecondition reports whether err is a PreconditionError and returns its
// reason code.
func IsPrecondition(err error) (string, bool) {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return pe.Reason, true
	}
	return "", false
}
