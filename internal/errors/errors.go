// Package errors provides centralized error definitions and error handling
// utilities for the julesched codebase. It defines domain-specific errors for
// branch operations, PR merging, session management and state persistence,
// along with classification helpers used by the retry and gating logic.
//
// # Error Types
//
//   - BranchError: git branch operations (drift probes, rotation, sync)
//   - MergeError: PR merge operations, carrying a permission flag
//   - SessionError: remote agent-session API failures
//   - StateError: cycle-state file load/save failures
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewBranchError("failed to rotate integration branch", cause).
//		WithCommand("git push origin ...").
//		WithStderr(stderr)
//
// Checking errors:
//
//	if errors.IsPermission(err) { ... }   // never retry
//	if errors.IsRetryable(err) { ... }    // bounded backoff
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Branch-related sentinel errors
var (
	// ErrBranchNotFound indicates that a branch could not be found on the remote.
	ErrBranchNotFound = New("branch not found")
	// ErrMergeConflict indicates that a merge produced conflicts.
	ErrMergeConflict = New("merge conflict")
	// ErrDriftProbeFailed indicates that the drift detection command itself failed.
	ErrDriftProbeFailed = New("drift probe failed")
)

// PR-related sentinel errors
var (
	// ErrPRNotFound indicates that a pull request could not be found.
	ErrPRNotFound = New("pull request not found")
	// ErrMergeForbidden indicates a merge blocked by permissions or branch protection.
	ErrMergeForbidden = New("merge forbidden by policy")
	// ErrNotMergeable indicates that the platform reports the PR as not mergeable.
	ErrNotMergeable = New("pull request is not mergeable")
)

// Session-related sentinel errors
var (
	// ErrSessionNotFound indicates that a remote session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrSessionStuck indicates that a session produced no observable outcome
	// within its expected window.
	ErrSessionStuck = New("session is stuck")
)

// State-related sentinel errors
var (
	// ErrStateCorrupted indicates that the cycle-state file could not be decoded.
	ErrStateCorrupted = New("cycle state corrupted")
	// ErrTrackUnknown indicates that a track id is not present in the catalog.
	ErrTrackUnknown = New("unknown track")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// BranchError represents a failed git branch operation. Branch mutations are
// external commands; the error carries the command and its captured stderr so
// the tick log is enough to reconstruct what happened.
//
// Example:
//
//	err := errors.NewBranchError("failed to sync with trunk", cause).
//		WithBranch("jules").WithStderr(out)
type BranchError struct {
	baseError
	Branch  string
	Command string
	Stderr  string
}

// NewBranchError creates a new BranchError.
func NewBranchError(message string, cause error) *BranchError {
	return &BranchError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithBranch adds a branch name to the error context.
func (e *BranchError) WithBranch(branch string) *BranchError {
	e.Branch = branch
	return e
}

// WithCommand adds the failing command line to the error context.
func (e *BranchError) WithCommand(cmd string) *BranchError {
	e.Command = cmd
	return e
}

// WithStderr adds captured stderr to the error context.
func (e *BranchError) WithStderr(stderr string) *BranchError {
	e.Stderr = strings.TrimSpace(stderr)
	return e
}

// Error returns the formatted error message.
func (e *BranchError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Command != "" {
		parts = append(parts, fmt.Sprintf("cmd=%q", e.Command))
	}

	prefix := "branch error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("branch error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s\nstderr: %s", msg, e.Stderr)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *BranchError) Is(target error) bool {
	if _, ok := target.(*BranchError); ok {
		return true
	}
	return e.baseError.is(target)
}

// MergeError represents a failed PR merge. Permission errors are terminal: a
// human must adjust branch protection, retrying cannot help. Everything else
// is eligible for bounded retry.
type MergeError struct {
	baseError
	PRNumber   int
	Permission bool
	Stderr     string
}

// NewMergeError creates a new MergeError. Transient by default.
func NewMergeError(message string, cause error) *MergeError {
	return &MergeError{
		baseError: baseError{message: message, cause: cause, retryable: true},
	}
}

// WithPRNumber adds the PR number to the error context.
func (e *MergeError) WithPRNumber(n int) *MergeError {
	e.PRNumber = n
	return e
}

// WithStderr adds captured gh stderr to the error context.
func (e *MergeError) WithStderr(stderr string) *MergeError {
	e.Stderr = strings.TrimSpace(stderr)
	return e
}

// AsPermission marks the error as a permission/policy failure, which also
// makes it non-retryable.
func (e *MergeError) AsPermission() *MergeError {
	e.Permission = true
	e.retryable = false
	return e
}

// Error returns the formatted error message.
func (e *MergeError) Error() string {
	prefix := "merge error"
	if e.PRNumber > 0 {
		prefix = fmt.Sprintf("merge error [pr=#%d]", e.PRNumber)
	}
	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.Stderr != "" {
		msg = fmt.Sprintf("%s\nstderr: %s", msg, e.Stderr)
	}
	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *MergeError) Is(target error) bool {
	if _, ok := target.(*MergeError); ok {
		return true
	}
	if e.Permission && errors.Is(target, ErrMergeForbidden) {
		return true
	}
	return e.baseError.is(target)
}

// SessionError represents a failure talking to the remote agent-session API.
type SessionError struct {
	baseError
	SessionID string
}

// NewSessionError creates a new SessionError. Remote API failures are
// transient by default.
func NewSessionError(message string, cause error) *SessionError {
	return &SessionError{
		baseError: baseError{message: message, cause: cause, retryable: true},
	}
}

// WithSessionID adds a session ID to the error context.
func (e *SessionError) WithSessionID(id string) *SessionError {
	e.SessionID = id
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *SessionError) WithRetryable(r bool) *SessionError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *SessionError) Error() string {
	prefix := "session error"
	if e.SessionID != "" {
		prefix = fmt.Sprintf("session error [session=%s]", e.SessionID)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SessionError) Is(target error) bool {
	if _, ok := target.(*SessionError); ok {
		return true
	}
	return e.baseError.is(target)
}

// StateError represents a cycle-state persistence failure.
type StateError struct {
	baseError
	Path string
}

// NewStateError creates a new StateError.
func NewStateError(message string, cause error) *StateError {
	return &StateError{
		baseError: baseError{message: message, cause: cause},
	}
}

// WithPath adds the state file path to the error context.
func (e *StateError) WithPath(path string) *StateError {
	e.Path = path
	return e
}

// Error returns the formatted error message.
func (e *StateError) Error() string {
	prefix := "state error"
	if e.Path != "" {
		prefix = fmt.Sprintf("state error [path=%s]", e.Path)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *StateError) Is(target error) bool {
	if _, ok := target.(*StateError); ok {
		return true
	}
	return e.baseError.is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// retryable is implemented by errors that know whether retrying may help.
type retryable interface {
	IsRetryable() bool
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsRetryable returns true if the error represents a transient condition that
// may succeed on retry. Permission errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermission(err) {
		return false
	}
	var r retryable
	if As(err, &r) {
		return r.IsRetryable()
	}
	return false
}

// IsPermission returns true if the error is a permission/policy failure that
// requires human intervention rather than a retry.
func IsPermission(err error) bool {
	if err == nil {
		return false
	}
	var m *MergeError
	if As(err, &m) && m.Permission {
		return true
	}
	return Is(err, ErrMergeForbidden)
}

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
