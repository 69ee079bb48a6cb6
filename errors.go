package castle

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ValidationError reports a malformed target reference, an unresolvable
// dependency, a cyclic unit graph or an invalid registration. It is always
// raised before any unit runs.
type ValidationError struct {
	error
}

// NewValidationError returns a ValidationError with the given reason.
func NewValidationError(reason string) error {
	return &ValidationError{fmt.Errorf("validation failed: %s", reason)}
}

func validationErrorf(format string, args ...any) error {
	return NewValidationError(fmt.Sprintf(format, args...))
}

// UnresolvedVariableError indicates that no provider is registered for a
// dynamic variable.
type UnresolvedVariableError struct {
	Name string
}

func (e *UnresolvedVariableError) Error() string {
	return fmt.Sprintf("no provider registered for dynamic variable %q", e.Name)
}

// CommandResultError is returned when a command exits with a status the
// issuing action does not know how to recover from.
type CommandResultError struct {
	Args []string
	Code int
}

// CommandFailed returns a CommandResultError for args and code.
func CommandFailed(args []string, code int) error {
	return &CommandResultError{Args: append([]string(nil), args...), Code: code}
}

func (e *CommandResultError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", strings.Join(e.Args, " "), e.Code)
}

// TransientCommandError is returned when a command kept exiting with a
// retryable status until its retry policy gave up.
type TransientCommandError struct {
	Args     []string
	Code     int
	Attempts int
}

func (e *TransientCommandError) Error() string {
	return fmt.Sprintf("command %q still exiting with retryable status %d after %d attempts",
		strings.Join(e.Args, " "), e.Code, e.Attempts)
}

// DependencyFailedError is recorded for a unit that was never executed
// because a unit it depends on failed.
type DependencyFailedError struct {
	Unit       UnitID
	Dependency UnitID
}

func (e *DependencyFailedError) Error() string {
	return fmt.Sprintf("%s not run: dependency %s failed", e.Unit, e.Dependency)
}

// CanceledError is recorded for a unit that was never dispatched because the
// run was canceled or timed out first.
type CanceledError struct {
	Unit  UnitID
	Cause error
}

func (e *CanceledError) Error() string {
	return fmt.Sprintf("%s not run: %v", e.Unit, e.Cause)
}

func (e *CanceledError) Unwrap() error {
	return e.Cause
}

// TimeoutError is returned by Scheduler.Await when the run exceeds its
// deadline.
type TimeoutError struct {
	Timeout time.Duration
	Pending int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s with %d unit(s) not finished", e.Timeout, e.Pending)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// UnitFailure pairs a unit with the error it terminated with.
type UnitFailure struct {
	Unit UnitID
	Err  error
}

// RunFailedError carries every unit failure of a finished run.
type RunFailedError struct {
	Total    int
	Failures []UnitFailure
}

func (e *RunFailedError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d of %d unit(s) failed", len(e.Failures), e.Total)
	for _, f := range e.Failures {
		fmt.Fprintf(&sb, "\n  %s: %v", f.Unit, f.Err)
	}
	return sb.String()
}

// Unwrap exposes the individual unit errors to errors.Is and errors.As.
func (e *RunFailedError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
