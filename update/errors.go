package update

import (
	"errors"
	"fmt"
)

// Error kinds. Use [errors.Is] to classify any error returned by the pipeline.
var (
	// ErrConcurrencyConflict indicates that the number of affected rows didn't match the
	// expectation: the row was changed or deleted by someone else.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrProviderExecution indicates any other failure reported by the database.
	ErrProviderExecution = errors.New("provider execution failed")

	// ErrCancelled indicates that the pending I/O was aborted by the caller.
	ErrCancelled = errors.New("operation cancelled")

	// ErrProtocolViolation indicates misuse of the pipeline by the surrounding orchestration.
	// It is a programming error and must never be retried.
	ErrProtocolViolation = errors.New("protocol invariant violation")
)

type (
	// ConflictError reports a rows affected mismatch for the commands in [First, Last].
	ConflictError struct {
		First    int
		Last     int
		Expected int64
		Actual   int64
		Commands []*ModificationCommand
	}

	// CommandError wraps a failure with the row that was being processed when it happened.
	CommandError struct {
		Index   int
		Command *ModificationCommand
		Err     error
	}

	cancelled struct {
		err error
	}
)

// Violationf creates an error matching [ErrProtocolViolation].
func Violationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// Cancelled tags err as [ErrCancelled] without changing its message.
// The original error (usually [context.Canceled] or [context.DeadlineExceeded]) still matches.
func Cancelled(err error) error {
	if err == nil || errors.Is(err, ErrCancelled) {
		return err
	}
	return cancelled{err}
}

// WrapCommand attaches the row context to err. Conflicts and cancellations are returned
// unchanged since they already carry their own context.
func WrapCommand(err error, index int, cmd *ModificationCommand) error {
	if err == nil || errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrCancelled) {
		return err
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return err
	}
	return &CommandError{Index: index, Command: cmd, Err: err}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v: commands [%d,%d]: expected %d rows affected, got %d",
		ErrConcurrencyConflict, e.First, e.Last, e.Expected, e.Actual)
}

// Is makes the error match [ErrConcurrencyConflict].
func (e *ConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

func (e *CommandError) Error() string {
	if e.Command == nil {
		return fmt.Sprintf("command %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("command %d (%v): %v", e.Index, e.Command, e.Err)
}

// Unwrap returns the original error.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// Is makes the error match [ErrProviderExecution], unless it wraps a protocol violation.
func (e *CommandError) Is(target error) bool {
	return target == ErrProviderExecution && !errors.Is(e.Err, ErrProtocolViolation)
}

func (c cancelled) Error() string {
	return c.err.Error()
}

func (c cancelled) Is(target error) bool {
	return target == ErrCancelled
}

func (c cancelled) Unwrap() error {
	return c.err
}
