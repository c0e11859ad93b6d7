package taniwha

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job id is not known to the manager.
	ErrJobNotFound = errors.New("migration job not found")
	// ErrVMAlreadyMigrating is returned when the vm already has a job in
	// flight.
	ErrVMAlreadyMigrating = errors.New("vm already has an active migration")
	// ErrNotCancellable is returned when cancelling a job that already
	// reached a terminal state.
	ErrNotCancellable = errors.New("migration job is not cancellable")
	// ErrNotRollbackable is returned when a manual rollback is requested
	// for a job that did not fail.
	ErrNotRollbackable = errors.New("migration job is not in a failed state")
	// ErrNoReport is returned when no rollback or health report exists for
	// a job.
	ErrNoReport = errors.New("no report for migration job")
)

// PreconditionError is returned by StartMigration when a preflight check
// rejects the request. No job is created.
type PreconditionError struct {
	Check  string
	Detail string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition %s failed: %s", e.Check, e.Detail)
}

// CommandError wraps a failed command on a hypervisor node.
type CommandError struct {
	Node    string
	Command string
	Output  []byte
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s on %s: %v: %s", e.Command, e.Node, e.Err, e.Output)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
