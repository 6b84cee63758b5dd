package locktree

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is returned by every fallible locktree operation. It wraps a return
// code (of type RetCode) and a message. Two errors match with errors.Is when
// their codes are equal, so callers compare against the Err* values below.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("LocktreeError (code %s): %s", e.Code, e.Msg)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Sentinel errors, one per return code.
var (
	ErrLockNotGranted   = NewError(RetCLockNotGranted, "lock not granted")
	ErrDeadlock         = NewError(RetCDeadlock, "deadlock detected")
	ErrOutOfLocks       = NewError(RetCOutOfLocks, "lock memory budget exhausted")
	ErrBudgetBelowUsage = NewError(RetCBudgetBelowUsage, "lock memory budget below current usage")
	ErrInvalidArgument  = NewError(RetCInvalidArgument, "invalid argument")
	ErrCreateAborted    = NewError(RetCCreateAborted, "locktree creation aborted by observer")
)

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Lock granted / operation succeeded.
	RetCLockNotGranted                  // 1: A conflicting lock is held by another transaction.
	RetCDeadlock                        // 2: Waiting would close a cycle in the wait-for graph.
	RetCOutOfLocks                      // 3: The lock memory budget is exhausted, even after escalation.
	RetCBudgetBelowUsage                // 4: A new memory budget is below current usage.
	RetCInvalidArgument                 // 5: Invalid argument.
	RetCCreateAborted                   // 6: The lifecycle observer refused a new locktree.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCLockNotGranted:
		return "LockNotGranted"
	case RetCDeadlock:
		return "Deadlock"
	case RetCOutOfLocks:
		return "OutOfLocks"
	case RetCBudgetBelowUsage:
		return "BudgetBelowUsage"
	case RetCInvalidArgument:
		return "InvalidArgument"
	case RetCCreateAborted:
		return "CreateAborted"
	default:
		return "Unknown"
	}
}
