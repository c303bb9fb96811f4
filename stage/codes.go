package stage

import "fmt"

// Code is the closed set of outcomes for stage operations.  Downstream
// orchestration branches on these values to decide whether to retry, log,
// or abort a measurement run, so they are stable numbers, not free-form
// errors.  A few values are shared between operations with per-operation
// meaning; the aliases below name each meaning.
type Code int

const (
	// OK means the operation completed
	OK Code = 0

	// Timedout means the wait budget expired before motion completed
	Timedout Code = -1

	// LengthInvalid means a measured axis length fell outside the allowed
	// deviation from its expected length (length checks)
	LengthInvalid Code = -1

	// Unreachable means a link-level failure prevented connecting
	Unreachable Code = -1

	// Rejected means the control box did not acknowledge a command, or the
	// link failed mid-session (busy, unhomed, already moving)
	Rejected Code = -2

	// LengthUnknowable means an axis length could not be read; the axis
	// requires homing or is homing right now (length checks)
	LengthUnknowable Code = -2

	// BadAxis means the axis argument does not name a discovered axis.
	// No command is sent to the hardware.
	BadAxis Code = -3

	// Unsupported means the operation cannot be performed in this mode,
	// e.g. a non-blocking or single-axis home of the otter stage
	Unsupported Code = -4

	// UnexpectedLength means the first phase of otter homing produced a
	// length that failed validation; the stage is faulted
	UnexpectedLength Code = -5

	// OutOfBounds means a target lies outside the permitted travel or
	// inside a keepout zone.  No command is sent to the hardware.
	OutOfBounds Code = -6

	// Mismatch means the target list and axis list lengths differ
	Mismatch Code = -7

	// Stalled means motion concluded but the final position is not the
	// commanded target
	Stalled Code = -8

	// Internal flags a programming error; it should never be returned by
	// correct code
	Internal Code = -9
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case Timedout: // also LengthInvalid, Unreachable
		return "timed out, length invalid, or unreachable"
	case Rejected: // also LengthUnknowable
		return "command rejected or length unknowable (homing required?)"
	case BadAxis:
		return "invalid axis"
	case Unsupported:
		return "operation unsupported in this mode"
	case UnexpectedLength:
		return "first homing phase produced an unexpected length"
	case OutOfBounds:
		return "target violates travel bounds or keepout zone"
	case Mismatch:
		return "target list and axis list lengths differ"
	case Stalled:
		return "motion concluded away from the target (stall?)"
	case Internal:
		return "internal error"
	}
	return fmt.Sprintf("unknown code %d", int(c))
}
