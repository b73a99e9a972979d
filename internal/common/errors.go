package common

import "errors"

var errInvalidDigestLength = errors.New("common: digest must be exactly 32 bytes")

// Kind classifies a rejection so that audit entries and RPC responses
// can carry a stable, machine-checkable reason instead of a bare string.
type Kind string

// Identity errors (C2).
const (
	KindNotEnrolled      Kind = "NotEnrolled"
	KindRevoked          Kind = "Revoked"
	KindInvalidSignature Kind = "InvalidSignature"
	KindTimestampSkewed  Kind = "TimestampSkewed"
	KindReplayed         Kind = "Replayed"
	KindAttestationFailed Kind = "AttestationFailed"
)

// Integrity errors (C3).
const (
	KindChainBreak    Kind = "ChainBreak"
	KindOutOfOrder    Kind = "OutOfOrder"
	KindEquivocation  Kind = "Equivocation"
	KindUnknownSchema Kind = "UnknownSchema"
)

// Trust errors (C4).
const (
	KindQuarantined Kind = "Quarantined"
	KindUnknown     Kind = "Unknown"
)

// Gateway errors (C5).
const (
	KindUnauthorized        Kind = "Unauthorized"
	KindRegistryUnreachable Kind = "RegistryUnreachable"
	KindBufferOverflow      Kind = "BufferOverflow"
	KindUnverifiedHistory   Kind = "UnverifiedHistory"
	KindCheckpointMismatch  Kind = "CheckpointMismatch"
)

// Resource errors (C1).
const (
	KindHardwareUnavailable Kind = "HardwareUnavailable"
	KindKeyNotFound         Kind = "KeyNotFound"
	KindHandleLeak          Kind = "HandleLeak"
)

// Error is the uniform error shape surfaced to operators: a stable kind
// plus a human-readable reason. Security errors are never swallowed;
// every rejection path returns one of these all the way to the caller.
type Error struct {
	Kind   Kind
	Reason string
	// Cause, when set, is the underlying error this Error wraps.
	Cause error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Reason
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error of the given kind. Use this instead of a bare
// fmt.Errorf at any rejection boundary, so the kind survives unwrapping.
func NewError(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// WrapError attaches a kind to an underlying error without losing it.
func WrapError(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
