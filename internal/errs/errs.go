// Package errs defines the error taxonomy the daemon uses to decide how to
// react to a failure: log-and-continue, or fatal exit.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of daemon-level recovery policy.
type Kind int

const (
	// KindConfig indicates invalid configuration discovered at startup.
	KindConfig Kind = iota
	// KindPrivilege indicates the process could not modify the WireGuard
	// device or kernel routes once already running.
	KindPrivilege
	// KindDeviceSetup indicates the initial device/route setup at startup
	// failed (spec §6 exit code 3), distinct from a privilege failure once
	// the loop is already running.
	KindDeviceSetup
	// KindEnvelopeReject indicates a control datagram failed to decrypt or
	// validate; the message is dropped, nothing mutates.
	KindEnvelopeReject
	// KindProtocolReject indicates a well-formed envelope carried a
	// malformed, self-addressed, or invariant-violating payload.
	KindProtocolReject
	// KindTransientIO indicates a shell command, route change or UDP send
	// failed. The daemon logs it and carries on; there is no backoff retry
	// and the affected peer is not demoted, and the next periodic reconcile
	// applies the desired state again.
	KindTransientIO
	// KindInternalInvariant indicates a code bug; the loop should exit.
	KindInternalInvariant
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindPrivilege:
		return "PrivilegeError"
	case KindDeviceSetup:
		return "DeviceSetupError"
	case KindEnvelopeReject:
		return "EnvelopeReject"
	case KindProtocolReject:
		return "ProtocolReject"
	case KindTransientIO:
		return "TransientIoError"
	case KindInternalInvariant:
		return "InternalInvariant"
	default:
		return "UnknownError"
	}
}

// Error is a Kind-tagged error, following the teacher's plain
// fmt.Errorf-with-%w wrapping style rather than a stack-trace library.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, msg: msg}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{kind: kind, msg: msg, err: err}
}

func (e *Error) Kind() Kind {
	return e.kind
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error {
	return e.err
}

// AsError unwraps err looking for an *Error, the way cmd/wgnetmanager picks
// a process exit code.
func AsError(err error) (*Error, bool) {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr, true
	}
	return nil, false
}

// ExitCode maps a Kind to the process exit code from spec §6.
func ExitCode(kind Kind) int {
	switch kind {
	case KindConfig:
		return 1
	case KindPrivilege:
		return 2
	case KindDeviceSetup:
		return 3
	case KindInternalInvariant:
		return 4
	default:
		return 0
	}
}
