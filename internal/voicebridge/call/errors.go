package call

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDestroyed is returned by commands issued against a destroyed handle.
var ErrDestroyed = errors.New("handle already destroyed")

// ErrorKind classifies failures the orchestrator can observe.
type ErrorKind int

const (
	// BridgeFailure: no endpoint could be attached to the inbound call.
	BridgeFailure ErrorKind = iota
	// CommandFailure: a control command was rejected or timed out.
	CommandFailure
	// TransferFailure: a redirect was rejected or the outbound leg failed.
	TransferFailure
	// WatchdogExpiry: no playback started after a terminal decision.
	WatchdogExpiry
	// PeerTermination: the signaling or media side ended the call.
	PeerTermination
)

func (k ErrorKind) String() string {
	switch k {
	case BridgeFailure:
		return "bridge_failure"
	case CommandFailure:
		return "command_failure"
	case TransferFailure:
		return "transfer_failure"
	case WatchdogExpiry:
		return "watchdog_expiry"
	case PeerTermination:
		return "peer_termination"
	default:
		return "unknown"
	}
}

// Error is a classified failure for one call.
type Error struct {
	Kind   ErrorKind
	Op     string
	CallID string
	// Status is the SIP status code when one is known.
	Status int
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Kind, e.Op)
	if e.CallID != "" {
		fmt.Fprintf(&b, " (call %s)", e.CallID)
	}
	if e.Status > 0 {
		fmt.Fprintf(&b, " status %d", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind and the operation that failed. The SIP
// status is lifted from an *OriginateError or *ResponseError when present.
func NewError(kind ErrorKind, op, callID string, err error) *Error {
	e := &Error{Kind: kind, Op: op, CallID: callID, Err: err}
	var oe *OriginateError
	var re *ResponseError
	switch {
	case errors.As(err, &oe):
		e.Status = oe.SIPCode
	case errors.As(err, &re):
		e.Status = re.SIPCode
	}
	return e
}

// IsKind reports whether err is an *Error of kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// OriginateError reports a failed outbound leg.
type OriginateError struct {
	Target    string
	SIPCode   int
	SIPReason string
	Cause     error
}

func (e *OriginateError) Error() string {
	if e.SIPCode > 0 {
		return fmt.Sprintf("originate %s: SIP %d %s", e.Target, e.SIPCode, e.SIPReason)
	}
	if e.Cause != nil {
		return fmt.Sprintf("originate %s: %v", e.Target, e.Cause)
	}
	return fmt.Sprintf("originate %s: unknown error", e.Target)
}

func (e *OriginateError) Unwrap() error {
	return e.Cause
}

// ResponseError is a final non-2xx response to an in-dialog request.
type ResponseError struct {
	Method    string
	SIPCode   int
	SIPReason string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s rejected: SIP %d %s", e.Method, e.SIPCode, e.SIPReason)
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
