// Package call defines the handles the orchestrator drives: the signaling
// Dialog, the media Endpoint, and the Originator that places new legs.
package call

import (
	"context"
)

// TerminationCause reports why a handle ended.
type TerminationCause int

const (
	CauseLocal    TerminationCause = iota // destroyed by this process
	CauseRemote                           // BYE or media server teardown
	CauseCancel                           // CANCEL before answer
	CauseTimeout                          // transaction or dialog timeout
	CauseError                            // transport or protocol failure
	CausePeer                             // linked leg ended
	CauseTransfer                         // REFER completed
	CauseWatchdog                         // no playback after a terminal decision
)

func (c TerminationCause) String() string {
	switch c {
	case CauseLocal:
		return "local"
	case CauseRemote:
		return "remote"
	case CauseCancel:
		return "cancel"
	case CauseTimeout:
		return "timeout"
	case CauseError:
		return "error"
	case CausePeer:
		return "peer"
	case CauseTransfer:
		return "transfer"
	case CauseWatchdog:
		return "watchdog"
	default:
		return "unknown"
	}
}

// Leg is anything that can be destroyed and reports its own termination.
// Both Dialog and Endpoint are legs, which lets the linker pair any two.
type Leg interface {
	ID() string
	// Destroy ends the leg. Implementations fire OnTerminated callbacks.
	Destroy(ctx context.Context) error
	// OnTerminated registers fn to run once when the leg ends for any reason.
	// If the leg has already ended, fn runs immediately.
	OnTerminated(fn func(cause TerminationCause))
}

// Notify is a NOTIFY received inside a dialog after a REFER.
type Notify struct {
	Event             string
	SubscriptionState string
	// StatusLine is the sipfrag body, e.g. "SIP/2.0 200 OK".
	StatusLine string
}

// Terminated reports whether the implicit REFER subscription has ended.
func (n Notify) Terminated() bool {
	return containsFold(n.SubscriptionState, "terminated")
}

// ReferRequest names the REFER target and the referrer.
type ReferRequest struct {
	ReferTo    string // full URI, e.g. sip:1000@10.0.0.1
	ReferredBy string
}

// Dialog is the signaling handle for one call leg.
type Dialog interface {
	Leg
	From() string
	To() string
	// FromUser is the user part of the caller URI.
	FromUser() string
	// SourceHost is the address the inbound request arrived from.
	SourceHost() string
	// RemoteSDP is the media description the far end offered.
	RemoteSDP() []byte
	Refer(ctx context.Context, req ReferRequest) error
	OnNotify(fn func(Notify))
}

// OriginateRequest describes an outbound leg.
type OriginateRequest struct {
	Target   string // full request URI
	CallerID string // user part used in From
	SDP      []byte
}

// Originator places new outbound legs.
type Originator interface {
	// Originate blocks until the leg is answered or fails. Failures with a
	// final response are returned as *OriginateError.
	Originate(ctx context.Context, req OriginateRequest) (Dialog, error)
}

// SpeakRequest is a synthesize-and-play command.
type SpeakRequest struct {
	Engine string
	Voice  string
	Text   string
}

// RawEvent is an endpoint event as delivered by the media server.
type RawEvent struct {
	Name string // vendor-qualified, e.g. dialogflow::intent
	Body []byte // JSON
}

// Endpoint is the media handle bridged to a call leg.
type Endpoint interface {
	Leg
	// Play blocks until playback completes.
	Play(ctx context.Context, source string) error
	// Speak blocks until the synthesized prompt has played.
	Speak(ctx context.Context, req SpeakRequest) error
	StartFeature(ctx context.Context, name string, args ...string) error
	StopFeature(ctx context.Context, name string) error
	// OnEvent installs the single listener for the endpoint's custom events.
	// Events are delivered sequentially in arrival order.
	OnEvent(fn func(RawEvent))
}
