package dialog

import "fmt"

// CallState is the signaling state of one call leg.
type CallState int

const (
	StateInitial     CallState = iota // created from INVITE or before sending one
	StateEarly                        // provisional response exchanged
	StateWaitingACK                   // 2xx sent, ACK outstanding
	StateConfirmed                    // ACK exchanged
	StateTerminating                  // BYE in flight
	StateTerminated
)

var stateNames = [...]string{"Initial", "Early", "WaitingACK", "Confirmed", "Terminating", "Terminated"}

func (s CallState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("Unknown(%d)", s)
	}
	return stateNames[s]
}

// CanTransitionTo reports whether next may follow s. Any live state may
// jump straight to StateTerminated.
func (s CallState) CanTransitionTo(next CallState) bool {
	if s == StateTerminated {
		return false
	}
	if next == StateTerminated {
		return true
	}
	switch s {
	case StateInitial:
		return next == StateEarly
	case StateEarly:
		return next == StateWaitingACK
	case StateWaitingACK:
		return next == StateConfirmed || next == StateTerminating
	case StateConfirmed:
		return next == StateTerminating
	}
	return false
}

// IsTerminal reports whether the leg has ended.
func (s CallState) IsTerminal() bool {
	return s == StateTerminated
}

// Answered reports whether a final 2xx has been exchanged, so that ending
// the leg takes a BYE rather than an error response.
func (s CallState) Answered() bool {
	return s == StateWaitingACK || s == StateConfirmed
}
