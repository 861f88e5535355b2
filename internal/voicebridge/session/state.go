package session

import (
	"time"

	types "github.com/sebas/voicebridge/api/types/v1"
)

// Phase is where a call session is in its lifecycle.
type Phase int

const (
	// PhaseBridged: endpoint attached, initial commands not yet complete.
	PhaseBridged Phase = iota
	// PhaseActive: the feature is running and the session waits for results.
	PhaseActive
	// PhaseAwaitingResult: a terminal decision was made and its prompt is pending.
	PhaseAwaitingResult
	// PhasePlaying: a clip is playing.
	PhasePlaying
	// PhaseTransferring: a transfer strategy is running.
	PhaseTransferring
	// PhaseTransferred: the caller's dialog is linked to an outbound leg.
	PhaseTransferred
	// PhaseTerminating is absorbing.
	PhaseTerminating
)

func (p Phase) String() string {
	switch p {
	case PhaseBridged:
		return "bridged"
	case PhaseActive:
		return "active"
	case PhaseAwaitingResult:
		return "awaiting_result"
	case PhasePlaying:
		return "playing"
	case PhaseTransferring:
		return "transferring"
	case PhaseTransferred:
		return "transferred"
	case PhaseTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// State is the mutable per-call state. Only the session loop touches it.
type State struct {
	CallID  string
	FromURI string
	ToURI   string

	// TransferTarget is set by a decision and consumed after playback.
	TransferTarget string
	// HangupAfterPlayPending and TransferTarget never both drive the
	// post-playback step.
	HangupAfterPlayPending bool
	// AwaitingPlaybackStart is true between a terminal decision and the
	// clip that carries its prompt.
	AwaitingPlaybackStart bool
	// PairedLeg is the id of the dialog linked to this call after a
	// bridged-leg transfer.
	PairedLeg string

	Phase          Phase
	LastConfidence float64
	StartedAt      time.Time
	UpdatedAt      time.Time
}

func (s *State) snapshot(endpointID string) types.Session {
	return types.Session{
		CallID:                 s.CallID,
		EndpointID:             endpointID,
		From:                   s.FromURI,
		To:                     s.ToURI,
		Phase:                  s.Phase.String(),
		TransferTarget:         s.TransferTarget,
		HangupAfterPlayPending: s.HangupAfterPlayPending,
		AwaitingPlaybackStart:  s.AwaitingPlaybackStart,
		PairedLeg:              s.PairedLeg,
		LastConfidence:         s.LastConfidence,
		StartedAt:              s.StartedAt.UTC().Format(time.RFC3339),
		UpdatedAt:              s.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
