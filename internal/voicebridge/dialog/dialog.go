// Package dialog tracks SIP dialogs for the voicebridge and exposes each one
// as a call.Dialog to the session layer.
package dialog

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	types "github.com/sebas/voicebridge/api/types/v1"
	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

// Direction indicates whether we initiated or received the dialog
type Direction int

const (
	// DirectionInbound - we received the INVITE (UAS role)
	DirectionInbound Direction = iota
	// DirectionOutbound - we sent the INVITE (UAC role)
	DirectionOutbound
)

func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// Dialog represents a SIP dialog with full lifecycle state tracking
type Dialog struct {
	mu  sync.RWMutex
	mgr *Manager

	// Identification per RFC 3261 Section 12
	CallID    string
	LocalTag  string
	RemoteTag string

	Direction Direction

	State          CallState
	CreatedAt      time.Time
	StateChangedAt time.Time

	// SIP layer (from sipgo), inbound only
	Session     *sipgo.DialogServerSession
	Transaction sip.ServerTransaction

	InviteRequest  *sip.Request
	InviteResponse *sip.Response

	// RemoteContactURI is the Request-URI for in-dialog requests on
	// outbound dialogs (Contact of the 200 OK).
	RemoteContactURI string

	source string

	localCSeq atomic.Uint32
	ending    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	Cause        call.TerminationCause
	onTerminated []func(call.TerminationCause)
	onNotify     []func(call.Notify)
}

var _ call.Dialog = (*Dialog)(nil)

// NewDialog creates a new dialog from an incoming INVITE request
func NewDialog(req *sip.Request, tx sip.ServerTransaction) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())

	remoteTag := ""
	if from := req.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			remoteTag = tag
		}
	}

	// Our next request will be CSeq + 1
	var initialCSeq uint32
	if cseq := req.CSeq(); cseq != nil {
		initialCSeq = cseq.SeqNo
	}

	now := time.Now()
	d := &Dialog{
		CallID:         callIDOf(req),
		RemoteTag:      remoteTag,
		Direction:      DirectionInbound,
		State:          StateInitial,
		CreatedAt:      now,
		StateChangedAt: now,
		InviteRequest:  req,
		Transaction:    tx,
		source:         req.Source(),
		ctx:            ctx,
		cancel:         cancel,
	}
	d.localCSeq.Store(initialCSeq)
	return d
}

// NewOutboundDialog creates a confirmed dialog for an INVITE we sent and
// the 200 OK it was answered with.
func NewOutboundDialog(invite *sip.Request, resp *sip.Response) *Dialog {
	ctx, cancel := context.WithCancel(context.Background())

	localTag := ""
	if from := invite.From(); from != nil {
		if tag, ok := from.Params.Get("tag"); ok {
			localTag = tag
		}
	}
	remoteTag := ""
	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			remoteTag = tag
		}
	}
	remoteContactURI := ""
	if contact := resp.Contact(); contact != nil {
		remoteContactURI = contact.Address.String()
	}

	var initialCSeq uint32 = 1
	if cseq := invite.CSeq(); cseq != nil {
		initialCSeq = cseq.SeqNo
	}

	now := time.Now()
	d := &Dialog{
		CallID:           callIDOf(invite),
		LocalTag:         localTag,
		RemoteTag:        remoteTag,
		Direction:        DirectionOutbound,
		State:            StateConfirmed,
		CreatedAt:        now,
		StateChangedAt:   now,
		InviteRequest:    invite,
		InviteResponse:   resp,
		RemoteContactURI: remoteContactURI,
		source:           resp.Source(),
		ctx:              ctx,
		cancel:           cancel,
	}
	d.localCSeq.Store(initialCSeq)
	return d
}

func callIDOf(req *sip.Request) string {
	if req.CallID() == nil {
		return ""
	}
	// .String() adds the "Call-ID: " prefix
	return string(*req.CallID())
}

// SetSession sets the sipgo DialogServerSession after it's created
func (d *Dialog) SetSession(session *sipgo.DialogServerSession) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Session = session
}

// SetInviteResponse stores the response for later BYE construction
func (d *Dialog) SetInviteResponse(resp *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.InviteResponse = resp

	if to := resp.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			d.LocalTag = tag
		}
	}
}

// GetState returns the current dialog state
func (d *Dialog) GetState() CallState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.State
}

// TransitionTo attempts to transition to a new state
func (d *Dialog) TransitionTo(newState CallState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.State.CanTransitionTo(newState) {
		return fmt.Errorf("invalid state transition: %s -> %s", d.State, newState)
	}
	d.State = newState
	d.StateChangedAt = time.Now()
	return nil
}

// Context is canceled when the dialog ends.
func (d *Dialog) Context() context.Context {
	return d.ctx
}

// Cancel cancels the dialog's context
func (d *Dialog) Cancel() {
	d.cancel()
}

// IsTerminated returns true if dialog is in terminal state
func (d *Dialog) IsTerminated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.State == StateTerminated
}

func (d *Dialog) ID() string {
	return d.CallID
}

func (d *Dialog) From() string {
	if from := d.InviteRequest.From(); from != nil {
		return from.Address.String()
	}
	return ""
}

func (d *Dialog) To() string {
	if to := d.InviteRequest.To(); to != nil {
		return to.Address.String()
	}
	return ""
}

func (d *Dialog) FromUser() string {
	if from := d.InviteRequest.From(); from != nil {
		return from.Address.User
	}
	return ""
}

// SourceHost returns the host the INVITE (or its answer) arrived from.
func (d *Dialog) SourceHost() string {
	host, _, err := net.SplitHostPort(d.source)
	if err != nil {
		return d.source
	}
	return host
}

// RemoteSDP returns the far end's media description: the INVITE body for
// inbound dialogs, the 200 OK body for outbound ones.
func (d *Dialog) RemoteSDP() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.Direction == DirectionOutbound {
		if d.InviteResponse != nil {
			return d.InviteResponse.Body()
		}
		return nil
	}
	return d.InviteRequest.Body()
}

// Destroy ends the dialog with a BYE, or an error response if the INVITE
// was never answered.
func (d *Dialog) Destroy(ctx context.Context) error {
	if d.mgr == nil {
		d.markTerminated(call.CauseLocal)
		return nil
	}
	return d.mgr.end(ctx, d, call.CauseLocal)
}

// OnTerminated registers fn to run once when the dialog ends. It runs
// immediately if the dialog has already ended.
func (d *Dialog) OnTerminated(fn func(call.TerminationCause)) {
	d.mu.Lock()
	if d.State == StateTerminated {
		cause := d.Cause
		d.mu.Unlock()
		fn(cause)
		return
	}
	d.onTerminated = append(d.onTerminated, fn)
	d.mu.Unlock()
}

// Refer sends a REFER inside the dialog and waits for its final response.
func (d *Dialog) Refer(ctx context.Context, req call.ReferRequest) error {
	if d.mgr == nil {
		return fmt.Errorf("dialog %s is not managed", d.CallID)
	}
	return d.mgr.SendREFER(ctx, d, req)
}

// OnNotify registers fn for NOTIFY requests received in this dialog.
func (d *Dialog) OnNotify(fn func(call.Notify)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onNotify = append(d.onNotify, fn)
}

func (d *Dialog) deliverNotify(n call.Notify) {
	d.mu.RLock()
	fns := append([]func(call.Notify){}, d.onNotify...)
	d.mu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}

// markTerminated moves the dialog to Terminated and runs the termination
// callbacks. It reports false if the dialog had already ended.
func (d *Dialog) markTerminated(cause call.TerminationCause) bool {
	d.mu.Lock()
	if d.State == StateTerminated {
		d.mu.Unlock()
		return false
	}
	d.State = StateTerminated
	d.StateChangedAt = time.Now()
	d.Cause = cause
	cbs := d.onTerminated
	d.onTerminated = nil
	d.mu.Unlock()

	d.cancel()
	for _, cb := range cbs {
		cb(cause)
	}
	return true
}

// BuildRequest constructs an in-dialog request (BYE, REFER, INFO...).
// Per RFC 3261 Section 12.2.1.1, in-dialog requests use the dialog's identifiers
func (d *Dialog) BuildRequest(method sip.RequestMethod, localContact sip.Uri) (*sip.Request, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.InviteRequest == nil {
		return nil, fmt.Errorf("cannot build %s: missing INVITE request", method)
	}

	var recipient sip.Uri
	if d.Direction == DirectionOutbound {
		if d.RemoteContactURI != "" {
			if err := sip.ParseUri(d.RemoteContactURI, &recipient); err != nil {
				return nil, fmt.Errorf("cannot parse remote contact URI: %w", err)
			}
		} else if to := d.InviteRequest.To(); to != nil {
			recipient = to.Address
		}
	} else {
		if contact := d.InviteRequest.Contact(); contact != nil {
			recipient = contact.Address
			recipient.UriParams = sip.NewParams()
		} else if from := d.InviteRequest.From(); from != nil {
			recipient = from.Address
		}
	}

	req := sip.NewRequest(method, recipient)

	if len(d.InviteRequest.GetHeaders("Record-Route")) > 0 && d.Direction == DirectionInbound {
		for _, h := range d.InviteRequest.GetHeaders("Record-Route") {
			req.AppendHeader(sip.NewHeader("Route", h.Value()))
		}
	} else if len(d.InviteRequest.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", d.InviteRequest, req)
	}

	if d.Direction == DirectionOutbound {
		// From/To as in our INVITE, To gains the remote tag
		if from := d.InviteRequest.From(); from != nil {
			req.AppendHeader(&sip.FromHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
		if to := d.InviteRequest.To(); to != nil {
			toHdr := &sip.ToHeader{
				DisplayName: to.DisplayName,
				Address:     to.Address,
				Params:      sip.NewParams(),
			}
			if d.RemoteTag != "" {
				toHdr.Params.Add("tag", d.RemoteTag)
			}
			req.AppendHeader(toHdr)
		}
	} else {
		// From/To swapped relative to the INVITE
		if d.InviteResponse != nil {
			if to := d.InviteResponse.To(); to != nil {
				req.AppendHeader(&sip.FromHeader{
					DisplayName: to.DisplayName,
					Address:     to.Address,
					Params:      to.Params.Clone(),
				})
			}
		}
		if from := d.InviteRequest.From(); from != nil {
			req.AppendHeader(&sip.ToHeader{
				DisplayName: from.DisplayName,
				Address:     from.Address,
				Params:      from.Params.Clone(),
			})
		}
	}

	if callIDHdr := d.InviteRequest.CallID(); callIDHdr != nil {
		req.AppendHeader(callIDHdr)
	}

	req.AppendHeader(&sip.CSeqHeader{
		SeqNo:      d.localCSeq.Add(1),
		MethodName: method,
	})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: localContact})

	if d.source != "" {
		req.SetDestination(d.source)
	}
	return req, nil
}

// Summary returns the API view of the dialog.
func (d *Dialog) Summary() types.Dialog {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := types.Dialog{
		CallID:     d.CallID,
		State:      d.State.String(),
		Direction:  d.Direction.String(),
		RemoteAddr: d.source,
		Duration:   int(time.Since(d.CreatedAt).Seconds()),
		CreatedAt:  d.CreatedAt.UTC().Format(time.RFC3339),
	}
	from, to := "", ""
	if h := d.InviteRequest.From(); h != nil {
		from = h.Address.String()
	}
	if h := d.InviteRequest.To(); h != nil {
		to = h.Address.String()
	}
	if d.Direction == DirectionInbound {
		s.LocalURI, s.RemoteURI = to, from
	} else {
		s.LocalURI, s.RemoteURI = from, to
	}
	if d.State == StateTerminated {
		s.TerminateReason = d.Cause.String()
	}
	return s
}

// ParseNotify extracts the REFER progress carried by a NOTIFY.
func ParseNotify(req *sip.Request) call.Notify {
	n := call.Notify{}
	if h := req.GetHeader("Event"); h != nil {
		n.Event = h.Value()
	}
	if h := req.GetHeader("Subscription-State"); h != nil {
		n.SubscriptionState = h.Value()
	}
	if body := req.Body(); len(body) > 0 {
		line, _, _ := strings.Cut(string(body), "\n")
		n.StatusLine = strings.TrimSpace(line)
	}
	return n
}
