package routing

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
	"github.com/sebas/voicebridge/internal/voicebridge/dialog"
	"github.com/sebas/voicebridge/internal/voicebridge/media"
)

// errCallGone means the caller hung up or cancelled while the endpoint was
// being connected.
var errCallGone = errors.New("caller gone before answer")

// Connector attaches a media endpoint to a call. media.Pool implements it.
type Connector interface {
	Connect(ctx context.Context, callID string, remoteSDP []byte) (call.Endpoint, []byte, error)
}

// Acceptor receives every successfully bridged call.
type Acceptor func(dlg call.Dialog, ep call.Endpoint)

// pendingCall is an inbound call that has not been answered yet.
type pendingCall interface {
	ID() string
	Offer() []byte
	Trying() error
	Answer(localSDP []byte) error
	Reject(code sip.StatusCode, reason string) error
	Dialog() call.Dialog
}

// InviteHandler handles incoming INVITE requests: it validates the offer,
// bridges a media endpoint, answers, and hands the call to the acceptor.
type InviteHandler struct {
	dialogMgr     *dialog.Manager
	media         Connector
	accept        Acceptor
	bridgeTimeout time.Duration

	failedBridges atomic.Int64
}

// NewInviteHandler creates a new INVITE handler
func NewInviteHandler(dialogMgr *dialog.Manager, media Connector, accept Acceptor, bridgeTimeout time.Duration) *InviteHandler {
	if bridgeTimeout <= 0 {
		bridgeTimeout = 10 * time.Second
	}
	return &InviteHandler{
		dialogMgr:     dialogMgr,
		media:         media,
		accept:        accept,
		bridgeTimeout: bridgeTimeout,
	}
}

// FailedBridges returns how many inbound calls were rejected because no
// endpoint could be attached.
func (h *InviteHandler) FailedBridges() int64 {
	return h.failedBridges.Load()
}

// HandleINVITE processes incoming INVITE requests
func (h *InviteHandler) HandleINVITE(req *sip.Request, tx sip.ServerTransaction) {
	slog.Info("[INVITE] Received", "from", req.From(), "to", req.To(), "call_id", req.CallID())

	dlg, err := h.dialogMgr.CreateFromInvite(req, tx)
	if err != nil {
		slog.Error("[INVITE] Failed to create dialog", "error", err)
		resp := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil)
		_ = tx.Respond(resp)
		return
	}
	if dlg.InviteRequest != req {
		slog.Debug("[INVITE] Duplicate for existing dialog ignored", "call_id", dlg.CallID)
		return
	}

	ctx, cancel := context.WithTimeout(dlg.Context(), h.bridgeTimeout)
	defer cancel()
	if err := h.bridge(ctx, &sipPendingCall{mgr: h.dialogMgr, dlg: dlg}); err != nil {
		slog.Warn("[INVITE] Call not bridged", "call_id", dlg.CallID, "error", err)
	}
}

// bridge runs the accept sequence for one pending call.
func (h *InviteHandler) bridge(ctx context.Context, pc pendingCall) error {
	callID := pc.ID()

	if err := pc.Trying(); err != nil {
		return call.NewError(call.BridgeFailure, "trying", callID, err)
	}

	offer := pc.Offer()
	m, err := dialog.ParseMedia(offer)
	if err != nil {
		h.failedBridges.Add(1)
		h.reject(pc, sip.StatusNotAcceptableHere, "Not Acceptable Here")
		return call.NewError(call.BridgeFailure, "parse offer", callID, err)
	}
	slog.Debug("[INVITE] Offer", "call_id", callID, "addr", m.Addr, "port", m.Port, "codecs", m.Codecs)

	ep, localSDP, err := h.media.Connect(ctx, callID, offer)
	if err != nil {
		h.failedBridges.Add(1)
		if errors.Is(err, media.ErrNoAvailableServers) {
			h.reject(pc, sip.StatusServiceUnavailable, "Service Unavailable")
		} else {
			h.reject(pc, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable")
		}
		return call.NewError(call.BridgeFailure, "connect endpoint", callID, err)
	}

	if err := pc.Answer(localSDP); err != nil {
		h.failedBridges.Add(1)
		if derr := ep.Destroy(context.Background()); derr != nil {
			slog.Debug("[INVITE] Endpoint cleanup failed", "call_id", callID, "error", derr)
		}
		return call.NewError(call.BridgeFailure, "answer", callID, err)
	}

	slog.Info("[INVITE] Bridged", "call_id", callID, "endpoint_id", ep.ID())
	h.accept(pc.Dialog(), ep)
	return nil
}

func (h *InviteHandler) reject(pc pendingCall, code sip.StatusCode, reason string) {
	if err := pc.Reject(code, reason); err != nil {
		slog.Warn("[INVITE] Reject failed", "call_id", pc.ID(), "status", int(code), "error", err)
	}
}

// sipPendingCall adapts a dialog.Dialog to pendingCall.
type sipPendingCall struct {
	mgr *dialog.Manager
	dlg *dialog.Dialog
}

func (p *sipPendingCall) ID() string          { return p.dlg.CallID }
func (p *sipPendingCall) Offer() []byte       { return p.dlg.InviteRequest.Body() }
func (p *sipPendingCall) Dialog() call.Dialog { return p.dlg }

func (p *sipPendingCall) Trying() error {
	return p.mgr.SendTrying(p.dlg)
}

func (p *sipPendingCall) Answer(localSDP []byte) error {
	if p.dlg.IsTerminated() {
		return errCallGone
	}
	if err := p.mgr.SendOK(p.dlg, localSDP); err != nil {
		if terr := p.mgr.Terminate(p.dlg.CallID, call.CauseError); terr != nil {
			slog.Debug("[INVITE] Terminate after failed answer", "call_id", p.dlg.CallID, "error", terr)
		}
		return err
	}
	return nil
}

func (p *sipPendingCall) Reject(code sip.StatusCode, reason string) error {
	return p.mgr.SendError(p.dlg, code, reason)
}
