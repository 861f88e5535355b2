package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	types "github.com/sebas/voicebridge/api/types/v1"
	"github.com/sebas/voicebridge/internal/voicebridge/call"
	"github.com/sebas/voicebridge/internal/voicebridge/store"
)

const (
	// ActiveDialogTTL bounds how long a dialog is tracked without ending.
	ActiveDialogTTL = 4 * time.Hour
	// TerminatedDialogTTL keeps ended dialogs around for retransmissions (RFC 3261 Timer B)
	TerminatedDialogTTL = 32 * time.Second
	// DialogCleanupInterval is how often the cleanup loop runs
	DialogCleanupInterval = 10 * time.Second
)

// ErrNoClient is returned when a request has to be sent but the manager was
// built without a SIP client.
var ErrNoClient = errors.New("dialog manager has no SIP client")

// Manager is the central registry for all dialogs, inbound and outbound.
type Manager struct {
	mu sync.RWMutex

	dialogs *store.TTLStore[string, *Dialog]

	sipClient *sipgo.Client
	dialogUA  *sipgo.DialogUA
	contact   sip.Uri

	ackTimeout     time.Duration
	requestTimeout time.Duration

	onTerminated func(d *Dialog)
}

// NewManager creates a new dialog manager. The Contact of dialogUA is used
// for requests the manager builds itself.
func NewManager(client *sipgo.Client, dialogUA *sipgo.DialogUA) *Manager {
	m := &Manager{
		dialogs:        store.NewTTLStore[string, *Dialog](DialogCleanupInterval),
		sipClient:      client,
		dialogUA:       dialogUA,
		contact:        sip.Uri{Scheme: "sip", User: "voicebridge", Host: "localhost"},
		ackTimeout:     32 * time.Second,
		requestTimeout: 5 * time.Second,
	}
	if dialogUA != nil {
		m.contact = dialogUA.ContactHDR.Address
	}

	m.dialogs.SetOnEvict(func(callID string, d *Dialog) {
		slog.Debug("[Dialog] Evicted from cache", "call_id", callID, "state", d.GetState())
	})
	return m
}

// SetOnTerminated sets the callback called after a dialog terminates
func (m *Manager) SetOnTerminated(fn func(d *Dialog)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminated = fn
}

// CreateFromInvite creates a new dialog from an incoming INVITE request
func (m *Manager) CreateFromInvite(req *sip.Request, tx sip.ServerTransaction) (*Dialog, error) {
	callID := callIDOf(req)
	if callID == "" {
		return nil, fmt.Errorf("INVITE missing Call-ID")
	}

	if existing, exists := m.dialogs.Get(callID); exists && !existing.IsTerminated() {
		slog.Warn("[Dialog] Duplicate INVITE received", "call_id", callID, "state", existing.GetState())
		return existing, nil
	}

	dlg := NewDialog(req, tx)
	dlg.mgr = m
	m.dialogs.Set(callID, dlg, ActiveDialogTTL)

	slog.Info("[Dialog] Created", "call_id", callID, "from", dlg.From(), "source", dlg.source)
	return dlg, nil
}

// RegisterOutbound registers a dialog for an INVITE we sent once it has
// been answered.
func (m *Manager) RegisterOutbound(invite *sip.Request, resp *sip.Response) (*Dialog, error) {
	callID := callIDOf(invite)
	if callID == "" {
		return nil, fmt.Errorf("INVITE missing Call-ID")
	}

	if existing, exists := m.dialogs.Get(callID); exists && !existing.IsTerminated() {
		slog.Warn("[Dialog] Duplicate outbound dialog registration", "call_id", callID)
		return existing, nil
	}

	dlg := NewOutboundDialog(invite, resp)
	dlg.mgr = m
	m.dialogs.Set(callID, dlg, ActiveDialogTTL)

	slog.Info("[Dialog] Registered outbound dialog", "call_id", callID)
	return dlg, nil
}

// SendTrying sends 100 Trying and transitions to Early state
func (m *Manager) SendTrying(d *Dialog) error {
	trying := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusTrying, "Trying", nil)
	if err := d.Transaction.Respond(trying); err != nil {
		return fmt.Errorf("failed to send 100 Trying: %w", err)
	}
	if err := d.TransitionTo(StateEarly); err != nil {
		slog.Warn("[Dialog] State transition failed", "call_id", d.CallID, "error", err)
	}
	slog.Debug("[Dialog] Sent 100 Trying", "call_id", d.CallID)
	return nil
}

// SendOK sends 200 OK with SDP and creates the sipgo dialog session
func (m *Manager) SendOK(d *Dialog, sdpBody []byte) error {
	session, err := m.dialogUA.ReadInvite(d.InviteRequest, d.Transaction)
	if err != nil {
		return fmt.Errorf("failed to create dialog session: %w", err)
	}
	d.SetSession(session)

	if err := session.RespondSDP(sdpBody); err != nil {
		_ = session.Close()
		return fmt.Errorf("failed to send 200 OK: %w", err)
	}
	d.SetInviteResponse(session.InviteResponse)

	if err := d.TransitionTo(StateWaitingACK); err != nil {
		slog.Warn("[Dialog] State transition failed", "call_id", d.CallID, "error", err)
	}
	slog.Info("[Dialog] Sent 200 OK", "call_id", d.CallID)

	go m.watchACKTimeout(d)
	return nil
}

// SendError rejects an unanswered INVITE and terminates the dialog.
func (m *Manager) SendError(d *Dialog, code sip.StatusCode, reason string) error {
	if !d.ending.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if d.Transaction != nil {
		resp := sip.NewResponseFromRequest(d.InviteRequest, code, reason, nil)
		if err = d.Transaction.Respond(resp); err != nil {
			err = fmt.Errorf("failed to send %d %s: %w", code, reason, err)
		}
	}
	slog.Info("[Dialog] Rejected", "call_id", d.CallID, "status", int(code), "reason", reason)
	m.terminate(d, call.CauseError)
	return err
}

// ConfirmWithACK confirms the dialog when ACK is received
func (m *Manager) ConfirmWithACK(req *sip.Request, tx sip.ServerTransaction) error {
	callID := callIDOf(req)
	d, exists := m.Get(callID)
	if !exists {
		slog.Warn("[Dialog] ACK for unknown dialog", "call_id", callID)
		return fmt.Errorf("dialog not found for ACK: %s", callID)
	}

	state := d.GetState()
	if state != StateWaitingACK {
		if state == StateConfirmed {
			slog.Debug("[Dialog] ACK retransmission ignored", "call_id", callID)
			return nil
		}
		slog.Warn("[Dialog] ACK in unexpected state", "call_id", callID, "state", state)
		return fmt.Errorf("unexpected state for ACK: %s", state)
	}

	if d.Session != nil {
		if err := d.Session.ReadAck(req, tx); err != nil {
			slog.Warn("[Dialog] Failed to read ACK", "call_id", callID, "error", err)
		}
	}
	if err := d.TransitionTo(StateConfirmed); err != nil {
		return fmt.Errorf("failed to transition to Confirmed: %w", err)
	}

	slog.Info("[Dialog] Confirmed (ACK received)", "call_id", callID)
	return nil
}

// HandleIncomingBYE processes a BYE request from the remote party
func (m *Manager) HandleIncomingBYE(req *sip.Request, tx sip.ServerTransaction) error {
	callID := callIDOf(req)
	d, exists := m.Get(callID)
	if !exists {
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(resp)
		return fmt.Errorf("dialog not found for BYE: %s", callID)
	}

	if d.Session != nil {
		if err := d.Session.ReadBye(req, tx); err != nil {
			slog.Warn("[Dialog] Failed to read BYE", "call_id", callID, "error", err)
		}
	} else {
		resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		if err := tx.Respond(resp); err != nil {
			slog.Error("[Dialog] Failed to respond to BYE", "call_id", callID, "error", err)
		}
	}

	d.ending.Store(true)
	m.terminate(d, call.CauseRemote)
	slog.Info("[Dialog] BYE received, dialog terminated", "call_id", callID)
	return nil
}

// HandleIncomingCANCEL processes a CANCEL request
func (m *Manager) HandleIncomingCANCEL(req *sip.Request, tx sip.ServerTransaction) error {
	callID := callIDOf(req)
	d, exists := m.Get(callID)
	if !exists {
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(resp)
		return fmt.Errorf("dialog not found for CANCEL: %s", callID)
	}

	state := d.GetState()
	if state != StateInitial && state != StateEarly {
		// Too late: the INVITE already has a final response
		slog.Warn("[Dialog] CANCEL in unexpected state", "call_id", callID, "state", state)
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(resp)
		return nil
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Error("[Dialog] Failed to respond to CANCEL", "call_id", callID, "error", err)
	}
	if d.Transaction != nil {
		terminated := sip.NewResponseFromRequest(d.InviteRequest, 487, "Request Terminated", nil)
		_ = d.Transaction.Respond(terminated)
	}

	d.ending.Store(true)
	m.terminate(d, call.CauseCancel)
	slog.Info("[Dialog] CANCEL received, dialog terminated", "call_id", callID)
	return nil
}

// HandleIncomingNOTIFY answers a NOTIFY and hands its REFER progress to the
// dialog's listeners.
func (m *Manager) HandleIncomingNOTIFY(req *sip.Request, tx sip.ServerTransaction) error {
	callID := callIDOf(req)
	d, exists := m.Get(callID)
	if !exists || d.IsTerminated() {
		resp := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(resp)
		return fmt.Errorf("dialog not found for NOTIFY: %s", callID)
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(resp); err != nil {
		slog.Warn("[Dialog] Failed to respond to NOTIFY", "call_id", callID, "error", err)
	}

	n := ParseNotify(req)
	slog.Debug("[Dialog] NOTIFY received", "call_id", callID, "event", n.Event,
		"subscription_state", n.SubscriptionState, "status", n.StatusLine)
	d.deliverNotify(n)
	return nil
}

// Terminate ends a dialog by Call-ID.
func (m *Manager) Terminate(callID string, cause call.TerminationCause) error {
	d, exists := m.Get(callID)
	if !exists {
		return fmt.Errorf("dialog not found: %s", callID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
	defer cancel()
	return m.end(ctx, d, cause)
}

// end sends whatever the dialog's state calls for (BYE after a 2xx, an
// error response before one) and terminates it. Only the first caller sends.
func (m *Manager) end(ctx context.Context, d *Dialog, cause call.TerminationCause) error {
	if d.IsTerminated() || !d.ending.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	state := d.GetState()
	switch {
	case state.Answered():
		_ = d.TransitionTo(StateTerminating)
		err = m.sendBYE(ctx, d)
	case d.Direction == DirectionInbound && d.Transaction != nil:
		resp := sip.NewResponseFromRequest(d.InviteRequest, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable", nil)
		err = d.Transaction.Respond(resp)
	}
	if err != nil {
		slog.Warn("[Dialog] Failed to end dialog cleanly", "call_id", d.CallID, "state", state, "error", err)
	}

	m.terminate(d, cause)
	return err
}

func (m *Manager) sendBYE(ctx context.Context, d *Dialog) error {
	if d.Session != nil && d.Direction == DirectionInbound {
		err := d.Session.Bye(ctx)
		if err == nil {
			slog.Info("[Dialog] BYE sent via session", "call_id", d.CallID)
			return nil
		}
		slog.Debug("[Dialog] Session BYE failed, sending manually", "call_id", d.CallID, "error", err)
	}

	byeReq, err := d.BuildRequest(sip.BYE, m.contact)
	if err != nil {
		return fmt.Errorf("failed to build BYE: %w", err)
	}
	resp, err := m.transact(ctx, byeReq)
	if err != nil {
		return fmt.Errorf("failed to send BYE: %w", err)
	}
	slog.Info("[Dialog] BYE sent", "call_id", d.CallID, "direction", d.Direction, "status", int(resp.StatusCode))
	return nil
}

// SendREFER asks the far end of d to call req.ReferTo. It returns once the
// REFER has a final response; progress arrives later as NOTIFY.
func (m *Manager) SendREFER(ctx context.Context, d *Dialog, refer call.ReferRequest) error {
	if state := d.GetState(); state != StateConfirmed {
		return fmt.Errorf("cannot send REFER: dialog %s is %s", d.CallID, state)
	}

	req, err := d.BuildRequest(sip.REFER, m.contact)
	if err != nil {
		return err
	}
	req.AppendHeader(sip.NewHeader("Refer-To", refer.ReferTo))
	if refer.ReferredBy != "" {
		req.AppendHeader(sip.NewHeader("Referred-By", refer.ReferredBy))
	}

	slog.Info("[Dialog] Sending REFER", "call_id", d.CallID, "refer_to", refer.ReferTo, "referred_by", refer.ReferredBy)
	resp, err := m.transact(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to send REFER: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &call.ResponseError{Method: "REFER", SIPCode: int(resp.StatusCode), SIPReason: resp.Reason}
	}
	slog.Info("[Dialog] REFER accepted", "call_id", d.CallID, "status", int(resp.StatusCode))
	return nil
}

// transact sends a non-INVITE request and waits for its final response.
func (m *Manager) transact(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	if m.sipClient == nil {
		return nil, ErrNoClient
	}
	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	tx, err := m.sipClient.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	for {
		select {
		case resp := <-tx.Responses():
			if resp == nil {
				return nil, fmt.Errorf("%s transaction terminated without response", req.Method)
			}
			if resp.StatusCode < 200 {
				continue
			}
			return resp, nil
		case <-tx.Done():
			return nil, fmt.Errorf("%s transaction ended: %w", req.Method, tx.Err())
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// terminate marks the dialog ended, notifies listeners, and shortens its TTL
// so the cleanup loop drops it after the retransmission window.
func (m *Manager) terminate(d *Dialog, cause call.TerminationCause) {
	if !d.markTerminated(cause) {
		return
	}
	if d.Session != nil {
		_ = d.Session.Close()
	}
	m.dialogs.Set(d.CallID, d, TerminatedDialogTTL)

	m.mu.RLock()
	callback := m.onTerminated
	m.mu.RUnlock()
	if callback != nil {
		callback(d)
	}
	slog.Debug("[Dialog] Terminated", "call_id", d.CallID, "cause", cause, "ttl", TerminatedDialogTTL)
}

func (m *Manager) watchACKTimeout(d *Dialog) {
	timer := time.NewTimer(m.ackTimeout)
	defer timer.Stop()
	select {
	case <-d.Context().Done():
	case <-timer.C:
		if d.GetState() == StateWaitingACK {
			slog.Warn("[Dialog] ACK timeout", "call_id", d.CallID)
			d.ending.Store(true)
			m.terminate(d, call.CauseTimeout)
		}
	}
}

// Get retrieves a dialog by Call-ID
func (m *Manager) Get(callID string) (*Dialog, bool) {
	return m.dialogs.Get(callID)
}

// List returns all dialogs (including terminated ones pending cleanup)
func (m *Manager) List() []*Dialog {
	var result []*Dialog
	m.dialogs.ForEach(func(_ string, d *Dialog) bool {
		result = append(result, d)
		return true
	})
	return result
}

// Count returns the number of dialogs that have not ended.
func (m *Manager) Count() int {
	n := 0
	m.dialogs.ForEach(func(_ string, d *Dialog) bool {
		if !d.IsTerminated() {
			n++
		}
		return true
	})
	return n
}

// Summaries returns the API view of every tracked dialog, newest first.
func (m *Manager) Summaries() []types.Dialog {
	dialogs := m.List()
	sort.Slice(dialogs, func(i, j int) bool {
		return dialogs[i].CreatedAt.After(dialogs[j].CreatedAt)
	})
	out := make([]types.Dialog, 0, len(dialogs))
	for _, d := range dialogs {
		out = append(out, d.Summary())
	}
	return out
}

// TerminateAll ends every live dialog.
func (m *Manager) TerminateAll() {
	for _, d := range m.List() {
		if !d.IsTerminated() {
			if err := m.Terminate(d.CallID, call.CauseLocal); err != nil {
				slog.Debug("[Dialog] Terminate on shutdown failed", "call_id", d.CallID, "error", err)
			}
		}
	}
}

// Close stops the TTLStore cleanup goroutine
func (m *Manager) Close() {
	m.dialogs.Close()
}
