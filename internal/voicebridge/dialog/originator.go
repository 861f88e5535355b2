package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

// OriginatorConfig holds originator configuration.
type OriginatorConfig struct {
	AdvertiseAddr string
	Port          int
	Client        *sipgo.Client
	Manager       *Manager
}

// Originator places outbound calls and registers the answered dialogs with
// the Manager.
type Originator struct {
	cfg OriginatorConfig
}

var _ call.Originator = (*Originator)(nil)

// NewOriginator creates a new Originator.
func NewOriginator(cfg OriginatorConfig) *Originator {
	return &Originator{cfg: cfg}
}

// Originate sends an INVITE carrying req.SDP and blocks until it is answered,
// rejected, or ctx ends. Pending INVITEs are canceled when ctx ends.
func (o *Originator) Originate(ctx context.Context, req call.OriginateRequest) (call.Dialog, error) {
	invite, err := o.buildINVITE(req, uuid.New().String(), uuid.New().String()[:8])
	if err != nil {
		return nil, &call.OriginateError{Target: req.Target, Cause: err}
	}
	if o.cfg.Client == nil {
		return nil, &call.OriginateError{Target: req.Target, Cause: ErrNoClient}
	}

	resp, err := o.executeINVITE(ctx, invite, req.Target)
	if err != nil {
		return nil, err
	}

	if media, err := ParseMedia(resp.Body()); err != nil {
		slog.Warn("[Originate] Answer carries no usable SDP", "call_id", callIDOf(invite), "error", err)
	} else {
		slog.Debug("[Originate] Answer media", "call_id", callIDOf(invite), "addr", media.Addr, "port", media.Port, "codecs", media.Codecs)
	}

	dlg, err := o.cfg.Manager.RegisterOutbound(invite, resp)
	if err != nil {
		return nil, &call.OriginateError{Target: req.Target, Cause: err}
	}
	return dlg, nil
}

func (o *Originator) buildINVITE(req call.OriginateRequest, callID, localTag string) (*sip.Request, error) {
	var requestURI sip.Uri
	if err := sip.ParseUri(req.Target, &requestURI); err != nil {
		return nil, fmt.Errorf("invalid target URI: %w", err)
	}

	invite := sip.NewRequest(sip.INVITE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	user := req.CallerID
	if user == "" {
		user = "voicebridge"
	}
	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: user, Host: o.cfg.AdvertiseAddr, Port: o.cfg.Port},
		Params:  fromParams,
	})

	invite.AppendHeader(&sip.ToHeader{
		Address: requestURI,
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "voicebridge", Host: o.cfg.AdvertiseAddr, Port: o.cfg.Port},
	})

	if len(req.SDP) > 0 {
		contentType := sip.ContentTypeHeader("application/sdp")
		invite.AppendHeader(&contentType)
		invite.SetBody(req.SDP)
	}
	return invite, nil
}

// executeINVITE runs the INVITE client transaction to a final response.
func (o *Originator) executeINVITE(ctx context.Context, invite *sip.Request, target string) (*sip.Response, error) {
	callID := callIDOf(invite)
	tx, err := o.cfg.Client.TransactionRequest(ctx, invite)
	if err != nil {
		return nil, &call.OriginateError{Target: target, SIPCode: 503, SIPReason: "Transaction failed", Cause: err}
	}
	defer tx.Terminate()

	slog.Info("[Originate] INVITE sent", "call_id", callID, "target", target)

	for {
		select {
		case <-ctx.Done():
			o.sendCANCEL(invite)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &call.OriginateError{Target: target, SIPCode: 408, SIPReason: "Request Timeout", Cause: ctx.Err()}
			}
			return nil, &call.OriginateError{Target: target, SIPCode: 487, SIPReason: "Request Terminated", Cause: ctx.Err()}

		case resp := <-tx.Responses():
			if resp == nil {
				return nil, &call.OriginateError{Target: target, SIPCode: 408, SIPReason: "No Response"}
			}
			code := int(resp.StatusCode)
			switch {
			case code < 200:
				slog.Debug("[Originate] Provisional response", "call_id", callID, "status", code, "reason", resp.Reason)
			case code < 300:
				if err := o.sendACK(resp, invite); err != nil {
					slog.Error("[Originate] Failed to send ACK", "call_id", callID, "error", err)
				}
				slog.Info("[Originate] Call answered", "call_id", callID, "status", code)
				return resp, nil
			default:
				slog.Info("[Originate] Call rejected", "call_id", callID, "status", code, "reason", resp.Reason)
				return nil, &call.OriginateError{Target: target, SIPCode: code, SIPReason: resp.Reason}
			}

		case <-tx.Done():
			return nil, &call.OriginateError{Target: target, SIPCode: 500, SIPReason: "Transaction terminated unexpectedly", Cause: tx.Err()}
		}
	}
}

// sendACK acknowledges a 2xx. Per RFC 3261 Section 13.2.2.4 the ACK is a new
// request to the Contact of the response, outside the INVITE transaction.
func (o *Originator) sendACK(resp *sip.Response, invite *sip.Request) error {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}

	ack := sip.NewRequest(sip.ACK, requestURI)
	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{
			DisplayName: to.DisplayName,
			Address:     to.Address,
			Params:      to.Params,
		})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if dest := resp.Source(); dest != "" {
		ack.SetDestination(dest)
	}

	done := make(chan error, 1)
	go func() {
		done <- o.cfg.Client.WriteRequest(ack)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("write ACK: %w", err)
		}
	case <-time.After(5 * time.Second):
		return errors.New("ACK timeout: write did not complete within 5 seconds")
	}
	return nil
}

// sendCANCEL cancels a pending INVITE (RFC 3261 Section 9.1).
func (o *Originator) sendCANCEL(invite *sip.Request) {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := o.cfg.Client.TransactionRequest(ctx, cancelReq)
	if err != nil {
		slog.Warn("[Originate] Failed to send CANCEL", "call_id", callIDOf(invite), "error", err)
		return
	}
	defer tx.Terminate()
	select {
	case <-tx.Responses():
	case <-tx.Done():
	case <-ctx.Done():
	}
	slog.Info("[Originate] CANCEL sent", "call_id", callIDOf(invite))
}
