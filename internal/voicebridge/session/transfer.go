package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
	"github.com/sebas/voicebridge/internal/voicebridge/config"
)

// transfer runs the configured strategy toward State.TransferTarget.
func (o *Orchestrator) transfer() {
	target := o.state.TransferTarget
	method := o.flow.Transfer.Method
	o.setPhase(PhaseTransferring)
	o.opts.Counters.Transfers.Add(1)
	o.log.Info("[Transfer] Transferring call", "target", target, "method", method)

	ctx, span := tracer.Start(o.ctx, "session.transfer", trace.WithAttributes(
		attribute.String("call_id", o.state.CallID),
		attribute.String("target", target),
		attribute.String("strategy", string(method)),
	))

	switch method {
	case config.TransferInvite:
		o.transferByInvite(ctx, span, target)
	default:
		o.transferByRefer(ctx, span, target)
	}
}

func (o *Orchestrator) transferDomain() string {
	if d := o.flow.Transfer.Domain; d != "" {
		return d
	}
	return o.dialog.SourceHost()
}

// transferURI turns a bare number into sip:number@domain. Full URIs pass through.
func (o *Orchestrator) transferURI(target string) string {
	if strings.HasPrefix(target, "sip:") || strings.HasPrefix(target, "sips:") {
		return target
	}
	return fmt.Sprintf("sip:%s@%s", target, o.transferDomain())
}

// transferByRefer asks the caller's side to reconnect to target and hangs up
// once a NOTIFY reports the implicit subscription terminated.
func (o *Orchestrator) transferByRefer(ctx context.Context, span trace.Span, target string) {
	if !o.notifyHooked {
		o.notifyHooked = true
		o.dialog.OnNotify(func(n call.Notify) {
			o.post(func() { o.onReferNotify(n) })
		})
	}

	req := call.ReferRequest{
		ReferTo:    "<" + o.transferURI(target) + ">",
		ReferredBy: fmt.Sprintf("<sip:%s@%s>", o.dialog.FromUser(), o.transferDomain()),
	}
	timeout := o.opts.CommandTimeout
	go func() {
		defer span.End()
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := o.dialog.Refer(rctx, req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "refer failed")
			o.post(func() { o.transferFailed("refer", target, err) })
		}
	}()
}

func (o *Orchestrator) onReferNotify(n call.Notify) {
	o.log.Info("[Transfer] NOTIFY received", "subscription_state", n.SubscriptionState, "status", n.StatusLine)
	if !n.Terminated() || o.terminating {
		return
	}
	o.log.Info("[Transfer] REFER subscription terminated, hanging up")
	o.hangup(call.CauseTransfer)
	o.destroyAsync(o.endpoint)
}

// transferByInvite originates a new leg carrying the caller's media
// description. On success the endpoint is released and the two dialogs are
// linked. On failure the original call is left as it was.
func (o *Orchestrator) transferByInvite(ctx context.Context, span trace.Span, target string) {
	if o.opts.Originator == nil {
		span.End()
		o.transferFailed("originate", target, errors.New("no originator configured"))
		return
	}

	req := call.OriginateRequest{
		Target:   o.transferURI(target),
		CallerID: o.dialog.FromUser(),
		SDP:      o.dialog.RemoteSDP(),
	}
	dialTimeout := o.flow.Transfer.DialTimeout
	originator := o.opts.Originator
	go func() {
		defer span.End()
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()

		leg, err := originator.Originate(dctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "originate failed")
		}
		if !o.post(func() { o.onOriginated(target, leg, err) }) && leg != nil {
			o.log.Info("[Transfer] Session ended during dial, releasing new leg", "leg", leg.ID())
			o.destroyAsync(leg)
		}
	}()
}

func (o *Orchestrator) onOriginated(target string, leg call.Dialog, err error) {
	if err != nil {
		o.transferFailed("originate", target, err)
		return
	}
	if o.terminating {
		o.log.Info("[Transfer] Caller gone before answer, releasing new leg", "leg", leg.ID())
		o.destroyAsync(leg)
		return
	}

	o.linker.Unlink(o.endpoint)
	ctx, cancel := context.WithTimeout(context.Background(), o.opts.CommandTimeout)
	if derr := o.endpoint.Destroy(ctx); derr != nil {
		o.log.Warn("[Transfer] Failed to release endpoint", "error", derr)
	}
	cancel()

	peer := newDialogHandle(leg)
	o.state.PairedLeg = leg.ID()
	o.setPhase(PhaseTransferred)
	if lerr := o.linker.Link(o.dialog, peer); lerr != nil {
		o.log.Error("[Transfer] Failed to link legs", "leg", leg.ID(), "error", lerr)
		o.destroyAsync(peer)
		o.hangup(call.CauseError)
		return
	}
	o.log.Info("[Transfer] Call transferred", "target", target, "leg", leg.ID())
}

// transferFailed logs the failure and leaves the call bridged.
func (o *Orchestrator) transferFailed(op, target string, err error) {
	o.opts.Counters.FailedTransfers.Add(1)
	terr := call.NewError(call.TransferFailure, op, o.state.CallID, err)
	o.log.Warn("[Transfer] Transfer failed", "target", target, "status", terr.Status, "error", terr)
	if !o.terminating {
		o.setPhase(PhaseActive)
	}
}
