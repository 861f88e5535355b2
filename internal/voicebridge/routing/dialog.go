package routing

import (
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/voicebridge/internal/voicebridge/dialog"
)

// allowedMethods is advertised in OPTIONS responses.
const allowedMethods = "INVITE, ACK, BYE, CANCEL, NOTIFY, OPTIONS"

// DialogHandler handles the requests that act on an existing dialog.
type DialogHandler struct {
	dialogMgr *dialog.Manager
}

// NewDialogHandler creates a new in-dialog request handler.
func NewDialogHandler(dialogMgr *dialog.Manager) *DialogHandler {
	return &DialogHandler{dialogMgr: dialogMgr}
}

// HandleACK confirms the dialog after our 200 OK.
func (h *DialogHandler) HandleACK(req *sip.Request, tx sip.ServerTransaction) {
	if err := h.dialogMgr.ConfirmWithACK(req, tx); err != nil {
		slog.Debug("[ACK] Handling note", "call_id", req.CallID(), "error", err)
	}
}

// HandleBYE ends the dialog at the caller's request.
func (h *DialogHandler) HandleBYE(req *sip.Request, tx sip.ServerTransaction) {
	slog.Debug("[BYE] Received BYE request", "call_id", req.CallID(), "from", req.From())
	if err := h.dialogMgr.HandleIncomingBYE(req, tx); err != nil {
		slog.Debug("[BYE] Handling note", "call_id", req.CallID(), "error", err)
	}
}

// HandleCANCEL cancels a pending INVITE.
func (h *DialogHandler) HandleCANCEL(req *sip.Request, tx sip.ServerTransaction) {
	if err := h.dialogMgr.HandleIncomingCANCEL(req, tx); err != nil {
		slog.Debug("[CANCEL] Handling note", "call_id", req.CallID(), "error", err)
	}
}

// HandleNOTIFY forwards REFER progress to the dialog that sent the REFER.
func (h *DialogHandler) HandleNOTIFY(req *sip.Request, tx sip.ServerTransaction) {
	if err := h.dialogMgr.HandleIncomingNOTIFY(req, tx); err != nil {
		slog.Debug("[NOTIFY] Handling note", "call_id", req.CallID(), "error", err)
	}
}

// HandleOPTIONS answers keepalive pings.
func (h *DialogHandler) HandleOPTIONS(req *sip.Request, tx sip.ServerTransaction) {
	resp := OptionsResponse(req)
	if err := tx.Respond(resp); err != nil {
		slog.Debug("[OPTIONS] Respond failed", "error", err)
	}
}

// OptionsResponse builds the 200 OK for an OPTIONS request.
func OptionsResponse(req *sip.Request) *sip.Response {
	resp := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	resp.AppendHeader(sip.NewHeader("Allow", allowedMethods))
	resp.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	return resp
}
