package dialog

import (
	"context"
	"errors"
	"testing"

	"github.com/emiago/sipgo/sip"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

const testSDP = "v=0\r\n" +
	"o=- 123 456 IN IP4 10.0.0.5\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0 8\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

func newInvite(callID string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "bot", Host: "10.0.0.1", Port: 5060})

	fromParams := sip.NewParams()
	fromParams.Add("tag", "abc")
	req.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.5"},
		Params:  fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: "bot", Host: "10.0.0.1"},
		Params:  sip.NewParams(),
	})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 5, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "alice", Host: "10.0.0.5", Port: 5062},
	})
	req.SetBody([]byte(testSDP))
	req.SetSource("10.0.0.5:5062")
	return req
}

func confirm(t *testing.T, d *Dialog) {
	t.Helper()
	for _, s := range []CallState{StateEarly, StateWaitingACK, StateConfirmed} {
		if err := d.TransitionTo(s); err != nil {
			t.Fatalf("TransitionTo(%s) error = %v", s, err)
		}
	}
}

func TestCallStateTransitions(t *testing.T) {
	tests := []struct {
		from, to CallState
		want     bool
	}{
		{StateInitial, StateEarly, true},
		{StateInitial, StateConfirmed, false},
		{StateEarly, StateWaitingACK, true},
		{StateWaitingACK, StateConfirmed, true},
		{StateWaitingACK, StateTerminating, true},
		{StateConfirmed, StateTerminating, true},
		{StateConfirmed, StateEarly, false},
		{StateTerminated, StateConfirmed, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s.CanTransitionTo(%s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if !StateWaitingACK.Answered() || StateEarly.Answered() {
		t.Error("Answered() wrong for WaitingACK/Early")
	}
}

func TestInboundDialogIdentity(t *testing.T) {
	d := NewDialog(newInvite("call-1"), nil)

	if d.ID() != "call-1" {
		t.Errorf("ID() = %q, want call-1", d.ID())
	}
	if d.From() != "sip:alice@10.0.0.5" {
		t.Errorf("From() = %q", d.From())
	}
	if d.FromUser() != "alice" {
		t.Errorf("FromUser() = %q, want alice", d.FromUser())
	}
	if d.SourceHost() != "10.0.0.5" {
		t.Errorf("SourceHost() = %q, want 10.0.0.5", d.SourceHost())
	}
	if d.RemoteTag != "abc" {
		t.Errorf("RemoteTag = %q, want abc", d.RemoteTag)
	}
	if string(d.RemoteSDP()) != testSDP {
		t.Errorf("RemoteSDP() = %q", d.RemoteSDP())
	}
}

func TestBuildRequestInbound(t *testing.T) {
	invite := newInvite("call-1")
	d := NewDialog(invite, nil)

	resp := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", nil)
	resp.To().Params.Add("tag", "local1")
	d.SetInviteResponse(resp)
	if d.LocalTag != "local1" {
		t.Fatalf("LocalTag = %q, want local1", d.LocalTag)
	}

	contact := sip.Uri{Scheme: "sip", User: "voicebridge", Host: "10.0.0.1", Port: 5060}
	req, err := d.BuildRequest(sip.REFER, contact)
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}

	if req.Method != sip.REFER {
		t.Errorf("Method = %s, want REFER", req.Method)
	}
	if req.Recipient.Host != "10.0.0.5" || req.Recipient.Port != 5062 {
		t.Errorf("Recipient = %s, want the caller's Contact", req.Recipient.String())
	}
	if tag, _ := req.From().Params.Get("tag"); tag != "local1" {
		t.Errorf("From tag = %q, want local1", tag)
	}
	if tag, _ := req.To().Params.Get("tag"); tag != "abc" {
		t.Errorf("To tag = %q, want abc", tag)
	}
	if req.To().Address.User != "alice" {
		t.Errorf("To user = %q, want alice", req.To().Address.User)
	}
	if got := string(*req.CallID()); got != "call-1" {
		t.Errorf("Call-ID = %q, want call-1", got)
	}
	if req.CSeq().SeqNo != 6 {
		t.Errorf("CSeq = %d, want 6", req.CSeq().SeqNo)
	}

	bye, err := d.BuildRequest(sip.BYE, contact)
	if err != nil {
		t.Fatalf("BuildRequest(BYE) error = %v", err)
	}
	if bye.CSeq().SeqNo != 7 {
		t.Errorf("second CSeq = %d, want 7", bye.CSeq().SeqNo)
	}
}

func TestOutboundDialog(t *testing.T) {
	invite := newInvite("call-b")
	resp := sip.NewResponseFromRequest(invite, sip.StatusOK, "OK", []byte(testSDP))
	resp.To().Params.Add("tag", "remote9")
	resp.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "desk", Host: "10.0.0.9", Port: 5070}})
	resp.SetSource("10.0.0.9:5070")

	d := NewOutboundDialog(invite, resp)
	if d.GetState() != StateConfirmed {
		t.Errorf("state = %s, want Confirmed", d.GetState())
	}
	if d.SourceHost() != "10.0.0.9" {
		t.Errorf("SourceHost() = %q, want 10.0.0.9", d.SourceHost())
	}
	if string(d.RemoteSDP()) != testSDP {
		t.Errorf("RemoteSDP() = %q, want the answer", d.RemoteSDP())
	}

	bye, err := d.BuildRequest(sip.BYE, sip.Uri{Scheme: "sip", Host: "10.0.0.1"})
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}
	if bye.Recipient.Host != "10.0.0.9" || bye.Recipient.User != "desk" {
		t.Errorf("Recipient = %s, want the answer's Contact", bye.Recipient.String())
	}
	if tag, _ := bye.To().Params.Get("tag"); tag != "remote9" {
		t.Errorf("To tag = %q, want remote9", tag)
	}
}

func TestManagerDestroyUnanswered(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	d, err := m.CreateFromInvite(newInvite("call-1"), nil)
	if err != nil {
		t.Fatalf("CreateFromInvite() error = %v", err)
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}

	var causes []call.TerminationCause
	d.OnTerminated(func(c call.TerminationCause) { causes = append(causes, c) })

	var seen []string
	m.SetOnTerminated(func(d *Dialog) { seen = append(seen, d.CallID) })

	ctx := context.Background()
	if err := d.Destroy(ctx); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if err := d.Destroy(ctx); err != nil {
		t.Fatalf("second Destroy() error = %v", err)
	}

	if len(causes) != 1 || causes[0] != call.CauseLocal {
		t.Errorf("termination causes = %v, want [local]", causes)
	}
	if len(seen) != 1 {
		t.Errorf("manager callback ran %d times, want 1", len(seen))
	}
	if !d.IsTerminated() {
		t.Error("IsTerminated() = false after Destroy")
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d after Destroy, want 0", m.Count())
	}
	if d.Context().Err() == nil {
		t.Error("dialog context not canceled")
	}

	late := false
	d.OnTerminated(func(call.TerminationCause) { late = true })
	if !late {
		t.Error("OnTerminated after end did not run immediately")
	}
	if s := d.Summary(); s.TerminateReason != "local" || s.Direction != "inbound" {
		t.Errorf("Summary() = %+v", s)
	}
}

func TestDuplicateInviteReturnsExisting(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	first, _ := m.CreateFromInvite(newInvite("call-1"), nil)
	second, _ := m.CreateFromInvite(newInvite("call-1"), nil)
	if first != second {
		t.Error("retransmitted INVITE created a second dialog")
	}

	_ = first.Destroy(context.Background())
	third, _ := m.CreateFromInvite(newInvite("call-1"), nil)
	if third == first {
		t.Error("INVITE after termination reused the ended dialog")
	}
}

func TestAnsweredDestroyWithoutClient(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	d, _ := m.CreateFromInvite(newInvite("call-1"), nil)
	confirm(t, d)

	err := d.Destroy(context.Background())
	if !errors.Is(err, ErrNoClient) {
		t.Errorf("Destroy() error = %v, want ErrNoClient", err)
	}
	if !d.IsTerminated() {
		t.Error("dialog not terminated after a failed BYE")
	}
}

func TestReferRequiresConfirmedDialog(t *testing.T) {
	m := NewManager(nil, nil)
	defer m.Close()

	d, _ := m.CreateFromInvite(newInvite("call-1"), nil)
	req := call.ReferRequest{ReferTo: "<sip:1000@10.0.0.5>"}
	if err := d.Refer(context.Background(), req); err == nil {
		t.Error("Refer() on an unanswered dialog succeeded")
	}

	confirm(t, d)
	if err := d.Refer(context.Background(), req); !errors.Is(err, ErrNoClient) {
		t.Errorf("Refer() error = %v, want ErrNoClient", err)
	}
}

func TestParseNotify(t *testing.T) {
	req := sip.NewRequest(sip.NOTIFY, sip.Uri{Scheme: "sip", Host: "10.0.0.1"})
	req.AppendHeader(sip.NewHeader("Event", "refer"))
	req.AppendHeader(sip.NewHeader("Subscription-State", "terminated;reason=noresource"))
	req.SetBody([]byte("SIP/2.0 200 OK\r\n"))

	n := ParseNotify(req)
	if n.Event != "refer" {
		t.Errorf("Event = %q, want refer", n.Event)
	}
	if !n.Terminated() {
		t.Errorf("Terminated() = false for %q", n.SubscriptionState)
	}
	if n.StatusLine != "SIP/2.0 200 OK" {
		t.Errorf("StatusLine = %q", n.StatusLine)
	}
}

func TestNotifyDelivery(t *testing.T) {
	d := NewDialog(newInvite("call-1"), nil)
	var got []call.Notify
	d.OnNotify(func(n call.Notify) { got = append(got, n) })
	d.deliverNotify(call.Notify{SubscriptionState: "active"})
	if len(got) != 1 || got[0].SubscriptionState != "active" {
		t.Errorf("delivered = %v", got)
	}
}

func TestParseMedia(t *testing.T) {
	m, err := ParseMedia([]byte(testSDP))
	if err != nil {
		t.Fatalf("ParseMedia() error = %v", err)
	}
	if m.Addr != "10.0.0.5" || m.Port != 4000 {
		t.Errorf("ParseMedia() = %s:%d, want 10.0.0.5:4000", m.Addr, m.Port)
	}
	if len(m.Codecs) != 2 || m.Codecs[0] != "0" {
		t.Errorf("Codecs = %v, want [0 8]", m.Codecs)
	}

	for _, body := range []string{"", "not sdp", "v=0\r\no=- 1 1 IN IP4 1.2.3.4\r\ns=-\r\nt=0 0\r\n"} {
		if _, err := ParseMedia([]byte(body)); err == nil {
			t.Errorf("ParseMedia(%q) succeeded", body)
		}
	}
}
