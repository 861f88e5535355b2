package dialog

import (
	"context"
	"errors"
	"testing"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

func TestBuildINVITE(t *testing.T) {
	o := NewOriginator(OriginatorConfig{AdvertiseAddr: "10.0.0.1", Port: 5060})
	req := call.OriginateRequest{Target: "sip:1000@10.0.0.5", CallerID: "alice", SDP: []byte(testSDP)}

	invite, err := o.buildINVITE(req, "call-b", "tag1")
	if err != nil {
		t.Fatalf("buildINVITE() error = %v", err)
	}
	if invite.Recipient.User != "1000" || invite.Recipient.Host != "10.0.0.5" {
		t.Errorf("Recipient = %s", invite.Recipient.String())
	}
	if invite.From().Address.User != "alice" || invite.From().Address.Host != "10.0.0.1" {
		t.Errorf("From = %s", invite.From().Address.String())
	}
	if tag, _ := invite.From().Params.Get("tag"); tag != "tag1" {
		t.Errorf("From tag = %q, want tag1", tag)
	}
	if got := string(*invite.CallID()); got != "call-b" {
		t.Errorf("Call-ID = %q, want call-b", got)
	}
	if string(invite.Body()) != testSDP {
		t.Error("INVITE does not carry the offered SDP")
	}
	if ct := invite.GetHeader("Content-Type"); ct == nil || ct.Value() != "application/sdp" {
		t.Errorf("Content-Type = %v", ct)
	}
}

func TestOriginateWithoutClient(t *testing.T) {
	o := NewOriginator(OriginatorConfig{AdvertiseAddr: "10.0.0.1", Port: 5060})

	_, err := o.Originate(context.Background(), call.OriginateRequest{Target: "sip:1000@10.0.0.5"})
	var oe *call.OriginateError
	if !errors.As(err, &oe) || !errors.Is(err, ErrNoClient) {
		t.Errorf("Originate() without client error = %v", err)
	}
}
