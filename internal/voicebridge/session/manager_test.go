package session

import (
	"context"
	"testing"
	"time"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

func TestManagerAcceptAndHangupAll(t *testing.T) {
	m := NewManager(Options{Flow: testFlow("dialogflow"), Logger: quietLogger()})

	d1, e1 := newFakeDialog("call-1"), newFakeEndpoint("ep-1")
	d2, e2 := newFakeDialog("call-2"), newFakeEndpoint("ep-2")
	m.Accept(d1, e1)
	m.Accept(d2, e2)

	if got := m.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	if got := m.Counters().Accepted.Load(); got != 2 {
		t.Errorf("Accepted = %d, want 2", got)
	}
	if _, ok := m.Get("call-2"); !ok {
		t.Error("Get(call-2) not found")
	}
	snaps := m.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("Snapshots() len = %d, want 2", len(snaps))
	}
	if snaps[0].CallID != "call-1" || snaps[1].CallID != "call-2" {
		t.Errorf("Snapshots() order = %s, %s", snaps[0].CallID, snaps[1].CallID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.HangupAll(ctx); err != nil {
		t.Fatalf("HangupAll() error = %v", err)
	}
	if got := m.Count(); got != 0 {
		t.Errorf("Count() after HangupAll = %d, want 0", got)
	}
	for _, leg := range []*fakeLeg{&d1.fakeLeg, &e1.fakeLeg, &d2.fakeLeg, &e2.fakeLeg} {
		assertExactlyOnce(t, leg.id, leg)
	}
}

func TestManagerForgetsEndedCalls(t *testing.T) {
	m := NewManager(Options{Flow: testFlow("dialogflow"), Logger: quietLogger()})
	d, e := newFakeDialog("call-1"), newFakeEndpoint("ep-1")
	o := m.Accept(d, e)

	d.end(call.CauseRemote)
	waitDone(t, o)
	if _, ok := m.Get("call-1"); ok {
		t.Error("Get(call-1) found after the call ended")
	}
}
