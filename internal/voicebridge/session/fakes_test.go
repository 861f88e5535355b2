package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	types "github.com/sebas/voicebridge/api/types/v1"
	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

type fakeLeg struct {
	id string

	mu        sync.Mutex
	destroys  int
	ended     bool
	callbacks []func(call.TerminationCause)
}

func (f *fakeLeg) ID() string { return f.id }

func (f *fakeLeg) Destroy(ctx context.Context) error {
	f.mu.Lock()
	f.destroys++
	f.mu.Unlock()
	f.end(call.CauseLocal)
	return nil
}

// end simulates the leg finishing, locally or from the far side.
func (f *fakeLeg) end(cause call.TerminationCause) {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		return
	}
	f.ended = true
	cbs := append([]func(call.TerminationCause){}, f.callbacks...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(cause)
	}
}

func (f *fakeLeg) OnTerminated(fn func(call.TerminationCause)) {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		fn(call.CauseLocal)
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

func (f *fakeLeg) destroyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroys
}

type fakeDialog struct {
	fakeLeg
	from, to, fromUser, source string
	sdp                        []byte

	referErr  error
	refers    []call.ReferRequest
	notifyFns []func(call.Notify)
}

func newFakeDialog(id string) *fakeDialog {
	return &fakeDialog{
		fakeLeg:  fakeLeg{id: id},
		from:     "sip:alice@10.0.0.5",
		to:       "sip:bot@10.0.0.1",
		fromUser: "alice",
		source:   "10.0.0.5",
		sdp:      []byte("v=0\r\no=- 1 1 IN IP4 10.0.0.5\r\n"),
	}
}

func (d *fakeDialog) From() string       { return d.from }
func (d *fakeDialog) To() string         { return d.to }
func (d *fakeDialog) FromUser() string   { return d.fromUser }
func (d *fakeDialog) SourceHost() string { return d.source }
func (d *fakeDialog) RemoteSDP() []byte  { return d.sdp }

func (d *fakeDialog) Refer(ctx context.Context, req call.ReferRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refers = append(d.refers, req)
	return d.referErr
}

func (d *fakeDialog) OnNotify(fn func(call.Notify)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifyFns = append(d.notifyFns, fn)
}

func (d *fakeDialog) notify(n call.Notify) {
	d.mu.Lock()
	fns := append([]func(call.Notify){}, d.notifyFns...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

func (d *fakeDialog) referCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.refers)
}

type fakeEndpoint struct {
	fakeLeg

	listener func(call.RawEvent)
	commands []string
	playGate chan struct{}
	speakErr error
	startErr error
}

func newFakeEndpoint(id string) *fakeEndpoint {
	return &fakeEndpoint{fakeLeg: fakeLeg{id: id}}
}

func (e *fakeEndpoint) record(cmd string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands = append(e.commands, cmd)
}

func (e *fakeEndpoint) Play(ctx context.Context, source string) error {
	e.record("play:" + source)
	e.mu.Lock()
	gate := e.playGate
	e.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *fakeEndpoint) Speak(ctx context.Context, req call.SpeakRequest) error {
	e.record("speak:" + req.Text)
	return e.speakErr
}

func (e *fakeEndpoint) StartFeature(ctx context.Context, name string, args ...string) error {
	e.record(strings.TrimSpace("start:" + name + " " + strings.Join(args, " ")))
	return e.startErr
}

func (e *fakeEndpoint) StopFeature(ctx context.Context, name string) error {
	e.record("stop:" + name)
	return nil
}

func (e *fakeEndpoint) OnEvent(fn func(call.RawEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = fn
}

func (e *fakeEndpoint) emit(name, body string) {
	e.mu.Lock()
	fn := e.listener
	e.mu.Unlock()
	if fn != nil {
		fn(call.RawEvent{Name: name, Body: []byte(body)})
	}
}

func (e *fakeEndpoint) commandList() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

type fakeOriginator struct {
	mu   sync.Mutex
	reqs []call.OriginateRequest
	leg  call.Dialog
	err  error
}

func (f *fakeOriginator) Originate(ctx context.Context, req call.OriginateRequest) (call.Dialog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.leg, nil
}

func (f *fakeOriginator) requests() []call.OriginateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call.OriginateRequest(nil), f.reqs...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	saves   int
	last    map[string]types.Session
	deleted []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{last: make(map[string]types.Session)}
}

func (r *fakeRecorder) Save(_ context.Context, s types.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
	r.last[s.CallID] = s
	return nil
}

func (r *fakeRecorder) Delete(_ context.Context, callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, callID)
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, o *Orchestrator) {
	t.Helper()
	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s did not end", o.CallID())
	}
}

// stateOf reads the loop-owned state from the loop.
func stateOf(t *testing.T, o *Orchestrator) State {
	t.Helper()
	var s State
	if !o.do(func() { s = o.state }) {
		t.Fatalf("session already ended")
	}
	return s
}

func hasCommand(cmds []string, want string) bool {
	for _, c := range cmds {
		if c == want {
			return true
		}
	}
	return false
}

func countPrefix(cmds []string, prefix string) int {
	n := 0
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func intentBody(responseID string, endInteraction bool, transferTo string) string {
	msgs := "[]"
	if transferTo != "" {
		msgs = fmt.Sprintf(`[{"platform":"TELEPHONY","telephony_transfer_call":{"phone_number":%q}}]`, transferTo)
	}
	return fmt.Sprintf(`{"response_id":%q,"query_result":{"intent":{"display_name":"x","end_interaction":%t},"fulfillment_messages":%s}}`,
		responseID, endInteraction, msgs)
}
