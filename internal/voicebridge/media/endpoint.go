package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

// Endpoint is a media endpoint on a remote server. It implements
// call.Endpoint.
type Endpoint struct {
	id     string
	callID string
	client *Client

	// ctx is cancelled when the endpoint ends; it aborts outstanding
	// playback and the event stream.
	ctx    context.Context
	cancel context.CancelFunc

	ending atomic.Bool

	mu        sync.Mutex
	ended     bool
	cause     call.TerminationCause
	callbacks []func(call.TerminationCause)
	listener  func(call.RawEvent)
	backlog   []call.RawEvent

	onRelease func(*Endpoint)
}

var _ call.Endpoint = (*Endpoint)(nil)

func newEndpoint(client *Client, id, callID string) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		id:     id,
		callID: callID,
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the server-assigned endpoint id.
func (e *Endpoint) ID() string {
	return e.id
}

// CallID returns the call the endpoint was created for.
func (e *Endpoint) CallID() string {
	return e.callID
}

// Server returns the address of the media server that owns the endpoint.
func (e *Endpoint) Server() string {
	return e.client.Address()
}

// Play blocks until playback completes, the context ends, or the endpoint
// is destroyed.
func (e *Endpoint) Play(ctx context.Context, source string) error {
	ctx, cancel, err := e.commandContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return e.result(e.client.Play(ctx, e.id, source))
}

// Speak blocks until the synthesized prompt has played.
func (e *Endpoint) Speak(ctx context.Context, req call.SpeakRequest) error {
	ctx, cancel, err := e.commandContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return e.result(e.client.Speak(ctx, e.id, req))
}

func (e *Endpoint) StartFeature(ctx context.Context, name string, args ...string) error {
	ctx, cancel, err := e.commandContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return e.result(e.client.StartFeature(ctx, e.id, name, args))
}

func (e *Endpoint) StopFeature(ctx context.Context, name string) error {
	ctx, cancel, err := e.commandContext(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return e.result(e.client.StopFeature(ctx, e.id, name))
}

// commandContext derives a context that is also cancelled when the endpoint
// ends.
func (e *Endpoint) commandContext(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if e.ending.Load() {
		return nil, nil, call.ErrDestroyed
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}, nil
}

// result reports ErrDestroyed for commands cut short by teardown.
func (e *Endpoint) result(err error) error {
	if err != nil && e.ctx.Err() != nil && !errors.Is(err, call.ErrDestroyed) {
		return call.ErrDestroyed
	}
	return err
}

// Destroy releases the endpoint on the server and fires the termination
// callbacks. Only the first call does any work.
func (e *Endpoint) Destroy(ctx context.Context) error {
	if !e.ending.CompareAndSwap(false, true) {
		return nil
	}
	err := e.client.DestroyEndpoint(ctx, e.id)
	if errors.Is(err, call.ErrDestroyed) {
		err = nil
	}
	if err != nil {
		slog.Warn("[Media] Destroy endpoint failed", "endpoint_id", e.id, "call_id", e.callID, "error", err)
	}
	e.markTerminated(call.CauseLocal)
	return err
}

// OnTerminated registers fn to run once when the endpoint ends. If it has
// already ended, fn runs immediately.
func (e *Endpoint) OnTerminated(fn func(call.TerminationCause)) {
	e.mu.Lock()
	if e.ended {
		cause := e.cause
		e.mu.Unlock()
		fn(cause)
		return
	}
	e.callbacks = append(e.callbacks, fn)
	e.mu.Unlock()
}

// OnEvent installs the event listener. Events that arrived before a
// listener was installed are delivered first.
func (e *Endpoint) OnEvent(fn func(call.RawEvent)) {
	e.mu.Lock()
	e.listener = fn
	backlog := e.backlog
	e.backlog = nil
	e.mu.Unlock()
	for _, ev := range backlog {
		fn(ev)
	}
}

// IsTerminated reports whether the endpoint has ended.
func (e *Endpoint) IsTerminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ended
}

// deliver hands ev to the listener, or buffers it until one is installed.
func (e *Endpoint) deliver(ev call.RawEvent) {
	e.mu.Lock()
	fn := e.listener
	if fn == nil {
		e.backlog = append(e.backlog, ev)
	}
	e.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// readEvents pumps the server's event stream until it ends. A stream that
// ends while the endpoint is still live means the server released it.
func (e *Endpoint) readEvents(stream EventStream) {
	for {
		ev, err := stream.Recv()
		if err != nil {
			if e.ctx.Err() != nil {
				return
			}
			if err != io.EOF && status.Code(err) != codes.NotFound {
				slog.Warn("[Media] Event stream failed", "endpoint_id", e.id, "call_id", e.callID, "error", err)
			} else {
				slog.Info("[Media] Endpoint released by server", "endpoint_id", e.id, "call_id", e.callID)
			}
			if e.ending.CompareAndSwap(false, true) {
				e.markTerminated(call.CauseRemote)
			}
			return
		}
		slog.Debug("[Media] Event", "endpoint_id", e.id, "name", ev.Name)
		e.deliver(ev)
	}
}

func (e *Endpoint) markTerminated(cause call.TerminationCause) {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return
	}
	e.ended = true
	e.cause = cause
	callbacks := e.callbacks
	e.callbacks = nil
	e.listener = nil
	e.backlog = nil
	e.mu.Unlock()

	e.cancel()
	if e.onRelease != nil {
		e.onRelease(e)
	}
	for _, fn := range callbacks {
		fn(cause)
	}
}
