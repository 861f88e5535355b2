package session

import (
	"context"
	"sync/atomic"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

// dialogHandle destroys its dialog at most once. It also counts as destroyed
// once the dialog reports termination on its own.
type dialogHandle struct {
	call.Dialog
	destroyed atomic.Bool
}

func newDialogHandle(d call.Dialog) *dialogHandle {
	h := &dialogHandle{Dialog: d}
	d.OnTerminated(func(call.TerminationCause) { h.destroyed.Store(true) })
	return h
}

func (h *dialogHandle) Destroy(ctx context.Context) error {
	if !h.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	return h.Dialog.Destroy(ctx)
}

func (h *dialogHandle) Destroyed() bool {
	return h.destroyed.Load()
}

func (h *dialogHandle) Refer(ctx context.Context, req call.ReferRequest) error {
	if h.Destroyed() {
		return call.ErrDestroyed
	}
	return h.Dialog.Refer(ctx, req)
}

// endpointHandle destroys its endpoint at most once and refuses commands
// after that.
type endpointHandle struct {
	call.Endpoint
	destroyed atomic.Bool
}

func newEndpointHandle(ep call.Endpoint) *endpointHandle {
	h := &endpointHandle{Endpoint: ep}
	ep.OnTerminated(func(call.TerminationCause) { h.destroyed.Store(true) })
	return h
}

func (h *endpointHandle) Destroy(ctx context.Context) error {
	if !h.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	return h.Endpoint.Destroy(ctx)
}

func (h *endpointHandle) Destroyed() bool {
	return h.destroyed.Load()
}

func (h *endpointHandle) Play(ctx context.Context, source string) error {
	if h.Destroyed() {
		return call.ErrDestroyed
	}
	return h.Endpoint.Play(ctx, source)
}

func (h *endpointHandle) Speak(ctx context.Context, req call.SpeakRequest) error {
	if h.Destroyed() {
		return call.ErrDestroyed
	}
	return h.Endpoint.Speak(ctx, req)
}

func (h *endpointHandle) StartFeature(ctx context.Context, name string, args ...string) error {
	if h.Destroyed() {
		return call.ErrDestroyed
	}
	return h.Endpoint.StartFeature(ctx, name, args...)
}

func (h *endpointHandle) StopFeature(ctx context.Context, name string) error {
	if h.Destroyed() {
		return call.ErrDestroyed
	}
	return h.Endpoint.StopFeature(ctx, name)
}
