package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

// Handler receives one decoded event.
type Handler func(Event)

// Adapter is the per-endpoint dispatch table. It holds at most one handler
// per kind and delivers events one at a time in the order they were received.
type Adapter struct {
	mu       sync.Mutex
	handlers map[Kind]Handler
	log      *slog.Logger
}

// NewAdapter creates an empty dispatch table.
func NewAdapter(log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		handlers: make(map[Kind]Handler),
		log:      log,
	}
}

// Handle registers h for kind, replacing any previous handler.
func (a *Adapter) Handle(kind Kind, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[kind] = h
}

// Attach makes a the endpoint's event listener.
func (a *Adapter) Attach(ep call.Endpoint) {
	ep.OnEvent(a.Dispatch)
}

// Dispatch decodes raw and runs the handler for its kind. Decode failures,
// unknown kinds and handler panics are logged and never propagate.
func (a *Adapter) Dispatch(raw call.RawEvent) {
	ev, err := Decode(raw)
	if err != nil {
		a.log.Warn("[Events] Dropping undecodable event", "name", raw.Name, "error", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	h, ok := a.handlers[ev.Kind]
	if !ok {
		a.log.Debug("[Events] Ignoring event", "name", raw.Name, "kind", ev.Kind)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			a.log.Error("[Events] Handler panicked", "name", raw.Name, "kind", ev.Kind, "panic", fmt.Sprint(r))
		}
	}()
	h(ev)
}
