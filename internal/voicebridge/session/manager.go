package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	types "github.com/sebas/voicebridge/api/types/v1"
	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

// Counters are process-wide session statistics.
type Counters struct {
	Accepted        atomic.Int64
	Transfers       atomic.Int64
	FailedTransfers atomic.Int64
}

// Manager creates and tracks the orchestrators of live calls.
type Manager struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Orchestrator
}

// NewManager creates a Manager. Every session it accepts shares opts.
func NewManager(opts Options) *Manager {
	if opts.Counters == nil {
		opts.Counters = &Counters{}
	}
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*Orchestrator),
	}
}

// Accept is the call-accept callback: it starts an orchestrator for a newly
// bridged inbound call.
func (m *Manager) Accept(dlg call.Dialog, ep call.Endpoint) *Orchestrator {
	o := newOrchestrator(dlg, ep, m.opts)
	o.onClose = m.remove

	m.mu.Lock()
	m.sessions[o.CallID()] = o
	m.mu.Unlock()
	m.opts.Counters.Accepted.Add(1)

	o.OnBridged()
	return o
}

func (m *Manager) remove(o *Orchestrator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[o.CallID()]; ok && cur == o {
		delete(m.sessions, o.CallID())
	}
}

// Get returns the session for a call id.
func (m *Manager) Get(callID string) (*Orchestrator, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.sessions[callID]
	return o, ok
}

// Snapshot returns the state of one live session.
func (m *Manager) Snapshot(callID string) (types.Session, bool) {
	o, ok := m.Get(callID)
	if !ok {
		return types.Session{}, false
	}
	return o.Snapshot(), true
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Counters returns the shared statistics.
func (m *Manager) Counters() *Counters {
	return m.opts.Counters
}

// Snapshots returns the state of every live session, oldest first.
func (m *Manager) Snapshots() []types.Session {
	m.mu.RLock()
	out := make([]types.Session, 0, len(m.sessions))
	for _, o := range m.sessions {
		out = append(out, o.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt == out[j].StartedAt {
			return out[i].CallID < out[j].CallID
		}
		return out[i].StartedAt < out[j].StartedAt
	})
	return out
}

// HangupAll ends every live session and waits for teardown or ctx.
func (m *Manager) HangupAll(ctx context.Context) error {
	m.mu.RLock()
	live := make([]*Orchestrator, 0, len(m.sessions))
	for _, o := range m.sessions {
		live = append(live, o)
	}
	m.mu.RUnlock()

	for _, o := range live {
		o.Hangup()
	}
	for _, o := range live {
		select {
		case <-o.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
