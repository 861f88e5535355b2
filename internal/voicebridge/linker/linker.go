// Package linker pairs call legs so that the first termination of either one
// destroys the other exactly once.
package linker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

var (
	// ErrAlreadyLinked is returned when either leg already has a peer.
	ErrAlreadyLinked = errors.New("leg already linked")
	// ErrSelfLink is returned when both sides are the same leg.
	ErrSelfLink = errors.New("cannot link a leg to itself")
)

// Linker holds the pairwise binding table shared by all calls.
type Linker struct {
	mu      sync.Mutex
	peers   map[string]call.Leg
	watched map[string]struct{}

	destroyTimeout time.Duration
}

// New creates an empty Linker.
func New() *Linker {
	return &Linker{
		peers:          make(map[string]call.Leg),
		watched:        make(map[string]struct{}),
		destroyTimeout: 5 * time.Second,
	}
}

// Link binds a and b. Both table entries are written under one lock so no
// observer sees a half-set pair.
func (l *Linker) Link(a, b call.Leg) error {
	if a == nil || b == nil {
		return errors.New("nil leg")
	}
	if a.ID() == b.ID() {
		return ErrSelfLink
	}

	l.mu.Lock()
	if _, ok := l.peers[a.ID()]; ok {
		l.mu.Unlock()
		return ErrAlreadyLinked
	}
	if _, ok := l.peers[b.ID()]; ok {
		l.mu.Unlock()
		return ErrAlreadyLinked
	}
	l.peers[a.ID()] = b
	l.peers[b.ID()] = a
	watchA := l.markWatched(a.ID())
	watchB := l.markWatched(b.ID())
	l.mu.Unlock()

	slog.Debug("[Linker] Linked", "a", a.ID(), "b", b.ID())

	// Registered outside the lock: a leg that already ended fires immediately.
	if watchA {
		a.OnTerminated(l.terminationHandler(a.ID()))
	}
	if watchB {
		b.OnTerminated(l.terminationHandler(b.ID()))
	}
	return nil
}

// markWatched reports whether a termination callback must be installed for id.
// Requires l.mu held.
func (l *Linker) markWatched(id string) bool {
	if _, ok := l.watched[id]; ok {
		return false
	}
	l.watched[id] = struct{}{}
	return true
}

// Unlink removes the pair containing leg without destroying anything and
// returns the former peer.
func (l *Linker) Unlink(leg call.Leg) (call.Leg, bool) {
	peer, ok := l.sever(leg.ID())
	if ok {
		slog.Debug("[Linker] Unlinked", "a", leg.ID(), "b", peer.ID())
	}
	return peer, ok
}

// Peer returns the leg currently linked to id.
func (l *Linker) Peer(id string) (call.Leg, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	peer, ok := l.peers[id]
	return peer, ok
}

// Len returns the number of active pairs.
func (l *Linker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers) / 2
}

func (l *Linker) sever(id string) (call.Leg, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	peer, ok := l.peers[id]
	if !ok {
		return nil, false
	}
	delete(l.peers, id)
	delete(l.peers, peer.ID())
	return peer, true
}

func (l *Linker) terminationHandler(id string) func(call.TerminationCause) {
	return func(cause call.TerminationCause) {
		l.mu.Lock()
		delete(l.watched, id)
		l.mu.Unlock()

		peer, ok := l.sever(id)
		if !ok {
			return
		}

		slog.Info("[Linker] Leg ended, destroying peer", "leg", id, "peer", peer.ID(), "cause", cause)
		ctx, cancel := context.WithTimeout(context.Background(), l.destroyTimeout)
		defer cancel()
		if err := peer.Destroy(ctx); err != nil {
			slog.Warn("[Linker] Failed to destroy peer", "peer", peer.ID(), "error", err)
		}
	}
}
