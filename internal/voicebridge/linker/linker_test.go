package linker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/sebas/voicebridge/internal/voicebridge/call"
)

type fakeLeg struct {
	id string

	mu        sync.Mutex
	destroys  int
	ended     bool
	callbacks []func(call.TerminationCause)
}

func newLeg(id string) *fakeLeg { return &fakeLeg{id: id} }

func (f *fakeLeg) ID() string { return f.id }

func (f *fakeLeg) Destroy(ctx context.Context) error {
	f.mu.Lock()
	f.destroys++
	if f.ended {
		f.mu.Unlock()
		return nil
	}
	f.ended = true
	cbs := f.callbacks
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(call.CauseLocal)
	}
	return nil
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

func TestLinkPropagatesOnce(t *testing.T) {
	l := New()
	a, b := newLeg("a"), newLeg("b")

	if err := l.Link(a, b); err != nil {
		t.Fatalf("Link() error = %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}

	_ = a.Destroy(context.Background())

	if got := b.destroyCount(); got != 1 {
		t.Errorf("b destroyed %d times, want 1", got)
	}
	if l.Len() != 0 {
		t.Errorf("Len() after propagation = %d, want 0", l.Len())
	}
	if _, ok := l.Peer("a"); ok {
		t.Errorf("Peer(a) still present")
	}
	if _, ok := l.Peer("b"); ok {
		t.Errorf("Peer(b) still present")
	}

	_ = b.Destroy(context.Background())
	if got := a.destroyCount(); got != 1 {
		t.Errorf("a destroyed %d times after b re-destroy, want 1", got)
	}
}

func TestUnlinkStopsPropagation(t *testing.T) {
	l := New()
	a, b := newLeg("a"), newLeg("b")
	_ = l.Link(a, b)

	peer, ok := l.Unlink(b)
	if !ok || peer.ID() != "a" {
		t.Fatalf("Unlink(b) = %v, %v", peer, ok)
	}

	_ = a.Destroy(context.Background())
	if got := b.destroyCount(); got != 0 {
		t.Errorf("b destroyed %d times after unlink, want 0", got)
	}
}

func TestRelinkAfterUnlink(t *testing.T) {
	l := New()
	dlg, ep, other := newLeg("dialog"), newLeg("endpoint"), newLeg("dialog-b")

	_ = l.Link(dlg, ep)
	l.Unlink(ep)
	_ = ep.Destroy(context.Background())
	if got := dlg.destroyCount(); got != 0 {
		t.Fatalf("dialog destroyed by unlinked endpoint")
	}

	if err := l.Link(dlg, other); err != nil {
		t.Fatalf("Link(dialog, dialog-b) error = %v", err)
	}
	_ = other.Destroy(context.Background())

	if got := dlg.destroyCount(); got != 1 {
		t.Errorf("dialog destroyed %d times, want 1", got)
	}
}

func TestLinkErrors(t *testing.T) {
	l := New()
	a, b, c := newLeg("a"), newLeg("b"), newLeg("c")

	if err := l.Link(a, a); !errors.Is(err, ErrSelfLink) {
		t.Errorf("Link(a, a) = %v, want ErrSelfLink", err)
	}
	_ = l.Link(a, b)
	if err := l.Link(c, b); !errors.Is(err, ErrAlreadyLinked) {
		t.Errorf("Link(c, b) = %v, want ErrAlreadyLinked", err)
	}
	if err := l.Link(a, c); !errors.Is(err, ErrAlreadyLinked) {
		t.Errorf("Link(a, c) = %v, want ErrAlreadyLinked", err)
	}
}

func TestLinkAlreadyEndedLeg(t *testing.T) {
	l := New()
	a, b := newLeg("a"), newLeg("b")
	_ = a.Destroy(context.Background())

	_ = l.Link(a, b)
	if got := b.destroyCount(); got != 1 {
		t.Errorf("b destroyed %d times, want 1", got)
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
}

func TestConcurrentPairs(t *testing.T) {
	l := New()
	const n = 50
	legs := make([][2]*fakeLeg, n)
	for i := range legs {
		legs[i] = [2]*fakeLeg{newLeg(fmt.Sprintf("a%d", i)), newLeg(fmt.Sprintf("b%d", i))}
	}

	var wg sync.WaitGroup
	for i := range legs {
		wg.Add(1)
		go func(pair [2]*fakeLeg) {
			defer wg.Done()
			if err := l.Link(pair[0], pair[1]); err != nil {
				t.Errorf("Link() error = %v", err)
				return
			}
			var inner sync.WaitGroup
			for _, leg := range pair {
				inner.Add(1)
				go func(leg *fakeLeg) {
					defer inner.Done()
					_ = leg.Destroy(context.Background())
				}(leg)
			}
			inner.Wait()
		}(legs[i])
	}
	wg.Wait()

	for _, pair := range legs {
		for _, leg := range pair {
			if got := leg.destroyCount(); got < 1 || got > 2 {
				t.Errorf("%s destroyed %d times", leg.id, got)
			}
		}
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d, want 0", l.Len())
	}
}
