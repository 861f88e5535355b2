package store

import (
	"context"
	"time"

	types "github.com/sebas/voicebridge/api/types/v1"
)

// MemoryRepository keeps snapshots in a TTLStore.
type MemoryRepository struct {
	items *TTLStore[string, types.Session]
	ttl   time.Duration
}

// NewMemoryRepository creates a repository whose snapshots expire after ttl
// unless saved again.
func NewMemoryRepository(ttl time.Duration) *MemoryRepository {
	return &MemoryRepository{
		items: NewTTLStore[string, types.Session](time.Minute),
		ttl:   ttl,
	}
}

func (r *MemoryRepository) Save(_ context.Context, s types.Session) error {
	r.items.Set(s.CallID, s, r.ttl)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, callID string) (types.Session, error) {
	s, ok := r.items.Get(callID)
	if !ok {
		return types.Session{}, ErrNotFound
	}
	return s, nil
}

func (r *MemoryRepository) List(_ context.Context) ([]types.Session, error) {
	out := make([]types.Session, 0, r.items.Len())
	r.items.ForEach(func(_ string, s types.Session) bool {
		out = append(out, s)
		return true
	})
	sortByStart(out)
	return out, nil
}

func (r *MemoryRepository) Delete(_ context.Context, callID string) error {
	r.items.Delete(callID)
	return nil
}

func (r *MemoryRepository) Close() error {
	r.items.Close()
	return nil
}
