package store

import (
	"context"
	"errors"
	"sort"

	types "github.com/sebas/voicebridge/api/types/v1"
)

// ErrNotFound is returned when no snapshot exists for a call.
var ErrNotFound = errors.New("session not found")

// SessionRepository stores the latest snapshot of each live call session.
// Implementations: MemoryRepository (default), RedisRepository (shared).
type SessionRepository interface {
	Save(ctx context.Context, s types.Session) error
	Get(ctx context.Context, callID string) (types.Session, error)
	List(ctx context.Context) ([]types.Session, error)
	Delete(ctx context.Context, callID string) error
	Close() error
}

func sortByStart(sessions []types.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt == sessions[j].StartedAt {
			return sessions[i].CallID < sessions[j].CallID
		}
		return sessions[i].StartedAt < sessions[j].StartedAt
	})
}
