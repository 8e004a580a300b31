package archive

import (
	"context"
	"slices"
	"sync"

	"arena/cmd/internal/battle"
)

const memMaxResults = 10_000

// MemoryStore is the fallback when no database is configured.
type MemoryStore struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	results []Result // ordered by archive time
}

// NewMemoryStore constructs an in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

// Close is a noop.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Archive(ctx context.Context, l battle.Lobby) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := FromLobby(l)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[r.LobbyID]; ok {
		return nil
	}
	s.seen[r.LobbyID] = struct{}{}
	s.results = append(s.results, r)

	// Bound memory in long-running dev processes.
	if len(s.results) > memMaxResults {
		drop := s.results[:len(s.results)-memMaxResults]
		for _, d := range drop {
			delete(s.seen, d.LobbyID)
		}
		s.results = slices.Clone(s.results[len(s.results)-memMaxResults:])
	}
	return nil
}

// ListByPlayer returns the newest results involving playerID first.
func (s *MemoryStore) ListByPlayer(ctx context.Context, playerID string, limit int) ([]Result, error) {
	playerID, limit, err := normalizeQuery(playerID, limit)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var out []Result
	for _, r := range s.results {
		if r.Involves(playerID) {
			r.Turns = slices.Clone(r.Turns)
			out = append(out, r)
		}
	}
	s.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Result) int { return b.FinishedAt.Compare(a.FinishedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
