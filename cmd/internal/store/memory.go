package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"arena/cmd/internal/battle"
	"arena/cmd/internal/fault"
)

type memRow[T any] struct {
	value   T
	version Version
}

// memTable clones on the way in and on the way out, so callers never share memory with a stored row.
type memTable[T Cloner[T]] struct {
	name string

	mu   sync.RWMutex
	rows map[string]memRow[T]
	seq  Version
}

func newMemTable[T Cloner[T]](name string) *memTable[T] {
	return &memTable[T]{name: name, rows: make(map[string]memRow[T])}
}

func (t *memTable[T]) next() Version {
	t.seq++
	return t.seq
}

func (t *memTable[T]) Get(ctx context.Context, key string) (T, Version, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, 0, err
	}
	t.mu.RLock()
	row, ok := t.rows[key]
	t.mu.RUnlock()
	if !ok {
		return zero, 0, fault.New(fault.NotFound, t.name+".get", fmt.Sprintf("%s %q not found", t.name, key))
	}
	return row.value.Clone(), row.version, nil
}

func (t *memTable[T]) Insert(ctx context.Context, key string, v T) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[key]; ok {
		return 0, fault.New(fault.Conflict, t.name+".insert", fmt.Sprintf("%s %q already exists", t.name, key))
	}
	ver := t.next()
	t.rows[key] = memRow[T]{value: v.Clone(), version: ver}
	return ver, nil
}

func (t *memTable[T]) Put(ctx context.Context, key string, v T) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ver := t.next()
	t.rows[key] = memRow[T]{value: v.Clone(), version: ver}
	return ver, nil
}

func (t *memTable[T]) CompareAndSwap(ctx context.Context, key string, expected Version, v T) (Version, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[key]
	if !ok {
		return 0, fault.New(fault.NotFound, t.name+".cas", fmt.Sprintf("%s %q not found", t.name, key))
	}
	if row.version != expected {
		return 0, ErrVersionMismatch
	}
	ver := t.next()
	t.rows[key] = memRow[T]{value: v.Clone(), version: ver}
	return ver, nil
}

func (t *memTable[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.rows, key)
	t.mu.Unlock()
	return nil
}

// List returns every row ordered by key.
func (t *memTable[T]) List(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	keys := make([]string, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.rows[k].value.Clone())
	}
	t.mu.RUnlock()
	return out, nil
}

// Memory is the in-process Store.
type Memory struct {
	invites *memTable[battle.Invite]
	lobbies *memTable[battle.Lobby]
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		invites: newMemTable[battle.Invite]("invite"),
		lobbies: newMemTable[battle.Lobby]("lobby"),
	}
}

func (m *Memory) Invites() Table[battle.Invite] { return m.invites }
func (m *Memory) Lobbies() Table[battle.Lobby] { return m.lobbies }
func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }
func (m *Memory) Close() error { return nil }
