// Package store is the session store: keyed, versioned storage for invites and lobbies.
//
// Every record carries a Version that changes on each write. CompareAndSwap is the only
// conditional write; components build their check-and-set steps on top of it.
package store

import (
	"context"
	"errors"

	"arena/cmd/internal/battle"
)

// Version identifies one written state of a record. Versions never repeat within a table,
// so a record deleted and re-created never matches a stale expectation.
type Version uint64

// ErrVersionMismatch is returned by CompareAndSwap when the record changed since it was read.
var ErrVersionMismatch = errors.New("store: version mismatch")

// Table is a typed keyed collection.
//
// Get fails with fault.NotFound when the key is absent. Insert fails with fault.Conflict when
// the key already exists. Delete of an absent key is not an error.
type Table[T any] interface {
	Get(ctx context.Context, key string) (T, Version, error)
	Insert(ctx context.Context, key string, v T) (Version, error)
	Put(ctx context.Context, key string, v T) (Version, error)
	CompareAndSwap(ctx context.Context, key string, expected Version, v T) (Version, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]T, error)
}

// Store owns the invite and lobby tables.
type Store interface {
	Invites() Table[battle.Invite]
	Lobbies() Table[battle.Lobby]
	Ping(ctx context.Context) error
	Close() error
}

// Cloner is satisfied by records that can produce an unaliased copy of themselves.
type Cloner[T any] interface {
	Clone() T
}
