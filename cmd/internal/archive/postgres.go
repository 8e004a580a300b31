package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"arena/cmd/internal/battle"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// PostgresStore does not own the pool; the caller closes it and Close is a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "arena").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("archive: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("archive: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "arena",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("archive: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the schema and the battles table if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	battles := pgIdent(s.schema, "battles")
	hostIdx := pgx.Identifier{"battles_host_idx"}.Sanitize()
	guestIdx := pgx.Identifier{"battles_guest_idx"}.Sanitize()

	_, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()+`;
CREATE TABLE IF NOT EXISTS `+battles+` (
  lobby_id        TEXT PRIMARY KEY,
  invite_code     TEXT NOT NULL,
  host_id         TEXT NOT NULL,
  guest_id        TEXT NOT NULL,
  host_combatant  TEXT NOT NULL,
  guest_combatant TEXT NOT NULL,
  winner          TEXT NOT NULL DEFAULT '',
  reason          TEXT NOT NULL,
  turn_count      INT  NOT NULL,
  turns           JSONB NOT NULL,
  started_at      TIMESTAMPTZ,
  finished_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS `+hostIdx+` ON `+battles+` (host_id, finished_at DESC);
CREATE INDEX IF NOT EXISTS `+guestIdx+` ON `+battles+` (guest_id, finished_at DESC);`)
	if err != nil {
		return fmt.Errorf("archive: ensure schema: %w", err)
	}
	return nil
}

// Archive inserts the result of a finished lobby. Re-archiving the same lobby is a no-op.
func (s *PostgresStore) Archive(ctx context.Context, l battle.Lobby) error {
	if s == nil || s.pool == nil {
		return errors.New("archive: nil store")
	}
	r, err := FromLobby(l)
	if err != nil {
		return err
	}
	turns, err := json.Marshal(r.Turns)
	if err != nil {
		return fmt.Errorf("archive: encode turns: %w", err)
	}

	var started *time.Time
	if !r.StartedAt.IsZero() {
		started = &r.StartedAt
	}

	battles := pgIdent(s.schema, "battles")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+battles+` (
		     lobby_id, invite_code, host_id, guest_id, host_combatant, guest_combatant,
		     winner, reason, turn_count, turns, started_at, finished_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (lobby_id) DO NOTHING`,
		r.LobbyID, r.InviteCode, r.HostID, r.GuestID, r.HostCombatant, r.GuestCombatant,
		r.Winner, r.Reason, r.TurnCount, turns, started, r.FinishedAt,
	); err != nil {
		return fmt.Errorf("archive: insert battle: %w", err)
	}
	return nil
}

// ListByPlayer returns the newest results involving playerID first.
func (s *PostgresStore) ListByPlayer(ctx context.Context, playerID string, limit int) ([]Result, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("archive: nil store")
	}
	playerID, limit, err := normalizeQuery(playerID, limit)
	if err != nil {
		return nil, err
	}

	battles := pgIdent(s.schema, "battles")
	rows, err := s.pool.Query(ctx,
		`SELECT lobby_id, invite_code, host_id, guest_id, host_combatant, guest_combatant,
		        winner, reason, turn_count, turns, started_at, finished_at
		   FROM `+battles+`
		  WHERE host_id = $1 OR guest_id = $1
		  ORDER BY finished_at DESC
		  LIMIT $2`,
		playerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Result, 0, limit)
	for rows.Next() {
		var (
			r       Result
			turns   []byte
			started *time.Time
		)
		if err := rows.Scan(
			&r.LobbyID,
			&r.InviteCode,
			&r.HostID,
			&r.GuestID,
			&r.HostCombatant,
			&r.GuestCombatant,
			&r.Winner,
			&r.Reason,
			&r.TurnCount,
			&turns,
			&started,
			&r.FinishedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(turns, &r.Turns); err != nil {
			return nil, fmt.Errorf("archive: decode turns: %w", err)
		}
		if started != nil {
			r.StartedAt = started.UTC()
		}
		r.FinishedAt = r.FinishedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
