// Package invite is the invite registry: it issues shareable codes, seats exactly one guest
// per invite, and expires invites nobody claimed.
package invite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"arena/cmd/internal/battle"
	"arena/cmd/internal/fault"
	"arena/cmd/internal/ids"
	"arena/cmd/internal/store"
	"arena/cmd/internal/telemetry"
)

const (
	DefaultTTL = 15 * time.Minute

	maxIDLength      = 64
	maxCodeAttempts  = 10
	maxSwapAttempts  = 8
	expireCallbackTO = 5 * time.Second
)

// Deferrer schedules a one-shot callback and returns a func that cancels it.
type Deferrer interface {
	After(d time.Duration, fn func()) (cancel func())
}

// CombatantCheck validates a combatant id against reference data.
type CombatantCheck func(ctx context.Context, id string) error

// CreateInput describes invite creation.
type CreateInput struct {
	HostPlayerID string
	CombatantID  string
	Now          time.Time
}

// JoinInput describes a guest claiming an invite.
type JoinInput struct {
	Code          string
	GuestPlayerID string
	CombatantID   string
	Now           time.Time
}

// Stats counts stored invites per status.
type Stats struct {
	Total     int `json:"total"`
	Waiting   int `json:"waiting"`
	Ready     int `json:"ready"`
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
}

// Registry manages invite creation, lookup, joining, cancellation and expiry.
//
// Every state change is a compare-and-swap against the stored record, so two guests racing
// for the same code serialize on the version check and only the first write lands.
type Registry struct {
	invites store.Table[battle.Invite]
	log     *slog.Logger
	metrics *telemetry.Metrics

	ttl       time.Duration
	now       func() time.Time
	newCode   CodeGenerator
	deferrer  Deferrer
	combatant CombatantCheck

	mu      sync.Mutex
	pending map[string]func()
}

// Option configures the Registry.
type Option func(*Registry) error

// WithTTL sets the expiry window.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) error {
		if ttl <= 0 {
			return ErrInvalidInput
		}
		r.ttl = ttl
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) error {
		if now == nil {
			return ErrInvalidInput
		}
		r.now = now
		return nil
	}
}

// WithCodeGenerator overrides invite code generation.
func WithCodeGenerator(gen CodeGenerator) Option {
	return func(r *Registry) error {
		if gen == nil {
			return ErrInvalidInput
		}
		r.newCode = gen
		return nil
	}
}

// WithDeferrer enables automatic expiry callbacks. Without one, invites still expire lazily
// on lookup and during sweeps.
func WithDeferrer(d Deferrer) Option {
	return func(r *Registry) error {
		r.deferrer = d
		return nil
	}
}

// WithCombatantCheck validates combatant ids on create and join.
func WithCombatantCheck(check CombatantCheck) Option {
	return func(r *Registry) error {
		r.combatant = check
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) error {
		if log != nil {
			r.log = log
		}
		return nil
	}
}

// WithMetrics records invite events.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Registry) error {
		r.metrics = m
		return nil
	}
}

// NewRegistry constructs a Registry over the invite table.
func NewRegistry(invites store.Table[battle.Invite], opts ...Option) (*Registry, error) {
	if invites == nil {
		return nil, ErrInvalidInput
	}
	r := &Registry{
		invites: invites,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		ttl:     DefaultTTL,
		now:     func() time.Time { return time.Now().UTC() },
		newCode: NewCode,
		pending: make(map[string]func()),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// TTL returns the configured expiry window.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Create issues a new invite for the host and schedules its expiry.
func (r *Registry) Create(ctx context.Context, in CreateInput) (battle.Invite, error) {
	host, err := cleanID(in.HostPlayerID)
	if err != nil {
		return battle.Invite{}, err
	}
	combatant, err := cleanID(in.CombatantID)
	if err != nil {
		return battle.Invite{}, err
	}
	if err := r.checkCombatant(ctx, combatant); err != nil {
		return battle.Invite{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = r.now()
	}
	id, err := ids.NewULID(now)
	if err != nil {
		return battle.Invite{}, fault.Wrap(fault.Internal, "invite.create", err)
	}

	inv := battle.Invite{
		ID:         id,
		Host:       battle.Entry{PlayerID: host, CombatantID: combatant, JoinedAt: now},
		CreatedAt:  now,
		ExpiresAt:  now.Add(r.ttl),
		Status:     battle.InviteWaiting,
		MaxPlayers: battle.MaxPlayers,
	}

	for attempt := 0; ; attempt++ {
		if attempt >= maxCodeAttempts {
			return battle.Invite{}, fault.New(fault.Internal, "invite.create", "could not allocate a unique code")
		}
		code, err := r.newCode()
		if err != nil {
			return battle.Invite{}, fault.Wrap(fault.Internal, "invite.create", err)
		}
		inv.Code = code
		_, err = r.invites.Insert(ctx, code, inv)
		if errors.Is(err, fault.Conflict) {
			r.log.Debug("invite.code.collision", "code", code, "attempt", attempt)
			continue
		}
		if err != nil {
			return battle.Invite{}, fmt.Errorf("invite create: %w", err)
		}
		break
	}

	r.scheduleExpiry(inv.Code, inv.ExpiresAt.Sub(r.now()))
	r.metrics.InviteEvent("created")
	r.log.Info("invite.create", "code", inv.Code, "host", host, "combatant", combatant, "expires_at", inv.ExpiresAt)
	return inv, nil
}

// Get returns the invite for code. Past-expiry invites are removed and reported as expired.
func (r *Registry) Get(ctx context.Context, code string) (battle.Invite, error) {
	code = NormalizeCode(code)
	if code == "" {
		return battle.Invite{}, ErrInvalidInput
	}
	inv, _, err := r.invites.Get(ctx, code)
	if errors.Is(err, fault.NotFound) {
		return battle.Invite{}, ErrNotFound
	}
	if err != nil {
		return battle.Invite{}, fmt.Errorf("invite get: %w", err)
	}

	if inv.Status == battle.InviteExpired || inv.PastExpiry(r.now()) {
		if err := r.invites.Delete(ctx, code); err != nil {
			r.log.Warn("invite.lazy_delete.fail", "code", code, "err", err)
		}
		r.cancelExpiry(code)
		return battle.Invite{}, ErrExpired
	}
	if inv.Status == battle.InviteCancelled {
		return battle.Invite{}, ErrCancelled
	}
	return inv, nil
}

// Join seats the guest and marks the invite ready. Only the first of several concurrent
// joiners succeeds; the rest observe the filled slot and fail with a conflict.
func (r *Registry) Join(ctx context.Context, in JoinInput) (battle.Invite, error) {
	code := NormalizeCode(in.Code)
	if code == "" {
		return battle.Invite{}, ErrInvalidInput
	}
	guest, err := cleanID(in.GuestPlayerID)
	if err != nil {
		return battle.Invite{}, err
	}
	combatant, err := cleanID(in.CombatantID)
	if err != nil {
		return battle.Invite{}, err
	}
	if err := r.checkCombatant(ctx, combatant); err != nil {
		return battle.Invite{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = r.now()
	}

	next, err := r.update(ctx, "join", code, func(inv *battle.Invite) error {
		switch {
		case inv.Status == battle.InviteCancelled:
			return ErrCancelled
		case inv.Status == battle.InviteExpired || inv.PastExpiry(now):
			return ErrExpired
		case inv.Host.PlayerID == guest:
			return ErrSelfJoin
		case inv.Guest != nil || inv.Status != battle.InviteWaiting:
			return ErrTaken
		}
		inv.Guest = &battle.Entry{PlayerID: guest, CombatantID: combatant, JoinedAt: now}
		inv.Status = battle.InviteReady
		return nil
	})
	if err != nil {
		r.metrics.OperationError("invite.join", string(fault.KindOf(err)))
		return battle.Invite{}, err
	}

	r.cancelExpiry(code)
	r.metrics.InviteEvent("joined")
	r.log.Info("invite.join", "code", code, "guest", guest, "combatant", combatant)
	return next, nil
}

// Cancel withdraws a waiting invite. Only the host may cancel; cancelling twice is a no-op.
func (r *Registry) Cancel(ctx context.Context, code, requesterID string) (battle.Invite, error) {
	code = NormalizeCode(code)
	if code == "" {
		return battle.Invite{}, ErrInvalidInput
	}
	requester, err := cleanID(requesterID)
	if err != nil {
		return battle.Invite{}, err
	}

	next, err := r.update(ctx, "cancel", code, func(inv *battle.Invite) error {
		if inv.Host.PlayerID != requester {
			return ErrNotHost
		}
		switch inv.Status {
		case battle.InviteCancelled:
			return errNoChange
		case battle.InviteExpired:
			return ErrExpired
		case battle.InviteReady:
			return ErrNotWaiting
		}
		inv.Status = battle.InviteCancelled
		return nil
	})
	if err != nil {
		return battle.Invite{}, err
	}

	r.cancelExpiry(code)
	r.metrics.InviteEvent("cancelled")
	r.log.Info("invite.cancel", "code", code, "host", requester)
	return next, nil
}

// Unjoin reverts a join whose lobby could not be formed. The guest seat is cleared and the
// invite goes back to waiting, or to expired when its deadline has passed meanwhile. It
// reports whether a revert happened; an invite seated with a different guest is left alone.
func (r *Registry) Unjoin(ctx context.Context, code, guestID string) (bool, error) {
	code = NormalizeCode(code)
	if code == "" {
		return false, ErrInvalidInput
	}
	guest, err := cleanID(guestID)
	if err != nil {
		return false, err
	}

	now := r.now()
	changed := true
	next, err := r.update(ctx, "unjoin", code, func(inv *battle.Invite) error {
		if inv.Status != battle.InviteReady || inv.Guest == nil || inv.Guest.PlayerID != guest {
			changed = false
			return errNoChange
		}
		inv.Guest = nil
		inv.Status = battle.InviteWaiting
		if inv.PastExpiry(now) {
			inv.Status = battle.InviteExpired
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}

	if next.Status == battle.InviteWaiting {
		r.scheduleExpiry(code, next.ExpiresAt.Sub(now))
	}
	r.metrics.InviteEvent("unjoined")
	r.log.Info("invite.unjoin", "code", code, "guest", guest, "status", next.Status)
	return true, nil
}

// Expire moves a still-waiting invite to expired. It reports whether a transition happened.
func (r *Registry) Expire(ctx context.Context, code string) (bool, error) {
	changed := true
	_, err := r.update(ctx, "expire", code, func(inv *battle.Invite) error {
		if inv.Status != battle.InviteWaiting {
			changed = false
			return errNoChange
		}
		inv.Status = battle.InviteExpired
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if changed {
		r.metrics.InviteEvent("expired")
		r.log.Info("invite.expire", "code", code)
	}
	return changed, nil
}

// Remove deletes an invite record outright.
func (r *Registry) Remove(ctx context.Context, code string) error {
	r.cancelExpiry(code)
	return r.invites.Delete(ctx, code)
}

// ListActive returns invites that can still be joined, oldest first.
func (r *Registry) ListActive(ctx context.Context) ([]battle.Invite, error) {
	all, err := r.invites.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("invite list: %w", err)
	}
	now := r.now()
	out := make([]battle.Invite, 0, len(all))
	for _, inv := range all {
		if inv.Joinable(now) {
			out = append(out, inv)
		}
	}
	sortByCreated(out)
	return out, nil
}

// Stats counts stored invites per status.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	all, err := r.invites.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("invite stats: %w", err)
	}
	s := Stats{Total: len(all)}
	for _, inv := range all {
		switch inv.Status {
		case battle.InviteWaiting:
			s.Waiting++
		case battle.InviteReady:
			s.Ready++
		case battle.InviteExpired:
			s.Expired++
		case battle.InviteCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}

// Sweep deletes expired, cancelled and past-expiry invites and returns how many it removed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	all, err := r.invites.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("invite sweep: %w", err)
	}
	now := r.now()
	removed := 0
	for _, inv := range all {
		if inv.Status != battle.InviteExpired && inv.Status != battle.InviteCancelled && !inv.PastExpiry(now) {
			continue
		}
		if err := r.Remove(ctx, inv.Code); err != nil {
			return removed, fmt.Errorf("invite sweep delete %s: %w", inv.Code, err)
		}
		removed++
	}
	r.metrics.Swept("invite", removed)
	if removed > 0 {
		r.log.Info("invite.sweep", "removed", removed)
	}
	return removed, nil
}

// errNoChange aborts an update without writing and without failing.
var errNoChange = errors.New("invite: no change")

// update runs mutate against the latest stored record and writes it back with a
// compare-and-swap, retrying when another writer got there first.
func (r *Registry) update(ctx context.Context, op, code string, mutate func(*battle.Invite) error) (battle.Invite, error) {
	for attempt := 0; attempt < maxSwapAttempts; attempt++ {
		cur, ver, err := r.invites.Get(ctx, code)
		if errors.Is(err, fault.NotFound) {
			return battle.Invite{}, ErrNotFound
		}
		if err != nil {
			return battle.Invite{}, fmt.Errorf("invite %s: %w", op, err)
		}

		next := cur.Clone()
		if err := mutate(&next); err != nil {
			if errors.Is(err, errNoChange) {
				return cur, nil
			}
			return battle.Invite{}, err
		}

		_, err = r.invites.CompareAndSwap(ctx, code, ver, next)
		switch {
		case err == nil:
			return next, nil
		case errors.Is(err, store.ErrVersionMismatch):
			continue
		case errors.Is(err, fault.NotFound):
			return battle.Invite{}, ErrNotFound
		default:
			return battle.Invite{}, fmt.Errorf("invite %s: %w", op, err)
		}
	}
	return battle.Invite{}, fault.New(fault.Conflict, "invite."+op, "invite is being modified concurrently")
}

func (r *Registry) scheduleExpiry(code string, in time.Duration) {
	if r.deferrer == nil {
		return
	}
	cancel := r.deferrer.After(max(in, 0), func() {
		r.mu.Lock()
		delete(r.pending, code)
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), expireCallbackTO)
		defer cancel()
		if _, err := r.Expire(ctx, code); err != nil {
			r.log.Error("invite.expire.fail", "code", code, "err", err)
		}
	})

	r.mu.Lock()
	r.pending[code] = cancel
	r.mu.Unlock()
}

func (r *Registry) cancelExpiry(code string) {
	r.mu.Lock()
	cancel, ok := r.pending[code]
	delete(r.pending, code)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *Registry) checkCombatant(ctx context.Context, id string) error {
	if r.combatant == nil {
		return nil
	}
	if err := r.combatant(ctx, id); err != nil {
		if errors.Is(err, fault.NotFound) {
			return fault.New(fault.InvalidArgument, "invite", fmt.Sprintf("unknown combatant %q", id))
		}
		return err
	}
	return nil
}

func cleanID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > maxIDLength {
		return "", ErrInvalidInput
	}
	return s, nil
}

func sortByCreated(in []battle.Invite) {
	slices.SortStableFunc(in, func(a, b battle.Invite) int { return a.CreatedAt.Compare(b.CreatedAt) })
}
