// Package lobby is the lobby state machine. Each lobby is driven by its own actor goroutine:
// every operation on a lobby is a task in that actor's inbox, so reads, checks and writes of
// one lobby never interleave while different lobbies proceed in parallel.
package lobby

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
	"arena/cmd/internal/dex"
	"arena/cmd/internal/fault"
	"arena/cmd/internal/store"
	"arena/cmd/internal/telemetry"
	v1 "arena/shared/contracts/battle/v1"

	"golang.org/x/sync/errgroup"
)

// Publisher receives lobby events after they are committed, in lobby order.
type Publisher interface {
	Publish(lobbyID, eventType string, payload any)
}

// Archiver stores finished battles.
type Archiver interface {
	Archive(ctx context.Context, l battle.Lobby) error
}

// Config holds the per-lobby limits.
type Config struct {
	MaxTurns     int
	TurnDuration time.Duration
	IdleTTL      time.Duration
	LogCap       int
	LogTrimTo    int
	InboxSize    int
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxTurns:     50,
		TurnDuration: 30 * time.Second,
		IdleTTL:      time.Hour,
		LogCap:       battle.DefaultLogCap,
		LogTrimTo:    battle.DefaultLogTrimTo,
		InboxSize:    32,
	}
}

// TurnInput is one submitted action.
type TurnInput struct {
	LobbyID  string
	PlayerID string
	ActionID string
}

// TurnOutcome is the committed result of ExecuteTurn.
type TurnOutcome struct {
	Turn     v1.TurnView      `json:"turn"`
	NextTurn string           `json:"next_turn,omitempty"`
	Finished bool             `json:"finished"`
	Winner   string           `json:"winner,omitempty"`
	Lobby    v1.LobbySnapshot `json:"lobby"`
}

// Stats summarizes stored lobbies.
type Stats struct {
	Total        int `json:"total"`
	Ready        int `json:"ready"`
	Fighting     int `json:"fighting"`
	Finished     int `json:"finished"`
	AverageTurns int `json:"average_turns"`
}

type worker struct {
	id    string
	inbox chan func()
	quit  chan struct{}
	once  sync.Once

	// retired is only touched by the worker's own goroutine.
	retired bool
}

func (w *worker) stop() { w.once.Do(func() { close(w.quit) }) }

// Manager owns every lobby actor.
type Manager struct {
	lobbies store.Table[battle.Lobby]
	catalog dex.Catalog
	roll    dex.Roll
	pub     Publisher
	archive Archiver
	onReap  func(ctx context.Context, l battle.Lobby)
	log     *slog.Logger
	metrics *telemetry.Metrics
	cfg     Config
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

// Option configures the Manager.
type Option func(*Manager) error

// WithConfig overrides the per-lobby limits. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) error {
		def := DefaultConfig()
		if cfg.MaxTurns < 0 || cfg.IdleTTL < 0 || cfg.LogCap < 0 || cfg.LogTrimTo < 0 {
			return ErrInvalidInput
		}
		if cfg.MaxTurns == 0 {
			cfg.MaxTurns = def.MaxTurns
		}
		if cfg.TurnDuration <= 0 {
			cfg.TurnDuration = def.TurnDuration
		}
		if cfg.IdleTTL == 0 {
			cfg.IdleTTL = def.IdleTTL
		}
		if cfg.LogCap == 0 {
			cfg.LogCap = def.LogCap
		}
		if cfg.LogTrimTo == 0 {
			cfg.LogTrimTo = def.LogTrimTo
		}
		if cfg.InboxSize <= 0 {
			cfg.InboxSize = def.InboxSize
		}
		m.cfg = cfg
		return nil
	}
}

// WithRoll sets the damage roll source.
func WithRoll(r dex.Roll) Option {
	return func(m *Manager) error {
		if r == nil {
			return ErrInvalidInput
		}
		m.roll = r
		return nil
	}
}

// WithPublisher routes committed lobby events.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) error {
		m.pub = p
		return nil
	}
}

// WithArchiver records finished battles.
func WithArchiver(a Archiver) Option {
	return func(m *Manager) error {
		m.archive = a
		return nil
	}
}

// WithReapHook runs after a lobby is removed by Reap.
func WithReapHook(fn func(ctx context.Context, l battle.Lobby)) Option {
	return func(m *Manager) error {
		m.onReap = fn
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) error {
		if now == nil {
			return ErrInvalidInput
		}
		m.now = now
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) error {
		if log != nil {
			m.log = log
		}
		return nil
	}
}

// WithMetrics records lobby events.
func WithMetrics(mt *telemetry.Metrics) Option {
	return func(m *Manager) error {
		m.metrics = mt
		return nil
	}
}

// NewManager constructs a Manager over the lobby table and reference catalog.
func NewManager(lobbies store.Table[battle.Lobby], catalog dex.Catalog, opts ...Option) (*Manager, error) {
	if lobbies == nil || catalog == nil {
		return nil, ErrInvalidInput
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		lobbies: lobbies,
		catalog: catalog,
		roll:    dex.NewRandomRoll(0, 0),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:     DefaultConfig(),
		now:     func() time.Time { return time.Now().UTC() },
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(m); err != nil {
			cancel()
			return nil, err
		}
	}
	return m, nil
}

// Config returns the effective limits.
func (m *Manager) Config() Config { return m.cfg }

// CreateFromInvite forms a ready lobby from a ready invite. The lobby shares the invite's id.
// Both combatants are fetched from the catalog concurrently, outside any lobby actor.
func (m *Manager) CreateFromInvite(ctx context.Context, inv battle.Invite) (v1.LobbySnapshot, error) {
	if inv.Status != battle.InviteReady || inv.Guest == nil {
		return v1.LobbySnapshot{}, ErrInviteNotReady
	}

	var host, guest battle.Combatant
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		host, err = m.catalog.Combatant(gctx, inv.Host.CombatantID)
		return err
	})
	g.Go(func() (err error) {
		guest, err = m.catalog.Combatant(gctx, inv.Guest.CombatantID)
		return err
	})
	if err := g.Wait(); err != nil {
		return v1.LobbySnapshot{}, fmt.Errorf("lobby create: %w", err)
	}

	now := m.now()
	ps := []battle.Participant{
		{PlayerID: inv.Host.PlayerID, Position: 1, Ready: true, Combatant: host},
		{PlayerID: inv.Guest.PlayerID, Position: 2, Ready: true, Combatant: guest},
	}
	order := ComputeTurnOrder(ps)
	l := battle.Lobby{
		ID:           inv.ID,
		InviteCode:   inv.Code,
		Participants: ps,
		TurnOrder:    order,
		CurrentTurn:  order[0],
		Status:       battle.LobbyReady,
		Settings:     battle.Settings{MaxTurns: m.cfg.MaxTurns, TurnDuration: m.cfg.TurnDuration},
		Log:          battle.NewBattleLog(m.cfg.LogCap, m.cfg.LogTrimTo),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	l.Log.Append(now, fmt.Sprintf("%s (%s) and %s (%s) entered the lobby.",
		inv.Host.PlayerID, host.Name, inv.Guest.PlayerID, guest.Name))

	if _, err := m.lobbies.Insert(ctx, l.ID, l); err != nil {
		if errors.Is(err, fault.Conflict) {
			return v1.LobbySnapshot{}, ErrAlreadyExists
		}
		return v1.LobbySnapshot{}, fmt.Errorf("lobby create: %w", err)
	}
	if _, err := m.spawn(l.ID); err != nil {
		return v1.LobbySnapshot{}, err
	}

	m.metrics.LobbyEvent("created")
	m.log.Info("lobby.create", "lobby_id", l.ID, "invite_code", l.InviteCode, "turn_order", order)
	return Snapshot(l), nil
}

// Start moves a ready lobby into battle. requesterID may be empty; when set it must be a participant.
func (m *Manager) Start(ctx context.Context, lobbyID, requesterID string) (v1.LobbySnapshot, error) {
	var out battle.Lobby
	err := m.mutate(ctx, lobbyID, func(l *battle.Lobby, now time.Time) (func(), error) {
		if requesterID != "" {
			if _, ok := l.Participant(requesterID); !ok {
				return nil, ErrNotAParticipant
			}
		}
		if l.Status != battle.LobbyReady || len(l.Participants) != battle.MaxPlayers {
			return nil, ErrNotReady
		}
		for i := range l.Participants {
			l.Participants[i].Combatant.Reset()
		}
		l.Status = battle.LobbyFighting
		l.CurrentTurn = l.TurnOrder[0]
		l.StartedAt = now
		l.UpdatedAt = now
		l.Log.Append(now, "The battle has started!")
		if first, ok := l.Participant(l.CurrentTurn); ok {
			l.Log.Append(now, fmt.Sprintf("%s moves first!", first.Combatant.Name))
		}

		out = *l
		return func() {
			m.metrics.LobbyEvent("started")
			m.publish(l.ID, v1.TypeBattleStarted, v1.BattleStartedPayload{Lobby: Snapshot(out)})
		}, nil
	})
	if err != nil {
		m.metrics.OperationError("lobby.start", string(fault.KindOf(err)))
		return v1.LobbySnapshot{}, err
	}
	m.log.Info("lobby.start", "lobby_id", lobbyID, "first", out.CurrentTurn)
	return Snapshot(out), nil
}

// ExecuteTurn validates and resolves one action. Exactly one of several concurrent submissions
// for the same turn can succeed; the others see the advanced turn and fail.
func (m *Manager) ExecuteTurn(ctx context.Context, in TurnInput) (TurnOutcome, error) {
	if strings.TrimSpace(in.PlayerID) == "" || strings.TrimSpace(in.ActionID) == "" {
		return TurnOutcome{}, ErrInvalidInput
	}

	var (
		out battle.Lobby
		res turnResult
	)
	err := m.mutate(ctx, in.LobbyID, func(l *battle.Lobby, now time.Time) (func(), error) {
		r, err := resolve(l, in.PlayerID, in.ActionID, m.roll, now)
		if err != nil {
			return nil, err
		}
		res, out = r, *l
		return func() {
			snap := Snapshot(out)
			tv := TurnView(res.record)
			m.metrics.TurnResolved(string(res.record.Kind))
			m.publish(out.ID, v1.TypeTurnResolved, v1.TurnResolvedPayload{
				LobbyID:  out.ID,
				Turn:     tv,
				NextTurn: nextTurnOf(out),
				Lobby:    snap,
			})
			if res.finished {
				m.finished(out, &tv)
			}
		}, nil
	})
	if err != nil {
		m.metrics.OperationError("lobby.execute_turn", string(fault.KindOf(err)))
		return TurnOutcome{}, err
	}

	m.log.Info("lobby.turn.resolved",
		"lobby_id", in.LobbyID,
		"seq", res.record.Seq,
		"attacker", res.record.AttackerID,
		"action", res.record.ActionID,
		"damage", res.record.Damage,
		"finished", res.finished,
	)
	return TurnOutcome{
		Turn:     TurnView(res.record),
		NextTurn: nextTurnOf(out),
		Finished: res.finished,
		Winner:   out.Winner,
		Lobby:    Snapshot(out),
	}, nil
}

// EndBattle finishes a lobby with the given winner ("" for a draw). A second call on a
// finished lobby fails and changes nothing.
func (m *Manager) EndBattle(ctx context.Context, lobbyID, winnerID string, reason battle.EndReason) (v1.LobbySnapshot, error) {
	var out battle.Lobby
	err := m.mutate(ctx, lobbyID, func(l *battle.Lobby, now time.Time) (func(), error) {
		if l.Status == battle.LobbyFinished {
			return nil, ErrFinished
		}
		if winnerID != "" {
			if _, ok := l.Participant(winnerID); !ok {
				return nil, ErrParticipant
			}
		}
		finish(l, winnerID, reason, now)
		out = *l
		return func() { m.finished(out, nil) }, nil
	})
	if err != nil {
		return v1.LobbySnapshot{}, err
	}
	return Snapshot(out), nil
}

// Forfeit ends the lobby and awards the win to the other participant. If a lethal turn
// finished the battle first, Forfeit fails with an illegal-state error.
func (m *Manager) Forfeit(ctx context.Context, lobbyID, playerID string) (v1.LobbySnapshot, error) {
	var out battle.Lobby
	err := m.mutate(ctx, lobbyID, func(l *battle.Lobby, now time.Time) (func(), error) {
		if _, ok := l.Participant(playerID); !ok {
			return nil, ErrNotAParticipant
		}
		if l.Status == battle.LobbyFinished {
			return nil, ErrFinished
		}
		opp, _ := l.Opponent(playerID)
		finish(l, opp.PlayerID, battle.EndForfeit, now)
		out = *l
		return func() { m.finished(out, nil) }, nil
	})
	if err != nil {
		m.metrics.OperationError("lobby.forfeit", string(fault.KindOf(err)))
		return v1.LobbySnapshot{}, err
	}
	m.log.Info("lobby.forfeit", "lobby_id", lobbyID, "player", playerID, "winner", out.Winner)
	return Snapshot(out), nil
}

// ChooseAction checks that playerID could use actionID right now. It changes nothing.
func (m *Manager) ChooseAction(ctx context.Context, lobbyID, playerID, actionID string) (battle.Action, error) {
	var chosen battle.Action
	err := m.do(ctx, lobbyID, func() error {
		l, _, err := m.lobbies.Get(ctx, lobbyID)
		if err != nil {
			return m.mapStoreErr(err)
		}
		p, ok := l.Participant(playerID)
		if !ok {
			return ErrNotAParticipant
		}
		if l.Status != battle.LobbyFighting {
			return ErrNotFighting
		}
		slot, ok := p.Combatant.Slot(actionID)
		if !ok {
			return ErrUnknownAction
		}
		if slot.Remaining <= 0 {
			return ErrActionExhausted
		}
		chosen = slot.Action
		return nil
	})
	return chosen, err
}

// Get returns a snapshot of the lobby.
func (m *Manager) Get(ctx context.Context, lobbyID string) (v1.LobbySnapshot, error) {
	l, _, err := m.lobbies.Get(ctx, lobbyID)
	if err != nil {
		return v1.LobbySnapshot{}, m.mapStoreErr(err)
	}
	return Snapshot(l), nil
}

// FindByInviteCode returns the lobby formed from the invite with code.
func (m *Manager) FindByInviteCode(ctx context.Context, code string) (v1.LobbySnapshot, error) {
	all, err := m.lobbies.List(ctx)
	if err != nil {
		return v1.LobbySnapshot{}, fmt.Errorf("lobby find: %w", err)
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	for _, l := range all {
		if l.InviteCode == code {
			return Snapshot(l), nil
		}
	}
	return v1.LobbySnapshot{}, ErrNotFound
}

// ListActive returns summaries of lobbies that have not finished, oldest first.
func (m *Manager) ListActive(ctx context.Context) ([]v1.LobbySummary, error) {
	all, err := m.lobbies.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("lobby list: %w", err)
	}
	slices.SortStableFunc(all, func(a, b battle.Lobby) int { return a.CreatedAt.Compare(b.CreatedAt) })
	out := make([]v1.LobbySummary, 0, len(all))
	for _, l := range all {
		if l.Active() {
			out = append(out, Summary(l))
		}
	}
	return out, nil
}

// Stats counts stored lobbies per status.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	all, err := m.lobbies.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("lobby stats: %w", err)
	}
	s := Stats{Total: len(all)}
	turns := 0
	for _, l := range all {
		switch l.Status {
		case battle.LobbyReady:
			s.Ready++
		case battle.LobbyFighting:
			s.Fighting++
		case battle.LobbyFinished:
			s.Finished++
			turns += len(l.Turns)
		}
	}
	// Whole turns per finished battle, rounded down.
	if s.Finished > 0 {
		s.AverageTurns = turns / s.Finished
	}
	return s, nil
}

// Reap removes finished lobbies and lobbies idle longer than the idle TTL. Each removal
// runs inside the lobby's actor and re-checks the condition there.
func (m *Manager) Reap(ctx context.Context) (int, error) {
	all, err := m.lobbies.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("lobby reap: %w", err)
	}

	removed := 0
	for _, cand := range all {
		if !m.reapable(cand, m.now()) {
			continue
		}
		id := cand.ID
		var gone battle.Lobby
		err := m.do(ctx, id, func() error {
			l, _, err := m.lobbies.Get(ctx, id)
			if err != nil {
				return m.mapStoreErr(err)
			}
			if !m.reapable(l, m.now()) {
				return nil
			}
			if err := m.lobbies.Delete(ctx, id); err != nil {
				return err
			}
			gone = l
			m.retire(id)
			return nil
		})
		if errors.Is(err, fault.NotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("lobby reap %s: %w", id, err)
		}
		if gone.ID == "" {
			continue
		}
		removed++
		if m.onReap != nil {
			m.onReap(ctx, gone)
		}
		m.log.Info("lobby.reap", "lobby_id", id, "status", gone.Status)
	}
	m.metrics.Swept("lobby", removed)
	return removed, nil
}

// Close stops every actor and waits for in-flight archive writes.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) reapable(l battle.Lobby, now time.Time) bool {
	return l.Status == battle.LobbyFinished || now.Sub(l.IdleSince()) > m.cfg.IdleTTL
}

// mutate runs fn on a private copy of the lobby inside its actor and commits the copy with a
// compare-and-swap. The returned func runs after the commit, still inside the actor.
func (m *Manager) mutate(ctx context.Context, lobbyID string, fn func(l *battle.Lobby, now time.Time) (func(), error)) error {
	return m.do(ctx, lobbyID, func() error {
		cur, ver, err := m.lobbies.Get(ctx, lobbyID)
		if err != nil {
			return m.mapStoreErr(err)
		}
		next := cur.Clone()
		after, err := fn(&next, m.now())
		if err != nil {
			return err
		}
		if _, err := m.lobbies.CompareAndSwap(ctx, lobbyID, ver, next); err != nil {
			if errors.Is(err, store.ErrVersionMismatch) {
				return errOutsideWrite
			}
			return m.mapStoreErr(err)
		}
		if after != nil {
			after()
		}
		return nil
	})
}

// do runs fn in the lobby's actor and waits for it.
func (m *Manager) do(ctx context.Context, lobbyID string, fn func() error) error {
	w, err := m.workerFor(ctx, lobbyID)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	task := func() { errc <- m.safe(lobbyID, fn) }

	select {
	case w.inbox <- task:
	case <-w.quit:
		return ErrNotFound
	case <-m.ctx.Done():
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		select {
		case err := <-errc:
			return err
		default:
		}
		if m.ctx.Err() != nil {
			return ErrManagerClosed
		}
		return ErrNotFound
	}
}

func (m *Manager) safe(lobbyID string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("lobby.task.panic", "lobby_id", lobbyID, "panic", r)
			err = fault.New(fault.Internal, "lobby", fmt.Sprintf("task panicked: %v", r))
		}
	}()
	return fn()
}

func (m *Manager) workerFor(ctx context.Context, lobbyID string) (*worker, error) {
	if strings.TrimSpace(lobbyID) == "" {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	w, ok := m.workers[lobbyID]
	m.mu.Unlock()
	if ok {
		return w, nil
	}

	// No actor yet (for example after a restart against a shared store): spawn one only if
	// the lobby exists.
	if _, _, err := m.lobbies.Get(ctx, lobbyID); err != nil {
		return nil, m.mapStoreErr(err)
	}
	return m.spawn(lobbyID)
}

func (m *Manager) spawn(lobbyID string) (*worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if w, ok := m.workers[lobbyID]; ok {
		return w, nil
	}
	w := &worker{id: lobbyID, inbox: make(chan func(), m.cfg.InboxSize), quit: make(chan struct{})}
	m.workers[lobbyID] = w
	m.wg.Add(1)
	go m.run(w)
	m.metrics.ActiveLobbies(1)
	return w, nil
}

func (m *Manager) run(w *worker) {
	defer m.wg.Done()
	defer m.metrics.ActiveLobbies(-1)
	for {
		select {
		case <-m.ctx.Done():
			w.stop()
			return
		case <-w.quit:
			return
		case task := <-w.inbox:
			task()
			if w.retired {
				w.stop()
				return
			}
		}
	}
}

// retire removes the actor for lobbyID once the current task returns. Called from inside
// that actor.
func (m *Manager) retire(lobbyID string) {
	m.mu.Lock()
	w, ok := m.workers[lobbyID]
	delete(m.workers, lobbyID)
	m.mu.Unlock()
	if ok {
		w.retired = true
	}
}

func (m *Manager) finished(l battle.Lobby, turn *v1.TurnView) {
	m.metrics.LobbyEvent("finished_" + string(l.EndReason))
	m.publish(l.ID, v1.TypeBattleFinished, v1.BattleFinishedPayload{
		LobbyID:   l.ID,
		Winner:    l.Winner,
		Reason:    string(l.EndReason),
		Forfeited: l.EndReason == battle.EndForfeit,
		Turn:      turn,
		Lobby:     Snapshot(l),
	})
	m.log.Info("lobby.finish", "lobby_id", l.ID, "winner", l.Winner, "reason", l.EndReason, "turns", len(l.Turns))

	if m.archive == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.archive.Archive(ctx, l); err != nil {
			m.log.Error("lobby.archive.fail", "lobby_id", l.ID, "err", err)
		}
	}()
}

func (m *Manager) publish(lobbyID, typ string, payload any) {
	if m.pub != nil {
		m.pub.Publish(lobbyID, typ, payload)
	}
}

func (m *Manager) mapStoreErr(err error) error {
	if errors.Is(err, fault.NotFound) {
		return ErrNotFound
	}
	return err
}

func nextTurnOf(l battle.Lobby) string {
	if l.Status == battle.LobbyFinished {
		return ""
	}
	return l.CurrentTurn
}
