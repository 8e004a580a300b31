// Package httpapi is the request/response surface of the battle service: invites, lobbies,
// turns, reference data and battle history as JSON over HTTP.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"arena/cmd/internal/archive"
	"arena/cmd/internal/battle"
	"arena/cmd/internal/dex"
	"arena/cmd/internal/fault"
	"arena/cmd/internal/invite"
	"arena/cmd/internal/lobby"
	v1 "arena/shared/contracts/battle/v1"
)

const (
	Prefix = "/api/battle"

	DefaultMaxBodyBytes = 64 << 10

	joinRevertTimeout = 5 * time.Second
)

// Invites is the part of the invite registry the API drives.
type Invites interface {
	Create(ctx context.Context, in invite.CreateInput) (battle.Invite, error)
	Get(ctx context.Context, code string) (battle.Invite, error)
	Join(ctx context.Context, in invite.JoinInput) (battle.Invite, error)
	Cancel(ctx context.Context, code, requesterID string) (battle.Invite, error)
	Unjoin(ctx context.Context, code, guestID string) (bool, error)
	ListActive(ctx context.Context) ([]battle.Invite, error)
	Stats(ctx context.Context) (invite.Stats, error)
}

// Lobbies is the part of the lobby manager the API drives.
type Lobbies interface {
	CreateFromInvite(ctx context.Context, inv battle.Invite) (v1.LobbySnapshot, error)
	Start(ctx context.Context, lobbyID, requesterID string) (v1.LobbySnapshot, error)
	ExecuteTurn(ctx context.Context, in lobby.TurnInput) (lobby.TurnOutcome, error)
	Forfeit(ctx context.Context, lobbyID, playerID string) (v1.LobbySnapshot, error)
	Get(ctx context.Context, lobbyID string) (v1.LobbySnapshot, error)
	ListActive(ctx context.Context) ([]v1.LobbySummary, error)
	Stats(ctx context.Context) (lobby.Stats, error)
}

// History lists archived results.
type History interface {
	ListByPlayer(ctx context.Context, playerID string, limit int) ([]archive.Result, error)
}

// ConnectionCounter reports live push-channel connections.
type ConnectionCounter interface {
	Connections() int
}

// Handler wires HTTP endpoints to the invite registry and the lobby manager.
type Handler struct {
	log     *slog.Logger
	invites Invites
	lobbies Lobbies
	catalog dex.Catalog
	history History
	conns   ConnectionCounter

	baseURL      string
	maxBodyBytes int64
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithHistory enables GET /history.
func WithHistory(hs History) HandlerOption {
	return func(h *Handler) {
		if hs != nil {
			h.history = hs
		}
	}
}

// WithConnectionCounter adds the live connection count to GET /stats.
func WithConnectionCounter(c ConnectionCounter) HandlerOption {
	return func(h *Handler) {
		if c != nil {
			h.conns = c
		}
	}
}

// WithPublicBaseURL sets the origin used to build invite links.
func WithPublicBaseURL(u string) HandlerOption {
	return func(h *Handler) {
		h.baseURL = strings.TrimRight(strings.TrimSpace(u), "/")
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, invites Invites, lobbies Lobbies, catalog dex.Catalog, opts ...HandlerOption) (*Handler, error) {
	if invites == nil || lobbies == nil || catalog == nil {
		return nil, errors.New("httpapi: invites, lobbies and catalog are required")
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &Handler{
		log:          log,
		invites:      invites,
		lobbies:      lobbies,
		catalog:      catalog,
		baseURL:      "http://localhost:5173",
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires the battle routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST "+Prefix+"/invite", h.handleCreateInvite)
	mux.HandleFunc("GET "+Prefix+"/invite/{code}", h.handleGetInvite)
	mux.HandleFunc("DELETE "+Prefix+"/invite/{code}", h.handleCancelInvite)
	mux.HandleFunc("GET "+Prefix+"/invites", h.handleListInvites)
	mux.HandleFunc("POST "+Prefix+"/join", h.handleJoin)
	mux.HandleFunc("POST "+Prefix+"/start", h.handleStart)
	mux.HandleFunc("POST "+Prefix+"/turn", h.handleTurn)
	mux.HandleFunc("POST "+Prefix+"/forfeit", h.handleForfeit)
	mux.HandleFunc("GET "+Prefix+"/lobby/{id}", h.handleGetLobby)
	mux.HandleFunc("GET "+Prefix+"/lobbies", h.handleListLobbies)
	mux.HandleFunc("GET "+Prefix+"/combatants", h.handleListCombatants)
	mux.HandleFunc("GET "+Prefix+"/combatants/{id}", h.handleGetCombatant)
	mux.HandleFunc("GET "+Prefix+"/actions", h.handleListActions)
	mux.HandleFunc("GET "+Prefix+"/stats", h.handleStats)
	mux.HandleFunc("GET "+Prefix+"/history", h.handleHistory)
}

func (h *Handler) inviteLink(code string) string {
	return h.baseURL + "/battle/invite/" + code
}

// ---- invites ----

func (h *Handler) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	var req createInviteRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.invites.Create(r.Context(), invite.CreateInput{
		HostPlayerID: req.PlayerID,
		CombatantID:  req.CombatantID,
	})
	if err != nil {
		writeFault(w, h.log, "invite.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toInviteResponse(inv))
}

func (h *Handler) handleGetInvite(w http.ResponseWriter, r *http.Request) {
	inv, err := h.invites.Get(r.Context(), r.PathValue("code"))
	if err != nil {
		writeFault(w, h.log, "invite.get", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toInviteResponse(inv))
}

func (h *Handler) handleCancelInvite(w http.ResponseWriter, r *http.Request) {
	var req cancelInviteRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.invites.Cancel(r.Context(), r.PathValue("code"), req.RequesterID)
	if err != nil {
		writeFault(w, h.log, "invite.cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, h.toInviteResponse(inv))
}

func (h *Handler) handleListInvites(w http.ResponseWriter, r *http.Request) {
	all, err := h.invites.ListActive(r.Context())
	if err != nil {
		writeFault(w, h.log, "invite.list", err)
		return
	}
	out := invitesResponse{Invites: make([]inviteResponse, 0, len(all))}
	for _, inv := range all {
		out.Invites = append(out.Invites, h.toInviteResponse(inv))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleJoin seats the guest and forms the lobby in one request.
func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !h.decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	inv, err := h.invites.Join(ctx, invite.JoinInput{
		Code:          req.InviteCode,
		GuestPlayerID: req.PlayerID,
		CombatantID:   req.CombatantID,
	})
	if err != nil {
		writeFault(w, h.log, "invite.join", err)
		return
	}
	snap, err := h.lobbies.CreateFromInvite(ctx, inv)
	if err != nil {
		if snap, ok := h.settleJoin(r, inv); ok {
			writeJSON(w, http.StatusCreated, lobbyResponse{Lobby: snap})
			return
		}
		writeFault(w, h.log, "lobby.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, lobbyResponse{Lobby: snap})
}

// settleJoin runs after the guest was seated but the lobby create failed. If the lobby
// exists after all it is returned; otherwise the seat is released so the invite can be
// joined again. It runs on a context detached from the request, which may already be gone.
func (h *Handler) settleJoin(r *http.Request, inv battle.Invite) (v1.LobbySnapshot, bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), joinRevertTimeout)
	defer cancel()

	snap, err := h.lobbies.Get(ctx, inv.ID)
	if err == nil {
		return snap, true
	}
	if fault.KindOf(err) != fault.NotFound {
		h.log.Error("api.invite.join.settle.fail", "code", inv.Code, "lobby_id", inv.ID, "err", err)
		return v1.LobbySnapshot{}, false
	}
	if _, err := h.invites.Unjoin(ctx, inv.Code, inv.Guest.PlayerID); err != nil {
		h.log.Error("api.invite.unjoin.fail", "code", inv.Code, "err", err)
	}
	return v1.LobbySnapshot{}, false
}

// ---- lobbies ----

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	snap, err := h.lobbies.Start(r.Context(), strings.TrimSpace(req.LobbyID), strings.TrimSpace(req.PlayerID))
	if err != nil {
		writeFault(w, h.log, "lobby.start", err)
		return
	}
	writeJSON(w, http.StatusOK, lobbyResponse{Lobby: snap})
}

func (h *Handler) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.lobbies.ExecuteTurn(r.Context(), lobby.TurnInput{
		LobbyID:  strings.TrimSpace(req.LobbyID),
		PlayerID: strings.TrimSpace(req.PlayerID),
		ActionID: strings.TrimSpace(req.ActionID),
	})
	if err != nil {
		writeFault(w, h.log, "lobby.turn", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleForfeit(w http.ResponseWriter, r *http.Request) {
	var req forfeitRequest
	if !h.decode(w, r, &req) {
		return
	}
	snap, err := h.lobbies.Forfeit(r.Context(), strings.TrimSpace(req.LobbyID), strings.TrimSpace(req.PlayerID))
	if err != nil {
		writeFault(w, h.log, "lobby.forfeit", err)
		return
	}
	writeJSON(w, http.StatusOK, lobbyResponse{Lobby: snap})
}

func (h *Handler) handleGetLobby(w http.ResponseWriter, r *http.Request) {
	snap, err := h.lobbies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, h.log, "lobby.get", err)
		return
	}
	writeJSON(w, http.StatusOK, lobbyResponse{Lobby: snap})
}

func (h *Handler) handleListLobbies(w http.ResponseWriter, r *http.Request) {
	all, err := h.lobbies.ListActive(r.Context())
	if err != nil {
		writeFault(w, h.log, "lobby.list", err)
		return
	}
	writeJSON(w, http.StatusOK, lobbiesResponse{Lobbies: all})
}

// ---- reference data ----

func (h *Handler) handleListCombatants(w http.ResponseWriter, r *http.Request) {
	all, err := h.catalog.Combatants(r.Context())
	if err != nil {
		writeFault(w, h.log, "dex.combatants", err)
		return
	}
	out := combatantsResponse{Combatants: make([]v1.CombatantView, 0, len(all))}
	for _, c := range all {
		out.Combatants = append(out.Combatants, lobby.CombatantView(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetCombatant(w http.ResponseWriter, r *http.Request) {
	c, err := h.catalog.Combatant(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFault(w, h.log, "dex.combatant", err)
		return
	}
	writeJSON(w, http.StatusOK, combatantResponse{Combatant: lobby.CombatantView(c)})
}

func (h *Handler) handleListActions(w http.ResponseWriter, r *http.Request) {
	all, err := h.catalog.Actions(r.Context())
	if err != nil {
		writeFault(w, h.log, "dex.actions", err)
		return
	}
	out := actionsResponse{Actions: make([]v1.ActionView, 0, len(all))}
	for _, a := range all {
		out.Actions = append(out.Actions, lobby.ActionView(a, a.MaxUses))
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- stats & history ----

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	is, err := h.invites.Stats(ctx)
	if err != nil {
		writeFault(w, h.log, "stats.invites", err)
		return
	}
	ls, err := h.lobbies.Stats(ctx)
	if err != nil {
		writeFault(w, h.log, "stats.lobbies", err)
		return
	}
	out := statsResponse{Invites: is, Lobbies: ls}
	if h.conns != nil {
		out.Connections = h.conns.Connections()
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "archive_unavailable", "battle archive not configured")
		return
	}
	q := r.URL.Query()
	player := strings.TrimSpace(q.Get("player"))
	if player == "" {
		writeError(w, http.StatusBadRequest, fault.InvalidArgument.Code(), "player is required")
		return
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fault.InvalidArgument.Code(), "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	results, err := h.history.ListByPlayer(r.Context(), player, limit)
	if err != nil {
		writeFault(w, h.log, "history.list", err)
		return
	}
	if results == nil {
		results = []archive.Result{}
	}
	writeJSON(w, http.StatusOK, historyResponse{PlayerID: player, Results: results})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, h.maxBodyBytes, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return false
	}
	return true
}
