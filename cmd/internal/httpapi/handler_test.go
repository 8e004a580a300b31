package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"arena/cmd/internal/archive"
	"arena/cmd/internal/battle"
	"arena/cmd/internal/dex"
	"arena/cmd/internal/invite"
	"arena/cmd/internal/lobby"
	"arena/cmd/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mux     *http.ServeMux
	history *archive.MemoryStore
}

type fixedConns int

func (c fixedConns) Connections() int { return int(c) }

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st := store.NewMemory()
	cat, err := dex.NewStaticCatalog()
	require.NoError(t, err)

	var seq atomic.Int32
	reg, err := invite.NewRegistry(st.Invites(),
		invite.WithCodeGenerator(func() (string, error) {
			return fmt.Sprintf("BEEF-%04d", seq.Add(1)), nil
		}),
		invite.WithCombatantCheck(func(ctx context.Context, id string) error {
			_, err := cat.Combatant(ctx, id)
			return err
		}),
	)
	require.NoError(t, err)

	history := archive.NewMemoryStore()
	mgr, err := lobby.NewManager(st.Lobbies(), cat,
		lobby.WithRoll(dex.FixedRoll{V: 1}),
		lobby.WithArchiver(history),
	)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	h, err := NewHandler(nil, reg, mgr, cat,
		WithHistory(history),
		WithConnectionCounter(fixedConns(3)),
		WithPublicBaseURL("https://arena.example/"),
	)
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	return &fixture{mux: mux, history: history}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.mux.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[errorResponse](t, rr).Error.Code
}

func TestHandler_InviteToFinishedBattle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rr := f.do(t, http.MethodPost, Prefix+"/invite", createInviteRequest{PlayerID: "p1", CombatantID: "25"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	inv := decodeBody[inviteResponse](t, rr)
	assert.Equal(t, "BEEF-0001", inv.Code)
	assert.Equal(t, "https://arena.example/battle/invite/BEEF-0001", inv.Link)
	assert.Equal(t, string(battle.InviteWaiting), inv.Status)
	assert.Equal(t, battle.MaxPlayers, inv.MaxPlayers)
	assert.True(t, inv.CreatedAt.Add(invite.DefaultTTL).Equal(inv.ExpiresAt))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

	rr = f.do(t, http.MethodGet, Prefix+"/invite/beef-0001", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "p1", decodeBody[inviteResponse](t, rr).Host.PlayerID)

	rr = f.do(t, http.MethodPost, Prefix+"/join", joinRequest{InviteCode: inv.Code, PlayerID: "p1", CombatantID: "6"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "forbidden", errorCode(t, rr))

	rr = f.do(t, http.MethodPost, Prefix+"/join", joinRequest{InviteCode: inv.Code, PlayerID: "p2", CombatantID: "6"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	joined := decodeBody[lobbyResponse](t, rr).Lobby
	assert.Equal(t, string(battle.LobbyReady), joined.Status)
	assert.Len(t, joined.Participants, 2)
	assert.Equal(t, "BEEF-0001", joined.InviteCode)
	lobbyID := joined.ID

	rr = f.do(t, http.MethodPost, Prefix+"/join", joinRequest{InviteCode: inv.Code, PlayerID: "p3", CombatantID: "1"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "conflict", errorCode(t, rr))

	rr = f.do(t, http.MethodPost, Prefix+"/turn", turnRequest{LobbyID: lobbyID, PlayerID: "p1", ActionID: "thunderbolt"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "illegal_state", errorCode(t, rr))

	rr = f.do(t, http.MethodPost, Prefix+"/start", startRequest{LobbyID: lobbyID, PlayerID: "p1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	started := decodeBody[lobbyResponse](t, rr).Lobby
	assert.Equal(t, string(battle.LobbyFighting), started.Status)
	assert.Equal(t, "p1", started.CurrentTurn)

	rr = f.do(t, http.MethodPost, Prefix+"/turn", turnRequest{LobbyID: lobbyID, PlayerID: "p2", ActionID: "flamethrower"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "turn_violation", errorCode(t, rr))

	rr = f.do(t, http.MethodPost, Prefix+"/turn", turnRequest{LobbyID: lobbyID, PlayerID: "p1", ActionID: "tackle"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	first := decodeBody[lobby.TurnOutcome](t, rr)
	assert.Equal(t, 40, first.Turn.Damage)
	assert.Equal(t, "p2", first.NextTurn)
	assert.False(t, first.Finished)

	rr = f.do(t, http.MethodPost, Prefix+"/turn", turnRequest{LobbyID: lobbyID, PlayerID: "p2", ActionID: "splash"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodPost, Prefix+"/forfeit", forfeitRequest{LobbyID: lobbyID, PlayerID: "p2"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	fin := decodeBody[lobbyResponse](t, rr).Lobby
	assert.Equal(t, string(battle.LobbyFinished), fin.Status)
	assert.Equal(t, "p1", fin.Winner)
	assert.Equal(t, string(battle.EndForfeit), fin.EndReason)

	rr = f.do(t, http.MethodGet, Prefix+"/lobby/"+lobbyID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[lobbyResponse](t, rr).Lobby.Turns, 1)

	rr = f.do(t, http.MethodGet, Prefix+"/lobbies", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decodeBody[lobbiesResponse](t, rr).Lobbies)

	require.Eventually(t, func() bool {
		res, err := f.history.ListByPlayer(context.Background(), "p2", 0)
		return err == nil && len(res) == 1
	}, 2*time.Second, 10*time.Millisecond)

	rr = f.do(t, http.MethodGet, Prefix+"/history?player=p1&limit=5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	hist := decodeBody[historyResponse](t, rr)
	require.Len(t, hist.Results, 1)
	assert.Equal(t, lobbyID, hist.Results[0].LobbyID)
	assert.Equal(t, "p1", hist.Results[0].Winner)
	assert.Equal(t, 1, hist.Results[0].TurnCount)

	rr = f.do(t, http.MethodGet, Prefix+"/stats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stats := decodeBody[statsResponse](t, rr)
	assert.Equal(t, 1, stats.Invites.Total)
	assert.Equal(t, 1, stats.Invites.Ready)
	assert.Equal(t, 1, stats.Lobbies.Finished)
	assert.Equal(t, 3, stats.Connections)
}

func TestHandler_CancelInvite(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rr := f.do(t, http.MethodPost, Prefix+"/invite", createInviteRequest{PlayerID: "host", CombatantID: "7"})
	require.Equal(t, http.StatusCreated, rr.Code)
	code := decodeBody[inviteResponse](t, rr).Code

	rr = f.do(t, http.MethodGet, Prefix+"/invites", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[invitesResponse](t, rr).Invites, 1)

	rr = f.do(t, http.MethodDelete, Prefix+"/invite/"+code, cancelInviteRequest{RequesterID: "someone"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodDelete, Prefix+"/invite/"+code, cancelInviteRequest{RequesterID: "host"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, string(battle.InviteCancelled), decodeBody[inviteResponse](t, rr).Status)

	rr = f.do(t, http.MethodGet, Prefix+"/invite/"+code, nil)
	assert.Equal(t, http.StatusGone, rr.Code)
	assert.Equal(t, "cancelled", errorCode(t, rr))

	rr = f.do(t, http.MethodGet, Prefix+"/invites", nil)
	assert.Empty(t, decodeBody[invitesResponse](t, rr).Invites)

	rr = f.do(t, http.MethodGet, Prefix+"/invite/NOPE-NOPE", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandler_RequestValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown field", http.MethodPost, Prefix + "/invite", `{"player_id":"p1","combatant_id":"25","admin":true}`, http.StatusBadRequest, "invalid_json"},
		{"trailing data", http.MethodPost, Prefix + "/invite", `{"player_id":"p1","combatant_id":"25"} {}`, http.StatusBadRequest, "invalid_json"},
		{"empty body", http.MethodPost, Prefix + "/start", nil, http.StatusBadRequest, "invalid_json"},
		{"missing host", http.MethodPost, Prefix + "/invite", createInviteRequest{CombatantID: "25"}, http.StatusBadRequest, "invalid_argument"},
		{"unknown combatant", http.MethodPost, Prefix + "/invite", createInviteRequest{PlayerID: "p1", CombatantID: "999"}, http.StatusBadRequest, "invalid_argument"},
		{"unknown lobby", http.MethodGet, Prefix + "/lobby/nope", nil, http.StatusNotFound, "not_found"},
		{"missing player", http.MethodGet, Prefix + "/history", nil, http.StatusBadRequest, "invalid_argument"},
		{"bad limit", http.MethodGet, Prefix + "/history?player=p1&limit=x", nil, http.StatusBadRequest, "invalid_argument"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := f.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, rr.Code, rr.Body.String())
			assert.Equal(t, tc.code, errorCode(t, rr))
		})
	}

	rr := f.do(t, http.MethodGet, Prefix+"/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	big := `{"player_id":"` + strings.Repeat("x", DefaultMaxBodyBytes) + `","combatant_id":"25"}`
	rr = f.do(t, http.MethodPost, Prefix+"/invite", big)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandler_ReferenceData(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	rr := f.do(t, http.MethodGet, Prefix+"/combatants", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	all := decodeBody[combatantsResponse](t, rr).Combatants
	require.NotEmpty(t, all)
	assert.Equal(t, "Pikachu", all[0].Name)

	rr = f.do(t, http.MethodGet, Prefix+"/combatants/6", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	c := decodeBody[combatantResponse](t, rr).Combatant
	assert.Equal(t, "Charizard", c.Name)
	assert.Equal(t, []string{"fire", "flying"}, c.Types)
	assert.Equal(t, c.MaxHP, c.HP)

	rr = f.do(t, http.MethodGet, Prefix+"/combatants/999", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodGet, Prefix+"/actions", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	actions := decodeBody[actionsResponse](t, rr).Actions
	require.NotEmpty(t, actions)
	for _, a := range actions {
		assert.Equal(t, a.MaxUses, a.Remaining, a.ID)
	}
}

func TestHandler_HistoryWithoutArchive(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	cat, err := dex.NewStaticCatalog()
	require.NoError(t, err)
	reg, err := invite.NewRegistry(st.Invites())
	require.NoError(t, err)
	mgr, err := lobby.NewManager(st.Lobbies(), cat)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	h, err := NewHandler(nil, reg, mgr, cat)
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, Prefix+"/history?player=p1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	_, err = NewHandler(nil, nil, mgr, cat)
	assert.Error(t, err)
}

// hangUpOnJoin seats the guest and then cancels the request, the way a client that drops
// the connection mid-join would.
type hangUpOnJoin struct {
	*invite.Registry
	hangUp context.CancelFunc
}

func (j *hangUpOnJoin) Join(ctx context.Context, in invite.JoinInput) (battle.Invite, error) {
	inv, err := j.Registry.Join(ctx, in)
	if j.hangUp != nil {
		j.hangUp()
	}
	return inv, err
}

func TestHandler_JoinAbandonedMidwayReleasesSeat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()
	cat, err := dex.NewStaticCatalog()
	require.NoError(t, err)
	reg, err := invite.NewRegistry(st.Invites())
	require.NoError(t, err)
	mgr, err := lobby.NewManager(st.Lobbies(), cat)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	invites := &hangUpOnJoin{Registry: reg}
	h, err := NewHandler(nil, invites, mgr, cat)
	require.NoError(t, err)
	mux := http.NewServeMux()
	h.Register(mux)

	abandonedJoin := func(code string) *httptest.ResponseRecorder {
		reqCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		invites.hangUp = cancel
		defer func() { invites.hangUp = nil }()

		raw, err := json.Marshal(joinRequest{InviteCode: code, PlayerID: "p2", CombatantID: "6"})
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, Prefix+"/join", bytes.NewReader(raw)).WithContext(reqCtx)
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, req)
		return rr
	}
	f := &fixture{mux: mux}

	first, err := reg.Create(ctx, invite.CreateInput{HostPlayerID: "p1", CombatantID: "25"})
	require.NoError(t, err)

	rr := abandonedJoin(first.Code)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, rr.Body.String())
	assert.Equal(t, "unavailable", errorCode(t, rr))

	got, err := reg.Get(ctx, first.Code)
	require.NoError(t, err)
	assert.Equal(t, battle.InviteWaiting, got.Status)
	assert.Nil(t, got.Guest)
	_, err = mgr.Get(ctx, first.ID)
	require.Error(t, err)

	rr = f.do(t, http.MethodPost, Prefix+"/join", joinRequest{InviteCode: first.Code, PlayerID: "p2", CombatantID: "6"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Equal(t, first.ID, decodeBody[lobbyResponse](t, rr).Lobby.ID)

	second, err := reg.Create(ctx, invite.CreateInput{HostPlayerID: "p3", CombatantID: "7"})
	require.NoError(t, err)
	rr = abandonedJoin(second.Code)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodDelete, Prefix+"/invite/"+second.Code, cancelInviteRequest{RequesterID: "p3"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, string(battle.InviteCancelled), decodeBody[inviteResponse](t, rr).Status)
}
