package reservation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/kv"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/msgbus"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/party"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
)

type busIdentity string

func (b busIdentity) ServerID() string { return string(b) }

// newTestHandler runs the bus front over miniredis and returns a second bus
// acting as the requesting game server.
func newTestHandler(t *testing.T) (*msgbus.Bus, *party.Coordinator, kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewRedisStore(client)

	proxyBus, err := msgbus.New(client, busIdentity("fulcrum-proxy-0"), protocol.ResponseChannel, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(proxyBus.Close)

	parties := party.NewCoordinator(store, proxyBus, nil, zap.NewNop())
	svc := New(store, parties, nil, proxyBus, zap.NewNop())
	require.NoError(t, NewHandler(svc, proxyBus, zap.NewNop()).Run())

	gameBus, err := msgbus.New(client, busIdentity("duels-0"), protocol.ResponseChannel, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(gameBus.Close)

	// Give the subscription loops time to attach before requests fly.
	time.Sleep(50 * time.Millisecond)
	return gameBus, parties, store
}

func TestReserveOverBus(t *testing.T) {
	gameBus, parties, _ := newTestHandler(t)
	ctx := context.Background()

	leader, rest := players(3)
	p := buildParty(t, parties, leader, rest...)

	env, err := gameBus.Request(ctx, protocol.ChannelReservationRequest,
		protocol.TypePartyReservationRequest,
		protocol.PartyReservationRequest{
			PartyID:        p.PartyID,
			TargetServerID: "duels-0",
			FamilyID:       "duels",
		}, 2*time.Second)
	require.NoError(t, err)

	var resp protocol.PartyReservationResponse
	require.NoError(t, env.Decode(&resp))
	require.True(t, resp.Success, resp.Error)
	assert.NotEmpty(t, resp.ReservationID)
}

func TestClaimOverBus(t *testing.T) {
	gameBus, parties, store := newTestHandler(t)
	ctx := context.Background()

	leader, rest := players(2)
	p := buildParty(t, parties, leader, rest...)

	env, err := gameBus.Request(ctx, protocol.ChannelReservationRequest,
		protocol.TypePartyReservationRequest,
		protocol.PartyReservationRequest{
			PartyID:        p.PartyID,
			TargetServerID: "duels-0",
			FamilyID:       "duels",
		}, 2*time.Second)
	require.NoError(t, err)
	var resResp protocol.PartyReservationResponse
	require.NoError(t, env.Decode(&resResp))
	require.True(t, resResp.Success, resResp.Error)

	// The token travels inside the broadcast record; fetch it from the KV
	// store the way the target server does.
	fresh, err := parties.Repo().GetParty(ctx, p.PartyID)
	require.NoError(t, err)
	require.Equal(t, resResp.ReservationID, fresh.ActiveReservationID)

	raw, err := store.Get(ctx, dataKey(resResp.ReservationID))
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	var rec Reservation
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	token := rec.Tokens[leader.ID]
	require.NotEmpty(t, token)

	env, err = gameBus.Request(ctx, protocol.ChannelReservationClaim,
		protocol.TypeReservationClaimRequest,
		protocol.ReservationClaimRequest{Token: token, PlayerID: leader.ID},
		2*time.Second)
	require.NoError(t, err)

	var claimResp protocol.ReservationClaimResponse
	require.NoError(t, env.Decode(&claimResp))
	require.True(t, claimResp.Success, claimResp.Error)
	assert.Equal(t, "duels-0", claimResp.ServerID)

	// Second claim of the same token reports the failure in the reply.
	env, err = gameBus.Request(ctx, protocol.ChannelReservationClaim,
		protocol.TypeReservationClaimRequest,
		protocol.ReservationClaimRequest{Token: token, PlayerID: leader.ID},
		2*time.Second)
	require.NoError(t, err)
	require.NoError(t, env.Decode(&claimResp))
	assert.False(t, claimResp.Success)
	assert.Contains(t, claimResp.Error, "invalid")
}

func TestReserveOverBusReportsRefusal(t *testing.T) {
	gameBus, _, _ := newTestHandler(t)

	env, err := gameBus.Request(context.Background(), protocol.ChannelReservationRequest,
		protocol.TypePartyReservationRequest,
		protocol.PartyReservationRequest{
			PartyID:        "no-such-party",
			TargetServerID: "duels-0",
			FamilyID:       "duels",
		}, 2*time.Second)
	require.NoError(t, err)

	var resp protocol.PartyReservationResponse
	require.NoError(t, env.Decode(&resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "party not found")
}
