package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/kv"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/party"
)

type staticVariants map[string]FamilyVariantInfo

func (v staticVariants) VariantInfo(family, variant string) (FamilyVariantInfo, bool) {
	info, ok := v[family+":"+variant]
	return info, ok
}

func newTestService(t *testing.T, variants VariantProvider) (*Service, *party.Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := kv.NewRedisStore(client)
	parties := party.NewCoordinator(store, nil, nil, zap.NewNop())
	return New(store, parties, variants, nil, zap.NewNop()), parties, mr
}

// buildParty assembles leader + joiners through the normal invite flow.
func buildParty(t *testing.T, c *party.Coordinator, leader party.PlayerRef, joiners ...party.PlayerRef) *party.Party {
	t.Helper()
	ctx := context.Background()
	var partyID string
	for _, j := range joiners {
		res := c.InvitePlayer(ctx, leader, j)
		require.True(t, res.OK(), "invite: %s", res.Code)
		partyID = res.Party.PartyID
		res = c.AcceptInvite(ctx, j, partyID)
		require.True(t, res.OK(), "accept: %s", res.Code)
	}
	p, err := c.Repo().GetParty(ctx, partyID)
	require.NoError(t, err)
	return p
}

func players(n int) (party.PlayerRef, []party.PlayerRef) {
	leader := party.PlayerRef{ID: "p-0", Username: "Player0"}
	var rest []party.PlayerRef
	for i := 1; i < n; i++ {
		rest = append(rest, party.PlayerRef{
			ID:       "p-" + string(rune('0'+i)),
			Username: "Player" + string(rune('0'+i)),
		})
	}
	return leader, rest
}

func TestReserveMintsTokenPerOnlineMember(t *testing.T) {
	svc, parties, _ := newTestService(t, nil)
	ctx := context.Background()

	leader, rest := players(3)
	p := buildParty(t, parties, leader, rest...)

	// One member is offline; no token for them.
	require.NoError(t, parties.RefreshPresence(ctx, rest[1], false))

	res, err := svc.Reserve(ctx, p.PartyID, "duels-0", "duels", "")
	require.NoError(t, err)
	require.Len(t, res.Tokens, 2)
	assert.Contains(t, res.Tokens, leader.ID)
	assert.Contains(t, res.Tokens, rest[0].ID)
	assert.NotContains(t, res.Tokens, rest[1].ID)
	assert.Equal(t, "duels-0", res.ServerID)

	// The party carries the active reservation marker.
	fresh, err := parties.Repo().GetParty(ctx, p.PartyID)
	require.NoError(t, err)
	assert.Equal(t, res.ReservationID, fresh.ActiveReservationID)
	assert.Equal(t, "duels-0", fresh.ActiveServerID)
}

func TestReserveRefusesAllOfflineParty(t *testing.T) {
	svc, parties, _ := newTestService(t, nil)
	ctx := context.Background()

	leader, rest := players(2)
	p := buildParty(t, parties, leader, rest...)

	require.NoError(t, parties.RefreshPresence(ctx, leader, false))
	require.NoError(t, parties.RefreshPresence(ctx, rest[0], false))

	_, err := svc.Reserve(ctx, p.PartyID, "duels-0", "duels", "")
	assert.ErrorIs(t, err, ErrNoOnlineMembers)

	// No record persisted, no marker set.
	fresh, err := parties.Repo().GetParty(ctx, p.PartyID)
	require.NoError(t, err)
	assert.Empty(t, fresh.ActiveReservationID)
}

func TestReserveRefusesOversizedParty(t *testing.T) {
	variants := staticVariants{
		"duels:1v1": {MaxPartySize: 2, MaxTeamSize: 2, TeamCount: 2},
	}
	svc, parties, _ := newTestService(t, variants)
	ctx := context.Background()

	leader, rest := players(5)
	p := buildParty(t, parties, leader, rest...)
	require.Equal(t, 5, p.Size())

	_, err := svc.Reserve(ctx, p.PartyID, "duels-0", "duels", "1v1")
	require.Error(t, err)

	var sizeErr *PartySizeError
	require.ErrorAs(t, err, &sizeErr)
	assert.Equal(t, 5, sizeErr.Size)
	assert.Equal(t, 2, sizeErr.Limit)
	assert.Contains(t, err.Error(), "duels:1v1")
}

func TestReserveUnknownVariantFallsBackToHardCap(t *testing.T) {
	svc, parties, _ := newTestService(t, staticVariants{})
	ctx := context.Background()

	leader, rest := players(5)
	p := buildParty(t, parties, leader, rest...)

	// No config for this variant: the hard cap applies, a party of 5 fits.
	res, err := svc.Reserve(ctx, p.PartyID, "skywars-0", "skywars", "insane")
	require.NoError(t, err)
	assert.Len(t, res.Tokens, 5)
}

func TestClaimIsSingleUseAndPlayerBound(t *testing.T) {
	svc, parties, _ := newTestService(t, nil)
	ctx := context.Background()

	leader, rest := players(2)
	p := buildParty(t, parties, leader, rest...)

	res, err := svc.Reserve(ctx, p.PartyID, "duels-0", "duels", "")
	require.NoError(t, err)
	token := res.Tokens[leader.ID]

	// Wrong player cannot claim.
	_, err = svc.Claim(ctx, token, rest[0].ID)
	assert.ErrorIs(t, err, ErrTokenMismatch)

	claim, err := svc.Claim(ctx, token, leader.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ReservationID, claim.ReservationID)
	assert.Equal(t, "duels-0", claim.ServerID)

	// Second claim of the same token fails.
	_, err = svc.Claim(ctx, token, leader.ID)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokensExpireWithReservation(t *testing.T) {
	svc, parties, mr := newTestService(t, nil)
	ctx := context.Background()

	leader, rest := players(2)
	p := buildParty(t, parties, leader, rest...)

	res, err := svc.Reserve(ctx, p.PartyID, "duels-0", "duels", "")
	require.NoError(t, err)

	mr.FastForward(TokenTTL + time.Second)

	_, err = svc.Claim(ctx, res.Tokens[leader.ID], leader.ID)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	got, err := svc.Get(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReleaseDropsTokensAndMarker(t *testing.T) {
	svc, parties, _ := newTestService(t, nil)
	ctx := context.Background()

	leader, rest := players(2)
	p := buildParty(t, parties, leader, rest...)

	res, err := svc.Reserve(ctx, p.PartyID, "duels-0", "duels", "")
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, res.ReservationID))

	got, err := svc.Get(ctx, res.ReservationID)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = svc.Claim(ctx, res.Tokens[leader.ID], leader.ID)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	fresh, err := parties.Repo().GetParty(ctx, p.PartyID)
	require.NoError(t, err)
	assert.Empty(t, fresh.ActiveReservationID)
}

func TestReservePartyNotFound(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	_, err := svc.Reserve(context.Background(), "no-such-party", "duels-0", "duels", "")
	assert.ErrorIs(t, err, ErrPartyNotFound)
}
