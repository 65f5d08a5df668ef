package party

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
	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
)

var (
	leo  = PlayerRef{ID: "p-leo", Username: "Leo"}
	mia  = PlayerRef{ID: "p-mia", Username: "Mia"}
	theo = PlayerRef{ID: "p-theo", Username: "Theo"}
	nora = PlayerRef{ID: "p-nora", Username: "Nora"}
)

func newTestCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCoordinator(kv.NewRedisStore(client), nil, nil, zap.NewNop()), mr
}

// buildParty creates a party of leader + joiners via the invite flow.
func buildParty(t *testing.T, c *Coordinator, leader PlayerRef, joiners ...PlayerRef) *Party {
	t.Helper()
	ctx := context.Background()
	var partyID string
	for _, j := range joiners {
		res := c.InvitePlayer(ctx, leader, j)
		require.True(t, res.OK(), "invite %s: %s", j.Username, res.Code)
		partyID = res.Party.PartyID
		res = c.AcceptInvite(ctx, j, partyID)
		require.True(t, res.OK(), "accept %s: %s", j.Username, res.Code)
	}
	p, err := c.repo.GetParty(ctx, partyID)
	require.NoError(t, err)
	return p
}

// capturePublisher records broadcast update messages for assertions.
type capturePublisher struct {
	msgs []protocol.PartyUpdateMessage
}

func (c *capturePublisher) Broadcast(_ context.Context, _, _ string, payload any) error {
	if msg, ok := payload.(protocol.PartyUpdateMessage); ok {
		c.msgs = append(c.msgs, msg)
	}
	return nil
}

func (c *capturePublisher) actions() []string {
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Action
	}
	return out
}

func TestInviteAutoCreatesParty(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	res := c.InvitePlayer(ctx, leo, mia)
	require.True(t, res.OK())
	require.NotNil(t, res.Party)
	require.NotNil(t, res.Invite)

	p := res.Party
	assert.Equal(t, leo.ID, p.LeaderID)
	require.Len(t, p.Members, 1)
	assert.Equal(t, RoleLeader, p.Members[0].Role)
	assert.False(t, p.PendingIdleDisbandAt.IsZero(), "solo party should carry an idle deadline")

	// The lookup binds the leader, not the invitee.
	id, err := c.repo.PartyIDOf(ctx, leo.ID)
	require.NoError(t, err)
	assert.Equal(t, p.PartyID, id)
	id, err = c.repo.PartyIDOf(ctx, mia.ID)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestInviteRejections(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	assert.Equal(t, CodeCannotTargetSelf, c.InvitePlayer(ctx, leo, leo).Code)

	res := c.InvitePlayer(ctx, leo, mia)
	require.True(t, res.OK())
	assert.Equal(t, CodeInviteAlreadyPending, c.InvitePlayer(ctx, leo, mia).Code)

	require.True(t, c.AcceptInvite(ctx, mia, res.Party.PartyID).OK())
	assert.Equal(t, CodeTargetAlreadyInParty, c.InvitePlayer(ctx, theo, mia).Code)

	// A plain member cannot invite while member invites are disabled.
	require.True(t, c.InvitePlayer(ctx, leo, theo).OK())
	require.True(t, c.AcceptInvite(ctx, theo, res.Party.PartyID).OK())
	assert.Equal(t, CodeNotModerator, c.InvitePlayer(ctx, theo, nora).Code)
}

func TestAcceptExpiredInvite(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	res := c.InvitePlayer(ctx, leo, mia)
	require.True(t, res.OK())
	partyID := res.Party.PartyID

	// Redis expires the invite key after the TTL.
	mr.FastForward(InviteTTL + time.Second)
	assert.Equal(t, CodeInviteNotFound, c.AcceptInvite(ctx, mia, partyID).Code)
}

func TestPartyFull(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	members := make([]PlayerRef, 0, HardSizeCap-1)
	for i := 0; i < HardSizeCap-1; i++ {
		members = append(members, PlayerRef{
			ID:       "p-filler-" + string(rune('a'+i)),
			Username: "Filler" + string(rune('A'+i)),
		})
	}
	p := buildParty(t, c, leo, members...)
	require.Equal(t, HardSizeCap, p.Size())

	assert.Equal(t, CodePartyFull, c.InvitePlayer(ctx, leo, nora).Code)
}

func TestDeclineAllInvites(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	res1 := c.InvitePlayer(ctx, leo, nora)
	require.True(t, res1.OK())
	res2 := c.InvitePlayer(ctx, mia, nora)
	require.True(t, res2.OK())

	invites, err := c.repo.InvitesFor(ctx, nora.ID)
	require.NoError(t, err)
	require.Len(t, invites, 2)

	// Empty party id means decline everything.
	require.True(t, c.DeclineInvite(ctx, nora, "").OK())
	invites, err = c.repo.InvitesFor(ctx, nora.ID)
	require.NoError(t, err)
	assert.Empty(t, invites)

	assert.Equal(t, CodeInviteNotFound, c.DeclineInvite(ctx, nora, "").Code)
}

func TestDeclinePublishesInviteRevoked(t *testing.T) {
	c, _ := newTestCoordinator(t)
	pub := &capturePublisher{}
	c.pub = pub
	ctx := context.Background()

	res := c.InvitePlayer(ctx, leo, mia)
	require.True(t, res.OK())
	require.True(t, c.DeclineInvite(ctx, mia, res.Party.PartyID).OK())

	// Proxy plugins key on the wire value, not the Go constant.
	assert.Contains(t, pub.actions(), "INVITE_REVOKED")
	assert.Equal(t, ActionInviteRevoked, pub.msgs[len(pub.msgs)-1].Action)
	assert.Equal(t, mia.ID, pub.msgs[len(pub.msgs)-1].TargetID)
}

func TestPartyFlow(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	// Leo forms the party, Mia and Theo join.
	p := buildParty(t, c, leo, mia, theo)
	require.Equal(t, 3, p.Size())
	assert.True(t, p.PendingIdleDisbandAt.IsZero(), "multi-member party has no idle deadline")

	// Promote Mia to moderator.
	res := c.PromoteMember(ctx, leo, mia.ID)
	require.True(t, res.OK())
	m, _ := res.Party.Member(mia.ID)
	assert.Equal(t, RoleModerator, m.Role)

	// Theo, a plain member, cannot kick.
	assert.Equal(t, CodeNotModerator, c.KickMember(ctx, theo, mia.ID).Code)
	// Mia, a moderator, cannot kick the leader.
	assert.Equal(t, CodeLeaderOnlyAction, c.KickMember(ctx, mia, leo.ID).Code)

	// Transfer leadership to Theo; Leo drops to moderator.
	res = c.TransferLeadership(ctx, leo, theo.ID)
	require.True(t, res.OK())
	assert.Equal(t, theo.ID, res.Party.LeaderID)
	m, _ = res.Party.Member(theo.ID)
	assert.Equal(t, RoleLeader, m.Role)
	m, _ = res.Party.Member(leo.ID)
	assert.Equal(t, RoleModerator, m.Role)

	// Old leader no longer holds leader powers.
	assert.Equal(t, CodeLeaderOnlyAction, c.DisbandParty(ctx, leo).Code)

	// Theo kicks Mia.
	res = c.KickMember(ctx, theo, mia.ID)
	require.True(t, res.OK())
	assert.Equal(t, 2, res.Party.Size())
	id, err := c.repo.PartyIDOf(ctx, mia.ID)
	require.NoError(t, err)
	assert.Empty(t, id, "kicked member lookup is cleared")

	// Theo leaves; Leo (moderator) succeeds by role priority.
	res = c.LeaveParty(ctx, theo)
	require.True(t, res.OK())
	require.NotNil(t, res.Party)
	assert.Equal(t, leo.ID, res.Party.LeaderID)
	assert.False(t, res.Party.PendingIdleDisbandAt.IsZero(), "back to solo, idle deadline set")

	// Last member leaving disbands.
	res = c.LeaveParty(ctx, leo)
	require.True(t, res.OK())
	assert.Nil(t, res.Party)
	_, err = c.repo.GetParty(ctx, p.PartyID)
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestLeaderSuccessionPrefersModeratorByJoinTime(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	buildParty(t, c, leo, mia, theo, nora)

	// Nora joined last but becomes the only moderator.
	require.True(t, c.PromoteMember(ctx, leo, nora.ID).OK())

	res := c.LeaveParty(ctx, leo)
	require.True(t, res.OK())
	assert.Equal(t, nora.ID, res.Party.LeaderID, "moderator outranks earlier-joined members")
}

func TestDisbandClearsEverything(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	p := buildParty(t, c, leo, mia)
	require.True(t, c.InvitePlayer(ctx, leo, theo).OK())

	require.True(t, c.DisbandParty(ctx, leo).OK())

	for _, player := range []PlayerRef{leo, mia} {
		id, err := c.repo.PartyIDOf(ctx, player.ID)
		require.NoError(t, err)
		assert.Empty(t, id)
	}
	_, err := c.repo.GetInvite(ctx, theo.ID, p.PartyID)
	assert.ErrorIs(t, err, kv.ErrNotFound)
	ids, err := c.repo.ActivePartyIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDemote(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	buildParty(t, c, leo, mia)
	require.True(t, c.PromoteMember(ctx, leo, mia.ID).OK())

	res := c.DemoteMember(ctx, leo, mia.ID)
	require.True(t, res.OK())
	m, _ := res.Party.Member(mia.ID)
	assert.Equal(t, RoleMember, m.Role)

	// Demoting a plain member is refused.
	assert.False(t, c.DemoteMember(ctx, leo, mia.ID).OK())
}

func TestKickOffline(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	buildParty(t, c, leo, mia, theo)
	require.NoError(t, c.RefreshPresence(ctx, mia, false))

	// Pretend Mia went offline an hour ago.
	base := time.Now()
	c.now = func() time.Time { return base.Add(time.Hour) }

	res := c.KickOffline(ctx, leo, 30*time.Minute)
	require.True(t, res.OK())
	assert.Equal(t, 2, res.Party.Size())
	_, in := res.Party.Member(mia.ID)
	assert.False(t, in)
	_, in = res.Party.Member(theo.ID)
	assert.True(t, in, "online member survives")
}

func TestSettingsAndMute(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	buildParty(t, c, leo, mia)

	res := c.ToggleMute(ctx, leo)
	require.True(t, res.OK())
	assert.True(t, res.Party.Settings.Muted)

	res = c.UpdateSettings(ctx, leo, Settings{AllowMemberInvites: true})
	require.True(t, res.OK())
	assert.True(t, res.Party.Settings.AllowMemberInvites)
	assert.False(t, res.Party.Settings.Muted)

	// With member invites enabled, Mia may invite.
	assert.True(t, c.InvitePlayer(ctx, mia, theo).OK())

	// Plain members still cannot change settings.
	assert.Equal(t, CodeNotModerator, c.ToggleMute(ctx, mia).Code)
}

func TestReservationMarkers(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	p := buildParty(t, c, leo, mia)

	res := c.SetActiveReservation(ctx, p.PartyID, "res-1", "duels-0")
	require.True(t, res.OK())
	assert.Equal(t, "res-1", res.Party.ActiveReservationID)
	assert.Equal(t, "duels-0", res.Party.ActiveServerID)

	res = c.ClearActiveReservation(ctx, p.PartyID)
	require.True(t, res.OK())
	assert.Empty(t, res.Party.ActiveReservationID)
	assert.Empty(t, res.Party.ActiveServerID)
}

func TestLockBlocksConcurrentMutation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	p := buildParty(t, c, leo, mia)

	// Simulate another coordinator holding the lock.
	held, err := c.repo.store.SetNX(ctx, lockKey(p.PartyID), "foreign-token", LockTTL)
	require.NoError(t, err)
	require.True(t, held)

	assert.Equal(t, CodeRedisUnavailable, c.LeaveParty(ctx, mia).Code)

	// Release and retry.
	deleted, err := c.repo.store.CompareAndDelete(ctx, lockKey(p.PartyID), "foreign-token")
	require.NoError(t, err)
	require.True(t, deleted)
	assert.True(t, c.LeaveParty(ctx, mia).OK())
}

func TestMaintenanceSweep(t *testing.T) {
	c, mr := newTestCoordinator(t)
	ctx := context.Background()

	// A solo party past its idle deadline gets disbanded.
	res := c.InvitePlayer(ctx, leo, mia)
	require.True(t, res.OK())
	soloID := res.Party.PartyID

	// A healthy duo stays.
	duo := buildParty(t, c, theo, nora)

	base := time.Now()
	c.now = func() time.Time { return base.Add(IdleGrace + time.Minute) }
	mr.FastForward(IdleGrace + time.Minute)

	require.NoError(t, c.RunMaintenance(ctx))

	_, err := c.repo.GetParty(ctx, soloID)
	assert.ErrorIs(t, err, kv.ErrNotFound, "idle solo party disbanded")

	kept, err := c.repo.GetParty(ctx, duo.PartyID)
	require.NoError(t, err)
	assert.Equal(t, 2, kept.Size())
}

func TestMaintenanceRemovesOrphanedIndexEntries(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.repo.store.SAdd(ctx, keyPartyActive, "ghost-party"))
	require.NoError(t, c.RunMaintenance(ctx))

	ids, err := c.repo.ActivePartyIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, ids, "ghost-party")
}

func TestMaintenancePurgesExpiredSnapshotInvites(t *testing.T) {
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	p := buildParty(t, c, leo, mia)
	require.True(t, c.InvitePlayer(ctx, leo, theo).OK())

	base := time.Now()
	c.now = func() time.Time { return base.Add(InviteTTL + time.Minute) }

	require.NoError(t, c.RunMaintenance(ctx))

	fresh, err := c.repo.GetParty(ctx, p.PartyID)
	require.NoError(t, err)
	assert.Empty(t, fresh.Invites)
}
