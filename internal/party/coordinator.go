package party

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/kv"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/metrics"
)

// Coordinator executes party operations against the shared KV store. Every
// instance is stateless; any proxy can serve any operation because all
// mutations go through the per-party lock and the store.
type Coordinator struct {
	repo    *Repository
	lock    *partyLock
	pub     EventPublisher
	metrics *metrics.Metrics
	logger  *zap.Logger

	// now is swapped in tests.
	now func() time.Time
}

// NewCoordinator wires a coordinator. pub and m may be nil (tests, tooling).
func NewCoordinator(store kv.Store, pub EventPublisher, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		repo:    NewRepository(store),
		lock:    newPartyLock(store, logger.Named("party.lock")),
		pub:     pub,
		metrics: m,
		logger:  logger.Named("party"),
		now:     time.Now,
	}
}

// Repo exposes the repository for read paths (proxy queries, maintenance).
func (c *Coordinator) Repo() *Repository { return c.repo }

// GetParty returns the stored snapshot, or kv.ErrNotFound.
func (c *Coordinator) GetParty(ctx context.Context, partyID string) (*Party, error) {
	return c.repo.GetParty(ctx, partyID)
}

// withLock runs fn while holding the party lock. Lock acquisition failure
// (contention or unreachable store) maps to REDIS_UNAVAILABLE.
func (c *Coordinator) withLock(ctx context.Context, partyID string, fn func(ctx context.Context) Result) Result {
	token, acquired := c.lock.acquire(ctx, partyID)
	if !acquired {
		return fail(CodeRedisUnavailable)
	}
	defer c.lock.release(ctx, partyID, token)
	return fn(ctx)
}

// loadParty fetches a snapshot, mapping store errors to result codes.
func (c *Coordinator) loadParty(ctx context.Context, partyID string) (*Party, ErrorCode) {
	p, err := c.repo.GetParty(ctx, partyID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, CodeNotInParty
	}
	if err != nil {
		c.logger.Error("load party failed", zap.String("partyId", partyID), zap.Error(err))
		return nil, CodeRedisUnavailable
	}
	return p, CodeOK
}

// saveOrFail persists the snapshot, mapping store errors.
func (c *Coordinator) saveOrFail(ctx context.Context, p *Party) ErrorCode {
	if err := c.repo.SaveParty(ctx, p); err != nil {
		c.logger.Error("save party failed", zap.String("partyId", p.PartyID), zap.Error(err))
		return CodeRedisUnavailable
	}
	return CodeOK
}

// createParty builds a fresh single-member party led by leader and persists
// it. Caller must have verified the leader is not in a party.
func (c *Coordinator) createParty(ctx context.Context, leader PlayerRef) (*Party, ErrorCode) {
	now := c.now()
	p := &Party{
		PartyID:  uuid.NewString(),
		LeaderID: leader.ID,
		Members: []Member{{
			PlayerID:   leader.ID,
			Username:   leader.Username,
			Role:       RoleLeader,
			Online:     true,
			JoinedAt:   now,
			LastSeenAt: now,
		}},
		Invites:        map[string]Invite{},
		LastActivityAt: now,
	}
	p.applyIdlePolicy(now)
	if code := c.saveOrFail(ctx, p); code != CodeOK {
		return nil, code
	}
	if err := c.repo.SetLookup(ctx, leader.ID, p.PartyID); err != nil {
		c.logger.Error("set lookup failed", zap.String("playerId", leader.ID), zap.Error(err))
		return nil, CodeRedisUnavailable
	}
	c.publishUpdate(ctx, p.PartyID, ActionCreated, p, leader.ID, "", "")
	if c.metrics != nil {
		c.metrics.ActiveParties.Inc()
	}
	return p, CodeOK
}

// InvitePlayer invites target into the actor's party. An actor who is not
// in a party gets one created implicitly and becomes its leader.
func (c *Coordinator) InvitePlayer(ctx context.Context, actor, target PlayerRef) Result {
	res := c.invitePlayer(ctx, actor, target)
	c.observe("invite", res.Code)
	return res
}

func (c *Coordinator) invitePlayer(ctx context.Context, actor, target PlayerRef) Result {
	if actor.ID == target.ID {
		return fail(CodeCannotTargetSelf)
	}

	targetParty, err := c.repo.PartyIDOf(ctx, target.ID)
	if err != nil {
		return fail(CodeRedisUnavailable)
	}
	if targetParty != "" {
		return fail(CodeTargetAlreadyInParty)
	}

	partyID, err := c.repo.PartyIDOf(ctx, actor.ID)
	if err != nil {
		return fail(CodeRedisUnavailable)
	}
	if partyID == "" {
		p, code := c.createParty(ctx, actor)
		if code != CodeOK {
			return fail(code)
		}
		partyID = p.PartyID
	}

	return c.withLock(ctx, partyID, func(ctx context.Context) Result {
		p, code := c.loadParty(ctx, partyID)
		if code != CodeOK {
			return fail(code)
		}
		member, in := p.Member(actor.ID)
		if !in {
			return fail(CodeNotInParty)
		}
		if member.Role == RoleMember && !p.Settings.AllowMemberInvites {
			return fail(CodeNotModerator)
		}
		if p.Size() >= HardSizeCap {
			return fail(CodePartyFull)
		}
		now := c.now()
		if existing, ok := p.Invites[target.ID]; ok && !existing.Expired(now) {
			return fail(CodeInviteAlreadyPending)
		}

		inv := Invite{
			PartyID:         p.PartyID,
			TargetID:        target.ID,
			TargetUsername:  target.Username,
			InviterID:       actor.ID,
			InviterUsername: actor.Username,
			ExpiresAt:       now.Add(InviteTTL),
		}
		if err := c.repo.SaveInvite(ctx, inv, now); err != nil {
			c.logger.Error("save invite failed", zap.Error(err))
			return fail(CodeRedisUnavailable)
		}
		p.Invites[target.ID] = inv
		p.touch(now)
		if code := c.saveOrFail(ctx, p); code != CodeOK {
			return fail(code)
		}
		c.publishUpdate(ctx, p.PartyID, ActionInviteSent, p, actor.ID, target.ID, "")
		return Result{Code: CodeOK, Party: p, Invite: &inv}
	})
}

// AcceptInvite joins player into the inviting party, consuming the invite.
func (c *Coordinator) AcceptInvite(ctx context.Context, player PlayerRef, partyID string) Result {
	res := c.acceptInvite(ctx, player, partyID)
	c.observe("accept", res.Code)
	return res
}

func (c *Coordinator) acceptInvite(ctx context.Context, player PlayerRef, partyID string) Result {
	inv, err := c.repo.GetInvite(ctx, player.ID, partyID)
	if errors.Is(err, kv.ErrNotFound) {
		return fail(CodeInviteNotFound)
	}
	if err != nil {
		return fail(CodeRedisUnavailable)
	}
	now := c.now()
	if inv.Expired(now) {
		_ = c.repo.DeleteInvite(ctx, player.ID, partyID)
		return fail(CodeInviteExpired)
	}

	current, err := c.repo.PartyIDOf(ctx, player.ID)
	if err != nil {
		return fail(CodeRedisUnavailable)
	}
	if current != "" {
		return fail(CodeAlreadyInParty)
	}

	return c.withLock(ctx, partyID, func(ctx context.Context) Result {
		p, code := c.loadParty(ctx, partyID)
		if code == CodeNotInParty {
			// Party disbanded between invite and accept.
			_ = c.repo.DeleteInvite(ctx, player.ID, partyID)
			return fail(CodeInviteExpired)
		}
		if code != CodeOK {
			return fail(code)
		}
		if p.Size() >= HardSizeCap {
			return fail(CodePartyFull)
		}

		if err := c.repo.DeleteInvite(ctx, player.ID, partyID); err != nil {
			c.logger.Warn("delete invite failed", zap.Error(err))
		}
		delete(p.Invites, player.ID)
		p.AddMember(Member{
			PlayerID:   player.ID,
			Username:   player.Username,
			Role:       RoleMember,
			Online:     true,
			JoinedAt:   now,
			LastSeenAt: now,
		})
		p.applyIdlePolicy(now)
		p.touch(now)
		if code := c.saveOrFail(ctx, p); code != CodeOK {
			return fail(code)
		}
		if err := c.repo.SetLookup(ctx, player.ID, partyID); err != nil {
			return fail(CodeRedisUnavailable)
		}
		c.publishUpdate(ctx, partyID, ActionInviteAccepted, p, player.ID, "", "")
		return ok(p)
	})
}

// DeclineInvite declines one invite, or all of the player's pending invites
// when partyID is empty.
func (c *Coordinator) DeclineInvite(ctx context.Context, player PlayerRef, partyID string) Result {
	res := c.declineInvite(ctx, player, partyID)
	c.observe("decline", res.Code)
	return res
}

func (c *Coordinator) declineInvite(ctx context.Context, player PlayerRef, partyID string) Result {
	if partyID != "" {
		if _, err := c.repo.GetInvite(ctx, player.ID, partyID); errors.Is(err, kv.ErrNotFound) {
			return fail(CodeInviteNotFound)
		} else if err != nil {
			return fail(CodeRedisUnavailable)
		}
		c.removeInvite(ctx, player.ID, partyID, ActionInviteRevoked)
		return Result{Code: CodeOK}
	}

	invites, err := c.repo.InvitesFor(ctx, player.ID)
	if err != nil {
		return fail(CodeRedisUnavailable)
	}
	if len(invites) == 0 {
		return fail(CodeInviteNotFound)
	}
	for _, inv := range invites {
		c.removeInvite(ctx, player.ID, inv.PartyID, ActionInviteRevoked)
	}
	return Result{Code: CodeOK}
}

// removeInvite deletes an invite from the store and from the party snapshot
// under the party lock, then publishes the given action.
func (c *Coordinator) removeInvite(ctx context.Context, playerID, partyID, action string) {
	_ = c.repo.DeleteInvite(ctx, playerID, partyID)
	c.withLock(ctx, partyID, func(ctx context.Context) Result {
		p, code := c.loadParty(ctx, partyID)
		if code != CodeOK {
			return fail(code)
		}
		if _, had := p.Invites[playerID]; !had {
			return ok(p)
		}
		delete(p.Invites, playerID)
		p.touch(c.now())
		if code := c.saveOrFail(ctx, p); code != CodeOK {
			return fail(code)
		}
		c.publishUpdate(ctx, partyID, action, p, "", playerID, "")
		return ok(p)
	})
}

// LeaveParty removes the player; a departing leader hands off to the
// succession candidate, and the last member leaving disbands the party.
func (c *Coordinator) LeaveParty(ctx context.Context, player PlayerRef) Result {
	res := c.leaveParty(ctx, player)
	c.observe("leave", res.Code)
	return res
}

func (c *Coordinator) leaveParty(ctx context.Context, player PlayerRef) Result {
	partyID, err := c.repo.PartyIDOf(ctx, player.ID)
	if err != nil {
		return fail(CodeRedisUnavailable)
	}
	if partyID == "" {
		return fail(CodeNotInParty)
	}

	return c.withLock(ctx, partyID, func(ctx context.Context) Result {
		p, code := c.loadParty(ctx, partyID)
		if code != CodeOK {
			return fail(code)
		}
		if _, in := p.Member(player.ID); !in {
			// Stale lookup; clean it up.
			_ = c.repo.DeleteLookup(ctx, player.ID)
			return fail(CodeNotInParty)
		}
		return c.removeFromParty(ctx, p, player.ID, ActionMemberLeft, "")
	})
}

// removeFromParty handles departure mechanics shared by leave, kick and the
// maintenance sweep: leader succession, disband-on-empty, idle policy.
// Caller holds the party lock.
func (c *Coordinator) removeFromParty(ctx context.Context, p *Party, playerID, action, reason string) Result {
	now := c.now()
	wasLeader := p.LeaderID == playerID

	p.RemoveMember(playerID)
	if err := c.repo.DeleteLookup(ctx, playerID); err != nil {
		return fail(CodeRedisUnavailable)
	}

	if p.Size() == 0 {
		return c.disband(ctx, p, reason)
	}

	if wasLeader {
		next := p.NextLeader()
		if next == nil {
			// Unreachable while size > 0, but never leave a leaderless party.
			next = &p.Members[0]
		}
		next.Role = RoleLeader
		p.LeaderID = next.PlayerID
		p.applyIdlePolicy(now)
		p.touch(now)
		if code := c.saveOrFail(ctx, p); code != CodeOK {
			return fail(code)
		}
		c.publishUpdate(ctx, p.PartyID, action, p, playerID, "", reason)
		c.publishUpdate(ctx, p.PartyID, ActionTransferred, p, playerID, next.PlayerID, "leader left")
		return ok(p)
	}

	p.applyIdlePolicy(now)
	p.touch(now)
	if code := c.saveOrFail(ctx, p); code != CodeOK {
		return fail(code)
	}
	c.publishUpdate(ctx, p.PartyID, action, p, playerID, playerID, reason)
	return ok(p)
}

// disband tears the party down: every lookup, every pending invite, the
// snapshot and the active-set entry. Caller holds the party lock.
func (c *Coordinator) disband(ctx context.Context, p *Party, reason string) Result {
	for _, m := range p.Members {
		if err := c.repo.DeleteLookup(ctx, m.PlayerID); err != nil {
			return fail(CodeRedisUnavailable)
		}
	}
	for targetID := range p.Invites {
		_ = c.repo.DeleteInvite(ctx, targetID, p.PartyID)
	}
	if err := c.repo.DeleteParty(ctx, p.PartyID); err != nil {
		return fail(CodeRedisUnavailable)
	}
	c.publishUpdate(ctx, p.PartyID, ActionDisbanded, nil, "", "", reason)
	if c.metrics != nil {
		c.metrics.ActiveParties.Dec()
	}
	return Result{Code: CodeOK}
}

// DisbandParty disbands the actor's party. Leader only.
func (c *Coordinator) DisbandParty(ctx context.Context, actor PlayerRef) Result {
	res := c.leaderAction(ctx, actor, "disband", func(ctx context.Context, p *Party) Result {
		return c.disband(ctx, p, "disbanded by leader")
	})
	return res
}

// leaderAction loads the actor's party under lock and runs fn when the
// actor is its leader.
func (c *Coordinator) leaderAction(ctx context.Context, actor PlayerRef, name string, fn func(ctx context.Context, p *Party) Result) Result {
	res := c.memberAction(ctx, actor, func(ctx context.Context, p *Party, m *Member) Result {
		if m.Role != RoleLeader {
			return fail(CodeLeaderOnlyAction)
		}
		return fn(ctx, p)
	})
	c.observe(name, res.Code)
	return res
}

// memberAction loads the actor's party under lock and runs fn with the
// actor's member entry.
func (c *Coordinator) memberAction(ctx context.Context, actor PlayerRef, fn func(ctx context.Context, p *Party, m *Member) Result) Result {
	partyID, err := c.repo.PartyIDOf(ctx, actor.ID)
	if err != nil {
		return fail(CodeRedisUnavailable)
	}
	if partyID == "" {
		return fail(CodeNotInParty)
	}
	return c.withLock(ctx, partyID, func(ctx context.Context) Result {
		p, code := c.loadParty(ctx, partyID)
		if code != CodeOK {
			return fail(code)
		}
		m, in := p.Member(actor.ID)
		if !in {
			return fail(CodeNotInParty)
		}
		return fn(ctx, p, m)
	})
}

// PromoteMember raises a MEMBER to MODERATOR, or a MODERATOR to LEADER
// (which demotes the current leader to MODERATOR). Leader only.
func (c *Coordinator) PromoteMember(ctx context.Context, actor PlayerRef, targetID string) Result {
	return c.leaderAction(ctx, actor, "promote", func(ctx context.Context, p *Party) Result {
		if targetID == actor.ID {
			return fail(CodeCannotTargetSelf)
		}
		target, in := p.Member(targetID)
		if !in {
			return fail(CodeTargetNotInParty)
		}
		switch target.Role {
		case RoleMember:
			target.Role = RoleModerator
			return c.persistRoleChange(ctx, p, ActionRoleChanged, actor.ID, targetID)
		case RoleModerator:
			return c.transferTo(ctx, p, actor.ID, target)
		default:
			return fail(CodeUnknown)
		}
	})
}

// DemoteMember lowers a MODERATOR back to MEMBER. Leader only.
func (c *Coordinator) DemoteMember(ctx context.Context, actor PlayerRef, targetID string) Result {
	return c.leaderAction(ctx, actor, "demote", func(ctx context.Context, p *Party) Result {
		if targetID == actor.ID {
			return fail(CodeCannotTargetSelf)
		}
		target, in := p.Member(targetID)
		if !in {
			return fail(CodeTargetNotInParty)
		}
		if target.Role != RoleModerator {
			return fail(CodeUnknown)
		}
		target.Role = RoleMember
		return c.persistRoleChange(ctx, p, ActionRoleChanged, actor.ID, targetID)
	})
}

// TransferLeadership hands the party to target; the old leader becomes a
// MODERATOR. Leader only.
func (c *Coordinator) TransferLeadership(ctx context.Context, actor PlayerRef, targetID string) Result {
	return c.leaderAction(ctx, actor, "transfer", func(ctx context.Context, p *Party) Result {
		if targetID == actor.ID {
			return fail(CodeCannotTargetSelf)
		}
		target, in := p.Member(targetID)
		if !in {
			return fail(CodeTargetNotInParty)
		}
		return c.transferTo(ctx, p, actor.ID, target)
	})
}

// transferTo swaps leadership. Caller holds the lock and passes the current
// leader's id.
func (c *Coordinator) transferTo(ctx context.Context, p *Party, leaderID string, target *Member) Result {
	if old, in := p.Member(leaderID); in {
		old.Role = RoleModerator
	}
	target.Role = RoleLeader
	p.LeaderID = target.PlayerID
	return c.persistRoleChange(ctx, p, ActionTransferred, leaderID, target.PlayerID)
}

func (c *Coordinator) persistRoleChange(ctx context.Context, p *Party, action, actorID, targetID string) Result {
	p.touch(c.now())
	if code := c.saveOrFail(ctx, p); code != CodeOK {
		return fail(code)
	}
	c.publishUpdate(ctx, p.PartyID, action, p, actorID, targetID, "")
	return ok(p)
}

// KickMember removes target from the actor's party. Leaders kick anyone;
// moderators kick plain members only.
func (c *Coordinator) KickMember(ctx context.Context, actor PlayerRef, targetID string) Result {
	res := c.memberAction(ctx, actor, func(ctx context.Context, p *Party, m *Member) Result {
		if targetID == actor.ID {
			return fail(CodeCannotTargetSelf)
		}
		if m.Role == RoleMember {
			return fail(CodeNotModerator)
		}
		target, in := p.Member(targetID)
		if !in {
			return fail(CodeTargetNotInParty)
		}
		if m.Role == RoleModerator && target.Role != RoleMember {
			return fail(CodeLeaderOnlyAction)
		}
		return c.removeFromParty(ctx, p, targetID, ActionMemberKicked, "kicked by "+actor.Username)
	})
	c.observe("kick", res.Code)
	return res
}

// KickOffline removes every non-leader member who has been offline longer
// than threshold. Leaders and moderators only.
func (c *Coordinator) KickOffline(ctx context.Context, actor PlayerRef, threshold time.Duration) Result {
	res := c.memberAction(ctx, actor, func(ctx context.Context, p *Party, m *Member) Result {
		if m.Role == RoleMember {
			return fail(CodeNotModerator)
		}
		cutoff := c.now().Add(-threshold)
		var stale []string
		for _, member := range p.Members {
			if member.PlayerID == p.LeaderID || member.Online {
				continue
			}
			if member.LastSeenAt.Before(cutoff) {
				stale = append(stale, member.PlayerID)
			}
		}
		last := ok(p)
		for _, id := range stale {
			last = c.removeFromParty(ctx, p, id, ActionMemberKicked, "offline")
			if !last.OK() {
				return last
			}
		}
		return last
	})
	c.observe("kick_offline", res.Code)
	return res
}

// ToggleMute flips party chat mute. Leaders and moderators only.
func (c *Coordinator) ToggleMute(ctx context.Context, actor PlayerRef) Result {
	res := c.memberAction(ctx, actor, func(ctx context.Context, p *Party, m *Member) Result {
		if m.Role == RoleMember {
			return fail(CodeNotModerator)
		}
		p.Settings.Muted = !p.Settings.Muted
		return c.persistRoleChange(ctx, p, ActionSettingsUpdated, actor.ID, "")
	})
	c.observe("toggle_mute", res.Code)
	return res
}

// UpdateSettings replaces the party settings. Leaders and moderators only.
func (c *Coordinator) UpdateSettings(ctx context.Context, actor PlayerRef, settings Settings) Result {
	res := c.memberAction(ctx, actor, func(ctx context.Context, p *Party, m *Member) Result {
		if m.Role == RoleMember {
			return fail(CodeNotModerator)
		}
		p.Settings = settings
		return c.persistRoleChange(ctx, p, ActionSettingsUpdated, actor.ID, "")
	})
	c.observe("update_settings", res.Code)
	return res
}

// RefreshPresence updates a member's online flag and last-seen time. Called
// by the proxy on player connect/disconnect; a no-op for players not in a
// party.
func (c *Coordinator) RefreshPresence(ctx context.Context, player PlayerRef, online bool) error {
	partyID, err := c.repo.PartyIDOf(ctx, player.ID)
	if err != nil || partyID == "" {
		return err
	}
	res := c.withLock(ctx, partyID, func(ctx context.Context) Result {
		p, code := c.loadParty(ctx, partyID)
		if code != CodeOK {
			return fail(code)
		}
		m, in := p.Member(player.ID)
		if !in {
			return ok(p)
		}
		m.Online = online
		m.LastSeenAt = c.now()
		if player.Username != "" {
			m.Username = player.Username
		}
		if code := c.saveOrFail(ctx, p); code != CodeOK {
			return fail(code)
		}
		return ok(p)
	})
	if !res.OK() {
		return errors.New("party: presence refresh failed: " + string(res.Code))
	}
	return nil
}

// SetActiveReservation records the reservation currently held for the party
// and announces it on the update channel.
func (c *Coordinator) SetActiveReservation(ctx context.Context, partyID, reservationID, serverID string) Result {
	return c.withLock(ctx, partyID, func(ctx context.Context) Result {
		p, code := c.loadParty(ctx, partyID)
		if code != CodeOK {
			return fail(code)
		}
		p.ActiveReservationID = reservationID
		p.ActiveServerID = serverID
		p.touch(c.now())
		if code := c.saveOrFail(ctx, p); code != CodeOK {
			return fail(code)
		}
		c.publishUpdate(ctx, partyID, ActionReservationCreated, p, "", "", serverID)
		return ok(p)
	})
}

// ClearActiveReservation drops the reservation marker after the party
// claimed (or lost) its slots.
func (c *Coordinator) ClearActiveReservation(ctx context.Context, partyID string) Result {
	return c.withLock(ctx, partyID, func(ctx context.Context) Result {
		p, code := c.loadParty(ctx, partyID)
		if code != CodeOK {
			return fail(code)
		}
		p.ActiveReservationID = ""
		p.ActiveServerID = ""
		p.touch(c.now())
		if code := c.saveOrFail(ctx, p); code != CodeOK {
			return fail(code)
		}
		c.publishUpdate(ctx, partyID, ActionReservationClaimed, p, "", "", "")
		return ok(p)
	})
}

// PartyOf returns the party the player belongs to, or nil.
func (c *Coordinator) PartyOf(ctx context.Context, playerID string) (*Party, error) {
	partyID, err := c.repo.PartyIDOf(ctx, playerID)
	if err != nil || partyID == "" {
		return nil, err
	}
	p, err := c.repo.GetParty(ctx, partyID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	return p, err
}
