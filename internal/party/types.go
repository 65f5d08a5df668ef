// Package party implements the proxy-tier party coordinator. All party
// state lives in the shared KV store; coordinator instances hold no
// in-memory party state and serialize mutations through per-party
// distributed locks. Every mutation publishes a PartyUpdateMessage on the
// party update channel.
package party

import (
	"time"
)

// Role of a party member. Exactly one member holds LEADER.
type Role string

const (
	RoleLeader    Role = "LEADER"
	RoleModerator Role = "MODERATOR"
	RoleMember    Role = "MEMBER"
)

const (
	// HardSizeCap is the absolute party size limit.
	HardSizeCap = 8

	// InviteTTL is how long an invite stays claimable.
	InviteTTL = 60 * time.Second

	// LockTTL bounds how long a dead coordinator can hold a party lock.
	LockTTL = 5 * time.Second

	// IdleGrace is how long a party of size ≤1 survives before the
	// maintenance sweep disbands it.
	IdleGrace = 5 * time.Minute

	// DisconnectGrace is how long an offline member is kept before the
	// maintenance sweep removes them.
	DisconnectGrace = 5 * time.Minute
)

// PlayerRef identifies a player in coordinator calls.
type PlayerRef struct {
	ID       string
	Username string
}

// Member is one entry in a party's ordered member list.
type Member struct {
	PlayerID   string    `json:"playerId"`
	Username   string    `json:"username"`
	Role       Role      `json:"role"`
	Online     bool      `json:"online"`
	JoinedAt   time.Time `json:"joinedAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// Invite is a pending invitation. At most one active invite exists per
// (target, party) pair; the KV key encodes both.
type Invite struct {
	PartyID         string    `json:"partyId"`
	TargetID        string    `json:"targetId"`
	TargetUsername  string    `json:"targetUsername"`
	InviterID       string    `json:"inviterId"`
	InviterUsername string    `json:"inviterUsername"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Expired reports whether the invite is past its TTL.
func (i Invite) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// Settings are the party-wide toggles leaders and moderators control.
type Settings struct {
	Muted              bool `json:"muted"`
	AllowMemberInvites bool `json:"allowMemberInvites"`
}

// Party is the stored snapshot. Members keep join order; the leader is the
// member whose PlayerID equals LeaderID.
type Party struct {
	PartyID              string            `json:"partyId"`
	LeaderID             string            `json:"leaderId"`
	Members              []Member          `json:"members"`
	Invites              map[string]Invite `json:"invites"` // keyed by target id
	Settings             Settings          `json:"settings"`
	LastActivityAt       time.Time         `json:"lastActivityAt"`
	PendingIdleDisbandAt time.Time         `json:"pendingIdleDisbandAt"`
	ActiveReservationID  string            `json:"activeReservationId,omitempty"`
	ActiveServerID       string            `json:"activeServerId,omitempty"`
}

// Size returns the member count.
func (p *Party) Size() int { return len(p.Members) }

// Member returns the member with the given player id.
func (p *Party) Member(playerID string) (*Member, bool) {
	for i := range p.Members {
		if p.Members[i].PlayerID == playerID {
			return &p.Members[i], true
		}
	}
	return nil, false
}

// AddMember appends a member, preserving join order.
func (p *Party) AddMember(m Member) {
	p.Members = append(p.Members, m)
}

// RemoveMember deletes the member with the given id. Returns true when a
// member was removed.
func (p *Party) RemoveMember(playerID string) bool {
	for i := range p.Members {
		if p.Members[i].PlayerID == playerID {
			p.Members = append(p.Members[:i], p.Members[i+1:]...)
			return true
		}
	}
	return false
}

// NextLeader picks the succession candidate: moderators first by join time,
// then members by join time. The current leader is skipped. Returns nil
// when nobody else is left.
func (p *Party) NextLeader() *Member {
	var pick *Member
	for _, role := range []Role{RoleModerator, RoleMember} {
		for i := range p.Members {
			m := &p.Members[i]
			if m.PlayerID == p.LeaderID || m.Role != role {
				continue
			}
			if pick == nil || m.JoinedAt.Before(pick.JoinedAt) {
				pick = m
			}
		}
		if pick != nil {
			return pick
		}
	}
	return nil
}

// applyIdlePolicy maintains the solo-idle disband deadline: a party of size
// ≤1 gets now+IdleGrace (if not already pending), a larger party resets it.
func (p *Party) applyIdlePolicy(now time.Time) {
	if p.Size() <= 1 {
		if p.PendingIdleDisbandAt.IsZero() {
			p.PendingIdleDisbandAt = now.Add(IdleGrace)
		}
		return
	}
	p.PendingIdleDisbandAt = time.Time{}
}

// touch records activity.
func (p *Party) touch(now time.Time) {
	p.LastActivityAt = now
}
