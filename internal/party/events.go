package party

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
)

// Action names carried in PartyUpdateMessage. Part of the interop contract
// with the proxy plugins.
const (
	ActionCreated            = "CREATED"
	ActionInviteSent         = "INVITE_SENT"
	ActionInviteAccepted     = "INVITE_ACCEPTED"
	ActionInviteRevoked      = "INVITE_REVOKED"
	ActionInviteExpired      = "INVITE_EXPIRED"
	ActionMemberLeft         = "MEMBER_LEFT"
	ActionMemberKicked       = "MEMBER_KICKED"
	ActionRoleChanged        = "ROLE_CHANGED"
	ActionTransferred        = "TRANSFERRED"
	ActionSettingsUpdated    = "SETTINGS_UPDATED"
	ActionDisbanded          = "DISBANDED"
	ActionReservationCreated = "RESERVATION_CREATED"
	ActionReservationClaimed = "RESERVATION_CLAIMED"
)

// EventPublisher is the slice of the message bus the coordinator needs.
// Satisfied by *msgbus.Bus.
type EventPublisher interface {
	Broadcast(ctx context.Context, channel, msgType string, payload any) error
}

// publishUpdate broadcasts a PartyUpdateMessage for a mutation. p may be nil
// for terminal actions. Publish failures are logged and swallowed: the KV
// write already happened and listeners re-read snapshots on demand.
func (c *Coordinator) publishUpdate(ctx context.Context, partyID, action string, p *Party, actorID, targetID, reason string) {
	if c.pub == nil {
		return
	}
	msg := protocol.PartyUpdateMessage{
		PartyID:   partyID,
		Action:    action,
		ActorID:   actorID,
		TargetID:  targetID,
		Reason:    reason,
		Timestamp: c.now().UnixMilli(),
	}
	if p != nil {
		raw, err := json.Marshal(p)
		if err != nil {
			c.logger.Error("marshal party snapshot", zap.String("partyId", partyID), zap.Error(err))
		} else {
			msg.Snapshot = raw
		}
	}
	if err := c.pub.Broadcast(ctx, protocol.ChannelPartyUpdate, protocol.TypePartyUpdate, msg); err != nil {
		c.logger.Warn("publish party update failed",
			zap.String("partyId", partyID),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// observe records an operation outcome in the metrics, when wired.
func (c *Coordinator) observe(action string, code ErrorCode) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	if code != CodeOK {
		outcome = string(code)
	}
	c.metrics.PartyOperations.WithLabelValues(action, outcome).Inc()
}
