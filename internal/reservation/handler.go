package reservation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/msgbus"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
)

// Handler exposes the reservation service over the message bus. Game servers
// reserve ahead of a party warp and redeem claim tokens when members arrive;
// both calls travel as correlated request/reply envelopes.
type Handler struct {
	svc    *Service
	bus    *msgbus.Bus
	logger *zap.Logger
}

// NewHandler wires the bus front for a service.
func NewHandler(svc *Service, bus *msgbus.Bus, logger *zap.Logger) *Handler {
	return &Handler{
		svc:    svc,
		bus:    bus,
		logger: logger.Named("reservation.handler"),
	}
}

// Run subscribes the handler to the reservation channels.
func (h *Handler) Run() error {
	subs := []struct {
		channel string
		handler msgbus.Handler
	}{
		{protocol.ChannelReservationRequest, h.handleReserve},
		{protocol.ChannelReservationClaim, h.handleClaim},
		{protocol.ChannelReservationRelease, h.handleRelease},
	}
	for _, s := range subs {
		if err := h.bus.Subscribe(s.channel, s.handler); err != nil {
			return fmt.Errorf("reservation: subscribe %s: %w", s.channel, err)
		}
	}
	return nil
}

func (h *Handler) handleReserve(ctx context.Context, env msgbus.Envelope) {
	var req protocol.PartyReservationRequest
	if err := env.Decode(&req); err != nil {
		h.logger.Warn("malformed reservation request", zap.Error(err))
		return
	}

	resp := protocol.PartyReservationResponse{}
	res, err := h.svc.Reserve(ctx, req.PartyID, req.TargetServerID, req.FamilyID, req.VariantID)
	if err != nil {
		resp.Error = err.Error()
		h.logger.Info("reservation refused",
			zap.String("partyId", req.PartyID),
			zap.String("serverId", req.TargetServerID),
			zap.Error(err),
		)
	} else {
		resp.Success = true
		resp.ReservationID = res.ReservationID
	}

	h.reply(ctx, env, protocol.TypePartyReservationResponse, resp)
}

func (h *Handler) handleClaim(ctx context.Context, env msgbus.Envelope) {
	var req protocol.ReservationClaimRequest
	if err := env.Decode(&req); err != nil {
		h.logger.Warn("malformed claim request", zap.Error(err))
		return
	}

	resp := protocol.ReservationClaimResponse{}
	claim, err := h.svc.Claim(ctx, req.Token, req.PlayerID)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success = true
		resp.ReservationID = claim.ReservationID
		resp.ServerID = claim.ServerID
	}

	h.reply(ctx, env, protocol.TypeReservationClaimResponse, resp)
}

// handleRelease is fire-and-forget: the release outcome only matters to the
// sweep, so no reply is expected.
func (h *Handler) handleRelease(ctx context.Context, env msgbus.Envelope) {
	var req protocol.ReservationReleaseRequest
	if err := env.Decode(&req); err != nil {
		h.logger.Warn("malformed release request", zap.Error(err))
		return
	}
	if err := h.svc.Release(ctx, req.ReservationID); err != nil {
		h.logger.Warn("release failed",
			zap.String("reservationId", req.ReservationID),
			zap.Error(err),
		)
	}
}

func (h *Handler) reply(ctx context.Context, env msgbus.Envelope, msgType string, payload any) {
	if env.ReplyTo == "" {
		return
	}
	if err := h.bus.Reply(ctx, env, msgType, payload); err != nil {
		h.logger.Warn("failed to reply",
			zap.String("type", msgType),
			zap.Error(err),
		)
	}
}
