package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/msgbus"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
)

// handleEvacuationRequest moves every current player off this server.
// Targets are chosen lobby-first from the announcement cache; players with
// no viable target are disconnected with a user-visible reason. The
// aggregate outcome is sent back as a ServerEvacuationResponse.
func (a *Agent) handleEvacuationRequest(ctx context.Context, env msgbus.Envelope) {
	var req protocol.ServerEvacuationRequest
	if err := env.Decode(&req); err != nil {
		a.logger.Warn("malformed evacuation request", zap.Error(err))
		return
	}
	if req.ServerID != a.ident.ServerID() {
		return
	}

	// Evacuation iterates players and publishes per-player transfers; run it
	// off the bus delivery goroutine.
	go a.evacuate(ctx, env, req)
}

func (a *Agent) evacuate(ctx context.Context, env msgbus.Envelope, req protocol.ServerEvacuationRequest) {
	a.logger.Info("evacuation requested",
		zap.String("server_id", req.ServerID),
		zap.String("reason", req.Reason),
	)

	var evacuated, failed int
	for _, player := range a.state.Players() {
		target := a.pickEvacuationTarget()
		if target == "" {
			reason := req.Reason
			if reason == "" {
				reason = "Server is shutting down"
			}
			a.kicker.Disconnect(player.ID, reason)
			failed++
			a.logger.Warn("no evacuation target for player, disconnecting",
				zap.String("player_id", player.ID),
				zap.String("username", player.Username),
			)
			continue
		}

		route := protocol.PlayerRouteRequest{
			PlayerID:       player.ID,
			Username:       player.Username,
			TargetServerID: target,
			Reason:         req.Reason,
		}
		if err := a.bus.Send(ctx, protocol.PlayerRouteChannel(target), protocol.TypePlayerRouteRequest, route); err != nil {
			a.kicker.Disconnect(player.ID, req.Reason)
			failed++
			a.logger.Warn("player transfer request failed, disconnecting",
				zap.String("player_id", player.ID),
				zap.String("target", target),
				zap.Error(err),
			)
			continue
		}
		evacuated++
	}

	resp := protocol.ServerEvacuationResponse{
		ServerID:  a.ident.ServerID(),
		OK:        failed == 0,
		Evacuated: evacuated,
		Failed:    failed,
		Message:   fmt.Sprintf("evacuated %d, failed %d", evacuated, failed),
	}

	var err error
	if env.ReplyTo != "" {
		err = a.bus.Reply(ctx, env, protocol.TypeServerEvacuationResponse, resp)
	} else {
		err = a.bus.Broadcast(ctx, protocol.ChannelEvacuationResponse, protocol.TypeServerEvacuationResponse, resp)
	}
	if err != nil {
		a.logger.Error("failed to publish evacuation response", zap.Error(err))
	}
}

// pickEvacuationTarget chooses a destination from the announcement cache:
// first an available server whose role contains "lobby", otherwise any
// available non-self server. Returns "" when nothing qualifies.
func (a *Agent) pickEvacuationTarget() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	self := a.ident.ServerID()

	var fallback string
	for id, peer := range a.servers {
		if id == self || peer.shutdown || now.Sub(peer.lastSeen) > peerStaleAfter {
			continue
		}
		if strings.Contains(peer.announce.Role, "lobby") {
			return id
		}
		if fallback == "" {
			fallback = id
		}
	}
	return fallback
}
