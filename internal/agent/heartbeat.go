package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
)

// startHeartbeats (re)starts the heartbeat loop. Any previous loop — the
// temporary-id one started after repeated registration failures — is
// cancelled first so exactly one loop publishes at a time.
func (a *Agent) startHeartbeats(ctx context.Context) {
	a.mu.Lock()
	if a.hbCancel != nil {
		a.hbCancel()
	}
	hbCtx, cancel := context.WithCancel(ctx)
	a.hbCancel = cancel
	a.tempBeating = false
	a.mu.Unlock()

	go a.heartbeatLoop(hbCtx)
}

// startTempHeartbeats begins heartbeating with the temporary id so the
// registry can see the server even if registration broadcasts were lost.
// Idempotent across retry attempts.
func (a *Agent) startTempHeartbeats(ctx context.Context) {
	a.mu.Lock()
	if a.tempBeating || a.hbCancel != nil {
		a.mu.Unlock()
		return
	}
	hbCtx, cancel := context.WithCancel(ctx)
	a.hbCancel = cancel
	a.tempBeating = true
	a.mu.Unlock()

	a.logger.Warn("starting heartbeats with temporary id",
		zap.String("temp_id", a.tempID),
	)
	go a.heartbeatLoop(hbCtx)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publishHeartbeat(ctx, "")
		}
	}
}

// publishHeartbeat builds and broadcasts one heartbeat. status is empty for
// normal beats and "SHUTDOWN" for the terminal one.
func (a *Agent) publishHeartbeat(ctx context.Context, status string) {
	tps := a.state.TPS()
	if tps > maxReportedTPS {
		tps = maxReportedTPS
	}

	msg := protocol.ServerHeartbeatMessage{
		ServerID:       a.ident.ServerID(),
		ServerType:     string(a.ident.Type()),
		TPS:            tps,
		PlayerCount:    a.state.PlayerCount(),
		MaxCapacity:    a.ident.HardCap(),
		Uptime:         a.ident.UptimeMillis(),
		Role:           a.ident.Role(),
		AvailablePools: a.state.AvailablePools(),
		Status:         status,
	}

	if err := a.bus.Broadcast(ctx, protocol.ChannelHeartbeat, protocol.TypeServerHeartbeat, msg); err != nil {
		a.logger.Warn("heartbeat publish failed",
			zap.String("server_id", msg.ServerID),
			zap.Error(err),
		)
		return
	}
	a.ident.MarkHeartbeat(time.Now())
}
