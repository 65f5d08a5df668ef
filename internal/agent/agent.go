// Package agent implements the per-process server lifecycle agent. It
// handles:
//   - Registration handshake with the central registry (broadcast request,
//     correlation on the temporary id, retry with exponential backoff)
//   - Heartbeat loop (periodic liveness signals with tick and player stats)
//   - Peer and proxy discovery (announcement caches)
//   - Evacuation (moving players off this server on registry demand)
//   - Graceful shutdown (removal notification, terminal heartbeat, proxy
//     deregistration)
//
// The agent owns the process's identity record. The permanent server id is
// assigned exactly once by the registry; until then the agent operates under
// a temporary "temp-<uuid8>" id, and after repeated registration failures it
// begins heartbeating with that temporary id so the registry can still see
// the server even if earlier broadcasts were lost.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/identity"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/msgbus"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
)

const (
	// registrationTimeout is how long the agent waits for a registry
	// response before logging a warning and backing off.
	registrationTimeout = 10 * time.Second

	retryInitialDelay = 5 * time.Second
	retryMaxDelay     = 60 * time.Second
	// retryExponentCap bounds the backoff exponent so the delay computation
	// cannot overflow on long outages.
	retryExponentCap = 6

	// tempHeartbeatThreshold is the number of unsuccessful registration
	// attempts after which the agent starts heartbeating with its temporary
	// id.
	tempHeartbeatThreshold = 5

	// heartbeatInterval must stay below the registry's liveness timeout (5s).
	heartbeatInterval = 2 * time.Second

	// maxReportedTPS clamps the tick rate reported in heartbeats.
	maxReportedTPS = 20
)

// Player is the minimal view of a connected player the agent needs for
// evacuation.
type Player struct {
	ID       string
	Username string
}

// GameState exposes the live game-engine stats included in heartbeats.
// Implemented by the engine integration; a static stub is fine in tests.
type GameState interface {
	TPS() float64
	PlayerCount() int
	Players() []Player
	AvailablePools() []string
}

// PlayerKicker disconnects a player with a user-visible reason. Used when
// evacuation finds no target server for a player.
type PlayerKicker interface {
	Disconnect(playerID, reason string)
}

// Agent drives the server lifecycle state machine:
//
//	BOOT → AWAIT_REGISTRATION → REGISTERED(beating) → STOPPING → OFFLINE
//	        ↑             |
//	        └── retry ────┘
type Agent struct {
	bus    *msgbus.Bus
	ident  *identity.Identity
	state  GameState
	kicker PlayerKicker
	logger *zap.Logger

	tempID string

	mu           sync.Mutex
	proxies      map[string]protocol.ProxyAnnouncementMessage
	servers      map[string]*peerServer
	boundProxyID string
	hbCancel     context.CancelFunc
	tempBeating  bool

	// registered is closed once a successful registration response arrives;
	// it cancels the retry loop and any pending timeout waits.
	registered     chan struct{}
	registeredOnce sync.Once
}

// peerServer is a cached view of another fleet member, built from
// announcements and refreshed by heartbeats.
type peerServer struct {
	announce protocol.ServerAnnouncementMessage
	lastSeen time.Time
	shutdown bool
}

// peerStaleAfter is how long a peer stays eligible as an evacuation target
// without a fresh heartbeat or announcement.
const peerStaleAfter = 15 * time.Second

// New creates an Agent. Call Run to subscribe and start registration.
func New(bus *msgbus.Bus, ident *identity.Identity, state GameState, kicker PlayerKicker, logger *zap.Logger) *Agent {
	return &Agent{
		bus:        bus,
		ident:      ident,
		state:      state,
		kicker:     kicker,
		logger:     logger.Named("agent"),
		tempID:     ident.ServerID(),
		proxies:    make(map[string]protocol.ProxyAnnouncementMessage),
		servers:    make(map[string]*peerServer),
		registered: make(chan struct{}),
	}
}

// Run subscribes the agent to all its channels and starts the registration
// loop. It returns once subscriptions are installed; registration and
// heartbeats continue on background goroutines until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	subs := []struct {
		channel string
		handler msgbus.Handler
	}{
		{protocol.ChannelRegistrationResponse, a.handleRegistrationResponse},
		{protocol.ChannelProxyAnnouncement, a.handleProxyAnnouncement},
		{protocol.ChannelProxyRequestRegistrations, a.handleReregistrationRequest},
		{protocol.ChannelEvacuationRequest, a.handleEvacuationRequest},
		{protocol.ChannelAnnouncement, a.handlePeerAnnouncement},
		{protocol.ChannelHeartbeat, a.handlePeerHeartbeat},
	}
	for _, s := range subs {
		if err := a.bus.Subscribe(s.channel, s.handler); err != nil {
			return fmt.Errorf("agent: subscribe %s: %w", s.channel, err)
		}
	}

	// Self-bound channels follow the identity through the temp → permanent
	// transition via RefreshServerIdentity.
	if err := a.bus.BindSelf(protocol.RegistrationResponseChannel, a.handleRegistrationResponse); err != nil {
		return fmt.Errorf("agent: bind registration response channel: %w", err)
	}
	if err := a.bus.BindSelf(protocol.ServerChannel, a.handleDirect); err != nil {
		return fmt.Errorf("agent: bind direct channel: %w", err)
	}
	if err := a.bus.BindSelf(protocol.ReregisterChannel, a.handleReregistrationRequest); err != nil {
		return fmt.Errorf("agent: bind reregister channel: %w", err)
	}

	go a.registrationLoop(ctx)
	return nil
}

// registrationLoop broadcasts registration requests until one succeeds.
// Backoff: min(5s × 2^(attempt−1), 60s), exponent capped at 6. After
// tempHeartbeatThreshold unsuccessful attempts the agent begins heartbeating
// with its temporary id.
func (a *Agent) registrationLoop(ctx context.Context) {
	attempt := 0
	for {
		attempt++
		if err := a.sendRegistrationRequest(ctx); err != nil {
			a.logger.Error("failed to broadcast registration request",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}

		select {
		case <-a.registered:
			return
		case <-ctx.Done():
			return
		case <-time.After(registrationTimeout):
			a.logger.Warn("no registration response from registry",
				zap.Int("attempt", attempt),
				zap.String("temp_id", a.tempID),
			)
		}

		if attempt >= tempHeartbeatThreshold {
			a.startTempHeartbeats(ctx)
		}

		select {
		case <-a.registered:
			return
		case <-ctx.Done():
			return
		case <-time.After(RetryDelay(attempt)):
		}
	}
}

// RetryDelay computes the registration backoff for the given 1-based
// attempt number.
func RetryDelay(attempt int) time.Duration {
	exp := attempt - 1
	if exp > retryExponentCap {
		exp = retryExponentCap
	}
	delay := retryInitialDelay << uint(exp)
	if delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}

func (a *Agent) sendRegistrationRequest(ctx context.Context) error {
	req := protocol.ServerRegistrationRequest{
		ServerID:     a.ident.ServerID(),
		ServerType:   string(a.ident.Type()),
		Role:         a.ident.Role(),
		Address:      a.ident.Address(),
		Port:         a.ident.Port(),
		MaxCapacity:  a.ident.HardCap(),
		Family:       a.ident.Role(),
		InstanceUUID: a.ident.InstanceUUID(),
	}
	return a.bus.Broadcast(ctx, protocol.ChannelRegistrationRequest, protocol.TypeServerRegistrationRequest, req)
}

// handleRegistrationResponse processes a registry response. Responses for
// other temporary ids are ignored; the global response channel fans out to
// every awaiting server.
func (a *Agent) handleRegistrationResponse(ctx context.Context, env msgbus.Envelope) {
	var resp protocol.ServerRegistrationResponse
	if err := env.Decode(&resp); err != nil {
		a.logger.Warn("malformed registration response", zap.Error(err))
		return
	}
	if resp.TempID != a.tempID {
		return
	}
	if !resp.Success {
		a.logger.Error("registry rejected registration",
			zap.String("temp_id", a.tempID),
			zap.String("message", resp.Message),
		)
		return
	}

	if err := a.ident.AdoptPermanentID(resp.AssignedServerID); err != nil {
		a.logger.Warn("ignoring duplicate registration response", zap.Error(err))
		return
	}

	a.mu.Lock()
	a.boundProxyID = resp.ProxyID
	a.mu.Unlock()

	// Cancel the retry loop before anything else so a slow handler cannot
	// race a second registration broadcast.
	a.registeredOnce.Do(func() { close(a.registered) })

	a.logger.Info("registered with registry",
		zap.String("temp_id", a.tempID),
		zap.String("server_id", resp.AssignedServerID),
		zap.String("proxy_id", resp.ProxyID),
	)

	// Rebind server:<permanent> and response:<permanent> before the first
	// permanent-id heartbeat goes out.
	a.bus.RefreshServerIdentity()
	a.startHeartbeats(ctx)
	a.publishHeartbeat(ctx, "")

	announce := protocol.ServerAnnouncementMessage{
		ServerID:    a.ident.ServerID(),
		ServerType:  string(a.ident.Type()),
		Environment: a.ident.Role(),
		Role:        a.ident.Role(),
		MaxCapacity: a.ident.HardCap(),
		Address:     a.ident.Address(),
		Port:        a.ident.Port(),
	}
	if err := a.bus.Broadcast(ctx, protocol.ChannelAnnouncement, protocol.TypeServerAnnouncement, announce); err != nil {
		a.logger.Warn("failed to broadcast server announcement", zap.Error(err))
	}
}

// handleDirect receives point-to-point messages on server:<id>.
func (a *Agent) handleDirect(ctx context.Context, env msgbus.Envelope) {
	switch env.Type {
	case protocol.TypeServerEvacuationRequest:
		a.handleEvacuationRequest(ctx, env)
	default:
		a.logger.Debug("unhandled direct message", zap.String("type", env.Type))
	}
}

// handleReregistrationRequest answers a registry (or proxy) blanket request
// for registrations with a fresh registration broadcast carrying the current
// id — permanent when the agent has one.
func (a *Agent) handleReregistrationRequest(ctx context.Context, env msgbus.Envelope) {
	a.logger.Info("re-registration requested",
		zap.String("sender", env.SenderID),
		zap.String("server_id", a.ident.ServerID()),
	)
	if err := a.sendRegistrationRequest(ctx); err != nil {
		a.logger.Error("failed to re-register", zap.Error(err))
	}
}

func (a *Agent) handleProxyAnnouncement(_ context.Context, env msgbus.Envelope) {
	var msg protocol.ProxyAnnouncementMessage
	if err := env.Decode(&msg); err != nil {
		a.logger.Warn("malformed proxy announcement", zap.Error(err))
		return
	}
	a.mu.Lock()
	a.proxies[msg.ProxyID] = msg
	if a.boundProxyID == "" {
		a.boundProxyID = msg.ProxyID
	}
	a.mu.Unlock()
}

func (a *Agent) handlePeerAnnouncement(_ context.Context, env msgbus.Envelope) {
	var msg protocol.ServerAnnouncementMessage
	if err := env.Decode(&msg); err != nil {
		a.logger.Warn("malformed server announcement", zap.Error(err))
		return
	}
	if msg.ServerID == a.ident.ServerID() {
		return
	}
	a.mu.Lock()
	a.servers[msg.ServerID] = &peerServer{announce: msg, lastSeen: time.Now()}
	a.mu.Unlock()
}

func (a *Agent) handlePeerHeartbeat(_ context.Context, env msgbus.Envelope) {
	var msg protocol.ServerHeartbeatMessage
	if err := env.Decode(&msg); err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	peer, ok := a.servers[msg.ServerID]
	if !ok {
		return
	}
	peer.lastSeen = time.Now()
	if msg.Status == "SHUTDOWN" {
		peer.shutdown = true
	}
}

// KnownProxies returns a snapshot of the proxy announcement cache.
func (a *Agent) KnownProxies() []protocol.ProxyAnnouncementMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.ProxyAnnouncementMessage, 0, len(a.proxies))
	for _, p := range a.proxies {
		out = append(out, p)
	}
	return out
}

// Shutdown runs the graceful stop sequence: stop heartbeats, broadcast the
// removal notification and a terminal heartbeat, deregister from the bound
// proxy, and mark the identity OFFLINE.
func (a *Agent) Shutdown(ctx context.Context) {
	a.ident.SetStatus(identity.StatusStopping)

	a.mu.Lock()
	if a.hbCancel != nil {
		a.hbCancel()
		a.hbCancel = nil
	}
	proxyID := a.boundProxyID
	a.mu.Unlock()

	removal := protocol.ServerRemovalNotification{
		ServerID:   a.ident.ServerID(),
		ServerType: string(a.ident.Type()),
		Reason:     "SHUTDOWN",
	}
	if err := a.bus.Broadcast(ctx, protocol.ChannelRemoved, protocol.TypeServerRemoval, removal); err != nil {
		a.logger.Warn("failed to broadcast removal notification", zap.Error(err))
	}

	a.publishHeartbeat(ctx, "SHUTDOWN")

	if proxyID != "" {
		dereg := protocol.ProxyDeregistrationMessage{
			ServerID: a.ident.ServerID(),
			Reason:   "SHUTDOWN",
		}
		if err := a.bus.Send(ctx, protocol.ServerChannel(proxyID), protocol.TypeProxyDeregistration, dereg); err != nil {
			a.logger.Warn("failed to deregister from proxy",
				zap.String("proxy_id", proxyID),
				zap.Error(err),
			)
		}
	}

	a.ident.SetStatus(identity.StatusOffline)
	a.logger.Info("agent shut down", zap.String("server_id", a.ident.ServerID()))
}
