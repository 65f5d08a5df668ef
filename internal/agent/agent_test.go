package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/identity"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/msgbus"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
)

// fakeGame is a static GameState.
type fakeGame struct {
	tps     float64
	players []Player
	pools   []string
}

func (f *fakeGame) TPS() float64            { return f.tps }
func (f *fakeGame) PlayerCount() int        { return len(f.players) }
func (f *fakeGame) Players() []Player       { return f.players }
func (f *fakeGame) AvailablePools() []string { return f.pools }

// fakeKicker records disconnects.
type fakeKicker struct {
	mu     sync.Mutex
	kicked map[string]string
}

func (f *fakeKicker) Disconnect(playerID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kicked == nil {
		f.kicked = make(map[string]string)
	}
	f.kicked[playerID] = reason
}

type busFixture struct {
	client *redis.Client
}

func newBusFixture(t *testing.T) *busFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return &busFixture{client: client}
}

func (f *busFixture) newBus(t *testing.T, ident msgbus.IdentityProvider) *msgbus.Bus {
	t.Helper()
	bus, err := msgbus.New(f.client, ident, protocol.ResponseChannel, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

type staticIdentity string

func (s staticIdentity) ServerID() string { return string(s) }

func TestRetryDelayBackoffTable(t *testing.T) {
	expect := map[int]time.Duration{
		1:  5 * time.Second,
		2:  10 * time.Second,
		3:  20 * time.Second,
		4:  40 * time.Second,
		5:  60 * time.Second, // 80s capped
		6:  60 * time.Second,
		10: 60 * time.Second, // exponent capped at 6
	}
	for attempt, want := range expect {
		assert.Equal(t, want, RetryDelay(attempt), "attempt %d", attempt)
	}
}

func TestRegistrationHandshake(t *testing.T) {
	fx := newBusFixture(t)
	ctx := context.Background()

	ident := identity.New(identity.TypeMini, "lobby", "10.0.0.5", 25566)
	bus := fx.newBus(t, ident)

	game := &fakeGame{tps: 19.7}
	a := New(bus, ident, game, &fakeKicker{}, zap.NewNop())

	// Fake registry: answer the first registration request with lobby-0.
	registryBus := fx.newBus(t, staticIdentity("fulcrum-registry"))
	requests := make(chan protocol.ServerRegistrationRequest, 4)
	require.NoError(t, registryBus.Subscribe(protocol.ChannelRegistrationRequest, func(ctx context.Context, env msgbus.Envelope) {
		var req protocol.ServerRegistrationRequest
		if err := env.Decode(&req); err != nil {
			return
		}
		requests <- req
		resp := protocol.ServerRegistrationResponse{
			TempID:           req.ServerID,
			Success:          true,
			AssignedServerID: "lobby-0",
			ProxyID:          "fulcrum-proxy-0",
		}
		_ = registryBus.Broadcast(ctx, protocol.ChannelRegistrationResponse, protocol.TypeServerRegistrationResponse, resp)
	}))

	heartbeats := make(chan protocol.ServerHeartbeatMessage, 8)
	require.NoError(t, registryBus.Subscribe(protocol.ChannelHeartbeat, func(_ context.Context, env msgbus.Envelope) {
		var hb protocol.ServerHeartbeatMessage
		if env.Decode(&hb) == nil {
			heartbeats <- hb
		}
	}))
	announcements := make(chan protocol.ServerAnnouncementMessage, 4)
	require.NoError(t, registryBus.Subscribe(protocol.ChannelAnnouncement, func(_ context.Context, env msgbus.Envelope) {
		var ann protocol.ServerAnnouncementMessage
		if env.Decode(&ann) == nil {
			announcements <- ann
		}
	}))

	time.Sleep(50 * time.Millisecond)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, a.Run(runCtx))

	select {
	case req := <-requests:
		assert.Contains(t, req.ServerID, "temp-")
		assert.Equal(t, "MINI", req.ServerType)
		assert.Equal(t, "lobby", req.Role)
		assert.Equal(t, 15, req.MaxCapacity)
	case <-time.After(3 * time.Second):
		t.Fatal("no registration request broadcast")
	}

	// Identity adopts the permanent id and READY status.
	require.Eventually(t, func() bool {
		return ident.ServerID() == "lobby-0" && ident.HasPermanentID()
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, identity.StatusReady, ident.Status())

	// An immediate heartbeat with the permanent id, tps clamped below 20.
	select {
	case hb := <-heartbeats:
		assert.Equal(t, "lobby-0", hb.ServerID)
		assert.LessOrEqual(t, hb.TPS, float64(20))
		assert.Equal(t, 15, hb.MaxCapacity)
	case <-time.After(3 * time.Second):
		t.Fatal("no heartbeat after registration")
	}

	select {
	case ann := <-announcements:
		assert.Equal(t, "lobby-0", ann.ServerID)
		assert.Equal(t, "lobby", ann.Role)
	case <-time.After(3 * time.Second):
		t.Fatal("no announcement after registration")
	}
}

func TestHeartbeatTPSClamp(t *testing.T) {
	fx := newBusFixture(t)
	ident := identity.New(identity.TypeMega, "game", "10.0.0.6", 25567)
	bus := fx.newBus(t, ident)

	game := &fakeGame{tps: 37.5}
	a := New(bus, ident, game, &fakeKicker{}, zap.NewNop())

	listener := fx.newBus(t, staticIdentity("listener"))
	heartbeats := make(chan protocol.ServerHeartbeatMessage, 1)
	require.NoError(t, listener.Subscribe(protocol.ChannelHeartbeat, func(_ context.Context, env msgbus.Envelope) {
		var hb protocol.ServerHeartbeatMessage
		if env.Decode(&hb) == nil {
			heartbeats <- hb
		}
	}))
	time.Sleep(50 * time.Millisecond)

	a.publishHeartbeat(context.Background(), "")

	select {
	case hb := <-heartbeats:
		assert.Equal(t, float64(20), hb.TPS)
		assert.Equal(t, 70, hb.MaxCapacity)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat delivered")
	}
}

func TestEvacuationRoutesAndDisconnects(t *testing.T) {
	fx := newBusFixture(t)
	ctx := context.Background()

	ident := identity.New(identity.TypeMini, "duels", "10.0.0.7", 25568)
	require.NoError(t, ident.AdoptPermanentID("duels-0"))
	bus := fx.newBus(t, ident)

	game := &fakeGame{players: []Player{
		{ID: "p1", Username: "alice"},
		{ID: "p2", Username: "bob"},
	}}
	kicker := &fakeKicker{}
	a := New(bus, ident, game, kicker, zap.NewNop())

	observer := fx.newBus(t, staticIdentity("observer"))
	routes := make(chan protocol.PlayerRouteRequest, 4)
	require.NoError(t, observer.Subscribe(protocol.PlayerRouteChannel("lobby-1"), func(_ context.Context, env msgbus.Envelope) {
		var r protocol.PlayerRouteRequest
		if env.Decode(&r) == nil {
			routes <- r
		}
	}))
	responses := make(chan protocol.ServerEvacuationResponse, 1)
	require.NoError(t, observer.Subscribe(protocol.ChannelEvacuationResponse, func(_ context.Context, env msgbus.Envelope) {
		var r protocol.ServerEvacuationResponse
		if env.Decode(&r) == nil {
			responses <- r
		}
	}))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, a.Run(runCtx))
	time.Sleep(50 * time.Millisecond)

	// A live lobby peer is the preferred evacuation target.
	require.NoError(t, observer.Broadcast(ctx, protocol.ChannelAnnouncement, protocol.TypeServerAnnouncement, protocol.ServerAnnouncementMessage{
		ServerID: "lobby-1",
		Role:     "lobby",
	}))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, observer.Broadcast(ctx, protocol.ChannelEvacuationRequest, protocol.TypeServerEvacuationRequest, protocol.ServerEvacuationRequest{
		ServerID: "duels-0",
		Reason:   "maintenance",
	}))

	for i := 0; i < 2; i++ {
		select {
		case r := <-routes:
			assert.Equal(t, "lobby-1", r.TargetServerID)
		case <-time.After(3 * time.Second):
			t.Fatalf("player route %d not published", i)
		}
	}

	select {
	case resp := <-responses:
		assert.True(t, resp.OK)
		assert.Equal(t, 2, resp.Evacuated)
		assert.Equal(t, 0, resp.Failed)
	case <-time.After(3 * time.Second):
		t.Fatal("no evacuation response")
	}
	assert.Empty(t, kicker.kicked)
}

func TestEvacuationWithNoTargetsDisconnects(t *testing.T) {
	fx := newBusFixture(t)
	ctx := context.Background()

	ident := identity.New(identity.TypeMini, "duels", "10.0.0.8", 25569)
	require.NoError(t, ident.AdoptPermanentID("duels-1"))
	bus := fx.newBus(t, ident)

	game := &fakeGame{players: []Player{{ID: "p1", Username: "alice"}}}
	kicker := &fakeKicker{}
	a := New(bus, ident, game, kicker, zap.NewNop())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	require.NoError(t, a.Run(runCtx))
	time.Sleep(50 * time.Millisecond)

	observer := fx.newBus(t, staticIdentity("observer"))
	responses := make(chan protocol.ServerEvacuationResponse, 1)
	require.NoError(t, observer.Subscribe(protocol.ChannelEvacuationResponse, func(_ context.Context, env msgbus.Envelope) {
		var r protocol.ServerEvacuationResponse
		if env.Decode(&r) == nil {
			responses <- r
		}
	}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, observer.Broadcast(ctx, protocol.ChannelEvacuationRequest, protocol.TypeServerEvacuationRequest, protocol.ServerEvacuationRequest{
		ServerID: "duels-1",
		Reason:   "maintenance",
	}))

	select {
	case resp := <-responses:
		assert.False(t, resp.OK)
		assert.Equal(t, 0, resp.Evacuated)
		assert.Equal(t, 1, resp.Failed)
	case <-time.After(3 * time.Second):
		t.Fatal("no evacuation response")
	}

	kicker.mu.Lock()
	defer kicker.mu.Unlock()
	assert.Equal(t, "maintenance", kicker.kicked["p1"])
}
