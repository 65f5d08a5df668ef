package msgbus

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

	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
)

// testIdentity is a swappable identity provider.
type testIdentity struct {
	mu sync.Mutex
	id string
}

func (t *testIdentity) ServerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *testIdentity) set(id string) {
	t.mu.Lock()
	t.id = id
	t.mu.Unlock()
}

func newTestBus(t *testing.T, id string) (*Bus, *testIdentity) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ident := &testIdentity{id: id}
	bus, err := New(client, ident, protocol.ResponseChannel, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus, ident
}

type pingPayload struct {
	N int `json:"n"`
}

func TestBroadcastDelivers(t *testing.T) {
	bus, _ := newTestBus(t, "temp-abc")

	got := make(chan Envelope, 1)
	require.NoError(t, bus.Subscribe("server:heartbeat", func(_ context.Context, env Envelope) {
		got <- env
	}))

	// Give the subscription loop time to attach before publishing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, bus.Broadcast(context.Background(), "server:heartbeat", "Ping", pingPayload{N: 7}))

	select {
	case env := <-got:
		assert.Equal(t, "Ping", env.Type)
		assert.Equal(t, "temp-abc", env.SenderID)
		var p pingPayload
		require.NoError(t, env.Decode(&p))
		assert.Equal(t, 7, p.N)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}
}

func TestRequestReplyCorrelation(t *testing.T) {
	bus, _ := newTestBus(t, "game-0")

	// Responder echoes the payload back on the reply channel.
	require.NoError(t, bus.Subscribe("echo:request", func(ctx context.Context, env Envelope) {
		var p pingPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		p.N++
		_ = bus.Reply(ctx, env, "Pong", p)
	}))

	time.Sleep(50 * time.Millisecond)
	reply, err := bus.Request(context.Background(), "echo:request", "Ping", pingPayload{N: 1}, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "Pong", reply.Type)
	var p pingPayload
	require.NoError(t, reply.Decode(&p))
	assert.Equal(t, 2, p.N)
}

func TestRequestTimesOut(t *testing.T) {
	bus, _ := newTestBus(t, "game-0")

	_, err := bus.Request(context.Background(), "nobody:home", "Ping", pingPayload{}, 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRefreshServerIdentityRebindsSelfChannels(t *testing.T) {
	bus, ident := newTestBus(t, "temp-abc")

	got := make(chan Envelope, 1)
	require.NoError(t, bus.BindSelf(protocol.ServerChannel, func(_ context.Context, env Envelope) {
		got <- env
	}))
	time.Sleep(50 * time.Millisecond)

	// Identity changes to the permanent id; the old channel must go quiet
	// and the new one must deliver.
	ident.set("lobby-0")
	bus.RefreshServerIdentity()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, bus.Send(context.Background(), protocol.ServerChannel("lobby-0"), "Ping", pingPayload{N: 1}))

	select {
	case env := <-got:
		assert.Equal(t, "Ping", env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered on rebound channel")
	}

	require.NoError(t, bus.Send(context.Background(), protocol.ServerChannel("temp-abc"), "Ping", pingPayload{N: 2}))
	select {
	case <-got:
		t.Fatal("old self channel still delivering after refresh")
	case <-time.After(200 * time.Millisecond):
	}
}
