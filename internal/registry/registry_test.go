package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/identity"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	// Bus and store are nil: Register, CheckCrashed and GetBestServer are
	// pure map operations.
	return New(nil, nil, nil, zap.NewNop())
}

func gameRequest(tempID, family, instanceUUID string) protocol.ServerRegistrationRequest {
	return protocol.ServerRegistrationRequest{
		ServerID:     tempID,
		ServerType:   string(identity.TypeMini),
		Role:         family,
		Family:       family,
		Address:      "10.0.0.1",
		Port:         25565,
		MaxCapacity:  15,
		InstanceUUID: instanceUUID,
	}
}

func TestSmallestFreeIDAllocation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	resp := s.Register(ctx, gameRequest("temp-aaaa0000", "lobby", "u1"))
	require.True(t, resp.Success)
	assert.Equal(t, "lobby-0", resp.AssignedServerID)

	resp = s.Register(ctx, gameRequest("temp-bbbb1111", "lobby", "u2"))
	require.True(t, resp.Success)
	assert.Equal(t, "lobby-1", resp.AssignedServerID)

	// A different family starts from zero again.
	resp = s.Register(ctx, gameRequest("temp-cccc2222", "duels", "u3"))
	require.True(t, resp.Success)
	assert.Equal(t, "duels-0", resp.AssignedServerID)
}

func TestProxyIDAllocation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	req := protocol.ServerRegistrationRequest{
		ServerID:     "temp-dddd3333",
		ServerType:   string(identity.TypeProxy),
		InstanceUUID: "u1",
	}
	resp := s.Register(ctx, req)
	require.True(t, resp.Success)
	assert.Equal(t, "fulcrum-proxy-0", resp.AssignedServerID)

	req.ServerID = "temp-eeee4444"
	req.InstanceUUID = "u2"
	resp = s.Register(ctx, req)
	require.True(t, resp.Success)
	assert.Equal(t, "fulcrum-proxy-1", resp.AssignedServerID)
}

func TestReclaimSameInstance(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	resp := s.Register(ctx, gameRequest("temp-aaaa0000", "game", "u1"))
	require.Equal(t, "game-0", resp.AssignedServerID)

	// Re-registration with the permanent id and the same instance UUID
	// reclaims the record.
	req := gameRequest("game-0", "game", "u1")
	resp = s.Register(ctx, req)
	require.True(t, resp.Success)
	assert.Equal(t, "game-0", resp.AssignedServerID)
	assert.Equal(t, "reclaimed", resp.Message)
}

func TestReclaimCrashedHolder(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	resp := s.Register(ctx, gameRequest("temp-aaaa0000", "game", "u1"))
	require.Equal(t, "game-0", resp.AssignedServerID)

	// Age the holder past the crash timeout.
	s.mu.Lock()
	s.servers["game-0"].LastHeartbeatAt = time.Now().Add(-61 * time.Second)
	s.mu.Unlock()

	resp = s.Register(ctx, gameRequest("game-0", "game", "u2"))
	require.True(t, resp.Success)
	assert.Equal(t, "game-0", resp.AssignedServerID)
	assert.Equal(t, "reclaimed", resp.Message)
}

func TestLiveHolderRejectsForeignClaim(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	resp := s.Register(ctx, gameRequest("temp-aaaa0000", "game", "u1"))
	require.Equal(t, "game-0", resp.AssignedServerID)

	// Another instance claims the id while the holder is alive.
	resp = s.Register(ctx, gameRequest("game-0", "game", "u2"))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "ID in use")

	// A temp-id registration skips the live holder instead of failing.
	resp = s.Register(ctx, gameRequest("temp-bbbb1111", "game", "u3"))
	require.True(t, resp.Success)
	assert.Equal(t, "game-1", resp.AssignedServerID)
}

func TestCheckCrashedMarksOffline(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	s.Register(ctx, gameRequest("temp-aaaa0000", "game", "u1"))
	s.Register(ctx, gameRequest("temp-bbbb1111", "game", "u2"))

	s.mu.Lock()
	s.servers["game-0"].LastHeartbeatAt = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()

	crashed := s.CheckCrashed(ctx, crashTimeout)
	assert.Equal(t, []string{"game-0"}, crashed)

	rec, ok := s.Lookup("game-0")
	require.True(t, ok)
	assert.Equal(t, identity.StatusOffline, rec.Status)

	// A second sweep does not report it again.
	assert.Empty(t, s.CheckCrashed(ctx, crashTimeout))
}

func TestGetBestServer(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	s.Register(ctx, gameRequest("temp-aaaa0000", "lobby", "u1"))
	s.Register(ctx, gameRequest("temp-bbbb1111", "lobby", "u2"))
	s.Register(ctx, gameRequest("temp-cccc2222", "duels", "u3"))

	best := s.GetBestServer("lobby")
	require.NotNil(t, best)
	assert.Equal(t, "lobby-0", best.ServerID)

	// Crash lobby-0; lobby-1 takes over.
	s.mu.Lock()
	s.servers["lobby-0"].Status = identity.StatusOffline
	s.mu.Unlock()

	best = s.GetBestServer("lobby")
	require.NotNil(t, best)
	assert.Equal(t, "lobby-1", best.ServerID)

	assert.Nil(t, s.GetBestServer("skywars"))
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(StoreConfig{
		Driver: "sqlite",
		DSN:    "file:registry_test?mode=memory&cache=shared",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	rec := &ServerRecord{
		ServerID:        "lobby-0",
		InstanceUUID:    "u1",
		Family:          "lobby",
		ServerType:      "MINI",
		Address:         "10.0.0.1",
		Port:            25565,
		MaxCapacity:     15,
		Status:          identity.StatusReady,
		LastHeartbeatAt: time.Now().UTC(),
	}
	require.NoError(t, store.Upsert(ctx, rec))
	require.NoError(t, store.UpdateLiveness(ctx, "lobby-0", string(identity.StatusOffline), time.Now().UTC()))

	records, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "lobby-0", records[0].ServerID)
	assert.Equal(t, identity.StatusOffline, records[0].Status)
	assert.Equal(t, "u1", records[0].InstanceUUID)

	require.NoError(t, store.Delete(ctx, "lobby-0"))
	records, err = store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
