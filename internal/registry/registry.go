// Package registry implements the authoritative server registry: it assigns
// permanent ids on registration, tracks liveness from heartbeats, detects
// crashes, and asks the fleet to re-register after a registry restart.
//
// The in-memory map is the authority while the registry runs; the persistent
// store (GORM, sqlite or postgres) exists so a restarted registry can prime
// its view and immediately detect which members never came back.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/identity"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/metrics"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/msgbus"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
)

// Status aliases the shared lifecycle status type.
type Status = identity.Status

const (
	// crashTimeout is how long a server may go without a heartbeat before
	// the registry considers it crashed.
	crashTimeout = 60 * time.Second

	// sweepInterval is the cadence of the crash-detection sweep.
	sweepInterval = 5 * time.Second

	// proxyIDPrefix is the family used for proxy id allocation.
	proxyIDPrefix = "fulcrum-proxy"
)

// ServerRecord is the registry's view of one fleet member.
type ServerRecord struct {
	ServerID        string
	InstanceUUID    string
	Family          string
	ServerType      string
	Address         string
	Port            int
	MaxCapacity     int
	Status          Status
	LastHeartbeatAt time.Time
	PlayerCount     int
	TPS             float64
}

// Service is the registry. Safe for concurrent use: bus handlers and the
// crash sweep run on separate goroutines.
type Service struct {
	bus     *msgbus.Bus
	store   *Store // nil disables persistence
	logger  *zap.Logger
	metrics *metrics.Metrics

	instanceID string
	cron       gocron.Scheduler

	mu      sync.RWMutex
	servers map[string]*ServerRecord
}

// New creates the registry service. store and m may be nil.
func New(bus *msgbus.Bus, store *Store, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		bus:        bus,
		store:      store,
		logger:     logger.Named("registry"),
		metrics:    m,
		instanceID: uuid.NewString(),
		servers:    make(map[string]*ServerRecord),
	}
}

// Run primes the registry from the store, subscribes to fleet traffic,
// broadcasts the re-registration request, and starts the crash sweep.
func (s *Service) Run(ctx context.Context) error {
	if s.store != nil {
		records, err := s.store.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("registry: prime from store: %w", err)
		}
		s.mu.Lock()
		for i := range records {
			rec := records[i]
			s.servers[rec.ServerID] = &rec
		}
		s.mu.Unlock()
		s.logger.Info("primed from store", zap.Int("servers", len(records)))
	}

	subs := []struct {
		channel string
		handler msgbus.Handler
	}{
		{protocol.ChannelRegistrationRequest, s.handleRegistration},
		{protocol.ChannelHeartbeat, s.handleHeartbeat},
		{protocol.ChannelRemoved, s.handleRemoval},
	}
	for _, sub := range subs {
		if err := s.bus.Subscribe(sub.channel, sub.handler); err != nil {
			return fmt.Errorf("registry: subscribe %s: %w", sub.channel, err)
		}
	}

	// Ask every running server to re-register: the in-memory fleet view was
	// lost (or just primed from a possibly stale store).
	req := protocol.RegistryReregistrationRequest{RegistryInstance: s.instanceID}
	if err := s.bus.Broadcast(ctx, protocol.ChannelProxyRequestRegistrations, protocol.TypeRegistryReregistration, req); err != nil {
		s.logger.Warn("failed to broadcast re-registration request", zap.Error(err))
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("registry: create scheduler: %w", err)
	}
	s.cron = cron
	_, err = cron.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() {
			crashed := s.CheckCrashed(ctx, crashTimeout)
			for _, id := range crashed {
				s.logger.Warn("server crashed (heartbeat timeout)", zap.String("server_id", id))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("registry: schedule crash sweep: %w", err)
	}
	cron.Start()

	s.logger.Info("registry running", zap.String("instance", s.instanceID))
	return nil
}

// Stop shuts down the crash sweep.
func (s *Service) Stop() error {
	if s.cron != nil {
		if err := s.cron.Shutdown(); err != nil {
			return fmt.Errorf("registry: scheduler shutdown: %w", err)
		}
	}
	return nil
}

// Register allocates (or reclaims) a server id for the request. See the id
// rules on allocateID and reclaim.
func (s *Service) Register(ctx context.Context, req protocol.ServerRegistrationRequest) protocol.ServerRegistrationResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	assigned, reclaimed, err := s.resolveID(req)
	if err != nil {
		return protocol.ServerRegistrationResponse{
			TempID:  req.ServerID,
			Success: false,
			Message: err.Error(),
		}
	}

	rec := &ServerRecord{
		ServerID:        assigned,
		InstanceUUID:    req.InstanceUUID,
		Family:          familyOf(req),
		ServerType:      req.ServerType,
		Address:         req.Address,
		Port:            req.Port,
		MaxCapacity:     req.MaxCapacity,
		Status:          identity.StatusReady,
		LastHeartbeatAt: time.Now(),
	}
	s.servers[assigned] = rec

	if s.store != nil {
		if err := s.store.Upsert(ctx, rec); err != nil {
			// Persistence is best-effort; the live map is the authority.
			s.logger.Warn("failed to persist server record",
				zap.String("server_id", assigned),
				zap.Error(err),
			)
		}
	}
	if s.metrics != nil {
		s.metrics.RegisteredServers.Set(float64(len(s.servers)))
	}

	msg := "registered"
	if reclaimed {
		msg = "reclaimed"
	}
	s.logger.Info("server registered",
		zap.String("temp_id", req.ServerID),
		zap.String("server_id", assigned),
		zap.String("family", rec.Family),
		zap.Bool("reclaimed", reclaimed),
	)

	return protocol.ServerRegistrationResponse{
		TempID:           req.ServerID,
		Success:          true,
		AssignedServerID: assigned,
		Message:          msg,
	}
}

// resolveID decides which id the requester gets. Caller holds s.mu.
//
// A requester presenting a permanent id (re-registration) gets that exact id
// back when it still owns it — same instance UUID — or when the holder is
// OFFLINE or crashed; a live holder with a different instance means the id
// is in use. A requester with a temporary id gets the smallest free integer
// suffix for its family.
func (s *Service) resolveID(req protocol.ServerRegistrationRequest) (string, bool, error) {
	if !strings.HasPrefix(req.ServerID, "temp-") {
		existing, ok := s.servers[req.ServerID]
		if !ok {
			return req.ServerID, true, nil
		}
		if s.reclaimable(existing, req.InstanceUUID) {
			return req.ServerID, true, nil
		}
		return "", false, fmt.Errorf("ID in use")
	}

	prefix := familyOf(req)
	for n := 0; ; n++ {
		id := prefix + "-" + strconv.Itoa(n)
		existing, ok := s.servers[id]
		if !ok {
			return id, false, nil
		}
		if s.reclaimable(existing, req.InstanceUUID) {
			return id, true, nil
		}
	}
}

// reclaimable reports whether an existing record may be replaced by a
// requester with the given instance UUID.
func (s *Service) reclaimable(existing *ServerRecord, instanceUUID string) bool {
	if existing.InstanceUUID == instanceUUID {
		return true
	}
	if existing.Status == identity.StatusOffline {
		return true
	}
	return time.Since(existing.LastHeartbeatAt) > crashTimeout
}

// familyOf returns the id-allocation family for a request: proxies share the
// fixed proxy prefix, game servers use their family tag (falling back to the
// role, then "game").
func familyOf(req protocol.ServerRegistrationRequest) string {
	if req.ServerType == string(identity.TypeProxy) {
		return proxyIDPrefix
	}
	if req.Family != "" {
		return req.Family
	}
	if req.Role != "" {
		return req.Role
	}
	return "game"
}

// CheckCrashed marks every server whose last heartbeat is older than timeout
// as OFFLINE and returns their ids.
func (s *Service) CheckCrashed(ctx context.Context, timeout time.Duration) []string {
	now := time.Now()

	s.mu.Lock()
	var crashed []string
	for id, rec := range s.servers {
		if rec.Status == identity.StatusOffline {
			continue
		}
		if now.Sub(rec.LastHeartbeatAt) > timeout {
			rec.Status = identity.StatusOffline
			crashed = append(crashed, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(crashed)
	for _, id := range crashed {
		if s.store != nil {
			if err := s.store.UpdateLiveness(ctx, id, string(identity.StatusOffline), now); err != nil {
				s.logger.Warn("failed to persist crash", zap.String("server_id", id), zap.Error(err))
			}
		}
		if s.metrics != nil {
			s.metrics.CrashedServers.Inc()
		}
	}
	return crashed
}

// GetBestServer returns the first READY, non-crashed server of the family,
// in id order. Returns nil when none qualifies.
func (s *Service) GetBestServer(family string) *ServerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.servers))
	for id := range s.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := time.Now()
	for _, id := range ids {
		rec := s.servers[id]
		if rec.Family != family {
			continue
		}
		if rec.Status != identity.StatusReady {
			continue
		}
		if now.Sub(rec.LastHeartbeatAt) > crashTimeout {
			continue
		}
		cp := *rec
		return &cp
	}
	return nil
}

// Lookup returns a copy of the record for a server id.
func (s *Service) Lookup(serverID string) (*ServerRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.servers[serverID]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// handleRegistration answers a registration broadcast on both the global
// response channel and the requester's per-temp-id channel.
func (s *Service) handleRegistration(ctx context.Context, env msgbus.Envelope) {
	var req protocol.ServerRegistrationRequest
	if err := env.Decode(&req); err != nil {
		s.logger.Warn("malformed registration request", zap.Error(err))
		return
	}

	resp := s.Register(ctx, req)

	channels := []string{
		protocol.ChannelRegistrationResponse,
		protocol.RegistrationResponseChannel(req.ServerID),
	}
	for _, ch := range channels {
		if err := s.bus.Send(ctx, ch, protocol.TypeServerRegistrationResponse, resp); err != nil {
			s.logger.Error("failed to publish registration response",
				zap.String("channel", ch),
				zap.Error(err),
			)
		}
	}
}

// handleHeartbeat refreshes liveness. A terminal heartbeat (status SHUTDOWN)
// retires the record immediately instead of waiting for the crash sweep.
func (s *Service) handleHeartbeat(ctx context.Context, env msgbus.Envelope) {
	var hb protocol.ServerHeartbeatMessage
	if err := env.Decode(&hb); err != nil {
		return
	}

	now := time.Now()
	status := identity.StatusReady
	if hb.Status == "SHUTDOWN" {
		status = identity.StatusOffline
	}

	s.mu.Lock()
	rec, ok := s.servers[hb.ServerID]
	if !ok {
		// Heartbeat from a server we do not know — typically a temp-id beat
		// after lost registration broadcasts. Track it so operators can see
		// the server and the next registration can proceed.
		rec = &ServerRecord{
			ServerID:   hb.ServerID,
			Family:     hb.Role,
			ServerType: hb.ServerType,
		}
		s.servers[hb.ServerID] = rec
		s.logger.Warn("heartbeat from unregistered server", zap.String("server_id", hb.ServerID))
	}
	rec.Status = status
	rec.LastHeartbeatAt = now
	rec.PlayerCount = hb.PlayerCount
	rec.TPS = hb.TPS
	rec.MaxCapacity = hb.MaxCapacity
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.HeartbeatsReceived.Inc()
	}
	if s.store != nil && ok {
		if err := s.store.UpdateLiveness(ctx, hb.ServerID, string(status), now); err != nil {
			s.logger.Warn("failed to persist liveness",
				zap.String("server_id", hb.ServerID),
				zap.Error(err),
			)
		}
	}
}

// handleRemoval marks a departing server OFFLINE.
func (s *Service) handleRemoval(ctx context.Context, env msgbus.Envelope) {
	var msg protocol.ServerRemovalNotification
	if err := env.Decode(&msg); err != nil {
		return
	}

	s.mu.Lock()
	rec, ok := s.servers[msg.ServerID]
	if ok {
		rec.Status = identity.StatusOffline
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.logger.Info("server removed",
		zap.String("server_id", msg.ServerID),
		zap.String("reason", msg.Reason),
	)
	if s.store != nil {
		if err := s.store.UpdateLiveness(ctx, msg.ServerID, string(identity.StatusOffline), time.Now()); err != nil {
			s.logger.Warn("failed to persist removal", zap.String("server_id", msg.ServerID), zap.Error(err))
		}
	}
}
