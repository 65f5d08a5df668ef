// Package identity holds the per-process server identity record: the id the
// registry knows the server by, its role, capacity class, and liveness
// status. The record starts with a temporary id at boot and receives its
// permanent id exactly once, when registration succeeds.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ServerType classifies a server by its memory budget.
type ServerType string

const (
	TypeMini  ServerType = "MINI"
	TypeMega  ServerType = "MEGA"
	TypeProxy ServerType = "PROXY"
)

// Status is the lifecycle state of a server.
type Status string

const (
	StatusStarting Status = "STARTING"
	StatusReady    Status = "READY"
	StatusStopping Status = "STOPPING"
	StatusOffline  Status = "OFFLINE"
)

// Capacity caps per server type. Soft is the matchmaker's preferred ceiling,
// hard the absolute admission limit.
const (
	MiniSoftCap = 10
	MiniHardCap = 15
	MegaSoftCap = 60
	MegaHardCap = 70
)

// miniHeapLimit is the inclusive MINI threshold: a heap budget of exactly
// 8 GiB is still MINI, anything above is MEGA.
const miniHeapLimit = 8 << 30

// DefaultRole is used when the ENVIRONMENT file is missing or empty.
const DefaultRole = "game"

// environmentFile is the plain-text file whose trimmed content sets the role.
const environmentFile = "ENVIRONMENT"

// Identity is the mutable per-process server identity record. Safe for
// concurrent use; the heartbeat loop and bus handlers read it from worker
// goroutines while the registration flow mutates it.
type Identity struct {
	mu sync.RWMutex

	serverID     string
	role         string
	serverType   ServerType
	instanceUUID string
	address      string
	port         int
	softCap      int
	hardCap      int
	status       Status
	lastBeatAt   time.Time
	bootAt       time.Time
	permanent    bool
}

// New builds the boot-time identity: a fresh temporary id and instance UUID,
// caps derived from the server type, status STARTING.
func New(serverType ServerType, role, address string, port int) *Identity {
	soft, hard := CapsFor(serverType)
	return &Identity{
		serverID:     NewTempID(),
		role:         role,
		serverType:   serverType,
		instanceUUID: uuid.NewString(),
		address:      address,
		port:         port,
		softCap:      soft,
		hardCap:      hard,
		status:       StatusStarting,
		bootAt:       time.Now(),
	}
}

// NewTempID returns a fresh temporary server id, "temp-" plus the first
// eight hex characters of a UUID.
func NewTempID() string {
	return "temp-" + uuid.NewString()[:8]
}

// DetectServerType classifies the process by its heap budget: at most 8 GiB
// is MINI, above is MEGA.
func DetectServerType(heapBudgetBytes uint64) ServerType {
	if heapBudgetBytes <= miniHeapLimit {
		return TypeMini
	}
	return TypeMega
}

// CapsFor returns the (soft, hard) player caps for a server type. Proxies
// carry the MEGA caps; their real capacity comes from proxy announcements.
func CapsFor(t ServerType) (int, int) {
	if t == TypeMini {
		return MiniSoftCap, MiniHardCap
	}
	return MegaSoftCap, MegaHardCap
}

// LoadRole reads the role tag from the ENVIRONMENT file in dir. A missing or
// empty file falls back to DefaultRole with a warning — a misconfigured
// fleet member is better visible than silently absent.
func LoadRole(dir string, logger *zap.Logger) string {
	raw, err := os.ReadFile(filepath.Join(dir, environmentFile))
	if err != nil {
		logger.Warn("ENVIRONMENT file not readable, defaulting role",
			zap.String("dir", dir),
			zap.String("role", DefaultRole),
			zap.Error(err),
		)
		return DefaultRole
	}
	role := strings.TrimSpace(string(raw))
	if role == "" {
		logger.Warn("ENVIRONMENT file is empty, defaulting role",
			zap.String("role", DefaultRole),
		)
		return DefaultRole
	}
	return role
}

// ServerID returns the current id (temporary until registration completes).
func (i *Identity) ServerID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.serverID
}

// AdoptPermanentID installs the registry-assigned id. A permanent id, once
// assigned, never changes for the lifetime of the instance — a second call
// with a different id is rejected.
func (i *Identity) AdoptPermanentID(id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.permanent {
		if i.serverID == id {
			return nil
		}
		return fmt.Errorf("identity: permanent id already assigned (%s), refusing %s", i.serverID, id)
	}
	i.serverID = id
	i.permanent = true
	i.status = StatusReady
	return nil
}

// HasPermanentID reports whether registration has completed.
func (i *Identity) HasPermanentID() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.permanent
}

func (i *Identity) Role() string { i.mu.RLock(); defer i.mu.RUnlock(); return i.role }

func (i *Identity) Type() ServerType { i.mu.RLock(); defer i.mu.RUnlock(); return i.serverType }

func (i *Identity) InstanceUUID() string { i.mu.RLock(); defer i.mu.RUnlock(); return i.instanceUUID }

func (i *Identity) Address() string { i.mu.RLock(); defer i.mu.RUnlock(); return i.address }

func (i *Identity) Port() int { i.mu.RLock(); defer i.mu.RUnlock(); return i.port }

func (i *Identity) SoftCap() int { i.mu.RLock(); defer i.mu.RUnlock(); return i.softCap }

func (i *Identity) HardCap() int { i.mu.RLock(); defer i.mu.RUnlock(); return i.hardCap }

func (i *Identity) Status() Status { i.mu.RLock(); defer i.mu.RUnlock(); return i.status }

// SetStatus transitions the lifecycle state. Heartbeats stop advancing once
// the server goes OFFLINE.
func (i *Identity) SetStatus(s Status) {
	i.mu.Lock()
	i.status = s
	i.mu.Unlock()
}

// MarkHeartbeat records a heartbeat publish. The timestamp only moves
// forward while the server is not OFFLINE.
func (i *Identity) MarkHeartbeat(at time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status == StatusOffline {
		return
	}
	if at.After(i.lastBeatAt) {
		i.lastBeatAt = at
	}
}

// LastHeartbeatAt returns the time of the most recent heartbeat publish.
func (i *Identity) LastHeartbeatAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.lastBeatAt
}

// UptimeMillis returns milliseconds since boot.
func (i *Identity) UptimeMillis() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return time.Since(i.bootAt).Milliseconds()
}
