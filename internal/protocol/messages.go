// Package protocol defines the wire-level messages and channel names shared
// by every process in the fleet: game servers, the registry, and the proxy
// tier. Payloads are JSON-encoded inside a bus envelope; field names are part
// of the interop contract.
package protocol

import "encoding/json"

// Message type identifiers carried in the envelope Type field.
const (
	TypeServerRegistrationRequest  = "ServerRegistrationRequest"
	TypeServerRegistrationResponse = "ServerRegistrationResponse"
	TypeServerHeartbeat            = "ServerHeartbeatMessage"
	TypeServerAnnouncement         = "ServerAnnouncementMessage"
	TypeServerRemoval              = "ServerRemovalNotification"
	TypeServerEvacuationRequest    = "ServerEvacuationRequest"
	TypeServerEvacuationResponse   = "ServerEvacuationResponse"
	TypeProxyAnnouncement          = "ProxyAnnouncementMessage"
	TypeProxyDeregistration        = "ProxyDeregistrationMessage"
	TypeRegistryReregistration     = "RegistryReregistrationRequest"
	TypePartyUpdate                = "PartyUpdateMessage"
	TypePartyReservationCreated    = "PartyReservationCreatedMessage"
	TypePlayerRouteRequest         = "PlayerRouteRequest"
	TypePartyReservationRequest    = "PartyReservationRequest"
	TypePartyReservationResponse   = "PartyReservationResponse"
	TypeReservationClaimRequest    = "ReservationClaimRequest"
	TypeReservationClaimResponse   = "ReservationClaimResponse"
	TypeReservationReleaseRequest  = "ReservationReleaseRequest"
)

// ServerRegistrationRequest is broadcast by a booting server on the
// registration channel. ServerID carries the temporary id until the registry
// assigns a permanent one; on re-registration it carries the permanent id.
type ServerRegistrationRequest struct {
	ServerID    string `json:"serverId"`
	ServerType  string `json:"serverType"` // MINI, MEGA or PROXY
	Role        string `json:"role"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	MaxCapacity int    `json:"maxCapacity"`
	Family      string `json:"family,omitempty"`
	// InstanceUUID lets the registry distinguish a restarted process from a
	// second instance trying to claim the same id.
	InstanceUUID string `json:"instanceUuid"`
}

// ServerRegistrationResponse is the registry's answer, published on both the
// global response channel and the per-temp-id channel. Agents match on TempID
// and ignore responses addressed to other servers.
type ServerRegistrationResponse struct {
	TempID           string `json:"tempId"`
	Success          bool   `json:"success"`
	AssignedServerID string `json:"assignedServerId,omitempty"`
	ProxyID          string `json:"proxyId,omitempty"`
	Message          string `json:"message,omitempty"`
}

// ServerHeartbeatMessage is published every heartbeat interval. The cadence
// must stay below the registry's liveness timeout.
type ServerHeartbeatMessage struct {
	ServerID       string   `json:"serverId"`
	ServerType     string   `json:"serverType"`
	TPS            float64  `json:"tps"`
	PlayerCount    int      `json:"playerCount"`
	MaxCapacity    int      `json:"maxCapacity"`
	Uptime         int64    `json:"uptime"` // milliseconds since boot
	Role           string   `json:"role"`
	AvailablePools []string `json:"availablePools"`
	// Status is normally empty; the terminal heartbeat at shutdown carries
	// "SHUTDOWN" so the registry can retire the record immediately.
	Status string `json:"status,omitempty"`
}

// ServerAnnouncementMessage is broadcast once a server holds a permanent id,
// so peers and proxies can discover it without querying the registry.
type ServerAnnouncementMessage struct {
	ServerID    string `json:"serverId"`
	ServerType  string `json:"serverType"`
	Environment string `json:"environment"`
	Role        string `json:"role"`
	MaxCapacity int    `json:"maxCapacity"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
}

// ServerRemovalNotification is broadcast when a server leaves the fleet.
type ServerRemovalNotification struct {
	ServerID   string `json:"serverId"`
	ServerType string `json:"serverType"`
	Reason     string `json:"reason"`
}

// ServerEvacuationRequest asks a server to move its players elsewhere.
type ServerEvacuationRequest struct {
	ServerID string `json:"serverId"`
	Reason   string `json:"reason"`
}

// ServerEvacuationResponse aggregates the outcome of an evacuation.
type ServerEvacuationResponse struct {
	ServerID  string `json:"serverId"`
	OK        bool   `json:"ok"`
	Evacuated int    `json:"evacuated"`
	Failed    int    `json:"failed"`
	Message   string `json:"message,omitempty"`
}

// ProxyAnnouncementMessage is broadcast by proxies and cached by every server
// agent for discovery.
type ProxyAnnouncementMessage struct {
	ProxyID            string `json:"proxyId"`
	Address            string `json:"address"`
	Capacity           int    `json:"capacity"`
	CurrentPlayerCount int    `json:"currentPlayerCount"`
	HardCap            int    `json:"hardCap"`
}

// ProxyDeregistrationMessage is the directed goodbye a server sends to its
// bound proxy during shutdown.
type ProxyDeregistrationMessage struct {
	ServerID string `json:"serverId"`
	Reason   string `json:"reason"`
}

// RegistryReregistrationRequest is broadcast by the registry on restart.
// Agents answer with a fresh ServerRegistrationRequest carrying their
// current (possibly permanent) id.
type RegistryReregistrationRequest struct {
	RegistryInstance string `json:"registryInstance"`
}

// PartyUpdateMessage is broadcast on the party update channel after every
// party mutation. Snapshot carries the full post-mutation party, encoded by
// the coordinator; it is empty for terminal actions (DISBANDED).
type PartyUpdateMessage struct {
	PartyID   string          `json:"partyId"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
	Action    string          `json:"action"`
	ActorID   string          `json:"actorId,omitempty"`
	TargetID  string          `json:"targetId,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// PartyReservationCreatedMessage notifies the proxy tier that slots are held
// for a party. Reservation carries the full record, including the per-member
// claim tokens.
type PartyReservationCreatedMessage struct {
	ReservationID  string          `json:"reservationId"`
	PartyID        string          `json:"partyId"`
	FamilyID       string          `json:"familyId"`
	VariantID      string          `json:"variantId,omitempty"`
	TargetServerID string          `json:"targetServerId"`
	Reservation    json.RawMessage `json:"reservation"`
}

// PlayerRouteRequest asks the transport tier to move a player to a server.
type PlayerRouteRequest struct {
	PlayerID       string `json:"playerId"`
	Username       string `json:"username"`
	TargetServerID string `json:"targetServerId"`
	Reason         string `json:"reason,omitempty"`
}

// PartyReservationRequest asks the proxy tier to hold slots on a server for
// every online member of a party.
type PartyReservationRequest struct {
	PartyID        string `json:"partyId"`
	TargetServerID string `json:"targetServerId"`
	FamilyID       string `json:"familyId"`
	VariantID      string `json:"variantId,omitempty"`
}

// PartyReservationResponse is the correlated reply to a reservation request.
type PartyReservationResponse struct {
	Success       bool   `json:"success"`
	ReservationID string `json:"reservationId,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ReservationClaimRequest redeems one claim token when its holder arrives on
// the target server.
type ReservationClaimRequest struct {
	Token    string `json:"token"`
	PlayerID string `json:"playerId"`
}

// ReservationClaimResponse is the correlated reply to a claim request.
type ReservationClaimResponse struct {
	Success       bool   `json:"success"`
	ReservationID string `json:"reservationId,omitempty"`
	ServerID      string `json:"serverId,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ReservationReleaseRequest drops a reservation and its outstanding tokens
// before they expire.
type ReservationReleaseRequest struct {
	ReservationID string `json:"reservationId"`
}
