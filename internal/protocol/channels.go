package protocol

// Pub/sub channel names. These are wire contracts shared with the proxy and
// any non-Go tooling listening on the bus — they must not change.
const (
	ChannelRegistrationRequest  = "registry:registration:request"
	ChannelRegistrationResponse = "server:registration:response"

	ChannelHeartbeat    = "server:heartbeat"
	ChannelAnnouncement = "server:announcement"
	ChannelRemoved      = "server:removed"

	ChannelEvacuationRequest  = "server:evacuation:request"
	ChannelEvacuationResponse = "server:evacuation:response"

	ChannelProxyAnnouncement         = "proxy:announcement"
	ChannelProxyRequestRegistrations = "proxy:request-registrations"

	ChannelPartyUpdate        = "party:update"
	ChannelReservationCreated = "party:reservation:created"

	ChannelReservationRequest = "party:reservation:request"
	ChannelReservationClaim   = "party:reservation:claim"
	ChannelReservationRelease = "party:reservation:release"
)

// RegistrationResponseChannel is the per-server response channel the registry
// publishes to in addition to the global one, keyed by the temporary id the
// requester presented.
func RegistrationResponseChannel(serverID string) string {
	return ChannelRegistrationResponse + ":" + serverID
}

// ServerChannel is the direct point-to-point channel for a server.
func ServerChannel(serverID string) string {
	return "server:" + serverID
}

// ReregisterChannel carries registry-initiated re-registration requests
// addressed to a single server.
func ReregisterChannel(serverID string) string {
	return "server:" + serverID + ":reregister"
}

// ResponseChannel carries request/reply correlation traffic for a server.
func ResponseChannel(serverID string) string {
	return "response:" + serverID
}

// PlayerRouteChannel is the external transport channel used to ask the proxy
// tier to move a player onto the given server.
func PlayerRouteChannel(serverID string) string {
	return "server:" + serverID + ":player-route"
}

// SlotProvisionChannel is used by the matchmaking tier to ask a server to
// provision a game slot.
func SlotProvisionChannel(serverID string) string {
	return "slot:provision:" + serverID
}
