package protocol

// Error kinds carried in error and close frames and in JSON error
// bodies. Grouped by where they surface.
const (
	// Attach handshake failures (error frames).
	KindUnknownID       = "UNKNOWN_ID"
	KindBadToken        = "BAD_TOKEN"
	KindAlreadyAttached = "ALREADY_ATTACHED"
	KindCapacity        = "CAPACITY"

	// Session close causes (close frames).
	KindPeerClose        = "PEER_CLOSE"
	KindHeartbeatTimeout = "HEARTBEAT_TIMEOUT"
	KindProtocol         = "PROTOCOL"
	KindMalformedFrame   = "MALFORMED_FRAME"
	KindFrameTooLarge    = "FRAME_TOO_LARGE"
	KindAdminDelete      = "ADMIN_DELETE"
	KindShutdown         = "SHUTDOWN"

	// Agent-reported local dispatch failures.
	KindLocalUnreachable = "LOCAL_UNREACHABLE"

	// Client-request kinds surfaced as HTTP statuses by the proxy and
	// control plane.
	KindTunnelNotFound     = "TUNNEL_NOT_FOUND"
	KindTunnelNotConnected = "TUNNEL_NOT_CONNECTED"
	KindTunnelBusy         = "TUNNEL_BUSY"
	KindRequestTimeout     = "REQUEST_TIMEOUT"
	KindUpstreamGone       = "UPSTREAM_GONE"
	KindPayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	KindUnauthorized       = "UNAUTHORIZED"
	KindForbidden          = "FORBIDDEN"
	KindThrottled          = "THROTTLED"
	KindCapacityExceeded   = "CAPACITY_EXCEEDED"
	KindInternal           = "INTERNAL"
)
