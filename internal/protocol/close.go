package protocol

// WebSocket close codes. Private-use codes (4000-4999) carry the failure
// class; the close reason carries the machine-readable detail.
const (
	CloseGoingAway = 1001
	CloseInternal  = 1011
	CloseAuth      = 4001
	CloseProtocol  = 4002
	CloseTimeout   = 4008
	CloseConflict  = 4009
)

// Close reasons.
const (
	ReasonUnexpectedMessage = "unexpected_message"
	ReasonMalformedMessage  = "malformed_message"
	ReasonMissingToken      = "missing_token"
	ReasonInvalidToken      = "invalid_token"
	ReasonHandshakeTimeout  = "handshake_timeout"
	ReasonHeartbeatTimeout  = "heartbeat_timeout"
	ReasonTooManyMalformed  = "too_many_malformed"
	ReasonCommandTimeout    = "command_timeout"
	ReasonSuperseded        = "superseded"
	ReasonShutdown          = "shutdown"
	ReasonDisconnected      = "disconnected"
	ReasonRevoked           = "revoked"
	ReasonUnavailable       = "registry_unavailable"
)
