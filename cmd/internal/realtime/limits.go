package realtime

import "time"

// Security/performance limits for the push channel.
const (
	// Max bytes per websocket frame read (hard limit). Battle frames are tiny.
	maxFrameBytes = 16 << 10 // 16 KiB

	// Max length of ids carried in client payloads.
	maxIDChars = 64
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)
