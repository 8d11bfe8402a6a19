package network

import "time"

const (
	// Default split of the transport's concurrent-connection ceiling.
	DefaultMaxInbound  = 3
	DefaultMaxOutbound = 3

	// setupTimeout bounds Connecting -> Ready. An attempt that never
	// completes the handshake is a failure, not a disconnect.
	defaultSetupTimeout = 10 * time.Second

	// drainGrace is how long an abnormally-disconnected neighbor's slot is
	// held for the same identity to reconnect.
	defaultDrainGrace = 15 * time.Second
)
