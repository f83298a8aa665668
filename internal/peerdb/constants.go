package peerdb

import "time"

// Default timer values from spec §4.5. Operational parameters, adjustable
// provided the §8 properties still hold.
var (
	// TAdvertFull is the interval between full Advertisement broadcasts.
	TAdvertFull = 60 * time.Second
	// TKeepalive is the WireGuard persistent-keepalive interval.
	TKeepalive = 25 * time.Second
	// TLost is how long without any evidence before a Direct peer is
	// marked Lost.
	TLost = 180 * time.Second
	// TForget is how long a non-static peer may sit in Lost before it is
	// removed from the database entirely.
	TForget = 600 * time.Second
	// TLocalProbe is the interval at which LocalContactRequest probes are
	// sent to Local-classified candidate endpoints of not-yet-Direct peers.
	TLocalProbe = 15 * time.Second
)

// MaxHopCount is the loop safeguard of spec §4.4 step 5: a route at this
// hop count is treated as unreachable.
const MaxHopCount = 16
