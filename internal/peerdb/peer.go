// Package peerdb implements C4: the authoritative peer/route database and
// its lifecycle state machine (spec §3, §4.4). It is designed to be owned by
// a single writer — the daemon's event loop — and holds no locks of its own.
package peerdb

import (
	"net/netip"
	"time"

	"github.com/wgnetmanager/wgnetmanager/internal/protocol"
)

// Reachability is a peer's position in the state machine of spec §4.5.
type Reachability int

const (
	NeverSeen Reachability = iota
	ControlOnly
	DirectCandidate
	Direct
	Lost
)

func (r Reachability) String() string {
	switch r {
	case NeverSeen:
		return "NeverSeen"
	case ControlOnly:
		return "ControlOnly"
	case DirectCandidate:
		return "DirectCandidate"
	case Direct:
		return "Direct"
	case Lost:
		return "Lost"
	default:
		return "Unknown"
	}
}

// PeerKey is a peer's current WireGuard session key (spec §3 "Session key").
type PeerKey struct {
	PublicKey    [32]byte
	KeyTimestamp uint64
}

// Endpoint is a candidate (host, udp_port) pair with its classification and
// freshness (spec §3 "Endpoint").
type Endpoint struct {
	Host     string
	Port     uint16
	Class    protocol.EndpointClass
	LastSeen time.Time
}

// Peer is the record for one known non-self node (spec §3 "Peer record").
type Peer struct {
	WgIp   netip.Addr
	Name   string
	Key    *PeerKey // nil if never heard
	Static bool     // listed in the configuration; never removed, only demoted

	Endpoints []Endpoint

	LastSeenViaAny time.Time
	Reachability   Reachability
	AdminPort      uint16

	// AdvertisedRoutes and AdvertisedRoutesVersion cache the last
	// RouteDigest list this peer sent, used by the route selector (§4.4).
	AdvertisedRoutes        []protocol.RouteDigest
	AdvertisedRoutesVersion uint32

	// lastHandshakeObserved is the most recent time query_observed_endpoint (§4.3)
	// reported a fresh handshake for this peer's key, driving the
	// ControlOnly/DirectCandidate -> Direct transition (§4.5).
	lastHandshakeObserved time.Time
	// lostSince records when the peer transitioned into Lost, for the
	// T_forget timer.
	lostSince time.Time
}

// upsertEndpoint records or refreshes a candidate endpoint. A (host, port)
// pair keeps the class it was first learned under; only LastSeen is
// refreshed on repeat sightings, since BestEndpoint ranks by class and a
// flapping class on every datagram would make that ranking nondeterministic.
// Returns true if a new endpoint was appended.
func (p *Peer) upsertEndpoint(host string, port uint16, class protocol.EndpointClass, now time.Time) bool {
	for i := range p.Endpoints {
		e := &p.Endpoints[i]
		if e.Host == host && e.Port == port {
			e.LastSeen = now
			return false
		}
	}
	p.Endpoints = append(p.Endpoints, Endpoint{Host: host, Port: port, Class: class, LastSeen: now})
	return true
}

// BestEndpoint implements the priority order of spec §4.6:
// Dynamic (observed by handshake) > Static > Local > last reported, with
// ties broken by freshest LastSeen.
func (p *Peer) BestEndpoint() (Endpoint, bool) {
	rank := func(c protocol.EndpointClass) int {
		switch c {
		case protocol.ClassDynamic:
			return 3
		case protocol.ClassStatic:
			return 2
		case protocol.ClassLocal:
			return 1
		default:
			return 0
		}
	}
	var best Endpoint
	found := false
	for _, e := range p.Endpoints {
		if !found || rank(e.Class) > rank(best.Class) ||
			(rank(e.Class) == rank(best.Class) && e.LastSeen.After(best.LastSeen)) {
			best = e
			found = true
		}
	}
	return best, found
}
