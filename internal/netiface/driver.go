// Package netiface implements C3, the declarative network interface driver
// of spec §4.3. It owns the kernel WireGuard device and the overlay routes
// derived from it, applying desired state idempotently so the reconciler
// (C6) only ever issues OS calls on an actual delta.
package netiface

import (
	"net/netip"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wgnetmanager/wgnetmanager/internal/peerdb"
)

// Observation is one row of query_observed_endpoint (spec §4.3): the last
// time the kernel device recorded a fresh WireGuard handshake with a peer,
// keyed by that peer's overlay address.
type Observation struct {
	WgIp          netip.Addr
	LastHandshake time.Time
}

// Driver is the declarative interface of spec §4.3. Every method must be
// idempotent: calling SetPeers or SetRoutes twice in a row with the same
// desired state must issue zero further OS calls on the second call.
type Driver interface {
	CreateDevice() error
	SetPeers(peers []peerdb.WgPeerSpec) error
	SetRoutes(routes []peerdb.RouteSpec) error
	QueryObservedEndpoints(now time.Time, freshness time.Duration) ([]Observation, error)
	DestroyDevice() error
}

// peerState is the subset of a configured WireGuard peer's state that
// participates in diffing, kept independent of wgctrl's wire types so it
// can be compared and unit tested without a kernel device.
type peerState struct {
	endpoint   netip.AddrPort
	allowedIPs []netip.Prefix
	keepalive  time.Duration
}

func toPeerState(spec peerdb.WgPeerSpec) peerState {
	ips := append([]netip.Prefix(nil), spec.AllowedIPs...)
	sortPrefixes(ips)
	return peerState{endpoint: spec.Endpoint, allowedIPs: ips, keepalive: spec.PersistentKeepalive}
}

func sortPrefixes(ps []netip.Prefix) {
	for i := 1; i < len(ps); i++ {
		for j := i; j > 0 && comparePrefix(ps[j], ps[j-1]) < 0; j-- {
			ps[j], ps[j-1] = ps[j-1], ps[j]
		}
	}
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}

func (a peerState) equal(b peerState) bool {
	if a.endpoint != b.endpoint || a.keepalive != b.keepalive {
		return false
	}
	if len(a.allowedIPs) != len(b.allowedIPs) {
		return false
	}
	for i := range a.allowedIPs {
		if a.allowedIPs[i] != b.allowedIPs[i] {
			return false
		}
	}
	return true
}

// diffPeers computes, for a desired set of peers keyed by public key, which
// ones must be upserted (new or changed) and which currently-configured
// peers must be removed (spec §4.3 "set_peers" is a full replace at the
// logical level, but the driver must not re-issue IPC for unchanged peers).
func diffPeers(current, desired map[wgtypes.Key]peerState) (upsert []wgtypes.Key, remove []wgtypes.Key) {
	for k, d := range desired {
		c, ok := current[k]
		if !ok || !c.equal(d) {
			upsert = append(upsert, k)
		}
	}
	for k := range current {
		if _, ok := desired[k]; !ok {
			remove = append(remove, k)
		}
	}
	return upsert, remove
}

// diffRoutes computes which destinations must be added or removed from the
// kernel route table to reach the desired set.
func diffRoutes(current, desired map[netip.Prefix]struct{}) (add, remove []netip.Prefix) {
	for p := range desired {
		if _, ok := current[p]; !ok {
			add = append(add, p)
		}
	}
	for p := range current {
		if _, ok := desired[p]; !ok {
			remove = append(remove, p)
		}
	}
	return add, remove
}
