package peerdb

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wgnetmanager/wgnetmanager/internal/protocol"
)

func addr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func directPeer(ip string, routes ...protocol.RouteDigest) *Peer {
	return &Peer{
		WgIp:             addr(ip),
		Reachability:     Direct,
		Key:              &PeerKey{KeyTimestamp: 1},
		AdvertisedRoutes: routes,
	}
}

func TestSelectRoutes_DirectPeerIsOneHop(t *testing.T) {
	self := addr("10.0.0.1")
	peers := map[netip.Addr]*Peer{
		addr("10.0.0.2"): directPeer("10.0.0.2"),
	}
	got := selectRoutes(self, peers)
	require.Len(t, got, 1)
	require.Equal(t, RouteEntry{Destination: addr("10.0.0.2"), NextHop: addr("10.0.0.2"), HopCount: 1, ViaKeyTimestamp: 1}, got[addr("10.0.0.2")])
}

func TestSelectRoutes_TransitiveRouteAddsHop(t *testing.T) {
	self := addr("10.0.0.1")
	b := directPeer("10.0.0.2", protocol.RouteDigest{Dest: addr("10.0.0.3"), Hops: 1})
	peers := map[netip.Addr]*Peer{addr("10.0.0.2"): b}
	got := selectRoutes(self, peers)
	require.Len(t, got, 2)
	require.Equal(t, uint8(2), got[addr("10.0.0.3")].HopCount)
	require.Equal(t, addr("10.0.0.2"), got[addr("10.0.0.3")].NextHop)
}

func TestSelectRoutes_SelfNeverAppears(t *testing.T) {
	self := addr("10.0.0.1")
	b := directPeer("10.0.0.2", protocol.RouteDigest{Dest: self, Hops: 1})
	peers := map[netip.Addr]*Peer{addr("10.0.0.2"): b}
	got := selectRoutes(self, peers)
	_, ok := got[self]
	require.False(t, ok)
}

func TestSelectRoutes_PicksShorterHopCount(t *testing.T) {
	self := addr("10.0.0.1")
	dest := addr("10.0.0.9")
	peers := map[netip.Addr]*Peer{
		addr("10.0.0.2"): directPeer("10.0.0.2", protocol.RouteDigest{Dest: dest, Hops: 5}),
		addr("10.0.0.3"): directPeer("10.0.0.3", protocol.RouteDigest{Dest: dest, Hops: 1}),
	}
	got := selectRoutes(self, peers)
	require.Equal(t, addr("10.0.0.3"), got[dest].NextHop)
	require.Equal(t, uint8(2), got[dest].HopCount)
}

func TestSelectRoutes_TieBreaksByNextHopThenKeyTimestamp(t *testing.T) {
	self := addr("10.0.0.1")
	dest := addr("10.0.0.9")
	peerB := directPeer("10.0.0.3", protocol.RouteDigest{Dest: dest, Hops: 1})
	peerA := directPeer("10.0.0.2", protocol.RouteDigest{Dest: dest, Hops: 1})
	peers := map[netip.Addr]*Peer{
		addr("10.0.0.2"): peerA,
		addr("10.0.0.3"): peerB,
	}
	got := selectRoutes(self, peers)
	// equal hop count via either next hop; lower wg_ip (10.0.0.2) wins.
	require.Equal(t, addr("10.0.0.2"), got[dest].NextHop)
}

func TestSelectRoutes_DropsRouteWhoseNextHopIsNotDirect(t *testing.T) {
	self := addr("10.0.0.1")
	p := directPeer("10.0.0.2")
	p.Reachability = ControlOnly
	peers := map[netip.Addr]*Peer{addr("10.0.0.2"): p}
	got := selectRoutes(self, peers)
	require.Empty(t, got)
}

func TestSelectRoutes_EnforcesMaxHopCount(t *testing.T) {
	self := addr("10.0.0.1")
	dest := addr("10.0.0.9")
	p := directPeer("10.0.0.2", protocol.RouteDigest{Dest: dest, Hops: MaxHopCount})
	peers := map[netip.Addr]*Peer{addr("10.0.0.2"): p}
	got := selectRoutes(self, peers)
	_, ok := got[dest]
	require.False(t, ok, "route beyond MaxHopCount must be dropped")
}
