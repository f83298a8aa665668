package peerdb

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wgnetmanager/wgnetmanager/internal/errs"
	"github.com/wgnetmanager/wgnetmanager/internal/protocol"
)

func TestIngestAdvertisement_CreatesNewPeerControlOnly(t *testing.T) {
	db := New(addr("10.0.0.1"), "self")
	now := time.Now()
	adv := &protocol.Advertisement{SenderWgIp: addr("10.0.0.2"), SenderName: "b", KeyTimestamp: 1}

	cs, err := db.IngestAdvertisement(addr("10.0.0.2"), netip.MustParseAddrPort("203.0.113.1:51820"), adv, now)
	require.NoError(t, err)
	require.True(t, cs.NewPeer)
	require.Equal(t, []netip.Addr{addr("10.0.0.2")}, cs.AddedPeers)

	p, ok := db.GetPeer(addr("10.0.0.2"))
	require.True(t, ok)
	require.Equal(t, ControlOnly, p.Reachability)
	require.NotNil(t, p.Key)
	require.Equal(t, uint64(1), p.Key.KeyTimestamp)
}

func TestIngestAdvertisement_RejectsSelfAddressed(t *testing.T) {
	db := New(addr("10.0.0.1"), "self")
	adv := &protocol.Advertisement{SenderWgIp: addr("10.0.0.1")}
	_, err := db.IngestAdvertisement(addr("10.0.0.1"), netip.AddrPort{}, adv, time.Now())
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindProtocolReject, e.Kind())
}

func TestIngestAdvertisement_DiscardsOlderKeyTimestamp(t *testing.T) {
	db := New(addr("10.0.0.1"), "self")
	now := time.Now()
	newKey := [32]byte{1}
	oldKey := [32]byte{2}

	_, err := db.IngestAdvertisement(addr("10.0.0.2"), netip.AddrPort{}, &protocol.Advertisement{
		SenderWgIp: addr("10.0.0.2"), KeyTimestamp: 10, SenderPublicKey: newKey,
	}, now)
	require.NoError(t, err)

	cs, err := db.IngestAdvertisement(addr("10.0.0.2"), netip.AddrPort{}, &protocol.Advertisement{
		SenderWgIp: addr("10.0.0.2"), KeyTimestamp: 5, SenderPublicKey: oldKey,
	}, now)
	require.NoError(t, err)
	require.Empty(t, cs.UpdatedKeys)

	p, _ := db.GetPeer(addr("10.0.0.2"))
	require.Equal(t, newKey, p.Key.PublicKey)
	require.Equal(t, uint64(10), p.Key.KeyTimestamp)
}

func TestObserveHandshake_PromotesToDirectAndRecomputesRoutes(t *testing.T) {
	db := New(addr("10.0.0.1"), "self")
	now := time.Now()
	_, err := db.IngestAdvertisement(addr("10.0.0.2"), netip.AddrPort{}, &protocol.Advertisement{
		SenderWgIp: addr("10.0.0.2"), KeyTimestamp: 1,
	}, now)
	require.NoError(t, err)
	require.Empty(t, db.Routes())

	cs := db.ObserveHandshake(addr("10.0.0.2"), now)
	require.True(t, cs.RoutesChanged)

	p, _ := db.GetPeer(addr("10.0.0.2"))
	require.Equal(t, Direct, p.Reachability)
	require.Len(t, db.Routes(), 1)
}

func TestTick_DemotesAndForgetsNonStaticPeers(t *testing.T) {
	db := New(addr("10.0.0.1"), "self")
	now := time.Now()
	_, err := db.IngestAdvertisement(addr("10.0.0.2"), netip.AddrPort{}, &protocol.Advertisement{
		SenderWgIp: addr("10.0.0.2"), KeyTimestamp: 1,
	}, now)
	require.NoError(t, err)
	db.ObserveHandshake(addr("10.0.0.2"), now)

	later := now.Add(TLost + time.Second)
	cs := db.Tick(later)
	require.Equal(t, []netip.Addr{addr("10.0.0.2")}, cs.DemotedPeers)
	p, ok := db.GetPeer(addr("10.0.0.2"))
	require.True(t, ok)
	require.Equal(t, Lost, p.Reachability)

	evenLater := later.Add(TForget + time.Second)
	cs = db.Tick(evenLater)
	require.Equal(t, []netip.Addr{addr("10.0.0.2")}, cs.RemovedPeers)
	_, ok = db.GetPeer(addr("10.0.0.2"))
	require.False(t, ok)
}

func TestTick_NeverForgetsStaticPeer(t *testing.T) {
	db := New(addr("10.0.0.1"), "self")
	db.AddStaticPeer(addr("10.0.0.2"), 9090)
	now := time.Now()
	_, err := db.IngestAdvertisement(addr("10.0.0.2"), netip.AddrPort{}, &protocol.Advertisement{
		SenderWgIp: addr("10.0.0.2"), KeyTimestamp: 1,
	}, now)
	require.NoError(t, err)
	db.ObserveHandshake(addr("10.0.0.2"), now)

	far := now.Add(TLost + TForget + time.Hour)
	db.Tick(far)
	p, ok := db.GetPeer(addr("10.0.0.2"))
	require.True(t, ok, "static peers must never be forgotten")
	require.Equal(t, Lost, p.Reachability)
}

func TestDesiredWgPeers_IncludesRoutesOnlyForDirectNextHop(t *testing.T) {
	db := New(addr("10.0.0.1"), "self")
	now := time.Now()
	_, err := db.IngestAdvertisement(addr("10.0.0.2"), netip.AddrPort{}, &protocol.Advertisement{
		SenderWgIp: addr("10.0.0.2"), KeyTimestamp: 1,
		Routes: []protocol.RouteDigest{{Dest: addr("10.0.0.3"), Hops: 1}},
	}, now)
	require.NoError(t, err)
	db.ObserveHandshake(addr("10.0.0.2"), now)

	peers := db.DesiredWgPeers()
	require.Len(t, peers, 1)
	require.Contains(t, peers[0].AllowedIPs, netip.PrefixFrom(addr("10.0.0.2"), 32))
	require.Contains(t, peers[0].AllowedIPs, netip.PrefixFrom(addr("10.0.0.3"), 32))

	routes := db.DesiredRoutes()
	require.Len(t, routes, 1)
	require.Equal(t, netip.PrefixFrom(addr("10.0.0.3"), 32), routes[0].Destination)
}

func TestDesiredWgPeers_ControlOnlyStaticPeerHasNoRoutesOrEndpoint(t *testing.T) {
	db := New(addr("10.0.0.1"), "self")
	db.AddStaticPeer(addr("10.0.0.2"), 9090)
	now := time.Now()
	_, err := db.IngestAdvertisement(addr("10.0.0.2"), netip.AddrPort{}, &protocol.Advertisement{
		SenderWgIp: addr("10.0.0.2"), KeyTimestamp: 1,
	}, now)
	require.NoError(t, err)

	peers := db.DesiredWgPeers()
	require.Len(t, peers, 1)
	require.Equal(t, []netip.Prefix{netip.PrefixFrom(addr("10.0.0.2"), 32)}, peers[0].AllowedIPs)
	require.False(t, peers[0].Endpoint.IsValid())
}
