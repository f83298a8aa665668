package advert

import (
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wgnetmanager/wgnetmanager/internal/envelope"
	"github.com/wgnetmanager/wgnetmanager/internal/peerdb"
	"github.com/wgnetmanager/wgnetmanager/internal/protocol"
)

func testKey() envelope.Key {
	var k envelope.Key
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// wireDirect connects two engines' Send functions straight into each
// other's HandleIncoming, bypassing an actual socket, for testing the
// advertisement exchange in-process.
func wireDirect(t *testing.T, addrA, addrB netip.Addr, srcA, srcB netip.AddrPort) (*Engine, *Engine) {
	t.Helper()
	key := testKey()
	dbA := peerdb.New(addrA, "a")
	dbB := peerdb.New(addrB, "b")

	var engineA, engineB *Engine
	engineA = New(dbA, key, func(packet []byte, dst netip.AddrPort) error {
		_, err := engineB.HandleIncoming(packet, srcA, time.Now())
		return err
	}, discardLogger())
	engineB = New(dbB, key, func(packet []byte, dst netip.AddrPort) error {
		_, err := engineA.HandleIncoming(packet, srcB, time.Now())
		return err
	}, discardLogger())

	engineA.SelfPublicKey = [32]byte{1}
	engineA.KeyTimestamp = 1
	engineB.SelfPublicKey = [32]byte{2}
	engineB.KeyTimestamp = 1

	t.Cleanup(func() {
		engineA.Close()
		engineB.Close()
	})
	return engineA, engineB
}

func TestBroadcastFullAdvertisement_NewPeerTriggersReply(t *testing.T) {
	addrA := netip.MustParseAddr("10.0.0.1")
	addrB := netip.MustParseAddr("10.0.0.2")
	srcA := netip.MustParseAddrPort("127.0.0.1:9001")
	srcB := netip.MustParseAddrPort("127.0.0.1:9002")
	engineA, engineB := wireDirect(t, addrA, addrB, srcA, srcB)
	engineB.StaticEndpoints[addrA] = srcA
	engineB.DB.AddStaticPeer(addrA, 0)

	now := time.Now()
	require.NoError(t, engineB.BroadcastFullAdvertisement(now))

	pOnA, ok := engineA.DB.GetPeer(addrB)
	require.True(t, ok)
	require.Equal(t, peerdb.ControlOnly, pOnA.Reachability)

	pOnB, ok := engineB.DB.GetPeer(addrA)
	require.True(t, ok, "A's reply to a new peer must reach B")
	require.Equal(t, peerdb.ControlOnly, pOnB.Reachability)
}

func TestHandleIncoming_DropsSelfAddressedEnvelopeSilently(t *testing.T) {
	addrA := netip.MustParseAddr("10.0.0.1")
	key := testKey()
	db := peerdb.New(addrA, "a")
	e := New(db, key, func([]byte, netip.AddrPort) error { return nil }, discardLogger())
	t.Cleanup(e.Close)

	now := time.Now()
	adv := &protocol.Advertisement{SenderWgIp: addrA, KeyTimestamp: 1}
	payload, err := protocol.Encode(&protocol.Message{Tag: protocol.TagAdvertisement, Advertisement: adv})
	require.NoError(t, err)
	sealed, err := envelope.Seal(key, addrA, payload, now)
	require.NoError(t, err)

	_, err = e.HandleIncoming(sealed, netip.MustParseAddrPort("127.0.0.1:1"), now)
	require.NoError(t, err)
	require.Empty(t, db.Peers(), "a self-echoed envelope must never create a peer record")
}

func TestLocalContactRoundTrip_PromotesToDirectCandidate(t *testing.T) {
	addrA := netip.MustParseAddr("10.0.0.1")
	addrB := netip.MustParseAddr("10.0.0.2")
	srcA := netip.MustParseAddrPort("192.168.1.1:9001")
	srcB := netip.MustParseAddrPort("192.168.1.2:9002")
	engineA, engineB := wireDirect(t, addrA, addrB, srcA, srcB)

	now := time.Now()
	// Seed both sides with knowledge of each other, as if a prior full
	// advertisement exchange had already happened, and give A a Local
	// candidate endpoint for B to probe.
	_, err := engineA.DB.IngestAdvertisement(addrB, srcB, &protocol.Advertisement{SenderWgIp: addrB, KeyTimestamp: 1}, now)
	require.NoError(t, err)
	_, err = engineB.DB.IngestAdvertisement(addrA, srcA, &protocol.Advertisement{SenderWgIp: addrA, KeyTimestamp: 1}, now)
	require.NoError(t, err)
	localB := netip.MustParseAddrPort("192.168.1.2:9500")
	engineA.DB.RecordEndpoint(addrB, localB.Addr().String(), localB.Port(), protocol.ClassLocal, now)

	require.NoError(t, engineA.SendLocalProbes(now))

	pOnA, ok := engineA.DB.GetPeer(addrB)
	require.True(t, ok)
	require.Equal(t, peerdb.DirectCandidate, pOnA.Reachability, "A must promote B to DirectCandidate once B's LocalContactReply loops back")
}
