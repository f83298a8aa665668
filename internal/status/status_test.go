package status

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wgnetmanager/wgnetmanager/internal/peerdb"
	"github.com/wgnetmanager/wgnetmanager/internal/protocol"
)

func TestRender_IncludesKnownPeersAndRoutes(t *testing.T) {
	self := netip.MustParseAddr("10.0.0.1")
	peerIp := netip.MustParseAddr("10.0.0.2")
	db := peerdb.New(self, "self")
	now := time.Now()
	_, err := db.IngestAdvertisement(peerIp, netip.AddrPort{}, &protocol.Advertisement{
		SenderWgIp: peerIp, SenderName: "b", KeyTimestamp: 1,
	}, now)
	require.NoError(t, err)
	db.ObserveHandshake(peerIp, now)

	out := Render(db, now)
	require.Contains(t, out, "10.0.0.2")
	require.Contains(t, out, "Direct")
	require.Contains(t, out, "Routes:")
}

func TestRender_EmptyDatabase(t *testing.T) {
	db := peerdb.New(netip.MustParseAddr("10.0.0.1"), "self")
	out := Render(db, time.Now())
	require.Contains(t, out, "(none)")
}
