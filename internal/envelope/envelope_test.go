package envelope

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testKey() Key {
	var k Key
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey()
	now := time.Now()
	payload := []byte("hello control plane")
	sealed, err := Seal(key, netip.MustParseAddr("10.1.1.1"), payload, now)
	require.NoError(t, err)

	opened, err := Open(key, sealed, now, DefaultReplayWindow)
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.1.1.1"), opened.SenderWgIp)
	require.Equal(t, payload, opened.Payload)
	require.WithinDuration(t, now, opened.Timestamp, time.Second)
}

func TestOpen_RejectsWrongKey(t *testing.T) {
	key := testKey()
	other := testKey()
	other[0] ^= 0xff
	sealed, err := Seal(key, netip.MustParseAddr("10.1.1.1"), []byte("x"), time.Now())
	require.NoError(t, err)

	_, err = Open(other, sealed, time.Now(), DefaultReplayWindow)
	require.Error(t, err)
}

func TestOpen_RejectsReplayOutsideWindow(t *testing.T) {
	key := testKey()
	past := time.Now().Add(-10 * time.Minute)
	sealed, err := Seal(key, netip.MustParseAddr("10.1.1.1"), []byte("x"), past)
	require.NoError(t, err)

	_, err = Open(key, sealed, time.Now(), DefaultReplayWindow)
	require.Error(t, err)
}

func TestOpen_RejectsTruncatedPacket(t *testing.T) {
	key := testKey()
	sealed, err := Seal(key, netip.MustParseAddr("10.1.1.1"), []byte("x"), time.Now())
	require.NoError(t, err)

	_, err = Open(key, sealed[:5], time.Now(), DefaultReplayWindow)
	require.Error(t, err)
}

func TestOpen_RejectsBitFlip(t *testing.T) {
	key := testKey()
	sealed, err := Seal(key, netip.MustParseAddr("10.1.1.1"), []byte("payload data"), time.Now())
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01

	_, err = Open(key, sealed, time.Now(), DefaultReplayWindow)
	require.Error(t, err)
}

func TestSeal_RejectsOversizedPlaintext(t *testing.T) {
	key := testKey()
	big := make([]byte, PlaintextMTU)
	_, err := Seal(key, netip.MustParseAddr("10.1.1.1"), big, time.Now())
	require.Error(t, err)
}
