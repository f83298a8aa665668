package daemon

import (
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/wgnetmanager/wgnetmanager/internal/netiface"
	"github.com/wgnetmanager/wgnetmanager/internal/peerdb"
)

type fakeDriver struct {
	setPeersCalls  int
	setRoutesCalls int
	destroyCalls   int
}

func (f *fakeDriver) CreateDevice() error                  { return nil }
func (f *fakeDriver) SetPeers(_ []peerdb.WgPeerSpec) error { f.setPeersCalls++; return nil }
func (f *fakeDriver) SetRoutes(_ []peerdb.RouteSpec) error { f.setRoutesCalls++; return nil }
func (f *fakeDriver) DestroyDevice() error                 { f.destroyCalls++; return nil }
func (f *fakeDriver) QueryObservedEndpoints(now time.Time, freshness time.Duration) ([]netiface.Observation, error) {
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestDaemon_StartsReconcilesAndStopsCleanly exercises the full Bootstrap ->
// MainLoop -> Stop lifecycle of spec §5 over a real loopback UDP socket,
// with a fake C3 driver standing in for the kernel.
func TestDaemon_StartsReconcilesAndStopsCleanly(t *testing.T) {
	self := netip.MustParseAddr("10.0.0.1")
	db := peerdb.New(self, "self")
	driver := &fakeDriver{}

	d, err := New(Options{
		DB:         db,
		Driver:     driver,
		Key:        [32]byte{1, 2, 3},
		ListenAddr: netip.MustParseAddrPort("127.0.0.1:0"),
		Log:        discardLogger(),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run() }()

	require.Eventually(t, func() bool { return driver.setPeersCalls > 0 }, time.Second, 5*time.Millisecond)

	d.Shutdown(errors.New("test shutdown"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("daemon did not stop in time")
	}

	require.Equal(t, 1, driver.destroyCalls)

	time.Sleep(50 * time.Millisecond)
	goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}
