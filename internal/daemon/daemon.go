// Package daemon implements C7: the single-threaded cooperative event loop
// that owns the UDP control socket, the timer wheel, and the orderly startup
// and shutdown sequence of spec §5. All mutation of C4/C5/C6 happens on one
// goroutine, dispatched the way the teacher's state.Env serializes access to
// its State from timers and the network reader.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wgnetmanager/wgnetmanager/internal/advert"
	"github.com/wgnetmanager/wgnetmanager/internal/envelope"
	"github.com/wgnetmanager/wgnetmanager/internal/errs"
	"github.com/wgnetmanager/wgnetmanager/internal/netiface"
	"github.com/wgnetmanager/wgnetmanager/internal/peerdb"
	"github.com/wgnetmanager/wgnetmanager/internal/reconcile"
)

// observedEndpointFreshness bounds how recent a WireGuard handshake must be
// for reconcile.ApplyObservations to treat a peer as Direct (spec §4.5).
const observedEndpointFreshness = 2 * time.Minute

// shutdownCallTimeout bounds every best-effort driver call made while
// stopping (spec §5: "a stuck external command is bounded by a 5-second
// per-call timeout").
const shutdownCallTimeout = 5 * time.Second

// routeConvergenceFloor is the periodic reconcile/tick interval, meeting
// spec §4.4's "at least once per second" floor. Route changes are handled at
// once by onChangeSet; this tick reconciles everything else (peer-set
// changes that leave the routes alone) and retries a reconcile that failed.
const routeConvergenceFloor = 1 * time.Second

// Env is the daemon's shared state, analogous to the teacher's state.Env: a
// dispatch channel every timer and the socket reader funnel work through, so
// C4/C5/C6 are only ever touched from MainLoop's goroutine.
type Env struct {
	Context context.Context
	Cancel  context.CancelCauseFunc

	DispatchChannel chan func() error

	DB        *peerdb.DB
	Advert    *advert.Engine
	Reconcile *reconcile.Loop
	Driver    netiface.Driver
	Log       *slog.Logger
}

// Dispatch runs fun on the event loop goroutine without waiting for it to
// complete.
func (e *Env) Dispatch(fun func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	select {
	case e.DispatchChannel <- fun:
	case <-e.Context.Done():
	}
}

// ScheduleTask runs fun once on the event loop goroutine after delay.
func (e *Env) ScheduleTask(fun func() error, delay time.Duration) {
	time.AfterFunc(delay, func() {
		e.Dispatch(fun)
	})
}

// RepeatTask runs fun on the event loop goroutine every delay until the
// daemon's context is cancelled, mirroring the teacher's RepeatTask.
func (e *Env) RepeatTask(fun func() error, delay time.Duration) {
	go func() {
		for e.Context.Err() == nil {
			e.Dispatch(fun)
			select {
			case <-time.After(delay):
			case <-e.Context.Done():
				return
			}
		}
	}()
}

// Daemon owns the UDP socket and wires C4/C5/C6 together for one running
// node.
type Daemon struct {
	Env *Env

	conn          *net.UDPConn
	onDeviceReady func() error
}

// Options configures a Daemon at startup.
type Options struct {
	DB         *peerdb.DB
	Driver     netiface.Driver
	Key        envelope.Key
	ListenAddr netip.AddrPort
	Log        *slog.Logger

	SelfPublicKey   [32]byte
	KeyTimestamp    uint64
	AdminPort       uint16
	IsListener      bool
	ListenHost      string
	LocalHosts      []string
	StaticEndpoints map[netip.Addr]netip.AddrPort

	// OnDeviceReady, if set, runs once CreateDevice succeeds and before the
	// first reconcile — the hook point for a config's postUp commands
	// (SPEC_FULL.md §12).
	OnDeviceReady func() error
}

// New opens the UDP socket and assembles the engines, but does not yet bring
// up the WireGuard device or start the event loop: call Run for that.
func New(opts Options) (*Daemon, error) {
	udpAddr := net.UDPAddrFromAddrPort(opts.ListenAddr)
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, errs.Wrap(errs.KindDeviceSetup, "failed to open control socket", err)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	env := &Env{
		Context:         ctx,
		Cancel:          cancel,
		DispatchChannel: make(chan func() error, 128),
		DB:              opts.DB,
		Driver:          opts.Driver,
		Log:             opts.Log,
	}

	send := func(packet []byte, dst netip.AddrPort) error {
		_, err := conn.WriteToUDPAddrPort(packet, dst)
		return err
	}
	eng := advert.New(opts.DB, opts.Key, send, opts.Log)
	eng.SelfPublicKey = opts.SelfPublicKey
	eng.KeyTimestamp = opts.KeyTimestamp
	eng.AdminPort = opts.AdminPort
	eng.IsListener = opts.IsListener
	eng.ListenHost = opts.ListenHost
	eng.ListenPort = opts.ListenAddr.Port()
	eng.LocalHosts = opts.LocalHosts
	if opts.StaticEndpoints != nil {
		eng.StaticEndpoints = opts.StaticEndpoints
	}
	env.Advert = eng
	env.Reconcile = reconcile.New(opts.DB, opts.Driver, opts.Log)

	return &Daemon{Env: env, conn: conn, onDeviceReady: opts.OnDeviceReady}, nil
}

// Run brings up the WireGuard device, reconciles initial state, starts the
// timer wheel and the socket reader, and blocks until shutdown (spec §5).
// It follows the teacher's Bootstrap/Start/MainLoop/Stop structure.
func (d *Daemon) Run() error {
	e := d.Env

	if err := d.Env.Driver.CreateDevice(); err != nil {
		return err
	}
	if d.onDeviceReady != nil {
		if err := d.onDeviceReady(); err != nil {
			return errs.Wrap(errs.KindDeviceSetup, "postUp hook failed", err)
		}
	}
	if err := d.Env.Reconcile.Reconcile(); err != nil {
		e.Log.Warn("initial reconcile failed", "err", err)
	}

	e.RepeatTask(func() error { return e.Advert.BroadcastFullAdvertisement(time.Now()) }, peerdb.TAdvertFull)
	e.RepeatTask(func() error { return e.Advert.SendLocalProbes(time.Now()) }, peerdb.TLocalProbe)
	e.RepeatTask(func() error {
		cs := e.DB.Tick(time.Now())
		if cs.RoutesChanged {
			return d.onChangeSet(cs)
		}
		return e.Reconcile.Reconcile()
	}, routeConvergenceFloor)
	e.RepeatTask(func() error {
		cs, err := e.Reconcile.ApplyObservations(time.Now(), observedEndpointFreshness)
		if err != nil {
			return err
		}
		return d.onChangeSet(cs)
	}, peerdb.TKeepalive)

	d.startSocketReader()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			e.Cancel(errors.New("received shutdown signal"))
		case <-e.Context.Done():
		}
	}()

	e.Log.Info("daemon started, send SIGINT or SIGTERM to stop")
	err := d.mainLoop()
	d.stop()
	return err
}

// Shutdown requests a cooperative stop, as if a shutdown signal had arrived.
// Safe to call from any goroutine.
func (d *Daemon) Shutdown(reason error) {
	d.Env.Cancel(reason)
}

func (d *Daemon) startSocketReader() {
	go func() {
		buf := make([]byte, envelope.PlaintextMTU+64)
		for {
			n, src, err := d.conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				if d.Env.Context.Err() != nil {
					return
				}
				d.Env.Log.Warn("control socket read error", "err", err)
				continue
			}
			packet := make([]byte, n)
			copy(packet, buf[:n])
			d.Env.Dispatch(func() error {
				cs, err := d.Env.Advert.HandleIncoming(packet, src, time.Now())
				if err != nil {
					d.Env.Log.Debug("dropped incoming datagram", "from", src, "err", err)
					return nil
				}
				return d.onChangeSet(cs)
			})
		}
	}()
}

// onChangeSet implements spec §4.4: any ChangeSet that alters the route
// table reconciles C3 immediately and fires an Advertisement burst to every
// directly reachable peer, rather than waiting for the next scheduled tick.
func (d *Daemon) onChangeSet(cs peerdb.ChangeSet) error {
	if !cs.RoutesChanged {
		return nil
	}
	e := d.Env
	if err := e.Reconcile.Reconcile(); err != nil {
		return err
	}
	if err := e.Advert.BroadcastFullAdvertisement(time.Now()); err != nil {
		e.Log.Warn("route-change advertisement burst failed", "err", err)
	}
	return nil
}

func (d *Daemon) mainLoop() error {
	e := d.Env
	for {
		select {
		case fun, ok := <-e.DispatchChannel:
			if !ok {
				return nil
			}
			if err := fun(); err != nil {
				e.Log.Error("error occurred during dispatch", "err", err)
				var xerr *errs.Error
				if errors.As(err, &xerr) && xerr.Kind() == errs.KindInternalInvariant {
					e.Cancel(err)
				}
			}
		case <-e.Context.Done():
			return nil
		}
	}
}

// stop implements spec §5's cooperative shutdown: stop accepting new
// events, best-effort tear down the driver's peers/routes/device, then
// release resources. Every driver call is bounded by shutdownCallTimeout.
func (d *Daemon) stop() {
	e := d.Env
	e.Log.Info("stopping", "reason", errorCause(e.Context))

	withTimeout(shutdownCallTimeout, func() error { return e.Driver.SetPeers(nil) }, e.Log, "clear peers")
	withTimeout(shutdownCallTimeout, func() error { return e.Driver.SetRoutes(nil) }, e.Log, "clear routes")
	withTimeout(shutdownCallTimeout, func() error { return e.Driver.DestroyDevice() }, e.Log, "destroy device")

	e.Advert.Close()
	_ = d.conn.Close()
	e.Log.Info("stopped")
}

func errorCause(ctx context.Context) string {
	if err := context.Cause(ctx); err != nil {
		return err.Error()
	}
	return "unknown"
}

// withTimeout runs fun and logs if it either errors or overruns timeout; the
// call is not forcibly interrupted since the driver methods take no context,
// but a slow call no longer blocks process exit beyond logging a warning.
func withTimeout(timeout time.Duration, fun func() error, log *slog.Logger, what string) {
	done := make(chan error, 1)
	go func() { done <- fun() }()
	select {
	case err := <-done:
		if err != nil {
			log.Warn("shutdown step failed", "step", what, "err", err)
		}
	case <-time.After(timeout):
		log.Warn("shutdown step exceeded timeout, continuing", "step", what)
	}
}
