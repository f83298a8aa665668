package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wgnetmanager/wgnetmanager/internal/config"
	"github.com/wgnetmanager/wgnetmanager/internal/daemon"
	"github.com/wgnetmanager/wgnetmanager/internal/envelope"
	"github.com/wgnetmanager/wgnetmanager/internal/errs"
	"github.com/wgnetmanager/wgnetmanager/internal/netiface"
	"github.com/wgnetmanager/wgnetmanager/internal/peerdb"
	"github.com/wgnetmanager/wgnetmanager/internal/status"
)

var (
	configPath     string
	useExisting    bool
	enableTUI      bool
	staticListener bool
	logPath        string
)

// runCmd implements the CLI contract of spec §6:
// wg_netmanager run [-v…] [-c CONFIG] [-e] [-t] INTERFACE WG_IP NAME [-l]
var runCmd = &cobra.Command{
	Use:     "run INTERFACE WG_IP NAME",
	Short:   "Run the overlay control-plane daemon",
	GroupID: "ny",
	Args:    cobra.ExactArgs(3),
	RunE:    runRun,
}

func init() {
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to network YAML config (required)")
	runCmd.Flags().BoolVarP(&useExisting, "existing", "e", false, "use an existing WireGuard interface instead of creating one")
	runCmd.Flags().BoolVarP(&enableTUI, "tui", "t", false, "enable periodic status output")
	runCmd.Flags().BoolVarP(&staticListener, "listener", "l", false, "declare this node a static listener")
	runCmd.Flags().StringVarP(&logPath, "log-file", "o", "", "also write logs to this file, overriding network.logPath")
	_ = runCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ifaceName, wgIpArg, name := args[0], args[1], args[2]

	selfIp, err := netip.ParseAddr(wgIpArg)
	if err != nil {
		return errs.Wrap(errs.KindConfig, "WG_IP is not a valid IPv4 address", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var self *config.PeerCfg
	for i := range cfg.Peers {
		if cfg.Peers[i].WgIp == selfIp {
			self = &cfg.Peers[i]
			break
		}
	}
	if self == nil {
		return errs.New(errs.KindConfig, fmt.Sprintf("WG_IP %s is not listed in %s's peers", selfIp, configPath))
	}

	effectiveLogPath := cfg.LogPath
	if logPath != "" {
		effectiveLogPath = logPath
	}
	log, err := buildLogger(selfIp, verbosity, effectiveLogPath)
	if err != nil {
		return err
	}

	if err := runPreUpHooks(cfg, log); err != nil {
		return err
	}

	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return errs.Wrap(errs.KindInternalInvariant, "failed to generate session key", err)
	}
	keyTimestamp := uint64(time.Now().Unix())

	db := peerdb.New(selfIp, name)
	staticEndpoints := make(map[netip.Addr]netip.AddrPort)
	for _, p := range cfg.Peers {
		if p.WgIp == selfIp {
			continue
		}
		db.AddStaticPeer(p.WgIp, p.AdminPort)
		if p.IsStaticListener() {
			ap, err := resolveEndpoint(p.EndPoint)
			if err != nil {
				log.Warn("failed to resolve static endpoint, peer will only be reachable once it advertises its own", "peer", p.WgIp, "endPoint", p.EndPoint, "err", err)
				continue
			}
			staticEndpoints[p.WgIp] = ap
		}
	}

	isListener := staticListener || self.IsStaticListener()
	listenHost := ""
	if self.IsStaticListener() {
		if host, _, err := net.SplitHostPort(self.EndPoint); err == nil {
			listenHost = host
		}
	}

	// The kernel WireGuard device listens one port above the admin control
	// channel so the two UDP sockets never collide on one host (see
	// netiface.wgDataPortOffset).
	driver, err := netiface.NewLinuxDriver(ifaceName, selfIp, cfg.Network.Subnet.Bits(), priv, self.AdminPort+1, useExisting, log)
	if err != nil {
		return err
	}

	d, err := daemon.New(daemon.Options{
		DB:              db,
		Driver:          driver,
		Key:             envelope.Key(cfg.Network.SharedKey),
		ListenAddr:      netip.AddrPortFrom(netip.IPv4Unspecified(), self.AdminPort),
		Log:             log,
		SelfPublicKey:   [32]byte(priv.PublicKey()),
		KeyTimestamp:    keyTimestamp,
		AdminPort:       self.AdminPort,
		IsListener:      isListener,
		ListenHost:      listenHost,
		LocalHosts:      localIPv4Hosts(log),
		StaticEndpoints: staticEndpoints,
		OnDeviceReady: func() error {
			for _, c := range cfg.PostUp {
				if err := netiface.ExecSplit(log, c); err != nil {
					return err
				}
			}
			return nil
		},
	})
	if err != nil {
		return err
	}

	if enableTUI {
		startStatusPrinter(d.Env, db)
	}

	defer runPostDownHooks(cfg, log)
	return d.Run()
}

func resolveEndpoint(hostPort string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(hostPort); err == nil {
		return ap, nil
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("could not resolve %q: %w", host, err)
	}
	addr, err := netip.ParseAddr(addrs[0])
	if err != nil {
		return netip.AddrPort{}, err
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr.Unmap(), port), nil
}

// localIPv4Hosts enumerates this machine's non-loopback IPv4 addresses to
// advertise as Local-classified candidate endpoints (spec §12 local
// discovery), the way an operator would list LAN addresses in a hosts file.
func localIPv4Hosts(log *slog.Logger) []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.Warn("failed to enumerate local addresses", "err", err)
		return nil
	}
	var hosts []string
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.To4() == nil || ipNet.IP.IsLoopback() {
			continue
		}
		hosts = append(hosts, ipNet.IP.String())
	}
	return hosts
}

// buildLogger follows the teacher's core/entrypoint.go Start: a tint console
// handler is always present, and a second slog.TextHandler writing to
// logPath is appended when one is configured, the two combined through
// slog-multi's Fanout (SPEC_FULL.md §10).
func buildLogger(selfIp netip.Addr, verbosity int, logPath string) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbosity >= 1 {
		level = slog.LevelDebug
	}
	handlers := []slog.Handler{
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        level,
			CustomPrefix: selfIp.String(),
		}),
	}
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
			return nil, errs.Wrap(errs.KindConfig, "failed to create log directory", err)
		}
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, "failed to open log file", err)
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slogmulti.Fanout(handlers...)), nil
}

func runPreUpHooks(cfg *config.Config, log *slog.Logger) error {
	for _, c := range cfg.PreUp {
		if err := netiface.ExecSplit(log, c); err != nil {
			return errs.Wrap(errs.KindDeviceSetup, "preUp hook failed", err)
		}
	}
	return nil
}

func runPostDownHooks(cfg *config.Config, log *slog.Logger) {
	for _, c := range cfg.PostDown {
		if err := netiface.ExecSplit(log, c); err != nil {
			log.Warn("postDown hook failed", "err", err)
		}
	}
}

// startStatusPrinter renders the database on the event loop goroutine, the
// only goroutine allowed to read it.
func startStatusPrinter(env *daemon.Env, db *peerdb.DB) {
	env.RepeatTask(func() error {
		fmt.Fprint(os.Stderr, status.Render(db, time.Now()))
		return nil
	}, 10*time.Second)
}
