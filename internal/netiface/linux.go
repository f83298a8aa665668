package netiface

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/vishvananda/netlink"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/wgnetmanager/wgnetmanager/internal/errs"
	"github.com/wgnetmanager/wgnetmanager/internal/peerdb"
)

const wireguardLinkType = "wireguard"

// wgDataPortOffset is the fixed offset between a node's advertised admin
// control-channel port (spec §3 "Endpoint") and the UDP port its kernel
// WireGuard device actually listens on. Neither original_source/ nor spec.md
// carries a second port field on the wire, so every node derives the other's
// data-plane port from the one it already advertises rather than adding a
// protocol field.
const wgDataPortOffset = 1

// LinuxDriver is the kernel-backed C3 implementation: a real WireGuard
// device managed through wgctrl, with overlay routes pinned to it through
// netlink. It assumes it is the sole owner of the device it created.
type LinuxDriver struct {
	IfaceName  string
	WgIp       netip.Addr
	SubnetBits int
	PrivateKey wgtypes.Key
	ListenPort uint16
	Log        *slog.Logger

	// ExistingIface, when set, means the operator passed `-e`: the daemon
	// configures the interface's key/address/peers but never creates or
	// destroys the link itself (spec §6 "-e use an existing WireGuard
	// interface").
	ExistingIface bool

	client  *wgctrl.Client
	peerIPs map[wgtypes.Key]netip.Addr
}

func NewLinuxDriver(ifaceName string, wgIp netip.Addr, subnetBits int, priv wgtypes.Key, listenPort uint16, existing bool, log *slog.Logger) (*LinuxDriver, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, errs.Wrap(errs.KindPrivilege, "failed to open wgctrl client", err)
	}
	return &LinuxDriver{
		IfaceName:     ifaceName,
		WgIp:          wgIp,
		SubnetBits:    subnetBits,
		PrivateKey:    priv,
		ListenPort:    listenPort,
		ExistingIface: existing,
		Log:           log,
		client:        client,
		peerIPs:       make(map[wgtypes.Key]netip.Addr),
	}, nil
}

// CreateDevice implements spec §4.3 create_device: it creates the kernel
// WireGuard link if absent, brings it up, assigns the overlay address, and
// configures the private key and listen port.
func (d *LinuxDriver) CreateDevice() error {
	link, err := netlink.LinkByName(d.IfaceName)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); !ok {
			return errs.Wrap(errs.KindDeviceSetup, "failed to query link", err)
		}
		if d.ExistingIface {
			return errs.New(errs.KindDeviceSetup, fmt.Sprintf("interface %s does not exist, but -e was passed", d.IfaceName))
		}
		attrs := netlink.NewLinkAttrs()
		attrs.Name = d.IfaceName
		wg := &netlink.GenericLink{LinkAttrs: attrs, LinkType: wireguardLinkType}
		if err := netlink.LinkAdd(wg); err != nil {
			return errs.Wrap(errs.KindDeviceSetup, "failed to create wireguard link", err)
		}
		link, err = netlink.LinkByName(d.IfaceName)
		if err != nil {
			return errs.Wrap(errs.KindDeviceSetup, "failed to query newly created link", err)
		}
		d.Log.Info("created wireguard device", "iface", d.IfaceName)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return errs.Wrap(errs.KindDeviceSetup, "failed to set link up", err)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return errs.Wrap(errs.KindDeviceSetup, "failed to list link addresses", err)
	}
	want := prefixToIPNet(netip.PrefixFrom(d.WgIp, d.SubnetBits))
	found := false
	for _, a := range addrs {
		if a.IPNet.String() == want.String() {
			found = true
			continue
		}
		if err := netlink.AddrDel(link, &a); err != nil {
			return errs.Wrap(errs.KindDeviceSetup, "failed to remove stale link address", err)
		}
	}
	if !found {
		if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: want}); err != nil {
			return errs.Wrap(errs.KindDeviceSetup, "failed to assign overlay address", err)
		}
	}

	port := int(d.ListenPort)
	cfg := wgtypes.Config{
		PrivateKey:   &d.PrivateKey,
		ListenPort:   &port,
		ReplacePeers: false,
	}
	if err := d.client.ConfigureDevice(d.IfaceName, cfg); err != nil {
		return errs.Wrap(errs.KindDeviceSetup, "failed to configure wireguard device", err)
	}
	return nil
}

// SetPeers implements spec §4.3 set_peers, diffing against the kernel's
// current peer set and issuing an IPC call only when something actually
// changed.
func (d *LinuxDriver) SetPeers(peers []peerdb.WgPeerSpec) error {
	desired := make(map[wgtypes.Key]peerState, len(peers))
	desiredIPs := make(map[wgtypes.Key]netip.Addr, len(peers))
	for _, p := range peers {
		key := wgtypes.Key(p.PublicKey)
		// A peer's Endpoint (spec §3) names its admin control-channel
		// address; by the convention in CreateDevice, that peer's kernel
		// WireGuard device listens one port above it on the same host.
		if p.Endpoint.IsValid() {
			p.Endpoint = netip.AddrPortFrom(p.Endpoint.Addr(), p.Endpoint.Port()+wgDataPortOffset)
		}
		desired[key] = toPeerState(p)
		if len(p.AllowedIPs) > 0 {
			desiredIPs[key] = p.AllowedIPs[0].Addr()
		}
	}

	dev, err := d.client.Device(d.IfaceName)
	if err != nil {
		return errs.Wrap(errs.KindPrivilege, "failed to query wireguard device", err)
	}
	current := make(map[wgtypes.Key]peerState, len(dev.Peers))
	for _, p := range dev.Peers {
		current[p.PublicKey] = peerState{
			endpoint:   endpointToAddrPort(p.Endpoint),
			allowedIPs: ipNetsToPrefixes(p.AllowedIPs),
			keepalive:  p.PersistentKeepaliveInterval,
		}
	}

	upsert, remove := diffPeers(current, desired)
	if len(upsert) == 0 && len(remove) == 0 {
		d.peerIPs = desiredIPs
		return nil
	}

	var cfgPeers []wgtypes.PeerConfig
	for _, key := range upsert {
		s := desired[key]
		pc := wgtypes.PeerConfig{
			PublicKey:         key,
			ReplaceAllowedIPs: true,
			AllowedIPs:        prefixesToIPNets(s.allowedIPs),
		}
		if s.endpoint.IsValid() {
			udp := net.UDPAddrFromAddrPort(s.endpoint)
			pc.Endpoint = udp
		}
		if s.keepalive > 0 {
			ka := s.keepalive
			pc.PersistentKeepaliveInterval = &ka
		}
		cfgPeers = append(cfgPeers, pc)
	}
	for _, key := range remove {
		cfgPeers = append(cfgPeers, wgtypes.PeerConfig{PublicKey: key, Remove: true})
	}

	if err := d.client.ConfigureDevice(d.IfaceName, wgtypes.Config{Peers: cfgPeers}); err != nil {
		return errs.Wrap(errs.KindPrivilege, "failed to apply peer diff", err)
	}
	d.peerIPs = desiredIPs
	d.Log.Debug("applied wireguard peer diff", "upserted", len(upsert), "removed", len(remove))
	return nil
}

// SetRoutes implements spec §4.3 set_routes: it pins one /32 kernel route
// per reachable destination onto this device, diffed against the routes
// currently installed on it.
func (d *LinuxDriver) SetRoutes(routes []peerdb.RouteSpec) error {
	link, err := netlink.LinkByName(d.IfaceName)
	if err != nil {
		return errs.Wrap(errs.KindPrivilege, "failed to query link", err)
	}

	desired := make(map[netip.Prefix]struct{}, len(routes))
	for _, r := range routes {
		desired[r.Destination] = struct{}{}
	}

	existing, err := netlink.RouteList(link, netlink.FAMILY_V4)
	if err != nil {
		return errs.Wrap(errs.KindPrivilege, "failed to list routes", err)
	}
	current := make(map[netip.Prefix]struct{}, len(existing))
	for _, r := range existing {
		if r.Dst == nil {
			continue
		}
		current[ipNetToPrefix(*r.Dst)] = struct{}{}
	}

	add, remove := diffRoutes(current, desired)
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}

	for _, p := range add {
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: prefixToIPNet(p)}
		if err := netlink.RouteAdd(route); err != nil {
			return errs.Wrap(errs.KindTransientIO, fmt.Sprintf("failed to add route %s", p), err)
		}
	}
	for _, p := range remove {
		route := &netlink.Route{LinkIndex: link.Attrs().Index, Dst: prefixToIPNet(p)}
		if err := netlink.RouteDel(route); err != nil {
			return errs.Wrap(errs.KindTransientIO, fmt.Sprintf("failed to remove route %s", p), err)
		}
	}
	d.Log.Debug("applied route diff", "added", len(add), "removed", len(remove))
	return nil
}

// QueryObservedEndpoints implements spec §4.3 query_observed_endpoint,
// reporting peers whose most recent WireGuard handshake is within
// freshness of now.
func (d *LinuxDriver) QueryObservedEndpoints(now time.Time, freshness time.Duration) ([]Observation, error) {
	dev, err := d.client.Device(d.IfaceName)
	if err != nil {
		return nil, errs.Wrap(errs.KindPrivilege, "failed to query wireguard device", err)
	}
	var out []Observation
	for _, p := range dev.Peers {
		if p.LastHandshakeTime.IsZero() {
			continue
		}
		if now.Sub(p.LastHandshakeTime) > freshness {
			continue
		}
		wgIp, ok := d.peerIPs[p.PublicKey]
		if !ok {
			continue
		}
		out = append(out, Observation{WgIp: wgIp, LastHandshake: p.LastHandshakeTime})
	}
	return out, nil
}

// DestroyDevice implements spec §4.3 destroy_device. An interface passed in
// with -e is never deleted, only released.
func (d *LinuxDriver) DestroyDevice() error {
	defer d.client.Close()
	if d.ExistingIface {
		return nil
	}
	link, err := netlink.LinkByName(d.IfaceName)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return errs.Wrap(errs.KindPrivilege, "failed to query link", err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return errs.Wrap(errs.KindPrivilege, "failed to delete link", err)
	}
	return nil
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	addr := p.Addr()
	return &net.IPNet{IP: net.IP(addr.AsSlice()), Mask: net.CIDRMask(p.Bits(), addr.BitLen())}
}

func ipNetToPrefix(n net.IPNet) netip.Prefix {
	addr, ok := netip.AddrFromSlice(n.IP)
	if !ok {
		return netip.Prefix{}
	}
	addr = addr.Unmap()
	ones, _ := n.Mask.Size()
	return netip.PrefixFrom(addr, ones)
}

func ipNetsToPrefixes(nets []net.IPNet) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(nets))
	for _, n := range nets {
		out = append(out, ipNetToPrefix(n))
	}
	sortPrefixes(out)
	return out
}

func prefixesToIPNets(ps []netip.Prefix) []net.IPNet {
	out := make([]net.IPNet, 0, len(ps))
	for _, p := range ps {
		out = append(out, *prefixToIPNet(p))
	}
	return out
}

func endpointToAddrPort(u *net.UDPAddr) netip.AddrPort {
	if u == nil {
		return netip.AddrPort{}
	}
	addr, ok := netip.AddrFromSlice(u.IP)
	if !ok {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(u.Port))
}
