package peerdb

import (
	"net/netip"
	"slices"
	"time"

	"github.com/wgnetmanager/wgnetmanager/internal/errs"
	"github.com/wgnetmanager/wgnetmanager/internal/protocol"
)

// ChangeSet describes what mutated during an IngestAdvertisement or Tick
// call (spec §4.4), so callers (the reconciliation loop, the advertisement
// engine) can decide whether to react without re-diffing the whole database.
type ChangeSet struct {
	AddedPeers    []netip.Addr
	UpdatedKeys   []netip.Addr
	DemotedPeers  []netip.Addr
	RemovedPeers  []netip.Addr
	RoutesChanged bool
	// NewPeer is set when IngestAdvertisement created a peer record that did
	// not exist before, signalling the caller to send an AdvertisementReply
	// (spec §4.5 step 4).
	NewPeer bool
}

func (c ChangeSet) Empty() bool {
	return len(c.AddedPeers) == 0 && len(c.UpdatedKeys) == 0 && len(c.DemotedPeers) == 0 &&
		len(c.RemovedPeers) == 0 && !c.RoutesChanged
}

// DB is the peer/route database of C4. It must only be touched from the
// daemon's single event-loop goroutine.
type DB struct {
	Self     netip.Addr
	SelfName string

	peers  map[netip.Addr]*Peer
	routes map[netip.Addr]RouteEntry
}

// New creates an empty database for the given node identity.
func New(self netip.Addr, selfName string) *DB {
	return &DB{
		Self:     self,
		SelfName: selfName,
		peers:    make(map[netip.Addr]*Peer),
		routes:   make(map[netip.Addr]RouteEntry),
	}
}

// AddStaticPeer registers a peer known from configuration (spec §3
// "Lifecycle"). Static peers are never removed by Tick, only demoted.
func (db *DB) AddStaticPeer(wgIp netip.Addr, adminPort uint16) {
	if wgIp == db.Self {
		return
	}
	if _, ok := db.peers[wgIp]; ok {
		return
	}
	db.peers[wgIp] = &Peer{
		WgIp:         wgIp,
		Static:       true,
		AdminPort:    adminPort,
		Reachability: NeverSeen,
	}
}

// GetPeer returns the peer record for ip, if any.
func (db *DB) GetPeer(ip netip.Addr) (*Peer, bool) {
	p, ok := db.peers[ip]
	return p, ok
}

// Peers returns all known peers, sorted by wg_ip for deterministic iteration.
func (db *DB) Peers() []*Peer {
	out := make([]*Peer, 0, len(db.peers))
	for _, p := range db.peers {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *Peer) int {
		return a.WgIp.Compare(b.WgIp)
	})
	return out
}

// Routes returns the current route table, sorted by destination.
func (db *DB) Routes() []RouteEntry {
	out := make([]RouteEntry, 0, len(db.routes))
	for _, r := range db.routes {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b RouteEntry) int {
		return a.Destination.Compare(b.Destination)
	})
	return out
}

func (db *DB) recomputeRoutes() bool {
	next := selectRoutes(db.Self, db.peers)
	if routesEqual(db.routes, next) {
		return false
	}
	db.routes = next
	return true
}

func routesEqual(a, b map[netip.Addr]RouteEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		ov, ok := b[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// IngestAdvertisement validates and applies a received Advertisement or
// AdvertisementReply against the §3 invariants, returning the resulting
// ChangeSet. now is the time the datagram was received; it drives last-seen
// bookkeeping.
func (db *DB) IngestAdvertisement(senderWgIp netip.Addr, srcAddr netip.AddrPort, adv *protocol.Advertisement, now time.Time) (ChangeSet, error) {
	var cs ChangeSet
	if senderWgIp == db.Self {
		return cs, errs.New(errs.KindProtocolReject, "self-addressed advertisement")
	}
	if adv.SenderWgIp != senderWgIp {
		return cs, errs.New(errs.KindProtocolReject, "envelope sender does not match payload sender")
	}

	p, existed := db.peers[senderWgIp]
	if !existed {
		p = &Peer{WgIp: senderWgIp, Reachability: NeverSeen}
		db.peers[senderWgIp] = p
		cs.AddedPeers = append(cs.AddedPeers, senderWgIp)
		cs.NewPeer = true
	}

	if adv.SenderName != "" {
		p.Name = adv.SenderName
	}
	p.AdminPort = adv.AdminPort

	// Invariant 5: a key once observed at timestamp t can only be replaced
	// by one with a strictly greater timestamp.
	if p.Key == nil || adv.KeyTimestamp > p.Key.KeyTimestamp {
		p.Key = &PeerKey{PublicKey: adv.SenderPublicKey, KeyTimestamp: adv.KeyTimestamp}
		cs.UpdatedKeys = append(cs.UpdatedKeys, senderWgIp)
	}

	// Any valid received message moves NeverSeen/Lost -> ControlOnly.
	if p.Reachability == NeverSeen || p.Reachability == Lost {
		p.Reachability = ControlOnly
		p.lostSince = time.Time{}
	}
	p.LastSeenViaAny = now

	if srcAddr.IsValid() {
		p.upsertEndpoint(srcAddr.Addr().String(), srcAddr.Port(), protocol.ClassDynamic, now)
	}
	for _, ep := range adv.Endpoints {
		p.upsertEndpoint(ep.Host, ep.Port, ep.Class, now)
	}

	p.AdvertisedRoutes = adv.Routes
	p.AdvertisedRoutesVersion = adv.RouteDbVersion

	if db.recomputeRoutes() {
		cs.RoutesChanged = true
	}
	return cs, nil
}

// ObserveHandshake applies evidence from C3's query_observed_endpoint (spec
// §4.5): a direct WireGuard handshake promotes ControlOnly/DirectCandidate to
// Direct.
func (db *DB) ObserveHandshake(peerIp netip.Addr, now time.Time) ChangeSet {
	var cs ChangeSet
	p, ok := db.peers[peerIp]
	if !ok {
		return cs
	}
	p.lastHandshakeObserved = now
	p.LastSeenViaAny = now
	if p.Reachability == ControlOnly || p.Reachability == DirectCandidate {
		p.Reachability = Direct
		if db.recomputeRoutes() {
			cs.RoutesChanged = true
		}
	}
	return cs
}

// RecordEndpoint adds or refreshes a candidate endpoint for a known peer,
// used by the advertisement engine when a datagram carries evidence of
// reachability outside of a full Advertisement (e.g. a LocalContactReply).
func (db *DB) RecordEndpoint(peerIp netip.Addr, host string, port uint16, class protocol.EndpointClass, now time.Time) bool {
	p, ok := db.peers[peerIp]
	if !ok {
		return false
	}
	return p.upsertEndpoint(host, port, class, now)
}

// ObserveLocalContactReply applies the ControlOnly -> DirectCandidate
// transition triggered by a received LocalContactReply (spec §4.5).
func (db *DB) ObserveLocalContactReply(peerIp netip.Addr, now time.Time) ChangeSet {
	var cs ChangeSet
	p, ok := db.peers[peerIp]
	if !ok {
		return cs
	}
	p.LastSeenViaAny = now
	if p.Reachability == ControlOnly {
		p.Reachability = DirectCandidate
	}
	return cs
}

// Tick ages the database: Direct peers with no evidence for TLost become
// Lost; non-static peers Lost for longer than TForget are removed; routes
// are recomputed to drop any whose next hop fell out of Direct (spec §4.4).
func (db *DB) Tick(now time.Time) ChangeSet {
	var cs ChangeSet
	for ip, p := range db.peers {
		if p.Reachability == Direct && now.Sub(p.LastSeenViaAny) > TLost {
			p.Reachability = Lost
			p.lostSince = now
			cs.DemotedPeers = append(cs.DemotedPeers, ip)
		}
		if p.Reachability == Lost && !p.Static && !p.lostSince.IsZero() && now.Sub(p.lostSince) > TForget {
			delete(db.peers, ip)
			cs.RemovedPeers = append(cs.RemovedPeers, ip)
		}
	}
	if db.recomputeRoutes() {
		cs.RoutesChanged = true
	}
	return cs
}

// WgPeerSpec is a desired WireGuard peer entry (spec §4.3 "WgPeerSpec").
type WgPeerSpec struct {
	PublicKey           [32]byte
	Endpoint            netip.AddrPort
	AllowedIPs          []netip.Prefix
	PersistentKeepalive time.Duration
}

// RouteSpec is a desired kernel route (spec §4.3 "RouteSpec").
type RouteSpec struct {
	Destination netip.Prefix
}

// DesiredWgPeers projects the database to the WireGuard peer set of spec
// §4.6.
func (db *DB) DesiredWgPeers() []WgPeerSpec {
	var out []WgPeerSpec
	for _, p := range db.Peers() {
		if p.Key == nil {
			continue
		}
		switch {
		case p.Reachability == Direct || p.Reachability == DirectCandidate:
			spec := WgPeerSpec{
				PublicKey:           p.Key.PublicKey,
				AllowedIPs:          allowedIPsFor(db, p.WgIp),
				PersistentKeepalive: TKeepalive,
			}
			if ep, ok := p.BestEndpoint(); ok {
				if addr, err := netip.ParseAddr(ep.Host); err == nil {
					spec.Endpoint = netip.AddrPortFrom(addr, ep.Port)
				}
			}
			out = append(out, spec)
		case p.Reachability == ControlOnly && p.Static:
			out = append(out, WgPeerSpec{
				PublicKey:  p.Key.PublicKey,
				AllowedIPs: []netip.Prefix{netip.PrefixFrom(p.WgIp, 32)},
			})
		}
	}
	return out
}

func allowedIPsFor(db *DB, peerIp netip.Addr) []netip.Prefix {
	ips := []netip.Prefix{netip.PrefixFrom(peerIp, 32)}
	for _, r := range db.Routes() {
		if r.NextHop == peerIp && r.Destination != peerIp {
			ips = append(ips, netip.PrefixFrom(r.Destination, 32))
		}
	}
	return ips
}

// DesiredRoutes projects the database to the kernel route set of spec §4.6.
func (db *DB) DesiredRoutes() []RouteSpec {
	var out []RouteSpec
	for _, r := range db.Routes() {
		if r.NextHop == db.Self {
			continue
		}
		if nh, ok := db.peers[r.NextHop]; !ok || nh.Reachability != Direct {
			continue
		}
		out = append(out, RouteSpec{Destination: netip.PrefixFrom(r.Destination, 32)})
	}
	return out
}
