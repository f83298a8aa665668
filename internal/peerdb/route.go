package peerdb

import (
	"net/netip"
)

// RouteEntry is one row of the distance-vector route table (spec §3 "Route
// entry"). NextHop == Destination means "directly reachable".
type RouteEntry struct {
	Destination     netip.Addr
	NextHop         netip.Addr
	HopCount        uint8
	ViaKeyTimestamp uint64
}

// candidate is an internal scratch value considered during route selection.
type candidate struct {
	nextHop         netip.Addr
	hops            int
	viaKeyTimestamp uint64
}

// selectRoutes implements the route selection algorithm of spec §4.4. It
// only consumes exported state (peers map, self) so it can be unit-tested in
// isolation from DB's mutation machinery.
func selectRoutes(self netip.Addr, peers map[netip.Addr]*Peer) map[netip.Addr]RouteEntry {
	best := make(map[netip.Addr]candidate)

	consider := func(dest netip.Addr, c candidate) {
		if dest == self {
			return
		}
		cur, ok := best[dest]
		if !ok {
			best[dest] = c
			return
		}
		if c.hops < cur.hops {
			best[dest] = c
			return
		}
		if c.hops == cur.hops {
			if less := compareTieBreak(c, cur); less {
				best[dest] = c
			}
		}
	}

	for _, p := range peers {
		if p.Reachability != Direct {
			continue
		}
		var kt uint64
		if p.Key != nil {
			kt = p.Key.KeyTimestamp
		}
		// Step 1: directly reachable peer.
		consider(p.WgIp, candidate{nextHop: p.WgIp, hops: 1, viaKeyTimestamp: kt})

		// Step 2: propose routes the peer last advertised.
		for _, rd := range p.AdvertisedRoutes {
			if rd.Dest == self {
				continue
			}
			hops := int(rd.Hops) + 1
			if hops > MaxHopCount {
				continue
			}
			consider(rd.Dest, candidate{nextHop: p.WgIp, hops: hops, viaKeyTimestamp: kt})
		}
	}

	out := make(map[netip.Addr]RouteEntry, len(best))
	for dest, c := range best {
		// Step 4: drop routes whose next hop is not Direct.
		nh, ok := peers[c.nextHop]
		if !ok || nh.Reachability != Direct {
			continue
		}
		// Step 5: cap at MaxHopCount; at the cap, unreachable.
		if c.hops >= MaxHopCount {
			continue
		}
		out[dest] = RouteEntry{
			Destination:     dest,
			NextHop:         c.nextHop,
			HopCount:        uint8(c.hops),
			ViaKeyTimestamp: c.viaKeyTimestamp,
		}
	}
	return out
}

// compareTieBreak implements the §3 tie-break: (next_hop wg_ip ascending,
// lowest key_timestamp). Returns true if a should win over b.
func compareTieBreak(a, b candidate) bool {
	if a.nextHop != b.nextHop {
		return lessAddr(a.nextHop, b.nextHop)
	}
	return a.viaKeyTimestamp < b.viaKeyTimestamp
}

func lessAddr(a, b netip.Addr) bool {
	return a.Less(b)
}
