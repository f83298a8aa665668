// Package advert implements C5, the advertisement protocol engine of spec
// §4.5: it turns peerdb state into outgoing Advertisement/AdvertisementReply
// datagrams and turns incoming datagrams back into peerdb mutations.
package advert

import (
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/wgnetmanager/wgnetmanager/internal/envelope"
	"github.com/wgnetmanager/wgnetmanager/internal/peerdb"
	"github.com/wgnetmanager/wgnetmanager/internal/protocol"
)

// SendFunc delivers a sealed datagram to a destination. The daemon supplies
// this, keeping the engine free of socket ownership.
type SendFunc func(packet []byte, dst netip.AddrPort) error

// Engine is C5. It must only be driven from the daemon's single event-loop
// goroutine.
type Engine struct {
	DB   *peerdb.DB
	Key  envelope.Key
	Send SendFunc
	Log  *slog.Logger

	SelfPublicKey [32]byte
	KeyTimestamp  uint64
	AdminPort     uint16
	IsListener    bool
	ListenHost    string
	ListenPort    uint16
	LocalHosts    []string

	// StaticEndpoints holds the resolved endpoint of every statically
	// configured peer (spec §5 "endPoint"), used when a peer has not yet
	// reported any endpoint of its own.
	StaticEndpoints map[netip.Addr]netip.AddrPort

	routeDbVersion uint32
	// recent deduplicates identical datagrams delivered more than once by
	// the underlying UDP transport, so a retransmitted Advertisement does
	// not cause a second AdvertisementReply or a spurious ChangeSet.
	recent *ttlcache.Cache[string, struct{}]
}

// New constructs an Engine. Call Close when the daemon shuts down.
func New(db *peerdb.DB, key envelope.Key, send SendFunc, log *slog.Logger) *Engine {
	cache := ttlcache.New[string, struct{}](ttlcache.WithTTL[string, struct{}](2 * time.Second))
	go cache.Start()
	return &Engine{
		DB:              db,
		Key:             key,
		Send:            send,
		Log:             log,
		StaticEndpoints: make(map[netip.Addr]netip.AddrPort),
		recent:          cache,
	}
}

func (e *Engine) Close() {
	e.recent.Stop()
}

// HandleIncoming decrypts, decodes and dispatches one received datagram
// (spec §4.5 "on receipt"), returning the resulting ChangeSet so the caller
// can react to a route-table change per spec §4.4 ("Any ChangeSet that
// alters the route table triggers an immediate Advertisement burst to all
// directly reachable peers").
func (e *Engine) HandleIncoming(packet []byte, src netip.AddrPort, now time.Time) (peerdb.ChangeSet, error) {
	opened, err := envelope.Open(e.Key, packet, now, envelope.DefaultReplayWindow)
	if err != nil {
		return peerdb.ChangeSet{}, err
	}
	if opened.SenderWgIp == e.DB.Self {
		return peerdb.ChangeSet{}, nil
	}

	dedupKey := fmt.Sprintf("%s-%08x", opened.SenderWgIp, crc32.ChecksumIEEE(opened.Payload))
	if e.recent.Has(dedupKey) {
		return peerdb.ChangeSet{}, nil
	}
	e.recent.Set(dedupKey, struct{}{}, ttlcache.DefaultTTL)

	msg, err := protocol.Decode(opened.Payload)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownVariant) {
			e.Log.Debug("dropped unknown protocol variant", "from", opened.SenderWgIp)
			return peerdb.ChangeSet{}, nil
		}
		return peerdb.ChangeSet{}, err
	}

	switch msg.Tag {
	case protocol.TagAdvertisement:
		return e.handleAdvertisement(opened.SenderWgIp, src, msg.Advertisement, now, true)
	case protocol.TagAdvertisementReply:
		return e.handleAdvertisement(opened.SenderWgIp, src, msg.AdvertisementReply, now, false)
	case protocol.TagLocalContactRequest:
		return peerdb.ChangeSet{}, e.handleLocalContactRequest(src, now)
	case protocol.TagLocalContactReply:
		return e.handleLocalContactReply(msg.LocalContactReply, src, now)
	default:
		return peerdb.ChangeSet{}, nil
	}
}

func (e *Engine) handleAdvertisement(sender netip.Addr, src netip.AddrPort, adv *protocol.Advertisement, now time.Time, mayReply bool) (peerdb.ChangeSet, error) {
	if sender == e.DB.Self {
		return peerdb.ChangeSet{}, nil
	}
	cs, err := e.DB.IngestAdvertisement(sender, src, adv, now)
	if err != nil {
		return peerdb.ChangeSet{}, err
	}
	if cs.NewPeer && mayReply {
		reply := e.buildAdvertisement(now)
		payload, err := protocol.Encode(&protocol.Message{Tag: protocol.TagAdvertisementReply, AdvertisementReply: reply})
		if err != nil {
			return cs, err
		}
		if err := e.sealAndSend(payload, src, now); err != nil {
			e.Log.Warn("failed to send advertisement reply", "to", sender, "err", err)
		}
	}
	return cs, nil
}

// handleLocalContactRequest answers a probe by replying directly to the
// UDP source address it arrived from, letting the original sender learn its
// probe reached a live peer over the local network (spec §12 local
// discovery, supplementing the distilled spec).
func (e *Engine) handleLocalContactRequest(src netip.AddrPort, now time.Time) error {
	reply := &protocol.LocalContactReply{SenderWgIp: e.DB.Self}
	payload, err := protocol.Encode(&protocol.Message{Tag: protocol.TagLocalContactReply, LocalContactReply: reply})
	if err != nil {
		return err
	}
	return e.sealAndSend(payload, src, now)
}

func (e *Engine) handleLocalContactReply(reply *protocol.LocalContactReply, src netip.AddrPort, now time.Time) (peerdb.ChangeSet, error) {
	if reply.SenderWgIp == e.DB.Self {
		return peerdb.ChangeSet{}, nil
	}
	e.DB.RecordEndpoint(reply.SenderWgIp, src.Addr().String(), src.Port(), protocol.ClassLocal, now)
	cs := e.DB.ObserveLocalContactReply(reply.SenderWgIp, now)
	return cs, nil
}

// BroadcastFullAdvertisement sends a full Advertisement to every peer with a
// known destination (spec §4.5 T_advert_full).
func (e *Engine) BroadcastFullAdvertisement(now time.Time) error {
	adv := e.buildAdvertisement(now)
	payload, err := protocol.Encode(&protocol.Message{Tag: protocol.TagAdvertisement, Advertisement: adv})
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range e.DB.Peers() {
		dst, ok := e.destinationFor(p)
		if !ok {
			continue
		}
		traceId := uuid.New()
		e.Log.Debug("sending advertisement", "to", p.WgIp, "trace_id", traceId)
		if err := e.sealAndSend(payload, dst, now); err != nil && firstErr == nil {
			firstErr = err
			e.Log.Warn("failed to send advertisement", "to", p.WgIp, "trace_id", traceId, "err", err)
		}
	}
	return firstErr
}

// SendLocalProbes probes every Local-classified endpoint of peers that have
// not yet reached Direct reachability (spec §4.5 T_local_probe): both
// ControlOnly and DirectCandidate peers keep being probed on their remaining
// Local endpoints until a handshake promotes them to Direct.
func (e *Engine) SendLocalProbes(now time.Time) error {
	var firstErr error
	for _, p := range e.DB.Peers() {
		if p.Reachability != peerdb.ControlOnly && p.Reachability != peerdb.DirectCandidate {
			continue
		}
		for _, ep := range p.Endpoints {
			if ep.Class != protocol.ClassLocal {
				continue
			}
			addr, err := netip.ParseAddr(ep.Host)
			if err != nil {
				continue
			}
			dst := netip.AddrPortFrom(addr, ep.Port)
			req := &protocol.LocalContactRequest{SenderWgIp: e.DB.Self, CandidateHost: ep.Host, CandidatePort: ep.Port}
			payload, err := protocol.Encode(&protocol.Message{Tag: protocol.TagLocalContactRequest, LocalContactRequest: req})
			if err != nil {
				return err
			}
			if err := e.sealAndSend(payload, dst, now); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) buildAdvertisement(now time.Time) *protocol.Advertisement {
	var endpoints []protocol.EndpointMsg
	if e.IsListener {
		endpoints = append(endpoints, protocol.EndpointMsg{Host: e.ListenHost, Port: e.ListenPort, Class: protocol.ClassStatic})
	}
	for _, host := range e.LocalHosts {
		endpoints = append(endpoints, protocol.EndpointMsg{Host: host, Port: e.ListenPort, Class: protocol.ClassLocal})
	}

	routes := e.DB.Routes()
	digests := make([]protocol.RouteDigest, 0, len(routes))
	for _, r := range routes {
		digests = append(digests, protocol.RouteDigest{Dest: r.Destination, Hops: r.HopCount})
	}
	e.routeDbVersion++

	return &protocol.Advertisement{
		SenderWgIp:      e.DB.Self,
		SenderName:      e.DB.SelfName,
		SenderPublicKey: e.SelfPublicKey,
		KeyTimestamp:    e.KeyTimestamp,
		AdminPort:       e.AdminPort,
		Endpoints:       endpoints,
		Routes:          digests,
		RouteDbVersion:  e.routeDbVersion,
	}
}

func (e *Engine) destinationFor(p *peerdb.Peer) (netip.AddrPort, bool) {
	if ep, ok := p.BestEndpoint(); ok {
		if addr, err := netip.ParseAddr(ep.Host); err == nil {
			return netip.AddrPortFrom(addr, ep.Port), true
		}
	}
	if ap, ok := e.StaticEndpoints[p.WgIp]; ok {
		return ap, true
	}
	return netip.AddrPort{}, false
}

func (e *Engine) sealAndSend(payload []byte, dst netip.AddrPort, now time.Time) error {
	sealed, err := envelope.Seal(e.Key, e.DB.Self, payload, now)
	if err != nil {
		return err
	}
	return e.Send(sealed, dst)
}
