// Package protocol implements the control-message codec C2: a closed set of
// tagged binary variants carried inside the envelope's payload (spec §4.2).
// Encoding is deterministic: fixed field order, explicit lengths, big-endian
// integers. Unknown variant tags decode to (nil, ErrUnknownVariant) so the
// caller can log and drop rather than fail loudly.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ErrUnknownVariant is returned by Decode when the tag byte does not match
// any known message variant. The caller should log and drop the datagram.
var ErrUnknownVariant = errors.New("protocol: unknown message variant")

// Tag identifies which variant a payload encodes.
type Tag byte

const (
	TagAdvertisement Tag = iota + 1
	TagAdvertisementReply
	TagLocalContactRequest
	TagLocalContactReply
)

// EndpointClass classifies how an endpoint was learned (spec §3).
type EndpointClass byte

const (
	ClassStatic EndpointClass = iota
	ClassDynamic
	ClassLocal
)

// EndpointMsg is a (host, port) candidate endpoint as carried on the wire.
type EndpointMsg struct {
	Host  string
	Port  uint16
	Class EndpointClass
}

// RouteDigest is one entry of a sender's advertised route table, excluding
// the sender itself (spec §4.2).
type RouteDigest struct {
	Dest netip.Addr
	Hops uint8
}

// Advertisement is the primary state broadcast (spec §4.2). AdvertisementReply
// shares the exact same wire shape; it is distinguished only by its Tag.
type Advertisement struct {
	SenderWgIp      netip.Addr
	SenderName      string
	SenderPublicKey [32]byte
	KeyTimestamp    uint64
	AdminPort       uint16
	Endpoints       []EndpointMsg
	Routes          []RouteDigest
	RouteDbVersion  uint32
}

// LocalContactRequest probes a candidate local (LAN) endpoint (spec §4.2).
type LocalContactRequest struct {
	SenderWgIp     netip.Addr
	CandidateHost  string
	CandidatePort  uint16
}

// LocalContactReply acknowledges a LocalContactRequest (spec §4.2).
type LocalContactReply struct {
	SenderWgIp netip.Addr
}

// Message is the decoded union; exactly one of the typed fields is non-nil,
// matching Tag.
type Message struct {
	Tag                 Tag
	Advertisement       *Advertisement
	AdvertisementReply  *Advertisement
	LocalContactRequest *LocalContactRequest
	LocalContactReply   *LocalContactReply
}

type encoder struct {
	buf []byte
}

func (e *encoder) byte(b byte)              { e.buf = append(e.buf, b) }
func (e *encoder) u16(v uint16)             { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32)             { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64)             { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *encoder) raw(b []byte)             { e.buf = append(e.buf, b...) }
func (e *encoder) addr(a netip.Addr) {
	a4 := a.As4()
	e.raw(a4[:])
}
func (e *encoder) str(s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	e.byte(byte(len(s)))
	e.raw([]byte(s))
}

func (e *encoder) endpoints(eps []EndpointMsg) {
	e.byte(byte(len(eps)))
	for _, ep := range eps {
		e.str(ep.Host)
		e.u16(ep.Port)
		e.byte(byte(ep.Class))
	}
}

func (e *encoder) routes(rs []RouteDigest) {
	e.u16(uint16(len(rs)))
	for _, r := range rs {
		e.addr(r.Dest)
		e.byte(r.Hops)
	}
}

func (e *encoder) advertisement(a *Advertisement) {
	e.addr(a.SenderWgIp)
	e.str(a.SenderName)
	e.raw(a.SenderPublicKey[:])
	e.u64(a.KeyTimestamp)
	e.u16(a.AdminPort)
	e.endpoints(a.Endpoints)
	e.routes(a.Routes)
	e.u32(a.RouteDbVersion)
}

// Encode serializes msg into its wire representation.
func Encode(msg *Message) ([]byte, error) {
	e := &encoder{}
	e.byte(byte(msg.Tag))
	switch msg.Tag {
	case TagAdvertisement:
		if msg.Advertisement == nil {
			return nil, fmt.Errorf("protocol: Advertisement tag set but field nil")
		}
		e.advertisement(msg.Advertisement)
	case TagAdvertisementReply:
		if msg.AdvertisementReply == nil {
			return nil, fmt.Errorf("protocol: AdvertisementReply tag set but field nil")
		}
		e.advertisement(msg.AdvertisementReply)
	case TagLocalContactRequest:
		r := msg.LocalContactRequest
		if r == nil {
			return nil, fmt.Errorf("protocol: LocalContactRequest tag set but field nil")
		}
		e.addr(r.SenderWgIp)
		e.str(r.CandidateHost)
		e.u16(r.CandidatePort)
	case TagLocalContactReply:
		r := msg.LocalContactReply
		if r == nil {
			return nil, fmt.Errorf("protocol: LocalContactReply tag set but field nil")
		}
		e.addr(r.SenderWgIp)
	default:
		return nil, fmt.Errorf("protocol: unknown tag %d to encode", msg.Tag)
	}
	return e.buf, nil
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.fail(fmt.Errorf("protocol: truncated message, need %d bytes at offset %d, have %d", n, d.off, len(d.buf)))
		return false
	}
	return true
}

func (d *decoder) byte() byte {
	if !d.need(1) {
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) addr() netip.Addr {
	if !d.need(4) {
		return netip.Addr{}
	}
	var a4 [4]byte
	copy(a4[:], d.buf[d.off:d.off+4])
	d.off += 4
	return netip.AddrFrom4(a4)
}

func (d *decoder) str() string {
	n := int(d.byte())
	if !d.need(n) {
		return ""
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s
}

func (d *decoder) endpoints() []EndpointMsg {
	n := int(d.byte())
	out := make([]EndpointMsg, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		host := d.str()
		port := d.u16()
		class := EndpointClass(d.byte())
		out = append(out, EndpointMsg{Host: host, Port: port, Class: class})
	}
	return out
}

func (d *decoder) routesList() []RouteDigest {
	n := int(d.u16())
	out := make([]RouteDigest, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		dest := d.addr()
		hops := d.byte()
		out = append(out, RouteDigest{Dest: dest, Hops: hops})
	}
	return out
}

func (d *decoder) advertisement() *Advertisement {
	a := &Advertisement{}
	a.SenderWgIp = d.addr()
	a.SenderName = d.str()
	if d.need(32) {
		copy(a.SenderPublicKey[:], d.buf[d.off:d.off+32])
		d.off += 32
	}
	a.KeyTimestamp = d.u64()
	a.AdminPort = d.u16()
	a.Endpoints = d.endpoints()
	a.Routes = d.routesList()
	a.RouteDbVersion = d.u32()
	return a
}

// Decode parses buf into a Message. An unrecognized tag byte returns
// ErrUnknownVariant so the caller can drop the datagram silently per §4.2.
func Decode(buf []byte) (*Message, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("protocol: empty message")
	}
	d := &decoder{buf: buf}
	tag := Tag(d.byte())
	msg := &Message{Tag: tag}
	switch tag {
	case TagAdvertisement:
		msg.Advertisement = d.advertisement()
	case TagAdvertisementReply:
		msg.AdvertisementReply = d.advertisement()
	case TagLocalContactRequest:
		r := &LocalContactRequest{}
		r.SenderWgIp = d.addr()
		r.CandidateHost = d.str()
		r.CandidatePort = d.u16()
		msg.LocalContactRequest = r
	case TagLocalContactReply:
		r := &LocalContactReply{}
		r.SenderWgIp = d.addr()
		msg.LocalContactReply = r
	default:
		return nil, ErrUnknownVariant
	}
	if d.err != nil {
		return nil, d.err
	}
	return msg, nil
}
