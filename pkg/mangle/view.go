// Package mangle implements the packet-mangling core: the byte-level
// parser, the SNI trie and TLS analyzer, the mutation strategies, and the
// decision engine that drives them.
package mangle

import (
	"fmt"

	"github.com/patchwire/sniwedge/pkg/common"
	"github.com/patchwire/sniwedge/pkg/ip"
	"github.com/patchwire/sniwedge/pkg/ipv6"
	"github.com/patchwire/sniwedge/pkg/tcp"
)

// MaxPacketSize bounds any single datagram the engine will consider; larger
// buffers are accepted untouched by the decision engine (see ProcessPacket
// step 2) before a View is even built.
const MaxPacketSize = 65535

// View is the packet-view data model of spec.md §3: a borrowed IPv4 or
// IPv6 datagram parsed down to its TCP header and payload. Exactly one of
// V4/V6 is non-nil depending on IPVersion; TCP is always non-nil, since
// split_v4/split_v6 reject anything that isn't TCP.
type View struct {
	IPVersion int // 4 or 6

	V4 *ip.Packet
	V6 *ipv6.Packet

	TCP *tcp.Segment

	// Payload aliases TCP.Data; strategies that replace the payload
	// entirely reassign both fields together via SetPayload.
	Payload []byte
}

// SetPayload replaces the TCP payload carried by the view.
func (v *View) SetPayload(b []byte) {
	v.Payload = b
	v.TCP.Data = b
}

// SplitV4 parses a raw IPv4 datagram into (IP header, TCP header, payload)
// views. Protocols other than TCP return ErrUnsupportedProtocol, which the
// engine treats as "simply accept", not a parse failure.
func SplitV4(buf []byte) (*View, error) {
	if len(buf) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds max packet size", ErrMalformedPacket, len(buf))
	}

	pkt, err := ip.Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	if pkt.Protocol != common.ProtocolTCP {
		return nil, ErrUnsupportedProtocol
	}

	seg, err := tcp.Parse(pkt.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	return &View{IPVersion: 4, V4: pkt, TCP: seg, Payload: seg.Data}, nil
}

// SplitV6 parses a raw IPv6 datagram. Extension-header traversal is out of
// scope: a datagram whose fixed header's NextHeader is not TCP is rejected
// as ErrUnsupportedProtocol, even if a TCP header does follow a hop-by-hop
// or routing extension header.
func SplitV6(buf []byte) (*View, error) {
	if len(buf) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds max packet size", ErrMalformedPacket, len(buf))
	}

	pkt, err := ipv6.Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	if pkt.NextHeader != common.ProtocolTCP {
		return nil, ErrUnsupportedProtocol
	}

	seg, err := tcp.Parse(pkt.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}

	return &View{IPVersion: 6, V6: pkt, TCP: seg, Payload: seg.Data}, nil
}

// Join recomputes checksums and re-serializes a View back into a single
// wire buffer. Every strategy that mutates a View calls Join (directly or
// through the engine) rather than patching the original buffer in place,
// since header lengths may change (fragmentation, option insertion).
func Join(v *View) ([]byte, error) {
	switch v.IPVersion {
	case 4:
		return joinV4(v)
	case 6:
		return joinV6(v)
	default:
		return nil, fmt.Errorf("%w: unknown IP version %d", ErrMalformedPacket, v.IPVersion)
	}
}

func joinV4(v *View) ([]byte, error) {
	v.TCP.Checksum = 0
	checksum, err := v.TCP.CalculateChecksum(v.V4.Source, v.V4.Destination)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
	}
	v.TCP.Checksum = checksum

	tcpBytes, err := v.TCP.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
	}
	v.V4.Payload = tcpBytes

	// ip.Packet.Serialize zeroes and recomputes the IPv4 header checksum
	// from scratch every call; no partial-update shortcut is taken here,
	// matching the no-incremental-checksum contract of spec.md §4.1.
	out, err := v.V4.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
	}
	return out, nil
}

func joinV6(v *View) ([]byte, error) {
	v.TCP.Checksum = 0
	checksum, err := v.TCP.CalculateChecksumV6(v.V6.Source, v.V6.Destination)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
	}
	v.TCP.Checksum = checksum

	tcpBytes, err := v.TCP.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
	}
	v.V6.Payload = tcpBytes
	v.V6.ExtHeaders = nil

	out, err := v.V6.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
	}
	return out, nil
}

// Clone produces a deep-enough copy of a View so that a strategy can
// produce an independent decoy packet (e.g. fake_sni) without aliasing the
// original's mutable header fields.
func (v *View) Clone() *View {
	clone := &View{IPVersion: v.IPVersion}

	if v.V4 != nil {
		v4 := *v.V4
		v4.Options = append([]byte(nil), v.V4.Options...)
		clone.V4 = &v4
	}
	if v.V6 != nil {
		v6 := *v.V6
		clone.V6 = &v6
	}

	tcpSeg := *v.TCP
	tcpSeg.Options = append([]byte(nil), v.TCP.Options...)
	tcpSeg.Data = append([]byte(nil), v.TCP.Data...)
	clone.TCP = &tcpSeg
	clone.Payload = clone.TCP.Data

	return clone
}
