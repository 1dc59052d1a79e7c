package mangle

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/patchwire/sniwedge/pkg/common"
	"github.com/patchwire/sniwedge/pkg/ip"
	"github.com/patchwire/sniwedge/pkg/tcp"
)

// ipFragmenter backs IPFrag's 8-byte-aligned split; identification
// assignment is the only shared state it needs, so one process-wide
// instance is reused across calls (spec.md §5: strategies run to
// completion on the caller's thread, no suspension points).
var ipFragmenter = ip.NewFragmenter()

// fillRandom is the entropy source referenced in spec.md §9 ("Raw random
// in kernel vs. user"): the only potentially blocking step in the whole
// mutation path, isolated behind one function so a host adapter could
// swap in a non-blocking source.
func fillRandom(out []byte) error {
	_, err := rand.Read(out)
	return err
}

// TCPFrag implements spec.md §4.5's tcp_frag: splits a single TCP segment
// into two at payload offset pos. pos==0 or pos >= len(payload) is an
// error; TCP options (including timestamps) are carried on both segments
// unchanged.
func TCPFrag(v *View, pos int) ([][]byte, error) {
	if pos <= 0 || pos >= len(v.Payload) {
		return nil, fmt.Errorf("%w: tcp_frag position %d out of range (0,%d)", ErrMalformedPacket, pos, len(v.Payload))
	}

	first := v.Clone()
	first.SetPayload(append([]byte(nil), v.Payload[:pos]...))

	second := v.Clone()
	second.SetPayload(append([]byte(nil), v.Payload[pos:]...))
	second.TCP.SequenceNumber = v.TCP.SequenceNumber + uint32(pos)

	firstBytes, err := Join(first)
	if err != nil {
		return nil, err
	}
	secondBytes, err := Join(second)
	if err != nil {
		return nil, err
	}
	return [][]byte{firstBytes, secondBytes}, nil
}

// IPFrag implements spec.md §4.5's ip_frag: fragmentation at the IP layer,
// offset in multiples of 8, TCP header carried only in the first fragment.
func IPFrag(v *View, pos int) ([][]byte, error) {
	if pos <= 0 || pos%8 != 0 {
		return nil, fmt.Errorf("%w: ip_frag offset %d must be a positive multiple of 8", ErrMalformedPacket, pos)
	}

	raw, err := v.TCP.Serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
	}
	if pos >= len(raw) {
		return nil, fmt.Errorf("%w: ip_frag offset %d exceeds payload length %d", ErrMalformedPacket, pos, len(raw))
	}
	if headerLen := len(raw) - len(v.Payload); pos < headerLen {
		return nil, fmt.Errorf("%w: ip_frag offset %d falls inside the %d-byte TCP header", ErrMalformedPacket, pos, headerLen)
	}

	switch v.IPVersion {
	case 4:
		return ipFragV4(v, raw, pos)
	case 6:
		return ipFragV6(v, raw, pos)
	default:
		return nil, ErrUnsupportedProtocol
	}
}

func ipFragV4(v *View, rawPayload []byte, pos int) ([][]byte, error) {
	v4 := *v.V4
	v4.Payload = rawPayload
	v4.Checksum = 0

	headerSize := int(v4.IHL) * 4
	fragments, err := ipFragmenter.Fragment(&v4, headerSize+pos)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
	}
	if len(fragments) < 2 {
		return nil, fmt.Errorf("%w: ip_frag offset %d did not split the datagram in two", ErrMalformedPacket, pos)
	}
	// Fragment cuts every pos bytes; keep its first fragment and carry the
	// rest of the datagram in one final fragment.
	second := *fragments[1]
	second.Payload = rawPayload[pos:]
	second.Flags = fragments[len(fragments)-1].Flags
	fragments = []*ip.Packet{fragments[0], &second}

	out := make([][]byte, 0, len(fragments))
	for _, frag := range fragments {
		bytes, err := frag.Serialize()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
		}
		out = append(out, bytes)
	}
	return out, nil
}

// IPv6 fragment extension header layout, RFC 8200 §4.5.
const (
	ipv6FragHeaderLen = 8
	ipv6FragMoreFlag  = 0x0001
)

func ipFragV6(v *View, rawPayload []byte, pos int) ([][]byte, error) {
	identification := uint32(binary.BigEndian.Uint16(v.V6.Source[14:16]))<<16 | uint32(binary.BigEndian.Uint16(v.V6.Destination[14:16]))

	build := func(fragOffset int, data []byte, more bool) ([]byte, error) {
		fragHdr := make([]byte, ipv6FragHeaderLen)
		fragHdr[0] = uint8(common.ProtocolTCP)
		fragHdr[1] = 0
		offsetFlags := uint16(fragOffset/8) << 3
		if more {
			offsetFlags |= ipv6FragMoreFlag
		}
		binary.BigEndian.PutUint16(fragHdr[2:4], offsetFlags)
		binary.BigEndian.PutUint32(fragHdr[4:8], identification)

		hdr := *v.V6
		hdr.NextHeader = 44 // Fragment Header
		hdr.ExtHeaders = nil
		hdr.Payload = append(fragHdr, data...)
		return hdr.Serialize()
	}

	first, err := build(0, rawPayload[:pos], true)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
	}
	second, err := build(pos, rawPayload[pos:], false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
	}
	return [][]byte{first, second}, nil
}

// optionKindMD5Sig is the TCP MD5 Signature option kind (RFC 2385), used
// only to carry a garbage 16-byte digest on fake_sni decoys.
const optionKindMD5Sig = 19

func buildGarbageMD5Option() []byte {
	opt := make([]byte, 18)
	opt[0] = optionKindMD5Sig
	opt[1] = 18
	_ = fillRandom(opt[2:])
	return opt
}

// maxRandomFakeLen bounds a random-payload decoy when no explicit length
// is configured, per gen_fake_sni in the source.
const maxRandomFakeLen = 1200

// FakeSNIStrategy implements spec.md §4.5's fake_sni: synthesizes Count
// decoy packets sharing the 5-tuple of v but carrying a fabricated
// payload, each made unacceptable to the real endpoint via the section's
// configured fool methods, followed by the real (unmodified) packet.
func FakeSNIStrategy(v *View, spec FakeSNI) ([][]byte, error) {
	count := spec.Count
	if count <= 0 {
		count = 1
	}

	out := make([][]byte, 0, count+1)
	for i := 0; i < count; i++ {
		decoy := v.Clone()

		payload, err := fakePayload(spec)
		if err != nil {
			return nil, err
		}
		decoy.SetPayload(payload)

		applyFoolMethods(decoy, spec)

		bytes, err := serializeFoolable(decoy, spec.Fool)
		if err != nil {
			return nil, err
		}
		out = append(out, bytes)
	}

	real, err := Join(v)
	if err != nil {
		return nil, err
	}
	out = append(out, real)

	return out, nil
}

func fakePayload(spec FakeSNI) ([]byte, error) {
	if spec.Type == FakePayloadData && len(spec.FakeData) > 0 {
		return append([]byte(nil), spec.FakeData...), nil
	}

	n := len(spec.FakeData)
	if n == 0 {
		buf := make([]byte, 2)
		if err := fillRandom(buf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
		}
		n = int(binary.BigEndian.Uint16(buf)) % maxRandomFakeLen
		if n == 0 {
			n = 1
		}
	}
	payload := make([]byte, n)
	if err := fillRandom(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
	}
	return payload, nil
}

func applyFoolMethods(v *View, spec FakeSNI) {
	switch spec.SeqType {
	case SeqPast:
		v.TCP.SequenceNumber -= uint32(len(v.Payload)) + 1
	case SeqRandom:
		buf := make([]byte, 4)
		_ = fillRandom(buf)
		v.TCP.SequenceNumber = binary.BigEndian.Uint32(buf)
	}

	if spec.Fool&FoolPastSeq != 0 {
		v.TCP.SequenceNumber--
	}
	if spec.Fool&FoolShortTTL != 0 {
		if v.V4 != nil {
			v.V4.TTL = 1
		}
		if v.V6 != nil {
			v.V6.HopLimit = 1
		}
	}
	if spec.TTL != 0 {
		if v.V4 != nil {
			v.V4.TTL = spec.TTL
		}
		if v.V6 != nil {
			v.V6.HopLimit = spec.TTL
		}
	}
	if spec.Fool&FoolZeroACK != 0 {
		v.TCP.SetFlag(tcp.FlagACK)
		v.TCP.AckNumber = 0
	}
	if spec.Fool&FoolMD5Sum != 0 {
		v.TCP.Options = append(v.TCP.Options, buildGarbageMD5Option()...)
	}
}

// serializeFoolable is Join, plus an optional post-pass that corrupts the
// checksum after the real one was computed — corrupting the checksum and
// fabricating the payload are orthogonal, composable knobs (spec.md §4.5).
func serializeFoolable(v *View, fool FoolMethod) ([]byte, error) {
	out, err := Join(v)
	if err != nil {
		return nil, err
	}
	if fool&FoolBadChecksum != 0 {
		corruptTCPChecksum(out, v.IPVersion)
	}
	return out, nil
}

func corruptTCPChecksum(buf []byte, ipVersion int) {
	var l4Off int
	switch ipVersion {
	case 4:
		l4Off = int(buf[0]&0x0F) * 4
	case 6:
		l4Off = 40
	default:
		return
	}
	if l4Off+18 > len(buf) {
		return
	}
	buf[l4Off+16] ^= 0xFF
	buf[l4Off+17] ^= 0xFF
}

// splitAtSNIPos computes the tcp_frag cut point for split_at_sni, per
// spec.md §4.5: when the verdict located a target SNI, derive the cut
// from it (first byte, middle of the matched label, or a fixed offset);
// otherwise fall back to the payload midpoint.
func splitAtSNIPos(section *Section, verdict TLSVerdict, payloadLen int) int {
	if !verdict.TargetSNI || verdict.TargetSNILen == 0 {
		if payloadLen > 1 {
			return payloadLen / 2
		}
		return 0
	}

	if section.FragSNIPos != 0 {
		pos := section.FragSNIPos
		if pos > 0 && pos < payloadLen {
			return pos
		}
	}

	if section.FragMiddleSNI {
		return verdict.TargetSNIPtr + verdict.TargetSNILen/2
	}

	return verdict.TargetSNIPtr
}

// SplitAtSNI implements spec.md §4.5's split_at_sni: a tcp_frag cut
// positioned inside the target SNI field, optionally reversed so the
// second half is sent first (section.FragSNIReverse).
func SplitAtSNI(v *View, section *Section, verdict TLSVerdict) ([][]byte, error) {
	pos := splitAtSNIPos(section, verdict, len(v.Payload))
	if pos <= 0 || pos >= len(v.Payload) {
		return nil, fmt.Errorf("%w: split_at_sni cut point %d out of range", ErrMalformedPacket, pos)
	}

	segments, err := TCPFrag(v, pos)
	if err != nil {
		return nil, err
	}
	if section.FragSNIReverse {
		segments[0], segments[1] = segments[1], segments[0]
	}
	return segments, nil
}

// Synfaking implements spec.md §4.5's synfaking: on a SYN packet, emit
// decoy SYNs ahead of the real one (built by FakeSNIStrategy, so each
// carries a fabricated payload and the section's fool methods), to poison
// SYN-based classifiers. The real SYN is unmodified and sent last.
func Synfaking(v *View, spec FakeSNI) ([][]byte, error) {
	if !v.TCP.HasFlag(tcp.FlagSYN) {
		return nil, fmt.Errorf("%w: synfaking requires a SYN packet", ErrMalformedPacket)
	}
	return FakeSNIStrategy(v, spec)
}

// OOBSend implements spec.md §4.5's oob_send: a single urgent byte sent
// before (or after) the real packet, to desynchronize DPI state machines
// that track TCP urgent-pointer semantics differently than the real stack.
func OOBSend(v *View, before bool) ([][]byte, error) {
	urgent := v.Clone()
	urgentByte := make([]byte, 1)
	if err := fillRandom(urgentByte); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailure, err)
	}
	urgent.SetPayload(urgentByte)
	urgent.TCP.SetFlag(tcp.FlagURG)
	urgent.TCP.UrgentPointer = 1

	urgentBytes, err := Join(urgent)
	if err != nil {
		return nil, err
	}

	realBytes, err := Join(v)
	if err != nil {
		return nil, err
	}

	if before {
		return [][]byte{urgentBytes, realBytes}, nil
	}
	return [][]byte{realBytes, urgentBytes}, nil
}

// HeaderMutation implements spec.md §4.5's header mutation: rewrite a
// single field (TTL or TCP window) then recompute checksums. Mark is
// carried in the struct but ApplyHeaderMutation does not apply it.
type HeaderMutation struct {
	Mark   *uint32
	TTL    *uint8
	Window *uint16
}

// ApplyHeaderMutation rewrites the requested fields in place and returns
// the re-serialized buffer with checksums recomputed.
func ApplyHeaderMutation(v *View, m HeaderMutation) ([]byte, error) {
	if m.TTL != nil {
		if v.V4 != nil {
			v.V4.TTL = *m.TTL
		}
		if v.V6 != nil {
			v.V6.HopLimit = *m.TTL
		}
	}
	if m.Window != nil {
		v.TCP.WindowSize = *m.Window
	}
	// Mark is not an IP/TCP header field and is left untouched here; the
	// injector applies the configured mark to every send through SO_MARK
	// on its sockets (pkg/inject).
	out, err := Join(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}
