package mangle

import (
	"bytes"
	"testing"

	"github.com/patchwire/sniwedge/pkg/ip"
	"github.com/patchwire/sniwedge/pkg/tcp"
)

func buildView(t *testing.T, payload []byte) *View {
	t.Helper()
	raw := buildV4TCPPacket(t, payload)
	view, err := SplitV4(raw)
	if err != nil {
		t.Fatalf("SplitV4: %v", err)
	}
	return view
}

func TestTCPFragSplitsPayloadAndReassembles(t *testing.T) {
	view := buildView(t, []byte("ABCDEFGHIJ"))

	buffers, err := TCPFrag(view, 4)
	if err != nil {
		t.Fatalf("TCPFrag: %v", err)
	}
	if len(buffers) != 2 {
		t.Fatalf("len(buffers) = %d, want 2", len(buffers))
	}

	first, err := SplitV4(buffers[0])
	if err != nil {
		t.Fatalf("SplitV4 first: %v", err)
	}
	second, err := SplitV4(buffers[1])
	if err != nil {
		t.Fatalf("SplitV4 second: %v", err)
	}

	if !bytes.Equal(first.Payload, []byte("ABCD")) {
		t.Fatalf("first payload = %q, want %q", first.Payload, "ABCD")
	}
	if !bytes.Equal(second.Payload, []byte("EFGHIJ")) {
		t.Fatalf("second payload = %q, want %q", second.Payload, "EFGHIJ")
	}
	if second.TCP.SequenceNumber != first.TCP.SequenceNumber+4 {
		t.Fatalf("second segment's sequence number did not advance by the split length")
	}
	if !first.TCP.VerifyChecksum(first.V4.Source, first.V4.Destination) {
		t.Fatalf("first fragment checksum invalid")
	}
	if !second.TCP.VerifyChecksum(second.V4.Source, second.V4.Destination) {
		t.Fatalf("second fragment checksum invalid")
	}
}

func TestTCPFragRejectsOutOfRangePosition(t *testing.T) {
	view := buildView(t, []byte("short"))

	if _, err := TCPFrag(view, 0); err == nil {
		t.Fatalf("expected an error for position 0")
	}
	if _, err := TCPFrag(view, len(view.Payload)); err == nil {
		t.Fatalf("expected an error for position >= payload length")
	}
}

func TestIPFragV4SplitsIntoTwoFragments(t *testing.T) {
	view := buildView(t, bytes.Repeat([]byte{0xAB}, 64))

	buffers, err := IPFrag(view, 40)
	if err != nil {
		t.Fatalf("IPFrag: %v", err)
	}
	if len(buffers) != 2 {
		t.Fatalf("len(buffers) = %d, want 2", len(buffers))
	}

	first, err := ip.Parse(buffers[0])
	if err != nil {
		t.Fatalf("parse first fragment: %v", err)
	}
	second, err := ip.Parse(buffers[1])
	if err != nil {
		t.Fatalf("parse second fragment: %v", err)
	}

	if first.Identification != second.Identification {
		t.Fatalf("fragments do not share an identification value")
	}
	if first.Flags&ip.FlagMoreFragments == 0 {
		t.Fatalf("first fragment should have MoreFragments set")
	}
	if second.Flags&ip.FlagMoreFragments != 0 {
		t.Fatalf("second (last) fragment should not have MoreFragments set")
	}
}

func TestIPFragRejectsUnalignedOffset(t *testing.T) {
	view := buildView(t, bytes.Repeat([]byte{0x01}, 32))
	if _, err := IPFrag(view, 5); err == nil {
		t.Fatalf("expected an error for a non-multiple-of-8 offset")
	}
}

func TestFakeSNIStrategyProducesDecoysThenReal(t *testing.T) {
	view := buildView(t, []byte("payload"))
	spec := FakeSNI{Count: 3, Fool: FoolBadChecksum | FoolShortTTL}

	buffers, err := FakeSNIStrategy(view, spec)
	if err != nil {
		t.Fatalf("FakeSNIStrategy: %v", err)
	}
	if len(buffers) != 4 {
		t.Fatalf("len(buffers) = %d, want 4 (3 decoys + real)", len(buffers))
	}

	for i := 0; i < 3; i++ {
		decoy, err := ip.Parse(buffers[i])
		if err != nil {
			t.Fatalf("parse decoy %d: %v", i, err)
		}
		if decoy.TTL != 1 {
			t.Fatalf("decoy %d TTL = %d, want 1 (FoolShortTTL)", i, decoy.TTL)
		}
	}

	real, err := SplitV4(buffers[3])
	if err != nil {
		t.Fatalf("parse real packet: %v", err)
	}
	if !bytes.Equal(real.Payload, []byte("payload")) {
		t.Fatalf("real packet payload = %q, want %q", real.Payload, "payload")
	}
}

func TestSplitAtSNIUsesMatchedRange(t *testing.T) {
	payload := buildClientHello(t, "youtube.com")
	view := buildView(t, payload)

	section := sectionWithDomains("youtube.com")
	verdict := AnalyzeTLSData(section, payload)
	if !verdict.TargetSNI {
		t.Fatalf("expected a match to set up the test")
	}

	buffers, err := SplitAtSNI(view, section, verdict)
	if err != nil {
		t.Fatalf("SplitAtSNI: %v", err)
	}
	if len(buffers) != 2 {
		t.Fatalf("len(buffers) = %d, want 2", len(buffers))
	}

	first, err := SplitV4(buffers[0])
	if err != nil {
		t.Fatalf("SplitV4 first: %v", err)
	}
	if len(first.Payload) != verdict.TargetSNIPtr {
		t.Fatalf("first segment length = %d, want cut at TargetSNIPtr = %d", len(first.Payload), verdict.TargetSNIPtr)
	}
}

func TestOOBSendPrependsUrgentByte(t *testing.T) {
	view := buildView(t, []byte("payload"))

	buffers, err := OOBSend(view, true)
	if err != nil {
		t.Fatalf("OOBSend: %v", err)
	}
	if len(buffers) != 2 {
		t.Fatalf("len(buffers) = %d, want 2", len(buffers))
	}

	urgent, err := SplitV4(buffers[0])
	if err != nil {
		t.Fatalf("SplitV4 urgent: %v", err)
	}
	if !urgent.TCP.HasFlag(tcp.FlagURG) {
		t.Fatalf("expected the first buffer to carry the URG flag")
	}
	if len(urgent.Payload) != 1 {
		t.Fatalf("expected a single urgent byte, got %d bytes", len(urgent.Payload))
	}
}

func TestSynfakingRejectsNonSYN(t *testing.T) {
	view := buildView(t, []byte("payload")) // PSH|ACK, not SYN
	_, err := Synfaking(view, FakeSNI{Count: 1})
	if err == nil {
		t.Fatalf("expected an error for a non-SYN packet")
	}
}

func TestApplyHeaderMutationRewritesTTLAndWindow(t *testing.T) {
	view := buildView(t, []byte("payload"))
	ttl := uint8(5)
	window := uint16(1200)

	out, err := ApplyHeaderMutation(view, HeaderMutation{TTL: &ttl, Window: &window})
	if err != nil {
		t.Fatalf("ApplyHeaderMutation: %v", err)
	}

	reparsed, err := SplitV4(out)
	if err != nil {
		t.Fatalf("SplitV4: %v", err)
	}
	if reparsed.V4.TTL != 5 {
		t.Fatalf("TTL = %d, want 5", reparsed.V4.TTL)
	}
	if reparsed.TCP.WindowSize != 1200 {
		t.Fatalf("WindowSize = %d, want 1200", reparsed.TCP.WindowSize)
	}
	if !reparsed.TCP.VerifyChecksum(reparsed.V4.Source, reparsed.V4.Destination) {
		t.Fatalf("checksum invalid after header mutation")
	}
}

func TestCorruptTCPChecksumBreaksVerification(t *testing.T) {
	view := buildView(t, []byte("payload"))
	spec := FakeSNI{Count: 1, Fool: FoolBadChecksum}

	buffers, err := FakeSNIStrategy(view, spec)
	if err != nil {
		t.Fatalf("FakeSNIStrategy: %v", err)
	}

	decoy, err := SplitV4(buffers[0])
	if err != nil {
		t.Fatalf("SplitV4: %v", err)
	}
	if decoy.TCP.VerifyChecksum(decoy.V4.Source, decoy.V4.Destination) {
		t.Fatalf("expected the decoy's checksum to be corrupted")
	}
}
