package mangle

import "sync/atomic"

// Counters are the process-wide advisory counters of spec.md §4.6's final
// paragraph: relaxed (no ordering guarantees beyond atomicity), read only
// for observability, never used for control flow.
type Counters struct {
	AllPacketCounter uint64
	PacketCounter    uint64
	TargetCounter    uint64
	SentCounter      uint64
}

func (c *Counters) addAll() { atomic.AddUint64(&c.AllPacketCounter, 1) }
func (c *Counters) addPacket() { atomic.AddUint64(&c.PacketCounter, 1) }
func (c *Counters) addTarget() { atomic.AddUint64(&c.TargetCounter, 1) }
func (c *Counters) addSent(n uint64) { atomic.AddUint64(&c.SentCounter, n) }

// Snapshot returns a point-in-time copy safe to read from any goroutine.
func (c *Counters) Snapshot() Counters {
	return Counters{
		AllPacketCounter: atomic.LoadUint64(&c.AllPacketCounter),
		PacketCounter:    atomic.LoadUint64(&c.PacketCounter),
		TargetCounter:    atomic.LoadUint64(&c.TargetCounter),
		SentCounter:      atomic.LoadUint64(&c.SentCounter),
	}
}

// ConntrackInfo is the subset of a connection-tracking lookup the engine
// consults for --connbytes-limit (spec.md §3 supplement). Presence is
// tracked separately since a lookup miss (untracked flow, or conntrack
// unavailable) must not be conflated with a zero-byte connection.
type ConntrackInfo struct {
	Present     bool
	OrigPackets uint64
	OrigBytes   uint64
	ReplPackets uint64
	ReplBytes   uint64
	ConnMark    uint32
	ID          uint32
}

// ConntrackLookup resolves the ConntrackInfo for a given 5-tuple; the
// engine calls it at most once per packet. Implementations that have no
// conntrack backend (tests, non-Linux hosts) return a zero ConntrackInfo.
type ConntrackLookup func(v *View) ConntrackInfo

// VerdictKind enumerates the three dispositions of spec.md §3's Verdict.
type VerdictKind int

const (
	Accept VerdictKind = iota
	Drop
	Replace
)

// Verdict is the decision engine's output: Accept/Drop carry no payload,
// Replace carries one or more wire buffers to inject in order in place of
// the original packet.
type Verdict struct {
	Kind    VerdictKind
	Buffers [][]byte
}

// ProcessPacket implements the decision engine of spec.md §4.6: a closed,
// ordered sequence of checks ending in first-match-wins section dispatch.
// mark is the skb mark the packet arrived with; cfg.Global.Mark is the
// engine's own injection mark — packets whose mark has all of its bits set
// are our own previously-injected traffic looping back through the queue
// and are accepted immediately to avoid re-mangling.
func ProcessPacket(handle *Handle, counters *Counters, buf []byte, ipVersion int, mark uint32, lookup ConntrackLookup) Verdict {
	counters.addAll()

	cfg, release := handle.Acquire()
	defer release()

	// Step 1: self-mark check.
	if cfg.Global.Mark != 0 && mark&cfg.Global.Mark == cfg.Global.Mark {
		return Verdict{Kind: Accept}
	}

	// Step 2: size check.
	if len(buf) > MaxPacketSize {
		return Verdict{Kind: Accept}
	}

	// Step 3: parse.
	var view *View
	var err error
	switch ipVersion {
	case 4:
		view, err = SplitV4(buf)
	case 6:
		view, err = SplitV6(buf)
	default:
		return Verdict{Kind: Accept}
	}
	if err != nil {
		// Malformed or non-TCP: spec.md §4.6 treats every parse failure
		// as "simply accept", never Drop — this engine never drops
		// traffic it cannot fully understand.
		return Verdict{Kind: Accept}
	}

	counters.addPacket()

	// Step 4: conntrack lookup, consulted by any section with
	// --connbytes-limit in step 5.
	var ct ConntrackInfo
	if lookup != nil {
		ct = lookup(view)
	}

	// Step 5: per-section analyze + match + strategy, first match wins.
	for _, section := range cfg.Sections {
		if section.ConnBytesLimit != 0 && ct.Present && ct.OrigPackets > section.ConnBytesLimit {
			// Past the limit: the handshake has long completed, this
			// section no longer applies to the connection.
			continue
		}

		verdict, matched := evaluateSection(section, view)
		if !matched {
			continue
		}

		counters.addTarget()

		buffers, err := applyStrategy(view, section, verdict)
		if err != nil {
			return Verdict{Kind: Accept}
		}
		counters.addSent(uint64(len(buffers)))
		return Verdict{Kind: Replace, Buffers: buffers}
	}

	// Step 6: no section matched.
	return Verdict{Kind: Accept}
}

// evaluateSection runs the section's protocol gate and SNI analyzer, and
// reports whether the packet is this section's target.
func evaluateSection(section *Section, view *View) (TLSVerdict, bool) {
	if section.UDPMode {
		// UDP/QUIC payloads are not TCP segments; this engine only
		// carries a TCP View (spec.md §4.1), so a UDP-mode section
		// never matches a TCP packet.
		return TLSVerdict{}, false
	}

	if len(view.Payload) == 0 {
		return TLSVerdict{}, false
	}

	verdict := AnalyzeTLSData(section, view.Payload)
	return verdict, verdict.TargetSNI
}

// applyStrategy dispatches a matched section to its configured mutation.
// Per spec.md §4.5's closing requirement, every buffer returned here is
// expected to be sent back out through the injector using config.global.mark
// (pkg/inject sets it at the socket layer, not as a header field), so the
// ingress hook's self-mark check in step 1 skips our own injected traffic.
func applyStrategy(view *View, section *Section, verdict TLSVerdict) ([][]byte, error) {
	var buffers [][]byte
	var err error

	switch {
	case section.FakeSNI.Enabled:
		buffers, err = FakeSNIStrategy(view, section.FakeSNI)
	case section.Fragmentation == FragTCP:
		buffers, err = SplitAtSNI(view, section, verdict)
	case section.Fragmentation == FragIP:
		pos := splitAtSNIPos(section, verdict, len(view.Payload))
		pos = (pos / 8) * 8
		if pos == 0 {
			pos = 8
		}
		buffers, err = IPFrag(view, pos)
	case section.Synfaking:
		buffers, err = Synfaking(view, section.FakeSNI)
	case section.OOBSend:
		buffers, err = OOBSend(view, true)
	default:
		out, joinErr := Join(view)
		if joinErr != nil {
			return nil, joinErr
		}
		buffers, err = [][]byte{out}, nil
	}
	if err != nil {
		return nil, err
	}

	return buffers, nil
}
