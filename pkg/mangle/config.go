package mangle

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FragMode selects which layer a section fragments at.
type FragMode int

const (
	FragNone FragMode = iota
	FragTCP
	FragIP
)

func (m FragMode) String() string {
	switch m {
	case FragTCP:
		return "tcp"
	case FragIP:
		return "ip"
	default:
		return "none"
	}
}

// SNIDetectionMode selects the TLS analyzer's path (spec.md §4.3).
type SNIDetectionMode int

const (
	SNIDetectionParse SNIDetectionMode = iota
	SNIDetectionBrute
)

func (m SNIDetectionMode) String() string {
	if m == SNIDetectionBrute {
		return "brute"
	}
	return "parse"
}

// FakePayloadType selects how a fake_sni decoy's payload is produced.
type FakePayloadType int

const (
	FakePayloadRandom FakePayloadType = iota
	FakePayloadData
)

func (t FakePayloadType) String() string {
	if t == FakePayloadData {
		return "data"
	}
	return "random"
}

// SeqType selects the sequence-number strategy for fake_sni decoys.
type SeqType int

const (
	SeqDefault SeqType = iota
	SeqPast
	SeqRandom
)

func (s SeqType) String() string {
	switch s {
	case SeqPast:
		return "past"
	case SeqRandom:
		return "random"
	default:
		return "default"
	}
}

// FoolMethod is a bitset of ways a decoy packet is made unacceptable to the
// real TLS endpoint while still being noisy enough to confuse a DPI box,
// per spec.md §4.5's fake_sni contract. Multiple bits may be combined.
type FoolMethod uint8

const (
	FoolBadChecksum FoolMethod = 1 << iota
	FoolPastSeq
	FoolShortTTL
	FoolMD5Sum
	FoolZeroACK
)

var foolNames = []struct {
	bit  FoolMethod
	name string
}{
	{FoolBadChecksum, "badsum"},
	{FoolPastSeq, "pastseq"},
	{FoolShortTTL, "ttl"},
	{FoolMD5Sum, "tcp-md5sum"},
	{FoolZeroACK, "ack-seq"},
}

func (f FoolMethod) String() string {
	var parts []string
	for _, n := range foolNames {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

func parseFoolMethod(s string) (FoolMethod, error) {
	var f FoolMethod
	for _, tok := range strings.Split(s, ",") {
		matched := false
		for _, n := range foolNames {
			if tok == n.name {
				f |= n.bit
				matched = true
				break
			}
		}
		if !matched {
			return 0, fmt.Errorf("%w: unknown faking-strategy %q", ErrConfigInvalid, tok)
		}
	}
	return f, nil
}

// FakeSNI holds the fake-SNI decoy-synthesis policy of a section.
type FakeSNI struct {
	Enabled  bool
	Count    int // fake_sni_seq_len: number of decoys preceding the real packet
	Type     FakePayloadType
	FakeData []byte // literal payload when Type == FakePayloadData
	SeqType  SeqType
	TTL      uint8 // 0 means "do not override"
	Fool     FoolMethod
}

// Section is a self-contained policy unit: a target SNI set and the
// strategy bundle applied when it matches, per spec.md §3.
type Section struct {
	ID uuid.UUID

	SNIDomains        *Trie
	ExcludeSNIDomains *Trie
	AllDomains        bool
	SNIDetection      SNIDetectionMode

	Fragmentation  FragMode
	FragSNIReverse bool
	FragMiddleSNI  bool
	FragSNIPos     int

	FakeSNI FakeSNI

	TLSEnabled     bool
	UDPMode        bool
	ConnBytesLimit uint64

	Synfaking bool
	OOBSend   bool
}

func newSection() *Section {
	return &Section{
		ID:                uuid.New(),
		SNIDomains:        NewTrie(),
		ExcludeSNIDomains: NewTrie(),
		SNIDetection:      SNIDetectionParse,
		FakeSNI:           FakeSNI{Count: 1},
	}
}

// Global holds the process-wide options (spec.md §3).
type Global struct {
	Mark       uint32
	Threads    int
	QueueNum   uint16
	LogLevel   string
	Daemonize  bool
}

// Config is the immutable configuration value produced by Parse: a global
// block plus an ordered list of sections. The decision engine consults
// sections in order and stops at the first match (spec.md §4.6, §9 open
// question (b)).
type Config struct {
	Global   Global
	Sections []*Section
}

// sectionDelim introduces a new section in the token stream; option tokens
// before the first delimiter (or with no delimiter at all) populate an
// implicit first section alongside the global block, matching the common
// single-section invocation.
const sectionDelim = "--new-section"

// Tokenize splits a whitespace-separated option string into argv-style
// tokens. Mirrors the loader's source convention of receiving the wire
// format as if it were "programname <options>" on a single procfs/sysfs
// write or CLI line: runs of whitespace collapse, and the leading program
// name (if present) is not itself an option.
func Tokenize(s string) []string {
	fields := strings.Fields("sniwedge " + s)
	if len(fields) <= 1 {
		return nil
	}
	return fields[1:]
}

// Parse builds an immutable Config from an argv-like token sequence. The
// recognized option set is closed: any unrecognized token fails the load,
// per spec.md §4.7.
func Parse(tokens []string) (*Config, error) {
	cfg := &Config{Global: Global{LogLevel: "info", Threads: 1}}
	var cur *Section

	ensureSection := func() *Section {
		if cur == nil {
			cur = newSection()
			cfg.Sections = append(cfg.Sections, cur)
		}
		return cur
	}

	for _, tok := range tokens {
		if tok == sectionDelim {
			cur = newSection()
			cfg.Sections = append(cfg.Sections, cur)
			continue
		}

		key, value, hasValue := splitFlag(tok)
		var err error
		switch key {
		case "--mark":
			err = parseUint32(value, &cfg.Global.Mark)
		case "--threads":
			err = parseInt(value, &cfg.Global.Threads)
		case "--queue-num":
			var v uint32
			if err = parseUint32(value, &v); err == nil {
				cfg.Global.QueueNum = uint16(v)
			}
		case "--log-level":
			cfg.Global.LogLevel = value
		case "--daemonize":
			cfg.Global.Daemonize = true

		case "--sni-domains":
			s := ensureSection()
			for _, d := range strings.Split(value, ",") {
				if d != "" {
					s.SNIDomains.Add([]byte(d))
				}
			}
		case "--exclude-sni-domains":
			s := ensureSection()
			for _, d := range strings.Split(value, ",") {
				if d != "" {
					s.ExcludeSNIDomains.Add([]byte(d))
				}
			}
		case "--all-domains":
			ensureSection().AllDomains = true
		case "--sni-detection":
			s := ensureSection()
			switch value {
			case "parse":
				s.SNIDetection = SNIDetectionParse
			case "brute":
				s.SNIDetection = SNIDetectionBrute
			default:
				err = fmt.Errorf("%w: unknown sni-detection %q", ErrConfigInvalid, value)
			}
		case "--tls":
			ensureSection().TLSEnabled = true
		case "--udp-mode":
			ensureSection().UDPMode = true
		case "--connbytes-limit":
			err = parseUint64(value, &ensureSection().ConnBytesLimit)

		case "--frag":
			s := ensureSection()
			switch value {
			case "tcp":
				s.Fragmentation = FragTCP
			case "ip":
				s.Fragmentation = FragIP
			case "none":
				s.Fragmentation = FragNone
			default:
				err = fmt.Errorf("%w: unknown frag mode %q", ErrConfigInvalid, value)
			}
		case "--frag-sni-reverse":
			ensureSection().FragSNIReverse = true
		case "--frag-middle-sni":
			ensureSection().FragMiddleSNI = true
		case "--frag-sni-pos":
			err = parseInt(value, &ensureSection().FragSNIPos)

		case "--fake-sni":
			ensureSection().FakeSNI.Enabled = true
		case "--fake-sni-seq-len":
			err = parseInt(value, &ensureSection().FakeSNI.Count)
		case "--fake-sni-type":
			s := ensureSection()
			switch value {
			case "random":
				s.FakeSNI.Type = FakePayloadRandom
			case "data":
				s.FakeSNI.Type = FakePayloadData
			default:
				err = fmt.Errorf("%w: unknown fake-sni-type %q", ErrConfigInvalid, value)
			}
		case "--fake-custom-payload":
			s := ensureSection()
			s.FakeSNI.FakeData, err = parseHex(value)
		case "--fake-seq":
			s := ensureSection()
			switch value {
			case "default":
				s.FakeSNI.SeqType = SeqDefault
			case "past":
				s.FakeSNI.SeqType = SeqPast
			case "random":
				s.FakeSNI.SeqType = SeqRandom
			default:
				err = fmt.Errorf("%w: unknown fake-seq %q", ErrConfigInvalid, value)
			}
		case "--fake-sni-ttl":
			var v int
			if err = parseInt(value, &v); err == nil {
				ensureSection().FakeSNI.TTL = uint8(v)
			}
		case "--faking-strategy":
			s := ensureSection()
			s.FakeSNI.Fool, err = parseFoolMethod(value)

		case "--synfaking":
			ensureSection().Synfaking = true
		case "--oob-send":
			ensureSection().OOBSend = true

		default:
			err = fmt.Errorf("%w: unrecognized option %q", ErrConfigInvalid, tok)
		}

		if err == nil && !hasValue && requiresValue(key) {
			err = fmt.Errorf("%w: option %q requires a value", ErrConfigInvalid, key)
		}
		if err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func requiresValue(key string) bool {
	switch key {
	case "--all-domains", "--daemonize", "--tls", "--udp-mode",
		"--frag-sni-reverse", "--frag-middle-sni", "--fake-sni",
		"--synfaking", "--oob-send":
		return false
	default:
		return true
	}
}

func splitFlag(tok string) (key, value string, hasValue bool) {
	if i := strings.IndexByte(tok, '='); i >= 0 {
		return tok[:i], tok[i+1:], true
	}
	return tok, "", false
}

func parseUint32(s string, out *uint32) error {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	*out = uint32(v)
	return nil
}

func parseUint64(s string, out *uint64) error {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	*out = v
	return nil
}

func parseInt(s string, out *int) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	*out = v
	return nil
}

func parseHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex payload: %v", ErrConfigInvalid, err)
	}
	return b, nil
}

// Dump produces a textual round-trip of the current configuration: the
// same token stream Parse accepts, global options first, followed by each
// section introduced by --new-section. Option ordering within a section is
// not guaranteed to match the original input, only the parsed value.
// --sni-domains, --exclude-sni-domains and --fake-custom-payload are not
// emitted, and the fake-SNI options (including --faking-strategy) are
// emitted only for sections with --fake-sni set, so those values are not
// reproduced when the output is parsed again.
func Dump(cfg *Config) string {
	var b strings.Builder

	fmt.Fprintf(&b, "--mark=%d --threads=%d --queue-num=%d --log-level=%s",
		cfg.Global.Mark, cfg.Global.Threads, cfg.Global.QueueNum, cfg.Global.LogLevel)
	if cfg.Global.Daemonize {
		b.WriteString(" --daemonize")
	}

	for _, s := range cfg.Sections {
		b.WriteString(" " + sectionDelim)
		if s.AllDomains {
			b.WriteString(" --all-domains")
		}
		fmt.Fprintf(&b, " --sni-detection=%s", s.SNIDetection)
		if s.TLSEnabled {
			b.WriteString(" --tls")
		}
		if s.UDPMode {
			b.WriteString(" --udp-mode")
		}
		if s.ConnBytesLimit != 0 {
			fmt.Fprintf(&b, " --connbytes-limit=%d", s.ConnBytesLimit)
		}
		fmt.Fprintf(&b, " --frag=%s", s.Fragmentation)
		if s.FragSNIReverse {
			b.WriteString(" --frag-sni-reverse")
		}
		if s.FragMiddleSNI {
			b.WriteString(" --frag-middle-sni")
		}
		if s.FragSNIPos != 0 {
			fmt.Fprintf(&b, " --frag-sni-pos=%d", s.FragSNIPos)
		}
		if s.FakeSNI.Enabled {
			fmt.Fprintf(&b, " --fake-sni --fake-sni-seq-len=%d --fake-sni-type=%s --fake-seq=%s",
				s.FakeSNI.Count, s.FakeSNI.Type, s.FakeSNI.SeqType)
			if s.FakeSNI.TTL != 0 {
				fmt.Fprintf(&b, " --fake-sni-ttl=%d", s.FakeSNI.TTL)
			}
			if s.FakeSNI.Fool != 0 {
				fmt.Fprintf(&b, " --faking-strategy=%s", s.FakeSNI.Fool)
			}
		}
		if s.Synfaking {
			b.WriteString(" --synfaking")
		}
		if s.OOBSend {
			b.WriteString(" --oob-send")
		}
	}

	return b.String()
}

// configRef pins one published Config generation and tracks in-flight
// acquisitions against it so Reconfigure can wait for them to drain,
// mirroring the kref-counted swap of the source (spec.md §9).
type configRef struct {
	cfg *Config
	wg  sync.WaitGroup
}

// Handle is the reference-counted configuration handle of spec.md §3: the
// engine acquires a strong reference at packet-entry and releases it at
// packet-exit; a reconfiguration swaps the current handle and waits only
// for readers that acquired before the swap.
type Handle struct {
	mu  sync.Mutex
	cur *configRef
}

// NewHandle publishes an initial configuration.
func NewHandle(cfg *Config) *Handle {
	return &Handle{cur: &configRef{cfg: cfg}}
}

// Acquire returns the currently published Config and a release function
// that must be called exactly once when the caller is done with it.
func (h *Handle) Acquire() (*Config, func()) {
	h.mu.Lock()
	ref := h.cur
	ref.wg.Add(1)
	h.mu.Unlock()
	return ref.cfg, ref.wg.Done
}

// Reconfigure publishes a new Config and blocks until every packet that
// had already acquired the previous one has released it.
func (h *Handle) Reconfigure(cfg *Config) {
	h.mu.Lock()
	old := h.cur
	h.cur = &configRef{cfg: cfg}
	h.mu.Unlock()

	old.wg.Wait()
}

// Load acquires the current Config without participating in packet-scoped
// refcounting; used by Dump/inspection call sites outside the hot path.
func (h *Handle) Load() *Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cur.cfg
}
