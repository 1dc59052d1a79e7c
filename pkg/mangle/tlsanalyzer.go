package mangle

import "encoding/binary"

const (
	tlsContentTypeHandshake     = 22
	tlsHandshakeTypeClientHello = 0x01
	tlsExtensionSNI             = 0x0000
)

// recordOutcome mirrors the three outcomes of walking a single TLS
// handshake message in the source: a ClientHello was found (with its SNI
// verdict, matched or not), the message wasn't a ClientHello (try the next
// record), or the bytes present were malformed (stop scanning entirely).
type recordOutcome int

const (
	outcomeGotoNext recordOutcome = iota
	outcomeFound
	outcomeInvalid
)

// TLSVerdict is the analyzer's per-payload result (spec.md §3). SNIPtr/
// SNILen locate the raw SNI hostname field as it appeared on the wire;
// TargetSNIPtr/TargetSNILen locate the sub-range the matcher considers
// "the target" — for a matched suffix these may be narrower than the full
// hostname, and for the brute all_domains case they identify the payload
// midpoint used as a canonical cut site.
type TLSVerdict struct {
	TargetSNI bool

	SNIPtr int
	SNILen int

	TargetSNIPtr int
	TargetSNILen int
}

// AnalyzeTLSData implements analyze_tls_data: the top-level entry point
// that dispatches to the brute-force scan or to the TLS record walk
// depending on the section's configured detection mode.
func AnalyzeTLSData(section *Section, payload []byte) TLSVerdict {
	if section.SNIDetection == SNIDetectionBrute {
		return bruteforceAnalyzeSNI(section, payload)
	}

	pos := 0
	for pos+5 <= len(payload) {
		contentType := payload[pos]
		versionMajor := payload[pos+1]
		if versionMajor != 3 {
			break
		}

		recordLen := int(binary.BigEndian.Uint16(payload[pos+3 : pos+5]))
		bodyStart := pos + 5
		bodyEnd := bodyStart + recordLen
		if bodyEnd > len(payload) {
			// The record legitimately may span TCP segments; analyze only
			// what is present rather than treating this as malformed.
			bodyEnd = len(payload)
		}

		if contentType != tlsContentTypeHandshake {
			pos = bodyEnd
			continue
		}

		verdict, outcome := analyzeHandshakeMessage(section, payload, bodyStart, bodyEnd)
		switch outcome {
		case outcomeFound, outcomeInvalid:
			return verdict
		default:
			pos = bodyEnd
		}
	}

	return TLSVerdict{}
}

func analyzeHandshakeMessage(section *Section, buf []byte, start, end int) (TLSVerdict, recordOutcome) {
	cursor := start
	fits := func(n int) bool { return cursor+n <= end }

	if !fits(1) {
		return TLSVerdict{}, outcomeInvalid
	}
	handshakeType := buf[cursor]
	cursor++
	if handshakeType != tlsHandshakeTypeClientHello {
		return TLSVerdict{}, outcomeGotoNext
	}

	if !fits(3) { // handshake length
		return TLSVerdict{}, outcomeInvalid
	}
	cursor += 3

	if !fits(2) { // legacy_version
		return TLSVerdict{}, outcomeInvalid
	}
	cursor += 2

	if !fits(32) { // random
		return TLSVerdict{}, outcomeInvalid
	}
	cursor += 32

	if !fits(1) {
		return TLSVerdict{}, outcomeInvalid
	}
	sessionIDLen := int(buf[cursor])
	cursor++
	if !fits(sessionIDLen) {
		return TLSVerdict{}, outcomeInvalid
	}
	cursor += sessionIDLen

	if !fits(2) {
		return TLSVerdict{}, outcomeInvalid
	}
	cipherSuitesLen := int(binary.BigEndian.Uint16(buf[cursor : cursor+2]))
	cursor += 2
	if !fits(cipherSuitesLen) {
		return TLSVerdict{}, outcomeInvalid
	}
	cursor += cipherSuitesLen

	if !fits(1) {
		return TLSVerdict{}, outcomeInvalid
	}
	compressionLen := int(buf[cursor])
	cursor++
	if !fits(compressionLen) {
		return TLSVerdict{}, outcomeInvalid
	}
	cursor += compressionLen

	if !fits(2) {
		return TLSVerdict{}, outcomeInvalid
	}
	extensionsLen := int(binary.BigEndian.Uint16(buf[cursor : cursor+2]))
	cursor += 2
	extensionsEnd := cursor + extensionsLen
	if extensionsEnd > end {
		return TLSVerdict{}, outcomeInvalid
	}

	for cursor+4 <= extensionsEnd {
		extType := binary.BigEndian.Uint16(buf[cursor : cursor+2])
		extLen := int(binary.BigEndian.Uint16(buf[cursor+2 : cursor+4]))
		bodyStart := cursor + 4
		bodyEnd := bodyStart + extLen
		if bodyEnd > extensionsEnd {
			return TLSVerdict{}, outcomeInvalid
		}

		if extType == tlsExtensionSNI {
			return analyzeSNIExtension(section, buf, bodyStart, bodyEnd)
		}
		cursor = bodyEnd
	}

	return TLSVerdict{}, outcomeGotoNext
}

// analyzeSNIExtension walks the server_name_list of a single SNI
// extension and, once the raw hostname field is located, hands it to the
// SNI matcher (spec.md §4.4).
func analyzeSNIExtension(section *Section, buf []byte, start, end int) (TLSVerdict, recordOutcome) {
	cursor := start
	if cursor+2 > end {
		return TLSVerdict{}, outcomeInvalid
	}
	listLen := int(binary.BigEndian.Uint16(buf[cursor : cursor+2]))
	cursor += 2
	listEnd := cursor + listLen
	if listEnd > end {
		return TLSVerdict{}, outcomeInvalid
	}

	if cursor+1 > listEnd { // name_type
		return TLSVerdict{}, outcomeInvalid
	}
	cursor++

	if cursor+2 > listEnd {
		return TLSVerdict{}, outcomeInvalid
	}
	sniLen := int(binary.BigEndian.Uint16(buf[cursor : cursor+2]))
	cursor += 2
	if cursor+sniLen > listEnd {
		return TLSVerdict{}, outcomeInvalid
	}
	sniPtr := cursor

	verdict := TLSVerdict{
		SNIPtr:       sniPtr,
		SNILen:       sniLen,
		TargetSNIPtr: sniPtr,
		TargetSNILen: sniLen,
	}
	matchSNI(section, buf[sniPtr:sniPtr+sniLen], sniPtr, MapToEnd, &verdict)

	return verdict, outcomeFound
}

// matchSNI implements the SNI matcher of spec.md §4.4: include-then-
// exclude, exclude wins. baseOffset translates a trie match's offset
// within hostname back into the verdict's absolute coordinates.
func matchSNI(section *Section, hostname []byte, baseOffset int, mode AnchorMode, verdict *TLSVerdict) {
	if section.AllDomains {
		verdict.TargetSNI = true
	} else if matched, offset, length := section.SNIDomains.Lookup(hostname, mode); matched {
		verdict.TargetSNI = true
		verdict.TargetSNIPtr = baseOffset + offset
		verdict.TargetSNILen = length
	}

	if verdict.TargetSNI {
		if excluded, _, _ := section.ExcludeSNIDomains.Lookup(hostname, mode); excluded {
			verdict.TargetSNI = false
		}
	}
}

// bruteforceAnalyzeSNI implements bruteforce_analyze_sni_str: no record or
// handshake parsing at all, the trie scans the raw payload directly.
func bruteforceAnalyzeSNI(section *Section, payload []byte) TLSVerdict {
	if len(payload) <= 1 {
		return TLSVerdict{}
	}

	if section.AllDomains {
		mid := len(payload) / 2
		return TLSVerdict{TargetSNI: true, SNIPtr: mid, SNILen: 0, TargetSNIPtr: mid, TargetSNILen: 0}
	}

	var verdict TLSVerdict
	matchSNI(section, payload, 0, Unanchored, &verdict)
	if verdict.TargetSNI {
		verdict.SNIPtr = verdict.TargetSNIPtr
		verdict.SNILen = verdict.TargetSNILen
	}
	return verdict
}
