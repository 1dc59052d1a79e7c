package mangle

import "errors"

// Sentinel errors returned by the parser and analyzer. The engine reduces
// every one of these to Accept. ConfigInvalid is raised at load time and is
// fatal there; TransportError belongs to the send path outside
// ProcessPacket, where a failed send is logged and processing continues.
var (
	// ErrMalformedPacket means a parser bounds check failed.
	ErrMalformedPacket = errors.New("mangle: malformed packet")

	// ErrUnsupportedProtocol means the datagram is not IPv4/IPv6 over TCP
	// (or, where permitted, UDP).
	ErrUnsupportedProtocol = errors.New("mangle: unsupported protocol")

	// ErrTLSInvalid means the TLS record/handshake walk bailed mid-record.
	ErrTLSInvalid = errors.New("mangle: tls parsing invalid")

	// ErrNotMatched means no configured section matched the packet.
	ErrNotMatched = errors.New("mangle: no section matched")

	// ErrAllocFailure means a transient buffer allocation failed.
	ErrAllocFailure = errors.New("mangle: buffer allocation failed")

	// ErrConfigInvalid means configuration was rejected at load time.
	ErrConfigInvalid = errors.New("mangle: invalid configuration")

	// ErrTransportError means a send through the injector failed.
	ErrTransportError = errors.New("mangle: transport send failed")
)
