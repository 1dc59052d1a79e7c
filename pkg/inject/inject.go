// Package inject sends the wire buffers the engine's Replace verdicts
// produce back onto the network as raw IP datagrams. Grounded on the
// teacher's own raw-socket ping example (examples/ping/main.go), which
// opens a raw socket directly with syscall and hand-serializes its own
// frames; this package keeps that same "build the whole datagram
// ourselves" approach but goes through the teacher's own
// golang.org/x/net/ipv4 and golang.org/x/net/ipv6 dependency (already
// used elsewhere in the corpus for raw IP I/O) for the read/write side,
// and golang.org/x/sys/unix only for the one piece x/net doesn't expose:
// SO_MARK.
package inject

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// Injector sends raw IPv4/IPv6 datagrams, each tagged with the configured
// firewall mark so the ingress hook recognizes and skips them on the way
// back in (spec.md §4.6 step 1).
type Injector struct {
	mark uint32

	raw4  *ipv4.RawConn
	have4 bool

	pc6   *ipv6.PacketConn
	have6 bool
}

// New opens one raw socket per address family actually needed and sets
// SO_MARK on each at socket-open time, mirroring the original C
// implementation's one-time raw-socket mark setup rather than stamping the
// mark per send.
func New(mark uint32, needIPv4, needIPv6 bool) (*Injector, error) {
	inj := &Injector{mark: mark}

	if needIPv4 {
		conn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
		if err != nil {
			return nil, fmt.Errorf("inject: open ipv4 raw socket: %w", err)
		}
		if err := setSocketMark(conn, mark); err != nil {
			conn.Close()
			return nil, err
		}
		raw, err := ipv4.NewRawConn(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("inject: wrap ipv4 raw conn: %w", err)
		}
		inj.raw4, inj.have4 = raw, true
	}

	if needIPv6 {
		conn, err := net.ListenPacket("ip6:tcp", "::")
		if err != nil {
			return nil, fmt.Errorf("inject: open ipv6 raw socket: %w", err)
		}
		if err := setSocketMark(conn, mark); err != nil {
			conn.Close()
			return nil, err
		}
		inj.pc6, inj.have6 = ipv6.NewPacketConn(conn), true
	}

	return inj, nil
}

// setSocketMark applies SO_MARK to the file descriptor backing conn.
// x/net's ipv4/ipv6 packages have no SO_MARK accessor of their own, so
// this is the one spot the injector reaches past them to x/sys/unix,
// exactly the role golang.org/x/sys/unix plays in the teacher's own
// syscall.Socket-based examples.
func setSocketMark(conn net.PacketConn, mark uint32) error {
	if mark == 0 {
		return nil
	}
	ipConn, ok := conn.(*net.IPConn)
	if !ok {
		return fmt.Errorf("inject: unexpected connection type for SO_MARK")
	}
	rc, err := ipConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("inject: syscall conn: %w", err)
	}
	var sockErr error
	err = rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, int(mark))
	})
	if err != nil {
		return fmt.Errorf("inject: control: %w", err)
	}
	return sockErr
}

// SendV4 writes a complete IPv4 datagram (header included) to dst.
func (inj *Injector) SendV4(buf []byte, dst [4]byte) error {
	if !inj.have4 {
		return fmt.Errorf("inject: no ipv4 socket open")
	}
	header, err := ipv4.ParseHeader(buf)
	if err != nil {
		return fmt.Errorf("inject: parse ipv4 header: %w", err)
	}
	header.Dst = net.IPv4(dst[0], dst[1], dst[2], dst[3])
	return inj.raw4.WriteTo(header, buf[header.Len:], nil)
}

// SendV6 writes a complete IPv6 datagram's payload to dst. IPv6 raw
// sockets do not support header-include the way IPv4 does, so only the
// upper-layer payload (everything after the fixed 40-byte header) is
// handed to the kernel, which builds the fixed header itself. Only the hop
// limit is carried over from buf, via the WriteTo control message; the
// other fixed-header fields (traffic class, flow label) are left to the
// kernel.
func (inj *Injector) SendV6(buf []byte, dst [16]byte) error {
	if !inj.have6 {
		return fmt.Errorf("inject: no ipv6 socket open")
	}
	if len(buf) < 40 {
		return fmt.Errorf("inject: buffer too short for an ipv6 header")
	}
	addr := &net.IPAddr{IP: net.IP(dst[:])}
	cm := &ipv6.ControlMessage{HopLimit: int(buf[7])}
	_, err := inj.pc6.WriteTo(buf[40:], cm, addr)
	return err
}

// Close releases the underlying sockets.
func (inj *Injector) Close() error {
	var err error
	if inj.have4 {
		if e := inj.raw4.Close(); e != nil {
			err = e
		}
	}
	if inj.have6 {
		if e := inj.pc6.Close(); e != nil {
			err = e
		}
	}
	return err
}
