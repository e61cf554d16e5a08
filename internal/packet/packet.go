// Package packet holds the byte-level transforms applied to decapsulated
// tunnel payloads before they are sent back into the tunnel.
package packet

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Offsets of the address fields in an IPv4 header.
const (
	srcOffset = 12
	dstOffset = 16
	addrLen   = 4
)

// SwapAddresses exchanges the IPv4 source and destination addresses of b in
// place. The peer sees its own traffic come back from the address it was
// talking to, which is what makes the tunnel look like a loopback.
//
// The IPv4 header checksum and the TCP/UDP pseudo-header checksums are sums
// over both fields, so they remain valid after the swap.
//
// SwapAddresses panics if b is shorter than an IPv4 header. Callers only hand
// it packets the tunnel already classified as IPv4.
func SwapAddresses(b []byte) {
	if len(b) < ipv4.HeaderLen {
		panic(fmt.Sprintf("packet: %d byte buffer is shorter than an IPv4 header", len(b)))
	}
	for i := 0; i < addrLen; i++ {
		b[srcOffset+i], b[dstOffset+i] = b[dstOffset+i], b[srcOffset+i]
	}
}

// Version returns the IP version nibble of b, or 0 for an empty buffer.
func Version(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	return int(b[0] >> 4)
}

// Source returns the IPv4 source address of b.
func Source(b []byte) netip.Addr {
	if len(b) < ipv4.HeaderLen {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte(b[srcOffset : srcOffset+addrLen]))
}

// Destination returns the IPv4 destination address of b.
func Destination(b []byte) netip.Addr {
	if len(b) < ipv4.HeaderLen {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte(b[dstOffset : dstOffset+addrLen]))
}

// Length returns the length the IP header claims for the packet in b. It
// returns 0 when the header is truncated, inconsistent with len(b), or not
// IPv4/IPv6.
func Length(b []byte) int {
	switch Version(b) {
	case ipv4.Version:
		if len(b) < ipv4.HeaderLen {
			return 0
		}
		n := int(binary.BigEndian.Uint16(b[2:4]))
		if n < ipv4.HeaderLen || n > len(b) {
			return 0
		}
		return n
	case ipv6.Version:
		if len(b) < ipv6.HeaderLen {
			return 0
		}
		n := ipv6.HeaderLen + int(binary.BigEndian.Uint16(b[4:6]))
		if n > len(b) {
			return 0
		}
		return n
	default:
		return 0
	}
}
