package session

import (
	"fmt"
	"net/netip"
)

// ParseBindAddress parses an "ipv4:port" string. Any string that is not a
// dotted-quad IPv4 address followed by a decimal port in 0..65535 yields
// ErrInvalidAddress. Port 0 binds an ephemeral port.
func ParseBindAddress(s string) (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if !ap.Addr().Is4() {
		return netip.AddrPort{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidAddress, s)
	}
	return ap, nil
}
