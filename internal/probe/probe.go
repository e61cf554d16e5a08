// Package probe checks that the local UDP data path is forwarding bytes.
//
// The probe is independent of any running relay session: it binds its own
// listening socket, sends marker datagrams at it from an adjacent port and
// waits for one to arrive.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/emproxy/emproxy/internal/logging"
	"github.com/emproxy/emproxy/internal/metrics"
	"github.com/emproxy/emproxy/internal/recovery"
	"github.com/emproxy/emproxy/internal/session"
	"github.com/emproxy/emproxy/internal/socket"
)

const (
	DefaultBasePort = 3000
	DefaultAttempts = 10
	DefaultInterval = time.Millisecond
	DefaultMarker   = 0x45
)

var loopback = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// Prober runs readiness probes. The zero value is not usable; start from
// New.
type Prober struct {
	// BasePort is the first port tried for the listening socket.
	BasePort uint16

	// Attempts is how many markers the sender emits.
	Attempts int

	// Interval separates consecutive markers.
	Interval time.Duration

	// Marker is the one-byte payload.
	Marker byte

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// New returns a Prober with the default parameters.
func New(logger *slog.Logger, m *metrics.Metrics) *Prober {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Prober{
		BasePort: DefaultBasePort,
		Attempts: DefaultAttempts,
		Interval: DefaultInterval,
		Marker:   DefaultMarker,
		Logger:   logger.With(logging.KeyComponent, "probe"),
		Metrics:  m,
	}
}

// Test blocks until a marker arrives, timeout elapses or ctx ends. It
// returns nil on success, an error wrapping session.ErrInvalidSocket when
// no local port could be bound, and one wrapping session.ErrUnknown when
// nothing arrived in time.
func (p *Prober) Test(ctx context.Context, timeout time.Duration) error {
	start := time.Now()
	err := p.test(ctx, timeout)
	p.Metrics.RecordProbe(err == nil, time.Since(start).Seconds())
	if err != nil {
		p.Logger.Debug("probe failed", logging.KeyError, err, logging.KeyDuration, time.Since(start))
	}
	return err
}

func (p *Prober) test(ctx context.Context, timeout time.Duration) error {
	conn, err := p.listen()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("%w: set deadline: %v", session.ErrInvalidSocket, err)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	target := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	go p.send(sendCtx, target)

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", session.ErrUnknown, ctx.Err())
		}
		return fmt.Errorf("%w: no probe datagram within %s", session.ErrUnknown, timeout)
	}
	if n == 0 {
		return fmt.Errorf("%w: empty probe datagram", session.ErrUnknown)
	}
	return nil
}

// listen binds the first free loopback port at or above BasePort.
func (p *Prober) listen() (*net.UDPConn, error) {
	for port := int(p.BasePort); port <= 65535; port++ {
		addr := netip.AddrPortFrom(loopback, uint16(port))
		conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(addr))
		if err == nil {
			return conn, nil
		}
		if !socket.IsAddrInUse(err) {
			return nil, fmt.Errorf("%w: %s: %v", session.ErrInvalidSocket, addr, err)
		}
	}
	return nil, fmt.Errorf("%w: no free port from %d", session.ErrInvalidSocket, p.BasePort)
}

// sender binds the port after target, or any port when that one is taken.
func (p *Prober) sender(target netip.AddrPort) (*net.UDPConn, error) {
	if port := target.Port(); port < 65535 {
		addr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(loopback, port+1))
		conn, err := net.ListenUDP("udp4", addr)
		if err == nil {
			return conn, nil
		}
		if !socket.IsAddrInUse(err) {
			return nil, err
		}
	}
	return net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
}

func (p *Prober) send(ctx context.Context, target netip.AddrPort) {
	defer recovery.RecoverWithLog(p.Logger, "probe-sender")

	conn, err := p.sender(target)
	if err != nil {
		p.Logger.Warn("probe sender bind failed", logging.KeyError, err)
		return
	}
	defer conn.Close()

	marker := []byte{p.Marker}
	for i := 0; i < p.Attempts; i++ {
		if _, err := conn.WriteToUDPAddrPort(marker, target); err != nil && !errors.Is(err, net.ErrClosed) {
			p.Logger.Debug("probe send failed", logging.KeyAttempt, i+1, logging.KeyError, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.Interval):
		}
	}
}
