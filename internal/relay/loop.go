// Package relay runs the receive, classify, rewrite, re-encrypt loop of a
// tunnel session.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/emproxy/emproxy/internal/logging"
	"github.com/emproxy/emproxy/internal/metrics"
	"github.com/emproxy/emproxy/internal/packet"
	"github.com/emproxy/emproxy/internal/socket"
	"github.com/emproxy/emproxy/internal/wgtun"
)

// ErrUnsupportedFamily ends a session that decrypted a non-IPv4 payload.
var ErrUnsupportedFamily = errors.New("relay: unsupported payload address family")

const (
	// DefaultBufferSize is the receive buffer size.
	DefaultBufferSize = 2048

	// scratchSlack covers transport framing on top of a received payload.
	scratchSlack = 128
)

// Tunnel is the part of a wgtun.Tunnel the loop drives.
type Tunnel interface {
	Decapsulate(src netip.AddrPort, datagram, dst []byte) wgtun.Result
	Encapsulate(pkt, dst []byte) wgtun.Result
}

// Config holds the loop parameters.
type Config struct {
	Socket     socket.Config
	BufferSize int
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		Socket:     socket.DefaultConfig(),
		BufferSize: DefaultBufferSize,
	}
}

// Stats is a snapshot of loop counters.
type Stats struct {
	DatagramsIn  uint64 `json:"datagrams_in"`
	DatagramsOut uint64 `json:"datagrams_out"`
	BytesIn      uint64 `json:"bytes_in"`
	BytesOut     uint64 `json:"bytes_out"`
	Rejected     uint64 `json:"rejected"`
	Reflected    uint64 `json:"reflected"`
}

// Loop relays one tunnel session on one UDP socket. A Loop runs once.
type Loop struct {
	binder  *socket.Binder
	arm     func(context.Context, *net.UDPConn) (*net.UDPConn, error)
	tun     Tunnel
	bufSize int
	logger  *slog.Logger
	metrics *metrics.Metrics

	// OnReady is called once, the first time the tunnel consumes a datagram
	// without anything to send.
	OnReady func()

	state     atomic.Int32
	ready     atomic.Bool
	readyOnce sync.Once

	mu        sync.Mutex
	localAddr netip.AddrPort
	bound     chan struct{}
	boundOnce sync.Once

	datagramsIn  atomic.Uint64
	datagramsOut atomic.Uint64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	rejected     atomic.Uint64
	reflected    atomic.Uint64
}

// New creates a Loop serving tun on addr.
func New(addr netip.AddrPort, tun Tunnel, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Loop {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	l := &Loop{
		binder:  socket.NewBinder(addr, cfg.Socket, logger),
		tun:     tun,
		bufSize: cfg.BufferSize,
		logger:  logger.With(logging.KeyComponent, "relay"),
		metrics: m,
		bound:   make(chan struct{}),
	}
	l.binder.OnRetry = func(uint, error) { m.RecordBindRetry() }
	l.binder.OnRebind = m.RecordRebind
	l.arm = l.binder.Arm
	return l
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Ready reports whether the tunnel has produced its first quiescent result.
func (l *Loop) Ready() bool {
	return l.ready.Load()
}

// Bound is closed once the socket has been bound.
func (l *Loop) Bound() <-chan struct{} {
	return l.bound
}

// LocalAddr returns the bound socket address, or the zero value before
// binding.
func (l *Loop) LocalAddr() netip.AddrPort {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localAddr
}

// Stats returns a snapshot of the loop counters.
func (l *Loop) Stats() Stats {
	return Stats{
		DatagramsIn:  l.datagramsIn.Load(),
		DatagramsOut: l.datagramsOut.Load(),
		BytesIn:      l.bytesIn.Load(),
		BytesOut:     l.bytesOut.Load(),
		Rejected:     l.rejected.Load(),
		Reflected:    l.reflected.Load(),
	}
}

// Run binds the socket and relays datagrams until ctx is canceled or an
// unrecoverable error occurs. Cancellation is observed between receives,
// at most one read timeout late, and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	defer l.state.Store(int32(StateTerminated))

	l.state.Store(int32(StateBinding))
	conn, err := l.binder.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	l.setBound(conn)

	l.state.Store(int32(StateServing))
	l.logger.Info("relay serving", logging.KeyAddress, l.LocalAddr().String())

	recv := make([]byte, l.bufSize)
	plain := make([]byte, l.bufSize+scratchSlack)
	sealed := make([]byte, l.bufSize+scratchSlack)

	for {
		if ctx.Err() != nil {
			return nil
		}

		armed, err := l.arm(ctx, conn)
		if err != nil {
			conn = nil
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if armed != conn {
			conn = armed
			l.setBound(conn)
		}

		n, peer, err := conn.ReadFromUDPAddrPort(recv)
		if err != nil {
			if socket.IsTimeout(err) {
				continue
			}
			return fmt.Errorf("relay: receive: %w", err)
		}
		l.datagramsIn.Add(1)
		l.bytesIn.Add(uint64(n))
		l.metrics.RecordReceive(n)

		if err := l.handle(conn, peer, recv[:n], plain, sealed); err != nil {
			return err
		}
	}
}

func (l *Loop) handle(conn *net.UDPConn, peer netip.AddrPort, datagram, plain, sealed []byte) error {
	res := l.tun.Decapsulate(peer, datagram, plain)
	outcome := Classify(res)
	l.metrics.RecordOutcome(outcome.String())

	switch outcome {
	case OutcomeQuiescent:
		l.markReady(peer)
	case OutcomeRejected:
		l.rejected.Add(1)
		l.metrics.RecordRejection(rejectReason(res.Err))
		l.logger.Debug("datagram rejected", logging.KeyPeer, peer.String(), logging.KeyError, res.Err)
	case OutcomeEmitToTransport:
		if err := l.send(conn, peer, res.Packet); err != nil {
			return err
		}
		return l.drain(conn, peer, plain)
	case OutcomeEmitToLocalPath:
		return l.reflect(conn, peer, res.Packet, sealed)
	case OutcomeUnsupportedFamily:
		return fmt.Errorf("%w: %d byte payload from %s", ErrUnsupportedFamily, len(res.Packet), peer)
	}
	return nil
}

// drain flushes everything the tunnel queued while handling one datagram.
func (l *Loop) drain(conn *net.UDPConn, peer netip.AddrPort, plain []byte) error {
	for {
		res := l.tun.Decapsulate(peer, nil, plain)
		if res.Op != wgtun.OpWriteToNetwork {
			return nil
		}
		if err := l.send(conn, peer, res.Packet); err != nil {
			return err
		}
	}
}

// reflect swaps the payload addresses and sends it back through the tunnel.
func (l *Loop) reflect(conn *net.UDPConn, peer netip.AddrPort, pkt, sealed []byte) error {
	packet.SwapAddresses(pkt)
	l.reflected.Add(1)

	res := l.tun.Encapsulate(pkt, sealed)
	if res.Op != wgtun.OpWriteToNetwork {
		l.logger.Warn("unexpected tunnel result for reflected packet",
			logging.KeyPeer, peer.String(),
			logging.KeyOutcome, res.Op.String(),
			logging.KeyError, res.Err)
		return nil
	}
	return l.send(conn, peer, res.Packet)
}

func (l *Loop) send(conn *net.UDPConn, peer netip.AddrPort, b []byte) error {
	n, err := conn.WriteToUDPAddrPort(b, peer)
	if err != nil {
		return fmt.Errorf("relay: send to %s: %w", peer, err)
	}
	l.datagramsOut.Add(1)
	l.bytesOut.Add(uint64(n))
	l.metrics.RecordSend(n)
	return nil
}

func (l *Loop) markReady(peer netip.AddrPort) {
	l.readyOnce.Do(func() {
		l.ready.Store(true)
		l.metrics.RecordReady()
		l.logger.Info("tunnel ready", logging.KeyPeer, peer.String())
		if l.OnReady != nil {
			l.OnReady()
		}
	})
}

func (l *Loop) setBound(conn *net.UDPConn) {
	addr := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	l.mu.Lock()
	l.localAddr = addr
	l.mu.Unlock()
	l.boundOnce.Do(func() { close(l.bound) })
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, wgtun.ErrReplay):
		return "replay"
	case errors.Is(err, wgtun.ErrInvalidMAC):
		return "invalid_mac"
	case errors.Is(err, wgtun.ErrDecrypt):
		return "decrypt"
	case errors.Is(err, wgtun.ErrWrongPeer):
		return "wrong_peer"
	case errors.Is(err, wgtun.ErrFlood):
		return "flood"
	case errors.Is(err, wgtun.ErrNoSession):
		return "no_session"
	case errors.Is(err, wgtun.ErrExpired):
		return "expired"
	case errors.Is(err, wgtun.ErrInvalidPacket):
		return "invalid_packet"
	default:
		return "other"
	}
}
