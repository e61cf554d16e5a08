// Package socket binds and keeps alive the UDP socket a relay reads from.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/emproxy/emproxy/internal/logging"
)

// ErrBind is returned when the socket cannot be bound for a reason other
// than the address being in use, or when MaxAttempts is exhausted.
var ErrBind = errors.New("socket: bind failed")

// Config holds the timing of bind retries and reads.
type Config struct {
	// InUseDelay is the pause between bind attempts while the address is in use.
	InUseDelay time.Duration

	// RebindInterval is the pause between rebind attempts after the socket
	// became unusable.
	RebindInterval time.Duration

	// ReadTimeout bounds each receive so the relay can observe cancellation.
	ReadTimeout time.Duration

	// MaxAttempts limits bind attempts while the address is in use.
	// Zero retries until the context ends.
	MaxAttempts uint
}

// DefaultConfig returns the default socket timing.
func DefaultConfig() Config {
	return Config{
		InUseDelay:     50 * time.Millisecond,
		RebindInterval: time.Second,
		ReadTimeout:    5 * time.Millisecond,
	}
}

// Binder acquires a UDP socket on a fixed address and re-acquires it when
// the socket can no longer be armed.
type Binder struct {
	addr   netip.AddrPort
	cfg    Config
	logger *slog.Logger

	// OnRetry is called for every bind attempt that found the address in use.
	OnRetry func(attempt uint, err error)

	// OnRebind is called when an unusable socket is replaced.
	OnRebind func()

	listen func(netip.AddrPort) (*net.UDPConn, error)
}

// NewBinder creates a Binder for addr.
func NewBinder(addr netip.AddrPort, cfg Config, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Binder{
		addr:   addr,
		cfg:    cfg,
		logger: logger.With(logging.KeyComponent, "socket"),
		listen: listenUDP,
	}
}

func listenUDP(addr netip.AddrPort) (*net.UDPConn, error) {
	return net.ListenUDP("udp4", net.UDPAddrFromAddrPort(addr))
}

// Addr returns the address the Binder binds to.
func (b *Binder) Addr() netip.AddrPort {
	return b.addr
}

// Acquire binds the socket. While the address is in use it retries every
// InUseDelay; any other error is returned immediately.
func (b *Binder) Acquire(ctx context.Context) (*net.UDPConn, error) {
	conn, err := retry.DoWithData(
		func() (*net.UDPConn, error) {
			return b.listen(b.addr)
		},
		retry.Context(ctx),
		retry.Attempts(b.cfg.MaxAttempts),
		retry.Delay(b.cfg.InUseDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(IsAddrInUse),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Debug("address in use, retrying bind",
				logging.KeyAddress, b.addr.String(),
				logging.KeyAttempt, n+1)
			if b.OnRetry != nil {
				b.OnRetry(n+1, err)
			}
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrBind, b.addr, err)
	}

	b.logger.Debug("socket bound", logging.KeyAddress, conn.LocalAddr().String())
	return conn, nil
}

// Arm sets the read deadline for the next receive. If the deadline cannot
// be set the socket is closed and, after RebindInterval, a new one is bound
// every RebindInterval until that succeeds or ctx ends. The returned conn
// replaces conn.
func (b *Binder) Arm(ctx context.Context, conn *net.UDPConn) (*net.UDPConn, error) {
	err := conn.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout))
	if err == nil {
		return conn, nil
	}

	b.logger.Warn("failed to arm socket, rebinding",
		logging.KeyAddress, b.addr.String(),
		logging.KeyError, err)
	conn.Close()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(b.cfg.RebindInterval):
	}

	conn, err = retry.DoWithData(
		func() (*net.UDPConn, error) {
			c, err := b.listen(b.addr)
			if err != nil {
				return nil, err
			}
			if err := c.SetReadDeadline(time.Now().Add(b.cfg.ReadTimeout)); err != nil {
				c.Close()
				return nil, err
			}
			return c, nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(b.cfg.RebindInterval),
		retry.DelayType(retry.FixedDelay),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Debug("rebind failed",
				logging.KeyAttempt, n+1,
				logging.KeyError, err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}

	if b.OnRebind != nil {
		b.OnRebind()
	}
	b.logger.Info("socket rebound", logging.KeyAddress, conn.LocalAddr().String())
	return conn, nil
}

// IsTimeout reports whether err is a read timeout or would-block condition,
// which the relay treats as an idle iteration.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || isWouldBlock(err) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
