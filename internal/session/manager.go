// Package session owns the lifecycle of the relay's single tunnel session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/emproxy/emproxy/internal/config"
	"github.com/emproxy/emproxy/internal/identity"
	"github.com/emproxy/emproxy/internal/logging"
	"github.com/emproxy/emproxy/internal/metrics"
	"github.com/emproxy/emproxy/internal/recovery"
	"github.com/emproxy/emproxy/internal/relay"
	"github.com/emproxy/emproxy/internal/socket"
	"github.com/emproxy/emproxy/internal/wgtun"
)

// Status is a snapshot of the manager's session.
type Status struct {
	Running   bool           `json:"running"`
	Ready     bool           `json:"ready"`
	State     string         `json:"state"`
	Address   netip.AddrPort `json:"address"`
	StartedAt time.Time      `json:"started_at"`
	Uptime    time.Duration  `json:"uptime"`
	Stats     relay.Stats    `json:"stats"`
	LastError string         `json:"last_error,omitempty"`
}

// session is one started relay loop.
type session struct {
	loop    *relay.Loop
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started time.Time
}

func (s *session) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Manager holds at most one live session. It is safe for concurrent use.
type Manager struct {
	cfg     config.TunnelConfig
	keys    identity.Keys
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	current *session
	lastErr error

	newTunnel func(identity.Keys) (relay.Tunnel, error)
}

// NewManager creates a Manager. The key material is checked up front so a
// bad key never surfaces from Start.
func NewManager(cfg config.TunnelConfig, keys identity.Keys, logger *slog.Logger, m *metrics.Metrics) (*Manager, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}

	mgr := &Manager{
		cfg:     cfg,
		keys:    keys,
		logger:  logger.With(logging.KeyComponent, "session"),
		metrics: m,
	}
	mgr.newTunnel = mgr.wireguardTunnel

	if _, err := mgr.newTunnel(keys); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) wireguardTunnel(keys identity.Keys) (relay.Tunnel, error) {
	return wgtun.New(wgtun.Config{
		PrivateKey:    keys.PrivateKey,
		PeerPublicKey: keys.PeerPublicKey,
		PresharedKey:  keys.PresharedKey,
		HandshakeRate: m.cfg.HandshakeRate,
	})
}

func (m *Manager) relayConfig() relay.Config {
	cfg := relay.DefaultConfig()
	if m.cfg.ReadTimeout > 0 {
		cfg.Socket.ReadTimeout = m.cfg.ReadTimeout
	}
	if m.cfg.BindRetryDelay > 0 {
		cfg.Socket.InUseDelay = m.cfg.BindRetryDelay
	}
	if m.cfg.RebindInterval > 0 {
		cfg.Socket.RebindInterval = m.cfg.RebindInterval
	}
	cfg.Socket.MaxAttempts = m.cfg.BindAttempts
	if m.cfg.BufferSize > 0 {
		cfg.BufferSize = int(m.cfg.BufferSize)
	}
	return cfg
}

// Start starts a session bound to bindAddress. It fails with
// ErrAlreadyRunning while a session is live, and with ErrInvalidAddress for
// a malformed address. Binding happens in the
// background; a busy port is retried rather than reported.
//
// A session whose loop already ended on its own is replaced.
func (m *Manager) Start(bindAddress string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s := m.current; s != nil {
		if !s.exited() {
			return ErrAlreadyRunning
		}
		m.current = nil
	}

	addr, err := ParseBindAddress(bindAddress)
	if err != nil {
		return err
	}

	tun, err := m.newTunnel(m.keys)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknown, err)
	}

	loop := relay.New(addr, tun, m.relayConfig(), m.logger, m.metrics)
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		loop:    loop,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}

	m.metrics.RecordSessionStart()
	go m.run(ctx, s)

	m.current = s
	m.lastErr = nil
	m.logger.Info("session started", logging.KeyAddress, addr.String())
	return nil
}

func (m *Manager) run(ctx context.Context, s *session) {
	err := recovery.Guard(m.logger, "relay", func() error {
		return s.loop.Run(ctx)
	})

	reason := "stopped"
	if err != nil {
		reason = endReason(err)
		m.logger.Error("session terminated", logging.KeyError, err, logging.KeyDuration, time.Since(s.started))
	} else {
		m.logger.Info("session stopped", logging.KeyDuration, time.Since(s.started))
	}
	m.metrics.RecordSessionEnd(reason)

	m.mu.Lock()
	s.err = err
	if err != nil {
		m.lastErr = err
	}
	m.mu.Unlock()
	close(s.done)
}

func endReason(err error) string {
	switch {
	case errors.Is(err, relay.ErrUnsupportedFamily):
		return "unsupported_family"
	case errors.Is(err, socket.ErrBind):
		return "bind"
	case errors.Is(err, recovery.ErrPanic):
		return "panic"
	default:
		return "io"
	}
}

// Stop cancels the live session, if any, without waiting for it to end.
// Calling Stop with nothing running is a no-op.
func (m *Manager) Stop() {
	m.detach()
}

// StopAndWait stops the live session and waits until its loop has released
// the socket or ctx ends.
func (m *Manager) StopAndWait(ctx context.Context) error {
	s := m.detach()
	if s == nil {
		return nil
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) detach() *session {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()

	if s != nil {
		s.cancel()
	}
	return s
}

// Running reports whether a session loop is live.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && !m.current.exited()
}

// Ready reports whether the live session's tunnel has become ready.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil && !m.current.exited() && m.current.loop.Ready()
}

// Status returns a snapshot of the current session. A session whose loop
// has ended reports Running false and its terminal error.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Status
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}

	s := m.current
	if s == nil {
		st.State = relay.StateIdle.String()
		return st
	}

	st.Running = !s.exited()
	st.Ready = st.Running && s.loop.Ready()
	st.State = s.loop.State().String()
	st.Address = s.loop.LocalAddr()
	st.StartedAt = s.started
	st.Stats = s.loop.Stats()
	if st.Running {
		st.Uptime = time.Since(s.started)
	}
	return st
}

// Wait blocks until the live session ends or ctx is done, and returns the
// session's terminal error. It returns nil immediately when nothing runs.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	s := m.current
	m.mu.Unlock()
	if s == nil {
		return nil
	}

	select {
	case <-s.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bound returns a channel closed once the live session has bound its
// socket, or nil when nothing runs.
func (m *Manager) Bound() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.loop.Bound()
}
