// Package integration runs the relay end to end against real peers.
package integration

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/emproxy/emproxy/internal/config"
	"github.com/emproxy/emproxy/internal/identity"
	"github.com/emproxy/emproxy/internal/metrics"
	"github.com/emproxy/emproxy/internal/session"
)

// clientPrivateKey pairs with the embedded relay keys.
const clientPrivateKey = "aAKBcpeQNSeF4xjUQm3FgJLc/Rmb2jX1qGeBJ7RufUI="

type relayHarness struct {
	mgr  *session.Manager
	addr netip.AddrPort
}

func startRelay(t *testing.T) *relayHarness {
	t.Helper()

	cfg := config.Default().Tunnel
	cfg.BindRetryDelay = 5 * time.Millisecond

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	mgr, err := session.NewManager(cfg, identity.Default(), nil, m)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	addr := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	conn.Close()

	if err := mgr.Start(addr.String()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.StopAndWait(ctx); err != nil {
			t.Errorf("StopAndWait() error = %v", err)
		}
	})

	select {
	case <-mgr.Bound():
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not bind")
	}

	return &relayHarness{mgr: mgr, addr: addr}
}

func clientKeys(t *testing.T) identity.Keys {
	t.Helper()
	priv, err := identity.ParseKey(clientPrivateKey)
	if err != nil {
		t.Fatalf("ParseKey() error = %v", err)
	}
	return identity.Keys{PrivateKey: priv, PeerPublicKey: identity.Default().PublicKey()}
}
