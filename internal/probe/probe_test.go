package probe

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/emproxy/emproxy/internal/metrics"
	"github.com/emproxy/emproxy/internal/session"
)

func newTestProber(t *testing.T) (*Prober, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	return New(nil, m), m
}

func TestNewDefaults(t *testing.T) {
	p, _ := newTestProber(t)
	if p.BasePort != 3000 {
		t.Errorf("BasePort = %d, want 3000", p.BasePort)
	}
	if p.Attempts != 10 {
		t.Errorf("Attempts = %d, want 10", p.Attempts)
	}
	if p.Interval != time.Millisecond {
		t.Errorf("Interval = %v, want 1ms", p.Interval)
	}
	if p.Marker != 69 {
		t.Errorf("Marker = %d, want 69", p.Marker)
	}
}

func TestProbeSucceeds(t *testing.T) {
	p, m := newTestProber(t)

	if err := p.Test(context.Background(), time.Second); err != nil {
		t.Fatalf("Test() error = %v", err)
	}
	if got := testutil.ToFloat64(m.ProbeRuns.WithLabelValues("success")); got != 1 {
		t.Errorf("successful probe runs = %v, want 1", got)
	}
}

func TestProbeScansPastBusyPorts(t *testing.T) {
	// Occupy a port and aim the probe at it.
	busy, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer busy.Close()

	p, _ := newTestProber(t)
	p.BasePort = uint16(busy.LocalAddr().(*net.UDPAddr).Port)
	if p.BasePort == 65535 {
		t.Skip("ephemeral port at the top of the range")
	}

	if err := p.Test(context.Background(), time.Second); err != nil {
		t.Fatalf("Test() error = %v", err)
	}
}

func TestProbeSenderFallsBackWhenAdjacentBusy(t *testing.T) {
	p, _ := newTestProber(t)

	// Find two consecutive free ports and occupy the upper one.
	var adjacent *net.UDPConn
	for port := 40000; port < 41000; port += 2 {
		lower, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		if err != nil {
			continue
		}
		upper, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port + 1})
		lower.Close()
		if err != nil {
			continue
		}
		adjacent = upper
		p.BasePort = uint16(port)
		break
	}
	if adjacent == nil {
		t.Skip("no pair of free ports found")
	}
	defer adjacent.Close()

	if err := p.Test(context.Background(), time.Second); err != nil {
		t.Fatalf("Test() error = %v", err)
	}
}

func TestProbeTimeoutWithoutSender(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
	}{
		{"short", 20 * time.Millisecond},
		{"medium", 100 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, m := newTestProber(t)
			p.Attempts = 0

			start := time.Now()
			err := p.Test(context.Background(), tt.timeout)
			elapsed := time.Since(start)

			if !errors.Is(err, session.ErrUnknown) {
				t.Fatalf("Test() error = %v, want ErrUnknown", err)
			}
			if session.Kind(err) != session.KindUnknown {
				t.Errorf("Kind() = %v, want unknown", session.Kind(err))
			}
			if elapsed < tt.timeout {
				t.Errorf("Test() returned after %v, before timeout %v", elapsed, tt.timeout)
			}
			if elapsed > tt.timeout+500*time.Millisecond {
				t.Errorf("Test() returned after %v, well past timeout %v", elapsed, tt.timeout)
			}
			if got := testutil.ToFloat64(m.ProbeRuns.WithLabelValues("failure")); got != 1 {
				t.Errorf("failed probe runs = %v, want 1", got)
			}
		})
	}
}

func TestProbeCanceled(t *testing.T) {
	p, _ := newTestProber(t)
	p.Attempts = 0

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	start := time.Now()
	err := p.Test(ctx, 10*time.Second)
	if !errors.Is(err, session.ErrUnknown) {
		t.Fatalf("Test() error = %v, want ErrUnknown", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("canceled Test() took %v", elapsed)
	}
}

func TestProbeNoFreePort(t *testing.T) {
	busy, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 65535})
	if err != nil {
		t.Skip("port 65535 unavailable")
	}
	defer busy.Close()

	p, _ := newTestProber(t)
	p.BasePort = 65535

	err = p.Test(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, session.ErrInvalidSocket) {
		t.Fatalf("Test() error = %v, want ErrInvalidSocket", err)
	}
	if session.Kind(err) != session.KindInvalidSocket {
		t.Errorf("Kind() = %v, want invalid_socket", session.Kind(err))
	}
}
