package socket

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		InUseDelay:     5 * time.Millisecond,
		RebindInterval: 5 * time.Millisecond,
		ReadTimeout:    5 * time.Millisecond,
	}
}

// occupy binds a loopback UDP port and returns its address.
func occupy(t *testing.T) (*net.UDPConn, netip.AddrPort) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	return conn, conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.InUseDelay != 50*time.Millisecond {
		t.Errorf("InUseDelay = %v, want 50ms", cfg.InUseDelay)
	}
	if cfg.RebindInterval != time.Second {
		t.Errorf("RebindInterval = %v, want 1s", cfg.RebindInterval)
	}
	if cfg.ReadTimeout != 5*time.Millisecond {
		t.Errorf("ReadTimeout = %v, want 5ms", cfg.ReadTimeout)
	}
	if cfg.MaxAttempts != 0 {
		t.Errorf("MaxAttempts = %d, want unlimited", cfg.MaxAttempts)
	}
}

func TestAcquire(t *testing.T) {
	b := NewBinder(netip.MustParseAddrPort("127.0.0.1:0"), testConfig(), nil)

	conn, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer conn.Close()

	if got := conn.LocalAddr().(*net.UDPAddr).Port; got == 0 {
		t.Error("bound port is 0")
	}
}

func TestAcquireRetriesWhileInUse(t *testing.T) {
	holder, addr := occupy(t)

	b := NewBinder(addr, testConfig(), nil)
	var retries atomic.Uint32
	b.OnRetry = func(attempt uint, err error) {
		if !IsAddrInUse(err) {
			t.Errorf("OnRetry error = %v, want address in use", err)
		}
		if retries.Add(1) == 3 {
			holder.Close()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := b.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer conn.Close()

	if got := conn.LocalAddr().(*net.UDPAddr).AddrPort(); got != addr {
		t.Errorf("bound %v, want %v", got, addr)
	}
	if retries.Load() < 3 {
		t.Errorf("retries = %d, want at least 3", retries.Load())
	}
}

func TestAcquireMaxAttempts(t *testing.T) {
	holder, addr := occupy(t)
	defer holder.Close()

	cfg := testConfig()
	cfg.MaxAttempts = 3
	b := NewBinder(addr, cfg, nil)

	_, err := b.Acquire(context.Background())
	if !errors.Is(err, ErrBind) {
		t.Fatalf("Acquire() error = %v, want ErrBind", err)
	}
	if !IsAddrInUse(err) {
		t.Errorf("Acquire() error = %v, want address in use cause", err)
	}
}

func TestAcquireContextCanceled(t *testing.T) {
	holder, addr := occupy(t)
	defer holder.Close()

	b := NewBinder(addr, testConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := b.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestAcquireFatalError(t *testing.T) {
	boom := errors.New("boom")
	b := NewBinder(netip.MustParseAddrPort("127.0.0.1:0"), testConfig(), nil)

	var calls int
	b.listen = func(netip.AddrPort) (*net.UDPConn, error) {
		calls++
		return nil, boom
	}

	_, err := b.Acquire(context.Background())
	if !errors.Is(err, ErrBind) || !errors.Is(err, boom) {
		t.Errorf("Acquire() error = %v, want ErrBind wrapping boom", err)
	}
	if calls != 1 {
		t.Errorf("listen called %d times, want 1", calls)
	}
}

func TestArm(t *testing.T) {
	b := NewBinder(netip.MustParseAddrPort("127.0.0.1:0"), testConfig(), nil)
	conn, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer conn.Close()

	armed, err := b.Arm(context.Background(), conn)
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if armed != conn {
		t.Error("Arm() replaced a healthy socket")
	}

	buf := make([]byte, 16)
	_, _, err = armed.ReadFromUDPAddrPort(buf)
	if !IsTimeout(err) {
		t.Errorf("read error = %v, want timeout", err)
	}
}

func TestArmRebindsClosedSocket(t *testing.T) {
	b := NewBinder(netip.MustParseAddrPort("127.0.0.1:0"), testConfig(), nil)
	var rebinds atomic.Uint32
	b.OnRebind = func() { rebinds.Add(1) }

	conn, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	conn.Close()

	fresh, err := b.Arm(context.Background(), conn)
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	defer fresh.Close()

	if fresh == conn {
		t.Error("Arm() returned the closed socket")
	}
	if rebinds.Load() != 1 {
		t.Errorf("rebinds = %d, want 1", rebinds.Load())
	}
}

func TestArmRebindWaitsInterval(t *testing.T) {
	cfg := testConfig()
	cfg.RebindInterval = 50 * time.Millisecond
	b := NewBinder(netip.MustParseAddrPort("127.0.0.1:0"), cfg, nil)

	conn, err := b.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	conn.Close()

	start := time.Now()
	fresh, err := b.Arm(context.Background(), conn)
	if err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	defer fresh.Close()

	if elapsed := time.Since(start); elapsed < cfg.RebindInterval {
		t.Errorf("rebind took %v, want at least %v", elapsed, cfg.RebindInterval)
	}
}

func TestArmRebindWaitHonorsCancel(t *testing.T) {
	cfg := testConfig()
	cfg.RebindInterval = time.Hour
	b := NewBinder(netip.MustParseAddrPort("127.0.0.1:0"), cfg, nil)
	var listens atomic.Uint32
	b.listen = func(addr netip.AddrPort) (*net.UDPConn, error) {
		listens.Add(1)
		return listenUDP(addr)
	}

	conn, _ := occupy(t)
	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := b.Arm(ctx, conn); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Arm() error = %v, want context.DeadlineExceeded", err)
	}
	if n := listens.Load(); n != 0 {
		t.Errorf("listen called %d times before the rebind interval elapsed", n)
	}
}

func TestArmRebindStopsOnCancel(t *testing.T) {
	b := NewBinder(netip.MustParseAddrPort("127.0.0.1:0"), testConfig(), nil)
	b.listen = func(netip.AddrPort) (*net.UDPConn, error) {
		return nil, errors.New("no sockets today")
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := b.Arm(ctx, conn); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Arm() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("nope"), false},
		{"deadline", &net.OpError{Op: "read", Err: errDeadline{}}, true},
		{"closed", net.ErrClosed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTimeout(tt.err); got != tt.want {
				t.Errorf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

type errDeadline struct{}

func (errDeadline) Error() string   { return "i/o timeout" }
func (errDeadline) Timeout() bool   { return true }
func (errDeadline) Temporary() bool { return true }
