package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/emproxy/emproxy/internal/packet"
	"github.com/emproxy/emproxy/internal/relay"
	"github.com/emproxy/emproxy/internal/wgtun"
)

// peer drives an in-process tunnel initiator over a real UDP socket.
type peer struct {
	t      *testing.T
	tun    *wgtun.Tunnel
	conn   *net.UDPConn
	server netip.AddrPort
	buf    []byte
}

func newPeer(t *testing.T, server netip.AddrPort) *peer {
	t.Helper()

	keys := clientKeys(t)
	tun, err := wgtun.New(wgtun.Config{PrivateKey: keys.PrivateKey, PeerPublicKey: keys.PeerPublicKey})
	if err != nil {
		t.Fatalf("wgtun.New() error = %v", err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &peer{t: t, tun: tun, conn: conn, server: server, buf: make([]byte, 4096)}
}

func (p *peer) write(b []byte) {
	p.t.Helper()
	if _, err := p.conn.WriteToUDPAddrPort(b, p.server); err != nil {
		p.t.Fatalf("WriteToUDPAddrPort() error = %v", err)
	}
}

// flush sends res and everything the tunnel queued behind it.
func (p *peer) flush(res wgtun.Result) {
	p.t.Helper()
	for res.Op == wgtun.OpWriteToNetwork {
		p.write(res.Packet)
		res = p.tun.Decapsulate(p.server, nil, p.buf)
	}
	if res.Op == wgtun.OpError {
		p.t.Fatalf("tunnel error: %v", res.Err)
	}
}

// send encrypts pkt, handshaking first if needed.
func (p *peer) send(pkt []byte) {
	p.t.Helper()
	p.flush(p.tun.Encapsulate(pkt, p.buf))
}

// recv returns the next decrypted packet, answering handshake traffic on
// the way.
func (p *peer) recv() ([]byte, wgtun.Op) {
	p.t.Helper()

	datagram := make([]byte, 4096)
	for {
		p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, _, err := p.conn.ReadFromUDPAddrPort(datagram)
		if err != nil {
			p.t.Fatalf("no reply from relay: %v", err)
		}

		res := p.tun.Decapsulate(p.server, datagram[:n], p.buf)
		switch res.Op {
		case wgtun.OpWriteToNetwork:
			p.flush(res)
		case wgtun.OpWriteToTunnelV4, wgtun.OpWriteToTunnelV6:
			return append([]byte(nil), res.Packet...), res.Op
		case wgtun.OpError:
			p.t.Fatalf("Decapsulate() error = %v", res.Err)
		}
	}
}

func ipv4UDP(t *testing.T, src, dst net.IP, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src, DstIP: dst}
	return serialize(t, ip, payload)
}

func ipv6UDP(t *testing.T, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("fd00::2"),
		DstIP:      net.ParseIP("fd00::1"),
	}
	return serialize(t, ip, payload)
}

func serialize(t *testing.T, ip gopacket.NetworkLayer, payload []byte) []byte {
	t.Helper()
	udp := &layers.UDP{SrcPort: 40000, DstPort: 3000}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum() error = %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip.(gopacket.SerializableLayer), udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("SerializeLayers() error = %v", err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func TestRelayReflectsPackets(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := startRelay(t)
	p := newPeer(t, h.addr)

	src, dst := net.IPv4(10, 7, 0, 2), net.IPv4(10, 7, 0, 1)
	sizes := []int{0, 1, 64, 512, 1200}
	const rounds = 20

	for round := 0; round < rounds; round++ {
		for _, size := range sizes {
			payload := bytes.Repeat([]byte{byte(round)}, size)
			pkt := ipv4UDP(t, src, dst, payload)

			want := append([]byte(nil), pkt...)
			packet.SwapAddresses(want)

			p.send(pkt)
			got, op := p.recv()
			if op != wgtun.OpWriteToTunnelV4 {
				t.Fatalf("round %d size %d: op = %v, want write_to_tunnel_v4", round, size, op)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("round %d size %d: reflected packet differs\n got %x\nwant %x", round, size, got, want)
			}

			decoded := gopacket.NewPacket(got, layers.LayerTypeIPv4, gopacket.Default)
			ip, ok := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
			if !ok {
				t.Fatalf("round %d size %d: reflected packet is not IPv4", round, size)
			}
			if !ip.SrcIP.Equal(dst) || !ip.DstIP.Equal(src) {
				t.Fatalf("round %d size %d: addresses %s -> %s, want %s -> %s", round, size, ip.SrcIP, ip.DstIP, dst, src)
			}
		}
	}

	st := h.mgr.Status()
	if !st.Ready {
		t.Error("session not ready after traffic")
	}
	if want := uint64(rounds * len(sizes)); st.Stats.Reflected != want {
		t.Errorf("Reflected = %d, want %d", st.Stats.Reflected, want)
	}
}

func TestRelayIgnoresGarbage(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := startRelay(t)
	p := newPeer(t, h.addr)

	for i := 0; i < 10; i++ {
		p.write([]byte(fmt.Sprintf("garbage datagram %d", i)))
	}

	pkt := ipv4UDP(t, net.IPv4(10, 7, 0, 2), net.IPv4(10, 7, 0, 1), []byte("after garbage"))
	p.send(pkt)
	if _, op := p.recv(); op != wgtun.OpWriteToTunnelV4 {
		t.Fatalf("op = %v after garbage, want write_to_tunnel_v4", op)
	}

	st := h.mgr.Status()
	if !st.Running {
		t.Fatal("session stopped after garbage")
	}
	if st.Stats.Rejected < 10 {
		t.Errorf("Rejected = %d, want at least 10", st.Stats.Rejected)
	}
}

func TestRelayTerminatesOnIPv6(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := startRelay(t)
	p := newPeer(t, h.addr)

	p.send(ipv4UDP(t, net.IPv4(10, 7, 0, 2), net.IPv4(10, 7, 0, 1), []byte("warm up")))
	p.recv()

	p.send(ipv6UDP(t, []byte("unsupported")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.mgr.Wait(ctx); !errors.Is(err, relay.ErrUnsupportedFamily) {
		t.Fatalf("Wait() error = %v, want ErrUnsupportedFamily", err)
	}

	st := h.mgr.Status()
	if st.Running {
		t.Error("session still running after IPv6 payload")
	}
	if st.LastError == "" {
		t.Error("LastError empty after termination")
	}

	// The port is free again and a new session can take it.
	if err := h.mgr.Start(h.addr.String()); err != nil {
		t.Fatalf("Start() after termination error = %v", err)
	}
}
