package wgtun

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/time/rate"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/replay"
	"golang.zx2c4.com/wireguard/tai64n"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/emproxy/emproxy/internal/packet"
)

const (
	// DefaultHandshakeRate is the number of handshake initiations per second
	// processed before the tunnel asks the initiator for a cookie.
	DefaultHandshakeRate = 20

	handshakeBurst   = 5
	defaultQueueSize = 64
)

// Config holds the static parameters of a Tunnel.
type Config struct {
	PrivateKey    wgtypes.Key
	PeerPublicKey wgtypes.Key

	// PresharedKey is mixed into the handshake. The zero key means none.
	PresharedKey wgtypes.Key

	// HandshakeRate caps initiations per second before cookies are
	// required. Zero means DefaultHandshakeRate.
	HandshakeRate float64

	// QueueSize bounds the packets held while a handshake is in flight.
	// Zero means 64.
	QueueSize int
}

type keypair struct {
	send        cipher.AEAD
	recv        cipher.AEAD
	sendNonce   uint64
	replay      replay.Filter
	localIndex  uint32
	remoteIndex uint32
	created     time.Time
	initiator   bool
}

// initiation is the initiator side state of an in-flight handshake.
type initiation struct {
	localIndex uint32
	ephemeral  wgtypes.Key
	hash       [blake2s.Size]byte
	chainKey   [blake2s.Size]byte
	sentAt     time.Time
}

// Tunnel is the WireGuard state for one local key and one peer.
type Tunnel struct {
	mu sync.Mutex

	privateKey   wgtypes.Key
	publicKey    wgtypes.Key
	peerPublic   wgtypes.Key
	presharedKey wgtypes.Key
	staticStatic [32]byte

	localHash   [blake2s.Size]byte
	peerHash    [blake2s.Size]byte
	mac1Local   [blake2s.Size]byte
	mac1Peer    [blake2s.Size]byte
	cookieLocal [blake2s.Size]byte
	cookiePeer  [blake2s.Size]byte

	// responder state
	lastTimestamp   tai64n.Timestamp
	lastInitiation  time.Time
	cookieSecret    [blake2s.Size]byte
	cookieSecretSet time.Time
	limiter         *rate.Limiter

	// initiator state
	handshake   *initiation
	cookie      [blake2s.Size128]byte
	cookieSet   time.Time
	lastMAC1    [blake2s.Size128]byte
	hasLastMAC1 bool

	current  *keypair
	previous *keypair
	next     *keypair

	queue     [][]byte
	queueSize int

	now func() time.Time
}

// New creates a Tunnel for the given keys.
func New(cfg Config) (*Tunnel, error) {
	if isZero(cfg.PrivateKey[:]) {
		return nil, fmt.Errorf("%w: private key is zero", ErrInvalidKey)
	}
	if isZero(cfg.PeerPublicKey[:]) {
		return nil, fmt.Errorf("%w: peer public key is zero", ErrInvalidKey)
	}

	t := &Tunnel{
		privateKey:   cfg.PrivateKey,
		publicKey:    cfg.PrivateKey.PublicKey(),
		peerPublic:   cfg.PeerPublicKey,
		presharedKey: cfg.PresharedKey,
		queueSize:    cfg.QueueSize,
		now:          time.Now,
	}
	if t.queueSize <= 0 {
		t.queueSize = defaultQueueSize
	}

	ss, ok := sharedSecret(t.privateKey[:], t.peerPublic[:])
	if !ok {
		return nil, fmt.Errorf("%w: peer public key is a low-order point", ErrInvalidKey)
	}
	t.staticStatic = ss

	mixHash(&t.localHash, &initialHash, t.publicKey[:])
	mixHash(&t.peerHash, &initialHash, t.peerPublic[:])
	t.mac1Local = labelHash(device.WGLabelMAC1, t.publicKey[:])
	t.mac1Peer = labelHash(device.WGLabelMAC1, t.peerPublic[:])
	t.cookieLocal = labelHash(device.WGLabelCookie, t.publicKey[:])
	t.cookiePeer = labelHash(device.WGLabelCookie, t.peerPublic[:])

	hsRate := cfg.HandshakeRate
	if hsRate <= 0 {
		hsRate = DefaultHandshakeRate
	}
	t.limiter = rate.NewLimiter(rate.Limit(hsRate), handshakeBurst)

	return t, nil
}

// PublicKey returns the local static public key.
func (t *Tunnel) PublicKey() wgtypes.Key {
	return t.publicKey
}

// Established reports whether a confirmed session exists.
func (t *Tunnel) Established() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.current != nil && t.now().Sub(t.current.created) < device.RejectAfterTime
}

// Decapsulate processes one datagram received from src. An empty datagram
// flushes packets queued while a handshake was in flight; callers invoke it
// after every OpWriteToNetwork until it returns something else.
func (t *Tunnel) Decapsulate(src netip.AddrPort, datagram, dst []byte) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(datagram) == 0 {
		return t.sendQueued(dst)
	}
	if len(datagram) < 4 {
		return fail(ErrInvalidPacket)
	}

	switch typ := binary.LittleEndian.Uint32(datagram[:4]); {
	case typ == device.MessageInitiationType && len(datagram) == device.MessageInitiationSize:
		return t.handleInitiation(src, datagram, dst)
	case typ == device.MessageResponseType && len(datagram) == device.MessageResponseSize:
		return t.handleResponse(datagram, dst)
	case typ == device.MessageCookieReplyType && len(datagram) == device.MessageCookieReplySize:
		return t.handleCookieReply(datagram)
	case typ == device.MessageTransportType && len(datagram) >= device.MessageTransportSize:
		return t.handleTransport(datagram, dst)
	default:
		return fail(ErrInvalidPacket)
	}
}

// Encapsulate encrypts an IP packet for the peer. Without a usable session
// the packet is queued and a handshake initiation is returned instead.
func (t *Tunnel) Encapsulate(pkt, dst []byte) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if kp := t.current; kp != nil && t.usable(kp, now) {
		return t.seal(kp, pkt, dst)
	}

	t.enqueue(pkt)
	return t.initiate(dst, now)
}

func (t *Tunnel) usable(kp *keypair, now time.Time) bool {
	return now.Sub(kp.created) < device.RejectAfterTime && kp.sendNonce < device.RejectAfterMessages
}

func (t *Tunnel) enqueue(pkt []byte) {
	if len(t.queue) >= t.queueSize {
		t.queue = t.queue[1:]
	}
	t.queue = append(t.queue, append([]byte(nil), pkt...))
}

func (t *Tunnel) sendQueued(dst []byte) Result {
	if len(t.queue) == 0 {
		return done()
	}
	kp := t.current
	if kp == nil || !t.usable(kp, t.now()) {
		return done()
	}

	pkt := t.queue[0]
	t.queue[0] = nil
	t.queue = t.queue[1:]
	return t.seal(kp, pkt, dst)
}

func (t *Tunnel) handleTransport(msg, dst []byte) Result {
	receiver := binary.LittleEndian.Uint32(msg[device.MessageTransportOffsetReceiver:])
	kp := t.lookup(receiver)
	if kp == nil {
		return fail(ErrNoSession)
	}
	if t.now().Sub(kp.created) >= device.RejectAfterTime {
		return fail(ErrExpired)
	}

	counter := binary.LittleEndian.Uint64(msg[device.MessageTransportOffsetCounter:])
	nonce := counterNonce(counter)
	plain, err := kp.recv.Open(dst[:0], nonce[:], msg[device.MessageTransportOffsetContent:], nil)
	if err != nil {
		return fail(ErrDecrypt)
	}
	if !kp.replay.ValidateCounter(counter, device.RejectAfterMessages) {
		return fail(ErrReplay)
	}

	// The responder may only use a session once the initiator has sent on it.
	if kp == t.next {
		t.previous = t.current
		t.current = kp
		t.next = nil
	}

	if len(plain) == 0 {
		return done()
	}

	n := packet.Length(plain)
	if n == 0 {
		return fail(ErrInvalidPacket)
	}
	switch packet.Version(plain) {
	case 4:
		return Result{Op: OpWriteToTunnelV4, Packet: plain[:n]}
	default:
		return Result{Op: OpWriteToTunnelV6, Packet: plain[:n]}
	}
}

func (t *Tunnel) seal(kp *keypair, pkt, dst []byte) Result {
	padded := (len(pkt) + device.PaddingMultiple - 1) &^ (device.PaddingMultiple - 1)
	content := device.MessageTransportOffsetContent
	out := sized(dst, content+padded+chacha20poly1305.Overhead)

	binary.LittleEndian.PutUint32(out[0:4], device.MessageTransportType)
	binary.LittleEndian.PutUint32(out[4:8], kp.remoteIndex)
	binary.LittleEndian.PutUint64(out[8:16], kp.sendNonce)
	copy(out[content:], pkt)
	clear(out[content+len(pkt) : content+padded])

	nonce := counterNonce(kp.sendNonce)
	kp.sendNonce++
	kp.send.Seal(out[content:content], nonce[:], out[content:content+padded], nil)

	return toNetwork(out)
}

func (t *Tunnel) lookup(index uint32) *keypair {
	for _, kp := range []*keypair{t.current, t.next, t.previous} {
		if kp != nil && kp.localIndex == index {
			return kp
		}
	}
	return nil
}

func (t *Tunnel) newIndex() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		idx := binary.LittleEndian.Uint32(b[:])
		if t.lookup(idx) == nil && (t.handshake == nil || t.handshake.localIndex != idx) {
			return idx, nil
		}
	}
}

func newKeypair(sendKey, recvKey [blake2s.Size]byte, local, remote uint32, initiator bool, now time.Time) *keypair {
	send, _ := chacha20poly1305.New(sendKey[:])
	recv, _ := chacha20poly1305.New(recvKey[:])
	return &keypair{
		send:        send,
		recv:        recv,
		localIndex:  local,
		remoteIndex: remote,
		created:     now,
		initiator:   initiator,
	}
}

// addMACs fills mac1 and, with a fresh cookie from the peer, mac2.
func (t *Tunnel) addMACs(msg []byte) {
	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	mac(msg[smac1:smac2], t.mac1Peer[:], msg[:smac1])
	copy(t.lastMAC1[:], msg[smac1:smac2])
	t.hasLastMAC1 = true

	if t.cookieSet.IsZero() || t.now().Sub(t.cookieSet) > device.CookieRefreshTime {
		clear(msg[smac2:])
		return
	}
	mac(msg[smac2:], t.cookie[:], msg[:smac2])
}

func (t *Tunnel) checkMAC1(msg []byte) bool {
	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	var want [blake2s.Size128]byte
	mac(want[:], t.mac1Local[:], msg[:smac1])
	return hmac.Equal(want[:], msg[smac1:smac2])
}

func (t *Tunnel) checkMAC2(msg []byte, src netip.AddrPort) bool {
	if t.cookieSecretSet.IsZero() || t.now().Sub(t.cookieSecretSet) > device.CookieRefreshTime {
		return false
	}

	var cookie [blake2s.Size128]byte
	srcBytes, _ := src.MarshalBinary()
	mac(cookie[:], t.cookieSecret[:], srcBytes)

	smac2 := len(msg) - blake2s.Size128
	var want [blake2s.Size128]byte
	mac(want[:], cookie[:], msg[:smac2])
	return subtle.ConstantTimeCompare(want[:], msg[smac2:]) == 1
}

func sized(dst []byte, n int) []byte {
	if cap(dst) >= n {
		return dst[:n]
	}
	return make([]byte, n)
}
