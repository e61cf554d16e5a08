package wgtun

import (
	"crypto/hmac"
	"encoding/binary"
	"net/netip"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tai64n"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Field offsets shared by handshake messages.
const (
	initOffsetEphemeral = 8
	initOffsetStatic    = initOffsetEphemeral + device.NoisePublicKeySize
	initOffsetTimestamp = initOffsetStatic + device.NoisePublicKeySize + chacha20poly1305.Overhead
	initOffsetMAC1      = initOffsetTimestamp + tai64n.TimestampSize + chacha20poly1305.Overhead

	respOffsetEphemeral = 12
	respOffsetEmpty     = respOffsetEphemeral + device.NoisePublicKeySize
	respOffsetMAC1      = respOffsetEmpty + chacha20poly1305.Overhead
)

// initiate writes a handshake initiation unless one is still in flight.
func (t *Tunnel) initiate(dst []byte, now time.Time) Result {
	if hs := t.handshake; hs != nil && now.Sub(hs.sentAt) < device.RekeyTimeout {
		return done()
	}

	idx, err := t.newIndex()
	if err != nil {
		return fail(err)
	}
	eph, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return fail(err)
	}
	ephPub := eph.PublicKey()

	hs := &initiation{
		localIndex: idx,
		ephemeral:  eph,
		hash:       t.peerHash,
		chainKey:   initialChainKey,
		sentAt:     now,
	}

	msg := sized(dst, device.MessageInitiationSize)
	binary.LittleEndian.PutUint32(msg[0:4], device.MessageInitiationType)
	binary.LittleEndian.PutUint32(msg[4:8], idx)
	copy(msg[initOffsetEphemeral:], ephPub[:])

	mixKey(&hs.chainKey, &hs.chainKey, ephPub[:])
	mixHash(&hs.hash, &hs.hash, ephPub[:])

	ss, ok := sharedSecret(eph[:], t.peerPublic[:])
	if !ok {
		return fail(ErrInvalidKey)
	}
	var key [chacha20poly1305.KeySize]byte
	kdf2(&hs.chainKey, &key, hs.chainKey[:], ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	aead.Seal(msg[initOffsetStatic:initOffsetStatic], zeroNonce[:], t.publicKey[:], hs.hash[:])
	mixHash(&hs.hash, &hs.hash, msg[initOffsetStatic:initOffsetTimestamp])

	kdf2(&hs.chainKey, &key, hs.chainKey[:], t.staticStatic[:])
	ts := tai64n.Now()
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(msg[initOffsetTimestamp:initOffsetTimestamp], zeroNonce[:], ts[:], hs.hash[:])
	mixHash(&hs.hash, &hs.hash, msg[initOffsetTimestamp:initOffsetMAC1])
	clear(key[:])

	t.addMACs(msg)
	t.handshake = hs
	return toNetwork(msg)
}

// handleInitiation consumes an initiation from the peer and answers with a
// handshake response, or with a cookie reply when under load.
func (t *Tunnel) handleInitiation(src netip.AddrPort, msg, dst []byte) Result {
	if !t.checkMAC1(msg) {
		return fail(ErrInvalidMAC)
	}
	now := t.now()
	if !t.limiter.AllowN(now, 1) && !t.checkMAC2(msg, src) {
		return t.writeCookieReply(src, msg, dst, now)
	}

	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
		key      [chacha20poly1305.KeySize]byte
	)

	ephemeral := msg[initOffsetEphemeral:initOffsetStatic]
	mixHash(&hash, &t.localHash, ephemeral)
	mixKey(&chainKey, &initialChainKey, ephemeral)

	ss, ok := sharedSecret(t.privateKey[:], ephemeral)
	if !ok {
		return fail(ErrInvalidPacket)
	}
	kdf2(&chainKey, &key, chainKey[:], ss[:])
	aead, _ := chacha20poly1305.New(key[:])
	var peerStatic [device.NoisePublicKeySize]byte
	if _, err := aead.Open(peerStatic[:0], zeroNonce[:], msg[initOffsetStatic:initOffsetTimestamp], hash[:]); err != nil {
		return fail(ErrDecrypt)
	}
	mixHash(&hash, &hash, msg[initOffsetStatic:initOffsetTimestamp])
	if !hmac.Equal(peerStatic[:], t.peerPublic[:]) {
		return fail(ErrWrongPeer)
	}

	kdf2(&chainKey, &key, chainKey[:], t.staticStatic[:])
	aead, _ = chacha20poly1305.New(key[:])
	var ts tai64n.Timestamp
	if _, err := aead.Open(ts[:0], zeroNonce[:], msg[initOffsetTimestamp:initOffsetMAC1], hash[:]); err != nil {
		return fail(ErrDecrypt)
	}
	mixHash(&hash, &hash, msg[initOffsetTimestamp:initOffsetMAC1])

	if !ts.After(t.lastTimestamp) {
		return fail(ErrReplay)
	}
	if !t.lastInitiation.IsZero() && now.Sub(t.lastInitiation) <= device.HandshakeInitationRate {
		return fail(ErrFlood)
	}
	t.lastTimestamp = ts
	t.lastInitiation = now

	remoteIndex := binary.LittleEndian.Uint32(msg[4:8])
	var remoteEphemeral [device.NoisePublicKeySize]byte
	copy(remoteEphemeral[:], ephemeral)

	localIndex, err := t.newIndex()
	if err != nil {
		return fail(err)
	}
	eph, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return fail(err)
	}
	ephPub := eph.PublicKey()

	resp := sized(dst, device.MessageResponseSize)
	binary.LittleEndian.PutUint32(resp[0:4], device.MessageResponseType)
	binary.LittleEndian.PutUint32(resp[4:8], localIndex)
	binary.LittleEndian.PutUint32(resp[8:12], remoteIndex)
	copy(resp[respOffsetEphemeral:], ephPub[:])

	mixHash(&hash, &hash, ephPub[:])
	mixKey(&chainKey, &chainKey, ephPub[:])

	ss, ok = sharedSecret(eph[:], remoteEphemeral[:])
	if !ok {
		return fail(ErrInvalidPacket)
	}
	mixKey(&chainKey, &chainKey, ss[:])
	ss, ok = sharedSecret(eph[:], t.peerPublic[:])
	if !ok {
		return fail(ErrInvalidKey)
	}
	mixKey(&chainKey, &chainKey, ss[:])

	var tau [blake2s.Size]byte
	kdf3(&chainKey, &tau, &key, chainKey[:], t.presharedKey[:])
	mixHash(&hash, &hash, tau[:])
	aead, _ = chacha20poly1305.New(key[:])
	aead.Seal(resp[respOffsetEmpty:respOffsetEmpty], zeroNonce[:], nil, hash[:])
	clear(key[:])

	t.addMACs(resp)

	var sendKey, recvKey [blake2s.Size]byte
	kdf2(&recvKey, &sendKey, chainKey[:], nil)
	t.next = newKeypair(sendKey, recvKey, localIndex, remoteIndex, false, now)

	return toNetwork(resp)
}

// handleResponse completes a handshake this tunnel initiated. The session is
// confirmed to the peer with a keepalive.
func (t *Tunnel) handleResponse(msg, dst []byte) Result {
	if !t.checkMAC1(msg) {
		return fail(ErrInvalidMAC)
	}
	hs := t.handshake
	if hs == nil || binary.LittleEndian.Uint32(msg[8:12]) != hs.localIndex {
		return fail(ErrUnexpected)
	}

	var (
		hash     [blake2s.Size]byte
		chainKey [blake2s.Size]byte
		key      [chacha20poly1305.KeySize]byte
		tau      [blake2s.Size]byte
	)

	ephemeral := msg[respOffsetEphemeral:respOffsetEmpty]
	mixHash(&hash, &hs.hash, ephemeral)
	mixKey(&chainKey, &hs.chainKey, ephemeral)

	ss, ok := sharedSecret(hs.ephemeral[:], ephemeral)
	if !ok {
		return fail(ErrInvalidPacket)
	}
	mixKey(&chainKey, &chainKey, ss[:])
	ss, ok = sharedSecret(t.privateKey[:], ephemeral)
	if !ok {
		return fail(ErrInvalidPacket)
	}
	mixKey(&chainKey, &chainKey, ss[:])

	kdf3(&chainKey, &tau, &key, chainKey[:], t.presharedKey[:])
	mixHash(&hash, &hash, tau[:])
	aead, _ := chacha20poly1305.New(key[:])
	if _, err := aead.Open(nil, zeroNonce[:], msg[respOffsetEmpty:respOffsetMAC1], hash[:]); err != nil {
		return fail(ErrDecrypt)
	}
	clear(key[:])

	var sendKey, recvKey [blake2s.Size]byte
	kdf2(&sendKey, &recvKey, chainKey[:], nil)
	kp := newKeypair(sendKey, recvKey, hs.localIndex, binary.LittleEndian.Uint32(msg[4:8]), true, t.now())
	t.previous = t.current
	t.current = kp
	t.handshake = nil

	return t.seal(kp, nil, dst)
}
