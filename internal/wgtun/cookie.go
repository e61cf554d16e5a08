package wgtun

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.zx2c4.com/wireguard/device"
)

// writeCookieReply answers an initiation with an encrypted cookie bound to
// the sender's address. The initiator must retry with a valid mac2.
func (t *Tunnel) writeCookieReply(src netip.AddrPort, msg, dst []byte, now time.Time) Result {
	if t.cookieSecretSet.IsZero() || now.Sub(t.cookieSecretSet) > device.CookieRefreshTime {
		if _, err := rand.Read(t.cookieSecret[:]); err != nil {
			return fail(err)
		}
		t.cookieSecretSet = now
	}

	var cookie [blake2s.Size128]byte
	srcBytes, _ := src.MarshalBinary()
	mac(cookie[:], t.cookieSecret[:], srcBytes)

	smac2 := len(msg) - blake2s.Size128
	smac1 := smac2 - blake2s.Size128

	reply := sized(dst, device.MessageCookieReplySize)
	binary.LittleEndian.PutUint32(reply[0:4], device.MessageCookieReplyType)
	copy(reply[4:8], msg[4:8])
	nonce := reply[8 : 8+chacha20poly1305.NonceSizeX]
	if _, err := rand.Read(nonce); err != nil {
		return fail(err)
	}

	xchapoly, _ := chacha20poly1305.NewX(t.cookieLocal[:])
	xchapoly.Seal(reply[32:32], nonce, cookie[:], msg[smac1:smac2])

	return toNetwork(reply)
}

// handleCookieReply stores the cookie the peer sent so the next initiation
// carries a valid mac2.
func (t *Tunnel) handleCookieReply(msg []byte) Result {
	if !t.hasLastMAC1 {
		return fail(ErrUnexpected)
	}
	receiver := binary.LittleEndian.Uint32(msg[4:8])
	if (t.handshake == nil || t.handshake.localIndex != receiver) && (t.next == nil || t.next.localIndex != receiver) {
		return fail(ErrUnexpected)
	}

	xchapoly, _ := chacha20poly1305.NewX(t.cookiePeer[:])
	var cookie [blake2s.Size128]byte
	if _, err := xchapoly.Open(cookie[:0], msg[8:32], msg[32:], t.lastMAC1[:]); err != nil {
		return fail(ErrDecrypt)
	}

	t.cookie = cookie
	t.cookieSet = t.now()

	// Let the next Encapsulate retry immediately with mac2 filled in.
	if t.handshake != nil {
		t.handshake.sentAt = time.Time{}
	}
	return done()
}
