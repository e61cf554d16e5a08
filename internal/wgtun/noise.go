package wgtun

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/device"
)

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
	zeroNonce       [chacha20poly1305.NonceSize]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(device.NoiseConstruction))
	mixHash(&initialHash, &initialChainKey, []byte(device.WGIdentifier))
}

func newBlake2s() hash.Hash {
	h, _ := blake2s.New256(nil)
	return h
}

func hmac1(sum *[blake2s.Size]byte, key, in0 []byte) {
	mac := hmac.New(newBlake2s, key)
	mac.Write(in0)
	mac.Sum(sum[:0])
}

func hmac2(sum *[blake2s.Size]byte, key, in0, in1 []byte) {
	mac := hmac.New(newBlake2s, key)
	mac.Write(in0)
	mac.Write(in1)
	mac.Sum(sum[:0])
}

func kdf1(t0 *[blake2s.Size]byte, key, input []byte) {
	hmac1(t0, key, input)
	hmac1(t0, t0[:], []byte{0x1})
}

func kdf2(t0, t1 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmac1(&prk, key, input)
	hmac1(t0, prk[:], []byte{0x1})
	hmac2(t1, prk[:], t0[:], []byte{0x2})
	clear(prk[:])
}

func kdf3(t0, t1, t2 *[blake2s.Size]byte, key, input []byte) {
	var prk [blake2s.Size]byte
	hmac1(&prk, key, input)
	hmac1(t0, prk[:], []byte{0x1})
	hmac2(t1, prk[:], t0[:], []byte{0x2})
	hmac2(t2, prk[:], t1[:], []byte{0x3})
	clear(prk[:])
}

func mixHash(dst, h *[blake2s.Size]byte, data []byte) {
	hh, _ := blake2s.New256(nil)
	hh.Write(h[:])
	hh.Write(data)
	hh.Sum(dst[:0])
}

func mixKey(dst, c *[blake2s.Size]byte, data []byte) {
	kdf1(dst, c[:], data)
}

// labelHash computes HASH(label || key), used for the mac1 and cookie keys.
func labelHash(label string, key []byte) (out [blake2s.Size]byte) {
	h, _ := blake2s.New256(nil)
	h.Write([]byte(label))
	h.Write(key)
	h.Sum(out[:0])
	return out
}

// mac computes the keyed 128-bit BLAKE2s MAC of data.
func mac(out []byte, key, data []byte) {
	m, _ := blake2s.New128(key)
	m.Write(data)
	m.Sum(out[:0])
}

// sharedSecret performs X25519 and rejects low-order points.
func sharedSecret(priv, pub []byte) ([32]byte, bool) {
	var ss [32]byte
	out, err := curve25519.X25519(priv, pub)
	if err != nil {
		return ss, false
	}
	copy(ss[:], out)
	return ss, true
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return subtle.ConstantTimeByteEq(acc, 0) == 1
}

func counterNonce(counter uint64) (nonce [chacha20poly1305.NonceSize]byte) {
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}
