// Package wgtun implements a single-peer WireGuard tunnel as a synchronous
// packet processor.
//
// A Tunnel holds the Noise_IKpsk2 handshake state and transport keys for
// exactly one remote public key. It never touches a socket: callers feed it
// datagrams received from the network with Decapsulate and plaintext IP
// packets with Encapsulate, and act on the returned Result.
//
//	res := tun.Decapsulate(src, datagram, buf)
//	switch res.Op {
//	case wgtun.OpWriteToNetwork:
//	    // send res.Packet to src, then call Decapsulate(src, nil, buf)
//	    // until it stops returning OpWriteToNetwork
//	case wgtun.OpWriteToTunnelV4:
//	    // res.Packet is a decrypted IPv4 packet
//	}
//
// The wire format is that of WireGuard, so a Tunnel interoperates with
// wireguard-go and the kernel implementation. Timer driven behaviour
// (persistent keepalive, handshake retransmission) is left to the caller.
//
// All methods are safe for concurrent use.
package wgtun
