package relay

import "github.com/emproxy/emproxy/internal/wgtun"

// Outcome is the relay's classification of one tunnel result.
type Outcome int

const (
	// OutcomeQuiescent means the tunnel consumed the datagram with nothing to send.
	OutcomeQuiescent Outcome = iota
	// OutcomeRejected means the tunnel dropped the datagram.
	OutcomeRejected
	// OutcomeEmitToTransport means a protocol message must go back to the peer.
	OutcomeEmitToTransport
	// OutcomeEmitToLocalPath means an IPv4 payload was decrypted.
	OutcomeEmitToLocalPath
	// OutcomeUnsupportedFamily means an IPv6 payload was decrypted.
	OutcomeUnsupportedFamily
)

// String returns a human-readable name for the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeQuiescent:
		return "quiescent"
	case OutcomeRejected:
		return "rejected"
	case OutcomeEmitToTransport:
		return "emit_to_transport"
	case OutcomeEmitToLocalPath:
		return "emit_to_local_path"
	case OutcomeUnsupportedFamily:
		return "unsupported_family"
	default:
		return "unknown"
	}
}

// Classify maps a tunnel result onto an Outcome.
func Classify(res wgtun.Result) Outcome {
	switch res.Op {
	case wgtun.OpDone:
		return OutcomeQuiescent
	case wgtun.OpWriteToNetwork:
		return OutcomeEmitToTransport
	case wgtun.OpWriteToTunnelV4:
		return OutcomeEmitToLocalPath
	case wgtun.OpWriteToTunnelV6:
		return OutcomeUnsupportedFamily
	default:
		return OutcomeRejected
	}
}
