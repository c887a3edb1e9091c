package meshnode

import "errors"

// ErrSignalingUnavailable is returned by Connect when no rendezvous
// server is configured. A configured server that is unreachable or
// disconnected is not reported this way: the failed request surfaces as
// ErrPeerUnreachable.
var ErrSignalingUnavailable = errors.New("meshnode: signaling unavailable")

// ErrPeerUnreachable surfaces a coordination failure: the rendezvous
// server rejected a request, or hole-punching and relay fallback both
// failed.
type ErrPeerUnreachable struct {
	Reason string
}

func (e *ErrPeerUnreachable) Error() string {
	return "meshnode: peer unreachable: " + e.Reason
}

// ErrBlocked reports that an administrator block list rejected the peer.
type ErrBlocked struct {
	Reason string
}

func (e *ErrBlocked) Error() string {
	return "meshnode: peer blocked: " + e.Reason
}

// ErrBackpressure reports a full send buffer.
type ErrBackpressure struct {
	Reason string
}

func (e *ErrBackpressure) Error() string {
	return "meshnode: backpressure: " + e.Reason
}

// ErrResourceExhausted reports exhausted node capacity, e.g. too many
// open peers.
type ErrResourceExhausted struct {
	Reason string
}

func (e *ErrResourceExhausted) Error() string {
	return "meshnode: resource exhausted: " + e.Reason
}
