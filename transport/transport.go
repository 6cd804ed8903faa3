// Package transport defines the contract every data-link driver
// implements (spec.md §4.3): the same send/receive shape regardless of
// whether the underlying link is BACnet/IP, BACnet/IPv6, Ethernet, or
// Secure Connect.
package transport

import (
	"context"

	"bacstack/address"
)

// ReceiveFunc is invoked for every inbound NPDU with its originating
// BACnet address. Implementations must recover from a panicking callback
// and log it rather than letting it escape the transport's read loop
// (spec.md §5).
type ReceiveFunc func(npdu []byte, source address.Address)

// Transport is the common contract for all data-link drivers.
type Transport interface {
	// Start begins the transport's I/O loop. It returns once listening
	// sockets are up; inbound frames are delivered asynchronously to the
	// registered ReceiveFunc.
	Start(ctx context.Context) error

	// Stop tears down sockets and stops delivering to the receive
	// callback. It blocks until the read loop has exited.
	Stop() error

	// OnReceive registers the inbound-NPDU callback. Must be called
	// before Start.
	OnReceive(fn ReceiveFunc)

	// SendUnicast sends npdu to a single peer.
	SendUnicast(npdu []byte, dest address.Address) error

	// SendBroadcast sends npdu to every peer reachable on the local link
	// (multicast on IPv6, a directed broadcast on IPv4/Ethernet).
	SendBroadcast(npdu []byte) error

	// LocalAddress is this transport's own BACnet address.
	LocalAddress() address.Address

	// MaxNPDULength is the link MTU minus framing overhead.
	MaxNPDULength() int
}

// SafeDeliver invokes fn and recovers from any panic, logging it through
// the supplied logger rather than letting a faulty application callback
// kill the transport (spec.md §4.3, §5).
func SafeDeliver(fn ReceiveFunc, npdu []byte, source address.Address, onPanic func(recovered any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
	fn(npdu, source)
}
