package network

import (
	"time"

	"bacstack/address"
	"bacstack/blog"
	"bacstack/npdu"
	"bacstack/transport"
)

var log = blog.For("network")

// RouterResolutionTimeout bounds how long a queued NPDU waits for an
// I-Am-Router-To-Network reply before it is dropped, spec.md §4.5.
const RouterResolutionTimeout = 3 * time.Second

// RouterCacheTTL bounds how long a learned route is trusted before
// Tick's proactive sweep evicts it, independent of the cache's
// size-based eviction on Put (spec.md §3).
const RouterCacheTTL = 10 * time.Minute

// DeliverFunc hands a decoded APDU (or raw network-message payload, if
// IsNetworkMessage) to the layer above, with the BACnet address it
// logically came from.
type DeliverFunc func(payload []byte, source address.Address)

type pendingSend struct {
	npdu     npdu.NPDU
	deadline time.Time
}

// Layer owns NPDU framing, the outbound routing decision tree, and
// inbound network-control message handling for one local network
// attached via a single transport. Not internally synchronized: the
// owning Application must only ever call into it from its reactor
// goroutine.
type Layer struct {
	transport     transport.Transport
	localNetwork  *uint16 // nil if this link has no assigned network number
	isRouter      bool
	reachable     []uint16 // networks this node can route to, advertised on Who-Is-Router-To-Network

	cache   *RouterCache
	pending map[uint16][]pendingSend

	onDeliver DeliverFunc
}

// NewLayer constructs a network layer bound to t. localNetwork is nil
// for a link with no assigned network number (common for a single-port
// device).
func NewLayer(t transport.Transport, localNetwork *uint16, cacheCapacity int) *Layer {
	return &Layer{
		transport: t,
		localNetwork: localNetwork,
		cache:     NewRouterCache(cacheCapacity),
		pending:   make(map[uint16][]pendingSend),
	}
}

// OnDeliver registers the callback invoked for every APDU or inbound
// network message destined for this node.
func (l *Layer) OnDeliver(fn DeliverFunc) { l.onDeliver = fn }

// EnableRouting marks this layer as a router advertising reachable as
// the set of networks it can forward to (besides its own local
// network), for Who-Is-Router-To-Network replies.
func (l *Layer) EnableRouting(reachable []uint16) {
	l.isRouter = true
	l.reachable = append([]uint16(nil), reachable...)
}

// Send implements the outbound routing decision tree, spec.md §4.5.
func (l *Layer) Send(dest address.Address, apdu []byte, expectingReply bool, priority npdu.Priority) error {
	now := time.Now()

	switch {
	case dest.IsLocal() && !dest.IsBroadcast():
		// 1. Local address.
		n := npdu.NPDU{ExpectingReply: expectingReply, Priority: priority, Payload: apdu}
		return l.sendNPDU(n, dest)

	case dest.IsLocal() && dest.IsBroadcast():
		// 2. Local broadcast.
		n := npdu.NPDU{ExpectingReply: expectingReply, Priority: priority, Payload: apdu}
		return l.broadcastNPDU(n)

	case dest.IsGlobalBroadcast():
		// 3. Global broadcast.
		n := npdu.NPDU{
			DNET: []uint16{address.GlobalBroadcastNetwork}, DLen: 0,
			HopCount: 255, ExpectingReply: expectingReply, Priority: priority, Payload: apdu,
		}
		return l.broadcastNPDU(n)

	case dest.IsRemoteBroadcast():
		// 4. Remote broadcast.
		network := *dest.Network
		n := npdu.NPDU{DNET: []uint16{network}, DLen: 0, HopCount: 255, ExpectingReply: expectingReply, Priority: priority, Payload: apdu}
		return l.sendViaRouter(network, n, now)

	default:
		// 5. Remote unicast.
		network := *dest.Network
		n := npdu.NPDU{DNET: []uint16{network}, DLen: uint8(len(dest.MAC)), DADR: dest.MAC, HopCount: 255, ExpectingReply: expectingReply, Priority: priority, Payload: apdu}
		return l.sendViaRouter(network, n, now)
	}
}

func (l *Layer) sendViaRouter(network uint16, n npdu.NPDU, now time.Time) error {
	if routerMAC, ok := l.cache.Get(network); ok {
		return l.sendNPDU(n, address.Local(routerMAC))
	}
	l.pending[network] = append(l.pending[network], pendingSend{npdu: n, deadline: now.Add(RouterResolutionTimeout)})
	return l.broadcastWhoIsRouter(network)
}

func (l *Layer) sendNPDU(n npdu.NPDU, dest address.Address) error {
	raw, err := n.Encode()
	if err != nil {
		return err
	}
	return l.transport.SendUnicast(raw, dest)
}

func (l *Layer) broadcastNPDU(n npdu.NPDU) error {
	raw, err := n.Encode()
	if err != nil {
		return err
	}
	return l.transport.SendBroadcast(raw)
}

func (l *Layer) broadcastWhoIsRouter(network uint16) error {
	n := npdu.NPDU{
		IsNetworkMessage:   true,
		NetworkMessageType: npdu.MsgWhoIsRouterToNetwork,
		Payload:            npdu.EncodeWhoIsRouterToNetwork(network),
	}
	return l.broadcastNPDU(n)
}

// Tick drains pending NPDUs whose router-resolution deadline has
// passed, dropping them, purges router-cache entries older than
// RouterCacheTTL, and is meant to be invoked periodically from the
// Application's reactor tick alongside bbmd.Manager's FDT reaper.
func (l *Layer) Tick(now time.Time) {
	l.cache.PurgeStale(now, RouterCacheTTL)
	for network, queued := range l.pending {
		var kept []pendingSend
		for _, p := range queued {
			if now.Before(p.deadline) {
				kept = append(kept, p)
			} else {
				log.WithField("network", network).Warn("dropping NPDU: router resolution timed out")
			}
		}
		if len(kept) == 0 {
			delete(l.pending, network)
		} else {
			l.pending[network] = kept
		}
	}
}

// drainPending sends every NPDU queued for network now that a route has
// been learned, in FIFO order.
func (l *Layer) drainPending(network uint16, routerMAC []byte) {
	queued := l.pending[network]
	delete(l.pending, network)
	for _, p := range queued {
		if err := l.sendNPDU(p.npdu, address.Local(routerMAC)); err != nil {
			log.WithError(err).WithField("network", network).Warn("failed to send queued NPDU to resolved router")
		}
	}
}

// HandleInbound decodes raw and either delivers it upward or processes
// it as a network-control message, per spec.md §4.5's inbound rules.
func (l *Layer) HandleInbound(raw []byte, source address.Address) {
	n, err := npdu.Decode(raw)
	if err != nil {
		log.WithError(err).Warn("dropping malformed NPDU")
		return
	}

	if n.HasDNET() {
		dnet := n.DNET[0]
		if !l.isForLocalNetwork(dnet) {
			if l.isRouter {
				l.forward(n, dnet)
			} else {
				log.WithField("network", dnet).Debug("dropping NPDU for foreign network: not a router")
			}
			return
		}
	}

	if n.IsNetworkMessage {
		l.handleNetworkMessage(n, source)
		return
	}

	l.deliverUp(n, source)
}

func (l *Layer) isForLocalNetwork(dnet uint16) bool {
	if dnet == address.GlobalBroadcastNetwork {
		return true
	}
	return l.localNetwork != nil && *l.localNetwork == dnet
}

func (l *Layer) deliverUp(n npdu.NPDU, source address.Address) {
	if l.onDeliver == nil {
		return
	}
	upward := source
	if n.HasSNET() {
		upward = address.Remote(n.SNET, n.SADR)
	}
	l.onDeliver(n.Payload, upward)
}

// forward relays n toward dnet, decrementing hop count and dropping on
// zero, per spec.md §4.5. Requires a resolved route in the cache; a
// router with no cached route for dnet drops the frame rather than
// triggering its own discovery (discovery is a leaf-device concern).
func (l *Layer) forward(n npdu.NPDU, dnet uint16) {
	if n.HopCount == 0 {
		log.WithField("network", dnet).Warn("dropping NPDU: hop count exhausted")
		return
	}
	n.HopCount--
	routerMAC, ok := l.cache.Get(dnet)
	if !ok {
		log.WithField("network", dnet).Debug("dropping NPDU for unknown foreign network")
		return
	}
	if err := l.sendNPDU(n, address.Local(routerMAC)); err != nil {
		log.WithError(err).WithField("network", dnet).Warn("failed to forward NPDU")
	}
}

func (l *Layer) handleNetworkMessage(n npdu.NPDU, source address.Address) {
	now := time.Now()
	switch n.NetworkMessageType {
	case npdu.MsgWhoIsRouterToNetwork:
		l.handleWhoIsRouter(n.Payload, source)

	case npdu.MsgIAmRouterToNetwork:
		networks, err := npdu.DecodeNetworkList(n.Payload)
		if err != nil {
			log.WithError(err).Warn("dropping malformed I-Am-Router-To-Network")
			return
		}
		for _, net := range networks {
			l.cache.Put(net, source.MAC, now)
			l.drainPending(net, source.MAC)
		}

	case npdu.MsgRejectMessageToNetwork:
		msg, err := npdu.DecodeRejectMessageToNetwork(n.Payload)
		if err != nil {
			log.WithError(err).Warn("dropping malformed Reject-Message-To-Network")
			return
		}
		log.WithField("network", msg.Network).WithField("reason", msg.Reason).Warn("received Reject-Message-To-Network")

	case npdu.MsgInitializeRoutingTable, npdu.MsgInitializeRoutingTableAck,
		npdu.MsgRouterBusyToNetwork, npdu.MsgRouterAvailableToNetwork,
		npdu.MsgWhatIsNetworkNumber, npdu.MsgNetworkNumberIs:
		log.WithField("type", n.NetworkMessageType).Debug("network-control message acknowledged, no action taken")

	default:
		log.WithField("type", n.NetworkMessageType).Debug("unrecognized network-control message, ignoring")
	}

	if l.onDeliver != nil {
		// Network-control messages are also surfaced upward so an
		// application (e.g. a router manager) can react.
		l.onDeliver(n.Payload, source)
	}
}

func (l *Layer) handleWhoIsRouter(payload []byte, source address.Address) {
	requested, err := npdu.DecodeWhoIsRouterToNetwork(payload)
	if err != nil {
		log.WithError(err).Warn("dropping malformed Who-Is-Router-To-Network")
		return
	}
	if !l.isRouter {
		return
	}
	var networks []uint16
	if requested == 0 {
		networks = l.reachable
	} else {
		for _, n := range l.reachable {
			if n == requested {
				networks = []uint16{n}
				break
			}
		}
	}
	if len(networks) == 0 {
		return
	}
	reply := npdu.NPDU{
		IsNetworkMessage:   true,
		NetworkMessageType: npdu.MsgIAmRouterToNetwork,
		Payload:            npdu.EncodeNetworkList(networks),
	}
	if err := l.sendNPDU(reply, source); err != nil {
		log.WithError(err).Warn("failed to send I-Am-Router-To-Network")
	}
}
