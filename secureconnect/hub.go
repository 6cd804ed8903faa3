package secureconnect

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"bacstack/bvlcsc"
	"bacstack/metrics"

	"github.com/gorilla/websocket"
)

// NPDUHandler is invoked with the decapsulated NPDU payload of every
// Encapsulated-NPDU message the hub accepts from a connected peer,
// whatever its destination VMAC, identified by the authenticated sender
// VMAC.
type NPDUHandler func(from bvlcsc.VMAC, npdu []byte)

// reservation is a pending VMAC claim made by an in-flight acceptor
// handshake, held for ReservationTTL to close the TOCTOU window spec.md
// §4.8 calls out between "VMAC-checker approves" and "Connect-Accept
// sent".
type reservation struct {
	uuid    [16]byte
	expires time.Time
}

// Hub is the BACnet/SC routing node: it accepts inbound WebSocket
// connections, runs the acceptor side of the handshake, and forwards
// Encapsulated-NPDU traffic by VMAC, per spec.md §4.8's "Hub function".
type Hub struct {
	localVMAC bvlcsc.VMAC
	localUUID [16]byte
	maxBVLC   uint16
	maxNPDU   uint16
	upgrader  websocket.Upgrader

	onNPDU NPDUHandler

	mu           sync.Mutex
	byVMAC       map[bvlcsc.VMAC]*Connection
	vmacByUUID   map[[16]byte]bvlcsc.VMAC
	reservations map[bvlcsc.VMAC]reservation
}

// NewHub builds a hub identified by localVMAC/localUUID. onNPDU receives
// every Encapsulated-NPDU the hub accepts from a connected peer.
func NewHub(localVMAC bvlcsc.VMAC, localUUID [16]byte, maxBVLC, maxNPDU uint16, onNPDU NPDUHandler) *Hub {
	return &Hub{
		localVMAC: localVMAC, localUUID: localUUID,
		maxBVLC: maxBVLC, maxNPDU: maxNPDU,
		onNPDU:       onNPDU,
		byVMAC:       make(map[bvlcsc.VMAC]*Connection),
		vmacByUUID:   make(map[[16]byte]bvlcsc.VMAC),
		reservations: make(map[bvlcsc.VMAC]reservation),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the acceptor
// handshake. Wire this at the BACnet/SC path of an *http.Server whose
// TLSConfig is supplied by the caller — this package never constructs
// TLS itself.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("secureconnect: websocket upgrade failed")
		return
	}
	if tcp, ok := ws.UnderlyingConn().(interface{ SetNoDelay(bool) error }); ok {
		_ = tcp.SetNoDelay(true)
	}
	h.accept(ws)
}

// accept runs the full acceptor lifecycle for a freshly upgraded socket:
// handshake, registration, read loop, and eventual deregistration.
func (h *Hub) accept(ws *websocket.Conn) {
	conn := newConnection(ws, h.localVMAC, h.localUUID, h.maxBVLC, h.maxNPDU)
	conn.setState(StateAwaitingRequest)
	conn.onMessage = h.dispatch
	conn.onClose = h.forget

	ctx, cancel := context.WithTimeout(context.Background(), HandshakeTimeout)
	defer cancel()
	if err := h.runAcceptorHandshake(ctx, conn); err != nil {
		log.WithError(err).Debug("secureconnect: acceptor handshake failed")
		metrics.SecureHandshakeFailuresTotal.WithLabelValues("acceptor").Inc()
		_ = conn.ws.Close()
		return
	}
	h.register(conn)
	metrics.SecureConnectionsGauge.Inc()
	conn.readLoop()
	metrics.SecureConnectionsGauge.Dec()
}

// runAcceptorHandshake waits for the initiator's Connect-Request,
// resolves VMAC collisions against both live connections and pending
// reservations, and replies Connect-Accept or a NODE_DUPLICATE_VMAC NAK.
func (h *Hub) runAcceptorHandshake(ctx context.Context, conn *Connection) error {
	_ = conn.ws.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	defer conn.ws.SetReadDeadline(time.Time{})

	mt, raw, err := conn.ws.ReadMessage()
	if err != nil {
		return &transportError{op: "acceptor handshake read", err: err}
	}
	if mt != websocket.BinaryMessage {
		return fmt.Errorf("secureconnect: non-binary handshake frame")
	}
	msg, err := bvlcsc.Decode(raw)
	if err != nil {
		return err
	}
	if msg.Function != bvlcsc.FuncConnectRequest {
		return fmt.Errorf("secureconnect: expected Connect-Request, got function 0x%02X", msg.Function)
	}
	req, err := bvlcsc.DecodeConnectRequest(msg.Payload)
	if err != nil {
		return err
	}

	if !h.reserveVMAC(req.VMAC, req.UUID) {
		nak, _ := bvlcsc.Encode(bvlcsc.Message{
			Function:  bvlcsc.FuncBVLCResult,
			MessageID: msg.MessageID,
			Payload:   bvlcsc.Result{Function: bvlcsc.FuncConnectRequest, Code: bvlcsc.ResultNodeDuplicateVMAC}.Encode(),
		})
		_ = conn.ws.WriteMessage(websocket.BinaryMessage, nak)
		return fmt.Errorf("secureconnect: VMAC %x collision, NAK NODE_DUPLICATE_VMAC", req.VMAC)
	}

	accept := bvlcsc.ConnectAccept{VMAC: h.localVMAC, UUID: h.localUUID, MaxBVLC: h.maxBVLC, MaxNPDU: h.maxNPDU}
	if err := conn.Send(bvlcsc.Message{Function: bvlcsc.FuncConnectAccept, MessageID: msg.MessageID, Payload: bvlcsc.EncodeConnectAccept(accept)}); err != nil {
		h.releaseReservation(req.VMAC)
		return err
	}
	conn.setPeer(req.VMAC, req.UUID)
	conn.setState(StateConnected)
	return nil
}

// reserveVMAC atomically claims vmac for uuid, rejecting the claim if it
// is already live (registered) or reserved by a different in-flight
// handshake with a different uuid (spec.md §4.8's TOCTOU note). A
// repeat Connect-Request from the same uuid that already holds the
// reservation or connection is accepted (reconnect case).
func (h *Hub) reserveVMAC(vmac bvlcsc.VMAC, uuid [16]byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	if r, ok := h.reservations[vmac]; ok && r.expires.After(now) && r.uuid != uuid {
		return false
	}
	if c, ok := h.byVMAC[vmac]; ok && c.PeerUUID() != uuid {
		return false
	}
	h.reservations[vmac] = reservation{uuid: uuid, expires: now.Add(ReservationTTL)}
	return true
}

func (h *Hub) releaseReservation(vmac bvlcsc.VMAC) {
	h.mu.Lock()
	delete(h.reservations, vmac)
	h.mu.Unlock()
}

// register publishes a CONNECTED connection into the routing tables and
// clears its pending reservation.
func (h *Hub) register(conn *Connection) {
	vmac := conn.PeerVMAC()
	uuid := conn.PeerUUID()
	h.mu.Lock()
	h.byVMAC[vmac] = conn
	h.vmacByUUID[uuid] = vmac
	delete(h.reservations, vmac)
	h.mu.Unlock()
}

func (h *Hub) forget(conn *Connection) {
	vmac := conn.PeerVMAC()
	h.mu.Lock()
	if h.byVMAC[vmac] == conn {
		delete(h.byVMAC, vmac)
		delete(h.vmacByUUID, conn.PeerUUID())
	}
	h.mu.Unlock()
}

// ConnectionFor returns the currently-registered connection for a VMAC,
// if any.
func (h *Hub) ConnectionFor(vmac bvlcsc.VMAC) (*Connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.byVMAC[vmac]
	return c, ok
}

// dispatch is the onMessage callback wired into every accepted
// connection: it enforces spoof prevention, then hands Encapsulated-NPDU
// payloads to the application and forwards them. Every other BVLC-SC
// function that reaches it is ignored.
func (h *Hub) dispatch(conn *Connection, msg bvlcsc.Message) {
	if msg.HasOrigVMAC && msg.OrigVMAC != conn.PeerVMAC() {
		log.WithField("peer", conn.PeerVMAC()).WithField("claimed", msg.OrigVMAC).
			Warn("secureconnect: dropping message with spoofed originating VMAC")
		return
	}

	switch msg.Function {
	case bvlcsc.FuncEncapsulatedNPDU:
		if h.onNPDU != nil {
			h.onNPDU(conn.PeerVMAC(), msg.Payload)
		}
		h.Forward(conn, msg)
	}
}

// Forward routes msg on from its source connection per spec.md §4.8:
// unicast is rewritten and sent to exactly the destination VMAC's
// connection; broadcast is rewritten and fanned out to every other
// connected peer via a two-phase send.
func (h *Hub) Forward(src *Connection, msg bvlcsc.Message) {
	out := msg
	out.HasOrigVMAC = true
	out.OrigVMAC = src.PeerVMAC()

	if !msg.IsBroadcast() {
		out.HasDestVMAC = false
		dest, ok := h.ConnectionFor(msg.DestVMAC)
		if !ok {
			return
		}
		if err := dest.Send(out); err != nil {
			log.WithError(err).WithField("dest", msg.DestVMAC).Debug("secureconnect: unicast forward failed")
		}
		return
	}

	out.HasDestVMAC = true
	out.DestVMAC = bvlcsc.BroadcastVMAC
	h.broadcast(src, out)
}

// broadcast implements the two-phase send spec.md §4.8 calls for:
// phase one synchronously snapshots the peer set and pre-encodes the
// frame once, phase two drains writes to every peer concurrently so one
// slow connection cannot inflate the latency every other peer sees.
func (h *Hub) broadcast(src *Connection, msg bvlcsc.Message) {
	h.mu.Lock()
	peers := make([]*Connection, 0, len(h.byVMAC))
	for vmac, c := range h.byVMAC {
		if vmac == src.PeerVMAC() {
			continue
		}
		peers = append(peers, c)
	}
	h.mu.Unlock()

	raw, err := bvlcsc.Encode(msg)
	if err != nil {
		log.WithError(err).Warn("secureconnect: broadcast encode failed")
		return
	}

	var wg sync.WaitGroup
	for _, c := range peers {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			c.writeMu.Lock()
			defer c.writeMu.Unlock()
			if err := c.ws.WriteMessage(websocket.BinaryMessage, raw); err != nil {
				log.WithError(err).WithField("peer", c.PeerVMAC()).Debug("secureconnect: broadcast write failed")
			}
		}(c)
	}
	wg.Wait()
}

// SendNPDU wraps npdu in an Encapsulated-NPDU frame addressed to dest
// (or broadcast if dest is bvlcsc.BroadcastVMAC) and delivers it
// directly, without going through Forward's "received from a peer"
// spoof path — used when the hub's own application originates traffic.
func (h *Hub) SendNPDU(dest bvlcsc.VMAC, npdu []byte) error {
	msg := bvlcsc.Message{
		Function:    bvlcsc.FuncEncapsulatedNPDU,
		HasOrigVMAC: true,
		OrigVMAC:    h.localVMAC,
		Payload:     npdu,
	}
	if dest == bvlcsc.BroadcastVMAC {
		msg.HasDestVMAC = true
		msg.DestVMAC = bvlcsc.BroadcastVMAC
		h.mu.Lock()
		peers := make([]*Connection, 0, len(h.byVMAC))
		for _, c := range h.byVMAC {
			peers = append(peers, c)
		}
		h.mu.Unlock()
		raw, err := bvlcsc.Encode(msg)
		if err != nil {
			return err
		}
		var wg sync.WaitGroup
		for _, c := range peers {
			wg.Add(1)
			go func(c *Connection) {
				defer wg.Done()
				c.writeMu.Lock()
				defer c.writeMu.Unlock()
				_ = c.ws.WriteMessage(websocket.BinaryMessage, raw)
			}(c)
		}
		wg.Wait()
		return nil
	}
	msg.HasDestVMAC = true
	msg.DestVMAC = dest
	conn, ok := h.ConnectionFor(dest)
	if !ok {
		return fmt.Errorf("secureconnect: no connection for VMAC %x", dest)
	}
	return conn.Send(msg)
}

// PurgeReservations drops expired pending VMAC reservations. Intended to
// be driven by the same reactor tick that runs bbmd.Manager's FDT reaper
// (spec.md §5's single-reactor-thread scheduling model), not an internal
// timer.
func (h *Hub) PurgeReservations(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for vmac, r := range h.reservations {
		if !r.expires.After(now) {
			delete(h.reservations, vmac)
		}
	}
}

// Shutdown closes every connected peer gracefully, per spec.md §5's
// "close connections gracefully (Disconnect-Request for SC...)".
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.byVMAC))
	for _, c := range h.byVMAC {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
