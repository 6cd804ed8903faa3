// Package secureconnect implements the BACnet/SC (Annex AB) connection
// state machine and hub routing engine: WebSocket-framed BVLC-SC over
// TLS, VMAC-based addressing, and collision-safe hub forwarding. TLS
// itself and WebSocket framing are delegated to the platform TLS library
// and github.com/gorilla/websocket respectively (spec.md §4.8) — this
// package owns only the handshake/forwarding logic layered on top, the
// same division the teacher draws between SCTP framing (left to the
// kernel) and session bookkeeping (cmd/gnbsim_sctp.go).
package secureconnect

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"bacstack/blog"
	"bacstack/bvlcsc"

	"github.com/gorilla/websocket"
)

var log = blog.For("secureconnect")

// State is a BACnet/SC connection's lifecycle stage, spec.md §4.8.
type State int

const (
	StateIdle State = iota
	StateAwaitingAccept  // initiator: Connect-Request sent, awaiting Connect-Accept
	StateAwaitingRequest // acceptor: WebSocket up, awaiting Connect-Request
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingAccept:
		return "AWAITING_ACCEPT"
	case StateAwaitingRequest:
		return "AWAITING_REQUEST"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnecting:
		return "DISCONNECTING"
	default:
		return "UNKNOWN"
	}
}

const (
	// HandshakeTimeout bounds how long a side waits for the other's
	// Connect-Request/Connect-Accept before aborting to IDLE.
	HandshakeTimeout = 10 * time.Second
	// ReservationTTL is how long a hub holds a VMAC reservation against a
	// second, racing Connect-Request for the same VMAC (spec.md §4.8's
	// "atomically reserve... to prevent TOCTOU").
	ReservationTTL = 30 * time.Second
)

// MessageHandler processes a decoded, already-spoof-checked BVLC-SC
// message arriving on a connection.
type MessageHandler func(c *Connection, msg bvlcsc.Message)

// Connection is one BACnet/SC link: a WebSocket plus the identity and
// state the handshake establishes. All state transitions happen on the
// single readLoop goroutine that owns the socket (spec.md §4.8's "a
// single per-connection task... inbound frames arrive serially");
// Send is the one method other goroutines may call concurrently, guarded
// by writeMu since gorilla/websocket forbids concurrent writers.
type Connection struct {
	ws *websocket.Conn

	localVMAC bvlcsc.VMAC
	localUUID [16]byte
	maxBVLC   uint16
	maxNPDU   uint16

	mu        sync.Mutex
	state     State
	peerVMAC  bvlcsc.VMAC
	peerUUID  [16]byte

	nextMessageID uint32

	writeMu sync.Mutex

	onMessage        MessageHandler
	onVMACCollision  func(vmac bvlcsc.VMAC, uuid [16]byte)
	onClose          func(c *Connection)

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(ws *websocket.Conn, localVMAC bvlcsc.VMAC, localUUID [16]byte, maxBVLC, maxNPDU uint16) *Connection {
	return &Connection{
		ws: ws, localVMAC: localVMAC, localUUID: localUUID,
		maxBVLC: maxBVLC, maxNPDU: maxNPDU,
		closed: make(chan struct{}),
	}
}

// State returns the connection's current lifecycle stage.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// PeerVMAC returns the authenticated peer identity established by the
// handshake. Valid only once State() == StateConnected.
func (c *Connection) PeerVMAC() bvlcsc.VMAC {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerVMAC
}

func (c *Connection) PeerUUID() [16]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerUUID
}

func (c *Connection) setPeer(vmac bvlcsc.VMAC, uuid [16]byte) {
	c.mu.Lock()
	c.peerVMAC = vmac
	c.peerUUID = uuid
	c.mu.Unlock()
}

// Send frames msg and writes it to the WebSocket. Safe for concurrent
// use (the one exception to "owned by readLoop"): the hub's two-phase
// broadcast fans out across connections concurrently.
func (c *Connection) Send(msg bvlcsc.Message) error {
	if msg.MessageID == 0 {
		msg.MessageID = uint16(atomic.AddUint32(&c.nextMessageID, 1))
	}
	raw, err := bvlcsc.Encode(msg)
	if err != nil {
		return fmt.Errorf("secureconnect: encode: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, raw); err != nil {
		return &transportError{op: "Send", err: err}
	}
	return nil
}

// Close sends a best-effort Disconnect-Request and tears down the socket.
// Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateDisconnecting)
		_ = c.Send(bvlcsc.Message{Function: bvlcsc.FuncDisconnectRequest})
		err = c.ws.Close()
		close(c.closed)
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// readLoop is the single goroutine that owns c.ws for reading; it
// dispatches to onMessage after a handshake completes and handles
// heartbeat/disconnect housekeeping itself.
func (c *Connection) readLoop() {
	defer c.Close()
	for {
		mt, raw, err := c.ws.ReadMessage()
		if err != nil {
			if c.State() != StateDisconnecting {
				log.WithError(err).Debug("secureconnect: read loop closing")
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, err := bvlcsc.Decode(raw)
		if err != nil {
			log.WithError(err).Warn("secureconnect: dropping malformed BVLC-SC frame")
			continue
		}
		switch msg.Function {
		case bvlcsc.FuncHeartbeatRequest:
			_ = c.Send(bvlcsc.Message{Function: bvlcsc.FuncHeartbeatACK, MessageID: msg.MessageID})
			continue
		case bvlcsc.FuncHeartbeatACK:
			continue
		case bvlcsc.FuncDisconnectRequest:
			_ = c.Send(bvlcsc.Message{Function: bvlcsc.FuncDisconnectACK, MessageID: msg.MessageID})
			return
		case bvlcsc.FuncDisconnectACK:
			return
		}
		if c.onMessage != nil {
			c.onMessage(c, msg)
		}
	}
}

type transportError struct {
	op  string
	err error
}

func (t *transportError) Error() string { return fmt.Sprintf("secureconnect %s: %v", t.op, t.err) }
func (t *transportError) Unwrap() error { return t.err }
