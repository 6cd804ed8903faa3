package secureconnect

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"bacstack/bvlcsc"
	"bacstack/metrics"

	"github.com/gorilla/websocket"
)

// Dialer opens outbound BACnet/SC connections, acting as the initiator
// side of the handshake (spec.md §4.8). TLSConfig is supplied by the
// caller; this package never constructs TLS material itself.
type Dialer struct {
	LocalVMAC bvlcsc.VMAC
	LocalUUID [16]byte
	MaxBVLC   uint16
	MaxNPDU   uint16
	TLSConfig *tls.Config

	// OnVMACCollision is invoked when the acceptor NAKs with
	// NODE_DUPLICATE_VMAC, so the caller can mint a fresh VMAC and retry.
	OnVMACCollision func(vmac bvlcsc.VMAC)
	// OnMessage receives every message the connection accepts once
	// CONNECTED (normally wired to a Hub's dispatch or directly to an
	// NPDU handler for a point-to-point initiator).
	OnMessage MessageHandler
	OnClose   func(c *Connection)
}

func (d *Dialer) dialer() *websocket.Dialer {
	return &websocket.Dialer{
		TLSClientConfig:  d.TLSConfig,
		HandshakeTimeout: HandshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var nd net.Dialer
			c, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := c.(*net.TCPConn); ok {
				_ = tc.SetNoDelay(true)
			}
			return c, nil
		},
	}
}

// Dial opens a WebSocket to url (wss://host:port/path), runs the
// initiator handshake, and returns a CONNECTED Connection. On a
// NODE_DUPLICATE_VMAC NAK it invokes OnVMACCollision (if set) and
// returns an error; the caller decides whether to retry with a new VMAC.
func (d *Dialer) Dial(ctx context.Context, url string) (*Connection, error) {
	ws, _, err := d.dialer().DialContext(ctx, url, nil)
	if err != nil {
		return nil, &transportError{op: "Dial", err: err}
	}

	conn := newConnection(ws, d.LocalVMAC, d.LocalUUID, d.MaxBVLC, d.MaxNPDU)
	conn.setState(StateAwaitingAccept)
	conn.onMessage = d.OnMessage
	conn.onClose = d.OnClose

	hctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	if err := d.runInitiatorHandshake(hctx, conn); err != nil {
		metrics.SecureHandshakeFailuresTotal.WithLabelValues("initiator").Inc()
		_ = ws.Close()
		return nil, err
	}

	metrics.SecureConnectionsGauge.Inc()
	go func() {
		conn.readLoop()
		metrics.SecureConnectionsGauge.Dec()
	}()
	return conn, nil
}

// runInitiatorHandshake sends Connect-Request and blocks for
// Connect-Accept or a BVLC-Result NAK, per spec.md §4.8's initiator
// bullet.
func (d *Dialer) runInitiatorHandshake(ctx context.Context, conn *Connection) error {
	req := bvlcsc.ConnectRequest{VMAC: d.LocalVMAC, UUID: d.LocalUUID, MaxBVLC: d.MaxBVLC, MaxNPDU: d.MaxNPDU}
	if err := conn.Send(bvlcsc.Message{Function: bvlcsc.FuncConnectRequest, Payload: req.Encode()}); err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if ok {
		_ = conn.ws.SetReadDeadline(deadline)
	} else {
		_ = conn.ws.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	}
	defer conn.ws.SetReadDeadline(time.Time{})

	for {
		mt, raw, err := conn.ws.ReadMessage()
		if err != nil {
			conn.setState(StateIdle)
			return &transportError{op: "initiator handshake read", err: err}
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		msg, err := bvlcsc.Decode(raw)
		if err != nil {
			return err
		}
		switch msg.Function {
		case bvlcsc.FuncConnectAccept:
			accept, err := bvlcsc.DecodeConnectAccept(msg.Payload)
			if err != nil {
				return err
			}
			conn.setPeer(accept.VMAC, accept.UUID)
			conn.setState(StateConnected)
			return nil
		case bvlcsc.FuncBVLCResult:
			res, err := bvlcsc.DecodeResult(msg.Payload)
			if err != nil {
				return err
			}
			conn.setState(StateIdle)
			if res.Code == bvlcsc.ResultNodeDuplicateVMAC && d.OnVMACCollision != nil {
				d.OnVMACCollision(d.LocalVMAC)
			}
			return fmt.Errorf("secureconnect: Connect-Request NAK'd, result code 0x%04X", res.Code)
		default:
			// Ignore anything else (e.g. a stray heartbeat) while awaiting
			// the handshake outcome.
			continue
		}
	}
}
