package tsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bacstack/address"
	"bacstack/apdu"
	"bacstack/bacerr"
	"bacstack/blog"
	"bacstack/metrics"
	"bacstack/npdu"
)

var log = blog.For("tsm")

// Default timer values, spec.md §4.6.
const (
	DefaultAPDUTimeout    = 3 * time.Second
	DefaultAPDURetries    = 3
	DefaultSegmentTimeout = 2 * time.Second
	DefaultWindowSize     = 16
)

// Sender is the subset of network.Layer the transaction manager drives.
type Sender interface {
	Send(dest address.Address, apdu []byte, expectingReply bool, priority npdu.Priority) error
}

// clientTransaction tracks one in-flight confirmed request.
type clientTransaction struct {
	peer     address.Address
	invokeID uint8

	serviceChoice             uint8
	maxAPDULengthAccepted     uint16
	maxSegmentsAccepted       uint8
	segmentedResponseAccepted bool

	segments    [][]byte // nil for an unsegmented request
	nextSegment int
	windowSize  uint8
	inFlight    uint8

	retriesLeft int
	timer       *time.Timer

	reasm *reassembler // non-nil once a segmented ComplexACK starts arriving

	result    chan Response
	startedAt time.Time
}

// Response is the outcome of a confirmed request delivered to Request's
// caller. Exactly one of Data or Err is meaningful.
type Response struct {
	Data []byte
	Err  error
}

// ClientTSM originates confirmed requests and demultiplexes replies by
// (peer, invoke-id), spec.md §4.6. Request may be called concurrently
// from multiple goroutines; HandleAPDU is meant to be driven from the
// single reactor goroutine that owns network.Layer's OnDeliver callback.
// Because Request blocks a caller goroutine distinct from the reactor,
// and retry timers fire on their own goroutines (time.AfterFunc), the
// pending-transaction table is guarded by a mutex. ServerTSM's pending
// table and each InvokeIDPool are mutex-guarded as well.
type ClientTSM struct {
	send Sender

	apduTimeout    time.Duration
	apduRetries    int
	segmentTimeout time.Duration

	ownWindowSize          uint8
	ownMaxAPDULength       uint16
	ownMaxSegmentsAccepted uint8

	mu      sync.Mutex
	pools   map[string]*InvokeIDPool
	pending map[string]*clientTransaction
}

// NewClientTSM constructs a client transaction manager sending through
// send, with the package defaults for timers and window size.
func NewClientTSM(send Sender) *ClientTSM {
	return &ClientTSM{
		send:                   send,
		apduTimeout:            DefaultAPDUTimeout,
		apduRetries:            DefaultAPDURetries,
		segmentTimeout:         DefaultSegmentTimeout,
		ownWindowSize:          DefaultWindowSize,
		ownMaxAPDULength:       1476,
		ownMaxSegmentsAccepted: 64,
		pools:                  make(map[string]*InvokeIDPool),
		pending:                make(map[string]*clientTransaction),
	}
}

func txKey(peer string, invokeID uint8) string { return fmt.Sprintf("%s#%d", peer, invokeID) }

func (c *ClientTSM) poolFor(peer string) *InvokeIDPool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[peer]
	if !ok {
		p = NewInvokeIDPool()
		c.pools[peer] = p
	}
	return p
}

// Request sends a confirmed request to peer and blocks until a matching
// reply arrives, every retry is exhausted, or ctx is cancelled.
// segmentedResponseAccepted advertises whether this caller can accept a
// segmented ComplexACK back.
func (c *ClientTSM) Request(ctx context.Context, peer address.Address, serviceChoice uint8, serviceData []byte, segmentedResponseAccepted bool) ([]byte, error) {
	segments := segmentServiceData(serviceData, int(c.ownMaxAPDULength)-7)
	if segments != nil && peer.IsBroadcast() {
		return nil, bacerr.ErrSegmentedBroadcast
	}

	peerKey := peer.String()
	pool := c.poolFor(peerKey)
	invokeID, ok := pool.Allocate()
	if !ok {
		return nil, fmt.Errorf("tsm: invoke-id pool exhausted for peer %s", peer)
	}

	tx := &clientTransaction{
		peer:                      peer,
		invokeID:                  invokeID,
		serviceChoice:             serviceChoice,
		maxAPDULengthAccepted:     c.ownMaxAPDULength,
		maxSegmentsAccepted:       c.ownMaxSegmentsAccepted,
		segmentedResponseAccepted: segmentedResponseAccepted,
		segments:                  segments,
		windowSize:                c.ownWindowSize,
		retriesLeft:               c.apduRetries,
		result:                    make(chan Response, 1),
		startedAt:                 time.Now(),
	}

	key := txKey(peerKey, invokeID)
	c.mu.Lock()
	c.pending[key] = tx
	c.mu.Unlock()
	metrics.TransactionsInFlight.WithLabelValues("client").Inc()

	if err := c.sendRequest(tx, serviceData); err != nil {
		c.finish(key, pool, tx)
		return nil, err
	}
	c.mu.Lock()
	_, stillPending := c.pending[key]
	c.mu.Unlock()
	if stillPending {
		c.armTimer(key, pool, tx, c.apduTimeout)
	}

	select {
	case res := <-tx.result:
		return res.Data, res.Err
	case <-ctx.Done():
		c.cancel(key, pool, tx)
		return nil, ctx.Err()
	}
}

// sendRequest sends the (re)transmission: the whole unsegmented APDU, or
// the next window of segments if tx.segments is set.
func (c *ClientTSM) sendRequest(tx *clientTransaction, firstSend []byte) error {
	if tx.segments == nil {
		req := apdu.ConfirmedRequest{
			SegmentedResponseAccepted: tx.segmentedResponseAccepted,
			MaxSegmentsAccepted:       tx.maxSegmentsAccepted,
			MaxAPDULengthAccepted:     tx.maxAPDULengthAccepted,
			InvokeID:                  tx.invokeID,
			ServiceChoice:             tx.serviceChoice,
			ServiceData:               firstSend,
		}
		raw, err := req.Encode()
		if err != nil {
			return err
		}
		return c.send.Send(tx.peer, raw, true, npdu.PriorityNormal)
	}
	return c.sendWindow(tx)
}

// sendWindow transmits segments from tx.nextSegment up to tx.windowSize.
func (c *ClientTSM) sendWindow(tx *clientTransaction) error {
	sent := uint8(0)
	for sent < tx.windowSize && tx.nextSegment < len(tx.segments) {
		seq := tx.nextSegment
		req := apdu.ConfirmedRequest{
			Segmented:                 true,
			MoreFollows:               seq < len(tx.segments)-1,
			SegmentedResponseAccepted: tx.segmentedResponseAccepted,
			MaxSegmentsAccepted:       tx.maxSegmentsAccepted,
			MaxAPDULengthAccepted:     tx.maxAPDULengthAccepted,
			InvokeID:                  tx.invokeID,
			SequenceNumber:            uint8(seq),
			ProposedWindowSize:        tx.windowSize,
			ServiceChoice:             tx.serviceChoice,
			ServiceData:               tx.segments[seq],
		}
		raw, err := req.Encode()
		if err != nil {
			return err
		}
		tx.nextSegment++
		if err := c.send.Send(tx.peer, raw, true, npdu.PriorityNormal); err != nil {
			return err
		}
		tx.inFlight++
		sent++
	}
	return nil
}

func (c *ClientTSM) armTimer(key string, pool *InvokeIDPool, tx *clientTransaction, d time.Duration) {
	tx.timer = time.AfterFunc(d, func() { c.handleTimeout(key, pool, tx) })
}

func (c *ClientTSM) handleTimeout(key string, pool *InvokeIDPool, tx *clientTransaction) {
	c.mu.Lock()
	current, ok := c.pending[key]
	c.mu.Unlock()
	if !ok || current != tx {
		return // already resolved
	}
	if tx.retriesLeft <= 0 {
		metrics.TransactionTimeoutsTotal.Inc()
		c.deliver(key, pool, tx, Response{Err: &bacerr.Timeout{InvokeID: tx.invokeID, Peer: tx.peer.String()}})
		return
	}
	tx.retriesLeft--
	log.WithField("peer", tx.peer.String()).WithField("invoke_id", tx.invokeID).Warn("APDU timeout, retrying")
	if err := c.sendRequest(tx, firstSegmentOrWhole(tx)); err != nil {
		c.deliver(key, pool, tx, Response{Err: err})
		return
	}
	c.armTimer(key, pool, tx, c.apduTimeout)
}

func minWindow(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

func firstSegmentOrWhole(tx *clientTransaction) []byte {
	if tx.segments == nil {
		return nil
	}
	return tx.segments[0]
}

// HandleAPDU processes one inbound APDU addressed to this node from
// source, dispatching by PDU type. Confirmed requests are not this
// manager's concern (that's ServerTSM); anything else that doesn't match
// a pending transaction is dropped.
func (c *ClientTSM) HandleAPDU(raw []byte, source address.Address) {
	if len(raw) == 0 {
		return
	}
	switch apdu.PDUType(raw[0] >> 4) {
	case apdu.TypeSimpleACK:
		ack, err := apdu.DecodeSimpleACK(raw)
		if err != nil {
			log.WithError(err).Warn("dropping malformed SimpleACK")
			return
		}
		c.complete(source, ack.InvokeID, Response{})

	case apdu.TypeComplexACK:
		c.handleComplexACK(raw, source)

	case apdu.TypeError:
		e, err := apdu.DecodeError(raw)
		if err != nil {
			log.WithError(err).Warn("dropping malformed Error PDU")
			return
		}
		c.complete(source, e.InvokeID, Response{Err: bacerr.New(e.Class, e.Code)})

	case apdu.TypeReject:
		r, err := apdu.DecodeReject(raw)
		if err != nil {
			log.WithError(err).Warn("dropping malformed Reject PDU")
			return
		}
		c.complete(source, r.InvokeID, Response{Err: &bacerr.Reject{Reason: fmt.Sprintf("reject reason %d", r.Reason)}})

	case apdu.TypeAbort:
		a, err := apdu.DecodeAbort(raw)
		if err != nil {
			log.WithError(err).Warn("dropping malformed Abort PDU")
			return
		}
		c.complete(source, a.InvokeID, Response{Err: &bacerr.Abort{Reason: fmt.Sprintf("abort reason %d", a.Reason), ByServer: a.ByServer}})

	case apdu.TypeSegmentACK:
		c.handleSegmentACK(raw, source)
	}
}

func (c *ClientTSM) handleComplexACK(raw []byte, source address.Address) {
	ack, err := apdu.DecodeComplexACK(raw)
	if err != nil {
		log.WithError(err).Warn("dropping malformed ComplexACK")
		return
	}
	key := txKey(source.String(), ack.InvokeID)
	c.mu.Lock()
	tx, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	pool := c.poolFor(source.String())

	if !ack.Segmented {
		c.deliver(key, pool, tx, Response{Data: ack.ServiceData})
		return
	}
	if tx.reasm == nil {
		tx.reasm = newReassembler(minWindow(ack.ProposedWindowSize, c.ownWindowSize))
	}
	ackNow, negative, ackSeq, complete := tx.reasm.Accept(ack.SequenceNumber, ack.MoreFollows, ack.ServiceData)
	if ackNow {
		// Server=true: this SegmentACK acknowledges segments of a
		// ComplexACK, which the server sent.
		reply := apdu.SegmentACK{NegativeACK: negative, Server: true, InvokeID: ack.InvokeID, SequenceNumber: ackSeq, ActualWindowSize: tx.reasm.windowSize}
		if raw, err := reply.Encode(); err == nil {
			_ = c.send.Send(source, raw, false, npdu.PriorityNormal)
		}
	}
	if complete {
		c.deliver(key, pool, tx, Response{Data: tx.reasm.Bytes()})
		return
	}
	if tx.timer != nil {
		tx.timer.Stop()
	}
	c.armTimer(key, pool, tx, c.segmentTimeout)
}

func (c *ClientTSM) handleSegmentACK(raw []byte, source address.Address) {
	ack, err := apdu.DecodeSegmentACK(raw)
	if err != nil {
		log.WithError(err).Warn("dropping malformed SegmentACK")
		return
	}
	key := txKey(source.String(), ack.InvokeID)
	c.mu.Lock()
	tx, ok := c.pending[key]
	c.mu.Unlock()
	if !ok || tx.segments == nil {
		return
	}
	pool := c.poolFor(source.String())

	if ack.NegativeACK {
		tx.nextSegment = int(ack.SequenceNumber) + 1
		tx.inFlight = 0
	} else {
		tx.inFlight = 0
	}
	if tx.timer != nil {
		tx.timer.Stop()
	}
	if tx.nextSegment >= len(tx.segments) {
		// All segments sent; wait for the (possibly segmented) ACK/ComplexACK.
		c.armTimer(key, pool, tx, c.apduTimeout)
		return
	}
	if err := c.sendWindow(tx); err != nil {
		c.deliver(key, pool, tx, Response{Err: err})
		return
	}
	c.armTimer(key, pool, tx, c.segmentTimeout)
}

func (c *ClientTSM) complete(source address.Address, invokeID uint8, res Response) {
	key := txKey(source.String(), invokeID)
	c.mu.Lock()
	tx, ok := c.pending[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.deliver(key, c.poolFor(source.String()), tx, res)
}

func (c *ClientTSM) deliver(key string, pool *InvokeIDPool, tx *clientTransaction, res Response) {
	c.finish(key, pool, tx)
	select {
	case tx.result <- res:
	default:
	}
}

func (c *ClientTSM) finish(key string, pool *InvokeIDPool, tx *clientTransaction) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
	if tx.timer != nil {
		tx.timer.Stop()
	}
	pool.Release(tx.invokeID)
	metrics.TransactionsInFlight.WithLabelValues("client").Dec()
	if !tx.startedAt.IsZero() {
		metrics.TransactionLatencyHistogram.Observe(time.Since(tx.startedAt).Seconds())
	}
}

func (c *ClientTSM) cancel(key string, pool *InvokeIDPool, tx *clientTransaction) {
	c.finish(key, pool, tx)
}
