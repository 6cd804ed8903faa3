package tsm

import (
	"sync"
	"time"

	"bacstack/address"
	"bacstack/apdu"
	"bacstack/bacerr"
	"bacstack/npdu"
)

// Handler processes one fully-reassembled confirmed-request service.
// hasResponse=false produces a SimpleACK and response is not sent;
// hasResponse=true produces a ComplexACK carrying response, segmented
// if it exceeds the requester's advertised max_apdu_length, or an Abort
// when the requester did not accept a segmented reply. Returning err
// produces an Error, Reject, or Abort PDU depending on err's concrete type (bacerr.BACnetError, bacerr.Reject,
// bacerr.Abort); any other error is reported as Error(DEVICE, OTHER).
type Handler func(serviceChoice uint8, serviceData []byte, source address.Address) (response []byte, hasResponse bool, err error)

// serverTransaction tracks one inbound confirmed request, whether still
// assembling (Segmented request) or sending a segmented response.
type serverTransaction struct {
	peer     address.Address
	invokeID uint8

	inReasm *reassembler // non-nil while reassembling a segmented request

	outServiceChoice uint8
	outSegments      [][]byte
	outNextSegment   int
	outWindowSize    uint8

	timer *time.Timer
}

// ServerTSM receives confirmed requests, reassembles segmented ones, and
// sends back a (possibly segmented) reply, spec.md §4.6.
type ServerTSM struct {
	send    Sender
	handler Handler

	ownMaxAPDULength uint16
	segmentTimeout   time.Duration

	mu      sync.Mutex
	pending map[string]*serverTransaction
}

// NewServerTSM constructs a server transaction manager sending replies
// through send and invoking handler for each reassembled request.
func NewServerTSM(send Sender, handler Handler) *ServerTSM {
	return &ServerTSM{
		send:             send,
		handler:          handler,
		ownMaxAPDULength: 1476,
		segmentTimeout:   DefaultSegmentTimeout,
		pending:          make(map[string]*serverTransaction),
	}
}

// HandleAPDU processes one inbound APDU from source. Only
// ConfirmedRequest and SegmentACK (acking this server's own segmented
// replies) are meaningful here.
func (s *ServerTSM) HandleAPDU(raw []byte, source address.Address) {
	if len(raw) == 0 {
		return
	}
	switch apdu.PDUType(raw[0] >> 4) {
	case apdu.TypeConfirmedRequest:
		s.handleConfirmedRequest(raw, source)
	case apdu.TypeSegmentACK:
		s.handleSegmentACK(raw, source)
	}
}

func (s *ServerTSM) handleConfirmedRequest(raw []byte, source address.Address) {
	req, err := apdu.DecodeConfirmedRequest(raw)
	if err != nil {
		log.WithError(err).Warn("dropping malformed ConfirmedRequest")
		return
	}
	key := txKey(source.String(), req.InvokeID)

	if !req.Segmented {
		s.dispatch(req.ServiceChoice, req.ServiceData, req, source)
		return
	}

	s.mu.Lock()
	tx, ok := s.pending[key]
	if !ok {
		tx = &serverTransaction{peer: source, invokeID: req.InvokeID, inReasm: newReassembler(req.ProposedWindowSize)}
		s.pending[key] = tx
	}
	s.mu.Unlock()

	ackNow, negative, ackSeq, complete := tx.inReasm.Accept(req.SequenceNumber, req.MoreFollows, req.ServiceData)
	if ackNow {
		reply := apdu.SegmentACK{NegativeACK: negative, Server: false, InvokeID: req.InvokeID, SequenceNumber: ackSeq, ActualWindowSize: tx.inReasm.windowSize}
		if raw, err := reply.Encode(); err == nil {
			_ = s.send.Send(source, raw, false, npdu.PriorityNormal)
		}
	}
	if !complete {
		return
	}

	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
	s.dispatch(req.ServiceChoice, tx.inReasm.Bytes(), req, source)
}

func (s *ServerTSM) dispatch(serviceChoice uint8, serviceData []byte, req apdu.ConfirmedRequest, source address.Address) {
	response, hasResponse, err := s.handler(serviceChoice, serviceData, source)
	if err != nil {
		s.sendFailure(req, source, err)
		return
	}
	if !hasResponse {
		ack := apdu.SimpleACK{InvokeID: req.InvokeID, ServiceChoice: serviceChoice}
		if raw, err := ack.Encode(); err == nil {
			_ = s.send.Send(source, raw, false, npdu.PriorityNormal)
		}
		return
	}
	s.sendComplexACK(req, source, serviceChoice, response)
}

func (s *ServerTSM) sendFailure(req apdu.ConfirmedRequest, source address.Address, err error) {
	var raw []byte
	var encErr error
	switch e := err.(type) {
	case *bacerr.BACnetError:
		raw, encErr = apdu.Error{InvokeID: req.InvokeID, ServiceChoice: req.ServiceChoice, Class: e.Class, Code: e.Code}.Encode()
	case *bacerr.Reject:
		raw, encErr = apdu.Reject{InvokeID: req.InvokeID, Reason: 0}.Encode()
	case *bacerr.Abort:
		raw, encErr = apdu.Abort{ByServer: true, InvokeID: req.InvokeID, Reason: 0}.Encode()
	default:
		raw, encErr = apdu.Error{InvokeID: req.InvokeID, ServiceChoice: req.ServiceChoice, Class: bacerr.ClassDevice, Code: bacerr.CodeOther}.Encode()
	}
	if encErr != nil {
		log.WithError(encErr).Warn("failed to encode failure response")
		return
	}
	if sendErr := s.send.Send(source, raw, false, npdu.PriorityNormal); sendErr != nil {
		log.WithError(sendErr).Warn("failed to send failure response")
	}
}

func (s *ServerTSM) sendComplexACK(req apdu.ConfirmedRequest, source address.Address, serviceChoice uint8, response []byte) {
	segmentSize := int(req.MaxAPDULengthAccepted) - 5
	segments := segmentServiceData(response, segmentSize)
	if segments == nil || !req.SegmentedResponseAccepted {
		if segments != nil {
			// Requester won't accept a segmented reply; this stack has
			// no choice but to Abort rather than truncate silently.
			a := apdu.Abort{ByServer: true, InvokeID: req.InvokeID, Reason: 0}
			if raw, err := a.Encode(); err == nil {
				_ = s.send.Send(source, raw, false, npdu.PriorityNormal)
			}
			return
		}
		ack := apdu.ComplexACK{InvokeID: req.InvokeID, ServiceChoice: serviceChoice, ServiceData: response}
		if raw, err := ack.Encode(); err == nil {
			_ = s.send.Send(source, raw, false, npdu.PriorityNormal)
		}
		return
	}

	windowSize := minWindow(req.ProposedWindowSize, DefaultWindowSize)
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	tx := &serverTransaction{
		peer: source, invokeID: req.InvokeID,
		outServiceChoice: serviceChoice, outSegments: segments, outWindowSize: windowSize,
	}
	key := txKey(source.String(), req.InvokeID)
	s.mu.Lock()
	s.pending[key] = tx
	s.mu.Unlock()
	if err := s.sendOutWindow(tx, serviceChoice); err != nil {
		log.WithError(err).Warn("failed to send segmented ComplexACK")
	}
}

func (s *ServerTSM) sendOutWindow(tx *serverTransaction, serviceChoice uint8) error {
	sent := uint8(0)
	for sent < tx.outWindowSize && tx.outNextSegment < len(tx.outSegments) {
		seq := tx.outNextSegment
		ack := apdu.ComplexACK{
			Segmented:      true,
			MoreFollows:    seq < len(tx.outSegments)-1,
			InvokeID:       tx.invokeID,
			SequenceNumber: uint8(seq),
			ServiceChoice:  serviceChoice,
			ServiceData:    tx.outSegments[seq],
		}
		raw, err := ack.Encode()
		if err != nil {
			return err
		}
		tx.outNextSegment++
		if err := s.send.Send(tx.peer, raw, false, npdu.PriorityNormal); err != nil {
			return err
		}
		sent++
	}
	return nil
}

func (s *ServerTSM) handleSegmentACK(raw []byte, source address.Address) {
	ack, err := apdu.DecodeSegmentACK(raw)
	if err != nil {
		log.WithError(err).Warn("dropping malformed SegmentACK")
		return
	}
	key := txKey(source.String(), ack.InvokeID)
	s.mu.Lock()
	tx, ok := s.pending[key]
	s.mu.Unlock()
	if !ok || tx.outSegments == nil {
		return
	}

	if ack.NegativeACK {
		tx.outNextSegment = int(ack.SequenceNumber) + 1
	}
	if tx.outNextSegment >= len(tx.outSegments) {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		return
	}
	if err := s.sendOutWindow(tx, tx.outServiceChoice); err != nil {
		log.WithError(err).Warn("failed to continue segmented ComplexACK window")
	}
}
