package amqp

import (
	"bytes"
	"context"
	"sync"
)

// marshalMessage encodes msg's sections into a fresh byte slice suitable for
// splitting across transfer frames.
func marshalMessage(msg *Message) ([]byte, error) {
	buf := bufPool.New().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	if err := msg.marshal(buf); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// SendPolicy controls when Sender.Send's returned error is determined.
type SendPolicy uint8

const (
	// SendOnSent resolves as soon as the last transfer frame is written to
	// the wire, without waiting for the receiver's disposition.
	SendOnSent SendPolicy = iota
	// SendOnSettle resolves once a disposition settling the delivery
	// arrives, surfacing a rejected outcome's error.
	SendOnSettle
)

// frameOverhead is the fixed portion of a transfer frame (header plus the
// worst-case size of the transfer performative's non-payload fields); it is
// subtracted from maxFrameSize to size payload fragments.
const frameOverhead = 512

// pendingSend is one queued Send call: its transfer frames are pre-built so
// the mux loop only has to write them once credit allows.
type pendingSend struct {
	id     deliveryID
	frames []*performTransfer
	policy SendPolicy
	result chan error
}

// buildTransferFrames fragments payload into as many transfer frames as
// maxPayload requires, tagging only the first with the delivery's identity.
func buildTransferFrames(handle uint32, id deliveryID, tag []byte, payload []byte, maxPayload int, settled bool) []*performTransfer {
	var frames []*performTransfer
	for offset := 0; offset < len(payload) || offset == 0; {
		end := offset + maxPayload
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}

		tr := &performTransfer{
			Handle:  handle,
			More:    more,
			Payload: payload[offset:end],
		}
		if offset == 0 {
			idCopy := uint32(id)
			tr.DeliveryID = &idCopy
			tr.DeliveryTag = tag
			tr.Settled = settled
		}
		frames = append(frames, tr)

		offset = end
		if !more {
			break
		}
	}
	return frames
}

// Sender sends messages on a single AMQP link.
//
// A Sender runs its own mux goroutine so that an unsolicited flow frame
// granting credit is acted on (and any queued Send drained) even between
// calls to Send, per the link-credit protocol.
type Sender struct {
	link *link

	// Policy controls whether Send resolves as soon as the last frame is
	// written (SendOnSent, the default) or waits for the receiver's
	// disposition (SendOnSettle).
	Policy SendPolicy

	sendRequests chan *pendingSend
	cancel       chan *pendingSend
	closeReq     chan struct{}
	done         chan struct{}
	closeOnce    sync.Once

	available    uint32
	pendingSends []*pendingSend
	unsettled    map[deliveryID]chan error
}

// Send transmits msg, fragmenting across as many transfer frames as
// maxFrameSize requires. It queues behind any earlier Send still waiting on
// link credit, and blocks until the last frame is written (SendOnSent) or
// until the delivery settles (SendOnSettle).
func (s *Sender) Send(ctx context.Context, msg *Message) error {
	payload, err := marshalMessage(msg)
	if err != nil {
		return err
	}

	id := deliveryID(s.link.session.nextOutgoingID)
	s.link.session.nextOutgoingID++
	tag := s.nextDeliveryTag()

	maxPayload := int(s.link.session.conn.peerMaxFrameSize) - frameOverhead
	if maxPayload <= 0 {
		maxPayload = len(payload)
		if maxPayload == 0 {
			maxPayload = 1
		}
	}

	settled := s.Policy == SendOnSent && s.link.senderSettleMode != nil && *s.link.senderSettleMode == ModeSettled
	req := &pendingSend{
		id:     id,
		frames: buildTransferFrames(s.link.handle, id, tag, payload, maxPayload, settled),
		policy: s.Policy,
		result: make(chan error, 1),
	}

	select {
	case s.sendRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.link.session.conn.done:
		return s.link.session.conn.err
	case <-s.done:
		return errorNew("sender: closed")
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		select {
		case s.cancel <- req:
		case <-s.done:
		}
		return ctx.Err()
	case <-s.link.session.conn.done:
		return s.link.session.conn.err
	case <-s.done:
		return errorNew("sender: closed")
	}
}

// mux is the Sender's reactor: the single reader of link.rx for the life of
// the link, so an unsolicited flow can be acted on even when no Send is in
// flight. §4.8: receipt of a flow addressed to this link updates available
// credit, then drains pendingSends while canSend().
func (s *Sender) mux() {
	defer close(s.done)
	for {
		select {
		case <-s.link.session.conn.done:
			s.link.err = s.link.session.conn.err
			s.failPending(s.link.err)
			return

		case req := <-s.sendRequests:
			s.pendingSends = append(s.pendingSends, req)
			s.drain()

		case req := <-s.cancel:
			for i, p := range s.pendingSends {
				if p == req {
					s.pendingSends = append(s.pendingSends[:i], s.pendingSends[i+1:]...)
					break
				}
			}
			delete(s.unsettled, req.id)

		case <-s.closeReq:
			if !s.link.detachSent {
				s.link.err = s.link.session.txFrame(&performDetach{Handle: s.link.handle, Closed: true})
				s.link.detachSent = true
			}

		case fr, ok := <-s.link.rx:
			if !ok {
				s.failPending(errorNew("sender: link closed"))
				return
			}
			switch body := fr.(type) {
			case *performFlow:
				s.updateCredit(body)
				s.drain()
			case *performDisposition:
				s.settleDisposition(body)
			case *performDetach:
				s.link.detachReceived = true
				if body.Error != nil {
					s.link.err = ErrDetach{RemoteError: body.Error}
				}
				s.failPending(ErrDetach{RemoteError: body.Error})
				if !s.link.detachSent {
					_ = s.link.session.txFrame(&performDetach{Handle: s.link.handle, Closed: true})
					s.link.detachSent = true
				}
				s.deallocate()
				return
			}
		}
	}
}

func (s *Sender) canSend() bool {
	return s.available > 0
}

// drain writes as many queued sends as available credit allows.
func (s *Sender) drain() {
	for len(s.pendingSends) > 0 && s.canSend() {
		req := s.pendingSends[0]
		s.pendingSends = s.pendingSends[1:]

		if err := s.transmit(req); err != nil {
			req.result <- err
			continue
		}
		if req.policy == SendOnSettle {
			s.unsettled[req.id] = req.result
		} else {
			req.result <- nil
		}
	}
}

func (s *Sender) transmit(req *pendingSend) error {
	for _, tr := range req.frames {
		if err := s.link.session.txFrame(tr); err != nil {
			return err
		}
	}
	s.available--
	s.link.senderDeliveryCount++
	s.link.session.outgoingWindow--
	if s.link.session.remoteIncomingWindow > 0 {
		s.link.session.remoteIncomingWindow--
	}
	return nil
}

// updateCredit applies a peer flow's delivery-count/link-credit pair to our
// available send credit, per §4.8: available = deliveryCount + linkCredit -
// our own delivery-count.
func (s *Sender) updateCredit(fr *performFlow) {
	if fr.LinkCredit == nil {
		return
	}
	dc := s.link.senderDeliveryCount
	if fr.DeliveryCount != nil {
		dc = *fr.DeliveryCount
	}
	s.available = dc + *fr.LinkCredit - s.link.senderDeliveryCount
}

// settleDisposition resolves any unsettled resolver covered by fr's
// [First, Last] range.
func (s *Sender) settleDisposition(fr *performDisposition) {
	last := fr.First
	if fr.Last != nil {
		last = *fr.Last
	}
	for n := fr.First; n <= last; n++ {
		ch, ok := s.unsettled[deliveryID(n)]
		if !ok {
			continue
		}
		delete(s.unsettled, deliveryID(n))
		if rejected, ok := fr.State.(*stateRejected); ok {
			ch <- ErrDetach{RemoteError: rejected.Error}
			continue
		}
		ch <- nil
	}
}

func (s *Sender) failPending(err error) {
	for _, p := range s.pendingSends {
		p.result <- err
	}
	s.pendingSends = nil
	for id, ch := range s.unsettled {
		ch <- err
		delete(s.unsettled, id)
	}
}

func (s *Sender) deallocate() {
	select {
	case <-s.link.session.conn.done:
	case s.link.session.deallocateHandle <- s.link:
	}
}

func (s *Sender) nextDeliveryTag() []byte {
	s.link.session.deliveryTagCounter++
	n := s.link.session.deliveryTagCounter
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
}

// Close closes the Sender and its AMQP link.
func (s *Sender) Close() error {
	s.closeOnce.Do(func() {
		select {
		case s.closeReq <- struct{}{}:
			<-s.done
		case <-s.done:
		}
	})
	return s.link.err
}
