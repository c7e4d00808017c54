package amqp

import (
	"bytes"
	"context"
)

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	link *link
	buf  *bytes.Buffer
}

// sendFlow transmits a flow frame replenishing the sender's credit back up
// to link.linkCredit.
func (r *Receiver) sendFlow() error {
	newLinkCredit := r.link.linkCredit - (r.link.linkCredit - r.link.creditUsed)
	r.link.senderDeliveryCount += r.link.creditUsed
	err := r.link.session.txFrame(&performFlow{
		NextIncomingID: &r.link.session.nextIncomingID,
		IncomingWindow: r.link.session.incomingWindow,
		NextOutgoingID: r.link.session.nextOutgoingID,
		OutgoingWindow: r.link.session.outgoingWindow,
		Handle:         &r.link.handle,
		DeliveryCount:  &r.link.senderDeliveryCount,
		LinkCredit:     &newLinkCredit,
	})
	r.link.creditUsed = 0
	return err
}

// Receive returns the next message from the sender.
//
// Blocks until a complete message is received, ctx completes, or an error
// occurs.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	r.buf.Reset()

	msg := &Message{receiver: r}

	first := true
outer:
	for {
		if r.link.creditUsed > r.link.linkCredit/2 {
			if err := r.sendFlow(); err != nil {
				return nil, err
			}
		}

		var fr frameBody
		select {
		case <-r.link.session.conn.done:
			return nil, r.link.session.conn.err
		case fr = <-r.link.rx:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		switch fr := fr.(type) {
		case *performTransfer:
			r.link.creditUsed++
			r.link.session.nextIncomingID++

			if first && fr.DeliveryID != nil {
				msg.id = deliveryID(*fr.DeliveryID)
				first = false
			}
			msg.settled = fr.Settled

			if fr.Aborted {
				r.buf.Reset()
				return nil, errorNew("receiver: delivery aborted by sender")
			}

			r.buf.Write(fr.Payload)
			if !fr.More {
				break outer
			}
		case *performDetach:
			if !fr.Closed {
				r.link.detachReceived = true
				return nil, ErrDetach{RemoteError: fr.Error}
			}

			r.link.detachReceived = true
			r.link.close()
			return nil, ErrDetach{RemoteError: fr.Error}
		}
	}

	_, err := unmarshal(r.buf, msg)
	if err != nil {
		return nil, err
	}

	if r.link.receiverSettleMode == nil || *r.link.receiverSettleMode == ModeFirst {
		msg.settled = true
		if err := r.acceptMessage(msg.id); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

// acceptMessage settles id with an accepted outcome.
func (r *Receiver) acceptMessage(id deliveryID) error {
	return r.disposition(id, &stateAccepted{})
}

// rejectMessage settles id with a rejected outcome.
func (r *Receiver) rejectMessage(id deliveryID) error {
	return r.disposition(id, &stateRejected{})
}

// releaseMessage settles id with a released outcome.
func (r *Receiver) releaseMessage(id deliveryID) error {
	return r.disposition(id, &stateReleased{})
}

func (r *Receiver) disposition(id deliveryID, state deliveryState) error {
	n := uint32(id)
	return r.link.session.txFrame(&performDisposition{
		Role:     roleReceiver,
		First:    n,
		Settled:  true,
		State:    state,
		Batchable: false,
	})
}

// Close closes the Receiver and its AMQP link.
func (r *Receiver) Close() error {
	r.link.close()
	bufPool.Put(r.buf)
	r.buf = nil
	return r.link.err
}
