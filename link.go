package amqp

import (
	"fmt"
	"time"
)

// ErrDetach is returned by a link (Receiver/Sender) when a detach frame is
// received.
//
// RemoteError is nil if the link was detached gracefully.
type ErrDetach struct {
	RemoteError *Error
}

func (e ErrDetach) Error() string {
	return fmt.Sprintf("link detached, reason: %+v", e.RemoteError)
}

// ReattachPolicy configures whether and how a link re-attaches after a
// peer-initiated detach that did not carry an error.
type ReattachPolicy struct {
	Retries   int
	Strategy  ReattachStrategy
	Forever   bool
	BaseDelay time.Duration
}

type ReattachStrategy uint8

const (
	ReattachNone ReattachStrategy = iota
	ReattachFibonacci
	ReattachExponential
)

// backoffSeries returns the next n delays of the configured strategy,
// scaled by BaseDelay. It resets (is regenerated) whenever the caller starts
// a fresh attach cycle.
func (p ReattachPolicy) backoffSeries(n int) []time.Duration {
	delays := make([]time.Duration, n)
	switch p.Strategy {
	case ReattachFibonacci:
		a, b := 1, 1
		for i := 0; i < n; i++ {
			delays[i] = time.Duration(a) * p.BaseDelay
			a, b = b, a+b
		}
	case ReattachExponential:
		for i := 0; i < n; i++ {
			delays[i] = time.Duration(1<<uint(i)) * p.BaseDelay
		}
	default:
		for i := range delays {
			delays[i] = p.BaseDelay
		}
	}
	return delays
}

// link is the state shared by a Sender and a Receiver: the half of the AMQP
// link lifecycle (attach/detach, handle allocation, settle modes) that does
// not depend on which direction messages flow.
type link struct {
	name       string
	handle     uint32
	remoteHandle uint32 // peer's handle for this link, learned from its attach response; owned by Session.mux
	sourceAddr string
	targetAddr string
	linkCredit uint32
	rx         chan frameBody
	session    *Session

	role                role // our role: roleSender or roleReceiver
	senderSettleMode    *SenderSettleMode
	receiverSettleMode  *ReceiverSettleMode
	initialDeliveryCount uint32
	senderDeliveryCount  uint32

	reattach ReattachPolicy

	creditUsed     uint32
	detachSent     bool
	detachReceived bool
	closed         bool
	err            error
}

// newLink is used by Session.mux to allocate the next handle on request.
func newLink(s *Session, r role) *link {
	return &link{
		linkCredit: 1,
		session:    s,
		role:       r,
		name:       newUUIDString(),
	}
}

// attach sends our half of the attach exchange and blocks for the peer's
// response, populating remote link state (initial delivery count, chosen
// settle modes).
func (l *link) attach(src *source, tgt *target) (*performAttach, error) {
	att := &performAttach{
		Name:               l.name,
		Handle:             l.handle,
		Role:               l.role,
		Source:             src,
		Target:             tgt,
		SenderSettleMode:   l.senderSettleMode,
		ReceiverSettleMode: l.receiverSettleMode,
	}
	if l.role == roleSender {
		att.InitialDeliveryCount = l.initialDeliveryCount
	}
	if err := l.session.txFrame(att); err != nil {
		return nil, err
	}

	var fr frameBody
	select {
	case <-l.session.conn.done:
		return nil, l.session.conn.err
	case fr = <-l.rx:
	}
	resp, ok := fr.(*performAttach)
	if !ok {
		return nil, errorErrorf("unexpected attach response: %+v", fr)
	}
	if resp.SenderSettleMode != nil {
		l.senderSettleMode = resp.SenderSettleMode
	}
	if resp.ReceiverSettleMode != nil {
		l.receiverSettleMode = resp.ReceiverSettleMode
	}
	l.senderDeliveryCount = resp.InitialDeliveryCount
	return resp, nil
}

// close closes and requests deallocation of the link.
//
// No operations on link are valid after close returns.
func (l *link) close() {
	if l.detachSent {
		return
	}

	l.err = l.session.txFrame(&performDetach{
		Handle: l.handle,
		Closed: true,
	})
	l.detachSent = true

	if !l.detachReceived {
	outer:
		for {
			select {
			case <-l.session.conn.done:
				l.err = l.session.conn.err
				break outer
			case fr := <-l.rx:
				if fr, ok := fr.(*performDetach); ok {
					l.detachReceived = true
					if fr.Error != nil {
						l.err = ErrDetach{RemoteError: fr.Error}
					}
					break outer
				}
			}
		}
	}

	select {
	case <-l.session.conn.done:
	case l.session.deallocateHandle <- l:
	}
}

// forceDetach transitions straight to detached without emitting any frames,
// used when the transport is already gone and there is nothing to tell.
func (l *link) forceDetach(err error) {
	l.detachSent = true
	l.detachReceived = true
	l.err = err
}

// LinkOption configures a Sender or Receiver link before attach.
//
// A link may be a Sender or a Receiver.
type LinkOption func(*link) error

// LinkSourceAddress sets the source address (the address a Receiver reads
// from, or the anonymous-relay-style source for a Sender).
func LinkSourceAddress(source string) LinkOption {
	return func(l *link) error {
		l.sourceAddr = source
		return nil
	}
}

// LinkTargetAddress sets the target address (the address a Sender writes
// to).
func LinkTargetAddress(target string) LinkOption {
	return func(l *link) error {
		l.targetAddr = target
		return nil
	}
}

// LinkCredit specifies the maximum number of unacknowledged messages
// a receiver will allow the sender to have in flight.
func LinkCredit(credit uint32) LinkOption {
	return func(l *link) error {
		l.linkCredit = credit
		return nil
	}
}

// LinkSenderSettle requests a sender settlement mode during attach.
func LinkSenderSettle(mode SenderSettleMode) LinkOption {
	return func(l *link) error {
		l.senderSettleMode = &mode
		return nil
	}
}

// LinkReceiverSettle requests a receiver settlement mode during attach.
//
// ModeFirst auto-settles every delivery on receipt. ModeSecond defers
// settlement to an explicit Accept/Reject/Release/Modify call.
func LinkReceiverSettle(mode ReceiverSettleMode) LinkOption {
	return func(l *link) error {
		l.receiverSettleMode = &mode
		return nil
	}
}

// LinkReattachPolicy configures automatic reattach after a peer-initiated,
// error-free detach.
func LinkReattachPolicy(p ReattachPolicy) LinkOption {
	return func(l *link) error {
		l.reattach = p
		return nil
	}
}
