package amqp

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is an AMQP session: a bidirectional, flow-controlled sequence of
// transfers multiplexed onto one connection channel, itself multiplexing
// any number of Sender/Receiver links.
type Session struct {
	channel       uint16
	remoteChannel uint16
	conn          *conn
	rx            chan frame

	allocateHandle   chan *link
	deallocateHandle chan *link

	log zerolog.Logger

	// session flow-control windows, per §4.6.
	nextOutgoingID       uint32
	outgoingWindow       uint32
	incomingWindow       uint32
	nextIncomingID       uint32
	remoteIncomingWindow uint32
	remoteOutgoingWindow uint32

	// deliveryTagCounter seeds each attach's per-link tag sequence; it is
	// re-rolled from a UUID-derived nonce on every reattach so delivery tags
	// are never reused across attach generations of the same link.
	deliveryTagCounter uint32

	lastTx time.Time
}

const (
	defaultIncomingWindow = 2147483647
	defaultOutgoingWindow = 2147483647
)

func newSession(c *conn, channel uint16) *Session {
	return &Session{
		conn:             c,
		channel:          channel,
		rx:               make(chan frame),
		allocateHandle:   make(chan *link),
		deallocateHandle: make(chan *link),
		log:              sessionLogger(c.log, channel),
		incomingWindow:   defaultIncomingWindow,
		outgoingWindow:   defaultOutgoingWindow,
		deliveryTagCounter: newNonce(),
	}
}

// newNonce seeds a session's delivery-tag counter from a random UUID so tag
// sequences never collide across reattach generations or sessions.
func newNonce() uint32 {
	id := uuid.New()
	return uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
}

// Close ends the session, deallocating its channel number.
func (s *Session) Close() error {
	_ = s.txFrame(&performEnd{})
	select {
	case <-s.conn.done:
		return s.conn.err
	case s.conn.delSession <- s:
		return nil
	}
}

func (s *Session) txFrame(p frameBody) error {
	s.lastTx = time.Now()
	return s.conn.txFrame(frame{
		typ:     frameTypeAMQP,
		channel: s.channel,
		body:    p,
	})
}

// NewReceiver opens a new receiver link on the session.
func (s *Session) NewReceiver(opts ...LinkOption) (*Receiver, error) {
	l, err := s.newAttachedLink(roleReceiver, opts)
	if err != nil {
		return nil, err
	}
	r := &Receiver{link: l, buf: bufPool.New().(*bytes.Buffer)}
	r.sendFlow()
	return r, nil
}

// NewSender opens a new sender link on the session.
func (s *Session) NewSender(opts ...LinkOption) (*Sender, error) {
	l, err := s.newAttachedLink(roleSender, opts)
	if err != nil {
		return nil, err
	}
	snd := &Sender{
		link:         l,
		sendRequests: make(chan *pendingSend),
		cancel:       make(chan *pendingSend),
		closeReq:     make(chan struct{}),
		done:         make(chan struct{}),
		unsettled:    make(map[deliveryID]chan error),
	}
	go snd.mux()
	return snd, nil
}

func (s *Session) newAttachedLink(r role, opts []LinkOption) (*link, error) {
	l := newLink(s, r)
	for _, o := range opts {
		if err := o(l); err != nil {
			return nil, err
		}
	}
	// A receiver seeds creditUsed == linkCredit so its first sendFlow grants
	// the full window. A sender has nothing to seed: it starts with no send
	// credit and only gains it from the peer's flow, per link.available.
	if r == roleReceiver {
		l.creditUsed = l.linkCredit
	}
	l.rx = make(chan frameBody, l.linkCredit+1)

	select {
	case <-s.conn.done:
		return nil, s.conn.err
	case s.allocateHandle <- l:
	}
	select {
	case <-s.conn.done:
		return nil, s.conn.err
	case <-l.rx:
	}

	var src *source
	var tgt *target
	switch r {
	case roleReceiver:
		src = &source{Address: l.sourceAddr}
	case roleSender:
		tgt = &target{Address: l.targetAddr}
	}
	if _, err := l.attach(src, tgt); err != nil {
		return nil, err
	}
	return l, nil
}

// mux is the session's reactor: it hands out link handles using the
// pre-allocate-next idiom and demultiplexes inbound frames to the link they
// address. It also emits an unsolicited flow echoing current windows when
// the session has been silent for half the connection idle timeout, per the
// periodic session flow heartbeat.
func (s *Session) mux() {
	links := make(map[uint32]*link)
	byName := make(map[string]*link)
	linksByRemoteHandle := make(map[uint32]*link)
	var nextHandle uint32

	var heartbeat *time.Ticker
	if s.conn.idleTimeout > 0 {
		heartbeat = time.NewTicker(s.conn.idleTimeout / 2)
		defer heartbeat.Stop()
	}

	for {
		select {
		case <-s.conn.done:
			return

		case l := <-s.allocateHandle:
			l.handle = nextHandle
			links[nextHandle] = l
			byName[l.name] = l
			nextHandle++
			l.rx <- nil

		case l := <-s.deallocateHandle:
			delete(links, l.handle)
			delete(byName, l.name)
			delete(linksByRemoteHandle, l.remoteHandle)
			close(l.rx)

		case fr := <-s.rx:
			s.dispatch(fr, links, byName, linksByRemoteHandle)

		case <-tickerChan(heartbeat):
			if time.Since(s.lastTx) >= s.conn.idleTimeout/2 {
				_ = s.txFrame(&performFlow{
					NextIncomingID: &s.nextIncomingID,
					IncomingWindow: s.incomingWindow,
					NextOutgoingID: s.nextOutgoingID,
					OutgoingWindow: s.outgoingWindow,
				})
			}
		}
	}
}

// dispatch routes one inbound frame to the link it addresses. Handles are
// per-direction: a link's local handle (used on frames we send) and its
// remote handle (the peer's own numbering, carried on frames it sends) are
// independent once attach completes, so everything but the attach response
// itself is routed through linksByRemoteHandle rather than links.
func (s *Session) dispatch(fr frame, links map[uint32]*link, byName map[string]*link, linksByRemoteHandle map[uint32]*link) {
	switch body := fr.body.(type) {
	case *performTransfer:
		s.incomingWindow--
		s.remoteOutgoingWindow--
	case *performFlow:
		if body.NextIncomingID != nil {
			s.remoteIncomingWindow = *body.NextIncomingID + body.IncomingWindow - s.nextOutgoingID
		} else {
			s.remoteIncomingWindow = body.OutgoingWindow
		}
	case *performEnd:
		s.log.Info().Msg("session ended by peer")
		return
	case *performDisposition:
		// dispositions are addressed by delivery-id range, not handle;
		// broadcast to every link and let each sender's unsettledSends
		// decide whether it applies.
		for _, l := range links {
			select {
			case <-s.conn.done:
				return
			case l.rx <- body:
			default:
			}
		}
		return
	case *performAttach:
		// the attach response is correlated by link name, the only
		// identifier shared before either side knows the other's handle.
		// This is also the one place remoteHandle is learned.
		l, ok := byName[body.Name]
		if !ok {
			s.log.Warn().Str("name", body.Name).Msg("attach response for unknown link")
			return
		}
		l.remoteHandle = body.Handle
		linksByRemoteHandle[body.Handle] = l
		delete(byName, body.Name)
		select {
		case <-s.conn.done:
		case l.rx <- body:
		}
		return
	}

	handle, ok := fr.body.link()
	if !ok {
		s.log.Warn().Str("type", typeName(fr.body)).Msg("unexpected session-level frame")
		return
	}
	l, ok := linksByRemoteHandle[handle]
	if !ok {
		s.log.Warn().Uint32("handle", handle).Msg("frame with unknown remote handle")
		return
	}
	select {
	case <-s.conn.done:
	case l.rx <- fr.body:
	}
}
