package amqp

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// connection defaults, applied unless overridden by a ConnOption.
const (
	defaultMaxFrameSize = 65536
	defaultChannelMax   = 65535
	defaultIdleTimeout  = 0 // disabled unless ConnIdleTimeout is used
)

// ConnOption configures a connection before the protocol handshake begins.
type ConnOption func(*conn) error

// ConnServerHostname sets the hostname sent in the Open performative and
// used for TLS SNI/PLAIN SASL hostname fields.
func ConnServerHostname(hostname string) ConnOption {
	return func(c *conn) error {
		c.hostname = hostname
		return nil
	}
}

// ConnTLS forces (or disables) TLS regardless of what the dialed scheme implies.
func ConnTLS(enable bool) ConnOption {
	return func(c *conn) error {
		c.useTLS = enable
		return nil
	}
}

// ConnTLSConfig sets the TLS configuration used when useTLS is true.
func ConnTLSConfig(cfg *tls.Config) ConnOption {
	return func(c *conn) error {
		c.tlsConfig = cfg
		return nil
	}
}

// ConnContainerID overrides the randomly generated container-id sent in Open.
func ConnContainerID(id string) ConnOption {
	return func(c *conn) error {
		c.containerID = id
		return nil
	}
}

// ConnMaxFrameSize sets the largest frame this connection will accept.
func ConnMaxFrameSize(n uint32) ConnOption {
	return func(c *conn) error {
		if n < frameHeaderSize {
			return errorErrorf("max frame size must be at least %d", frameHeaderSize)
		}
		c.maxFrameSize = n
		return nil
	}
}

// ConnChannelMax sets the highest channel number this connection will use.
func ConnChannelMax(n uint16) ConnOption {
	return func(c *conn) error {
		c.channelMax = n
		return nil
	}
}

// ConnIdleTimeout declares how long this connection permits the peer to be
// silent before it closes the connection. A periodic flow/heartbeat is sent
// to the peer at half its declared idle-timeout, per the same policy.
func ConnIdleTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		if d < 0 {
			return errorNew("idle timeout must not be negative")
		}
		c.idleTimeout = d
		return nil
	}
}

// ConnProperty sets one entry of the connection's Open properties map.
func ConnProperty(key string, value interface{}) ConnOption {
	return func(c *conn) error {
		if c.properties == nil {
			c.properties = make(map[symbol]interface{})
		}
		c.properties[symbol(key)] = value
		return nil
	}
}

// stateFunc is one step of the connection establishment state machine; it
// returns the next step, or nil when negotiation is complete (check c.err).
type stateFunc func() stateFunc

// conn is a single AMQP connection: one TCP/TLS/WebSocket byte stream
// multiplexing zero or more sessions.
type conn struct {
	net net.Conn

	hostname     string
	containerID  string
	useTLS       bool
	tlsConfig    *tls.Config
	maxFrameSize uint32
	channelMax   uint16
	idleTimeout  time.Duration
	properties   map[symbol]interface{}

	peerMaxFrameSize uint32
	peerChannelMax   uint16
	peerIdleTimeout  time.Duration

	saslHandlers    map[symbol]saslMechanism
	saslComplete    bool
	saslChosen      saslMechanism
	saslChallenge   []byte // set once a saslChallenge has been answered; a second one is a protocol violation

	// expectProtoHeader is true exactly while the setup state machine is
	// blocked awaiting a protocol header from the peer; connReader uses it
	// to tell a malformed opening from an ordinary frame.
	expectProtoHeader atomic.Bool

	log zerolog.Logger

	done chan struct{}
	err  error

	readErr chan error
	rxProto chan protoHeader
	rxFrame chan frame

	newSession chan *Session
	delSession chan *Session
	closeOnce  sync.Once

	writeMu sync.Mutex
}

// newConn builds a conn ready for option application; it does not touch the
// network.
func newConn(netConn net.Conn) *conn {
	return &conn{
		net:          netConn,
		maxFrameSize: defaultMaxFrameSize,
		channelMax:   defaultChannelMax,
		idleTimeout:  defaultIdleTimeout,
		containerID:  newUUIDString(),
		done:         make(chan struct{}),
		readErr:      make(chan error, 1),
		rxProto:      make(chan protoHeader),
		rxFrame:      make(chan frame),
		newSession:   make(chan *Session),
		delSession:   make(chan *Session),
	}
}

// newUUIDString returns a random RFC 4122 UUID string, used for a default
// container-id and, elsewhere, link names and delivery tags.
func newUUIDString() string {
	return uuid.NewString()
}

// connReader owns all reads off the wire for the lifetime of the
// connection. During negotiation it may see protocol headers (the "AMQP"
// magic) interleaved with frames (SASL challenges, Open); afterward it only
// ever sees frames. Either is pushed to the matching channel for whichever
// goroutine is currently driving the connection (the setup state machine,
// then mux).
func (c *conn) connReader() {
	br := bufio.NewReaderSize(c.net, int(c.maxFrameSize))
	for {
		isProto, err := peekIsProtoHeader(br)
		if err != nil {
			c.sendReadErr(err)
			return
		}

		if isProto {
			p, err := parseProtoHeader(br)
			if err != nil {
				c.sendReadErr(err)
				return
			}
			select {
			case c.rxProto <- p:
			case <-c.done:
				return
			}
			continue
		}

		if c.expectProtoHeader.Load() {
			peek, _ := br.Peek(4)
			c.sendReadErr(newKindError(KindVersionError, "Invalid AMQP version: expected protocol header, got %q", peek))
			return
		}

		fr, err := readFrame(br)
		if err != nil {
			c.sendReadErr(err)
			return
		}
		select {
		case c.rxFrame <- fr:
		case <-c.done:
			return
		}
	}
}

func (c *conn) sendReadErr(err error) {
	select {
	case c.readErr <- err:
	case <-c.done:
	}
}

// txFrame marshals and writes fr to the wire, serializing against concurrent
// writers (sessions, the heartbeat ticker).
func (c *conn) txFrame(fr frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if fr.body == nil {
		return writeHeartbeat(c.net)
	}

	buf := bufPool.New().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	if err := writeFrame(buf, fr); err != nil {
		return err
	}
	_, err := c.net.Write(buf.Bytes())
	return err
}

// negotiateProto begins the handshake: SASL first if any mechanism was
// registered, otherwise straight to AMQP.
func (c *conn) negotiateProto() stateFunc {
	if len(c.saslHandlers) > 0 && !c.saslComplete {
		return c.txSASLProtoHeader
	}
	return c.txAMQPProtoHeader
}

func (c *conn) txSASLProtoHeader() stateFunc {
	if err := writeProtoHeader(c.net, protoSASL); err != nil {
		c.err = err
		return nil
	}
	c.expectProtoHeader.Store(true)
	return c.rxSASLProtoHeader
}

func (c *conn) rxSASLProtoHeader() stateFunc {
	p, err := c.awaitProtoHeader()
	c.expectProtoHeader.Store(false)
	if err != nil {
		return c.versionMismatch(protoSASL, err)
	}
	if p.ProtoID != protoSASL {
		return c.versionMismatch(protoSASL, newKindError(KindVersionError, "Invalid AMQP version: expected sasl protocol id, got %d", p.ProtoID))
	}
	return c.saslMechanismsRx
}

func (c *conn) saslMechanismsRx() stateFunc {
	fr, err := c.awaitFrame()
	if err != nil {
		c.err = err
		return nil
	}
	mechs, ok := fr.body.(*saslMechanisms)
	if !ok {
		c.err = errorErrorf("sasl: expected sasl-mechanisms, got %T", fr.body)
		return nil
	}

	var chosen saslMechanism
	for _, offered := range mechs.Mechanisms {
		if h, ok := c.saslHandlers[offered]; ok {
			chosen = h
			break
		}
	}
	if chosen == nil {
		c.err = newKindError(KindSaslError, "no supported SASL mechanism in %v", mechs.Mechanisms)
		return nil
	}

	init := &saslInit{
		Mechanism:       chosen.name(),
		InitialResponse: chosen.init(c.hostname),
		Hostname:        c.hostname,
	}
	if err := c.txFrame(frame{typ: frameTypeSASL, body: init}); err != nil {
		c.err = err
		return nil
	}
	c.saslChosen = chosen
	return c.saslOutcomeRx
}

func (c *conn) saslOutcomeRx() stateFunc {
	fr, err := c.awaitFrame()
	if err != nil {
		c.err = err
		return nil
	}
	switch body := fr.body.(type) {
	case *saslOutcome:
		if body.Code != codeSASLOK {
			c.err = newKindError(KindSaslError, "authentication failed, code %#00x", body.Code)
			return nil
		}
		c.saslComplete = true
		return c.negotiateProto
	case *saslChallenge:
		return c.saslChallengeRx(body)
	default:
		c.err = errorErrorf("sasl: unexpected frame %T during negotiation", body)
		return nil
	}
}

// saslChallengeRx answers a mechanism-specific challenge. A mechanism that
// sees a second challenge before an outcome treats it as a fatal protocol
// violation rather than stepping again.
func (c *conn) saslChallengeRx(ch *saslChallenge) stateFunc {
	if c.saslChallenge != nil {
		c.err = newKindError(KindSaslError, "Initial error response: %s, additional response: %s", c.saslChallenge, ch.Challenge)
		return nil
	}
	c.saslChallenge = ch.Challenge

	resp, err := c.saslChosen.step(ch.Challenge)
	if err != nil {
		c.err = err
		return nil
	}
	if err := c.txFrame(frame{typ: frameTypeSASL, body: &saslResponse{Response: resp}}); err != nil {
		c.err = err
		return nil
	}
	return c.saslOutcomeRx
}

func (c *conn) txAMQPProtoHeader() stateFunc {
	if err := writeProtoHeader(c.net, protoAMQP); err != nil {
		c.err = err
		return nil
	}
	c.expectProtoHeader.Store(true)
	return c.rxAMQPProtoHeader
}

func (c *conn) rxAMQPProtoHeader() stateFunc {
	p, err := c.awaitProtoHeader()
	c.expectProtoHeader.Store(false)
	if err != nil {
		return c.versionMismatch(protoAMQP, err)
	}
	if p.ProtoID != protoAMQP {
		return c.versionMismatch(protoAMQP, newKindError(KindVersionError, "Invalid AMQP version: expected AMQP protocol id, got %d", p.ProtoID))
	}
	return c.txOpen
}

// versionMismatch handles a failed protocol header exchange per section 6:
// a genuine version disagreement gets our header echoed back before the
// connection terminates, so a peer sniffing the reply can tell a version
// mismatch from a dropped connection. Any other failure (a read error, the
// peer hanging up) just terminates.
func (c *conn) versionMismatch(id protoID, err error) stateFunc {
	var ke *kindError
	if errors.As(err, &ke) && ke.kind == KindVersionError {
		_ = writeProtoHeader(c.net, id)
	}
	c.err = err
	return nil
}

func (c *conn) txOpen() stateFunc {
	open := &performOpen{
		ContainerID:  c.containerID,
		Hostname:     c.hostname,
		MaxFrameSize: c.maxFrameSize,
		ChannelMax:   c.channelMax,
		IdleTimeout:  c.idleTimeout,
		Properties:   c.properties,
	}
	if err := c.txFrame(frame{typ: frameTypeAMQP, body: open}); err != nil {
		c.err = err
		return nil
	}
	return c.rxOpen
}

func (c *conn) rxOpen() stateFunc {
	fr, err := c.awaitFrame()
	if err != nil {
		c.err = err
		return nil
	}
	open, ok := fr.body.(*performOpen)
	if !ok {
		c.err = errorErrorf("expected open, got %T", fr.body)
		return nil
	}

	c.peerMaxFrameSize = open.MaxFrameSize
	c.peerChannelMax = open.ChannelMax
	c.peerIdleTimeout = time.Duration(open.IdleTimeout)

	c.log = connLogger(c.containerID)
	c.log.Info().
		Str("peer_container", open.ContainerID).
		Uint32("peer_max_frame_size", open.MaxFrameSize).
		Msg("connection opened")

	return nil
}

func (c *conn) awaitProtoHeader() (protoHeader, error) {
	select {
	case p := <-c.rxProto:
		return p, nil
	case err := <-c.readErr:
		return protoHeader{}, err
	case <-c.done:
		return protoHeader{}, c.err
	}
}

func (c *conn) awaitFrame() (frame, error) {
	select {
	case fr := <-c.rxFrame:
		return fr, nil
	case err := <-c.readErr:
		return frame{}, err
	case <-c.done:
		return frame{}, c.err
	}
}

// mux is the connection's single steady-state reactor: it demultiplexes
// incoming frames to sessions by channel, allocates new sessions, and drives
// the idle-timeout heartbeat in both directions.
func (c *conn) mux() {
	sessionsByChannel := make(map[uint16]*Session)
	var nextChannel uint16
	nextSession := newSession(c, nextChannel)

	lastRx := time.Now()

	var sendTicker, rxTicker *time.Ticker
	if c.peerIdleTimeout > 0 {
		sendTicker = time.NewTicker(c.peerIdleTimeout / 2)
		defer sendTicker.Stop()
	}
	if c.idleTimeout > 0 {
		rxTicker = time.NewTicker(c.idleTimeout / 2)
		defer rxTicker.Stop()
	}

	for {
		select {
		case err := <-c.readErr:
			c.shutdown(err)
			return

		case fr := <-c.rxFrame:
			lastRx = time.Now()
			if fr.body == nil {
				continue // heartbeat
			}

			if fr.channel == 0 {
				if closeBody, ok := fr.body.(*performClose); ok {
					c.handlePeerClose(closeBody)
					return
				}
				c.log.Warn().Str("type", typeName(fr.body)).Msg("unexpected connection-level frame")
				continue
			}

			sess, ok := sessionsByChannel[fr.channel]
			if !ok {
				c.log.Warn().Uint16("chan", fr.channel).Msg("frame for unknown channel")
				continue
			}
			select {
			case sess.rx <- fr:
			case <-c.done:
				return
			}

		case c.newSession <- nextSession:
			sessionsByChannel[nextChannel] = nextSession
			nextChannel++
			nextSession = newSession(c, nextChannel)

		case s := <-c.delSession:
			delete(sessionsByChannel, s.channel)

		case <-tickerChan(sendTicker):
			if err := c.txFrame(frame{typ: frameTypeAMQP, channel: 0}); err != nil {
				c.shutdown(err)
				return
			}

		case <-tickerChan(rxTicker):
			if time.Since(lastRx) > c.idleTimeout {
				c.shutdown(newKindError(KindDisconnected, "peer idle timeout exceeded"))
				return
			}

		case <-c.done:
			return
		}
	}
}

func (c *conn) handlePeerClose(body *performClose) {
	if body.Error != nil {
		c.shutdown(wrapKindError(KindProtocolError, errorErrorf("%s: %s", body.Error.Condition, body.Error.Description), "peer closed connection"))
		return
	}
	_ = c.txFrame(frame{typ: frameTypeAMQP, channel: 0, body: &performClose{}})
	c.shutdown(nil)
}

// close begins a cooperative close: send our Close, wait (briefly) for the
// peer's, then tear down regardless.
func (c *conn) close() error {
	select {
	case <-c.done:
		return c.err
	default:
	}

	_ = c.txFrame(frame{typ: frameTypeAMQP, channel: 0, body: &performClose{}})

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case <-c.done:
	case <-timer.C:
		c.shutdown(newKindError(KindDisconnected, "timed out waiting for peer close"))
	}
	return c.err
}

func (c *conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.net.Close()
	})
}

func tickerChan(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func typeName(i interface{}) string {
	type named interface{ String() string }
	if n, ok := i.(named); ok {
		return n.String()
	}
	return "unknown"
}

var _ io.Closer = (*conn)(nil)

func (c *conn) Close() error { return c.close() }
