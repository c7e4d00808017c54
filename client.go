package amqp

import (
	"net"
	"net/url"
)

// Client is an AMQP client connection.
type Client struct {
	conn *conn
}

// Dial connects to an AMQP server.
//
// addr's scheme selects the transport: "amqp" (plain TCP, the default),
// "amqps" (TLS), or "wss" (WebSocket). If no port is given, the scheme's
// standard AMQP port is used.
func Dial(addr string, opts ...ConnOption) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		u.Scheme = "amqp"
	}

	dial, ok := transportRegistry[u.Scheme]
	if !ok {
		return nil, errorErrorf("unsupported scheme %q", u.Scheme)
	}

	netConn, err := dial(u, nil)
	if err != nil {
		return nil, err
	}

	opts = append([]ConnOption{
		ConnServerHostname(u.Hostname()),
		ConnTLS(u.Scheme == "amqps" || u.Scheme == "wss"),
	}, opts...)

	return New(netConn, opts...)
}

// New establishes an AMQP client connection on a pre-established net.Conn.
func New(netConn net.Conn, opts ...ConnOption) (*Client, error) {
	c := newConn(netConn)

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	go c.connReader()

	for state := c.negotiateProto; state != nil; {
		state = state()
	}

	if c.err != nil {
		_ = c.close()
		return nil, c.err
	}

	go c.mux()

	return &Client{conn: c}, nil
}

// Close disconnects the connection.
func (c *Client) Close() error {
	return c.conn.close()
}

// NewSession opens a new AMQP session to the server.
func (c *Client) NewSession() (*Session, error) {
	var s *Session
	select {
	case <-c.conn.done:
		return nil, c.conn.err
	case s = <-c.conn.newSession:
	}

	err := s.txFrame(&performBegin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	var fr frame
	select {
	case <-c.conn.done:
		return nil, c.conn.err
	case fr = <-s.rx:
	}

	begin, ok := fr.body.(*performBegin)
	if !ok {
		_ = s.Close()
		return nil, errorErrorf("unexpected begin response: %+v", fr)
	}

	s.remoteChannel = begin.RemoteChannel
	s.remoteIncomingWindow = begin.IncomingWindow
	s.nextIncomingID = begin.NextOutgoingID
	s.remoteOutgoingWindow = begin.OutgoingWindow

	go s.mux()

	return s, nil
}
