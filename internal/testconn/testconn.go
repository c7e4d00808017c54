// Package testconn provides an in-memory net.Conn fake for driving the AMQP
// state machine against a scripted byte feed.
package testconn

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"time"
)

// Conn is a net.Conn backed by a fixed, scripted read buffer. Writes are
// captured rather than transmitted anywhere. Once the script is exhausted,
// Read blocks until Close.
type Conn struct {
	mu     sync.Mutex
	r      *bytes.Reader
	sent   bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

var _ net.Conn = (*Conn)(nil)

// New returns a Conn that yields script on Read.
func New(script []byte) *Conn {
	return &Conn{
		r:      bytes.NewReader(script),
		closed: make(chan struct{}),
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	n, err := c.r.Read(p)
	c.mu.Unlock()

	if n > 0 {
		return n, nil
	}
	if err == nil {
		return 0, nil
	}

	<-c.closed
	return 0, err
}

func (c *Conn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, errors.New("testconn: write on closed conn")
	default:
	}

	c.mu.Lock()
	c.sent.Write(p)
	c.mu.Unlock()
	return len(p), nil
}

// Sent returns the bytes written by the client so far.
func (c *Conn) Sent() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.sent.Bytes()...)
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type addr struct{}

func (addr) Network() string { return "testconn" }
func (addr) String() string  { return "testconn" }

func (c *Conn) LocalAddr() net.Addr  { return addr{} }
func (c *Conn) RemoteAddr() net.Addr { return addr{} }

func (c *Conn) SetDeadline(t time.Time) error     { return nil }
func (c *Conn) SetReadDeadline(t time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }
